package seedstore

import (
	"context"
	"time"

	"tangled.org/replica/metrics"
)

// StoreMetricsWrapper records request durations of any Store.
type StoreMetricsWrapper struct {
	Store     Store
	storeType string
}

func WithMetrics(store Store, storeType string) *StoreMetricsWrapper {
	return &StoreMetricsWrapper{Store: store, storeType: storeType}
}

func (s *StoreMetricsWrapper) observe(op string, start time.Time) {
	metrics.KVRequestDuration.WithLabelValues(s.storeType, op).Observe(time.Since(start).Seconds())
}

func (s *StoreMetricsWrapper) Get(ctx context.Context, key string) (string, bool, error) {
	defer s.observe("Get", time.Now())
	return s.Store.Get(ctx, key)
}

func (s *StoreMetricsWrapper) Set(ctx context.Context, key, value string) error {
	defer s.observe("Set", time.Now())
	return s.Store.Set(ctx, key, value)
}
