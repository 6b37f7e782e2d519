package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Replication metrics
	FetchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "replica_fetches_total",
			Help: "Total number of per-seed fetch attempts by outcome",
		},
		[]string{"result"},
	)

	FetchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "replica_fetch_duration_seconds",
			Help:    "Duration of a full fetch cycle for one identity in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	QueuePending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "replica_queue_pending",
			Help: "Number of identities waiting in the fetch queue",
		},
	)

	UpdatesDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "replica_updates_dropped_total",
			Help: "Total number of update notifications not delivered to every subscriber",
		},
		[]string{"reason"},
	)

	// Upstream notes metrics
	NotesAppended = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "replica_notes_appended_total",
			Help: "Total number of events appended to upstream notes by status",
		},
		[]string{"status"},
	)

	PushesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "replica_pushes_total",
			Help: "Total number of upstream notes pushes by status",
		},
		[]string{"status"},
	)

	// Storage metrics
	KVRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "replica_kv_request_duration_seconds",
			Help:    "Request durations for the seed kv store",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
		[]string{"type", "operation"},
	)
)
