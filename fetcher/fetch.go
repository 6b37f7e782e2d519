// Package fetcher keeps tracked identities up to date by periodically
// fetching them from seed nodes.
package fetcher

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"tangled.org/replica/identity"
	"tangled.org/replica/metrics"
	"tangled.org/replica/seedstore"
)

// Result is the outcome of fetching one identity from one seed.
type Result int

const (
	// NotFound means the seed does not host the identity.
	NotFound Result = iota
	// UpToDate means the seed hosts the identity but had nothing new.
	UpToDate
	// Updated means new data was fetched.
	Updated
)

func (r Result) String() string {
	switch r {
	case NotFound:
		return "not_found"
	case UpToDate:
		return "up_to_date"
	case Updated:
		return "updated"
	default:
		return fmt.Sprintf("Result(%d)", int(r))
	}
}

// SeedFetcher fetches a single identity from a single seed.
type SeedFetcher interface {
	FetchFromSeed(ctx context.Context, rev identity.Revision, seed *url.URL) (Result, error)
}

// Orchestrator decides which seeds to fetch an identity from and remembers
// the one that answered.
type Orchestrator struct {
	seeds   []*url.URL
	fetcher SeedFetcher
	cache   *seedstore.SeedCache
	l       *slog.Logger
}

func NewOrchestrator(seeds []*url.URL, fetcher SeedFetcher, cache *seedstore.SeedCache, l *slog.Logger) *Orchestrator {
	return &Orchestrator{
		seeds:   seeds,
		fetcher: fetcher,
		cache:   cache,
		l:       l,
	}
}

// TryFetch fetches rev from the cached seed, falling back to the configured
// seeds in order. It stops at the first seed that hosts rev and reports
// whether anything changed. Errors from individual seeds are collected and
// only returned if no seed gave a definitive answer.
func (o *Orchestrator) TryFetch(ctx context.Context, rev identity.Revision) (bool, []error) {
	start := time.Now()
	defer func() {
		metrics.FetchDuration.Observe(time.Since(start).Seconds())
	}()

	var errs []error
	for _, seed := range o.candidates(ctx, rev) {
		if err := ctx.Err(); err != nil {
			return false, append(errs, err)
		}

		result, err := o.fetcher.FetchFromSeed(ctx, rev, seed)
		if err != nil {
			metrics.FetchesTotal.WithLabelValues("error").Inc()
			errs = append(errs, fmt.Errorf("failed to fetch project from seed %s: %w", seed, err))
			continue
		}

		metrics.FetchesTotal.WithLabelValues(result.String()).Inc()
		o.l.Debug("fetched identity from git seed", "urn", rev.Urn(), "seed", seed.String(), "result", result.String())

		switch result {
		case NotFound:
			continue
		case UpToDate:
			o.cache.Set(ctx, rev, seed)
			return false, nil
		case Updated:
			o.cache.Set(ctx, rev, seed)
			return true, nil
		}
	}

	if len(errs) == 0 {
		return false, nil
	}
	return false, errs
}

// candidates lists the cached seed first, then every configured seed that is
// not the cached one.
func (o *Orchestrator) candidates(ctx context.Context, rev identity.Revision) []*url.URL {
	cached := o.cache.Get(ctx, rev)
	if cached == nil {
		return o.seeds
	}

	out := make([]*url.URL, 0, len(o.seeds)+1)
	out = append(out, cached)
	for _, s := range o.seeds {
		if s.String() != cached.String() {
			out = append(out, s)
		}
	}
	return out
}
