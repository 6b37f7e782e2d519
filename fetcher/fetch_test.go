package fetcher

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"testing"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"tangled.org/replica/identity"
	"tangled.org/replica/log"
	"tangled.org/replica/seedstore"
)

var testRev = identity.Revision(plumbing.NewHash("c0ffee0000000000000000000000000000000001"))

type outcome struct {
	result Result
	err    error
}

type fakeFetcher struct {
	mu       sync.Mutex
	outcomes map[string]outcome
	calls    []string
}

func (f *fakeFetcher) FetchFromSeed(_ context.Context, _ identity.Revision, seed *url.URL) (Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, seed.String())
	o, ok := f.outcomes[seed.String()]
	if !ok {
		return NotFound, nil
	}
	return o.result, o.err
}

func (f *fakeFetcher) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func mustParse(t *testing.T, raw ...string) []*url.URL {
	t.Helper()
	out := make([]*url.URL, 0, len(raw))
	for _, r := range raw {
		u, err := url.Parse(r)
		require.NoError(t, err)
		out = append(out, u)
	}
	return out
}

const (
	seed1 = "https://seed1.example.com"
	seed2 = "https://seed2.example.com"
	seed3 = "https://seed3.example.com"
)

func newOrchestrator(t *testing.T, f SeedFetcher) (*Orchestrator, *seedstore.SeedCache) {
	t.Helper()
	cache := seedstore.NewSeedCache(seedstore.NewMemoryStore(), log.Discard())
	return NewOrchestrator(mustParse(t, seed1, seed2, seed3), f, cache, log.Discard()), cache
}

func TestTryFetchStopsAtFirstDefinitive(t *testing.T) {
	ctx := context.Background()
	f := &fakeFetcher{outcomes: map[string]outcome{
		seed2: {result: Updated},
		seed3: {result: Updated},
	}}
	o, cache := newOrchestrator(t, f)

	updated, errs := o.TryFetch(ctx, testRev)
	assert.True(t, updated)
	assert.Empty(t, errs)
	assert.Equal(t, []string{seed1, seed2}, f.Calls())

	got := cache.Get(ctx, testRev)
	require.NotNil(t, got)
	assert.Equal(t, seed2, got.String())
}

func TestTryFetchUpToDate(t *testing.T) {
	ctx := context.Background()
	f := &fakeFetcher{outcomes: map[string]outcome{
		seed1: {result: UpToDate},
	}}
	o, cache := newOrchestrator(t, f)

	updated, errs := o.TryFetch(ctx, testRev)
	assert.False(t, updated)
	assert.Empty(t, errs)
	assert.Equal(t, []string{seed1}, f.Calls())
	assert.NotNil(t, cache.Get(ctx, testRev))
}

func TestTryFetchNotFoundAnywhere(t *testing.T) {
	ctx := context.Background()
	f := &fakeFetcher{}
	o, cache := newOrchestrator(t, f)

	updated, errs := o.TryFetch(ctx, testRev)
	assert.False(t, updated)
	assert.Nil(t, errs)
	assert.Equal(t, []string{seed1, seed2, seed3}, f.Calls())
	assert.Nil(t, cache.Get(ctx, testRev))
}

func TestTryFetchCollectsErrors(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("connection refused")
	f := &fakeFetcher{outcomes: map[string]outcome{
		seed1: {err: boom},
		seed3: {err: boom},
	}}
	o, cache := newOrchestrator(t, f)

	updated, errs := o.TryFetch(ctx, testRev)
	assert.False(t, updated)
	require.Len(t, errs, 2)
	for _, err := range errs {
		assert.ErrorIs(t, err, boom)
	}
	assert.Contains(t, errs[0].Error(), seed1)
	assert.Nil(t, cache.Get(ctx, testRev))
}

func TestTryFetchErrorThenSuccess(t *testing.T) {
	ctx := context.Background()
	f := &fakeFetcher{outcomes: map[string]outcome{
		seed1: {err: errors.New("timeout")},
		seed2: {result: UpToDate},
	}}
	o, _ := newOrchestrator(t, f)

	updated, errs := o.TryFetch(ctx, testRev)
	assert.False(t, updated)
	assert.Nil(t, errs)
}

func TestTryFetchCachedSeedFirst(t *testing.T) {
	ctx := context.Background()
	f := &fakeFetcher{outcomes: map[string]outcome{
		seed1: {result: Updated},
		seed3: {result: UpToDate},
	}}
	o, cache := newOrchestrator(t, f)
	cache.Set(ctx, testRev, mustParse(t, seed3)[0])

	updated, errs := o.TryFetch(ctx, testRev)
	assert.False(t, updated)
	assert.Empty(t, errs)
	assert.Equal(t, []string{seed3}, f.Calls())
}

func TestTryFetchStaleCachedSeed(t *testing.T) {
	ctx := context.Background()
	gone := "https://gone.example.com"
	f := &fakeFetcher{outcomes: map[string]outcome{
		seed2: {result: Updated},
	}}
	o, cache := newOrchestrator(t, f)
	cache.Set(ctx, testRev, mustParse(t, gone)[0])

	updated, errs := o.TryFetch(ctx, testRev)
	assert.True(t, updated)
	assert.Empty(t, errs)
	assert.Equal(t, []string{gone, seed1, seed2}, f.Calls())
	assert.Equal(t, seed2, cache.Get(ctx, testRev).String())
}

func TestTryFetchCachedSeedNotRetried(t *testing.T) {
	ctx := context.Background()
	f := &fakeFetcher{}
	o, cache := newOrchestrator(t, f)
	cache.Set(ctx, testRev, mustParse(t, seed2)[0])

	_, _ = o.TryFetch(ctx, testRev)
	assert.Equal(t, []string{seed2, seed1, seed3}, f.Calls())
}

func TestResultString(t *testing.T) {
	assert.Equal(t, "not_found", NotFound.String())
	assert.Equal(t, "up_to_date", UpToDate.String())
	assert.Equal(t, "updated", Updated.String())
}
