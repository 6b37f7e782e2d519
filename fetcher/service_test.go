package fetcher

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"tangled.org/replica/identity"
	"tangled.org/replica/log"
	"tangled.org/replica/replica/git"
)

func startRunner(t *testing.T, r *Runner) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("runner did not stop")
		}
	})
}

func receive(t *testing.T, ch chan identity.Revision) identity.Revision {
	t.Helper()
	select {
	case rev := <-ch:
		return rev
	case <-time.After(5 * time.Second):
		t.Fatal("no update received")
		return identity.Revision{}
	}
}

func TestRunnerPublishesUpdates(t *testing.T) {
	repo := git.InMemory(git.Signature{})
	f := &fakeFetcher{outcomes: map[string]outcome{seed1: {result: Updated}}}

	h, r, err := New(context.Background(), Options{
		Repo:          repo,
		Self:          "alice",
		Seeds:         mustParse(t, seed1),
		FetchInterval: time.Hour,
		Logger:        log.Discard(),
		Fetcher:       f,
	})
	require.NoError(t, err)

	updates := h.Updates()
	t.Cleanup(func() { h.Unsubscribe(updates) })
	startRunner(t, r)

	h.Add(testRev)
	assert.Equal(t, testRev, receive(t, updates))

	seed := h.GetSeed(context.Background(), testRev)
	require.NotNil(t, seed)
	assert.Equal(t, seed1, seed.String())

	// rescheduled after the fetch interval
	assert.Eventually(t, func() bool { return r.queue.Len() == 1 }, time.Second, 10*time.Millisecond)
}

func TestRunnerRefetchesOnInterval(t *testing.T) {
	repo := git.InMemory(git.Signature{})
	f := &fakeFetcher{outcomes: map[string]outcome{seed1: {result: Updated}}}

	h, r, err := New(context.Background(), Options{
		Repo:          repo,
		Seeds:         mustParse(t, seed1),
		FetchInterval: 20 * time.Millisecond,
		Logger:        log.Discard(),
		Fetcher:       f,
	})
	require.NoError(t, err)

	updates := h.Updates()
	t.Cleanup(func() { h.Unsubscribe(updates) })
	startRunner(t, r)

	h.Add(testRev)
	receive(t, updates)
	receive(t, updates)

	// first fetch uses the configured seeds, later ones the cached seed
	assert.GreaterOrEqual(t, len(f.Calls()), 2)
}

func TestRunnerSurvivesErrors(t *testing.T) {
	repo := git.InMemory(git.Signature{})
	f := &fakeFetcher{outcomes: map[string]outcome{seed1: {err: assert.AnError}}}

	h, r, err := New(context.Background(), Options{
		Repo:          repo,
		Seeds:         mustParse(t, seed1, seed2),
		FetchInterval: 10 * time.Millisecond,
		Logger:        log.Discard(),
		Fetcher:       f,
	})
	require.NoError(t, err)
	startRunner(t, r)

	h.Add(testRev)
	assert.Eventually(t, func() bool { return len(f.Calls()) >= 4 }, 5*time.Second, 10*time.Millisecond)
	assert.Nil(t, h.GetSeed(context.Background(), testRev))
}

func TestNewSchedulesKnownIdentities(t *testing.T) {
	repo := git.InMemory(git.Signature{})
	rev, err := identity.Create(repo, identity.Doc{Name: "radicle-upstream"})
	require.NoError(t, err)

	f := &fakeFetcher{outcomes: map[string]outcome{seed1: {result: Updated}}}
	h, r, err := New(context.Background(), Options{
		Repo:          repo,
		Seeds:         mustParse(t, seed1),
		FetchInterval: time.Hour,
		Logger:        log.Discard(),
		Fetcher:       f,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, r.queue.Len())

	updates := h.Updates()
	t.Cleanup(func() { h.Unsubscribe(updates) })
	startRunner(t, r)

	assert.Equal(t, rev, receive(t, updates))
}

func TestPushUpstreamNotesWithoutSeed(t *testing.T) {
	h, _, err := New(context.Background(), Options{
		Repo:   git.InMemory(git.Signature{}),
		Self:   "alice",
		Logger: log.Discard(),
	})
	require.NoError(t, err)

	pushed, err := h.PushUpstreamNotes(context.Background(), testRev)
	require.NoError(t, err)
	assert.False(t, pushed)
}

func TestNotesRefSpec(t *testing.T) {
	spec := NotesRefSpec(testRev, "alice")
	assert.Equal(t,
		"+refs/namespaces/"+testRev.EncodeID()+"/refs/notes/upstream/*:refs/remotes/alice/notes/upstream/*",
		spec)
}
