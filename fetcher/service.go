package fetcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/hashicorp/go-multierror"
	"tangled.org/replica/identity"
	"tangled.org/replica/metrics"
	"tangled.org/replica/notifier"
	"tangled.org/replica/queue"
	"tangled.org/replica/replica/git"
	"tangled.org/replica/seedstore"
)

const DefaultFetchInterval = 5 * time.Minute

type Options struct {
	Repo *git.Repo
	Self identity.PeerID

	// Seeds are tried in order for identities without a cached seed.
	Seeds         []*url.URL
	FetchInterval time.Duration
	Store         seedstore.Store
	Logger        *slog.Logger

	// Fetcher defaults to a GitSeedFetcher over Repo.
	Fetcher SeedFetcher
}

// Handle is the client side of the fetch service. It is safe for
// concurrent use.
type Handle struct {
	repo  *git.Repo
	self  identity.PeerID
	queue *queue.DelayQueue[identity.Revision]
	bus   *notifier.Notifier
	seeds *seedstore.SeedCache
}

// Runner drives the fetch loop. Exactly one goroutine should call Run.
type Runner struct {
	queue    *queue.DelayQueue[identity.Revision]
	bus      *notifier.Notifier
	orch     *Orchestrator
	interval time.Duration
	l        *slog.Logger
}

// New builds the fetch service and schedules every identity already present
// in the monorepo for an immediate fetch.
func New(ctx context.Context, opts Options) (*Handle, *Runner, error) {
	if opts.Repo == nil {
		return nil, nil, errors.New("fetcher: no repository")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Store == nil {
		opts.Store = seedstore.NewMemoryStore()
	}
	if opts.FetchInterval <= 0 {
		opts.FetchInterval = DefaultFetchInterval
	}
	if opts.Fetcher == nil {
		opts.Fetcher = NewGitSeedFetcher(opts.Repo, opts.Self)
	}

	cache := seedstore.NewSeedCache(opts.Store, opts.Logger)
	q := queue.NewDelayQueue[identity.Revision]()
	bus := notifier.New()

	h := &Handle{
		repo:  opts.Repo,
		self:  opts.Self,
		queue: q,
		bus:   bus,
		seeds: cache,
	}

	revs, err := identity.List(opts.Repo)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list projects: %w", err)
	}
	for _, rev := range revs {
		h.Add(rev)
	}

	r := &Runner{
		queue:    q,
		bus:      bus,
		orch:     NewOrchestrator(opts.Seeds, opts.Fetcher, cache, opts.Logger),
		interval: opts.FetchInterval,
		l:        opts.Logger,
	}
	return h, r, nil
}

// Add schedules rev for an immediate fetch, even if it was added before.
func (h *Handle) Add(rev identity.Revision) {
	h.queue.Add(rev, 0)
	metrics.QueuePending.Set(float64(h.queue.Len()))
}

// Updates returns a channel that receives the revision of every identity
// for which new data was fetched from now on. Pass it to Unsubscribe when
// done.
func (h *Handle) Updates() chan identity.Revision {
	return h.bus.Subscribe()
}

func (h *Handle) Unsubscribe(ch chan identity.Revision) {
	h.bus.Unsubscribe(ch)
}

// GetSeed returns the seed that last served rev, or nil.
func (h *Handle) GetSeed(ctx context.Context, rev identity.Revision) *url.URL {
	return h.seeds.Get(ctx, rev)
}

// NotesRefSpec maps this peer's upstream notes of rev onto the seed's remote
// namespace for this peer.
func NotesRefSpec(rev identity.Revision, self identity.PeerID) string {
	return fmt.Sprintf("+%s/refs/notes/upstream/*:refs/remotes/%s/notes/upstream/*", identity.Namespace(rev), self)
}

// PushUpstreamNotes pushes this peer's upstream notes for rev to the seed
// that serves rev. It reports false without doing anything if no seed is
// known.
func (h *Handle) PushUpstreamNotes(ctx context.Context, rev identity.Revision) (bool, error) {
	seed := h.seeds.Get(ctx, rev)
	if seed == nil {
		return false, nil
	}

	endpoint := ProjectURL(seed, rev).String()
	if err := h.repo.Push(ctx, endpoint, NotesRefSpec(rev, h.self)); err != nil {
		metrics.PushesTotal.WithLabelValues("error").Inc()
		return true, fmt.Errorf("failed to push upstream notes: %w", err)
	}
	metrics.PushesTotal.WithLabelValues("ok").Inc()
	return true, nil
}

// Run fetches identities as they become due until ctx is cancelled. A fetch
// that is in progress when ctx is cancelled is allowed to finish.
func (r *Runner) Run(ctx context.Context) error {
	for {
		rev, err := r.queue.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		r.process(context.WithoutCancel(ctx), rev)
		r.queue.Add(rev, r.interval)
		metrics.QueuePending.Set(float64(r.queue.Len()))
	}
}

func (r *Runner) process(ctx context.Context, rev identity.Revision) {
	updated, errs := r.orch.TryFetch(ctx, rev)
	if len(errs) > 0 {
		var merr *multierror.Error
		merr = multierror.Append(merr, errs...)
		r.l.Warn("failed to fetch project with git", "urn", rev.Urn(), "err", merr.ErrorOrNil())
		return
	}
	if !updated {
		return
	}

	switch err := r.bus.Publish(rev); {
	case errors.Is(err, notifier.ErrInactive):
		metrics.UpdatesDropped.WithLabelValues("inactive").Inc()
		r.l.Debug("no subscribers for git fetch result", "urn", rev.Urn())
	case errors.Is(err, notifier.ErrFull):
		metrics.UpdatesDropped.WithLabelValues("full").Inc()
		r.l.Warn("failed to broadcast git fetch result", "urn", rev.Urn(), "err", err)
	}
}
