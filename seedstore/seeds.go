package seedstore

import (
	"context"
	"log/slog"
	"net/url"

	"tangled.org/replica/identity"
)

const seedsBucket = "projects_seeds"

// SeedCache records the seed that last gave a definitive answer for an
// identity. It is best effort: every failure degrades to a cache miss.
type SeedCache struct {
	store Store
	l     *slog.Logger
}

func NewSeedCache(store Store, l *slog.Logger) *SeedCache {
	return &SeedCache{store: store, l: l}
}

func seedKey(rev identity.Revision) string {
	return seedsBucket + ":" + rev.EncodeID()
}

func (c *SeedCache) Get(ctx context.Context, rev identity.Revision) *url.URL {
	raw, ok, err := c.store.Get(ctx, seedKey(rev))
	if err != nil {
		c.l.Warn("failed to read seed cache", "urn", rev.Urn(), "err", err)
		return nil
	}
	if !ok {
		return nil
	}

	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" {
		c.l.Warn("ignoring unparseable cached seed", "urn", rev.Urn(), "seed", raw, "err", err)
		return nil
	}
	return u
}

func (c *SeedCache) Set(ctx context.Context, rev identity.Revision, seed *url.URL) {
	if err := c.store.Set(ctx, seedKey(rev), seed.String()); err != nil {
		c.l.Warn("failed to write seed cache", "urn", rev.Urn(), "seed", seed.String(), "err", err)
	}
}
