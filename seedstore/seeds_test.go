package seedstore

import (
	"context"
	"errors"
	"net/url"
	"testing"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"tangled.org/replica/identity"
	"tangled.org/replica/log"
)

type brokenStore struct{}

func (brokenStore) Get(context.Context, string) (string, bool, error) {
	return "", false, errors.New("down")
}

func (brokenStore) Set(context.Context, string, string) error {
	return errors.New("down")
}

var rev = identity.Revision(plumbing.NewHash("c0ffee0000000000000000000000000000000001"))

func TestSeedCache(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	c := NewSeedCache(store, log.Discard())

	assert.Nil(t, c.Get(ctx, rev))

	seed, err := url.Parse("https://seed.example.com")
	require.NoError(t, err)
	c.Set(ctx, rev, seed)

	got := c.Get(ctx, rev)
	require.NotNil(t, got)
	assert.Equal(t, seed.String(), got.String())

	raw, ok, err := store.Get(ctx, "projects_seeds:"+rev.EncodeID())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "https://seed.example.com", raw)
}

func TestSeedCacheUnparseable(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.Set(ctx, seedKey(rev), "not a url"))

	c := NewSeedCache(store, log.Discard())
	assert.Nil(t, c.Get(ctx, rev))
}

func TestSeedCacheStoreFailure(t *testing.T) {
	ctx := context.Background()
	c := NewSeedCache(brokenStore{}, log.Discard())

	seed, _ := url.Parse("https://seed.example.com")
	c.Set(ctx, rev, seed)
	assert.Nil(t, c.Get(ctx, rev))
}
