// Package notes implements "upstream notes": append-only event logs stored as
// commit chains inside the monorepo.
//
// Every peer appends to its own chain under
//
//	refs/namespaces/<id>/refs/notes/upstream/<log>
//
// and receives other peers' chains under
//
//	refs/namespaces/<id>/refs/remotes/<peer>/notes/upstream/<log>
//
// Reading a log walks all of these chains. There is no merge step: the log is
// the union of every chain visible at read time.
package notes

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/dgraph-io/ristretto"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/gobwas/glob"
	"tangled.org/replica/identity"
	"tangled.org/replica/replica/git"
)

// MaxAppendAttempts bounds how often Append re-reads the head and retries
// after losing a reference update race.
const MaxAppendAttempts = 5

var envelopeCache *ristretto.Cache

// testHookBeforeSwap runs between writing a log commit and moving the ref.
var testHookBeforeSwap = func() {}

func init() {
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e5,
		MaxCost:     1 << 24,
		BufferItems: 64,
	})
	if err != nil {
		panic(fmt.Sprintf("notes: creating envelope cache: %v", err))
	}
	envelopeCache = cache
}

func OwnRef(rev identity.Revision, logName string) plumbing.ReferenceName {
	return plumbing.ReferenceName(fmt.Sprintf("%s/refs/notes/upstream/%s", identity.Namespace(rev), logName))
}

func RemoteRef(rev identity.Revision, peer identity.PeerID, logName string) plumbing.ReferenceName {
	return plumbing.ReferenceName(fmt.Sprintf("%s/refs/remotes/%s/notes/upstream/%s", identity.Namespace(rev), peer, logName))
}

func RemoteGlob(rev identity.Revision, logName string) string {
	return fmt.Sprintf("%s/refs/remotes/*/notes/upstream/%s", identity.Namespace(rev), glob.QuoteMeta(logName))
}

// ValidateLogName checks that name can be used as the tail of a ref name.
// Names may contain '/' to form hierarchies.
func ValidateLogName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty", ErrInvalidLogName)
	}
	for _, part := range strings.Split(name, "/") {
		if part == "" || part == "." || part == ".." ||
			strings.HasPrefix(part, ".") || strings.HasSuffix(part, ".lock") {
			return fmt.Errorf("%w: %q", ErrInvalidLogName, name)
		}
	}
	if strings.Contains(name, "..") || strings.Contains(name, "@{") {
		return fmt.Errorf("%w: %q", ErrInvalidLogName, name)
	}
	for _, c := range name {
		if c < 0x20 || c == 0x7f || strings.ContainsRune(" ~^:?*[\\", c) {
			return fmt.Errorf("%w: %q", ErrInvalidLogName, name)
		}
	}
	return nil
}

// Append adds payload to this peer's chain of logName for rev.
func Append(ctx context.Context, repo *git.Repo, peer identity.PeerID, rev identity.Revision, logName string, payload any) error {
	if err := ValidateLogName(logName); err != nil {
		return err
	}

	message, err := Encode(peer, payload)
	if err != nil {
		return err
	}

	return appendTo(ctx, repo, OwnRef(rev, logName), message)
}

func appendTo(ctx context.Context, repo *git.Repo, name plumbing.ReferenceName, message []byte) error {
	err := retry.Do(
		func() error {
			return tryAppend(repo, name, message)
		},
		retry.Attempts(MaxAppendAttempts),
		retry.RetryIf(func(err error) bool {
			return errors.Is(err, git.ErrRefChanged)
		}),
		retry.DelayType(retry.CombineDelay(retry.BackOffDelay, retry.RandomDelay)),
		retry.Delay(5*time.Millisecond),
		retry.MaxJitter(5*time.Millisecond),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
	)
	if errors.Is(err, git.ErrRefChanged) {
		return fmt.Errorf("%w: %s", ErrConflict, name)
	}
	return err
}

// tryAppend commits message on top of the current head of name and moves the
// ref, failing with git.ErrRefChanged if the head moved in between.
func tryAppend(repo *git.Repo, name plumbing.ReferenceName, message []byte) error {
	head, err := repo.Reference(name)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrStore, err)
	}

	var parents []plumbing.Hash
	old := plumbing.ZeroHash
	if head != nil {
		old = head.Hash()
		parents = append(parents, old)
	}

	tree, err := repo.WriteTree()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrStore, err)
	}

	commit, err := repo.WriteCommit(tree, string(message), parents...)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrStore, err)
	}

	testHookBeforeSwap()

	err = repo.CompareAndSwap(name, commit, old)
	if err != nil && !errors.Is(err, git.ErrRefChanged) {
		return fmt.Errorf("%w: %w", ErrStore, err)
	}
	return err
}

// Read returns every envelope of logName for rev, across this peer's chain
// and all remote chains. Children always come before their parents; apart
// from that, newer commits come first.
func Read(ctx context.Context, repo *git.Repo, rev identity.Revision, logName string) ([]Envelope, error) {
	if err := ValidateLogName(logName); err != nil {
		return nil, err
	}

	var tips []plumbing.Hash

	own, err := repo.Reference(OwnRef(rev, logName))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStore, err)
	}
	if own != nil {
		tips = append(tips, own.Hash())
	}

	remotes, err := repo.Glob(RemoteGlob(rev, logName))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStore, err)
	}
	for _, ref := range remotes {
		tips = append(tips, ref.Hash())
	}

	commits, err := walk(ctx, repo, tips)
	if err != nil {
		return nil, err
	}

	envelopes := make([]Envelope, 0, len(commits))
	for _, c := range commits {
		env, err := decodeCommit(c)
		if err != nil {
			return nil, fmt.Errorf("commit %s: %w", c.Hash, err)
		}
		envelopes = append(envelopes, env)
	}
	return envelopes, nil
}

func decodeCommit(c *object.Commit) (Envelope, error) {
	key := c.Hash.String()
	if v, ok := envelopeCache.Get(key); ok {
		return v.(Envelope), nil
	}

	env, err := Decode([]byte(c.Message))
	if err != nil {
		return Envelope{}, err
	}

	envelopeCache.Set(key, env, int64(len(c.Message)))
	return env, nil
}

// walk collects every commit reachable from tips exactly once and orders them
// so that a commit is only emitted after all of its children.
func walk(ctx context.Context, repo *git.Repo, tips []plumbing.Hash) ([]*object.Commit, error) {
	type node struct {
		commit   *object.Commit
		children int
	}
	nodes := make(map[plumbing.Hash]*node)

	stack := append([]plumbing.Hash(nil), tips...)
	for len(stack) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		h := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, ok := nodes[h]; ok {
			continue
		}

		c, err := repo.Commit(h)
		if err != nil {
			return nil, fmt.Errorf("%w: reading commit %s: %w", ErrStore, h, err)
		}
		nodes[h] = &node{commit: c}
		stack = append(stack, c.ParentHashes...)
	}

	for _, n := range nodes {
		for _, p := range n.commit.ParentHashes {
			nodes[p].children++
		}
	}

	ready := &commitHeap{}
	for _, n := range nodes {
		if n.children == 0 {
			heap.Push(ready, n.commit)
		}
	}

	out := make([]*object.Commit, 0, len(nodes))
	for ready.Len() > 0 {
		c := heap.Pop(ready).(*object.Commit)
		out = append(out, c)
		for _, p := range c.ParentHashes {
			parent := nodes[p]
			parent.children--
			if parent.children == 0 {
				heap.Push(ready, parent.commit)
			}
		}
	}
	return out, nil
}

// commitHeap pops the newest commit first, by committer time and then by
// hash to keep the order stable.
type commitHeap []*object.Commit

func (h commitHeap) Len() int { return len(h) }

func (h commitHeap) Less(i, j int) bool {
	ti, tj := h[i].Committer.When, h[j].Committer.When
	if !ti.Equal(tj) {
		return ti.After(tj)
	}
	return h[i].Hash.String() < h[j].Hash.String()
}

func (h commitHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *commitHeap) Push(x any) { *h = append(*h, x.(*object.Commit)) }

func (h *commitHeap) Pop() any {
	old := *h
	n := len(old)
	c := old[n-1]
	*h = old[:n-1]
	return c
}
