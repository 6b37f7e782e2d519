package fetcher

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"tangled.org/replica/identity"
	"tangled.org/replica/replica/git"
)

// GitSeedFetcher fetches an identity, its delegates and the refs of every
// tracked peer from a seed that serves the monorepo layout over git.
type GitSeedFetcher struct {
	repo *git.Repo
	self identity.PeerID
}

func NewGitSeedFetcher(repo *git.Repo, self identity.PeerID) *GitSeedFetcher {
	return &GitSeedFetcher{repo: repo, self: self}
}

// ProjectURL is the per-identity endpoint on a seed.
func ProjectURL(seed *url.URL, rev identity.Revision) *url.URL {
	return seed.JoinPath(rev.EncodeID())
}

func idRefSpec(rev identity.Revision) string {
	return fmt.Sprintf("+refs/rad/id:%s", identity.IdRef(rev))
}

func delegateRefSpec(delegate identity.Revision) string {
	return fmt.Sprintf("+refs/rad/ids/%s:%s", delegate.EncodeID(), identity.IdRef(delegate))
}

func remoteRefSpec(rev identity.Revision, peer identity.PeerID) string {
	return fmt.Sprintf("+refs/remotes/%s/*:%s/refs/remotes/%s/*", peer, identity.Namespace(rev), peer)
}

func (f *GitSeedFetcher) FetchFromSeed(ctx context.Context, rev identity.Revision, seed *url.URL) (Result, error) {
	endpoint := ProjectURL(seed, rev).String()

	idUpdated, err := f.repo.Fetch(ctx, endpoint, idRefSpec(rev))
	if errors.Is(err, git.ErrRemoteRefNotFound) || errors.Is(err, git.ErrRemoteNotFound) {
		return NotFound, nil
	}
	if err != nil {
		return NotFound, fmt.Errorf("failed to fetch project identity: %w", err)
	}

	doc, err := identity.Load(f.repo, rev)
	if err != nil {
		return NotFound, fmt.Errorf("failed to get project: %w", err)
	}

	for _, d := range doc.Delegates {
		updated, err := f.repo.Fetch(ctx, endpoint, delegateRefSpec(d))
		if err != nil {
			return NotFound, fmt.Errorf("failed to fetch identity for delegate %s: %w", d, err)
		}
		idUpdated = idUpdated || updated
	}

	remotes, err := identity.RemotePeers(f.repo, doc)
	if err != nil {
		return NotFound, fmt.Errorf("failed to get remotes: %w", err)
	}
	if err := identity.Track(f.repo, rev, without(remotes, f.self)...); err != nil {
		return NotFound, fmt.Errorf("failed to track remotes: %w", err)
	}

	tracked, err := identity.Tracked(f.repo, rev)
	if err != nil {
		return NotFound, fmt.Errorf("failed to get tracked peers: %w", err)
	}
	tracked = without(tracked, f.self)

	var refsUpdated bool
	if len(tracked) > 0 {
		specs := make([]string, 0, len(tracked))
		for _, p := range tracked {
			specs = append(specs, remoteRefSpec(rev, p))
		}

		refsUpdated, err = f.repo.Fetch(ctx, endpoint, specs...)
		if err != nil && !errors.Is(err, git.ErrRemoteRefNotFound) {
			return NotFound, fmt.Errorf("failed to fetch remotes: %w", err)
		}
	}

	if idUpdated || refsUpdated {
		return Updated, nil
	}
	return UpToDate, nil
}

func without(peers []identity.PeerID, self identity.PeerID) []identity.PeerID {
	out := make([]identity.PeerID, 0, len(peers))
	for _, p := range peers {
		if p != self {
			out = append(out, p)
		}
	}
	return out
}
