package git

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing/transport"
)

var (
	// ErrRemoteRefNotFound is returned by Fetch when the remote does not
	// advertise a ref named by a non-wildcard refspec.
	ErrRemoteRefNotFound = errors.New("couldn't find remote ref")
	// ErrRemoteNotFound is returned when the remote repository itself does
	// not exist.
	ErrRemoteNotFound = errors.New("remote repository not found")
)

const anonymousRemote = "anonymous"

func (g *Repo) remote(url string) *git.Remote {
	return git.NewRemote(g.r.Storer, &config.RemoteConfig{
		Name: anonymousRemote,
		URLs: []string{url},
	})
}

// lockTransport holds g.mu for the length of a fetch or push on in-memory
// repositories, whose storer is a plain map. On disk go-git locks files
// itself, and a transfer must not block readers for its whole duration.
func (g *Repo) lockTransport() func() {
	if g.gitDir != "" {
		return func() {}
	}
	g.mu.Lock()
	return g.mu.Unlock
}

func parseRefSpecs(specs []string) ([]config.RefSpec, error) {
	out := make([]config.RefSpec, 0, len(specs))
	for _, s := range specs {
		rs := config.RefSpec(s)
		if err := rs.Validate(); err != nil {
			return nil, fmt.Errorf("invalid refspec %q: %w", s, err)
		}
		out = append(out, rs)
	}
	return out, nil
}

// Fetch fetches refspecs from url in one transport session. It reports
// whether any reference was created or moved.
func (g *Repo) Fetch(ctx context.Context, url string, refspecs ...string) (bool, error) {
	specs, err := parseRefSpecs(refspecs)
	if err != nil {
		return false, err
	}

	defer g.lockTransport()()

	err = g.remote(url).FetchContext(ctx, &git.FetchOptions{
		RemoteName: anonymousRemote,
		RefSpecs:   specs,
		Tags:       git.NoTags,
	})
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, git.NoErrAlreadyUpToDate):
		return false, nil
	case errors.Is(err, git.NoMatchingRefSpecError{}):
		return false, fmt.Errorf("%w: %w", ErrRemoteRefNotFound, err)
	case errors.Is(err, transport.ErrRepositoryNotFound):
		return false, fmt.Errorf("%w: %s", ErrRemoteNotFound, url)
	case errors.Is(err, transport.ErrEmptyRemoteRepository):
		return false, fmt.Errorf("%w: %w", ErrRemoteRefNotFound, err)
	default:
		return false, fmt.Errorf("fetching from %s: %w", url, err)
	}
}

// Push pushes refspecs to url atomically: either every ref is updated on the
// remote or none is.
func (g *Repo) Push(ctx context.Context, url string, refspecs ...string) error {
	specs, err := parseRefSpecs(refspecs)
	if err != nil {
		return err
	}

	defer g.lockTransport()()

	err = g.remote(url).PushContext(ctx, &git.PushOptions{
		RemoteName: anonymousRemote,
		RefSpecs:   specs,
		Atomic:     true,
	})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		if errors.Is(err, transport.ErrRepositoryNotFound) {
			return fmt.Errorf("%w: %s", ErrRemoteNotFound, url)
		}
		return fmt.Errorf("pushing to %s: %w", url, err)
	}
	return nil
}
