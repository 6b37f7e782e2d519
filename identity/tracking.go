package identity

import (
	"fmt"
	"strings"

	"github.com/go-git/go-git/v5/plumbing"
	"tangled.org/replica/replica/git"
)

func trackingPrefix(rev Revision) string {
	return Namespace(rev) + "/refs/rad/tracking/"
}

// Track marks peers as tracked for rev. Tracking an already tracked peer is
// a no-op.
func Track(repo *git.Repo, rev Revision, peers ...PeerID) error {
	var empty plumbing.Hash
	for _, p := range peers {
		if err := p.Validate(); err != nil {
			return err
		}

		name := plumbing.ReferenceName(trackingPrefix(rev) + string(p))
		ref, err := repo.Reference(name)
		if err != nil {
			return err
		}
		if ref != nil {
			continue
		}

		if empty.IsZero() {
			empty, err = repo.WriteTree()
			if err != nil {
				return err
			}
		}
		if err := repo.SetReference(name, empty); err != nil {
			return fmt.Errorf("tracking %s for %s: %w", p, rev, err)
		}
	}
	return nil
}

// Untrack removes peer from the tracked set of rev.
func Untrack(repo *git.Repo, rev Revision, peer PeerID) error {
	return repo.RemoveReference(plumbing.ReferenceName(trackingPrefix(rev) + string(peer)))
}

// Tracked lists the tracked peers of rev.
func Tracked(repo *git.Repo, rev Revision) ([]PeerID, error) {
	prefix := trackingPrefix(rev)
	refs, err := repo.Glob(prefix + "*")
	if err != nil {
		return nil, err
	}

	peers := make([]PeerID, 0, len(refs))
	for _, ref := range refs {
		peers = append(peers, PeerID(strings.TrimPrefix(ref.Name().String(), prefix)))
	}
	return peers, nil
}
