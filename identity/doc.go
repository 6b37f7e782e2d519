package identity

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"
	"tangled.org/replica/replica/git"
)

// docFile is the name of the blob holding the document in the identity
// commit's tree.
const docFile = "id"

var ErrNoIdentity = errors.New("identity not found")

// Doc is an identity document. Projects list their delegates; persons list
// the peer keys they replicate from.
type Doc struct {
	Name      string     `json:"name"`
	Delegates []Revision `json:"delegates,omitempty"`
	Keys      []PeerID   `json:"keys,omitempty"`
}

// Namespace is the ref prefix every ref of the identity lives under.
func Namespace(rev Revision) string {
	return "refs/namespaces/" + rev.EncodeID()
}

// IdRef points at the identity document commit.
func IdRef(rev Revision) plumbing.ReferenceName {
	return plumbing.ReferenceName(Namespace(rev) + "/refs/rad/id")
}

// Load reads the identity document for rev from the monorepo.
func Load(repo *git.Repo, rev Revision) (*Doc, error) {
	ref, err := repo.Reference(IdRef(rev))
	if err != nil {
		return nil, err
	}
	if ref == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoIdentity, rev)
	}

	data, err := repo.FileContent(ref.Hash(), docFile)
	if err != nil {
		return nil, fmt.Errorf("reading identity %s: %w", rev, err)
	}

	var doc Doc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decoding identity %s: %w", rev, err)
	}
	return &doc, nil
}

// Create writes doc as the root of a new identity history and returns its
// revision.
func Create(repo *git.Repo, doc Doc) (Revision, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return Revision{}, err
	}

	blob, err := repo.WriteBlob(data)
	if err != nil {
		return Revision{}, err
	}

	tree, err := repo.WriteTree(object.TreeEntry{
		Name: docFile,
		Mode: filemode.Regular,
		Hash: blob,
	})
	if err != nil {
		return Revision{}, err
	}

	commit, err := repo.WriteCommit(tree, fmt.Sprintf("Initialised identity %q", doc.Name))
	if err != nil {
		return Revision{}, err
	}

	rev := Revision(commit)
	if err := repo.SetReference(IdRef(rev), commit); err != nil {
		return Revision{}, err
	}
	return rev, nil
}

// List returns every identity that has a document in the monorepo.
func List(repo *git.Repo) ([]Revision, error) {
	refs, err := repo.Glob("refs/namespaces/*/refs/rad/id")
	if err != nil {
		return nil, err
	}

	revs := make([]Revision, 0, len(refs))
	for _, ref := range refs {
		parts := strings.Split(ref.Name().String(), "/")
		rev, err := ParseUrn(parts[2])
		if err != nil {
			continue
		}
		revs = append(revs, rev)
	}
	return revs, nil
}

// RemotePeers is the set of peers whose refs make up a project: its own keys
// plus the keys of every delegate whose document is available locally.
func RemotePeers(repo *git.Repo, doc *Doc) ([]PeerID, error) {
	seen := make(map[PeerID]struct{})
	var peers []PeerID
	add := func(keys []PeerID) {
		for _, k := range keys {
			if _, ok := seen[k]; ok {
				continue
			}
			seen[k] = struct{}{}
			peers = append(peers, k)
		}
	}

	add(doc.Keys)
	for _, d := range doc.Delegates {
		person, err := Load(repo, d)
		if err != nil {
			return nil, fmt.Errorf("delegate %s: %w", d, err)
		}
		add(person.Keys)
	}
	return peers, nil
}

// DelegateKeys lists the peer keys of every delegate of doc.
func DelegateKeys(repo *git.Repo, doc *Doc) ([]PeerID, error) {
	var keys []PeerID
	for _, d := range doc.Delegates {
		person, err := Load(repo, d)
		if err != nil {
			return nil, fmt.Errorf("delegate %s: %w", d, err)
		}
		keys = append(keys, person.Keys...)
	}
	return keys, nil
}
