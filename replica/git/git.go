package git

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/storage"
	"github.com/go-git/go-git/v5/storage/filesystem"
	"github.com/go-git/go-git/v5/storage/memory"
	"github.com/gobwas/glob"
)

var (
	ErrRefChanged = errors.New("reference was updated concurrently")
	ErrNoFile     = errors.New("file not found in tree")
)

// Repo is the bare monorepo holding every replicated identity under
// refs/namespaces/<id>/. It is safe for concurrent use.
type Repo struct {
	path string
	r    *git.Repository
	sig  Signature

	// empty for in-memory repositories
	gitDir string

	// guards every access to the storer; the in-memory storer is a plain map
	mu sync.RWMutex
}

// Signature is the author and committer identity used for commits this node
// creates.
type Signature struct {
	Name  string
	Email string
}

func (s Signature) at(when time.Time) object.Signature {
	return object.Signature{Name: s.Name, Email: s.Email, When: when}
}

var defaultSignature = Signature{Name: "replica", Email: "replica@localhost"}

// Open opens the monorepo at path, initialising a bare repository if none
// exists yet.
func Open(path string, sig Signature) (*Repo, error) {
	g := Repo{path: path, sig: sig}

	r, err := git.PlainOpen(path)
	if errors.Is(err, git.ErrRepositoryNotExists) {
		r, err = git.PlainInit(path, true)
	}
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	g.r = r
	if fsStorage, ok := r.Storer.(*filesystem.Storage); ok {
		g.gitDir = fsStorage.Filesystem().Root()
	}

	if g.sig.Name == "" {
		g.sig = defaultSignature
	}
	return &g, nil
}

// InMemory returns a repository that lives only in memory. Fetch and push
// against it work, but nothing survives the process.
func InMemory(sig Signature) *Repo {
	r, _ := git.Init(memory.NewStorage(), nil)
	if sig.Name == "" {
		sig = defaultSignature
	}
	return &Repo{path: ":memory:", r: r, sig: sig}
}

func (g *Repo) Path() string {
	return g.path
}

func (g *Repo) Signature() Signature {
	return g.sig
}

// Reference returns the reference with the given name, or nil if it does not
// exist.
func (g *Repo) Reference(name plumbing.ReferenceName) (*plumbing.Reference, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.reference(name)
}

func (g *Repo) reference(name plumbing.ReferenceName) (*plumbing.Reference, error) {
	ref, err := g.r.Storer.Reference(name)
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading ref %s: %w", name, err)
	}
	return ref, nil
}

// Glob returns every reference whose full name matches pattern. '*' never
// crosses a '/', '**' does. References are sorted by name.
func (g *Repo) Glob(pattern string) ([]*plumbing.Reference, error) {
	matcher, err := glob.Compile(pattern, '/')
	if err != nil {
		return nil, fmt.Errorf("bad ref pattern %q: %w", pattern, err)
	}

	g.mu.RLock()
	defer g.mu.RUnlock()

	iter, err := g.r.Storer.IterReferences()
	if err != nil {
		return nil, fmt.Errorf("listing refs: %w", err)
	}
	defer iter.Close()

	var refs []*plumbing.Reference
	err = iter.ForEach(func(ref *plumbing.Reference) error {
		if ref.Type() != plumbing.HashReference {
			return nil
		}
		if matcher.Match(ref.Name().String()) {
			refs = append(refs, ref)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing refs: %w", err)
	}

	sort.Slice(refs, func(i, j int) bool {
		return refs[i].Name() < refs[j].Name()
	})
	return refs, nil
}

// SetReference points name at h unconditionally.
func (g *Repo) SetReference(name plumbing.ReferenceName, h plumbing.Hash) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.r.Storer.SetReference(plumbing.NewHashReference(name, h))
}

// CompareAndSwap moves name to h only if it still points at old. A zero old
// hash means the reference is expected not to exist yet. Returns ErrRefChanged
// when the reference moved underneath us.
func (g *Repo) CompareAndSwap(name plumbing.ReferenceName, h, old plumbing.Hash) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if old.IsZero() {
		return g.createReference(name, h)
	}

	err := g.r.Storer.CheckAndSetReference(
		plumbing.NewHashReference(name, h),
		plumbing.NewHashReference(name, old),
	)
	if errors.Is(err, storage.ErrReferenceHasChanged) {
		return ErrRefChanged
	}
	return err
}

// createReference points name at h unless name already exists. The storer
// writes unconditionally when there is no previous value, so creation is
// checked here: under g.mu for this process, and through an exclusive link
// of the loose ref file for other processes sharing the directory.
func (g *Repo) createReference(name plumbing.ReferenceName, h plumbing.Hash) error {
	cur, err := g.reference(name)
	if err != nil {
		return err
	}
	if cur != nil {
		return ErrRefChanged
	}

	if g.gitDir == "" {
		return g.r.Storer.SetReference(plumbing.NewHashReference(name, h))
	}
	return createLooseRef(g.gitDir, name, h)
}

// createLooseRef writes the loose ref file for name, failing with
// ErrRefChanged if it already exists. The content is written to a temporary
// file first and hard linked into place, so readers never see a partial ref.
func createLooseRef(gitDir string, name plumbing.ReferenceName, h plumbing.Hash) error {
	path := filepath.Join(gitDir, filepath.FromSlash(name.String()))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating ref %s: %w", name, err)
	}

	tmp, err := os.CreateTemp(gitDir, "ref-*.tmp")
	if err != nil {
		return fmt.Errorf("creating ref %s: %w", name, err)
	}
	defer os.Remove(tmp.Name())

	_, err = tmp.WriteString(h.String() + "\n")
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("creating ref %s: %w", name, err)
	}

	err = os.Link(tmp.Name(), path)
	if errors.Is(err, fs.ErrExist) {
		return ErrRefChanged
	}
	if err != nil {
		return fmt.Errorf("creating ref %s: %w", name, err)
	}
	return nil
}

// RemoveReference deletes name; missing references are not an error.
func (g *Repo) RemoveReference(name plumbing.ReferenceName) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.r.Storer.RemoveReference(name)
}

func (g *Repo) writeObject(enc interface {
	Encode(plumbing.EncodedObject) error
}) (plumbing.Hash, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	obj := g.r.Storer.NewEncodedObject()
	if err := enc.Encode(obj); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("encoding object: %w", err)
	}
	h, err := g.r.Storer.SetEncodedObject(obj)
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("writing object: %w", err)
	}
	return h, nil
}

// WriteTree stores a tree made of the given entries. No entries yields the
// empty tree.
func (g *Repo) WriteTree(entries ...object.TreeEntry) (plumbing.Hash, error) {
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name < entries[j].Name
	})
	return g.writeObject(&object.Tree{Entries: entries})
}

func (g *Repo) WriteBlob(data []byte) (plumbing.Hash, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	obj := g.r.Storer.NewEncodedObject()
	obj.SetType(plumbing.BlobObject)
	w, err := obj.Writer()
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("writing blob: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		return plumbing.ZeroHash, fmt.Errorf("writing blob: %w", err)
	}
	if err := w.Close(); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("writing blob: %w", err)
	}
	h, err := g.r.Storer.SetEncodedObject(obj)
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("writing blob: %w", err)
	}
	return h, nil
}

// WriteCommit stores a commit with the configured signature as author and
// committer.
func (g *Repo) WriteCommit(tree plumbing.Hash, message string, parents ...plumbing.Hash) (plumbing.Hash, error) {
	now := time.Now()
	c := &object.Commit{
		Author:       g.sig.at(now),
		Committer:    g.sig.at(now),
		Message:      message,
		TreeHash:     tree,
		ParentHashes: parents,
	}
	return g.writeObject(c)
}

func (g *Repo) Commit(h plumbing.Hash) (*object.Commit, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.r.CommitObject(h)
}

// FileContent returns the contents of the file at name in the tree of the
// commit h.
func (g *Repo) FileContent(h plumbing.Hash, name string) ([]byte, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	c, err := g.r.CommitObject(h)
	if err != nil {
		return nil, fmt.Errorf("commit object: %w", err)
	}

	tree, err := c.Tree()
	if err != nil {
		return nil, fmt.Errorf("file tree: %w", err)
	}

	file, err := tree.File(name)
	if errors.Is(err, object.ErrFileNotFound) {
		return nil, ErrNoFile
	}
	if err != nil {
		return nil, err
	}

	contents, err := file.Contents()
	if err != nil {
		return nil, err
	}
	return []byte(contents), nil
}

// CopyObjects copies the object h and everything reachable from it into
// dst. Objects dst already has are not descended into.
func (g *Repo) CopyObjects(dst *Repo, h plumbing.Hash) error {
	if dst == g {
		return nil
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	dst.mu.Lock()
	defer dst.mu.Unlock()

	stack := []plumbing.Hash{h}
	for len(stack) > 0 {
		h := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if dst.r.Storer.HasEncodedObject(h) == nil {
			continue
		}

		obj, err := g.r.Storer.EncodedObject(plumbing.AnyObject, h)
		if err != nil {
			return fmt.Errorf("reading object %s: %w", h, err)
		}

		switch obj.Type() {
		case plumbing.CommitObject:
			c, err := object.DecodeCommit(g.r.Storer, obj)
			if err != nil {
				return err
			}
			stack = append(stack, c.TreeHash)
			stack = append(stack, c.ParentHashes...)
		case plumbing.TreeObject:
			t, err := object.DecodeTree(g.r.Storer, obj)
			if err != nil {
				return err
			}
			for _, e := range t.Entries {
				stack = append(stack, e.Hash)
			}
		}

		if _, err := dst.r.Storer.SetEncodedObject(obj); err != nil {
			return fmt.Errorf("writing object %s: %w", h, err)
		}
	}
	return nil
}
