// Package identity holds the value types shared by every replicated project:
// revisions, their canonical URN form, peer ids and the minimal identity
// document model needed to find delegates and remote peers.
package identity

import (
	"encoding/base32"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/multiformats/go-multihash"
)

const (
	UrnPrefix = "rad:git:"

	// multibase prefix for z-base32
	zBase32Prefix = 'h'
)

var zBase32 = base32.NewEncoding("ybndrfg8ejkmcpqxot1uwisza345h769").WithPadding(base32.NoPadding)

var (
	ErrInvalidUrn    = errors.New("invalid urn")
	ErrInvalidPeerID = errors.New("invalid peer id")
)

// Revision is the content address of the root of an identity's history. It
// is stable across peers.
type Revision plumbing.Hash

func (r Revision) Hash() plumbing.Hash {
	return plumbing.Hash(r)
}

func (r Revision) IsZero() bool {
	return plumbing.Hash(r).IsZero()
}

// EncodeID renders the revision as a z-base32 multibase encoded sha1
// multihash. This is the namespace id used in ref names and seed URLs.
func (r Revision) EncodeID() string {
	mh, err := multihash.Encode(r[:], multihash.SHA1)
	if err != nil {
		// sha1 is always a registered code and the digest length is fixed
		panic(err)
	}
	return string(zBase32Prefix) + zBase32.EncodeToString(mh)
}

// Urn is the user facing identifier, rad:git:<id>.
func (r Revision) Urn() string {
	return UrnPrefix + r.EncodeID()
}

func (r Revision) String() string {
	return r.Urn()
}

func (r Revision) MarshalText() ([]byte, error) {
	return []byte(r.Urn()), nil
}

func (r *Revision) UnmarshalText(b []byte) error {
	rev, err := ParseUrn(string(b))
	if err != nil {
		return err
	}
	*r = rev
	return nil
}

// ParseUrn accepts rad:git:<id>, a bare <id>, or the 40 character hex object
// id of the identity commit as printed by git. Urn is the only form this
// package ever produces.
func ParseUrn(s string) (Revision, error) {
	id := strings.TrimPrefix(s, UrnPrefix)

	if len(id) == 2*len(Revision{}) {
		if raw, err := hex.DecodeString(id); err == nil {
			var r Revision
			copy(r[:], raw)
			return r, nil
		}
	}

	if len(id) < 2 || id[0] != zBase32Prefix {
		return Revision{}, fmt.Errorf("%w: %q", ErrInvalidUrn, s)
	}

	raw, err := zBase32.DecodeString(id[1:])
	if err != nil {
		return Revision{}, fmt.Errorf("%w: %q: %w", ErrInvalidUrn, s, err)
	}

	decoded, err := multihash.Decode(raw)
	if err != nil {
		return Revision{}, fmt.Errorf("%w: %q: %w", ErrInvalidUrn, s, err)
	}
	if decoded.Code != multihash.SHA1 || len(decoded.Digest) != len(Revision{}) {
		return Revision{}, fmt.Errorf("%w: %q: unsupported hash %s", ErrInvalidUrn, s, decoded.Name)
	}

	var r Revision
	copy(r[:], decoded.Digest)
	return r, nil
}

// PeerID identifies a replicating node. It appears verbatim as a single
// component of ref names, so it is restricted to a conservative alphabet.
type PeerID string

func (p PeerID) String() string {
	return string(p)
}

func (p PeerID) Validate() error {
	if p == "" {
		return fmt.Errorf("%w: empty", ErrInvalidPeerID)
	}
	for _, c := range p {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '-' || c == '_':
		default:
			return fmt.Errorf("%w: %q", ErrInvalidPeerID, string(p))
		}
	}
	return nil
}
