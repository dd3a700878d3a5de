// Package realm implements spec.md §3/§4.6: realm identity, the
// RealmDoc CRDT port (the CRDT library itself is an external
// collaborator per spec.md §1 Non-goals — this package defines the port
// plus an in-memory reference implementation), and RealmCipher symmetric
// encryption.
package realm

import (
	"crypto/rand"
	"io"

	"github.com/trumanellis/syncengine/syncerr"
)

// ID is a realm's 32-byte opaque identifier, used verbatim as its gossip
// topic id (spec.md §3 "RealmId").
type ID [32]byte

// NewID generates a fresh random realm identifier.
func NewID() (ID, error) {
	var id ID
	if _, err := io.ReadFull(rand.Reader, id[:]); err != nil {
		return ID{}, err
	}
	return id, nil
}

// ReservedPrivateName is the case-insensitive reserved realm name that
// every node auto-creates at first launch (spec.md §8 Scenario F,
// §7 PrivateRealmOperation).
const ReservedPrivateName = "private"

// IsReservedName reports whether name collides with the reserved
// "Private" realm, case-insensitively.
func IsReservedName(name string) bool {
	return asciiEqualFold(name, ReservedPrivateName)
}

func asciiEqualFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}

// Info is a realm's metadata record (spec.md §3 "RealmInfo").
type Info struct {
	ID             ID
	Name           string
	IsShared       bool
	CreatedAt      int64
	BootstrapPeers [][]byte
}

// NewInfo constructs a new realm's metadata, rejecting the reserved
// "Private" name for caller-created realms (spec.md §8 Scenario F). Pass
// allowReserved=true only for the node's own auto-created Private realm.
func NewInfo(name string, createdAt int64, allowReserved bool) (Info, error) {
	if !allowReserved && IsReservedName(name) {
		return Info{}, syncerr.ErrPrivateRealmOperation
	}
	id, err := NewID()
	if err != nil {
		return Info{}, err
	}
	return Info{ID: id, Name: name, CreatedAt: createdAt}, nil
}

// Key is a realm's 32-byte symmetric encryption key (spec.md §3
// "RealmKey"), generated once at creation and shared verbatim inside
// invites.
type Key [32]byte

// NewKey generates a fresh random realm key.
func NewKey() (Key, error) {
	var k Key
	if _, err := io.ReadFull(rand.Reader, k[:]); err != nil {
		return Key{}, err
	}
	return k, nil
}
