package profile

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/trumanellis/syncengine/storage"
	"github.com/trumanellis/syncengine/syncerr"
)

// Relationship explains why a profile is retained locally (spec.md §3).
type Relationship uint8

const (
	RelationshipOwn Relationship = iota + 1
	RelationshipContact
	RelationshipRealmMember
	RelationshipManual
)

func (r Relationship) String() string {
	switch r {
	case RelationshipOwn:
		return "own"
	case RelationshipContact:
		return "contact"
	case RelationshipRealmMember:
		return "realm_member"
	case RelationshipManual:
		return "manual"
	default:
		return "unknown"
	}
}

// relationshipRank orders relationships so a pin never silently
// downgrades: once a profile is pinned Own, a later Contact pin arriving
// from the node's own announce echo must not demote it.
func relationshipRank(r Relationship) int {
	switch r {
	case RelationshipOwn:
		return 4
	case RelationshipContact:
		return 3
	case RelationshipRealmMember:
		return 2
	default:
		return 1
	}
}

// Reasons a pin is retained, tracked independently of Relationship so
// that losing one doesn't unpin a profile another reason still holds
// (e.g. leaving a realm shouldn't drop a profile that's also a contact).
const (
	ReasonOwn     = "own"
	ReasonContact = "contact"
	ReasonManual  = "manual"
)

// ReasonRealm names the retention reason held by a realm membership.
func ReasonRealm(realmIDHex string) string { return "realm:" + realmIDHex }

// ProfilePin is a locally retained SignedProfile plus the strongest
// reason it's kept (spec.md §3). Own pins are never evicted or
// unpinned.
type ProfilePin struct {
	DID           string
	SignedProfile SignedProfile
	Relationship  Relationship
	AvatarHash    *[32]byte
	PinnedAt      int64
}

type pinRecord struct {
	SignedProfile []byte       `cbor:"1,keyasint"`
	Relationship  Relationship `cbor:"2,keyasint"`
	AvatarHash    []byte       `cbor:"3,keyasint,omitempty"`
	PinnedAt      int64        `cbor:"4,keyasint"`
}

type pinnersRecord struct {
	Reasons []string `cbor:"1,keyasint"`
}

// PinStore persists ProfilePins (storage.TablePinnedProfiles) and the
// set of reasons keeping each one alive (storage.TablePinners).
type PinStore struct {
	db storage.Store
}

// NewPinStore wraps db.
func NewPinStore(db storage.Store) *PinStore {
	return &PinStore{db: db}
}

func pinKey(did string) []byte { return []byte(did) }

// Pin records sp as did's profile, adding reason to the set of reasons
// it's retained and raising the stored relationship if reason's is
// stronger than whatever is already on file. avatarHash may be nil; a
// previously recorded hash is preserved across re-pins that don't carry
// one.
func (s *PinStore) Pin(did string, sp SignedProfile, relationship Relationship, reason string, avatarHash *[32]byte, now int64) error {
	return s.db.Update(func(tx storage.Tx) error {
		pins, err := tx.Table(storage.TablePinnedProfiles)
		if err != nil {
			return err
		}
		pinners, err := tx.Table(storage.TablePinners)
		if err != nil {
			return err
		}

		reasons, err := loadReasons(pinners, did)
		if err != nil {
			return err
		}
		if err := saveReasons(pinners, did, addReason(reasons, reason)); err != nil {
			return err
		}

		existing, ok, err := loadPin(pins, did)
		if err != nil {
			return err
		}
		if ok && relationshipRank(existing.Relationship) > relationshipRank(relationship) {
			relationship = existing.Relationship
		}

		spBytes, err := EncodeSignedProfile(sp)
		if err != nil {
			return err
		}
		var hashBytes []byte
		if avatarHash != nil {
			hashBytes = avatarHash[:]
		} else if ok && existing.AvatarHash != nil {
			hashBytes = existing.AvatarHash[:]
		}

		rec := pinRecord{SignedProfile: spBytes, Relationship: relationship, AvatarHash: hashBytes, PinnedAt: now}
		out, err := cbor.Marshal(rec)
		if err != nil {
			return fmt.Errorf("%w: marshal profile pin: %v", syncerr.ErrSerialization, err)
		}
		return pins.Put(pinKey(did), out)
	})
}

// Unpin removes reason from did's retained reasons; if none remain the
// pin itself is deleted. Returns syncerr.ErrInvalidOperation if did is
// pinned Own — own pins are never evicted (spec.md §7 InvalidOperation:
// "unpinning own profile").
func (s *PinStore) Unpin(did, reason string) error {
	return s.db.Update(func(tx storage.Tx) error {
		pins, err := tx.Table(storage.TablePinnedProfiles)
		if err != nil {
			return err
		}
		pinners, err := tx.Table(storage.TablePinners)
		if err != nil {
			return err
		}

		existing, ok, err := loadPin(pins, did)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if existing.Relationship == RelationshipOwn {
			return fmt.Errorf("%w: cannot unpin own profile", syncerr.ErrInvalidOperation)
		}

		reasons, err := loadReasons(pinners, did)
		if err != nil {
			return err
		}
		reasons = removeReason(reasons, reason)
		if len(reasons) == 0 {
			if err := pinners.Delete(pinKey(did)); err != nil {
				return err
			}
			return pins.Delete(pinKey(did))
		}
		return saveReasons(pinners, did, reasons)
	})
}

// Get returns did's retained profile, if any.
func (s *PinStore) Get(did string) (ProfilePin, bool, error) {
	var pin ProfilePin
	var found bool
	err := s.db.View(func(tx storage.Tx) error {
		pins, err := tx.Table(storage.TablePinnedProfiles)
		if err != nil {
			return err
		}
		p, ok, err := loadPin(pins, did)
		if err != nil || !ok {
			return err
		}
		pin, found = p, true
		return nil
	})
	return pin, found, err
}

// List returns every pinned profile.
func (s *PinStore) List() ([]ProfilePin, error) {
	var out []ProfilePin
	err := s.db.View(func(tx storage.Tx) error {
		pins, err := tx.Table(storage.TablePinnedProfiles)
		if err != nil {
			return err
		}
		return pins.Iterate(nil, func(key, value []byte) error {
			var rec pinRecord
			if err := cbor.Unmarshal(value, &rec); err != nil {
				return fmt.Errorf("%w: unmarshal profile pin: %v", syncerr.ErrSerialization, err)
			}
			p, err := pinFromRecord(string(key), rec)
			if err != nil {
				return err
			}
			out = append(out, p)
			return nil
		})
	})
	return out, err
}

func loadPin(pins storage.Table, did string) (ProfilePin, bool, error) {
	raw, err := pins.Get(pinKey(did))
	if err != nil {
		return ProfilePin{}, false, fmt.Errorf("%w: read profile pin: %v", syncerr.ErrStorage, err)
	}
	if raw == nil {
		return ProfilePin{}, false, nil
	}
	var rec pinRecord
	if err := cbor.Unmarshal(raw, &rec); err != nil {
		return ProfilePin{}, false, fmt.Errorf("%w: unmarshal profile pin: %v", syncerr.ErrSerialization, err)
	}
	p, err := pinFromRecord(did, rec)
	return p, true, err
}

func pinFromRecord(did string, rec pinRecord) (ProfilePin, error) {
	sp, err := DecodeSignedProfile(rec.SignedProfile)
	if err != nil {
		return ProfilePin{}, err
	}
	var hash *[32]byte
	if len(rec.AvatarHash) == 32 {
		var h [32]byte
		copy(h[:], rec.AvatarHash)
		hash = &h
	}
	return ProfilePin{DID: did, SignedProfile: sp, Relationship: rec.Relationship, AvatarHash: hash, PinnedAt: rec.PinnedAt}, nil
}

func loadReasons(pinners storage.Table, did string) ([]string, error) {
	raw, err := pinners.Get(pinKey(did))
	if err != nil {
		return nil, fmt.Errorf("%w: read profile pinners: %v", syncerr.ErrStorage, err)
	}
	if raw == nil {
		return nil, nil
	}
	var rec pinnersRecord
	if err := cbor.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("%w: unmarshal profile pinners: %v", syncerr.ErrSerialization, err)
	}
	return rec.Reasons, nil
}

func saveReasons(pinners storage.Table, did string, reasons []string) error {
	out, err := cbor.Marshal(pinnersRecord{Reasons: reasons})
	if err != nil {
		return fmt.Errorf("%w: marshal profile pinners: %v", syncerr.ErrSerialization, err)
	}
	return pinners.Put(pinKey(did), out)
}

func addReason(reasons []string, reason string) []string {
	for _, r := range reasons {
		if r == reason {
			return reasons
		}
	}
	return append(reasons, reason)
}

func removeReason(reasons []string, reason string) []string {
	out := reasons[:0]
	for _, r := range reasons {
		if r != reason {
			out = append(out, r)
		}
	}
	return out
}
