package envelope

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/trumanellis/syncengine/syncerr"
)

// PayloadKind discriminates the PacketPayload tagged union (spec.md §3).
type PayloadKind uint8

const (
	PayloadKindProfileUpdate PayloadKind = iota + 1
	PayloadKindRealmInvite
	PayloadKindTaskReference
	PayloadKindDirectMessage
	PayloadKindReceipt
	PayloadKindDepin
	PayloadKindHeartbeat
	PayloadKindKeyRotation
)

// PacketPayload is the sealed content of a PacketEnvelope.
type PacketPayload interface {
	Kind() PayloadKind
}

// ProfileUpdatePayload carries a freshly signed profile for replication
// alongside the profile-topic broadcast.
type ProfileUpdatePayload struct {
	SignedProfileBytes []byte `cbor:"1,keyasint"`
}

func (ProfileUpdatePayload) Kind() PayloadKind { return PayloadKindProfileUpdate }

// RealmInvitePayload shares realm membership material with a recipient.
type RealmInvitePayload struct {
	RealmID        [32]byte `cbor:"1,keyasint"`
	RealmKey       [32]byte `cbor:"2,keyasint"`
	RealmName      string   `cbor:"3,keyasint"`
	BootstrapPeers [][]byte `cbor:"4,keyasint"`
}

func (RealmInvitePayload) Kind() PayloadKind { return PayloadKindRealmInvite }

// TaskReferencePayload points at a specific task inside a realm, e.g. for
// a notification or a cross-realm link.
type TaskReferencePayload struct {
	RealmID [32]byte `cbor:"1,keyasint"`
	TaskID  string   `cbor:"2,keyasint"`
}

func (TaskReferencePayload) Kind() PayloadKind { return PayloadKindTaskReference }

// DirectMessagePayload is free-form content addressed to a single
// recipient (spec.md §4.9 "Direct messaging").
type DirectMessagePayload struct {
	Content   string `cbor:"1,keyasint"`
	Recipient string `cbor:"2,keyasint"`
}

func (DirectMessagePayload) Kind() PayloadKind { return PayloadKindDirectMessage }

// ReceiptPayload acknowledges a previously received packet.
type ReceiptPayload struct {
	OriginalSender string `cbor:"1,keyasint"`
	PacketSeq      uint64 `cbor:"2,keyasint"`
}

func (ReceiptPayload) Kind() PayloadKind { return PayloadKindReceipt }

// DepinPayload advises mirrors that packets before a sequence may be
// garbage-collected (spec.md §4.5 "Garbage collection").
type DepinPayload struct {
	BeforeSequence uint64 `cbor:"1,keyasint"`
	MerkleRoot     []byte `cbor:"2,keyasint,omitempty"`
}

func (DepinPayload) Kind() PayloadKind { return PayloadKindDepin }

// HeartbeatPayload is a liveness marker with no semantic content beyond
// its timestamp.
type HeartbeatPayload struct {
	TimestampMs int64 `cbor:"1,keyasint"`
}

func (HeartbeatPayload) Kind() PayloadKind { return PayloadKindHeartbeat }

// KeyRotationPayload announces replacement key-exchange material for the
// sender's identity. Spec.md leaves the exact fields open ("..."); this
// carries the minimum needed for recipients to re-seal future packets.
type KeyRotationPayload struct {
	NewPublicBundle []byte `cbor:"1,keyasint"`
	EffectiveAt     int64  `cbor:"2,keyasint"`
}

func (KeyRotationPayload) Kind() PayloadKind { return PayloadKindKeyRotation }

type payloadWire struct {
	Kind PayloadKind     `cbor:"1,keyasint"`
	Raw  cbor.RawMessage `cbor:"2,keyasint"`
}

// EncodePayload produces the canonical byte representation of a
// PacketPayload, tagging it with its kind so DecodePayload can dispatch
// without external context.
func EncodePayload(p PacketPayload) ([]byte, error) {
	raw, err := canonicalEncMode.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal payload body: %v", syncerr.ErrSerialization, err)
	}
	wire := payloadWire{Kind: p.Kind(), Raw: raw}
	out, err := canonicalEncMode.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal payload wire: %v", syncerr.ErrSerialization, err)
	}
	return out, nil
}

// DecodePayload parses the format produced by EncodePayload, dispatching
// on the embedded kind tag.
func DecodePayload(data []byte) (PacketPayload, error) {
	var wire payloadWire
	if err := cbor.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("%w: unmarshal payload wire: %v", syncerr.ErrSerialization, err)
	}

	var into PacketPayload
	switch wire.Kind {
	case PayloadKindProfileUpdate:
		into = &ProfileUpdatePayload{}
	case PayloadKindRealmInvite:
		into = &RealmInvitePayload{}
	case PayloadKindTaskReference:
		into = &TaskReferencePayload{}
	case PayloadKindDirectMessage:
		into = &DirectMessagePayload{}
	case PayloadKindReceipt:
		into = &ReceiptPayload{}
	case PayloadKindDepin:
		into = &DepinPayload{}
	case PayloadKindHeartbeat:
		into = &HeartbeatPayload{}
	case PayloadKindKeyRotation:
		into = &KeyRotationPayload{}
	default:
		return nil, fmt.Errorf("%w: unknown payload kind %d", syncerr.ErrSerialization, wire.Kind)
	}

	if err := cbor.Unmarshal(wire.Raw, into); err != nil {
		return nil, fmt.Errorf("%w: unmarshal payload body: %v", syncerr.ErrSerialization, err)
	}
	return derefPayload(into), nil
}

// derefPayload returns the pointee so callers get value types matching
// what EncodePayload accepted, keeping the interface's dynamic type
// consistent across an encode/decode round trip.
func derefPayload(p PacketPayload) PacketPayload {
	switch v := p.(type) {
	case *ProfileUpdatePayload:
		return *v
	case *RealmInvitePayload:
		return *v
	case *TaskReferencePayload:
		return *v
	case *DirectMessagePayload:
		return *v
	case *ReceiptPayload:
		return *v
	case *DepinPayload:
		return *v
	case *HeartbeatPayload:
		return *v
	case *KeyRotationPayload:
		return *v
	default:
		return p
	}
}
