// Package syncmsg implements spec.md §4.6/§6.2/§6.4: the realm-sync wire
// protocol. SyncMessage is the tagged union exchanged on a realm's gossip
// topic once a SyncEnvelope has been opened; NodeAddr is the abstract
// endpoint descriptor a node advertises to let others reconnect.
package syncmsg

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/trumanellis/syncengine/syncerr"
)

// NodeAddr is an abstract endpoint descriptor (spec.md §6.2). Its native
// form comes from the gossip transport; this is the wire-portable shape
// exchanged inside Announce messages and invites.
type NodeAddr struct {
	NodeID          [32]byte `cbor:"1,keyasint"`
	RelayURL        string   `cbor:"2,keyasint,omitempty"`
	DirectAddresses []string `cbor:"3,keyasint,omitempty"`
}

// MessageKind discriminates the SyncMessage tagged union (spec.md §4.6.4).
type MessageKind uint8

const (
	KindSyncResponse MessageKind = iota + 1
	KindChanges
	KindSyncRequest
	KindAnnounce
)

// SyncMessage is the decrypted content of a SyncEnvelope.
type SyncMessage interface {
	Kind() MessageKind
}

// SyncResponse carries a realm's full CRDT document. Per spec.md §4.6.2
// and §4.6.5, a realm always broadcasts its complete document rather than
// an incremental delta, both on subscribe and on every rebroadcast.
type SyncResponse struct {
	RealmID  [32]byte `cbor:"1,keyasint"`
	Document []byte   `cbor:"2,keyasint"`
}

func (SyncResponse) Kind() MessageKind { return KindSyncResponse }

// Changes carries an incremental CRDT update, applied via
// realm.Doc.ApplySyncMessage. Retained for protocol completeness (spec.md
// §6.4 enumerates it in the SyncMessage union) even though this engine's
// own replicator only ever emits SyncResponse (spec.md §4.6.5).
type Changes struct {
	RealmID [32]byte `cbor:"1,keyasint"`
	Data    []byte   `cbor:"2,keyasint"`
}

func (Changes) Kind() MessageKind { return KindChanges }

// SyncRequest asks the recipient to (re)broadcast its full document for
// realm_id.
type SyncRequest struct {
	RealmID [32]byte `cbor:"1,keyasint"`
}

func (SyncRequest) Kind() MessageKind { return KindSyncRequest }

// Announce advertises a realm's CRDT heads and, optionally, the sender's
// reachable address so the recipient can persist it as a bootstrap peer
// (spec.md §4.6.4).
type Announce struct {
	RealmID    [32]byte  `cbor:"1,keyasint"`
	Heads      [][32]byte `cbor:"2,keyasint"`
	SenderAddr *NodeAddr `cbor:"3,keyasint,omitempty"`
}

func (Announce) Kind() MessageKind { return KindAnnounce }

type messageWire struct {
	Kind MessageKind     `cbor:"1,keyasint"`
	Raw  cbor.RawMessage `cbor:"2,keyasint"`
}

// EncodeMessage produces the canonical tagged-union byte representation
// of a SyncMessage.
func EncodeMessage(m SyncMessage) ([]byte, error) {
	raw, err := canonicalEncMode.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal sync message body: %v", syncerr.ErrSerialization, err)
	}
	wire := messageWire{Kind: m.Kind(), Raw: raw}
	out, err := canonicalEncMode.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal sync message wire: %v", syncerr.ErrSerialization, err)
	}
	return out, nil
}

// DecodeMessage parses the format produced by EncodeMessage.
func DecodeMessage(data []byte) (SyncMessage, error) {
	var wire messageWire
	if err := cbor.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("%w: unmarshal sync message wire: %v", syncerr.ErrSerialization, err)
	}

	var into SyncMessage
	switch wire.Kind {
	case KindSyncResponse:
		into = &SyncResponse{}
	case KindChanges:
		into = &Changes{}
	case KindSyncRequest:
		into = &SyncRequest{}
	case KindAnnounce:
		into = &Announce{}
	default:
		return nil, fmt.Errorf("%w: unknown sync message kind %d", syncerr.ErrSerialization, wire.Kind)
	}

	if err := cbor.Unmarshal(wire.Raw, into); err != nil {
		return nil, fmt.Errorf("%w: unmarshal sync message body: %v", syncerr.ErrSerialization, err)
	}
	return derefMessage(into), nil
}

func derefMessage(m SyncMessage) SyncMessage {
	switch v := m.(type) {
	case *SyncResponse:
		return *v
	case *Changes:
		return *v
	case *SyncRequest:
		return *v
	case *Announce:
		return *v
	default:
		return m
	}
}
