package contact

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"

	"github.com/trumanellis/syncengine/identity"
	"github.com/trumanellis/syncengine/profilekeys"
	"github.com/trumanellis/syncengine/syncerr"
	"github.com/trumanellis/syncengine/syncmsg"
)

// maxMessageSize bounds a single contact-exchange frame, guarding the
// length-prefixed reader below against a hostile or corrupt peer
// claiming an enormous frame size.
const maxMessageSize = 1 << 20

// ContactRequest is sent by the requester on the contact ALPN stream
// (spec.md §4.8.3).
type ContactRequest struct {
	InviteID               [16]byte                 `cbor:"1,keyasint"`
	RequesterDID           string                    `cbor:"2,keyasint"`
	RequesterPubkey        profilekeys.PublicBundle  `cbor:"3,keyasint"`
	RequesterSignedProfile []byte                    `cbor:"4,keyasint"`
	RequesterNodeAddr      syncmsg.NodeAddr          `cbor:"5,keyasint"`
	RequesterSignature     identity.HybridSignature  `cbor:"6,keyasint"`
}

// ContactAccept is sent by the inviter once it decides to accept
// (spec.md §4.8.4). Keys are never transmitted: both sides derive the
// 1:1 topic and key from the DID pair (see topic.go).
type ContactAccept struct {
	InviteID             [16]byte                 `cbor:"1,keyasint"`
	AccepterDID          string                    `cbor:"2,keyasint"`
	AccepterPubkey       profilekeys.PublicBundle  `cbor:"3,keyasint"`
	AccepterSignedProfile []byte                   `cbor:"4,keyasint"`
	AccepterNodeAddr     syncmsg.NodeAddr          `cbor:"5,keyasint"`
	Signature            identity.HybridSignature  `cbor:"6,keyasint"`
}

// ContactDecline is sent by the inviter to reject a request.
type ContactDecline struct {
	InviteID [16]byte `cbor:"1,keyasint"`
}

type messageKind uint8

const (
	kindContactRequest messageKind = iota + 1
	kindContactAccept
	kindContactDecline
)

type messageWire struct {
	Kind messageKind     `cbor:"1,keyasint"`
	Raw  cbor.RawMessage `cbor:"2,keyasint"`
}

func encodeMessage(kind messageKind, v interface{}) ([]byte, error) {
	raw, err := canonicalEncMode.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal contact message: %v", syncerr.ErrSerialization, err)
	}
	return canonicalEncMode.Marshal(messageWire{Kind: kind, Raw: raw})
}

// decodeMessage dispatches on the tagged union's Kind field, returning
// exactly one of *ContactRequest, *ContactAccept, or *ContactDecline.
func decodeMessage(data []byte) (interface{}, error) {
	var wire messageWire
	if err := cbor.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("%w: unmarshal contact message: %v", syncerr.ErrSerialization, err)
	}
	switch wire.Kind {
	case kindContactRequest:
		var m ContactRequest
		if err := cbor.Unmarshal(wire.Raw, &m); err != nil {
			return nil, fmt.Errorf("%w: unmarshal contact request: %v", syncerr.ErrSerialization, err)
		}
		return &m, nil
	case kindContactAccept:
		var m ContactAccept
		if err := cbor.Unmarshal(wire.Raw, &m); err != nil {
			return nil, fmt.Errorf("%w: unmarshal contact accept: %v", syncerr.ErrSerialization, err)
		}
		return &m, nil
	case kindContactDecline:
		var m ContactDecline
		if err := cbor.Unmarshal(wire.Raw, &m); err != nil {
			return nil, fmt.Errorf("%w: unmarshal contact decline: %v", syncerr.ErrSerialization, err)
		}
		return &m, nil
	default:
		return nil, fmt.Errorf("%w: unknown contact message kind %d", syncerr.ErrInvalidOperation, wire.Kind)
	}
}

// writeFramed writes a length-prefixed message to w: the contact ALPN
// stream has no built-in framing, unlike gossip topics which deliver
// whole messages per Event.
func writeFramed(w io.Writer, data []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(data)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(data)
	return err
}

func readFramed(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxMessageSize {
		return nil, fmt.Errorf("%w: contact message frame too large (%d bytes)", syncerr.ErrInvalidOperation, n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
