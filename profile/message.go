package profile

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/trumanellis/syncengine/envelope"
	"github.com/trumanellis/syncengine/syncerr"
)

// gossipMessageKind discriminates ProfileGossipMessage (spec.md §6.4).
type gossipMessageKind uint8

const (
	kindAnnounce gossipMessageKind = iota + 1
	kindPacket
)

// Announce carries a freshly signed profile to a profile topic's
// subscribers, optionally pointing at an avatar blob the recipient may
// fetch out of band (spec.md §4.9 "Announce flow"). AvatarTicket is
// carried opaquely; resolving it to bytes is outside this engine's
// scope.
type Announce struct {
	SignedProfile SignedProfile `cbor:"1,keyasint"`
	AvatarTicket  string        `cbor:"2,keyasint,omitempty"`
}

// Packet relays a PacketEnvelope over the global profile topic for
// store-and-forward mirroring (spec.md §4.9 "Packet relay on global
// topic").
type Packet struct {
	Envelope envelope.PacketEnvelope `cbor:"1,keyasint"`
}

type gossipMessageWire struct {
	Kind gossipMessageKind `cbor:"1,keyasint"`
	Raw  cbor.RawMessage   `cbor:"2,keyasint"`
}

// EncodeAnnounce serializes an Announce for direct transmission over a
// gossip topic. Un-framed: unlike the contact ALPN stream, a gossip
// topic already delivers one whole message per Event.
func EncodeAnnounce(a Announce) ([]byte, error) {
	return encodeGossipMessage(kindAnnounce, a)
}

// EncodePacket serializes a Packet for transmission on the global topic.
func EncodePacket(p Packet) ([]byte, error) {
	return encodeGossipMessage(kindPacket, p)
}

func encodeGossipMessage(kind gossipMessageKind, v interface{}) ([]byte, error) {
	raw, err := canonicalEncMode.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal profile gossip message: %v", syncerr.ErrSerialization, err)
	}
	return canonicalEncMode.Marshal(gossipMessageWire{Kind: kind, Raw: raw})
}

// DecodeGossipMessage dispatches on the tagged union's Kind field,
// returning exactly one of *Announce or *Packet.
func DecodeGossipMessage(data []byte) (interface{}, error) {
	var wire gossipMessageWire
	if err := cbor.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("%w: unmarshal profile gossip message: %v", syncerr.ErrSerialization, err)
	}
	switch wire.Kind {
	case kindAnnounce:
		var a Announce
		if err := cbor.Unmarshal(wire.Raw, &a); err != nil {
			return nil, fmt.Errorf("%w: unmarshal announce: %v", syncerr.ErrSerialization, err)
		}
		return &a, nil
	case kindPacket:
		var p Packet
		if err := cbor.Unmarshal(wire.Raw, &p); err != nil {
			return nil, fmt.Errorf("%w: unmarshal packet: %v", syncerr.ErrSerialization, err)
		}
		return &p, nil
	default:
		return nil, fmt.Errorf("%w: unknown profile gossip message kind %d", syncerr.ErrInvalidOperation, wire.Kind)
	}
}
