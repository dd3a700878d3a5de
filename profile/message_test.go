package profile

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/trumanellis/syncengine/envelope"
)

func TestEncodeDecodeAnnounceRoundTrip(t *testing.T) {
	pk := newTestProfileKeys(t)
	sp, err := BuildSignedProfile(pk, Profile{DisplayName: "Jess"})
	require.NoError(t, err)

	wire, err := EncodeAnnounce(Announce{SignedProfile: sp, AvatarTicket: "ticket-1"})
	require.NoError(t, err)

	decoded, err := DecodeGossipMessage(wire)
	require.NoError(t, err)
	got, ok := decoded.(*Announce)
	require.True(t, ok)
	require.Equal(t, "ticket-1", got.AvatarTicket)
	require.Equal(t, sp.Profile, got.SignedProfile.Profile)
}

func TestEncodeDecodePacketRoundTrip(t *testing.T) {
	pk := newTestProfileKeys(t)
	e, err := envelope.Build(pk, 0, [32]byte{}, 1000, envelope.HeartbeatPayload{TimestampMs: 1000}, nil)
	require.NoError(t, err)

	wire, err := EncodePacket(Packet{Envelope: e})
	require.NoError(t, err)

	decoded, err := DecodeGossipMessage(wire)
	require.NoError(t, err)
	got, ok := decoded.(*Packet)
	require.True(t, ok)
	require.Equal(t, e.Header, got.Envelope.Header)
}

func TestDecodeGossipMessageRejectsUnknownKind(t *testing.T) {
	wire, err := canonicalEncMode.Marshal(gossipMessageWire{Kind: 77, Raw: nil})
	require.NoError(t, err)
	_, err = DecodeGossipMessage(wire)
	require.Error(t, err)
}
