package syncmsg

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeSyncResponse(t *testing.T) {
	msg := SyncResponse{RealmID: [32]byte{1, 2, 3}, Document: []byte("doc bytes")}
	data, err := EncodeMessage(msg)
	require.NoError(t, err)

	decoded, err := DecodeMessage(data)
	require.NoError(t, err)
	require.Equal(t, msg, decoded)
}

func TestEncodeDecodeAnnounceWithAddr(t *testing.T) {
	addr := NodeAddr{NodeID: [32]byte{9}, RelayURL: "relay.example", DirectAddresses: []string{"1.2.3.4:1234"}}
	msg := Announce{RealmID: [32]byte{4, 5}, Heads: [][32]byte{{1}, {2}}, SenderAddr: &addr}

	data, err := EncodeMessage(msg)
	require.NoError(t, err)

	decoded, err := DecodeMessage(data)
	require.NoError(t, err)
	announce, ok := decoded.(Announce)
	require.True(t, ok)
	require.Equal(t, msg.RealmID, announce.RealmID)
	require.Equal(t, msg.Heads, announce.Heads)
	require.NotNil(t, announce.SenderAddr)
	require.Equal(t, addr, *announce.SenderAddr)
}

func TestEncodeDecodeAnnounceWithoutAddr(t *testing.T) {
	msg := Announce{RealmID: [32]byte{7}}
	data, err := EncodeMessage(msg)
	require.NoError(t, err)

	decoded, err := DecodeMessage(data)
	require.NoError(t, err)
	announce, ok := decoded.(Announce)
	require.True(t, ok)
	require.Nil(t, announce.SenderAddr)
}

func TestEncodeDecodeSyncRequestAndChanges(t *testing.T) {
	req := SyncRequest{RealmID: [32]byte{1}}
	data, err := EncodeMessage(req)
	require.NoError(t, err)
	decoded, err := DecodeMessage(data)
	require.NoError(t, err)
	require.Equal(t, req, decoded)

	ch := Changes{RealmID: [32]byte{2}, Data: []byte("delta")}
	data, err = EncodeMessage(ch)
	require.NoError(t, err)
	decoded, err = DecodeMessage(data)
	require.NoError(t, err)
	require.Equal(t, ch, decoded)
}

func TestDecodeMessageRejectsUnknownKind(t *testing.T) {
	data, err := EncodeMessage(SyncRequest{RealmID: [32]byte{1}})
	require.NoError(t, err)

	var wire messageWire
	require.NoError(t, unmarshalCanonical(data, &wire))
	wire.Kind = 99
	corrupted, err := canonicalEncMode.Marshal(wire)
	require.NoError(t, err)

	_, err = DecodeMessage(corrupted)
	require.Error(t, err)
}
