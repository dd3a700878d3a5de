package contact

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/trumanellis/syncengine/identity"
	"github.com/trumanellis/syncengine/profilekeys"
)

func TestEncodeDecodeContactRequestRoundTrip(t *testing.T) {
	signer, err := identity.Generate()
	require.NoError(t, err)
	pk, err := profilekeys.Derive(signer)
	require.NoError(t, err)
	did, err := signer.DID()
	require.NoError(t, err)

	req := ContactRequest{
		InviteID:          [16]byte{1, 2, 3},
		RequesterDID:      did,
		RequesterPubkey:   pk.PublicKey(),
		RequesterNodeAddr: testNodeAddr(3),
	}
	sig, err := signer.Sign([]byte("payload"))
	require.NoError(t, err)
	req.RequesterSignature = sig

	wire, err := encodeMessage(kindContactRequest, req)
	require.NoError(t, err)

	decoded, err := decodeMessage(wire)
	require.NoError(t, err)
	got, ok := decoded.(*ContactRequest)
	require.True(t, ok)
	require.Equal(t, req.InviteID, got.InviteID)
	require.Equal(t, req.RequesterDID, got.RequesterDID)
}

func TestEncodeDecodeContactAcceptRoundTrip(t *testing.T) {
	accept := ContactAccept{InviteID: [16]byte{9, 9}, AccepterDID: "did:key:bob"}
	wire, err := encodeMessage(kindContactAccept, accept)
	require.NoError(t, err)

	decoded, err := decodeMessage(wire)
	require.NoError(t, err)
	got, ok := decoded.(*ContactAccept)
	require.True(t, ok)
	require.Equal(t, accept.InviteID, got.InviteID)
	require.Equal(t, accept.AccepterDID, got.AccepterDID)
}

func TestEncodeDecodeContactDeclineRoundTrip(t *testing.T) {
	decline := ContactDecline{InviteID: [16]byte{4, 4, 4}}
	wire, err := encodeMessage(kindContactDecline, decline)
	require.NoError(t, err)

	decoded, err := decodeMessage(wire)
	require.NoError(t, err)
	got, ok := decoded.(*ContactDecline)
	require.True(t, ok)
	require.Equal(t, decline.InviteID, got.InviteID)
}

func TestDecodeMessageRejectsUnknownKind(t *testing.T) {
	wire, err := canonicalEncMode.Marshal(messageWire{Kind: 99, Raw: nil})
	require.NoError(t, err)
	_, err = decodeMessage(wire)
	require.Error(t, err)
}

func TestWriteReadFramedRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte("hello contact protocol")
	require.NoError(t, writeFramed(&buf, payload))

	got, err := readFramed(&buf)
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestReadFramedRejectsOversizedFrame(t *testing.T) {
	var buf bytes.Buffer
	var lenBuf [4]byte
	// maxMessageSize+1 encoded directly, bypassing writeFramed.
	n := uint32(maxMessageSize + 1)
	lenBuf[0] = byte(n >> 24)
	lenBuf[1] = byte(n >> 16)
	lenBuf[2] = byte(n >> 8)
	lenBuf[3] = byte(n)
	buf.Write(lenBuf[:])

	_, err := readFramed(&buf)
	require.Error(t, err)
}

func TestReadFramedRejectsTruncatedStream(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0, 0, 0})
	_, err := readFramed(&buf)
	require.Error(t, err)
}
