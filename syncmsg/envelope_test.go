package syncmsg

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/trumanellis/syncengine/identity"
	"github.com/trumanellis/syncengine/realm"
)

func TestSyncEnvelopeRoundTrip(t *testing.T) {
	signer, err := identity.Generate()
	require.NoError(t, err)
	key, err := realm.NewKey()
	require.NoError(t, err)
	cipher := realm.NewCipher(key)

	msg := SyncResponse{RealmID: [32]byte{1}, Document: []byte("full doc state")}
	e, err := Build(signer, cipher, msg)
	require.NoError(t, err)

	require.True(t, Verify(e, signer.PublicKey()))

	opened, err := Open(e, cipher)
	require.NoError(t, err)
	require.Equal(t, msg, opened)
}

func TestSyncEnvelopeVerifyRejectsWrongSigner(t *testing.T) {
	signer, err := identity.Generate()
	require.NoError(t, err)
	other, err := identity.Generate()
	require.NoError(t, err)
	key, err := realm.NewKey()
	require.NoError(t, err)
	cipher := realm.NewCipher(key)

	e, err := Build(signer, cipher, SyncRequest{RealmID: [32]byte{1}})
	require.NoError(t, err)

	require.False(t, Verify(e, other.PublicKey()))
}

func TestSyncEnvelopeVerifyRejectsTamperedCiphertext(t *testing.T) {
	signer, err := identity.Generate()
	require.NoError(t, err)
	key, err := realm.NewKey()
	require.NoError(t, err)
	cipher := realm.NewCipher(key)

	e, err := Build(signer, cipher, SyncRequest{RealmID: [32]byte{1}})
	require.NoError(t, err)

	e.Ciphertext[0] ^= 0xFF
	require.False(t, Verify(e, signer.PublicKey()))
}

func TestSyncEnvelopeOpenFailsWithWrongRealmKey(t *testing.T) {
	signer, err := identity.Generate()
	require.NoError(t, err)
	key, err := realm.NewKey()
	require.NoError(t, err)
	wrongKey, err := realm.NewKey()
	require.NoError(t, err)

	e, err := Build(signer, realm.NewCipher(key), SyncResponse{RealmID: [32]byte{1}, Document: []byte("x")})
	require.NoError(t, err)

	_, err = Open(e, realm.NewCipher(wrongKey))
	require.Error(t, err)
}

func TestSyncEnvelopeEncodeDecodeRoundTrip(t *testing.T) {
	signer, err := identity.Generate()
	require.NoError(t, err)
	key, err := realm.NewKey()
	require.NoError(t, err)
	cipher := realm.NewCipher(key)

	e, err := Build(signer, cipher, SyncRequest{RealmID: [32]byte{3}})
	require.NoError(t, err)

	data, err := e.CanonicalBytes()
	require.NoError(t, err)

	decoded, err := Decode(data)
	require.NoError(t, err)
	require.Equal(t, e, decoded)
	require.True(t, Verify(decoded, signer.PublicKey()))
}

// TamperDetection mirrors spec scenario D: flip one byte of the
// ciphertext and confirm verification fails without mutating any state.
func TestSyncEnvelopeScenarioDTamperDetection(t *testing.T) {
	signer, err := identity.Generate()
	require.NoError(t, err)
	key, err := realm.NewKey()
	require.NoError(t, err)
	cipher := realm.NewCipher(key)

	e, err := Build(signer, cipher, SyncResponse{RealmID: [32]byte{1}, Document: []byte("state")})
	require.NoError(t, err)

	tampered := e
	tampered.Ciphertext = append([]byte(nil), e.Ciphertext...)
	tampered.Ciphertext[0] ^= 0x01

	require.False(t, Verify(tampered, signer.PublicKey()))
}
