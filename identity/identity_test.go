package identity

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGenerateSignVerify(t *testing.T) {
	kp, err := Generate()
	require.NoError(t, err)

	msg := []byte("realm invite payload")
	sig, err := kp.Sign(msg)
	require.NoError(t, err)

	require.True(t, Verify(kp.PublicKey(), msg, sig))
}

func TestVerifyRejectsTamperedMessage(t *testing.T) {
	kp, err := Generate()
	require.NoError(t, err)

	sig, err := kp.Sign([]byte("original"))
	require.NoError(t, err)

	require.False(t, Verify(kp.PublicKey(), []byte("tampered"), sig))
}

func TestVerifyRejectsSingleScheme(t *testing.T) {
	a, err := Generate()
	require.NoError(t, err)
	b, err := Generate()
	require.NoError(t, err)

	msg := []byte("hello")
	sigA, err := a.Sign(msg)
	require.NoError(t, err)

	// Splice b's mldsa65 half onto a's ed25519 half: neither half alone
	// should be enough, so the hybrid verification must fail.
	sigB, err := b.Sign(msg)
	require.NoError(t, err)
	mixed := HybridSignature{Ed25519: sigA.Ed25519, MLDSA65: sigB.MLDSA65}

	require.False(t, Verify(a.PublicKey(), msg, mixed))
	require.False(t, Verify(b.PublicKey(), msg, mixed))
}

func TestVerifyNeverPanicsOnMalformedSignature(t *testing.T) {
	kp, err := Generate()
	require.NoError(t, err)

	malformed := []HybridSignature{
		{},
		{Ed25519: []byte("short")},
		{Ed25519: make([]byte, 64), MLDSA65: nil},
		{Ed25519: make([]byte, 64), MLDSA65: []byte("garbage")},
	}
	for _, sig := range malformed {
		require.NotPanics(t, func() {
			require.False(t, Verify(kp.PublicKey(), []byte("msg"), sig))
		})
	}
}

func TestVerifyRejectsNilPublicKey(t *testing.T) {
	kp, err := Generate()
	require.NoError(t, err)
	sig, err := kp.Sign([]byte("msg"))
	require.NoError(t, err)

	pub := kp.PublicKey()
	pub.MLDSA65 = nil
	require.False(t, Verify(pub, []byte("msg"), sig))
}

func TestDIDDeterministicFromPublicKeys(t *testing.T) {
	kp, err := Generate()
	require.NoError(t, err)

	did1, err := kp.DID()
	require.NoError(t, err)
	did2, err := kp.PublicKey().DID()
	require.NoError(t, err)

	require.Equal(t, did1, did2)
	require.Regexp(t, `^did:sync:z`, did1)
}

func TestDIDDiffersBetweenKeypairs(t *testing.T) {
	a, err := Generate()
	require.NoError(t, err)
	b, err := Generate()
	require.NoError(t, err)

	didA, err := a.DID()
	require.NoError(t, err)
	didB, err := b.DID()
	require.NoError(t, err)

	require.NotEqual(t, didA, didB)
}

func TestKeypairBytesRoundTrip(t *testing.T) {
	kp, err := Generate()
	require.NoError(t, err)

	data, err := kp.Bytes()
	require.NoError(t, err)

	restored, err := FromBytes(data)
	require.NoError(t, err)

	wantDID, err := kp.DID()
	require.NoError(t, err)
	gotDID, err := restored.DID()
	require.NoError(t, err)
	require.Equal(t, wantDID, gotDID)

	msg := []byte("persisted identity still signs")
	sig, err := restored.Sign(msg)
	require.NoError(t, err)
	require.True(t, Verify(kp.PublicKey(), msg, sig))
	require.True(t, Verify(restored.PublicKey(), msg, sig))
}

func TestFromBytesRejectsTruncatedData(t *testing.T) {
	kp, err := Generate()
	require.NoError(t, err)
	data, err := kp.Bytes()
	require.NoError(t, err)

	_, err = FromBytes(data[:len(data)-10])
	require.Error(t, err)
}

func TestPublicBundleBytesRoundTrip(t *testing.T) {
	kp, err := Generate()
	require.NoError(t, err)

	raw, err := kp.PublicKey().Bytes()
	require.NoError(t, err)

	parsed, err := PublicBundleFromBytes(raw)
	require.NoError(t, err)

	msg := []byte("bundle round trip")
	sig, err := kp.Sign(msg)
	require.NoError(t, err)
	require.True(t, Verify(parsed, msg, sig))
}

func TestExportedIdentityJSON(t *testing.T) {
	kp, err := Generate()
	require.NoError(t, err)

	data, err := kp.PublicKey().JSON()
	require.NoError(t, err)
	require.Contains(t, string(data), `"did":"did:sync:z`)
	require.Contains(t, string(data), `"public_key_base58":`)
}

func TestHybridSignatureFromBytesNeverPanics(t *testing.T) {
	inputs := [][]byte{
		nil,
		{},
		{0x00},
		{0xff, 0xff, 0x00},
	}
	for _, in := range inputs {
		require.NotPanics(t, func() {
			_, _ = HybridSignatureFromBytes(in)
		})
	}
}
