// Package profilekeys implements spec.md §4.2: the key-exchange material
// layered on top of an identity.HybridKeypair. Profile keys are derived
// deterministically from the identity's private key material so that
// profile_did always equals identity_did, and so that reloading an
// identity from disk never requires persisting a second secret.
package profilekeys

import (
	"fmt"
	"io"

	circlkem "github.com/cloudflare/circl/kem"
	"github.com/cloudflare/circl/kem/mlkem/mlkem768"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/sha3"

	"github.com/trumanellis/syncengine/identity"
	"github.com/trumanellis/syncengine/syncerr"
)

// KEMScheme is the post-quantum key-encapsulation scheme paired with
// X25519 for sealed-box key exchange (spec.md §4.3).
var KEMScheme = mlkem768.Scheme()

const (
	x25519SeedInfo = "syncengine/profilekeys/x25519/v1"
	mlkemSeedInfo  = "syncengine/profilekeys/mlkem768/v1"
)

// PublicBundle is the exportable half of ProfileKeys: the identity's
// signing bundle plus X25519 and ML-KEM-768 key-exchange public keys.
type PublicBundle struct {
	Identity identity.PublicBundle
	X25519   [32]byte
	MLKEM768 circlkem.PublicKey
}

// DID delegates to the identity bundle; profile_did == identity_did.
func (b PublicBundle) DID() (string, error) {
	return b.Identity.DID()
}

// ProfileKeys pairs a node's signing identity with its key-exchange
// material. Both the X25519 scalar and the ML-KEM-768 keypair are
// re-derivable from the identity's private key, so only the identity
// itself needs to be persisted.
type ProfileKeys struct {
	id *identity.HybridKeypair

	x25519Priv [32]byte
	x25519Pub  [32]byte

	mlkemPub  circlkem.PublicKey
	mlkemPriv circlkem.PrivateKey
}

// Derive computes a ProfileKeys deterministically from id. Calling Derive
// twice on keypairs loaded from the same bytes yields byte-identical
// key-exchange material.
func Derive(id *identity.HybridKeypair) (*ProfileKeys, error) {
	idBytes, err := id.Bytes()
	if err != nil {
		return nil, err
	}

	x25519Seed, err := deriveSeed(idBytes, x25519SeedInfo, 32)
	if err != nil {
		return nil, err
	}
	var x25519Priv [32]byte
	copy(x25519Priv[:], x25519Seed)
	x25519Pub, err := curve25519.X25519(x25519Priv[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("%w: derive x25519 public key: %v", syncerr.ErrCrypto, err)
	}

	mlkemSeed, err := deriveSeed(idBytes, mlkemSeedInfo, KEMScheme.SeedSize())
	if err != nil {
		return nil, err
	}
	mlkemPub, mlkemPriv := KEMScheme.DeriveKeyPair(mlkemSeed)

	pk := &ProfileKeys{
		id:        id,
		mlkemPub:  mlkemPub,
		mlkemPriv: mlkemPriv,
	}
	copy(pk.x25519Priv[:], x25519Priv[:])
	copy(pk.x25519Pub[:], x25519Pub)
	return pk, nil
}

// PublicKey returns the exportable key-exchange bundle.
func (k *ProfileKeys) PublicKey() PublicBundle {
	return PublicBundle{
		Identity: k.id.PublicKey(),
		X25519:   k.x25519Pub,
		MLKEM768: k.mlkemPub,
	}
}

// DID returns the owning identity's DID (profile_did == identity_did).
func (k *ProfileKeys) DID() (string, error) {
	return k.id.DID()
}

// Sign delegates to the inner identity.
func (k *ProfileKeys) Sign(msg []byte) (identity.HybridSignature, error) {
	return k.id.Sign(msg)
}

// Verify delegates to the identity package's hybrid verification.
func Verify(pub PublicBundle, msg []byte, sig identity.HybridSignature) bool {
	return identity.Verify(pub.Identity, msg, sig)
}

// CheckAgainstIdentity reports whether loaded profile keys still match
// the identity they were supposedly derived from (spec.md §4.2: "on
// mismatch they are regenerated").
func CheckAgainstIdentity(k *ProfileKeys, id *identity.HybridKeypair) (bool, error) {
	want, err := id.DID()
	if err != nil {
		return false, err
	}
	got, err := k.DID()
	if err != nil {
		return false, err
	}
	return want == got, nil
}

func deriveSeed(secret []byte, info string, size int) ([]byte, error) {
	reader := hkdf.New(sha3.New256, secret, nil, []byte(info))
	seed := make([]byte, size)
	if _, err := io.ReadFull(reader, seed); err != nil {
		return nil, fmt.Errorf("%w: derive seed %q: %v", syncerr.ErrCrypto, info, err)
	}
	return seed, nil
}
