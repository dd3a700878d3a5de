package profilekeys

import (
	"crypto/rand"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/sha3"

	"github.com/trumanellis/syncengine/syncerr"
)

const wrapInfo = "syncengine/sealedbox/wrap/v1"

// SealedKey is a per-recipient wrapping of a packet's content key, formed
// by a hybrid X25519 + ML-KEM-768 key exchange (spec.md §4.3).
type SealedKey struct {
	Recipient       string                           `cbor:"1,keyasint"`
	EphemeralX25519 [32]byte                         `cbor:"2,keyasint"`
	MLKEMCiphertext []byte                           `cbor:"3,keyasint"`
	WrapNonce       [chacha20poly1305.NonceSize]byte `cbor:"4,keyasint"`
	WrappedKey      []byte                           `cbor:"5,keyasint"`
}

// SealKeyFor wraps contentKey for a single recipient, performing a fresh
// ephemeral X25519 exchange and an ML-KEM-768 encapsulation against the
// recipient's public key-exchange material.
func SealKeyFor(recipient PublicBundle, contentKey []byte) (SealedKey, error) {
	recipientDID, err := recipient.DID()
	if err != nil {
		return SealedKey{}, err
	}

	ephPriv := make([]byte, curve25519.ScalarSize)
	if _, err := io.ReadFull(rand.Reader, ephPriv); err != nil {
		return SealedKey{}, fmt.Errorf("%w: generate ephemeral x25519 scalar: %v", syncerr.ErrCrypto, err)
	}
	ephPub, err := curve25519.X25519(ephPriv, curve25519.Basepoint)
	if err != nil {
		return SealedKey{}, fmt.Errorf("%w: derive ephemeral x25519 public key: %v", syncerr.ErrCrypto, err)
	}
	sharedX25519, err := curve25519.X25519(ephPriv, recipient.X25519[:])
	if err != nil {
		return SealedKey{}, fmt.Errorf("%w: x25519 exchange: %v", syncerr.ErrCrypto, err)
	}

	mlkemCT, mlkemSS, err := KEMScheme.Encapsulate(recipient.MLKEM768)
	if err != nil {
		return SealedKey{}, fmt.Errorf("%w: mlkem768 encapsulate: %v", syncerr.ErrCrypto, err)
	}

	wrapKey, err := deriveWrapKey(sharedX25519, mlkemSS, ephPub, mlkemCT)
	if err != nil {
		return SealedKey{}, err
	}

	aead, err := chacha20poly1305.New(wrapKey)
	if err != nil {
		return SealedKey{}, fmt.Errorf("%w: build wrap aead: %v", syncerr.ErrCrypto, err)
	}
	var nonce [chacha20poly1305.NonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return SealedKey{}, fmt.Errorf("%w: generate wrap nonce: %v", syncerr.ErrCrypto, err)
	}
	wrapped := aead.Seal(nil, nonce[:], contentKey, []byte(recipientDID))

	sk := SealedKey{
		Recipient:       recipientDID,
		MLKEMCiphertext: mlkemCT,
		WrapNonce:       nonce,
		WrappedKey:      wrapped,
	}
	copy(sk.EphemeralX25519[:], ephPub)
	return sk, nil
}

// UnsealKey recovers the content key wrapped in sealed using this node's
// key-exchange material. Returns syncerr.ErrNotARecipient if sealed was
// not addressed to k, and syncerr.ErrDecryptionFailed if the AEAD tag
// does not verify (wrong key or corrupted ciphertext).
func UnsealKey(k *ProfileKeys, sealed SealedKey) ([]byte, error) {
	myDID, err := k.DID()
	if err != nil {
		return nil, err
	}
	if sealed.Recipient != myDID {
		return nil, syncerr.ErrNotARecipient
	}

	sharedX25519, err := curve25519.X25519(k.x25519Priv[:], sealed.EphemeralX25519[:])
	if err != nil {
		return nil, fmt.Errorf("%w: x25519 exchange: %v", syncerr.ErrCrypto, err)
	}
	mlkemSS, err := KEMScheme.Decapsulate(k.mlkemPriv, sealed.MLKEMCiphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: mlkem768 decapsulate: %v", syncerr.ErrMalformedSealedKey, err)
	}

	wrapKey, err := deriveWrapKey(sharedX25519, mlkemSS, sealed.EphemeralX25519[:], sealed.MLKEMCiphertext)
	if err != nil {
		return nil, err
	}

	aead, err := chacha20poly1305.New(wrapKey)
	if err != nil {
		return nil, fmt.Errorf("%w: build wrap aead: %v", syncerr.ErrCrypto, err)
	}
	contentKey, err := aead.Open(nil, sealed.WrapNonce[:], sealed.WrappedKey, []byte(myDID))
	if err != nil {
		return nil, fmt.Errorf("%w: unwrap content key: %v", syncerr.ErrDecryptionFailed, err)
	}
	return contentKey, nil
}

// FindSealedKeyFor locates the entry in keys addressed to did, per
// spec.md §4.3 Open: "locate a sealed key where recipient == my_did".
func FindSealedKeyFor(keys []SealedKey, did string) (SealedKey, bool) {
	for _, sk := range keys {
		if sk.Recipient == did {
			return sk, true
		}
	}
	return SealedKey{}, false
}

func deriveWrapKey(sharedX25519, mlkemSS, ephPub, mlkemCT []byte) ([]byte, error) {
	ikm := make([]byte, 0, len(sharedX25519)+len(mlkemSS))
	ikm = append(ikm, sharedX25519...)
	ikm = append(ikm, mlkemSS...)
	salt := make([]byte, 0, len(ephPub)+len(mlkemCT))
	salt = append(salt, ephPub...)
	salt = append(salt, mlkemCT...)

	reader := hkdf.New(sha3.New256, ikm, salt, []byte(wrapInfo))
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("%w: derive wrap key: %v", syncerr.ErrCrypto, err)
	}
	return key, nil
}
