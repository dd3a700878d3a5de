package realm

import (
	"crypto/rand"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/trumanellis/syncengine/syncerr"
)

// Cipher performs symmetric AEAD encryption under a realm key (spec.md
// §4.6 "RealmCipher").
type Cipher struct {
	key Key
}

// NewCipher binds a Cipher to a realm key.
func NewCipher(key Key) Cipher {
	return Cipher{key: key}
}

// Seal encrypts plaintext, returning a random nonce and the ciphertext.
func (c Cipher) Seal(plaintext []byte) (nonce [chacha20poly1305.NonceSize]byte, ciphertext []byte, err error) {
	aead, err := chacha20poly1305.New(c.key[:])
	if err != nil {
		return nonce, nil, fmt.Errorf("%w: build realm aead: %v", syncerr.ErrCrypto, err)
	}
	if _, err = io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nonce, nil, fmt.Errorf("%w: generate realm nonce: %v", syncerr.ErrCrypto, err)
	}
	ciphertext = aead.Seal(nil, nonce[:], plaintext, nil)
	return nonce, ciphertext, nil
}

// Open decrypts ciphertext sealed under the given nonce.
func (c Cipher) Open(nonce [chacha20poly1305.NonceSize]byte, ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(c.key[:])
	if err != nil {
		return nil, fmt.Errorf("%w: build realm aead: %v", syncerr.ErrCrypto, err)
	}
	plaintext, err := aead.Open(nil, nonce[:], ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: decrypt realm payload: %v", syncerr.ErrDecryptionFailed, err)
	}
	return plaintext, nil
}
