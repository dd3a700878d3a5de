package syncmsg

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/trumanellis/syncengine/identity"
	"github.com/trumanellis/syncengine/realm"
	"github.com/trumanellis/syncengine/syncerr"
)

// Version is the SyncEnvelope wire version (spec.md §6.4).
type Version uint8

// CurrentVersion is the only version this engine emits.
const CurrentVersion Version = 1

// Envelope is the signed, realm-key-encrypted container for a SyncMessage
// (spec.md §6.4): `{ version, sender_did, ciphertext, nonce, signature }`.
// Unlike PacketEnvelope, there is exactly one key (the realm key, known to
// every member) rather than a per-recipient sealed-key list.
type Envelope struct {
	Version    Version                          `cbor:"1,keyasint"`
	SenderDID  string                           `cbor:"2,keyasint"`
	Nonce      [chacha20poly1305.NonceSize]byte `cbor:"3,keyasint"`
	Ciphertext []byte                           `cbor:"4,keyasint"`
	Signature  identity.HybridSignature         `cbor:"5,keyasint"`
}

// Build encrypts msg under the realm's symmetric key and signs the result
// with the sender's full node identity (spec.md §4.6.5: "sealed with the
// realm key and signed by identity").
func Build(signer *identity.HybridKeypair, cipher realm.Cipher, msg SyncMessage) (Envelope, error) {
	senderDID, err := signer.DID()
	if err != nil {
		return Envelope{}, err
	}

	plaintext, err := EncodeMessage(msg)
	if err != nil {
		return Envelope{}, err
	}

	nonce, ciphertext, err := cipher.Seal(plaintext)
	if err != nil {
		return Envelope{}, err
	}

	sig, err := signer.Sign(buildSignPayload(CurrentVersion, senderDID, nonce[:], ciphertext))
	if err != nil {
		return Envelope{}, err
	}

	return Envelope{
		Version:    CurrentVersion,
		SenderDID:  senderDID,
		Nonce:      nonce,
		Ciphertext: ciphertext,
		Signature:  sig,
	}, nil
}

// Verify checks that pub's DID matches the envelope's claimed sender and
// that the hybrid signature covers the recomputed sign payload.
func Verify(e Envelope, pub identity.PublicBundle) bool {
	did, err := pub.DID()
	if err != nil || did != e.SenderDID {
		return false
	}
	sp := buildSignPayload(e.Version, e.SenderDID, e.Nonce[:], e.Ciphertext)
	return identity.Verify(pub, sp, e.Signature)
}

// Open decrypts and deserializes an envelope's message under the realm
// key. Callers MUST call Verify first; Open performs no signature check.
func Open(e Envelope, cipher realm.Cipher) (SyncMessage, error) {
	plaintext, err := cipher.Open(e.Nonce, e.Ciphertext)
	if err != nil {
		return nil, err
	}
	return DecodeMessage(plaintext)
}

// CanonicalBytes returns the deterministic serialization of the envelope.
func (e Envelope) CanonicalBytes() ([]byte, error) {
	out, err := canonicalEncMode.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal sync envelope: %v", syncerr.ErrSerialization, err)
	}
	return out, nil
}

// Decode parses the wire format produced by CanonicalBytes.
func Decode(data []byte) (Envelope, error) {
	var e Envelope
	if err := unmarshalCanonical(data, &e); err != nil {
		return Envelope{}, fmt.Errorf("%w: unmarshal sync envelope: %v", syncerr.ErrSerialization, err)
	}
	return e, nil
}

func buildSignPayload(version Version, senderDID string, nonce, ciphertext []byte) []byte {
	buf := make([]byte, 0, 64+len(ciphertext))
	buf = append(buf, byte(version))
	buf = appendLP(buf, []byte(senderDID))
	buf = appendLP(buf, nonce)
	buf = appendLP(buf, ciphertext)
	return buf
}

func appendLP(dst, field []byte) []byte {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(field)))
	dst = append(dst, lenBuf[:]...)
	return append(dst, field...)
}
