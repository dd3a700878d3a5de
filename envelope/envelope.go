// Package envelope implements spec.md §4.3: sealed, signed packet
// envelopes. An envelope carries a cleartext routing header, an optional
// set of per-recipient sealed keys, an AEAD-encrypted (or, for global
// envelopes, plaintext) payload, and a hybrid signature covering
// everything but itself.
package envelope

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/trumanellis/syncengine/identity"
	"github.com/trumanellis/syncengine/profilekeys"
	"github.com/trumanellis/syncengine/syncerr"
)

// Header is the cleartext metadata of a packet (spec.md §3).
type Header struct {
	Sender      string   `cbor:"1,keyasint"`
	Sequence    uint64   `cbor:"2,keyasint"`
	PrevHash    [32]byte `cbor:"3,keyasint"`
	TimestampMs int64    `cbor:"4,keyasint"`
}

// PacketEnvelope is the full signed, sealed unit of the spec's packet log.
type PacketEnvelope struct {
	Header     Header                           `cbor:"1,keyasint"`
	SealedKeys []profilekeys.SealedKey          `cbor:"2,keyasint"`
	Nonce      [chacha20poly1305.NonceSize]byte `cbor:"3,keyasint"`
	Ciphertext []byte                           `cbor:"4,keyasint"`
	Signature  identity.HybridSignature         `cbor:"5,keyasint"`
}

// Build constructs and signs a new envelope. If recipients is empty the
// envelope is global: the payload is stored unencrypted and sealedKeys is
// empty (spec.md §4.3 "Envelope construction (global)").
func Build(
	sender *profilekeys.ProfileKeys,
	sequence uint64,
	prevHash [32]byte,
	timestampMs int64,
	payload PacketPayload,
	recipients []profilekeys.PublicBundle,
) (PacketEnvelope, error) {
	senderDID, err := sender.DID()
	if err != nil {
		return PacketEnvelope{}, err
	}

	payloadBytes, err := EncodePayload(payload)
	if err != nil {
		return PacketEnvelope{}, err
	}

	header := Header{
		Sender:      senderDID,
		Sequence:    sequence,
		PrevHash:    prevHash,
		TimestampMs: timestampMs,
	}

	var (
		sealedKeys []profilekeys.SealedKey
		nonce      [chacha20poly1305.NonceSize]byte
		ciphertext []byte
	)

	if len(recipients) == 0 {
		ciphertext = payloadBytes
	} else {
		contentKey := make([]byte, chacha20poly1305.KeySize)
		if _, err := io.ReadFull(rand.Reader, contentKey); err != nil {
			return PacketEnvelope{}, fmt.Errorf("%w: generate content key: %v", syncerr.ErrCrypto, err)
		}
		if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
			return PacketEnvelope{}, fmt.Errorf("%w: generate envelope nonce: %v", syncerr.ErrCrypto, err)
		}

		sealedKeys = make([]profilekeys.SealedKey, 0, len(recipients))
		for _, recipient := range recipients {
			sk, err := profilekeys.SealKeyFor(recipient, contentKey)
			if err != nil {
				return PacketEnvelope{}, err
			}
			sealedKeys = append(sealedKeys, sk)
		}

		aead, err := chacha20poly1305.New(contentKey)
		if err != nil {
			return PacketEnvelope{}, fmt.Errorf("%w: build envelope aead: %v", syncerr.ErrCrypto, err)
		}
		ciphertext = aead.Seal(nil, nonce[:], payloadBytes, nil)
	}

	signPayload := buildSignPayload(header, recipientDIDs(sealedKeys), nonce[:], ciphertext)
	sig, err := sender.Sign(signPayload)
	if err != nil {
		return PacketEnvelope{}, err
	}

	return PacketEnvelope{
		Header:     header,
		SealedKeys: sealedKeys,
		Nonce:      nonce,
		Ciphertext: ciphertext,
		Signature:  sig,
	}, nil
}

// Verify checks that pub's DID matches the envelope's claimed sender and
// that the hybrid signature covers the recomputed sign payload (spec.md
// §4.3 "Verify").
func Verify(e PacketEnvelope, pub identity.PublicBundle) bool {
	did, err := pub.DID()
	if err != nil || did != e.Header.Sender {
		return false
	}
	sp := buildSignPayload(e.Header, recipientDIDs(e.SealedKeys), e.Nonce[:], e.Ciphertext)
	return identity.Verify(pub, sp, e.Signature)
}

// Open decrypts and deserializes an envelope's payload. For global
// envelopes (no sealed keys) myKeys may be nil. Returns
// syncerr.ErrNotARecipient if no sealed key addresses myKeys, and
// syncerr.ErrDecryptionFailed if the AEAD tag fails to verify.
func Open(e PacketEnvelope, myKeys *profilekeys.ProfileKeys) (PacketPayload, error) {
	if len(e.SealedKeys) == 0 {
		return DecodePayload(e.Ciphertext)
	}
	if myKeys == nil {
		return nil, syncerr.ErrNotARecipient
	}

	myDID, err := myKeys.DID()
	if err != nil {
		return nil, err
	}
	sealed, ok := profilekeys.FindSealedKeyFor(e.SealedKeys, myDID)
	if !ok {
		return nil, syncerr.ErrNotARecipient
	}

	contentKey, err := profilekeys.UnsealKey(myKeys, sealed)
	if err != nil {
		return nil, err
	}

	aead, err := chacha20poly1305.New(contentKey)
	if err != nil {
		return nil, fmt.Errorf("%w: open envelope aead: %v", syncerr.ErrCrypto, err)
	}
	plaintext, err := aead.Open(nil, e.Nonce[:], e.Ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: decrypt envelope payload: %v", syncerr.ErrDecryptionFailed, err)
	}
	return DecodePayload(plaintext)
}

// CanonicalBytes returns the deterministic serialization of the full
// envelope, used both for hashing and for wire transmission.
func (e PacketEnvelope) CanonicalBytes() ([]byte, error) {
	out, err := canonicalEncMode.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal envelope: %v", syncerr.ErrSerialization, err)
	}
	return out, nil
}

// Hash returns the BLAKE3 hash of the envelope's canonical serialization,
// used as the next packet's prev_hash (spec.md §3 "Hash").
func (e PacketEnvelope) Hash() ([32]byte, error) {
	data, err := e.CanonicalBytes()
	if err != nil {
		return [32]byte{}, err
	}
	return blake3Sum(data), nil
}

// Decode parses the wire format produced by CanonicalBytes.
func Decode(data []byte) (PacketEnvelope, error) {
	var e PacketEnvelope
	if err := unmarshalCanonical(data, &e); err != nil {
		return PacketEnvelope{}, fmt.Errorf("%w: unmarshal envelope: %v", syncerr.ErrSerialization, err)
	}
	return e, nil
}

func recipientDIDs(keys []profilekeys.SealedKey) []string {
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = k.Recipient
	}
	return out
}

// buildSignPayload reproduces spec.md §4.3 step 5: the canonical concat
// of sender_did, sequence, prev_hash, timestamp, the recipient DIDs of
// sealed_keys (not the key material itself), nonce, and ciphertext.
func buildSignPayload(h Header, recipientDIDs []string, nonce, ciphertext []byte) []byte {
	buf := make([]byte, 0, 128+len(ciphertext))
	buf = appendLP(buf, []byte(h.Sender))
	var seq [8]byte
	binary.BigEndian.PutUint64(seq[:], h.Sequence)
	buf = append(buf, seq[:]...)
	buf = append(buf, h.PrevHash[:]...)
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(h.TimestampMs))
	buf = append(buf, ts[:]...)

	var count [4]byte
	binary.BigEndian.PutUint32(count[:], uint32(len(recipientDIDs)))
	buf = append(buf, count[:]...)
	for _, did := range recipientDIDs {
		buf = appendLP(buf, []byte(did))
	}

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
