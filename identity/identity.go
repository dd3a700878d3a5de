// Package identity implements the node's long-lived hybrid signing
// identity: classical Ed25519 composed with post-quantum ML-DSA-65, per
// spec.md §4.1. A HybridSignature only verifies when both halves verify,
// so compromising either scheme alone never forges a signature.
package identity

import (
	"crypto"
	"crypto/rand"
	"encoding"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/cloudflare/circl/sign"
	"github.com/cloudflare/circl/sign/mldsa/mldsa65"
	"github.com/mr-tron/base58"
	"golang.org/x/crypto/ed25519"

	"github.com/trumanellis/syncengine/syncerr"
)

// Scheme is the post-quantum signature scheme used alongside Ed25519.
var Scheme = mldsa65.Scheme()

var signOpts = &sign.SignatureOpts{}

// DIDPrefix is prepended to the base58-encoded public bundle to form a DID.
const DIDPrefix = "did:sync:z"

// PublicBundle is the exported, verifiable half of a HybridKeypair.
type PublicBundle struct {
	Ed25519 ed25519.PublicKey
	MLDSA65 sign.PublicKey
}

// Bytes returns the canonical, length-prefixed serialization of the bundle:
// uint16(len(ed25519)) || ed25519 || uint16(len(mldsa65)) || mldsa65.
func (b PublicBundle) Bytes() ([]byte, error) {
	pq, err := marshalBinary(b.MLDSA65)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal mldsa65 public key: %v", syncerr.ErrIdentityMalformed, err)
	}
	out := make([]byte, 0, 4+len(b.Ed25519)+len(pq))
	out = appendLP(out, b.Ed25519)
	out = appendLP(out, pq)
	return out, nil
}

// PublicBundleFromBytes parses the format produced by Bytes.
func PublicBundleFromBytes(data []byte) (PublicBundle, error) {
	ed, rest, err := readLP(data)
	if err != nil {
		return PublicBundle{}, fmt.Errorf("%w: %v", syncerr.ErrIdentityMalformed, err)
	}
	pq, rest, err := readLP(rest)
	if err != nil {
		return PublicBundle{}, fmt.Errorf("%w: %v", syncerr.ErrIdentityMalformed, err)
	}
	if len(rest) != 0 {
		return PublicBundle{}, fmt.Errorf("%w: trailing bytes in public bundle", syncerr.ErrIdentityMalformed)
	}
	if len(ed) != ed25519.PublicKeySize {
		return PublicBundle{}, fmt.Errorf("%w: bad ed25519 public key length %d", syncerr.ErrIdentityMalformed, len(ed))
	}
	pqKey, err := Scheme.UnmarshalBinaryPublicKey(pq)
	if err != nil {
		return PublicBundle{}, fmt.Errorf("%w: unmarshal mldsa65 public key: %v", syncerr.ErrIdentityMalformed, err)
	}
	return PublicBundle{Ed25519: ed25519.PublicKey(ed), MLDSA65: pqKey}, nil
}

// DID derives the node's decentralized identifier, deterministic in the
// public keys (spec.md §3: "did:sync:z<base58(public_bundle)>").
func (b PublicBundle) DID() (string, error) {
	raw, err := b.Bytes()
	if err != nil {
		return "", err
	}
	return DIDPrefix + base58.Encode(raw), nil
}

// Base58 renders the bundle as a bare base58 string (no DID prefix); the
// default export format per spec.md §4.1.
func (b PublicBundle) Base58() (string, error) {
	raw, err := b.Bytes()
	if err != nil {
		return "", err
	}
	return base58.Encode(raw), nil
}

// Hex renders the bundle as a hex string, an alternate export format.
func (b PublicBundle) Hex() (string, error) {
	raw, err := b.Bytes()
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(raw), nil
}

// ExportedIdentity is the JSON export bundle from spec.md §4.1.
type ExportedIdentity struct {
	DID             string `json:"did"`
	PublicKeyBase58 string `json:"public_key_base58"`
}

// JSON renders the bundle's JSON export form.
func (b PublicBundle) JSON() ([]byte, error) {
	did, err := b.DID()
	if err != nil {
		return nil, err
	}
	b58, err := b.Base58()
	if err != nil {
		return nil, err
	}
	return json.Marshal(ExportedIdentity{DID: did, PublicKeyBase58: b58})
}

// HybridSignature is a length-prefixed concatenation of an Ed25519
// signature and an ML-DSA-65 signature over the same message. Both halves
// must verify for Verify to return true.
type HybridSignature struct {
	Ed25519 []byte `cbor:"1,keyasint"`
	MLDSA65 []byte `cbor:"2,keyasint"`
}

// Bytes returns the canonical encoding: uint16(len(ed)) || ed || uint16(len(pq)) || pq.
func (s HybridSignature) Bytes() []byte {
	out := make([]byte, 0, 4+len(s.Ed25519)+len(s.MLDSA65))
	out = appendLP(out, s.Ed25519)
	out = appendLP(out, s.MLDSA65)
	return out
}

// HybridSignatureFromBytes parses the format produced by Bytes. It never
// panics; malformed input yields an error, and callers that only care
// about "is this a valid signature" should treat any error as a failed
// verification rather than propagating it as an identity error.
func HybridSignatureFromBytes(data []byte) (HybridSignature, error) {
	ed, rest, err := readLP(data)
	if err != nil {
		return HybridSignature{}, err
	}
	pq, rest, err := readLP(rest)
	if err != nil {
		return HybridSignature{}, err
	}
	if len(rest) != 0 {
		return HybridSignature{}, fmt.Errorf("trailing bytes in hybrid signature")
	}
	return HybridSignature{Ed25519: ed, MLDSA65: pq}, nil
}

// HybridKeypair is a node's long-lived identity: an Ed25519 keypair
// composed with an ML-DSA-65 keypair. It is generated once at first
// launch and never rotated silently (spec.md §3).
type HybridKeypair struct {
	edPub   ed25519.PublicKey
	edPriv  ed25519.PrivateKey
	pqPub   sign.PublicKey
	pqPriv  sign.PrivateKey
}

// Generate creates a fresh hybrid keypair.
func Generate() (*HybridKeypair, error) {
	edPub, edPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("%w: generate ed25519 key: %v", syncerr.ErrCrypto, err)
	}
	pqPub, pqPriv, err := Scheme.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("%w: generate mldsa65 key: %v", syncerr.ErrCrypto, err)
	}
	return &HybridKeypair{edPub: edPub, edPriv: edPriv, pqPub: pqPub, pqPriv: pqPriv}, nil
}

// PublicKey returns the exportable public half.
func (k *HybridKeypair) PublicKey() PublicBundle {
	return PublicBundle{Ed25519: k.edPub, MLDSA65: k.pqPub}
}

// DID returns this identity's decentralized identifier.
func (k *HybridKeypair) DID() (string, error) {
	return k.PublicKey().DID()
}

// Sign produces a hybrid signature over msg using both private keys.
func (k *HybridKeypair) Sign(msg []byte) (HybridSignature, error) {
	edSig := ed25519.Sign(k.edPriv, msg)
	pqSig, err := Scheme.Sign(k.pqPriv, msg, signOpts)
	if err != nil {
		return HybridSignature{}, fmt.Errorf("%w: mldsa65 sign: %v", syncerr.ErrCrypto, err)
	}
	return HybridSignature{Ed25519: edSig, MLDSA65: pqSig}, nil
}

// SignEd25519 signs msg with only the classical half of the identity,
// used where the hybrid signature's post-quantum half would make the
// artifact too large to be practical (spec.md §4.8.1: invites stay
// QR-sized by signing Ed25519-only; hybrid signatures are reserved for
// long-term artifacts).
func (k *HybridKeypair) SignEd25519(msg []byte) []byte {
	return ed25519.Sign(k.edPriv, msg)
}

// VerifyEd25519 checks an Ed25519-only signature produced by SignEd25519
// against the Ed25519 half of a public bundle. Never panics: a wrong
// signature length simply verifies false.
func VerifyEd25519(pub ed25519.PublicKey, msg, sig []byte) bool {
	if len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pub, msg, sig)
}

// Verify checks a hybrid signature against a public bundle. It never
// panics — malformed signature bytes (wrong lengths, garbage) simply
// verify false, matching spec.md §4.1's failure-mode requirement.
func Verify(pub PublicBundle, msg []byte, sig HybridSignature) bool {
	if len(sig.Ed25519) != ed25519.SignatureSize {
		return false
	}
	if !ed25519.Verify(pub.Ed25519, msg, sig.Ed25519) {
		return false
	}
	if pub.MLDSA65 == nil {
		return false
	}
	return Scheme.Verify(pub.MLDSA65, msg, sig.MLDSA65, signOpts)
}

// Bytes serializes the full keypair (public and private material) for
// persistence. Format: uint16(len(edPriv)) || edPriv || uint16(len(pqPriv)) || pqPriv.
// Public keys are re-derivable from the private keys at load time via
// FromBytes, keeping the on-disk form minimal.
func (k *HybridKeypair) Bytes() ([]byte, error) {
	pqPriv, err := marshalBinary(k.pqPriv)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal mldsa65 private key: %v", syncerr.ErrIdentityMalformed, err)
	}
	out := make([]byte, 0, 4+len(k.edPriv)+len(pqPriv))
	out = appendLP(out, k.edPriv)
	out = appendLP(out, pqPriv)
	return out, nil
}

// FromBytes reconstructs a keypair from the format produced by Bytes.
func FromBytes(data []byte) (*HybridKeypair, error) {
	edPrivBytes, rest, err := readLP(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", syncerr.ErrIdentityMalformed, err)
	}
	pqPrivBytes, rest, err := readLP(rest)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", syncerr.ErrIdentityMalformed, err)
	}
	if len(rest) != 0 {
		return nil, fmt.Errorf("%w: trailing bytes in identity", syncerr.ErrIdentityMalformed)
	}
	if len(edPrivBytes) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("%w: bad ed25519 private key length %d", syncerr.ErrIdentityMalformed, len(edPrivBytes))
	}
	edPriv := ed25519.PrivateKey(edPrivBytes)
	pqPriv, err := Scheme.UnmarshalBinaryPrivateKey(pqPrivBytes)
	if err != nil {
		return nil, fmt.Errorf("%w: unmarshal mldsa65 private key: %v", syncerr.ErrIdentityMalformed, err)
	}
	edPub := make([]byte, ed25519.PublicKeySize)
	copy(edPub, edPriv[ed25519.PublicKeySize:])
	pqPub, err := publicFromPrivate(pqPriv)
	if err != nil {
		return nil, fmt.Errorf("%w: derive mldsa65 public key: %v", syncerr.ErrIdentityMalformed, err)
	}
	return &HybridKeypair{
		edPub:  ed25519.PublicKey(edPub),
		edPriv: edPriv,
		pqPub:  pqPub,
		pqPriv: pqPriv,
	}, nil
}

// publicFromPrivate recovers the public key half of a circl sign.PrivateKey.
// Concrete circl key types implement crypto.Signer, whose Public method
// returns the matching public key.
func publicFromPrivate(sk sign.PrivateKey) (sign.PublicKey, error) {
	signer, ok := sk.(interface{ Public() crypto.PublicKey })
	if !ok {
		return nil, fmt.Errorf("private key type %T does not expose Public()", sk)
	}
	pub, ok := signer.Public().(sign.PublicKey)
	if !ok {
		return nil, fmt.Errorf("unexpected public key type from %T", sk)
	}
	return pub, nil
}

func appendLP(dst, field []byte) []byte {
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(field)))
	dst = append(dst, lenBuf[:]...)
	return append(dst, field...)
}

func readLP(data []byte) (field, rest []byte, err error) {
	if len(data) < 2 {
		return nil, nil, fmt.Errorf("truncated length prefix")
	}
	n := int(binary.BigEndian.Uint16(data))
	data = data[2:]
	if len(data) < n {
		return nil, nil, fmt.Errorf("truncated field: want %d bytes, have %d", n, len(data))
	}
	return data[:n], data[n:], nil
}

func marshalBinary(v interface{}) ([]byte, error) {
	m, ok := v.(encoding.BinaryMarshaler)
	if !ok {
		return nil, fmt.Errorf("type %T does not implement encoding.BinaryMarshaler", v)
	}
	return m.MarshalBinary()
}
