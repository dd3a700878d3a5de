package contact

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/DataDog/zstd"
	"github.com/fxamacker/cbor/v2"

	"github.com/trumanellis/syncengine/identity"
	"github.com/trumanellis/syncengine/syncerr"
	"github.com/trumanellis/syncengine/syncmsg"
)

// InvitePrefix marks an encoded invite string (spec.md §6.1).
const InvitePrefix = "sync-contact:"

// MaxInviteExpiryHours caps how far in the future an invite's expiry may
// be set (spec.md §4.8.1).
const MaxInviteExpiryHours = 168

const zstdLevel = 3

// inviteVersion discriminates the two wire formats an encoded invite may
// carry (spec.md §4.8.2): v1 is the legacy, signature-embedded
// PeerContactInvite; v2 is the compact HybridContactInvite this engine
// generates.
type inviteVersion uint8

const (
	inviteV1 inviteVersion = 1
	inviteV2 inviteVersion = 2
)

// InviteV2 is the compact invite this engine generates (spec.md §6.1).
// Its signature is Ed25519-only and the inviter's public key is not
// embedded, keeping the encoded string small enough to fit a QR code;
// full cryptographic verification is deferred to the profile fetch that
// follows contact acceptance.
type InviteV2 struct {
	Version     uint8            `cbor:"1,keyasint"`
	InviteID    [16]byte         `cbor:"2,keyasint"`
	InviterDID  string           `cbor:"3,keyasint"`
	NodeAddr    syncmsg.NodeAddr `cbor:"4,keyasint"`
	DisplayName string           `cbor:"5,keyasint"`
	CreatedAt   int64            `cbor:"6,keyasint"`
	ExpiresAt   int64            `cbor:"7,keyasint"`
	Signature   []byte           `cbor:"8,keyasint"`
}

// Expired reports whether the invite's validity window has passed.
func (i InviteV2) Expired(now int64) bool { return now >= i.ExpiresAt }

// SignPayload returns the canonical bytes InviteV2's signature covers
// (spec.md §4.8.1): version ‖ invite_id ‖ inviter_did ‖ node_addr ‖
// display_name ‖ created_at ‖ expires_at.
func (i InviteV2) SignPayload() ([]byte, error) {
	addr, err := cbor.Marshal(i.NodeAddr)
	if err != nil {
		return nil, err
	}
	var buf []byte
	buf = append(buf, i.Version)
	buf = append(buf, i.InviteID[:]...)
	buf = appendLP(buf, []byte(i.InviterDID))
	buf = appendLP(buf, addr)
	buf = appendLP(buf, []byte(i.DisplayName))
	buf = appendInt64(buf, i.CreatedAt)
	buf = appendInt64(buf, i.ExpiresAt)
	return buf, nil
}

// InviteV1 is the legacy format: it embeds the inviter's full hybrid
// public key and a hybrid signature, making it larger but
// self-verifying without a follow-up profile fetch.
type InviteV1 struct {
	Version          uint8                    `cbor:"1,keyasint"`
	InviteID         [16]byte                 `cbor:"2,keyasint"`
	InviterDID       string                   `cbor:"3,keyasint"`
	NodeAddr         syncmsg.NodeAddr         `cbor:"4,keyasint"`
	DisplayName      string                   `cbor:"5,keyasint"`
	CreatedAt        int64                    `cbor:"6,keyasint"`
	ExpiresAt        int64                    `cbor:"7,keyasint"`
	InviterPublicKey identity.PublicBundle    `cbor:"8,keyasint"`
	Signature        identity.HybridSignature `cbor:"9,keyasint"`
}

// Expired reports whether the invite's validity window has passed.
func (i InviteV1) Expired(now int64) bool { return now >= i.ExpiresAt }

func (i InviteV1) signPayload() ([]byte, error) {
	addr, err := cbor.Marshal(i.NodeAddr)
	if err != nil {
		return nil, err
	}
	var buf []byte
	buf = append(buf, i.Version)
	buf = append(buf, i.InviteID[:]...)
	buf = appendLP(buf, []byte(i.InviterDID))
	buf = appendLP(buf, addr)
	buf = appendLP(buf, []byte(i.DisplayName))
	buf = appendInt64(buf, i.CreatedAt)
	buf = appendInt64(buf, i.ExpiresAt)
	return buf, nil
}

// VerifyV1 checks a legacy invite's embedded hybrid signature.
func VerifyV1(i InviteV1) bool {
	payload, err := i.signPayload()
	if err != nil {
		return false
	}
	return identity.Verify(i.InviterPublicKey, payload, i.Signature)
}

func appendLP(dst, field []byte) []byte {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(field)))
	dst = append(dst, lenBuf[:]...)
	return append(dst, field...)
}

func appendInt64(dst []byte, v int64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(v))
	return append(dst, buf[:]...)
}

// GenerateInvite builds, signs, and encodes a v2 invite (spec.md §4.8.1).
// expiryHours is capped at MaxInviteExpiryHours.
func GenerateInvite(signer *identity.HybridKeypair, nodeAddr syncmsg.NodeAddr, displayName string, expiryHours int64, now int64) (InviteV2, string, error) {
	if expiryHours > MaxInviteExpiryHours {
		expiryHours = MaxInviteExpiryHours
	}
	if expiryHours <= 0 {
		expiryHours = MaxInviteExpiryHours
	}

	inviterDID, err := signer.DID()
	if err != nil {
		return InviteV2{}, "", err
	}

	var id [16]byte
	if _, err := rand.Read(id[:]); err != nil {
		return InviteV2{}, "", fmt.Errorf("%w: generate invite id: %v", syncerr.ErrCrypto, err)
	}

	invite := InviteV2{
		Version:     uint8(inviteV2),
		InviteID:    id,
		InviterDID:  inviterDID,
		NodeAddr:    nodeAddr,
		DisplayName: displayName,
		CreatedAt:   now,
		ExpiresAt:   now + expiryHours*3600,
	}

	payload, err := invite.SignPayload()
	if err != nil {
		return InviteV2{}, "", err
	}
	invite.Signature = signer.SignEd25519(payload)

	encoded, err := EncodeInvite(invite)
	if err != nil {
		return InviteV2{}, "", err
	}
	return invite, encoded, nil
}

// EncodeInvite serializes, compresses, and encodes a v2 invite into its
// wire string form (spec.md §6.1).
func EncodeInvite(invite InviteV2) (string, error) {
	raw, err := canonicalEncMode.Marshal(invite)
	if err != nil {
		return "", fmt.Errorf("%w: marshal invite: %v", syncerr.ErrSerialization, err)
	}
	compressed, err := zstd.CompressLevel(nil, raw, zstdLevel)
	if err != nil {
		return "", fmt.Errorf("%w: compress invite: %v", syncerr.ErrSerialization, err)
	}
	return InvitePrefix + base64.RawURLEncoding.EncodeToString(compressed), nil
}

// Invite is satisfied by both invite wire versions.
type Invite interface {
	Expired(now int64) bool
}

// DecodeInvite strips the prefix, decodes, decompresses, and dispatches
// on the embedded version byte (spec.md §4.8.2). It returns exactly one
// of (*InviteV1, nil) or (*InviteV2, nil) through the two named return
// values so callers can switch without a type assertion on an
// interface{}.
func DecodeInvite(s string) (*InviteV1, *InviteV2, error) {
	if !strings.HasPrefix(s, InvitePrefix) {
		return nil, nil, fmt.Errorf("%w: missing invite prefix", syncerr.ErrInvalidInvite)
	}
	compressed, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(s, InvitePrefix))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: base64 decode invite: %v", syncerr.ErrInvalidInvite, err)
	}
	raw, err := zstd.Decompress(nil, compressed)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: zstd decode invite: %v", syncerr.ErrInvalidInvite, err)
	}
	if len(raw) == 0 {
		return nil, nil, fmt.Errorf("%w: empty invite payload", syncerr.ErrInvalidInvite)
	}

	var head struct {
		Version uint8 `cbor:"1,keyasint"`
	}
	if err := cbor.Unmarshal(raw, &head); err != nil {
		return nil, nil, fmt.Errorf("%w: unmarshal invite version: %v", syncerr.ErrInvalidInvite, err)
	}

	switch inviteVersion(head.Version) {
	case inviteV1:
		var v1 InviteV1
		if err := cbor.Unmarshal(raw, &v1); err != nil {
			return nil, nil, fmt.Errorf("%w: unmarshal v1 invite: %v", syncerr.ErrInvalidInvite, err)
		}
		return &v1, nil, nil
	case inviteV2:
		var v2 InviteV2
		if err := cbor.Unmarshal(raw, &v2); err != nil {
			return nil, nil, fmt.Errorf("%w: unmarshal v2 invite: %v", syncerr.ErrInvalidInvite, err)
		}
		if len(v2.Signature) != 64 {
			return nil, nil, fmt.Errorf("%w: v2 signature length %d != 64", syncerr.ErrInvalidInvite, len(v2.Signature))
		}
		return nil, &v2, nil
	default:
		return nil, nil, fmt.Errorf("%w: unknown invite version %d", syncerr.ErrInvalidInvite, head.Version)
	}
}
