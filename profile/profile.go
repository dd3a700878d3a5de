// Package profile implements spec.md §4.9: ProfileSync, the broadcast
// and auto-pinning of SignedProfile announcements across a node's own
// profile topic and every active 1:1 contact topic.
package profile

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/trumanellis/syncengine/identity"
	"github.com/trumanellis/syncengine/profilekeys"
	"github.com/trumanellis/syncengine/syncerr"
)

// Profile is the user-editable content of a SignedProfile (spec.md §3).
type Profile struct {
	DisplayName  string `cbor:"1,keyasint"`
	Subtitle     string `cbor:"2,keyasint"`
	Bio          string `cbor:"3,keyasint"`
	AvatarBlobID string `cbor:"4,keyasint,omitempty"`
}

// SignedProfile is a Profile plus the signer's public bundle and a
// hybrid signature over the canonical profile bytes (spec.md §3).
// Embedding the public bundle lets a first-time recipient verify the
// signature without a prior handshake; whether to trust an unknown
// signer at all is a policy decision made by the caller (spec.md §4.9
// "Signature verification policy").
type SignedProfile struct {
	Profile   Profile                  `cbor:"1,keyasint"`
	PublicKey profilekeys.PublicBundle `cbor:"2,keyasint"`
	Signature identity.HybridSignature `cbor:"3,keyasint"`
}

// DID returns the signer's DID, derived from the embedded public bundle.
func (sp SignedProfile) DID() (string, error) {
	return sp.PublicKey.DID()
}

// BuildSignedProfile signs p with keys, embedding the signer's public
// bundle (spec.md §3: "a hybrid signature over the canonical profile
// bytes").
func BuildSignedProfile(keys *profilekeys.ProfileKeys, p Profile) (SignedProfile, error) {
	payload, err := canonicalEncMode.Marshal(p)
	if err != nil {
		return SignedProfile{}, fmt.Errorf("%w: marshal profile: %v", syncerr.ErrSerialization, err)
	}
	sig, err := keys.Sign(payload)
	if err != nil {
		return SignedProfile{}, err
	}
	return SignedProfile{Profile: p, PublicKey: keys.PublicKey(), Signature: sig}, nil
}

// Verify checks sp's signature against its own embedded public bundle.
// It does not check that the bundle belongs to any particular DID —
// callers compare sp.DID() against whatever sender they expected
// separately (spec.md §4.9 "verify signature").
func Verify(sp SignedProfile) bool {
	payload, err := canonicalEncMode.Marshal(sp.Profile)
	if err != nil {
		return false
	}
	return profilekeys.Verify(sp.PublicKey, payload, sp.Signature)
}

// EncodeSignedProfile serializes sp canonically, the form embedded in
// envelope.ProfileUpdatePayload.SignedProfileBytes and the gossip
// message's Announce variant.
func EncodeSignedProfile(sp SignedProfile) ([]byte, error) {
	out, err := canonicalEncMode.Marshal(sp)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal signed profile: %v", syncerr.ErrSerialization, err)
	}
	return out, nil
}

// DecodeSignedProfile parses the format produced by EncodeSignedProfile.
func DecodeSignedProfile(data []byte) (SignedProfile, error) {
	var sp SignedProfile
	if err := cbor.Unmarshal(data, &sp); err != nil {
		return SignedProfile{}, fmt.Errorf("%w: unmarshal signed profile: %v", syncerr.ErrSerialization, err)
	}
	return sp, nil
}
