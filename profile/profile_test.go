package profile

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/trumanellis/syncengine/identity"
	"github.com/trumanellis/syncengine/profilekeys"
)

func newTestProfileKeys(t *testing.T) *profilekeys.ProfileKeys {
	t.Helper()
	id, err := identity.Generate()
	require.NoError(t, err)
	pk, err := profilekeys.Derive(id)
	require.NoError(t, err)
	return pk
}

func TestBuildSignedProfileVerifies(t *testing.T) {
	pk := newTestProfileKeys(t)
	p := Profile{DisplayName: "Jess", Subtitle: "builder", Bio: "makes things"}

	sp, err := BuildSignedProfile(pk, p)
	require.NoError(t, err)
	require.True(t, Verify(sp))

	did, err := sp.DID()
	require.NoError(t, err)
	wantDID, err := pk.DID()
	require.NoError(t, err)
	require.Equal(t, wantDID, did)
}

func TestVerifyRejectsTamperedProfile(t *testing.T) {
	pk := newTestProfileKeys(t)
	sp, err := BuildSignedProfile(pk, Profile{DisplayName: "Jess"})
	require.NoError(t, err)

	sp.Profile.DisplayName = "Mallory"
	require.False(t, Verify(sp))
}

func TestEncodeDecodeSignedProfileRoundTrip(t *testing.T) {
	pk := newTestProfileKeys(t)
	sp, err := BuildSignedProfile(pk, Profile{DisplayName: "Jess", Bio: "hello"})
	require.NoError(t, err)

	wire, err := EncodeSignedProfile(sp)
	require.NoError(t, err)

	got, err := DecodeSignedProfile(wire)
	require.NoError(t, err)
	require.Equal(t, sp.Profile, got.Profile)
	require.True(t, Verify(got))
}
