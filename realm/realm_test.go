package realm

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/trumanellis/syncengine/syncerr"
)

func TestNewIDIsRandomAndUnique(t *testing.T) {
	a, err := NewID()
	require.NoError(t, err)
	b, err := NewID()
	require.NoError(t, err)
	require.NotEqual(t, a, b)
}

func TestNewKeyIsRandomAndUnique(t *testing.T) {
	a, err := NewKey()
	require.NoError(t, err)
	b, err := NewKey()
	require.NoError(t, err)
	require.NotEqual(t, a, b)
}

func TestIsReservedNameIsCaseInsensitive(t *testing.T) {
	for _, name := range []string{"Private", "private", "PRIVATE", "pRiVaTe"} {
		require.True(t, IsReservedName(name), name)
	}
	require.False(t, IsReservedName("privates"))
	require.False(t, IsReservedName("My Realm"))
}

func TestNewInfoRejectsReservedNameByDefault(t *testing.T) {
	for _, name := range []string{"Private", "private", "PRIVATE"} {
		_, err := NewInfo(name, 1000, false)
		require.ErrorIs(t, err, syncerr.ErrPrivateRealmOperation)
	}
}

func TestNewInfoAllowsReservedNameWhenExplicit(t *testing.T) {
	info, err := NewInfo("Private", 1000, true)
	require.NoError(t, err)
	require.Equal(t, "Private", info.Name)
}

func TestNewInfoAcceptsOrdinaryNames(t *testing.T) {
	info, err := NewInfo("Family Docs", 1000, false)
	require.NoError(t, err)
	require.Equal(t, "Family Docs", info.Name)
	require.Equal(t, int64(1000), info.CreatedAt)
}
