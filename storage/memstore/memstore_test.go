package memstore

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/trumanellis/syncengine/storage"
)

func TestPutGetDelete(t *testing.T) {
	s := New()

	err := s.Update(func(tx storage.Tx) error {
		tbl, err := tx.Table("realms")
		require.NoError(t, err)
		return tbl.Put([]byte("realm-a"), []byte("payload"))
	})
	require.NoError(t, err)

	err = s.View(func(tx storage.Tx) error {
		tbl, err := tx.Table("realms")
		require.NoError(t, err)
		ok, err := tbl.Has([]byte("realm-a"))
		require.NoError(t, err)
		require.True(t, ok)
		v, err := tbl.Get([]byte("realm-a"))
		require.NoError(t, err)
		require.Equal(t, []byte("payload"), v)
		return nil
	})
	require.NoError(t, err)

	err = s.Update(func(tx storage.Tx) error {
		tbl, err := tx.Table("realms")
		require.NoError(t, err)
		return tbl.Delete([]byte("realm-a"))
	})
	require.NoError(t, err)

	err = s.View(func(tx storage.Tx) error {
		tbl, err := tx.Table("realms")
		require.NoError(t, err)
		ok, err := tbl.Has([]byte("realm-a"))
		require.NoError(t, err)
		require.False(t, ok)
		return nil
	})
	require.NoError(t, err)
}

func TestIterateReturnsSortedPrefixMatches(t *testing.T) {
	s := New()

	err := s.Update(func(tx storage.Tx) error {
		tbl, err := tx.Table("packets_for_recipient")
		require.NoError(t, err)
		require.NoError(t, tbl.Put([]byte("did:b:02"), []byte("2")))
		require.NoError(t, tbl.Put([]byte("did:a:01"), []byte("1")))
		require.NoError(t, tbl.Put([]byte("did:a:00"), []byte("0")))
		require.NoError(t, tbl.Put([]byte("other:prefix"), []byte("x")))
		return nil
	})
	require.NoError(t, err)

	var keys []string
	err = s.View(func(tx storage.Tx) error {
		tbl, err := tx.Table("packets_for_recipient")
		require.NoError(t, err)
		return tbl.Iterate([]byte("did:a:"), func(key, value []byte) error {
			keys = append(keys, string(key))
			return nil
		})
	})
	require.NoError(t, err)
	require.Equal(t, []string{"did:a:00", "did:a:01"}, keys)
}

func TestFailedUpdateStillAppliesPartialWrites(t *testing.T) {
	// memstore has no rollback-on-error: Update's contract is "runs fn
	// under the write lock", not "atomically discards fn's writes on
	// error". Callers needing atomic failure must check results within fn
	// before writing. This test documents that behavior explicitly.
	s := New()
	errBoom := errors.New("boom")

	err := s.Update(func(tx storage.Tx) error {
		tbl, err := tx.Table("realms")
		require.NoError(t, err)
		require.NoError(t, tbl.Put([]byte("k"), []byte("v")))
		return errBoom
	})
	require.ErrorIs(t, err, errBoom)

	_ = s.View(func(tx storage.Tx) error {
		tbl, err := tx.Table("realms")
		require.NoError(t, err)
		ok, err := tbl.Has([]byte("k"))
		require.NoError(t, err)
		require.True(t, ok)
		return nil
	})
}
