package mirror

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/trumanellis/syncengine/envelope"
	"github.com/trumanellis/syncengine/identity"
	"github.com/trumanellis/syncengine/profilekeys"
	"github.com/trumanellis/syncengine/storage/memstore"
)

func newSender(t *testing.T) *profilekeys.ProfileKeys {
	t.Helper()
	id, err := identity.Generate()
	require.NoError(t, err)
	pk, err := profilekeys.Derive(id)
	require.NoError(t, err)
	return pk
}

func newStore() *Store {
	return New(memstore.New(), nil)
}

func TestStorePacketThenGetPacketAndHead(t *testing.T) {
	sender := newSender(t)
	store := newStore()

	e, err := envelope.Build(sender, 0, [32]byte{}, 1, envelope.HeartbeatPayload{TimestampMs: 1}, nil)
	require.NoError(t, err)
	require.NoError(t, store.StorePacket(e))

	did, err := sender.DID()
	require.NoError(t, err)

	got, err := store.GetPacket(did, 0)
	require.NoError(t, err)
	require.NotNil(t, got)

	head, ok, err := store.GetHead(did)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(0), head)
}

func TestStorePacketIsIdempotent(t *testing.T) {
	sender := newSender(t)
	store := newStore()

	e, err := envelope.Build(sender, 0, [32]byte{}, 1, envelope.HeartbeatPayload{TimestampMs: 1}, nil)
	require.NoError(t, err)
	require.NoError(t, store.StorePacket(e))
	require.NoError(t, store.StorePacket(e))
}

func TestStorePacketDetectsFork(t *testing.T) {
	sender := newSender(t)
	store := newStore()

	original, err := envelope.Build(sender, 0, [32]byte{}, 1, envelope.HeartbeatPayload{TimestampMs: 1}, nil)
	require.NoError(t, err)
	require.NoError(t, store.StorePacket(original))

	conflicting, err := envelope.Build(sender, 0, [32]byte{}, 999, envelope.HeartbeatPayload{TimestampMs: 999}, nil)
	require.NoError(t, err)

	err = store.StorePacket(conflicting)
	var fork *Fork
	require.ErrorAs(t, err, &fork)
	require.Equal(t, uint64(0), fork.Sequence)

	did, err := sender.DID()
	require.NoError(t, err)
	got, err := store.GetPacket(did, 0)
	require.NoError(t, err)
	originalHash, err := original.Hash()
	require.NoError(t, err)
	gotHash, err := got.Hash()
	require.NoError(t, err)
	require.Equal(t, originalHash, gotHash)
}

func TestHeadIsMonotone(t *testing.T) {
	sender := newSender(t)
	store := newStore()
	did, err := sender.DID()
	require.NoError(t, err)

	var prevHash [32]byte
	for seq := uint64(0); seq < 5; seq++ {
		e, err := envelope.Build(sender, seq, prevHash, int64(seq), envelope.HeartbeatPayload{TimestampMs: int64(seq)}, nil)
		require.NoError(t, err)
		require.NoError(t, store.StorePacket(e))
		h, err := e.Hash()
		require.NoError(t, err)
		prevHash = h

		head, ok, err := store.GetHead(did)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, seq, head)
	}
}

func TestGetSinceExcludesFromGetAllIncludesZero(t *testing.T) {
	sender := newSender(t)
	store := newStore()
	did, err := sender.DID()
	require.NoError(t, err)

	var prevHash [32]byte
	for seq := uint64(0); seq < 4; seq++ {
		e, err := envelope.Build(sender, seq, prevHash, int64(seq), envelope.HeartbeatPayload{TimestampMs: int64(seq)}, nil)
		require.NoError(t, err)
		require.NoError(t, store.StorePacket(e))
		h, err := e.Hash()
		require.NoError(t, err)
		prevHash = h
	}

	all, err := store.GetAll(did)
	require.NoError(t, err)
	require.Len(t, all, 4)
	require.Equal(t, uint64(0), all[0].Header.Sequence)

	since, err := store.GetSince(did, 0)
	require.NoError(t, err)
	require.Len(t, since, 3)
	require.Equal(t, uint64(1), since[0].Header.Sequence)
}

func TestRecipientIndexAndMarkDelivered(t *testing.T) {
	sender := newSender(t)
	recipient := newSender(t)
	recipientDID, err := recipient.DID()
	require.NoError(t, err)

	store := newStore()
	e, err := envelope.Build(sender, 0, [32]byte{}, 1, envelope.DirectMessagePayload{Content: "hi", Recipient: recipientDID}, []profilekeys.PublicBundle{recipient.PublicKey()})
	require.NoError(t, err)
	require.NoError(t, store.StorePacket(e))

	pending, err := store.GetPacketsForRecipient(recipientDID)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	hash, err := e.Hash()
	require.NoError(t, err)
	require.NoError(t, store.MarkDelivered(recipientDID, hash))

	pending, err = store.GetPacketsForRecipient(recipientDID)
	require.NoError(t, err)
	require.Empty(t, pending)

	senderDID, err := sender.DID()
	require.NoError(t, err)
	still, err := store.GetPacket(senderDID, 0)
	require.NoError(t, err)
	require.NotNil(t, still)
}

func TestGlobalEnvelopeIsNotIndexedForRecipients(t *testing.T) {
	sender := newSender(t)
	store := newStore()

	e, err := envelope.Build(sender, 0, [32]byte{}, 1, envelope.HeartbeatPayload{TimestampMs: 1}, nil)
	require.NoError(t, err)
	require.NoError(t, store.StorePacket(e))

	someoneDID := "did:sync:zNOBODY"
	pending, err := store.GetPacketsForRecipient(someoneDID)
	require.NoError(t, err)
	require.Empty(t, pending)
}

func TestDeleteBeforeAndDeleteMirror(t *testing.T) {
	sender := newSender(t)
	store := newStore()
	did, err := sender.DID()
	require.NoError(t, err)

	var prevHash [32]byte
	for seq := uint64(0); seq < 3; seq++ {
		e, err := envelope.Build(sender, seq, prevHash, int64(seq), envelope.HeartbeatPayload{TimestampMs: int64(seq)}, nil)
		require.NoError(t, err)
		require.NoError(t, store.StorePacket(e))
		h, err := e.Hash()
		require.NoError(t, err)
		prevHash = h
	}

	require.NoError(t, store.DeleteBefore(did, 2))
	got, err := store.GetPacket(did, 0)
	require.NoError(t, err)
	require.Nil(t, got)
	got, err = store.GetPacket(did, 2)
	require.NoError(t, err)
	require.NotNil(t, got)

	require.NoError(t, store.DeleteMirror(did))
	_, ok, err := store.GetHead(did)
	require.NoError(t, err)
	require.False(t, ok)
}
