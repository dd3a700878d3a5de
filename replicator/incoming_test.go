package replicator

import (
	"context"
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/luxfi/ids"
	"github.com/luxfi/math/set"
	"github.com/stretchr/testify/require"

	"github.com/trumanellis/syncengine/gossip"
	"github.com/trumanellis/syncengine/identity"
	"github.com/trumanellis/syncengine/realm"
	"github.com/trumanellis/syncengine/storage"
	"github.com/trumanellis/syncengine/syncmsg"
)

func openTestRealm(t *testing.T, r *Replicator, key realm.Key, doc realm.Doc) realm.ID {
	t.Helper()
	id, err := realm.NewID()
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, r.StartSync(ctx, id, key, doc, set.Set[ids.NodeID]{}))
	return id
}

func buildEnvelope(t *testing.T, signer *identity.HybridKeypair, key realm.Key, msg syncmsg.SyncMessage) []byte {
	t.Helper()
	e, err := syncmsg.Build(signer, realm.NewCipher(key), msg)
	require.NoError(t, err)
	wire, err := e.CanonicalBytes()
	require.NoError(t, err)
	return wire
}

func TestApplyRemoteDocumentReplacesWhenLocalEmpty(t *testing.T) {
	hub := gossip.NewHub()
	r, _ := newTestReplicator(t, hub, 1)
	key, err := realm.NewKey()
	require.NoError(t, err)

	id := openTestRealm(t, r, key, realm.NewDoc("local"))

	remote := realm.NewDoc("remote")
	_, err = remote.AddTask("inherited task")
	require.NoError(t, err)
	remoteBytes, err := remote.Save()
	require.NoError(t, err)

	r.mu.Lock()
	or := r.realms[id]
	r.mu.Unlock()

	require.NoError(t, r.applyRemoteDocument(id, or, remoteBytes))

	or.mu.Lock()
	defer or.mu.Unlock()
	require.Equal(t, 1, or.doc.TaskCount())
}

func TestApplyRemoteDocumentMergesWhenLocalNonEmpty(t *testing.T) {
	hub := gossip.NewHub()
	r, _ := newTestReplicator(t, hub, 1)
	key, err := realm.NewKey()
	require.NoError(t, err)

	local := realm.NewDoc("local")
	_, err = local.AddTask("local task")
	require.NoError(t, err)
	id := openTestRealm(t, r, key, local)

	remote := realm.NewDoc("remote")
	_, err = remote.AddTask("remote task")
	require.NoError(t, err)
	remoteBytes, err := remote.Save()
	require.NoError(t, err)

	r.mu.Lock()
	or := r.realms[id]
	r.mu.Unlock()

	require.NoError(t, r.applyRemoteDocument(id, or, remoteBytes))

	or.mu.Lock()
	defer or.mu.Unlock()
	require.Equal(t, 2, or.doc.TaskCount())
}

func TestHandleIncomingDropsMalformedEnvelope(t *testing.T) {
	hub := gossip.NewHub()
	r, signer := newTestReplicator(t, hub, 1)
	key, err := realm.NewKey()
	require.NoError(t, err)
	id := openTestRealm(t, r, key, realm.NewDoc("local"))

	r.mu.Lock()
	or := r.realms[id]
	r.mu.Unlock()

	err = r.handleIncoming(context.Background(), id, or, []byte("not a valid envelope"), lookupFor(signer))
	require.NoError(t, err)
}

func TestHandleIncomingDropsUnverifiableEnvelope(t *testing.T) {
	hub := gossip.NewHub()
	r, signer := newTestReplicator(t, hub, 1)
	key, err := realm.NewKey()
	require.NoError(t, err)
	id := openTestRealm(t, r, key, realm.NewDoc("local"))

	r.mu.Lock()
	or := r.realms[id]
	r.mu.Unlock()

	wire := buildEnvelope(t, signer, key, syncmsg.SyncRequest{RealmID: id})

	// No pinned profile recognizes the sender: lookup always misses.
	never := func(string) (identity.PublicBundle, bool) { return identity.PublicBundle{}, false }
	err = r.handleIncoming(context.Background(), id, or, wire, never)
	require.NoError(t, err)
}

func TestHandleIncomingDropsUndecryptableEnvelope(t *testing.T) {
	hub := gossip.NewHub()
	r, signer := newTestReplicator(t, hub, 1)
	key, err := realm.NewKey()
	require.NoError(t, err)
	id := openTestRealm(t, r, key, realm.NewDoc("local"))

	wrongKey, err := realm.NewKey()
	require.NoError(t, err)
	wire := buildEnvelope(t, signer, wrongKey, syncmsg.SyncRequest{RealmID: id})

	r.mu.Lock()
	or := r.realms[id]
	r.mu.Unlock()

	err = r.handleIncoming(context.Background(), id, or, wire, lookupFor(signer))
	require.NoError(t, err)
}

func TestHandleIncomingSyncRequestTriggersBroadcast(t *testing.T) {
	hub := gossip.NewHub()
	r, signer := newTestReplicator(t, hub, 1)
	key, err := realm.NewKey()
	require.NoError(t, err)
	id := openTestRealm(t, r, key, realm.NewDoc("local"))

	r.mu.Lock()
	or := r.realms[id]
	r.mu.Unlock()

	wire := buildEnvelope(t, signer, key, syncmsg.SyncRequest{RealmID: id})
	require.NoError(t, r.handleIncoming(context.Background(), id, or, wire, lookupFor(signer)))

	select {
	case msg := <-r.incoming:
		require.Equal(t, KindBroadcastRequest, msg.Kind)
		require.Equal(t, id, msg.RealmID)
	default:
		t.Fatal("expected a queued broadcast request")
	}
}

func TestHandleAnnouncePersistsBootstrapPeerDeduplicated(t *testing.T) {
	hub := gossip.NewHub()
	r, _ := newTestReplicator(t, hub, 1)
	id, err := realm.NewID()
	require.NoError(t, err)

	addr := syncmsg.NodeAddr{RelayURL: "relay.example"}
	addr.NodeID[0] = 0x42

	ctx := context.Background()
	require.NoError(t, r.handleAnnounce(ctx, id, syncmsg.Announce{RealmID: id, SenderAddr: &addr}))
	require.NoError(t, r.handleAnnounce(ctx, id, syncmsg.Announce{RealmID: id, SenderAddr: &addr}))

	var info realm.Info
	err = r.db.View(func(tx storage.Tx) error {
		table, err := tx.Table(storage.TableRealms)
		if err != nil {
			return err
		}
		raw, err := table.Get(realmInfoKey(id))
		if err != nil {
			return err
		}
		require.NotNil(t, raw)
		return cbor.Unmarshal(raw, &info)
	})
	require.NoError(t, err)
	require.Len(t, info.BootstrapPeers, 1)
}

func TestHandleAnnounceWithoutSenderAddrIsNoop(t *testing.T) {
	hub := gossip.NewHub()
	r, _ := newTestReplicator(t, hub, 1)
	id, err := realm.NewID()
	require.NoError(t, err)
	require.NoError(t, r.handleAnnounce(context.Background(), id, syncmsg.Announce{RealmID: id}))
}

func TestProcessPendingSyncReturnsFalseWhenEmpty(t *testing.T) {
	hub := gossip.NewHub()
	r, signer := newTestReplicator(t, hub, 1)
	processed, err := r.ProcessPendingSync(context.Background(), lookupFor(signer))
	require.NoError(t, err)
	require.False(t, processed)
}
