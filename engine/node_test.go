package engine

import (
	"context"
	"testing"
	"time"

	"github.com/luxfi/ids"
	"github.com/luxfi/math/set"
	"github.com/stretchr/testify/require"

	"github.com/trumanellis/syncengine/config"
	"github.com/trumanellis/syncengine/contact"
	"github.com/trumanellis/syncengine/gossip"
	"github.com/trumanellis/syncengine/identity"
	"github.com/trumanellis/syncengine/profile"
	"github.com/trumanellis/syncengine/profilekeys"
	"github.com/trumanellis/syncengine/realm"
	"github.com/trumanellis/syncengine/replicator"
	"github.com/trumanellis/syncengine/storage/memstore"
)

func newTestNode(t *testing.T, gs gossip.GossipSync) *Node {
	t.Helper()
	id, err := identity.Generate()
	require.NoError(t, err)
	pk, err := profilekeys.Derive(id)
	require.NoError(t, err)
	cfg := config.Default(t.TempDir())
	return New(cfg, id, pk, memstore.New(), gs, nil, nil, nil)
}

func TestNewWiresProfileSyncAsContactPinner(t *testing.T) {
	hub := gossip.NewHub()
	n := newTestNode(t, hub.Endpoint(ids.NodeID{1}))

	counterpartyID, err := identity.Generate()
	require.NoError(t, err)
	counterpartyKeys, err := profilekeys.Derive(counterpartyID)
	require.NoError(t, err)
	counterpartyDID, err := counterpartyID.DID()
	require.NoError(t, err)

	sp, err := profile.BuildSignedProfile(counterpartyKeys, profile.Profile{DisplayName: "Counterparty"})
	require.NoError(t, err)
	wire, err := profile.EncodeSignedProfile(sp)
	require.NoError(t, err)

	_, err = n.Contacts.FinalizeContact(contact.PendingContact{
		InviteID:        [16]byte{9},
		CounterpartyDID: counterpartyDID,
		SignedProfile:   wire,
	}, 1000)
	require.NoError(t, err)

	pin, ok, err := n.Profiles.Pins().Get(counterpartyDID)
	require.NoError(t, err)
	require.True(t, ok, "finalize_contact must pin the exchanged profile through the wired ProfilePinner")
	require.Equal(t, profile.RelationshipContact, pin.Relationship)
	require.Equal(t, "Counterparty", pin.SignedProfile.Profile.DisplayName)
}

func TestCreateAndOpenRealmRoundTripsInfoAndKey(t *testing.T) {
	hub := gossip.NewHub()
	n := newTestNode(t, hub.Endpoint(ids.NodeID{1}))

	info, key, err := n.CreateRealm("garden", false, false, 1000)
	require.NoError(t, err)
	require.NotEqual(t, realm.Key{}, key)

	loaded, ok, err := n.LoadRealmInfo(info.ID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "garden", loaded.Name)
	require.False(t, loaded.IsShared)

	doc, err := n.OpenRealm(context.Background(), info.ID, false, nil)
	require.NoError(t, err)
	require.Equal(t, 0, doc.TaskCount())

	_, err = doc.AddTask("water the tomatoes")
	require.NoError(t, err)
	require.NoError(t, n.Replicator.SaveDocument(info.ID, doc))

	reloadedBytes, ok, err := n.Replicator.LoadDocument(info.ID)
	require.NoError(t, err)
	require.True(t, ok)
	require.NotEmpty(t, reloadedBytes)
}

func TestCreateRealmRejectsReservedNameUnlessAllowed(t *testing.T) {
	hub := gossip.NewHub()
	n := newTestNode(t, hub.Endpoint(ids.NodeID{1}))

	_, _, err := n.CreateRealm("Private", true, false, 1000)
	require.Error(t, err)

	_, _, err = n.CreateRealm("Private", false, true, 1000)
	require.NoError(t, err)
}

func TestOpenRealmStartsSyncForSharedNetworkedRealm(t *testing.T) {
	hub := gossip.NewHub()
	a := newTestNode(t, hub.Endpoint(ids.NodeID{1}))

	info, _, err := a.CreateRealm("shared-garden", true, false, 1000)
	require.NoError(t, err)

	_, err = a.OpenRealm(context.Background(), info.ID, true, set.Set[ids.NodeID]{})
	require.NoError(t, err)

	status, ok := a.Replicator.Status(info.ID)
	require.True(t, ok)
	require.Equal(t, replicator.StateSyncing, status.State)

	require.NoError(t, a.CloseRealm(info.ID))
	_, ok = a.Replicator.Status(info.ID)
	require.False(t, ok)
}

func TestShutdownSavesRealmsAndStopsBackgroundLoops(t *testing.T) {
	hub := gossip.NewHub()
	n := newTestNode(t, hub.Endpoint(ids.NodeID{1}))

	info, _, err := n.CreateRealm("shared-garden", true, false, 1000)
	require.NoError(t, err)

	ctx := context.Background()
	_, err = n.OpenRealm(ctx, info.ID, true, set.Set[ids.NodeID]{})
	require.NoError(t, err)

	require.NoError(t, n.Run(ctx))
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, n.Shutdown())
	require.Empty(t, n.Replicator.OpenRealmIDs())

	_, ok, err := n.Replicator.LoadDocument(info.ID)
	require.NoError(t, err)
	require.True(t, ok, "shutdown must save the open realm's document")
}
