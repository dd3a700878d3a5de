package profile

import (
	"context"
	"testing"
	"time"

	"github.com/luxfi/ids"
	"github.com/stretchr/testify/require"

	"github.com/trumanellis/syncengine/config"
	"github.com/trumanellis/syncengine/contact"
	"github.com/trumanellis/syncengine/envelope"
	"github.com/trumanellis/syncengine/gossip"
	"github.com/trumanellis/syncengine/identity"
	synclog "github.com/trumanellis/syncengine/log"
	"github.com/trumanellis/syncengine/metrics"
	"github.com/trumanellis/syncengine/mirror"
	"github.com/trumanellis/syncengine/peer"
	"github.com/trumanellis/syncengine/profilekeys"
	"github.com/trumanellis/syncengine/storage/memstore"
)

func testConfig() config.Config { return config.Default(".") }

type testNode struct {
	id      *identity.HybridKeypair
	did     string
	keys    *profilekeys.ProfileKeys
	contact *contact.Manager
	sync    *ProfileSync
}

func newTestNode(t *testing.T, hub *gossip.Hub, nodeIDByte byte) *testNode {
	t.Helper()
	id, err := identity.Generate()
	require.NoError(t, err)
	pk, err := profilekeys.Derive(id)
	require.NoError(t, err)
	did, err := id.DID()
	require.NoError(t, err)

	db := memstore.New()
	peers := peer.New(testConfig(), synclog.NewNoOp())
	m := metrics.NoOp()
	mirrorStore := mirror.New(db, m)

	var raw [20]byte
	raw[0] = nodeIDByte
	gs := hub.Endpoint(ids.NodeID(raw))

	contactMgr := contact.New(testConfig(), id, pk, db, nil, peers, nil, synclog.NewNoOp())
	ps := New(testConfig(), id, pk, db, gs, mirrorStore, contactMgr, peers, m, synclog.NewNoOp())

	return &testNode{id: id, did: did, keys: pk, contact: contactMgr, sync: ps}
}

// finalizeMutualContact wires a and b as each other's accepted contact
// without running the four-step wire protocol, the way a test that only
// cares about what happens after finalize_contact typically bypasses it.
func finalizeMutualContact(t *testing.T, a, b *testNode, now int64) {
	t.Helper()
	_, err := a.contact.FinalizeContact(contact.PendingContact{
		InviteID:        [16]byte{1},
		CounterpartyDID: b.did,
	}, now)
	require.NoError(t, err)

	_, err = b.contact.FinalizeContact(contact.PendingContact{
		InviteID:        [16]byte{2},
		CounterpartyDID: a.did,
	}, now)
	require.NoError(t, err)
}

func TestAnnounceProfileAutoPinsAtAcceptedContact(t *testing.T) {
	hub := gossip.NewHub()
	j := newTestNode(t, hub, 1)
	l := newTestNode(t, hub, 2)
	ctx := context.Background()

	finalizeMutualContact(t, j, l, 1000)

	require.NoError(t, l.sync.JoinContactTopics(ctx))
	require.NoError(t, j.sync.JoinContactTopics(ctx))

	_, err := j.sync.AnnounceProfile(ctx, Profile{DisplayName: "J"}, "")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		pin, ok, err := l.sync.Pins().Get(j.did)
		return err == nil && ok && pin.Relationship == RelationshipContact && pin.SignedProfile.Profile.DisplayName == "J"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestAnnounceProfileEmitsProfileUpdatedEvent(t *testing.T) {
	hub := gossip.NewHub()
	j := newTestNode(t, hub, 1)
	l := newTestNode(t, hub, 2)
	ctx := context.Background()

	finalizeMutualContact(t, j, l, 1000)

	sub := l.sync.Events().Subscribe()
	defer sub.Close()

	require.NoError(t, l.sync.JoinContactTopics(ctx))
	require.NoError(t, j.sync.JoinContactTopics(ctx))

	_, err := j.sync.AnnounceProfile(ctx, Profile{DisplayName: "J"}, "")
	require.NoError(t, err)

	select {
	case d := <-sub.C():
		require.Equal(t, EventProfileUpdated, d.Value.Kind)
		require.Equal(t, j.did, d.Value.DID)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for ProfileUpdated event")
	}
}

func TestAnnounceProfileIsIgnoredByNonContact(t *testing.T) {
	hub := gossip.NewHub()
	j := newTestNode(t, hub, 1)
	stranger := newTestNode(t, hub, 3)
	ctx := context.Background()

	require.NoError(t, j.sync.JoinOwnTopic(ctx))
	_, err := stranger.sync.joinTopic(ctx, contact.ProfileTopic(j.did))
	require.NoError(t, err)

	_, err = j.sync.AnnounceProfile(ctx, Profile{DisplayName: "J"}, "")
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	_, ok, err := stranger.sync.Pins().Get(j.did)
	require.NoError(t, err)
	require.False(t, ok, "a non-contact observing the own-topic announce must not auto-pin it")
}

func TestSendDirectMessageStoresOutgoingPacket(t *testing.T) {
	hub := gossip.NewHub()
	j := newTestNode(t, hub, 1)
	l := newTestNode(t, hub, 2)
	ctx := context.Background()

	finalizeMutualContact(t, j, l, 1000)

	// l must already be pinned so its key-exchange bundle is known before
	// j can seal a direct message to it (spec.md §4.9).
	lsp, err := BuildSignedProfile(l.keys, Profile{DisplayName: "L"})
	require.NoError(t, err)
	require.NoError(t, j.sync.Pins().Pin(l.did, lsp, RelationshipContact, ReasonContact, nil, 1000))

	require.NoError(t, j.sync.SendDirectMessage(ctx, l.did, "hello", 2000))

	head, ok, err := j.sync.mirrorStore.GetHead(j.did)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(0), head)
}

func TestSendDirectMessageFailsWithoutPinnedRecipient(t *testing.T) {
	hub := gossip.NewHub()
	j := newTestNode(t, hub, 1)
	ctx := context.Background()

	err := j.sync.SendDirectMessage(ctx, "did:key:unknown", "hello", 2000)
	require.Error(t, err)
}

func TestPacketRelayDropsPacketsFromNonContacts(t *testing.T) {
	hub := gossip.NewHub()
	relay := newTestNode(t, hub, 1)
	stranger := newTestNode(t, hub, 2)
	ctx := context.Background()

	require.NoError(t, relay.sync.JoinGlobalTopic(ctx))
	senderSender, err := stranger.sync.joinTopic(ctx, GlobalTopic)
	require.NoError(t, err)

	e, err := envelope.Build(stranger.keys, 0, [32]byte{}, 1000, envelope.HeartbeatPayload{TimestampMs: 1000}, nil)
	require.NoError(t, err)
	wire, err := EncodePacket(Packet{Envelope: e})
	require.NoError(t, err)

	require.NoError(t, senderSender.Broadcast(ctx, wire))

	time.Sleep(50 * time.Millisecond)
	_, ok, err := relay.sync.mirrorStore.GetHead(stranger.did)
	require.NoError(t, err)
	require.False(t, ok, "a stranger's relayed packet must not be mirrored")
}

func TestPacketRelayAcceptsPacketsFromContacts(t *testing.T) {
	hub := gossip.NewHub()
	relay := newTestNode(t, hub, 1)
	friend := newTestNode(t, hub, 2)
	ctx := context.Background()

	finalizeMutualContact(t, relay, friend, 1000)

	require.NoError(t, relay.sync.JoinGlobalTopic(ctx))
	senderSender, err := friend.sync.joinTopic(ctx, GlobalTopic)
	require.NoError(t, err)

	e, err := envelope.Build(friend.keys, 0, [32]byte{}, 1000, envelope.HeartbeatPayload{TimestampMs: 1000}, nil)
	require.NoError(t, err)
	wire, err := EncodePacket(Packet{Envelope: e})
	require.NoError(t, err)

	require.NoError(t, senderSender.Broadcast(ctx, wire))

	require.Eventually(t, func() bool {
		_, ok, err := relay.sync.mirrorStore.GetHead(friend.did)
		return err == nil && ok
	}, 2*time.Second, 10*time.Millisecond)
}
