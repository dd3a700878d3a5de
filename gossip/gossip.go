// Package gossip defines the GossipSync port (spec.md §6: "the gossip
// transport" is an external collaborator) and a loopback implementation
// used for testing the replicator, contact manager, and profile sync
// without a real network. The interface shape follows the teacher's
// core/appsender.AppSender: topic-scoped sends addressed by a set of
// node ids, with events surfaced as discrete values rather than
// callbacks.
package gossip

import (
	"context"

	"github.com/luxfi/ids"
	"github.com/luxfi/math/set"

	"github.com/trumanellis/syncengine/syncerr"
)

// TopicID identifies a gossip topic. Realm sync uses the realm id
// verbatim (spec.md §6.3); contact and profile topics are
// BLAKE3-derived.
type TopicID [32]byte

// EventKind discriminates the events delivered on a topic's Receiver
// (spec.md §4.6.3).
type EventKind uint8

const (
	EventMessage EventKind = iota + 1
	EventNeighborUp
	EventNeighborDown
)

// Event is a single occurrence on a subscribed topic.
type Event struct {
	Kind    EventKind
	Peer    ids.NodeID
	Message []byte
}

// Sender broadcasts to a topic's current membership, mirroring
// AppSender.SendAppGossip's ctx+node-set+bytes shape but scoped to a
// topic the caller already joined.
type Sender interface {
	// Broadcast sends data to every peer currently on the topic.
	Broadcast(ctx context.Context, data []byte) error
	// SendTo sends data only to the given peers (AppSender's
	// SendAppGossipSpecific equivalent).
	SendTo(ctx context.Context, peers set.Set[ids.NodeID], data []byte) error
	// Close leaves the topic.
	Close() error
}

// Receiver delivers topic events in order. The zero Event with a non-nil
// error from Recv signals the topic closed (spec.md §4.6.3 "None").
type Receiver interface {
	Recv(ctx context.Context) (Event, error)
}

// GossipSync is the port a node uses to join topics and discover peers
// advertising themselves on the mesh (spec.md §1 Non-goals: "the gossip
// transport" itself is out of scope; this is the seam it plugs into).
type GossipSync interface {
	// Join subscribes to topic with bootstrap as the initial set of
	// peers to dial, returning a Sender/Receiver pair scoped to it
	// (spec.md §4.6.2 start_sync).
	Join(ctx context.Context, topic TopicID, bootstrap set.Set[ids.NodeID]) (Sender, Receiver, error)
	// AddBootstrap re-adds peers to a topic's discovery without
	// rejoining (spec.md §4.6.6 periodic bootstrap reconnection).
	AddBootstrap(ctx context.Context, topic TopicID, peers set.Set[ids.NodeID]) error
}

// ErrTopicNotJoined is returned by a loopback Receiver's Recv once its
// topic membership has been closed.
var ErrTopicNotJoined = syncerr.ErrTopicClosed

// NodeIDFromAddr narrows a wire-format 32-byte node identifier (spec.md
// §6.2 NodeAddr.node_id) down to the 20-byte ids.NodeID this transport
// seam uses. Both are already CSPRNG output at generation time, so
// truncating loses no practical uniqueness.
func NodeIDFromAddr(addr [32]byte) ids.NodeID {
	var id ids.NodeID
	copy(id[:], addr[:20])
	return id
}
