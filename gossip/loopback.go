package gossip

import (
	"context"
	"sync"

	"github.com/luxfi/ids"
	"github.com/luxfi/math/set"
)

// Hub is an in-memory GossipSync backing store used to exercise the
// replicator, contact manager, and profile sync in tests without a real
// QUIC mesh. Each node obtains its own GossipSync view via Endpoint.
type Hub struct {
	mu     sync.Mutex
	topics map[TopicID]*loopbackTopic
}

// NewHub creates an empty loopback mesh.
func NewHub() *Hub {
	return &Hub{topics: make(map[TopicID]*loopbackTopic)}
}

// Endpoint returns a GossipSync bound to self, the way a real transport
// adapter is already scoped to the local node's identity.
func (h *Hub) Endpoint(self ids.NodeID) GossipSync {
	return &loopbackNode{hub: h, self: self}
}

type loopbackTopic struct {
	mu      sync.Mutex
	members map[ids.NodeID]chan Event
}

func (h *Hub) topicFor(topic TopicID) *loopbackTopic {
	h.mu.Lock()
	defer h.mu.Unlock()
	t, ok := h.topics[topic]
	if !ok {
		t = &loopbackTopic{members: make(map[ids.NodeID]chan Event)}
		h.topics[topic] = t
	}
	return t
}

func (t *loopbackTopic) join(self ids.NodeID) chan Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch := make(chan Event, 64)
	for peer, peerCh := range t.members {
		peerCh <- Event{Kind: EventNeighborUp, Peer: self}
		ch <- Event{Kind: EventNeighborUp, Peer: peer}
	}
	t.members[self] = ch
	return ch
}

func (t *loopbackTopic) leave(self ids.NodeID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch, ok := t.members[self]
	if !ok {
		return
	}
	delete(t.members, self)
	close(ch)
	for _, peerCh := range t.members {
		peerCh <- Event{Kind: EventNeighborDown, Peer: self}
	}
}

func (t *loopbackTopic) broadcast(self ids.NodeID, data []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for peer, ch := range t.members {
		if peer == self {
			continue
		}
		ch <- Event{Kind: EventMessage, Peer: self, Message: data}
	}
}

func (t *loopbackTopic) sendTo(self ids.NodeID, peers set.Set[ids.NodeID], data []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, peer := range peers.List() {
		if ch, ok := t.members[peer]; ok {
			ch <- Event{Kind: EventMessage, Peer: self, Message: data}
		}
	}
}

type loopbackNode struct {
	hub  *Hub
	self ids.NodeID
}

func (n *loopbackNode) Join(_ context.Context, topic TopicID, _ set.Set[ids.NodeID]) (Sender, Receiver, error) {
	t := n.hub.topicFor(topic)
	ch := t.join(n.self)
	conn := &loopbackConn{topic: t, self: n.self, ch: ch}
	return conn, conn, nil
}

// AddBootstrap is a no-op on the loopback mesh: membership is already
// global within a topic, so there is no discovery list to augment.
func (n *loopbackNode) AddBootstrap(context.Context, TopicID, set.Set[ids.NodeID]) error {
	return nil
}

type loopbackConn struct {
	topic     *loopbackTopic
	self      ids.NodeID
	ch        chan Event
	closeOnce sync.Once
}

func (c *loopbackConn) Broadcast(_ context.Context, data []byte) error {
	c.topic.broadcast(c.self, data)
	return nil
}

func (c *loopbackConn) SendTo(_ context.Context, peers set.Set[ids.NodeID], data []byte) error {
	c.topic.sendTo(c.self, peers, data)
	return nil
}

func (c *loopbackConn) Close() error {
	c.closeOnce.Do(func() { c.topic.leave(c.self) })
	return nil
}

func (c *loopbackConn) Recv(ctx context.Context) (Event, error) {
	select {
	case ev, ok := <-c.ch:
		if !ok {
			return Event{}, ErrTopicNotJoined
		}
		return ev, nil
	case <-ctx.Done():
		return Event{}, ctx.Err()
	}
}
