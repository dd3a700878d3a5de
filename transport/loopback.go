package transport

import (
	"context"
	"io"
	"sync"

	"github.com/trumanellis/syncengine/syncerr"
)

// LoopbackNetwork is an in-memory Dialer+Listener pair keyed by address
// string, used to exercise ContactManager's QUIC stream protocol in
// tests without a real socket. Mirrors gossip.Hub's role for the
// GossipSync port.
type LoopbackNetwork struct {
	mu        sync.Mutex
	listeners map[string]chan *loopbackConn
}

// NewLoopbackNetwork creates an empty network.
func NewLoopbackNetwork() *LoopbackNetwork {
	return &LoopbackNetwork{listeners: make(map[string]chan *loopbackConn)}
}

// Listen registers addr as accepting connections and returns a Listener
// bound to it.
func (n *LoopbackNetwork) Listen(addr string) Listener {
	n.mu.Lock()
	defer n.mu.Unlock()
	ch := make(chan *loopbackConn, 16)
	n.listeners[addr] = ch
	return &loopbackListener{ch: ch}
}

// Dialer returns a Dialer that connects to addresses registered with
// Listen on this network.
func (n *LoopbackNetwork) Dialer() Dialer {
	return &loopbackDialer{net: n}
}

type loopbackDialer struct {
	net *LoopbackNetwork
}

func (d *loopbackDialer) Dial(ctx context.Context, endpoint Endpoint, _ string) (Connection, error) {
	if len(endpoint.DirectAddresses) == 0 {
		return nil, syncerr.ErrGossip
	}
	addr := endpoint.DirectAddresses[0]

	d.net.mu.Lock()
	ch, ok := d.net.listeners[addr]
	d.net.mu.Unlock()
	if !ok {
		return nil, syncerr.ErrGossip
	}

	clientSide, serverSide := newLoopbackConnPair()
	select {
	case ch <- serverSide:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return clientSide, nil
}

type loopbackListener struct {
	ch chan *loopbackConn
}

func (l *loopbackListener) Accept(ctx context.Context) (Connection, error) {
	select {
	case conn := <-l.ch:
		return conn, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *loopbackListener) Close() error {
	return nil
}

// loopbackConn implements Connection by handing each stream opened on
// one side to the other side's AcceptStream, sufficient for
// ContactManager's one-stream-per-exchange protocol.
type loopbackConn struct {
	opened   chan *loopbackStream
	accepted chan *loopbackStream
}

func newLoopbackConnPair() (client, server *loopbackConn) {
	opened := make(chan *loopbackStream, 4)
	accepted := make(chan *loopbackStream, 4)
	client = &loopbackConn{opened: opened, accepted: accepted}
	server = &loopbackConn{opened: accepted, accepted: opened}
	return client, server
}

func (c *loopbackConn) OpenStream(ctx context.Context) (Stream, error) {
	s, remote := newLoopbackStreamPair()
	select {
	case c.opened <- remote:
		return s, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *loopbackConn) AcceptStream(ctx context.Context) (Stream, error) {
	select {
	case s := <-c.accepted:
		return s, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *loopbackConn) Close() error {
	return nil
}

// loopbackStream is a pipe-backed bidirectional stream: writes on one
// end are readable on the other, matching how ContactManager writes a
// request then expects the peer to read it after CloseWrite signals EOF.
type loopbackStream struct {
	writeBuf *io.PipeWriter
	readBuf  *io.PipeReader
	mu       sync.Mutex
	closed   bool
}

func newLoopbackStreamPair() (local, remote *loopbackStream) {
	localR, remoteW := io.Pipe()
	remoteR, localW := io.Pipe()
	return &loopbackStream{writeBuf: localW, readBuf: localR}, &loopbackStream{writeBuf: remoteW, readBuf: remoteR}
}

func (s *loopbackStream) Write(p []byte) (int, error) {
	return s.writeBuf.Write(p)
}

func (s *loopbackStream) Read(p []byte) (int, error) {
	return s.readBuf.Read(p)
}

func (s *loopbackStream) CloseWrite() error {
	return s.writeBuf.Close()
}

func (s *loopbackStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	_ = s.writeBuf.Close()
	return s.readBuf.Close()
}
