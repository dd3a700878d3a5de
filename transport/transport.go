// Package transport implements spec.md §4.8/§6.4's contact ALPN: a QUIC
// transport carrying ContactMessage exchanges on bidirectional streams,
// and the 10s-timeout startup connects of §4.6.7. The embedded QUIC
// stack itself is the one transport requirement named explicitly enough
// in the spec ("QUIC stream", "ALPN") to warrant a concrete dependency
// rather than a bare port; everything upstream of it (ContactManager,
// the replicator's startup sync) programs against the Dialer/Listener
// interfaces below, never quic-go directly.
package transport

import (
	"context"
	"time"
)

// ContactALPN is the protocol negotiated for contact-exchange QUIC
// connections (spec.md §4.8: "contact ALPN").
const ContactALPN = "syncengine/contact/1"

// DialTimeout bounds a single contact or startup connect attempt
// (spec.md §4.6.7/§5 Cancellation: "10s for startup connects").
const DialTimeout = 10 * time.Second

// Stream is a single bidirectional QUIC stream, narrowed to what
// ContactManager needs: write the request/response, signal the send
// side is done, and close.
type Stream interface {
	Write(p []byte) (int, error)
	Read(p []byte) (int, error)
	// CloseWrite signals no more data will be written, letting the peer
	// observe EOF on its read side without tearing down the connection.
	CloseWrite() error
	Close() error
}

// Connection is an established QUIC connection to a single peer.
type Connection interface {
	// OpenStream opens a new bidirectional stream on this connection.
	OpenStream(ctx context.Context) (Stream, error)
	// AcceptStream blocks for the next stream the peer opens.
	AcceptStream(ctx context.Context) (Stream, error)
	Close() error
}

// Endpoint is the node's address as understood by the QUIC dialer: one
// or more candidate network addresses plus an optional relay URL
// (spec.md §6.2 NodeAddr, narrowed to what dialing needs).
type Endpoint struct {
	DirectAddresses []string
	RelayURL        string
}

// Dialer establishes outbound QUIC connections to a peer endpoint.
type Dialer interface {
	Dial(ctx context.Context, endpoint Endpoint, alpn string) (Connection, error)
}

// Listener accepts inbound QUIC connections on a local address.
type Listener interface {
	Accept(ctx context.Context) (Connection, error)
	Close() error
}
