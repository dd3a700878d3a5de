package transport

import (
	"context"
	"crypto/tls"
	"fmt"

	"github.com/quic-go/quic-go"

	"github.com/trumanellis/syncengine/syncerr"
)

// QUICDialer is the default Dialer, backed by quic-go. It tries each of
// an Endpoint's DirectAddresses in order and falls through to RelayURL
// if none connect, the same ordering ContactManager's four-step
// protocol expects when reaching an inviter or accepter directly.
type QUICDialer struct {
	TLSConfig *tls.Config
}

// NewQUICDialer builds a dialer on tlsConfig. Each Dial presents the alpn
// it is given during the TLS handshake; quic-go negotiates ALPN itself
// from tls.Config.NextProtos.
func NewQUICDialer(tlsConfig *tls.Config) *QUICDialer {
	return &QUICDialer{TLSConfig: tlsConfig}
}

func (d *QUICDialer) Dial(ctx context.Context, endpoint Endpoint, alpn string) (Connection, error) {
	cfg := d.TLSConfig.Clone()
	cfg.NextProtos = []string{alpn}

	addrs := endpoint.DirectAddresses
	if endpoint.RelayURL != "" {
		addrs = append(append([]string(nil), addrs...), endpoint.RelayURL)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("%w: endpoint has no reachable address", syncerr.ErrGossip)
	}

	var lastErr error
	for _, addr := range addrs {
		conn, err := quic.DialAddr(ctx, addr, cfg, nil)
		if err == nil {
			return &quicConnection{conn: conn}, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("%w: dial %d addresses: %v", syncerr.ErrGossip, len(addrs), lastErr)
}

// QUICListener is the default Listener, backed by quic-go.
type QUICListener struct {
	ln *quic.Listener
}

// ListenQUIC binds addr and accepts connections offering any of alpns.
func ListenQUIC(addr string, tlsConfig *tls.Config, alpns ...string) (*QUICListener, error) {
	cfg := tlsConfig.Clone()
	cfg.NextProtos = alpns
	ln, err := quic.ListenAddr(addr, cfg, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: listen %s: %v", syncerr.ErrGossip, addr, err)
	}
	return &QUICListener{ln: ln}, nil
}

func (l *QUICListener) Accept(ctx context.Context) (Connection, error) {
	conn, err := l.ln.Accept(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: accept: %v", syncerr.ErrGossip, err)
	}
	return &quicConnection{conn: conn}, nil
}

func (l *QUICListener) Close() error {
	return l.ln.Close()
}

type quicConnection struct {
	conn *quic.Conn
}

func (c *quicConnection) OpenStream(ctx context.Context) (Stream, error) {
	s, err := c.conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: open stream: %v", syncerr.ErrGossip, err)
	}
	return quicStream{s}, nil
}

func (c *quicConnection) AcceptStream(ctx context.Context) (Stream, error) {
	s, err := c.conn.AcceptStream(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: accept stream: %v", syncerr.ErrGossip, err)
	}
	return quicStream{s}, nil
}

func (c *quicConnection) Close() error {
	return c.conn.CloseWithError(0, "")
}

type quicStream struct {
	*quic.Stream
}

func (s quicStream) CloseWrite() error {
	s.Stream.Close()
	return nil
}
