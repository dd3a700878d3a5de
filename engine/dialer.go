package engine

import (
	"context"
	"fmt"

	"github.com/trumanellis/syncengine/contact"
	"github.com/trumanellis/syncengine/metrics"
	"github.com/trumanellis/syncengine/peer"
	"github.com/trumanellis/syncengine/replicator"
	"github.com/trumanellis/syncengine/syncerr"
	"github.com/trumanellis/syncengine/transport"
)

var _ replicator.Dialer = (*startupDialer)(nil)

// startupDialer adapts transport.Dialer to replicator.Dialer, resolving
// a peer's address through the contact manager's finalized ContactInfo
// (the PeerRegistry itself carries no address, only connectivity
// bookkeeping) and recording connect metrics around the attempt
// (spec.md §4.6.7).
type startupDialer struct {
	contacts *contact.Manager
	dialer   transport.Dialer
	metrics  *metrics.Metrics
}

func (d *startupDialer) Dial(ctx context.Context, p peer.Info) error {
	d.metrics.PeerConnectAttempt.Inc()

	if p.DID == "" {
		d.metrics.PeerConnectFailure.Inc()
		return fmt.Errorf("%w: peer %s has no associated DID", syncerr.ErrContactNotFound, p.EndpointID)
	}
	info, ok, err := d.contacts.GetContact(p.DID)
	if err != nil {
		d.metrics.PeerConnectFailure.Inc()
		return err
	}
	if !ok {
		d.metrics.PeerConnectFailure.Inc()
		return fmt.Errorf("%w: no contact info for %s", syncerr.ErrContactNotFound, p.DID)
	}

	endpoint := transport.Endpoint{DirectAddresses: info.NodeAddr.DirectAddresses, RelayURL: info.NodeAddr.RelayURL}
	conn, err := d.dialer.Dial(ctx, endpoint, transport.ContactALPN)
	if err != nil {
		d.metrics.PeerConnectFailure.Inc()
		return err
	}
	d.metrics.PeerConnectSuccess.Inc()
	return conn.Close()
}
