// Package config holds the node's tunables: data directory layout,
// channel capacities, timeouts, and backoff parameters. Grounded on the
// teacher's config package shape (exported Parameters struct,
// DefaultParams constructor, Validate method returning sentinel errors).
package config

import (
	"time"
)

// Config is the full set of node-level tunables.
type Config struct {
	// DataDir is the single directory under which the embedded database
	// file, the blob directory, and (optionally) logs live. See spec.md §6.7.
	DataDir string

	// EventChannelCapacity bounds the broadcast channels used for
	// ContactEvent/ProfileEvent/PeerEvent delivery (spec.md §5: fixed
	// capacity 256; slow consumers see Lagged(n)).
	EventChannelCapacity int

	// SyncChannelCapacity bounds the engine's inbound SyncChannelMessage
	// channel (IncomingData/BroadcastRequest) that listener tasks write to.
	SyncChannelCapacity int

	// QUICDialTimeout bounds startup reconnection attempts (spec.md §4.6.7).
	QUICDialTimeout time.Duration

	// ContactSendTimeout bounds a single QUIC stream write during contact
	// exchange before a retry is attempted (spec.md §4.8).
	ContactSendTimeout time.Duration

	// ContactRequestSettleDelay is the wait after finishing a ContactRequest
	// stream so the peer can consume it before the connection is torn down
	// (spec.md §4.8.3: 500ms).
	ContactRequestSettleDelay time.Duration

	// AutoAcceptSettleDelay is the wait before auto-accepting an inbound
	// ContactRequest for a self-generated invite (spec.md §4.8.4: 100ms).
	AutoAcceptSettleDelay time.Duration

	// PeerBackoffBase is the base unit for the Fibonacci peer retry backoff
	// (spec.md §4.7).
	PeerBackoffBase time.Duration

	// PeerBackoffCap bounds the computed backoff (spec.md §4.7: 1h).
	PeerBackoffCap time.Duration

	// PeerRetryTick is the interval of the background inactive-peer retry
	// sweep (spec.md §4.7: 5m).
	PeerRetryTick time.Duration

	// BootstrapReconnectTick is the interval of the per-sync-start bootstrap
	// re-announce task (spec.md §4.6.6: 5s).
	BootstrapReconnectTick time.Duration

	// BootstrapReconnectMaxAttempts bounds the bootstrap reconnect task
	// (spec.md §4.6.6: 24 attempts, ~2 minutes at 5s).
	BootstrapReconnectMaxAttempts int

	// StartupJitterMax bounds the randomized startup delay before
	// presence announcement (spec.md §4.6.7: 0-30s, or 0-2s for
	// responsiveness — either is conformant so long as it's bounded).
	StartupJitterMax time.Duration

	// MaxInviteExpiryHours caps generated invite lifetime (spec.md §4.8.1: 168).
	MaxInviteExpiryHours int

	// ZstdCompressionLevel is used when compressing v2 invites (spec.md §4.8.1: 3).
	ZstdCompressionLevel int

	// ContactSendMaxRetries and ContactSendBackoff parametrize the QUIC
	// send-with-retry helper shared by ContactRequest/Accept/Decline
	// (spec.md §4.8 preamble; confirmed for all three messages by
	// original_source's contact_manager.rs — see SPEC_FULL.md).
	ContactSendMaxRetries int
	ContactSendBackoff    []time.Duration
}

// Default returns the configuration matching every numeric default named
// in spec.md.
func Default(dataDir string) Config {
	return Config{
		DataDir:                       dataDir,
		EventChannelCapacity:          256,
		SyncChannelCapacity:           256,
		QUICDialTimeout:               10 * time.Second,
		ContactSendTimeout:            5 * time.Second,
		ContactRequestSettleDelay:     500 * time.Millisecond,
		AutoAcceptSettleDelay:         100 * time.Millisecond,
		PeerBackoffBase:               time.Second,
		PeerBackoffCap:                time.Hour,
		PeerRetryTick:                 5 * time.Minute,
		BootstrapReconnectTick:        5 * time.Second,
		BootstrapReconnectMaxAttempts: 24,
		StartupJitterMax:              2 * time.Second,
		MaxInviteExpiryHours:          168,
		ZstdCompressionLevel:          3,
		ContactSendMaxRetries:         3,
		ContactSendBackoff: []time.Duration{
			100 * time.Millisecond,
			200 * time.Millisecond,
			400 * time.Millisecond,
		},
	}
}

// Validate rejects configurations that would make timing invariants in
// spec.md unsatisfiable, mirroring the teacher's config.Validate rejecting
// non-positive consensus parameters.
func (c Config) Validate() error {
	switch {
	case c.DataDir == "":
		return ErrDataDirRequired
	case c.EventChannelCapacity <= 0:
		return ErrInvalidChannelCapacity
	case c.SyncChannelCapacity <= 0:
		return ErrInvalidChannelCapacity
	case c.QUICDialTimeout <= 0:
		return ErrInvalidTimeout
	case c.PeerBackoffBase <= 0 || c.PeerBackoffCap < c.PeerBackoffBase:
		return ErrInvalidBackoff
	case c.BootstrapReconnectMaxAttempts <= 0:
		return ErrInvalidBackoff
	case c.MaxInviteExpiryHours <= 0:
		return ErrInvalidTimeout
	case len(c.ContactSendBackoff) == 0:
		return ErrInvalidBackoff
	}
	return nil
}
