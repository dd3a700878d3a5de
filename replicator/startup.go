package replicator

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"time"

	"github.com/luxfi/ids"
	"github.com/luxfi/math/set"

	"github.com/trumanellis/syncengine/gossip"
	"github.com/trumanellis/syncengine/peer"
	"github.com/trumanellis/syncengine/realm"
)

// bootstrapReconnectInterval and bootstrapReconnectAttempts implement
// spec.md §4.6.6: re-add saved bootstrap peers every 5s, for up to 24
// attempts (~2 minutes), defeating the simultaneous-wake problem where
// two peers start at once and neither yet sees the other.
const (
	bootstrapReconnectInterval = 5 * time.Second
	bootstrapReconnectAttempts = 24
)

// StartBootstrapReconnect spawns a background task that periodically
// re-adds bootstrap to realm id's gossip discovery until a neighbor
// appears or the attempt budget is exhausted.
func (r *Replicator) StartBootstrapReconnect(ctx context.Context, id realm.ID, bootstrap set.Set[ids.NodeID]) {
	go func() {
		ticker := time.NewTicker(bootstrapReconnectInterval)
		defer ticker.Stop()

		for attempt := 0; attempt < bootstrapReconnectAttempts; attempt++ {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			if status, ok := r.Status(id); ok && status.PeerCount > 0 {
				return
			}
			if err := r.gossip.AddBootstrap(ctx, gossip.TopicID(id), bootstrap); err != nil {
				r.log.Warn("bootstrap reconnect failed", "realm", hex.EncodeToString(id[:]), "err", err.Error())
			}
		}
	}()
}

// StartupSyncResult reports what startup sync attempted (spec.md
// §4.6.7). ProfilesUpdated is left to the caller (profile sync owns
// that count); this package only dials peers.
type StartupSyncResult struct {
	PeersAttempted      int
	PeersSucceeded      int
	PeersSkippedBackoff int
	ProfilesUpdated     int
	JitterDelayMs       int64
}

// Dialer performs the QUIC connect attempt for a known peer, kept
// separate from this package so it doesn't depend on the transport
// adapter directly.
type Dialer interface {
	Dial(ctx context.Context, p peer.Info) error
}

const startupDialTimeout = 10 * time.Second

// StartupSync implements spec.md §4.6.7: after jitter, iterate every
// known peer sorted (is_contact desc, last_seen desc), consulting
// Fibonacci backoff before each dial attempt.
func (r *Replicator) StartupSync(ctx context.Context, dialer Dialer, jitter time.Duration) StartupSyncResult {
	select {
	case <-time.After(jitter):
	case <-ctx.Done():
	}

	result := StartupSyncResult{JitterDelayMs: jitter.Milliseconds()}
	now := time.Now()

	for _, p := range r.peers.ListForStartup() {
		if !r.peers.ShouldRetryNow(p, now) {
			result.PeersSkippedBackoff++
			continue
		}

		result.PeersAttempted++
		r.peers.RecordAttempt(p.EndpointID, now)

		dialCtx, cancel := context.WithTimeout(ctx, startupDialTimeout)
		err := dialer.Dial(dialCtx, p)
		cancel()

		if err != nil {
			r.peers.RecordFailure(p.EndpointID)
			continue
		}
		r.peers.RecordSuccess(p.EndpointID, time.Now())
		result.PeersSucceeded++
	}

	return result
}

// RandomJitter returns a cryptographically random duration in [0, max),
// used to stagger the startup sync of many nodes rebooting at once
// (spec.md §4.6.7: "apply randomized jitter (0-30s ...), bounded and
// unpredictable").
func RandomJitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0
	}
	n := binary.BigEndian.Uint64(buf[:]) % uint64(max)
	return time.Duration(n)
}
