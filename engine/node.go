// Package engine is the top-level composition root: it owns the
// identity, the storage handle, and every other collaborator
// (PeerRegistry, MirrorStore, ContactManager, ProfileSync, Replicator),
// and drives the background loops that keep them running (spec.md §5).
// Grounded on the teacher's engine/core.go aggregation-root pattern:
// where the teacher re-exports a sibling package's types under one
// name, this package assembles a sibling package's constructors under
// one Node.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/trumanellis/syncengine/config"
	"github.com/trumanellis/syncengine/contact"
	"github.com/trumanellis/syncengine/gossip"
	"github.com/trumanellis/syncengine/identity"
	synclog "github.com/trumanellis/syncengine/log"
	"github.com/trumanellis/syncengine/metrics"
	"github.com/trumanellis/syncengine/mirror"
	"github.com/trumanellis/syncengine/peer"
	"github.com/trumanellis/syncengine/profile"
	"github.com/trumanellis/syncengine/profilekeys"
	"github.com/trumanellis/syncengine/replicator"
	"github.com/trumanellis/syncengine/storage"
	"github.com/trumanellis/syncengine/transport"
)

// Node is a single running instance of the sync engine.
type Node struct {
	cfg         config.Config
	identity    *identity.HybridKeypair
	profileKeys *profilekeys.ProfileKeys
	db          storage.Store
	gossipSync  gossip.GossipSync
	dialer      transport.Dialer
	metrics     *metrics.Metrics
	log         synclog.Logger

	Peers      *peer.Registry
	Mirror     *mirror.Store
	Contacts   *contact.Manager
	Profiles   *profile.ProfileSync
	Replicator *replicator.Replicator

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// New wires every collaborator of a single node. dialer and reg may be
// nil (a nil dialer disables startup reconnection; a nil reg runs
// metrics unregistered).
func New(
	cfg config.Config,
	id *identity.HybridKeypair,
	pk *profilekeys.ProfileKeys,
	db storage.Store,
	gs gossip.GossipSync,
	dialer transport.Dialer,
	reg prometheus.Registerer,
	logger synclog.Logger,
) *Node {
	if logger == nil {
		logger = synclog.NewNoOp()
	}
	m := metrics.New(reg)
	peers := peer.New(cfg, logger)
	mirrorStore := mirror.New(db, m)
	contacts := contact.New(cfg, id, pk, db, dialer, peers, nil, logger)
	profiles := profile.New(cfg, id, pk, db, gs, mirrorStore, contacts, peers, m, logger)
	contacts.SetPinner(profiles)
	repl := replicator.New(cfg, id, gs, db, peers, logger)

	return &Node{
		cfg:         cfg,
		identity:    id,
		profileKeys: pk,
		db:          db,
		gossipSync:  gs,
		dialer:      dialer,
		metrics:     m,
		log:         synclog.Named(logger, "engine"),
		Peers:       peers,
		Mirror:      mirrorStore,
		Contacts:    contacts,
		Profiles:    profiles,
		Replicator:  repl,
	}
}

// Run starts the node's background loops: the bounded sync-channel
// drain, the periodic inactive-peer retry tick, and a one-shot startup
// sync (spec.md §4.6.7, §5). It returns once the own and global profile
// topics are joined and the startup sync has completed; the background
// loops keep running until Shutdown.
func (n *Node) Run(ctx context.Context) error {
	n.mu.Lock()
	if n.running {
		n.mu.Unlock()
		return fmt.Errorf("engine: node already running")
	}
	runCtx, cancel := context.WithCancel(ctx)
	n.cancel = cancel
	n.running = true
	n.mu.Unlock()

	if err := n.Profiles.JoinGlobalTopic(runCtx); err != nil {
		return err
	}
	if err := n.Profiles.JoinOwnTopic(runCtx); err != nil {
		return err
	}
	if err := n.Profiles.JoinContactTopics(runCtx); err != nil {
		return err
	}

	n.wg.Add(2)
	go n.drainSyncChannel(runCtx)
	go n.peerRetryLoop(runCtx)

	jitter := replicator.RandomJitter(n.cfg.StartupJitterMax)
	if n.dialer != nil {
		result := n.Replicator.StartupSync(runCtx, &startupDialer{contacts: n.Contacts, dialer: n.dialer, metrics: n.metrics}, jitter)
		n.log.Info("startup sync complete",
			"peers_attempted", result.PeersAttempted,
			"peers_succeeded", result.PeersSucceeded,
			"peers_skipped_backoff", result.PeersSkippedBackoff,
			"jitter_ms", result.JitterDelayMs)
	}

	return nil
}

// drainSyncChannel repeatedly calls ProcessPendingSync, implementing
// spec.md §4.6.4's pull-model processing loop. It backs off briefly
// when the channel is empty rather than busy-spinning.
func (n *Node) drainSyncChannel(ctx context.Context) {
	defer n.wg.Done()
	idle := time.NewTicker(10 * time.Millisecond)
	defer idle.Stop()

	for {
		processed, err := n.Replicator.ProcessPendingSync(ctx, n.Profiles.Lookup)
		if err != nil {
			n.log.Warn("processing pending sync message failed", "err", err.Error())
		}
		if processed {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-idle.C:
		}
	}
}

// peerRetryLoop implements spec.md §4.7's background 5-minute tick over
// inactive peers.
func (n *Node) peerRetryLoop(ctx context.Context) {
	defer n.wg.Done()
	if n.cfg.PeerRetryTick <= 0 || n.dialer == nil {
		<-ctx.Done()
		return
	}

	ticker := time.NewTicker(n.cfg.PeerRetryTick)
	defer ticker.Stop()
	d := &startupDialer{contacts: n.Contacts, dialer: n.dialer, metrics: n.metrics}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		now := time.Now()
		for _, p := range n.Peers.ListInactive() {
			if !n.Peers.ShouldRetryNow(p, now) {
				continue
			}
			n.Peers.RecordAttempt(p.EndpointID, now)
			dialCtx, cancel := context.WithTimeout(ctx, transport.DialTimeout)
			err := d.Dial(dialCtx, p)
			cancel()
			if err != nil {
				n.Peers.RecordFailure(p.EndpointID)
				continue
			}
			n.Peers.RecordSuccess(p.EndpointID, time.Now())
		}
	}
}

// Shutdown implements spec.md §5's cancellation contract: save every
// open realm's document, leave every joined topic, stop the background
// loops, and return. It is safe to call even if Run was never called.
func (n *Node) Shutdown() error {
	n.mu.Lock()
	cancel := n.cancel
	running := n.running
	n.running = false
	n.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	n.wg.Wait()

	var firstErr error
	if err := n.Replicator.SaveAllDocuments(); err != nil && firstErr == nil {
		firstErr = err
	}
	for _, id := range n.Replicator.OpenRealmIDs() {
		if err := n.Replicator.StopSync(id); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := n.Profiles.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	_ = running
	return firstErr
}
