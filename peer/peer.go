// Package peer implements spec.md §4.7: PeerRegistry, the per-peer
// connection metadata and Fibonacci-backoff retry gate consulted by the
// replicator's startup sync and background reconnect tick.
package peer

import (
	"sort"
	"sync"
	"time"

	"github.com/luxfi/ids"

	"github.com/trumanellis/syncengine/config"
	"github.com/trumanellis/syncengine/event"
	synclog "github.com/trumanellis/syncengine/log"
	"github.com/trumanellis/syncengine/realm"
)

// Status is a peer's last-known connectivity (spec.md §3 "PeerInfo").
type Status uint8

const (
	StatusUnknown Status = iota
	StatusOnline
	StatusOffline
)

func (s Status) String() string {
	switch s {
	case StatusOnline:
		return "online"
	case StatusOffline:
		return "offline"
	default:
		return "unknown"
	}
}

// Info is a node's metadata about a single remote peer.
type Info struct {
	EndpointID            ids.NodeID
	DID                   string
	Status                Status
	IsContact             bool
	LastSeen              time.Time
	ConnectionAttempts    int
	SuccessfulConnections int
	LastAttempt           time.Time
	SharedRealms          []realm.ID
	ProfileDisplayName    string
}

// ShouldRetryNow reports whether enough time has elapsed since the last
// attempt to justify another (spec.md §4.7 "should_retry_now"), given
// the Fibonacci backoff's base unit and cap.
func (p Info) ShouldRetryNow(now time.Time, base, cap time.Duration) bool {
	if p.LastAttempt.IsZero() {
		return true
	}
	return now.Sub(p.LastAttempt) >= backoffDelay(p.ConnectionAttempts, base, cap)
}

// EventKind discriminates the events published on a Registry's Events
// bus (spec.md §4.6.3).
type EventKind uint8

const (
	EventPeerConnected EventKind = iota + 1
	EventPeerDisconnected
)

// Event is a single peer connectivity occurrence (spec.md §4.6.3
// "emit PeerConnected event" / "emit event" on NeighborDown).
type Event struct {
	Kind       EventKind
	EndpointID ids.NodeID
}

// Registry tracks every peer a node has ever seen.
type Registry struct {
	mu          sync.Mutex
	peers       map[ids.NodeID]*Info
	log         synclog.Logger
	events      *event.Bus[Event]
	backoffBase time.Duration
	backoffCap  time.Duration
}

// New creates an empty registry. A nil logger falls back to a no-op
// one. cfg supplies the event broadcast capacity (spec.md §5: fixed
// capacity 256) and the Fibonacci backoff's base/cap (spec.md §4.7).
func New(cfg config.Config, logger synclog.Logger) *Registry {
	if logger == nil {
		logger = synclog.NewNoOp()
	}
	return &Registry{
		peers:       make(map[ids.NodeID]*Info),
		log:         synclog.Named(logger, "peer-registry"),
		events:      event.NewBus[Event](cfg.EventChannelCapacity),
		backoffBase: cfg.PeerBackoffBase,
		backoffCap:  cfg.PeerBackoffCap,
	}
}

// Events returns the registry's PeerEvent broadcast bus.
func (r *Registry) Events() *event.Bus[Event] { return r.events }

// ShouldRetryNow reports whether p is due for a retry, using the
// registry's configured Fibonacci backoff base/cap.
func (r *Registry) ShouldRetryNow(p Info, now time.Time) bool {
	return p.ShouldRetryNow(now, r.backoffBase, r.backoffCap)
}

// Upsert inserts or fetches the entry for endpointID, creating it with
// StatusUnknown if this is the first time it's been seen.
func (r *Registry) Upsert(endpointID ids.NodeID) *Info {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.upsertLocked(endpointID)
}

func (r *Registry) upsertLocked(endpointID ids.NodeID) *Info {
	p, ok := r.peers[endpointID]
	if !ok {
		p = &Info{EndpointID: endpointID, Status: StatusUnknown}
		r.peers[endpointID] = p
	}
	return p
}

// Get returns the peer's known info, if any.
func (r *Registry) Get(endpointID ids.NodeID) (Info, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.peers[endpointID]
	if !ok {
		return Info{}, false
	}
	return *p, true
}

// MarkContact records that endpointID is a confirmed contact, used by
// ContactManager.FinalizeContact (spec.md §4.8.5 step 2: "unified Peer
// record with PeerSource::FromContact").
func (r *Registry) MarkContact(endpointID ids.NodeID, did string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := r.upsertLocked(endpointID)
	p.IsContact = true
	p.DID = did
}

// SetProfileDisplayName mirrors a freshly announced profile's display
// name onto the matching peer record for fast lookup (spec.md §4.9
// "also mirror into the unified Peer.profile"). Reports whether a peer
// with that DID was found; a miss means no endpoint has been
// associated with did yet, and the caller's ProfilePin remains the
// source of truth.
func (r *Registry) SetProfileDisplayName(did, displayName string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.peers {
		if p.DID == did {
			p.ProfileDisplayName = displayName
			return true
		}
	}
	return false
}

// RecordNeighborUp marks endpointID Online and records the realms it was
// seen sharing (spec.md §4.6.3 NeighborUp).
func (r *Registry) RecordNeighborUp(endpointID ids.NodeID, sharedRealm realm.ID, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := r.upsertLocked(endpointID)
	p.Status = StatusOnline
	p.LastSeen = now
	if !containsRealm(p.SharedRealms, sharedRealm) {
		p.SharedRealms = append(p.SharedRealms, sharedRealm)
	}
	r.log.Info("peer connected", "endpoint", endpointID.String())
	r.events.Publish(Event{Kind: EventPeerConnected, EndpointID: endpointID})
}

// RecordNeighborDown marks endpointID Offline.
func (r *Registry) RecordNeighborDown(endpointID ids.NodeID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := r.upsertLocked(endpointID)
	p.Status = StatusOffline
	r.log.Info("peer disconnected", "endpoint", endpointID.String())
	r.events.Publish(Event{Kind: EventPeerDisconnected, EndpointID: endpointID})
}

// RecordAttempt increments the attempt counter and timestamps it,
// ahead of a dial (spec.md §4.7 "record_attempt").
func (r *Registry) RecordAttempt(endpointID ids.NodeID, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := r.upsertLocked(endpointID)
	p.ConnectionAttempts++
	p.LastAttempt = now
}

// RecordSuccess marks a successful connection, resetting the attempt
// counter so backoff shrinks back to its base delay.
func (r *Registry) RecordSuccess(endpointID ids.NodeID, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := r.upsertLocked(endpointID)
	p.SuccessfulConnections++
	p.ConnectionAttempts = 0
	p.Status = StatusOnline
	p.LastSeen = now
}

// RecordFailure marks a failed connection attempt, leaving the attempt
// counter intact so the next ShouldRetryNow check honors backoff.
func (r *Registry) RecordFailure(endpointID ids.NodeID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := r.upsertLocked(endpointID)
	p.Status = StatusOffline
}

// ListInactive returns every peer not currently Online (spec.md §4.7
// "list_inactive").
func (r *Registry) ListInactive() []Info {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Info, 0, len(r.peers))
	for _, p := range r.peers {
		if p.Status != StatusOnline {
			out = append(out, *p)
		}
	}
	return out
}

// ListForStartup returns every known peer sorted (is_contact desc,
// last_seen desc) per spec.md §4.6.7's startup sync iteration order.
func (r *Registry) ListForStartup() []Info {
	r.mu.Lock()
	out := make([]Info, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, *p)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].IsContact != out[j].IsContact {
			return out[i].IsContact
		}
		return out[i].LastSeen.After(out[j].LastSeen)
	})
	return out
}

func containsRealm(realms []realm.ID, id realm.ID) bool {
	for _, r := range realms {
		if r == id {
			return true
		}
	}
	return false
}
