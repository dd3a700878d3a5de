// Package replicator implements spec.md §4.6: RealmReplicator, the
// per-realm state machine that subscribes to a realm's gossip topic,
// broadcasts CRDT state, and merges what it receives.
package replicator

import "github.com/trumanellis/syncengine/realm"

// State is a realm's sync lifecycle state (spec.md §4.6.2): Idle ->
// Connecting -> Syncing{peer_count} -> Idle (on stop_sync) or Error(msg).
type State uint8

const (
	StateIdle State = iota
	StateConnecting
	StateSyncing
	StateError
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateSyncing:
		return "syncing"
	case StateError:
		return "error"
	default:
		return "idle"
	}
}

// RealmStatus is the externally observable state of one open realm.
type RealmStatus struct {
	State     State
	PeerCount int
	Err       error
}

// ChannelKind discriminates the messages a listener forwards to the
// engine's pull loop (spec.md §4.6.3/§4.6.4).
type ChannelKind uint8

const (
	KindIncomingData ChannelKind = iota + 1
	KindBroadcastRequest
)

// ChannelMessage is one event queued for process_pending_sync.
type ChannelMessage struct {
	Kind          ChannelKind
	RealmID       realm.ID
	EnvelopeBytes []byte
}
