// Package metrics exposes the counters and gauges emitted by the sync
// engine. Observability isn't part of spec.md's component table, but every
// package the engine is grounded on registers its activity with
// prometheus.Registerer the same way, so this stays ambient rather than
// optional.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is the full set of counters/gauges for one node.
type Metrics struct {
	reg prometheus.Registerer

	EnvelopesVerified  prometheus.Counter
	EnvelopesRejected  *prometheus.CounterVec // by reason: signature, decrypt, not_recipient
	PacketsMirrored    prometheus.Counter
	PacketsForked      prometheus.Counter
	PacketsRelayed     prometheus.Counter
	RealmsSyncing      prometheus.Gauge
	RealmBroadcasts    prometheus.Counter
	PeerConnectAttempt prometheus.Counter
	PeerConnectSuccess prometheus.Counter
	PeerConnectFailure prometheus.Counter
	ContactsRequested  prometheus.Counter
	ContactsAccepted   prometheus.Counter
	ContactsDeclined   prometheus.Counter
	ProfilesAnnounced  prometheus.Counter
	ProfilesPinned     prometheus.Counter
}

// New registers and returns a fresh Metrics bound to reg. Registration
// failures (duplicate collector names) are swallowed the way the teacher's
// NewAveragerWithErrs degrades to a no-op rather than failing node startup.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		reg: reg,
		EnvelopesVerified: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "syncengine_envelopes_verified_total",
			Help: "Envelopes that passed signature verification.",
		}),
		EnvelopesRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "syncengine_envelopes_rejected_total",
			Help: "Envelopes dropped, by reason.",
		}, []string{"reason"}),
		PacketsMirrored: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "syncengine_packets_mirrored_total",
			Help: "Packets newly written to the mirror store.",
		}),
		PacketsForked: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "syncengine_packets_forked_total",
			Help: "Conflicting (sender, sequence) pairs observed.",
		}),
		PacketsRelayed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "syncengine_packets_relayed_total",
			Help: "Packets forwarded to recipients from the relay index.",
		}),
		RealmsSyncing: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "syncengine_realms_syncing",
			Help: "Realms currently in the Syncing state.",
		}),
		RealmBroadcasts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "syncengine_realm_broadcasts_total",
			Help: "SyncResponse/Changes envelopes broadcast on realm topics.",
		}),
		PeerConnectAttempt: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "syncengine_peer_connect_attempts_total",
			Help: "QUIC connect attempts to known peers.",
		}),
		PeerConnectSuccess: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "syncengine_peer_connect_success_total",
			Help: "QUIC connect attempts that succeeded.",
		}),
		PeerConnectFailure: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "syncengine_peer_connect_failure_total",
			Help: "QUIC connect attempts that failed.",
		}),
		ContactsRequested: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "syncengine_contacts_requested_total",
			Help: "Outgoing ContactRequest messages sent.",
		}),
		ContactsAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "syncengine_contacts_accepted_total",
			Help: "Pending contacts finalized into ContactInfo.",
		}),
		ContactsDeclined: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "syncengine_contacts_declined_total",
			Help: "Pending contacts declined or cancelled.",
		}),
		ProfilesAnnounced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "syncengine_profiles_announced_total",
			Help: "SignedProfile announcements broadcast.",
		}),
		ProfilesPinned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "syncengine_profiles_pinned_total",
			Help: "Profiles pinned (own, contact, realm member, manual).",
		}),
	}
	for _, c := range []prometheus.Collector{
		m.EnvelopesVerified, m.EnvelopesRejected, m.PacketsMirrored,
		m.PacketsForked, m.PacketsRelayed, m.RealmsSyncing, m.RealmBroadcasts,
		m.PeerConnectAttempt, m.PeerConnectSuccess, m.PeerConnectFailure,
		m.ContactsRequested, m.ContactsAccepted, m.ContactsDeclined,
		m.ProfilesAnnounced, m.ProfilesPinned,
	} {
		if reg != nil {
			_ = reg.Register(c) // best-effort; duplicate registration must not abort startup
		}
	}
	return m
}

// NoOp returns a Metrics instance backed by an unregistered, private
// registry — safe to use in tests or when no prometheus.Registerer was
// configured.
func NoOp() *Metrics {
	return New(prometheus.NewRegistry())
}
