// Package contact implements spec.md §4.8: ContactManager, the
// four-step invite/request/accept/finalize protocol that turns a shared
// invite string into a mutually-subscribed 1:1 gossip channel.
package contact

import (
	"github.com/zeebo/blake3"

	"github.com/trumanellis/syncengine/gossip"
	"github.com/trumanellis/syncengine/realm"
)

const (
	contactTopicDomain = "sync-contact-topic"
	contactKeyDomain   = "sync-contact-key"
	profileTopicDomain = "sync-profile"
)

// orderedDIDs returns (a, b) such that a <= b lexicographically, giving
// both sides of a pair the same derivation input regardless of which
// one computes it first.
func orderedDIDs(didA, didB string) (string, string) {
	if didA <= didB {
		return didA, didB
	}
	return didB, didA
}

// Topic derives the 1:1 gossip topic for a contact pair (spec.md §6.3):
// BLAKE3("sync-contact-topic" ‖ min(a,b) ‖ max(a,b)).
func Topic(didA, didB string) gossip.TopicID {
	lo, hi := orderedDIDs(didA, didB)
	h := blake3.New()
	h.Write([]byte(contactTopicDomain))
	h.Write([]byte(lo))
	h.Write([]byte(hi))
	var out gossip.TopicID
	copy(out[:], h.Sum(nil))
	return out
}

// Key derives the 1:1 contact's shared symmetric key (spec.md §6.3/§4.8.4):
// BLAKE3("sync-contact-key" ‖ min(a,b) ‖ max(a,b)). Neither side transmits
// this key; both derive it identically from the DID pair.
func Key(didA, didB string) realm.Key {
	lo, hi := orderedDIDs(didA, didB)
	h := blake3.New()
	h.Write([]byte(contactKeyDomain))
	h.Write([]byte(lo))
	h.Write([]byte(hi))
	var out realm.Key
	copy(out[:], h.Sum(nil))
	return out
}

// ProfileTopic derives a node's per-peer profile topic (spec.md §6.3):
// BLAKE3("sync-profile" ‖ did). A node subscribes to its own topic to
// broadcast; contacts subscribe to receive.
func ProfileTopic(did string) gossip.TopicID {
	h := blake3.New()
	h.Write([]byte(profileTopicDomain))
	h.Write([]byte(did))
	var out gossip.TopicID
	copy(out[:], h.Sum(nil))
	return out
}
