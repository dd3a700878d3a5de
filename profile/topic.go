package profile

import (
	"github.com/zeebo/blake3"

	"github.com/trumanellis/syncengine/gossip"
)

const globalTopicDomain = "sync-profile-global"

// GlobalTopic is the implementation-defined global profile topic every
// node may join to relay packets for recipients it has no direct 1:1 or
// own-topic channel to yet (spec.md §6.3 "Global profile:
// implementation-defined constant"; §4.9 "Packet relay on global
// topic").
var GlobalTopic = func() gossip.TopicID {
	h := blake3.New()
	h.Write([]byte(globalTopicDomain))
	var out gossip.TopicID
	copy(out[:], h.Sum(nil))
	return out
}()
