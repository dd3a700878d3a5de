package replicator

import (
	"context"
	"encoding/hex"

	"github.com/fxamacker/cbor/v2"
	"github.com/luxfi/ids"
	"github.com/luxfi/math/set"

	"github.com/trumanellis/syncengine/gossip"
	"github.com/trumanellis/syncengine/identity"
	"github.com/trumanellis/syncengine/realm"
	"github.com/trumanellis/syncengine/storage"
	"github.com/trumanellis/syncengine/syncmsg"
)

// PinnedProfileLookup resolves a DID to the public key bundle the engine
// has pinned for it (spec.md §4.9), used to verify incoming sync
// envelopes. Callers that have not pinned a sender must return
// (identity.PublicBundle{}, false).
type PinnedProfileLookup func(did string) (identity.PublicBundle, bool)

// ProcessPendingSync drains and applies a single queued ChannelMessage
// (spec.md §4.6.4 "process_pending_sync", the engine's pull model).
// It returns (false, nil) when nothing is pending.
func (r *Replicator) ProcessPendingSync(ctx context.Context, lookup PinnedProfileLookup) (bool, error) {
	select {
	case msg := <-r.incoming:
		return true, r.handleChannelMessage(ctx, msg, lookup)
	default:
		return false, nil
	}
}

func (r *Replicator) handleChannelMessage(ctx context.Context, msg ChannelMessage, lookup PinnedProfileLookup) error {
	r.mu.Lock()
	or, ok := r.realms[msg.RealmID]
	r.mu.Unlock()
	if !ok {
		return nil
	}

	switch msg.Kind {
	case KindIncomingData:
		return r.handleIncoming(ctx, msg.RealmID, or, msg.EnvelopeBytes, lookup)
	case KindBroadcastRequest:
		return r.broadcastFullDocument(ctx, msg.RealmID, or)
	default:
		return nil
	}
}

// handleIncoming implements spec.md §4.6.4's dispatch over an opened
// SyncMessage. Signature-invalid and undecryptable envelopes are
// dropped silently per spec.md §7's propagation policy; they must never
// take down the listener.
func (r *Replicator) handleIncoming(ctx context.Context, id realm.ID, or *openRealm, envelopeBytes []byte, lookup PinnedProfileLookup) error {
	realmHex := hex.EncodeToString(id[:])

	e, err := syncmsg.Decode(envelopeBytes)
	if err != nil {
		r.log.Warn("dropping malformed sync envelope", "realm", realmHex, "err", err.Error())
		return nil
	}

	pub, ok := lookup(e.SenderDID)
	if !ok || !syncmsg.Verify(e, pub) {
		r.log.Warn("dropping sync envelope with invalid signature", "realm", realmHex, "sender", e.SenderDID)
		return nil
	}

	or.mu.Lock()
	cipher := realm.NewCipher(or.key)
	or.mu.Unlock()

	msg, err := syncmsg.Open(e, cipher)
	if err != nil {
		r.log.Warn("dropping undecryptable sync envelope", "realm", realmHex, "err", err.Error())
		return nil
	}

	switch m := msg.(type) {
	case syncmsg.SyncResponse:
		return r.applyRemoteDocument(id, or, m.Document)
	case syncmsg.Changes:
		return r.applyChanges(id, or, m.Data)
	case syncmsg.SyncRequest:
		r.enqueue(ctx, ChannelMessage{Kind: KindBroadcastRequest, RealmID: id})
		return nil
	case syncmsg.Announce:
		return r.handleAnnounce(ctx, id, m)
	default:
		return nil
	}
}

// applyRemoteDocument implements spec.md §4.6.4's special rule: an
// empty local document replaces wholesale rather than merges, since a
// CRDT merge with no shared history would drop the remote's content to
// actor-id tie-breaking.
func (r *Replicator) applyRemoteDocument(id realm.ID, or *openRealm, remoteBytes []byte) error {
	or.mu.Lock()
	defer or.mu.Unlock()

	remote := or.doc.Fork()
	if err := remote.Load(remoteBytes); err != nil {
		return err
	}

	if or.doc.TaskCount() == 0 && remote.TaskCount() > 0 {
		or.doc = remote
	} else if err := or.doc.Merge(remote); err != nil {
		return err
	}
	return r.SaveDocument(id, or.doc)
}

func (r *Replicator) applyChanges(id realm.ID, or *openRealm, data []byte) error {
	or.mu.Lock()
	defer or.mu.Unlock()

	if err := or.doc.ApplySyncMessage(data); err != nil {
		return err
	}
	return r.SaveDocument(id, or.doc)
}

func (r *Replicator) handleAnnounce(ctx context.Context, id realm.ID, m syncmsg.Announce) error {
	if m.SenderAddr == nil {
		return nil
	}
	peers := set.Set[ids.NodeID]{}
	peers.Add(gossip.NodeIDFromAddr(m.SenderAddr.NodeID))
	if err := r.gossip.AddBootstrap(ctx, gossip.TopicID(id), peers); err != nil {
		return err
	}
	return r.persistBootstrapPeer(id, *m.SenderAddr)
}

func realmInfoKey(id realm.ID) []byte {
	return []byte(hex.EncodeToString(id[:]))
}

// persistBootstrapPeer adds addr to the realm's saved bootstrap peers,
// deduplicated by node id (spec.md §4.6.4 Announce handling).
func (r *Replicator) persistBootstrapPeer(id realm.ID, addr syncmsg.NodeAddr) error {
	addrBytes, err := cbor.Marshal(addr)
	if err != nil {
		return err
	}

	return r.db.Update(func(tx storage.Tx) error {
		table, err := tx.Table(storage.TableRealms)
		if err != nil {
			return err
		}
		key := realmInfoKey(id)
		raw, err := table.Get(key)
		if err != nil {
			return err
		}

		info := realm.Info{ID: id}
		if raw != nil {
			if err := cbor.Unmarshal(raw, &info); err != nil {
				return err
			}
		}

		for _, existing := range info.BootstrapPeers {
			var existingAddr syncmsg.NodeAddr
			if err := cbor.Unmarshal(existing, &existingAddr); err == nil && existingAddr.NodeID == addr.NodeID {
				return nil
			}
		}
		info.BootstrapPeers = append(info.BootstrapPeers, addrBytes)

		out, err := cbor.Marshal(info)
		if err != nil {
			return err
		}
		return table.Put(key, out)
	})
}
