package engine

import (
	"context"
	"encoding/hex"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/luxfi/ids"
	"github.com/luxfi/math/set"

	"github.com/trumanellis/syncengine/peer"
	"github.com/trumanellis/syncengine/realm"
	"github.com/trumanellis/syncengine/replicator"
	"github.com/trumanellis/syncengine/storage"
	"github.com/trumanellis/syncengine/syncerr"
)

func realmInfoKey(id realm.ID) []byte { return []byte(hex.EncodeToString(id[:])) }
func realmKeyKey(id realm.ID) []byte  { return []byte(hex.EncodeToString(id[:])) }

// CreateRealm persists a new realm's metadata and key (spec.md §3
// RealmInfo/RealmKey), rejecting the reserved "Private" name unless
// allowReserved is set (the node's own auto-created realm, spec.md §8
// Scenario F). It does not start sync; call OpenRealm for that.
func (n *Node) CreateRealm(name string, isShared bool, allowReserved bool, now int64) (realm.Info, realm.Key, error) {
	info, err := realm.NewInfo(name, now, allowReserved)
	if err != nil {
		return realm.Info{}, realm.Key{}, err
	}
	info.IsShared = isShared
	key, err := realm.NewKey()
	if err != nil {
		return realm.Info{}, realm.Key{}, err
	}
	if err := n.saveRealmInfo(info); err != nil {
		return realm.Info{}, realm.Key{}, err
	}
	if err := n.saveRealmKey(info.ID, key); err != nil {
		return realm.Info{}, realm.Key{}, err
	}
	return info, key, nil
}

func (n *Node) saveRealmInfo(info realm.Info) error {
	data, err := cbor.Marshal(info)
	if err != nil {
		return fmt.Errorf("%w: marshal realm info: %v", syncerr.ErrSerialization, err)
	}
	return n.db.Update(func(tx storage.Tx) error {
		table, err := tx.Table(storage.TableRealms)
		if err != nil {
			return err
		}
		return table.Put(realmInfoKey(info.ID), data)
	})
}

// LoadRealmInfo returns a previously created realm's metadata.
func (n *Node) LoadRealmInfo(id realm.ID) (realm.Info, bool, error) {
	var (
		info  realm.Info
		found bool
	)
	err := n.db.View(func(tx storage.Tx) error {
		table, err := tx.Table(storage.TableRealms)
		if err != nil {
			return err
		}
		raw, err := table.Get(realmInfoKey(id))
		if err != nil {
			return err
		}
		if raw == nil {
			return nil
		}
		found = true
		return cbor.Unmarshal(raw, &info)
	})
	return info, found, err
}

func (n *Node) saveRealmKey(id realm.ID, key realm.Key) error {
	return n.db.Update(func(tx storage.Tx) error {
		table, err := tx.Table(storage.TableRealmKeys)
		if err != nil {
			return err
		}
		return table.Put(realmKeyKey(id), append([]byte(nil), key[:]...))
	})
}

func (n *Node) loadRealmKey(id realm.ID) (realm.Key, bool, error) {
	var (
		key   realm.Key
		found bool
	)
	err := n.db.View(func(tx storage.Tx) error {
		table, err := tx.Table(storage.TableRealmKeys)
		if err != nil {
			return err
		}
		raw, err := table.Get(realmKeyKey(id))
		if err != nil {
			return err
		}
		if raw == nil {
			return nil
		}
		found = true
		copy(key[:], raw)
		return nil
	})
	return key, found, err
}

// OpenRealm implements spec.md §4.6.1: load RealmInfo and key
// (generating the key if it's somehow missing), load the saved document
// or start an empty one, and — if the realm is shared and networking is
// requested — immediately start sync. A realm left offline (not shared,
// or networking not requested) is still usable locally through its doc.
func (n *Node) OpenRealm(ctx context.Context, id realm.ID, networkingRequested bool, bootstrap set.Set[ids.NodeID]) (realm.Doc, error) {
	info, ok, err := n.LoadRealmInfo(id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: realm %s not found", syncerr.ErrStorage, hex.EncodeToString(id[:]))
	}

	key, ok, err := n.loadRealmKey(id)
	if err != nil {
		return nil, err
	}
	if !ok {
		key, err = realm.NewKey()
		if err != nil {
			return nil, err
		}
		if err := n.saveRealmKey(id, key); err != nil {
			return nil, err
		}
	}

	myDID, err := n.identity.DID()
	if err != nil {
		return nil, err
	}

	var doc realm.Doc
	docBytes, ok, err := n.Replicator.LoadDocument(id)
	if err != nil {
		return nil, err
	}
	if ok {
		doc = realm.NewDoc(myDID)
		if err := doc.Load(docBytes); err != nil {
			return nil, err
		}
	} else {
		doc = realm.NewDoc(myDID)
	}

	if info.IsShared && networkingRequested {
		if bootstrap == nil {
			bootstrap = n.bootstrapPeersFor(info)
		}
		if err := n.Replicator.StartSync(ctx, id, key, doc, bootstrap); err != nil {
			return doc, err
		}
		n.Replicator.StartBootstrapReconnect(ctx, id, bootstrap)
		n.metrics.RealmsSyncing.Inc()
	}

	return doc, nil
}

// bootstrapPeersFor unions a realm's saved bootstrap peers with the
// online peers the registry already knows share it (spec.md §4.6.2
// "union-of(static bootstrap peers from storage, online peers from
// registry that share this realm)").
func (n *Node) bootstrapPeersFor(info realm.Info) set.Set[ids.NodeID] {
	peers := set.Set[ids.NodeID]{}
	for _, raw := range info.BootstrapPeers {
		var addr struct {
			NodeID [32]byte `cbor:"1,keyasint"`
		}
		if err := cbor.Unmarshal(raw, &addr); err != nil {
			continue
		}
		peers.Add(nodeIDFrom32(addr.NodeID))
	}
	for _, p := range n.Peers.ListForStartup() {
		if p.Status != peer.StatusOnline {
			continue
		}
		for _, shared := range p.SharedRealms {
			if shared == info.ID {
				peers.Add(p.EndpointID)
				break
			}
		}
	}
	return peers
}

func nodeIDFrom32(b [32]byte) ids.NodeID {
	var out ids.NodeID
	copy(out[:], b[:])
	return out
}

// CloseRealm stops a realm's sync and leaves its gossip topic (spec.md
// §4.6.2 "Syncing -> Idle on stop_sync").
func (n *Node) CloseRealm(id realm.ID) error {
	status, wasOpen := n.Replicator.Status(id)
	if err := n.Replicator.StopSync(id); err != nil {
		return err
	}
	if wasOpen && status.State == replicator.StateSyncing {
		n.metrics.RealmsSyncing.Dec()
	}
	return nil
}
