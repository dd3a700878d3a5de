package replicator

import (
	"context"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/luxfi/ids"
	"github.com/luxfi/math/set"

	"github.com/trumanellis/syncengine/config"
	"github.com/trumanellis/syncengine/gossip"
	"github.com/trumanellis/syncengine/identity"
	synclog "github.com/trumanellis/syncengine/log"
	"github.com/trumanellis/syncengine/peer"
	"github.com/trumanellis/syncengine/realm"
	"github.com/trumanellis/syncengine/storage"
	"github.com/trumanellis/syncengine/syncerr"
	"github.com/trumanellis/syncengine/syncmsg"
)

// defaultIncomingBacklog is used if cfg.SyncChannelCapacity is left at
// its zero value, so a Replicator built without going through
// config.Default still gets a sane bounded channel.
const defaultIncomingBacklog = 256

type openRealm struct {
	mu     sync.Mutex
	doc    realm.Doc
	key    realm.Key
	sender gossip.Sender
	status RealmStatus
	cancel context.CancelFunc
}

// Replicator owns every realm a node currently has open and the single
// bounded channel their listeners feed into.
type Replicator struct {
	mu       sync.Mutex
	realms   map[realm.ID]*openRealm
	identity *identity.HybridKeypair
	gossip   gossip.GossipSync
	db       storage.Store
	peers    *peer.Registry
	incoming chan ChannelMessage
	log      synclog.Logger
}

// New creates a Replicator. logger may be nil. cfg supplies the
// incoming channel's bounded capacity (spec.md §4.9 "bounded channel").
func New(cfg config.Config, id *identity.HybridKeypair, gs gossip.GossipSync, db storage.Store, peers *peer.Registry, logger synclog.Logger) *Replicator {
	if logger == nil {
		logger = synclog.NewNoOp()
	}
	backlog := cfg.SyncChannelCapacity
	if backlog <= 0 {
		backlog = defaultIncomingBacklog
	}
	return &Replicator{
		realms:   make(map[realm.ID]*openRealm),
		identity: id,
		gossip:   gs,
		db:       db,
		peers:    peers,
		incoming: make(chan ChannelMessage, backlog),
		log:      synclog.Named(logger, "replicator"),
	}
}

func documentKey(id realm.ID) []byte {
	return []byte(hex.EncodeToString(id[:]))
}

// SaveDocument persists a realm's document bytes (spec.md §4.6.4 "After
// any document mutation, save the document bytes to storage").
func (r *Replicator) SaveDocument(id realm.ID, doc realm.Doc) error {
	data, err := doc.Save()
	if err != nil {
		return err
	}
	return r.db.Update(func(tx storage.Tx) error {
		table, err := tx.Table(storage.TableDocuments)
		if err != nil {
			return fmt.Errorf("%w: open documents table: %v", syncerr.ErrStorage, err)
		}
		if err := table.Put(documentKey(id), data); err != nil {
			return fmt.Errorf("%w: write document: %v", syncerr.ErrStorage, err)
		}
		return nil
	})
}

// LoadDocument returns a realm's saved document bytes, if any (spec.md
// §4.6.1 "doc bytes (start empty if missing)").
func (r *Replicator) LoadDocument(id realm.ID) ([]byte, bool, error) {
	var data []byte
	err := r.db.View(func(tx storage.Tx) error {
		table, err := tx.Table(storage.TableDocuments)
		if err != nil {
			return fmt.Errorf("%w: open documents table: %v", syncerr.ErrStorage, err)
		}
		got, err := table.Get(documentKey(id))
		if err != nil {
			return fmt.Errorf("%w: read document: %v", syncerr.ErrStorage, err)
		}
		data = got
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return data, data != nil, nil
}

// StartSync opens realm id's gossip topic, spawns its listener, and
// broadcasts the full document once subscribed (spec.md §4.6.2). A
// realm already syncing is left untouched.
func (r *Replicator) StartSync(ctx context.Context, id realm.ID, key realm.Key, doc realm.Doc, bootstrap set.Set[ids.NodeID]) error {
	r.mu.Lock()
	if _, exists := r.realms[id]; exists {
		r.mu.Unlock()
		return nil
	}
	or := &openRealm{doc: doc, key: key, status: RealmStatus{State: StateConnecting}}
	r.realms[id] = or
	r.mu.Unlock()

	sender, receiver, err := r.gossip.Join(ctx, gossip.TopicID(id), bootstrap)
	if err != nil {
		or.mu.Lock()
		or.status = RealmStatus{State: StateError, Err: err}
		or.mu.Unlock()
		return fmt.Errorf("%w: join realm topic: %v", syncerr.ErrGossip, err)
	}

	or.mu.Lock()
	or.sender = sender
	or.status = RealmStatus{State: StateSyncing}
	or.mu.Unlock()

	listenCtx, cancel := context.WithCancel(ctx)
	or.cancel = cancel
	go r.listen(listenCtx, id, or, receiver)

	if err := r.broadcastFullDocument(ctx, id, or); err != nil {
		r.log.Warn("initial broadcast failed", "realm", hex.EncodeToString(id[:]), "err", err.Error())
	}
	return nil
}

// StopSync leaves realm id's topic and forgets its listener (spec.md
// §4.6.2 "Syncing -> Idle on stop_sync").
func (r *Replicator) StopSync(id realm.ID) error {
	r.mu.Lock()
	or, ok := r.realms[id]
	delete(r.realms, id)
	r.mu.Unlock()
	if !ok {
		return nil
	}

	or.mu.Lock()
	sender := or.sender
	if or.cancel != nil {
		or.cancel()
	}
	or.status = RealmStatus{State: StateIdle}
	or.mu.Unlock()

	if sender == nil {
		return nil
	}
	return sender.Close()
}

// OpenRealmIDs returns the ids of every realm currently open, for
// callers that need to iterate them (e.g. the engine's shutdown path,
// spec.md §5 "shutdown() saves all realms").
func (r *Replicator) OpenRealmIDs() []realm.ID {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]realm.ID, 0, len(r.realms))
	for id := range r.realms {
		ids = append(ids, id)
	}
	return ids
}

// SaveAllDocuments persists every open realm's current document,
// implementing spec.md §5's explicit shutdown save (in addition to the
// save-on-every-mutation already performed by the incoming handlers).
func (r *Replicator) SaveAllDocuments() error {
	for _, id := range r.OpenRealmIDs() {
		r.mu.Lock()
		or, ok := r.realms[id]
		r.mu.Unlock()
		if !ok {
			continue
		}
		or.mu.Lock()
		doc := or.doc
		or.mu.Unlock()
		if err := r.SaveDocument(id, doc); err != nil {
			return err
		}
	}
	return nil
}

// Status reports a currently open realm's sync state.
func (r *Replicator) Status(id realm.ID) (RealmStatus, bool) {
	r.mu.Lock()
	or, ok := r.realms[id]
	r.mu.Unlock()
	if !ok {
		return RealmStatus{}, false
	}
	or.mu.Lock()
	defer or.mu.Unlock()
	return or.status, true
}

func (r *Replicator) listen(ctx context.Context, id realm.ID, or *openRealm, receiver gossip.Receiver) {
	for {
		ev, err := receiver.Recv(ctx)
		if err != nil {
			or.mu.Lock()
			or.status = RealmStatus{State: StateIdle}
			or.mu.Unlock()
			return
		}

		switch ev.Kind {
		case gossip.EventMessage:
			r.enqueue(ctx, ChannelMessage{Kind: KindIncomingData, RealmID: id, EnvelopeBytes: ev.Message})
		case gossip.EventNeighborUp:
			r.peers.RecordNeighborUp(ev.Peer, id, time.Now())
			or.mu.Lock()
			or.status.PeerCount++
			or.mu.Unlock()
			r.enqueue(ctx, ChannelMessage{Kind: KindBroadcastRequest, RealmID: id})
		case gossip.EventNeighborDown:
			r.peers.RecordNeighborDown(ev.Peer)
			or.mu.Lock()
			if or.status.PeerCount > 0 {
				or.status.PeerCount--
			}
			or.mu.Unlock()
		}
	}
}

func (r *Replicator) enqueue(ctx context.Context, msg ChannelMessage) {
	select {
	case r.incoming <- msg:
	case <-ctx.Done():
	}
}

func (r *Replicator) broadcastFullDocument(ctx context.Context, id realm.ID, or *openRealm) error {
	or.mu.Lock()
	doc := or.doc
	key := or.key
	sender := or.sender
	or.mu.Unlock()

	if sender == nil {
		return nil
	}

	data, err := doc.Save()
	if err != nil {
		return err
	}

	e, err := syncmsg.Build(r.identity, realm.NewCipher(key), syncmsg.SyncResponse{RealmID: id, Document: data})
	if err != nil {
		return err
	}

	wire, err := e.CanonicalBytes()
	if err != nil {
		return err
	}

	return sender.Broadcast(ctx, wire)
}
