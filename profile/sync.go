package profile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/luxfi/ids"
	"github.com/luxfi/math/set"

	"github.com/trumanellis/syncengine/config"
	"github.com/trumanellis/syncengine/contact"
	"github.com/trumanellis/syncengine/envelope"
	"github.com/trumanellis/syncengine/event"
	"github.com/trumanellis/syncengine/gossip"
	"github.com/trumanellis/syncengine/identity"
	synclog "github.com/trumanellis/syncengine/log"
	"github.com/trumanellis/syncengine/metrics"
	"github.com/trumanellis/syncengine/mirror"
	"github.com/trumanellis/syncengine/peer"
	"github.com/trumanellis/syncengine/profilekeys"
	"github.com/trumanellis/syncengine/storage"
	"github.com/trumanellis/syncengine/syncerr"
)

var _ contact.ProfilePinner = (*ProfileSync)(nil)

// EventKind discriminates the events published on a ProfileSync's
// Events bus (spec.md §4.9).
type EventKind uint8

const (
	EventProfileUpdated EventKind = iota + 1
)

// Event is a single profile occurrence (spec.md §4.9 "Emit
// ProfileUpdated{did}").
type Event struct {
	Kind EventKind
	DID  string
}

// ProfileSync implements spec.md §4.9: it announces this node's own
// profile to every channel a counterparty might be listening on,
// auto-pins announces received from accepted contacts, and relays
// packets observed on the global topic into the MirrorStore on behalf
// of recipients this node hasn't met directly yet.
type ProfileSync struct {
	identity    *identity.HybridKeypair
	profileKeys *profilekeys.ProfileKeys
	gossipSync  gossip.GossipSync
	mirrorStore *mirror.Store
	contacts    *contact.Manager
	peers       *peer.Registry
	pins        *PinStore
	metrics     *metrics.Metrics
	log         synclog.Logger
	events      *event.Bus[Event]

	mu      sync.Mutex
	senders map[gossip.TopicID]gossip.Sender
	cancels map[gossip.TopicID]context.CancelFunc
}

// New creates a ProfileSync. m and logger may be nil. cfg supplies the
// ProfileEvent broadcast capacity (spec.md §5: fixed capacity 256).
func New(
	cfg config.Config,
	id *identity.HybridKeypair,
	pk *profilekeys.ProfileKeys,
	db storage.Store,
	gs gossip.GossipSync,
	mirrorStore *mirror.Store,
	contacts *contact.Manager,
	peers *peer.Registry,
	m *metrics.Metrics,
	logger synclog.Logger,
) *ProfileSync {
	if logger == nil {
		logger = synclog.NewNoOp()
	}
	if m == nil {
		m = metrics.NoOp()
	}
	return &ProfileSync{
		identity:    id,
		profileKeys: pk,
		gossipSync:  gs,
		mirrorStore: mirrorStore,
		contacts:    contacts,
		peers:       peers,
		pins:        NewPinStore(db),
		metrics:     m,
		log:         synclog.Named(logger, "profile-sync"),
		events:      event.NewBus[Event](cfg.EventChannelCapacity),
		senders:     make(map[gossip.TopicID]gossip.Sender),
		cancels:     make(map[gossip.TopicID]context.CancelFunc),
	}
}

// Pins exposes the underlying PinStore for callers that manage pins
// directly (e.g. realm membership adding/removing a RealmMember reason).
func (s *ProfileSync) Pins() *PinStore { return s.pins }

// Events returns the ProfileSync's ProfileEvent broadcast bus.
func (s *ProfileSync) Events() *event.Bus[Event] { return s.events }

func (s *ProfileSync) joinTopic(ctx context.Context, topic gossip.TopicID) (gossip.Sender, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sender, ok := s.senders[topic]; ok {
		return sender, nil
	}

	sender, receiver, err := s.gossipSync.Join(ctx, topic, set.Set[ids.NodeID]{})
	if err != nil {
		return nil, fmt.Errorf("%w: join profile topic: %v", syncerr.ErrGossip, err)
	}

	listenCtx, cancel := context.WithCancel(ctx)
	s.senders[topic] = sender
	s.cancels[topic] = cancel
	go s.listen(listenCtx, receiver)
	return sender, nil
}

func (s *ProfileSync) broadcastOn(ctx context.Context, topic gossip.TopicID, wire []byte) error {
	sender, err := s.joinTopic(ctx, topic)
	if err != nil {
		return err
	}
	return sender.Broadcast(ctx, wire)
}

// JoinGlobalTopic subscribes to the implementation-defined global
// profile topic so this node can relay packets on behalf of recipients
// it has no direct channel to yet.
func (s *ProfileSync) JoinGlobalTopic(ctx context.Context) error {
	_, err := s.joinTopic(ctx, GlobalTopic)
	return err
}

// JoinOwnTopic subscribes to this node's own profile topic, the channel
// new contacts listen on before their first direct broadcast arrives.
func (s *ProfileSync) JoinOwnTopic(ctx context.Context) error {
	myDID, err := s.identity.DID()
	if err != nil {
		return err
	}
	_, err = s.joinTopic(ctx, contact.ProfileTopic(myDID))
	return err
}

// JoinContactTopics subscribes to every accepted contact's 1:1 topic,
// typically called once at startup after restoring a node's contact
// list (spec.md §4.9 "each active 1:1 contact topic").
func (s *ProfileSync) JoinContactTopics(ctx context.Context) error {
	myDID, err := s.identity.DID()
	if err != nil {
		return err
	}
	contactDIDs, err := s.contacts.ListContacts()
	if err != nil {
		return err
	}
	for _, contactDID := range contactDIDs {
		if _, err := s.joinTopic(ctx, contact.Topic(myDID, contactDID)); err != nil {
			return err
		}
	}
	return nil
}

func (s *ProfileSync) listen(ctx context.Context, receiver gossip.Receiver) {
	for {
		ev, err := receiver.Recv(ctx)
		if err != nil {
			return
		}
		if ev.Kind == gossip.EventMessage {
			s.handleMessage(ev.Message)
		}
	}
}

func (s *ProfileSync) handleMessage(data []byte) {
	msg, err := DecodeGossipMessage(data)
	if err != nil {
		s.log.Warn("dropping malformed profile gossip message", "err", err.Error())
		return
	}
	switch m := msg.(type) {
	case *Announce:
		s.handleAnnounce(*m)
	case *Packet:
		s.handlePacketRelay(m.Envelope)
	}
}

// handleAnnounce implements spec.md §4.9's Receive flow: verify
// signature, auto-pin as Contact if the sender is an accepted contact,
// mirror the display name into the unified peer record. There is no ack
// protocol.
func (s *ProfileSync) handleAnnounce(a Announce) {
	if !Verify(a.SignedProfile) {
		s.log.Warn("dropping profile announce with invalid signature")
		return
	}
	did, err := a.SignedProfile.DID()
	if err != nil {
		s.log.Warn("dropping profile announce with malformed public bundle", "err", err.Error())
		return
	}
	if myDID, err := s.identity.DID(); err == nil && did == myDID {
		return
	}

	isContact, err := s.contacts.IsContact(did)
	if err != nil {
		s.log.Warn("checking contact status failed", "did", did, "err", err.Error())
		return
	}
	if !isContact {
		s.log.Info("dropping profile announce from non-contact", "did", did)
		return
	}

	if err := s.pins.Pin(did, a.SignedProfile, RelationshipContact, ReasonContact, nil, time.Now().UnixMilli()); err != nil {
		s.log.Warn("pinning announced profile failed", "did", did, "err", err.Error())
		return
	}
	s.peers.SetProfileDisplayName(did, a.SignedProfile.Profile.DisplayName)
	s.metrics.ProfilesPinned.Inc()
	s.log.Info("profile pinned from announce", "did", did, "display_name", a.SignedProfile.Profile.DisplayName)
	s.events.Publish(Event{Kind: EventProfileUpdated, DID: did})
}

// handlePacketRelay implements spec.md §4.9's packet relay on the global
// topic: store in the MirrorStore only if the sender is an accepted
// contact, otherwise drop.
func (s *ProfileSync) handlePacketRelay(e envelope.PacketEnvelope) {
	isContact, err := s.contacts.IsContact(e.Header.Sender)
	if err != nil {
		s.log.Warn("checking contact status for packet relay failed", "sender", e.Header.Sender, "err", err.Error())
		return
	}
	if !isContact {
		s.log.Info("dropping relayed packet from non-contact", "sender", e.Header.Sender)
		return
	}

	if err := s.mirrorStore.StorePacket(e); err != nil {
		var fork *mirror.Fork
		if errors.As(err, &fork) {
			s.log.Warn("relayed packet forked against existing mirror entry", "sender", e.Header.Sender, "sequence", e.Header.Sequence)
			return
		}
		s.log.Warn("storing relayed packet failed", "sender", e.Header.Sender, "err", err.Error())
	}
}

// PinFromContact implements contact.ProfilePinner: the counterparty's
// signed profile bytes exchanged during the four-step contact protocol
// are pinned immediately on finalize, without waiting for the next
// announce (spec.md §4.8.5 step 3).
func (s *ProfileSync) PinFromContact(did string, signedProfileBytes []byte) error {
	sp, err := DecodeSignedProfile(signedProfileBytes)
	if err != nil {
		return err
	}
	if !Verify(sp) {
		return fmt.Errorf("%w: contact-exchanged profile signature invalid", syncerr.ErrSignatureInvalid)
	}
	gotDID, err := sp.DID()
	if err != nil {
		return err
	}
	if gotDID != did {
		return fmt.Errorf("%w: contact-exchanged profile DID does not match counterparty", syncerr.ErrSignatureInvalid)
	}

	if err := s.pins.Pin(did, sp, RelationshipContact, ReasonContact, nil, time.Now().UnixMilli()); err != nil {
		return err
	}
	s.peers.SetProfileDisplayName(did, sp.Profile.DisplayName)
	s.metrics.ProfilesPinned.Inc()
	return nil
}

// AnnounceProfile implements spec.md §4.9's Announce flow: build and
// sign a SignedProfile, pin it locally as Own, then broadcast it on the
// node's own profile topic and every active 1:1 contact topic.
func (s *ProfileSync) AnnounceProfile(ctx context.Context, p Profile, avatarTicket string) (SignedProfile, error) {
	sp, err := BuildSignedProfile(s.profileKeys, p)
	if err != nil {
		return SignedProfile{}, err
	}
	myDID, err := s.identity.DID()
	if err != nil {
		return SignedProfile{}, err
	}
	if err := s.pins.Pin(myDID, sp, RelationshipOwn, ReasonOwn, nil, time.Now().UnixMilli()); err != nil {
		return SignedProfile{}, err
	}
	s.peers.SetProfileDisplayName(myDID, p.DisplayName)

	wire, err := EncodeAnnounce(Announce{SignedProfile: sp, AvatarTicket: avatarTicket})
	if err != nil {
		return SignedProfile{}, err
	}

	if err := s.broadcastOn(ctx, contact.ProfileTopic(myDID), wire); err != nil {
		return SignedProfile{}, err
	}

	contactDIDs, err := s.contacts.ListContacts()
	if err != nil {
		return SignedProfile{}, err
	}
	for _, contactDID := range contactDIDs {
		if err := s.broadcastOn(ctx, contact.Topic(myDID, contactDID), wire); err != nil {
			s.log.Warn("broadcasting profile announce to contact failed", "contact", contactDID, "err", err.Error())
		}
	}

	s.metrics.ProfilesAnnounced.Inc()
	s.log.Info("profile announced", "did", myDID, "contacts", len(contactDIDs))
	return sp, nil
}

// nextEnvelopeHeader computes the sequence and prev_hash for this
// node's next outgoing packet by consulting the MirrorStore, which
// holds our own packet log alongside everyone else's (spec.md §4.5).
func (s *ProfileSync) nextEnvelopeHeader() (sequence uint64, prevHash [32]byte, err error) {
	myDID, err := s.identity.DID()
	if err != nil {
		return 0, [32]byte{}, err
	}
	head, ok, err := s.mirrorStore.GetHead(myDID)
	if err != nil {
		return 0, [32]byte{}, err
	}
	if !ok {
		return 0, [32]byte{}, nil
	}
	pkt, err := s.mirrorStore.GetPacket(myDID, head)
	if err != nil {
		return 0, [32]byte{}, err
	}
	if pkt == nil {
		return 0, [32]byte{}, fmt.Errorf("%w: own packet log head missing at sequence %d", syncerr.ErrStorage, head)
	}
	hash, err := pkt.Hash()
	if err != nil {
		return 0, [32]byte{}, err
	}
	return head + 1, hash, nil
}

// SendDirectMessage implements spec.md §4.9's Direct messaging: content
// is sealed to [recipient_bundle, sender_bundle] and broadcast on the
// recipient's 1:1 contact topic. The recipient must already be pinned
// (via a prior contact finalize or profile announce) so its key-exchange
// bundle is known.
func (s *ProfileSync) SendDirectMessage(ctx context.Context, recipientDID, content string, now int64) error {
	pin, ok, err := s.pins.Get(recipientDID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: no pinned profile for direct message recipient %s", syncerr.ErrContactNotFound, recipientDID)
	}

	sequence, prevHash, err := s.nextEnvelopeHeader()
	if err != nil {
		return err
	}

	payload := envelope.DirectMessagePayload{Content: content, Recipient: recipientDID}
	recipients := []profilekeys.PublicBundle{pin.SignedProfile.PublicKey, s.profileKeys.PublicKey()}
	e, err := envelope.Build(s.profileKeys, sequence, prevHash, now, payload, recipients)
	if err != nil {
		return err
	}
	if err := s.mirrorStore.StorePacket(e); err != nil {
		return err
	}

	myDID, err := s.identity.DID()
	if err != nil {
		return err
	}
	wire, err := EncodePacket(Packet{Envelope: e})
	if err != nil {
		return err
	}
	return s.broadcastOn(ctx, contact.Topic(myDID, recipientDID), wire)
}

// Lookup resolves did to the identity public bundle of its pinned
// profile, satisfying replicator.PinnedProfileLookup so realm sync
// envelopes can be verified against profiles this engine already knows
// (spec.md §4.9: unknown senders are rejected rather than trusted on
// first sight).
func (s *ProfileSync) Lookup(did string) (identity.PublicBundle, bool) {
	pin, ok, err := s.pins.Get(did)
	if err != nil || !ok {
		return identity.PublicBundle{}, false
	}
	return pin.SignedProfile.PublicKey.Identity, true
}

// Close leaves every topic this ProfileSync has joined.
func (s *ProfileSync) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	for topic, cancel := range s.cancels {
		cancel()
		if sender, ok := s.senders[topic]; ok {
			if err := sender.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	s.senders = make(map[gossip.TopicID]gossip.Sender)
	s.cancels = make(map[gossip.TopicID]context.CancelFunc)
	return firstErr
}
