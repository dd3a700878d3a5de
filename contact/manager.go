package contact

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/fxamacker/cbor/v2"

	"github.com/trumanellis/syncengine/config"
	"github.com/trumanellis/syncengine/event"
	"github.com/trumanellis/syncengine/gossip"
	"github.com/trumanellis/syncengine/identity"
	synclog "github.com/trumanellis/syncengine/log"
	"github.com/trumanellis/syncengine/peer"
	"github.com/trumanellis/syncengine/profilekeys"
	"github.com/trumanellis/syncengine/realm"
	"github.com/trumanellis/syncengine/storage"
	"github.com/trumanellis/syncengine/syncerr"
	"github.com/trumanellis/syncengine/syncmsg"
	"github.com/trumanellis/syncengine/transport"
)

// PendingDirection discriminates which side of the four-step protocol a
// PendingContact represents (spec.md §4.8.3/§4.8.4).
type PendingDirection uint8

const (
	OutgoingPending PendingDirection = iota + 1
	IncomingPending
)

// PendingContact is a contact exchange awaiting finalization.
type PendingContact struct {
	InviteID        [16]byte
	Direction       PendingDirection
	CounterpartyDID string
	NodeAddr        syncmsg.NodeAddr
	SignedProfile   []byte
	CreatedAt       int64
}

// ContactInfo is a finalized contact (spec.md §4.8.5 step 2).
type ContactInfo struct {
	DID       string
	NodeAddr  syncmsg.NodeAddr
	Topic     gossip.TopicID
	Key       realm.Key
	CreatedAt int64
}

// ProfilePinner is implemented by the profile package's ProfileSync; it
// is injected rather than imported directly to avoid a package cycle
// (profile, in turn, needs contact's derived topic/key to subscribe).
type ProfilePinner interface {
	PinFromContact(did string, signedProfile []byte) error
}

// EventKind discriminates the events published on a Manager's Events
// bus (spec.md §4.8.1/§4.8.3/§4.8.5).
type EventKind uint8

const (
	EventInviteGenerated EventKind = iota + 1
	EventContactRequestSent
	EventContactRequestReceived
	EventContactAccepted
	EventContactOnline
)

// Event is a single contact-protocol occurrence. Which fields are
// populated depends on Kind: InviteID for EventInviteGenerated/
// EventContactRequestSent, DID and AutoAccept for
// EventContactRequestReceived, Contact for EventContactAccepted, and
// DID for EventContactOnline.
type Event struct {
	Kind       EventKind
	InviteID   [16]byte
	DID        string
	AutoAccept bool
	Contact    ContactInfo
}

// Manager implements spec.md §4.8's two-halves-of-a-four-step protocol.
type Manager struct {
	identity    *identity.HybridKeypair
	profileKeys *profilekeys.ProfileKeys
	db          storage.Store
	dialer      transport.Dialer
	peers       *peer.Registry
	pinner      ProfilePinner
	log         synclog.Logger
	events      *event.Bus[Event]
}

// New creates a Manager. logger and pinner may be nil (a nil pinner
// skips step 3 of finalize_contact). cfg supplies the ContactEvent
// broadcast capacity (spec.md §5: fixed capacity 256).
func New(cfg config.Config, id *identity.HybridKeypair, pk *profilekeys.ProfileKeys, db storage.Store, dialer transport.Dialer, peers *peer.Registry, pinner ProfilePinner, logger synclog.Logger) *Manager {
	if logger == nil {
		logger = synclog.NewNoOp()
	}
	return &Manager{
		identity:    id,
		profileKeys: pk,
		db:          db,
		dialer:      dialer,
		peers:       peers,
		pinner:      pinner,
		log:         synclog.Named(logger, "contact-manager"),
		events:      event.NewBus[Event](cfg.EventChannelCapacity),
	}
}

// Events returns the manager's ContactEvent broadcast bus.
func (m *Manager) Events() *event.Bus[Event] { return m.events }

// SetPinner wires a ProfilePinner after construction, for the top-level
// wiring root where Manager and the profile package's ProfileSync need
// each other (ProfileSync.New takes *Manager; Manager.New takes a
// ProfilePinner). Safe to call once before the Manager handles any
// finalize_contact.
func (m *Manager) SetPinner(pinner ProfilePinner) {
	m.pinner = pinner
}

func inviteIDKey(id [16]byte) []byte { return []byte(hex.EncodeToString(id[:])) }

func pendingContactKey(id [16]byte) []byte { return inviteIDKey(id) }

func contactKeyFor(did string) []byte { return []byte(did) }

// retryDelays are the fixed backoff steps between contact-message send
// attempts (SPEC_FULL.md's supplemented retry policy for ContactRequest,
// ContactAccept, and ContactDecline alike).
var retryDelays = [3]time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond}

// fixedStepBackOff replays retryDelays in order, then stops, giving up to
// 3 retries (4 attempts total) per send.
type fixedStepBackOff struct{ attempt int }

var _ backoff.BackOff = (*fixedStepBackOff)(nil)

func (b *fixedStepBackOff) NextBackOff() time.Duration {
	if b.attempt >= len(retryDelays) {
		return backoff.Stop
	}
	d := retryDelays[b.attempt]
	b.attempt++
	return d
}

func (b *fixedStepBackOff) Reset() { b.attempt = 0 }

// sendWithRetry dials addr on the contact ALPN, opens a stream, and writes
// wire, retrying up to 3 times with 100/200/400ms backoff on failure
// (spec.md §4.8 preamble: "all QUIC sends retry up to 3x with 100/200/400
// ms backoff").
func (m *Manager) sendWithRetry(ctx context.Context, addr syncmsg.NodeAddr, wire []byte) error {
	return backoff.Retry(func() error {
		return m.sendOnce(ctx, addr, wire)
	}, &fixedStepBackOff{})
}

func (m *Manager) sendOnce(ctx context.Context, addr syncmsg.NodeAddr, wire []byte) error {
	endpoint := transport.Endpoint{DirectAddresses: addr.DirectAddresses, RelayURL: addr.RelayURL}
	dialCtx, cancel := context.WithTimeout(ctx, transport.DialTimeout)
	defer cancel()
	conn, err := m.dialer.Dial(dialCtx, endpoint, transport.ContactALPN)
	if err != nil {
		return fmt.Errorf("%w: dial contact peer: %v", syncerr.ErrGossip, err)
	}
	defer conn.Close()

	stream, err := conn.OpenStream(ctx)
	if err != nil {
		return fmt.Errorf("%w: open contact stream: %v", syncerr.ErrGossip, err)
	}
	defer stream.Close()

	if err := writeFramed(stream, wire); err != nil {
		return fmt.Errorf("%w: write contact message: %v", syncerr.ErrGossip, err)
	}
	return stream.CloseWrite()
}

// GenerateInvite builds a v2 invite and remembers its id so that a
// ContactRequest referencing it is auto-accepted (spec.md §4.8.1).
func (m *Manager) GenerateInvite(displayName string, expiryHours int64, nodeAddr syncmsg.NodeAddr, now int64) (string, error) {
	invite, encoded, err := GenerateInvite(m.identity, nodeAddr, displayName, expiryHours, now)
	if err != nil {
		return "", err
	}

	err = m.db.Update(func(tx storage.Tx) error {
		table, err := tx.Table(storage.TableGeneratedInvites)
		if err != nil {
			return err
		}
		return table.Put(inviteIDKey(invite.InviteID), []byte{1})
	})
	if err != nil {
		return "", err
	}

	m.log.Info("invite generated", "invite_id", hex.EncodeToString(invite.InviteID[:]))
	m.events.Publish(Event{Kind: EventInviteGenerated, InviteID: invite.InviteID})
	return encoded, nil
}

func (m *Manager) wasGenerated(inviteID [16]byte) (bool, error) {
	var found bool
	err := m.db.View(func(tx storage.Tx) error {
		table, err := tx.Table(storage.TableGeneratedInvites)
		if err != nil {
			return err
		}
		ok, err := table.Has(inviteIDKey(inviteID))
		found = ok
		return err
	})
	return found, err
}

func (m *Manager) isRevoked(inviteID [16]byte) (bool, error) {
	var found bool
	err := m.db.View(func(tx storage.Tx) error {
		table, err := tx.Table(storage.TableRevokedInvites)
		if err != nil {
			return err
		}
		ok, err := table.Has(inviteIDKey(inviteID))
		found = ok
		return err
	})
	return found, err
}

// RevokeInvite marks an invite as revoked locally; decoding it
// afterward fails validation (spec.md §4.8.2).
func (m *Manager) RevokeInvite(inviteID [16]byte) error {
	return m.db.Update(func(tx storage.Tx) error {
		table, err := tx.Table(storage.TableRevokedInvites)
		if err != nil {
			return err
		}
		return table.Put(inviteIDKey(inviteID), []byte{1})
	})
}

// decodedInvite normalizes the two wire versions for request-side use.
type decodedInvite struct {
	id          [16]byte
	inviterDID  string
	nodeAddr    syncmsg.NodeAddr
	displayName string
	expiresAt   int64
}

func (m *Manager) decodeAndValidate(encoded string, now int64) (decodedInvite, error) {
	v1, v2, err := DecodeInvite(encoded)
	if err != nil {
		return decodedInvite{}, err
	}

	var d decodedInvite
	switch {
	case v1 != nil:
		if !VerifyV1(*v1) {
			return decodedInvite{}, fmt.Errorf("%w: v1 invite signature invalid", syncerr.ErrInvalidInvite)
		}
		d = decodedInvite{id: v1.InviteID, inviterDID: v1.InviterDID, nodeAddr: v1.NodeAddr, displayName: v1.DisplayName, expiresAt: v1.ExpiresAt}
	case v2 != nil:
		// Full cryptographic verification is deferred to the profile
		// fetch that follows acceptance (spec.md §4.8.2): the public
		// key isn't embedded in a v2 invite, only its 64-byte
		// signature length was already checked by DecodeInvite.
		d = decodedInvite{id: v2.InviteID, inviterDID: v2.InviterDID, nodeAddr: v2.NodeAddr, displayName: v2.DisplayName, expiresAt: v2.ExpiresAt}
	default:
		return decodedInvite{}, fmt.Errorf("%w: invite decoded to neither version", syncerr.ErrInvalidInvite)
	}

	if now >= d.expiresAt {
		return decodedInvite{}, fmt.Errorf("%w: invite expired", syncerr.ErrInvalidInvite)
	}
	if revoked, err := m.isRevoked(d.id); err != nil {
		return decodedInvite{}, err
	} else if revoked {
		return decodedInvite{}, fmt.Errorf("%w: invite revoked", syncerr.ErrInvalidInvite)
	}
	return d, nil
}

// RequestContact implements spec.md §4.8.3: the requester side of the
// protocol.
func (m *Manager) RequestContact(ctx context.Context, encodedInvite string, myNodeAddr syncmsg.NodeAddr, mySignedProfile []byte, now int64) error {
	invite, err := m.decodeAndValidate(encodedInvite, now)
	if err != nil {
		return err
	}

	myDID, err := m.identity.DID()
	if err != nil {
		return err
	}
	myPub := m.profileKeys.PublicKey()

	req := ContactRequest{
		InviteID:               invite.id,
		RequesterDID:           myDID,
		RequesterPubkey:        myPub,
		RequesterSignedProfile: mySignedProfile,
		RequesterNodeAddr:      myNodeAddr,
	}
	sigPayload, err := cbor.Marshal(req)
	if err != nil {
		return fmt.Errorf("%w: marshal contact request: %v", syncerr.ErrSerialization, err)
	}
	req.RequesterSignature, err = m.identity.Sign(sigPayload)
	if err != nil {
		return err
	}

	pending := PendingContact{
		InviteID:        invite.id,
		Direction:       OutgoingPending,
		CounterpartyDID: invite.inviterDID,
		NodeAddr:        invite.nodeAddr,
		CreatedAt:       now,
	}
	if err := m.savePending(pending); err != nil {
		return err
	}
	m.log.Info("contact request sent", "invite_id", hex.EncodeToString(invite.id[:]))
	m.events.Publish(Event{Kind: EventContactRequestSent, InviteID: invite.id})

	wire, err := encodeMessage(kindContactRequest, req)
	if err != nil {
		return err
	}

	if err := m.sendWithRetry(ctx, invite.nodeAddr, wire); err != nil {
		return err
	}

	// Give the peer time to consume the stream before the connection
	// tears down (spec.md §4.8.3: "wait 500 ms").
	select {
	case <-time.After(500 * time.Millisecond):
	case <-ctx.Done():
	}
	return nil
}

func (m *Manager) savePending(p PendingContact) error {
	data, err := cbor.Marshal(pendingContactRecord{
		InviteID:        p.InviteID,
		Direction:       p.Direction,
		CounterpartyDID: p.CounterpartyDID,
		NodeAddr:        p.NodeAddr,
		SignedProfile:   p.SignedProfile,
		CreatedAt:       p.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("%w: marshal pending contact: %v", syncerr.ErrSerialization, err)
	}
	return m.db.Update(func(tx storage.Tx) error {
		table, err := tx.Table(storage.TablePendingContacts)
		if err != nil {
			return err
		}
		return table.Put(pendingContactKey(p.InviteID), data)
	})
}

func (m *Manager) loadPending(inviteID [16]byte) (PendingContact, bool, error) {
	var rec pendingContactRecord
	var found bool
	err := m.db.View(func(tx storage.Tx) error {
		table, err := tx.Table(storage.TablePendingContacts)
		if err != nil {
			return err
		}
		raw, err := table.Get(pendingContactKey(inviteID))
		if err != nil || raw == nil {
			return err
		}
		found = true
		return cbor.Unmarshal(raw, &rec)
	})
	if err != nil || !found {
		return PendingContact{}, found, err
	}
	return PendingContact{
		InviteID:        rec.InviteID,
		Direction:       rec.Direction,
		CounterpartyDID: rec.CounterpartyDID,
		NodeAddr:        rec.NodeAddr,
		SignedProfile:   rec.SignedProfile,
		CreatedAt:       rec.CreatedAt,
	}, true, nil
}

func (m *Manager) deletePending(inviteID [16]byte) error {
	return m.db.Update(func(tx storage.Tx) error {
		table, err := tx.Table(storage.TablePendingContacts)
		if err != nil {
			return err
		}
		return table.Delete(pendingContactKey(inviteID))
	})
}

type pendingContactRecord struct {
	InviteID        [16]byte         `cbor:"1,keyasint"`
	Direction       PendingDirection `cbor:"2,keyasint"`
	CounterpartyDID string           `cbor:"3,keyasint"`
	NodeAddr        syncmsg.NodeAddr `cbor:"4,keyasint"`
	SignedProfile   []byte           `cbor:"5,keyasint"`
	CreatedAt       int64            `cbor:"6,keyasint"`
}

// HandleContactRequest processes an inbound ContactRequest received on
// the contact ALPN (spec.md §4.8.4). If the invite was generated
// locally, it is auto-accepted after a 100ms storage-settle delay;
// otherwise a PendingContact is saved for the UI to decide.
// mySignedProfile/myNodeAddr are only used for the auto-accept path.
func (m *Manager) HandleContactRequest(ctx context.Context, req ContactRequest, mySignedProfile []byte, myNodeAddr syncmsg.NodeAddr) (autoAccepted bool, err error) {
	pending := PendingContact{
		InviteID:        req.InviteID,
		Direction:       IncomingPending,
		CounterpartyDID: req.RequesterDID,
		NodeAddr:        req.RequesterNodeAddr,
		SignedProfile:   req.RequesterSignedProfile,
	}
	if err := m.savePending(pending); err != nil {
		return false, err
	}
	m.log.Info("contact request received", "requester", req.RequesterDID)

	generated, err := m.wasGenerated(req.InviteID)
	if err != nil {
		return false, err
	}
	m.events.Publish(Event{Kind: EventContactRequestReceived, DID: req.RequesterDID, AutoAccept: generated})
	if !generated {
		return false, nil
	}

	select {
	case <-time.After(100 * time.Millisecond):
	case <-ctx.Done():
		return false, ctx.Err()
	}

	if _, err := m.AcceptContact(ctx, req.InviteID, mySignedProfile, myNodeAddr); err != nil {
		return false, err
	}
	return true, nil
}

// HandleContactAccept processes an inbound ContactAccept on the
// requester side, completing its half of finalize_contact (spec.md
// §4.8.5). The accepter's signed profile, if present, replaces the
// pending record's so it gets pinned alongside the new contact.
func (m *Manager) HandleContactAccept(ctx context.Context, accept ContactAccept) (ContactInfo, error) {
	pending, ok, err := m.loadPending(accept.InviteID)
	if err != nil {
		return ContactInfo{}, err
	}
	if !ok {
		return ContactInfo{}, fmt.Errorf("%w: no pending contact for invite", syncerr.ErrContactNotFound)
	}
	pending.CounterpartyDID = accept.AccepterDID
	if len(accept.AccepterSignedProfile) > 0 {
		pending.SignedProfile = accept.AccepterSignedProfile
	}
	m.log.Info("contact accept received", "accepter", accept.AccepterDID)
	return m.FinalizeContact(pending, pending.CreatedAt)
}

// HandleContactDecline deletes the pending entry for a declined invite.
func (m *Manager) HandleContactDecline(decline ContactDecline) error {
	return m.deletePending(decline.InviteID)
}

// AcceptContact sends ContactAccept back to the requester and finalizes
// the contact locally (spec.md §4.8.4-§4.8.5). mySignedProfile may be
// nil if the accepter has no profile to share yet.
func (m *Manager) AcceptContact(ctx context.Context, inviteID [16]byte, mySignedProfile []byte, myNodeAddr syncmsg.NodeAddr) (ContactInfo, error) {
	pending, ok, err := m.loadPending(inviteID)
	if err != nil {
		return ContactInfo{}, err
	}
	if !ok {
		return ContactInfo{}, fmt.Errorf("%w: no pending contact for invite", syncerr.ErrContactNotFound)
	}

	myDID, err := m.identity.DID()
	if err != nil {
		return ContactInfo{}, err
	}
	myPub := m.profileKeys.PublicKey()

	accept := ContactAccept{
		InviteID:              inviteID,
		AccepterDID:           myDID,
		AccepterPubkey:        myPub,
		AccepterSignedProfile: mySignedProfile,
		AccepterNodeAddr:      myNodeAddr,
	}
	sigPayload, err := cbor.Marshal(accept)
	if err != nil {
		return ContactInfo{}, fmt.Errorf("%w: marshal contact accept: %v", syncerr.ErrSerialization, err)
	}
	accept.Signature, err = m.identity.Sign(sigPayload)
	if err != nil {
		return ContactInfo{}, err
	}

	wire, err := encodeMessage(kindContactAccept, accept)
	if err != nil {
		return ContactInfo{}, err
	}

	if err := m.sendWithRetry(ctx, pending.NodeAddr, wire); err != nil {
		return ContactInfo{}, err
	}

	now := pending.CreatedAt
	return m.FinalizeContact(pending, now)
}

// DeclineContact sends ContactDecline and deletes the pending entry
// (spec.md §4.8.5).
func (m *Manager) DeclineContact(ctx context.Context, inviteID [16]byte) error {
	pending, ok, err := m.loadPending(inviteID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: no pending contact for invite", syncerr.ErrContactNotFound)
	}

	wire, err := encodeMessage(kindContactDecline, ContactDecline{InviteID: inviteID})
	if err != nil {
		return err
	}
	// Best effort: a requester who can't be reached still has its pending
	// entry cleaned up locally.
	_ = m.sendWithRetry(ctx, pending.NodeAddr, wire)
	return m.deletePending(inviteID)
}

// CancelContact deletes an outgoing pending request and revokes the
// invite locally (spec.md §4.8.5).
func (m *Manager) CancelContact(inviteID [16]byte) error {
	if err := m.RevokeInvite(inviteID); err != nil {
		return err
	}
	return m.deletePending(inviteID)
}

// FinalizeContact implements spec.md §4.8.5's finalize_contact: derive
// the 1:1 topic/key, persist ContactInfo and the unified peer record,
// pin the counterparty's profile if one was exchanged, and delete the
// pending entry.
func (m *Manager) FinalizeContact(pending PendingContact, now int64) (ContactInfo, error) {
	myDID, err := m.identity.DID()
	if err != nil {
		return ContactInfo{}, err
	}

	info := ContactInfo{
		DID:       pending.CounterpartyDID,
		NodeAddr:  pending.NodeAddr,
		Topic:     Topic(myDID, pending.CounterpartyDID),
		Key:       Key(myDID, pending.CounterpartyDID),
		CreatedAt: now,
	}

	data, err := cbor.Marshal(contactRecord{DID: info.DID, NodeAddr: info.NodeAddr, CreatedAt: info.CreatedAt})
	if err != nil {
		return ContactInfo{}, fmt.Errorf("%w: marshal contact info: %v", syncerr.ErrSerialization, err)
	}
	if err := m.db.Update(func(tx storage.Tx) error {
		table, err := tx.Table(storage.TableContacts)
		if err != nil {
			return err
		}
		return table.Put(contactKeyFor(info.DID), data)
	}); err != nil {
		return ContactInfo{}, err
	}

	if m.peers != nil {
		m.peers.MarkContact(gossip.NodeIDFromAddr(pending.NodeAddr.NodeID), info.DID)
	}

	if len(pending.SignedProfile) > 0 && m.pinner != nil {
		if err := m.pinner.PinFromContact(info.DID, pending.SignedProfile); err != nil {
			m.log.Warn("pin contact profile failed", "did", info.DID, "err", err.Error())
		}
	}

	if err := m.deletePending(pending.InviteID); err != nil {
		return ContactInfo{}, err
	}

	m.log.Info("contact accepted", "did", info.DID)
	m.events.Publish(Event{Kind: EventContactAccepted, Contact: info})
	m.events.Publish(Event{Kind: EventContactOnline, DID: info.DID})
	return info, nil
}

// ListContacts returns every finalized contact's DID, for callers that
// need to broadcast across all active 1:1 contact topics (spec.md §4.9
// "each active 1:1 contact topic").
func (m *Manager) ListContacts() ([]string, error) {
	var dids []string
	err := m.db.View(func(tx storage.Tx) error {
		table, err := tx.Table(storage.TableContacts)
		if err != nil {
			return err
		}
		return table.Iterate(nil, func(key, value []byte) error {
			var rec contactRecord
			if err := cbor.Unmarshal(value, &rec); err != nil {
				return fmt.Errorf("%w: unmarshal contact record: %v", syncerr.ErrSerialization, err)
			}
			dids = append(dids, rec.DID)
			return nil
		})
	})
	return dids, err
}

// GetContact returns a finalized contact's info by DID, used by the
// engine's startup-sync dialer to resolve a peer's address before
// attempting a QUIC connect (spec.md §4.6.7).
func (m *Manager) GetContact(did string) (ContactInfo, bool, error) {
	myDID, err := m.identity.DID()
	if err != nil {
		return ContactInfo{}, false, err
	}

	var (
		rec   contactRecord
		found bool
	)
	err = m.db.View(func(tx storage.Tx) error {
		table, err := tx.Table(storage.TableContacts)
		if err != nil {
			return err
		}
		raw, err := table.Get(contactKeyFor(did))
		if err != nil {
			return err
		}
		if raw == nil {
			return nil
		}
		found = true
		return cbor.Unmarshal(raw, &rec)
	})
	if err != nil {
		return ContactInfo{}, false, err
	}
	if !found {
		return ContactInfo{}, false, nil
	}
	return ContactInfo{
		DID:       rec.DID,
		NodeAddr:  rec.NodeAddr,
		Topic:     Topic(myDID, rec.DID),
		Key:       Key(myDID, rec.DID),
		CreatedAt: rec.CreatedAt,
	}, true, nil
}

// IsContact reports whether did has a finalized contact record.
func (m *Manager) IsContact(did string) (bool, error) {
	var found bool
	err := m.db.View(func(tx storage.Tx) error {
		table, err := tx.Table(storage.TableContacts)
		if err != nil {
			return err
		}
		ok, err := table.Has(contactKeyFor(did))
		found = ok
		return err
	})
	return found, err
}

type contactRecord struct {
	DID       string           `cbor:"1,keyasint"`
	NodeAddr  syncmsg.NodeAddr `cbor:"2,keyasint"`
	CreatedAt int64            `cbor:"3,keyasint"`
}
