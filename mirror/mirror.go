// Package mirror implements spec.md §4.5: the MirrorStore, a
// Storage-backed persistence layer for every sender's packet log plus a
// recipient index used for store-and-forward relay.
package mirror

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/trumanellis/syncengine/envelope"
	"github.com/trumanellis/syncengine/metrics"
	"github.com/trumanellis/syncengine/storage"
	"github.com/trumanellis/syncengine/syncerr"
)

// Fork mirrors profilelog.Fork's shape for the storage-backed case
// (spec.md §4.5 "store_packet" step 1).
type Fork struct {
	Sender          string
	Sequence        uint64
	ExistingHash    [32]byte
	ConflictingHash [32]byte
}

func (f *Fork) Error() string {
	return fmt.Sprintf("%s: sender %s sequence %d: existing %x != conflicting %x",
		syncerr.ErrFork, f.Sender, f.Sequence, f.ExistingHash, f.ConflictingHash)
}

func (f *Fork) Unwrap() error { return syncerr.ErrFork }

// Store is the MirrorStore, backed by a storage.Store.
type Store struct {
	db storage.Store
	m  *metrics.Metrics
}

// New wraps db. m may be nil; a no-op Metrics is substituted.
func New(db storage.Store, m *metrics.Metrics) *Store {
	if m == nil {
		m = metrics.NoOp()
	}
	return &Store{db: db, m: m}
}

func logKey(did string, seq uint64) []byte {
	var seqBuf [8]byte
	binary.BigEndian.PutUint64(seqBuf[:], seq)
	return append([]byte(did+":"), seqBuf[:]...)
}

func recipientKey(recipientDID string, packetHash [32]byte) []byte {
	return []byte(recipientDID + ":" + hex.EncodeToString(packetHash[:]))
}

// StorePacket validates and stores e in one storage transaction,
// updating the recipient index and the sender's head as needed (spec.md
// §4.5 "store_packet"). Returns a *Fork if an entry already exists at
// (e.Header.Sender, e.Header.Sequence) with a different hash; the
// existing entry is left untouched in that case. Storing an identical
// envelope twice is a no-op.
func (s *Store) StorePacket(e envelope.PacketEnvelope) error {
	hash, err := e.Hash()
	if err != nil {
		return err
	}
	envBytes, err := e.CanonicalBytes()
	if err != nil {
		return err
	}

	return s.db.Update(func(tx storage.Tx) error {
		logs, err := tx.Table(storage.TableProfileLogs)
		if err != nil {
			return fmt.Errorf("%w: open profile_logs table: %v", syncerr.ErrStorage, err)
		}

		key := logKey(e.Header.Sender, e.Header.Sequence)
		existing, err := logs.Get(key)
		if err != nil {
			return fmt.Errorf("%w: read existing packet: %v", syncerr.ErrStorage, err)
		}
		if existing != nil {
			existingEnv, err := envelope.Decode(existing)
			if err != nil {
				return fmt.Errorf("%w: decode existing packet: %v", syncerr.ErrStorage, err)
			}
			existingHash, err := existingEnv.Hash()
			if err != nil {
				return err
			}
			if existingHash == hash {
				return nil
			}
			s.m.PacketsForked.Inc()
			return &Fork{Sender: e.Header.Sender, Sequence: e.Header.Sequence, ExistingHash: existingHash, ConflictingHash: hash}
		}

		if err := logs.Put(key, envBytes); err != nil {
			return fmt.Errorf("%w: write packet: %v", syncerr.ErrStorage, err)
		}

		if len(e.SealedKeys) > 0 {
			recipients, err := tx.Table(storage.TablePacketsForRecipient)
			if err != nil {
				return fmt.Errorf("%w: open packets_for_recipient table: %v", syncerr.ErrStorage, err)
			}
			ref := logKey(e.Header.Sender, e.Header.Sequence)
			for _, sk := range e.SealedKeys {
				if err := recipients.Put(recipientKey(sk.Recipient, hash), ref); err != nil {
					return fmt.Errorf("%w: write recipient index: %v", syncerr.ErrStorage, err)
				}
			}
		}

		heads, err := tx.Table(storage.TableLogHeads)
		if err != nil {
			return fmt.Errorf("%w: open log_heads table: %v", syncerr.ErrStorage, err)
		}
		current, err := headSequence(heads, e.Header.Sender)
		if err != nil {
			return err
		}
		if !current.ok || e.Header.Sequence > current.seq {
			if err := putHead(heads, e.Header.Sender, e.Header.Sequence); err != nil {
				return err
			}
		}

		s.m.PacketsMirrored.Inc()
		return nil
	})
}

type headValue struct {
	seq uint64
	ok  bool
}

func headSequence(heads storage.Table, did string) (headValue, error) {
	raw, err := heads.Get([]byte(did))
	if err != nil {
		return headValue{}, fmt.Errorf("%w: read head: %v", syncerr.ErrStorage, err)
	}
	if raw == nil {
		return headValue{}, nil
	}
	return headValue{seq: binary.BigEndian.Uint64(raw), ok: true}, nil
}

func putHead(heads storage.Table, did string, seq uint64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], seq)
	if err := heads.Put([]byte(did), buf[:]); err != nil {
		return fmt.Errorf("%w: write head: %v", syncerr.ErrStorage, err)
	}
	return nil
}

func unmarshalRef(ref []byte) (did string, seq uint64, err error) {
	if len(ref) < 9 {
		return "", 0, fmt.Errorf("%w: truncated recipient-index reference", syncerr.ErrStorage)
	}
	seqBuf := ref[len(ref)-8:]
	didBytes := ref[:len(ref)-9] // drop the ':' separator too
	return string(didBytes), binary.BigEndian.Uint64(seqBuf), nil
}

// GetPacket returns the envelope at (did, seq), or nil if absent.
func (s *Store) GetPacket(did string, seq uint64) (*envelope.PacketEnvelope, error) {
	var out *envelope.PacketEnvelope
	err := s.db.View(func(tx storage.Tx) error {
		logs, err := tx.Table(storage.TableProfileLogs)
		if err != nil {
			return fmt.Errorf("%w: open profile_logs table: %v", syncerr.ErrStorage, err)
		}
		raw, err := logs.Get(logKey(did, seq))
		if err != nil {
			return fmt.Errorf("%w: read packet: %v", syncerr.ErrStorage, err)
		}
		if raw == nil {
			return nil
		}
		e, err := envelope.Decode(raw)
		if err != nil {
			return err
		}
		out = &e
		return nil
	})
	return out, err
}

// GetHead returns the highest sequence stored for did, and whether did
// has any entries at all.
func (s *Store) GetHead(did string) (uint64, bool, error) {
	var hv headValue
	err := s.db.View(func(tx storage.Tx) error {
		heads, err := tx.Table(storage.TableLogHeads)
		if err != nil {
			return fmt.Errorf("%w: open log_heads table: %v", syncerr.ErrStorage, err)
		}
		hv, err = headSequence(heads, did)
		return err
	})
	return hv.seq, hv.ok, err
}

// GetRange returns every stored envelope for did with sequence in
// [lo, hi], in ascending order, skipping any unpopulated sequences.
func (s *Store) GetRange(did string, lo, hi uint64) ([]envelope.PacketEnvelope, error) {
	var out []envelope.PacketEnvelope
	err := s.db.View(func(tx storage.Tx) error {
		logs, err := tx.Table(storage.TableProfileLogs)
		if err != nil {
			return fmt.Errorf("%w: open profile_logs table: %v", syncerr.ErrStorage, err)
		}
		for seq := lo; seq <= hi; seq++ {
			raw, err := logs.Get(logKey(did, seq))
			if err != nil {
				return fmt.Errorf("%w: read packet: %v", syncerr.ErrStorage, err)
			}
			if raw == nil {
				continue
			}
			e, err := envelope.Decode(raw)
			if err != nil {
				return err
			}
			out = append(out, e)
		}
		return nil
	})
	return out, err
}

// GetSince returns envelopes with sequence in (from, head] — the
// exclusive-lower-bound form used for incremental streaming (spec.md
// §4.5, §9 "Sequence-0 ambiguity").
func (s *Store) GetSince(did string, from uint64) ([]envelope.PacketEnvelope, error) {
	head, ok, err := s.GetHead(did)
	if err != nil {
		return nil, err
	}
	if !ok || head <= from {
		return nil, nil
	}
	return s.GetRange(did, from+1, head)
}

// GetAll returns envelopes with sequence in [0, head] — the
// inclusive-of-zero form used for complete-history callers (spec.md §4.5,
// §9 "Sequence-0 ambiguity").
func (s *Store) GetAll(did string) ([]envelope.PacketEnvelope, error) {
	head, ok, err := s.GetHead(did)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return s.GetRange(did, 0, head)
}

// GetPacketsForRecipient scans the recipient index for recipientDID and
// joins back to the log table (spec.md §4.5 "Relay queries").
func (s *Store) GetPacketsForRecipient(recipientDID string) ([]envelope.PacketEnvelope, error) {
	var out []envelope.PacketEnvelope
	err := s.db.View(func(tx storage.Tx) error {
		recipients, err := tx.Table(storage.TablePacketsForRecipient)
		if err != nil {
			return fmt.Errorf("%w: open packets_for_recipient table: %v", syncerr.ErrStorage, err)
		}
		logs, err := tx.Table(storage.TableProfileLogs)
		if err != nil {
			return fmt.Errorf("%w: open profile_logs table: %v", syncerr.ErrStorage, err)
		}
		prefix := []byte(recipientDID + ":")
		return recipients.Iterate(prefix, func(_ []byte, value []byte) error {
			did, seq, err := unmarshalRef(value)
			if err != nil {
				return err
			}
			raw, err := logs.Get(logKey(did, seq))
			if err != nil {
				return fmt.Errorf("%w: read packet: %v", syncerr.ErrStorage, err)
			}
			if raw == nil {
				return nil
			}
			e, err := envelope.Decode(raw)
			if err != nil {
				return err
			}
			out = append(out, e)
			return nil
		})
	})
	return out, err
}

// MarkDelivered removes the recipient-index entry for (recipient,
// packetHash). The envelope itself remains in the log table (spec.md
// §4.5 invariant: "the recipient index is a subset of the main log;
// removing an index entry never removes the envelope").
func (s *Store) MarkDelivered(recipient string, packetHash [32]byte) error {
	return s.db.Update(func(tx storage.Tx) error {
		recipients, err := tx.Table(storage.TablePacketsForRecipient)
		if err != nil {
			return fmt.Errorf("%w: open packets_for_recipient table: %v", syncerr.ErrStorage, err)
		}
		if err := recipients.Delete(recipientKey(recipient, packetHash)); err != nil {
			return fmt.Errorf("%w: delete recipient index entry: %v", syncerr.ErrStorage, err)
		}
		s.m.PacketsRelayed.Inc()
		return nil
	})
}

// DeleteBefore removes every packet for did with sequence strictly less
// than seq. Advisory garbage collection driven by Depin payloads or
// operator action (spec.md §4.5 "Garbage collection").
func (s *Store) DeleteBefore(did string, seq uint64) error {
	return s.db.Update(func(tx storage.Tx) error {
		logs, err := tx.Table(storage.TableProfileLogs)
		if err != nil {
			return fmt.Errorf("%w: open profile_logs table: %v", syncerr.ErrStorage, err)
		}
		for n := uint64(0); n < seq; n++ {
			if err := logs.Delete(logKey(did, n)); err != nil {
				return fmt.Errorf("%w: delete packet: %v", syncerr.ErrStorage, err)
			}
		}
		return nil
	})
}

// DeleteMirror wipes every packet for did and its head entry.
func (s *Store) DeleteMirror(did string) error {
	head, ok, err := s.GetHead(did)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	return s.db.Update(func(tx storage.Tx) error {
		logs, err := tx.Table(storage.TableProfileLogs)
		if err != nil {
			return fmt.Errorf("%w: open profile_logs table: %v", syncerr.ErrStorage, err)
		}
		for n := uint64(0); n <= head; n++ {
			if err := logs.Delete(logKey(did, n)); err != nil {
				return fmt.Errorf("%w: delete packet: %v", syncerr.ErrStorage, err)
			}
		}
		heads, err := tx.Table(storage.TableLogHeads)
		if err != nil {
			return fmt.Errorf("%w: open log_heads table: %v", syncerr.ErrStorage, err)
		}
		if err := heads.Delete([]byte(did)); err != nil {
			return fmt.Errorf("%w: delete head: %v", syncerr.ErrStorage, err)
		}
		return nil
	})
}
