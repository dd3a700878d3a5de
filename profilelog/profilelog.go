// Package profilelog implements spec.md §4.4: an in-memory, append-only,
// hash-chained sequence of a single sender's packet envelopes.
package profilelog

import (
	"fmt"

	"github.com/trumanellis/syncengine/envelope"
	"github.com/trumanellis/syncengine/identity"
	"github.com/trumanellis/syncengine/syncerr"
)

// Fork reports a hash-chain conflict: an entry already exists at
// Sequence with a hash different from the one just appended (spec.md
// §4.4 "append").
type Fork struct {
	Sequence        uint64
	ExistingHash    [32]byte
	ConflictingHash [32]byte
}

func (f Fork) Error() string {
	return fmt.Sprintf("%s: sequence %d: existing %x != conflicting %x",
		syncerr.ErrFork, f.Sequence, f.ExistingHash, f.ConflictingHash)
}

func (f Fork) Unwrap() error { return syncerr.ErrFork }

// Log is a single sender's ordered, hash-chained envelope sequence.
// Log is not safe for concurrent use; callers (e.g. mirror.MirrorStore)
// provide their own synchronization.
type Log struct {
	entries map[uint64]envelope.PacketEnvelope
	hashes  map[uint64][32]byte
	head    uint64
	hasHead bool
}

// New returns an empty log.
func New() *Log {
	return &Log{
		entries: make(map[uint64]envelope.PacketEnvelope),
		hashes:  make(map[uint64][32]byte),
	}
}

// Append validates and inserts e. It requires e.Header.Sequence ==
// HeadSequence()+1 (or 0 for an empty log) and e.Header.PrevHash ==
// HeadHash(). If an entry already exists at that sequence with a
// different hash, Append returns a *Fork and leaves the log unchanged.
// Re-appending an identical envelope is a no-op.
func (l *Log) Append(e envelope.PacketEnvelope) error {
	hash, err := e.Hash()
	if err != nil {
		return err
	}

	if existingHash, ok := l.hashes[e.Header.Sequence]; ok {
		if existingHash == hash {
			return nil
		}
		return &Fork{Sequence: e.Header.Sequence, ExistingHash: existingHash, ConflictingHash: hash}
	}

	wantSeq := uint64(0)
	if l.hasHead {
		wantSeq = l.head + 1
	}
	if e.Header.Sequence != wantSeq {
		return fmt.Errorf("%w: expected sequence %d, got %d", syncerr.ErrInvalidOperation, wantSeq, e.Header.Sequence)
	}

	wantPrev := [32]byte{}
	if l.hasHead {
		wantPrev = l.hashes[l.head]
	}
	if e.Header.PrevHash != wantPrev {
		return fmt.Errorf("%w: prev_hash mismatch at sequence %d", syncerr.ErrInvalidOperation, e.Header.Sequence)
	}

	l.entries[e.Header.Sequence] = e
	l.hashes[e.Header.Sequence] = hash
	l.head = e.Header.Sequence
	l.hasHead = true
	return nil
}

// HeadSequence returns the highest sequence appended so far.
func (l *Log) HeadSequence() uint64 {
	return l.head
}

// HeadHash returns the hash of the head entry, or the zero hash if empty.
func (l *Log) HeadHash() [32]byte {
	if !l.hasHead {
		return [32]byte{}
	}
	return l.hashes[l.head]
}

// Empty reports whether no entries have been appended.
func (l *Log) Empty() bool {
	return !l.hasHead
}

// Get returns the entry at seq, if any.
func (l *Log) Get(seq uint64) (envelope.PacketEnvelope, bool) {
	e, ok := l.entries[seq]
	return e, ok
}

// EntriesOrdered returns every entry from 0 to head, inclusive, in
// sequence order. Gaps should not occur given Append's invariants, but
// callers iterating a partially-populated log should tolerate a shorter
// result than HeadSequence()+1 would suggest.
func (l *Log) EntriesOrdered() []envelope.PacketEnvelope {
	if !l.hasHead {
		return nil
	}
	out := make([]envelope.PacketEnvelope, 0, l.head+1)
	for seq := uint64(0); seq <= l.head; seq++ {
		if e, ok := l.entries[seq]; ok {
			out = append(out, e)
		}
	}
	return out
}

// VerifyAll checks every entry's signature against pub and returns the
// sequences whose signature fails to verify.
func (l *Log) VerifyAll(pub identity.PublicBundle) []uint64 {
	var bad []uint64
	for _, e := range l.EntriesOrdered() {
		if !envelope.Verify(e, pub) {
			bad = append(bad, e.Header.Sequence)
		}
	}
	return bad
}
