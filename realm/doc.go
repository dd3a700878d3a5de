package realm

import (
	"encoding/binary"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/zeebo/blake3"

	"github.com/trumanellis/syncengine/syncerr"
)

// Task is the single domain entity a RealmDoc carries (spec.md §3's
// "domain operations (add_task, toggle_task, delete_task, …)").
type Task struct {
	ID      string
	Title   string
	Done    bool
	Deleted bool
}

// Doc is the CRDT document port (spec.md §3/§4.6). The concrete CRDT
// library is an external collaborator out of scope for this engine
// (spec.md §1 Non-goals); TaskDoc below is an in-memory reference
// implementation used for testing the replicator against this interface.
type Doc interface {
	Save() ([]byte, error)
	Load(data []byte) error
	Fork() Doc
	Merge(other Doc) error
	GenerateSyncMessage() ([]byte, error)
	ApplySyncMessage(data []byte) error
	Heads() ([][32]byte, error)
	TaskCount() int
	ListTasks() []Task
	AddTask(title string) (taskID string, err error)
	ToggleTask(taskID string) error
	DeleteTask(taskID string) error
}

type taskEntry struct {
	Task    Task   `cbor:"1,keyasint"`
	Actor   string `cbor:"2,keyasint"`
	Counter uint64 `cbor:"3,keyasint"`
}

type docState struct {
	Actor   string               `cbor:"1,keyasint"`
	Counter uint64               `cbor:"2,keyasint"`
	Entries map[string]taskEntry `cbor:"3,keyasint"`
}

// TaskDoc is a last-writer-wins, per-task CRDT: every task is an
// independent register tagged with (actor, counter), merged by taking
// the entry with the higher counter (ties broken by actor id). This
// makes Merge commutative, associative, and idempotent — sufficient for
// doc.fork(); fork.op(); doc.merge(fork) to converge under any
// interleaving, without needing a general-purpose CRDT library.
type TaskDoc struct {
	state docState
}

// NewDoc creates an empty document. actor identifies this replica for
// conflict tiebreaking — callers typically use their own DID.
func NewDoc(actor string) *TaskDoc {
	return &TaskDoc{state: docState{Actor: actor, Entries: make(map[string]taskEntry)}}
}

// Save serializes the document.
func (d *TaskDoc) Save() ([]byte, error) {
	out, err := cbor.Marshal(d.state)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal realm doc: %v", syncerr.ErrSerialization, err)
	}
	return out, nil
}

// Load replaces the document's state with the bytes produced by Save.
func (d *TaskDoc) Load(data []byte) error {
	var state docState
	if err := cbor.Unmarshal(data, &state); err != nil {
		return fmt.Errorf("%w: unmarshal realm doc: %v", syncerr.ErrSerialization, err)
	}
	if state.Entries == nil {
		state.Entries = make(map[string]taskEntry)
	}
	d.state = state
	return nil
}

// Fork returns an independent copy sharing no mutable state with d.
func (d *TaskDoc) Fork() Doc {
	entries := make(map[string]taskEntry, len(d.state.Entries))
	for k, v := range d.state.Entries {
		entries[k] = v
	}
	return &TaskDoc{state: docState{Actor: d.state.Actor, Counter: d.state.Counter, Entries: entries}}
}

// Merge folds other's entries into d, keeping the higher-(counter,actor)
// entry for each task id.
func (d *TaskDoc) Merge(other Doc) error {
	o, ok := other.(*TaskDoc)
	if !ok {
		return fmt.Errorf("%w: merge requires a *TaskDoc", syncerr.ErrInvalidOperation)
	}
	for id, entry := range o.state.Entries {
		current, exists := d.state.Entries[id]
		if !exists || entryWins(entry, current) {
			d.state.Entries[id] = entry
		}
	}
	return nil
}

func entryWins(candidate, current taskEntry) bool {
	if candidate.Counter != current.Counter {
		return candidate.Counter > current.Counter
	}
	return candidate.Actor > current.Actor
}

// GenerateSyncMessage returns the full document state. Per spec.md
// §4.6.5, broadcasts always carry the full document rather than an
// incremental delta, so this and Save are equivalent for this reference
// implementation.
func (d *TaskDoc) GenerateSyncMessage() ([]byte, error) {
	return d.Save()
}

// ApplySyncMessage merges a remote full-document snapshot into d.
func (d *TaskDoc) ApplySyncMessage(data []byte) error {
	remote := NewDoc("")
	if err := remote.Load(data); err != nil {
		return err
	}
	return d.Merge(remote)
}

// Heads returns a single content hash standing in for the document's
// CRDT head set; since TaskDoc is a flat LWW map it has exactly one
// logical head (a real CRDT would expose one hash per concurrent branch).
// The hash covers only the task entries, encoded deterministically, so
// replicas holding the same entries report the same head whatever their
// own actor id and counter.
func (d *TaskDoc) Heads() ([][32]byte, error) {
	mode, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		return nil, fmt.Errorf("%w: realm doc heads encoding: %v", syncerr.ErrSerialization, err)
	}
	data, err := mode.Marshal(d.state.Entries)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal realm doc entries: %v", syncerr.ErrSerialization, err)
	}
	return [][32]byte{blake3.Sum256(data)}, nil
}

// TaskCount returns the number of non-deleted tasks.
func (d *TaskDoc) TaskCount() int {
	n := 0
	for _, e := range d.state.Entries {
		if !e.Task.Deleted {
			n++
		}
	}
	return n
}

// ListTasks returns every non-deleted task.
func (d *TaskDoc) ListTasks() []Task {
	out := make([]Task, 0, len(d.state.Entries))
	for _, e := range d.state.Entries {
		if !e.Task.Deleted {
			out = append(out, e.Task)
		}
	}
	return out
}

// AddTask inserts a new task and returns its generated id.
func (d *TaskDoc) AddTask(title string) (string, error) {
	d.state.Counter++
	id := taskID(d.state.Actor, d.state.Counter)
	d.state.Entries[id] = taskEntry{
		Task:    Task{ID: id, Title: title},
		Actor:   d.state.Actor,
		Counter: d.state.Counter,
	}
	return id, nil
}

// ToggleTask flips a task's done state.
func (d *TaskDoc) ToggleTask(taskID string) error {
	entry, ok := d.state.Entries[taskID]
	if !ok {
		return syncerr.ErrTaskNotFound
	}
	d.state.Counter++
	entry.Task.Done = !entry.Task.Done
	entry.Actor = d.state.Actor
	entry.Counter = d.state.Counter
	d.state.Entries[taskID] = entry
	return nil
}

// DeleteTask tombstones a task.
func (d *TaskDoc) DeleteTask(taskID string) error {
	entry, ok := d.state.Entries[taskID]
	if !ok {
		return syncerr.ErrTaskNotFound
	}
	d.state.Counter++
	entry.Task.Deleted = true
	entry.Actor = d.state.Actor
	entry.Counter = d.state.Counter
	d.state.Entries[taskID] = entry
	return nil
}

func taskID(actor string, counter uint64) string {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], counter)
	return fmt.Sprintf("%s:%x", actor, buf)
}
