// Package memstore is an in-memory storage.Store used by tests and by
// any caller that does not need durability. It is not the teacher's
// embedded database (explicitly out of scope per spec.md §1) — just the
// simplest Store that satisfies the serializable-transaction contract
// the rest of the engine assumes.
package memstore

import (
	"bytes"
	"sort"
	"sync"

	"github.com/trumanellis/syncengine/storage"
)

// Store is a mutex-guarded in-memory implementation of storage.Store
// that copies values on Put and Get. Update takes an exclusive lock for
// the duration of fn, which is sufficient to make it serializable with View and other
// Update calls (there is exactly one writer at a time, and readers never
// observe a partially-applied transaction because the whole call holds
// the lock).
type Store struct {
	mu     sync.Mutex
	tables map[string]map[string][]byte
}

// New returns an empty Store.
func New() *Store {
	return &Store{tables: make(map[string]map[string][]byte)}
}

func (s *Store) tableLocked(name string) map[string][]byte {
	t, ok := s.tables[name]
	if !ok {
		t = make(map[string][]byte)
		s.tables[name] = t
	}
	return t
}

// Update runs fn while holding the store's single write lock.
func (s *Store) Update(fn func(tx storage.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(&tx{store: s})
}

// View runs fn while holding the store's single write lock; memstore
// does not support concurrent readers, trading throughput for the
// simplest possible serializability guarantee.
func (s *Store) View(fn func(tx storage.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(&tx{store: s})
}

// Close is a no-op; memstore holds no external resources.
func (s *Store) Close() error {
	return nil
}

type tx struct {
	store *Store
}

func (t *tx) Table(name string) (storage.Table, error) {
	return &table{data: t.store.tableLocked(name)}, nil
}

type table struct {
	data map[string][]byte
}

func (t *table) Has(key []byte) (bool, error) {
	_, ok := t.data[string(key)]
	return ok, nil
}

func (t *table) Get(key []byte) ([]byte, error) {
	v, ok := t.data[string(key)]
	if !ok {
		return nil, nil
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (t *table) Put(key, value []byte) error {
	v := make([]byte, len(value))
	copy(v, value)
	t.data[string(key)] = v
	return nil
}

func (t *table) Delete(key []byte) error {
	delete(t.data, string(key))
	return nil
}

func (t *table) Iterate(prefix []byte, fn func(key, value []byte) error) error {
	keys := make([]string, 0, len(t.data))
	for k := range t.data {
		if bytes.HasPrefix([]byte(k), prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := fn([]byte(k), t.data[k]); err != nil {
			return err
		}
	}
	return nil
}
