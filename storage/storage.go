// Package storage defines the Storage collaborator port (spec.md §6.5):
// named tables of byte strings with serializable write transactions. The
// embedded database backing these tables is explicitly out of scope
// (spec.md §1 Non-goals) — this package only defines the boundary every
// other component programs against, plus a small in-memory reference
// implementation under storage/memstore for tests.
package storage

// Reader reads from a single table.
type Reader interface {
	Has(key []byte) (bool, error)
	Get(key []byte) ([]byte, error)
	// Iterate calls fn for every key with the given prefix, in ascending
	// key order, until fn returns an error or the prefix is exhausted.
	Iterate(prefix []byte, fn func(key, value []byte) error) error
}

// Writer writes to a single table.
type Writer interface {
	Put(key, value []byte) error
	Delete(key []byte) error
}

// Table is a named key/value collection within the store.
type Table interface {
	Reader
	Writer
}

// Tx is a transaction spanning one or more tables. All operations
// performed through a Tx are serializable with respect to other
// transactions on the same Store (spec.md §5 "Storage transactions MUST
// be serializable").
type Tx interface {
	// Table returns the named table scoped to this transaction.
	Table(name string) (Table, error)
}

// Store is the full Storage collaborator.
type Store interface {
	// Update runs fn inside a read-write serializable transaction. If fn
	// returns an error, the transaction is rolled back and the error is
	// returned to the caller (wrapped in syncerr.ErrStorage where the
	// implementation itself fails, left as-is when fn's own error is
	// propagated).
	Update(fn func(tx Tx) error) error

	// View runs fn inside a read-only transaction.
	View(fn func(tx Tx) error) error

	Close() error
}
