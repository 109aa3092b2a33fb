package database

// DataAccessor defines the common interface by which data gets accessed in
// a generic sabled database, whether inside a transaction or not.
type DataAccessor interface {
	// Put sets the value for the given key. It overwrites any previous
	// value for that key.
	Put(key []byte, value []byte) error

	// Get gets the value for the given key. It returns ErrNotFound if
	// the given key does not exist.
	Get(key []byte) ([]byte, error)

	// Has returns true if the database contains the given key.
	Has(key []byte) (bool, error)

	// Delete deletes the value for the given key. Will not return an
	// error if the key doesn't exist.
	Delete(key []byte) error

	// Cursor begins a new cursor over the given bucket.
	Cursor(bucket *Bucket) (Cursor, error)
}

// Database defines the interface of a sabled database.
type Database interface {
	DataAccessor

	// Begin begins a new database transaction.
	Begin() (Transaction, error)

	// Close closes the database.
	Close() error
}

// Transaction defines the interface of a generic sabled database
// transaction. Transactions are isolated from concurrent database writes,
// and reads within a transaction observe its own earlier writes. Only one
// transaction may be open at a time.
type Transaction interface {
	DataAccessor

	// Rollback rolls back whatever changes were made to the database
	// within this transaction.
	Rollback() error

	// Commit commits whatever changes were made to the database within
	// this transaction.
	Commit() error

	// RollbackUnlessClosed rolls back changes that were made to the
	// database within the transaction, unless the transaction had
	// already been closed using either Rollback or Commit.
	RollbackUnlessClosed() error
}

// Cursor iterates over database entries given some bucket.
type Cursor interface {
	// Next moves the iterator to the next key/value pair. It returns
	// whether the iterator is exhausted.
	Next() bool

	// Seek moves the iterator to the first key/value pair whose key is
	// greater than or equal to the given key. It returns ErrNotFound if
	// such pair does not exist.
	Seek(key []byte) error

	// Key returns the key of the current key/value pair, relative to the
	// cursor's bucket.
	Key() ([]byte, error)

	// Value returns the value of the current key/value pair.
	Value() ([]byte, error)

	// Close releases the iterator.
	Close() error
}
