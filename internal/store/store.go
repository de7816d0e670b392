// Package store defines the contract the stress harness requires from the
// storage engine under test.
//
// The harness never depends on a concrete engine: pebblestore adapts
// Pebble, memstore provides an in-memory reference implementation, and
// FaultInjectionStore wraps either to inject failures.
package store

import (
	"github.com/cockroachdb/errors"
)

// ErrNotFound is returned by reads of absent keys.
var ErrNotFound = errors.New("store: not found")

// ErrColumnFamilyDropped is returned by operations on a dropped column family.
var ErrColumnFamilyDropped = errors.New("store: column family dropped")

// Outcome classifies the status of a read.
type Outcome int

const (
	// Found means the read returned a value.
	Found Outcome = iota
	// NotFound means the key is absent.
	NotFound
	// Failed means the store returned an error.
	Failed
)

// String returns the outcome name.
func (o Outcome) String() string {
	switch o {
	case Found:
		return "found"
	case NotFound:
		return "not found"
	default:
		return "error"
	}
}

// Classify maps a read status to its Outcome.
func Classify(err error) Outcome {
	switch {
	case err == nil:
		return Found
	case errors.Is(err, ErrNotFound):
		return NotFound
	default:
		return Failed
	}
}

// ColumnFamily is a handle on one column family.
type ColumnFamily interface {
	// ID identifies the family for the lifetime of the store. IDs are never
	// reused, so a recreated family has a new ID.
	ID() uint32
	// Name returns the name the family was created with.
	Name() string
}

// ReadOptions configure reads.
type ReadOptions struct {
	// UpperBound, if set, is an exclusive upper bound for iterators.
	UpperBound []byte
}

// WriteOptions configure mutations.
type WriteOptions struct {
	Sync       bool
	DisableWAL bool
}

// IngestOptions configure IngestExternalFile.
type IngestOptions struct {
	// MoveFiles allows the store to take ownership of the files.
	MoveFiles bool
}

// Iterator is a forward iterator over one column family. Keys and values
// are only valid until the next positioning call.
type Iterator interface {
	Seek(key []byte)
	Valid() bool
	Key() []byte
	Value() []byte
	Next()
	Error() error
	Close() error
}

// Writer is the mutation surface shared by the store and transactions.
type Writer interface {
	Put(cf ColumnFamily, key, value []byte) error
	Merge(cf ColumnFamily, key, value []byte) error
	Delete(cf ColumnFamily, key []byte) error
	SingleDelete(cf ColumnFamily, key []byte) error
}

// Transaction buffers mutations and applies them atomically on Commit.
type Transaction interface {
	Writer
	Commit() error
	Rollback()
}

// ExternalFileWriter builds a sorted file for IngestExternalFile. Keys must
// be added in strictly ascending order.
type ExternalFileWriter interface {
	Put(key, value []byte) error
	Finish() error
	Abandon()
}

// Store is the storage engine under test.
//
// Merge must behave as "last operand wins": merging value v into a key
// leaves the key holding v. The harness relies on that to verify merges
// exactly.
type Store interface {
	Get(ro *ReadOptions, cf ColumnFamily, key []byte) ([]byte, error)
	// MultiGet returns one value and one status per key.
	MultiGet(ro *ReadOptions, cf ColumnFamily, keys [][]byte) ([][]byte, []error)
	NewIterator(ro *ReadOptions, cf ColumnFamily) (Iterator, error)

	Put(wo *WriteOptions, cf ColumnFamily, key, value []byte) error
	Merge(wo *WriteOptions, cf ColumnFamily, key, value []byte) error
	Delete(wo *WriteOptions, cf ColumnFamily, key []byte) error
	SingleDelete(wo *WriteOptions, cf ColumnFamily, key []byte) error
	DeleteRange(wo *WriteOptions, cf ColumnFamily, start, end []byte) error

	BeginTransaction(wo *WriteOptions) Transaction

	// NewExternalFileWriter creates (truncating) a file at path destined for
	// ingestion into cf.
	NewExternalFileWriter(cf ColumnFamily, path string) (ExternalFileWriter, error)
	IngestExternalFile(cf ColumnFamily, paths []string, opts IngestOptions) error
	// RemoveFile removes a staging file. Removing a missing file is not an
	// error.
	RemoveFile(path string) error

	DefaultColumnFamily() ColumnFamily
	CreateColumnFamily(name string) (ColumnFamily, error)
	DropColumnFamily(cf ColumnFamily) error

	Close() error
}
