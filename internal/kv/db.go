// Package kv defines the ordered byte-keyed key-value store interface the
// indexer persists its namespaces on, and a Badger-backed implementation.
package kv

import "errors"

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.New("kv: key not found")

// Op is a single write in a Batch: a Put when Value is non-nil, a Delete
// when it is nil.
type Op struct {
	Key   []byte
	Value []byte
}

// Batch accumulates writes for atomic commit via DB.Write.
type Batch struct {
	ops []Op
}

// Put appends a Put operation to the batch.
func (b *Batch) Put(key, value []byte) {
	k := append([]byte(nil), key...)
	v := make([]byte, len(value))
	copy(v, value)
	b.ops = append(b.ops, Op{Key: k, Value: v})
}

// Delete appends a Delete operation to the batch.
func (b *Batch) Delete(key []byte) {
	k := append([]byte(nil), key...)
	b.ops = append(b.ops, Op{Key: k, Value: nil})
}

// Len reports the number of buffered operations.
func (b *Batch) Len() int { return len(b.ops) }

// Ops returns the buffered operations in commit order. Used by DB
// implementations (and test fakes) to apply the batch.
func (b *Batch) Ops() []Op { return b.ops }

// DB is the ordered byte-keyed store every Store namespace is built on.
// Implementations must support forward and reverse prefix scans sorted by
// raw key bytes; the history row family depends on that ordering to
// yield ascending-height scans.
type DB interface {
	// Get retrieves a value by key. Returns ErrNotFound if absent.
	Get(key []byte) ([]byte, error)
	// Put writes a single key without forcing a disk sync.
	Put(key, value []byte) error
	// PutSync writes a single key and blocks until it is durable. Used
	// exactly once per indexer update: committing the tip sentinel.
	PutSync(key, value []byte) error
	// Write commits a batch atomically.
	Write(b *Batch) error
	// Flush blocks until all previously buffered writes are durable.
	Flush() error
	// IterScan iterates all keys with the given prefix in ascending
	// order, stopping early if fn returns a non-nil error.
	IterScan(prefix []byte, fn func(key, value []byte) error) error
	// IterScanFrom iterates keys with the given prefix in ascending
	// order starting at seek (inclusive), for cursor-based pagination.
	IterScanFrom(prefix, seek []byte, fn func(key, value []byte) error) error
	// IterScanReverse iterates keys with the given prefix in descending
	// order, starting at seekEnd (inclusive) if non-nil, else from the
	// last key with the prefix.
	IterScanReverse(prefix, seekEnd []byte, fn func(key, value []byte) error) error
	// FullCompaction runs a one-shot blocking compaction of the entire
	// keyspace. Gated by the caller on the "F" sentinel so it only runs
	// once per namespace's lifetime.
	FullCompaction() error
	// EnableAutoCompaction turns on the store's background compaction,
	// called once after the first FullCompaction completes.
	EnableAutoCompaction()
	// Close releases the underlying database handle.
	Close() error
}
