// Package storage abstracts the column-oriented, partition-by-primary-key
// store Fragtale persists its state in. Concrete backends (Pebble for a
// single-node embedded deployment, an in-memory backend for tests) live in
// subpackages and are selected at startup by internal/config.
package storage

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get when no row exists for the given key.
var ErrNotFound = errors.New("storage: not found")

// ErrCASMismatch is returned by CompareAndSet when the observed value did
// not match the expected value supplied by the caller.
var ErrCASMismatch = errors.New("storage: compare-and-set mismatch")

// Consistency selects the read/write consistency level for an operation.
// Backends that cannot distinguish levels (e.g. a single-node embedded
// store) treat every level as Quorum.
type Consistency int

const (
	// Quorum requires a majority of replicas to acknowledge; used for
	// identity claims and secret publication.
	Quorum Consistency = iota
	// Local is satisfied by a single replica acknowledging; used for the
	// event-append hot path where durability is the backend's concern.
	Local
)

// Key identifies a row: a table name, a partition key, and a clustering key
// within that partition. ClusteringKey may be nil for tables with no
// intra-partition ordering requirement.
type Key struct {
	Table        string
	PartitionKey []byte
	ClusteringKey []byte
}

// Row is a single stored record: a Key plus its column values.
type Row struct {
	Key     Key
	Columns map[string][]byte
}

// Result reports the outcome of a write operation, including whether it
// reached the requested consistency level.
type Result struct {
	reachedQuorum bool
}

// Quorum reports whether the operation was acknowledged by a quorum of
// replicas. Backends that are not replicated always report true.
func (r Result) Quorum() bool { return r.reachedQuorum }

// QuorumResult builds a Result reporting the given quorum outcome.
func QuorumResult(reached bool) Result { return Result{reachedQuorum: reached} }

// IndexSpec declares a secondary index on a column of a table.
type IndexSpec struct {
	Table  string
	Column string
}

// TableSchema declares a table to be created by CreateTable. Columns beyond
// the partition/clustering key are untyped byte columns; typed extraction
// happens above this layer.
type TableSchema struct {
	Name            string
	PartitionColumn string
	ClusteringColumn string
}

// Cursor is a lazy, finite sequence of rows produced by Scan. Callers must
// call Close when done iterating, even after an error or early break.
type Cursor interface {
	// Next advances the cursor. It returns false when the sequence is
	// exhausted or an error occurred; callers must check Err after a
	// false return.
	Next(ctx context.Context) bool
	// Row returns the current row. Valid only after a true Next.
	Row() Row
	// Err returns the first error encountered, if any.
	Err() error
	// Close releases resources held by the cursor.
	Close() error
}

// ScanRange bounds a Scan by clustering key, both inclusive-lower,
// exclusive-upper. A nil bound is unbounded in that direction.
type ScanRange struct {
	PartitionKey []byte
	FromClustering []byte
	ToClustering   []byte
	Limit          int
}

// Backend is the storage abstraction every Fragtale component is built
// against: abstract CRUD, range scans, compare-and-set, and secondary-index
// creation over partitioned rows.
type Backend interface {
	// CreateTable is idempotent: creating an already-existing table with
	// the same schema is a no-op.
	CreateTable(ctx context.Context, schema TableSchema) error
	// CreateSecondaryIndex is idempotent.
	CreateSecondaryIndex(ctx context.Context, spec IndexSpec) error

	// Put writes row unconditionally, at the given consistency.
	Put(ctx context.Context, row Row, consistency Consistency) (Result, error)
	// Get reads the row at key. Returns ErrNotFound if absent.
	Get(ctx context.Context, key Key) (Row, error)
	// CompareAndSet atomically replaces the row at key with newRow only if
	// the current column values equal expected (nil expected means "key
	// must not currently exist"). Returns ErrCASMismatch on failure.
	CompareAndSet(ctx context.Context, key Key, expected map[string][]byte, newRow Row) (Result, error)
	// Delete removes the row at key. Deleting an absent row is a no-op.
	Delete(ctx context.Context, key Key) (Result, error)

	// Scan returns a lazy cursor over rows in the given partition and
	// clustering range, ordered by clustering key ascending.
	Scan(ctx context.Context, table string, rng ScanRange) (Cursor, error)

	// QueryIndex returns a lazy cursor over rows whose indexed column
	// equals value, additionally bounded by a clustering range (typically
	// a time window encoded in the clustering key).
	QueryIndex(ctx context.Context, spec IndexSpec, value []byte, rng ScanRange) (Cursor, error)

	// Close releases backend resources.
	Close() error
}
