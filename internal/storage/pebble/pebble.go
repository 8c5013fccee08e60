// Package pebblestore implements the storage.Backend interface on top of
// CockroachDB's Pebble, following the same key-layout convention the
// teacher's event log uses: lexicographically sortable byte keys built from
// slash-separated segments, where the partition segment (and an index
// entry's value segment) carries a fixed-width hex length prefix, so range
// scans stay in clustering-key order.
package pebblestore

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"

	"github.com/mydriatech/fragtale/internal/storage"
)

// FsyncMode defines durability behavior for write operations.
type FsyncMode int

const (
	FsyncModeUnspecified FsyncMode = iota
	// FsyncModeAlways requests a WAL fsync on each committed batch.
	FsyncModeAlways
	// FsyncModeInterval enables group-commit, coalescing WAL syncs.
	FsyncModeInterval
	// FsyncModeNever avoids forcing WAL syncs from the application.
	FsyncModeNever
)

// Options configures the Pebble-backed storage.Backend.
type Options struct {
	DataDir       string
	Fsync         FsyncMode
	FsyncInterval time.Duration
	PebbleOptions *pebble.Options
}

// Backend wraps a Pebble database and implements storage.Backend. Every
// table lives in the same keyspace, namespaced by table name; since Pebble
// is single-node, every write trivially reaches quorum.
type Backend struct {
	mu        sync.RWMutex
	inner     *pebble.DB
	writeSync bool
	indices   map[string][]string // table -> indexed columns
}

// Open creates or opens a Pebble database at the configured data directory.
func Open(opts Options) (*Backend, error) {
	if opts.DataDir == "" {
		return nil, errors.New("pebblestore: Options.DataDir is required")
	}
	po := opts.PebbleOptions
	if po == nil {
		po = &pebble.Options{}
	}
	switch opts.Fsync {
	case FsyncModeAlways:
	case FsyncModeInterval:
		if opts.FsyncInterval <= 0 {
			opts.FsyncInterval = 5 * time.Millisecond
		}
		po.WALMinSyncInterval = func() time.Duration { return opts.FsyncInterval }
	case FsyncModeNever:
	default:
		po.WALMinSyncInterval = func() time.Duration { return 5 * time.Millisecond }
	}
	inner, err := pebble.Open(opts.DataDir, po)
	if err != nil {
		return nil, err
	}
	return &Backend{
		inner:     inner,
		writeSync: opts.Fsync == FsyncModeAlways,
		indices:   map[string][]string{},
	}, nil
}

// Close closes the underlying Pebble database.
func (b *Backend) Close() error {
	if b == nil || b.inner == nil {
		return nil
	}
	return b.inner.Close()
}

func (b *Backend) syncMode() pebble.WriteOptions {
	if b.writeSync {
		return *pebble.Sync
	}
	return *pebble.NoSync
}

// encodedRow is the on-disk representation of storage.Row's Columns map.
type encodedRow struct {
	Columns map[string][]byte
}

func encodeRow(columns map[string][]byte) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(encodedRow{Columns: columns}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeRow(data []byte) (map[string][]byte, error) {
	var er encodedRow
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&er); err != nil {
		return nil, err
	}
	return er.Columns, nil
}

func primaryKey(table string, partitionKey, clusteringKey []byte) []byte {
	k := make([]byte, 0, len(table)+len(partitionKey)+len(clusteringKey)+8)
	k = append(k, "row/"...)
	k = append(k, table...)
	k = append(k, '/')
	k = appendLenPrefixed(k, partitionKey)
	k = append(k, '/')
	k = append(k, clusteringKey...)
	return k
}

func appendLenPrefixed(dst, b []byte) []byte {
	// Fixed-width hex length prefix keeps the partition segment self
	// delimiting so distinct partition keys never collide across the
	// slash separator, while remaining lexicographically sortable within
	// a single partition (the only place sort order matters).
	dst = append(dst, fmt.Sprintf("%08x", len(b))...)
	return append(dst, b...)
}

func indexKey(table, column string, value, clusteringKey []byte) []byte {
	k := make([]byte, 0, len(table)+len(column)+len(value)+len(clusteringKey)+16)
	k = append(k, "idx/"...)
	k = append(k, table...)
	k = append(k, '/')
	k = append(k, column...)
	k = append(k, '/')
	k = appendLenPrefixed(k, value)
	k = append(k, '/')
	k = append(k, clusteringKey...)
	return k
}

func tableMetaKey(table string) []byte {
	return append([]byte("meta/table/"), table...)
}

func indexMetaKey(table, column string) []byte {
	k := append([]byte("meta/index/"), table...)
	k = append(k, '/')
	return append(k, column...)
}

// CreateTable registers the table. Pebble has no schema to enforce; this
// records the table's partition and clustering column names under a
// metadata key, which no other method reads back.
func (b *Backend) CreateTable(ctx context.Context, schema storage.TableSchema) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.inner.Set(tableMetaKey(schema.Name), []byte(schema.PartitionColumn+"\x00"+schema.ClusteringColumn), pebble.Sync)
}

// CreateSecondaryIndex registers an index. Existing rows are not backfilled;
// callers create indices before any writes land, matching the Topic
// Registry's create-on-first-reference convention.
func (b *Backend) CreateSecondaryIndex(ctx context.Context, spec storage.IndexSpec) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.indices[spec.Table] = appendUnique(b.indices[spec.Table], spec.Column)
	return b.inner.Set(indexMetaKey(spec.Table, spec.Column), []byte{1}, pebble.Sync)
}

func appendUnique(s []string, v string) []string {
	for _, e := range s {
		if e == v {
			return s
		}
	}
	return append(s, v)
}

// Put writes row unconditionally and maintains any registered secondary
// indices for its table.
func (b *Backend) Put(ctx context.Context, row storage.Row, consistency storage.Consistency) (storage.Result, error) {
	data, err := encodeRow(row.Columns)
	if err != nil {
		return storage.Result{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	batch := b.inner.NewBatch()
	defer batch.Close()
	pk := primaryKey(row.Key.Table, row.Key.PartitionKey, row.Key.ClusteringKey)
	if err := batch.Set(pk, data, nil); err != nil {
		return storage.Result{}, err
	}
	b.stageIndexUpdates(batch, row)
	opts := b.syncMode()
	if err := batch.Commit(&opts); err != nil {
		return storage.Result{}, err
	}
	return storage.QuorumResult(true), nil
}

func (b *Backend) stageIndexUpdates(batch *pebble.Batch, row storage.Row) {
	for _, col := range b.indices[row.Key.Table] {
		val, ok := row.Columns[col]
		if !ok {
			continue
		}
		_ = batch.Set(indexKey(row.Key.Table, col, val, row.Key.ClusteringKey), []byte{1}, nil)
	}
}

// Get reads the row at key.
func (b *Backend) Get(ctx context.Context, key storage.Key) (storage.Row, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	pk := primaryKey(key.Table, key.PartitionKey, key.ClusteringKey)
	val, closer, err := b.inner.Get(pk)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return storage.Row{}, storage.ErrNotFound
		}
		return storage.Row{}, err
	}
	defer closer.Close()
	columns, err := decodeRow(val)
	if err != nil {
		return storage.Row{}, err
	}
	return storage.Row{Key: key, Columns: columns}, nil
}

// CompareAndSet implements optimistic concurrency control over a single row.
// Pebble has no native CAS, so this takes the backend-wide write lock for
// the duration of the check-then-set; acceptable for the claim rate of its
// callers: instance leasing, consumer claims, secret minting and topic
// provisioning.
func (b *Backend) CompareAndSet(ctx context.Context, key storage.Key, expected map[string][]byte, newRow storage.Row) (storage.Result, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	pk := primaryKey(key.Table, key.PartitionKey, key.ClusteringKey)
	val, closer, err := b.inner.Get(pk)
	switch {
	case errors.Is(err, pebble.ErrNotFound):
		if expected != nil {
			return storage.Result{}, storage.ErrCASMismatch
		}
	case err != nil:
		return storage.Result{}, err
	default:
		defer closer.Close()
		current, derr := decodeRow(val)
		if derr != nil {
			return storage.Result{}, derr
		}
		if expected == nil || !columnsEqual(current, expected) {
			return storage.Result{}, storage.ErrCASMismatch
		}
	}
	data, err := encodeRow(newRow.Columns)
	if err != nil {
		return storage.Result{}, err
	}
	batch := b.inner.NewBatch()
	defer batch.Close()
	if err := batch.Set(pk, data, nil); err != nil {
		return storage.Result{}, err
	}
	b.stageIndexUpdates(batch, newRow)
	opts := b.syncMode()
	if err := batch.Commit(&opts); err != nil {
		return storage.Result{}, err
	}
	return storage.QuorumResult(true), nil
}

func columnsEqual(a, b map[string][]byte) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if !bytes.Equal(v, b[k]) {
			return false
		}
	}
	return true
}

// Delete removes the row at key.
func (b *Backend) Delete(ctx context.Context, key storage.Key) (storage.Result, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	pk := primaryKey(key.Table, key.PartitionKey, key.ClusteringKey)
	opts := b.syncMode()
	if err := b.inner.Delete(pk, &opts); err != nil {
		return storage.Result{}, err
	}
	return storage.QuorumResult(true), nil
}

// Scan returns a cursor over rows in the given partition and clustering
// range, ordered by clustering key ascending (Pebble's native key order).
func (b *Backend) Scan(ctx context.Context, table string, rng storage.ScanRange) (storage.Cursor, error) {
	lower := make([]byte, 0, 64)
	lower = append(lower, "row/"...)
	lower = append(lower, table...)
	lower = append(lower, '/')
	lower = appendLenPrefixed(lower, rng.PartitionKey)
	lower = append(lower, '/')
	upper := append([]byte{}, lower...)
	lower = append(lower, rng.FromClustering...)
	if rng.ToClustering != nil {
		upper = append(upper, rng.ToClustering...)
	} else {
		upper = append(upper, 0xff)
	}
	it, err := b.inner.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return nil, err
	}
	return &rowCursor{table: table, iter: it, limit: rng.Limit, started: false}, nil
}

// QueryIndex returns a cursor over rows whose indexed column equals value,
// resolving through the index keyspace to the primary row for each match.
func (b *Backend) QueryIndex(ctx context.Context, spec storage.IndexSpec, value []byte, rng storage.ScanRange) (storage.Cursor, error) {
	lower := make([]byte, 0, 64)
	lower = append(lower, "idx/"...)
	lower = append(lower, spec.Table...)
	lower = append(lower, '/')
	lower = append(lower, spec.Column...)
	lower = append(lower, '/')
	lower = appendLenPrefixed(lower, value)
	lower = append(lower, '/')
	upper := append([]byte{}, lower...)
	lower = append(lower, rng.FromClustering...)
	if rng.ToClustering != nil {
		upper = append(upper, rng.ToClustering...)
	} else {
		upper = append(upper, 0xff)
	}
	it, err := b.inner.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return nil, err
	}
	return &indexCursor{backend: b, spec: spec, iter: it, limit: rng.Limit}, nil
}

// rowCursor iterates primary rows directly.
type rowCursor struct {
	table   string
	iter    *pebble.Iterator
	limit   int
	count   int
	started bool
	err     error
	row     storage.Row
}

func (c *rowCursor) Next(ctx context.Context) bool {
	if c.err != nil {
		return false
	}
	if c.limit > 0 && c.count >= c.limit {
		return false
	}
	var ok bool
	if !c.started {
		ok = c.iter.First()
		c.started = true
	} else {
		ok = c.iter.Next()
	}
	if !ok {
		return false
	}
	columns, err := decodeRow(c.iter.Value())
	if err != nil {
		c.err = err
		return false
	}
	clustering := extractClusteringKey(c.iter.Key())
	c.row = storage.Row{
		Key:     storage.Key{Table: c.table, ClusteringKey: clustering},
		Columns: columns,
	}
	c.count++
	return true
}

func (c *rowCursor) Row() storage.Row { return c.row }
func (c *rowCursor) Err() error       { return c.err }
func (c *rowCursor) Close() error     { return c.iter.Close() }

// extractClusteringKey strips the "row/{table}/{len8hex}{partition}/" prefix
// from a primary key, returning the trailing clustering-key bytes.
func extractClusteringKey(key []byte) []byte {
	idx := bytes.Index(key, []byte("/"))
	if idx < 0 {
		return nil
	}
	rest := key[idx+1:]
	idx = bytes.Index(rest, []byte("/"))
	if idx < 0 {
		return nil
	}
	rest = rest[idx+1:]
	if len(rest) < 8 {
		return nil
	}
	partLen := 0
	fmt.Sscanf(string(rest[:8]), "%x", &partLen)
	rest = rest[8+partLen:]
	if len(rest) == 0 {
		return nil
	}
	return append([]byte{}, rest[1:]...)
}

// indexCursor resolves matches through the index keyspace back to their
// primary row.
type indexCursor struct {
	backend *Backend
	spec    storage.IndexSpec
	iter    *pebble.Iterator
	limit   int
	count   int
	started bool
	err     error
	row     storage.Row
}

func (c *indexCursor) Next(ctx context.Context) bool {
	if c.err != nil {
		return false
	}
	if c.limit > 0 && c.count >= c.limit {
		return false
	}
	var ok bool
	if !c.started {
		ok = c.iter.First()
		c.started = true
	} else {
		ok = c.iter.Next()
	}
	if !ok {
		return false
	}
	clustering := extractIndexClusteringKey(c.iter.Key())
	row, err := c.backend.Get(context.Background(), storage.Key{Table: c.spec.Table, ClusteringKey: clustering})
	if err != nil {
		c.err = err
		return false
	}
	c.row = row
	c.count++
	return true
}

func extractIndexClusteringKey(key []byte) []byte {
	// idx/{table}/{column}/{len8hex}{value}/{clustering}
	parts := bytes.SplitN(key, []byte("/"), 4)
	if len(parts) < 4 {
		return nil
	}
	rest := parts[3]
	if len(rest) < 8 {
		return nil
	}
	valLen := 0
	fmt.Sscanf(string(rest[:8]), "%x", &valLen)
	rest = rest[8+valLen:]
	if len(rest) == 0 {
		return nil
	}
	return append([]byte{}, rest[1:]...)
}

func (c *indexCursor) Row() storage.Row { return c.row }
func (c *indexCursor) Err() error       { return c.err }
func (c *indexCursor) Close() error     { return c.iter.Close() }
