// Package memorystore implements storage.Backend entirely in process
// memory: a fast, non-durable backend for tests and local experimentation.
package memorystore

import (
	"bytes"
	"context"
	"sort"
	"sync"

	"github.com/mydriatech/fragtale/internal/storage"
)

type rowEntry struct {
	columns map[string][]byte
}

// Backend is an in-memory storage.Backend. Every write trivially reaches
// quorum since there is exactly one replica.
type Backend struct {
	mu      sync.RWMutex
	tables  map[string]*tableState
}

type tableState struct {
	schema  storage.TableSchema
	rows    map[string]map[string]*rowEntry // partition key (string) -> clustering key (string) -> row
	indices map[string]bool                 // indexed column names
}

// New returns an empty in-memory backend.
func New() *Backend {
	return &Backend{tables: map[string]*tableState{}}
}

func (b *Backend) table(name string) *tableState {
	t, ok := b.tables[name]
	if !ok {
		t = &tableState{rows: map[string]map[string]*rowEntry{}, indices: map[string]bool{}}
		b.tables[name] = t
	}
	return t
}

// CreateTable registers a table, idempotently.
func (b *Backend) CreateTable(ctx context.Context, schema storage.TableSchema) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	t := b.table(schema.Name)
	t.schema = schema
	return nil
}

// CreateSecondaryIndex registers an index, idempotently.
func (b *Backend) CreateSecondaryIndex(ctx context.Context, spec storage.IndexSpec) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.table(spec.Table).indices[spec.Column] = true
	return nil
}

// Put writes row unconditionally.
func (b *Backend) Put(ctx context.Context, row storage.Row, consistency storage.Consistency) (storage.Result, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.putLocked(row)
	return storage.QuorumResult(true), nil
}

func (b *Backend) putLocked(row storage.Row) {
	t := b.table(row.Key.Table)
	part, ok := t.rows[string(row.Key.PartitionKey)]
	if !ok {
		part = map[string]*rowEntry{}
		t.rows[string(row.Key.PartitionKey)] = part
	}
	part[string(row.Key.ClusteringKey)] = &rowEntry{columns: cloneColumns(row.Columns)}
}

func cloneColumns(cols map[string][]byte) map[string][]byte {
	out := make(map[string][]byte, len(cols))
	for k, v := range cols {
		out[k] = append([]byte{}, v...)
	}
	return out
}

// Get reads the row at key.
func (b *Backend) Get(ctx context.Context, key storage.Key) (storage.Row, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	t, ok := b.tables[key.Table]
	if !ok {
		return storage.Row{}, storage.ErrNotFound
	}
	part, ok := t.rows[string(key.PartitionKey)]
	if !ok {
		return storage.Row{}, storage.ErrNotFound
	}
	entry, ok := part[string(key.ClusteringKey)]
	if !ok {
		return storage.Row{}, storage.ErrNotFound
	}
	return storage.Row{Key: key, Columns: cloneColumns(entry.columns)}, nil
}

// CompareAndSet implements single-process CAS under the backend-wide lock.
func (b *Backend) CompareAndSet(ctx context.Context, key storage.Key, expected map[string][]byte, newRow storage.Row) (storage.Result, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t := b.table(key.Table)
	part := t.rows[string(key.PartitionKey)]
	var current *rowEntry
	if part != nil {
		current = part[string(key.ClusteringKey)]
	}
	if current == nil {
		if expected != nil {
			return storage.Result{}, storage.ErrCASMismatch
		}
	} else if expected == nil || !columnsEqual(current.columns, expected) {
		return storage.Result{}, storage.ErrCASMismatch
	}
	b.putLocked(newRow)
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
	t, ok := b.tables[key.Table]
	if !ok {
		return storage.QuorumResult(true), nil
	}
	part := t.rows[string(key.PartitionKey)]
	if part != nil {
		delete(part, string(key.ClusteringKey))
	}
	return storage.QuorumResult(true), nil
}

// Scan returns a cursor over rows in partition, ordered by clustering key.
func (b *Backend) Scan(ctx context.Context, table string, rng storage.ScanRange) (storage.Cursor, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	t, ok := b.tables[table]
	if !ok {
		return &sliceCursor{}, nil
	}
	part := t.rows[string(rng.PartitionKey)]
	var rows []storage.Row
	var keys []string
	for k := range part {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if rng.FromClustering != nil && k < string(rng.FromClustering) {
			continue
		}
		if rng.ToClustering != nil && k >= string(rng.ToClustering) {
			continue
		}
		rows = append(rows, storage.Row{
			Key:     storage.Key{Table: table, PartitionKey: rng.PartitionKey, ClusteringKey: []byte(k)},
			Columns: cloneColumns(part[k].columns),
		})
		if rng.Limit > 0 && len(rows) >= rng.Limit {
			break
		}
	}
	return &sliceCursor{rows: rows}, nil
}

// QueryIndex returns a cursor over rows whose indexed column equals value.
func (b *Backend) QueryIndex(ctx context.Context, spec storage.IndexSpec, value []byte, rng storage.ScanRange) (storage.Cursor, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	t, ok := b.tables[spec.Table]
	if !ok {
		return &sliceCursor{}, nil
	}
	var rows []storage.Row
	var partKeys []string
	for pk := range t.rows {
		partKeys = append(partKeys, pk)
	}
	sort.Strings(partKeys)
	for _, pk := range partKeys {
		var cks []string
		for ck := range t.rows[pk] {
			cks = append(cks, ck)
		}
		sort.Strings(cks)
		for _, ck := range cks {
			entry := t.rows[pk][ck]
			if !bytes.Equal(entry.columns[spec.Column], value) {
				continue
			}
			if rng.FromClustering != nil && ck < string(rng.FromClustering) {
				continue
			}
			if rng.ToClustering != nil && ck >= string(rng.ToClustering) {
				continue
			}
			rows = append(rows, storage.Row{
				Key:     storage.Key{Table: spec.Table, PartitionKey: []byte(pk), ClusteringKey: []byte(ck)},
				Columns: cloneColumns(entry.columns),
			})
			if rng.Limit > 0 && len(rows) >= rng.Limit {
				break
			}
		}
	}
	return &sliceCursor{rows: rows}, nil
}

// Close is a no-op for the in-memory backend.
func (b *Backend) Close() error { return nil }

type sliceCursor struct {
	rows []storage.Row
	pos  int
}

func (c *sliceCursor) Next(ctx context.Context) bool {
	if c.pos >= len(c.rows) {
		return false
	}
	c.pos++
	return true
}

func (c *sliceCursor) Row() storage.Row { return c.rows[c.pos-1] }
func (c *sliceCursor) Err() error       { return nil }
func (c *sliceCursor) Close() error     { return nil }
