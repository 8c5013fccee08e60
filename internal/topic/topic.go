// Package topic implements the Topic Registry: lazy, idempotent provisioning
// of the per-topic namespace (events, consumers, shard-index, and BDT
// tables plus secondary indices) on first reference via a compare-and-set
// metadata row, and optional schema validation ahead of every publish.
package topic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/mydriatech/fragtale/internal/fragtaleerr"
	"github.com/mydriatech/fragtale/internal/storage"
)

const registryTable = "topics"

var registryPartition = []byte("topics")

// IndexConfig declares one extracted JSON-path column: an ordered list of
// (extracted_name, json_path, type).
type IndexConfig struct {
	Name string `json:"name"`
	Path string `json:"path"`
	Type ValueType `json:"type"`
}

// ValueType is the scalar type an extracted index column is stored as.
type ValueType string

const (
	TypeString ValueType = "string"
	TypeNumber ValueType = "number"
	TypeBool   ValueType = "bool"
)

// ShardDurations configures the three BDT/event-shard granularities.
type ShardDurations struct {
	L1Minutes int `json:"l1_minutes"`
	L2Hours   int `json:"l2_hours"`
	L3Days    int `json:"l3_days"`
}

// Topic is the provisioned, immutable-once-created configuration for one
// topic namespace.
type Topic struct {
	Name           string         `json:"name"`
	Schema         *Schema        `json:"schema,omitempty"`
	IndexConfig    []IndexConfig  `json:"index_config,omitempty"`
	ShardDurations ShardDurations `json:"shard_durations"`
	CreatedAtMs    int64          `json:"created_at_ms"`
}

// EventsTable is the physical table name events for this topic are stored
// in, partitioned by shard_l1 with clustering unique_time.
func (t Topic) EventsTable() string { return "events_" + t.Name }

// ConsumersTable is the per-topic consumer cursor/pending table.
func (t Topic) ConsumersTable() string { return "consumers_" + t.Name }

// ShardsL1Table indexes which level-1 shard buckets exist for this topic.
func (t Topic) ShardsL1Table() string { return "shards_l1_" + t.Name }

// ShardsL2Table indexes which level-2 shard buckets exist for this topic.
func (t Topic) ShardsL2Table() string { return "shards_l2_" + t.Name }

// BDTTable stores this topic's sealed binary digest tree nodes.
func (t Topic) BDTTable() string { return "bdt_" + t.Name }

// ProvisionOptions customizes explicit topic provisioning. Zero-value
// fields fall back to registry-wide defaults.
type ProvisionOptions struct {
	Schema         *Schema
	IndexConfig    []IndexConfig
	ShardDurations ShardDurations
}

// Registry provisions and caches per-topic namespaces.
type Registry struct {
	backend  storage.Backend
	defaults ShardDurations
	now      func() time.Time

	dedup singleflight.Group

	mu    sync.RWMutex
	cache map[string]Topic
}

// New returns a Registry using defaults for topics provisioned without
// explicit shard durations.
func New(backend storage.Backend, defaults ShardDurations) *Registry {
	return &Registry{
		backend:  backend,
		defaults: defaults,
		now:      time.Now,
		cache:    map[string]Topic{},
	}
}

// EnsureTopic lazily provisions name on first reference (the behavior
// Publish relies on to auto-provision) using registry defaults, or returns
// the already-provisioned Topic.
func (r *Registry) EnsureTopic(ctx context.Context, name string) (Topic, error) {
	return r.Provision(ctx, name, ProvisionOptions{})
}

// Provision idempotently creates the five per-topic tables and any declared
// secondary indices, and the registry row, or returns the existing Topic if
// one was already provisioned with the same name. Concurrent first-publish
// calls on this process are deduplicated with singleflight; concurrent
// provisioning across processes still linearizes on the storage layer's
// compare-and-set.
func (r *Registry) Provision(ctx context.Context, name string, opts ProvisionOptions) (Topic, error) {
	if t, ok := r.cached(name); ok {
		return t, nil
	}
	v, err, _ := r.dedup.Do(name, func() (interface{}, error) {
		return r.provisionOnce(ctx, name, opts)
	})
	if err != nil {
		return Topic{}, err
	}
	return v.(Topic), nil
}

func (r *Registry) cached(name string) (Topic, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.cache[name]
	return t, ok
}

func (r *Registry) provisionOnce(ctx context.Context, name string, opts ProvisionOptions) (Topic, error) {
	if t, ok := r.cached(name); ok {
		return t, nil
	}
	if err := r.backend.CreateTable(ctx, storage.TableSchema{Name: registryTable, PartitionColumn: "partition", ClusteringColumn: "name"}); err != nil {
		return Topic{}, fmt.Errorf("topic: create registry table: %w", err)
	}
	key := storage.Key{Table: registryTable, PartitionKey: registryPartition, ClusteringKey: []byte(name)}
	existing, err := r.backend.Get(ctx, key)
	if err == nil {
		t, derr := decodeTopic(name, existing.Columns)
		if derr == nil {
			r.store(t)
			return t, nil
		}
	}

	durations := opts.ShardDurations
	if durations == (ShardDurations{}) {
		durations = r.defaults
	}
	t := Topic{
		Name:           name,
		Schema:         opts.Schema,
		IndexConfig:    opts.IndexConfig,
		ShardDurations: durations,
		CreatedAtMs:    r.now().UnixMilli(),
	}
	row, err := encodeTopic(t)
	if err != nil {
		return Topic{}, err
	}
	result, err := r.backend.CompareAndSet(ctx, key, nil, row)
	if err != nil {
		if errors.Is(err, storage.ErrCASMismatch) {
			current, gerr := r.backend.Get(ctx, key)
			if gerr != nil {
				return Topic{}, gerr
			}
			decoded, derr := decodeTopic(name, current.Columns)
			if derr != nil {
				return Topic{}, derr
			}
			r.store(decoded)
			return decoded, nil
		}
		return Topic{}, fmt.Errorf("topic: claim registry row: %w", err)
	}
	if !result.Quorum() {
		return Topic{}, fragtaleerr.ErrBackendInconsistent
	}

	if err := r.createTables(ctx, t); err != nil {
		return Topic{}, err
	}
	r.store(t)
	return t, nil
}

func (r *Registry) store(t Topic) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache[t.Name] = t
}

func (r *Registry) createTables(ctx context.Context, t Topic) error {
	tables := []storage.TableSchema{
		{Name: t.EventsTable(), PartitionColumn: "shard_l1", ClusteringColumn: "unique_time"},
		{Name: t.ConsumersTable(), PartitionColumn: "consumer_id", ClusteringColumn: ""},
		{Name: t.ShardsL1Table(), PartitionColumn: "bucket", ClusteringColumn: "shard_l1"},
		{Name: t.ShardsL2Table(), PartitionColumn: "bucket", ClusteringColumn: "shard_l2"},
		{Name: t.BDTTable(), PartitionColumn: "level", ClusteringColumn: "shard_key"},
	}
	for _, schema := range tables {
		if err := r.backend.CreateTable(ctx, schema); err != nil {
			return fmt.Errorf("topic: create table %s: %w", schema.Name, err)
		}
	}
	for _, idx := range t.IndexConfig {
		if err := r.backend.CreateSecondaryIndex(ctx, storage.IndexSpec{Table: t.EventsTable(), Column: indexColumn(idx.Name)}); err != nil {
			return fmt.Errorf("topic: create index %s: %w", idx.Name, err)
		}
	}
	// Fixed indices the integrity engine relies on to fan a level-2 or
	// level-3 seal's path information back out to every proof record whose
	// event digest the sealed node covers (see internal/integrity's
	// attachLevel).
	for _, column := range []string{"l1_shard_key", "l2_shard_key"} {
		if err := r.backend.CreateSecondaryIndex(ctx, storage.IndexSpec{Table: t.BDTTable(), Column: column}); err != nil {
			return fmt.Errorf("topic: create bdt index %s: %w", column, err)
		}
	}
	return nil
}

// indexColumn is the column name an extracted index value is stored under.
func indexColumn(name string) string { return "idx_" + name }

// Lookup returns the provisioned Topic, or ErrUnknownTopic if name has no
// row in the shared topic registry. Query and Ack use this instead of
// EnsureTopic: those operations do not auto-provision.
func (r *Registry) Lookup(ctx context.Context, name string) (Topic, error) {
	if t, ok := r.cached(name); ok {
		return t, nil
	}
	key := storage.Key{Table: registryTable, PartitionKey: registryPartition, ClusteringKey: []byte(name)}
	row, err := r.backend.Get(ctx, key)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return Topic{}, fragtaleerr.ErrUnknownTopic
		}
		return Topic{}, err
	}
	t, derr := decodeTopic(name, row.Columns)
	if derr != nil {
		return Topic{}, derr
	}
	r.store(t)
	return t, nil
}

type encodedTopic struct {
	Schema         *Schema        `json:"schema,omitempty"`
	IndexConfig    []IndexConfig  `json:"index_config,omitempty"`
	ShardDurations ShardDurations `json:"shard_durations"`
	CreatedAtMs    int64          `json:"created_at_ms"`
}

func encodeTopic(t Topic) (storage.Row, error) {
	data, err := json.Marshal(encodedTopic{
		Schema:         t.Schema,
		IndexConfig:    t.IndexConfig,
		ShardDurations: t.ShardDurations,
		CreatedAtMs:    t.CreatedAtMs,
	})
	if err != nil {
		return storage.Row{}, err
	}
	return storage.Row{
		Key:     storage.Key{Table: registryTable, PartitionKey: registryPartition, ClusteringKey: []byte(t.Name)},
		Columns: map[string][]byte{"config": data},
	}, nil
}

func decodeTopic(name string, columns map[string][]byte) (Topic, error) {
	data, ok := columns["config"]
	if !ok {
		return Topic{}, fmt.Errorf("topic: registry row missing config column")
	}
	var e encodedTopic
	if err := json.Unmarshal(data, &e); err != nil {
		return Topic{}, err
	}
	return Topic{
		Name:           name,
		Schema:         e.Schema,
		IndexConfig:    e.IndexConfig,
		ShardDurations: e.ShardDurations,
		CreatedAtMs:    e.CreatedAtMs,
	}, nil
}
