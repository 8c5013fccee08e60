// Package ingest implements the Event Ingest pipeline: timestamp, validate,
// extract index columns, digest, persist, hand off to the integrity
// engine, and record shard membership. The write path itself (a
// schema-free namespace write immediately followed by an append) carries
// forward a familiar publish shape, extended here with a schema check,
// digesting, and BDT submission.
package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/mydriatech/fragtale/internal/fragtaleerr"
	"github.com/mydriatech/fragtale/internal/integrity"
	"github.com/mydriatech/fragtale/internal/metrics"
	"github.com/mydriatech/fragtale/internal/storage"
	"github.com/mydriatech/fragtale/internal/timesvc"
	"github.com/mydriatech/fragtale/internal/topic"
	"github.com/mydriatech/fragtale/internal/uniquetime"
	"github.com/mydriatech/fragtale/pkg/log"
)

var shardsPartition = []byte("shards")

// Options configures a Pipeline.
type Options struct {
	Backend  storage.Backend
	Topics   *topic.Registry
	Time     *timesvc.Service
	Integrity *integrity.Engine
	Metrics  metrics.Sink
	Logger   log.Logger
}

// Pipeline is the Event Ingest component: Publish is its only entry point.
type Pipeline struct {
	backend   storage.Backend
	topics    *topic.Registry
	time      *timesvc.Service
	integrity *integrity.Engine
	metrics   metrics.Sink
	logger    log.Logger
}

// New returns a Pipeline.
func New(opts Options) *Pipeline {
	m := opts.Metrics
	if m == nil {
		m = metrics.Noop{}
	}
	return &Pipeline{
		backend:   opts.Backend,
		topics:    opts.Topics,
		time:      opts.Time,
		integrity: opts.Integrity,
		metrics:   m,
		logger:    opts.Logger,
	}
}

// PublishOptions customizes a single publish call.
type PublishOptions struct {
	Headers map[string]string
	// Provision, when non-nil, provisions the topic on first reference with
	// this schema/index/shard configuration instead of registry defaults.
	Provision *topic.ProvisionOptions
}

// Publish runs the eight-step ingest pipeline against topicName and
// returns the unique_time assigned to the persisted event.
func (p *Pipeline) Publish(ctx context.Context, topicName string, document []byte, opts PublishOptions) (uniquetime.Time, error) {
	t, err := p.provisionOrEnsure(ctx, topicName, opts)
	if err != nil {
		return uniquetime.Time{}, err
	}

	if t.Schema != nil {
		if err := t.Schema.Validate(document); err != nil {
			return uniquetime.Time{}, err
		}
	}

	ut, receivedAt, err := p.time.Stamp()
	if err != nil {
		return uniquetime.Time{}, fmt.Errorf("%w", fragtaleerr.ErrClockOutOfTolerance)
	}
	receivedAtMs := receivedAt.UnixMilli()

	digest := computeDigest(document, receivedAtMs)

	columns := map[string][]byte{
		"document":       document,
		"digest":         digest,
		"received_at_ms": encodeInt64(receivedAtMs),
	}
	if len(opts.Headers) > 0 {
		if hb, err := json.Marshal(opts.Headers); err == nil {
			columns["headers"] = hb
		}
	}
	for _, idx := range t.IndexConfig {
		if v, ok := extractPath(document, idx.Path); ok {
			columns[indexColumnName(idx.Name)] = encodeIndexValue(v)
		}
	}

	shardKey := topic.ShardL1Key(ut.Micros(), t.ShardDurations)
	eventRow := storage.Row{
		Key: storage.Key{
			Table:         t.EventsTable(),
			PartitionKey:  []byte(shardKey),
			ClusteringKey: ut.Bytes(),
		},
		Columns: columns,
	}
	if _, err := p.backend.Put(ctx, eventRow, storage.Local); err != nil {
		return uniquetime.Time{}, fmt.Errorf("ingest: persist event: %w", err)
	}

	if err := p.markShardOpen(ctx, t.ShardsL1Table(), shardKey, receivedAtMs); err != nil {
		if p.logger != nil {
			p.logger.Warn("ingest: mark shard open failed", log.Err(err), log.Str("shard_key", shardKey))
		}
	}
	if l2ShardKey, err := topic.ParentShardKey(1, shardKey, t.ShardDurations); err == nil {
		if err := p.markShardOpen(ctx, t.ShardsL2Table(), l2ShardKey, receivedAtMs); err != nil {
			if p.logger != nil {
				p.logger.Warn("ingest: mark level-2 shard open failed", log.Err(err), log.Str("shard_key", l2ShardKey))
			}
		}
	} else if p.logger != nil {
		p.logger.Warn("ingest: compute level-2 shard key failed", log.Err(err), log.Str("shard_key", shardKey))
	}

	uniqueTimeHex := hex.EncodeToString(ut.Bytes())
	if err := p.integrity.Submit(ctx, t.BDTTable(), t.ShardDurations, uniqueTimeHex, ut.Micros(), digest); err != nil {
		if p.logger != nil {
			p.logger.Warn("ingest: submit digest to integrity engine failed", log.Err(err))
		}
	}

	p.metrics.IncCounter("published_events_count", map[string]string{"topic": topicName}, 1)
	return ut, nil
}

func (p *Pipeline) provisionOrEnsure(ctx context.Context, topicName string, opts PublishOptions) (topic.Topic, error) {
	if opts.Provision != nil {
		return p.topics.Provision(ctx, topicName, *opts.Provision)
	}
	return p.topics.EnsureTopic(ctx, topicName)
}

// markShardOpen upserts a marker row in table recording that shardKey has at
// least one event, so internal/integrity's RepairOrphans and
// internal/query/internal/delivery's shard discovery can enumerate shards
// without scanning the full event table. Called against both
// shards_l1_<topic> (per-event shard) and shards_l2_<topic> (the coarser
// index a bounded time-range query prunes against before touching level-1
// shard keys).
func (p *Pipeline) markShardOpen(ctx context.Context, table, shardKey string, atMs int64) error {
	key := storage.Key{Table: table, PartitionKey: shardsPartition, ClusteringKey: []byte(shardKey)}
	if _, err := p.backend.Get(ctx, key); err == nil {
		return nil
	}
	row := storage.Row{Key: key, Columns: map[string][]byte{"first_seen_at_ms": encodeInt64(atMs)}}
	_, err := p.backend.Put(ctx, row, storage.Local)
	return err
}

func computeDigest(document []byte, receivedAtMs int64) []byte {
	h := sha256.New()
	h.Write(document)
	var tsBytes [8]byte
	binary.BigEndian.PutUint64(tsBytes[:], uint64(receivedAtMs))
	h.Write(tsBytes[:])
	return h.Sum(nil)
}

func encodeInt64(v int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(v))
	return b
}

func indexColumnName(name string) string { return "idx_" + name }
