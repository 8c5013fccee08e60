package query

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/mydriatech/fragtale/internal/storage"
	"github.com/mydriatech/fragtale/internal/topic"
	"github.com/mydriatech/fragtale/internal/uniquetime"
)

var shardsPartition = []byte("shards")

// Options configures an Executor.
type Options struct {
	Backend storage.Backend
	Topics  *topic.Registry
}

// Executor is the Query/Index component: Query is its only entry point.
type Executor struct {
	backend storage.Backend
	topics  *topic.Registry
}

// New returns an Executor.
func New(opts Options) *Executor {
	return &Executor{backend: opts.Backend, topics: opts.Topics}
}

// Request describes a bounded query against one topic. Either IndexName or a
// FromMs/ToMs time range (or both) narrows the candidate rows before Filter
// is applied; a request with neither set falls back to a full shard scan
// across every shard the topic has recorded.
type Request struct {
	Topic      string
	IndexName  string
	IndexValue string
	FromMs     int64
	ToMs       int64
	Filter     string
	Limit      int
	NowMs      int64
}

// Result is one matching event.
type Result struct {
	UniqueTimeHex string
	Document      []byte
	Headers       map[string]string
	ReceivedAtMs  int64
}

// Query resolves req against its topic's index or shard set and returns
// every matching event, most-recent last (unique_time ascending).
func (e *Executor) Query(ctx context.Context, req Request) ([]Result, error) {
	t, err := e.topics.Lookup(ctx, req.Topic)
	if err != nil {
		return nil, err
	}
	f, err := newFilter(req.Filter)
	if err != nil {
		return nil, err
	}
	if req.IndexName != "" {
		return e.queryByIndex(ctx, t, req, f)
	}
	return e.queryByShardScan(ctx, t, req, f)
}

func (e *Executor) queryByIndex(ctx context.Context, t topic.Topic, req Request, f filter) ([]Result, error) {
	spec := storage.IndexSpec{Table: t.EventsTable(), Column: "idx_" + req.IndexName}
	rng := storage.ScanRange{Limit: req.Limit}
	if req.FromMs > 0 {
		rng.FromClustering = timeBound(req.FromMs*1000, false)
	}
	if req.ToMs > 0 {
		rng.ToClustering = timeBound(req.ToMs*1000, true)
	}
	cursor, err := e.backend.QueryIndex(ctx, spec, []byte(req.IndexValue), rng)
	if err != nil {
		return nil, fmt.Errorf("query: query index %s: %w", req.IndexName, err)
	}
	defer cursor.Close()
	return e.collect(ctx, cursor, req, f)
}

func (e *Executor) queryByShardScan(ctx context.Context, t topic.Topic, req Request, f filter) ([]Result, error) {
	shardKeys, err := e.shardsInRange(ctx, t, req.FromMs, req.ToMs)
	if err != nil {
		return nil, err
	}
	var results []Result
	for _, shardKey := range shardKeys {
		cursor, err := e.backend.Scan(ctx, t.EventsTable(), storage.ScanRange{PartitionKey: []byte(shardKey)})
		if err != nil {
			return nil, fmt.Errorf("query: scan shard %s: %w", shardKey, err)
		}
		matched, err := e.collect(ctx, cursor, req, f)
		cursor.Close()
		if err != nil {
			return nil, err
		}
		results = append(results, matched...)
		if req.Limit > 0 && len(results) >= req.Limit {
			results = results[:req.Limit]
			break
		}
	}
	return results, nil
}

func (e *Executor) collect(ctx context.Context, cursor storage.Cursor, req Request, f filter) ([]Result, error) {
	var results []Result
	for cursor.Next(ctx) {
		row := cursor.Row()
		receivedAtMs := decodeInt64(row.Columns["received_at_ms"])
		if req.FromMs > 0 && receivedAtMs < req.FromMs {
			continue
		}
		if req.ToMs > 0 && receivedAtMs > req.ToMs {
			continue
		}
		document := row.Columns["document"]
		headers := decodeHeaders(row.Columns["headers"])
		if !f.eval(document, headers, receivedAtMs, req.NowMs) {
			continue
		}
		ut, ok := uniquetime.FromBytes(row.Key.ClusteringKey)
		if !ok {
			continue
		}
		results = append(results, Result{
			UniqueTimeHex: fmt.Sprintf("%x", ut.Bytes()),
			Document:      document,
			Headers:       headers,
			ReceivedAtMs:  receivedAtMs,
		})
		if req.Limit > 0 && len(results) >= req.Limit {
			break
		}
	}
	if err := cursor.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

// shardsInRange returns the level-1 shard keys shards_l1_<topic> has
// recorded whose bucket overlaps [fromMs, toMs] (either bound zero means
// unbounded on that side), ascending. A bounded range is resolved through
// shards_l2_<topic> first: only the level-1 shards that fall inside an
// overlapping level-2 window are ever scanned, so a long-lived topic with a
// large level-1 shard history is not fully scanned for a narrow query.
func (e *Executor) shardsInRange(ctx context.Context, t topic.Topic, fromMs, toMs int64) ([]string, error) {
	if fromMs <= 0 && toMs <= 0 {
		return e.bucketsInRange(ctx, t.ShardsL1Table(), storage.ScanRange{PartitionKey: shardsPartition}, 1, t.ShardDurations, fromMs, toMs)
	}
	l2Keys, err := e.bucketsInRange(ctx, t.ShardsL2Table(), storage.ScanRange{PartitionKey: shardsPartition}, 2, t.ShardDurations, fromMs, toMs)
	if err != nil {
		return nil, err
	}
	var keys []string
	seen := map[string]bool{}
	for _, l2Key := range l2Keys {
		var bucketMs int64
		if _, err := fmt.Sscanf(l2Key, "%016x", &bucketMs); err != nil {
			continue
		}
		rng := storage.ScanRange{
			PartitionKey:   shardsPartition,
			FromClustering: []byte(topic.ShardKey(bucketMs)),
			ToClustering:   []byte(topic.ShardKey(bucketMs + topic.WindowMillis(2, t.ShardDurations))),
		}
		l1Keys, err := e.bucketsInRange(ctx, t.ShardsL1Table(), rng, 1, t.ShardDurations, fromMs, toMs)
		if err != nil {
			return nil, err
		}
		for _, k := range l1Keys {
			if !seen[k] {
				seen[k] = true
				keys = append(keys, k)
			}
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// bucketsInRange scans table (a shard-index table keyed by a bucket-start
// hex shard key) within rng and returns every shard key whose window
// overlaps [fromMs, toMs] (either bound zero means unbounded on that side).
func (e *Executor) bucketsInRange(ctx context.Context, table string, rng storage.ScanRange, level int, durations topic.ShardDurations, fromMs, toMs int64) ([]string, error) {
	cursor, err := e.backend.Scan(ctx, table, rng)
	if err != nil {
		return nil, err
	}
	defer cursor.Close()
	var keys []string
	for cursor.Next(ctx) {
		shardKey := string(cursor.Row().Key.ClusteringKey)
		var bucketMs int64
		if _, err := fmt.Sscanf(shardKey, "%016x", &bucketMs); err != nil {
			continue
		}
		windowEnd := bucketMs + topic.WindowMillis(level, durations)
		if fromMs > 0 && windowEnd < fromMs {
			continue
		}
		if toMs > 0 && bucketMs > toMs {
			continue
		}
		keys = append(keys, shardKey)
	}
	if err := cursor.Err(); err != nil {
		return nil, err
	}
	sort.Strings(keys)
	return keys, nil
}

func decodeHeaders(b []byte) map[string]string {
	if len(b) == 0 {
		return nil
	}
	var h map[string]string
	if err := json.Unmarshal(b, &h); err != nil {
		return nil
	}
	return h
}

func decodeInt64(b []byte) int64 {
	if len(b) != 8 {
		return 0
	}
	return int64(binary.BigEndian.Uint64(b))
}

// timeBound builds a 16-byte uniquetime.Time clustering-key bound for
// micros: the low bound pins sequence and instance_id to their minimum so it
// sorts before every real Time issued at micros, the high bound pins them to
// their maximum so it sorts after every real Time issued at micros.
func timeBound(micros int64, high bool) []byte {
	b := make([]byte, 16)
	binary.BigEndian.PutUint64(b[0:8], uint64(micros))
	if high {
		for i := 8; i < 16; i++ {
			b[i] = 0xff
		}
	}
	return b
}
