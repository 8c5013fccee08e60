// Package integrity implements the Binary Digest Tree: a three-level,
// domain-separated Merkle structure that groups event digests into
// dual-MAC-sealed nodes, grounded on
// original_source/fragtale-core/src/util/bdtd_builder.rs's time-windowed
// leaf grouping and
// original_source/fragtale-core/src/mb/integrity/common/integrity_protection.rs's
// current/previous secret sealing. A single sealer goroutine per Engine
// owns all in-memory shard state, fed by a bounded channel, so concurrent
// Submit callers never race on tree construction.
package integrity

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/mydriatech/fragtale/internal/metrics"
	"github.com/mydriatech/fragtale/internal/storage"
	"github.com/mydriatech/fragtale/internal/topic"
	"github.com/mydriatech/fragtale/pkg/log"
)

// Options configures an Engine.
type Options struct {
	Backend           storage.Backend
	Secrets           *SecretStore
	Metrics           metrics.Sink
	Logger            log.Logger
	LeafCap           int
	LateArrivalWindow time.Duration
	TickInterval      time.Duration // seal-sweep cadence; defaults to LateArrivalWindow/4
	NowFunc           func() time.Time
}

type submission struct {
	bdtTable      string
	durations     topic.ShardDurations
	uniqueTimeHex string
	micros        int64
	digest        []byte
}

type entry struct {
	childKey string // unique_time hex for level 1; child shard key for levels 2/3
	digest   []byte
}

type accumulator struct {
	level       int
	bdtTable    string
	shardKey    string
	durations   topic.ShardDurations
	entries     []entry
	windowEndMs int64
}

// Engine is the per-process BDT sealing pipeline. One Engine is shared by
// every topic; bdtTable scopes accumulator state per topic.
type Engine struct {
	backend storage.Backend
	secrets *SecretStore
	metrics metrics.Sink
	logger  log.Logger

	leafCap  int
	lateWindow time.Duration
	tick     time.Duration
	now      func() time.Time

	submitCh chan submission
	accumulators map[string]*accumulator
	stop     chan struct{}
	done     chan struct{}
}

// New constructs an Engine. Call Run to start its sealer goroutine.
func New(opts Options) *Engine {
	now := opts.NowFunc
	if now == nil {
		now = time.Now
	}
	leafCap := opts.LeafCap
	if leafCap <= 0 {
		leafCap = 4096
	}
	tick := opts.TickInterval
	if tick <= 0 {
		tick = opts.LateArrivalWindow / 4
	}
	if tick <= 0 {
		tick = time.Second
	}
	return &Engine{
		backend:      opts.Backend,
		secrets:      opts.Secrets,
		metrics:      opts.Metrics,
		logger:       opts.Logger,
		leafCap:      leafCap,
		lateWindow:   opts.LateArrivalWindow,
		tick:         tick,
		now:          now,
		submitCh:     make(chan submission, 1024),
		accumulators: map[string]*accumulator{},
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
}

// Run starts the sealer goroutine. It returns once ctx is cancelled or Stop
// is called, after flushing every open accumulator.
func (e *Engine) Run(ctx context.Context) {
	defer close(e.done)
	ticker := time.NewTicker(e.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			e.flushAll(context.Background())
			return
		case <-e.stop:
			e.flushAll(context.Background())
			return
		case sub := <-e.submitCh:
			e.handleSubmission(ctx, sub)
		case <-ticker.C:
			e.sweepExpired(ctx)
		}
	}
}

// Stop halts the sealer goroutine after flushing every open accumulator.
func (e *Engine) Stop() {
	close(e.stop)
	<-e.done
}

// Submit hands a level-1 leaf digest to the sealer goroutine. It does not
// block on sealing: the return only reflects whether the submission was
// accepted into the bounded channel.
func (e *Engine) Submit(ctx context.Context, bdtTable string, durations topic.ShardDurations, uniqueTimeHex string, micros int64, digest []byte) error {
	sub := submission{bdtTable: bdtTable, durations: durations, uniqueTimeHex: uniqueTimeHex, micros: micros, digest: digest}
	select {
	case e.submitCh <- sub:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func accKey(bdtTable string, level int, shardKey string) string {
	return fmt.Sprintf("%s/%d/%s", bdtTable, level, shardKey)
}

func (e *Engine) handleSubmission(ctx context.Context, sub submission) {
	shardKey := shardL1Key(sub.micros, sub.durations)
	key := accKey(sub.bdtTable, 1, shardKey)
	acc, ok := e.accumulators[key]
	if !ok {
		acc = &accumulator{
			level:       1,
			bdtTable:    sub.bdtTable,
			shardKey:    shardKey,
			durations:   sub.durations,
			windowEndMs: bucketStart(sub.micros/1000, windowMillis(1, sub.durations)) + windowMillis(1, sub.durations),
		}
		e.accumulators[key] = acc
	}
	acc.entries = append(acc.entries, entry{childKey: sub.uniqueTimeHex, digest: sub.digest})
	if len(acc.entries) >= e.leafCap {
		e.sealNow(ctx, acc)
	}
}

func (e *Engine) sweepExpired(ctx context.Context) {
	now := e.now().UnixMilli()
	var ready []*accumulator
	for key, acc := range e.accumulators {
		if now >= acc.windowEndMs+e.lateWindow.Milliseconds() {
			ready = append(ready, acc)
			delete(e.accumulators, key)
		}
	}
	for _, acc := range ready {
		e.sealAccumulator(ctx, acc)
	}
}

func (e *Engine) flushAll(ctx context.Context) {
	var all []*accumulator
	for key, acc := range e.accumulators {
		all = append(all, acc)
		delete(e.accumulators, key)
	}
	for _, acc := range all {
		e.sealAccumulator(ctx, acc)
	}
}

// sealNow seals acc immediately and removes it from the accumulator map
// (used for leaf-cap triggered seals, where the caller already holds the
// map entry).
func (e *Engine) sealNow(ctx context.Context, acc *accumulator) {
	delete(e.accumulators, accKey(acc.bdtTable, acc.level, acc.shardKey))
	e.sealAccumulator(ctx, acc)
}

func (e *Engine) sealAccumulator(ctx context.Context, acc *accumulator) {
	if len(acc.entries) == 0 {
		return
	}
	sort.Slice(acc.entries, func(i, j int) bool { return acc.entries[i].childKey < acc.entries[j].childKey })
	leaves := make([][]byte, len(acc.entries))
	for i, en := range acc.entries {
		leaves[i] = en.digest
	}
	t := buildTree(leaves)
	root := t.root()
	sec := e.secrets.Current()
	sealNewBytes, sealOldBytes, algOld, err := dualSeal(sec, acc.level, acc.shardKey, root)
	if err != nil {
		if e.logger != nil {
			e.logger.Error("integrity: seal failed", log.Err(err), log.Str("shard_key", acc.shardKey), log.Int("level", acc.level))
		}
		return
	}
	node := sealedNode{
		Level:      acc.level,
		ShardKey:   acc.shardKey,
		Root:       root,
		SealNew:    sealNewBytes,
		SealOld:    sealOldBytes,
		AlgNew:     sec.AlgNew,
		AlgOld:     algOld,
		Generation: sec.Generation,
		LeafCount:  len(leaves),
		SealedAtMs: e.now().UnixMilli(),
	}
	if err := putNode(ctx, e.backend, acc.bdtTable, node); err != nil {
		if e.logger != nil {
			e.logger.Error("integrity: persist sealed node failed", log.Err(err), log.Str("shard_key", acc.shardKey))
		}
		return
	}
	if e.metrics != nil {
		e.metrics.ObserveLatency("bdt_shard_seal_latency_seconds", map[string]string{"level": fmt.Sprintf("%d", acc.level)}, 0)
		e.metrics.IncCounter("bdt_sealed_shards_total", map[string]string{"level": fmt.Sprintf("%d", acc.level)}, 1)
	}

	switch acc.level {
	case 1:
		e.attachLeafProofs(ctx, acc, t, root, sec)
	case 2:
		e.attachLevel(ctx, acc.bdtTable, 2, acc.shardKey, "l1_shard_key", acc.entries, t, root, sec)
	case 3:
		e.attachLevel(ctx, acc.bdtTable, 3, acc.shardKey, "l2_shard_key", acc.entries, t, root, sec)
	}

	if acc.level < 3 {
		e.cascade(ctx, acc, root)
	}
}

// attachLeafProofs writes a fresh Proof row for every level-1 leaf: a proof
// becomes available the instant its level-1 shard seals, before any
// ancestor level has sealed.
func (e *Engine) attachLeafProofs(ctx context.Context, acc *accumulator, t *tree, root []byte, sec Secret) {
	for i, en := range acc.entries {
		proof := Proof{
			EventDigest:        en.digest,
			Generation:         sec.Generation,
			HighestSealedLevel: 1,
			L1ShardKey:         acc.shardKey,
			L1Position:         i,
			L1Path:             t.pathFor(i),
			L1Root:             root,
		}
		if err := putProof(ctx, e.backend, acc.bdtTable, en.childKey, proof); err != nil {
			if e.logger != nil {
				e.logger.Error("integrity: persist proof failed", log.Err(err), log.Str("unique_time", en.childKey))
			}
		}
	}
}

// attachLevel propagates a level-2 or level-3 seal back down to every proof
// row whose coveredColumn (l1_shard_key or l2_shard_key) matches one of
// acc's child shard keys, filling in that level's shard key (the sealed
// node's own shardKey) and path/position/root.
func (e *Engine) attachLevel(ctx context.Context, bdtTable string, level int, shardKey string, coveredColumn string, entries []entry, t *tree, root []byte, sec Secret) {
	for i, en := range entries {
		path := t.pathFor(i)
		cursor, err := e.backend.QueryIndex(ctx, storage.IndexSpec{Table: bdtTable, Column: coveredColumn}, []byte(en.childKey), storage.ScanRange{PartitionKey: []byte(levelPartition(0))})
		if err != nil {
			if e.logger != nil {
				e.logger.Error("integrity: query proofs for level attach failed", log.Err(err), log.Int("level", level))
			}
			continue
		}
		for cursor.Next(ctx) {
			row := cursor.Row()
			var p Proof
			if jsonErr := decodeProofColumn(row.Columns, &p); jsonErr != nil {
				continue
			}
			switch level {
			case 2:
				p.L2ShardKey = shardKey
				p.L2Position = i
				p.L2Path = path
				p.L2Root = root
			case 3:
				p.L3ShardKey = shardKey
				p.L3Position = i
				p.L3Path = path
				p.L3Root = root
			}
			if level > p.HighestSealedLevel {
				p.HighestSealedLevel = level
			}
			p.Generation = sec.Generation
			uniqueTimeHex := string(row.Key.ClusteringKey)
			if err := putProof(ctx, e.backend, bdtTable, uniqueTimeHex, p); err != nil && e.logger != nil {
				e.logger.Error("integrity: rewrite proof with level attach failed", log.Err(err))
			}
		}
		cursor.Close()
	}
}

func (e *Engine) cascade(ctx context.Context, acc *accumulator, root []byte) {
	parentKey, err := parentShardKey(acc.level, acc.shardKey, acc.durations)
	if err != nil {
		if e.logger != nil {
			e.logger.Error("integrity: compute parent shard key failed", log.Err(err))
		}
		return
	}
	parentLevel := acc.level + 1
	key := accKey(acc.bdtTable, parentLevel, parentKey)
	parent, ok := e.accumulators[key]
	if !ok {
		var parentBucketMs int64
		fmt.Sscanf(parentKey, "%016x", &parentBucketMs)
		parent = &accumulator{
			level:       parentLevel,
			bdtTable:    acc.bdtTable,
			shardKey:    parentKey,
			durations:   acc.durations,
			windowEndMs: parentBucketMs + windowMillis(parentLevel, acc.durations),
		}
		e.accumulators[key] = parent
	}
	parent.entries = append(parent.entries, entry{childKey: acc.shardKey, digest: root})
	if len(parent.entries) >= e.leafCap {
		e.sealNow(ctx, parent)
	}
}
