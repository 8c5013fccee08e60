// Package delivery implements the Delivery Engine: per-consumer cursor and
// pending-set tracking, pull-style Next with long-poll, Ack, and
// nack/timeout redelivery with exponential backoff. Consumer claims use
// compare-and-set with a renewable TTL and a pending set keyed by message
// id; Next re-scans on a short interval up to its long-poll bound, built
// against storage.Backend with per-topic shard iteration and a
// late-arrival grace window.
package delivery

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mydriatech/fragtale/internal/fragtaleerr"
	"github.com/mydriatech/fragtale/internal/metrics"
	"github.com/mydriatech/fragtale/internal/storage"
	"github.com/mydriatech/fragtale/internal/topic"
	"github.com/mydriatech/fragtale/internal/uniquetime"
	"github.com/mydriatech/fragtale/pkg/log"
)

var shardsPartition = []byte("shards")

const (
	consumerLeaseTTL = 30 * time.Second
	pollInterval     = 200 * time.Millisecond
)

// Options configures an Engine.
type Options struct {
	Backend           storage.Backend
	LateArrivalWindow time.Duration
	LongPoll          time.Duration
	BackoffBase       time.Duration
	BackoffMax        time.Duration
	Metrics           metrics.Sink
	Logger            log.Logger
	NowFunc           func() time.Time
}

// Engine is the Delivery Engine shared by every topic and consumer.
type Engine struct {
	backend    storage.Backend
	lateWindow time.Duration
	longPoll   time.Duration
	backoffBase time.Duration
	backoffMax  time.Duration
	metrics    metrics.Sink
	logger     log.Logger
	now        func() time.Time
}

// New returns an Engine.
func New(opts Options) *Engine {
	m := opts.Metrics
	if m == nil {
		m = metrics.Noop{}
	}
	now := opts.NowFunc
	if now == nil {
		now = time.Now
	}
	return &Engine{
		backend:     opts.Backend,
		lateWindow:  opts.LateArrivalWindow,
		longPoll:    opts.LongPoll,
		backoffBase: opts.BackoffBase,
		backoffMax:  opts.BackoffMax,
		metrics:     m,
		logger:      opts.Logger,
		now:         now,
	}
}

// Message is one delivered event, at-least-once.
type Message struct {
	UniqueTime    uniquetime.Time
	UniqueTimeHex string
	Document      []byte
	Digest        []byte
	Attempt       int
}

// ClaimConsumer claims exclusive ownership of consumerID for ownerIdentity,
// via compare-and-set against a renewable lease row, mirroring
// internal/instance's Coordinator.tryClaim but scoped to one consumer_id
// within one topic instead of the process-wide instance_id.
func (e *Engine) ClaimConsumer(ctx context.Context, t topic.Topic, consumerID, ownerIdentity string) error {
	key := ownerKey(t, consumerID)
	existing, err := e.backend.Get(ctx, key)
	var expected map[string][]byte
	switch {
	case errors.Is(err, storage.ErrNotFound):
		expected = nil
	case err != nil:
		return err
	default:
		if decodeExpiresAt(existing.Columns) > e.now().UnixMilli() && string(existing.Columns["owner"]) != ownerIdentity {
			return fragtaleerr.ErrConsumerCursorConflict
		}
		expected = existing.Columns
	}
	row := storage.Row{
		Key: key,
		Columns: map[string][]byte{
			"owner":      []byte(ownerIdentity),
			"expires_at": encodeInt64(e.now().Add(consumerLeaseTTL).UnixMilli()),
		},
	}
	result, err := e.backend.CompareAndSet(ctx, key, expected, row)
	if errors.Is(err, storage.ErrCASMismatch) {
		return fragtaleerr.ErrConsumerCursorConflict
	}
	if err != nil {
		return err
	}
	if !result.Quorum() {
		return fragtaleerr.ErrBackendInconsistent
	}
	return nil
}

// NewOwnerIdentity returns a fresh random owner identity for a consumer
// process, used when the caller does not supply its own.
func NewOwnerIdentity() string { return uuid.NewString() }

// Next pulls the next undelivered (or redelivery-due) message for
// consumerID, blocking up to the configured long-poll duration if none is
// immediately available. It returns fragtaleerr.ErrEventNotFound if the
// long-poll window elapses with nothing to deliver.
func (e *Engine) Next(ctx context.Context, t topic.Topic, consumerID string) (Message, error) {
	deadline := e.now().Add(e.longPoll)
	for {
		msg, ok, err := e.tryNext(ctx, t, consumerID)
		if err != nil {
			return Message{}, err
		}
		if ok {
			return msg, nil
		}
		if e.now().After(deadline) {
			return Message{}, fragtaleerr.ErrEventNotFound
		}
		select {
		case <-ctx.Done():
			return Message{}, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

func (e *Engine) tryNext(ctx context.Context, t topic.Topic, consumerID string) (Message, bool, error) {
	cursor, err := e.getCursor(ctx, t, consumerID)
	if err != nil {
		return Message{}, false, err
	}
	shardKeys, err := e.openShardKeys(ctx, t, cursor.ShardKey)
	if err != nil {
		return Message{}, false, err
	}
	for _, shardKey := range shardKeys {
		msg, ok, err := e.nextInShard(ctx, t, consumerID, shardKey)
		if err != nil {
			return Message{}, false, err
		}
		if ok {
			return msg, true, nil
		}
		if !e.shardClosed(shardKey, t.ShardDurations) {
			return Message{}, false, nil // wait for late arrivals before advancing
		}
		if err := e.advanceCursor(ctx, t, consumerID, shardKey); err != nil {
			return Message{}, false, err
		}
	}
	return Message{}, false, nil
}

func (e *Engine) nextInShard(ctx context.Context, t topic.Topic, consumerID, shardKey string) (Message, bool, error) {
	rows, err := e.backend.Scan(ctx, t.EventsTable(), storage.ScanRange{PartitionKey: []byte(shardKey)})
	if err != nil {
		return Message{}, false, err
	}
	defer rows.Close()
	for rows.Next(ctx) {
		row := rows.Row()
		ut, ok := uniquetime.FromBytes(row.Key.ClusteringKey)
		if !ok {
			continue
		}
		uniqueTimeHex := hex.EncodeToString(ut.Bytes())
		pending, err := e.getPending(ctx, t, consumerID, uniqueTimeHex)
		if err != nil {
			return Message{}, false, err
		}
		if pending != nil && pending.Acked {
			continue // already delivered and acked; move on to the next event in the shard
		}
		if pending != nil && e.now().UnixMilli() < pending.NextAttemptMs {
			continue // redelivery not yet due
		}
		attempt := 1
		if pending != nil {
			attempt = pending.Attempt + 1
		}
		if err := e.putPending(ctx, t, consumerID, shardKey, uniqueTimeHex, attempt, false); err != nil {
			return Message{}, false, err
		}
		return Message{
			UniqueTime:    ut,
			UniqueTimeHex: uniqueTimeHex,
			Document:      row.Columns["document"],
			Digest:        row.Columns["digest"],
			Attempt:       attempt,
		}, true, nil
	}
	return Message{}, false, rows.Err()
}

// Ack marks uniqueTimeHex delivered for consumerID. The pending row is kept
// as a durable acked tombstone rather than deleted: nextInShard consults it
// to skip past this event on later scans of a still-open shard, instead of
// mistaking its now-absent in-flight row for a brand-new event and
// redelivering it out of order.
func (e *Engine) Ack(ctx context.Context, t topic.Topic, consumerID, uniqueTimeHex string) error {
	pending, err := e.getPending(ctx, t, consumerID, uniqueTimeHex)
	if err != nil {
		return err
	}
	attempt := 1
	shardKey := ""
	if pending != nil {
		attempt = pending.Attempt
		shardKey = pending.ShardKey
	}
	if err := e.putPending(ctx, t, consumerID, shardKey, uniqueTimeHex, attempt, true); err != nil {
		return err
	}
	if e.metrics != nil {
		e.metrics.IncCounter("delivered_events_count", map[string]string{"topic": t.Name}, 1)
	}
	return nil
}

// Nack schedules uniqueTimeHex for immediate backoff-delayed redelivery,
// without waiting for its current delivery to time out.
func (e *Engine) Nack(ctx context.Context, t topic.Topic, consumerID, uniqueTimeHex string) error {
	pending, err := e.getPending(ctx, t, consumerID, uniqueTimeHex)
	if err != nil {
		return err
	}
	attempt := 1
	shardKey := ""
	if pending != nil {
		attempt = pending.Attempt + 1
		shardKey = pending.ShardKey
	}
	return e.putPending(ctx, t, consumerID, shardKey, uniqueTimeHex, attempt, false)
}

func (e *Engine) shardClosed(shardKey string, durations topic.ShardDurations) bool {
	var bucketMs int64
	fmt.Sscanf(shardKey, "%016x", &bucketMs)
	windowEnd := bucketMs + topic.WindowMillis(1, durations)
	return e.now().UnixMilli() >= windowEnd+e.lateWindow.Milliseconds()
}

func encodeInt64(v int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(v))
	return b
}

func decodeInt64(b []byte) int64 {
	if len(b) != 8 {
		return 0
	}
	return int64(binary.BigEndian.Uint64(b))
}

func decodeExpiresAt(columns map[string][]byte) int64 { return decodeInt64(columns["expires_at"]) }

func ownerKey(t topic.Topic, consumerID string) storage.Key {
	return storage.Key{Table: t.ConsumersTable(), PartitionKey: []byte(consumerID), ClusteringKey: []byte("owner")}
}
