// Package broker composes the Topic Registry, Event Ingest pipeline,
// Delivery Engine, Query/Index executor, and Binary Digest Tree integrity
// engine behind five operations: PUBLISH, NEXT, ACK (and its NACK sibling),
// QUERY, and VERIFY. Broker is the one facade a transport layer depends on,
// rather than one facade per underlying component.
package broker

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/mydriatech/fragtale/internal/delivery"
	"github.com/mydriatech/fragtale/internal/ingest"
	"github.com/mydriatech/fragtale/internal/integrity"
	"github.com/mydriatech/fragtale/internal/query"
	"github.com/mydriatech/fragtale/internal/storage"
	"github.com/mydriatech/fragtale/internal/topic"
	"github.com/mydriatech/fragtale/internal/uniquetime"
)

// Options wires an already-constructed component into a Broker. Every field
// is required; internal/runtime is responsible for constructing each
// component against a shared storage.Backend before calling New.
type Options struct {
	Backend   storage.Backend
	Topics    *topic.Registry
	Ingest    *ingest.Pipeline
	Delivery  *delivery.Engine
	Query     *query.Executor
	Integrity *integrity.Engine
	Secrets   *integrity.SecretStore
}

// Broker is the single entry point the server transports call into.
type Broker struct {
	backend   storage.Backend
	topics    *topic.Registry
	ingest    *ingest.Pipeline
	delivery  *delivery.Engine
	query     *query.Executor
	integrity *integrity.Engine
	secrets   *integrity.SecretStore
}

// New returns a Broker.
func New(opts Options) *Broker {
	return &Broker{
		backend:   opts.Backend,
		topics:    opts.Topics,
		ingest:    opts.Ingest,
		delivery:  opts.Delivery,
		query:     opts.Query,
		integrity: opts.Integrity,
		secrets:   opts.Secrets,
	}
}

// Publish runs the PUBLISH operation: ingest document into topicName,
// auto-provisioning it on first reference unless opts.Provision overrides
// the registry defaults.
func (b *Broker) Publish(ctx context.Context, topicName string, document []byte, opts ingest.PublishOptions) (uniquetime.Time, error) {
	return b.ingest.Publish(ctx, topicName, document, opts)
}

// ClaimConsumer runs the consumer-claim half of NEXT: exclusive ownership of
// consumerID must be held before polling it.
func (b *Broker) ClaimConsumer(ctx context.Context, topicName, consumerID, ownerIdentity string) error {
	t, err := b.topics.Lookup(ctx, topicName)
	if err != nil {
		return err
	}
	return b.delivery.ClaimConsumer(ctx, t, consumerID, ownerIdentity)
}

// Next runs the NEXT operation: pull the next undelivered or redelivery-due
// message for consumerID on topicName.
func (b *Broker) Next(ctx context.Context, topicName, consumerID string) (delivery.Message, error) {
	t, err := b.topics.Lookup(ctx, topicName)
	if err != nil {
		return delivery.Message{}, err
	}
	return b.delivery.Next(ctx, t, consumerID)
}

// Ack runs the ACK operation.
func (b *Broker) Ack(ctx context.Context, topicName, consumerID, uniqueTimeHex string) error {
	t, err := b.topics.Lookup(ctx, topicName)
	if err != nil {
		return err
	}
	return b.delivery.Ack(ctx, t, consumerID, uniqueTimeHex)
}

// Nack schedules uniqueTimeHex for immediate backoff-delayed redelivery on
// topicName, without waiting for the in-flight delivery to time out.
func (b *Broker) Nack(ctx context.Context, topicName, consumerID, uniqueTimeHex string) error {
	t, err := b.topics.Lookup(ctx, topicName)
	if err != nil {
		return err
	}
	return b.delivery.Nack(ctx, t, consumerID, uniqueTimeHex)
}

// Query runs the QUERY operation.
func (b *Broker) Query(ctx context.Context, req query.Request) ([]query.Result, error) {
	return b.query.Query(ctx, req)
}

// VerifyResult is the VERIFY operation's response: the original document and
// its received-at timestamp, alongside the independently re-validated
// Binary Digest Tree inclusion proof and every sealed root it was checked
// against.
type VerifyResult struct {
	Valid              bool
	HighestSealedLevel int
	Document           []byte
	ReceivedAtMs       int64
	Proof              integrity.Proof
	Roots              []integrity.SealedRoot
}

// Verify runs the VERIFY operation: independently re-derive and re-validate
// uniqueTimeHex's Binary Digest Tree inclusion proof up to whatever level
// has sealed so far, and return it alongside the original document.
func (b *Broker) Verify(ctx context.Context, topicName, uniqueTimeHex string) (VerifyResult, error) {
	t, err := b.topics.Lookup(ctx, topicName)
	if err != nil {
		return VerifyResult{}, err
	}
	result, err := integrity.Verify(ctx, b.backend, b.secrets, t.BDTTable(), uniqueTimeHex)
	if err != nil {
		return VerifyResult{}, err
	}
	document, receivedAtMs, err := b.loadEvent(ctx, t, uniqueTimeHex)
	if err != nil {
		return VerifyResult{}, err
	}
	return VerifyResult{
		Valid:              result.Valid,
		HighestSealedLevel: result.HighestSealedLevel,
		Document:           document,
		ReceivedAtMs:       receivedAtMs,
		Proof:              result.Proof,
		Roots:              result.Roots,
	}, nil
}

// loadEvent reads the document and received-at timestamp events_<topic>
// stored uniqueTimeHex's row under, recomputing its shard key from the
// unique_time itself rather than trusting the caller to supply one.
func (b *Broker) loadEvent(ctx context.Context, t topic.Topic, uniqueTimeHex string) ([]byte, int64, error) {
	raw, err := hex.DecodeString(uniqueTimeHex)
	if err != nil {
		return nil, 0, fmt.Errorf("broker: malformed unique_time %q: %w", uniqueTimeHex, err)
	}
	ut, ok := uniquetime.FromBytes(raw)
	if !ok {
		return nil, 0, fmt.Errorf("broker: malformed unique_time %q", uniqueTimeHex)
	}
	shardKey := topic.ShardL1Key(ut.Micros(), t.ShardDurations)
	row, err := b.backend.Get(ctx, storage.Key{
		Table:         t.EventsTable(),
		PartitionKey:  []byte(shardKey),
		ClusteringKey: raw,
	})
	if err != nil {
		return nil, 0, err
	}
	return row.Columns["document"], decodeInt64(row.Columns["received_at_ms"]), nil
}

func decodeInt64(b []byte) int64 {
	if len(b) != 8 {
		return 0
	}
	return int64(binary.BigEndian.Uint64(b))
}

// RepairOrphans runs the orphan-repair sweep for topicName's level-1 shards:
// the recovery path for a sealer that crashed mid-window.
func (b *Broker) RepairOrphans(ctx context.Context, topicName string) error {
	t, err := b.topics.Lookup(ctx, topicName)
	if err != nil {
		return err
	}
	return integrity.RepairOrphans(ctx, b.backend, b.integrity, t)
}

// ProvisionTopic runs explicit topic provisioning, used by the API layer's
// registry endpoint to create a topic ahead of its first publish with a
// schema, index config, or non-default shard durations.
func (b *Broker) ProvisionTopic(ctx context.Context, topicName string, opts topic.ProvisionOptions) (topic.Topic, error) {
	return b.topics.Provision(ctx, topicName, opts)
}
