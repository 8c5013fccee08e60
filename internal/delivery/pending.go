package delivery

import (
	"context"
	"errors"

	"github.com/mydriatech/fragtale/internal/storage"
	"github.com/mydriatech/fragtale/internal/topic"
)

// pendingState is one delivered message's tracking row: either still
// in-flight (Acked false, redelivery due at NextAttemptMs) or a durable
// tombstone recording that it was already acked, so a later scan of the
// same shard does not mistake it for a brand-new event.
type pendingState struct {
	ShardKey      string
	Attempt       int
	NextAttemptMs int64
	Acked         bool
}

func pendingKey(t topic.Topic, consumerID, uniqueTimeHex string) storage.Key {
	return storage.Key{
		Table:         t.ConsumersTable(),
		PartitionKey:  []byte(consumerID),
		ClusteringKey: []byte("pending/" + uniqueTimeHex),
	}
}

func (e *Engine) getPending(ctx context.Context, t topic.Topic, consumerID, uniqueTimeHex string) (*pendingState, error) {
	row, err := e.backend.Get(ctx, pendingKey(t, consumerID, uniqueTimeHex))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &pendingState{
		ShardKey:      string(row.Columns["shard_key"]),
		Attempt:       int(decodeInt64(row.Columns["attempt"])),
		NextAttemptMs: decodeInt64(row.Columns["next_attempt_ms"]),
		Acked:         len(row.Columns["acked"]) == 1 && row.Columns["acked"][0] == 1,
	}, nil
}

// putPending upserts consumerID's tracking row for uniqueTimeHex. When acked
// is true this is a durable "delivered" tombstone with no further
// redelivery due date; otherwise it is an in-flight row due for redelivery
// after the attempt-scaled backoff delay.
func (e *Engine) putPending(ctx context.Context, t topic.Topic, consumerID, shardKey, uniqueTimeHex string, attempt int, acked bool) error {
	ackedByte := byte(0)
	nextAttemptMs := int64(0)
	if acked {
		ackedByte = 1
	} else {
		delay := backoff(attempt, e.backoffBase, e.backoffMax)
		nextAttemptMs = e.now().Add(delay).UnixMilli()
	}
	row := storage.Row{
		Key: pendingKey(t, consumerID, uniqueTimeHex),
		Columns: map[string][]byte{
			"shard_key":       []byte(shardKey),
			"attempt":         encodeInt64(int64(attempt)),
			"next_attempt_ms": encodeInt64(nextAttemptMs),
			"acked":           {ackedByte},
		},
	}
	_, err := e.backend.Put(ctx, row, storage.Quorum)
	return err
}
