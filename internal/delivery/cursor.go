package delivery

import (
	"context"
	"errors"
	"sort"

	"github.com/mydriatech/fragtale/internal/storage"
	"github.com/mydriatech/fragtale/internal/topic"
)

// cursorState is consumerID's furthest delivery position: the shard it is
// currently iterating. Position within the shard is not separately
// tracked; each poll re-scans the shard's events and consults the pending
// set to decide what is new or due for redelivery, under an at-least-once
// delivery contract.
type cursorState struct {
	ShardKey string
}

func cursorKey(t topic.Topic, consumerID string) storage.Key {
	return storage.Key{Table: t.ConsumersTable(), PartitionKey: []byte(consumerID), ClusteringKey: []byte("cursor")}
}

func (e *Engine) getCursor(ctx context.Context, t topic.Topic, consumerID string) (cursorState, error) {
	row, err := e.backend.Get(ctx, cursorKey(t, consumerID))
	if errors.Is(err, storage.ErrNotFound) {
		return cursorState{}, nil
	}
	if err != nil {
		return cursorState{}, err
	}
	return cursorState{ShardKey: string(row.Columns["shard_key"])}, nil
}

// advanceCursor moves consumerID past a fully-drained, closed shard onto
// the next one.
func (e *Engine) advanceCursor(ctx context.Context, t topic.Topic, consumerID, shardKey string) error {
	row := storage.Row{
		Key:     cursorKey(t, consumerID),
		Columns: map[string][]byte{"shard_key": []byte(nextLexical(shardKey))},
	}
	_, err := e.backend.Put(ctx, row, storage.Quorum)
	return err
}

// nextLexical returns the smallest string strictly greater than s, used to
// park the cursor just past a drained shard key so the next openShardKeys
// scan naturally starts at the following shard.
func nextLexical(s string) string { return s + "\x00" }

// openShardKeys returns every level-1 shard key ingest has recorded for t at
// or after fromShardKey, ascending (hex-fixed-width shard keys sort
// lexically in time order). Bounding the scan at the caller's cursor
// position means a long-lived topic's fully-drained shard history is never
// rescanned on every poll.
func (e *Engine) openShardKeys(ctx context.Context, t topic.Topic, fromShardKey string) ([]string, error) {
	rng := storage.ScanRange{PartitionKey: shardsPartition}
	if fromShardKey != "" {
		rng.FromClustering = []byte(fromShardKey)
	}
	cur, err := e.backend.Scan(ctx, t.ShardsL1Table(), rng)
	if err != nil {
		return nil, err
	}
	defer cur.Close()
	var keys []string
	for cur.Next(ctx) {
		keys = append(keys, string(cur.Row().Key.ClusteringKey))
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	sort.Strings(keys)
	return keys, nil
}
