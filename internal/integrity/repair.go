package integrity

import (
	"context"
	"encoding/hex"
	"fmt"

	"github.com/mydriatech/fragtale/internal/storage"
	"github.com/mydriatech/fragtale/internal/topic"
	"github.com/mydriatech/fragtale/internal/uniquetime"
)

// RepairOrphans scans t's level-1 shard index for buckets old enough that
// they should have sealed, but whose level-1 BDT node is still missing
// (the process that owned the in-memory accumulator crashed before the
// late-arrival window elapsed). For each, it resubmits every event in that
// shard's partition to eng: sealing is idempotent, so a shard re-submitted
// after a partial seal simply reseals to the same root.
func RepairOrphans(ctx context.Context, backend storage.Backend, eng *Engine, t topic.Topic) error {
	cursor, err := backend.Scan(ctx, t.ShardsL1Table(), storage.ScanRange{PartitionKey: []byte("shards")})
	if err != nil {
		return err
	}
	defer cursor.Close()

	var pending [][]byte
	for cursor.Next(ctx) {
		pending = append(pending, append([]byte{}, cursor.Row().Key.ClusteringKey...))
	}
	if err := cursor.Err(); err != nil {
		return err
	}

	for _, shardKeyBytes := range pending {
		shardKey := string(shardKeyBytes)
		if _, err := getNode(ctx, backend, t.BDTTable(), 1, shardKey); err == nil {
			continue // already sealed
		}
		var bucketMs int64
		if _, err := fmt.Sscanf(shardKey, "%016x", &bucketMs); err != nil {
			continue
		}
		if eng.now().UnixMilli() < bucketMs+windowMillis(1, t.ShardDurations)+eng.lateWindow.Milliseconds() {
			continue // window still open: the live accumulator seals it
		}
		if err := resubmitShard(ctx, backend, eng, t, shardKey); err != nil {
			return err
		}
	}
	return nil
}

func resubmitShard(ctx context.Context, backend storage.Backend, eng *Engine, t topic.Topic, shardKey string) error {
	cursor, err := backend.Scan(ctx, t.EventsTable(), storage.ScanRange{PartitionKey: []byte(shardKey)})
	if err != nil {
		return err
	}
	defer cursor.Close()
	for cursor.Next(ctx) {
		row := cursor.Row()
		digest, ok := row.Columns["digest"]
		if !ok {
			continue
		}
		ut, ok := uniquetime.FromBytes(row.Key.ClusteringKey)
		if !ok {
			continue
		}
		if err := eng.Submit(ctx, t.BDTTable(), t.ShardDurations, hex.EncodeToString(ut.Bytes()), ut.Micros(), digest); err != nil {
			return err
		}
	}
	return cursor.Err()
}
