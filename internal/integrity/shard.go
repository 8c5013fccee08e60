package integrity

import (
	"github.com/mydriatech/fragtale/internal/topic"
)

// windowMillis, bucketStart, shardKey and shardL1Key delegate to
// internal/topic so ingest (which writes shard-partitioned event rows) and
// the integrity engine (which seals those same partitions) always agree on
// bucket boundaries.
func windowMillis(level int, durations topic.ShardDurations) int64 {
	return topic.WindowMillis(level, durations)
}

func bucketStart(atMs, widthMs int64) int64 {
	return topic.BucketStart(atMs, widthMs)
}

func shardKey(bucketStartMs int64) string {
	return topic.ShardKey(bucketStartMs)
}

func shardL1Key(micros int64, durations topic.ShardDurations) string {
	return topic.ShardL1Key(micros, durations)
}

func parentShardKey(level int, childShardKey string, durations topic.ShardDurations) (string, error) {
	return topic.ParentShardKey(level, childShardKey, durations)
}
