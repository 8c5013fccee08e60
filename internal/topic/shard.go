package topic

import (
	"fmt"
	"time"
)

// WindowMillis returns level's bucket width in milliseconds, derived from a
// topic's configured shard durations. Level 1 is minutes, level 2 hours,
// level 3 days: the three BDT granularities.
func WindowMillis(level int, durations ShardDurations) int64 {
	switch level {
	case 1:
		return int64(durations.L1Minutes) * int64(time.Minute/time.Millisecond)
	case 2:
		return int64(durations.L2Hours) * int64(time.Hour/time.Millisecond)
	case 3:
		return int64(durations.L3Days) * 24 * int64(time.Hour/time.Millisecond)
	default:
		return int64(time.Minute / time.Millisecond)
	}
}

// BucketStart floors atMs to the start of its window of width widthMs.
func BucketStart(atMs, widthMs int64) int64 {
	if widthMs <= 0 {
		widthMs = 1
	}
	return (atMs / widthMs) * widthMs
}

// ShardKey renders a bucket start as the stable, lexically-sortable shard
// identifier events, shard-index rows, and BDT nodes are all keyed by.
func ShardKey(bucketStartMs int64) string {
	return fmt.Sprintf("%016x", bucketStartMs)
}

// ShardL1Key returns the level-1 shard identifier covering micros (an
// event's unique_time micros component).
func ShardL1Key(micros int64, durations ShardDurations) string {
	return ShardKey(BucketStart(micros/1000, WindowMillis(1, durations)))
}

// ParentShardKey returns the level+1 shard identifier that a level shard
// key rolls up into.
func ParentShardKey(level int, childShardKey string, durations ShardDurations) (string, error) {
	var childMs int64
	if _, err := fmt.Sscanf(childShardKey, "%016x", &childMs); err != nil {
		return "", fmt.Errorf("topic: malformed shard key %q: %w", childShardKey, err)
	}
	return ShardKey(BucketStart(childMs, WindowMillis(level+1, durations))), nil
}
