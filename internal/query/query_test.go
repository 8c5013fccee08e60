package query

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mydriatech/fragtale/internal/ingest"
	"github.com/mydriatech/fragtale/internal/integrity"
	memorystore "github.com/mydriatech/fragtale/internal/storage/memory"
	"github.com/mydriatech/fragtale/internal/timesvc"
	"github.com/mydriatech/fragtale/internal/topic"
)

type fakeSampler struct{}

func (fakeSampler) Offset(ctx context.Context) (time.Duration, error) { return 0, nil }

func newTestExecutor(t *testing.T) (*Executor, *ingest.Pipeline) {
	backend := memorystore.New()
	ctx := context.Background()

	secrets := integrity.NewSecretStore(backend, integrity.AlgHMACSHA256, integrity.AlgHMACSHA3256, nil)
	require.NoError(t, secrets.Start(ctx))
	eng := integrity.New(integrity.Options{Backend: backend, Secrets: secrets, LeafCap: 1024, LateArrivalWindow: time.Hour})
	go eng.Run(ctx)
	t.Cleanup(eng.Stop)

	monitor := timesvc.NewClockMonitor(timesvc.ClockMonitorOptions{Sampler: fakeSampler{}, Tolerance: time.Second, MaxConsecutiveFailures: 3})
	monitor.SampleOnce(ctx)
	svc := timesvc.New(1, monitor)

	topics := topic.New(backend, topic.ShardDurations{L1Minutes: 1, L2Hours: 1, L3Days: 1})
	pipeline := ingest.New(ingest.Options{Backend: backend, Topics: topics, Time: svc, Integrity: eng})
	return New(Options{Backend: backend, Topics: topics}), pipeline
}

// TestQueryByShardScanFindsEventInBoundedRange guards shardsInRange's
// level-2-first pruning path: a bounded FromMs/ToMs query must still surface
// an event whose level-1 shard falls inside the only level-2 window that
// overlaps the range.
func TestQueryByShardScanFindsEventInBoundedRange(t *testing.T) {
	exec, pipeline := newTestExecutor(t)
	ctx := context.Background()

	_, err := pipeline.Publish(ctx, "orders", []byte(`{"n":1}`), ingest.PublishOptions{})
	require.NoError(t, err)

	now := time.Now().UnixMilli()
	results, err := exec.Query(ctx, Request{Topic: "orders", FromMs: now - 60_000, ToMs: now + 60_000})
	require.NoError(t, err)
	require.Len(t, results, 1)
}

// TestQueryByShardScanBoundedRangeExcludesOutOfWindowEvent guards the other
// direction: a range that does not overlap the event's level-2 window must
// not surface it.
func TestQueryByShardScanBoundedRangeExcludesOutOfWindowEvent(t *testing.T) {
	exec, pipeline := newTestExecutor(t)
	ctx := context.Background()

	_, err := pipeline.Publish(ctx, "orders", []byte(`{"n":1}`), ingest.PublishOptions{})
	require.NoError(t, err)

	now := time.Now().UnixMilli()
	results, err := exec.Query(ctx, Request{Topic: "orders", FromMs: now + 3*time.Hour.Milliseconds(), ToMs: now + 4*time.Hour.Milliseconds()})
	require.NoError(t, err)
	require.Empty(t, results)
}

// TestQueryByShardScanUnboundedFindsEvent guards the unbounded fallback,
// which never consults the level-2 index (there is nothing to prune
// against when neither bound is set).
func TestQueryByShardScanUnboundedFindsEvent(t *testing.T) {
	exec, pipeline := newTestExecutor(t)
	ctx := context.Background()

	_, err := pipeline.Publish(ctx, "orders", []byte(`{"n":1}`), ingest.PublishOptions{})
	require.NoError(t, err)

	results, err := exec.Query(ctx, Request{Topic: "orders"})
	require.NoError(t, err)
	require.Len(t, results, 1)
}
