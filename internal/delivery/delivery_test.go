package delivery

import (
	"context"
	"encoding/hex"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mydriatech/fragtale/internal/integrity"
	"github.com/mydriatech/fragtale/internal/storage"
	memorystore "github.com/mydriatech/fragtale/internal/storage/memory"
	"github.com/mydriatech/fragtale/internal/topic"
	"github.com/mydriatech/fragtale/internal/uniquetime"
)

func newTestEngine(t *testing.T) (*Engine, topic.Topic) {
	backend := memorystore.New()
	ctx := context.Background()

	secrets := integrity.NewSecretStore(backend, integrity.AlgHMACSHA256, integrity.AlgHMACSHA3256, nil)
	require.NoError(t, secrets.Start(ctx))

	topics := topic.New(backend, topic.ShardDurations{L1Minutes: 1, L2Hours: 1, L3Days: 1})
	tp, err := topics.Provision(ctx, "orders", topic.ProvisionOptions{})
	require.NoError(t, err)

	eng := New(Options{
		Backend:           backend,
		LateArrivalWindow: 0,
		LongPoll:          50 * time.Millisecond,
		BackoffBase:       10 * time.Millisecond,
		BackoffMax:        100 * time.Millisecond,
	})
	return eng, tp
}

func TestClaimConsumerRejectsConflictingOwner(t *testing.T) {
	eng, tp := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, eng.ClaimConsumer(ctx, tp, "c1", "owner-a"))
	err := eng.ClaimConsumer(ctx, tp, "c1", "owner-b")
	require.Error(t, err)

	require.NoError(t, eng.ClaimConsumer(ctx, tp, "c1", "owner-a"))
}

func TestNextTimesOutWhenEmpty(t *testing.T) {
	eng, tp := newTestEngine(t)
	ctx := context.Background()

	_, err := eng.Next(ctx, tp, "c1")
	require.Error(t, err)
}

func TestBackoffGrowsAndCaps(t *testing.T) {
	base := 10 * time.Millisecond
	max := 80 * time.Millisecond
	d1 := backoff(1, base, max)
	d5 := backoff(5, base, max)
	require.GreaterOrEqual(t, d1, base)
	require.LessOrEqual(t, d5, max+max/5)
}

// TestNextAdvancesPastAckedEventsWithinOpenShard guards the forward-progress
// guarantee: acking the earliest event in a shard that has not closed yet
// must not make Next redeliver that same event forever, and must let later
// events in the same shard become reachable.
func TestNextAdvancesPastAckedEventsWithinOpenShard(t *testing.T) {
	eng, tp := newTestEngine(t)
	ctx := context.Background()

	gen := uniquetime.NewGenerator(1)
	var hexes []string
	for i := 0; i < 3; i++ {
		ut := gen.Next()
		shardKey := topic.ShardL1Key(ut.Micros(), tp.ShardDurations)
		row := storage.Row{
			Key: storage.Key{
				Table:         tp.EventsTable(),
				PartitionKey:  []byte(shardKey),
				ClusteringKey: ut.Bytes(),
			},
			Columns: map[string][]byte{
				"document": []byte("{}"),
				"digest":   []byte{byte(i)},
			},
		}
		_, err := eng.backend.Put(ctx, row, storage.Local)
		require.NoError(t, err)
		marker := storage.Row{Key: storage.Key{Table: tp.ShardsL1Table(), PartitionKey: shardsPartition, ClusteringKey: []byte(shardKey)}, Columns: map[string][]byte{}}
		_, err = eng.backend.Put(ctx, marker, storage.Local)
		require.NoError(t, err)
		hexes = append(hexes, hex.EncodeToString(ut.Bytes()))
	}

	msg1, err := eng.Next(ctx, tp, "c1")
	require.NoError(t, err)
	require.Equal(t, hexes[0], msg1.UniqueTimeHex)
	require.NoError(t, eng.Ack(ctx, tp, "c1", msg1.UniqueTimeHex))

	msg2, err := eng.Next(ctx, tp, "c1")
	require.NoError(t, err)
	require.Equal(t, hexes[1], msg2.UniqueTimeHex, "acked event must not be redelivered in place of the next one")

	require.NoError(t, eng.Ack(ctx, tp, "c1", msg2.UniqueTimeHex))
	msg3, err := eng.Next(ctx, tp, "c1")
	require.NoError(t, err)
	require.Equal(t, hexes[2], msg3.UniqueTimeHex)
}

func TestShardClosedRespectsLateArrivalWindow(t *testing.T) {
	eng, _ := newTestEngine(t)
	durations := topic.ShardDurations{L1Minutes: 1, L2Hours: 1, L3Days: 1}
	shardKey := topic.ShardL1Key(eng.now().UnixMicro(), durations)
	require.False(t, eng.shardClosed(shardKey, durations))
}
