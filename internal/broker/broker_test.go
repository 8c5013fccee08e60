package broker

import (
	"context"
	"encoding/hex"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mydriatech/fragtale/internal/delivery"
	"github.com/mydriatech/fragtale/internal/ingest"
	"github.com/mydriatech/fragtale/internal/integrity"
	"github.com/mydriatech/fragtale/internal/query"
	memorystore "github.com/mydriatech/fragtale/internal/storage/memory"
	"github.com/mydriatech/fragtale/internal/timesvc"
	"github.com/mydriatech/fragtale/internal/topic"
)

type fakeSampler struct{}

func (fakeSampler) Offset(ctx context.Context) (time.Duration, error) { return 0, nil }

func newTestBroker(t *testing.T) *Broker {
	b, _ := newTestBrokerWithSealFlush(t)
	return b
}

// newTestBrokerWithSealFlush also returns a function that cancels the
// integrity engine's Run context. Run seals every open accumulator before it
// returns, so calling the function seals the current level-1 shard without
// waiting for the end of its one-minute window.
func newTestBrokerWithSealFlush(t *testing.T) (*Broker, context.CancelFunc) {
	backend := memorystore.New()
	ctx := context.Background()

	secrets := integrity.NewSecretStore(backend, integrity.AlgHMACSHA256, integrity.AlgHMACSHA3256, nil)
	require.NoError(t, secrets.Start(ctx))
	eng := integrity.New(integrity.Options{Backend: backend, Secrets: secrets, LeafCap: 1024, LateArrivalWindow: 10 * time.Millisecond, TickInterval: 5 * time.Millisecond})
	runCtx, flushSeals := context.WithCancel(ctx)
	go eng.Run(runCtx)
	t.Cleanup(eng.Stop)

	monitor := timesvc.NewClockMonitor(timesvc.ClockMonitorOptions{Sampler: fakeSampler{}, Tolerance: time.Second, MaxConsecutiveFailures: 3})
	monitor.SampleOnce(ctx)
	svc := timesvc.New(1, monitor)

	topics := topic.New(backend, topic.ShardDurations{L1Minutes: 1, L2Hours: 1, L3Days: 1})
	pipeline := ingest.New(ingest.Options{Backend: backend, Topics: topics, Time: svc, Integrity: eng})
	deliveryEng := delivery.New(delivery.Options{Backend: backend, LongPoll: 20 * time.Millisecond, BackoffBase: 5 * time.Millisecond, BackoffMax: 50 * time.Millisecond})
	queryExec := query.New(query.Options{Backend: backend, Topics: topics})

	return New(Options{
		Backend:   backend,
		Topics:    topics,
		Ingest:    pipeline,
		Delivery:  deliveryEng,
		Query:     queryExec,
		Integrity: eng,
		Secrets:   secrets,
	}), flushSeals
}

func TestPublishNextAck(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()

	_, err := b.Publish(ctx, "orders", []byte(`{"order_id":"o-1"}`), ingest.PublishOptions{})
	require.NoError(t, err)

	require.NoError(t, b.ClaimConsumer(ctx, "orders", "c1", delivery.NewOwnerIdentity()))
	msg, err := b.Next(ctx, "orders", "c1")
	require.NoError(t, err)
	require.Equal(t, 1, msg.Attempt)

	require.NoError(t, b.Ack(ctx, "orders", "c1", msg.UniqueTimeHex))
}

func TestVerifyReturnsDocumentAndProof(t *testing.T) {
	b, flushSeals := newTestBrokerWithSealFlush(t)
	ctx := context.Background()

	ut, err := b.Publish(ctx, "orders", []byte(`{"order_id":"o-3"}`), ingest.PublishOptions{})
	require.NoError(t, err)
	uniqueTimeHex := hex.EncodeToString(ut.Bytes())
	// Force the level-1 seal instead of waiting out the shard's window.
	flushSeals()

	var result VerifyResult
	require.Eventually(t, func() bool {
		result, err = b.Verify(ctx, "orders", uniqueTimeHex)
		return err == nil
	}, time.Second, 5*time.Millisecond)

	require.True(t, result.Valid)
	require.Equal(t, 1, result.HighestSealedLevel)
	require.JSONEq(t, `{"order_id":"o-3"}`, string(result.Document))
	require.NotZero(t, result.ReceivedAtMs)
	require.Len(t, result.Roots, 1)
}

func TestQueryFindsPublishedEvent(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()

	_, err := b.Publish(ctx, "orders", []byte(`{"order_id":"o-2","amount":9}`), ingest.PublishOptions{})
	require.NoError(t, err)

	results, err := b.Query(ctx, query.Request{Topic: "orders", Filter: `json.order_id == "o-2"`})
	require.NoError(t, err)
	require.Len(t, results, 1)
}
