package ingest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mydriatech/fragtale/internal/integrity"
	memorystore "github.com/mydriatech/fragtale/internal/storage/memory"
	"github.com/mydriatech/fragtale/internal/timesvc"
	"github.com/mydriatech/fragtale/internal/topic"
)

type fakeSampler struct{}

func (fakeSampler) Offset(ctx context.Context) (time.Duration, error) { return 0, nil }

func newTestPipeline(t *testing.T) (*Pipeline, *topic.Registry) {
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

	return New(Options{Backend: backend, Topics: topics, Time: svc, Integrity: eng}), topics
}

func TestPublishAssignsUniqueTimeAndPersistsEvent(t *testing.T) {
	p, _ := newTestPipeline(t)
	ctx := context.Background()

	ut, err := p.Publish(ctx, "orders", []byte(`{"order_id":"o-1","amount":42}`), PublishOptions{})
	require.NoError(t, err)
	require.NotZero(t, ut.Micros())
}

func TestPublishRejectsSchemaViolation(t *testing.T) {
	p, _ := newTestPipeline(t)
	ctx := context.Background()

	schema := &topic.Schema{Required: []topic.Field{{Name: "order_id", Type: topic.TypeString}}}
	_, err := p.Publish(ctx, "orders", []byte(`{"amount":42}`), PublishOptions{
		Provision: &topic.ProvisionOptions{Schema: schema},
	})
	require.Error(t, err)
}

func TestPublishExtractsIndexColumns(t *testing.T) {
	p, topics := newTestPipeline(t)
	ctx := context.Background()

	_, err := p.Publish(ctx, "orders", []byte(`{"order_id":"o-42","amount":7}`), PublishOptions{
		Provision: &topic.ProvisionOptions{
			IndexConfig: []topic.IndexConfig{{Name: "order_id", Path: "order_id", Type: topic.TypeString}},
		},
	})
	require.NoError(t, err)

	tp, err := topics.Lookup(ctx, "orders")
	require.NoError(t, err)
	require.Equal(t, "order_id", tp.IndexConfig[0].Name)
}
