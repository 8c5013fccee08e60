package runtime

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mydriatech/fragtale/internal/config"
	"github.com/mydriatech/fragtale/internal/ingest"
)

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Backend.Implementation = "memory"
	return cfg
}

func TestOpenCloseHealth(t *testing.T) {
	ctx := context.Background()
	rt, err := Open(ctx, Options{Config: testConfig()})
	require.NoError(t, err)
	defer rt.Close()
	require.NoError(t, rt.CheckHealth(ctx))
}

func TestOpenWiresBrokerEndToEnd(t *testing.T) {
	ctx := context.Background()
	rt, err := Open(ctx, Options{Config: testConfig()})
	require.NoError(t, err)
	defer rt.Close()

	b := rt.Broker()
	_, err = b.Publish(ctx, "orders", []byte(`{"order_id":"o-1"}`), ingest.PublishOptions{})
	require.NoError(t, err)

	require.NoError(t, b.ClaimConsumer(ctx, "orders", "c1", "owner-a"))
	msg, err := b.Next(ctx, "orders", "c1")
	require.NoError(t, err)
	require.NoError(t, b.Ack(ctx, "orders", "c1", msg.UniqueTimeHex))
}

func TestOpenRejectsUnknownBackend(t *testing.T) {
	cfg := testConfig()
	cfg.Backend.Implementation = "bogus"
	_, err := Open(context.Background(), Options{Config: cfg})
	require.Error(t, err)
}
