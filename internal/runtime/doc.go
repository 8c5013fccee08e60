// Package runtime wires storage, config, and every domain component into a
// single-node Fragtale instance. It exposes Open/Close, a health check, and
// the Broker facade that transports call into.
//
// Example:
//
//	cfg := config.Default()
//	rt, _ := runtime.Open(context.Background(), runtime.Options{Config: cfg})
//	defer rt.Close()
//	_ = rt.CheckHealth(context.Background())
//	_, _ = rt.Broker().Publish(context.Background(), "orders", []byte(`{"order_id":"o-1"}`), ingest.PublishOptions{})
package runtime
