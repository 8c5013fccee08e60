// Package httpserver provides a minimal REST gateway over the Broker's
// publish/next/ack/nack/query/verify operations plus topic provisioning and
// health.
//
// Example:
//
//	rt, _ := runtime.Open(context.Background(), runtime.Options{Config: config.Default()})
//	s := httpserver.New(rt, logger)
//	ctx, cancel := context.WithCancel(context.Background())
//	defer cancel()
//	_ = s.ListenAndServe(ctx, ":8080")
package httpserver
