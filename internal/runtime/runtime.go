// Package runtime wires storage, config, and every domain component into a
// single-node Fragtale instance: instance-coordinator, time-service,
// topic-registry, ingest, integrity, delivery, query, and the Broker facade
// composed over Open/Close/CheckHealth.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mydriatech/fragtale/internal/broker"
	"github.com/mydriatech/fragtale/internal/config"
	"github.com/mydriatech/fragtale/internal/delivery"
	"github.com/mydriatech/fragtale/internal/ingest"
	"github.com/mydriatech/fragtale/internal/instance"
	"github.com/mydriatech/fragtale/internal/integrity"
	"github.com/mydriatech/fragtale/internal/metrics"
	"github.com/mydriatech/fragtale/internal/query"
	"github.com/mydriatech/fragtale/internal/storage"
	memorystore "github.com/mydriatech/fragtale/internal/storage/memory"
	pebblestore "github.com/mydriatech/fragtale/internal/storage/pebble"
	"github.com/mydriatech/fragtale/internal/timesvc"
	"github.com/mydriatech/fragtale/internal/topic"
	"github.com/mydriatech/fragtale/pkg/log"
)

// Options configures a single-node Runtime.
type Options struct {
	Config  config.Config
	Logger  log.Logger
	Metrics metrics.Sink
}

// Runtime owns every long-lived component of a Fragtale node: the storage
// backend, instance coordinator, time service, and the Broker facade
// composed over topic/ingest/integrity/delivery/query.
type Runtime struct {
	config config.Config
	logger log.Logger

	backend  storage.Backend
	metrics  metrics.Sink
	instance *instance.Coordinator
	monitor  *timesvc.ClockMonitor
	time     *timesvc.Service
	topics   *topic.Registry
	secrets  *integrity.SecretStore
	integ    *integrity.Engine
	broker   *broker.Broker

	cancel context.CancelFunc
}

// Open constructs the storage backend, claims an instance_id, starts the
// clock monitor and integrity sealer background goroutines, and wires the
// resulting Broker. Callers must call Close to release resources and stop
// background work.
func Open(ctx context.Context, opts Options) (*Runtime, error) {
	m := opts.Metrics
	if m == nil {
		m = metrics.NewMemory()
	}
	backend, err := openBackend(opts.Config.Backend)
	if err != nil {
		return nil, fmt.Errorf("runtime: open storage backend: %w", err)
	}

	bgCtx, cancel := context.WithCancel(context.Background())
	rt := &Runtime{config: opts.Config, logger: opts.Logger, backend: backend, metrics: m, cancel: cancel}

	coord := instance.New(instance.Options{
		Backend:       backend,
		MaxInstances:  opts.Config.Instance.MaxInstances,
		LeaseTTL:      opts.Config.Instance.LeaseTTL,
		ClaimAttempts: opts.Config.Instance.ClaimAttempts,
		Logger:        opts.Logger,
	})
	instanceID, err := coord.Start(ctx)
	if err != nil {
		cancel()
		backend.Close()
		return nil, fmt.Errorf("runtime: claim instance id: %w", err)
	}
	rt.instance = coord

	monitor := timesvc.NewClockMonitor(timesvc.ClockMonitorOptions{
		Sampler:                timesvc.SNTPSampler{Host: opts.Config.Time.NTPHost},
		Tolerance:              time.Duration(opts.Config.Time.ToleranceMs) * time.Millisecond,
		MaxConsecutiveFailures: opts.Config.Time.MaxConsecutiveFailures,
		Metrics:                m,
		Logger:                 opts.Logger,
	})
	go monitor.Run(bgCtx, opts.Config.Time.SampleInterval)
	rt.monitor = monitor
	rt.time = timesvc.New(instanceID, monitor)

	secrets := integrity.NewSecretStore(backend, opts.Config.Integrity.AlgorithmNew, opts.Config.Integrity.AlgorithmOld, opts.Logger)
	if err := secrets.Start(ctx); err != nil {
		cancel()
		backend.Close()
		return nil, fmt.Errorf("runtime: start secret store: %w", err)
	}
	rt.secrets = secrets

	lateWindow := time.Duration(opts.Config.Delivery.LateArrivalWindowMs) * time.Millisecond
	integrityEngine := integrity.New(integrity.Options{
		Backend:           backend,
		Secrets:           secrets,
		Metrics:           m,
		Logger:            opts.Logger,
		LeafCap:           opts.Config.Integrity.LeafCap,
		LateArrivalWindow: lateWindow,
	})
	go integrityEngine.Run(bgCtx)
	rt.integ = integrityEngine

	defaults := topic.ShardDurations(opts.Config.Topic.Defaults)
	topics := topic.New(backend, defaults)
	rt.topics = topics

	pipeline := ingest.New(ingest.Options{
		Backend:   backend,
		Topics:    topics,
		Time:      rt.time,
		Integrity: integrityEngine,
		Metrics:   m,
		Logger:    opts.Logger,
	})

	deliveryEngine := delivery.New(delivery.Options{
		Backend:           backend,
		LateArrivalWindow: lateWindow,
		LongPoll:          time.Duration(opts.Config.Delivery.LongPollMs) * time.Millisecond,
		BackoffBase:       time.Duration(opts.Config.Delivery.Backoff.BaseMs) * time.Millisecond,
		BackoffMax:        time.Duration(opts.Config.Delivery.Backoff.MaxMs) * time.Millisecond,
		Metrics:           m,
		Logger:            opts.Logger,
	})

	queryExec := query.New(query.Options{Backend: backend, Topics: topics})

	rt.broker = broker.New(broker.Options{
		Backend:   backend,
		Topics:    topics,
		Ingest:    pipeline,
		Delivery:  deliveryEngine,
		Query:     queryExec,
		Integrity: integrityEngine,
		Secrets:   secrets,
	})

	if opts.Logger != nil {
		opts.Logger.Info("runtime started",
			log.Int("instance_id", int(instanceID)),
			log.Str("backend", opts.Config.Backend.Implementation),
		)
	}
	return rt, nil
}

func openBackend(cfg config.BackendConfig) (storage.Backend, error) {
	switch cfg.Implementation {
	case "", "pebble":
		return pebblestore.Open(pebblestore.Options{DataDir: cfg.DataDir, Fsync: pebblestore.FsyncModeInterval})
	case "memory":
		return memorystore.New(), nil
	default:
		return nil, fmt.Errorf("runtime: unknown backend implementation %q", cfg.Implementation)
	}
}

// Close stops all background goroutines, releases the claimed instance_id,
// and closes the storage backend.
func (r *Runtime) Close() error {
	r.cancel()
	r.integ.Stop()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.instance.Stop(ctx); err != nil && r.logger != nil {
		r.logger.Warn("runtime: release instance lease failed", log.Err(err))
	}
	return r.backend.Close()
}

// CheckHealth reports whether the storage backend and clock monitor are in
// a serving state.
func (r *Runtime) CheckHealth(ctx context.Context) error {
	if !r.monitor.Trusted() {
		return fmt.Errorf("runtime: clock untrusted")
	}
	if _, err := r.backend.Get(ctx, storage.Key{Table: "healthcheck", PartitionKey: []byte("healthcheck"), ClusteringKey: []byte("probe")}); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("runtime: storage backend unhealthy: %w", err)
	}
	return nil
}

// Broker returns the Broker facade every transport calls into.
func (r *Runtime) Broker() *broker.Broker { return r.broker }

// MetricsSnapshot returns a point-in-time dump of the counters/gauges
// broker components have recorded, if the configured Sink supports it (the
// shipped in-memory Sink always does).
func (r *Runtime) MetricsSnapshot() (metrics.Snapshot, bool) {
	mem, ok := r.metrics.(*metrics.Memory)
	if !ok {
		return metrics.Snapshot{}, false
	}
	return mem.Snapshot(), true
}

// Config returns the configuration this Runtime was opened with.
func (r *Runtime) Config() config.Config { return r.config }
