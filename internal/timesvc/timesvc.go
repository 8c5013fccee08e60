// Package timesvc supplies the strictly-monotonic unique_time identifiers
// every published event is stamped with, and gates publish admission on an
// NTP-bounded wall clock. It wraps internal/uniquetime.Generator (an
// instance-aware timestamp generator) with a ClockMonitor: a background
// sampler that closes the publish gate when the sampled offset exceeds
// tolerance.
package timesvc

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/mydriatech/fragtale/internal/metrics"
	"github.com/mydriatech/fragtale/internal/uniquetime"
	"github.com/mydriatech/fragtale/pkg/log"
)

// ErrClockOutOfTolerance is returned by Stamp when the NTP gate is closed.
// internal/fragtaleerr wraps this sentinel as its canonical
// ErrClockOutOfTolerance so every layer can compare with errors.Is against
// either package without an import cycle between timesvc and fragtaleerr.
var ErrClockOutOfTolerance = errors.New("timesvc: clock out of tolerance")

// NTPSampler measures the current offset between the local wall clock and a
// trusted time source. The default implementation round-trips an SNTP query;
// tests substitute a fake.
type NTPSampler interface {
	Offset(ctx context.Context) (time.Duration, error)
}

// Service issues unique_time values and exposes whether the publish gate is
// currently open.
type Service struct {
	gen     *uniquetime.Generator
	monitor *ClockMonitor
}

// New returns a Service for the given claimed instance id, with the clock
// monitor already started.
func New(instanceID uint16, monitor *ClockMonitor) *Service {
	return &Service{gen: uniquetime.NewGenerator(instanceID), monitor: monitor}
}

// Stamp issues the next unique_time and the wall-clock received_at it was
// issued at, or an error if the publish gate is closed.
func (s *Service) Stamp() (uniquetime.Time, time.Time, error) {
	if !s.monitor.Trusted() {
		return uniquetime.Time{}, time.Time{}, ErrClockOutOfTolerance
	}
	return s.gen.Next(), time.Now(), nil
}

// ClockMonitor samples an NTPSampler on an interval and flips a lock-free
// gate open/closed based on configured tolerance, matching the "global state
// initialized once, read lock-free on the hot path" rule of the concurrency
// model.
type ClockMonitor struct {
	sampler                NTPSampler
	tolerance              time.Duration
	maxConsecutiveFailures int
	metrics                metrics.Sink
	logger                 log.Logger

	trusted            atomic.Bool
	consecutiveFailures atomic.Int32
}

// ClockMonitorOptions configures a ClockMonitor.
type ClockMonitorOptions struct {
	Sampler                NTPSampler
	Tolerance              time.Duration
	MaxConsecutiveFailures int
	Metrics                metrics.Sink
	Logger                 log.Logger
}

// NewClockMonitor returns a ClockMonitor that starts in the trusted state;
// the gate closes on an out-of-tolerance sample or after
// MaxConsecutiveFailures consecutive failed samples.
func NewClockMonitor(opts ClockMonitorOptions) *ClockMonitor {
	if opts.Metrics == nil {
		opts.Metrics = metrics.Noop{}
	}
	m := &ClockMonitor{
		sampler:                opts.Sampler,
		tolerance:              opts.Tolerance,
		maxConsecutiveFailures: opts.MaxConsecutiveFailures,
		metrics:                opts.Metrics,
		logger:                 opts.Logger,
	}
	m.trusted.Store(true)
	return m
}

// Trusted reports whether the publish gate is currently open.
func (m *ClockMonitor) Trusted() bool { return m.trusted.Load() }

// SampleOnce takes a single offset sample and updates the gate. Exposed
// separately from Run so tests and the background loop share one code path.
func (m *ClockMonitor) SampleOnce(ctx context.Context) {
	offset, err := m.sampler.Offset(ctx)
	if err != nil {
		n := m.consecutiveFailures.Add(1)
		if int(n) >= m.maxConsecutiveFailures && m.maxConsecutiveFailures > 0 {
			m.close("ntp sample failed repeatedly", err)
		}
		return
	}
	m.consecutiveFailures.Store(0)
	m.metrics.SetGauge("clock_offset_ms", nil, float64(offset.Milliseconds()))
	if offset < 0 {
		offset = -offset
	}
	if offset > m.tolerance {
		m.close("ntp offset exceeds tolerance", nil)
		return
	}
	if !m.trusted.Load() {
		m.trusted.Store(true)
		if m.logger != nil {
			m.logger.Info("clock trusted again")
		}
	}
}

func (m *ClockMonitor) close(reason string, err error) {
	if m.trusted.CompareAndSwap(true, false) {
		if m.logger != nil {
			fields := []log.Field{log.Str("reason", reason)}
			if err != nil {
				fields = append(fields, log.Err(err))
			}
			m.logger.Warn("clock untrusted", fields...)
		}
	}
}

// Run samples on interval until ctx is cancelled. Intended to run as the
// single background goroutine the concurrency model assigns the NTP monitor.
func (m *ClockMonitor) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	m.SampleOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.SampleOnce(ctx)
		}
	}
}
