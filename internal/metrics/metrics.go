// Package metrics exposes the counters and gauges named in the broker's
// external interface design (published_events_count, delivered_events_count,
// per-topic rates, clock offset, pending-set size, shard-seal latency,
// instance-id-in-use, integrity-rollover-permitted). Prometheus/OTel
// exposition is an external collaborator; Sink is the seam a production
// build would implement against, and the shipped implementation is an
// in-memory map sufficient for tests and the HTTP debug endpoint.
package metrics

import (
	"sort"
	"sync"
)

// Sink receives counter increments and gauge updates from broker components.
type Sink interface {
	IncCounter(name string, labels map[string]string, delta float64)
	SetGauge(name string, labels map[string]string, value float64)
	ObserveLatency(name string, labels map[string]string, seconds float64)
}

// Memory is an in-process Sink backed by plain maps, guarded by a mutex.
// It never blocks on export, so hot-path callers pay only the lock.
type Memory struct {
	mu       sync.Mutex
	counters map[string]float64
	gauges   map[string]float64
	latency  map[string]latencyStat
}

type latencyStat struct {
	count int64
	sum   float64
}

// NewMemory returns an empty in-memory metrics sink.
func NewMemory() *Memory {
	return &Memory{
		counters: map[string]float64{},
		gauges:   map[string]float64{},
		latency:  map[string]latencyStat{},
	}
}

// IncCounter adds delta to the named counter, keyed by name plus sorted labels.
func (m *Memory) IncCounter(name string, labels map[string]string, delta float64) {
	key := key(name, labels)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[key] += delta
}

// SetGauge sets the named gauge's current value.
func (m *Memory) SetGauge(name string, labels map[string]string, value float64) {
	key := key(name, labels)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gauges[key] = value
}

// ObserveLatency records a latency sample in seconds.
func (m *Memory) ObserveLatency(name string, labels map[string]string, seconds float64) {
	key := key(name, labels)
	m.mu.Lock()
	defer m.mu.Unlock()
	stat := m.latency[key]
	stat.count++
	stat.sum += seconds
	m.latency[key] = stat
}

// Snapshot is a point-in-time dump suitable for JSON exposition.
type Snapshot struct {
	Counters map[string]float64 `json:"counters"`
	Gauges   map[string]float64 `json:"gauges"`
	Latency  map[string]float64 `json:"avg_latency_seconds"`
}

// Snapshot returns a copy of the current metric state.
func (m *Memory) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := Snapshot{
		Counters: make(map[string]float64, len(m.counters)),
		Gauges:   make(map[string]float64, len(m.gauges)),
		Latency:  make(map[string]float64, len(m.latency)),
	}
	for k, v := range m.counters {
		snap.Counters[k] = v
	}
	for k, v := range m.gauges {
		snap.Gauges[k] = v
	}
	for k, v := range m.latency {
		if v.count > 0 {
			snap.Latency[k] = v.sum / float64(v.count)
		}
	}
	return snap
}

func key(name string, labels map[string]string) string {
	if len(labels) == 0 {
		return name
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := name
	for _, k := range keys {
		out += "," + k + "=" + labels[k]
	}
	return out
}

// Noop discards all observations; used where a Sink is required but
// unwired (e.g. unit tests of a component in isolation).
type Noop struct{}

func (Noop) IncCounter(string, map[string]string, float64)    {}
func (Noop) SetGauge(string, map[string]string, float64)      {}
func (Noop) ObserveLatency(string, map[string]string, float64) {}
