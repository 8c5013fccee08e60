// Package config loads Fragtale's application configuration from layered
// sources: built-in defaults, an optional YAML file, then environment
// variable overrides, following the same koanf-based loader shape used
// elsewhere in the example corpus.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config is the top-level configuration for a Fragtale node.
type Config struct {
	Log       LogConfig       `koanf:"log"`
	Backend   BackendConfig   `koanf:"backend"`
	Instance  InstanceConfig  `koanf:"instance"`
	Time      TimeConfig      `koanf:"time"`
	Topic     TopicConfig     `koanf:"topic"`
	Integrity IntegrityConfig `koanf:"integrity"`
	Delivery  DeliveryConfig  `koanf:"delivery"`
	API       APIConfig       `koanf:"api"`
}

// LogConfig configures the pkg/log facade.
type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// BackendConfig selects and configures the storage backend.
type BackendConfig struct {
	Implementation string `koanf:"implementation"`
	DataDir        string `koanf:"data_dir"`
}

// InstanceConfig tunes instance-identity leasing.
type InstanceConfig struct {
	MaxInstances  int           `koanf:"max_instances"`
	LeaseTTL      time.Duration `koanf:"lease_ttl"`
	ClaimAttempts int           `koanf:"claim_attempts"`
}

// TimeConfig tunes the NTP-gated time service.
type TimeConfig struct {
	NTPHost                string        `koanf:"ntp_host"`
	ToleranceMs             int64         `koanf:"tolerance_ms"`
	SampleInterval          time.Duration `koanf:"sample_interval"`
	MaxConsecutiveFailures  int           `koanf:"max_consecutive_failures"`
}

// TopicConfig carries default shard durations applied to newly provisioned topics.
type TopicConfig struct {
	Defaults ShardDurations `koanf:"defaults"`
}

// ShardDurations configures the BDT and event-shard granularities.
type ShardDurations struct {
	L1Minutes int `koanf:"l1_minutes"`
	L2Hours   int `koanf:"l2_hours"`
	L3Days    int `koanf:"l3_days"`
}

// IntegrityConfig tunes the Binary Digest Tree engine.
type IntegrityConfig struct {
	Generation   uint64 `koanf:"generation"`
	AlgorithmNew string `koanf:"algorithm_new"`
	AlgorithmOld string `koanf:"algorithm_old"`
	LeafCap      int    `koanf:"leaf_cap"`
}

// DeliveryConfig tunes consumer delivery semantics.
type DeliveryConfig struct {
	LateArrivalWindowMs int64         `koanf:"late_arrival_window_ms"`
	LongPollMs          int64         `koanf:"long_poll_ms"`
	Backoff             BackoffConfig `koanf:"backoff"`
}

// BackoffConfig tunes redelivery backoff.
type BackoffConfig struct {
	BaseMs int64 `koanf:"base_ms"`
	MaxMs  int64 `koanf:"max_ms"`
}

// APIConfig configures the HTTP transport.
type APIConfig struct {
	HTTPAddr string `koanf:"http_addr"`
}

// Default returns the built-in configuration baseline.
func Default() Config {
	return Config{
		Log:     LogConfig{Level: "info", Format: "text"},
		Backend: BackendConfig{Implementation: "pebble", DataDir: "./data"},
		Instance: InstanceConfig{
			MaxInstances:  1024,
			LeaseTTL:      30 * time.Second,
			ClaimAttempts: 64,
		},
		Time: TimeConfig{
			NTPHost:                "pool.ntp.org",
			ToleranceMs:            1000,
			SampleInterval:         30 * time.Second,
			MaxConsecutiveFailures: 5,
		},
		Topic: TopicConfig{Defaults: ShardDurations{L1Minutes: 1, L2Hours: 1, L3Days: 1}},
		Integrity: IntegrityConfig{
			Generation:   0,
			AlgorithmNew: "hmac-sha256",
			AlgorithmOld: "hmac-sha3-256",
			LeafCap:      4096,
		},
		Delivery: DeliveryConfig{
			LateArrivalWindowMs: 2000,
			LongPollMs:          20000,
			Backoff:             BackoffConfig{BaseMs: 500, MaxMs: 60000},
		},
		API: APIConfig{HTTPAddr: ":8080"},
	}
}

// defaultsMap flattens Default() into the dotted key space koanf expects,
// avoiding a struct-tag reflection provider for a handful of known keys.
func defaultsMap() map[string]interface{} {
	d := Default()
	return map[string]interface{}{
		"log.level":                       d.Log.Level,
		"log.format":                      d.Log.Format,
		"backend.implementation":          d.Backend.Implementation,
		"backend.data_dir":                d.Backend.DataDir,
		"instance.max_instances":          d.Instance.MaxInstances,
		"instance.lease_ttl":              d.Instance.LeaseTTL,
		"instance.claim_attempts":         d.Instance.ClaimAttempts,
		"time.ntp_host":                   d.Time.NTPHost,
		"time.tolerance_ms":               d.Time.ToleranceMs,
		"time.sample_interval":            d.Time.SampleInterval,
		"time.max_consecutive_failures":   d.Time.MaxConsecutiveFailures,
		"topic.defaults.l1_minutes":       d.Topic.Defaults.L1Minutes,
		"topic.defaults.l2_hours":         d.Topic.Defaults.L2Hours,
		"topic.defaults.l3_days":          d.Topic.Defaults.L3Days,
		"integrity.generation":            d.Integrity.Generation,
		"integrity.algorithm_new":         d.Integrity.AlgorithmNew,
		"integrity.algorithm_old":         d.Integrity.AlgorithmOld,
		"integrity.leaf_cap":              d.Integrity.LeafCap,
		"delivery.late_arrival_window_ms": d.Delivery.LateArrivalWindowMs,
		"delivery.long_poll_ms":           d.Delivery.LongPollMs,
		"delivery.backoff.base_ms":        d.Delivery.Backoff.BaseMs,
		"delivery.backoff.max_ms":         d.Delivery.Backoff.MaxMs,
		"api.http_addr":                  d.API.HTTPAddr,
	}
}

// Load builds a Config by layering built-in defaults, an optional YAML file
// at path, and FRAGTALE_-prefixed environment variable overrides (e.g.
// FRAGTALE_BACKEND__DATA_DIR maps to backend.data_dir).
func Load(path string) (Config, error) {
	k := koanf.New(".")
	if err := k.Load(confmap.Provider(defaultsMap(), "."), nil); err != nil {
		return Config{}, fmt.Errorf("config: seed defaults: %w", err)
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("config: load file %q: %w", path, err)
		}
	}
	envProvider := env.Provider("FRAGTALE_", ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, "FRAGTALE_")), "__", ".")
	})
	if err := k.Load(envProvider, nil); err != nil {
		return Config{}, fmt.Errorf("config: load env: %w", err)
	}
	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	return cfg, nil
}
