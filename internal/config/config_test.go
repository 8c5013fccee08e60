package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.Backend.Implementation != "pebble" {
		t.Fatalf("backend implementation default")
	}
	if cfg.Instance.MaxInstances != 1024 {
		t.Fatalf("max instances default")
	}
	if cfg.Integrity.AlgorithmNew != "hmac-sha256" || cfg.Integrity.AlgorithmOld != "hmac-sha3-256" {
		t.Fatalf("integrity algorithm defaults")
	}
}

func TestLoadNoPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.API.HTTPAddr != ":8080" {
		t.Fatalf("expected default http addr, got %q", cfg.API.HTTPAddr)
	}
}

func TestLoadYAMLOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "node.yaml")
	data := []byte("backend:\n  implementation: memory\n  data_dir: /tmp/fragtale\ninstance:\n  max_instances: 16\napi:\n  http_addr: 127.0.0.1:9090\n")
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Backend.Implementation != "memory" {
		t.Fatalf("expected memory backend, got %q", cfg.Backend.Implementation)
	}
	if cfg.Instance.MaxInstances != 16 {
		t.Fatalf("expected overridden max_instances, got %d", cfg.Instance.MaxInstances)
	}
	if cfg.API.HTTPAddr != "127.0.0.1:9090" {
		t.Fatalf("expected overridden http addr, got %q", cfg.API.HTTPAddr)
	}
	// Untouched defaults survive the overlay.
	if cfg.Integrity.LeafCap != 4096 {
		t.Fatalf("expected default leaf cap to survive, got %d", cfg.Integrity.LeafCap)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	os.Setenv("FRAGTALE_BACKEND__DATA_DIR", "/env/data")
	t.Cleanup(func() { os.Unsetenv("FRAGTALE_BACKEND__DATA_DIR") })

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Backend.DataDir != "/env/data" {
		t.Fatalf("expected env override, got %q", cfg.Backend.DataDir)
	}
}

func TestLoadPreservesDurationDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Instance.LeaseTTL != 30*time.Second {
		t.Fatalf("expected default lease ttl, got %v", cfg.Instance.LeaseTTL)
	}
}
