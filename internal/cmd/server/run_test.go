package serverrun

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	cfgpkg "github.com/mydriatech/fragtale/internal/config"
)

func TestOptionsDataDirFallback(t *testing.T) {
	opts := Options{DataDir: "", HTTPAddr: ":8080", Config: cfgpkg.Default()}
	if opts.DataDir == "" {
		opts.DataDir = cfgpkg.DefaultDataDir()
	}
	require.NotEmpty(t, opts.DataDir)

	opts = Options{DataDir: "/custom/data", HTTPAddr: ":8080", Config: cfgpkg.Default()}
	require.Equal(t, "/custom/data", opts.DataDir)
}

func TestGetenvDefault(t *testing.T) {
	t.Setenv("TEST_VAR", "env_value")
	require.Equal(t, "env_value", getenvDefault("TEST_VAR", "default"))

	_ = os.Unsetenv("TEST_VAR_NOT_SET")
	require.Equal(t, "default", getenvDefault("TEST_VAR_NOT_SET", "default"))
}

func TestDataDirStoreSubdirectory(t *testing.T) {
	baseDir := "/tmp/fragtale"
	expected := filepath.Join(baseDir, "store")
	require.Equal(t, expected, filepath.Join(baseDir, "store"))
}

// TestRunIntegration starts a real server against an in-memory backend and
// confirms Run returns cleanly once its context is canceled.
func TestRunIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	tempDir := t.TempDir()
	cfg := cfgpkg.Default()
	cfg.Backend.Implementation = "memory"

	opts := Options{
		DataDir:  tempDir,
		HTTPAddr: ":0",
		Config:   cfg,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	err := Run(ctx, opts)
	if err != nil && err != context.DeadlineExceeded && err != context.Canceled {
		t.Errorf("expected context cancellation error, got %v", err)
	}
}
