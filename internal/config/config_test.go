package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":3003", cfg.HTTPAddr)
	assert.Equal(t, "memory", cfg.Store.Driver)
	assert.Equal(t, 5*time.Second, cfg.Dispatch.Interval)
	assert.Equal(t, 60*time.Second, cfg.Dispatch.HeartbeatTimeout)
	assert.Equal(t, 24*time.Hour, cfg.Store.TaskTTL)
	assert.Equal(t, 5*time.Minute, cfg.Store.WorkerTTL)
}

func TestLoad_YAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dispatcher.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
http_addr: ":9000"
store:
  driver: duckdb
  duckdb_path: /var/lib/aule/dispatch.db
dispatch:
  interval: 2s
  batch: 32
  retry:
    max_delivery_attempts: 3
    base_backoff: 500ms
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.HTTPAddr)
	assert.Equal(t, "duckdb", cfg.Store.Driver)
	assert.Equal(t, "/var/lib/aule/dispatch.db", cfg.Store.DuckDBPath)
	assert.Equal(t, 2*time.Second, cfg.Dispatch.Interval)
	assert.Equal(t, 32, cfg.Dispatch.Batch)
	assert.Equal(t, 3, cfg.Dispatch.Retry.MaxDeliveryAttempts)
	assert.Equal(t, 500*time.Millisecond, cfg.Dispatch.Retry.BaseBackoff)
	// Untouched keys keep their defaults.
	assert.Equal(t, 60*time.Second, cfg.Dispatch.HeartbeatTimeout)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dispatcher.yaml")
	require.NoError(t, os.WriteFile(path, []byte("dispatch:\n  interval: 2s\n"), 0o644))

	t.Setenv("PORT", "8088")
	t.Setenv("DISPATCH_INTERVAL_SECONDS", "10")
	t.Setenv("HEARTBEAT_TIMEOUT_SECONDS", "90")
	t.Setenv("REDIS_URL", "redis://cache:6379/2")
	t.Setenv("DESKTOP_AIOS_CELL_URL", "http://desk:9000")
	t.Setenv("AULE_ALLOWED_ORIGINS", "http://a.test, http://b.test")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":8088", cfg.HTTPAddr)
	assert.Equal(t, 10*time.Second, cfg.Dispatch.Interval)
	assert.Equal(t, 90*time.Second, cfg.Dispatch.HeartbeatTimeout)
	assert.Equal(t, "redis", cfg.Store.Driver)
	assert.Equal(t, "redis://cache:6379/2", cfg.Store.RedisURL)
	assert.Equal(t, "http://desk:9000", cfg.DesktopCellURL)
	assert.Equal(t, []string{"http://a.test", "http://b.test"}, cfg.AllowedOrigins)
}

func TestLoad_ExplicitDriverWins(t *testing.T) {
	t.Setenv("REDIS_URL", "redis://cache:6379/0")
	t.Setenv("AULE_STORE_DRIVER", "DuckDB")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "duckdb", cfg.Store.Driver)
}

func TestLoad_BadEnv(t *testing.T) {
	t.Setenv("DISPATCH_INTERVAL_SECONDS", "soon")
	t.Setenv("DISPATCH_BATCH", "many")

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DISPATCH_INTERVAL_SECONDS")
	assert.Contains(t, err.Error(), "DISPATCH_BATCH")
}

func TestLoad_InvalidResult(t *testing.T) {
	t.Setenv("AULE_STORE_DRIVER", "postgres")
	_, err := Load("")
	assert.ErrorContains(t, err, "store.driver")
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
