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

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "./data/ledger.db", cfg.Database.Path)
	assert.Equal(t, 5, cfg.Retry.MaxAttempts)
	assert.Equal(t, 10*time.Millisecond, cfg.Retry.InitialInterval)
	assert.Equal(t, 24*time.Hour, cfg.Scheduler.Interval)
	assert.Equal(t, "/metrics", cfg.Metrics.Path)
}

func TestLoad_FileAndEnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9000
database:
  path: memory
policies:
  file: ./policies.yaml
retry:
  max_attempts: 3
  initial_interval: 5ms
scheduler:
  interval: 1h
`), 0o644))

	t.Setenv("LEDGER_SERVER_PORT", "9100")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9100, cfg.Server.Port)
	assert.Equal(t, "memory", cfg.Database.Path)
	assert.Equal(t, "./policies.yaml", cfg.Policies.File)
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.Equal(t, 5*time.Millisecond, cfg.Retry.InitialInterval)
	assert.Equal(t, time.Hour, cfg.Scheduler.Interval)
}

func TestLoad_InvalidValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("retry:\n  max_attempts: 0\n"), 0o644))

	_, err := Load(path)
	assert.ErrorContains(t, err, "retry.max_attempts")
}
