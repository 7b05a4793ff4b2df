package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lk2023060901/wshub-go/internal/network/lifecycle"
	"github.com/lk2023060901/wshub-go/internal/network/ratelimit"
	"github.com/lk2023060901/wshub-go/pkg/util/merr"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 256, cfg.Session.BufferSize)
	assert.Equal(t, 256, cfg.Events.ConnectedQueueSize)
	assert.Equal(t, 1024, cfg.Events.ClosedQueueSize)
	assert.Equal(t, 32, cfg.Dispatcher.PoolSize)
	assert.True(t, cfg.Maintenance.CleanupEnabled)
	assert.Equal(t, 60*time.Second, cfg.Maintenance.CleanupInterval)
	assert.Equal(t, 300*time.Second, cfg.Maintenance.MetricsInterval)
	assert.Equal(t, lifecycle.DefaultBackpressureConfig(), cfg.Backpressure)
}

func TestBackpressureFromFileAndEnv(t *testing.T) {
	path := writeFile(t, "wshub.yaml", `
backpressure:
  enabled: true
  strategy: drop_oldest
  bufferSize: 32
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.True(t, cfg.Backpressure.Enabled)
	assert.Equal(t, 32, cfg.Backpressure.BufferSize)
	st, err := lifecycle.ParseBackpressureStrategy(string(cfg.Backpressure.Strategy))
	require.NoError(t, err)
	assert.Equal(t, lifecycle.BackpressureDropOldest, st)

	t.Setenv("WSHUB_BACKPRESSURE_STRATEGY", "ERROR")
	cfg, err = Load(path)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.BackpressureError, cfg.Backpressure.Strategy)
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, "wshub.yaml", `
server:
  addr: ":9090"
  writeTimeout: 3s
session:
  bufferSize: 64
dispatcher:
  poolSize: 8
heartbeat:
  enabled: true
  interval: 10s
  timeout: 25s
ratelimit:
  enabled: true
  limit: 5
  period: 1s
  scope: USER
log:
  level: debug
logging:
  dispatcher:
    level: warn
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, 3*time.Second, cfg.Server.WriteTimeout)
	assert.Equal(t, 64, cfg.Session.BufferSize)
	assert.Equal(t, 8, cfg.Dispatcher.PoolSize)
	assert.True(t, cfg.Heartbeat.Enabled)
	assert.Equal(t, 25*time.Second, cfg.Heartbeat.Timeout)
	assert.True(t, cfg.RateLimit.Enabled)
	assert.Equal(t, ratelimit.ScopeUser, cfg.RateLimit.Scope)
	assert.Equal(t, "debug", cfg.Log.Level)
	require.Contains(t, cfg.Logging, "dispatcher")
	assert.Equal(t, "warn", cfg.Logging["dispatcher"].Level)

	// 未出现在文件中的字段保持缺省值
	assert.Equal(t, 1024, cfg.Events.ClosedQueueSize)
	assert.Equal(t, uint(5), cfg.CloseRetry.Attempts)
}

func TestLoadJSON(t *testing.T) {
	path := writeFile(t, "wshub.json", `{"session": {"bufferSize": 16}}`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 16, cfg.Session.BufferSize)
}

func TestEnvOverride(t *testing.T) {
	path := writeFile(t, "wshub.yaml", "session:\n  bufferSize: 64\n")
	t.Setenv("WSHUB_SESSION_BUFFERSIZE", "128")
	t.Setenv("WSHUB_SERVER_ADDR", ":7070")
	t.Setenv("WSHUB_LOGRATELIMIT_CREDITPERSECOND", "2.5")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 128, cfg.Session.BufferSize)
	assert.Equal(t, ":7070", cfg.Server.Addr)
	assert.Equal(t, 2.5, cfg.LogRateLimit.CreditPerSecond)
}

func TestConfigPathFromEnv(t *testing.T) {
	path := writeFile(t, "wshub.yaml", "dispatcher:\n  poolSize: 4\n")
	t.Setenv(EnvConfigPath, path)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.Dispatcher.PoolSize)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestValidateCollectsAllErrors(t *testing.T) {
	cfg := Default()
	cfg.Server.Addr = ""
	cfg.Session.BufferSize = 0
	cfg.Heartbeat.Enabled = true
	cfg.Heartbeat.Timeout = cfg.Heartbeat.Interval
	cfg.RateLimit.Enabled = true
	cfg.RateLimit.Limit = 0
	cfg.Server.Compression = "gzip"
	cfg.Backpressure.Enabled = true
	cfg.Backpressure.Strategy = "PAUSE"

	err := cfg.Validate()
	require.Error(t, err)
	assert.True(t, errors.Is(err, merr.ErrConfigInvalid))
	for _, key := range []string{"server.addr", "session.bufferSize", "heartbeat", "ratelimit.limit", "server.compression", "backpressure.strategy"} {
		assert.Contains(t, err.Error(), key)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	path := writeFile(t, "wshub.yaml", "dispatcher:\n  poolSize: 0\n")
	_, err := Load(path)
	assert.True(t, errors.Is(err, merr.ErrConfigInvalid))
}

func TestAcceptorConfig(t *testing.T) {
	cfg := Default()
	cfg.Server.ReadLimit = 2048
	ac := cfg.AcceptorConfig()
	assert.Equal(t, int64(2048), ac.ReadLimit)
	assert.Equal(t, cfg.Server.WriteTimeout, ac.WriteTimeout)
}
