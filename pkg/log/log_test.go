package log

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func observedCtx(t *testing.T) (context.Context, *observer.ObservedLogs) {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	ctx := context.WithValue(context.Background(), CtxLogKey, &MLogger{Logger: zap.New(core)})
	return ctx, logs
}

func TestCtxCarriesSessionFields(t *testing.T) {
	ctx, logs := observedCtx(t)

	ctx = WithSessionID(ctx, "s-1")
	ctx = WithFields(ctx, FieldPath("/chat/lobby"))
	Ctx(ctx).Info("frame received", FieldInitiator("CLIENT"))

	entries := logs.All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "s-1", fields[FieldNameSessionID])
	assert.Equal(t, "/chat/lobby", fields[FieldNamePath])
	assert.Equal(t, "CLIENT", fields[FieldNameInitiator])
}

func TestCtxWithoutLogger(t *testing.T) {
	assert.NotNil(t, Ctx(context.Background()))
	//nolint:staticcheck
	assert.NotNil(t, Ctx(nil))
}

func TestMLoggerWithDoesNotLeak(t *testing.T) {
	ctx, logs := observedCtx(t)
	parent := Ctx(ctx)
	child := parent.With(FieldModule("dispatcher"))

	child.Info("child")
	parent.Info("parent")

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, "dispatcher", entries[0].ContextMap()[FieldNameModule])
	_, ok := entries[1].ContextMap()[FieldNameModule]
	assert.False(t, ok)
}

func TestRatedLoggingHonorsLimiter(t *testing.T) {
	t.Cleanup(func() { ConfigureRateLimiter(0, 0) })
	ctx, logs := observedCtx(t)
	logger := Ctx(ctx)

	ConfigureRateLimiter(0.001, 1)
	assert.True(t, logger.RatedWarn(1, "first"))
	assert.False(t, logger.RatedWarn(1, "second"))
	assert.Equal(t, 1, logs.FilterMessage("first").Len())
	assert.Zero(t, logs.FilterMessage("second").Len())

	ConfigureRateLimiter(0, 0)
	assert.True(t, logger.RatedWarn(1, "third"))
	assert.True(t, logger.RatedInfo(1, "fourth"))
}

func TestInitLoggerRejectsUnknownLevel(t *testing.T) {
	_, _, err := InitLogger(&Config{Level: "verbose", Stdout: false})
	assert.Error(t, err)
}

func TestInitLoggerWritesFile(t *testing.T) {
	dir := t.TempDir()
	cfg := &Config{
		Level:  "info",
		Format: "json",
		File:   FileLogConfig{RootPath: dir, Filename: "wshub.log"},
	}
	logger, props, err := InitLogger(cfg)
	require.NoError(t, err)
	assert.Equal(t, zapcore.InfoLevel, props.Level.Level())

	logger.Debug("hidden")
	logger.Info("session opened", FieldSessionID("s-2"))
	require.NoError(t, logger.Sync())

	data, err := os.ReadFile(filepath.Join(dir, "wshub.log"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "session opened")
	assert.Contains(t, string(data), `"sessionID":"s-2"`)
	assert.NotContains(t, string(data), "hidden")
}

func TestInitLoggerRejectsDirectoryAsFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, "logs"), 0o755))

	_, _, err := InitLogger(&Config{Level: "info", File: FileLogConfig{RootPath: dir, Filename: "logs"}})
	assert.Error(t, err)
}

func TestInitTestLogger(t *testing.T) {
	logger, props, err := InitTestLogger(t, &Config{Level: "debug"})
	require.NoError(t, err)
	assert.Equal(t, zapcore.DebugLevel, props.Level.Level())
	logger.Debug("visible in test output", FieldBus("closed"))
}
