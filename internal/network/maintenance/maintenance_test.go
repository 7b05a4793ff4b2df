package maintenance

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/lk2023060901/wshub-go/internal/network/event"
	"github.com/lk2023060901/wshub-go/internal/network/session"
	"github.com/lk2023060901/wshub-go/pkg/log"
)

func leak(r *session.Registry, id, path string, open *atomic.Bool) *session.Streams {
	s := session.NewStreams(session.New(id, path, "127.0.0.1:1", session.WithOpenFunc(open.Load)), 4)
	r.Put(id, s)
	return s
}

func TestCleanupOrphansRemovesLeakedSession(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	registry := session.NewRegistry()
	registry.SetLogger(&log.MLogger{Logger: zap.New(core)})

	alive := atomic.NewBool(true)
	dead := atomic.NewBool(false)
	leak(registry, "alive", "/chat", alive)
	leaked := leak(registry, "leaked", "/chat", dead)

	s := NewScheduler(DefaultConfig(), registry, nil)
	s.SetLogger(&log.MLogger{Logger: zap.New(core)})

	assert.Equal(t, 1, s.CleanupOrphans(context.Background()))
	_, ok := registry.Get("leaked")
	assert.False(t, ok)
	assert.True(t, leaked.Closed())
	assert.Equal(t, 1, registry.Count())

	assert.Equal(t, 1, logs.FilterMessage("Found orphaned session (isOpen=false), cleaning up").Len())
	assert.Equal(t, 1, logs.FilterMessageSnippet("orphaned sessions cleaned up").Len())

	assert.Equal(t, 0, s.CleanupOrphans(context.Background()))
}

func TestReportMetrics(t *testing.T) {
	registry := session.NewRegistry()
	open := atomic.NewBool(true)
	leak(registry, "a", "/chat", open)
	leak(registry, "b", "/chat", open)
	leak(registry, "c", "/news", open)
	managers := event.NewDefaultManagers(event.DefaultConfig())
	defer managers.Close()

	s := NewScheduler(DefaultConfig(), registry, managers)
	report := s.ReportMetrics(context.Background())
	assert.Equal(t, 3, report.Total)
	assert.Equal(t, map[string]int{"/chat": 2, "/news": 1}, report.ByPath)
	require.Len(t, report.Buses, 3)
	assert.Greater(t, report.Goroutines, 0)
	assert.Greater(t, report.ResidentMem, uint64(0))
}

func TestRunSchedulesCleanup(t *testing.T) {
	registry := session.NewRegistry()
	leak(registry, "leaked", "/chat", atomic.NewBool(false))

	cfg := Config{
		CleanupEnabled:      true,
		CleanupInterval:     10 * time.Millisecond,
		CleanupInitialDelay: 5 * time.Millisecond,
		MetricsInterval:     10 * time.Millisecond,
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		NewScheduler(cfg, registry, nil).Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool { return registry.Count() == 0 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
}

func TestRunCleanupDisabled(t *testing.T) {
	registry := session.NewRegistry()
	leak(registry, "leaked", "/chat", atomic.NewBool(false))

	cfg := DefaultConfig()
	cfg.CleanupEnabled = false
	cfg.MetricsInterval = 0
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	NewScheduler(cfg, registry, nil).Run(ctx)
	assert.Equal(t, 1, registry.Count())
}
