// Package maintenance 定时清理孤儿会话并输出注册表运行状态。
package maintenance

import (
	"context"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"

	"github.com/lk2023060901/wshub-go/internal/network"
	"github.com/lk2023060901/wshub-go/internal/network/event"
	"github.com/lk2023060901/wshub-go/internal/network/session"
	"github.com/lk2023060901/wshub-go/pkg/log"
	"github.com/lk2023060901/wshub-go/pkg/metrics"
)

// Config 为定时任务配置。
type Config struct {
	CleanupEnabled      bool          `mapstructure:"cleanupEnabled"`
	CleanupInterval     time.Duration `mapstructure:"cleanupInterval"`
	CleanupInitialDelay time.Duration `mapstructure:"cleanupInitialDelay"`
	MetricsInterval     time.Duration `mapstructure:"metricsInterval"`
}

// DefaultConfig 返回默认配置：清理 60s 一次、首次延迟 60s，状态输出 300s 一次。
func DefaultConfig() Config {
	return Config{
		CleanupEnabled:      true,
		CleanupInterval:     60 * time.Second,
		CleanupInitialDelay: 60 * time.Second,
		MetricsInterval:     300 * time.Second,
	}
}

// Report 是一次状态输出的快照。
type Report struct {
	Total       int
	ByPath      map[string]int
	Buses       []event.BusStats
	Goroutines  int
	ResidentMem uint64
}

// Scheduler 驱动孤儿会话清理与状态输出两个周期任务。
//
// 清理任务是兜底手段：正常情况下会话在连接收尾时已被移除，
// 清理任务频繁发现孤儿会话说明生命周期处理存在缺陷。
type Scheduler struct {
	log.Binder

	cfg      Config
	registry *session.Registry
	managers *event.Managers

	procOnce sync.Once
	proc     *process.Process
}

// NewScheduler 创建 Scheduler，managers 可以为 nil。
func NewScheduler(cfg Config, registry *session.Registry, managers *event.Managers) *Scheduler {
	s := &Scheduler{
		cfg:      cfg,
		registry: registry,
		managers: managers,
	}
	s.SetLogger(log.With(log.FieldComponent("registry-maintenance")))
	return s
}

// CleanupOrphans 执行一次孤儿会话清理，返回清理数量。
func (s *Scheduler) CleanupOrphans(ctx context.Context) (cleaned int) {
	defer func() {
		if x := recover(); x != nil {
			s.Logger().Error("Error during orphaned session cleanup",
				zap.Stringer("stage", network.StageSweep),
				zap.Any("panic", x),
				zap.Stack("stack"))
		}
	}()

	cleaned = s.registry.CleanupOrphaned(ctx)
	if cleaned > 0 {
		s.Logger().Warn("orphaned sessions cleaned up, session lifecycle handling may be leaking",
			zap.Stringer("stage", network.StageSweep),
			zap.Int("cleaned", cleaned),
			zap.Int("remaining", s.registry.Count()))
	}
	return cleaned
}

// ReportMetrics 采集并输出一次注册表与进程状态，同时更新对应的 Prometheus 指标。
func (s *Scheduler) ReportMetrics(ctx context.Context) (report Report) {
	defer func() {
		if x := recover(); x != nil {
			s.Logger().Error("Error during registry metrics report", zap.Any("panic", x), zap.Stack("stack"))
		}
	}()

	report.Total = s.registry.Count()
	report.ByPath = make(map[string]int)
	for _, path := range s.registry.Paths() {
		report.ByPath[path] = s.registry.CountByPath(path)
	}
	if s.managers != nil {
		report.Buses = s.managers.Stats()
	}
	report.Goroutines = runtime.NumGoroutine()
	report.ResidentMem = s.residentMemory()

	metrics.SessionsRegistered.Set(float64(report.Total))
	metrics.ProcessGoroutines.Set(float64(report.Goroutines))
	metrics.ProcessResidentMemory.Set(float64(report.ResidentMem))
	for _, bus := range report.Buses {
		metrics.EventBusBuffered.WithLabelValues(bus.Name).Set(float64(bus.Buffered))
	}

	fields := []zap.Field{
		zap.Int("total", report.Total),
		zap.Any("byPath", report.ByPath),
		zap.Int("goroutines", report.Goroutines),
		zap.Uint64("residentMemBytes", report.ResidentMem),
	}
	for _, bus := range report.Buses {
		fields = append(fields, zap.Int(bus.Name+".buffered", bus.Buffered))
	}
	log.Ctx(ctx).Info("WebSocket registry status", fields...)
	return report
}

// residentMemory 返回进程常驻内存，取不到进程信息时退回系统已用内存。
func (s *Scheduler) residentMemory() uint64 {
	s.procOnce.Do(func() {
		proc, err := process.NewProcess(int32(os.Getpid()))
		if err != nil {
			s.Logger().Warn("failed to inspect current process", zap.Error(err))
			return
		}
		s.proc = proc
	})
	if s.proc != nil {
		if info, err := s.proc.MemoryInfo(); err == nil {
			return info.RSS
		}
	}
	if vmem, err := mem.VirtualMemory(); err == nil {
		return vmem.Used
	}
	return 0
}

// Run 运行两个周期任务直到 ctx 结束。
func (s *Scheduler) Run(ctx context.Context) {
	var wg sync.WaitGroup
	if s.cfg.CleanupEnabled && s.cfg.CleanupInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			every(ctx, s.cfg.CleanupInitialDelay, s.cfg.CleanupInterval, func() { s.CleanupOrphans(ctx) })
		}()
	}
	if s.cfg.MetricsInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			every(ctx, s.cfg.MetricsInterval, s.cfg.MetricsInterval, func() { s.ReportMetrics(ctx) })
		}()
	}
	s.Logger().Info("registry maintenance started",
		zap.Bool("cleanupEnabled", s.cfg.CleanupEnabled),
		zap.Duration("cleanupInterval", s.cfg.CleanupInterval),
		zap.Duration("cleanupInitialDelay", s.cfg.CleanupInitialDelay),
		zap.Duration("metricsInterval", s.cfg.MetricsInterval))
	wg.Wait()
}

// every 在 initialDelay 后执行一次 fn，之后每隔 interval 执行一次。上一次执行结束后才开始计时。
func every(ctx context.Context, initialDelay, interval time.Duration, fn func()) {
	timer := time.NewTimer(initialDelay)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			fn()
			timer.Reset(interval)
		}
	}
}
