// Package config 定义 wshub 服务端的完整配置、缺省值与校验规则。
//
// 配置来源优先级（由高到低）：
//  1. 环境变量：WSHUB_ 前缀，层级以下划线分隔，例如 WSHUB_SESSION_BUFFERSIZE；
//  2. 配置文件：YAML 或 JSON；
//  3. Default() 给出的缺省值。
package config

import (
	"os"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/lk2023060901/wshub-go/internal/network/acceptor"
	"github.com/lk2023060901/wshub-go/internal/network/broadcast"
	"github.com/lk2023060901/wshub-go/internal/network/compressor"
	"github.com/lk2023060901/wshub-go/internal/network/dispatcher"
	"github.com/lk2023060901/wshub-go/internal/network/event"
	"github.com/lk2023060901/wshub-go/internal/network/maintenance"
	"github.com/lk2023060901/wshub-go/internal/network/lifecycle"
	"github.com/lk2023060901/wshub-go/internal/network/ratelimit"
	"github.com/lk2023060901/wshub-go/pkg/log"
	"github.com/lk2023060901/wshub-go/pkg/util/merr"
	zviper "github.com/lk2023060901/wshub-go/pkg/util/viper"
)

const (
	// EnvPrefix 为环境变量覆盖的前缀。
	EnvPrefix = "WSHUB"
	// EnvConfigPath 指定配置文件路径，优先级低于命令行参数。
	EnvConfigPath = "WSHUB_CONFIG_FILE_PATH"
	// DefaultConfigPath 为未指定路径时尝试加载的文件，不存在时仅使用缺省值。
	DefaultConfigPath = "./config.yaml"
)

// ServerConfig 为 HTTP 与 WebSocket 接入配置。
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadBufferSize  int           `mapstructure:"readBufferSize"`
	WriteBufferSize int           `mapstructure:"writeBufferSize"`
	WriteTimeout    time.Duration `mapstructure:"writeTimeout"`
	ReadLimit       int64         `mapstructure:"readLimit"`
	// MetricsPath 为 prometheus 指标路径，为空时不暴露。
	MetricsPath     string        `mapstructure:"metricsPath"`
	ShutdownTimeout time.Duration `mapstructure:"shutdownTimeout"`
	// Compression 为二进制消息压缩算法：none 或 zstd。
	Compression        compressor.Algorithm `mapstructure:"compression"`
	CompressionMinSize int                  `mapstructure:"compressionMinSize"`
}

// SessionConfig 为单条会话的流配置。
type SessionConfig struct {
	BufferSize   int           `mapstructure:"bufferSize"`
	DrainTimeout time.Duration `mapstructure:"drainTimeout"`
}

// DispatcherConfig 为关闭事件分发器配置。
type DispatcherConfig struct {
	PoolSize    int  `mapstructure:"poolSize"`
	NonBlocking bool `mapstructure:"nonBlocking"`
}

// RetryConfig 描述一次有界重试：最多 Attempts 次，间隔从 Initial 指数增长到 Max。
type RetryConfig struct {
	Attempts uint          `mapstructure:"attempts"`
	Initial  time.Duration `mapstructure:"initial"`
	Max      time.Duration `mapstructure:"max"`
}

// LogRateLimitConfig 为 Rated* 日志的限速配置，CreditPerSecond <= 0 表示不限速。
type LogRateLimitConfig struct {
	CreditPerSecond float64 `mapstructure:"creditPerSecond"`
	MaxBalance      float64 `mapstructure:"maxBalance"`
}

// Config 为服务端完整配置。
type Config struct {
	Server       ServerConfig                 `mapstructure:"server"`
	Session      SessionConfig                `mapstructure:"session"`
	Events       event.Config                 `mapstructure:"events"`
	Dispatcher   DispatcherConfig             `mapstructure:"dispatcher"`
	Maintenance  maintenance.Config           `mapstructure:"maintenance"`
	Heartbeat    acceptor.HeartbeatConfig     `mapstructure:"heartbeat"`
	RateLimit    ratelimit.Config             `mapstructure:"ratelimit"`
	Backpressure lifecycle.BackpressureConfig `mapstructure:"backpressure"`
	InboundRetry RetryConfig                  `mapstructure:"inboundRetry"`
	CloseRetry   RetryConfig                  `mapstructure:"closeRetry"`

	// Log 为全局日志配置。
	Log log.Config `mapstructure:"log"`
	// Logging 为按模块命名的日志配置，例如 logging.dispatcher.level。
	Logging map[string]log.Config `mapstructure:"logging"`
	// LogRateLimit 为 Rated* 日志的限速配置。
	LogRateLimit LogRateLimitConfig `mapstructure:"logRateLimit"`
}

// Default 返回缺省配置。
func Default() Config {
	ac := acceptor.DefaultConfig()
	return Config{
		Server: ServerConfig{
			Addr:               ":8080",
			ReadBufferSize:     ac.ReadBufferSize,
			WriteBufferSize:    ac.WriteBufferSize,
			WriteTimeout:       ac.WriteTimeout,
			ReadLimit:          ac.ReadLimit,
			MetricsPath:        "/metrics",
			ShutdownTimeout:    10 * time.Second,
			Compression:        compressor.AlgorithmNone,
			CompressionMinSize: 512,
		},
		Session: SessionConfig{
			BufferSize:   broadcast.DefaultCapacity,
			DrainTimeout: time.Second,
		},
		Events: event.DefaultConfig(),
		Dispatcher: DispatcherConfig{
			PoolSize: dispatcher.DefaultPoolSize,
		},
		Maintenance:  maintenance.DefaultConfig(),
		Heartbeat:    acceptor.DefaultHeartbeatConfig(),
		RateLimit:    ratelimit.DefaultConfig(),
		Backpressure: lifecycle.DefaultBackpressureConfig(),
		InboundRetry: RetryConfig{
			Attempts: 3,
			Initial:  5 * time.Millisecond,
			Max:      50 * time.Millisecond,
		},
		CloseRetry: RetryConfig{
			Attempts: 5,
			Initial:  10 * time.Millisecond,
			Max:      200 * time.Millisecond,
		},
		Log: log.Config{
			Level:  "info",
			Format: "text",
			Stdout: true,
		},
	}
}

// Load 加载配置。
//
// 参数：
//   - path：配置文件路径；为空时依次尝试 WSHUB_CONFIG_FILE_PATH 与 ./config.yaml，
//     默认路径不存在时不视为错误。
//
// 返回：
//   - 合并缺省值、配置文件与环境变量后的配置；
//   - 文件读取、反序列化或校验失败时返回错误。
func Load(path string) (Config, error) {
	v := zviper.New()
	v.BindEnv(EnvPrefix)
	setDefaults(v, Default())

	explicit := path != ""
	if !explicit {
		if env := os.Getenv(EnvConfigPath); env != "" {
			path, explicit = env, true
		} else {
			path = DefaultConfigPath
		}
	}
	if explicit || fileExists(path) {
		if err := v.LoadFile(path); err != nil {
			return Config{}, errors.Wrapf(err, "failed to load config file %q", path)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, errors.Wrap(err, "failed to decode config")
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate 校验配置，返回全部问题的合并错误。
func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, key string, val any, msg string) {
		if !ok {
			errs = append(errs, merr.WrapErrConfigInvalid(key, val, msg))
		}
	}

	check(c.Server.Addr != "", "server.addr", c.Server.Addr, "listen address is required")
	check(c.Server.ReadBufferSize >= 0, "server.readBufferSize", c.Server.ReadBufferSize, "must not be negative")
	check(c.Server.WriteBufferSize >= 0, "server.writeBufferSize", c.Server.WriteBufferSize, "must not be negative")
	check(c.Server.Compression == compressor.AlgorithmNone || c.Server.Compression == compressor.AlgorithmZstd,
		"server.compression", c.Server.Compression, "expected none or zstd")
	check(c.Server.CompressionMinSize >= 0, "server.compressionMinSize", c.Server.CompressionMinSize, "must not be negative")
	check(c.Server.ShutdownTimeout > 0, "server.shutdownTimeout", c.Server.ShutdownTimeout, "must be positive")
	check(c.Session.BufferSize > 0, "session.bufferSize", c.Session.BufferSize, "must be positive")
	check(c.Session.DrainTimeout > 0, "session.drainTimeout", c.Session.DrainTimeout, "must be positive")
	check(c.Events.ConnectedQueueSize > 0, "events.connectedQueueSize", c.Events.ConnectedQueueSize, "must be positive")
	check(c.Events.ClosedQueueSize > 0, "events.closedQueueSize", c.Events.ClosedQueueSize, "must be positive")
	check(c.Dispatcher.PoolSize > 0, "dispatcher.poolSize", c.Dispatcher.PoolSize, "must be positive")
	if c.Maintenance.CleanupEnabled {
		check(c.Maintenance.CleanupInterval > 0, "maintenance.cleanupInterval", c.Maintenance.CleanupInterval, "must be positive")
		check(c.Maintenance.CleanupInitialDelay >= 0, "maintenance.cleanupInitialDelay", c.Maintenance.CleanupInitialDelay, "must not be negative")
	}
	check(c.Maintenance.MetricsInterval > 0, "maintenance.metricsInterval", c.Maintenance.MetricsInterval, "must be positive")
	if c.Heartbeat.Enabled {
		check(c.Heartbeat.Interval > 0 && c.Heartbeat.Timeout > c.Heartbeat.Interval,
			"heartbeat", c.Heartbeat, "interval must be positive and shorter than timeout")
	}
	if err := c.Backpressure.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := c.RateLimit.Validate(); err != nil {
		errs = append(errs, err)
	}
	check(c.InboundRetry.Attempts > 0, "inboundRetry.attempts", c.InboundRetry.Attempts, "must be positive")
	check(c.CloseRetry.Attempts > 0, "closeRetry.attempts", c.CloseRetry.Attempts, "must be positive")

	return merr.Combine(errs...)
}

// AcceptorConfig 返回接入层配置。
func (c Config) AcceptorConfig() acceptor.Config {
	return acceptor.Config{
		ReadBufferSize:  c.Server.ReadBufferSize,
		WriteBufferSize: c.Server.WriteBufferSize,
		WriteTimeout:    c.Server.WriteTimeout,
		ReadLimit:       c.Server.ReadLimit,
	}
}

// viper 只对已知 key 应用环境变量覆盖，因此每个字段都需要登记缺省值。
func setDefaults(v *zviper.Config, d Config) {
	defaults := map[string]any{
		"server.addr":               d.Server.Addr,
		"server.readBufferSize":     d.Server.ReadBufferSize,
		"server.writeBufferSize":    d.Server.WriteBufferSize,
		"server.writeTimeout":       d.Server.WriteTimeout,
		"server.readLimit":          d.Server.ReadLimit,
		"server.metricsPath":        d.Server.MetricsPath,
		"server.shutdownTimeout":    d.Server.ShutdownTimeout,
		"server.compression":        string(d.Server.Compression),
		"server.compressionMinSize": d.Server.CompressionMinSize,

		"session.bufferSize":   d.Session.BufferSize,
		"session.drainTimeout": d.Session.DrainTimeout,

		"events.connectedQueueSize": d.Events.ConnectedQueueSize,
		"events.closedQueueSize":    d.Events.ClosedQueueSize,

		"dispatcher.poolSize":    d.Dispatcher.PoolSize,
		"dispatcher.nonBlocking": d.Dispatcher.NonBlocking,

		"maintenance.cleanupEnabled":      d.Maintenance.CleanupEnabled,
		"maintenance.cleanupInterval":     d.Maintenance.CleanupInterval,
		"maintenance.cleanupInitialDelay": d.Maintenance.CleanupInitialDelay,
		"maintenance.metricsInterval":     d.Maintenance.MetricsInterval,

		"heartbeat.enabled":  d.Heartbeat.Enabled,
		"heartbeat.interval": d.Heartbeat.Interval,
		"heartbeat.timeout":  d.Heartbeat.Timeout,

		"ratelimit.enabled": d.RateLimit.Enabled,
		"ratelimit.limit":   d.RateLimit.Limit,
		"ratelimit.period":  d.RateLimit.Period,
		"ratelimit.timeout": d.RateLimit.Timeout,
		"ratelimit.scope":   string(d.RateLimit.Scope),

		"backpressure.enabled":    d.Backpressure.Enabled,
		"backpressure.strategy":   string(d.Backpressure.Strategy),
		"backpressure.bufferSize": d.Backpressure.BufferSize,

		"inboundRetry.attempts": d.InboundRetry.Attempts,
		"inboundRetry.initial":  d.InboundRetry.Initial,
		"inboundRetry.max":      d.InboundRetry.Max,
		"closeRetry.attempts":   d.CloseRetry.Attempts,
		"closeRetry.initial":    d.CloseRetry.Initial,
		"closeRetry.max":        d.CloseRetry.Max,

		"log.level":         d.Log.Level,
		"log.format":        d.Log.Format,
		"log.stdout":        d.Log.Stdout,
		"log.file.rootpath": d.Log.File.RootPath,
		"log.file.filename": d.Log.File.Filename,
		"log.file.maxsize":  d.Log.File.MaxSize,
		"log.file.maxdays":  d.Log.File.MaxDays,

		"logRateLimit.creditPerSecond": d.LogRateLimit.CreditPerSecond,
		"logRateLimit.maxBalance":      d.LogRateLimit.MaxBalance,
	}
	for key, val := range defaults {
		v.SetDefault(key, val)
	}
}

func fileExists(path string) bool {
	st, err := os.Stat(path)
	return err == nil && !st.IsDir()
}
