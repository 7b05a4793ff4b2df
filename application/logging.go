package application

import (
	"github.com/cockroachdb/errors"

	"github.com/lk2023060901/wshub-go/internal/config"
	"github.com/lk2023060901/wshub-go/pkg/log"
)

// 组件名与 logging 配置项的对应关系，例如 logging.dispatcher。
const (
	LoggerAcceptor    = "acceptor"
	LoggerLifecycle   = "lifecycle"
	LoggerDispatcher  = "dispatcher"
	LoggerMaintenance = "maintenance"
	LoggerRateLimit   = "ratelimit"
	LoggerTemplate    = "template"
)

// ModuleLogger 返回按名称配置的模块日志。
// 未配置该名称时返回全局日志。
func (a *Application) ModuleLogger(name string) *log.MLogger {
	if lg, ok := a.loggers[name]; ok && lg != nil {
		return lg
	}
	return &log.MLogger{Logger: log.L()}
}

// SetupLogging 初始化全局日志，并按 logging 配置创建模块日志。
// 组件在创建时绑定日志，因此需要在 New 之前调用。
//
// 示例：
//
//	log:
//	  level: info
//	  stdout: true
//	logging:
//	  dispatcher:
//	    level: debug
//	    file:
//	      rootpath: ./logs
//	      filename: dispatcher.log
func SetupLogging(cfg config.Config) (map[string]*log.MLogger, error) {
	global := cfg.Log
	logger, props, err := log.InitLogger(&global)
	if err != nil {
		return nil, errors.Wrap(err, "init global logger")
	}
	log.ReplaceGlobals(logger, props)
	if rl := cfg.LogRateLimit; rl.CreditPerSecond > 0 {
		log.ConfigureRateLimiter(rl.CreditPerSecond, rl.MaxBalance)
	}

	loggers := make(map[string]*log.MLogger, len(cfg.Logging))
	for name, lc := range cfg.Logging {
		cfgCopy := lc
		logger, _, err := log.InitLogger(&cfgCopy)
		if err != nil {
			return nil, errors.Wrapf(err, "init module logger %q", name)
		}
		loggers[name] = &log.MLogger{Logger: logger.With(log.FieldModule(name))}
	}
	return loggers, nil
}

// WithModuleLoggers 设置按组件命名的日志，通常来自 SetupLogging。
func WithModuleLoggers(loggers map[string]*log.MLogger) Option {
	return func(a *Application) {
		a.loggers = loggers
	}
}

// bindLoggers 将模块日志绑定到对应组件，未配置的组件保持默认日志。
func (a *Application) bindLoggers() {
	binders := map[string]interface{ SetLogger(*log.MLogger) }{
		LoggerAcceptor:    a.acceptor,
		LoggerLifecycle:   a.coordinator,
		LoggerDispatcher:  a.dispatcher,
		LoggerMaintenance: a.scheduler,
		LoggerRateLimit:   a.limiter,
		LoggerTemplate:    a.template,
	}
	for name, b := range binders {
		if lg, ok := a.loggers[name]; ok {
			b.SetLogger(lg)
		}
	}
}
