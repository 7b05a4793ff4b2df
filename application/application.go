// Package application 负责组装 wshub 的全部组件并管理其启动与停止。
package application

import (
	"context"
	"net"
	"net/http"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lk2023060901/wshub-go/internal/config"
	"github.com/lk2023060901/wshub-go/internal/network/acceptor"
	"github.com/lk2023060901/wshub-go/internal/network/compressor"
	"github.com/lk2023060901/wshub-go/internal/network/dispatcher"
	"github.com/lk2023060901/wshub-go/internal/network/event"
	"github.com/lk2023060901/wshub-go/internal/network/lifecycle"
	"github.com/lk2023060901/wshub-go/internal/network/maintenance"
	"github.com/lk2023060901/wshub-go/internal/network/ratelimit"
	"github.com/lk2023060901/wshub-go/internal/network/selector"
	"github.com/lk2023060901/wshub-go/internal/network/session"
	"github.com/lk2023060901/wshub-go/internal/network/template"
	"github.com/lk2023060901/wshub-go/pkg/log"
	"github.com/lk2023060901/wshub-go/pkg/metrics"
	"github.com/lk2023060901/wshub-go/pkg/util/merr"
	"github.com/lk2023060901/wshub-go/pkg/util/retry"
)

// Option 配置 Application。
type Option func(*Application)

// WithPrincipalFunc 设置握手阶段的身份解析函数。
func WithPrincipalFunc(fn acceptor.PrincipalFunc) Option {
	return func(a *Application) {
		a.principal = fn
	}
}

// WithMetricsRegistry 使用独立的 prometheus Registry，默认使用全局 Registry。
func WithMetricsRegistry(r *prometheus.Registry) Option {
	return func(a *Application) {
		a.registerer = r
		a.gatherer = r
	}
}

// Application 是 wshub 服务的运行时容器。
//
// 使用方式：
//  1. New 创建实例；
//  2. Route 注册 WebSocket 路由，OnClose 注册关闭处理器；
//  3. Start 启动（或 Run 阻塞运行直到 ctx 结束）；
//  4. Stop 优雅停止。
type Application struct {
	log.Binder

	cfg       config.Config
	principal acceptor.PrincipalFunc

	registerer prometheus.Registerer
	gatherer   prometheus.Gatherer

	registry    *session.Registry
	managers    *event.Managers
	evaluator   *selector.CELEvaluator
	limiter     *ratelimit.Service
	coordinator *lifecycle.Coordinator
	acceptor    *acceptor.Acceptor
	template    *template.Template
	scheduler   *maintenance.Scheduler
	bindings    *dispatcher.Registry
	dispatcher  *dispatcher.Dispatcher
	zstd        *compressor.ZstdCompressor

	loggers map[string]*log.MLogger

	server   *http.Server
	listener net.Listener
	group    *errgroup.Group
	cancel   context.CancelFunc

	started  atomic.Bool
	stopOnce sync.Once
	stopErr  error
}

// New 根据配置创建 Application，此时不会监听端口。
func New(cfg config.Config, opts ...Option) (*Application, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	a := &Application{
		cfg:        cfg,
		registerer: prometheus.DefaultRegisterer,
		gatherer:   prometheus.DefaultGatherer,
		bindings:   dispatcher.NewRegistry(),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.SetLogger(log.With(log.FieldComponent("application")))

	evaluator, err := selector.NewCELEvaluator()
	if err != nil {
		return nil, err
	}
	a.evaluator = evaluator
	a.registry = session.NewRegistry()
	a.managers = event.NewDefaultManagers(cfg.Events)
	a.limiter = ratelimit.NewService()

	a.coordinator, err = lifecycle.New(a.registry, a.managers,
		lifecycle.WithStreamCapacity(cfg.Session.BufferSize),
		lifecycle.WithDrainTimeout(cfg.Session.DrainTimeout),
		lifecycle.WithRateLimiter(a.limiter),
		lifecycle.WithInboundRetry(retryOptions(cfg.InboundRetry)...),
		lifecycle.WithCloseRetry(retryOptions(cfg.CloseRetry)...),
	)
	if err != nil {
		return nil, err
	}

	var acceptorOpts []acceptor.Option
	if a.principal != nil {
		acceptorOpts = append(acceptorOpts, acceptor.WithPrincipalFunc(a.principal))
	}
	a.acceptor = acceptor.New(a.coordinator, cfg.AcceptorConfig(), acceptorOpts...)
	if cfg.Server.Compression == compressor.AlgorithmZstd {
		a.zstd, err = compressor.NewZstdCompressor()
		if err != nil {
			return nil, err
		}
		a.zstd.SetMinCompressSize(cfg.Server.CompressionMinSize)
	}
	a.template = template.New(a.registry)
	a.scheduler = maintenance.NewScheduler(cfg.Maintenance, a.registry, a.managers)
	return a, nil
}

func retryOptions(rc config.RetryConfig) []retry.Option {
	return []retry.Option{
		retry.Attempts(rc.Attempts),
		retry.Sleep(rc.Initial),
		retry.MaxSleepTime(rc.Max),
	}
}

// Route 注册 WebSocket 路由。路由默认继承配置中的心跳、限流、背压与压缩设置，opts 可覆盖。
func (a *Application) Route(pattern string, handler lifecycle.Handler, opts ...acceptor.RouteOption) error {
	defaults := []acceptor.RouteOption{
		acceptor.WithHeartbeat(a.cfg.Heartbeat),
		acceptor.WithRateLimit(a.cfg.RateLimit),
		acceptor.WithBackpressureConfig(a.cfg.Backpressure),
	}
	if a.zstd != nil {
		defaults = append(defaults, acceptor.WithCompression(a.zstd))
	}
	return a.acceptor.Route(pattern, handler, append(defaults, opts...)...)
}

// OnClose 注册一个关闭处理器，必须在 Start 之前调用。
func (a *Application) OnClose(b dispatcher.Binding) *Application {
	a.bindings.Add(b)
	return a
}

// Config 返回生效的配置。
func (a *Application) Config() config.Config {
	return a.cfg
}

func (a *Application) Registry() *session.Registry {
	return a.registry
}

func (a *Application) Managers() *event.Managers {
	return a.managers
}

// Template 返回消息推送模板。
func (a *Application) Template() *template.Template {
	return a.template
}

// Handler 返回包含 WebSocket 路由与指标路径的 http.Handler。
func (a *Application) Handler() http.Handler {
	mux := http.NewServeMux()
	if path := a.cfg.Server.MetricsPath; path != "" {
		mux.Handle(path, promhttp.HandlerFor(a.gatherer, promhttp.HandlerOpts{}))
	}
	mux.Handle("/", a.acceptor)
	return mux
}

// Addr 返回实际监听地址，Start 之前为空。
func (a *Application) Addr() string {
	if a.listener == nil {
		return ""
	}
	return a.listener.Addr().String()
}

// Start 构建关闭处理器表、启动分发器、维护任务与 HTTP 服务。只能调用一次。
//
// 关闭处理器的签名、状态码或选择器表达式非法时返回合并后的配置错误，此时不会监听端口。
func (a *Application) Start(ctx context.Context) error {
	if !a.started.CompareAndSwap(false, true) {
		return merr.WrapErrServiceInternal("application already started")
	}

	table, err := a.bindings.Build(a.evaluator)
	if err != nil {
		return err
	}
	a.dispatcher = dispatcher.New(table, a.managers, a.evaluator,
		dispatcher.WithPoolSize(a.cfg.Dispatcher.PoolSize),
		dispatcher.WithNonBlocking(a.cfg.Dispatcher.NonBlocking),
	)
	a.bindLoggers()

	metrics.Register(a.registerer)

	if err := a.dispatcher.Start(context.Background()); err != nil {
		return err
	}

	lis, err := net.Listen("tcp", a.cfg.Server.Addr)
	if err != nil {
		a.dispatcher.Stop()
		return errors.Wrapf(err, "failed to listen on %s", a.cfg.Server.Addr)
	}
	a.listener = lis
	a.server = &http.Server{Handler: a.Handler()}

	ctx, a.cancel = context.WithCancel(ctx)
	a.group, ctx = errgroup.WithContext(ctx)
	a.group.Go(func() error {
		a.scheduler.Run(ctx)
		return nil
	})
	a.group.Go(func() error {
		if err := a.server.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	a.Logger().Info("wshub started",
		zap.String("addr", a.Addr()),
		zap.Strings("routes", a.acceptor.Routes()),
		zap.Int("closeHandlers", table.Len()))
	return nil
}

// Stop 优雅停止：拒绝新连接并以 1001 关闭在线会话，等待关闭事件分发完毕后释放全部资源。幂等。
func (a *Application) Stop(ctx context.Context) error {
	if !a.started.Load() {
		return nil
	}
	a.stopOnce.Do(func() {
		a.stopErr = a.stop(ctx)
	})
	return a.stopErr
}

func (a *Application) stop(ctx context.Context) error {
	var errs []error
	if err := a.acceptor.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if a.server != nil {
		if err := a.server.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if a.cancel != nil {
		a.cancel()
	}
	if a.group != nil {
		if err := a.group.Wait(); err != nil {
			errs = append(errs, err)
		}
	}

	// 先结束事件总线，分发器消费完剩余事件后自然退出
	a.managers.Close()
	if a.dispatcher != nil {
		a.dispatcher.Stop()
	}
	a.registry.Shutdown(ctx)
	a.limiter.Clear()
	a.zstd.Close()

	err := merr.Combine(errs...)
	if err != nil {
		a.Logger().Warn("wshub stopped with error", zap.Error(err))
		return err
	}
	a.Logger().Info("wshub stopped")
	return nil
}

// Run 启动服务并阻塞直到 ctx 结束或 HTTP 服务异常退出，然后在 ShutdownTimeout 内优雅停止。
func (a *Application) Run(ctx context.Context) error {
	if err := a.Start(ctx); err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() {
		done <- a.group.Wait()
	}()

	var runErr error
	select {
	case <-ctx.Done():
		a.Logger().Info("shutdown signal received")
	case runErr = <-done:
		if runErr != nil {
			a.Logger().Error("http server exited unexpectedly", zap.Error(runErr))
		}
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()
	return merr.Combine(runErr, a.Stop(stopCtx))
}
