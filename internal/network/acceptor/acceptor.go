// Package acceptor 是基于 gorilla/websocket 的接入层，
// 负责路由匹配、WebSocket 升级，并把连接交给 lifecycle.Coordinator。
package acceptor

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/lk2023060901/wshub-go/internal/network"
	"github.com/lk2023060901/wshub-go/internal/network/compressor"
	"github.com/lk2023060901/wshub-go/internal/network/lifecycle"
	"github.com/lk2023060901/wshub-go/internal/network/ratelimit"
	"github.com/lk2023060901/wshub-go/internal/network/session"
	"github.com/lk2023060901/wshub-go/pkg/log"
	"github.com/lk2023060901/wshub-go/pkg/util/merr"
	"github.com/lk2023060901/wshub-go/pkg/util/typeutil"
)

// Config 描述接入层的连接参数。
//
// 说明：
//   - ReadBufferSize/WriteBufferSize 为 gorilla/websocket 的 I/O 缓冲大小；
//   - WriteTimeout 控制单次写出的超时时间（为 0 表示不设置 deadline）；
//   - ReadLimit 为单条消息的最大字节数（为 0 表示不限制）。
type Config struct {
	ReadBufferSize  int           `mapstructure:"readBufferSize"`
	WriteBufferSize int           `mapstructure:"writeBufferSize"`
	WriteTimeout    time.Duration `mapstructure:"writeTimeout"`
	ReadLimit       int64         `mapstructure:"readLimit"`

	// CheckOrigin 为 nil 时允许任意来源。
	CheckOrigin func(r *http.Request) bool `mapstructure:"-"`
}

// DefaultConfig 返回默认配置。
func DefaultConfig() Config {
	return Config{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		WriteTimeout:    10 * time.Second,
		ReadLimit:       1 << 20,
	}
}

// HeartbeatConfig 为服务端心跳配置：每隔 Interval 发送一次 ping，
// Timeout 内没有收到任何消息（含 pong）则视为连接中断。
type HeartbeatConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// DefaultHeartbeatConfig 返回默认心跳配置：未启用，间隔 30s，超时 60s。
func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		Enabled:  false,
		Interval: 30 * time.Second,
		Timeout:  60 * time.Second,
	}
}

// PrincipalFunc 在升级前解析调用方身份，返回错误时拒绝握手（401）。
type PrincipalFunc func(r *http.Request) (session.Principal, error)

type routeOptions struct {
	heartbeat    HeartbeatConfig
	rateLimit    ratelimit.Config
	backpressure lifecycle.BackpressureConfig
	compressor   compressor.Compressor
}

// RouteOption 配置单条路由。
type RouteOption func(*routeOptions)

// WithHeartbeat 为路由开启服务端心跳。
func WithHeartbeat(cfg HeartbeatConfig) RouteOption {
	return func(o *routeOptions) {
		o.heartbeat = cfg
	}
}

// WithRateLimit 为路由开启入站限流。
func WithRateLimit(cfg ratelimit.Config) RouteOption {
	return func(o *routeOptions) {
		o.rateLimit = cfg
	}
}

// WithBackpressure 为路由开启入站背压：入站缓冲为 size 条，已满时按 strategy 处理。
func WithBackpressure(strategy lifecycle.BackpressureStrategy, size int) RouteOption {
	return func(o *routeOptions) {
		o.backpressure = lifecycle.BackpressureConfig{
			Enabled:    true,
			Strategy:   strategy,
			BufferSize: size,
		}
	}
}

// WithBackpressureConfig 与 WithBackpressure 相同，配置来自配置文件。
func WithBackpressureConfig(cfg lifecycle.BackpressureConfig) RouteOption {
	return func(o *routeOptions) {
		o.backpressure = cfg
	}
}

// WithCompression 为路由开启二进制消息压缩：出站二进制消息经 c 压缩，入站二进制消息经 c 解压。
// 文本消息不受影响。
func WithCompression(c compressor.Compressor) RouteOption {
	return func(o *routeOptions) {
		o.compressor = c
	}
}

type route struct {
	pattern string
	params  []string
	handler lifecycle.Handler
	opts    routeOptions
}

// Option 配置 Acceptor。
type Option func(*Acceptor)

// WithPrincipalFunc 设置身份解析函数，默认所有连接均为匿名。
func WithPrincipalFunc(fn PrincipalFunc) Option {
	return func(a *Acceptor) {
		a.principal = fn
	}
}

// Acceptor 实现 http.Handler，按路由模板接入 WebSocket 连接。
//
// 路由模板使用 net/http.ServeMux 的语法，例如 /chat/{room}；
// 模板本身即为会话的 Path，可直接用于 Registry.AllSessions 与广播。
type Acceptor struct {
	log.Binder

	cfg         Config
	coordinator *lifecycle.Coordinator
	upgrader    websocket.Upgrader
	principal   PrincipalFunc

	mu     sync.RWMutex
	mux    *http.ServeMux
	routes typeutil.Set[string]

	baseCtx context.Context
	cancel  context.CancelFunc
	conns   sync.WaitGroup
	closed  atomic.Bool
}

// New 创建 Acceptor。
func New(coordinator *lifecycle.Coordinator, cfg Config, opts ...Option) *Acceptor {
	ctx, cancel := context.WithCancel(context.Background())
	a := &Acceptor{
		cfg:         cfg,
		coordinator: coordinator,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  cfg.ReadBufferSize,
			WriteBufferSize: cfg.WriteBufferSize,
			CheckOrigin:     cfg.CheckOrigin,
		},
		mux:     http.NewServeMux(),
		routes:  typeutil.NewSet[string](),
		baseCtx: ctx,
		cancel:  cancel,
	}
	if a.upgrader.CheckOrigin == nil {
		a.upgrader.CheckOrigin = func(*http.Request) bool { return true }
	}
	for _, opt := range opts {
		opt(a)
	}
	a.SetLogger(log.With(log.FieldComponent("ws-acceptor")))
	return a
}

var paramPattern = regexp.MustCompile(`\{([A-Za-z_][A-Za-z0-9_]*)(\.\.\.)?\}`)

// Route 注册一条路由。
//
// 返回：
//   - merr.ErrDuplicateRoute：模板已注册；
//   - merr.ErrConfigInvalid：模板非法或与已有路由冲突、handler 为 nil。
func (a *Acceptor) Route(pattern string, handler lifecycle.Handler, opts ...RouteOption) (err error) {
	if handler == nil {
		return merr.WrapErrConfigInvalid("handler", pattern, "route handler is nil")
	}
	if !strings.HasPrefix(pattern, "/") {
		return merr.WrapErrConfigInvalid("route", pattern, "route must start with '/'")
	}
	ro := routeOptions{
		heartbeat:    DefaultHeartbeatConfig(),
		rateLimit:    ratelimit.DefaultConfig(),
		backpressure: lifecycle.DefaultBackpressureConfig(),
		compressor:   compressor.NopCompressor{},
	}
	for _, opt := range opts {
		opt(&ro)
	}
	if ro.compressor == nil {
		ro.compressor = compressor.NopCompressor{}
	}
	if err := ro.rateLimit.Validate(); err != nil {
		return err
	}
	if err := ro.backpressure.Validate(); err != nil {
		return err
	}
	if ro.heartbeat.Enabled && (ro.heartbeat.Interval <= 0 || ro.heartbeat.Timeout <= ro.heartbeat.Interval) {
		return merr.WrapErrConfigInvalid("heartbeat", fmt.Sprintf("%s/%s", ro.heartbeat.Interval, ro.heartbeat.Timeout),
			"interval must be positive and shorter than timeout")
	}

	rt := &route{pattern: pattern, handler: handler, opts: ro}
	for _, m := range paramPattern.FindAllStringSubmatch(pattern, -1) {
		rt.params = append(rt.params, m[1])
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.routes.Contain(pattern) {
		return merr.WrapErrDuplicateRoute(pattern)
	}
	// ServeMux 对冲突或非法的模式直接 panic
	defer func() {
		if x := recover(); x != nil {
			err = merr.WrapErrConfigInvalid("route", pattern, fmt.Sprint(x))
		}
	}()
	a.mux.Handle(http.MethodGet+" "+pattern, a.serveRoute(rt))
	a.routes.Insert(pattern)

	a.Logger().Info("websocket route registered",
		log.FieldPath(pattern),
		zap.Bool("heartbeat", ro.heartbeat.Enabled),
		zap.Bool("rateLimit", ro.rateLimit.Enabled),
		zap.Bool("backpressure", ro.backpressure.Enabled),
		zap.String("compressor", fmt.Sprintf("%T", ro.compressor)))
	return nil
}

// Routes 返回已注册的路由模板，按字典序排列。
func (a *Acceptor) Routes() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return typeutil.Sorted(a.routes)
}

// ServeHTTP 实现 http.Handler。
func (a *Acceptor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.mu.RLock()
	mux := a.mux
	a.mu.RUnlock()
	mux.ServeHTTP(w, r)
}

func (a *Acceptor) serveRoute(rt *route) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if a.closed.Load() {
			http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
			return
		}

		var principal session.Principal = session.Anonymous
		if a.principal != nil {
			p, err := a.principal(r)
			if err != nil {
				a.Logger().RatedWarn(1, "websocket handshake rejected",
					log.FieldPath(rt.pattern),
					zap.String("remoteAddr", r.RemoteAddr),
					zap.Stringer("stage", network.StageHandshake),
					zap.Error(err))
				http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
				return
			}
			if p != nil {
				principal = p
			}
		}

		ws, err := a.upgrader.Upgrade(w, r, nil)
		if err != nil {
			// Upgrade 失败时已向客户端写出错误响应
			a.Logger().RatedWarn(1, "websocket upgrade failed",
				zap.Stringer("stage", network.StageHandshake),
				zap.String("errCode", network.ErrCodeHandshakeFailed),
				zap.Error(merr.WrapErrUpgradeFailed(rt.pattern, err)))
			return
		}

		params := make(map[string]string, len(rt.params))
		for _, name := range rt.params {
			params[name] = r.PathValue(name)
		}
		hs := lifecycle.Handshake{
			RemoteAddr: r.RemoteAddr,
			URI:        r.URL.Path,
			Route:      rt.pattern,
			PathParams: params,
			Query:      r.URL.Query(),
			Header:     r.Header.Clone(),
			Principal:  principal,
		}
		conn := newWSConnection(ws, hs, a.cfg, rt.opts)

		a.conns.Add(1)
		defer a.conns.Done()
		if err := a.coordinator.Handle(a.baseCtx, conn, rt.handler,
			lifecycle.WithRouteRateLimit(rt.opts.rateLimit),
			lifecycle.WithRouteBackpressure(rt.opts.backpressure)); err != nil {
			a.Logger().Debug("websocket session ended with handler error", log.FieldPath(rt.pattern), zap.Error(err))
		}
	}
}

// Shutdown 拒绝新的连接，以 1001 关闭全部在线连接并等待收尾完成。
func (a *Acceptor) Shutdown(ctx context.Context) error {
	if !a.closed.CompareAndSwap(false, true) {
		return nil
	}
	a.cancel()

	done := make(chan struct{})
	go func() {
		a.conns.Wait()
		close(done)
	}()
	select {
	case <-done:
		a.Logger().Info("websocket acceptor shut down")
		return nil
	case <-ctx.Done():
		return merr.WrapErrServiceInternal("websocket acceptor shutdown timed out", ctx.Err().Error())
	}
}
