package lifecycle

import (
	"time"

	"github.com/google/uuid"

	"github.com/lk2023060901/wshub-go/internal/network/ratelimit"
	"github.com/lk2023060901/wshub-go/internal/network/session"
	"github.com/lk2023060901/wshub-go/pkg/util/retry"
)

type options struct {
	idGenerator    func() string
	streamCapacity int
	encoder        Encoder
	limiter        *ratelimit.Service
	inboundRetry   []retry.Option
	closeRetry     []retry.Option
	drainTimeout   time.Duration
}

func defaultOptions() options {
	return options{
		idGenerator:    uuid.NewString,
		streamCapacity: session.DefaultStreamBufferSize,
		encoder:        DefaultEncoder,
		inboundRetry: []retry.Option{
			retry.Attempts(3),
			retry.Sleep(5 * time.Millisecond),
			retry.MaxSleepTime(50 * time.Millisecond),
		},
		closeRetry: []retry.Option{
			retry.Attempts(5),
			retry.Sleep(10 * time.Millisecond),
			retry.MaxSleepTime(200 * time.Millisecond),
		},
		drainTimeout: time.Second,
	}
}

// Option 配置 Coordinator。
type Option func(*options)

// WithIDGenerator 设置会话 ID 生成函数，默认使用 UUID。
func WithIDGenerator(fn func() string) Option {
	return func(o *options) {
		if fn != nil {
			o.idGenerator = fn
		}
	}
}

// WithStreamCapacity 设置每个会话入站、出站流的容量。
func WithStreamCapacity(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.streamCapacity = n
		}
	}
}

// WithEncoder 设置出站消息编码函数。
func WithEncoder(enc Encoder) Option {
	return func(o *options) {
		if enc != nil {
			o.encoder = enc
		}
	}
}

// WithRateLimiter 设置入站限流服务，路由级配置通过 WithRouteRateLimit 传入。
func WithRateLimiter(s *ratelimit.Service) Option {
	return func(o *options) {
		o.limiter = s
	}
}

// WithInboundRetry 设置入站流溢出时的重试策略。
func WithInboundRetry(opts ...retry.Option) Option {
	return func(o *options) {
		o.inboundRetry = opts
	}
}

// WithCloseRetry 设置关闭事件总线溢出时的重试策略。
func WithCloseRetry(opts ...retry.Option) Option {
	return func(o *options) {
		o.closeRetry = opts
	}
}

// WithDrainTimeout 设置关闭时等待出站流写完的最长时间。
func WithDrainTimeout(d time.Duration) Option {
	return func(o *options) {
		o.drainTimeout = d
	}
}

type handleOptions struct {
	rateLimit    ratelimit.Config
	backpressure BackpressureConfig
}

// HandleOption 配置单次 Handle 调用。
type HandleOption func(*handleOptions)

// WithRouteRateLimit 设置当前路由的入站限流配置。
func WithRouteRateLimit(cfg ratelimit.Config) HandleOption {
	return func(o *handleOptions) {
		o.rateLimit = cfg
	}
}

// WithRouteBackpressure 设置当前路由的入站背压策略与缓冲大小。
func WithRouteBackpressure(cfg BackpressureConfig) HandleOption {
	return func(o *handleOptions) {
		o.backpressure = cfg
	}
}
