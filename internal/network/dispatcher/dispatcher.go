package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/lk2023060901/wshub-go/internal/network"
	"github.com/lk2023060901/wshub-go/internal/network/broadcast"
	"github.com/lk2023060901/wshub-go/internal/network/event"
	"github.com/lk2023060901/wshub-go/internal/network/selector"
	"github.com/lk2023060901/wshub-go/internal/network/session"
	"github.com/lk2023060901/wshub-go/pkg/log"
	"github.com/lk2023060901/wshub-go/pkg/metrics"
	"github.com/lk2023060901/wshub-go/pkg/util/conc"
	"github.com/lk2023060901/wshub-go/pkg/util/merr"
)

// DefaultPoolSize 为关闭回调协程池的默认容量。
const DefaultPoolSize = 32

type options struct {
	poolSize    int
	nonBlocking bool
}

// Option 配置 Dispatcher。
type Option func(*options)

// WithPoolSize 设置回调协程池容量，小于等于 0 时使用默认值。
func WithPoolSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.poolSize = n
		}
	}
}

// WithNonBlocking 设置协程池满时是否直接丢弃事件（记录错误），默认阻塞等待空闲 worker。
func WithNonBlocking(v bool) Option {
	return func(o *options) {
		o.nonBlocking = v
	}
}

// Dispatcher 订阅客户端/服务端关闭事件，并在独立协程池上执行匹配的关闭回调。
//
// 说明：
//   - 每个事件先执行绑定到具体关闭码的回调，再执行绑定到 ALL 的回调，不去重；
//   - 过滤表达式求值失败、回调返回错误或 panic 只影响当前回调，不影响其他回调；
//   - 回调执行不会阻塞触发事件的连接收尾流程。
type Dispatcher struct {
	log.Binder

	table     *HandlerTable
	managers  *event.Managers
	evaluator selector.Evaluator
	opts      options

	pool     *conc.Pool[struct{}]
	inflight sync.WaitGroup
	cancel   context.CancelFunc
	loops    []*conc.Future[struct{}]
	started  atomic.Bool
	stopped  atomic.Bool
	stopMu   sync.Mutex
}

// New 创建 Dispatcher。evaluator 为 nil 时，带过滤表达式的回调一律跳过。
func New(table *HandlerTable, managers *event.Managers, evaluator selector.Evaluator, opts ...Option) *Dispatcher {
	o := options{poolSize: DefaultPoolSize}
	for _, opt := range opts {
		opt(&o)
	}
	d := &Dispatcher{
		table:     table,
		managers:  managers,
		evaluator: evaluator,
		opts:      o,
	}
	d.SetLogger(log.With(log.FieldComponent("close-dispatcher")))
	return d
}

// Start 订阅关闭事件总线并启动分发循环，只能调用一次。
func (d *Dispatcher) Start(ctx context.Context) error {
	if !d.started.CompareAndSwap(false, true) {
		return merr.WrapErrServiceInternal("close dispatcher already started")
	}

	clientBus, err := event.Get[*event.ClientSessionClosedEvent](d.managers)
	if err != nil {
		return err
	}
	serverBus, err := event.Get[*event.ServerSessionClosedEvent](d.managers)
	if err != nil {
		return err
	}

	d.pool = conc.NewPool[struct{}](d.opts.poolSize,
		conc.WithNonBlocking(d.opts.nonBlocking),
		conc.WithPanicHandler(func(v any) {
			d.Logger().Error("close dispatcher worker panicked", zap.Any("panic", v))
		}),
	)

	// 订阅在 Start 返回前完成，之后发布的事件不会丢失
	clientSub := clientBus.Listen()
	serverSub := serverBus.Listen()

	ctx, d.cancel = context.WithCancel(ctx)
	d.loops = []*conc.Future[struct{}]{
		conc.Go(func() (struct{}, error) {
			return struct{}{}, consume(ctx, d, clientBus.Name(), clientSub)
		}),
		conc.Go(func() (struct{}, error) {
			return struct{}{}, consume(ctx, d, serverBus.Name(), serverSub)
		}),
	}

	d.Logger().Info("close dispatcher started",
		zap.Int("handlers", d.table.Len()),
		zap.Int("poolSize", d.opts.poolSize))
	return nil
}

// consume 读取一条关闭总线直到总线结束或 ctx 取消。
func consume[E event.Event[*session.CloseInfo]](ctx context.Context, d *Dispatcher, bus string, sub *broadcast.Subscription[E]) error {
	defer sub.Cancel()
	err := sub.Range(ctx, func(e E) bool {
		d.submit(bus, e.Payload())
		return true
	})
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, broadcast.ErrSubscriptionCanceled) {
		d.Logger().Warn("close event subscription ended unexpectedly", log.FieldBus(bus), zap.Error(err))
		return err
	}
	return nil
}

func (d *Dispatcher) submit(bus string, info *session.CloseInfo) {
	d.inflight.Add(1)
	executed := atomic.NewBool(false)
	future := d.pool.Submit(func() (struct{}, error) {
		executed.Store(true)
		defer d.inflight.Done()
		d.Dispatch(info)
		return struct{}{}, nil
	})
	// 非阻塞模式下池满会立即失败，任务不会执行
	if !executed.Load() && future.Done() && future.Err() != nil {
		d.inflight.Done()
		d.Logger().RatedWarn(1, "close event dropped, dispatcher pool rejected task",
			log.FieldBus(bus),
			log.FieldSessionID(info.Session().ID()),
			log.FieldCloseCode(info.Code()),
			zap.Stringer("stage", network.StageDispatch),
			zap.String("errCode", network.ErrCodeDispatchFailed),
			zap.Error(future.Err()))
	}
}

// Dispatch 在当前协程同步执行 info 匹配的全部回调，返回实际调用的回调数量。
func (d *Dispatcher) Dispatch(info *session.CloseInfo) int {
	invoked := 0
	for _, h := range d.table.Lookup(info.Code()) {
		if d.invoke(h, info) {
			invoked++
		}
	}
	if info.Code() != session.CodeAll {
		for _, h := range d.table.Lookup(session.CodeAll) {
			if d.invoke(h, info) {
				invoked++
			}
		}
	}
	return invoked
}

// invoke 执行单个回调，返回回调是否被调用。
func (d *Dispatcher) invoke(h *Handler, info *session.CloseInfo) (called bool) {
	logger := d.Logger().With(
		log.FieldHandler(h.name),
		log.FieldSessionID(info.Session().ID()),
		log.FieldCloseCode(info.Code()),
		log.FieldInitiator(info.Initiator().String()))

	if h.selector != "" {
		if d.evaluator == nil {
			metrics.CloseHandlerInvocations.WithLabelValues(h.name, metrics.OutcomeFilterError).Inc()
			logger.Error("close handler has a selector but no evaluator is configured", zap.String("selector", h.selector))
			return false
		}
		ok, err := d.evaluator.Evaluate(h.selector, info)
		if err != nil {
			metrics.CloseHandlerInvocations.WithLabelValues(h.name, metrics.OutcomeFilterError).Inc()
			logger.Error("failed to evaluate close handler selector",
				zap.String("selector", h.selector),
				zap.Stringer("stage", network.StageDispatch),
				zap.Error(err))
			return false
		}
		if !ok {
			metrics.CloseHandlerInvocations.WithLabelValues(h.name, metrics.OutcomeSkipped).Inc()
			return false
		}
	}

	start := time.Now()
	defer func() {
		metrics.CloseHandlerLatency.WithLabelValues(h.name).Observe(float64(time.Since(start).Microseconds()) / 1000)
		if x := recover(); x != nil {
			metrics.CloseHandlerInvocations.WithLabelValues(h.name, metrics.OutcomePanic).Inc()
			logger.Error("close handler panicked",
				zap.Stringer("stage", network.StageHandler),
				zap.String("errCode", network.ErrCodeHandlerFailed),
				zap.Error(merr.WrapErrHandlerPanic(h.name, x)),
				zap.Stack("stack"))
			called = true
		}
	}()

	if err := h.invoke(info); err != nil {
		metrics.CloseHandlerInvocations.WithLabelValues(h.name, metrics.OutcomeError).Inc()
		logger.Error("close handler returned error",
			zap.Stringer("stage", network.StageHandler),
			zap.String("errCode", network.ErrCodeHandlerFailed),
			zap.Error(merr.WrapErrHandlerInvoke(h.name, err)))
		return true
	}
	metrics.CloseHandlerInvocations.WithLabelValues(h.name, metrics.OutcomeSuccess).Inc()
	return true
}

// Stop 停止订阅，等待已提交的回调执行完毕后释放协程池。幂等。
func (d *Dispatcher) Stop() {
	d.stopMu.Lock()
	defer d.stopMu.Unlock()
	if !d.started.Load() || !d.stopped.CompareAndSwap(false, true) {
		return
	}
	if d.cancel != nil {
		d.cancel()
	}
	if err := conc.AwaitAll(d.loops...); err != nil {
		d.Logger().Warn("close dispatcher loop exited with error", zap.Error(err))
	}
	d.inflight.Wait()
	if d.pool != nil {
		d.pool.Release()
	}
	d.Logger().Info("close dispatcher stopped")
}

// String 便于日志输出。
func (d *Dispatcher) String() string {
	return fmt.Sprintf("Dispatcher{handlers=%d, poolSize=%d}", d.table.Len(), d.opts.poolSize)
}
