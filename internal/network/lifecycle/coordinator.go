package lifecycle

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lk2023060901/wshub-go/internal/network"
	"github.com/lk2023060901/wshub-go/internal/network/broadcast"
	"github.com/lk2023060901/wshub-go/internal/network/event"
	"github.com/lk2023060901/wshub-go/internal/network/ratelimit"
	"github.com/lk2023060901/wshub-go/internal/network/session"
	"github.com/lk2023060901/wshub-go/pkg/log"
	"github.com/lk2023060901/wshub-go/pkg/metrics"
	"github.com/lk2023060901/wshub-go/pkg/util/merr"
	"github.com/lk2023060901/wshub-go/pkg/util/retry"
)

// Coordinator 负责每条连接的生命周期编排。
//
// 状态机：ACCEPTED -> ACTIVE -> CLOSING -> CLOSED。
//
// 关闭触发源（先到先得，其余为空操作）：
//   - 对端关闭帧：CLIENT + 对端状态码；
//   - Session.Close(status)：SERVER + status；
//   - 读写失败：SERVER + 1006；
//   - Handler 返回 nil：SERVER + 1000；返回错误或 panic：SERVER + 1011；
//   - ctx 取消：SERVER + 1001。
//
// 收尾只执行一次，依次为：从注册表移除、关闭会话流、发布一次关闭事件、关闭底层连接。
type Coordinator struct {
	log.Binder

	registry     *session.Registry
	connected    *event.Bus[*event.SessionConnectedEvent]
	clientClosed *event.Bus[*event.ClientSessionClosedEvent]
	serverClosed *event.Bus[*event.ServerSessionClosedEvent]
	opts         options

	active atomic.Int64
}

// New 创建 Coordinator。managers 必须包含连接、客户端关闭、服务端关闭三条总线。
func New(registry *session.Registry, managers *event.Managers, opts ...Option) (*Coordinator, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	connected, err := event.Get[*event.SessionConnectedEvent](managers)
	if err != nil {
		return nil, err
	}
	clientClosed, err := event.Get[*event.ClientSessionClosedEvent](managers)
	if err != nil {
		return nil, err
	}
	serverClosed, err := event.Get[*event.ServerSessionClosedEvent](managers)
	if err != nil {
		return nil, err
	}

	c := &Coordinator{
		registry:     registry,
		connected:    connected,
		clientClosed: clientClosed,
		serverClosed: serverClosed,
		opts:         o,
	}
	c.SetLogger(log.With(log.FieldComponent("lifecycle-coordinator")))
	return c, nil
}

// Active 返回正在处理中的连接数量。
func (c *Coordinator) Active() int64 {
	return c.active.Load()
}

// Handle 处理一条已完成握手的连接，直到连接进入 CLOSED 才返回。
//
// 返回值为业务 Handler 的错误（已记录日志），其它关闭原因返回 nil。
func (c *Coordinator) Handle(ctx context.Context, conn Connection, handler Handler, opts ...HandleOption) error {
	var ho handleOptions
	for _, opt := range opts {
		opt(&ho)
	}

	c.active.Inc()
	defer c.active.Dec()

	l := c.newConnLifecycle(conn, ho)
	defer l.ensureClosed()

	l.activate()

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	l.writerDone = make(chan struct{})
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		l.readLoop(gctx)
		return nil
	})
	g.Go(func() error {
		l.writeLoop(gctx)
		return nil
	})
	g.Go(func() error {
		l.handlerErr = l.serve(gctx, handler)
		return nil
	})
	g.Go(func() error {
		select {
		case <-l.closing:
		case <-gctx.Done():
			l.trigger(session.InitiatorServer, session.StatusGoingAway)
		}
		l.teardown()
		cancelRun()
		return nil
	})
	_ = g.Wait()
	return l.handlerErr
}

// connLifecycle 保存单条连接的运行状态。
type connLifecycle struct {
	c         *Coordinator
	conn      Connection
	sess      *session.Session
	streams   *session.Streams
	sctx      *session.Context
	rateLimit    ratelimit.Config
	backpressure BackpressureConfig
	identity     string
	logger       *log.MLogger

	state        atomic.Int32
	closing      chan struct{}
	closeInfo    *session.CloseInfo
	teardownOnce sync.Once
	writerDone   chan struct{}
	handlerErr   error
}

func (c *Coordinator) newConnLifecycle(conn Connection, ho handleOptions) *connLifecycle {
	hs := conn.Handshake()
	id := c.opts.idGenerator()

	l := &connLifecycle{
		c:         c,
		conn:      conn,
		rateLimit:    ho.rateLimit,
		backpressure: ho.backpressure,
		closing:      make(chan struct{}),
	}
	l.state.Store(int32(StateAccepted))

	principal := hs.Principal
	if principal == nil {
		principal = session.Anonymous
	}
	l.sess = session.New(id, hs.Route, hs.RemoteAddr,
		session.WithURI(hs.URI),
		session.WithPathParams(hs.PathParams),
		session.WithOpenFunc(func() bool {
			return l.State() == StateActive && conn.IsOpen()
		}),
		session.WithCloseFunc(func(status session.CloseStatus) error {
			l.trigger(session.InitiatorServer, status)
			return nil
		}),
	)
	inboundCapacity := c.opts.streamCapacity
	if l.backpressure.Enabled && l.backpressure.BufferSize > 0 {
		inboundCapacity = l.backpressure.BufferSize
	}
	l.streams = session.NewStreamsSized(l.sess, inboundCapacity, c.opts.streamCapacity)
	l.sctx = &session.Context{
		SessionID:  id,
		Path:       hs.URI,
		RemoteAddr: hs.RemoteAddr,
		PathParams: hs.PathParams,
		Query:      hs.Query,
		Header:     hs.Header,
		Principal:  principal,
	}
	if c.opts.limiter != nil && l.rateLimit.Enabled {
		l.identity = l.rateLimit.Identity(l.sctx)
	}
	l.logger = c.Logger().With(log.FieldSessionID(id), log.FieldPath(hs.Route))
	return l
}

func (l *connLifecycle) State() State {
	return State(l.state.Load())
}

// activate 进入 ACTIVE 后注册会话并发布连接事件。
//
// 先切换状态再注册，注册表中可见的会话 IsOpen 总是反映真实连接状态。
func (l *connLifecycle) activate() {
	if !l.state.CompareAndSwap(int32(StateAccepted), int32(StateActive)) {
		return
	}
	l.c.registry.Put(l.sess.ID(), l.streams)
	metrics.SessionsConnected.WithLabelValues(l.sess.Path()).Inc()

	result := l.c.connected.Fire(event.NewSessionConnectedEvent(l.sess))
	l.logFireResult(l.c.connected.Name(), result)

	l.logger.Info("session connected",
		zap.String("remoteAddr", l.sess.RemoteAddr()),
		zap.String("principal", l.sctx.PrincipalName()))
}

// trigger 记录关闭原因并进入 CLOSING，只有第一次调用生效。
func (l *connLifecycle) trigger(initiator session.CloseInitiator, status session.CloseStatus) bool {
	for {
		cur := l.state.Load()
		if cur != int32(StateAccepted) && cur != int32(StateActive) {
			return false
		}
		if l.state.CompareAndSwap(cur, int32(StateClosing)) {
			l.closeInfo = session.NewCloseInfo(l.sess, status, initiator)
			close(l.closing)
			return true
		}
	}
}

// ensureClosed 保证任何退出路径上都完成收尾。
func (l *connLifecycle) ensureClosed() {
	if l.trigger(session.InitiatorServer, session.StatusServerError) {
		l.logger.Warn("session left without close trigger, forcing teardown")
	}
	l.teardown()
}

func (l *connLifecycle) teardown() {
	l.teardownOnce.Do(func() {
		<-l.closing
		info := l.closeInfo

		if !l.c.registry.RemoveStreams(l.sess.ID(), l.streams) {
			l.logger.Debug("session entry already removed or replaced")
		}
		l.streams.Close()
		l.awaitWriter()

		l.fireClosed(info)

		if err := l.conn.Close(info.Status()); err != nil {
			l.logger.Debug("failed to close connection", zap.Error(err))
		}
		if l.identity != "" && l.rateLimit.Scope == ratelimit.ScopeSession {
			l.c.opts.limiter.Forget(l.sess.Path(), l.identity)
		}

		l.state.Store(int32(StateClosed))
		metrics.SessionsClosed.WithLabelValues(info.Initiator().String(), strconv.Itoa(info.Code())).Inc()
		l.logger.Info("session closed",
			log.FieldInitiator(info.Initiator().String()),
			log.FieldCloseCode(info.Code()),
			zap.String("reason", info.Status().Reason),
			zap.Duration("duration", time.Since(l.sess.CreatedAt())))
	})
}

// awaitWriter 等待出站流中剩余消息写完。
func (l *connLifecycle) awaitWriter() {
	if l.writerDone == nil {
		return
	}
	timer := time.NewTimer(l.c.opts.drainTimeout)
	defer timer.Stop()
	select {
	case <-l.writerDone:
	case <-timer.C:
		l.logger.Warn("outbound stream not drained before close",
			zap.Int("buffered", l.streams.OutboundBuffered()),
			zap.Duration("timeout", l.c.opts.drainTimeout))
	}
}

// fireClosed 发布关闭事件，总线溢出时按 closeRetry 重试。
func (l *connLifecycle) fireClosed(info *session.CloseInfo) {
	var (
		busName string
		size    int
		fire    func() broadcast.EmitResult
	)
	if info.IsClientInitiated() {
		e := event.NewClientSessionClosedEvent(info)
		busName, size = l.c.clientClosed.Name(), l.c.clientClosed.Size()
		fire = func() broadcast.EmitResult { return l.c.clientClosed.Fire(e) }
	} else {
		e := event.NewServerSessionClosedEvent(info)
		busName, size = l.c.serverClosed.Name(), l.c.serverClosed.Size()
		fire = func() broadcast.EmitResult { return l.c.serverClosed.Fire(e) }
	}

	result := fire()
	if result == broadcast.EmitFailOverflow {
		err := retry.Do(context.Background(), func() error {
			result = fire()
			if result == broadcast.EmitFailOverflow {
				return result.Err(busName, size)
			}
			return nil
		}, l.c.opts.closeRetry...)
		if err != nil {
			l.logger.Error("close event lost after retries",
				log.FieldBus(busName),
				zap.Stringer("stage", network.StageClose),
				zap.String("errCode", network.ErrCodeCloseEventLost),
				zap.Error(err))
			return
		}
	}
	l.logFireResult(busName, result)
}

func (l *connLifecycle) logFireResult(bus string, result broadcast.EmitResult) {
	switch result {
	case broadcast.EmitOK:
	case broadcast.EmitFailZeroSubscriber:
		l.logger.Debug("event fired with no subscriber", log.FieldBus(bus))
	default:
		l.logger.RatedWarn(1, "failed to fire event",
			log.FieldBus(bus),
			zap.Stringer("result", result),
			zap.Error(merr.WrapErrEventFireFailed(bus, result.String())))
	}
}

// readLoop 读取客户端消息并写入入站流，直到连接关闭。
func (l *connLifecycle) readLoop(ctx context.Context) {
	for {
		frame, err := l.conn.Receive(ctx)
		if err != nil {
			var peer *PeerCloseError
			switch {
			case errors.As(err, &peer):
				l.trigger(session.InitiatorClient, peer.Status)
			case l.State() != StateActive || ctx.Err() != nil:
			default:
				l.logger.Debug("connection read failed", zap.Error(err))
				l.trigger(session.InitiatorServer, session.StatusNoCloseFrame.WithReason(truncateReason(err.Error())))
			}
			return
		}
		if frame.IsControl() {
			continue
		}
		l.pushInbound(ctx, frame)
	}
}

func (l *connLifecycle) pushInbound(ctx context.Context, frame session.Frame) {
	if l.identity != "" && !l.c.opts.limiter.Allow(ctx, l.sess.Path(), l.rateLimit, l.identity) {
		metrics.InboundRateLimited.WithLabelValues(l.sess.Path()).Inc()
		l.logger.RatedWarn(1, "inbound frame dropped by rate limiter",
			zap.Stringer("stage", network.StageInbound),
			zap.String("identity", l.identity))
		return
	}

	strategy := l.backpressure.strategy()
	if strategy == BackpressureDropOldest {
		result, evicted := l.streams.EmitInboundDropOldest(frame)
		if evicted {
			l.dropped(strategy, broadcast.EmitFailOverflow)
		}
		if result.IsFailure() && result != broadcast.EmitFailTerminated {
			l.dropped(strategy, result)
		}
		return
	}

	result := l.streams.EmitInbound(frame)
	if result == broadcast.EmitFailOverflow && strategy == BackpressureBuffer {
		_ = retry.Do(ctx, func() error {
			result = l.streams.EmitInbound(frame)
			if result == broadcast.EmitFailOverflow {
				return result.Err("inbound", l.streams.InboundCapacity())
			}
			return nil
		}, l.c.opts.inboundRetry...)
	}
	if result.IsSuccess() || result == broadcast.EmitFailTerminated {
		return
	}
	l.dropped(strategy, result)
	if strategy == BackpressureError && result == broadcast.EmitFailOverflow {
		l.logger.Warn("inbound backpressure overflow, closing session",
			zap.Stringer("stage", network.StageInbound),
			zap.Int("capacity", l.streams.InboundCapacity()))
		l.trigger(session.InitiatorServer, statusBackpressureOverflow)
	}
}

func (l *connLifecycle) dropped(strategy BackpressureStrategy, result broadcast.EmitResult) {
	metrics.StreamEmitFailures.WithLabelValues("inbound", result.String()).Inc()
	l.logger.RatedWarn(1, "inbound frame dropped",
		zap.Stringer("stage", network.StageInbound),
		zap.String("errCode", network.ErrCodeInboundDropped),
		zap.String("strategy", string(strategy)),
		zap.Stringer("result", result),
		zap.Int("buffered", l.streams.InboundBuffered()))
}

// writeLoop 把出站流中的消息写回连接，出站流结束后退出。
func (l *connLifecycle) writeLoop(ctx context.Context) {
	defer close(l.writerDone)

	sub := l.streams.Outbound()
	defer sub.Cancel()
	for {
		payload, err := sub.Next(ctx)
		if err != nil {
			if errors.Is(err, broadcast.ErrStreamCompleted) {
				// EmitError 结束出站流后正常关闭会话
				l.trigger(session.InitiatorServer, session.StatusNormal)
			}
			return
		}

		frame, err := l.c.opts.encoder(payload)
		if err != nil {
			metrics.StreamEmitFailures.WithLabelValues("outbound", "ENCODE_FAILED").Inc()
			l.logger.RatedWarn(1, "failed to encode outbound payload",
				zap.Stringer("stage", network.StageOutbound),
				zap.String("errCode", network.ErrCodeOutboundFailed),
				zap.Error(err))
			continue
		}
		if err := l.conn.Send(ctx, frame); err != nil {
			if l.State() == StateActive {
				l.logger.Warn("failed to write outbound frame",
					zap.Stringer("stage", network.StageOutbound),
					zap.String("errCode", network.ErrCodeOutboundFailed),
					zap.Error(merr.WrapErrTransportWrite(l.sess.ID(), err)))
			}
			l.trigger(session.InitiatorServer, session.StatusNoCloseFrame)
			return
		}
	}
}

// serve 执行业务 Handler，返回后按结果关闭会话。
// ctx 已取消说明关闭由其它触发源发起，此时不再以 Handler 的结果关闭。
func (l *connLifecycle) serve(ctx context.Context, handler Handler) (err error) {
	status := session.StatusNormal
	defer func() {
		if x := recover(); x != nil {
			err = merr.WrapErrHandlerPanic(l.sess.Path(), x)
			l.logger.Error("session handler panicked",
				zap.Stringer("stage", network.StageHandler),
				zap.String("errCode", network.ErrCodeHandlerFailed),
				zap.Any("panic", x),
				zap.Stack("stack"))
			status = session.StatusServerError
		}
		if ctx.Err() == nil {
			l.trigger(session.InitiatorServer, status)
		}
	}()

	hctx := log.WithFields(ctx, log.FieldSessionID(l.sess.ID()), log.FieldPath(l.sess.Path()))
	err = handler.Serve(hctx, l.sctx, l.streams)
	if err == nil || (ctx.Err() != nil && errors.Is(err, context.Canceled)) {
		return nil
	}
	l.logger.Warn("session handler returned error",
		zap.Stringer("stage", network.StageHandler),
		zap.String("errCode", network.ErrCodeHandlerFailed),
		zap.Error(err))
	status = session.StatusServerError.WithReason(truncateReason(err.Error()))
	return merr.WrapErrHandlerInvoke(l.sess.Path(), err)
}

// 关闭帧的 reason 最长 123 字节。
const maxReasonBytes = 123

func truncateReason(reason string) string {
	if len(reason) <= maxReasonBytes {
		return reason
	}
	cut := maxReasonBytes
	for cut > 0 && !isRuneStart(reason[cut]) {
		cut--
	}
	return reason[:cut]
}

func isRuneStart(b byte) bool {
	return b&0xC0 != 0x80
}
