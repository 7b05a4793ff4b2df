package session

import (
	"sync"

	"github.com/lk2023060901/wshub-go/internal/network/broadcast"
)

// DefaultStreamBufferSize 为会话入站、出站流的默认容量。
const DefaultStreamBufferSize = broadcast.DefaultCapacity

// Streams 绑定一个会话的入站与出站流。
//
// 说明：
//   - Inbound/Outbound 每次调用都返回新的独立订阅，可被多个消费者同时读取；
//   - 两个流都开启预热缓冲，业务处理函数订阅前到达的消息不会丢失；
//   - Close 幂等，关闭后所有写入返回 EmitFailTerminated。
type Streams struct {
	session  *Session
	inbound  *broadcast.Broadcaster[Frame]
	outbound *broadcast.Broadcaster[any]

	closeOnce sync.Once
}

// NewStreams 为 sess 创建容量为 capacity 的入站、出站流。
func NewStreams(sess *Session, capacity int) *Streams {
	return NewStreamsSized(sess, capacity, capacity)
}

// NewStreamsSized 分别指定入站、出站流容量，<= 0 时使用 DefaultStreamBufferSize。
func NewStreamsSized(sess *Session, inbound, outbound int) *Streams {
	return &Streams{
		session:  sess,
		inbound:  broadcast.New[Frame](inbound, broadcast.WithWarmup(), broadcast.WithName("inbound")),
		outbound: broadcast.New[any](outbound, broadcast.WithWarmup(), broadcast.WithName("outbound")),
	}
}

func (s *Streams) Session() *Session {
	return s.session
}

// Inbound 返回入站流的一个新订阅。
func (s *Streams) Inbound() *broadcast.Subscription[Frame] {
	return s.inbound.Subscribe()
}

// Outbound 返回出站流的一个新订阅。
func (s *Streams) Outbound() *broadcast.Subscription[any] {
	return s.outbound.Subscribe()
}

// EmitInbound 将客户端消息写入入站流。
func (s *Streams) EmitInbound(frame Frame) broadcast.EmitResult {
	return s.inbound.TryEmit(frame)
}

// EmitInboundDropOldest 写入入站流，已满时丢弃最旧的一条，第二个返回值表示是否发生了丢弃。
func (s *Streams) EmitInboundDropOldest(frame Frame) (broadcast.EmitResult, bool) {
	return s.inbound.TryEmitDropOldest(frame)
}

// EmitOutbound 将待发送的消息写入出站流。
// payload 支持 Frame、[]byte、string，其它类型按 JSON 文本发送。
func (s *Streams) EmitOutbound(payload any) broadcast.EmitResult {
	return s.outbound.TryEmit(payload)
}

// EmitError 写入一条错误响应并结束出站流。
func (s *Streams) EmitError(payload any) broadcast.EmitResult {
	result := s.outbound.TryEmit(ErrorResponse{Payload: payload})
	if result.IsSuccess() {
		s.outbound.Complete()
	}
	return result
}

// Close 结束入站与出站流，幂等。
func (s *Streams) Close() {
	s.closeOnce.Do(func() {
		s.inbound.Complete()
		s.outbound.Complete()
	})
}

// Closed 判断是否已关闭。
func (s *Streams) Closed() bool {
	return s.inbound.Completed()
}

// InboundBuffered 返回入站流中尚未被所有订阅者读取的消息数。
func (s *Streams) InboundBuffered() int {
	return s.inbound.Buffered()
}

// OutboundBuffered 返回出站流中尚未写出的消息数。
func (s *Streams) OutboundBuffered() int {
	return s.outbound.Buffered()
}

// InboundCapacity 返回入站流容量。
func (s *Streams) InboundCapacity() int {
	return s.inbound.Capacity()
}

// OutboundCapacity 返回出站流容量。
func (s *Streams) OutboundCapacity() int {
	return s.outbound.Capacity()
}
