// Package lifecycle 编排单条 WebSocket 连接从接入到关闭的完整生命周期。
package lifecycle

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/lk2023060901/wshub-go/internal/network/session"
)

// Handshake 是接入层在握手阶段采集的连接信息。
type Handshake struct {
	// RemoteAddr 为对端地址（host:port）。
	RemoteAddr string
	// URI 为请求的实际路径。
	URI string
	// Route 为匹配到的路由模板，例如 /chat/{room}。
	Route      string
	PathParams map[string]string
	Query      url.Values
	Header     http.Header
	// Principal 为握手阶段解析出的身份，为 nil 时视为匿名。
	Principal session.Principal
}

// Connection 是接入层需要为每条连接提供的最小能力集合。
//
// 约定：
//   - Receive 阻塞读取下一条消息；对端发送关闭帧时返回 *PeerCloseError，
//     其余读取失败（网络中断等）返回普通错误；
//   - Send 写出一条消息，实现需保证并发安全；
//   - Close 以给定状态发送关闭帧并释放底层连接，必须幂等。
type Connection interface {
	Handshake() Handshake
	IsOpen() bool
	Receive(ctx context.Context) (session.Frame, error)
	Send(ctx context.Context, frame session.Frame) error
	Close(status session.CloseStatus) error
}

// PeerCloseError 表示对端主动发送了关闭帧。
type PeerCloseError struct {
	Status session.CloseStatus
}

func (e *PeerCloseError) Error() string {
	return fmt.Sprintf("peer closed connection: %s", e.Status)
}

// Handler 是业务处理逻辑。
//
// Serve 在会话进入 ACTIVE 后被调用：从 streams.Inbound() 读取客户端消息，
// 通过 streams.EmitOutbound 写出响应。返回即表示业务结束：
//   - 返回 nil：服务端以 1000 关闭会话；
//   - 返回错误或 panic：服务端以 1011 关闭会话。
//
// 会话因其它原因关闭时 ctx 会被取消，入站订阅随之结束。
// log.Ctx(ctx) 返回的日志自带 sessionID 与 path 字段。
type Handler interface {
	Serve(ctx context.Context, sctx *session.Context, streams *session.Streams) error
}

// HandlerFunc 允许普通函数作为 Handler 使用。
type HandlerFunc func(ctx context.Context, sctx *session.Context, streams *session.Streams) error

func (f HandlerFunc) Serve(ctx context.Context, sctx *session.Context, streams *session.Streams) error {
	return f(ctx, sctx, streams)
}
