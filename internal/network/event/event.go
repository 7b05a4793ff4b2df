// Package event 定义会话生命周期事件以及按事件类型索引的事件总线。
package event

import (
	"time"

	"github.com/lk2023060901/wshub-go/internal/network/session"
)

// Event 是携带类型化负载的生命周期事件。
type Event[P any] interface {
	Payload() P
	Timestamp() time.Time
}

// SessionConnectedEvent 在会话注册完成、进入 ACTIVE 时发布。
type SessionConnectedEvent struct {
	session *session.Session
	ts      time.Time
}

// 确保 SessionConnectedEvent 实现了 Event 接口。
var _ Event[*session.Session] = (*SessionConnectedEvent)(nil)

func NewSessionConnectedEvent(sess *session.Session) *SessionConnectedEvent {
	return &SessionConnectedEvent{session: sess, ts: time.Now()}
}

func (e *SessionConnectedEvent) Payload() *session.Session {
	return e.session
}

func (e *SessionConnectedEvent) Timestamp() time.Time {
	return e.ts
}

// ClientSessionClosedEvent 在客户端发起的关闭完成收尾后发布。
type ClientSessionClosedEvent struct {
	info *session.CloseInfo
	ts   time.Time
}

// 确保 ClientSessionClosedEvent 实现了 Event 接口。
var _ Event[*session.CloseInfo] = (*ClientSessionClosedEvent)(nil)

func NewClientSessionClosedEvent(info *session.CloseInfo) *ClientSessionClosedEvent {
	return &ClientSessionClosedEvent{info: info, ts: time.Now()}
}

func (e *ClientSessionClosedEvent) Payload() *session.CloseInfo {
	return e.info
}

func (e *ClientSessionClosedEvent) Timestamp() time.Time {
	return e.ts
}

// ServerSessionClosedEvent 在服务端发起（含传输层异常）的关闭完成收尾后发布。
type ServerSessionClosedEvent struct {
	info *session.CloseInfo
	ts   time.Time
}

// 确保 ServerSessionClosedEvent 实现了 Event 接口。
var _ Event[*session.CloseInfo] = (*ServerSessionClosedEvent)(nil)

func NewServerSessionClosedEvent(info *session.CloseInfo) *ServerSessionClosedEvent {
	return &ServerSessionClosedEvent{info: info, ts: time.Now()}
}

func (e *ServerSessionClosedEvent) Payload() *session.CloseInfo {
	return e.info
}

func (e *ServerSessionClosedEvent) Timestamp() time.Time {
	return e.ts
}

// NewClosedEvent 根据关闭发起方构造对应的关闭事件。
func NewClosedEvent(info *session.CloseInfo) Event[*session.CloseInfo] {
	if info.IsClientInitiated() {
		return NewClientSessionClosedEvent(info)
	}
	return NewServerSessionClosedEvent(info)
}
