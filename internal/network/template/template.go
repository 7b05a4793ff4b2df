// Package template 提供面向业务代码的消息推送入口。
package template

import (
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/lk2023060901/wshub-go/internal/network/broadcast"
	"github.com/lk2023060901/wshub-go/internal/network/session"
	"github.com/lk2023060901/wshub-go/pkg/log"
	"github.com/lk2023060901/wshub-go/pkg/metrics"
	"github.com/lk2023060901/wshub-go/pkg/util/merr"
)

// Template 基于会话注册表向一个或多个会话的出站流写入消息。
//
// 写入不阻塞；出站流已满或已关闭时记录告警并返回失败，不做重试。
type Template struct {
	log.Binder

	registry *session.Registry
}

// New 创建 Template。
func New(registry *session.Registry) *Template {
	t := &Template{registry: registry}
	t.SetLogger(log.With(log.FieldComponent("ws-template")))
	return t
}

// SendBroadcast 向匹配 pathPattern 的全部会话写入 payload，返回成功写入的会话数。
//
// pathPattern 可以是路由模板本身（如 /chat/{room}），也可以是 glob（如 /chat/*）或 "*"。
func (t *Template) SendBroadcast(pathPattern string, payload any) int {
	return t.broadcast(pathPattern, nil, func(s *session.Streams) broadcast.EmitResult {
		return s.EmitOutbound(payload)
	})
}

// SendBroadcastFunc 向匹配 pathPattern 且 filter 返回 true 的会话写入 payload，返回成功写入的会话数。
//
// 常用于按路径变量分组，例如只发给 /chat/{room} 下 room 相同的会话。filter 为 nil 时等同 SendBroadcast。
func (t *Template) SendBroadcastFunc(pathPattern string, filter func(*session.Session) bool, payload any) int {
	return t.broadcast(pathPattern, filter, func(s *session.Streams) broadcast.EmitResult {
		return s.EmitOutbound(payload)
	})
}

// BroadcastError 向匹配 pathPattern 的全部会话写入错误响应，写入后这些会话随即关闭。
func (t *Template) BroadcastError(pathPattern string, payload any) int {
	return t.broadcast(pathPattern, nil, func(s *session.Streams) broadcast.EmitResult {
		return s.EmitError(payload)
	})
}

func (t *Template) broadcast(pathPattern string, filter func(*session.Session) bool, emit func(*session.Streams) broadcast.EmitResult) int {
	targets := t.registry.AllSessions(pathPattern)
	if filter != nil {
		targets = lo.Filter(targets, func(s *session.Streams, _ int) bool {
			return filter(s.Session())
		})
	}
	delivered := 0
	for _, streams := range targets {
		result := emit(streams)
		if result.IsSuccess() {
			delivered++
			continue
		}
		metrics.StreamEmitFailures.WithLabelValues("outbound", result.String()).Inc()
		t.Logger().RatedWarn(1, "failed to broadcast to session",
			log.FieldSessionID(streams.Session().ID()),
			log.FieldPath(pathPattern),
			zap.Stringer("result", result))
	}
	t.Logger().Debug("broadcast completed",
		log.FieldPath(pathPattern),
		zap.Int("sessions", len(targets)),
		zap.Int("delivered", delivered))
	return delivered
}

// SendToSession 向指定会话写入 payload。
//
// 返回：
//   - merr.ErrSessionNotFound：会话不存在；
//   - merr.ErrBufferOverflow：出站流已满；
//   - merr.ErrStreamTerminated：会话正在关闭。
func (t *Template) SendToSession(sessionID string, payload any) error {
	return t.send(sessionID, func(s *session.Streams) broadcast.EmitResult {
		return s.EmitOutbound(payload)
	})
}

// SendError 向指定会话写入错误响应，写入后会话随即关闭。
func (t *Template) SendError(sessionID string, payload any) error {
	return t.send(sessionID, func(s *session.Streams) broadcast.EmitResult {
		return s.EmitError(payload)
	})
}

func (t *Template) send(sessionID string, emit func(*session.Streams) broadcast.EmitResult) error {
	streams, ok := t.registry.Get(sessionID)
	if !ok {
		return merr.WrapErrSessionNotFound(sessionID)
	}
	result := emit(streams)
	if err := result.Err("outbound", streams.OutboundCapacity()); err != nil {
		metrics.StreamEmitFailures.WithLabelValues("outbound", result.String()).Inc()
		t.Logger().Warn("failed to send message to session",
			log.FieldSessionID(sessionID),
			zap.Stringer("result", result))
		return err
	}
	return nil
}

// SendToSessions 向多个会话写入 payload，不存在的会话被跳过，返回成功写入的会话数。
func (t *Template) SendToSessions(sessionIDs []string, payload any) int {
	delivered := 0
	for _, id := range sessionIDs {
		err := t.SendToSession(id, payload)
		switch {
		case err == nil:
			delivered++
		case merr.Code(err) == merr.Code(merr.ErrSessionNotFound):
			t.Logger().Debug("skipping non-existent session", log.FieldSessionID(id))
		}
	}
	return delivered
}
