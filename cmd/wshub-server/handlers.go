package main

import (
	"context"

	"go.uber.org/zap"

	"github.com/lk2023060901/wshub-go/application"
	"github.com/lk2023060901/wshub-go/internal/network/dispatcher"
	"github.com/lk2023060901/wshub-go/internal/network/lifecycle"
	"github.com/lk2023060901/wshub-go/internal/network/session"
	"github.com/lk2023060901/wshub-go/internal/network/template"
	"github.com/lk2023060901/wshub-go/pkg/log"
)

// chatMessage 是 /chat/{room} 路由广播的消息。
type chatMessage struct {
	Room string `json:"room"`
	From string `json:"from"`
	Text string `json:"text"`
}

const (
	echoRoute = "/echo"
	chatRoute = "/chat/{room}"
)

func registerRoutes(app *application.Application) error {
	if err := app.Route(echoRoute, lifecycle.HandlerFunc(echo)); err != nil {
		return err
	}
	return app.Route(chatRoute, chatHandler(app.Template()))
}

// echo 将收到的消息原样写回。
func echo(ctx context.Context, _ *session.Context, streams *session.Streams) error {
	sub := streams.Inbound()
	defer sub.Cancel()
	return sub.Range(ctx, func(f session.Frame) bool {
		streams.EmitOutbound(f)
		return true
	})
}

// chatHandler 将文本消息广播给同一 room 内的全部会话，包括发送者自己。
func chatHandler(tpl *template.Template) lifecycle.Handler {
	return lifecycle.HandlerFunc(func(ctx context.Context, sctx *session.Context, streams *session.Streams) error {
		room, _ := sctx.PathParam("room")
		sameRoom := func(sess *session.Session) bool {
			r, _ := sess.PathParam("room")
			return r == room
		}
		sub := streams.Inbound()
		defer sub.Cancel()
		return sub.Range(ctx, func(f session.Frame) bool {
			if f.Type != session.FrameText {
				return true
			}
			n := tpl.SendBroadcastFunc(chatRoute, sameRoom, chatMessage{Room: room, From: sctx.PrincipalName(), Text: f.Text()})
			log.Ctx(ctx).Debug("chat message broadcast", zap.String("room", room), zap.Int("delivered", n))
			return true
		})
	})
}

func registerCloseHandlers(app *application.Application) {
	logger := app.ModuleLogger("close-handlers")
	app.OnClose(dispatcher.Binding{
		Name:     "normal-closure",
		Statuses: []session.CloseStatus{session.StatusNormal, session.StatusGoingAway},
		Handler: func(info *session.CloseInfo) {
			logger.Info("session closed normally",
				log.FieldSessionID(info.Session().ID()),
				log.FieldPath(info.Session().Path()),
				log.FieldCloseCode(info.Code()),
				log.FieldInitiator(info.Initiator().String()))
		},
	}).OnClose(dispatcher.Binding{
		Name:     "abnormal-closure",
		Statuses: []session.CloseStatus{session.StatusNoCloseFrame, session.StatusServerError},
		Handler: func(info *session.CloseInfo) {
			logger.Warn("session closed abnormally",
				log.FieldSessionID(info.Session().ID()),
				log.FieldPath(info.Session().Path()),
				zap.Stringer("status", info.Status()))
		},
	}).OnClose(dispatcher.Binding{
		Name:     "chat-leave",
		Selector: "session.path.matches('^/chat/') and initiator eq 'CLIENT'",
		Handler: func(info *session.CloseInfo) {
			logger.Debug("chat participant left", log.FieldSessionID(info.Session().ID()))
		},
	})
}
