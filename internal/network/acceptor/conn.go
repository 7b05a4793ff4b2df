package acceptor

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gorilla/websocket"
	"go.uber.org/atomic"

	"github.com/lk2023060901/wshub-go/internal/network/compressor"
	"github.com/lk2023060901/wshub-go/internal/network/lifecycle"
	"github.com/lk2023060901/wshub-go/internal/network/session"
	"github.com/lk2023060901/wshub-go/pkg/util/conc"
	"github.com/lk2023060901/wshub-go/pkg/util/merr"
)

const closeWriteTimeout = time.Second

// wsConnection 将 *websocket.Conn 适配为 lifecycle.Connection。
//
// 说明：
//   - 读操作只在 Coordinator 的读协程中进行；
//   - 写操作由 Coordinator 的写协程串行调用，ping 与关闭帧通过 WriteControl 发送，可与普通写并发；
//   - 对端关闭帧由 gorilla 默认的 CloseHandler 回显，Receive 返回 *lifecycle.PeerCloseError。
type wsConnection struct {
	conn       *websocket.Conn
	hs         lifecycle.Handshake
	cfg        Config
	heartbeat  HeartbeatConfig
	compressor compressor.Compressor

	writeMu sync.Mutex
	closed  atomic.Bool
	done    chan struct{}
}

// 确保 wsConnection 实现了 lifecycle.Connection 接口。
var _ lifecycle.Connection = (*wsConnection)(nil)

func newWSConnection(conn *websocket.Conn, hs lifecycle.Handshake, cfg Config, ro routeOptions) *wsConnection {
	heartbeat := ro.heartbeat
	c := &wsConnection{
		conn:       conn,
		hs:         hs,
		cfg:        cfg,
		heartbeat:  heartbeat,
		compressor: ro.compressor,
		done:       make(chan struct{}),
	}
	if cfg.ReadLimit > 0 {
		conn.SetReadLimit(cfg.ReadLimit)
	}
	if heartbeat.Enabled {
		_ = conn.SetReadDeadline(time.Now().Add(heartbeat.Timeout))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(heartbeat.Timeout))
		})
		conc.Go(func() (struct{}, error) {
			c.pingLoop()
			return struct{}{}, nil
		})
	}
	return c
}

func (c *wsConnection) Handshake() lifecycle.Handshake {
	return c.hs
}

func (c *wsConnection) IsOpen() bool {
	return !c.closed.Load()
}

// Receive 实现 lifecycle.Connection.Receive。
func (c *wsConnection) Receive(ctx context.Context) (session.Frame, error) {
	for {
		if err := ctx.Err(); err != nil {
			return session.Frame{}, err
		}
		mt, data, err := c.conn.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				return session.Frame{}, &lifecycle.PeerCloseError{Status: session.NewCloseStatus(ce.Code, ce.Text)}
			}
			return session.Frame{}, err
		}
		if c.heartbeat.Enabled {
			_ = c.conn.SetReadDeadline(time.Now().Add(c.heartbeat.Timeout))
		}
		switch mt {
		case websocket.TextMessage:
			return session.Frame{Type: session.FrameText, Data: data}, nil
		case websocket.BinaryMessage:
			plain, err := c.compressor.Decompress(nil, data)
			if err != nil {
				return session.Frame{}, errors.Wrap(err, "decompress inbound frame")
			}
			return session.BinaryFrame(plain), nil
		}
	}
}

// Send 实现 lifecycle.Connection.Send。
func (c *wsConnection) Send(_ context.Context, frame session.Frame) error {
	if c.closed.Load() {
		return merr.ErrTransportClosed
	}
	deadline := time.Time{}
	if c.cfg.WriteTimeout > 0 {
		deadline = time.Now().Add(c.cfg.WriteTimeout)
	}
	switch frame.Type {
	case session.FramePing:
		return c.conn.WriteControl(websocket.PingMessage, frame.Data, deadline)
	case session.FramePong:
		return c.conn.WriteControl(websocket.PongMessage, frame.Data, deadline)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	if frame.Type != session.FrameBinary {
		return c.conn.WriteMessage(websocket.TextMessage, frame.Data)
	}
	packet, err := c.compressor.Compress(nil, frame.Data)
	if err != nil {
		return errors.Wrap(err, "compress outbound frame")
	}
	return c.conn.WriteMessage(websocket.BinaryMessage, packet)
}

// Close 实现 lifecycle.Connection.Close。1005/1006/1015 不允许出现在关闭帧中，此时直接断开。
func (c *wsConnection) Close(status session.CloseStatus) error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(c.done)
	switch status.Code {
	case session.StatusNoStatusCode.Code, session.StatusNoCloseFrame.Code, session.StatusTLSHandshakeFailure.Code:
	default:
		msg := websocket.FormatCloseMessage(status.Code, status.Reason)
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWriteTimeout))
	}
	return c.conn.Close()
}

func (c *wsConnection) pingLoop() {
	ticker := time.NewTicker(c.heartbeat.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(closeWriteTimeout)); err != nil {
				return
			}
		}
	}
}
