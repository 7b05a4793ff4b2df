package application

import (
	"context"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"go.uber.org/atomic"

	"github.com/lk2023060901/wshub-go/internal/config"
	"github.com/lk2023060901/wshub-go/internal/network/dispatcher"
	"github.com/lk2023060901/wshub-go/internal/network/lifecycle"
	"github.com/lk2023060901/wshub-go/internal/network/session"
	"github.com/lk2023060901/wshub-go/pkg/util/merr"
)

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Server.Addr = "127.0.0.1:0"
	cfg.Server.ShutdownTimeout = 3 * time.Second
	cfg.Maintenance.CleanupEnabled = false
	return cfg
}

func echoHandler() lifecycle.Handler {
	return lifecycle.HandlerFunc(func(ctx context.Context, _ *session.Context, streams *session.Streams) error {
		sub := streams.Inbound()
		defer sub.Cancel()
		return sub.Range(ctx, func(f session.Frame) bool {
			streams.EmitOutbound(f)
			return true
		})
	})
}

type ApplicationSuite struct {
	suite.Suite

	app      *Application
	closes   chan *session.CloseInfo
	wildcard atomic.Int32
}

func (s *ApplicationSuite) SetupTest() {
	app, err := New(testConfig())
	s.Require().NoError(err)
	s.closes = make(chan *session.CloseInfo, 8)
	s.wildcard.Store(0)

	s.Require().NoError(app.Route("/echo/{room}", echoHandler()))
	app.OnClose(dispatcher.Binding{
		Name:     "client-goodbye",
		Codes:    []int{4000},
		Selector: "initiator == 'CLIENT'",
		Handler: func(info *session.CloseInfo) {
			s.closes <- info
		},
	}).OnClose(dispatcher.Binding{
		Name:    "audit",
		Handler: func() { s.wildcard.Inc() },
	})
	s.Require().NoError(app.Start(context.Background()))
	s.app = app
}

func (s *ApplicationSuite) TearDownTest() {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	s.NoError(s.app.Stop(ctx))
}

func (s *ApplicationSuite) dial(path string) *websocket.Conn {
	conn, resp, err := websocket.DefaultDialer.Dial("ws://"+s.app.Addr()+path, nil)
	s.Require().NoError(err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	return conn
}

func (s *ApplicationSuite) TestEchoAndCloseHandler() {
	conn := s.dial("/echo/lobby")
	defer conn.Close()

	s.Require().NoError(conn.WriteMessage(websocket.TextMessage, []byte("ping")))
	_, msg, err := conn.ReadMessage()
	s.Require().NoError(err)
	s.Equal("ping", string(msg))

	s.Eventually(func() bool {
		return s.app.Registry().CountByPath("/echo/**") == 1
	}, time.Second, 10*time.Millisecond)

	s.Require().NoError(conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(4000, "bye"), time.Now().Add(time.Second)))

	select {
	case info := <-s.closes:
		s.Equal(4000, info.Code())
		s.Equal("/echo/{room}", info.Session().Path())
	case <-time.After(3 * time.Second):
		s.FailNow("close handler not invoked")
	}
	s.Eventually(func() bool { return s.wildcard.Load() == 1 }, time.Second, 10*time.Millisecond)
	s.Eventually(func() bool { return s.app.Registry().Count() == 0 }, time.Second, 10*time.Millisecond)
}

func (s *ApplicationSuite) TestTemplateBroadcast() {
	a := s.dial("/echo/a")
	defer a.Close()
	b := s.dial("/echo/b")
	defer b.Close()

	s.Eventually(func() bool { return s.app.Registry().Count() == 2 }, time.Second, 10*time.Millisecond)
	s.Equal(2, s.app.Template().SendBroadcast("/echo/*", "notice"))

	for _, conn := range []*websocket.Conn{a, b} {
		_, msg, err := conn.ReadMessage()
		s.Require().NoError(err)
		s.Equal("notice", string(msg))
	}
}

func (s *ApplicationSuite) TestMetricsEndpoint() {
	resp, err := http.Get("http://" + s.app.Addr() + "/metrics")
	s.Require().NoError(err)
	defer resp.Body.Close()
	s.Equal(http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	s.Require().NoError(err)
	s.Contains(string(body), "wshub_")
}

func (s *ApplicationSuite) TestStopClosesSessionsWithGoingAway() {
	conn := s.dial("/echo/a")
	defer conn.Close()
	s.Eventually(func() bool { return s.app.Registry().Count() == 1 }, time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	s.Require().NoError(s.app.Stop(ctx))

	_, _, err := conn.ReadMessage()
	var ce *websocket.CloseError
	s.Require().True(errors.As(err, &ce), "unexpected error %v", err)
	s.Equal(1001, ce.Code)
	s.Equal(0, s.app.Registry().Count())
}

func TestApplication(t *testing.T) {
	suite.Run(t, new(ApplicationSuite))
}

func TestStartRejectsInvalidBindings(t *testing.T) {
	app, err := New(testConfig())
	require.NoError(t, err)
	app.OnClose(dispatcher.Binding{Name: "bad-code", Codes: []int{999}, Handler: func() {}}).
		OnClose(dispatcher.Binding{Name: "bad-selector", Selector: "code ==", Handler: func() {}}).
		OnClose(dispatcher.Binding{Name: "bad-signature", Handler: func(int) {}})

	err = app.Start(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, merr.ErrCloseCodeOutOfRange))
	assert.True(t, errors.Is(err, merr.ErrHandlerSignature))
	assert.Empty(t, app.Addr())
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Dispatcher.PoolSize = 0
	_, err := New(cfg)
	assert.True(t, errors.Is(err, merr.ErrConfigInvalid))
}

func TestStartTwice(t *testing.T) {
	app, err := New(testConfig())
	require.NoError(t, err)
	require.NoError(t, app.Start(context.Background()))
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		assert.NoError(t, app.Stop(ctx))
	}()
	assert.Error(t, app.Start(context.Background()))
}

func TestRunStopsOnContextCancel(t *testing.T) {
	app, err := New(testConfig())
	require.NoError(t, err)
	require.NoError(t, app.Route("/echo", echoHandler()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()

	require.Eventually(t, func() bool { return app.Addr() != "" }, time.Second, 10*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
}

func TestModuleLoggerFallback(t *testing.T) {
	app, err := New(testConfig())
	require.NoError(t, err)
	assert.NotNil(t, app.ModuleLogger("unknown"))
}
