package template

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lk2023060901/wshub-go/internal/network/broadcast"
	"github.com/lk2023060901/wshub-go/internal/network/session"
	"github.com/lk2023060901/wshub-go/pkg/util/merr"
)

func register(t *testing.T, r *session.Registry, id, path string, capacity int) *session.Streams {
	t.Helper()
	s := session.NewStreams(session.New(id, path, "127.0.0.1:1"), capacity)
	r.Put(id, s)
	return s
}

func drain(t *testing.T, s *session.Streams) []any {
	t.Helper()
	sub := s.Outbound()
	defer sub.Cancel()
	var out []any
	for {
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		v, err := sub.Next(ctx)
		cancel()
		if err != nil {
			return out
		}
		out = append(out, v)
	}
}

func TestSendBroadcast(t *testing.T) {
	r := session.NewRegistry()
	a := register(t, r, "a", "/chat/{room}", 4)
	b := register(t, r, "b", "/chat/{room}", 4)
	c := register(t, r, "c", "/news", 4)
	tpl := New(r)

	assert.Equal(t, 2, tpl.SendBroadcast("/chat/{room}", "hello"))
	assert.Equal(t, 3, tpl.SendBroadcast("*", "all"))
	assert.Equal(t, 0, tpl.SendBroadcast("/missing", "x"))

	assert.Equal(t, []any{"hello", "all"}, drain(t, a))
	assert.Equal(t, []any{"hello", "all"}, drain(t, b))
	assert.Equal(t, []any{"all"}, drain(t, c))
}

func TestSendToSession(t *testing.T) {
	r := session.NewRegistry()
	a := register(t, r, "a", "/chat", 1)
	tpl := New(r)

	require.NoError(t, tpl.SendToSession("a", "one"))
	assert.ErrorIs(t, tpl.SendToSession("a", "two"), merr.ErrBufferOverflow)
	assert.ErrorIs(t, tpl.SendToSession("nobody", "x"), merr.ErrSessionNotFound)

	a.Close()
	assert.ErrorIs(t, tpl.SendToSession("a", "three"), merr.ErrStreamTerminated)
}

func TestSendToSessionsSkipsMissing(t *testing.T) {
	r := session.NewRegistry()
	register(t, r, "a", "/chat", 4)
	register(t, r, "b", "/chat", 4)
	tpl := New(r)

	assert.Equal(t, 2, tpl.SendToSessions([]string{"a", "ghost", "b"}, "hi"))
}

func TestSendErrorCompletesOutbound(t *testing.T) {
	r := session.NewRegistry()
	a := register(t, r, "a", "/chat", 4)
	tpl := New(r)

	require.NoError(t, tpl.SendError("a", "bad"))
	assert.Equal(t, broadcast.EmitFailTerminated, a.EmitOutbound("after"))
	assert.Equal(t, []any{session.ErrorResponse{Payload: "bad"}}, drain(t, a))
}

func TestBroadcastError(t *testing.T) {
	r := session.NewRegistry()
	register(t, r, "a", "/chat", 4)
	b := register(t, r, "b", "/chat", 4)
	b.Close()
	tpl := New(r)

	assert.Equal(t, 1, tpl.BroadcastError("/chat", "maintenance"))
}

func TestSendBroadcastFuncByPathParam(t *testing.T) {
	r := session.NewRegistry()
	inRoom := func(id, room string) *session.Streams {
		sess := session.New(id, "/chat/{room}", "127.0.0.1:1",
			session.WithURI("/chat/"+room),
			session.WithPathParams(map[string]string{"room": room}))
		s := session.NewStreams(sess, 4)
		r.Put(id, s)
		return s
	}
	a := inRoom("a", "lobby")
	b := inRoom("b", "lobby")
	c := inRoom("c", "garden")
	tpl := New(r)

	lobby := func(sess *session.Session) bool {
		room, _ := sess.PathParam("room")
		return room == "lobby"
	}
	assert.Equal(t, 2, tpl.SendBroadcastFunc("/chat/{room}", lobby, "hello"))
	assert.Equal(t, 3, tpl.SendBroadcastFunc("/chat/{room}", nil, "all"))
	assert.Equal(t, 0, tpl.SendBroadcast("/chat/lobby", "by-uri"))

	assert.Equal(t, []any{"hello", "all"}, drain(t, a))
	assert.Equal(t, []any{"hello", "all"}, drain(t, b))
	assert.Equal(t, []any{"all"}, drain(t, c))
	assert.Equal(t, "/chat/garden", c.Session().URI())
}
