package event

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

func TestDefaultManagers(t *testing.T) {
	m := NewDefaultManagers(DefaultConfig())
	defer m.Close()

	connected, err := Get[*SessionConnectedEvent](m)
	require.NoError(t, err)
	assert.Equal(t, SmallQueueSize, connected.Size())
	assert.Equal(t, BusSessionConnected, connected.Name())

	clientClosed := MustGet[*ClientSessionClosedEvent](m)
	assert.Equal(t, MediumQueueSize, clientClosed.Size())
	serverClosed := MustGet[*ServerSessionClosedEvent](m)
	assert.Equal(t, MediumQueueSize, serverClosed.Size())

	_, err = Get[string](m)
	assert.ErrorIs(t, err, merr.ErrEventBusNotFound)
	assert.Panics(t, func() { MustGet[int](m) })
}

func TestDuplicateRegistration(t *testing.T) {
	b := NewBuilder()
	Register(b, NewBus[*SessionConnectedEvent]("a", 4))
	Register(b, NewBus[*SessionConnectedEvent]("b", 4))
	_, err := b.Build()
	assert.ErrorIs(t, err, merr.ErrConfigInvalid)
}

func TestBusMulticastWithoutReplay(t *testing.T) {
	bus := NewBus[*SessionConnectedEvent]("connected", 8)
	sess := session.New("s1", "/chat", "")

	assert.Equal(t, broadcast.EmitFailZeroSubscriber, bus.Fire(NewSessionConnectedEvent(sess)))

	l1 := bus.Listen()
	l2 := bus.Listen()
	require.Equal(t, broadcast.EmitOK, bus.Fire(NewSessionConnectedEvent(sess)))
	late := bus.Listen()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	e1, err := l1.Next(ctx)
	require.NoError(t, err)
	e2, err := l2.Next(ctx)
	require.NoError(t, err)
	assert.Same(t, e1, e2)
	assert.Equal(t, "s1", e1.Payload().ID())
	assert.False(t, e1.Timestamp().IsZero())

	short, cancelShort := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancelShort()
	_, err = late.Next(short)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNewClosedEvent(t *testing.T) {
	sess := session.New("s1", "/chat", "")
	clientEvt := NewClosedEvent(session.NewCloseInfo(sess, session.StatusGoingAway, session.InitiatorClient))
	_, ok := clientEvt.(*ClientSessionClosedEvent)
	assert.True(t, ok)

	serverEvt := NewClosedEvent(session.NewCloseInfo(sess, session.StatusNormal, session.InitiatorServer))
	_, ok = serverEvt.(*ServerSessionClosedEvent)
	assert.True(t, ok)
	assert.Equal(t, 1000, serverEvt.Payload().Code())
}

func TestManagersStatsAndClose(t *testing.T) {
	m := NewDefaultManagers(Config{ConnectedQueueSize: 2, ClosedQueueSize: 2})
	bus := MustGet[*ServerSessionClosedEvent](m)
	sub := bus.Listen()
	sess := session.New("s1", "/chat", "")
	bus.Fire(NewServerSessionClosedEvent(session.NewCloseInfo(sess, session.StatusNormal, session.InitiatorServer)))

	stats := m.Stats()
	require.Len(t, stats, 3)
	assert.Equal(t, BusServerSessionClosed, stats[1].Name)
	assert.Equal(t, 1, stats[1].Buffered)
	assert.Equal(t, 1, stats[1].Subscribers)

	m.Close()
	m.Close()
	_, err := sub.Next(context.Background())
	require.NoError(t, err)
	_, err = sub.Next(context.Background())
	assert.ErrorIs(t, err, broadcast.ErrStreamCompleted)
}
