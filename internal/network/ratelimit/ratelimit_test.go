package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lk2023060901/wshub-go/internal/network/session"
	"github.com/lk2023060901/wshub-go/pkg/util/merr"
)

func TestParseScope(t *testing.T) {
	for in, want := range map[string]Scope{"": ScopeSession, "session": ScopeSession, "User": ScopeUser, "IP": ScopeIP} {
		got, err := ParseScope(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseScope("tenant")
	assert.ErrorIs(t, err, merr.ErrConfigInvalid)
}

func TestValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())

	cfg := DefaultConfig()
	cfg.Enabled = true
	assert.NoError(t, cfg.Validate())

	bad := cfg
	bad.Limit = 0
	assert.ErrorIs(t, bad.Validate(), merr.ErrConfigInvalid)

	bad = cfg
	bad.Period = 0
	assert.ErrorIs(t, bad.Validate(), merr.ErrConfigInvalid)

	bad = cfg
	bad.Scope = "nope"
	assert.ErrorIs(t, bad.Validate(), merr.ErrConfigInvalid)
}

func TestIdentity(t *testing.T) {
	sctx := &session.Context{SessionID: "s1", RemoteAddr: "10.0.0.1:5555", Principal: session.NamedPrincipal("alice")}
	anon := &session.Context{SessionID: "s2", RemoteAddr: "[::1]:80", Principal: session.Anonymous}

	cfg := DefaultConfig()
	assert.Equal(t, "session:s1", cfg.Identity(sctx))

	cfg.Scope = ScopeUser
	assert.Equal(t, "user:alice", cfg.Identity(sctx))
	assert.Equal(t, "session:s2", cfg.Identity(anon))

	cfg.Scope = ScopeIP
	assert.Equal(t, "ip:10.0.0.1", cfg.Identity(sctx))
	assert.Equal(t, "ip:::1", cfg.Identity(anon))
}

func TestAllow(t *testing.T) {
	s := NewService()
	ctx := context.Background()

	assert.True(t, s.Allow(ctx, "/chat", DefaultConfig(), "x"))
	assert.Equal(t, 0, s.Len())

	cfg := Config{Enabled: true, Limit: 3, Period: time.Hour, Scope: ScopeSession}
	for i := 0; i < 3; i++ {
		assert.True(t, s.Allow(ctx, "/chat", cfg, "a"))
	}
	assert.False(t, s.Allow(ctx, "/chat", cfg, "a"))
	assert.True(t, s.Allow(ctx, "/chat", cfg, "b"))
	assert.True(t, s.Allow(ctx, "/other", cfg, "a"))
	assert.Equal(t, 3, s.Len())

	s.Forget("/chat", "a")
	assert.True(t, s.Allow(ctx, "/chat", cfg, "a"))

	s.Clear()
	assert.Equal(t, 0, s.Len())
}

func TestAllowWaitsWithinTimeout(t *testing.T) {
	s := NewService()
	cfg := Config{Enabled: true, Limit: 1, Period: 20 * time.Millisecond, Timeout: 200 * time.Millisecond}
	assert.True(t, s.Allow(context.Background(), "/chat", cfg, "a"))
	assert.True(t, s.Allow(context.Background(), "/chat", cfg, "a"))

	cfg.Timeout = time.Millisecond
	cfg.Period = time.Hour
	assert.True(t, s.Allow(context.Background(), "/slow", cfg, "a"))
	assert.False(t, s.Allow(context.Background(), "/slow", cfg, "a"))
}

func TestLimiterRebuiltOnConfigChange(t *testing.T) {
	s := NewService()
	cfg := Config{Enabled: true, Limit: 1, Period: time.Hour}
	first := s.Limiter("/chat", cfg, "a")
	assert.Same(t, first, s.Limiter("/chat", cfg, "a"))
	cfg.Limit = 2
	assert.NotSame(t, first, s.Limiter("/chat", cfg, "a"))
}
