// Package ratelimit 为入站消息提供按路由和身份划分的令牌桶限流。
package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/lk2023060901/wshub-go/internal/network/session"
	"github.com/lk2023060901/wshub-go/pkg/log"
	"github.com/lk2023060901/wshub-go/pkg/util/merr"
)

// Scope 决定限流桶按什么维度划分。
type Scope string

const (
	ScopeSession Scope = "SESSION"
	ScopeUser    Scope = "USER"
	ScopeIP      Scope = "IP"
)

// ParseScope 解析限流维度，大小写不敏感，空字符串视为 SESSION。
func ParseScope(s string) (Scope, error) {
	switch Scope(strings.ToUpper(strings.TrimSpace(s))) {
	case "", ScopeSession:
		return ScopeSession, nil
	case ScopeUser:
		return ScopeUser, nil
	case ScopeIP:
		return ScopeIP, nil
	default:
		return "", merr.WrapErrConfigInvalid("ratelimit.scope", s, "expected SESSION, USER or IP")
	}
}

// Config 是单条路由的限流配置。
//
// 每个 Period 最多放行 Limit 条消息；Timeout 大于 0 时，
// 令牌不足的消息最多等待 Timeout，超时仍未获得令牌则被丢弃。
type Config struct {
	Enabled bool          `mapstructure:"enabled"`
	Limit   int           `mapstructure:"limit"`
	Period  time.Duration `mapstructure:"period"`
	Timeout time.Duration `mapstructure:"timeout"`
	Scope   Scope         `mapstructure:"scope"`
}

// DefaultConfig 返回默认配置：未启用，每秒 10 条，等待 25ms，按会话限流。
func DefaultConfig() Config {
	return Config{
		Enabled: false,
		Limit:   10,
		Period:  time.Second,
		Timeout: 25 * time.Millisecond,
		Scope:   ScopeSession,
	}
}

// Validate 校验配置，未启用时总是通过。
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.Limit <= 0 {
		return merr.WrapErrConfigInvalid("ratelimit.limit", c.Limit, "must be positive")
	}
	if c.Period <= 0 {
		return merr.WrapErrConfigInvalid("ratelimit.period", c.Period, "must be positive")
	}
	if c.Timeout < 0 {
		return merr.WrapErrConfigInvalid("ratelimit.timeout", c.Timeout, "must not be negative")
	}
	if _, err := ParseScope(string(c.Scope)); err != nil {
		return err
	}
	return nil
}

// Identity 根据 Scope 从请求上下文中取出限流身份。
// USER 维度下匿名用户退化为按会话限流。
func (c Config) Identity(sctx *session.Context) string {
	switch c.Scope {
	case ScopeUser:
		if sctx.Principal != nil && sctx.Principal != session.Anonymous {
			return "user:" + sctx.Principal.Name()
		}
	case ScopeIP:
		return "ip:" + hostOf(sctx.RemoteAddr)
	}
	return "session:" + sctx.SessionID
}

func (c Config) fingerprint() string {
	return fmt.Sprintf("%d:%d:%d:%s", c.Limit, c.Period, c.Timeout, c.Scope)
}

func (c Config) limit() rate.Limit {
	return rate.Every(c.Period / time.Duration(c.Limit))
}

func hostOf(addr string) string {
	if i := strings.LastIndex(addr, ":"); i > 0 && !strings.HasSuffix(addr, "]") {
		return strings.Trim(addr[:i], "[]")
	}
	return addr
}

type entry struct {
	fingerprint string
	limiter     *rate.Limiter
}

// Service 缓存 (路由, 身份) 到令牌桶的映射。
type Service struct {
	log.Binder

	mu       sync.Mutex
	limiters map[string]*entry
}

// NewService 创建 Service。
func NewService() *Service {
	s := &Service{limiters: make(map[string]*entry)}
	s.SetLogger(log.With(log.FieldComponent("rate-limiter")))
	return s
}

func key(path, identity string) string {
	return path + "|" + identity
}

// Limiter 返回 (path, identity) 对应的令牌桶，配置变化时重建。
func (s *Service) Limiter(path string, cfg Config, identity string) *rate.Limiter {
	k := key(path, identity)
	fp := cfg.fingerprint()

	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.limiters[k]; ok && e.fingerprint == fp {
		return e.limiter
	}
	l := rate.NewLimiter(cfg.limit(), cfg.Limit)
	s.limiters[k] = &entry{fingerprint: fp, limiter: l}
	s.Logger().Debug("created rate limiter",
		log.FieldPath(path),
		zap.String("identity", identity),
		zap.Int("limit", cfg.Limit),
		zap.Duration("period", cfg.Period))
	return l
}

// Allow 判断一条消息是否放行。配置未启用时总是放行。
func (s *Service) Allow(ctx context.Context, path string, cfg Config, identity string) bool {
	if !cfg.Enabled {
		return true
	}
	l := s.Limiter(path, cfg, identity)
	if l.Allow() {
		return true
	}
	if cfg.Timeout <= 0 {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()
	// 令牌在 Timeout 内无法补足时 Wait 立即返回错误，不会真正等待
	return l.Wait(ctx) == nil
}

// Forget 删除 (path, identity) 的令牌桶，连接结束时调用。
func (s *Service) Forget(path, identity string) {
	s.mu.Lock()
	delete(s.limiters, key(path, identity))
	s.mu.Unlock()
}

// Clear 删除全部令牌桶。
func (s *Service) Clear() {
	s.mu.Lock()
	s.limiters = make(map[string]*entry)
	s.mu.Unlock()
}

// Len 返回当前缓存的令牌桶数量。
func (s *Service) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.limiters)
}
