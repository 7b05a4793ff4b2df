package session

import (
	"time"

	"github.com/lk2023060901/wshub-go/internal/json"
)

// Session 表示一条已接入的 WebSocket 会话的元数据。
//
// 约定：
//   - ID 在注册表内唯一，由接入层在握手完成时分配；
//   - IsOpen 每次调用都实时查询底层连接状态，不做缓存；
//   - Close 请求服务端发起关闭，多次调用是幂等的。
type Session struct {
	id         string
	path       string
	remoteAddr string
	createdAt  time.Time
	uri        string
	pathParams map[string]string

	isOpen  func() bool
	closeFn func(status CloseStatus) error
}

// Option 用于配置 Session。
type Option func(*Session)

// WithOpenFunc 设置实时查询连接状态的函数。
func WithOpenFunc(fn func() bool) Option {
	return func(s *Session) {
		s.isOpen = fn
	}
}

// WithCloseFunc 设置服务端关闭会话的函数。
func WithCloseFunc(fn func(status CloseStatus) error) Option {
	return func(s *Session) {
		s.closeFn = fn
	}
}

// WithCreatedAt 指定创建时间，默认为 time.Now()。
func WithCreatedAt(t time.Time) Option {
	return func(s *Session) {
		s.createdAt = t
	}
}

// WithURI 设置握手请求的实际路径。
func WithURI(uri string) Option {
	return func(s *Session) {
		s.uri = uri
	}
}

// WithPathParams 设置路由模板解析出的路径变量。
func WithPathParams(params map[string]string) Option {
	return func(s *Session) {
		s.pathParams = params
	}
}

// New 创建一个 Session。
func New(id, path, remoteAddr string, opts ...Option) *Session {
	s := &Session{
		id:         id,
		path:       path,
		remoteAddr: remoteAddr,
		createdAt:  time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Session) ID() string {
	return s.id
}

// Path 返回会话匹配到的路由模板。
func (s *Session) Path() string {
	return s.path
}

// URI 返回握手请求的实际路径，例如 /chat/lobby；未设置时与 Path 相同。
func (s *Session) URI() string {
	if s.uri == "" {
		return s.path
	}
	return s.uri
}

// PathParam 返回路由模板中的路径变量。
func (s *Session) PathParam(name string) (string, bool) {
	v, ok := s.pathParams[name]
	return v, ok
}

func (s *Session) RemoteAddr() string {
	return s.remoteAddr
}

func (s *Session) CreatedAt() time.Time {
	return s.createdAt
}

// IsOpen 实时查询底层连接是否仍然打开。
func (s *Session) IsOpen() bool {
	if s.isOpen == nil {
		return false
	}
	return s.isOpen()
}

// Close 以给定状态请求服务端关闭会话。
func (s *Session) Close(status CloseStatus) error {
	if s.closeFn == nil {
		return nil
	}
	return s.closeFn(status)
}

// MarshalJSON 输出 {"id","path","remoteAddr","createdAt","open"}。
func (s *Session) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]any{
		"id":         s.id,
		"path":       s.path,
		"remoteAddr": s.remoteAddr,
		"createdAt":  s.createdAt.UTC().Format(time.RFC3339Nano),
		"open":       s.IsOpen(),
	})
}
