package session

import (
	"net/http"
	"net/url"
)

// Principal 表示握手阶段解析出的调用方身份。
type Principal interface {
	Name() string
}

type anonymous struct{}

func (anonymous) Name() string { return "anonymous" }

// Anonymous 是未认证连接使用的缺省身份。
var Anonymous Principal = anonymous{}

// NamedPrincipal 是仅携带名称的简单身份实现。
type NamedPrincipal string

func (p NamedPrincipal) Name() string { return string(p) }

// Context 为业务处理函数提供握手阶段采集的请求信息，接入时一次性填充，之后只读。
type Context struct {
	SessionID  string
	Path       string
	RemoteAddr string
	PathParams map[string]string
	Query      url.Values
	Header     http.Header
	Principal  Principal
}

// PathParam 返回路由模板中的路径变量。
func (c *Context) PathParam(name string) (string, bool) {
	v, ok := c.PathParams[name]
	return v, ok
}

// QueryParam 返回第一个同名查询参数，不存在时返回 def。
func (c *Context) QueryParam(name, def string) string {
	if vs, ok := c.Query[name]; ok && len(vs) > 0 {
		return vs[0]
	}
	return def
}

// QueryParams 返回同名查询参数的全部取值。
func (c *Context) QueryParams(name string) []string {
	return c.Query[name]
}

// HeaderValue 返回请求头取值，不存在时返回 def。
func (c *Context) HeaderValue(name, def string) string {
	if v := c.Header.Get(name); v != "" {
		return v
	}
	return def
}

// PrincipalName 返回身份名称，未设置时为 anonymous。
func (c *Context) PrincipalName() string {
	if c.Principal == nil {
		return Anonymous.Name()
	}
	return c.Principal.Name()
}
