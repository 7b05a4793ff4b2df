package session

import (
	"fmt"
	"strings"

	"github.com/lk2023060901/wshub-go/internal/json"
)

// CodeAll 为通配关闭码，仅用于关闭回调绑定，匹配任意关闭码。
const CodeAll = 0

const (
	minCloseCode = 1000
	maxCloseCode = 4999
)

// CloseStatus 表示 WebSocket 关闭状态（RFC 6455 7.4）。
type CloseStatus struct {
	Code   int
	Reason string
}

var (
	StatusAll                 = CloseStatus{Code: CodeAll}
	StatusNormal              = CloseStatus{Code: 1000}
	StatusGoingAway           = CloseStatus{Code: 1001}
	StatusProtocolError       = CloseStatus{Code: 1002}
	StatusNotAcceptable       = CloseStatus{Code: 1003}
	StatusNoStatusCode        = CloseStatus{Code: 1005}
	StatusNoCloseFrame        = CloseStatus{Code: 1006}
	StatusBadData             = CloseStatus{Code: 1007}
	StatusPolicyViolation     = CloseStatus{Code: 1008}
	StatusTooBigToProcess     = CloseStatus{Code: 1009}
	StatusRequiredExtension   = CloseStatus{Code: 1010}
	StatusServerError         = CloseStatus{Code: 1011}
	StatusServiceRestarted    = CloseStatus{Code: 1012}
	StatusServiceOverload     = CloseStatus{Code: 1013}
	StatusTLSHandshakeFailure = CloseStatus{Code: 1015}
)

var statusNames = map[int]string{
	CodeAll: "ALL",
	1000:    "NORMAL",
	1001:    "GOING_AWAY",
	1002:    "PROTOCOL_ERROR",
	1003:    "NOT_ACCEPTABLE",
	1005:    "NO_STATUS_CODE",
	1006:    "NO_CLOSE_FRAME",
	1007:    "BAD_DATA",
	1008:    "POLICY_VIOLATION",
	1009:    "TOO_BIG_TO_PROCESS",
	1010:    "REQUIRED_EXTENSION",
	1011:    "SERVER_ERROR",
	1012:    "SERVICE_RESTARTED",
	1013:    "SERVICE_OVERLOAD",
	1015:    "TLS_HANDSHAKE_FAILURE",
}

// IsValidCode 判断 code 是否为合法的 WebSocket 关闭码（1000..4999）。
func IsValidCode(code int) bool {
	return code >= minCloseCode && code <= maxCloseCode
}

// NewCloseStatus 以给定关闭码和原因构造 CloseStatus。
func NewCloseStatus(code int, reason string) CloseStatus {
	return CloseStatus{Code: code, Reason: reason}
}

// ParseStatus 按名称（如 GOING_AWAY）查找预定义关闭状态，忽略大小写。
func ParseStatus(name string) (CloseStatus, bool) {
	for code, n := range statusNames {
		if strings.EqualFold(n, name) {
			return CloseStatus{Code: code}, true
		}
	}
	return CloseStatus{}, false
}

// WithReason 返回携带原因描述的副本。
func (s CloseStatus) WithReason(reason string) CloseStatus {
	s.Reason = reason
	return s
}

// Name 返回预定义名称，非预定义关闭码返回空字符串。
func (s CloseStatus) Name() string {
	return statusNames[s.Code]
}

func (s CloseStatus) String() string {
	name := s.Name()
	if name == "" {
		name = "CUSTOM"
	}
	if s.Reason == "" {
		return fmt.Sprintf("%s(%d)", name, s.Code)
	}
	return fmt.Sprintf("%s(%d): %s", name, s.Code, s.Reason)
}

// MarshalJSON 输出 {"code":..,"reason":..}。
func (s CloseStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]any{
		"code":   s.Code,
		"reason": s.Reason,
	})
}

// CloseInitiator 标识关闭的发起方。
type CloseInitiator string

const (
	InitiatorClient CloseInitiator = "CLIENT"
	InitiatorServer CloseInitiator = "SERVER"
)

func (i CloseInitiator) String() string {
	return string(i)
}

// CloseInfo 描述一次会话关闭，构造后不可修改。
type CloseInfo struct {
	session   *Session
	status    CloseStatus
	initiator CloseInitiator
}

// NewCloseInfo 构造 CloseInfo。
func NewCloseInfo(sess *Session, status CloseStatus, initiator CloseInitiator) *CloseInfo {
	return &CloseInfo{
		session:   sess,
		status:    status,
		initiator: initiator,
	}
}

func (c *CloseInfo) Session() *Session {
	return c.session
}

func (c *CloseInfo) Status() CloseStatus {
	return c.status
}

func (c *CloseInfo) Code() int {
	return c.status.Code
}

func (c *CloseInfo) Initiator() CloseInitiator {
	return c.initiator
}

func (c *CloseInfo) IsClientInitiated() bool {
	return c.initiator == InitiatorClient
}

func (c *CloseInfo) IsServerInitiated() bool {
	return c.initiator == InitiatorServer
}

// MarshalJSON 输出供过滤表达式使用的结构：
//
//	{"session":{...},"closeStatus":{"code":..,"reason":..},"code":..,"initiator":"CLIENT"}
func (c *CloseInfo) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]any{
		"session":     c.session,
		"closeStatus": c.status,
		"code":        c.status.Code,
		"initiator":   c.initiator,
	})
}

func (c *CloseInfo) String() string {
	id := ""
	if c.session != nil {
		id = c.session.ID()
	}
	return fmt.Sprintf("CloseInfo{session=%s, status=%s, initiator=%s}", id, c.status, c.initiator)
}
