package lifecycle

import (
	"strings"

	"github.com/lk2023060901/wshub-go/internal/network/session"
	"github.com/lk2023060901/wshub-go/pkg/util/merr"
)

// BackpressureStrategy 决定入站流已满时如何处理新到达的消息。
type BackpressureStrategy string

const (
	// BackpressureBuffer 按 BufferSize 缓冲，已满时短暂重试后丢弃新消息。
	BackpressureBuffer BackpressureStrategy = "BUFFER"
	// BackpressureDropOldest 丢弃缓冲中最旧的消息，保留新消息。
	BackpressureDropOldest BackpressureStrategy = "DROP_OLDEST"
	// BackpressureDropLatest 直接丢弃新消息，不重试。
	BackpressureDropLatest BackpressureStrategy = "DROP_LATEST"
	// BackpressureError 以 1008 关闭会话。
	BackpressureError BackpressureStrategy = "ERROR"
)

// DefaultBackpressureBufferSize 为路由级入站缓冲的默认大小。
const DefaultBackpressureBufferSize = session.DefaultStreamBufferSize

// ParseBackpressureStrategy 解析策略名，大小写不敏感，空字符串视为 BUFFER。
func ParseBackpressureStrategy(s string) (BackpressureStrategy, error) {
	switch st := BackpressureStrategy(strings.ToUpper(strings.TrimSpace(s))); st {
	case "":
		return BackpressureBuffer, nil
	case BackpressureBuffer, BackpressureDropOldest, BackpressureDropLatest, BackpressureError:
		return st, nil
	default:
		return "", merr.WrapErrConfigInvalid("backpressure.strategy", s,
			"expected BUFFER, DROP_OLDEST, DROP_LATEST or ERROR")
	}
}

// BackpressureConfig 是单条路由的入站背压配置。
//
// 未开启时使用 Coordinator 的流容量与 BUFFER 行为。
type BackpressureConfig struct {
	Enabled    bool                 `mapstructure:"enabled"`
	Strategy   BackpressureStrategy `mapstructure:"strategy"`
	BufferSize int                  `mapstructure:"bufferSize"`
}

// DefaultBackpressureConfig 返回默认配置：关闭，策略 BUFFER，缓冲 256。
func DefaultBackpressureConfig() BackpressureConfig {
	return BackpressureConfig{
		Strategy:   BackpressureBuffer,
		BufferSize: DefaultBackpressureBufferSize,
	}
}

func (c BackpressureConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if _, err := ParseBackpressureStrategy(string(c.Strategy)); err != nil {
		return err
	}
	if c.BufferSize <= 0 {
		return merr.WrapErrConfigInvalid("backpressure.bufferSize", c.BufferSize, "must be positive")
	}
	return nil
}

// strategy 返回生效的策略，未开启时为 BUFFER。
func (c BackpressureConfig) strategy() BackpressureStrategy {
	if !c.Enabled {
		return BackpressureBuffer
	}
	st, err := ParseBackpressureStrategy(string(c.Strategy))
	if err != nil {
		return BackpressureBuffer
	}
	return st
}

// statusBackpressureOverflow 为 ERROR 策略下的关闭状态。
var statusBackpressureOverflow = session.StatusPolicyViolation.WithReason("inbound backpressure buffer overflow")
