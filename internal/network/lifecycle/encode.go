package lifecycle

import (
	"github.com/lk2023060901/wshub-go/internal/json"
	"github.com/lk2023060901/wshub-go/internal/network/session"
)

// Encoder 将出站流中的对象转换为 WebSocket 消息。
type Encoder func(payload any) (session.Frame, error)

// DefaultEncoder 的转换规则：
//   - session.Frame 原样发送；
//   - []byte 作为二进制消息；
//   - string 作为文本消息；
//   - session.ErrorResponse 按其 Payload 转换；
//   - 其它类型编码为 JSON 文本。
func DefaultEncoder(payload any) (session.Frame, error) {
	switch v := payload.(type) {
	case session.Frame:
		return v, nil
	case []byte:
		return session.BinaryFrame(v), nil
	case string:
		return session.TextFrame(v), nil
	case session.ErrorResponse:
		return DefaultEncoder(v.Payload)
	case *session.ErrorResponse:
		return DefaultEncoder(v.Payload)
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return session.Frame{}, err
		}
		return session.Frame{Type: session.FrameText, Data: data}, nil
	}
}
