package session

// FrameType 表示 WebSocket 数据帧类型。
type FrameType int

const (
	FrameText FrameType = iota + 1
	FrameBinary
	FramePing
	FramePong
)

func (t FrameType) String() string {
	switch t {
	case FrameText:
		return "text"
	case FrameBinary:
		return "binary"
	case FramePing:
		return "ping"
	case FramePong:
		return "pong"
	default:
		return "unknown"
	}
}

// Frame 是一条入站或出站的 WebSocket 消息。
type Frame struct {
	Type FrameType
	Data []byte
}

func TextFrame(text string) Frame {
	return Frame{Type: FrameText, Data: []byte(text)}
}

func BinaryFrame(data []byte) Frame {
	return Frame{Type: FrameBinary, Data: data}
}

// Text 以字符串形式返回帧内容。
func (f Frame) Text() string {
	return string(f.Data)
}

// IsControl 判断是否为 ping/pong 控制帧。
func (f Frame) IsControl() bool {
	return f.Type == FramePing || f.Type == FramePong
}

// ErrorResponse 包装一条错误响应。写出后出站流随即结束。
type ErrorResponse struct {
	Payload any
}
