package broadcast

import "github.com/lk2023060901/wshub-go/pkg/util/merr"

// EmitResult 表示一次 TryEmit 的结果。
type EmitResult int

const (
	// EmitOK 表示元素已进入共享缓冲区，所有当前订阅者都会按序收到。
	EmitOK EmitResult = iota
	// EmitFailOverflow 表示最慢的订阅者已落后 capacity 个元素，本次元素被拒绝。
	EmitFailOverflow
	// EmitFailTerminated 表示 Broadcaster 已完成，不再接受新元素。
	EmitFailTerminated
	// EmitFailZeroSubscriber 表示当前没有订阅者且未开启预热缓冲。
	EmitFailZeroSubscriber
)

var emitResultNames = map[EmitResult]string{
	EmitOK:                 "OK",
	EmitFailOverflow:       "FAIL_OVERFLOW",
	EmitFailTerminated:     "FAIL_TERMINATED",
	EmitFailZeroSubscriber: "FAIL_ZERO_SUBSCRIBER",
}

func (r EmitResult) String() string {
	if name, ok := emitResultNames[r]; ok {
		return name
	}
	return "UNKNOWN"
}

func (r EmitResult) IsSuccess() bool {
	return r == EmitOK
}

func (r EmitResult) IsFailure() bool {
	return r != EmitOK
}

// Err 将失败结果转换为对应的 merr 错误，成功时返回 nil。
func (r EmitResult) Err(stream string, capacity int) error {
	switch r {
	case EmitOK:
		return nil
	case EmitFailOverflow:
		return merr.WrapErrBufferOverflow(stream, capacity)
	case EmitFailTerminated:
		return merr.WrapErrStreamTerminated(stream)
	case EmitFailZeroSubscriber:
		return merr.WrapErrNoSubscriber(stream)
	default:
		return merr.WrapErrServiceInternal("unknown emit result " + r.String())
	}
}
