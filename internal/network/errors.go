package network

// Stage 表示会话生命周期中的处理阶段。
//
// 主要用于在日志与指标中标记错误发生的位置，便于监控与排查。
type Stage string

const (
	StageHandshake Stage = "handshake" // WebSocket 升级与会话注册
	StageInbound   Stage = "inbound"   // 入站帧写入会话流
	StageOutbound  Stage = "outbound"  // 出站消息写回连接
	StageHandler   Stage = "handler"   // 业务处理函数
	StageClose     Stage = "close"     // 关闭收尾与关闭事件发布
	StageDispatch  Stage = "dispatch"  // 关闭回调分发
	StageSweep     Stage = "sweep"     // 定时孤儿会话清理
)

func (s Stage) String() string {
	return string(s)
}

// 统一的错误码常量。
//
// 注意：这些是用于日志/监控的稳定字符串，真正的 error 对象位于 pkg/util/merr。
const (
	ErrCodeHandshakeFailed = "network:handshake_failed"
	ErrCodeInboundDropped  = "network:inbound_dropped"
	ErrCodeOutboundFailed  = "network:outbound_failed"
	ErrCodeHandlerFailed   = "network:handler_failed"
	ErrCodeCloseEventLost  = "network:close_event_lost"
	ErrCodeDispatchFailed  = "network:dispatch_failed"
)
