package event

import (
	"github.com/lk2023060901/wshub-go/internal/network/broadcast"
	"github.com/lk2023060901/wshub-go/pkg/metrics"
)

// 事件队列容量。
const (
	SmallQueueSize  = 256
	MediumQueueSize = 1024
)

// Bus 是单一事件类型的多播总线。
//
// 说明：
//   - Fire 不阻塞，返回 broadcast.EmitResult；
//   - Listen 每次返回独立订阅，只接收订阅之后发布的事件，不回放历史；
//   - 没有订阅者时 Fire 返回 EmitFailZeroSubscriber。
type Bus[E any] struct {
	name string
	b    *broadcast.Broadcaster[E]
}

// NewBus 创建容量为 size 的事件总线。
func NewBus[E any](name string, size int) *Bus[E] {
	return &Bus[E]{
		name: name,
		b:    broadcast.New[E](size, broadcast.WithName(name)),
	}
}

func (bus *Bus[E]) Name() string {
	return bus.name
}

func (bus *Bus[E]) Size() int {
	return bus.b.Capacity()
}

// Fire 发布事件。
func (bus *Bus[E]) Fire(e E) broadcast.EmitResult {
	result := bus.b.TryEmit(e)
	metrics.EventsFired.WithLabelValues(bus.name, result.String()).Inc()
	return result
}

// Listen 订阅后续发布的事件。
func (bus *Bus[E]) Listen() *broadcast.Subscription[E] {
	return bus.b.Subscribe()
}

// Buffered 返回尚未被所有订阅者消费的事件数量。
func (bus *Bus[E]) Buffered() int {
	return bus.b.Buffered()
}

func (bus *Bus[E]) SubscriberCount() int {
	return bus.b.SubscriberCount()
}

// Close 结束总线，订阅者读完剩余事件后退出。
func (bus *Bus[E]) Close() {
	bus.b.Complete()
}
