// Package broadcast 提供有界、多订阅者、非阻塞写入的广播缓冲。
//
// 所有订阅者共享同一份有序日志，各自维护读游标；
// 元素只有在被所有订阅者读取后才会从日志中移除。
package broadcast

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/eapache/queue"
)

// DefaultCapacity 为默认缓冲容量。
const DefaultCapacity = 256

var (
	// ErrStreamCompleted 表示 Broadcaster 已完成且订阅者已读完全部元素。
	ErrStreamCompleted = errors.New("broadcast: stream completed")
	// ErrSubscriptionCanceled 表示订阅已被取消。
	ErrSubscriptionCanceled = errors.New("broadcast: subscription canceled")
)

type options struct {
	name   string
	warmup bool
}

// Option 用于配置 Broadcaster。
type Option func(*options)

// WithName 设置名称，用于错误信息与日志。
func WithName(name string) Option {
	return func(o *options) {
		o.name = name
	}
}

// WithWarmup 开启预热缓冲：没有订阅者时写入的元素会被缓存（最多 capacity 个），
// 交给下一个订阅者。未开启时，无订阅者的写入直接返回 EmitFailZeroSubscriber。
func WithWarmup() Option {
	return func(o *options) {
		o.warmup = true
	}
}

// Broadcaster 是有界的多播缓冲。
//
// 特性：
//   - TryEmit 永不阻塞，失败时返回具体原因；
//   - 每次 Subscribe 返回独立游标，订阅从当前位置开始，不回放历史元素；
//   - 失败的写入不会被任何订阅者看到，所有订阅者看到的序列完全一致；
//   - Complete 幂等，订阅者读完剩余元素后收到 ErrStreamCompleted。
type Broadcaster[T any] struct {
	opts     options
	capacity int

	mu        sync.Mutex
	log       *queue.Queue // 元素区间为 [base, base+log.Length())
	base      uint64
	subs      map[*Subscription[T]]struct{}
	completed bool
	notify    chan struct{}
}

// New 创建一个容量为 capacity 的 Broadcaster，capacity <= 0 时使用 DefaultCapacity。
func New[T any](capacity int, opts ...Option) *Broadcaster[T] {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	o := options{name: "broadcast"}
	for _, opt := range opts {
		opt(&o)
	}
	return &Broadcaster[T]{
		opts:     o,
		capacity: capacity,
		log:      queue.New(),
		subs:     make(map[*Subscription[T]]struct{}),
		notify:   make(chan struct{}),
	}
}

// Name 返回名称。
func (b *Broadcaster[T]) Name() string {
	return b.opts.name
}

// Capacity 返回缓冲容量。
func (b *Broadcaster[T]) Capacity() int {
	return b.capacity
}

// TryEmit 尝试写入一个元素，不阻塞。
func (b *Broadcaster[T]) TryEmit(v T) EmitResult {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.completed {
		return EmitFailTerminated
	}
	if len(b.subs) == 0 && !b.opts.warmup {
		return EmitFailZeroSubscriber
	}
	// 日志被裁剪到最慢订阅者的游标处，长度即最慢订阅者的积压量。
	if b.log.Length() >= b.capacity {
		return EmitFailOverflow
	}
	b.log.Add(v)
	b.wakeLocked()
	return EmitOK
}

// TryEmitDropOldest 与 TryEmit 相同，但缓冲已满时先丢弃最旧的元素再写入。
//
// 被丢弃元素尚未读取的订阅者会跳过它，第二个返回值表示是否发生了丢弃。
func (b *Broadcaster[T]) TryEmitDropOldest(v T) (EmitResult, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.completed {
		return EmitFailTerminated, false
	}
	if len(b.subs) == 0 && !b.opts.warmup {
		return EmitFailZeroSubscriber, false
	}
	evicted := false
	for b.log.Length() >= b.capacity {
		b.log.Remove()
		b.base++
		evicted = true
	}
	if evicted {
		for sub := range b.subs {
			if sub.cursor < b.base {
				sub.cursor = b.base
			}
		}
	}
	b.log.Add(v)
	b.wakeLocked()
	return EmitOK, evicted
}

// Emit 与 TryEmit 相同，但以 error 形式返回失败原因。
func (b *Broadcaster[T]) Emit(v T) error {
	return b.TryEmit(v).Err(b.opts.name, b.capacity)
}

// Subscribe 返回一个新的订阅。
//
// 说明：
//   - 已有订阅者时，新订阅从当前尾部开始，不会看到之前的元素；
//   - 没有订阅者且开启预热时，新订阅会先收到预热缓冲中的元素。
func (b *Broadcaster[T]) Subscribe() *Subscription[T] {
	b.mu.Lock()
	defer b.mu.Unlock()

	cursor := b.headLocked()
	if len(b.subs) == 0 && b.opts.warmup {
		cursor = b.base
	}
	sub := &Subscription[T]{b: b, cursor: cursor}
	b.subs[sub] = struct{}{}
	return sub
}

// Complete 结束广播，只有第一次调用返回 true。
func (b *Broadcaster[T]) Complete() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.completed {
		return false
	}
	b.completed = true
	b.wakeLocked()
	return true
}

// Completed 判断是否已完成。
func (b *Broadcaster[T]) Completed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.completed
}

// SubscriberCount 返回当前订阅者数量。
func (b *Broadcaster[T]) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Buffered 返回尚未被所有订阅者读取的元素数量。
func (b *Broadcaster[T]) Buffered() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.log.Length()
}

func (b *Broadcaster[T]) headLocked() uint64 {
	return b.base + uint64(b.log.Length())
}

func (b *Broadcaster[T]) wakeLocked() {
	close(b.notify)
	b.notify = make(chan struct{})
}

// trimLocked 移除所有订阅者都已读取的元素。
func (b *Broadcaster[T]) trimLocked() {
	if len(b.subs) == 0 {
		if !b.opts.warmup {
			for b.log.Length() > 0 {
				b.log.Remove()
				b.base++
			}
		}
		return
	}
	minCursor := b.headLocked()
	for sub := range b.subs {
		if sub.cursor < minCursor {
			minCursor = sub.cursor
		}
	}
	for b.base < minCursor {
		b.log.Remove()
		b.base++
	}
}

func (b *Broadcaster[T]) next(ctx context.Context, sub *Subscription[T]) (T, error) {
	var zero T
	for {
		b.mu.Lock()
		if sub.canceled {
			b.mu.Unlock()
			return zero, ErrSubscriptionCanceled
		}
		if sub.cursor < b.headLocked() {
			item, _ := b.log.Get(int(sub.cursor - b.base)).(T)
			sub.cursor++
			b.trimLocked()
			b.mu.Unlock()
			return item, nil
		}
		if b.completed {
			b.mu.Unlock()
			return zero, ErrStreamCompleted
		}
		wait := b.notify
		b.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
}

func (b *Broadcaster[T]) cancel(sub *Subscription[T]) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if sub.canceled {
		return
	}
	sub.canceled = true
	delete(b.subs, sub)
	b.trimLocked()
	b.wakeLocked()
}

// Subscription 是 Broadcaster 上的一个独立读游标。
type Subscription[T any] struct {
	b        *Broadcaster[T]
	cursor   uint64
	canceled bool
}

// Next 阻塞直到读到下一个元素。
//
// 返回：
//   - ErrStreamCompleted：Broadcaster 已完成且没有剩余元素；
//   - ErrSubscriptionCanceled：订阅已被取消；
//   - ctx.Err()：ctx 结束。
func (s *Subscription[T]) Next(ctx context.Context) (T, error) {
	return s.b.next(ctx, s)
}

// Range 依次处理每个元素，直到 fn 返回 false、流完成或 ctx 结束。
// 流正常完成或 fn 主动结束时返回 nil。
func (s *Subscription[T]) Range(ctx context.Context, fn func(T) bool) error {
	for {
		v, err := s.Next(ctx)
		if err != nil {
			if errors.Is(err, ErrStreamCompleted) {
				return nil
			}
			return err
		}
		if !fn(v) {
			return nil
		}
	}
}

// Cancel 取消订阅，幂等。取消后该游标不再阻止元素被裁剪。
func (s *Subscription[T]) Cancel() {
	s.b.cancel(s)
}
