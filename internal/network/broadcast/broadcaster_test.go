package broadcast

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lk2023060901/wshub-go/pkg/util/merr"
)

func collect(t *testing.T, sub *Subscription[int], n int) []int {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	out := make([]int, 0, n)
	for len(out) < n {
		v, err := sub.Next(ctx)
		require.NoError(t, err)
		out = append(out, v)
	}
	return out
}

func TestZeroSubscriber(t *testing.T) {
	b := New[int](4)
	assert.Equal(t, EmitFailZeroSubscriber, b.TryEmit(1))
	assert.ErrorIs(t, b.Emit(1), merr.ErrNoSubscriber)
}

func TestMultiSubscriberSameSequence(t *testing.T) {
	b := New[int](64)
	s1 := b.Subscribe()
	s2 := b.Subscribe()

	for i := 0; i < 50; i++ {
		require.Equal(t, EmitOK, b.TryEmit(i))
	}

	var wg sync.WaitGroup
	results := make([][]int, 2)
	for i, sub := range []*Subscription[int]{s1, s2} {
		wg.Add(1)
		go func(i int, sub *Subscription[int]) {
			defer wg.Done()
			results[i] = collect(t, sub, 50)
		}(i, sub)
	}
	wg.Wait()
	assert.Equal(t, results[0], results[1])
	assert.Equal(t, 0, results[0][0])
	assert.Equal(t, 49, results[0][49])
	assert.Equal(t, 0, b.Buffered())
}

func TestNoReplayForLateSubscriber(t *testing.T) {
	b := New[int](8)
	s1 := b.Subscribe()
	require.Equal(t, EmitOK, b.TryEmit(1))
	s2 := b.Subscribe()
	require.Equal(t, EmitOK, b.TryEmit(2))

	assert.Equal(t, []int{1, 2}, collect(t, s1, 2))
	assert.Equal(t, []int{2}, collect(t, s2, 1))
}

func TestOverflowFollowsSlowestSubscriber(t *testing.T) {
	b := New[int](3)
	fast := b.Subscribe()
	slow := b.Subscribe()

	for i := 0; i < 3; i++ {
		require.Equal(t, EmitOK, b.TryEmit(i))
	}
	collect(t, fast, 3)
	// slow 仍积压 3 个元素
	assert.Equal(t, EmitFailOverflow, b.TryEmit(3))
	assert.ErrorIs(t, b.Emit(3), merr.ErrBufferOverflow)

	assert.Equal(t, []int{0}, collect(t, slow, 1))
	require.Equal(t, EmitOK, b.TryEmit(4))
	// 被拒绝的元素对任何订阅者都不可见
	assert.Equal(t, []int{1, 2, 4}, collect(t, slow, 3))
	assert.Equal(t, []int{4}, collect(t, fast, 1))
}

func TestDropOldestEvictsHead(t *testing.T) {
	b := New[int](2)
	fast := b.Subscribe()
	slow := b.Subscribe()

	for i := 0; i < 2; i++ {
		result, evicted := b.TryEmitDropOldest(i)
		require.Equal(t, EmitOK, result)
		require.False(t, evicted)
	}
	assert.Equal(t, []int{0}, collect(t, fast, 1))

	result, evicted := b.TryEmitDropOldest(2)
	assert.Equal(t, EmitOK, result)
	assert.True(t, evicted)
	assert.Equal(t, 2, b.Buffered())

	// slow 跳过被丢弃的 0，fast 不受影响
	assert.Equal(t, []int{1, 2}, collect(t, slow, 2))
	assert.Equal(t, []int{1, 2}, collect(t, fast, 2))
}

func TestDropOldestWithWarmupAndTerminated(t *testing.T) {
	b := New[int](2, WithWarmup())
	for i := 0; i < 4; i++ {
		result, _ := b.TryEmitDropOldest(i)
		require.Equal(t, EmitOK, result)
	}
	sub := b.Subscribe()
	assert.Equal(t, []int{2, 3}, collect(t, sub, 2))

	b.Complete()
	result, evicted := b.TryEmitDropOldest(9)
	assert.Equal(t, EmitFailTerminated, result)
	assert.False(t, evicted)

	plain := New[int](2)
	result, _ = plain.TryEmitDropOldest(1)
	assert.Equal(t, EmitFailZeroSubscriber, result)
}

func TestCancelReleasesBacklog(t *testing.T) {
	b := New[int](2)
	s1 := b.Subscribe()
	s2 := b.Subscribe()
	require.Equal(t, EmitOK, b.TryEmit(1))
	require.Equal(t, EmitOK, b.TryEmit(2))
	collect(t, s1, 2)
	assert.Equal(t, EmitFailOverflow, b.TryEmit(3))

	s2.Cancel()
	s2.Cancel()
	assert.Equal(t, 1, b.SubscriberCount())
	assert.Equal(t, EmitOK, b.TryEmit(3))

	_, err := s2.Next(context.Background())
	assert.ErrorIs(t, err, ErrSubscriptionCanceled)
}

func TestWarmup(t *testing.T) {
	b := New[int](2, WithWarmup(), WithName("inbound"))
	assert.Equal(t, EmitOK, b.TryEmit(1))
	assert.Equal(t, EmitOK, b.TryEmit(2))
	assert.Equal(t, EmitFailOverflow, b.TryEmit(3))

	sub := b.Subscribe()
	assert.Equal(t, []int{1, 2}, collect(t, sub, 2))
	assert.Equal(t, "inbound", b.Name())
}

func TestCompleteIdempotent(t *testing.T) {
	b := New[int](4)
	sub := b.Subscribe()
	require.Equal(t, EmitOK, b.TryEmit(7))

	assert.True(t, b.Complete())
	assert.False(t, b.Complete())
	assert.True(t, b.Completed())
	assert.Equal(t, EmitFailTerminated, b.TryEmit(8))

	// 完成前写入的元素仍可读取
	v, err := sub.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 7, v)
	_, err = sub.Next(context.Background())
	assert.ErrorIs(t, err, ErrStreamCompleted)
}

func TestNextWakesOnEmit(t *testing.T) {
	b := New[string](4)
	sub := b.Subscribe()

	got := make(chan string, 1)
	go func() {
		v, err := sub.Next(context.Background())
		if err == nil {
			got <- v
		}
	}()
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, EmitOK, b.TryEmit("hello"))

	select {
	case v := <-got:
		assert.Equal(t, "hello", v)
	case <-time.After(time.Second):
		t.Fatal("subscriber not woken")
	}
}

func TestNextContextDone(t *testing.T) {
	b := New[int](4)
	sub := b.Subscribe()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := sub.Next(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRange(t *testing.T) {
	b := New[int](8)
	sub := b.Subscribe()
	for i := 1; i <= 3; i++ {
		require.Equal(t, EmitOK, b.TryEmit(i))
	}
	b.Complete()

	sum := 0
	err := sub.Range(context.Background(), func(v int) bool {
		sum += v
		return true
	})
	assert.NoError(t, err)
	assert.Equal(t, 6, sum)
}

func TestConcurrentEmitters(t *testing.T) {
	b := New[int](1024)
	s1 := b.Subscribe()
	s2 := b.Subscribe()

	var wg sync.WaitGroup
	for p := 0; p < 4; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				b.TryEmit(p*1000 + i)
			}
		}(p)
	}
	wg.Wait()
	assert.Equal(t, collect(t, s1, 400), collect(t, s2, 400))
}

func TestEmitResult(t *testing.T) {
	assert.True(t, EmitOK.IsSuccess())
	assert.True(t, EmitFailOverflow.IsFailure())
	assert.Equal(t, "FAIL_ZERO_SUBSCRIBER", EmitFailZeroSubscriber.String())
	assert.NoError(t, EmitOK.Err("x", 1))
	assert.ErrorIs(t, EmitFailTerminated.Err("x", 1), merr.ErrStreamTerminated)
}
