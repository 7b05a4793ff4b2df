package conc

import (
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolSubmit(t *testing.T) {
	pool := NewPool[int](4, WithPreAlloc(true))
	defer pool.Release()

	futures := make([]*Future[int], 0, 16)
	for i := 0; i < 16; i++ {
		i := i
		futures = append(futures, pool.Submit(func() (int, error) {
			return i * 2, nil
		}))
	}
	require.NoError(t, AwaitAll(futures...))
	for i, f := range futures {
		assert.True(t, f.Done())
		assert.Equal(t, i*2, f.Value())
	}
	assert.Equal(t, 4, pool.Cap())
}

func TestPoolSubmitError(t *testing.T) {
	pool := NewPool[struct{}](1)
	defer pool.Release()

	boom := errors.New("boom")
	f := pool.Submit(func() (struct{}, error) { return struct{}{}, boom })
	assert.ErrorIs(t, f.Err(), boom)
}

func TestPoolPanicHandler(t *testing.T) {
	var (
		mu       sync.Mutex
		captured any
	)
	pool := NewPool[int](1, WithPanicHandler(func(v any) {
		mu.Lock()
		captured = v
		mu.Unlock()
	}))
	defer pool.Release()

	f := pool.Submit(func() (int, error) { panic("bad handler") })
	assert.Error(t, f.Err())
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return captured == "bad handler"
	}, time.Second, 10*time.Millisecond)

	// worker 仍然可用
	f = pool.Submit(func() (int, error) { return 7, nil })
	v, err := f.Await()
	assert.NoError(t, err)
	assert.Equal(t, 7, v)
}

func TestPoolClosed(t *testing.T) {
	pool := NewPool[int](1)
	pool.Release()
	f := pool.Submit(func() (int, error) { return 1, nil })
	assert.Error(t, f.Err())
}

func TestGo(t *testing.T) {
	f := Go(func() (string, error) { return "ok", nil })
	select {
	case <-f.Inner():
	case <-time.After(time.Second):
		t.Fatal("future not completed")
	}
	v, err := f.Await()
	assert.NoError(t, err)
	assert.Equal(t, "ok", v)
}
