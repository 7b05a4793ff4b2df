package retry

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
)

func TestDoSuccessAfterRetry(t *testing.T) {
	ctx := context.Background()
	n := 0
	err := Do(ctx, func() error {
		n++
		if n < 3 {
			return errors.New("not yet")
		}
		return nil
	}, Sleep(time.Millisecond))
	assert.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestDoAttempts(t *testing.T) {
	ctx := context.Background()
	n := 0
	err := Do(ctx, func() error {
		n++
		return errors.New("always")
	}, Attempts(4), Sleep(time.Millisecond))
	assert.Error(t, err)
	assert.Equal(t, 4, n)
}

func TestDoUnrecoverable(t *testing.T) {
	ctx := context.Background()
	n := 0
	boom := errors.New("boom")
	err := Do(ctx, func() error {
		n++
		return Unrecoverable(boom)
	}, Sleep(time.Millisecond))
	assert.ErrorIs(t, err, boom)
	assert.False(t, IsRecoverable(err))
	assert.Equal(t, 1, n)
}

func TestDoRetryErr(t *testing.T) {
	ctx := context.Background()
	n := 0
	err := Do(ctx, func() error {
		n++
		return errors.New("fatal")
	}, Sleep(time.Millisecond), RetryErr(func(err error) bool { return false }))
	assert.Error(t, err)
	assert.Equal(t, 1, n)
}

func TestDoContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Do(ctx, func() error { return nil })
	assert.ErrorIs(t, err, context.Canceled)

	ctx, cancel = context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	last := errors.New("last")
	err = Do(ctx, func() error { return last }, Attempts(0), Sleep(20*time.Millisecond))
	assert.ErrorIs(t, err, last)
}
