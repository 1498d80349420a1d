package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastPolicy(attempts int) Policy {
	return Policy{
		MaxAttempts:     attempts,
		InitialInterval: time.Millisecond,
		MaxInterval:     2 * time.Millisecond,
		MaxElapsed:      time.Second,
	}
}

func TestDo_RetriesUntilSuccess(t *testing.T) {
	calls := 0
	err := fastPolicy(5).Do(context.Background(), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDo_StopsAtMaxAttempts(t *testing.T) {
	calls := 0
	transient := errors.New("still down")
	err := fastPolicy(3).Do(context.Background(), func(ctx context.Context) error {
		calls++
		return transient
	})
	assert.ErrorIs(t, err, transient)
	assert.Equal(t, 3, calls)
}

func TestDo_PermanentErrorIsNotRetried(t *testing.T) {
	calls := 0
	bad := errors.New("bad request")
	err := fastPolicy(5).Do(context.Background(), func(ctx context.Context) error {
		calls++
		return Permanent(bad)
	})
	assert.ErrorIs(t, err, bad)
	assert.Equal(t, 1, calls)
}

func TestDo_ContextCancelKeepsLastError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	transient := errors.New("unreachable")
	calls := 0
	err := Policy{MaxAttempts: 100, InitialInterval: 5 * time.Millisecond, MaxInterval: 5 * time.Millisecond}.
		Do(ctx, func(ctx context.Context) error {
			calls++
			if calls == 2 {
				cancel()
			}
			return transient
		})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.ErrorIs(t, err, transient)
}

func TestDoNotify_CallsNotifyBeforeRetry(t *testing.T) {
	var notified int
	calls := 0
	err := fastPolicy(3).DoNotify(context.Background(), func(ctx context.Context) error {
		calls++
		if calls == 1 {
			return errors.New("once")
		}
		return nil
	}, func(err error, wait time.Duration) {
		notified++
	})
	require.NoError(t, err)
	assert.Equal(t, 1, notified)
}

func TestIsPermanent(t *testing.T) {
	assert.True(t, IsPermanent(Permanent(errors.New("x"))))
	assert.False(t, IsPermanent(errors.New("x")))
}
