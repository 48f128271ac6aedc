package retry

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/davidroman0O/meroflow/errors"
)

func fastConfig(attempts int) Config {
	return Config{
		MaxAttempts:  attempts,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2,
	}
}

func TestWithBackoff(t *testing.T) {
	t.Run("succeeds after retryable failures", func(t *testing.T) {
		var calls int32
		err := WithBackoff(context.Background(), func(ctx context.Context) error {
			if atomic.AddInt32(&calls, 1) < 3 {
				return NewRetryableError(errors.New("connection refused"))
			}
			return nil
		}, fastConfig(5))

		require.NoError(t, err)
		assert.Equal(t, int32(3), calls)
	})

	t.Run("stops on non-retryable error", func(t *testing.T) {
		var calls int32
		boom := errors.New("bad request")
		err := WithBackoff(context.Background(), func(ctx context.Context) error {
			atomic.AddInt32(&calls, 1)
			return boom
		}, fastConfig(5))

		assert.ErrorIs(t, err, boom)
		assert.Equal(t, int32(1), calls)
	})

	t.Run("retries connection and timeout codes", func(t *testing.T) {
		var calls int32
		err := WithBackoff(context.Background(), func(ctx context.Context) error {
			switch atomic.AddInt32(&calls, 1) {
			case 1:
				return apperrors.New(apperrors.ErrConnection, "refused")
			case 2:
				return apperrors.New(apperrors.ErrTimeout, "slow")
			}
			return nil
		}, fastConfig(5))

		require.NoError(t, err)
		assert.Equal(t, int32(3), calls)
		assert.False(t, IsRetryable(apperrors.New(apperrors.ErrNotFound, "gone")))
	})

	t.Run("gives up after max attempts", func(t *testing.T) {
		var attempts []int
		cfg := fastConfig(3)
		cfg.OnRetry = func(attempt int, err error) { attempts = append(attempts, attempt) }

		err := WithBackoff(context.Background(), func(ctx context.Context) error {
			return NewRetryableError(errors.New("timeout"))
		}, cfg)

		require.Error(t, err)
		assert.Contains(t, err.Error(), "after 3 attempts")
		assert.False(t, IsRetryable(err))
		assert.Equal(t, []int{1, 2, 3}, attempts)
	})
}

func TestPoll(t *testing.T) {
	t.Run("returns once condition holds", func(t *testing.T) {
		var calls int32
		err := Poll(context.Background(), time.Millisecond, time.Second, func(ctx context.Context) (bool, error) {
			return atomic.AddInt32(&calls, 1) >= 3, nil
		})

		require.NoError(t, err)
		assert.Equal(t, int32(3), calls)
	})

	t.Run("times out", func(t *testing.T) {
		err := Poll(context.Background(), time.Millisecond, 20*time.Millisecond, func(ctx context.Context) (bool, error) {
			return false, nil
		})

		assert.ErrorIs(t, err, ErrPollTimeout)
	})

	t.Run("propagates condition error", func(t *testing.T) {
		boom := errors.New("inspect failed")
		err := Poll(context.Background(), time.Millisecond, time.Second, func(ctx context.Context) (bool, error) {
			return false, boom
		})

		assert.ErrorIs(t, err, boom)
	})
}
