package retry_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/technosupport/sentrymesh/internal/retry"
)

var errTransient = errors.New("transient")
var errPermanent = errors.New("permanent")

func alwaysRetryable(err error) bool { return errors.Is(err, errTransient) }

func TestRun_SucceedsWithoutRetry(t *testing.T) {
	calls := 0
	err := retry.Run(context.Background(), retry.Policy{MaxRetries: 3, Base: time.Millisecond, Factor: 2}, alwaysRetryable,
		func(ctx context.Context, n int) error {
			calls++
			return nil
		})
	assert.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestRun_ExhaustsExactly1PlusN(t *testing.T) {
	calls := 0
	err := retry.Run(context.Background(), retry.Policy{MaxRetries: 3, Base: time.Millisecond, Factor: 2}, alwaysRetryable,
		func(ctx context.Context, n int) error {
			calls++
			return errTransient
		})
	assert.ErrorIs(t, err, errTransient)
	assert.Equal(t, 4, calls) // 1 + 3 retries
}

func TestRun_StopsOnNonRetryableError(t *testing.T) {
	calls := 0
	err := retry.Run(context.Background(), retry.Policy{MaxRetries: 3, Base: time.Millisecond, Factor: 2}, alwaysRetryable,
		func(ctx context.Context, n int) error {
			calls++
			return errPermanent
		})
	assert.ErrorIs(t, err, errPermanent)
	assert.Equal(t, 1, calls)
}

func TestRun_SucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	err := retry.Run(context.Background(), retry.Policy{MaxRetries: 3, Base: time.Millisecond, Factor: 2}, alwaysRetryable,
		func(ctx context.Context, n int) error {
			calls++
			if calls < 3 {
				return errTransient
			}
			return nil
		})
	assert.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRun_DelaysAreNonDecreasing(t *testing.T) {
	var timestamps []time.Time
	_ = retry.Run(context.Background(), retry.Policy{MaxRetries: 3, Base: 5 * time.Millisecond, Factor: 2}, alwaysRetryable,
		func(ctx context.Context, n int) error {
			timestamps = append(timestamps, time.Now())
			return errTransient
		})
	require := assert.New(t)
	require.Len(timestamps, 4)
	prevGap := time.Duration(0)
	for i := 1; i < len(timestamps); i++ {
		gap := timestamps[i].Sub(timestamps[i-1])
		require.GreaterOrEqual(gap, prevGap)
		prevGap = gap
	}
}
