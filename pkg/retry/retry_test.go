package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "a2a/pkg/errors"
)

func fastPolicy(attempts int) Policy {
	return Policy{
		MaxAttempts:     attempts,
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
		Multiplier:      2,
	}
}

func TestRetrySucceedsAfterFailures(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastPolicy(3), func() error {
		calls++
		if calls < 3 {
			return errors.New("flaky")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryGivesUpAfterMaxAttempts(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastPolicy(2), func() error {
		calls++
		return errors.New("down")
	})
	assert.EqualError(t, err, "down")
	assert.Equal(t, 2, calls)
}

func TestRetryStopsOnFatal(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastPolicy(5), func() error {
		calls++
		return apperrors.ErrValidation.WithMessage("bad key")
	})
	assert.True(t, apperrors.IsValidation(err))
	assert.Equal(t, 1, calls)

	calls = 0
	err = Retry(context.Background(), fastPolicy(5), func() error {
		calls++
		return Fatal(errors.New("nope"))
	})
	assert.EqualError(t, err, "nope")
	assert.Equal(t, 1, calls)
}

func TestRetryWithCallback(t *testing.T) {
	var attempts []int
	_ = RetryWithCallback(context.Background(), fastPolicy(3), func() error {
		return errors.New("down")
	}, func(attempt int, _ error, delay time.Duration) {
		attempts = append(attempts, attempt)
		assert.Greater(t, delay, time.Duration(0))
	})
	assert.Equal(t, []int{1, 2}, attempts)
}

func TestDelayIsCapped(t *testing.T) {
	p := Policy{InitialInterval: 10 * time.Millisecond, MaxInterval: 50 * time.Millisecond, Multiplier: 2}
	assert.Equal(t, 10*time.Millisecond, Delay(1, p))
	assert.Equal(t, 40*time.Millisecond, Delay(3, p))
	assert.Equal(t, 50*time.Millisecond, Delay(6, p))
}
