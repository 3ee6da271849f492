package utils

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errFlaky = errors.New("flaky")

func recordSleeps(waits *[]time.Duration) SleepFunc {
	return func(ctx context.Context, d time.Duration) error {
		*waits = append(*waits, d)
		return ctx.Err()
	}
}

func TestBackoff_Delay(t *testing.T) {
	b := Backoff{Base: 2 * time.Second, Max: 60 * time.Second, Attempts: 10}

	want := []time.Duration{2, 4, 8, 16, 32, 60, 60}
	for i, w := range want {
		assert.Equal(t, w*time.Second, b.Delay(i+1), "attempt %d", i+1)
	}
	assert.Equal(t, 60*time.Second, b.Delay(200), "no overflow on large attempts")
}

func TestRetrier_SucceedsOnFifthAttempt(t *testing.T) {
	var waits []time.Duration
	var retried []int
	r := Retrier{
		Backoff: Backoff{Base: 2 * time.Second, Max: 60 * time.Second, Attempts: 5},
		Sleep:   recordSleeps(&waits),
		OnRetry: func(attempt int, err error, wait time.Duration) { retried = append(retried, attempt) },
	}

	attempts, err := r.Do(context.Background(), func(ctx context.Context, attempt int) error {
		if attempt < 5 {
			return errFlaky
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 5, attempts)
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second}, waits)
	assert.Equal(t, []int{1, 2, 3, 4}, retried)
}

func TestRetrier_Exhausted(t *testing.T) {
	var waits []time.Duration
	r := Retrier{Backoff: Backoff{Base: time.Millisecond, Max: time.Second, Attempts: 3}, Sleep: recordSleeps(&waits)}

	calls := 0
	attempts, err := r.Do(context.Background(), func(context.Context, int) error {
		calls++
		return errFlaky
	})

	require.ErrorIs(t, err, errFlaky)
	assert.Contains(t, err.Error(), "failed after 3 attempts")
	assert.Equal(t, 3, attempts)
	assert.Equal(t, 3, calls)
	assert.Len(t, waits, 2, "no wait after the last attempt")
}

func TestRetrier_PermanentStopsImmediately(t *testing.T) {
	var waits []time.Duration
	r := Retrier{Backoff: Backoff{Base: time.Millisecond, Max: time.Second, Attempts: 5}, Sleep: recordSleeps(&waits)}

	attempts, err := r.Do(context.Background(), func(context.Context, int) error {
		return Permanent(errFlaky)
	})

	require.ErrorIs(t, err, errFlaky)
	assert.True(t, IsPermanent(err))
	assert.Equal(t, 1, attempts)
	assert.Empty(t, waits)
}

func TestRetrier_PermanentSurvivesWrapping(t *testing.T) {
	r := Retrier{Backoff: Backoff{Base: time.Millisecond, Max: time.Second, Attempts: 5}, Sleep: recordSleeps(new([]time.Duration))}

	attempts, err := r.Do(context.Background(), func(context.Context, int) error {
		return fmt.Errorf("webhook: %w", Permanent(errFlaky))
	})

	require.ErrorIs(t, err, errFlaky)
	assert.True(t, IsPermanent(err))
	assert.Equal(t, 1, attempts)
}

func TestRetrier_CancelledDuringWait(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	r := Retrier{Backoff: Backoff{Base: time.Hour, Max: time.Hour, Attempts: 5}}

	attempts, err := r.Do(ctx, func(context.Context, int) error {
		cancel()
		return errFlaky
	})

	require.ErrorIs(t, err, context.Canceled)
	require.ErrorIs(t, err, errFlaky)
	assert.Equal(t, 1, attempts)
}

func TestSleep(t *testing.T) {
	require.NoError(t, Sleep(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, Sleep(ctx, time.Hour), context.Canceled)
}

func TestPermanent_Nil(t *testing.T) {
	assert.NoError(t, Permanent(nil))
	assert.False(t, IsPermanent(errFlaky))
}
