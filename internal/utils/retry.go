package utils

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Backoff is bounded exponential backoff: the wait after failed attempt n is
// Base·2^(n-1), capped at Max. Attempts bounds the total number of calls.
type Backoff struct {
	Base     time.Duration
	Max      time.Duration
	Attempts int
}

// exponential returns a jitter-free policy with no elapsed-time limit.
func (b Backoff) exponential() *backoff.ExponentialBackOff {
	eb := &backoff.ExponentialBackOff{
		InitialInterval:     b.Base,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         b.Max,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	eb.Reset()
	return eb
}

// Delay returns the wait after the given failed attempt (1-based).
func (b Backoff) Delay(attempt int) time.Duration {
	eb := b.exponential()
	d := eb.NextBackOff()
	for i := 1; i < attempt; i++ {
		d = eb.NextBackOff()
		if d >= b.Max {
			return b.Max
		}
	}
	return d
}

// SleepFunc waits for d or until ctx is done. It returns an error only when
// ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Sleep is the real SleepFunc.
func Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// sleepTimer drives backoff's retry loop through a SleepFunc.
type sleepTimer struct {
	ctx   context.Context
	sleep SleepFunc
	c     chan time.Time
}

func (t *sleepTimer) Start(d time.Duration) {
	if t.sleep(t.ctx, d) == nil {
		t.c <- time.Now()
	}
}

func (t *sleepTimer) Stop() {}

func (t *sleepTimer) C() <-chan time.Time { return t.c }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return backoff.Permanent(err)
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *backoff.PermanentError
	return errors.As(err, &p)
}

// Retrier runs a call under a Backoff policy.
type Retrier struct {
	Backoff
	// Sleep defaults to the real timer-based Sleep.
	Sleep SleepFunc
	// OnRetry runs after a failed attempt that will be retried.
	OnRetry func(attempt int, err error, wait time.Duration)
}

// Do calls fn until it succeeds, fails permanently, the attempts are
// exhausted, or ctx is done. It returns the number of attempts made.
func (r Retrier) Do(ctx context.Context, fn func(ctx context.Context, attempt int) error) (int, error) {
	sleep := r.Sleep
	if sleep == nil {
		sleep = Sleep
	}
	maxAttempts := max(r.Attempts, 1)

	policy := backoff.WithContext(backoff.WithMaxRetries(r.exponential(), uint64(maxAttempts-1)), ctx)
	timer := &sleepTimer{ctx: ctx, sleep: sleep, c: make(chan time.Time, 1)}

	attempt := 0
	var lastErr error
	op := func() error {
		attempt++
		lastErr = fn(ctx, attempt)
		return lastErr
	}
	notify := func(err error, wait time.Duration) {
		if r.OnRetry != nil {
			r.OnRetry(attempt, err, wait)
		}
	}

	err := backoff.RetryNotifyWithTimer(op, policy, notify, timer)
	switch {
	case err == nil:
		return attempt, nil
	case IsPermanent(lastErr):
		return attempt, lastErr
	case ctx.Err() != nil:
		return attempt, fmt.Errorf("retry aborted after %d attempts: %w (last error: %w)", attempt, ctx.Err(), lastErr)
	default:
		return attempt, fmt.Errorf("failed after %d attempts: %w", attempt, lastErr)
	}
}
