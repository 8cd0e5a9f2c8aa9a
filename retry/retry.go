// Package retry repeats an operation with exponential backoff. The metadata
// core never retries on its own; callers opt in.
package retry

import (
	"context"
	"math"
	"time"

	"github.com/cockroachdb/errors"
)

type Settings struct {
	InitialBackoff time.Duration
	Multiplier     int
	// MaxBackoff caps a single wait. Zero means no cap.
	MaxBackoff time.Duration
	// MaxAttempts includes the first attempt. Zero means one attempt.
	MaxAttempts int
}

func (s Settings) Validate() error {
	if s.InitialBackoff <= 0 {
		return errors.Newf("initial backoff must be positive, got %s", s.InitialBackoff)
	}
	if s.Multiplier < 1 {
		return errors.Newf("backoff multiplier must be at least 1, got %d", s.Multiplier)
	}
	if s.MaxBackoff > 0 && s.MaxBackoff < s.InitialBackoff {
		return errors.Newf("max backoff (%s) is below the initial backoff (%s)", s.MaxBackoff, s.InitialBackoff)
	}
	if s.MaxAttempts < 0 {
		return errors.Newf("max attempts must not be negative, got %d", s.MaxAttempts)
	}
	return nil
}

func DefaultSettings() Settings {
	return Settings{
		InitialBackoff: 500 * time.Millisecond,
		Multiplier:     2,
		MaxBackoff:     10 * time.Second,
		MaxAttempts:    1,
	}
}

// Backoff returns the wait after the given failed attempt, counting from 1.
func (s Settings) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	wait := s.InitialBackoff * time.Duration(math.Pow(float64(s.Multiplier), float64(attempt-1)))
	if s.MaxBackoff > 0 && (wait > s.MaxBackoff || wait <= 0) {
		wait = s.MaxBackoff
	}
	return wait
}

// Do calls fn until it succeeds, returns an error retryable rejects, or
// the attempts run out, in which case the last error is returned. onRetry,
// if set, is called before each wait.
func Do(
	ctx context.Context,
	s Settings,
	retryable func(error) bool,
	onRetry func(attempt int, wait time.Duration, err error),
	fn func(ctx context.Context) error,
) error {
	if err := s.Validate(); err != nil {
		return err
	}
	attempts := s.MaxAttempts
	if attempts == 0 {
		attempts = 1
	}
	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if attempt >= attempts || (retryable != nil && !retryable(err)) {
			return err
		}
		wait := s.Backoff(attempt)
		if onRetry != nil {
			onRetry(attempt, wait, err)
		}
		t := time.NewTimer(wait)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return errors.Wrapf(ctx.Err(), "gave up after attempt %d (%v)", attempt, err)
		}
	}
}
