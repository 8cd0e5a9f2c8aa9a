package retry

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
)

func TestValidate(t *testing.T) {
	for _, tc := range []struct {
		desc          string
		settings      Settings
		expectedError string
	}{
		{
			desc:     "default settings",
			settings: DefaultSettings(),
		},
		{
			desc:          "no initial backoff",
			settings:      Settings{},
			expectedError: "initial backoff must be positive, got 0s",
		},
		{
			desc:          "no multiplier",
			settings:      Settings{InitialBackoff: time.Second},
			expectedError: "backoff multiplier must be at least 1, got 0",
		},
		{
			desc:          "max backoff below initial",
			settings:      Settings{InitialBackoff: time.Second, Multiplier: 5, MaxBackoff: time.Millisecond},
			expectedError: "max backoff (1ms) is below the initial backoff (1s)",
		},
		{
			desc:          "negative attempts",
			settings:      Settings{InitialBackoff: time.Second, Multiplier: 2, MaxAttempts: -1},
			expectedError: "max attempts must not be negative, got -1",
		},
		{
			desc:     "uncapped",
			settings: Settings{InitialBackoff: time.Second, Multiplier: 5, MaxAttempts: 10},
		},
	} {
		t.Run(tc.desc, func(t *testing.T) {
			err := tc.settings.Validate()
			if tc.expectedError != "" {
				require.EqualError(t, err, tc.expectedError)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestBackoff(t *testing.T) {
	for _, tc := range []struct {
		desc     string
		settings Settings
		expected []time.Duration
	}{
		{
			desc:     "constant",
			settings: Settings{InitialBackoff: time.Second, Multiplier: 1},
			expected: []time.Duration{time.Second, time.Second, time.Second},
		},
		{
			desc:     "doubling",
			settings: Settings{InitialBackoff: time.Second, Multiplier: 2},
			expected: []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second},
		},
		{
			desc:     "capped",
			settings: Settings{InitialBackoff: time.Second, Multiplier: 3, MaxBackoff: 5 * time.Second},
			expected: []time.Duration{time.Second, 3 * time.Second, 5 * time.Second, 5 * time.Second},
		},
	} {
		t.Run(tc.desc, func(t *testing.T) {
			var got []time.Duration
			for i := range tc.expected {
				got = append(got, tc.settings.Backoff(i+1))
			}
			require.Equal(t, tc.expected, got)
		})
	}
}

func TestDo(t *testing.T) {
	ctx := context.Background()
	settings := Settings{InitialBackoff: time.Millisecond, Multiplier: 2, MaxAttempts: 3}
	errTransient := errors.New("connection refused")
	errFatal := errors.New("password authentication failed")
	retryable := func(err error) bool { return errors.Is(err, errTransient) }

	t.Run("succeeds after retries", func(t *testing.T) {
		calls := 0
		var waits []time.Duration
		err := Do(ctx, settings, retryable, func(attempt int, wait time.Duration, err error) {
			waits = append(waits, wait)
		}, func(ctx context.Context) error {
			calls++
			if calls < 3 {
				return errTransient
			}
			return nil
		})
		require.NoError(t, err)
		require.Equal(t, 3, calls)
		require.Equal(t, []time.Duration{time.Millisecond, 2 * time.Millisecond}, waits)
	})

	t.Run("attempts exhausted", func(t *testing.T) {
		calls := 0
		err := Do(ctx, settings, retryable, nil, func(ctx context.Context) error {
			calls++
			return errTransient
		})
		require.ErrorIs(t, err, errTransient)
		require.Equal(t, 3, calls)
	})

	t.Run("not retryable", func(t *testing.T) {
		calls := 0
		err := Do(ctx, settings, retryable, nil, func(ctx context.Context) error {
			calls++
			return errFatal
		})
		require.ErrorIs(t, err, errFatal)
		require.Equal(t, 1, calls)
	})

	t.Run("cancelled while waiting", func(t *testing.T) {
		cancelCtx, cancel := context.WithCancel(ctx)
		slow := Settings{InitialBackoff: time.Hour, Multiplier: 1, MaxAttempts: 2}
		err := Do(cancelCtx, slow, nil, func(int, time.Duration, error) { cancel() }, func(ctx context.Context) error {
			return errTransient
		})
		require.ErrorIs(t, err, context.Canceled)
		require.Contains(t, err.Error(), "connection refused")
	})

	t.Run("invalid settings", func(t *testing.T) {
		require.Error(t, Do(ctx, Settings{}, nil, nil, func(ctx context.Context) error { return nil }))
	})
}
