package retry

import (
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-grader/internal/pacing"
	"github.com/noah-isme/gema-grader/pkg/apierr"
)

func newTestPolicy(t *testing.T) (*Policy, *pacing.ManualClock, *pacing.RateLimiter) {
	t.Helper()
	limiter := pacing.NewRateLimiter(pacing.Config{
		BackoffBase: 10 * time.Second,
		BackoffMax:  time.Hour,
	}, rand.New(rand.NewSource(3)))
	clock := pacing.NewManualClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	return NewPolicy(limiter, clock, zerolog.Nop()), clock, limiter
}

func TestExecuteDoesNotRetryOrdinaryErrors(t *testing.T) {
	policy, clock, _ := newTestPolicy(t)
	state := &BackoffState{}
	boom := errors.New("connection reset")

	calls := 0
	err := policy.Execute(context.Background(), state, 5, func() error {
		calls++
		return boom
	})

	require.ErrorIs(t, err, boom)
	require.Equal(t, 1, calls)
	require.Empty(t, clock.Sleeps())
	require.Zero(t, state.Attempt)
}

func TestExecuteRetriesRateLimitUntilSuccess(t *testing.T) {
	policy, clock, _ := newTestPolicy(t)
	state := &BackoffState{}

	calls := 0
	err := policy.Execute(context.Background(), state, 3, func() error {
		calls++
		if calls < 3 {
			return &apierr.RateLimitError{Source: "ai"}
		}
		return nil
	})

	require.NoError(t, err)
	require.Equal(t, 3, calls)
	require.Equal(t, 2, state.Attempt)

	sleeps := clock.Sleeps()
	require.Len(t, sleeps, 2)
	require.Less(t, sleeps[0], sleeps[1])
}

func TestExecuteReturnsExhaustedWithLastHint(t *testing.T) {
	policy, clock, limiter := newTestPolicy(t)
	state := &BackoffState{}

	calls := 0
	err := policy.Execute(context.Background(), state, 3, func() error {
		calls++
		return &apierr.RateLimitError{Source: "lms", RetryAfter: time.Duration(calls) * time.Minute}
	})

	exhausted, ok := AsExhausted(err)
	require.True(t, ok)
	require.Equal(t, 3, exhausted.Attempts)
	require.Equal(t, 3*time.Minute, exhausted.RetryAfter)
	require.Equal(t, 3*time.Minute, state.LastHint)
	require.Equal(t, 3, calls)
	require.Len(t, clock.Sleeps(), 2)
	require.Equal(t, 8, limiter.Multiplier())

	_, isSignal := apierr.AsRateLimit(err)
	require.True(t, isSignal)
}

func TestBackoffHonoursLargerServerHint(t *testing.T) {
	policy, clock, _ := newTestPolicy(t)
	state := &BackoffState{}

	require.NoError(t, policy.Backoff(context.Background(), state, 30*time.Minute))
	require.Equal(t, []time.Duration{30 * time.Minute}, clock.Sleeps())
	require.Equal(t, 1, state.Attempt)

	policy.Reset(state)
	require.Zero(t, state.Attempt)
	require.Zero(t, state.LastHint)
}

func TestBackoffInterrupted(t *testing.T) {
	policy, _, _ := newTestPolicy(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := policy.Backoff(ctx, &BackoffState{}, 0)
	require.Error(t, err)
	require.True(t, IsInterrupted(err))
}

func TestSharedAttemptCounterEscalatesAcrossCalls(t *testing.T) {
	policy, clock, _ := newTestPolicy(t)
	state := &BackoffState{}

	throttled := func() error { return &apierr.RateLimitError{Source: "ai"} }
	_ = policy.Execute(context.Background(), state, 2, throttled)
	_ = policy.Execute(context.Background(), state, 2, throttled)

	sleeps := clock.Sleeps()
	require.Len(t, sleeps, 2)
	require.Equal(t, 2, state.Attempt)
	require.Less(t, sleeps[0], sleeps[1])
}
