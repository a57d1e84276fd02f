package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-grader/internal/observability"
	"github.com/noah-isme/gema-grader/internal/pacing"
	"github.com/noah-isme/gema-grader/pkg/apierr"
)

// BackoffState is the process-wide rate-limit attempt counter for one run.
// Only Policy mutates it.
type BackoffState struct {
	Attempt  int
	LastHint time.Duration
}

// ExhaustedError is returned when every allowed attempt was rate limited.
type ExhaustedError struct {
	Attempts   int
	RetryAfter time.Duration
	Err        error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("still rate limited after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Err
}

// AsExhausted extracts an ExhaustedError from err, if present.
func AsExhausted(err error) (*ExhaustedError, bool) {
	var exhausted *ExhaustedError
	if errors.As(err, &exhausted) {
		return exhausted, true
	}
	return nil, false
}

// IsInterrupted reports whether err came from a cancelled wait.
func IsInterrupted(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// Backoffer supplies backoff delays and is told about throttling.
type Backoffer interface {
	CurrentBackoffDelay(attempt int) time.Duration
	OnRateLimitedSignal()
}

// Policy retries operations that fail with a rate-limit signal, and nothing else.
type Policy struct {
	backoff Backoffer
	clock   pacing.Clock
	logger  zerolog.Logger
}

// NewPolicy constructs a retry policy sleeping on clock.
func NewPolicy(backoff Backoffer, clock pacing.Clock, logger zerolog.Logger) *Policy {
	if clock == nil {
		clock = pacing.SystemClock{}
	}

	return &Policy{
		backoff: backoff,
		clock:   clock,
		logger:  logger.With().Str("component", "retry_policy").Logger(),
	}
}

// Execute runs op up to maxAttempts times. Only rate-limit errors are retried;
// any other failure is returned after the first attempt.
func (p *Policy) Execute(ctx context.Context, state *BackoffState, maxAttempts int, op func() error) error {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	for attempt := 1; ; attempt++ {
		err := op()
		if err == nil {
			return nil
		}

		signal, ok := apierr.AsRateLimit(err)
		if !ok {
			return err
		}

		state.LastHint = signal.RetryAfter
		p.backoff.OnRateLimitedSignal()
		observability.RateLimitSignals().WithLabelValues(signal.Source).Inc()

		if attempt >= maxAttempts {
			return &ExhaustedError{Attempts: attempt, RetryAfter: signal.RetryAfter, Err: err}
		}

		if err := p.Backoff(ctx, state, signal.RetryAfter); err != nil {
			return err
		}
	}
}

// Backoff escalates the shared attempt counter and sleeps for the larger of
// the computed backoff and the server hint.
func (p *Policy) Backoff(ctx context.Context, state *BackoffState, hint time.Duration) error {
	state.Attempt++
	delay := p.backoff.CurrentBackoffDelay(state.Attempt)
	if hint > delay {
		delay = hint
	}

	p.logger.Warn().
		Int("attempt", state.Attempt).
		Dur("delay", delay).
		Dur("server_hint", hint).
		Msg("rate limited, backing off")
	observability.BackoffSeconds().Observe(delay.Seconds())

	if err := p.clock.Sleep(ctx, delay); err != nil {
		return fmt.Errorf("backoff interrupted: %w", err)
	}
	return nil
}

// Reset clears the backoff state after a fully successful submission.
func (p *Policy) Reset(state *BackoffState) {
	state.Attempt = 0
	state.LastHint = 0
}
