package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-grader/internal/models"
	"github.com/noah-isme/gema-grader/pkg/apierr"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []OutcomeEvent
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, event OutcomeEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return p.err
}

func (p *recordingPublisher) recorded() []OutcomeEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]OutcomeEvent, len(p.events))
	copy(out, p.events)
	return out
}

func newRunner(h *harness, publisher OutcomePublisher, cfg RunnerConfig) *BatchRunner {
	return NewBatchRunner(h.source, h.processor, h.policy, h.limiter, h.clock, publisher, zerolog.Nop(), cfg)
}

func TestRunEmptySource(t *testing.T) {
	h := newHarness(t, "70")
	runner := newRunner(h, nil, RunnerConfig{BatchSize: 10, MaxSubmissionRetries: 2})

	summary, err := runner.Run(context.Background(), NewRunState())
	require.NoError(t, err)
	require.Zero(t, summary.Completed)
	require.Zero(t, summary.Failed)
	require.True(t, summary.Finished)
	require.False(t, summary.Interrupted)
	require.Empty(t, h.clock.Sleeps())
	require.Equal(t, summary, runner.Snapshot())
}

func TestRunProcessesEverySubmissionOnce(t *testing.T) {
	h := newHarness(t, "70")
	h.source.add("s-1", "essay.pdf")
	h.source.add("s-2", "essay.pdf")
	h.source.add("s-3")
	publisher := &recordingPublisher{}
	runner := newRunner(h, publisher, RunnerConfig{BatchSize: 10, MaxSubmissionRetries: 2})

	state := NewRunState()
	summary, err := runner.Run(context.Background(), state)
	require.NoError(t, err)
	require.Equal(t, 2, summary.Completed)
	require.Equal(t, 1, summary.Failed)
	require.Equal(t, 3, summary.Total())
	require.Equal(t, state.RunID, summary.RunID)
	require.True(t, summary.Finished)

	events := publisher.recorded()
	require.Len(t, events, 3)
	require.Equal(t, "s-3", events[2].SubmissionID)
	require.Equal(t, string(models.ReasonNoFiles), events[2].Reason)
	require.NotNil(t, events[0].Score)
	require.Equal(t, 70, *events[0].Score)

	// Pauses only happen between submissions.
	sleeps := h.clock.Sleeps()
	require.Len(t, sleeps, 2)
	for _, d := range sleeps {
		require.GreaterOrEqual(t, d, 2*time.Second)
		require.LessOrEqual(t, d, 5*time.Second)
	}

	// A second run sees nothing new except the submission that had no files.
	rerun, err := runner.Run(context.Background(), NewRunState())
	require.NoError(t, err)
	require.Zero(t, rerun.Completed)
	require.Equal(t, 1, rerun.Failed)
	require.Equal(t, 2, h.source.submitCalls)
}

func TestRunPausesLongerAfterEachBatch(t *testing.T) {
	h := newHarness(t, "70")
	for i := 1; i <= 5; i++ {
		h.source.add(fmt.Sprintf("s-%d", i), "essay.pdf")
	}
	runner := newRunner(h, nil, RunnerConfig{BatchSize: 2, MaxSubmissionRetries: 2})

	summary, err := runner.Run(context.Background(), NewRunState())
	require.NoError(t, err)
	require.Equal(t, 5, summary.Completed)

	sleeps := h.clock.Sleeps()
	require.Len(t, sleeps, 4)
	for i, d := range sleeps {
		if i%2 == 1 {
			require.GreaterOrEqual(t, d, 5*time.Second, "pause %d should be a batch pause", i)
			require.LessOrEqual(t, d, 10*time.Second)
			continue
		}
		require.GreaterOrEqual(t, d, 2*time.Second, "pause %d should be a request pause", i)
		require.LessOrEqual(t, d, 5*time.Second)
	}
}

func TestRunGivesUpAfterMaxSubmissionRetries(t *testing.T) {
	h := newHarness(t, "82")
	h.source.add("s-1", "essay.pdf")
	throttled := &apierr.RateLimitError{Source: "lms", StatusCode: 429}
	for range 9 {
		h.source.submitErrs["s-1"] = append(h.source.submitErrs["s-1"], throttled)
	}
	publisher := &recordingPublisher{}
	runner := newRunner(h, publisher, RunnerConfig{MaxSubmissionRetries: 2, MaxAttempts: 3})

	summary, err := runner.Run(context.Background(), NewRunState())
	require.NoError(t, err)
	require.Zero(t, summary.Completed)
	require.Equal(t, 1, summary.Failed)

	require.Equal(t, 1, h.reviewer.callCount())
	require.Equal(t, 9, h.source.submitCalls)
	require.False(t, h.processor.Holding("s-1"))
	require.Len(t, h.clock.Sleeps(), 8)

	events := publisher.recorded()
	require.Len(t, events, 1)
	require.Equal(t, string(models.OutcomeFailed), events[0].Outcome)
	require.Equal(t, string(models.ReasonRateLimited), events[0].Reason)
	require.Len(t, events[0].RetainedFiles, 1)
	requireFileExists(t, events[0].RetainedFiles[0])
}

func TestRunRecoversFromThrottledSubmission(t *testing.T) {
	h := newHarness(t, "82")
	h.source.add("s-1", "essay.pdf")
	throttled := &apierr.RateLimitError{Source: "lms", StatusCode: 429}
	h.source.submitErrs["s-1"] = []error{throttled, throttled, throttled}
	runner := newRunner(h, nil, RunnerConfig{MaxSubmissionRetries: 2, MaxAttempts: 3})

	state := NewRunState()
	summary, err := runner.Run(context.Background(), state)
	require.NoError(t, err)
	require.Equal(t, 1, summary.Completed)
	require.Equal(t, 1, h.reviewer.callCount())
	require.Zero(t, state.Backoff.Attempt)
	// Three throttles escalate pacing to 8x and the success relaxes it once.
	require.Equal(t, 4, h.limiter.Multiplier())
}

func TestRunStopsWhenCredentialsRejected(t *testing.T) {
	h := newHarness(t, "82")
	h.source.add("s-1", "essay.pdf")
	h.source.add("s-2", "essay.pdf")
	h.source.detailErrs["s-1"] = []error{fmt.Errorf("lms returned 403: %w", apierr.ErrCredentialsRejected)}
	runner := newRunner(h, nil, RunnerConfig{MaxSubmissionRetries: 2})

	summary, err := runner.Run(context.Background(), NewRunState())
	require.ErrorIs(t, err, apierr.ErrCredentialsRejected)
	require.False(t, summary.Finished)
	require.Equal(t, 1, h.source.detailCalls)
	require.Zero(t, h.source.submitCalls)
}

func TestRunStopsWhenListingFails(t *testing.T) {
	h := newHarness(t, "82")
	h.source.add("s-1", "essay.pdf")
	h.source.listErrs = []error{errors.New("service unavailable")}
	runner := newRunner(h, nil, RunnerConfig{})

	_, err := runner.Run(context.Background(), NewRunState())
	require.ErrorContains(t, err, "list pending submissions")
	require.Zero(t, h.source.detailCalls)
}

func TestRunRetriesThrottledListing(t *testing.T) {
	h := newHarness(t, "82")
	h.source.add("s-1", "essay.pdf")
	h.source.listErrs = []error{&apierr.RateLimitError{Source: "lms", RetryAfter: 90 * time.Second}}
	runner := newRunner(h, nil, RunnerConfig{})

	summary, err := runner.Run(context.Background(), NewRunState())
	require.NoError(t, err)
	require.Equal(t, 1, summary.Completed)
	require.Equal(t, 90*time.Second, h.clock.Sleeps()[0])
}

func TestRunInterruptedBeforeStart(t *testing.T) {
	h := newHarness(t, "82")
	h.source.add("s-1", "essay.pdf")
	runner := newRunner(h, nil, RunnerConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	summary, err := runner.Run(ctx, NewRunState())
	require.NoError(t, err)
	require.True(t, summary.Interrupted)
	require.Zero(t, summary.Total())
	require.Zero(t, h.source.listCalls)
}

func TestRunIgnoresPublishFailures(t *testing.T) {
	h := newHarness(t, "82")
	h.source.add("s-1", "essay.pdf")
	runner := newRunner(h, &recordingPublisher{err: errors.New("nats: connection closed")}, RunnerConfig{})

	summary, err := runner.Run(context.Background(), NewRunState())
	require.NoError(t, err)
	require.Equal(t, 1, summary.Completed)
}

func TestProbeWaitsForServerHint(t *testing.T) {
	h := newHarness(t, "82")
	h.source.add("s-1", "essay.pdf")
	h.source.detailErrs["s-1"] = []error{&apierr.RateLimitError{Source: "lms", RetryAfter: 2 * time.Minute}}
	runner := newRunner(h, nil, RunnerConfig{})

	require.NoError(t, runner.Probe(context.Background()))
	require.Equal(t, []time.Duration{3 * time.Minute}, h.clock.Sleeps())
}

func TestProbeFallsBackToDefaultWait(t *testing.T) {
	h := newHarness(t, "82")
	h.source.add("s-1", "essay.pdf")
	throttled := &apierr.RateLimitError{Source: "lms"}
	h.source.detailErrs["s-1"] = []error{throttled, throttled}
	runner := newRunner(h, nil, RunnerConfig{})

	err := runner.Probe(context.Background())
	require.ErrorIs(t, err, ErrAPIUnavailable)
	require.Equal(t, []time.Duration{20 * time.Minute}, h.clock.Sleeps())
}

func TestProbeCredentialsRejected(t *testing.T) {
	h := newHarness(t, "82")
	h.source.add("s-1", "essay.pdf")
	h.source.detailErrs["s-1"] = []error{apierr.ErrCredentialsRejected}
	runner := newRunner(h, nil, RunnerConfig{})

	err := runner.Probe(context.Background())
	require.ErrorIs(t, err, apierr.ErrCredentialsRejected)
	require.NotErrorIs(t, err, ErrAPIUnavailable)
	require.Empty(t, h.clock.Sleeps())
	require.Equal(t, 1, h.source.detailCalls)
}

func TestProbeEmptySource(t *testing.T) {
	h := newHarness(t, "82")
	runner := newRunner(h, nil, RunnerConfig{})

	require.NoError(t, runner.Probe(context.Background()))
	require.Zero(t, h.source.detailCalls)
}
