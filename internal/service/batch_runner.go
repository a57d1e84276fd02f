package service

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-grader/internal/models"
	"github.com/noah-isme/gema-grader/internal/observability"
	"github.com/noah-isme/gema-grader/internal/pacing"
	"github.com/noah-isme/gema-grader/internal/retry"
	"github.com/noah-isme/gema-grader/pkg/apierr"
)

const (
	defaultProbeWait = 20 * time.Minute
	probeHintBuffer  = time.Minute
)

// ErrAPIUnavailable indicates the LMS stayed throttled through the start-up probe.
var ErrAPIUnavailable = errors.New("lms api unavailable")

// Pacer supplies inter-submission delays and is told about successes.
type Pacer interface {
	DelayBeforeNextRequest(kind pacing.DelayKind) time.Duration
	OnSuccess()
}

// RunnerConfig tunes the batch loop.
type RunnerConfig struct {
	// BatchSize is the number of submissions between batch pauses; 0 disables batch pauses.
	BatchSize int
	// MaxSubmissionRetries bounds whole-submission retries after a rate-limited outcome.
	MaxSubmissionRetries int
	// MaxAttempts bounds rate-limited attempts when listing pending submissions.
	MaxAttempts int
}

// RunState is the only mutable state shared across iterations of one run.
type RunState struct {
	RunID     string
	Completed int
	Failed    int
	Backoff   retry.BackoffState
	handled   map[string]struct{}
}

// NewRunState starts an empty run with a fresh identifier.
func NewRunState() *RunState {
	return &RunState{RunID: uuid.NewString(), handled: make(map[string]struct{})}
}

func (s *RunState) markHandled(id string) {
	if s.handled == nil {
		s.handled = make(map[string]struct{})
	}
	s.handled[id] = struct{}{}
}

func (s *RunState) isHandled(id string) bool {
	_, ok := s.handled[id]
	return ok
}

// Summary is the running tally reported to operators.
type Summary struct {
	RunID       string        `json:"run_id"`
	Completed   int           `json:"completed"`
	Failed      int           `json:"failed"`
	Interrupted bool          `json:"interrupted"`
	Finished    bool          `json:"finished"`
	Elapsed     time.Duration `json:"elapsed"`
}

// Total is the number of submissions that reached a counted outcome.
func (s Summary) Total() int {
	return s.Completed + s.Failed
}

// BatchRunner processes pending submissions one at a time until none remain.
type BatchRunner struct {
	source    SubmissionSource
	processor *SubmissionProcessor
	retry     *retry.Policy
	pacer     Pacer
	clock     pacing.Clock
	publisher OutcomePublisher
	logger    zerolog.Logger
	config    RunnerConfig
	snapshot  atomic.Pointer[Summary]
}

// NewBatchRunner wires the loop.
func NewBatchRunner(source SubmissionSource, processor *SubmissionProcessor, policy *retry.Policy, pacer Pacer, clock pacing.Clock, publisher OutcomePublisher, logger zerolog.Logger, cfg RunnerConfig) *BatchRunner {
	if clock == nil {
		clock = pacing.SystemClock{}
	}
	if publisher == nil {
		publisher = NopOutcomePublisher{}
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.MaxSubmissionRetries < 0 {
		cfg.MaxSubmissionRetries = 0
	}

	runner := &BatchRunner{
		source:    source,
		processor: processor,
		retry:     policy,
		pacer:     pacer,
		clock:     clock,
		publisher: publisher,
		logger:    logger.With().Str("component", "batch_runner").Logger(),
		config:    cfg,
	}
	runner.snapshot.Store(&Summary{})
	return runner
}

// Snapshot returns the latest published tally. Safe for concurrent use.
func (r *BatchRunner) Snapshot() Summary {
	return *r.snapshot.Load()
}

// Probe checks the LMS is reachable and not throttling us before a run. When it
// is throttled it waits once for the server's hint and probes again.
func (r *BatchRunner) Probe(ctx context.Context) error {
	err := r.probeOnce(ctx)
	if err == nil {
		return nil
	}

	signal, ok := apierr.AsRateLimit(err)
	if !ok {
		return fmt.Errorf("probe lms api: %w", err)
	}

	wait := defaultProbeWait
	if signal.RetryAfter > 0 {
		wait = signal.RetryAfter + probeHintBuffer
	}
	r.logger.Warn().Dur("wait", wait).Msg("lms api is rate limiting us, waiting before starting")

	if err := r.clock.Sleep(ctx, wait); err != nil {
		return fmt.Errorf("probe wait: %w", err)
	}

	if err := r.probeOnce(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrAPIUnavailable, err)
	}
	return nil
}

func (r *BatchRunner) probeOnce(ctx context.Context) error {
	callCtx := context.WithoutCancel(ctx)
	for ref, err := range r.source.ListPending(callCtx) {
		if err != nil {
			return err
		}
		// Detail is the endpoint the LMS actually throttles.
		_, err = r.source.FetchDetail(callCtx, ref)
		return err
	}
	return nil
}

// Run processes submissions until the source is drained, the context is
// cancelled between iterations, or credentials are rejected.
func (r *BatchRunner) Run(ctx context.Context, state *RunState) (Summary, error) {
	if state == nil {
		state = NewRunState()
	}
	logger := r.logger.With().Str("run_id", state.RunID).Logger()
	start := r.clock.Now()

	summary := func(interrupted, finished bool) Summary {
		s := Summary{
			RunID:       state.RunID,
			Completed:   state.Completed,
			Failed:      state.Failed,
			Interrupted: interrupted,
			Finished:    finished,
			Elapsed:     r.clock.Now().Sub(start),
		}
		r.snapshot.Store(&s)
		return s
	}
	summary(false, false)

	processed := 0
	for {
		if ctx.Err() != nil {
			logger.Warn().Msg("run interrupted")
			return summary(true, false), nil
		}

		ref, found, err := r.nextPending(ctx, state)
		if err != nil {
			if ctx.Err() != nil && retry.IsInterrupted(err) {
				return summary(true, false), nil
			}
			return summary(false, false), fmt.Errorf("list pending submissions: %w", err)
		}
		if !found {
			logger.Info().Int("completed", state.Completed).Int("failed", state.Failed).Msg("no more submissions to process")
			return summary(false, true), nil
		}

		if processed > 0 {
			kind := pacing.RequestDelay
			if r.config.BatchSize > 0 && processed%r.config.BatchSize == 0 {
				kind = pacing.BatchDelay
			}
			delay := r.pacer.DelayBeforeNextRequest(kind)
			logger.Debug().Dur("delay", delay).Bool("batch_pause", kind == pacing.BatchDelay).Msg("waiting before next submission")
			if err := r.clock.Sleep(ctx, delay); err != nil {
				logger.Warn().Msg("run interrupted")
				return summary(true, false), nil
			}
		}

		outcome, err := r.processWithRetries(ctx, ref, state)
		if err != nil {
			logger.Error().Err(err).Str("submission_id", ref.ID).Msg("credentials rejected, stopping run")
			r.record(ctx, logger, state, ref, outcome)
			return summary(false, false), err
		}
		r.record(ctx, logger, state, ref, outcome)
		summary(false, false)

		if outcome.Reason == models.ReasonInterrupted {
			logger.Warn().Str("submission_id", ref.ID).Msg("run interrupted, files kept for re-run")
			return summary(true, false), nil
		}

		processed++
	}
}

func (r *BatchRunner) nextPending(ctx context.Context, state *RunState) (models.SubmissionRef, bool, error) {
	callCtx := context.WithoutCancel(ctx)

	var (
		next  models.SubmissionRef
		found bool
	)
	err := r.retry.Execute(ctx, &state.Backoff, r.config.MaxAttempts, func() error {
		found = false
		for ref, err := range r.source.ListPending(callCtx) {
			if err != nil {
				return err
			}
			if state.isHandled(ref.ID) {
				continue
			}
			next, found = ref, true
			return nil
		}
		return nil
	})

	return next, found, err
}

func (r *BatchRunner) processWithRetries(ctx context.Context, ref models.SubmissionRef, state *RunState) (models.ProcessingOutcome, error) {
	for retries := 0; ; retries++ {
		outcome, err := r.processor.Process(ctx, ref, &state.Backoff)
		if err != nil {
			r.processor.Discard(ref.ID)
			return outcome, err
		}
		if outcome.Kind != models.OutcomeRateLimited {
			return outcome, nil
		}

		if retries >= r.config.MaxSubmissionRetries {
			r.processor.Discard(ref.ID)
			return models.Failed(ref.ID, models.ReasonRateLimited, outcome.Err, outcome.Retained), nil
		}

		r.logger.Warn().
			Str("submission_id", ref.ID).
			Int("retry", retries+1).
			Int("max_retries", r.config.MaxSubmissionRetries).
			Msg("submission rate limited, backing off before retrying it")

		if err := r.retry.Backoff(ctx, &state.Backoff, outcome.RetryAfter); err != nil {
			return models.Failed(ref.ID, models.ReasonInterrupted, err, outcome.Retained), nil
		}
	}
}

func (r *BatchRunner) record(ctx context.Context, logger zerolog.Logger, state *RunState, ref models.SubmissionRef, outcome models.ProcessingOutcome) {
	state.markHandled(ref.ID)

	event := logger.Info()
	switch {
	case outcome.IsSuccess():
		state.Completed++
		r.retry.Reset(&state.Backoff)
		r.pacer.OnSuccess()
		event = event.Int("score", outcome.Score)
	case outcome.Reason == models.ReasonInterrupted:
		event = logger.Warn().Strs("retained_files", models.FilePaths(outcome.Retained))
	default:
		state.Failed++
		event = logger.Warn().
			Err(outcome.Err).
			Str("reason", string(outcome.Reason)).
			Strs("retained_files", models.FilePaths(outcome.Retained))
	}

	event.
		Str("submission_id", ref.ID).
		Str("student", ref.StudentName).
		Str("assignment", ref.AssignmentName).
		Str("outcome", string(outcome.Kind)).
		Int("completed", state.Completed).
		Int("failed", state.Failed).
		Msg("submission processed")

	observability.Submissions().WithLabelValues(string(outcome.Kind), string(outcome.Reason)).Inc()

	if err := r.publisher.Publish(context.WithoutCancel(ctx), NewOutcomeEvent(state.RunID, ref, outcome, r.clock.Now())); err != nil {
		logger.Warn().Err(err).Str("submission_id", ref.ID).Msg("failed to publish submission outcome")
	}
}
