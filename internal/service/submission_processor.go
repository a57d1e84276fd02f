package service

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"os"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/noah-isme/gema-grader/internal/models"
	"github.com/noah-isme/gema-grader/internal/observability"
	"github.com/noah-isme/gema-grader/internal/retry"
	"github.com/noah-isme/gema-grader/pkg/apierr"
)

// SubmissionSource is the LMS as seen by the grading pipeline.
type SubmissionSource interface {
	ListPending(ctx context.Context) iter.Seq2[models.SubmissionRef, error]
	FetchDetail(ctx context.Context, ref models.SubmissionRef) (models.Submission, error)
	Download(ctx context.Context, file models.FileRef) (models.DownloadedFile, error)
	Submit(ctx context.Context, submission models.Submission, score int, feedback string) error
}

// ReviewClient scores a single downloaded file.
type ReviewClient interface {
	Review(ctx context.Context, file models.DownloadedFile) (models.ReviewResult, error)
}

// ProcessorConfig tunes the per-submission pipeline.
type ProcessorConfig struct {
	// MaxAttempts bounds rate-limited attempts of each external call.
	MaxAttempts int
}

type heldGrade struct {
	submission models.Submission
	score      int
	feedback   string
	files      []models.DownloadedFile
}

// SubmissionProcessor runs one submission through fetch, download, review, submit and cleanup.
type SubmissionProcessor struct {
	source    SubmissionSource
	reviewer  ReviewClient
	retry     *retry.Policy
	formatter *FeedbackFormatter
	logger    zerolog.Logger
	tracer    trace.Tracer
	config    ProcessorConfig
	remove    func(string) error
	now       func() time.Time
	held      map[string]heldGrade
}

// NewSubmissionProcessor constructs the pipeline.
func NewSubmissionProcessor(source SubmissionSource, reviewer ReviewClient, policy *retry.Policy, formatter *FeedbackFormatter, logger zerolog.Logger, cfg ProcessorConfig) *SubmissionProcessor {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if formatter == nil {
		formatter = NewFeedbackFormatter(0)
	}

	return &SubmissionProcessor{
		source:    source,
		reviewer:  reviewer,
		retry:     policy,
		formatter: formatter,
		logger:    logger.With().Str("component", "submission_processor").Logger(),
		tracer:    otel.Tracer("github.com/noah-isme/gema-grader/internal/service/processor"),
		config:    cfg,
		remove:    os.Remove,
		now:       time.Now,
		held:      make(map[string]heldGrade),
	}
}

// Process drives one submission to a terminal outcome. The returned error is
// non-nil only when upstream credentials were rejected.
func (p *SubmissionProcessor) Process(ctx context.Context, ref models.SubmissionRef, state *retry.BackoffState) (models.ProcessingOutcome, error) {
	ctx, span := p.tracer.Start(ctx, "submission.process", trace.WithAttributes(
		attribute.String("submission.id", ref.ID),
		attribute.String("submission.assignment", ref.AssignmentName),
	))
	defer span.End()

	start := p.now()
	outcome, err := p.process(ctx, span, ref, state)
	observability.SubmissionDuration().WithLabelValues(string(outcome.Kind)).Observe(p.now().Sub(start).Seconds())

	span.SetAttributes(attribute.String("submission.outcome", outcome.String()))
	return outcome, err
}

// Discard drops a review held in memory for a submission that will not be retried.
func (p *SubmissionProcessor) Discard(submissionID string) {
	delete(p.held, submissionID)
}

// Holding reports whether a reviewed grade is waiting to be submitted.
func (p *SubmissionProcessor) Holding(submissionID string) bool {
	_, ok := p.held[submissionID]
	return ok
}

func (p *SubmissionProcessor) process(ctx context.Context, span trace.Span, ref models.SubmissionRef, state *retry.BackoffState) (models.ProcessingOutcome, error) {
	logger := p.logger.With().Str("submission_id", ref.ID).Str("student", ref.StudentName).Logger()

	// External calls run to completion even if the run is interrupted; only waits observe ctx.
	callCtx := context.WithoutCancel(ctx)

	if grade, ok := p.held[ref.ID]; ok {
		logger.Info().Int("score", grade.score).Msg("resubmitting review held from previous attempt")
		return p.submit(ctx, callCtx, span, logger, state, grade)
	}

	var submission models.Submission
	err := p.retry.Execute(ctx, state, p.config.MaxAttempts, func() error {
		var err error
		submission, err = p.source.FetchDetail(callCtx, ref)
		return err
	})
	if err != nil {
		return p.fail(ctx, span, ref.ID, models.ReasonFetch, ErrFetch, err, nil)
	}
	if submission.ID == "" {
		submission.ID = ref.ID
	}
	if submission.StudentName == "" {
		submission.StudentName = ref.StudentName
	}

	if len(submission.Files) == 0 {
		span.SetStatus(codes.Error, string(models.ReasonNoFiles))
		return models.Failed(ref.ID, models.ReasonNoFiles, ErrNoFiles, nil), nil
	}

	files := make([]models.DownloadedFile, 0, len(submission.Files))
	for _, fileRef := range submission.Files {
		var file models.DownloadedFile
		err := p.retry.Execute(ctx, state, p.config.MaxAttempts, func() error {
			var err error
			file, err = p.source.Download(callCtx, fileRef)
			return err
		})
		if err != nil {
			return p.fail(ctx, span, ref.ID, models.ReasonDownload, ErrDownload, err, files)
		}
		files = append(files, file)
	}
	logger.Info().Int("files", len(files)).Msg("attachments downloaded")

	scores := make([]int, 0, len(files))
	feedback := make([]string, 0, len(files))
	for _, file := range files {
		var result models.ReviewResult
		err := p.retry.Execute(ctx, state, p.config.MaxAttempts, func() error {
			var err error
			result, err = p.reviewer.Review(callCtx, file)
			return err
		})
		if err != nil {
			return p.fail(ctx, span, ref.ID, models.ReasonReview, ErrReview, err, files)
		}
		if !result.Complete {
			return p.fail(ctx, span, ref.ID, models.ReasonReview, ErrReview, errors.New("reviewer returned an incomplete review"), files)
		}

		score, err := ParseScore(result.RawScore)
		if err != nil {
			logger.Warn().Str("raw_score", result.RawScore).Str("file", file.Source.Name).Msg("reviewer declared an invalid score")
			span.RecordError(err)
			span.SetStatus(codes.Error, string(models.ReasonInvalidScore))
			return models.Failed(ref.ID, models.ReasonInvalidScore, err, files), nil
		}

		logger.Debug().
			Str("file", file.Source.Name).
			Int("score", score).
			Str("feedback", p.formatter.Plain(result.Feedback)).
			Msg("file reviewed")

		scores = append(scores, score)
		feedback = append(feedback, result.Feedback)
	}

	grade := heldGrade{
		submission: submission,
		score:      meanScore(scores),
		feedback:   p.formatter.Format(feedback),
		files:      files,
	}
	logger.Info().Int("score", grade.score).Msg("review complete")

	return p.submit(ctx, callCtx, span, logger, state, grade)
}

func (p *SubmissionProcessor) submit(ctx, callCtx context.Context, span trace.Span, logger zerolog.Logger, state *retry.BackoffState, grade heldGrade) (models.ProcessingOutcome, error) {
	id := grade.submission.ID
	p.held[id] = grade

	err := p.retry.Execute(ctx, state, p.config.MaxAttempts, func() error {
		return p.source.Submit(callCtx, grade.submission, grade.score, grade.feedback)
	})
	if err != nil {
		outcome, fatal := p.fail(ctx, span, id, models.ReasonSubmit, ErrSubmit, err, grade.files)
		if outcome.Kind != models.OutcomeRateLimited {
			delete(p.held, id)
		}
		return outcome, fatal
	}

	delete(p.held, id)
	p.cleanup(logger, grade.files)
	logger.Info().Int("score", grade.score).Msg("grade submitted")

	span.SetAttributes(attribute.Int("submission.score", grade.score))
	return models.Success(id, grade.score), nil
}

func (p *SubmissionProcessor) cleanup(logger zerolog.Logger, files []models.DownloadedFile) {
	for _, file := range files {
		if err := p.remove(file.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
			logger.Warn().Err(err).Str("path", file.Path).Msg("failed to delete downloaded file")
		}
	}
}

func (p *SubmissionProcessor) fail(ctx context.Context, span trace.Span, id string, reason models.FailureReason, sentinel, err error, retained []models.DownloadedFile) (models.ProcessingOutcome, error) {
	span.RecordError(err)

	if apierr.IsFatal(err) {
		span.SetStatus(codes.Error, "credentials_rejected")
		return models.Failed(id, reason, err, retained), fmt.Errorf("%s: %w", reason, err)
	}

	if exhausted, ok := retry.AsExhausted(err); ok {
		span.SetStatus(codes.Error, "rate_limited")
		return models.RateLimited(id, exhausted.RetryAfter, err, retained), nil
	}

	if ctx.Err() != nil && retry.IsInterrupted(err) {
		span.SetStatus(codes.Error, "interrupted")
		return models.Failed(id, models.ReasonInterrupted, err, retained), nil
	}

	span.SetStatus(codes.Error, string(reason))
	return models.Failed(id, reason, fmt.Errorf("%w: %w", sentinel, err), retained), nil
}
