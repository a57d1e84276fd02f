package models

import (
	"fmt"
	"time"
)

// OutcomeKind tags the terminal state of one submission's processing.
type OutcomeKind string

const (
	// OutcomeSuccess means the grade was accepted by the LMS and local files were removed.
	OutcomeSuccess OutcomeKind = "success"
	// OutcomeFailed means processing stopped; files are kept for manual inspection.
	OutcomeFailed OutcomeKind = "failed"
	// OutcomeRateLimited means an upstream API throttled us; the submission may be retried.
	OutcomeRateLimited OutcomeKind = "rate_limited"
)

// FailureReason names why a submission ended in OutcomeFailed.
type FailureReason string

const (
	ReasonFetch        FailureReason = "fetch-error"
	ReasonDownload     FailureReason = "download-error"
	ReasonNoFiles      FailureReason = "no-files"
	ReasonReview       FailureReason = "review-error"
	ReasonInvalidScore FailureReason = "invalid-score"
	ReasonSubmit       FailureReason = "submit-error"
	ReasonRateLimited  FailureReason = "rate-limited"
	ReasonInterrupted  FailureReason = "interrupted"
)

// ProcessingOutcome is the result of running one submission through the pipeline.
type ProcessingOutcome struct {
	SubmissionID string
	Kind         OutcomeKind
	Reason       FailureReason
	RetryAfter   time.Duration
	Score        int
	Retained     []DownloadedFile
	Err          error
}

// Success builds a successful outcome.
func Success(submissionID string, score int) ProcessingOutcome {
	return ProcessingOutcome{SubmissionID: submissionID, Kind: OutcomeSuccess, Score: score}
}

// Failed builds a failed outcome that keeps the given files on disk.
func Failed(submissionID string, reason FailureReason, err error, retained []DownloadedFile) ProcessingOutcome {
	return ProcessingOutcome{
		SubmissionID: submissionID,
		Kind:         OutcomeFailed,
		Reason:       reason,
		Err:          err,
		Retained:     retained,
	}
}

// RateLimited builds a throttled outcome carrying the last server hint.
func RateLimited(submissionID string, retryAfter time.Duration, err error, retained []DownloadedFile) ProcessingOutcome {
	return ProcessingOutcome{
		SubmissionID: submissionID,
		Kind:         OutcomeRateLimited,
		RetryAfter:   retryAfter,
		Err:          err,
		Retained:     retained,
	}
}

// IsSuccess reports whether the outcome is OutcomeSuccess.
func (o ProcessingOutcome) IsSuccess() bool {
	return o.Kind == OutcomeSuccess
}

func (o ProcessingOutcome) String() string {
	switch o.Kind {
	case OutcomeFailed:
		return fmt.Sprintf("failed(%s)", o.Reason)
	case OutcomeRateLimited:
		return fmt.Sprintf("rate_limited(%s)", o.RetryAfter)
	default:
		return string(o.Kind)
	}
}
