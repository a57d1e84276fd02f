package service

import (
	"context"
	"iter"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-grader/internal/models"
	"github.com/noah-isme/gema-grader/internal/pacing"
	"github.com/noah-isme/gema-grader/internal/retry"
)

type submittedGrade struct {
	score    int
	feedback string
}

// fakeSource is an in-memory LMS. Submitting a grade removes the submission
// from the pending listing, like the real evaluated=0 filter does.
type fakeSource struct {
	mu sync.Mutex

	dir       string
	pending   []models.SubmissionRef
	details   map[string]models.Submission
	submitted map[string]submittedGrade

	listErrs     []error
	detailErrs   map[string][]error
	downloadErrs map[string][]error
	submitErrs   map[string][]error

	listCalls     int
	detailCalls   int
	downloadCalls int
	submitCalls   int
}

func newFakeSource(t *testing.T) *fakeSource {
	t.Helper()
	return &fakeSource{
		dir:          t.TempDir(),
		details:      make(map[string]models.Submission),
		submitted:    make(map[string]submittedGrade),
		detailErrs:   make(map[string][]error),
		downloadErrs: make(map[string][]error),
		submitErrs:   make(map[string][]error),
	}
}

// add registers a pending submission with one file per name.
func (s *fakeSource) add(id string, names ...string) models.SubmissionRef {
	ref := models.SubmissionRef{ID: id, StudentName: "Student " + id, AssignmentName: "Essay"}
	submission := models.Submission{
		ID:           id,
		StudentName:  ref.StudentName,
		ExerciseID:   "ex-" + id,
		ExerciseName: "Essay",
		ClassID:      "class-1",
	}
	for _, name := range names {
		submission.Files = append(submission.Files, models.FileRef{
			SubmissionID: id,
			Name:         name,
			URL:          "https://files.example.test/" + id + "/" + name,
		})
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = append(s.pending, ref)
	s.details[id] = submission
	return ref
}

func pop(queue map[string][]error, key string) error {
	errs := queue[key]
	if len(errs) == 0 {
		return nil
	}
	queue[key] = errs[1:]
	return errs[0]
}

func (s *fakeSource) ListPending(context.Context) iter.Seq2[models.SubmissionRef, error] {
	return func(yield func(models.SubmissionRef, error) bool) {
		s.mu.Lock()
		s.listCalls++
		var err error
		if len(s.listErrs) > 0 {
			err, s.listErrs = s.listErrs[0], s.listErrs[1:]
		}
		refs := make([]models.SubmissionRef, 0, len(s.pending))
		for _, ref := range s.pending {
			if _, done := s.submitted[ref.ID]; !done {
				refs = append(refs, ref)
			}
		}
		s.mu.Unlock()

		if err != nil {
			yield(models.SubmissionRef{}, err)
			return
		}
		for _, ref := range refs {
			if !yield(ref, nil) {
				return
			}
		}
	}
}

func (s *fakeSource) FetchDetail(_ context.Context, ref models.SubmissionRef) (models.Submission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.detailCalls++
	if err := pop(s.detailErrs, ref.ID); err != nil {
		return models.Submission{}, err
	}
	return s.details[ref.ID], nil
}

func (s *fakeSource) Download(_ context.Context, file models.FileRef) (models.DownloadedFile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.downloadCalls++
	if err := pop(s.downloadErrs, file.Name); err != nil {
		return models.DownloadedFile{}, err
	}

	path := filepath.Join(s.dir, file.SubmissionID+"-"+file.Name)
	content := []byte("%PDF-1.4 " + file.Name)
	if err := os.WriteFile(path, content, 0o600); err != nil {
		return models.DownloadedFile{}, err
	}
	return models.DownloadedFile{Path: path, Source: file, Size: int64(len(content))}, nil
}

func (s *fakeSource) Submit(_ context.Context, submission models.Submission, score int, feedback string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.submitCalls++
	if err := pop(s.submitErrs, submission.ID); err != nil {
		return err
	}
	s.submitted[submission.ID] = submittedGrade{score: score, feedback: feedback}
	return nil
}

func (s *fakeSource) grade(id string) (submittedGrade, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	grade, ok := s.submitted[id]
	return grade, ok
}

type reviewStep struct {
	result models.ReviewResult
	err    error
}

// fakeReviewer replays scripted steps keyed by file name, then falls back to a default result.
type fakeReviewer struct {
	mu       sync.Mutex
	steps    map[string][]reviewStep
	fallback models.ReviewResult
	calls    int
}

func newFakeReviewer(rawScore string) *fakeReviewer {
	return &fakeReviewer{
		steps: make(map[string][]reviewStep),
		fallback: models.ReviewResult{
			RawScore: rawScore,
			Feedback: "=== REVIEW ===\nWell argued essay.\n=== SCORE ===\nMARKS: " + rawScore,
			Complete: true,
			Model:    "test-model",
		},
	}
}

func (r *fakeReviewer) script(name string, steps ...reviewStep) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.steps[name] = append(r.steps[name], steps...)
}

func (r *fakeReviewer) Review(_ context.Context, file models.DownloadedFile) (models.ReviewResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if steps := r.steps[file.Source.Name]; len(steps) > 0 {
		r.steps[file.Source.Name] = steps[1:]
		return steps[0].result, steps[0].err
	}
	return r.fallback, nil
}

func (r *fakeReviewer) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

type harness struct {
	source    *fakeSource
	reviewer  *fakeReviewer
	clock     *pacing.ManualClock
	limiter   *pacing.RateLimiter
	policy    *retry.Policy
	processor *SubmissionProcessor
}

func newHarness(t *testing.T, rawScore string) *harness {
	t.Helper()

	limiter := pacing.NewRateLimiter(pacing.Config{
		RequestDelayMin: 2 * time.Second,
		RequestDelayMax: 5 * time.Second,
		BatchDelayMin:   5 * time.Second,
		BatchDelayMax:   10 * time.Second,
		BackoffBase:     10 * time.Second,
		BackoffMax:      time.Hour,
	}, rand.New(rand.NewSource(7)))
	clock := pacing.NewManualClock(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC))
	policy := retry.NewPolicy(limiter, clock, zerolog.Nop())

	source := newFakeSource(t)
	reviewer := newFakeReviewer(rawScore)
	processor := NewSubmissionProcessor(source, reviewer, policy, NewFeedbackFormatter(0), zerolog.Nop(), ProcessorConfig{MaxAttempts: 3})

	return &harness{
		source:    source,
		reviewer:  reviewer,
		clock:     clock,
		limiter:   limiter,
		policy:    policy,
		processor: processor,
	}
}

func requireFileExists(t *testing.T, path string) {
	t.Helper()
	_, err := os.Stat(path)
	require.NoError(t, err, "expected %s to be kept", path)
}

func requireFileGone(t *testing.T, path string) {
	t.Helper()
	_, err := os.Stat(path)
	require.ErrorIs(t, err, os.ErrNotExist, "expected %s to be deleted", path)
}
