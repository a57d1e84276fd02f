package lms

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"math/rand"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-grader/internal/models"
	"github.com/noah-isme/gema-grader/pkg/apierr"
)

const (
	sourceName      = "lms"
	defaultPageSize = 10
	defaultTimeout  = 30 * time.Second
	maxErrorBody    = 64 << 10
)

// Config contains the LMS endpoint and credentials.
type Config struct {
	BaseURL    string
	APIKey     string
	OrgID      string
	PageSize   int
	ScratchDir string
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     zerolog.Logger
	Rand       *rand.Rand
}

// Client talks to the LMS REST API.
type Client struct {
	baseURL  *url.URL
	apiKey   string
	orgID    string
	pageSize int
	scratch  string
	http     *http.Client
	logger   zerolog.Logger
	rnd      *rand.Rand
}

// New validates cfg and prepares the scratch directory.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("lms base url is required")
	}
	if cfg.APIKey == "" || cfg.OrgID == "" {
		return nil, fmt.Errorf("lms api key and org id are required")
	}

	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse lms base url: %w", err)
	}

	if cfg.PageSize <= 0 {
		cfg.PageSize = defaultPageSize
	}
	if cfg.ScratchDir == "" {
		cfg.ScratchDir = "assignments"
	}
	if err := os.MkdirAll(cfg.ScratchDir, 0o755); err != nil {
		return nil, fmt.Errorf("create scratch dir: %w", err)
	}

	client := cfg.HTTPClient
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		client = &http.Client{Timeout: timeout}
	}

	rnd := cfg.Rand
	if rnd == nil {
		rnd = rand.New(rand.NewSource(time.Now().UnixNano())) //nolint:gosec // retry-after padding
	}

	return &Client{
		baseURL:  base,
		apiKey:   cfg.APIKey,
		orgID:    cfg.OrgID,
		pageSize: cfg.PageSize,
		scratch:  cfg.ScratchDir,
		http:     client,
		logger:   cfg.Logger.With().Str("component", "lms_client").Logger(),
		rnd:      rnd,
	}, nil
}

type listResponse struct {
	Submissions []struct {
		AttemptID      flexID `json:"attempt_id"`
		Name           string `json:"name"`
		AssessmentName string `json:"assessment_name"`
	} `json:"submission"`
}

// ListPending yields ungraded submissions page by page. Pages are only
// requested as the caller keeps iterating.
func (c *Client) ListPending(ctx context.Context) iter.Seq2[models.SubmissionRef, error] {
	return func(yield func(models.SubmissionRef, error) bool) {
		for page := 1; ; page++ {
			query := url.Values{}
			query.Set("page", strconv.Itoa(page))
			query.Set("per_page", strconv.Itoa(c.pageSize))
			query.Set("evaluated", "0")
			query.Set("sort_order", "D")
			query.Set("sort_by", "submission_time")

			var payload listResponse
			if err := c.getJSON(ctx, c.endpoint("submissions")+"?"+query.Encode(), &payload); err != nil {
				yield(models.SubmissionRef{}, fmt.Errorf("list submissions page %d: %w", page, err))
				return
			}

			for _, row := range payload.Submissions {
				ref := models.SubmissionRef{
					ID:             string(row.AttemptID),
					StudentName:    row.Name,
					AssignmentName: row.AssessmentName,
				}
				if !yield(ref, nil) {
					return
				}
			}

			if len(payload.Submissions) < c.pageSize {
				return
			}
		}
	}
}

type detailResponse struct {
	Exercise struct {
		AttemptID    flexID `json:"attempt_id"`
		ExerciseID   flexID `json:"exercise_id"`
		ExerciseName string `json:"exercise_name"`
		ClassID      flexID `json:"class_id"`
		FileDetails  []struct {
			FilePath string `json:"file_path"`
		} `json:"file_details"`
	} `json:"exercise"`
}

// FetchDetail loads the exercise metadata and attachment list for one submission.
func (c *Client) FetchDetail(ctx context.Context, ref models.SubmissionRef) (models.Submission, error) {
	var payload detailResponse
	if err := c.getJSON(ctx, c.endpoint("assignment", "pasttest", ref.ID), &payload); err != nil {
		return models.Submission{}, fmt.Errorf("fetch submission %s: %w", ref.ID, err)
	}

	exercise := payload.Exercise
	submission := models.Submission{
		ID:           string(exercise.AttemptID),
		StudentName:  ref.StudentName,
		ExerciseID:   string(exercise.ExerciseID),
		ExerciseName: exercise.ExerciseName,
		ClassID:      string(exercise.ClassID),
	}
	if submission.ID == "" {
		submission.ID = ref.ID
	}

	for _, detail := range exercise.FileDetails {
		if strings.TrimSpace(detail.FilePath) == "" {
			continue
		}
		submission.Files = append(submission.Files, models.FileRef{
			SubmissionID: submission.ID,
			Index:        len(submission.Files),
			Name:         fileName(detail.FilePath),
			URL:          detail.FilePath,
		})
	}

	return submission, nil
}

// Download stores the attachment as <scratch>/<submission>-<index>-<name>.
func (c *Client) Download(ctx context.Context, file models.FileRef) (models.DownloadedFile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, file.URL, nil)
	if err != nil {
		return models.DownloadedFile{}, fmt.Errorf("build download request: %w", err)
	}
	if c.sameHost(req.URL) {
		c.authorize(req)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return models.DownloadedFile{}, fmt.Errorf("download %s: %w", file.Name, err)
	}
	defer resp.Body.Close()

	if err := c.checkResponse(resp); err != nil {
		return models.DownloadedFile{}, fmt.Errorf("download %s: %w", file.Name, err)
	}

	target := filepath.Join(c.scratch, fmt.Sprintf("%s-%d-%s", file.SubmissionID, file.Index, file.Name))
	tmp, err := os.CreateTemp(c.scratch, ".download-*")
	if err != nil {
		return models.DownloadedFile{}, fmt.Errorf("create temp file: %w", err)
	}
	size, copyErr := io.Copy(tmp, resp.Body)
	closeErr := tmp.Close()
	if err := errors.Join(copyErr, closeErr); err != nil {
		_ = os.Remove(tmp.Name())
		return models.DownloadedFile{}, fmt.Errorf("write %s: %w", file.Name, err)
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		_ = os.Remove(tmp.Name())
		return models.DownloadedFile{}, fmt.Errorf("store %s: %w", file.Name, err)
	}

	event := c.logger.Info().Str("submission_id", file.SubmissionID).Str("path", target).Int64("bytes", size)
	if mime, err := mimetype.DetectFile(target); err == nil {
		event = event.Str("mime", mime.String())
	}
	event.Msg("attachment downloaded")

	return models.DownloadedFile{Path: target, Source: file, Size: size}, nil
}

type marksPayload struct {
	ExerciseID      any    `json:"exercise_id"`
	ExerciseName    string `json:"exercise_name"`
	TestParts       string `json:"test_parts"`
	ClassID         any    `json:"class_id"`
	UserTestTime    int    `json:"user_test_time"`
	Mark            string `json:"mark"`
	FacultyComments string `json:"faculty_comments"`
}

// Submit posts the mark and feedback HTML for a submission.
func (c *Client) Submit(ctx context.Context, submission models.Submission, score int, feedback string) error {
	payload, err := json.Marshal(marksPayload{
		ExerciseID:      idValue(submission.ExerciseID),
		ExerciseName:    submission.ExerciseName,
		TestParts:       "[]",
		ClassID:         idValue(submission.ClassID),
		UserTestTime:    0,
		Mark:            strconv.Itoa(score),
		FacultyComments: feedback,
	})
	if err != nil {
		return fmt.Errorf("encode marks: %w", err)
	}

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	if err := writer.WriteField("JSONString", string(payload)); err != nil {
		return fmt.Errorf("encode marks form: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("encode marks form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("assignment", "attempt", submission.ID, "marks"), body)
	if err != nil {
		return fmt.Errorf("build submit request: %w", err)
	}
	c.authorize(req)
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("submit marks for %s: %w", submission.ID, err)
	}
	defer resp.Body.Close()

	if err := c.checkResponse(resp); err != nil {
		return fmt.Errorf("submit marks for %s: %w", submission.ID, err)
	}
	_, _ = io.Copy(io.Discard, resp.Body)

	c.logger.Info().Str("submission_id", submission.ID).Int("score", score).Msg("marks submitted")
	return nil
}

func (c *Client) getJSON(ctx context.Context, target string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	c.authorize(req)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := c.checkResponse(resp); err != nil {
		return err
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// checkResponse maps throttling and auth failures onto the shared error taxonomy.
func (c *Client) checkResponse(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	switch resp.StatusCode {
	case http.StatusTooManyRequests:
		return &apierr.RateLimitError{
			Source:     sourceName,
			StatusCode: resp.StatusCode,
			RetryAfter: apierr.RetryAfterFromResponse(resp.Header, body, c.rnd),
			Message:    strings.TrimSpace(string(body)),
		}
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("lms returned %d: %w", resp.StatusCode, apierr.ErrCredentialsRejected)
	default:
		return fmt.Errorf("lms returned %d: %s", resp.StatusCode, truncate(strings.TrimSpace(string(body)), 200))
	}
}

func (c *Client) authorize(req *http.Request) {
	req.Header.Set("apikey", c.apiKey)
	req.Header.Set("orgid", c.orgID)
}

func (c *Client) sameHost(u *url.URL) bool {
	return strings.EqualFold(u.Host, c.baseURL.Host)
}

func (c *Client) endpoint(segments ...string) string {
	escaped := make([]string, len(segments))
	for i, segment := range segments {
		escaped[i] = url.PathEscape(segment)
	}
	return c.baseURL.String() + "/" + strings.Join(escaped, "/")
}

func fileName(rawURL string) string {
	name := rawURL
	if parsed, err := url.Parse(rawURL); err == nil && parsed.Path != "" {
		name = parsed.Path
	}
	name = path.Base(name)
	if unescaped, err := url.PathUnescape(name); err == nil {
		name = unescaped
	}
	name = strings.Trim(name, "/")
	name = strings.Map(func(r rune) rune {
		if r == '/' || r == '\\' || r == 0 {
			return '_'
		}
		return r
	}, name)
	if name == "" || name == "." || name == ".." {
		return "attachment"
	}
	return name
}

func idValue(id string) any {
	if _, err := strconv.ParseInt(id, 10, 64); err == nil {
		return json.Number(id)
	}
	return id
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// flexID accepts identifiers encoded as JSON strings or numbers.
type flexID string

func (f *flexID) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*f = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("unsupported id %s: %w", data, err)
	}
	*f = flexID(n.String())
	return nil
}
