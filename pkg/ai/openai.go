package ai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/gabriel-vasile/mimetype"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/noah-isme/gema-grader/internal/models"
	"github.com/noah-isme/gema-grader/pkg/apierr"
)

const (
	sourceName          = "ai"
	defaultMaxFileBytes = 20 << 20
)

var (
	aiDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "grader",
		Subsystem: "ai",
		Name:      "review_duration_seconds",
		Help:      "Duration of AI review requests",
	}, []string{"model"})

	aiFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "grader",
		Subsystem: "ai",
		Name:      "review_failures_total",
		Help:      "Number of AI review failures",
	}, []string{"model", "kind"})
)

// OpenAIConfig defines configuration options for the OpenAI-compatible reviewer.
type OpenAIConfig struct {
	APIKey string
	// BaseURL points at any OpenAI-compatible endpoint, e.g. Gemini's.
	BaseURL      string
	Model        string
	MaxTokens    int
	Temperature  float32
	TotalMarks   int
	MaxFileBytes int64
	HTTPClient   *http.Client
	Logger       zerolog.Logger
}

// OpenAIReviewer grades one student document per chat completion request.
type OpenAIReviewer struct {
	client *openai.Client
	cfg    OpenAIConfig
	schema *jsonschema.Schema
	tracer trace.Tracer
	logger zerolog.Logger
}

// NewOpenAIReviewer builds a new reviewer using the provided configuration.
func NewOpenAIReviewer(cfg OpenAIConfig) (*OpenAIReviewer, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("ai api key is required")
	}

	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}

	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 1024
	}

	if cfg.TotalMarks <= 0 {
		cfg.TotalMarks = 100
	}

	if cfg.MaxFileBytes <= 0 {
		cfg.MaxFileBytes = defaultMaxFileBytes
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("review.schema.json", strings.NewReader(reviewSchema)); err != nil {
		return nil, fmt.Errorf("load review schema: %w", err)
	}
	schema, err := compiler.Compile("review.schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile review schema: %w", err)
	}

	config := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		config.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	if cfg.HTTPClient != nil {
		config.HTTPClient = cfg.HTTPClient
	}

	return &OpenAIReviewer{
		client: openai.NewClientWithConfig(config),
		cfg:    cfg,
		schema: schema,
		tracer: otel.Tracer("github.com/noah-isme/gema-grader/pkg/ai/openai"),
		logger: cfg.Logger.With().Str("component", "ai_reviewer").Logger(),
	}, nil
}

// Review sends the document to the model and parses its verdict.
func (r *OpenAIReviewer) Review(parent context.Context, file models.DownloadedFile) (models.ReviewResult, error) {
	ctx, span := r.tracer.Start(parent, "openai.review", trace.WithAttributes(
		attribute.String("model", r.cfg.Model),
		attribute.String("file.name", file.Source.Name),
	))
	defer span.End()

	part, err := r.documentPart(file)
	if err != nil {
		r.fail(span, "document", err)
		return models.ReviewResult{}, err
	}

	start := time.Now()
	request := openai.ChatCompletionRequest{
		Model:       r.cfg.Model,
		MaxTokens:   r.cfg.MaxTokens,
		Temperature: r.cfg.Temperature,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleSystem,
				Content: reviewerSystemPrompt(r.cfg.TotalMarks),
			},
			{
				Role: openai.ChatMessageRoleUser,
				MultiContent: []openai.ChatMessagePart{
					{Type: openai.ChatMessagePartTypeText, Text: fmt.Sprintf("Review the attached submission %q. Return JSON.", file.Source.Name)},
					part,
				},
			},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject},
	}

	resp, err := r.client.CreateChatCompletion(ctx, request)
	aiDuration.WithLabelValues(r.cfg.Model).Observe(time.Since(start).Seconds())
	if err != nil {
		err = classifyError(err)
		r.fail(span, "request", err)
		return models.ReviewResult{}, fmt.Errorf("openai review: %w", err)
	}

	if len(resp.Choices) == 0 {
		err := fmt.Errorf("no choices returned from model")
		r.fail(span, "empty", err)
		return models.ReviewResult{}, err
	}

	choice := resp.Choices[0]
	if choice.FinishReason == openai.FinishReasonLength || choice.FinishReason == openai.FinishReasonContentFilter {
		r.logger.Warn().Str("file", file.Source.Name).Str("finish_reason", string(choice.FinishReason)).Msg("model stopped before finishing the review")
		return models.ReviewResult{Model: resp.Model, Complete: false}, nil
	}

	result, err := r.parseReview(strings.TrimSpace(choice.Message.Content))
	if err != nil {
		r.fail(span, "parse", err)
		return models.ReviewResult{}, err
	}
	result.Model = resp.Model

	span.SetAttributes(attribute.Int("usage.total_tokens", resp.Usage.TotalTokens))
	r.logger.Debug().Str("file", file.Source.Name).Str("raw_score", result.RawScore).Msg("review received")

	return result, nil
}

func (r *OpenAIReviewer) fail(span trace.Span, kind string, err error) {
	aiFailures.WithLabelValues(r.cfg.Model, kind).Inc()
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// documentPart reads the attachment and encodes it in a form the model accepts.
func (r *OpenAIReviewer) documentPart(file models.DownloadedFile) (openai.ChatMessagePart, error) {
	info, err := os.Stat(file.Path)
	if err != nil {
		return openai.ChatMessagePart{}, fmt.Errorf("stat %s: %w", file.Source.Name, err)
	}
	if info.Size() > r.cfg.MaxFileBytes {
		return openai.ChatMessagePart{}, fmt.Errorf("%w: %s is %d bytes", ErrDocumentTooLarge, file.Source.Name, info.Size())
	}

	data, err := os.ReadFile(file.Path)
	if err != nil {
		return openai.ChatMessagePart{}, fmt.Errorf("read %s: %w", file.Source.Name, err)
	}

	mime := mimetype.Detect(data)
	switch {
	case mime.Is("application/pdf"):
		return openai.ChatMessagePart{
			Type: openai.ChatMessagePartTypeImageURL,
			ImageURL: &openai.ChatMessageImageURL{
				URL: "data:application/pdf;base64," + base64.StdEncoding.EncodeToString(data),
			},
		}, nil
	case mime.Is("text/plain") && utf8.Valid(data):
		return openai.ChatMessagePart{
			Type: openai.ChatMessagePartTypeText,
			Text: "Submission contents:\n\n" + string(data),
		}, nil
	default:
		return openai.ChatMessagePart{}, fmt.Errorf("%w: %s is %s, ask the student to resubmit as PDF", ErrUnsupportedFormat, file.Source.Name, mime.String())
	}
}

func (r *OpenAIReviewer) parseReview(content string) (models.ReviewResult, error) {
	content = strings.TrimSuffix(strings.TrimPrefix(content, "```json"), "```")

	var document any
	decoder := json.NewDecoder(strings.NewReader(content))
	decoder.UseNumber()
	if err := decoder.Decode(&document); err != nil {
		return models.ReviewResult{}, fmt.Errorf("%w: %w", ErrMalformedReview, err)
	}
	if err := r.schema.Validate(document); err != nil {
		return models.ReviewResult{}, fmt.Errorf("%w: %w", ErrMalformedReview, err)
	}

	payload := document.(map[string]any)
	feedback, _ := payload["feedback"].(string)

	var raw string
	switch score := payload["score"].(type) {
	case json.Number:
		raw = score.String()
	case string:
		raw = strings.TrimSpace(score)
	case nil:
	default:
		encoded, _ := json.Marshal(score)
		raw = string(encoded)
	}

	return models.ReviewResult{
		RawScore: raw,
		Feedback: feedback,
		Complete: true,
	}, nil
}

// classifyError maps throttling and auth failures onto the shared error taxonomy.
func classifyError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.HTTPStatusCode {
		case http.StatusTooManyRequests:
			signal := &apierr.RateLimitError{Source: sourceName, StatusCode: apiErr.HTTPStatusCode, Message: apiErr.Message}
			if minutes, ok := apierr.MinutesFromMessage(apiErr.Message); ok {
				signal.RetryAfter = time.Duration(minutes * float64(time.Minute))
			}
			return signal
		case http.StatusUnauthorized, http.StatusForbidden:
			return fmt.Errorf("ai returned %d: %w", apiErr.HTTPStatusCode, apierr.ErrCredentialsRejected)
		}
		return err
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		switch reqErr.HTTPStatusCode {
		case http.StatusTooManyRequests:
			return &apierr.RateLimitError{
				Source:     sourceName,
				StatusCode: reqErr.HTTPStatusCode,
				RetryAfter: apierr.RetryAfterFromResponse(nil, reqErr.Body, nil),
				Message:    string(reqErr.Body),
			}
		case http.StatusUnauthorized, http.StatusForbidden:
			return fmt.Errorf("ai returned %d: %w", reqErr.HTTPStatusCode, apierr.ErrCredentialsRejected)
		}
	}

	return err
}

func reviewerSystemPrompt(totalMarks int) string {
	return fmt.Sprintf(`You are a programming instructor reviewing a student's assignment. Be warm and sound like a real teacher; never mention AI.
Respond with a JSON object {"score": <integer 0-%d>, "feedback": "<text>"}.
The feedback must stay under 800 characters and follow this layout:
Hi! <one sentence about the submission>

**Strengths:**
- <2-3 specific points>

**Areas for Improvement:**
- <2-3 points: what is wrong and how to fix it>

**Moving Forward:**
- <one tip>

Reference specific problems from the document.`, totalMarks)
}
