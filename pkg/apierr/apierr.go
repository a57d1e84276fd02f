package apierr

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// ErrCredentialsRejected indicates the upstream API refused the configured credentials.
// It is the only error that stops a grading run.
var ErrCredentialsRejected = errors.New("credentials rejected")

// RateLimitError signals that an upstream API asked the caller to slow down.
type RateLimitError struct {
	Source     string
	StatusCode int
	RetryAfter time.Duration
	Message    string
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("%s rate limited (retry after %s)", e.Source, e.RetryAfter)
	}
	return fmt.Sprintf("%s rate limited", e.Source)
}

// AsRateLimit extracts a RateLimitError from err, if present.
func AsRateLimit(err error) (*RateLimitError, bool) {
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return rl, true
	}
	return nil, false
}

// IsFatal reports whether err must halt the run.
func IsFatal(err error) bool {
	return errors.Is(err, ErrCredentialsRejected)
}

var minutesPattern = regexp.MustCompile(`(?i)after\s+([\d.]+)\s+minutes?`)

const messageHintBuffer = 5 * time.Second

// RetryAfterFromResponse derives the server's wait hint from a throttled response.
// A "Try after N minutes" message in a JSON body wins over the Retry-After header.
// Zero means the server gave no usable hint.
func RetryAfterFromResponse(header http.Header, body []byte, rnd *rand.Rand) time.Duration {
	if minutes, ok := minutesFromBody(body); ok {
		return time.Duration(minutes*float64(time.Minute)) + messageHintBuffer
	}

	value := strings.TrimSpace(header.Get("Retry-After"))
	if value == "" {
		return 0
	}
	seconds, err := strconv.Atoi(value)
	if err != nil || seconds < 0 {
		return 0
	}

	pad := 2
	if rnd != nil {
		pad += rnd.Intn(4)
	}
	return time.Duration(seconds+pad) * time.Second
}

// MinutesFromMessage parses "try after 2.82 minutes" style text.
func MinutesFromMessage(message string) (float64, bool) {
	match := minutesPattern.FindStringSubmatch(message)
	if len(match) != 2 {
		return 0, false
	}
	minutes, err := strconv.ParseFloat(match[1], 64)
	if err != nil || minutes <= 0 {
		return 0, false
	}
	return minutes, true
}

func minutesFromBody(body []byte) (float64, bool) {
	if len(body) == 0 {
		return 0, false
	}

	var payload struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return 0, false
	}
	return MinutesFromMessage(payload.Message)
}
