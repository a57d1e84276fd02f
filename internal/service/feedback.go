package service

import (
	"regexp"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

const (
	reviewHeader = "=== REVIEW ==="
	scoreHeader  = "=== SCORE ==="

	defaultFeedbackChars = 800

	feedbackWrapperOpen  = `<div style="font-family: 'Segoe UI', Arial, sans-serif; line-height: 1.8; color: #333; padding: 15px;">`
	feedbackWrapperClose = `</div>`
)

var boldPattern = regexp.MustCompile(`\*\*([^*]+)\*\*`)

// FeedbackFormatter turns reviewer text into the HTML comment stored by the LMS.
type FeedbackFormatter struct {
	policy   *bluemonday.Policy
	maxChars int
}

// NewFeedbackFormatter builds a formatter truncating plain text at maxChars.
func NewFeedbackFormatter(maxChars int) *FeedbackFormatter {
	if maxChars <= 0 {
		maxChars = defaultFeedbackChars
	}

	policy := bluemonday.NewPolicy()
	policy.AllowElements("strong", "em", "br", "p")

	return &FeedbackFormatter{policy: policy, maxChars: maxChars}
}

// Format joins the per-file feedback and renders it as sanitized HTML.
func (f *FeedbackFormatter) Format(feedback []string) string {
	parts := make([]string, 0, len(feedback))
	for _, text := range feedback {
		if body := stripSections(text); body != "" {
			parts = append(parts, body)
		}
	}

	text := truncateAtSentence(strings.Join(parts, "\n\n"), f.maxChars)

	text = boldPattern.ReplaceAllString(text, "<strong>$1</strong>")
	text = strings.ReplaceAll(text, "\n- ", "\n• ")
	text = strings.ReplaceAll(text, "\n\n", "<br><br>")
	text = strings.ReplaceAll(text, "\n", "<br>")

	return feedbackWrapperOpen + "\n" + f.policy.Sanitize(text) + "\n" + feedbackWrapperClose
}

// Plain returns the feedback body without section markers or HTML.
func (f *FeedbackFormatter) Plain(feedback string) string {
	return truncateAtSentence(stripSections(feedback), f.maxChars)
}

func stripSections(text string) string {
	if idx := strings.Index(text, scoreHeader); idx >= 0 {
		text = text[:idx]
	}
	if idx := strings.Index(text, reviewHeader); idx >= 0 {
		text = text[idx+len(reviewHeader):]
	}
	return strings.TrimSpace(text)
}

func truncateAtSentence(text string, maxChars int) string {
	runes := []rune(text)
	if len(runes) <= maxChars {
		return text
	}

	cut := string(runes[:maxChars])
	if idx := strings.LastIndex(cut, "."); idx > 0 {
		return cut[:idx+1]
	}
	return strings.TrimSpace(cut) + "."
}
