package ai

import "errors"

var (
	// ErrUnsupportedFormat marks attachments the reviewer cannot read, such as DOC/DOCX.
	ErrUnsupportedFormat = errors.New("unsupported attachment format")
	// ErrDocumentTooLarge marks attachments above the configured upload limit.
	ErrDocumentTooLarge = errors.New("attachment too large to review")
	// ErrMalformedReview marks model output that does not match the review schema.
	ErrMalformedReview = errors.New("malformed review payload")
)

// reviewSchema is the shape the model must answer with. Score is left
// unconstrained so a missing, null or mistyped value reaches score validation
// instead of being rejected here.
const reviewSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["feedback"],
  "properties": {
    "score": {},
    "feedback": {"type": "string", "minLength": 1}
  }
}`
