package service

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/noah-isme/gema-grader/internal/models"
)

// OutcomeEvent is the record broadcast for every terminal submission outcome.
type OutcomeEvent struct {
	RunID          string    `json:"run_id"`
	SubmissionID   string    `json:"submission_id"`
	StudentName    string    `json:"student_name"`
	AssignmentName string    `json:"assignment_name"`
	Outcome        string    `json:"outcome"`
	Reason         string    `json:"reason,omitempty"`
	Score          *int      `json:"score,omitempty"`
	RetainedFiles  []string  `json:"retained_files,omitempty"`
	Error          string    `json:"error,omitempty"`
	OccurredAt     time.Time `json:"occurred_at"`
}

// NewOutcomeEvent describes outcome for ref within run runID.
func NewOutcomeEvent(runID string, ref models.SubmissionRef, outcome models.ProcessingOutcome, at time.Time) OutcomeEvent {
	event := OutcomeEvent{
		RunID:          runID,
		SubmissionID:   ref.ID,
		StudentName:    ref.StudentName,
		AssignmentName: ref.AssignmentName,
		Outcome:        string(outcome.Kind),
		Reason:         string(outcome.Reason),
		RetainedFiles:  models.FilePaths(outcome.Retained),
		OccurredAt:     at.UTC(),
	}
	if outcome.IsSuccess() {
		score := outcome.Score
		event.Score = &score
	}
	if outcome.Err != nil {
		event.Error = outcome.Err.Error()
	}
	return event
}

// OutcomePublisher fans outcome events out to other systems.
type OutcomePublisher interface {
	Publish(ctx context.Context, event OutcomeEvent) error
}

// NopOutcomePublisher discards events.
type NopOutcomePublisher struct{}

// Publish implements OutcomePublisher.
func (NopOutcomePublisher) Publish(context.Context, OutcomeEvent) error {
	return nil
}

type natsPublisher interface {
	Publish(subject string, data []byte) error
}

// NATSOutcomePublisher publishes outcome events as JSON on a NATS subject.
type NATSOutcomePublisher struct {
	conn    natsPublisher
	subject string
}

// NewNATSOutcomePublisher builds a publisher on <subjectBase>.outcomes.
func NewNATSOutcomePublisher(conn *nats.Conn, subjectBase string) *NATSOutcomePublisher {
	return newNATSOutcomePublisher(conn, subjectBase)
}

func newNATSOutcomePublisher(conn natsPublisher, subjectBase string) *NATSOutcomePublisher {
	base := strings.Trim(strings.ReplaceAll(subjectBase, ":", "."), ".")
	if base == "" {
		base = "grader"
	}
	return &NATSOutcomePublisher{conn: conn, subject: base + ".outcomes"}
}

// Subject returns the subject events are published on.
func (p *NATSOutcomePublisher) Subject() string {
	return p.subject
}

// Publish implements OutcomePublisher.
func (p *NATSOutcomePublisher) Publish(_ context.Context, event OutcomeEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return p.conn.Publish(p.subject, payload)
}
