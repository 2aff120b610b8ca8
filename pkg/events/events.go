// Package events defines the messages exchanged between the intake, the API and the routing worker.
package events

import (
	"time"

	"github.com/google/uuid"
	"github.com/leadroute/leadroute/pkg/models"
)

type EventType string

// Kafka topics.
const Topic = "leadroute.submissions"

const EventMetadataKey = "key"
const EventTypeMetadataKey = "event_type"

const (
	// SubmissionReceivedEvent asks the worker to route a submission.
	SubmissionReceivedEvent EventType = "submission.received"

	// SubmissionRoutedEvent reports that every active workflow has run for a submission.
	SubmissionRoutedEvent EventType = "submission.routed"
)

type BaseEvent struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	WorkerID  string         `json:"worker_id,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

func NewBaseEvent(eventType EventType) BaseEvent {
	return BaseEvent{
		ID:        uuid.New().String(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Metadata:  make(map[string]any),
	}
}

type SubmissionReceived struct {
	BaseEvent

	Submission models.Submission `json:"submission"`
	Source     string            `json:"source,omitempty"` // api, redis
}

func (s SubmissionReceived) GetType() EventType {
	return SubmissionReceivedEvent
}

func NewSubmissionReceived(submission models.Submission, source string) SubmissionReceived {
	return SubmissionReceived{
		BaseEvent:  NewBaseEvent(SubmissionReceivedEvent),
		Submission: submission,
		Source:     source,
	}
}

// WorkflowRun summarises one workflow execution inside a SubmissionRouted event.
type WorkflowRun struct {
	WorkflowID  string   `json:"workflow_id"`
	ExecutionID string   `json:"execution_id"`
	EntryIDs    []string `json:"entry_ids,omitempty"`
	Steps       int      `json:"steps"`
	Error       string   `json:"error,omitempty"`
}

type SubmissionRouted struct {
	BaseEvent

	SubmissionID string        `json:"submission_id"`
	ServiceType  string        `json:"service_type"`
	Runs         []WorkflowRun `json:"runs"`
	DurationMs   int64         `json:"duration_ms"`
}

func (s SubmissionRouted) GetType() EventType {
	return SubmissionRoutedEvent
}
