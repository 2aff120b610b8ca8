package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/leadroute/leadroute/pkg/eventbus"
	"github.com/leadroute/leadroute/pkg/events"
	"github.com/leadroute/leadroute/pkg/models"
	"github.com/leadroute/leadroute/pkg/workflow"
)

// Submission hands new leads to the routing worker over the event bus.
type Submission struct {
	publisher eventbus.EventPublisher
	validate  *validator.Validate
	logger    *slog.Logger
}

func NewSubmission(publisher eventbus.EventPublisher, logger *slog.Logger) *Submission {
	return &Submission{
		publisher: publisher,
		validate:  validator.New(validator.WithRequiredStructEnabled()),
		logger:    logger.With("module", "submission_service"),
	}
}

// Submit normalises the submission and publishes it for routing. A missing id is generated; callers
// that may re-send should supply their own so redelivery stays idempotent.
func (s *Submission) Submit(ctx context.Context, submission models.Submission, source string) (*models.Submission, error) {
	submission.ServiceType = strings.TrimSpace(submission.ServiceType)
	submission.Test = false

	if submission.ID == "" {
		submission.ID = uuid.NewString()
	}

	if submission.CreatedAt.IsZero() {
		submission.CreatedAt = time.Now().UTC()
	}

	err := s.validate.Struct(submission)
	if err != nil {
		return nil, NewValidationError("Submit", "INVALID_SUBMISSION", err.Error(), ErrInvalidSubmission)
	}

	err = s.publisher.Publish(ctx, submission.ID, events.NewSubmissionReceived(submission, source))
	if err != nil {
		return nil, fmt.Errorf("failed to publish submission: %w", err)
	}

	s.logger.InfoContext(ctx, "submission accepted for routing",
		"submission_id", submission.ID,
		"service_type", submission.ServiceType,
		"source", source)

	return &submission, nil
}

// Router is the worker side: it runs every active workflow for received submissions.
type Router struct {
	interpreter *workflow.Interpreter
	publisher   eventbus.EventPublisher
	workerID    string
	logger      *slog.Logger
}

func NewRouter(interpreter *workflow.Interpreter, publisher eventbus.EventPublisher, workerID string, logger *slog.Logger) *Router {
	return &Router{
		interpreter: interpreter,
		publisher:   publisher,
		workerID:    workerID,
		logger:      logger.With("module", "submission_router", "worker_id", workerID),
	}
}

// HandleSubmissionReceived is the event bus handler for events.SubmissionReceivedEvent.
func (r *Router) HandleSubmissionReceived(ctx context.Context, event any) error {
	received, ok := event.(*events.SubmissionReceived)
	if !ok {
		return fmt.Errorf("%w: unexpected event %T", ErrInvalidRequest, event)
	}

	return r.Route(ctx, &received.Submission)
}

// Route runs the submission through the active workflows and announces the result. An error means
// the workflows could not be loaded and the submission should be redelivered.
func (r *Router) Route(ctx context.Context, submission *models.Submission) error {
	if submission.ID == "" {
		r.logger.WarnContext(ctx, "dropping submission without id")

		return nil
	}

	started := time.Now()

	reports, err := r.interpreter.Run(ctx, submission)
	if err != nil {
		r.logger.ErrorContext(ctx, "failed to route submission", "submission_id", submission.ID, "error", err)

		return err
	}

	routed := events.SubmissionRouted{
		BaseEvent:    events.NewBaseEvent(events.SubmissionRoutedEvent),
		SubmissionID: submission.ID,
		ServiceType:  submission.ServiceType,
		DurationMs:   time.Since(started).Milliseconds(),
	}
	routed.WorkerID = r.workerID

	for _, report := range reports {
		routed.Runs = append(routed.Runs, events.WorkflowRun{
			WorkflowID:  report.WorkflowID,
			ExecutionID: report.ID,
			EntryIDs:    report.EntryIDs(),
			Steps:       len(report.Steps),
			Error:       report.Error,
		})
	}

	r.logger.InfoContext(ctx, "submission routed",
		"submission_id", submission.ID,
		"workflows", len(reports),
		"duration_ms", routed.DurationMs)

	if r.publisher == nil {
		return nil
	}

	err = r.publisher.Publish(ctx, submission.ID, routed)
	if err != nil && !errors.Is(err, context.Canceled) {
		r.logger.WarnContext(ctx, "failed to publish routed event", "submission_id", submission.ID, "error", err)
	}

	return nil
}
