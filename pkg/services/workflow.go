package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/leadroute/leadroute/pkg/ledger"
	"github.com/leadroute/leadroute/pkg/models"
	"github.com/leadroute/leadroute/pkg/persistence"
	"github.com/leadroute/leadroute/pkg/workflow"
)

var (
	// ErrWorkflowNotFound is returned when a workflow is not found.
	ErrWorkflowNotFound = persistence.ErrWorkflowNotFound
)

type Workflow struct {
	persistence persistence.Persistence
	graph       *workflow.Validator
	interpreter *workflow.Interpreter
	ledger      *ledger.Ledger
	validate    *validator.Validate
	logger      *slog.Logger
}

// NewWorkflow creates a new workflow service.
func NewWorkflow(
	persistence persistence.Persistence,
	graph *workflow.Validator,
	interpreter *workflow.Interpreter,
	distributions *ledger.Ledger,
	logger *slog.Logger,
) *Workflow {
	return &Workflow{
		persistence: persistence,
		graph:       graph,
		interpreter: interpreter,
		ledger:      distributions,
		validate:    validator.New(validator.WithRequiredStructEnabled()),
		logger:      logger.With("module", "workflow_service"),
	}
}

// HealthCheck checks the health of the persistence layer.
func (w *Workflow) HealthCheck(ctx context.Context) (string, bool) {
	if w.persistence == nil {
		return "Persistence layer not initialized", false
	}

	err := w.persistence.HealthCheck(ctx)
	if err != nil {
		return "Persistence layer is unhealthy: " + err.Error(), false
	}

	return "Persistence layer is healthy", true
}

// List returns every workflow.
func (w *Workflow) List(ctx context.Context) ([]*models.Workflow, error) {
	workflows, err := w.persistence.WorkflowRepository().GetAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list workflows: %w", err)
	}

	return workflows, nil
}

// FetchByID retrieves a workflow by its ID.
func (w *Workflow) FetchByID(ctx context.Context, id string) (*models.Workflow, error) {
	return w.persistence.WorkflowRepository().GetByID(ctx, id)
}

// CreateWorkflowRequest creates a workflow, optionally with its graph.
type CreateWorkflowRequest struct {
	Name     string
	IsActive bool
	Nodes    []*models.WorkflowNode
	Edges    []*models.WorkflowEdge
}

// Create validates and stores a new workflow. A name alone makes an inactive draft.
func (w *Workflow) Create(ctx context.Context, req CreateWorkflowRequest) (*models.Workflow, error) {
	wf := &models.Workflow{
		Name:     strings.TrimSpace(req.Name),
		IsActive: req.IsActive,
		Nodes:    req.Nodes,
		Edges:    req.Edges,
	}

	err := w.check(ctx, "Create", wf)
	if err != nil {
		return nil, err
	}

	err = w.save(ctx, "Create", wf)
	if err != nil {
		return nil, err
	}

	w.logger.InfoContext(ctx, "workflow created", "workflow_id", wf.ID, "is_active", wf.IsActive, "nodes", len(wf.Nodes))

	return wf, nil
}

// SaveGraphRequest replaces the nodes and edges of a workflow. A non-zero Version must match the
// stored version.
type SaveGraphRequest struct {
	Nodes   []*models.WorkflowNode
	Edges   []*models.WorkflowEdge
	Version int
}

// SaveGraph validates and stores a new graph for the workflow.
func (w *Workflow) SaveGraph(ctx context.Context, id string, req SaveGraphRequest) (*models.Workflow, error) {
	wf, err := w.persistence.WorkflowRepository().GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	wf.Nodes = req.Nodes
	wf.Edges = req.Edges

	if req.Version != 0 {
		wf.Version = req.Version
	}

	err = w.check(ctx, "SaveGraph", wf)
	if err != nil {
		return nil, err
	}

	err = w.save(ctx, "SaveGraph", wf)
	if err != nil {
		return nil, err
	}

	w.logger.InfoContext(ctx, "workflow graph saved", "workflow_id", wf.ID, "version", wf.Version, "nodes", len(wf.Nodes))

	return wf, nil
}

// PatchWorkflowRequest renames or toggles a workflow without touching its graph.
type PatchWorkflowRequest struct {
	Name     *string
	IsActive *bool
}

// Patch applies a rename or toggle. Activating re-validates the stored graph.
func (w *Workflow) Patch(ctx context.Context, id string, req PatchWorkflowRequest) (*models.Workflow, error) {
	wf, err := w.persistence.WorkflowRepository().GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if req.Name != nil {
		wf.Name = strings.TrimSpace(*req.Name)
	}

	if req.IsActive != nil {
		wf.IsActive = *req.IsActive
	}

	err = w.check(ctx, "Patch", wf)
	if err != nil {
		return nil, err
	}

	err = w.save(ctx, "Patch", wf)
	if err != nil {
		return nil, err
	}

	w.logger.InfoContext(ctx, "workflow updated", "workflow_id", wf.ID, "is_active", wf.IsActive)

	return wf, nil
}

// Delete removes a workflow by its ID. In-flight dispatches started from it are not interrupted.
func (w *Workflow) Delete(ctx context.Context, id string) error {
	err := w.persistence.WorkflowRepository().Delete(ctx, id)
	if err != nil {
		return err
	}

	w.logger.InfoContext(ctx, "workflow deleted", "workflow_id", id)

	return nil
}

// TestRunRequest shapes the synthetic submission of a test-run.
type TestRunRequest struct {
	ServiceType string
	ZipCode     string
	Answers     map[string]any
}

// TestRunResult is the execution trace of a test-run and the ledger rows it produced.
type TestRunResult struct {
	Submission *models.Submission             `json:"submission"`
	Report     *workflow.ExecutionReport      `json:"report"`
	Entries    []*models.DistributionLogEntry `json:"entries"`
}

// TestRun executes the workflow against a synthetic submission, even when the workflow is inactive.
func (w *Workflow) TestRun(ctx context.Context, id string, req TestRunRequest) (*TestRunResult, error) {
	submission := workflow.NewTestSubmission(req.ServiceType, req.ZipCode, req.Answers, time.Now().UTC())

	report, err := w.interpreter.TestRun(ctx, id, submission)
	if err != nil {
		return nil, err
	}

	result := &TestRunResult{Submission: submission, Report: report}

	for _, entryID := range report.EntryIDs() {
		entry, err := w.ledger.Get(ctx, entryID)
		if err != nil {
			return nil, fmt.Errorf("failed to load test-run entry: %w", err)
		}

		result.Entries = append(result.Entries, entry)
	}

	return result, nil
}

// save stores the workflow. A partner deleted between validation and the write surfaces as an
// unknown-partner validation error.
func (w *Workflow) save(ctx context.Context, op string, wf *models.Workflow) error {
	err := w.persistence.WorkflowRepository().Save(ctx, wf)
	if persistence.IsPartnerNotFound(err) {
		invalid := &workflow.ValidationError{Err: workflow.ErrUnknownPartner}

		var partnerErr *persistence.PartnerError
		if errors.As(err, &partnerErr) {
			invalid.Detail = partnerErr.PartnerAPIID
		}

		return NewValidationError(op, "INVALID_WORKFLOW_GRAPH", invalid.Error(), invalid)
	}

	if err != nil {
		return fmt.Errorf("failed to save workflow: %w", err)
	}

	return nil
}

func (w *Workflow) check(ctx context.Context, op string, wf *models.Workflow) error {
	if wf.Name == "" {
		return NewValidationError(op, "WORKFLOW_NAME_REQUIRED", "workflow name is required", ErrWorkflowNameRequired)
	}

	err := w.validate.Struct(wf)
	if err != nil {
		return NewValidationError(op, "INVALID_WORKFLOW", err.Error(), ErrInvalidRequest)
	}

	err = w.graph.Validate(ctx, wf)
	if workflow.IsValidationError(err) {
		return NewValidationError(op, "INVALID_WORKFLOW_GRAPH", err.Error(), err)
	}

	return err
}
