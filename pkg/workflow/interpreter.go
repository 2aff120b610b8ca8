package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/leadroute/leadroute/pkg/dispatcher"
	"github.com/leadroute/leadroute/pkg/ledger"
	"github.com/leadroute/leadroute/pkg/models"
	"github.com/leadroute/leadroute/pkg/otelhelper"
	"github.com/leadroute/leadroute/pkg/persistence"
	"github.com/leadroute/leadroute/pkg/registry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultMaxSteps    = 256
	DefaultConcurrency = 8
)

// StepResult records one node visit.
type StepResult struct {
	NodeID       string                  `json:"node_id"`
	Kind         models.NodeKind         `json:"kind"`
	Outcome      models.EdgeStatus       `json:"outcome,omitempty"`
	PartnerAPIID string                  `json:"partner_api_id,omitempty"`
	Dispatch     *models.DispatchOutcome `json:"dispatch,omitempty"`
	Error        string                  `json:"error,omitempty"`
}

// ExecutionReport is the trace of one workflow walk for one submission.
type ExecutionReport struct {
	ID           string       `json:"id"`
	WorkflowID   string       `json:"workflow_id"`
	SubmissionID string       `json:"submission_id"`
	Test         bool         `json:"test"`
	Steps        []StepResult `json:"steps"`
	Error        string       `json:"error,omitempty"`
	StartedAt    time.Time    `json:"started_at"`
	FinishedAt   time.Time    `json:"finished_at"`
}

// EntryIDs returns the ledger rows the execution dispatched through.
func (r *ExecutionReport) EntryIDs() []string {
	var ids []string

	for _, step := range r.Steps {
		if step.Dispatch != nil && step.Dispatch.EntryID != "" {
			ids = append(ids, step.Dispatch.EntryID)
		}
	}

	return ids
}

// Interpreter walks workflow graphs for submissions and dispatches to partners on http_action nodes.
type Interpreter struct {
	workflows   persistence.WorkflowRepository
	partners    *registry.Registry
	ledger      *ledger.Ledger
	dispatcher  *dispatcher.Dispatcher
	tracer      trace.Tracer
	logger      *slog.Logger
	maxSteps    int
	concurrency int
	source      string
	now         func() time.Time
}

type Option func(*Interpreter)

// WithMaxSteps caps node visits per execution.
func WithMaxSteps(steps int) Option {
	return func(i *Interpreter) {
		if steps > 0 {
			i.maxSteps = steps
		}
	}
}

// WithConcurrency bounds how many branches, or workflows per submission, run at once.
func WithConcurrency(n int) Option {
	return func(i *Interpreter) {
		i.concurrency = n
	}
}

func WithTracer(tracer trace.Tracer) Option {
	return func(i *Interpreter) {
		i.tracer = tracer
	}
}

// WithSource sets the source field of partner payloads.
func WithSource(source string) Option {
	return func(i *Interpreter) {
		if source != "" {
			i.source = source
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(i *Interpreter) {
		i.now = now
	}
}

func NewInterpreter(
	workflows persistence.WorkflowRepository,
	partners *registry.Registry,
	distributions *ledger.Ledger,
	sender *dispatcher.Dispatcher,
	logger *slog.Logger,
	opts ...Option,
) *Interpreter {
	i := &Interpreter{
		workflows:   workflows,
		partners:    partners,
		ledger:      distributions,
		dispatcher:  sender,
		tracer:      otelhelper.NoopTracer(),
		logger:      logger.With("module", "workflow_interpreter"),
		maxSteps:    DefaultMaxSteps,
		concurrency: DefaultConcurrency,
		source:      dispatcher.DefaultSource,
		now:         func() time.Time { return time.Now().UTC() },
	}

	for _, opt := range opts {
		opt(i)
	}

	if i.concurrency < 1 {
		i.concurrency = 1
	}

	return i
}

// Run routes a submission through every active workflow. Only failing to load the workflows is
// an error; dispatch failures live in the reports and the ledger.
func (i *Interpreter) Run(ctx context.Context, submission *models.Submission) ([]*ExecutionReport, error) {
	workflows, err := i.workflows.GetActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load active workflows: %w", err)
	}

	if len(workflows) == 0 {
		i.logger.InfoContext(ctx, "no active workflows, submission not routed", "submission_id", submission.ID)

		return nil, nil
	}

	reports := make([]*ExecutionReport, len(workflows))

	var g errgroup.Group
	g.SetLimit(i.concurrency)

	for idx, workflow := range workflows {
		g.Go(func() error {
			reports[idx] = i.Execute(ctx, workflow, submission)

			return nil
		})
	}

	_ = g.Wait()

	return reports, nil
}

// TestRun executes a workflow whether or not it is active, tagging the submission as a test so its
// ledger rows stay out of partner counters and statistics.
func (i *Interpreter) TestRun(ctx context.Context, workflowID string, submission *models.Submission) (*ExecutionReport, error) {
	workflow, err := i.workflows.GetByID(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	test := *submission
	test.Test = true

	return i.Execute(ctx, workflow, &test), nil
}

// NewTestSubmission builds the synthetic submission used by test-runs.
func NewTestSubmission(serviceType, zipCode string, answers map[string]any, now time.Time) *models.Submission {
	if serviceType == "" {
		serviceType = "Test"
	}

	if zipCode == "" {
		zipCode = "00000"
	}

	return &models.Submission{
		ID:          "test-" + uuid.NewString(),
		ServiceType: serviceType,
		ZipCode:     zipCode,
		Name:        "Test Lead",
		Email:       "test@example.com",
		Phone:       "555-0100",
		Answers:     answers,
		CreatedAt:   now,
		Test:        true,
	}
}

type execution struct {
	*Interpreter
	workflow   *models.Workflow
	submission *models.Submission
	outgoing   map[string][]*models.WorkflowEdge
	logger     *slog.Logger
	steps      atomic.Int64
	mu         sync.Mutex
	report     *ExecutionReport
}

// Execute walks the workflow from its trigger.
func (i *Interpreter) Execute(ctx context.Context, workflow *models.Workflow, submission *models.Submission) *ExecutionReport {
	report := &ExecutionReport{
		ID:           uuid.NewString(),
		WorkflowID:   workflow.ID,
		SubmissionID: submission.ID,
		Test:         submission.Test,
		StartedAt:    i.now(),
	}

	ctx, span := otelhelper.StartSpan(ctx, i.tracer, "leadroute.workflow.execute",
		attribute.String(otelhelper.ExecutionIDKey, report.ID),
		attribute.String(otelhelper.WorkflowIDKey, workflow.ID),
		attribute.String(otelhelper.WorkflowNameKey, workflow.Name),
		attribute.String(otelhelper.SubmissionIDKey, submission.ID),
		attribute.String(otelhelper.ServiceTypeKey, submission.ServiceType),
		attribute.Bool(otelhelper.TestRunKey, submission.Test),
	)
	defer span.End()

	exec := &execution{
		Interpreter: i,
		workflow:    workflow,
		submission:  submission,
		outgoing:    workflow.OutgoingEdges(),
		report:      report,
		logger: i.logger.With(
			"execution_id", report.ID,
			"workflow_id", workflow.ID,
			"submission_id", submission.ID,
			"is_test", submission.Test,
		),
	}

	triggers := workflow.TriggerNodes()
	if len(triggers) != 1 {
		exec.logger.ErrorContext(ctx, "workflow cannot run without exactly one trigger", "triggers", len(triggers))
		exec.setError(ErrTriggerNodeRequired)
	} else {
		exec.logger.DebugContext(ctx, "starting workflow execution")
		exec.visit(ctx, triggers[0].ID)
	}

	report.FinishedAt = i.now()

	span.SetAttributes(attribute.Int64(otelhelper.StepsExecutedKey, exec.steps.Load()))

	if report.Error != "" {
		otelhelper.SetError(span, errors.New(report.Error))
	} else {
		otelhelper.SetOK(span)
	}

	exec.logger.InfoContext(ctx, "workflow execution finished",
		"steps", len(report.Steps),
		"error", report.Error)

	return report
}

func (e *execution) setError(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.report.Error == "" {
		e.report.Error = err.Error()
	}
}

func (e *execution) record(step StepResult) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.report.Steps = append(e.report.Steps, step)
}

func (e *execution) visit(ctx context.Context, nodeID string) {
	if n := e.steps.Add(1); n > int64(e.maxSteps) {
		if n == int64(e.maxSteps)+1 {
			e.logger.ErrorContext(ctx, "workflow execution exceeded step limit", "max_steps", e.maxSteps)
			e.setError(ErrStepLimitExceeded)
		}

		return
	}

	if err := ctx.Err(); err != nil {
		e.setError(err)

		return
	}

	node := e.workflow.NodeByID(nodeID)
	if node == nil {
		e.logger.ErrorContext(ctx, "edge points at missing node", "node_id", nodeID)
		e.setError(fmt.Errorf("%w: %s", ErrDanglingEdge, nodeID))

		return
	}

	step := e.run(ctx, node)
	e.record(step)

	if node.Type == models.NodeKindEnd || step.Outcome == "" {
		return
	}

	next := SelectEdges(e.outgoing[node.ID], step.Outcome, !blocked(node, step.Outcome))

	switch len(next) {
	case 0:
		e.logger.DebugContext(ctx, "branch ended without a matching edge", "node_id", node.ID, "outcome", step.Outcome)
	case 1:
		e.visit(ctx, next[0].Target)
	default:
		var g errgroup.Group
		g.SetLimit(e.concurrency)

		for _, edge := range next {
			g.Go(func() error {
				e.visit(ctx, edge.Target)

				return nil
			})
		}

		_ = g.Wait()
	}
}

func (e *execution) run(ctx context.Context, node *models.WorkflowNode) StepResult {
	step := StepResult{NodeID: node.ID, Kind: node.Type}

	switch node.Type {
	case models.NodeKindTrigger:
		step.Outcome = models.EdgeStatusSuccess
	case models.NodeKindEnd:
	case models.NodeKindFilterService:
		cfg, err := node.FilterServiceConfig()
		if err != nil {
			return step.failed(err)
		}

		step.Outcome = models.EdgeStatusError
		if cfg.Allows(e.submission.ServiceType) {
			step.Outcome = models.EdgeStatusSuccess
		}
	case models.NodeKindBranch:
		cfg, err := node.BranchConfig()
		if err != nil {
			return step.failed(err)
		}

		matched, err := cfg.Evaluate(e.submission)
		if err != nil {
			return step.failed(err)
		}

		step.Outcome = models.EdgeStatusError
		if matched {
			step.Outcome = models.EdgeStatusSuccess
		}
	case models.NodeKindHTTPAction:
		return e.deliver(ctx, node, step)
	default:
		e.logger.ErrorContext(ctx, "unknown node kind", "node_id", node.ID, "kind", node.Type)
		step.Error = fmt.Sprintf("%s: %s", ErrUnknownNodeKind, node.Type)
	}

	return step
}

func (s StepResult) failed(err error) StepResult {
	s.Outcome = models.EdgeStatusError
	s.Error = err.Error()

	return s
}

// deliver resolves the partner fresh, opens the ledger row and dispatches.
func (e *execution) deliver(ctx context.Context, node *models.WorkflowNode, step StepResult) StepResult {
	cfg, err := node.HTTPActionConfig()
	if err != nil {
		return step.failed(err)
	}

	step.PartnerAPIID = cfg.PartnerAPIID
	logger := e.logger.With("node_id", node.ID, "partner_api_id", cfg.PartnerAPIID)

	partner, err := e.partners.Eligible(ctx, cfg.PartnerAPIID, e.submission.ServiceType)
	if err != nil {
		logger.InfoContext(ctx, "partner not eligible, skipping dispatch", "reason", err)

		return step.failed(err)
	}

	target, method := partner.EndpointURL, partner.HTTPMethod
	if cfg.URL != "" {
		target = cfg.URL
	}

	if cfg.Method != "" {
		method = cfg.Method
	}

	payload, err := dispatcher.BuildPayload(e.submission, e.source, e.now())
	if err != nil {
		logger.ErrorContext(ctx, "failed to build partner payload", "error", err)

		return step.failed(err)
	}

	entry, state, err := e.ledger.Open(ctx, ledger.OpenParams{
		Submission: e.submission,
		PartnerID:  partner.ID,
		WorkflowID: e.workflow.ID,
		NodeID:     node.ID,
		TargetURL:  target,
		HTTPMethod: method,
		Payload:    payload,
		Lease:      e.dispatcher.LeaseDuration(partner),
	})
	if persistence.IsDuplicateDelivery(err) {
		logger.InfoContext(ctx, "delivery already handled for submission", "reason", err)
		step.Outcome = models.EdgeStatusDuplicate

		return step
	}

	if err != nil {
		logger.ErrorContext(ctx, "failed to open distribution entry", "error", err)

		return step.failed(err)
	}

	if state == persistence.OpenResumed {
		logger.InfoContext(ctx, "resuming abandoned delivery", "entry_id", entry.ID)
	}

	outcome := e.dispatcher.Dispatch(ctx, dispatcher.Request{Partner: partner, Entry: entry})
	step.Dispatch = &outcome

	if outcome.Success {
		step.Outcome = models.EdgeStatusSuccess
	} else {
		step.Outcome = models.EdgeStatusError
		step.Error = outcome.ErrorMessage
	}

	return step
}

// blocked reports whether a predicate node rejected the submission. A blocked submission only
// continues along edges explicitly labelled error.
func blocked(node *models.WorkflowNode, outcome models.EdgeStatus) bool {
	if outcome != models.EdgeStatusError {
		return false
	}

	return node.Type == models.NodeKindFilterService || node.Type == models.NodeKindBranch
}

// SelectEdges picks the edges followed for a node outcome: every edge labelled with the outcome,
// otherwise every default edge when fallback is allowed.
func SelectEdges(edges []*models.WorkflowEdge, outcome models.EdgeStatus, fallback bool) []*models.WorkflowEdge {
	var matched, defaults []*models.WorkflowEdge

	for _, edge := range edges {
		switch edge.EffectiveStatus() {
		case outcome:
			matched = append(matched, edge)
		case models.EdgeStatusDefault:
			defaults = append(defaults, edge)
		}
	}

	if len(matched) > 0 || !fallback {
		return matched
	}

	return defaults
}
