package workflow_test

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/leadroute/leadroute/pkg/models"
	"github.com/leadroute/leadroute/pkg/persistence/memory"
	"github.com/leadroute/leadroute/pkg/registry"
	"github.com/leadroute/leadroute/pkg/workflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newValidator(t *testing.T) (*workflow.Validator, *models.PartnerAPI) {
	t.Helper()

	store := memory.NewPersistence()
	partner := &models.PartnerAPI{
		Name:         "acme",
		EndpointURL:  "https://acme.example/leads",
		HTTPMethod:   "POST",
		AuthMethod:   models.AuthMethodNone,
		ServiceTypes: []string{"HVAC"},
		IsActive:     true,
	}
	require.NoError(t, store.PartnerRepository().Save(context.Background(), partner))

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	return workflow.NewValidator(registry.New(store.PartnerRepository(), logger)), partner
}

func TestValidator_PartnerWorkflowIsValid(t *testing.T) {
	t.Parallel()

	v, partner := newValidator(t)

	wf := workflow.PartnerWorkflow(partner)
	require.NoError(t, v.Validate(context.Background(), wf))
	assert.Equal(t, "Partner: acme", wf.Name)
	assert.False(t, wf.IsActive)
	assert.True(t, wf.ReferencesPartner(partner.ID))
}

func TestValidator_Drafts(t *testing.T) {
	t.Parallel()

	v, _ := newValidator(t)
	ctx := context.Background()

	require.NoError(t, v.Validate(ctx, &models.Workflow{Name: "draft"}))

	err := v.Validate(ctx, &models.Workflow{Name: "draft", IsActive: true})
	require.ErrorIs(t, err, workflow.ErrTriggerNodeRequired)
	assert.True(t, workflow.IsValidationError(err))
}

func TestValidator_Rejects(t *testing.T) {
	t.Parallel()

	v, partner := newValidator(t)

	tests := []struct {
		name   string
		mutate func(*models.Workflow)
		err    error
	}{
		{
			name: "cycle",
			mutate: func(wf *models.Workflow) {
				wf.Nodes = append(wf.Nodes, &models.WorkflowNode{ID: "check", Type: models.NodeKindBranch})
				wf.Edges = append(wf.Edges,
					&models.WorkflowEdge{ID: "send-check", Source: "send", Target: "check", Status: models.EdgeStatusError},
					&models.WorkflowEdge{ID: "check-filter", Source: "check", Target: "filter"},
				)
			},
			err: workflow.ErrCycle,
		},
		{
			name: "second trigger",
			mutate: func(wf *models.Workflow) {
				wf.Nodes = append(wf.Nodes, &models.WorkflowNode{ID: "trigger-2", Type: models.NodeKindTrigger})
			},
			err: workflow.ErrMultipleTriggers,
		},
		{
			name: "no trigger",
			mutate: func(wf *models.Workflow) {
				wf.Nodes = wf.Nodes[1:]
				wf.Edges = wf.Edges[1:]
			},
			err: workflow.ErrTriggerNodeRequired,
		},
		{
			name: "duplicate node id",
			mutate: func(wf *models.Workflow) {
				wf.Nodes = append(wf.Nodes, &models.WorkflowNode{ID: "end", Type: models.NodeKindEnd})
			},
			err: workflow.ErrDuplicateNodeID,
		},
		{
			name: "duplicate edge id",
			mutate: func(wf *models.Workflow) {
				wf.Edges = append(wf.Edges, &models.WorkflowEdge{ID: "send-end", Source: "filter", Target: "end"})
			},
			err: workflow.ErrDuplicateEdgeID,
		},
		{
			name: "unknown kind",
			mutate: func(wf *models.Workflow) {
				wf.Nodes[3].Type = "webhook"
			},
			err: workflow.ErrUnknownNodeKind,
		},
		{
			name: "unknown partner",
			mutate: func(wf *models.Workflow) {
				wf.Nodes[2].Config = map[string]any{"partner_api_id": "missing"}
			},
			err: workflow.ErrUnknownPartner,
		},
		{
			name: "schema violation",
			mutate: func(wf *models.Workflow) {
				wf.Nodes[2].Config = map[string]any{"partner_api_id": partner.ID, "method": "DELETE"}
			},
			err: models.ErrInvalidNodeConfig,
		},
		{
			name: "missing partner id",
			mutate: func(wf *models.Workflow) {
				wf.Nodes[2].Config = map[string]any{}
			},
			err: models.ErrInvalidNodeConfig,
		},
		{
			name: "dangling edge",
			mutate: func(wf *models.Workflow) {
				wf.Edges = append(wf.Edges, &models.WorkflowEdge{ID: "ghost", Source: "filter", Target: "nowhere"})
			},
			err: workflow.ErrDanglingEdge,
		},
		{
			name: "edge into trigger",
			mutate: func(wf *models.Workflow) {
				wf.Edges = append(wf.Edges, &models.WorkflowEdge{ID: "back", Source: "send", Target: "trigger", Status: models.EdgeStatusError})
			},
			err: workflow.ErrEdgeIntoTrigger,
		},
		{
			name: "edge out of end",
			mutate: func(wf *models.Workflow) {
				wf.Nodes = append(wf.Nodes, &models.WorkflowNode{ID: "after", Type: models.NodeKindEnd})
				wf.Edges = append(wf.Edges, &models.WorkflowEdge{ID: "end-after", Source: "end", Target: "after"})
			},
			err: workflow.ErrEdgeFromEnd,
		},
		{
			name: "duplicate edge",
			mutate: func(wf *models.Workflow) {
				wf.Edges = append(wf.Edges, &models.WorkflowEdge{ID: "send-end-2", Source: "send", Target: "end", Status: models.EdgeStatusDefault})
			},
			err: workflow.ErrDuplicateEdge,
		},
		{
			name: "invalid edge status",
			mutate: func(wf *models.Workflow) {
				wf.Edges[2].Status = "maybe"
			},
			err: workflow.ErrInvalidEdgeStatus,
		},
		{
			name: "unreachable node",
			mutate: func(wf *models.Workflow) {
				wf.Nodes = append(wf.Nodes, &models.WorkflowNode{ID: "orphan", Type: models.NodeKindEnd})
			},
			err: workflow.ErrUnreachableNode,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			wf := workflow.PartnerWorkflow(partner)
			tt.mutate(wf)

			err := v.Validate(context.Background(), wf)
			require.ErrorIs(t, err, tt.err)
			assert.True(t, workflow.IsValidationError(err))
		})
	}
}

func TestConfigSchema(t *testing.T) {
	t.Parallel()

	for _, kind := range models.NodeKinds() {
		schema, ok := workflow.ConfigSchema(kind)
		assert.True(t, ok, kind)
		assert.Equal(t, "object", schema["type"])
	}

	_, ok := workflow.ConfigSchema("webhook")
	assert.False(t, ok)
}
