package web_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/leadroute/leadroute/pkg/backoff"
	"github.com/leadroute/leadroute/pkg/dispatcher"
	"github.com/leadroute/leadroute/pkg/eventbus"
	"github.com/leadroute/leadroute/pkg/ledger"
	"github.com/leadroute/leadroute/pkg/models"
	"github.com/leadroute/leadroute/pkg/persistence"
	"github.com/leadroute/leadroute/pkg/persistence/memory"
	"github.com/leadroute/leadroute/pkg/registry"
	"github.com/leadroute/leadroute/pkg/services"
	"github.com/leadroute/leadroute/pkg/vault"
	"github.com/leadroute/leadroute/pkg/web"
	"github.com/leadroute/leadroute/pkg/workflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	vaultOnce   sync.Once
	sharedVault *vault.Vault
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []eventbus.Event
}

func (p *recordingPublisher) Publish(_ context.Context, _ string, event eventbus.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.events = append(p.events, event)

	return nil
}

type testApp struct {
	app         *fiber.App
	store       *memory.Persistence
	interpreter *workflow.Interpreter
	publisher   *recordingPublisher
}

func setupTestApp(t *testing.T) *testApp {
	t.Helper()

	vaultOnce.Do(func() {
		v, err := vault.New("web-test-passphrase")
		if err != nil {
			panic(err)
		}

		sharedVault = v
	})

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := memory.NewPersistence()
	partners := registry.New(store.PartnerRepository(), logger)
	distributions := ledger.New(store.DistributionRepository(), partners, logger)
	sender := dispatcher.New(sharedVault, distributions, partners, logger,
		dispatcher.WithBackoff(backoff.NewConstant(time.Millisecond)))
	interpreter := workflow.NewInterpreter(store.WorkflowRepository(), partners, distributions, sender, logger)
	publisher := &recordingPublisher{}

	handlers := web.NewAPIHandlers(
		services.NewWorkflow(store, workflow.NewValidator(partners), interpreter, distributions, logger),
		services.NewPartner(store, sharedVault, sender, logger),
		services.NewDistribution(distributions, partners, sender, logger),
		services.NewSubmission(publisher, logger),
		validator.New(validator.WithRequiredStructEnabled()),
		logger,
	)

	app := fiber.New()
	handlers.Register(app)

	return &testApp{app: app, store: store, interpreter: interpreter, publisher: publisher}
}

func (a *testApp) do(t *testing.T, method, path string, body any) (int, []byte) {
	t.Helper()

	var reader io.Reader

	switch v := body.(type) {
	case nil:
	case string:
		reader = strings.NewReader(v)
	default:
		encoded, err := json.Marshal(v)
		require.NoError(t, err)

		reader = bytes.NewReader(encoded)
	}

	req := httptest.NewRequest(method, path, reader)
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := a.app.Test(req)
	require.NoError(t, err)

	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	return resp.StatusCode, data
}

func (a *testApp) createPartner(t *testing.T, url string) web.CreatePartnerResponse {
	t.Helper()

	retries := 0
	status, body := a.do(t, http.MethodPost, "/partners", web.CreatePartnerRequest{
		Name:         "Acme Leads",
		EndpointURL:  url,
		AuthMethod:   models.AuthMethodBearer,
		Credential:   &models.Credential{BearerToken: "acme-token"},
		ServiceTypes: []string{"HVAC"},
		TimeoutMs:    2000,
		RetryCount:   &retries,
	})
	require.Equal(t, http.StatusCreated, status, string(body))

	var created web.CreatePartnerResponse
	require.NoError(t, json.Unmarshal(body, &created))

	return created
}

func problemType(t *testing.T, body []byte) string {
	t.Helper()

	var problem map[string]any
	require.NoError(t, json.Unmarshal(body, &problem))

	kind, _ := problem["type"].(string)

	return kind
}

func partnerServer(t *testing.T, statuses ...int) (*httptest.Server, *atomic.Int32) {
	t.Helper()

	var calls atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		n := int(calls.Add(1))
		if n <= len(statuses) {
			w.WriteHeader(statuses[n-1])

			return
		}

		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(server.Close)

	return server, &calls
}

func TestAPIHandlers_CreateWorkflow(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name           string
		requestBody    any
		expectedStatus int
		expectedType   string
	}{
		{
			name:           "draft",
			requestBody:    web.CreateWorkflowRequest{Name: "Draft"},
			expectedStatus: http.StatusCreated,
		},
		{
			name:           "missing name",
			requestBody:    web.CreateWorkflowRequest{},
			expectedStatus: http.StatusBadRequest,
			expectedType:   "validation_error",
		},
		{
			name:           "active without trigger",
			requestBody:    web.CreateWorkflowRequest{Name: "Active", IsActive: true},
			expectedStatus: http.StatusBadRequest,
			expectedType:   "INVALID_WORKFLOW_GRAPH",
		},
		{
			name: "node without id",
			requestBody: web.CreateWorkflowRequest{
				Name:  "Broken",
				Nodes: []*models.WorkflowNode{{Type: models.NodeKindTrigger}},
			},
			expectedStatus: http.StatusBadRequest,
			expectedType:   "validation_error",
		},
		{
			name:           "invalid JSON",
			requestBody:    "invalid-json",
			expectedStatus: http.StatusBadRequest,
			expectedType:   "validation_error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			app := setupTestApp(t)

			status, body := app.do(t, http.MethodPost, "/workflows", tt.requestBody)
			assert.Equal(t, tt.expectedStatus, status, string(body))

			if tt.expectedType != "" {
				assert.Equal(t, tt.expectedType, problemType(t, body))

				return
			}

			var created models.Workflow
			require.NoError(t, json.Unmarshal(body, &created))
			assert.NotEmpty(t, created.ID)
			assert.Equal(t, 1, created.Version)
		})
	}
}

func TestAPIHandlers_WorkflowLifecycle(t *testing.T) {
	t.Parallel()

	app := setupTestApp(t)
	server, _ := partnerServer(t)
	created := app.createPartner(t, server.URL)
	wf := created.Workflow

	status, body := app.do(t, http.MethodGet, "/workflows", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(body), wf.ID)

	status, body = app.do(t, http.MethodPut, "/workflows/"+wf.ID, web.SaveGraphRequest{
		Nodes:   wf.Nodes,
		Edges:   wf.Edges,
		Version: wf.Version,
	})
	require.Equal(t, http.StatusOK, status, string(body))

	status, body = app.do(t, http.MethodPut, "/workflows/"+wf.ID, web.SaveGraphRequest{
		Nodes:   wf.Nodes,
		Edges:   wf.Edges,
		Version: wf.Version,
	})
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "conflict", problemType(t, body))

	cyclic := append([]*models.WorkflowEdge{}, wf.Edges...)
	cyclic = append(cyclic, &models.WorkflowEdge{ID: "back", Source: "send", Target: "filter", Status: models.EdgeStatusError})

	status, body = app.do(t, http.MethodPut, "/workflows/"+wf.ID, web.SaveGraphRequest{Nodes: wf.Nodes, Edges: cyclic})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Contains(t, string(body), "cycle")

	active := true
	status, body = app.do(t, http.MethodPatch, "/workflows/"+wf.ID, web.PatchWorkflowRequest{IsActive: &active})
	require.Equal(t, http.StatusOK, status, string(body))

	var patched models.Workflow
	require.NoError(t, json.Unmarshal(body, &patched))
	assert.True(t, patched.IsActive)

	status, _ = app.do(t, http.MethodDelete, "/workflows/"+wf.ID, nil)
	assert.Equal(t, http.StatusNoContent, status)

	status, body = app.do(t, http.MethodGet, "/workflows/"+wf.ID, nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "workflow_not_found", problemType(t, body))
}

func TestAPIHandlers_TestRunWorkflow(t *testing.T) {
	t.Parallel()

	app := setupTestApp(t)
	server, calls := partnerServer(t)
	created := app.createPartner(t, server.URL)

	status, body := app.do(t, http.MethodPost, "/workflows/"+created.Workflow.ID+"/test-run", web.TestRunRequest{ServiceType: "HVAC"})
	require.Equal(t, http.StatusOK, status, string(body))

	var result services.TestRunResult
	require.NoError(t, json.Unmarshal(body, &result))
	require.Len(t, result.Entries, 1)
	assert.True(t, result.Entries[0].IsTest)
	assert.Equal(t, models.DistributionStatusSuccess, result.Entries[0].Status)
	assert.Equal(t, int32(1), calls.Load())

	status, _ = app.do(t, http.MethodPost, "/workflows/"+created.Workflow.ID+"/test-run", nil)
	assert.Equal(t, http.StatusOK, status)

	status, _ = app.do(t, http.MethodPost, "/workflows/missing/test-run", nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestAPIHandlers_PartnerNeverExposesCredentials(t *testing.T) {
	t.Parallel()

	app := setupTestApp(t)
	created := app.createPartner(t, "https://partner.example.com/leads")

	assert.True(t, created.Partner.HasCredentials)
	assert.False(t, created.Partner.HasSigningSecret)
	require.NotNil(t, created.Workflow)
	assert.Equal(t, "Partner: Acme Leads", created.Workflow.Name)

	for _, path := range []string{"/partners", "/partners/" + created.Partner.ID} {
		status, body := app.do(t, http.MethodGet, path, nil)
		require.Equal(t, http.StatusOK, status)
		assert.NotContains(t, string(body), "acme-token")
		assert.NotContains(t, string(body), "auth_config")
		assert.Contains(t, string(body), `"has_credentials":true`)
	}
}

func TestAPIHandlers_PartnerValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name         string
		request      web.CreatePartnerRequest
		expectedType string
	}{
		{
			name:         "missing endpoint",
			request:      web.CreatePartnerRequest{Name: "Acme"},
			expectedType: "validation_error",
		},
		{
			name: "credential missing for method",
			request: web.CreatePartnerRequest{
				Name:        "Acme",
				EndpointURL: "https://partner.example.com",
				AuthMethod:  models.AuthMethodBasic,
			},
			expectedType: "CREDENTIAL_REQUIRED",
		},
		{
			name: "reserved header",
			request: web.CreatePartnerRequest{
				Name:        "Acme",
				EndpointURL: "https://partner.example.com",
				AuthMethod:  models.AuthMethodNone,
				Headers:     map[string]string{"X-API-Key": "x"},
			},
			expectedType: "RESERVED_HEADER",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			app := setupTestApp(t)

			status, body := app.do(t, http.MethodPost, "/partners", tt.request)
			assert.Equal(t, http.StatusBadRequest, status)
			assert.Equal(t, tt.expectedType, problemType(t, body))
		})
	}
}

func TestAPIHandlers_PartnerToggleUpdateDelete(t *testing.T) {
	t.Parallel()

	app := setupTestApp(t)
	created := app.createPartner(t, "https://partner.example.com/leads")
	id := created.Partner.ID

	status, body := app.do(t, http.MethodPost, "/partners/"+id+"/toggle", nil)
	require.Equal(t, http.StatusOK, status)

	var toggled web.PartnerResponse
	require.NoError(t, json.Unmarshal(body, &toggled))
	assert.False(t, toggled.IsActive)

	name := "Acme Renamed"
	status, body = app.do(t, http.MethodPatch, "/partners/"+id, web.UpdatePartnerRequest{Name: &name})
	require.Equal(t, http.StatusOK, status, string(body))
	assert.Contains(t, string(body), "Acme Renamed")

	status, _ = app.do(t, http.MethodDelete, "/partners/"+id, nil)
	assert.Equal(t, http.StatusNoContent, status)

	status, body = app.do(t, http.MethodGet, "/partners/"+id, nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "partner_not_found", problemType(t, body))
}

func TestAPIHandlers_ProbePartner(t *testing.T) {
	t.Parallel()

	app := setupTestApp(t)
	server, calls := partnerServer(t, http.StatusUnauthorized)
	created := app.createPartner(t, server.URL)

	status, body := app.do(t, http.MethodPost, "/partners/"+created.Partner.ID+"/test", nil)
	require.Equal(t, http.StatusOK, status)

	var result dispatcher.ProbeResult
	require.NoError(t, json.Unmarshal(body, &result))
	assert.False(t, result.Success)
	assert.Equal(t, http.StatusUnauthorized, result.Status)
	assert.Equal(t, int32(1), calls.Load())
}

func TestAPIHandlers_DistributionLogsAndRetry(t *testing.T) {
	t.Parallel()

	app := setupTestApp(t)
	server, _ := partnerServer(t, http.StatusBadGateway)
	created := app.createPartner(t, server.URL)

	active := true
	status, _ := app.do(t, http.MethodPatch, "/workflows/"+created.Workflow.ID, web.PatchWorkflowRequest{IsActive: &active})
	require.Equal(t, http.StatusOK, status)

	_, err := app.interpreter.Run(t.Context(), &models.Submission{ID: "S1", ServiceType: "HVAC", CreatedAt: time.Now().UTC()})
	require.NoError(t, err)

	status, body := app.do(t, http.MethodGet, "/distribution-logs?status=failed&test=false&page=1&limit=10", nil)
	require.Equal(t, http.StatusOK, status, string(body))

	var page persistence.DistributionPage
	require.NoError(t, json.Unmarshal(body, &page))
	require.Len(t, page.Entries, 1)
	assert.Equal(t, int64(1), page.Total)
	assert.Equal(t, 10, page.Limit)

	entryID := page.Entries[0].ID

	status, body = app.do(t, http.MethodPost, "/distribution-logs/"+entryID+"/retry", nil)
	require.Equal(t, http.StatusOK, status, string(body))

	var outcome models.DispatchOutcome
	require.NoError(t, json.Unmarshal(body, &outcome))
	assert.True(t, outcome.Success)

	status, body = app.do(t, http.MethodPost, "/distribution-logs/"+entryID+"/retry", nil)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "NOT_RETRYABLE", problemType(t, body))

	status, _ = app.do(t, http.MethodPost, "/distribution-logs/missing/retry", nil)
	assert.Equal(t, http.StatusNotFound, status)

	status, body = app.do(t, http.MethodGet, "/distribution-stats?partner_api_id="+created.Partner.ID, nil)
	require.Equal(t, http.StatusOK, status)

	var stats models.DistributionStats
	require.NoError(t, json.Unmarshal(body, &stats))
	assert.Equal(t, int64(1), stats.Total)
	assert.Equal(t, int64(1), stats.Success)
}

func TestAPIHandlers_DistributionLogsBadQuery(t *testing.T) {
	t.Parallel()

	app := setupTestApp(t)

	for _, query := range []string{"page=abc", "test=maybe", "status=lost", "from=yesterday"} {
		status, _ := app.do(t, http.MethodGet, "/distribution-logs?"+query, nil)
		assert.Equal(t, http.StatusBadRequest, status, query)
	}
}

func TestAPIHandlers_CreateSubmission(t *testing.T) {
	t.Parallel()

	app := setupTestApp(t)

	status, body := app.do(t, http.MethodPost, "/submissions", web.SubmissionRequest{ServiceType: "HVAC", Email: "jane@example.com"})
	require.Equal(t, http.StatusAccepted, status, string(body))

	var accepted models.Submission
	require.NoError(t, json.Unmarshal(body, &accepted))
	assert.NotEmpty(t, accepted.ID)
	assert.Len(t, app.publisher.events, 1)

	status, _ = app.do(t, http.MethodPost, "/submissions", web.SubmissionRequest{Email: "jane@example.com"})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Len(t, app.publisher.events, 1)
}

func TestAPIHandlers_HealthCheck(t *testing.T) {
	t.Parallel()

	app := setupTestApp(t)

	status, body := app.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(body), "healthy")
}
