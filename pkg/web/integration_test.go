//go:build integration

package web_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/leadroute/leadroute/pkg/backoff"
	"github.com/leadroute/leadroute/pkg/dispatcher"
	"github.com/leadroute/leadroute/pkg/ledger"
	"github.com/leadroute/leadroute/pkg/models"
	"github.com/leadroute/leadroute/pkg/persistence"
	"github.com/leadroute/leadroute/pkg/persistence/postgresql"
	"github.com/leadroute/leadroute/pkg/registry"
	"github.com/leadroute/leadroute/pkg/services"
	"github.com/leadroute/leadroute/pkg/web"
	"github.com/leadroute/leadroute/pkg/workflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

func setupPostgresApp(t *testing.T) *testApp {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	t.Cleanup(cancel)

	container, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("leadroute_web"),
		postgres.WithUsername("leadroute"),
		postgres.WithPassword("leadroute"),
		postgres.BasicWaitStrategies(),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	databaseURL, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	store, err := postgresql.NewPersistence(ctx, logger, databaseURL)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close(context.Background()) })

	setupTestApp(t) // initialises the shared vault

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

	return &testApp{app: app, interpreter: interpreter, publisher: publisher}
}

func TestPartnerRouting_Integration(t *testing.T) {
	app := setupPostgresApp(t)
	server, calls := partnerServer(t, http.StatusServiceUnavailable)
	created := app.createPartner(t, server.URL)

	active := true
	status, body := app.do(t, http.MethodPatch, "/workflows/"+created.Workflow.ID, web.PatchWorkflowRequest{IsActive: &active})
	require.Equal(t, http.StatusOK, status, string(body))

	submission := &models.Submission{ID: "S-int", ServiceType: "HVAC", CreatedAt: time.Now().UTC()}

	_, err := app.interpreter.Run(t.Context(), submission)
	require.NoError(t, err)

	// Redelivery must not produce a second row or request.
	_, err = app.interpreter.Run(t.Context(), submission)
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())

	status, body = app.do(t, http.MethodGet, "/distribution-logs?submission_id=S-int", nil)
	require.Equal(t, http.StatusOK, status, string(body))

	var page persistence.DistributionPage
	require.NoError(t, json.Unmarshal(body, &page))
	require.Len(t, page.Entries, 1)
	assert.Equal(t, models.DistributionStatusFailed, page.Entries[0].Status)

	status, body = app.do(t, http.MethodPost, "/distribution-logs/"+page.Entries[0].ID+"/retry", nil)
	require.Equal(t, http.StatusOK, status, string(body))

	status, body = app.do(t, http.MethodGet, "/distribution-stats", nil)
	require.Equal(t, http.StatusOK, status)

	var stats models.DistributionStats
	require.NoError(t, json.Unmarshal(body, &stats))
	assert.Equal(t, int64(1), stats.Success)
	require.Len(t, stats.ByPartner, 1)
	assert.Equal(t, created.Partner.ID, stats.ByPartner[0].PartnerAPIID)

	status, body = app.do(t, http.MethodDelete, "/partners/"+created.Partner.ID, nil)
	assert.Equal(t, http.StatusNoContent, status, string(body))

	status, _ = app.do(t, http.MethodGet, "/workflows/"+created.Workflow.ID, nil)
	assert.Equal(t, http.StatusNotFound, status)
}
