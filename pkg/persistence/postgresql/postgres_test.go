package postgresql_test

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/leadroute/leadroute/pkg/models"
	"github.com/leadroute/leadroute/pkg/persistence"
	"github.com/leadroute/leadroute/pkg/persistence/postgresql"
	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

var (
	postgresContainer *postgres.PostgresContainer
	containerMu       sync.Mutex
)

func dropDb(ctx context.Context, t *testing.T, databaseURL string) {
	t.Helper()

	db, err := sql.Open("postgres", databaseURL)
	require.NoError(t, err)

	// Children first, parents last
	for _, table := range []string{"distribution_logs", "partner_apis", "workflow_edges", "workflow_nodes", "workflows", "schema_migrations"} {
		_, err = db.ExecContext(ctx, "DROP TABLE IF EXISTS "+table+" CASCADE")
		require.NoError(t, err)
	}

	err = db.Close()
	require.NoError(t, err)
}

func setupTestDB(t *testing.T) (*postgresql.Persistence, context.Context, string) {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping PostgreSQL integration test in short mode")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)

	containerMu.Lock()

	if postgresContainer == nil || !postgresContainer.IsRunning() {
		var err error

		postgresContainer, err = postgres.Run(ctx,
			"postgres:16-alpine",
			postgres.WithDatabase("leadroute_test"),
			postgres.WithUsername("leadroute"),
			postgres.WithPassword("leadroute"),
			postgres.BasicWaitStrategies(),
		)
		if err != nil {
			containerMu.Unlock()
			require.NoError(t, err)
		}
	}

	containerMu.Unlock()

	databaseURL, err := postgresContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	dropDb(ctx, t, databaseURL)

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

	p, err := postgresql.NewPersistence(ctx, logger, databaseURL)
	require.NoError(t, err)

	t.Cleanup(func() {
		dropDb(ctx, t, databaseURL)

		err = p.Close(ctx)
		require.NoError(t, err)

		cancel()
	})

	return p, ctx, databaseURL
}

func savePartner(ctx context.Context, t *testing.T, p *postgresql.Persistence, name string, serviceTypes ...string) *models.PartnerAPI {
	t.Helper()

	partner := &models.PartnerAPI{
		Name:         name,
		EndpointURL:  "https://" + name + ".example/leads",
		HTTPMethod:   "POST",
		AuthMethod:   models.AuthMethodNone,
		ServiceTypes: serviceTypes,
		TimeoutMs:    1000,
		RetryCount:   2,
		IsActive:     true,
		Headers:      map[string]string{"X-Source": "leadroute"},
	}
	require.NoError(t, p.PartnerRepository().Save(ctx, partner))

	return partner
}

func openReq(submissionID, partnerID string, now time.Time) persistence.OpenRequest {
	return persistence.OpenRequest{
		SubmissionID: submissionID,
		PartnerAPIID: partnerID,
		TargetURL:    "https://partner.example/leads",
		HTTPMethod:   "POST",
		Payload:      []byte(`{"submission":{"id":"` + submissionID + `"}}`),
		ServiceType:  "HVAC",
		LeaseOwner:   "worker-1",
		LeaseUntil:   now.Add(time.Minute),
		Now:          now,
	}
}

func TestNewPersistence_Migrations(t *testing.T) {
	_, ctx, databaseURL := setupTestDB(t)

	db, err := sql.Open("postgres", databaseURL)
	require.NoError(t, err)

	defer func() {
		require.NoError(t, db.Close())
	}()

	for _, table := range []string{"workflows", "workflow_nodes", "workflow_edges", "partner_apis", "distribution_logs", "schema_migrations"} {
		var exists bool

		err = db.QueryRowContext(ctx, `SELECT EXISTS (SELECT FROM information_schema.tables WHERE table_name = $1)`, table).Scan(&exists)
		require.NoError(t, err)
		assert.True(t, exists, "%s table should exist", table)
	}

	var version int

	err = db.QueryRowContext(ctx, "SELECT MAX(version) FROM schema_migrations").Scan(&version)
	require.NoError(t, err)
	assert.Equal(t, 1, version)
}

func TestNewPersistence_HealthCheck(t *testing.T) {
	p, ctx, _ := setupTestDB(t)

	assert.NoError(t, p.HealthCheck(ctx))
}

func TestWorkflowRepository_SaveAndRetrieve(t *testing.T) {
	p, ctx, _ := setupTestDB(t)
	repo := p.WorkflowRepository()
	partner := savePartner(ctx, t, p, "acme", "HVAC")

	workflow := &models.Workflow{
		Name:     "HVAC routing",
		IsActive: true,
		Nodes: []*models.WorkflowNode{
			{ID: "trigger", Type: models.NodeKindTrigger, Position: models.Position{X: 10, Y: 20}},
			{ID: "filter", Type: models.NodeKindFilterService, Config: map[string]any{"services": []any{"HVAC"}}},
			{ID: "send", Type: models.NodeKindHTTPAction, Config: map[string]any{"partner_api_id": partner.ID}},
			{ID: "end", Type: models.NodeKindEnd},
		},
		Edges: []*models.WorkflowEdge{
			{ID: "e1", Source: "trigger", Target: "filter"},
			{ID: "e2", Source: "filter", Target: "send", Status: models.EdgeStatusSuccess},
			{ID: "e3", Source: "send", Target: "end", Status: models.EdgeStatusSuccess},
		},
	}

	require.NoError(t, repo.Save(ctx, workflow))
	assert.Equal(t, 1, workflow.Version)

	stored, err := repo.GetByID(ctx, workflow.ID)
	require.NoError(t, err)
	assert.Equal(t, "HVAC routing", stored.Name)
	require.Len(t, stored.Nodes, 4)
	require.Len(t, stored.Edges, 3)
	assert.Equal(t, models.NodeKindTrigger, stored.Nodes[0].Type)
	assert.InDelta(t, 20.0, stored.Nodes[0].Position.Y, 0.001)
	assert.Equal(t, models.EdgeStatusDefault, stored.Edges[0].Status)
	assert.Equal(t, models.EdgeStatusSuccess, stored.Edges[1].Status)

	cfg, err := stored.Nodes[1].FilterServiceConfig()
	require.NoError(t, err)
	assert.Equal(t, []string{"HVAC"}, cfg.Services)

	active, err := repo.GetActive(ctx)
	require.NoError(t, err)
	assert.Len(t, active, 1)

	byPartner, err := repo.FindByPartner(ctx, partner.ID)
	require.NoError(t, err)
	assert.Len(t, byPartner, 1)

	stale := *stored
	stored.Name = "Renamed"
	require.NoError(t, repo.Save(ctx, stored))
	assert.Equal(t, 2, stored.Version)

	err = repo.Save(ctx, &stale)
	require.ErrorIs(t, err, persistence.ErrVersionConflict)

	require.NoError(t, repo.Delete(ctx, workflow.ID))

	_, err = repo.GetByID(ctx, workflow.ID)
	assert.True(t, persistence.IsWorkflowNotFound(err))

	// The soft-deleted workflow's nodes no longer count as references.
	byPartner, err = repo.FindByPartner(ctx, partner.ID)
	require.NoError(t, err)
	assert.Empty(t, byPartner)

	all, err := repo.GetAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)

	require.NoError(t, p.PartnerRepository().Delete(ctx, partner.ID))

	err = repo.Delete(ctx, workflow.ID)
	assert.True(t, persistence.IsWorkflowNotFound(err))
}

func dispatchingWorkflow(name, partnerID string) *models.Workflow {
	return &models.Workflow{
		Name: name,
		Nodes: []*models.WorkflowNode{
			{ID: "trigger", Type: models.NodeKindTrigger},
			{ID: "send", Type: models.NodeKindHTTPAction, Config: map[string]any{"partner_api_id": partnerID}},
		},
		Edges: []*models.WorkflowEdge{{ID: "e1", Source: "trigger", Target: "send"}},
	}
}

func TestPartnerRepository_DeleteKeepsReferencesIntact(t *testing.T) {
	p, ctx, _ := setupTestDB(t)
	partners := p.PartnerRepository()
	workflows := p.WorkflowRepository()

	partner := savePartner(ctx, t, p, "acme")

	own := dispatchingWorkflow("acme routing", partner.ID)
	own.PartnerAPIID = &partner.ID
	require.NoError(t, workflows.Save(ctx, own))

	shared := dispatchingWorkflow("shared", partner.ID)
	require.NoError(t, workflows.Save(ctx, shared))

	err := partners.Delete(ctx, partner.ID)
	require.ErrorIs(t, err, persistence.ErrPartnerReferenced)

	require.NoError(t, workflows.Delete(ctx, shared.ID))
	require.NoError(t, partners.Delete(ctx, partner.ID))

	_, err = workflows.GetByID(ctx, own.ID)
	assert.True(t, persistence.IsWorkflowNotFound(err))

	err = workflows.Save(ctx, dispatchingWorkflow("late", partner.ID))
	assert.True(t, persistence.IsPartnerNotFound(err))

	for range 10 {
		racer := savePartner(ctx, t, p, "racer")

		var (
			wg                 sync.WaitGroup
			deleteErr, saveErr error
		)

		wg.Add(2)

		go func() {
			defer wg.Done()

			deleteErr = partners.Delete(ctx, racer.ID)
		}()

		go func() {
			defer wg.Done()

			saveErr = workflows.Save(ctx, dispatchingWorkflow("racing", racer.ID))
		}()

		wg.Wait()

		if deleteErr == nil {
			assert.True(t, persistence.IsPartnerNotFound(saveErr))
		} else {
			require.NoError(t, saveErr)
			assert.ErrorIs(t, deleteErr, persistence.ErrPartnerReferenced)
		}
	}

	all, err := workflows.GetAll(ctx)
	require.NoError(t, err)

	for _, wf := range all {
		for _, id := range wf.DependsOnPartners() {
			_, err := partners.GetByID(ctx, id)
			assert.NoError(t, err, "workflow %s points at a deleted partner", wf.ID)
		}
	}
}

func TestPartnerRepository_CountersAndEligibility(t *testing.T) {
	p, ctx, _ := setupTestDB(t)
	repo := p.PartnerRepository()

	hvac := savePartner(ctx, t, p, "hvac", "HVAC")
	savePartner(ctx, t, p, "any")
	savePartner(ctx, t, p, "plumbing", "Plumbing")

	eligible, err := repo.ListEligible(ctx, "HVAC")
	require.NoError(t, err)
	assert.Len(t, eligible, 2)

	var wg sync.WaitGroup

	for range 20 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			assert.NoError(t, repo.IncrementOutcome(ctx, hvac.ID, true, time.Now()))
		}()
	}

	wg.Wait()

	stored, err := repo.GetByID(ctx, hvac.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(20), stored.SuccessCount)
	assert.NotNil(t, stored.LastSuccessAt)
	assert.Equal(t, map[string]string{"X-Source": "leadroute"}, stored.Headers)
	assert.Equal(t, []string{"HVAC"}, stored.ServiceTypes)

	stored.SuccessCount = 0
	stored.IsActive = false
	require.NoError(t, repo.Save(ctx, stored))
	assert.Equal(t, int64(20), stored.SuccessCount)

	require.NoError(t, repo.Delete(ctx, hvac.ID))

	_, err = repo.GetByID(ctx, hvac.ID)
	assert.True(t, persistence.IsPartnerNotFound(err))
}

func TestDistributionRepository_ConcurrentOpen(t *testing.T) {
	p, ctx, _ := setupTestDB(t)
	repo := p.DistributionRepository()
	partner := savePartner(ctx, t, p, "acme")
	now := time.Now().UTC()

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		created  int
		refused  int
		otherErr []error
	)

	for range 16 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			_, state, err := repo.Open(ctx, openReq("sub-1", partner.ID, now))

			mu.Lock()
			defer mu.Unlock()

			switch {
			case err == nil && state == persistence.OpenCreated:
				created++
			case persistence.IsDuplicateDelivery(err) || errors.Is(err, persistence.ErrLedgerBusy):
				refused++
			default:
				otherErr = append(otherErr, err)
			}
		}()
	}

	wg.Wait()

	assert.Empty(t, otherErr)
	assert.Equal(t, 1, created)
	assert.Equal(t, 15, refused)

	page, err := repo.List(ctx, persistence.DistributionFilter{SubmissionID: "sub-1"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), page.Total)
}

func TestDistributionRepository_Lifecycle(t *testing.T) {
	p, ctx, _ := setupTestDB(t)
	repo := p.DistributionRepository()
	partner := savePartner(ctx, t, p, "acme")
	now := time.Now().UTC()

	entry, state, err := repo.Open(ctx, openReq("sub-2", partner.ID, now))
	require.NoError(t, err)
	assert.Equal(t, persistence.OpenCreated, state)
	assert.Equal(t, models.DistributionStatusPending, entry.Status)
	assert.JSONEq(t, `{"submission":{"id":"sub-2"}}`, string(entry.Payload))

	status := 500
	body := "upstream down"
	updated, err := repo.Update(ctx, entry.ID, models.DistributionPatch{
		ResponseStatus:   &status,
		ResponseBody:     &body,
		IncrementAttempt: true,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, updated.AttemptCount)
	assert.Equal(t, 500, *updated.ResponseStatus)

	// Lease expired: resumed with attempt count intact
	resumed, state, err := repo.Open(ctx, openReq("sub-2", partner.ID, now.Add(2*time.Minute)))
	require.NoError(t, err)
	assert.Equal(t, persistence.OpenResumed, state)
	assert.Equal(t, entry.ID, resumed.ID)
	assert.Equal(t, 1, resumed.AttemptCount)

	failed := models.DistributionStatusFailed
	completed := now.Add(2 * time.Minute)
	_, err = repo.Update(ctx, entry.ID, models.DistributionPatch{Status: &failed, CompletedAt: &completed})
	require.NoError(t, err)

	_, err = repo.Update(ctx, entry.ID, models.DistributionPatch{IncrementAttempt: true})
	require.ErrorIs(t, err, persistence.ErrEntryTerminal)

	_, _, err = repo.Open(ctx, openReq("sub-2", partner.ID, now.Add(3*time.Minute)))
	require.ErrorIs(t, err, persistence.ErrAlreadyDelivered)

	reopened, err := repo.Reopen(ctx, entry.ID, "retry", now.Add(5*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, models.DistributionStatusRetrying, reopened.Status)
	assert.Nil(t, reopened.CompletedAt)

	_, err = repo.Reopen(ctx, entry.ID, "retry", now.Add(5*time.Minute))
	require.ErrorIs(t, err, persistence.ErrEntryNotRetryable)

	_, err = repo.GetByID(ctx, uuid.NewString())
	assert.True(t, persistence.IsEntryNotFound(err))
}

func TestDistributionRepository_ListStatsAndExpire(t *testing.T) {
	p, ctx, _ := setupTestDB(t)
	repo := p.DistributionRepository()
	acme := savePartner(ctx, t, p, "acme")
	idle := savePartner(ctx, t, p, "idle")
	now := time.Now().UTC()

	success := models.DistributionStatusSuccess

	for i, sub := range []string{"s1", "s2", "s3"} {
		entry, _, err := repo.Open(ctx, openReq(sub, acme.ID, now.Add(time.Duration(i)*time.Second)))
		require.NoError(t, err)

		if sub == "s1" {
			_, err = repo.Update(ctx, entry.ID, models.DistributionPatch{Status: &success})
			require.NoError(t, err)
		}
	}

	testReq := openReq("test-1", acme.ID, now)
	testReq.IsTest = true
	_, _, err := repo.Open(ctx, testReq)
	require.NoError(t, err)

	page, err := repo.List(ctx, persistence.DistributionFilter{PartnerAPIID: acme.ID, Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, int64(4), page.Total)
	assert.Equal(t, 2, page.TotalPages)
	assert.Len(t, page.Entries, 2)

	notTest := false
	page, err = repo.List(ctx, persistence.DistributionFilter{IsTest: &notTest, Status: models.DistributionStatusPending})
	require.NoError(t, err)
	assert.Equal(t, int64(2), page.Total)

	stats, err := repo.Stats(ctx, persistence.StatsFilter{DayStart: now.Truncate(24 * time.Hour)})
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.Total)
	assert.Equal(t, int64(1), stats.Success)
	assert.Equal(t, int64(2), stats.Pending)
	require.Len(t, stats.ByPartner, 2)
	assert.Equal(t, acme.ID, stats.ByPartner[0].PartnerAPIID)
	assert.Equal(t, int64(3), stats.ByPartner[0].Total)
	assert.Equal(t, idle.ID, stats.ByPartner[1].PartnerAPIID)

	expired, err := repo.ExpireStale(ctx, now.Add(time.Hour), "lease_expired", 10)
	require.NoError(t, err)
	assert.Len(t, expired, 3)

	for _, entry := range expired {
		assert.Equal(t, models.DistributionStatusFailed, entry.Status)
		assert.Equal(t, "lease_expired", entry.ErrorMessage)
	}
}
