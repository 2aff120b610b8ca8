package services

import (
	"net/http"
	"testing"
	"time"

	"github.com/leadroute/leadroute/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func routeOnce(t *testing.T, f *fixture, wfID, submissionID string) {
	t.Helper()

	_, err := f.workflows.Patch(t.Context(), wfID, PatchWorkflowRequest{IsActive: ptr(true)})
	require.NoError(t, err)

	_, err = f.interpreter.Run(t.Context(), &models.Submission{
		ID:          submissionID,
		ServiceType: "HVAC",
		Name:        "Jane Doe",
		Email:       "jane@example.com",
		CreatedAt:   time.Now().UTC(),
	})
	require.NoError(t, err)
}

func TestDistribution_RetryFailedEntry(t *testing.T) {
	f := newFixture(t)
	server, calls := partnerServer(t, http.StatusInternalServerError)
	partner, wf := f.createPartner(t, server.URL, nil)
	routeOnce(t, f, wf.ID, "S1")

	page, err := f.distribution.List(t.Context(), ListDistributionRequest{SubmissionID: "S1"})
	require.NoError(t, err)
	require.Len(t, page.Entries, 1)

	entry := page.Entries[0]
	require.Equal(t, models.DistributionStatusFailed, entry.Status)
	assert.Equal(t, 1, entry.AttemptCount)

	outcome, err := f.distribution.Retry(t.Context(), entry.ID)
	require.NoError(t, err)
	assert.True(t, outcome.Success)
	assert.Equal(t, models.DistributionStatusSuccess, outcome.Status)
	assert.Equal(t, int32(2), calls.Load())

	retried, err := f.ledger.Get(t.Context(), entry.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DistributionStatusSuccess, retried.Status)
	assert.Equal(t, 2, retried.AttemptCount)
	assert.JSONEq(t, string(entry.Payload), string(retried.Payload))

	got, err := f.partners.FetchByID(t.Context(), partner.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.SuccessCount)
	assert.Equal(t, int64(1), got.FailureCount)
}

func TestDistribution_RetryRejectsSuccessfulEntry(t *testing.T) {
	f := newFixture(t)
	server, _ := partnerServer(t)
	_, wf := f.createPartner(t, server.URL, nil)
	routeOnce(t, f, wf.ID, "S1")

	page, err := f.distribution.List(t.Context(), ListDistributionRequest{SubmissionID: "S1"})
	require.NoError(t, err)
	require.Len(t, page.Entries, 1)

	_, err = f.distribution.Retry(t.Context(), page.Entries[0].ID)
	require.Error(t, err)
	assert.True(t, IsConflictError(err))
	assert.ErrorIs(t, err, ErrNotRetryable)
}

func TestDistribution_RetryUnknownEntry(t *testing.T) {
	f := newFixture(t)

	_, err := f.distribution.Retry(t.Context(), "missing")
	require.Error(t, err)
	assert.True(t, IsNotFoundError(err))
}

func TestDistribution_ListValidatesFilters(t *testing.T) {
	f := newFixture(t)

	_, err := f.distribution.List(t.Context(), ListDistributionRequest{Status: "lost"})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = f.distribution.List(t.Context(), ListDistributionRequest{From: "yesterday"})
	assert.ErrorIs(t, err, ErrInvalidDateRange)

	_, err = f.distribution.List(t.Context(), ListDistributionRequest{From: "2026-03-02", To: "2026-03-01"})
	assert.ErrorIs(t, err, ErrInvalidDateRange)

	page, err := f.distribution.List(t.Context(), ListDistributionRequest{From: "2026-03-01", To: "2026-03-01", Limit: 500})
	require.NoError(t, err)
	assert.Equal(t, 100, page.Limit)
	assert.Equal(t, 1, page.Page)
	assert.Empty(t, page.Entries)
}

func TestDistribution_ListFiltersByTestFlag(t *testing.T) {
	f := newFixture(t)
	server, _ := partnerServer(t)
	_, wf := f.createPartner(t, server.URL, nil)
	routeOnce(t, f, wf.ID, "S1")

	_, err := f.workflows.TestRun(t.Context(), wf.ID, TestRunRequest{ServiceType: "HVAC"})
	require.NoError(t, err)

	all, err := f.distribution.List(t.Context(), ListDistributionRequest{})
	require.NoError(t, err)
	assert.Len(t, all.Entries, 2)

	live, err := f.distribution.List(t.Context(), ListDistributionRequest{Test: ptr(false)})
	require.NoError(t, err)
	require.Len(t, live.Entries, 1)
	assert.Equal(t, "S1", live.Entries[0].SubmissionID)

	stats, err := f.distribution.Stats(t.Context(), "")
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Total)
	assert.Equal(t, int64(1), stats.Success)
	assert.Equal(t, int64(1), stats.Today)
}

func TestParseDateBound(t *testing.T) {
	got, err := ParseDateBound("", false)
	require.NoError(t, err)
	assert.Nil(t, got)

	got, err = ParseDateBound("2026-03-01", false)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), *got)

	got, err = ParseDateBound("2026-03-01", true)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 1, 23, 59, 59, 999999999, time.UTC), *got)

	got, err = ParseDateBound("2026-03-01T10:00:00+02:00", true)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC), *got)

	_, err = ParseDateBound("03/01/2026", false)
	assert.Error(t, err)
}
