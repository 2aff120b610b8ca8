package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/leadroute/leadroute/pkg/cmd"
	"github.com/leadroute/leadroute/pkg/config"
	"github.com/leadroute/leadroute/pkg/events"
	"github.com/leadroute/leadroute/pkg/ledger"
	"github.com/leadroute/leadroute/pkg/mocks"
	"github.com/leadroute/leadroute/pkg/models"
	"github.com/leadroute/leadroute/pkg/persistence"
	"github.com/leadroute/leadroute/pkg/persistence/memory"
	"github.com/leadroute/leadroute/pkg/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type fakeIntake struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeIntake) Start(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, "start")

	return nil
}

func (f *fakeIntake) Stop(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, "stop")

	return nil
}

func TestWorkerManager_RoutesSubmissions(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	cfg, err := config.Load("", map[string]any{
		"database.url":     "memory://",
		"vault.passphrase": "worker-test-passphrase",
	})
	require.NoError(t, err)

	components, err := cmd.NewComponents(cfg, memory.NewPersistence(), nil, logger)
	require.NoError(t, err)

	bus, err := cmd.NewEventBus(cfg.EventBus, false, logger)
	require.NoError(t, err)

	t.Cleanup(func() { _ = bus.Close() })

	var calls atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, "acme-key", r.Header.Get("X-API-Key"))
		w.WriteHeader(http.StatusCreated)
	}))
	t.Cleanup(server.Close)

	retries := 0
	partner, wf, err := components.PartnerService().Create(t.Context(), services.CreatePartnerRequest{
		Name:         "Acme Leads",
		EndpointURL:  server.URL,
		AuthMethod:   models.AuthMethodAPIKey,
		Credential:   models.Credential{APIKey: "acme-key"},
		ServiceTypes: []string{"Roofing"},
		TimeoutMs:    2000,
		RetryCount:   &retries,
	})
	require.NoError(t, err)

	active := true
	_, err = components.WorkflowService().Patch(t.Context(), wf.ID, services.PatchWorkflowRequest{IsActive: &active})
	require.NoError(t, err)

	intake := &fakeIntake{}
	worker := NewWorkerManager(
		"worker-test",
		services.NewRouter(components.Interpreter, bus, "worker-test", logger),
		bus,
		ledger.NewSweeper(components.Ledger, "@every 1h", logger),
		logger,
		intake,
	)

	require.NoError(t, worker.Start(t.Context()))

	_, err = services.NewSubmission(bus, logger).Submit(t.Context(), models.Submission{
		ID:          "sub-worker",
		ServiceType: "Roofing",
		ZipCode:     "73301",
	}, "test")
	require.NoError(t, err)

	var page *persistence.DistributionPage

	assert.Eventually(t, func() bool {
		page, err = components.Ledger.List(t.Context(), persistence.DistributionFilter{SubmissionID: "sub-worker"})

		return err == nil && len(page.Entries) == 1 && page.Entries[0].Status == models.DistributionStatusSuccess
	}, 5*time.Second, 20*time.Millisecond)

	assert.Equal(t, partner.ID, page.Entries[0].PartnerAPIID)
	assert.Equal(t, int32(1), calls.Load())

	require.NoError(t, worker.Stop(t.Context()))
	assert.Equal(t, []string{"start", "stop"}, intake.calls)
}

func TestWorkerManager_InvalidSweepSchedule(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	cfg, err := config.Load("", map[string]any{"vault.passphrase": "worker-test-passphrase"})
	require.NoError(t, err)

	components, err := cmd.NewComponents(cfg, memory.NewPersistence(), nil, logger)
	require.NoError(t, err)

	bus, err := cmd.NewEventBus(cfg.EventBus, false, logger)
	require.NoError(t, err)

	t.Cleanup(func() { _ = bus.Close() })

	intake := &fakeIntake{}
	worker := NewWorkerManager(
		"worker-test",
		services.NewRouter(components.Interpreter, bus, "worker-test", logger),
		bus,
		ledger.NewSweeper(components.Ledger, "not a schedule", logger),
		logger,
		intake,
	)

	assert.Error(t, worker.Start(t.Context()))
	assert.Empty(t, intake.calls)
}

func TestWorkerManager_SubscribeFailure(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	cfg, err := config.Load("", map[string]any{"vault.passphrase": "worker-test-passphrase"})
	require.NoError(t, err)

	components, err := cmd.NewComponents(cfg, memory.NewPersistence(), nil, logger)
	require.NoError(t, err)

	bus := &mocks.MockEventBus{}
	bus.On("Handle", events.SubmissionReceivedEvent, mock.Anything).Return(nil)
	bus.On("Subscribe", mock.Anything).Return(errors.New("broker unreachable"))

	sweeper := ledger.NewSweeper(components.Ledger, "@every 1h", logger)
	intake := &fakeIntake{}

	worker := NewWorkerManager(
		"worker-test",
		services.NewRouter(components.Interpreter, bus, "worker-test", logger),
		bus,
		sweeper,
		logger,
		intake,
	)

	require.Error(t, worker.Start(t.Context()))
	assert.Empty(t, intake.calls)
	bus.AssertExpectations(t)

	require.NoError(t, worker.Stop(t.Context()))
}
