package services

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/leadroute/leadroute/pkg/backoff"
	"github.com/leadroute/leadroute/pkg/dispatcher"
	"github.com/leadroute/leadroute/pkg/ledger"
	"github.com/leadroute/leadroute/pkg/models"
	"github.com/leadroute/leadroute/pkg/persistence"
	"github.com/leadroute/leadroute/pkg/persistence/memory"
	"github.com/leadroute/leadroute/pkg/registry"
	"github.com/leadroute/leadroute/pkg/vault"
	"github.com/leadroute/leadroute/pkg/workflow"
	"github.com/stretchr/testify/require"
)

var (
	vaultOnce   sync.Once
	sharedVault *vault.Vault
)

type fixture struct {
	store        *memory.Persistence
	vault        *vault.Vault
	ledger       *ledger.Ledger
	interpreter  *workflow.Interpreter
	workflows    *Workflow
	partners     *Partner
	distribution *Distribution
	logger       *slog.Logger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	vaultOnce.Do(func() {
		v, err := vault.New("services-test-passphrase")
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

	return &fixture{
		store:        store,
		vault:        sharedVault,
		ledger:       distributions,
		interpreter:  interpreter,
		workflows:    NewWorkflow(store, workflow.NewValidator(partners), interpreter, distributions, logger),
		partners:     NewPartner(store, sharedVault, sender, logger),
		distribution: NewDistribution(distributions, partners, sender, logger),
		logger:       logger,
	}
}

// partnerServer answers with the given statuses in order, then 200.
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

func (f *fixture) createPartner(t *testing.T, url string, mutate func(*CreatePartnerRequest)) (*models.PartnerAPI, *models.Workflow) {
	t.Helper()

	retries := 0
	req := CreatePartnerRequest{
		Name:         "Acme Leads",
		EndpointURL:  url,
		AuthMethod:   models.AuthMethodAPIKey,
		Credential:   models.Credential{APIKey: "acme-secret-key"},
		ServiceTypes: []string{"HVAC"},
		TimeoutMs:    2000,
		RetryCount:   &retries,
	}

	if mutate != nil {
		mutate(&req)
	}

	partner, wf, err := f.partners.Create(t.Context(), req)
	require.NoError(t, err)

	return partner, wf
}

func ptr[T any](v T) *T {
	return &v
}

func newProbeServer(t *testing.T, gotKey *string) *httptest.Server {
	t.Helper()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*gotKey = r.Header.Get(dispatcher.HeaderAPIKey)
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(server.Close)

	return server
}

func persistenceFilter(partnerID string) persistence.DistributionFilter {
	return persistence.DistributionFilter{PartnerAPIID: partnerID}
}
