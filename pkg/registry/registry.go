// Package registry is the read side of partner endpoints used during routing, plus their outcome counters.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/leadroute/leadroute/pkg/models"
	"github.com/leadroute/leadroute/pkg/persistence"
)

var (
	// ErrPartnerInactive is returned when a partner is switched off.
	ErrPartnerInactive = errors.New("partner api is inactive")

	// ErrServiceNotAccepted is returned when the partner does not take the submission's service type.
	ErrServiceNotAccepted = errors.New("partner api does not accept service type")
)

// Registry looks partners up and records delivery outcomes against them.
type Registry struct {
	repo   persistence.PartnerRepository
	logger *slog.Logger
	now    func() time.Time
}

// New creates a partner registry over the repository.
func New(repo persistence.PartnerRepository, logger *slog.Logger) *Registry {
	return &Registry{
		repo:   repo,
		logger: logger.With("module", "partner_registry"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Get returns the partner or an error matching persistence.ErrPartnerNotFound.
func (r *Registry) Get(ctx context.Context, id string) (*models.PartnerAPI, error) {
	partner, err := r.repo.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get partner: %w", err)
	}

	return partner, nil
}

// ListEligible returns every active partner that accepts the service type.
func (r *Registry) ListEligible(ctx context.Context, serviceType string) ([]*models.PartnerAPI, error) {
	partners, err := r.repo.ListEligible(ctx, serviceType)
	if err != nil {
		return nil, fmt.Errorf("failed to list eligible partners: %w", err)
	}

	return partners, nil
}

// Eligible re-reads the partner and checks it may receive a submission of the service type.
func (r *Registry) Eligible(ctx context.Context, id, serviceType string) (*models.PartnerAPI, error) {
	partner, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if !partner.IsActive {
		return partner, persistence.NewPartnerError("Eligible", id, ErrPartnerInactive)
	}

	if !partner.Accepts(serviceType) {
		return partner, persistence.NewPartnerError("Eligible", id, ErrServiceNotAccepted)
	}

	return partner, nil
}

// RecordOutcome bumps the success or failure counter atomically. Concurrent calls never lose updates.
func (r *Registry) RecordOutcome(ctx context.Context, id string, success bool) error {
	err := r.repo.IncrementOutcome(ctx, id, success, r.now())
	if err != nil {
		r.logger.ErrorContext(ctx, "failed to record partner outcome",
			"partner_api_id", id,
			"success", success,
			"error", err)

		return fmt.Errorf("failed to record partner outcome: %w", err)
	}

	return nil
}
