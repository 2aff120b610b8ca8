package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/leadroute/leadroute/pkg/dispatcher"
	"github.com/leadroute/leadroute/pkg/ledger"
	"github.com/leadroute/leadroute/pkg/models"
	"github.com/leadroute/leadroute/pkg/persistence"
	"github.com/leadroute/leadroute/pkg/registry"
)

const dateOnly = "2006-01-02"

// Distribution exposes the ledger to admins: listing, statistics and manual retries.
type Distribution struct {
	ledger     *ledger.Ledger
	partners   *registry.Registry
	dispatcher *dispatcher.Dispatcher
	logger     *slog.Logger
}

func NewDistribution(distributions *ledger.Ledger, partners *registry.Registry, sender *dispatcher.Dispatcher, logger *slog.Logger) *Distribution {
	return &Distribution{
		ledger:     distributions,
		partners:   partners,
		dispatcher: sender,
		logger:     logger.With("module", "distribution_service"),
	}
}

// ListDistributionRequest filters ledger rows. From and To accept RFC 3339 timestamps or dates;
// a date-only To covers the whole day.
type ListDistributionRequest struct {
	PartnerAPIID string
	SubmissionID string
	Status       string
	From         string
	To           string
	Test         *bool
	Page         int
	Limit        int
}

func (d *Distribution) List(ctx context.Context, req ListDistributionRequest) (*persistence.DistributionPage, error) {
	filter := persistence.DistributionFilter{
		PartnerAPIID: req.PartnerAPIID,
		SubmissionID: req.SubmissionID,
		Status:       models.DistributionStatus(req.Status),
		IsTest:       req.Test,
		Page:         req.Page,
		Limit:        req.Limit,
	}

	if filter.Status != "" && !filter.Status.Valid() {
		return nil, NewValidationError("List", "INVALID_STATUS", fmt.Sprintf("invalid status '%s'", req.Status), ErrInvalidRequest)
	}

	var err error

	filter.From, err = ParseDateBound(req.From, false)
	if err != nil {
		return nil, NewValidationError("List", "INVALID_DATE", err.Error(), ErrInvalidDateRange)
	}

	filter.To, err = ParseDateBound(req.To, true)
	if err != nil {
		return nil, NewValidationError("List", "INVALID_DATE", err.Error(), ErrInvalidDateRange)
	}

	if filter.From != nil && filter.To != nil && filter.To.Before(*filter.From) {
		return nil, NewValidationError("List", "INVALID_DATE", "to is before from", ErrInvalidDateRange)
	}

	page, err := d.ledger.List(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list distribution entries: %w", err)
	}

	return page, nil
}

// ParseDateBound parses a filter bound. A date-only upper bound moves to the last instant of that day.
func ParseDateBound(value string, upper bool) (*time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, nil
	}

	t, err := time.Parse(time.RFC3339, value)
	if err == nil {
		t = t.UTC()

		return &t, nil
	}

	t, err = time.Parse(dateOnly, value)
	if err != nil {
		return nil, fmt.Errorf("invalid date '%s', expected YYYY-MM-DD or RFC 3339", value)
	}

	if upper {
		t = t.Add(24*time.Hour - time.Nanosecond)
	}

	return &t, nil
}

// Stats aggregates non-test rows, optionally for one partner.
func (d *Distribution) Stats(ctx context.Context, partnerID string) (*models.DistributionStats, error) {
	stats, err := d.ledger.Stats(ctx, partnerID)
	if err != nil {
		return nil, fmt.Errorf("failed to compute distribution stats: %w", err)
	}

	return stats, nil
}

// Retry reopens a failed row and dispatches its stored payload again with a fresh attempt budget.
// The attempt count carries on.
func (d *Distribution) Retry(ctx context.Context, id string) (*models.DispatchOutcome, error) {
	entry, err := d.ledger.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if entry.Status != models.DistributionStatusFailed {
		return nil, NewConflictError("Retry", "NOT_RETRYABLE",
			fmt.Sprintf("entry is %s, only failed entries can be retried", entry.Status), ErrNotRetryable)
	}

	partner, err := d.partners.Get(ctx, entry.PartnerAPIID)
	if err != nil {
		return nil, err
	}

	reopened, err := d.ledger.Reopen(ctx, id, d.dispatcher.LeaseDuration(partner))
	if errors.Is(err, persistence.ErrEntryNotRetryable) {
		return nil, NewConflictError("Retry", "NOT_RETRYABLE", "entry is no longer failed", ErrNotRetryable)
	}

	if errors.Is(err, persistence.ErrDeliveryInFlight) {
		return nil, NewConflictError("Retry", "DELIVERY_IN_FLIGHT", "another delivery for this submission is in flight", err)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to reopen distribution entry: %w", err)
	}

	d.logger.InfoContext(ctx, "manual retry started",
		"entry_id", id,
		"partner_api_id", partner.ID,
		"attempt_count", reopened.AttemptCount)

	outcome := d.dispatcher.Dispatch(ctx, dispatcher.Request{Partner: partner, Entry: reopened, Manual: true})

	return &outcome, nil
}
