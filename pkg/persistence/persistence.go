// Package persistence provides the storage abstraction for workflows, partners and the distribution ledger.
package persistence

import (
	"context"
	"encoding/json"
	"time"

	"github.com/leadroute/leadroute/pkg/models"
)

type Persistence interface {
	WorkflowRepository() WorkflowRepository
	PartnerRepository() PartnerRepository
	DistributionRepository() DistributionRepository

	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}

// WorkflowRepository stores workflow graphs.
type WorkflowRepository interface {
	GetAll(ctx context.Context) ([]*models.Workflow, error)
	GetActive(ctx context.Context) ([]*models.Workflow, error)
	GetByID(ctx context.Context, id string) (*models.Workflow, error)
	// FindByPartner returns workflows with an http_action node targeting the partner, or linked to it.
	FindByPartner(ctx context.Context, partnerID string) ([]*models.Workflow, error)
	// Save inserts or replaces a workflow. A non-zero Version must match the stored one;
	// on success Version is incremented. Every partner the workflow depends on must exist, checked
	// atomically against PartnerRepository.Delete; a missing one fails with ErrPartnerNotFound.
	Save(ctx context.Context, workflow *models.Workflow) error
	Delete(ctx context.Context, id string) error
}

// PartnerRepository stores partner endpoints and their outcome counters.
type PartnerRepository interface {
	GetAll(ctx context.Context) ([]*models.PartnerAPI, error)
	GetByID(ctx context.Context, id string) (*models.PartnerAPI, error)
	// ListEligible returns active partners whose service types are empty or contain serviceType.
	ListEligible(ctx context.Context, serviceType string) ([]*models.PartnerAPI, error)
	Save(ctx context.Context, partner *models.PartnerAPI) error
	// Delete removes the partner and the workflows linked to it in one step. It fails with a
	// *ReferenceError (ErrPartnerReferenced) while any other workflow dispatches to the partner.
	Delete(ctx context.Context, id string) error
	// IncrementOutcome atomically bumps the success or failure counter and its timestamp.
	IncrementOutcome(ctx context.Context, id string, success bool, at time.Time) error
}

// OpenRequest describes a delivery intent for DistributionRepository.Open.
type OpenRequest struct {
	SubmissionID  string
	PartnerAPIID  string
	WorkflowID    string
	NodeID        string
	TargetURL     string
	HTTPMethod    string
	Payload       json.RawMessage
	ServiceType   string
	CustomerName  string
	CustomerEmail string
	IsTest        bool
	LeaseOwner    string
	LeaseUntil    time.Time
	Now           time.Time
}

// OpenState tells whether Open created a row or resumed an abandoned one.
type OpenState int

const (
	OpenCreated OpenState = iota + 1
	OpenResumed
)

// DistributionRepository stores the distribution ledger.
type DistributionRepository interface {
	// Open atomically finds the latest row for (submission, partner, test) and either creates a
	// pending row, resumes a non-terminal row whose lease expired, or fails with
	// ErrDeliveryInFlight or ErrAlreadyDelivered. ErrLedgerBusy signals contention.
	Open(ctx context.Context, req OpenRequest) (*models.DistributionLogEntry, OpenState, error)
	// Update patches a non-terminal row. Terminal rows fail with ErrEntryTerminal.
	Update(ctx context.Context, id string, patch models.DistributionPatch) (*models.DistributionLogEntry, error)
	// Reopen moves a failed row back to retrying and leases it.
	Reopen(ctx context.Context, id, leaseOwner string, leaseUntil time.Time) (*models.DistributionLogEntry, error)
	GetByID(ctx context.Context, id string) (*models.DistributionLogEntry, error)
	List(ctx context.Context, filter DistributionFilter) (*DistributionPage, error)
	Stats(ctx context.Context, filter StatsFilter) (*models.DistributionStats, error)
	// ExpireStale moves non-terminal rows whose lease ended before now to failed and returns them.
	ExpireStale(ctx context.Context, now time.Time, reason string, limit int) ([]*models.DistributionLogEntry, error)
}

const (
	DefaultPageLimit = 50
	MaxPageLimit     = 100
	MaxPage          = 1000
)

// DistributionFilter selects ledger rows for listing.
type DistributionFilter struct {
	PartnerAPIID string
	SubmissionID string
	Status       models.DistributionStatus
	From         *time.Time
	To           *time.Time
	IsTest       *bool
	Page         int
	Limit        int
}

// Normalize clamps paging values into their allowed ranges.
func (f DistributionFilter) Normalize() DistributionFilter {
	if f.Page < 1 {
		f.Page = 1
	}

	if f.Page > MaxPage {
		f.Page = MaxPage
	}

	if f.Limit < 1 {
		f.Limit = DefaultPageLimit
	}

	if f.Limit > MaxPageLimit {
		f.Limit = MaxPageLimit
	}

	return f
}

// Offset returns the row offset of the page.
func (f DistributionFilter) Offset() int {
	return (f.Page - 1) * f.Limit
}

// DistributionPage is one page of ledger rows, newest first.
type DistributionPage struct {
	Entries    []*models.DistributionLogEntry `json:"entries"`
	Total      int64                          `json:"total"`
	Page       int                            `json:"page"`
	Limit      int                            `json:"limit"`
	TotalPages int                            `json:"total_pages"`
}

// NewDistributionPage computes the paging totals.
func NewDistributionPage(entries []*models.DistributionLogEntry, total int64, filter DistributionFilter) *DistributionPage {
	if entries == nil {
		entries = make([]*models.DistributionLogEntry, 0)
	}

	pages := int((total + int64(filter.Limit) - 1) / int64(filter.Limit))

	return &DistributionPage{
		Entries:    entries,
		Total:      total,
		Page:       filter.Page,
		Limit:      filter.Limit,
		TotalPages: pages,
	}
}

// StatsFilter scopes the aggregate counts.
type StatsFilter struct {
	PartnerAPIID string
	// DayStart is the beginning of "today" for the today counter.
	DayStart time.Time
}
