// Package ledger is the distribution ledger: the durable record of every delivery intent,
// its attempts and its outcome. It is the single source of truth for delivery idempotency.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/leadroute/leadroute/pkg/backoff"
	"github.com/leadroute/leadroute/pkg/models"
	"github.com/leadroute/leadroute/pkg/persistence"
)

const (
	// ReasonLeaseExpired is recorded on rows failed by crash recovery.
	ReasonLeaseExpired = "lease_expired"

	defaultBusyRetries = 5
	defaultExpireBatch = 100
)

// OutcomeRecorder bumps partner counters.
type OutcomeRecorder interface {
	RecordOutcome(ctx context.Context, partnerID string, success bool) error
}

// Ledger wraps the distribution repository with lease ownership, contention retries and counters.
type Ledger struct {
	repo        persistence.DistributionRepository
	outcomes    OutcomeRecorder
	logger      *slog.Logger
	owner       string
	busy        backoff.Strategy
	busyRetries int
	expireBatch int
	now         func() time.Time
}

type Option func(*Ledger)

// WithOwner names the lease holder, typically the worker id.
func WithOwner(owner string) Option {
	return func(l *Ledger) {
		l.owner = owner
	}
}

// WithBusyRetry configures how contention on Open is retried.
func WithBusyRetry(strategy backoff.Strategy, retries int) Option {
	return func(l *Ledger) {
		l.busy = strategy
		l.busyRetries = retries
	}
}

func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		l.now = now
	}
}

func New(repo persistence.DistributionRepository, outcomes OutcomeRecorder, logger *slog.Logger, opts ...Option) *Ledger {
	l := &Ledger{
		repo:        repo,
		outcomes:    outcomes,
		logger:      logger.With("module", "ledger"),
		owner:       "leadroute-" + uuid.NewString(),
		busy:        backoff.NewExponential(20*time.Millisecond, 500*time.Millisecond),
		busyRetries: defaultBusyRetries,
		expireBatch: defaultExpireBatch,
		now:         func() time.Time { return time.Now().UTC() },
	}

	for _, opt := range opts {
		opt(l)
	}

	return l
}

// Owner returns the lease owner id written on rows this ledger opens.
func (l *Ledger) Owner() string {
	return l.owner
}

// OpenParams describes a delivery intent.
type OpenParams struct {
	Submission *models.Submission
	PartnerID  string
	WorkflowID string
	NodeID     string
	TargetURL  string
	HTTPMethod string
	Payload    json.RawMessage
	// Lease is how long the caller may hold the row before crash recovery takes it.
	Lease time.Duration
}

// Open finds or creates the row for (submission, partner). A refusal because the pair is in
// flight or already delivered matches persistence.IsDuplicateDelivery.
func (l *Ledger) Open(ctx context.Context, params OpenParams) (*models.DistributionLogEntry, persistence.OpenState, error) {
	submission := params.Submission

	for attempt := 1; ; attempt++ {
		now := l.now()

		entry, state, err := l.repo.Open(ctx, persistence.OpenRequest{
			SubmissionID:  submission.ID,
			PartnerAPIID:  params.PartnerID,
			WorkflowID:    params.WorkflowID,
			NodeID:        params.NodeID,
			TargetURL:     params.TargetURL,
			HTTPMethod:    params.HTTPMethod,
			Payload:       params.Payload,
			ServiceType:   submission.ServiceType,
			CustomerName:  submission.Name,
			CustomerEmail: submission.Email,
			IsTest:        submission.Test,
			LeaseOwner:    l.owner,
			LeaseUntil:    now.Add(params.Lease),
			Now:           now,
		})
		if err == nil {
			if state == persistence.OpenResumed {
				l.logger.InfoContext(ctx, "resumed abandoned distribution entry",
					"entry_id", entry.ID,
					"submission_id", submission.ID,
					"partner_api_id", params.PartnerID,
					"attempt_count", entry.AttemptCount)
			}

			return entry, state, nil
		}

		if !errors.Is(err, persistence.ErrLedgerBusy) || attempt > l.busyRetries {
			return nil, 0, err
		}

		l.logger.DebugContext(ctx, "distribution ledger busy, backing off",
			"submission_id", submission.ID,
			"partner_api_id", params.PartnerID,
			"attempt", attempt)

		err = backoff.Wait(ctx, l.busy, attempt)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to open distribution entry: %w", err)
		}
	}
}

// Update patches a non-terminal row.
func (l *Ledger) Update(ctx context.Context, id string, patch models.DistributionPatch) (*models.DistributionLogEntry, error) {
	return l.repo.Update(ctx, id, patch)
}

// Reopen moves a failed row back to retrying under this ledger's lease.
func (l *Ledger) Reopen(ctx context.Context, id string, lease time.Duration) (*models.DistributionLogEntry, error) {
	return l.repo.Reopen(ctx, id, l.owner, l.now().Add(lease))
}

func (l *Ledger) Get(ctx context.Context, id string) (*models.DistributionLogEntry, error) {
	return l.repo.GetByID(ctx, id)
}

func (l *Ledger) List(ctx context.Context, filter persistence.DistributionFilter) (*persistence.DistributionPage, error) {
	return l.repo.List(ctx, filter.Normalize())
}

// Stats aggregates non-test rows; "today" starts at UTC midnight.
func (l *Ledger) Stats(ctx context.Context, partnerID string) (*models.DistributionStats, error) {
	return l.repo.Stats(ctx, persistence.StatsFilter{
		PartnerAPIID: partnerID,
		DayStart:     DayStart(l.now()),
	})
}

// ExpireStale fails every row whose lease ran out and counts the failure against its partner.
// It returns the number of rows expired.
func (l *Ledger) ExpireStale(ctx context.Context) (int, error) {
	total := 0

	for {
		expired, err := l.repo.ExpireStale(ctx, l.now(), ReasonLeaseExpired, l.expireBatch)
		if err != nil {
			return total, fmt.Errorf("failed to expire stale entries: %w", err)
		}

		for _, entry := range expired {
			l.logger.WarnContext(ctx, "distribution entry lease expired",
				"entry_id", entry.ID,
				"submission_id", entry.SubmissionID,
				"partner_api_id", entry.PartnerAPIID,
				"attempt_count", entry.AttemptCount,
				"is_test", entry.IsTest)

			if entry.IsTest {
				continue
			}

			err = l.outcomes.RecordOutcome(ctx, entry.PartnerAPIID, false)
			if err != nil && !persistence.IsPartnerNotFound(err) {
				l.logger.ErrorContext(ctx, "failed to record expired entry outcome",
					"entry_id", entry.ID,
					"partner_api_id", entry.PartnerAPIID,
					"error", err)
			}
		}

		total += len(expired)

		if len(expired) < l.expireBatch {
			return total, nil
		}
	}
}

// DayStart is UTC midnight of the day containing t.
func DayStart(t time.Time) time.Time {
	y, m, d := t.UTC().Date()

	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
