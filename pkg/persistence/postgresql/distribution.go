package postgresql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/leadroute/leadroute/pkg/models"
	"github.com/leadroute/leadroute/pkg/persistence"
)

const entryColumns = `
			id
		  , submission_id
		  , partner_api_id
		  , workflow_id
		  , node_id
		  , status
		  , target_url
		  , http_method
		  , payload
		  , service_type
		  , customer_name
		  , customer_email
		  , response_status
		  , response_body
		  , latency_ms
		  , error_message
		  , attempt_count
		  , is_test
		  , lease_owner
		  , lease_expires_at
		  , started_at
		  , completed_at
		  , created_at
		  , updated_at`

const nonTerminal = `('pending', 'retrying')`

// DistributionRepository handles the distribution ledger.
type DistributionRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewDistributionRepository creates a new distribution ledger repository.
func NewDistributionRepository(db *sql.DB, logger *slog.Logger) *DistributionRepository {
	return &DistributionRepository{db: db, logger: logger}
}

// Open serialises callers per pair with a transaction-scoped advisory lock. Contention is
// reported as ErrLedgerBusy rather than waited on.
func (r *DistributionRepository) Open(ctx context.Context, req persistence.OpenRequest) (entry *models.DistributionLogEntry, state persistence.OpenState, err error) {
	now := req.Now.UTC()
	leaseUntil := req.LeaseUntil.UTC()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var locked bool

	err = tx.QueryRowContext(ctx, `SELECT pg_try_advisory_xact_lock(hashtextextended($1, 0))`, pairKey(req)).Scan(&locked)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to acquire pair lock: %w", err)
	}

	if !locked {
		err = persistence.NewPairError("Open", req.SubmissionID, req.PartnerAPIID, persistence.ErrLedgerBusy)

		return nil, 0, err
	}

	latest, err := scanEntry(tx.QueryRowContext(ctx, `SELECT`+entryColumns+`
		FROM distribution_logs
		WHERE submission_id = $1 AND partner_api_id = $2 AND is_test = $3
		ORDER BY created_at DESC, id DESC
		LIMIT 1
		FOR UPDATE`, req.SubmissionID, req.PartnerAPIID, req.IsTest))

	switch {
	case errors.Is(err, sql.ErrNoRows):
		entry, err = r.insert(ctx, tx, req, now, leaseUntil)
		if err != nil {
			if isUniqueViolation(err) {
				err = persistence.NewPairError("Open", req.SubmissionID, req.PartnerAPIID, persistence.ErrLedgerBusy)
			}

			return nil, 0, err
		}

		state = persistence.OpenCreated
	case err != nil:
		return nil, 0, fmt.Errorf("failed to load latest entry: %w", err)
	case latest.Status.Terminal():
		err = persistence.NewPairError("Open", req.SubmissionID, req.PartnerAPIID, persistence.ErrAlreadyDelivered)

		return nil, 0, err
	case !latest.LeaseExpired(now):
		err = persistence.NewPairError("Open", req.SubmissionID, req.PartnerAPIID, persistence.ErrDeliveryInFlight)

		return nil, 0, err
	default:
		entry, err = scanEntry(tx.QueryRowContext(ctx, `
			UPDATE distribution_logs
			SET lease_owner = $2, lease_expires_at = $3, updated_at = $4
			WHERE id = $1
			RETURNING`+entryColumns, latest.ID, req.LeaseOwner, leaseUntil, now))
		if err != nil {
			return nil, 0, fmt.Errorf("failed to resume entry: %w", err)
		}

		state = persistence.OpenResumed
	}

	err = tx.Commit()
	if err != nil {
		return nil, 0, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return entry, state, nil
}

func (r *DistributionRepository) insert(ctx context.Context, tx *sql.Tx, req persistence.OpenRequest, now, leaseUntil time.Time) (*models.DistributionLogEntry, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("failed to generate entry ID: %w", err)
	}

	var payload any
	if len(req.Payload) > 0 {
		payload = []byte(req.Payload)
	}

	entry, err := scanEntry(tx.QueryRowContext(ctx, `
		INSERT INTO distribution_logs (id, submission_id, partner_api_id, workflow_id, node_id, status, target_url,
			http_method, payload, service_type, customer_name, customer_email, is_test, lease_owner, lease_expires_at,
			started_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 'pending', $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $15, $15)
		RETURNING`+entryColumns,
		id.String(),
		req.SubmissionID,
		req.PartnerAPIID,
		nullString(req.WorkflowID),
		req.NodeID,
		req.TargetURL,
		req.HTTPMethod,
		payload,
		req.ServiceType,
		models.Truncate(req.CustomerName, 255),
		models.Truncate(req.CustomerEmail, 255),
		req.IsTest,
		req.LeaseOwner,
		leaseUntil,
		now,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to insert entry: %w", err)
	}

	return entry, nil
}

// Update patches a row that is still pending or retrying.
func (r *DistributionRepository) Update(ctx context.Context, id string, patch models.DistributionPatch) (*models.DistributionLogEntry, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, persistence.NewEntryError("Update", id, persistence.ErrEntryNotFound)
	}

	sets := []string{"updated_at = $2"}
	args := []any{id, time.Now().UTC()}

	set := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, column+" = $"+strconv.Itoa(len(args)))
	}

	if patch.Status != nil {
		set("status", string(*patch.Status))
	}

	if patch.ResponseStatus != nil {
		set("response_status", *patch.ResponseStatus)
	}

	if patch.ResponseBody != nil {
		set("response_body", models.Truncate(*patch.ResponseBody, models.MaxResponseBodyLength))
	}

	if patch.LatencyMs != nil {
		set("latency_ms", *patch.LatencyMs)
	}

	if patch.ErrorMessage != nil {
		set("error_message", models.Truncate(*patch.ErrorMessage, models.MaxErrorMessageLength))
	}

	if patch.LeaseExpiresAt != nil {
		set("lease_expires_at", patch.LeaseExpiresAt.UTC())
	}

	if patch.CompletedAt != nil {
		set("completed_at", patch.CompletedAt.UTC())
	}

	if patch.IncrementAttempt {
		sets = append(sets, "attempt_count = attempt_count + 1")
	}

	entry, err := scanEntry(r.db.QueryRowContext(ctx,
		`UPDATE distribution_logs SET `+strings.Join(sets, ", ")+`
		WHERE id = $1 AND status IN `+nonTerminal+`
		RETURNING`+entryColumns, args...))
	if err == nil {
		return entry, nil
	}

	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to update entry: %w", err)
	}

	_, err = r.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	return nil, persistence.NewEntryError("Update", id, persistence.ErrEntryTerminal)
}

// Reopen moves a failed row back to retrying. The partial unique index refuses it while
// another row of the pair is in flight.
func (r *DistributionRepository) Reopen(ctx context.Context, id, leaseOwner string, leaseUntil time.Time) (*models.DistributionLogEntry, error) {
	current, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if current.Status != models.DistributionStatusFailed {
		return nil, persistence.NewEntryError("Reopen", id, persistence.ErrEntryNotRetryable)
	}

	entry, err := scanEntry(r.db.QueryRowContext(ctx, `
		UPDATE distribution_logs
		SET status = 'retrying', lease_owner = $2, lease_expires_at = $3, completed_at = NULL, updated_at = $4
		WHERE id = $1 AND status = 'failed'
		RETURNING`+entryColumns, id, leaseOwner, leaseUntil.UTC(), time.Now().UTC()))

	switch {
	case err == nil:
		return entry, nil
	case errors.Is(err, sql.ErrNoRows):
		return nil, persistence.NewEntryError("Reopen", id, persistence.ErrEntryNotRetryable)
	case isUniqueViolation(err):
		return nil, persistence.NewEntryError("Reopen", id, persistence.ErrDeliveryInFlight)
	default:
		return nil, fmt.Errorf("failed to reopen entry: %w", err)
	}
}

func (r *DistributionRepository) GetByID(ctx context.Context, id string) (*models.DistributionLogEntry, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, persistence.NewEntryError("GetByID", id, persistence.ErrEntryNotFound)
	}

	entry, err := scanEntry(r.db.QueryRowContext(ctx, `SELECT`+entryColumns+` FROM distribution_logs WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewEntryError("GetByID", id, persistence.ErrEntryNotFound)
		}

		return nil, fmt.Errorf("failed to scan entry: %w", err)
	}

	return entry, nil
}

// List returns one page of rows matching the filter, newest first.
func (r *DistributionRepository) List(ctx context.Context, filter persistence.DistributionFilter) (*persistence.DistributionPage, error) {
	filter = filter.Normalize()

	var (
		conditions []string
		args       []any
	)

	where := func(condition string, value any) {
		args = append(args, value)
		conditions = append(conditions, strings.ReplaceAll(condition, "?", "$"+strconv.Itoa(len(args))))
	}

	if filter.PartnerAPIID != "" {
		if _, err := uuid.Parse(filter.PartnerAPIID); err != nil {
			return persistence.NewDistributionPage(nil, 0, filter), nil
		}

		where("partner_api_id = ?", filter.PartnerAPIID)
	}

	if filter.SubmissionID != "" {
		where("submission_id = ?", filter.SubmissionID)
	}

	if filter.Status != "" {
		where("status = ?", string(filter.Status))
	}

	if filter.From != nil {
		where("created_at >= ?", filter.From.UTC())
	}

	if filter.To != nil {
		where("created_at <= ?", filter.To.UTC())
	}

	if filter.IsTest != nil {
		where("is_test = ?", *filter.IsTest)
	}

	whereClause := ""
	if len(conditions) > 0 {
		whereClause = " WHERE " + strings.Join(conditions, " AND ")
	}

	var total int64

	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM distribution_logs`+whereClause, args...).Scan(&total)
	if err != nil {
		return nil, fmt.Errorf("failed to count entries: %w", err)
	}

	args = append(args, filter.Limit, filter.Offset())
	query := `SELECT` + entryColumns + ` FROM distribution_logs` + whereClause +
		` ORDER BY created_at DESC, id DESC LIMIT $` + strconv.Itoa(len(args)-1) + ` OFFSET $` + strconv.Itoa(len(args))

	entries, err := r.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}

	return persistence.NewDistributionPage(entries, total, filter), nil
}

// Stats aggregates non-test rows, overall and per partner.
func (r *DistributionRepository) Stats(ctx context.Context, filter persistence.StatsFilter) (*models.DistributionStats, error) {
	overview := `
		SELECT
			COUNT(*)
		  , COUNT(*) FILTER (WHERE status = 'success')
		  , COUNT(*) FILTER (WHERE status = 'failed')
		  , COUNT(*) FILTER (WHERE status = 'pending')
		  , COUNT(*) FILTER (WHERE status = 'retrying')
		  , COUNT(*) FILTER (WHERE created_at >= $1)
		FROM distribution_logs
		WHERE NOT is_test`
	byPartner := `
		SELECT
			p.id
		  , p.name
		  , COUNT(d.id)
		  , COUNT(d.id) FILTER (WHERE d.status = 'success')
		  , COUNT(d.id) FILTER (WHERE d.status = 'failed')
		FROM partner_apis p
		LEFT JOIN distribution_logs d ON d.partner_api_id = p.id AND NOT d.is_test`

	overviewArgs := []any{filter.DayStart.UTC()}

	var partnerArgs []any

	if filter.PartnerAPIID != "" {
		if _, err := uuid.Parse(filter.PartnerAPIID); err != nil {
			return &models.DistributionStats{ByPartner: []models.PartnerStats{}}, nil
		}

		overview += ` AND partner_api_id = $2`
		overviewArgs = append(overviewArgs, filter.PartnerAPIID)
		byPartner += ` WHERE p.id = $1`
		partnerArgs = append(partnerArgs, filter.PartnerAPIID)
	}

	byPartner += ` GROUP BY p.id, p.name ORDER BY COUNT(d.id) DESC, p.name`

	stats := &models.DistributionStats{}

	err := r.db.QueryRowContext(ctx, overview, overviewArgs...).Scan(
		&stats.Total,
		&stats.Success,
		&stats.Failed,
		&stats.Pending,
		&stats.Retrying,
		&stats.Today,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query distribution overview: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, byPartner, partnerArgs...)
	if err != nil {
		return nil, fmt.Errorf("failed to query partner breakdown: %w", err)
	}

	defer closeRows(ctx, r.logger, rows)

	stats.ByPartner = make([]models.PartnerStats, 0)

	for rows.Next() {
		var ps models.PartnerStats

		err := rows.Scan(&ps.PartnerAPIID, &ps.Name, &ps.Total, &ps.Success, &ps.Failed)
		if err != nil {
			return nil, fmt.Errorf("failed to scan partner breakdown: %w", err)
		}

		stats.ByPartner = append(stats.ByPartner, ps)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating partner breakdown: %w", err)
	}

	return stats, nil
}

// ExpireStale fails abandoned rows. SKIP LOCKED leaves rows being opened right now alone.
func (r *DistributionRepository) ExpireStale(ctx context.Context, now time.Time, reason string, limit int) ([]*models.DistributionLogEntry, error) {
	if limit <= 0 {
		limit = 100
	}

	now = now.UTC()

	return r.query(ctx, `
		UPDATE distribution_logs
		SET status = 'failed', error_message = $2, completed_at = $1, lease_expires_at = NULL, updated_at = $1
		WHERE id IN (
			SELECT id FROM distribution_logs
			WHERE status IN `+nonTerminal+` AND (lease_expires_at IS NULL OR lease_expires_at <= $1)
			ORDER BY created_at
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING`+entryColumns, now, models.Truncate(reason, models.MaxErrorMessageLength), limit)
}

func (r *DistributionRepository) query(ctx context.Context, query string, args ...any) ([]*models.DistributionLogEntry, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query entries: %w", err)
	}

	defer closeRows(ctx, r.logger, rows)

	entries := make([]*models.DistributionLogEntry, 0)

	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan entry: %w", err)
		}

		entries = append(entries, entry)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating entries: %w", err)
	}

	return entries, nil
}

func scanEntry(row scanner) (*models.DistributionLogEntry, error) {
	var (
		entry          models.DistributionLogEntry
		workflowID     sql.NullString
		payload        []byte
		responseStatus sql.NullInt64
		latency        sql.NullInt64
		leaseExpires   sql.NullTime
		completedAt    sql.NullTime
	)

	err := row.Scan(
		&entry.ID,
		&entry.SubmissionID,
		&entry.PartnerAPIID,
		&workflowID,
		&entry.NodeID,
		&entry.Status,
		&entry.TargetURL,
		&entry.HTTPMethod,
		&payload,
		&entry.ServiceType,
		&entry.CustomerName,
		&entry.CustomerEmail,
		&responseStatus,
		&entry.ResponseBody,
		&latency,
		&entry.ErrorMessage,
		&entry.AttemptCount,
		&entry.IsTest,
		&entry.LeaseOwner,
		&leaseExpires,
		&entry.StartedAt,
		&completedAt,
		&entry.CreatedAt,
		&entry.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	entry.WorkflowID = workflowID.String
	entry.Payload = payload

	if responseStatus.Valid {
		status := int(responseStatus.Int64)
		entry.ResponseStatus = &status
	}

	if latency.Valid {
		entry.LatencyMs = &latency.Int64
	}

	entry.LeaseExpiresAt = timePtr(leaseExpires)
	entry.CompletedAt = timePtr(completedAt)
	entry.StartedAt = entry.StartedAt.UTC()
	entry.CreatedAt = entry.CreatedAt.UTC()
	entry.UpdatedAt = entry.UpdatedAt.UTC()

	return &entry, nil
}

func pairKey(req persistence.OpenRequest) string {
	return req.SubmissionID + "|" + req.PartnerAPIID + "|" + strconv.FormatBool(req.IsTest)
}
