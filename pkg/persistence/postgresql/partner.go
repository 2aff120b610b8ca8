package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/leadroute/leadroute/pkg/models"
	"github.com/leadroute/leadroute/pkg/persistence"
	"github.com/lib/pq"
)

const partnerColumns = `
			id
		  , name
		  , endpoint_url
		  , http_method
		  , auth_method
		  , auth_config
		  , signing_secret
		  , headers
		  , service_types
		  , timeout_ms
		  , retry_count
		  , notes
		  , is_active
		  , success_count
		  , failure_count
		  , last_success_at
		  , last_failure_at
		  , created_at
		  , updated_at`

// PartnerRepository handles partner-related database operations.
type PartnerRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewPartnerRepository creates a new partner repository.
func NewPartnerRepository(db *sql.DB, logger *slog.Logger) *PartnerRepository {
	return &PartnerRepository{db: db, logger: logger}
}

func (r *PartnerRepository) GetAll(ctx context.Context) ([]*models.PartnerAPI, error) {
	return r.query(ctx, `SELECT`+partnerColumns+` FROM partner_apis ORDER BY created_at DESC, id DESC`)
}

// ListEligible returns active partners accepting the service type; an empty list accepts all.
func (r *PartnerRepository) ListEligible(ctx context.Context, serviceType string) ([]*models.PartnerAPI, error) {
	return r.query(ctx, `SELECT`+partnerColumns+`
		FROM partner_apis
		WHERE is_active AND (cardinality(service_types) = 0 OR $1 = ANY(service_types))
		ORDER BY created_at DESC, id DESC`, serviceType)
}

func (r *PartnerRepository) GetByID(ctx context.Context, id string) (*models.PartnerAPI, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, persistence.NewPartnerError("GetByID", id, persistence.ErrPartnerNotFound)
	}

	row := r.db.QueryRowContext(ctx, `SELECT`+partnerColumns+` FROM partner_apis WHERE id = $1`, id)

	partner, err := scanPartner(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewPartnerError("GetByID", id, persistence.ErrPartnerNotFound)
		}

		return nil, fmt.Errorf("failed to scan partner: %w", err)
	}

	return partner, nil
}

// Save upserts a partner. Outcome counters are never overwritten.
func (r *PartnerRepository) Save(ctx context.Context, partner *models.PartnerAPI) error {
	now := time.Now().UTC()

	if partner.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("failed to generate partner ID: %w", err)
		}

		partner.ID = id.String()
	}

	if partner.CreatedAt.IsZero() {
		partner.CreatedAt = now
	}

	partner.UpdatedAt = now

	headers := partner.Headers
	if headers == nil {
		headers = map[string]string{}
	}

	headersJSON, err := json.Marshal(headers)
	if err != nil {
		return fmt.Errorf("failed to marshal headers: %w", err)
	}

	serviceTypes := partner.ServiceTypes
	if serviceTypes == nil {
		serviceTypes = []string{}
	}

	row := r.db.QueryRowContext(ctx, `
		INSERT INTO partner_apis (id, name, endpoint_url, http_method, auth_method, auth_config, signing_secret,
			headers, service_types, timeout_ms, retry_count, notes, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			endpoint_url = EXCLUDED.endpoint_url,
			http_method = EXCLUDED.http_method,
			auth_method = EXCLUDED.auth_method,
			auth_config = EXCLUDED.auth_config,
			signing_secret = EXCLUDED.signing_secret,
			headers = EXCLUDED.headers,
			service_types = EXCLUDED.service_types,
			timeout_ms = EXCLUDED.timeout_ms,
			retry_count = EXCLUDED.retry_count,
			notes = EXCLUDED.notes,
			is_active = EXCLUDED.is_active,
			updated_at = EXCLUDED.updated_at
		RETURNING created_at, success_count, failure_count, last_success_at, last_failure_at`,
		partner.ID,
		partner.Name,
		partner.EndpointURL,
		partner.HTTPMethod,
		string(partner.AuthMethod),
		partner.AuthConfig,
		partner.SigningSecret,
		headersJSON,
		pq.Array(serviceTypes),
		partner.TimeoutMs,
		partner.RetryCount,
		partner.Notes,
		partner.IsActive,
		partner.CreatedAt,
		partner.UpdatedAt,
	)

	var lastSuccess, lastFailure sql.NullTime

	err = row.Scan(&partner.CreatedAt, &partner.SuccessCount, &partner.FailureCount, &lastSuccess, &lastFailure)
	if err != nil {
		return fmt.Errorf("failed to save partner: %w", err)
	}

	partner.CreatedAt = partner.CreatedAt.UTC()
	partner.LastSuccessAt = timePtr(lastSuccess)
	partner.LastFailureAt = timePtr(lastFailure)

	return nil
}

// Delete locks the partner row, refuses while another live workflow dispatches to it, then soft
// deletes its linked workflows and removes it, all in one transaction.
func (r *PartnerRepository) Delete(ctx context.Context, id string) (err error) {
	if _, err := uuid.Parse(id); err != nil {
		return persistence.NewPartnerError("Delete", id, persistence.ErrPartnerNotFound)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var found int

	err = tx.QueryRowContext(ctx, `SELECT 1 FROM partner_apis WHERE id = $1 FOR UPDATE`, id).Scan(&found)
	if errors.Is(err, sql.ErrNoRows) {
		err = persistence.NewPartnerError("Delete", id, persistence.ErrPartnerNotFound)

		return err
	}

	if err != nil {
		return fmt.Errorf("failed to lock partner: %w", err)
	}

	var workflowID, workflowName string

	err = tx.QueryRowContext(ctx, `
		SELECT w.id, w.name
		FROM workflows w
		WHERE w.deleted_at IS NULL
		  AND (w.partner_api_id IS NULL OR w.partner_api_id::text <> $1)
		  AND EXISTS (
			SELECT 1 FROM workflow_nodes n
			WHERE n.workflow_id = w.id
			  AND n.node_type = 'http_action'
			  AND n.config->>'partner_api_id' = $1
		  )
		ORDER BY w.created_at, w.id
		LIMIT 1`, id).Scan(&workflowID, &workflowName)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		err = nil
	case err != nil:
		return fmt.Errorf("failed to check partner references: %w", err)
	default:
		err = &persistence.ReferenceError{PartnerAPIID: id, WorkflowID: workflowID, WorkflowName: workflowName}

		return err
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE workflows SET deleted_at = NOW() WHERE partner_api_id = $1 AND deleted_at IS NULL`, id)
	if err != nil {
		return fmt.Errorf("failed to delete partner workflows: %w", err)
	}

	_, err = tx.ExecContext(ctx, `DELETE FROM partner_apis WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete partner: %w", err)
	}

	err = tx.Commit()
	if err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// IncrementOutcome bumps a counter in a single statement so concurrent dispatches never lose updates.
func (r *PartnerRepository) IncrementOutcome(ctx context.Context, id string, success bool, at time.Time) error {
	query := `UPDATE partner_apis SET failure_count = failure_count + 1, last_failure_at = $2 WHERE id = $1`
	if success {
		query = `UPDATE partner_apis SET success_count = success_count + 1, last_success_at = $2 WHERE id = $1`
	}

	result, err := r.db.ExecContext(ctx, query, id, at.UTC())
	if err != nil {
		return fmt.Errorf("failed to increment partner outcome: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return persistence.NewPartnerError("IncrementOutcome", id, persistence.ErrPartnerNotFound)
	}

	return nil
}

func (r *PartnerRepository) query(ctx context.Context, query string, args ...any) ([]*models.PartnerAPI, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query partners: %w", err)
	}

	defer closeRows(ctx, r.logger, rows)

	partners := make([]*models.PartnerAPI, 0)

	for rows.Next() {
		partner, err := scanPartner(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan partner: %w", err)
		}

		partners = append(partners, partner)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating partners: %w", err)
	}

	return partners, nil
}

func scanPartner(row scanner) (*models.PartnerAPI, error) {
	var (
		partner                  models.PartnerAPI
		headersJSON              []byte
		serviceTypes             pq.StringArray
		lastSuccess, lastFailure sql.NullTime
	)

	err := row.Scan(
		&partner.ID,
		&partner.Name,
		&partner.EndpointURL,
		&partner.HTTPMethod,
		&partner.AuthMethod,
		&partner.AuthConfig,
		&partner.SigningSecret,
		&headersJSON,
		&serviceTypes,
		&partner.TimeoutMs,
		&partner.RetryCount,
		&partner.Notes,
		&partner.IsActive,
		&partner.SuccessCount,
		&partner.FailureCount,
		&lastSuccess,
		&lastFailure,
		&partner.CreatedAt,
		&partner.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(headersJSON) > 0 {
		err = json.Unmarshal(headersJSON, &partner.Headers)
		if err != nil {
			return nil, fmt.Errorf("failed to unmarshal headers: %w", err)
		}
	}

	partner.ServiceTypes = []string(serviceTypes)
	partner.LastSuccessAt = timePtr(lastSuccess)
	partner.LastFailureAt = timePtr(lastFailure)
	partner.CreatedAt = partner.CreatedAt.UTC()
	partner.UpdatedAt = partner.UpdatedAt.UTC()

	return &partner, nil
}
