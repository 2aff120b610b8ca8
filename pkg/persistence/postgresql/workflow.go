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
)

const workflowColumns = `
			id
		  , name
		  , is_active
		  , version
		  , partner_api_id
		  , created_at
		  , updated_at`

// WorkflowRepository handles workflow-related database operations.
type WorkflowRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewWorkflowRepository creates a new workflow repository.
func NewWorkflowRepository(db *sql.DB, logger *slog.Logger) *WorkflowRepository {
	return &WorkflowRepository{db: db, logger: logger}
}

// GetAll returns all workflows, newest first.
func (r *WorkflowRepository) GetAll(ctx context.Context) ([]*models.Workflow, error) {
	return r.query(ctx, `SELECT`+workflowColumns+`
		FROM workflows
		WHERE deleted_at IS NULL
		ORDER BY created_at DESC, id DESC`)
}

// GetActive returns the workflows that run on live submissions.
func (r *WorkflowRepository) GetActive(ctx context.Context) ([]*models.Workflow, error) {
	return r.query(ctx, `SELECT`+workflowColumns+`
		FROM workflows
		WHERE deleted_at IS NULL AND is_active
		ORDER BY created_at DESC, id DESC`)
}

// FindByPartner returns workflows linked to the partner or dispatching to it.
func (r *WorkflowRepository) FindByPartner(ctx context.Context, partnerID string) ([]*models.Workflow, error) {
	return r.query(ctx, `SELECT`+workflowColumns+`
		FROM workflows w
		WHERE w.deleted_at IS NULL AND (
			w.partner_api_id::text = $1
			OR EXISTS (
				SELECT 1 FROM workflow_nodes n
				WHERE n.workflow_id = w.id
				  AND n.node_type = 'http_action'
				  AND n.config->>'partner_api_id' = $1
			)
		)
		ORDER BY created_at DESC, id DESC`, partnerID)
}

// GetByID returns a workflow with its nodes and edges.
func (r *WorkflowRepository) GetByID(ctx context.Context, id string) (*models.Workflow, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, persistence.NewWorkflowError("GetByID", id, persistence.ErrWorkflowNotFound)
	}

	row := r.db.QueryRowContext(ctx, `SELECT`+workflowColumns+`
		FROM workflows
		WHERE id = $1 AND deleted_at IS NULL`, id)

	workflow, err := scanWorkflowBase(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewWorkflowError("GetByID", id, persistence.ErrWorkflowNotFound)
		}

		return nil, fmt.Errorf("failed to scan workflow: %w", err)
	}

	err = r.loadGraph(ctx, workflow)
	if err != nil {
		return nil, fmt.Errorf("failed to load workflow graph: %w", err)
	}

	return workflow, nil
}

// Save inserts or replaces a workflow and its graph in one transaction.
func (r *WorkflowRepository) Save(ctx context.Context, workflow *models.Workflow) (err error) {
	now := time.Now().UTC()

	if workflow.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("failed to generate workflow ID: %w", err)
		}

		workflow.ID = id.String()
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

	err = lockPartners(ctx, tx, workflow)
	if err != nil {
		return err
	}

	var (
		storedVersion int
		createdAt     time.Time
	)

	err = tx.QueryRowContext(ctx,
		`SELECT version, created_at FROM workflows WHERE id = $1 AND deleted_at IS NULL FOR UPDATE`,
		workflow.ID,
	).Scan(&storedVersion, &createdAt)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		err = nil

		if workflow.CreatedAt.IsZero() {
			workflow.CreatedAt = now
		}
	case err != nil:
		return fmt.Errorf("failed to lock workflow: %w", err)
	default:
		if workflow.Version != 0 && workflow.Version != storedVersion {
			err = persistence.NewWorkflowError("Save", workflow.ID, persistence.ErrVersionConflict)

			return err
		}

		workflow.CreatedAt = createdAt
	}

	workflow.Version = storedVersion + 1
	workflow.UpdatedAt = now

	var partnerID sql.NullString
	if workflow.PartnerAPIID != nil {
		partnerID = nullString(*workflow.PartnerAPIID)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO workflows (id, name, is_active, version, partner_api_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			is_active = EXCLUDED.is_active,
			version = EXCLUDED.version,
			partner_api_id = EXCLUDED.partner_api_id,
			updated_at = EXCLUDED.updated_at,
			deleted_at = NULL`,
		workflow.ID,
		workflow.Name,
		workflow.IsActive,
		workflow.Version,
		partnerID,
		workflow.CreatedAt,
		workflow.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save workflow base: %w", err)
	}

	_, err = tx.ExecContext(ctx, "DELETE FROM workflow_edges WHERE workflow_id = $1", workflow.ID)
	if err != nil {
		return fmt.Errorf("failed to delete existing edges: %w", err)
	}

	_, err = tx.ExecContext(ctx, "DELETE FROM workflow_nodes WHERE workflow_id = $1", workflow.ID)
	if err != nil {
		return fmt.Errorf("failed to delete existing nodes: %w", err)
	}

	err = saveNodes(ctx, tx, workflow)
	if err != nil {
		return err
	}

	err = saveEdges(ctx, tx, workflow)
	if err != nil {
		return err
	}

	err = tx.Commit()
	if err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// lockPartners share-locks every partner the workflow depends on, so a concurrent partner delete
// either waits for this save or makes it fail. Partners are locked before the workflow row, in id
// order, the same order PartnerRepository.Delete uses.
func lockPartners(ctx context.Context, tx *sql.Tx, workflow *models.Workflow) error {
	for _, partnerID := range workflow.DependsOnPartners() {
		missing := persistence.NewWorkflowError("Save", workflow.ID,
			persistence.NewPartnerError("Save", partnerID, persistence.ErrPartnerNotFound))

		if _, err := uuid.Parse(partnerID); err != nil {
			return missing
		}

		var found int

		err := tx.QueryRowContext(ctx, `SELECT 1 FROM partner_apis WHERE id = $1 FOR SHARE`, partnerID).Scan(&found)
		if errors.Is(err, sql.ErrNoRows) {
			return missing
		}

		if err != nil {
			return fmt.Errorf("failed to lock partner %s: %w", partnerID, err)
		}
	}

	return nil
}

// Delete soft deletes a workflow by setting deleted_at timestamp. Its nodes and edges stay with the
// hidden row and are dropped with it.
func (r *WorkflowRepository) Delete(ctx context.Context, id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return persistence.NewWorkflowError("Delete", id, persistence.ErrWorkflowNotFound)
	}

	result, err := r.db.ExecContext(ctx, `UPDATE workflows SET deleted_at = NOW() WHERE id = $1 AND deleted_at IS NULL`, id)
	if err != nil {
		return fmt.Errorf("failed to delete workflow: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return persistence.NewWorkflowError("Delete", id, persistence.ErrWorkflowNotFound)
	}

	return nil
}

func (r *WorkflowRepository) query(ctx context.Context, query string, args ...any) ([]*models.Workflow, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query workflows: %w", err)
	}

	defer closeRows(ctx, r.logger, rows)

	workflows := make([]*models.Workflow, 0)

	for rows.Next() {
		workflow, err := scanWorkflowBase(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan workflow: %w", err)
		}

		workflows = append(workflows, workflow)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating workflows: %w", err)
	}

	for _, workflow := range workflows {
		err = r.loadGraph(ctx, workflow)
		if err != nil {
			return nil, fmt.Errorf("failed to load workflow graph: %w", err)
		}
	}

	return workflows, nil
}

func scanWorkflowBase(row scanner) (*models.Workflow, error) {
	var (
		workflow  models.Workflow
		partnerID sql.NullString
	)

	err := row.Scan(
		&workflow.ID,
		&workflow.Name,
		&workflow.IsActive,
		&workflow.Version,
		&partnerID,
		&workflow.CreatedAt,
		&workflow.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if partnerID.Valid {
		workflow.PartnerAPIID = &partnerID.String
	}

	workflow.CreatedAt = workflow.CreatedAt.UTC()
	workflow.UpdatedAt = workflow.UpdatedAt.UTC()

	return &workflow, nil
}

func (r *WorkflowRepository) loadGraph(ctx context.Context, workflow *models.Workflow) error {
	nodes, err := r.loadNodes(ctx, workflow.ID)
	if err != nil {
		return err
	}

	edges, err := r.loadEdges(ctx, workflow.ID)
	if err != nil {
		return err
	}

	workflow.Nodes = nodes
	workflow.Edges = edges

	return nil
}

func (r *WorkflowRepository) loadNodes(ctx context.Context, workflowID string) ([]*models.WorkflowNode, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, node_type, name, config, position_x, position_y
		FROM workflow_nodes
		WHERE workflow_id = $1
		ORDER BY sort_order`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("failed to query workflow nodes: %w", err)
	}

	defer closeRows(ctx, r.logger, rows)

	nodes := make([]*models.WorkflowNode, 0)

	for rows.Next() {
		var (
			node       models.WorkflowNode
			configJSON []byte
		)

		err := rows.Scan(&node.ID, &node.Type, &node.Name, &configJSON, &node.Position.X, &node.Position.Y)
		if err != nil {
			return nil, fmt.Errorf("failed to scan node: %w", err)
		}

		if configJSON != nil {
			err := json.Unmarshal(configJSON, &node.Config)
			if err != nil {
				return nil, fmt.Errorf("failed to unmarshal node configuration: %w", err)
			}
		}

		nodes = append(nodes, &node)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating nodes: %w", err)
	}

	return nodes, nil
}

func (r *WorkflowRepository) loadEdges(ctx context.Context, workflowID string) ([]*models.WorkflowEdge, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, source_node_id, target_node_id, status
		FROM workflow_edges
		WHERE workflow_id = $1
		ORDER BY sort_order`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("failed to query workflow edges: %w", err)
	}

	defer closeRows(ctx, r.logger, rows)

	edges := make([]*models.WorkflowEdge, 0)

	for rows.Next() {
		var edge models.WorkflowEdge

		err := rows.Scan(&edge.ID, &edge.Source, &edge.Target, &edge.Status)
		if err != nil {
			return nil, fmt.Errorf("failed to scan edge: %w", err)
		}

		edges = append(edges, &edge)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating edges: %w", err)
	}

	return edges, nil
}

func saveNodes(ctx context.Context, tx *sql.Tx, workflow *models.Workflow) error {
	for i, node := range workflow.Nodes {
		config := node.Config
		if config == nil {
			config = map[string]any{}
		}

		configJSON, err := json.Marshal(config)
		if err != nil {
			return fmt.Errorf("failed to marshal node configuration: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO workflow_nodes (workflow_id, id, node_type, name, config, position_x, position_y, sort_order)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			workflow.ID,
			node.ID,
			string(node.Type),
			node.Name,
			configJSON,
			node.Position.X,
			node.Position.Y,
			i,
		)
		if err != nil {
			return fmt.Errorf("failed to save node %s: %w", node.ID, err)
		}
	}

	return nil
}

func saveEdges(ctx context.Context, tx *sql.Tx, workflow *models.Workflow) error {
	for i, edge := range workflow.Edges {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO workflow_edges (workflow_id, id, source_node_id, target_node_id, status, sort_order)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			workflow.ID,
			edge.ID,
			edge.Source,
			edge.Target,
			string(edge.EffectiveStatus()),
			i,
		)
		if err != nil {
			return fmt.Errorf("failed to save edge %s: %w", edge.ID, err)
		}
	}

	return nil
}
