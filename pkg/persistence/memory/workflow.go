package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/leadroute/leadroute/pkg/models"
	"github.com/leadroute/leadroute/pkg/persistence"
)

// WorkflowRepository is the in-memory workflow store.
type WorkflowRepository struct {
	store *Persistence
}

func (r *WorkflowRepository) GetAll(_ context.Context) ([]*models.Workflow, error) {
	return r.filter(func(*models.Workflow) bool { return true }), nil
}

func (r *WorkflowRepository) GetActive(_ context.Context) ([]*models.Workflow, error) {
	return r.filter(func(w *models.Workflow) bool { return w.IsActive }), nil
}

func (r *WorkflowRepository) FindByPartner(_ context.Context, partnerID string) ([]*models.Workflow, error) {
	return r.filter(func(w *models.Workflow) bool {
		return (w.PartnerAPIID != nil && *w.PartnerAPIID == partnerID) || w.ReferencesPartner(partnerID)
	}), nil
}

func (r *WorkflowRepository) GetByID(_ context.Context, id string) (*models.Workflow, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	workflow, ok := r.store.workflows[id]
	if !ok {
		return nil, persistence.NewWorkflowError("GetByID", id, persistence.ErrWorkflowNotFound)
	}

	return copyWorkflow(workflow), nil
}

func (r *WorkflowRepository) Save(_ context.Context, workflow *models.Workflow) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	now := time.Now().UTC()

	if workflow.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("failed to generate workflow ID: %w", err)
		}

		workflow.ID = id.String()
	}

	for _, partnerID := range workflow.DependsOnPartners() {
		if _, ok := r.store.partners[partnerID]; !ok {
			return persistence.NewWorkflowError("Save", workflow.ID,
				persistence.NewPartnerError("Save", partnerID, persistence.ErrPartnerNotFound))
		}
	}

	version := 0

	existing, ok := r.store.workflows[workflow.ID]
	if ok {
		if workflow.Version != 0 && workflow.Version != existing.Version {
			return persistence.NewWorkflowError("Save", workflow.ID, persistence.ErrVersionConflict)
		}

		version = existing.Version
		workflow.CreatedAt = existing.CreatedAt
	} else if workflow.CreatedAt.IsZero() {
		workflow.CreatedAt = now
	}

	workflow.Version = version + 1
	workflow.UpdatedAt = now

	r.store.workflows[workflow.ID] = copyWorkflow(workflow)

	return nil
}

func (r *WorkflowRepository) Delete(_ context.Context, id string) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	if _, ok := r.store.workflows[id]; !ok {
		return persistence.NewWorkflowError("Delete", id, persistence.ErrWorkflowNotFound)
	}

	delete(r.store.workflows, id)

	return nil
}

func (r *WorkflowRepository) filter(keep func(*models.Workflow) bool) []*models.Workflow {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	workflows := make([]*models.Workflow, 0, len(r.store.workflows))

	for _, workflow := range r.store.workflows {
		if keep(workflow) {
			workflows = append(workflows, copyWorkflow(workflow))
		}
	}

	sort.Slice(workflows, func(i, j int) bool {
		if !workflows[i].CreatedAt.Equal(workflows[j].CreatedAt) {
			return workflows[i].CreatedAt.After(workflows[j].CreatedAt)
		}

		return workflows[i].ID > workflows[j].ID
	})

	return workflows
}
