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

// PartnerRepository is the in-memory partner store.
type PartnerRepository struct {
	store *Persistence
}

func (r *PartnerRepository) GetAll(_ context.Context) ([]*models.PartnerAPI, error) {
	return r.filter(func(*models.PartnerAPI) bool { return true }), nil
}

func (r *PartnerRepository) ListEligible(_ context.Context, serviceType string) ([]*models.PartnerAPI, error) {
	return r.filter(func(p *models.PartnerAPI) bool { return p.Eligible(serviceType) }), nil
}

func (r *PartnerRepository) GetByID(_ context.Context, id string) (*models.PartnerAPI, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	partner, ok := r.store.partners[id]
	if !ok {
		return nil, persistence.NewPartnerError("GetByID", id, persistence.ErrPartnerNotFound)
	}

	return copyPartner(partner), nil
}

func (r *PartnerRepository) Save(_ context.Context, partner *models.PartnerAPI) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	now := time.Now().UTC()

	if partner.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("failed to generate partner ID: %w", err)
		}

		partner.ID = id.String()
	}

	if existing, ok := r.store.partners[partner.ID]; ok {
		// Counters are owned by IncrementOutcome.
		partner.CreatedAt = existing.CreatedAt
		partner.SuccessCount = existing.SuccessCount
		partner.FailureCount = existing.FailureCount
		partner.LastSuccessAt = copyTime(existing.LastSuccessAt)
		partner.LastFailureAt = copyTime(existing.LastFailureAt)
	} else if partner.CreatedAt.IsZero() {
		partner.CreatedAt = now
	}

	partner.UpdatedAt = now

	r.store.partners[partner.ID] = copyPartner(partner)

	return nil
}

func (r *PartnerRepository) Delete(_ context.Context, id string) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	if _, ok := r.store.partners[id]; !ok {
		return persistence.NewPartnerError("Delete", id, persistence.ErrPartnerNotFound)
	}

	var linked []string

	for _, workflow := range r.store.workflows {
		if workflow.PartnerAPIID != nil && *workflow.PartnerAPIID == id {
			linked = append(linked, workflow.ID)

			continue
		}

		if workflow.ReferencesPartner(id) {
			return &persistence.ReferenceError{PartnerAPIID: id, WorkflowID: workflow.ID, WorkflowName: workflow.Name}
		}
	}

	for _, workflowID := range linked {
		delete(r.store.workflows, workflowID)
	}

	delete(r.store.partners, id)

	return nil
}

func (r *PartnerRepository) IncrementOutcome(_ context.Context, id string, success bool, at time.Time) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	partner, ok := r.store.partners[id]
	if !ok {
		return persistence.NewPartnerError("IncrementOutcome", id, persistence.ErrPartnerNotFound)
	}

	at = at.UTC()

	if success {
		partner.SuccessCount++
		partner.LastSuccessAt = &at
	} else {
		partner.FailureCount++
		partner.LastFailureAt = &at
	}

	return nil
}

func (r *PartnerRepository) filter(keep func(*models.PartnerAPI) bool) []*models.PartnerAPI {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	partners := make([]*models.PartnerAPI, 0, len(r.store.partners))

	for _, partner := range r.store.partners {
		if keep(partner) {
			partners = append(partners, copyPartner(partner))
		}
	}

	sort.Slice(partners, func(i, j int) bool {
		if !partners[i].CreatedAt.Equal(partners[j].CreatedAt) {
			return partners[i].CreatedAt.After(partners[j].CreatedAt)
		}

		return partners[i].ID > partners[j].ID
	})

	return partners
}
