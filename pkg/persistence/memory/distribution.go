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

// DistributionRepository is the in-memory distribution ledger. The store mutex makes
// find-or-create atomic, so it never reports ErrLedgerBusy.
type DistributionRepository struct {
	store *Persistence
}

func (r *DistributionRepository) Open(_ context.Context, req persistence.OpenRequest) (*models.DistributionLogEntry, persistence.OpenState, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	now := req.Now.UTC()
	leaseUntil := req.LeaseUntil.UTC()

	latest := r.latestLocked(req.SubmissionID, req.PartnerAPIID, req.IsTest)
	if latest != nil {
		if latest.Status.Terminal() {
			return nil, 0, persistence.NewPairError("Open", req.SubmissionID, req.PartnerAPIID, persistence.ErrAlreadyDelivered)
		}

		if !latest.LeaseExpired(now) {
			return nil, 0, persistence.NewPairError("Open", req.SubmissionID, req.PartnerAPIID, persistence.ErrDeliveryInFlight)
		}

		latest.LeaseOwner = req.LeaseOwner
		latest.LeaseExpiresAt = &leaseUntil
		latest.UpdatedAt = now

		return copyEntry(latest), persistence.OpenResumed, nil
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, 0, fmt.Errorf("failed to generate entry ID: %w", err)
	}

	entry := &models.DistributionLogEntry{
		ID:             id.String(),
		SubmissionID:   req.SubmissionID,
		PartnerAPIID:   req.PartnerAPIID,
		WorkflowID:     req.WorkflowID,
		NodeID:         req.NodeID,
		Status:         models.DistributionStatusPending,
		TargetURL:      req.TargetURL,
		HTTPMethod:     req.HTTPMethod,
		Payload:        req.Payload,
		ServiceType:    req.ServiceType,
		CustomerName:   req.CustomerName,
		CustomerEmail:  req.CustomerEmail,
		IsTest:         req.IsTest,
		LeaseOwner:     req.LeaseOwner,
		LeaseExpiresAt: &leaseUntil,
		StartedAt:      now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	r.store.entries[entry.ID] = copyEntry(entry)

	return entry, persistence.OpenCreated, nil
}

func (r *DistributionRepository) Update(_ context.Context, id string, patch models.DistributionPatch) (*models.DistributionLogEntry, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	entry, ok := r.store.entries[id]
	if !ok {
		return nil, persistence.NewEntryError("Update", id, persistence.ErrEntryNotFound)
	}

	if entry.Status.Terminal() {
		return nil, persistence.NewEntryError("Update", id, persistence.ErrEntryTerminal)
	}

	patch.Apply(entry)
	entry.UpdatedAt = time.Now().UTC()

	return copyEntry(entry), nil
}

func (r *DistributionRepository) Reopen(_ context.Context, id, leaseOwner string, leaseUntil time.Time) (*models.DistributionLogEntry, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	entry, ok := r.store.entries[id]
	if !ok {
		return nil, persistence.NewEntryError("Reopen", id, persistence.ErrEntryNotFound)
	}

	if entry.Status != models.DistributionStatusFailed {
		return nil, persistence.NewEntryError("Reopen", id, persistence.ErrEntryNotRetryable)
	}

	for _, other := range r.store.entries {
		if other.ID != id && other.SubmissionID == entry.SubmissionID && other.PartnerAPIID == entry.PartnerAPIID &&
			other.IsTest == entry.IsTest && !other.Status.Terminal() {
			return nil, persistence.NewEntryError("Reopen", id, persistence.ErrDeliveryInFlight)
		}
	}

	leaseUntil = leaseUntil.UTC()
	entry.Status = models.DistributionStatusRetrying
	entry.LeaseOwner = leaseOwner
	entry.LeaseExpiresAt = &leaseUntil
	entry.CompletedAt = nil
	entry.UpdatedAt = time.Now().UTC()

	return copyEntry(entry), nil
}

func (r *DistributionRepository) GetByID(_ context.Context, id string) (*models.DistributionLogEntry, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	entry, ok := r.store.entries[id]
	if !ok {
		return nil, persistence.NewEntryError("GetByID", id, persistence.ErrEntryNotFound)
	}

	return copyEntry(entry), nil
}

func (r *DistributionRepository) List(_ context.Context, filter persistence.DistributionFilter) (*persistence.DistributionPage, error) {
	filter = filter.Normalize()

	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	matched := make([]*models.DistributionLogEntry, 0)

	for _, entry := range r.store.entries {
		if matches(entry, filter) {
			matched = append(matched, entry)
		}
	}

	sortNewestFirst(matched)

	total := int64(len(matched))
	start := min(filter.Offset(), len(matched))
	end := min(start+filter.Limit, len(matched))

	page := make([]*models.DistributionLogEntry, 0, end-start)
	for _, entry := range matched[start:end] {
		page = append(page, copyEntry(entry))
	}

	return persistence.NewDistributionPage(page, total, filter), nil
}

func (r *DistributionRepository) Stats(_ context.Context, filter persistence.StatsFilter) (*models.DistributionStats, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	stats := &models.DistributionStats{}
	byPartner := make(map[string]*models.PartnerStats, len(r.store.partners))

	for _, partner := range r.store.partners {
		if filter.PartnerAPIID != "" && partner.ID != filter.PartnerAPIID {
			continue
		}

		byPartner[partner.ID] = &models.PartnerStats{PartnerAPIID: partner.ID, Name: partner.Name}
	}

	for _, entry := range r.store.entries {
		if entry.IsTest || (filter.PartnerAPIID != "" && entry.PartnerAPIID != filter.PartnerAPIID) {
			continue
		}

		stats.Total++

		switch entry.Status {
		case models.DistributionStatusSuccess:
			stats.Success++
		case models.DistributionStatusFailed:
			stats.Failed++
		case models.DistributionStatusPending:
			stats.Pending++
		case models.DistributionStatusRetrying:
			stats.Retrying++
		}

		if !entry.CreatedAt.Before(filter.DayStart) {
			stats.Today++
		}

		ps, ok := byPartner[entry.PartnerAPIID]
		if !ok {
			continue
		}

		ps.Total++

		switch entry.Status {
		case models.DistributionStatusSuccess:
			ps.Success++
		case models.DistributionStatusFailed:
			ps.Failed++
		}
	}

	stats.ByPartner = make([]models.PartnerStats, 0, len(byPartner))
	for _, ps := range byPartner {
		stats.ByPartner = append(stats.ByPartner, *ps)
	}

	sort.Slice(stats.ByPartner, func(i, j int) bool {
		if stats.ByPartner[i].Total != stats.ByPartner[j].Total {
			return stats.ByPartner[i].Total > stats.ByPartner[j].Total
		}

		return stats.ByPartner[i].Name < stats.ByPartner[j].Name
	})

	return stats, nil
}

func (r *DistributionRepository) ExpireStale(_ context.Context, now time.Time, reason string, limit int) ([]*models.DistributionLogEntry, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	now = now.UTC()

	var stale []*models.DistributionLogEntry

	for _, entry := range r.store.entries {
		if !entry.Status.Terminal() && entry.LeaseExpired(now) {
			stale = append(stale, entry)
		}
	}

	sortNewestFirst(stale)

	if limit > 0 && len(stale) > limit {
		stale = stale[len(stale)-limit:]
	}

	expired := make([]*models.DistributionLogEntry, 0, len(stale))

	for _, entry := range stale {
		entry.Status = models.DistributionStatusFailed
		entry.ErrorMessage = reason
		entry.CompletedAt = &now
		entry.LeaseExpiresAt = nil
		entry.UpdatedAt = now

		expired = append(expired, copyEntry(entry))
	}

	return expired, nil
}

func (r *DistributionRepository) latestLocked(submissionID, partnerID string, isTest bool) *models.DistributionLogEntry {
	var latest *models.DistributionLogEntry

	for _, entry := range r.store.entries {
		if entry.SubmissionID != submissionID || entry.PartnerAPIID != partnerID || entry.IsTest != isTest {
			continue
		}

		if latest == nil || newer(entry, latest) {
			latest = entry
		}
	}

	return latest
}

func matches(entry *models.DistributionLogEntry, filter persistence.DistributionFilter) bool {
	switch {
	case filter.PartnerAPIID != "" && entry.PartnerAPIID != filter.PartnerAPIID:
		return false
	case filter.SubmissionID != "" && entry.SubmissionID != filter.SubmissionID:
		return false
	case filter.Status != "" && entry.Status != filter.Status:
		return false
	case filter.From != nil && entry.CreatedAt.Before(*filter.From):
		return false
	case filter.To != nil && entry.CreatedAt.After(*filter.To):
		return false
	case filter.IsTest != nil && entry.IsTest != *filter.IsTest:
		return false
	}

	return true
}

func newer(a, b *models.DistributionLogEntry) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}

	return a.ID > b.ID
}

func sortNewestFirst(entries []*models.DistributionLogEntry) {
	sort.Slice(entries, func(i, j int) bool { return newer(entries[i], entries[j]) })
}
