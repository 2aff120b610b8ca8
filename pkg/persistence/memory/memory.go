// Package memory provides an in-process persistence implementation for development and tests.
package memory

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/leadroute/leadroute/pkg/models"
	"github.com/leadroute/leadroute/pkg/persistence"
)

// Persistence keeps every record in maps guarded by one mutex. Records are copied on the way in
// and out.
type Persistence struct {
	mu        sync.RWMutex
	workflows map[string]*models.Workflow
	partners  map[string]*models.PartnerAPI
	entries   map[string]*models.DistributionLogEntry

	workflowRepo     *WorkflowRepository
	partnerRepo      *PartnerRepository
	distributionRepo *DistributionRepository
}

// NewPersistence creates an empty store.
func NewPersistence() *Persistence {
	p := &Persistence{
		workflows: make(map[string]*models.Workflow),
		partners:  make(map[string]*models.PartnerAPI),
		entries:   make(map[string]*models.DistributionLogEntry),
	}

	p.workflowRepo = &WorkflowRepository{store: p}
	p.partnerRepo = &PartnerRepository{store: p}
	p.distributionRepo = &DistributionRepository{store: p}

	return p
}

func (p *Persistence) WorkflowRepository() persistence.WorkflowRepository {
	return p.workflowRepo
}

func (p *Persistence) PartnerRepository() persistence.PartnerRepository {
	return p.partnerRepo
}

func (p *Persistence) DistributionRepository() persistence.DistributionRepository {
	return p.distributionRepo
}

func (p *Persistence) HealthCheck(_ context.Context) error {
	return nil
}

func (p *Persistence) Close(_ context.Context) error {
	return nil
}

func copyWorkflow(in *models.Workflow) *models.Workflow {
	out := *in
	out.Nodes = make([]*models.WorkflowNode, 0, len(in.Nodes))
	out.Edges = make([]*models.WorkflowEdge, 0, len(in.Edges))

	for _, node := range in.Nodes {
		n := *node
		n.Config = copyConfig(node.Config)
		out.Nodes = append(out.Nodes, &n)
	}

	for _, edge := range in.Edges {
		e := *edge
		out.Edges = append(out.Edges, &e)
	}

	if in.PartnerAPIID != nil {
		id := *in.PartnerAPIID
		out.PartnerAPIID = &id
	}

	return &out
}

// copyConfig deep-copies a JSON-shaped config map.
func copyConfig(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}

	raw, err := json.Marshal(in)
	if err != nil {
		return in
	}

	var out map[string]any
	if json.Unmarshal(raw, &out) != nil {
		return in
	}

	return out
}

func copyPartner(in *models.PartnerAPI) *models.PartnerAPI {
	out := *in
	out.ServiceTypes = append([]string(nil), in.ServiceTypes...)
	out.LastSuccessAt = copyTime(in.LastSuccessAt)
	out.LastFailureAt = copyTime(in.LastFailureAt)

	if in.Headers != nil {
		out.Headers = make(map[string]string, len(in.Headers))
		for k, v := range in.Headers {
			out.Headers[k] = v
		}
	}

	return &out
}

func copyEntry(in *models.DistributionLogEntry) *models.DistributionLogEntry {
	out := *in
	out.Payload = append(json.RawMessage(nil), in.Payload...)
	out.LeaseExpiresAt = copyTime(in.LeaseExpiresAt)
	out.CompletedAt = copyTime(in.CompletedAt)

	if in.ResponseStatus != nil {
		status := *in.ResponseStatus
		out.ResponseStatus = &status
	}

	if in.LatencyMs != nil {
		latency := *in.LatencyMs
		out.LatencyMs = &latency
	}

	return &out
}

func copyTime(in *time.Time) *time.Time {
	if in == nil {
		return nil
	}

	t := *in

	return &t
}
