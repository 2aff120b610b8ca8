// Package models defines the domain models for lead routing workflows, partner endpoints and distribution logs.
package models

import (
	"slices"
	"time"
)

// Workflow is a directed acyclic graph of nodes deciding which partners receive a submission.
type Workflow struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"                     validate:"required,min=1,max=255"`
	IsActive     bool            `json:"is_active"`
	Nodes        []*WorkflowNode `json:"nodes"`
	Edges        []*WorkflowEdge `json:"edges"`
	Version      int             `json:"version"`
	PartnerAPIID *string         `json:"partner_api_id,omitempty"` // Set on workflows created alongside a partner
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// NodeByID returns the node with the given id, or nil.
func (w *Workflow) NodeByID(id string) *WorkflowNode {
	for _, node := range w.Nodes {
		if node.ID == id {
			return node
		}
	}

	return nil
}

// TriggerNodes returns every node of kind trigger.
func (w *Workflow) TriggerNodes() []*WorkflowNode {
	var triggers []*WorkflowNode

	for _, node := range w.Nodes {
		if node.Type == NodeKindTrigger {
			triggers = append(triggers, node)
		}
	}

	return triggers
}

// PartnerReferences returns the partner ids used by http_action nodes.
func (w *Workflow) PartnerReferences() []string {
	var ids []string

	for _, node := range w.Nodes {
		if node.Type != NodeKindHTTPAction {
			continue
		}

		cfg, err := node.HTTPActionConfig()
		if err != nil || cfg.PartnerAPIID == "" {
			continue
		}

		ids = append(ids, cfg.PartnerAPIID)
	}

	return ids
}

// ReferencesPartner reports whether any http_action node targets the partner.
func (w *Workflow) ReferencesPartner(partnerID string) bool {
	for _, id := range w.PartnerReferences() {
		if id == partnerID {
			return true
		}
	}

	return false
}

// DependsOnPartners returns the sorted, distinct partner ids the workflow needs: its owning partner
// and every http_action target.
func (w *Workflow) DependsOnPartners() []string {
	ids := w.PartnerReferences()
	if w.PartnerAPIID != nil && *w.PartnerAPIID != "" {
		ids = append(ids, *w.PartnerAPIID)
	}

	slices.Sort(ids)

	return slices.Compact(ids)
}

// OutgoingEdges groups edges by their source node id.
func (w *Workflow) OutgoingEdges() map[string][]*WorkflowEdge {
	out := make(map[string][]*WorkflowEdge, len(w.Nodes))

	for _, edge := range w.Edges {
		out[edge.Source] = append(out[edge.Source], edge)
	}

	return out
}
