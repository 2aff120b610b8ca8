// Package workflow validates routing graphs and walks them for each submission.
package workflow

import (
	"context"
	"errors"
	"fmt"

	"github.com/leadroute/leadroute/pkg/models"
	"github.com/leadroute/leadroute/pkg/persistence"
)

// ErrEmptyID is reported for nodes or edges saved without an id.
var ErrEmptyID = errors.New("id is required")

// PartnerLookup resolves partner ids referenced by http_action nodes.
type PartnerLookup interface {
	Get(ctx context.Context, id string) (*models.PartnerAPI, error)
}

// Validator checks the structural invariants of a workflow graph before it is persisted.
type Validator struct {
	partners PartnerLookup
}

func NewValidator(partners PartnerLookup) *Validator {
	return &Validator{partners: partners}
}

// Validate returns the first violation found, walking nodes then edges in declaration order.
// A workflow without nodes is an acceptable draft as long as it is inactive.
func (v *Validator) Validate(ctx context.Context, workflow *models.Workflow) error {
	if len(workflow.Nodes) == 0 {
		if workflow.IsActive {
			return &ValidationError{Err: ErrTriggerNodeRequired}
		}

		if len(workflow.Edges) > 0 {
			return edgeError(workflow.Edges[0].ID, ErrDanglingEdge, "workflow has no nodes")
		}

		return nil
	}

	err := v.validateNodes(ctx, workflow)
	if err != nil {
		return err
	}

	err = validateEdges(workflow)
	if err != nil {
		return err
	}

	return validateShape(workflow)
}

func (v *Validator) validateNodes(ctx context.Context, workflow *models.Workflow) error {
	seen := make(map[string]bool, len(workflow.Nodes))
	triggers := 0

	for _, node := range workflow.Nodes {
		if node == nil || node.ID == "" {
			return nodeError("", ErrEmptyID, "node")
		}

		if seen[node.ID] {
			return nodeError(node.ID, ErrDuplicateNodeID, "")
		}

		seen[node.ID] = true

		if !node.Type.Valid() {
			return nodeError(node.ID, ErrUnknownNodeKind, string(node.Type))
		}

		err := validateConfig(node)
		if err != nil {
			return nodeError(node.ID, err, "")
		}

		switch node.Type {
		case models.NodeKindTrigger:
			triggers++
			if triggers > 1 {
				return nodeError(node.ID, ErrMultipleTriggers, "")
			}
		case models.NodeKindHTTPAction:
			err = v.checkPartner(ctx, node)
			if err != nil {
				return err
			}
		case models.NodeKindFilterService, models.NodeKindBranch, models.NodeKindEnd:
		}
	}

	if triggers == 0 {
		return &ValidationError{Err: ErrTriggerNodeRequired}
	}

	return nil
}

func (v *Validator) checkPartner(ctx context.Context, node *models.WorkflowNode) error {
	cfg, err := node.HTTPActionConfig()
	if err != nil {
		return nodeError(node.ID, err, "")
	}

	if v.partners == nil {
		return nil
	}

	_, err = v.partners.Get(ctx, cfg.PartnerAPIID)
	if persistence.IsPartnerNotFound(err) {
		return nodeError(node.ID, ErrUnknownPartner, cfg.PartnerAPIID)
	}

	if err != nil {
		return fmt.Errorf("failed to resolve partner %s: %w", cfg.PartnerAPIID, err)
	}

	return nil
}

type edgeKey struct {
	source, target string
	status         models.EdgeStatus
}

func validateEdges(workflow *models.Workflow) error {
	nodes := make(map[string]*models.WorkflowNode, len(workflow.Nodes))
	for _, node := range workflow.Nodes {
		nodes[node.ID] = node
	}

	ids := make(map[string]bool, len(workflow.Edges))
	pairs := make(map[edgeKey]bool, len(workflow.Edges))

	for _, edge := range workflow.Edges {
		if edge == nil || edge.ID == "" {
			return edgeError("", ErrEmptyID, "edge")
		}

		if ids[edge.ID] {
			return edgeError(edge.ID, ErrDuplicateEdgeID, "")
		}

		ids[edge.ID] = true

		if !edge.Status.Valid() {
			return edgeError(edge.ID, ErrInvalidEdgeStatus, string(edge.Status))
		}

		source, ok := nodes[edge.Source]
		if !ok {
			return edgeError(edge.ID, ErrDanglingEdge, "source "+edge.Source)
		}

		target, ok := nodes[edge.Target]
		if !ok {
			return edgeError(edge.ID, ErrDanglingEdge, "target "+edge.Target)
		}

		if target.Type == models.NodeKindTrigger {
			return edgeError(edge.ID, ErrEdgeIntoTrigger, "")
		}

		if source.Type == models.NodeKindEnd {
			return edgeError(edge.ID, ErrEdgeFromEnd, "")
		}

		key := edgeKey{source: edge.Source, target: edge.Target, status: edge.EffectiveStatus()}
		if pairs[key] {
			return edgeError(edge.ID, ErrDuplicateEdge, fmt.Sprintf("%s -> %s on %s", key.source, key.target, key.status))
		}

		pairs[key] = true
	}

	return nil
}

// validateShape rejects cycles, then nodes the trigger cannot reach.
func validateShape(workflow *models.Workflow) error {
	const (
		unvisited = iota
		visiting
		done
	)

	outgoing := workflow.OutgoingEdges()
	state := make(map[string]int, len(workflow.Nodes))

	var visit func(id string) error

	visit = func(id string) error {
		state[id] = visiting

		for _, edge := range outgoing[id] {
			switch state[edge.Target] {
			case visiting:
				return edgeError(edge.ID, ErrCycle, fmt.Sprintf("%s -> %s", edge.Source, edge.Target))
			case unvisited:
				err := visit(edge.Target)
				if err != nil {
					return err
				}
			}
		}

		state[id] = done

		return nil
	}

	for _, node := range workflow.Nodes {
		if state[node.ID] != unvisited {
			continue
		}

		err := visit(node.ID)
		if err != nil {
			return err
		}
	}

	trigger := workflow.TriggerNodes()[0]
	reached := map[string]bool{trigger.ID: true}
	queue := []string{trigger.ID}

	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]

		for _, edge := range outgoing[id] {
			if !reached[edge.Target] {
				reached[edge.Target] = true
				queue = append(queue, edge.Target)
			}
		}
	}

	for _, node := range workflow.Nodes {
		if !reached[node.ID] {
			return nodeError(node.ID, ErrUnreachableNode, "")
		}
	}

	return nil
}
