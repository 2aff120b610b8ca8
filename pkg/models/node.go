package models

import (
	"encoding/json"
	"errors"
	"fmt"
)

// NodeKind is the closed set of node types a workflow may contain.
type NodeKind string

const (
	NodeKindTrigger       NodeKind = "trigger"        // Entry point, exactly one per workflow
	NodeKindFilterService NodeKind = "filter_service" // Passes when the submission service type is listed
	NodeKindHTTPAction    NodeKind = "http_action"    // Dispatches the submission to a partner
	NodeKindBranch        NodeKind = "branch"         // Predicate on the submission, pass-through when empty
	NodeKindEnd           NodeKind = "end"            // Terminates the path
)

var ErrInvalidNodeConfig = errors.New("invalid node config")

// NodeKinds lists every supported node kind.
func NodeKinds() []NodeKind {
	return []NodeKind{NodeKindTrigger, NodeKindFilterService, NodeKindHTTPAction, NodeKindBranch, NodeKindEnd}
}

// Valid reports whether k is one of the supported kinds.
func (k NodeKind) Valid() bool {
	switch k {
	case NodeKindTrigger, NodeKindFilterService, NodeKindHTTPAction, NodeKindBranch, NodeKindEnd:
		return true
	default:
		return false
	}
}

// Position is the node location in the visual editor.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// WorkflowNode is a node instance inside a workflow graph.
type WorkflowNode struct {
	ID       string         `json:"id"       validate:"required,max=255"`
	Type     NodeKind       `json:"type"     validate:"required"`
	Name     string         `json:"name,omitempty"`
	Position Position       `json:"position"`
	Config   map[string]any `json:"config"`
}

// FilterServiceConfig is the config of a filter_service node.
type FilterServiceConfig struct {
	Services []string `json:"services"`
}

// Allows reports whether the service type is in the configured list. An empty list allows everything.
func (c FilterServiceConfig) Allows(serviceType string) bool {
	if len(c.Services) == 0 {
		return true
	}

	for _, service := range c.Services {
		if service == serviceType {
			return true
		}
	}

	return false
}

// HTTPActionConfig is the config of an http_action node. URL and Method override the partner endpoint.
type HTTPActionConfig struct {
	PartnerAPIID string `json:"partner_api_id"`
	URL          string `json:"url,omitempty"`
	Method       string `json:"method,omitempty"`
}

// FilterServiceConfig decodes the node config of a filter_service node.
func (n *WorkflowNode) FilterServiceConfig() (FilterServiceConfig, error) {
	var cfg FilterServiceConfig

	return cfg, n.decodeConfig(NodeKindFilterService, &cfg)
}

// HTTPActionConfig decodes the node config of an http_action node.
func (n *WorkflowNode) HTTPActionConfig() (HTTPActionConfig, error) {
	var cfg HTTPActionConfig

	return cfg, n.decodeConfig(NodeKindHTTPAction, &cfg)
}

// BranchConfig decodes the node config of a branch node.
func (n *WorkflowNode) BranchConfig() (BranchConfig, error) {
	var cfg BranchConfig

	return cfg, n.decodeConfig(NodeKindBranch, &cfg)
}

func (n *WorkflowNode) decodeConfig(kind NodeKind, target any) error {
	if n.Type != kind {
		return fmt.Errorf("%w: node %s is %s, not %s", ErrInvalidNodeConfig, n.ID, n.Type, kind)
	}

	if len(n.Config) == 0 {
		return nil
	}

	raw, err := json.Marshal(n.Config)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidNodeConfig, err)
	}

	err = json.Unmarshal(raw, target)
	if err != nil {
		return fmt.Errorf("%w: node %s: %w", ErrInvalidNodeConfig, n.ID, err)
	}

	return nil
}
