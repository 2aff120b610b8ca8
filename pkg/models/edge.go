package models

// EdgeStatus selects which node outcome an edge is followed on.
type EdgeStatus string

const (
	EdgeStatusSuccess   EdgeStatus = "success"
	EdgeStatusError     EdgeStatus = "error"
	EdgeStatusDuplicate EdgeStatus = "duplicate"
	EdgeStatusDefault   EdgeStatus = "default" // Followed when no edge matches the outcome
)

// Valid reports whether s is a known status. Empty is treated as default.
func (s EdgeStatus) Valid() bool {
	switch s {
	case "", EdgeStatusSuccess, EdgeStatusError, EdgeStatusDuplicate, EdgeStatusDefault:
		return true
	default:
		return false
	}
}

// WorkflowEdge connects two nodes of the same workflow.
type WorkflowEdge struct {
	ID     string     `json:"id"     validate:"required,max=255"`
	Source string     `json:"source" validate:"required"`
	Target string     `json:"target" validate:"required"`
	Status EdgeStatus `json:"status,omitempty"`
}

// EffectiveStatus returns the edge status with empty normalised to default.
func (e *WorkflowEdge) EffectiveStatus() EdgeStatus {
	if e.Status == "" {
		return EdgeStatusDefault
	}

	return e.Status
}
