package workflow

import (
	"errors"
	"fmt"
)

// Graph validation errors. Every ValidationError wraps exactly one of these.
var (
	ErrTriggerNodeRequired = errors.New("workflow requires exactly one trigger node")
	ErrMultipleTriggers    = errors.New("workflow has more than one trigger node")
	ErrDuplicateNodeID     = errors.New("duplicate node id")
	ErrDuplicateEdgeID     = errors.New("duplicate edge id")
	ErrUnknownNodeKind     = errors.New("unknown node kind")
	ErrUnknownPartner      = errors.New("http_action references unknown partner")
	ErrDanglingEdge        = errors.New("edge references a missing node")
	ErrEdgeIntoTrigger     = errors.New("edge targets the trigger node")
	ErrEdgeFromEnd         = errors.New("edge leaves an end node")
	ErrDuplicateEdge       = errors.New("duplicate edge")
	ErrInvalidEdgeStatus   = errors.New("invalid edge status")
	ErrUnreachableNode     = errors.New("node is unreachable from the trigger")
	ErrCycle               = errors.New("workflow graph contains a cycle")
)

// ErrStepLimitExceeded is recorded on an execution that visited more nodes than allowed.
var ErrStepLimitExceeded = errors.New("execution step limit exceeded")

// ValidationError points at the node or edge that made a graph invalid.
type ValidationError struct {
	NodeID string
	EdgeID string
	Detail string
	Err    error
}

func (e *ValidationError) Error() string {
	msg := e.Err.Error()

	switch {
	case e.NodeID != "":
		msg = fmt.Sprintf("node %s: %s", e.NodeID, msg)
	case e.EdgeID != "":
		msg = fmt.Sprintf("edge %s: %s", e.EdgeID, msg)
	}

	if e.Detail != "" {
		msg += ": " + e.Detail
	}

	return msg
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

func nodeError(nodeID string, err error, detail string) *ValidationError {
	return &ValidationError{NodeID: nodeID, Detail: detail, Err: err}
}

func edgeError(edgeID string, err error, detail string) *ValidationError {
	return &ValidationError{EdgeID: edgeID, Detail: detail, Err: err}
}

// IsValidationError reports whether err came from graph validation.
func IsValidationError(err error) bool {
	var validationErr *ValidationError

	return errors.As(err, &validationErr)
}
