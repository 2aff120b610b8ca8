// Package persistence provides standardized error types for persistence operations.
package persistence

import (
	"errors"
	"fmt"
)

// Standard persistence error types that all implementations should use.
var (
	// ErrWorkflowNotFound indicates a workflow was not found by the given identifier.
	ErrWorkflowNotFound = errors.New("workflow not found")

	// ErrPartnerNotFound indicates a partner API was not found by the given identifier.
	ErrPartnerNotFound = errors.New("partner api not found")

	// ErrEntryNotFound indicates a distribution log entry was not found.
	ErrEntryNotFound = errors.New("distribution log entry not found")

	// ErrVersionConflict indicates the workflow was saved concurrently.
	ErrVersionConflict = errors.New("workflow version conflict")

	// ErrEntryTerminal indicates an update of a row that already reached success or failed.
	ErrEntryTerminal = errors.New("distribution log entry is terminal")

	// ErrEntryNotRetryable indicates a retry of a row that is not failed.
	ErrEntryNotRetryable = errors.New("distribution log entry is not retryable")

	// ErrDeliveryInFlight indicates another holder owns the non-terminal row of the pair.
	ErrDeliveryInFlight = errors.New("delivery already in flight")

	// ErrAlreadyDelivered indicates the latest row of the pair is terminal.
	ErrAlreadyDelivered = errors.New("delivery already completed")

	// ErrPartnerReferenced indicates a delete of a partner another workflow still dispatches to.
	ErrPartnerReferenced = errors.New("partner api is referenced by a workflow")

	// ErrLedgerBusy indicates lock contention on the pair; the caller should back off and retry.
	ErrLedgerBusy = errors.New("distribution ledger busy")
)

// WorkflowError wraps workflow-related errors with additional context.
type WorkflowError struct {
	Op         string // Operation being performed (e.g., "GetByID", "Save", "Delete")
	WorkflowID string
	Err        error
}

func (e *WorkflowError) Error() string {
	return fmt.Sprintf("%s operation failed for workflow %s: %v", e.Op, e.WorkflowID, e.Err)
}

func (e *WorkflowError) Unwrap() error {
	return e.Err
}

// Is implements error comparison for workflow errors.
func (e *WorkflowError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewWorkflowError creates a new workflow error with context.
func NewWorkflowError(op, workflowID string, err error) *WorkflowError {
	return &WorkflowError{Op: op, WorkflowID: workflowID, Err: err}
}

// PartnerError wraps partner-related errors with additional context.
type PartnerError struct {
	Op           string
	PartnerAPIID string
	Err          error
}

func (e *PartnerError) Error() string {
	return fmt.Sprintf("%s operation failed for partner %s: %v", e.Op, e.PartnerAPIID, e.Err)
}

func (e *PartnerError) Unwrap() error {
	return e.Err
}

func (e *PartnerError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewPartnerError creates a new partner error with context.
func NewPartnerError(op, partnerID string, err error) *PartnerError {
	return &PartnerError{Op: op, PartnerAPIID: partnerID, Err: err}
}

// ReferenceError names the workflow that keeps a partner from being deleted.
type ReferenceError struct {
	PartnerAPIID string
	WorkflowID   string
	WorkflowName string
}

func (e *ReferenceError) Error() string {
	return fmt.Sprintf("partner %s is used by workflow %q (%s)", e.PartnerAPIID, e.WorkflowName, e.WorkflowID)
}

func (e *ReferenceError) Is(target error) bool {
	return target == ErrPartnerReferenced
}

// EntryError wraps ledger errors with the row or pair they concern.
type EntryError struct {
	Op           string
	EntryID      string
	SubmissionID string
	PartnerAPIID string
	Err          error
}

func (e *EntryError) Error() string {
	if e.EntryID != "" {
		return fmt.Sprintf("%s operation failed for distribution entry %s: %v", e.Op, e.EntryID, e.Err)
	}

	return fmt.Sprintf("%s operation failed for submission %s and partner %s: %v", e.Op, e.SubmissionID, e.PartnerAPIID, e.Err)
}

func (e *EntryError) Unwrap() error {
	return e.Err
}

func (e *EntryError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewEntryError creates a ledger error for a single row.
func NewEntryError(op, entryID string, err error) *EntryError {
	return &EntryError{Op: op, EntryID: entryID, Err: err}
}

// NewPairError creates a ledger error for a (submission, partner) pair.
func NewPairError(op, submissionID, partnerID string, err error) *EntryError {
	return &EntryError{Op: op, SubmissionID: submissionID, PartnerAPIID: partnerID, Err: err}
}

// IsWorkflowNotFound checks if an error indicates a workflow was not found.
func IsWorkflowNotFound(err error) bool {
	return errors.Is(err, ErrWorkflowNotFound)
}

// IsPartnerNotFound checks if an error indicates a partner was not found.
func IsPartnerNotFound(err error) bool {
	return errors.Is(err, ErrPartnerNotFound)
}

// IsEntryNotFound checks if an error indicates a ledger row was not found.
func IsEntryNotFound(err error) bool {
	return errors.Is(err, ErrEntryNotFound)
}

// IsNotFound checks for any of the not-found sentinels.
func IsNotFound(err error) bool {
	return IsWorkflowNotFound(err) || IsPartnerNotFound(err) || IsEntryNotFound(err)
}

// IsDuplicateDelivery reports whether Open refused because the pair is in flight or done.
func IsDuplicateDelivery(err error) bool {
	return errors.Is(err, ErrDeliveryInFlight) || errors.Is(err, ErrAlreadyDelivered)
}
