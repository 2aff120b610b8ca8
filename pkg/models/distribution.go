package models

import (
	"encoding/json"
	"time"
	"unicode/utf8"
)

// DistributionStatus is the lifecycle state of a ledger row.
type DistributionStatus string

const (
	DistributionStatusPending  DistributionStatus = "pending"
	DistributionStatusRetrying DistributionStatus = "retrying"
	DistributionStatusSuccess  DistributionStatus = "success"
	DistributionStatusFailed   DistributionStatus = "failed"
)

const (
	MaxResponseBodyLength = 2000
	MaxErrorMessageLength = 500
)

// Terminal reports whether no further attempts happen without an explicit retry.
func (s DistributionStatus) Terminal() bool {
	return s == DistributionStatusSuccess || s == DistributionStatusFailed
}

// Valid reports whether s is a known status.
func (s DistributionStatus) Valid() bool {
	switch s {
	case DistributionStatusPending, DistributionStatusRetrying, DistributionStatusSuccess, DistributionStatusFailed:
		return true
	default:
		return false
	}
}

// DistributionLogEntry records one delivery intent of a submission to a partner.
type DistributionLogEntry struct {
	ID             string             `json:"id"`
	SubmissionID   string             `json:"submission_id"`
	PartnerAPIID   string             `json:"partner_api_id"`
	WorkflowID     string             `json:"workflow_id,omitempty"`
	NodeID         string             `json:"node_id,omitempty"`
	Status         DistributionStatus `json:"status"`
	TargetURL      string             `json:"target_url"`
	HTTPMethod     string             `json:"http_method"`
	Payload        json.RawMessage    `json:"payload,omitempty"` // Exact request body, resent on retry
	ServiceType    string             `json:"service_type,omitempty"`
	CustomerName   string             `json:"customer_name,omitempty"`
	CustomerEmail  string             `json:"customer_email,omitempty"`
	ResponseStatus *int               `json:"response_status,omitempty"`
	ResponseBody   string             `json:"response_body,omitempty"`
	LatencyMs      *int64             `json:"latency_ms,omitempty"`
	ErrorMessage   string             `json:"error_message,omitempty"`
	AttemptCount   int                `json:"attempt_count"`
	IsTest         bool               `json:"is_test"`
	LeaseOwner     string             `json:"-"`
	LeaseExpiresAt *time.Time         `json:"-"`
	StartedAt      time.Time          `json:"started_at"`
	CompletedAt    *time.Time         `json:"completed_at,omitempty"`
	CreatedAt      time.Time          `json:"created_at"`
	UpdatedAt      time.Time          `json:"updated_at"`
}

// LeaseExpired reports whether the row holder stopped refreshing its lease.
func (e *DistributionLogEntry) LeaseExpired(now time.Time) bool {
	return e.LeaseExpiresAt == nil || !e.LeaseExpiresAt.After(now)
}

// DistributionPatch is a partial update of a non-terminal ledger row. Nil fields are left untouched.
type DistributionPatch struct {
	Status           *DistributionStatus
	ResponseStatus   *int
	ResponseBody     *string
	LatencyMs        *int64
	ErrorMessage     *string
	IncrementAttempt bool
	LeaseExpiresAt   *time.Time
	CompletedAt      *time.Time
}

// Apply copies the set fields of the patch onto the entry.
func (p DistributionPatch) Apply(entry *DistributionLogEntry) {
	if p.Status != nil {
		entry.Status = *p.Status
	}

	if p.ResponseStatus != nil {
		entry.ResponseStatus = p.ResponseStatus
	}

	if p.ResponseBody != nil {
		entry.ResponseBody = Truncate(*p.ResponseBody, MaxResponseBodyLength)
	}

	if p.LatencyMs != nil {
		entry.LatencyMs = p.LatencyMs
	}

	if p.ErrorMessage != nil {
		entry.ErrorMessage = Truncate(*p.ErrorMessage, MaxErrorMessageLength)
	}

	if p.IncrementAttempt {
		entry.AttemptCount++
	}

	if p.LeaseExpiresAt != nil {
		entry.LeaseExpiresAt = p.LeaseExpiresAt
	}

	if p.CompletedAt != nil {
		entry.CompletedAt = p.CompletedAt
	}
}

// DispatchOutcome summarises a finished delivery.
type DispatchOutcome struct {
	EntryID        string             `json:"entry_id"`
	Status         DistributionStatus `json:"status"`
	Success        bool               `json:"success"`
	ResponseStatus *int               `json:"response_status,omitempty"`
	LatencyMs      int64              `json:"latency_ms"`
	Attempts       int                `json:"attempts"`
	ErrorMessage   string             `json:"error_message,omitempty"`
}

// DistributionStats aggregates non-test ledger rows.
type DistributionStats struct {
	Total     int64          `json:"total"`
	Success   int64          `json:"success"`
	Failed    int64          `json:"failed"`
	Pending   int64          `json:"pending"`
	Retrying  int64          `json:"retrying"`
	Today     int64          `json:"today"`
	ByPartner []PartnerStats `json:"by_partner"`
}

// PartnerStats is the per-partner breakdown of DistributionStats.
type PartnerStats struct {
	PartnerAPIID string `json:"partner_api_id"`
	Name         string `json:"name"`
	Total        int64  `json:"total"`
	Success      int64  `json:"success"`
	Failed       int64  `json:"failed"`
}

// Truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}

	cut := n
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}

	return s[:cut]
}
