package dispatcher

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/leadroute/leadroute/pkg/models"
)

const (
	DefaultSource    = "leadroute"
	DefaultUserAgent = "LeadRoute-Partner-Integration/1.0"
)

// Payload is the JSON body delivered to partners.
type Payload struct {
	Source     string            `json:"source"`
	Timestamp  time.Time         `json:"timestamp"`
	Test       bool              `json:"test,omitempty"`
	Submission PayloadSubmission `json:"submission"`
}

// PayloadSubmission holds the customer-facing fields of a submission.
type PayloadSubmission struct {
	ID          string         `json:"id"`
	ServiceType string         `json:"service_type"`
	ZipCode     string         `json:"zip_code,omitempty"`
	Name        string         `json:"name,omitempty"`
	Email       string         `json:"email,omitempty"`
	Phone       string         `json:"phone,omitempty"`
	Answers     map[string]any `json:"answers,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// BuildPayload serialises the submission. The result is snapshotted in the ledger and resent as-is on retry.
func BuildPayload(submission *models.Submission, source string, now time.Time) (json.RawMessage, error) {
	if source == "" {
		source = DefaultSource
	}

	body, err := json.Marshal(Payload{
		Source:    source,
		Timestamp: now.UTC(),
		Test:      submission.Test,
		Submission: PayloadSubmission{
			ID:          submission.ID,
			ServiceType: submission.ServiceType,
			ZipCode:     submission.ZipCode,
			Name:        submission.Name,
			Email:       submission.Email,
			Phone:       submission.Phone,
			Answers:     submission.Answers,
			CreatedAt:   submission.CreatedAt.UTC(),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}

	return body, nil
}
