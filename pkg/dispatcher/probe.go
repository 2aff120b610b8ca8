package dispatcher

import (
	"context"

	"github.com/google/uuid"
	"github.com/leadroute/leadroute/pkg/models"
	"github.com/leadroute/leadroute/pkg/otelhelper"
	"go.opentelemetry.io/otel/attribute"
)

const maxProbeResponseLength = 500

// ProbeResult is the answer of a partner connectivity check.
type ProbeResult struct {
	Success    bool   `json:"success"`
	Status     int    `json:"status,omitempty"`
	StatusText string `json:"status_text,omitempty"`
	LatencyMs  int64  `json:"latency_ms"`
	Response   string `json:"response,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Probe sends a single test payload with the partner's real auth, headers and timeout.
// It writes no ledger row and leaves the partner counters alone.
func (d *Dispatcher) Probe(ctx context.Context, partner *models.PartnerAPI) ProbeResult {
	ctx, span := otelhelper.StartSpan(ctx, d.tracer, "leadroute.dispatch.probe",
		attribute.String(otelhelper.PartnerIDKey, partner.ID),
	)
	defer span.End()

	sec, err := d.resolveSecrets(partner)
	if err != nil {
		otelhelper.SetError(span, err)

		return ProbeResult{Error: ErrCredentialUnavailable.Error()}
	}

	now := d.now()
	submission := &models.Submission{
		ID:          "probe-" + uuid.NewString(),
		ServiceType: "Test",
		ZipCode:     "00000",
		Name:        "Test Lead",
		Email:       "test@example.com",
		Phone:       "555-0100",
		CreatedAt:   now,
		Test:        true,
	}

	if len(partner.ServiceTypes) > 0 {
		submission.ServiceType = partner.ServiceTypes[0]
	}

	payload, err := BuildPayload(submission, d.source, now)
	if err != nil {
		otelhelper.SetError(span, err)

		return ProbeResult{Error: err.Error()}
	}

	result := d.attempt(ctx, Request{
		Partner: partner,
		Entry: &models.DistributionLogEntry{
			SubmissionID: submission.ID,
			PartnerAPIID: partner.ID,
			TargetURL:    partner.EndpointURL,
			HTTPMethod:   partner.HTTPMethod,
			Payload:      payload,
			IsTest:       true,
		},
	}, sec, 1)

	d.logger.InfoContext(ctx, "partner probe finished",
		"partner_api_id", partner.ID,
		"response_status", result.statusCode(),
		"latency_ms", result.latency.Milliseconds(),
		"success", result.success)

	return ProbeResult{
		Success:    result.success,
		Status:     result.statusCode(),
		StatusText: result.statusText,
		LatencyMs:  result.latency.Milliseconds(),
		Response:   models.Truncate(result.body, maxProbeResponseLength),
		Error:      result.message,
	}
}
