// Package dispatcher delivers a submission to a partner endpoint over HTTP, with auth injection,
// per-attempt timeouts and retries, recording every attempt on the distribution ledger.
package dispatcher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/leadroute/leadroute/pkg/backoff"
	"github.com/leadroute/leadroute/pkg/models"
	"github.com/leadroute/leadroute/pkg/otelhelper"
	"github.com/leadroute/leadroute/pkg/persistence"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const leaseSlack = 30 * time.Second

// ErrRetriesExhausted fails a resumed row that already used its whole attempt budget.
var ErrRetriesExhausted = errors.New("retries_exhausted")

// EntryUpdater patches the ledger row of a dispatch.
type EntryUpdater interface {
	Update(ctx context.Context, id string, patch models.DistributionPatch) (*models.DistributionLogEntry, error)
}

// OutcomeRecorder bumps partner counters after a terminal outcome.
type OutcomeRecorder interface {
	RecordOutcome(ctx context.Context, partnerID string, success bool) error
}

// CredentialSource opens vault envelopes.
type CredentialSource interface {
	DecryptCredential(envelope string) (models.Credential, error)
	Decrypt(envelope string) (string, error)
}

// Request is one delivery of an opened ledger row.
type Request struct {
	Partner *models.PartnerAPI
	// Entry carries the resolved target, method and payload snapshot.
	Entry *models.DistributionLogEntry
	// Manual grants a fresh RetryCount+1 budget. Otherwise attempts already on the row count
	// against it, so a resumed row never exceeds RetryCount+1 in total.
	Manual bool
}

type Dispatcher struct {
	client    *http.Client
	vault     CredentialSource
	entries   EntryUpdater
	outcomes  OutcomeRecorder
	strategy  backoff.Strategy
	tracer    trace.Tracer
	logger    *slog.Logger
	userAgent string
	source    string
	now       func() time.Time
}

type Option func(*Dispatcher)

// WithHTTPClient replaces the default client. Per-attempt timeouts come from the partner, not the client.
func WithHTTPClient(client *http.Client) Option {
	return func(d *Dispatcher) {
		d.client = client
	}
}

func WithBackoff(strategy backoff.Strategy) Option {
	return func(d *Dispatcher) {
		d.strategy = strategy
	}
}

func WithTracer(tracer trace.Tracer) Option {
	return func(d *Dispatcher) {
		d.tracer = tracer
	}
}

func WithUserAgent(userAgent string) Option {
	return func(d *Dispatcher) {
		if userAgent != "" {
			d.userAgent = userAgent
		}
	}
}

// WithSource sets the "source" field of probe payloads.
func WithSource(source string) Option {
	return func(d *Dispatcher) {
		if source != "" {
			d.source = source
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) {
		d.now = now
	}
}

func New(vault CredentialSource, entries EntryUpdater, outcomes OutcomeRecorder, logger *slog.Logger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		client:    newHTTPClient(),
		vault:     vault,
		entries:   entries,
		outcomes:  outcomes,
		strategy:  backoff.DefaultStrategy(),
		tracer:    otelhelper.NoopTracer(),
		logger:    logger.With("module", "dispatcher"),
		userAgent: DefaultUserAgent,
		source:    DefaultSource,
		now:       func() time.Time { return time.Now().UTC() },
	}

	for _, opt := range opts {
		opt(d)
	}

	return d
}

// newHTTPClient does not follow redirects; a 3xx is a terminal answer from the partner.
func newHTTPClient() *http.Client {
	return &http.Client{
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// LeaseDuration bounds how long a full dispatch to the partner may hold its ledger row.
func (d *Dispatcher) LeaseDuration(partner *models.PartnerAPI) time.Duration {
	retries := max(partner.RetryCount, 0)

	return time.Duration(retries+1)*partner.Timeout() + backoff.Total(d.strategy, retries) + leaseSlack
}

// Dispatch runs the remaining attempts of the row's RetryCount+1 budget and leaves the row terminal. It never returns an error:
// every failure is reported in the outcome and on the ledger row.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) models.DispatchOutcome {
	partner, entry := req.Partner, req.Entry

	ctx, span := otelhelper.StartSpan(ctx, d.tracer, "leadroute.dispatch",
		attribute.String(otelhelper.EntryIDKey, entry.ID),
		attribute.String(otelhelper.PartnerIDKey, partner.ID),
		attribute.String(otelhelper.SubmissionIDKey, entry.SubmissionID),
		attribute.Bool(otelhelper.TestRunKey, entry.IsTest),
	)
	defer span.End()

	logger := d.logger.With(
		"entry_id", entry.ID,
		"partner_api_id", partner.ID,
		"submission_id", entry.SubmissionID,
		"is_test", entry.IsTest,
	)

	// Ledger writes must land even when the caller gives up.
	store := context.WithoutCancel(ctx)

	budget := max(partner.RetryCount, 0) + 1
	if !req.Manual {
		budget -= entry.AttemptCount
	}

	if budget <= 0 {
		logger.WarnContext(ctx, "retry budget exhausted, no request sent", "attempt_count", entry.AttemptCount)
		otelhelper.SetError(span, ErrRetriesExhausted)

		return d.fail(store, logger, req, entry.AttemptCount, attemptResult{message: ErrRetriesExhausted.Error()})
	}

	sec, err := d.resolveSecrets(partner)
	if err != nil {
		logger.WarnContext(ctx, "partner credential unavailable, no request sent")
		otelhelper.SetError(span, err)

		return d.fail(store, logger, req, entry.AttemptCount, attemptResult{message: ErrCredentialUnavailable.Error()})
	}

	attempts := entry.AttemptCount

	for n := 1; ; n++ {
		result := d.attempt(ctx, req, sec, n)
		attempts++

		logger.InfoContext(ctx, "dispatch attempt finished",
			"attempt", attempts,
			"response_status", result.statusCode(),
			"latency_ms", result.latency.Milliseconds(),
			"success", result.success,
			"retryable", result.retryable)

		final := result.success || !result.retryable || n >= budget || ctx.Err() != nil

		patch := result.patch()
		patch.IncrementAttempt = true

		if final {
			return d.finish(store, logger, span, req, attempts, result, patch)
		}

		status := models.DistributionStatusRetrying
		lease := d.now().Add(d.LeaseDuration(partner))
		patch.Status = &status
		patch.LeaseExpiresAt = &lease

		_, err = d.entries.Update(store, entry.ID, patch)
		if err != nil {
			logger.ErrorContext(ctx, "failed to record dispatch attempt", "error", err)
			otelhelper.SetError(span, err)

			return abandoned(entry, attempts, result, err)
		}

		err = backoff.Wait(ctx, d.strategy, n)
		if err != nil {
			logger.WarnContext(ctx, "dispatch canceled while waiting to retry", "error", err)
			otelhelper.SetError(span, err)

			return d.fail(store, logger, req, attempts, attemptResult{
				status:  result.status,
				latency: result.latency,
				message: "canceled: " + err.Error(),
			})
		}
	}
}

// finish writes the terminal state of the row and bumps the partner counter.
func (d *Dispatcher) finish(ctx context.Context, logger *slog.Logger, span trace.Span, req Request, attempts int, result attemptResult, patch models.DistributionPatch) models.DispatchOutcome {
	status := models.DistributionStatusFailed
	if result.success {
		status = models.DistributionStatusSuccess
	}

	completed := d.now()
	patch.Status = &status
	patch.CompletedAt = &completed

	_, err := d.entries.Update(ctx, req.Entry.ID, patch)
	if err != nil {
		logger.ErrorContext(ctx, "failed to record dispatch outcome", "error", err)
		otelhelper.SetError(span, err)

		return abandoned(req.Entry, attempts, result, err)
	}

	d.recordOutcome(ctx, logger, req, result.success)

	if result.success {
		otelhelper.SetOK(span, attribute.Int(otelhelper.AttemptKey, attempts))
	} else {
		otelhelper.SetError(span, errors.New(result.message), attribute.Int(otelhelper.AttemptKey, attempts))
	}

	return result.outcome(req.Entry.ID, status, attempts)
}

// fail terminates the row without a new attempt.
func (d *Dispatcher) fail(ctx context.Context, logger *slog.Logger, req Request, attempts int, result attemptResult) models.DispatchOutcome {
	status := models.DistributionStatusFailed
	completed := d.now()
	message := result.message

	_, err := d.entries.Update(ctx, req.Entry.ID, models.DistributionPatch{
		Status:       &status,
		ErrorMessage: &message,
		CompletedAt:  &completed,
	})
	if err != nil {
		logger.ErrorContext(ctx, "failed to record dispatch failure", "error", err)

		return abandoned(req.Entry, attempts, result, err)
	}

	d.recordOutcome(ctx, logger, req, false)

	return result.outcome(req.Entry.ID, status, attempts)
}

// recordOutcome skips test rows; they never move partner counters.
func (d *Dispatcher) recordOutcome(ctx context.Context, logger *slog.Logger, req Request, success bool) {
	if req.Entry.IsTest {
		return
	}

	err := d.outcomes.RecordOutcome(ctx, req.Partner.ID, success)
	if err != nil {
		logger.ErrorContext(ctx, "failed to record partner outcome", "error", err)
	}
}

// abandoned reports a dispatch whose row could not be written. A row that went terminal under us
// (expired by the sweeper) is left alone; any other row is recovered by lease expiry.
func abandoned(entry *models.DistributionLogEntry, attempts int, result attemptResult, err error) models.DispatchOutcome {
	status := models.DistributionStatusFailed
	if !errors.Is(err, persistence.ErrEntryTerminal) {
		status = entry.Status
	}

	outcome := result.outcome(entry.ID, status, attempts)
	outcome.Success = false
	outcome.ErrorMessage = "ledger_error"

	return outcome
}

func (d *Dispatcher) resolveSecrets(partner *models.PartnerAPI) (secrets, error) {
	credential, err := d.vault.DecryptCredential(partner.AuthConfig)
	if err != nil {
		return secrets{}, ErrCredentialUnavailable
	}

	sec := secrets{credential: credential}

	if partner.SigningSecret != "" {
		sec.signing, err = d.vault.Decrypt(partner.SigningSecret)
		if err != nil {
			return secrets{}, ErrCredentialUnavailable
		}
	}

	sec.authName, sec.authValue, err = authHeader(partner.AuthMethod, credential)
	if err != nil {
		return secrets{}, err
	}

	if partner.AuthMethod == models.AuthMethodBasic {
		sec.basic = basicToken(credential)
	}

	return sec, nil
}

type attemptResult struct {
	status     *int
	statusText string
	body       string
	latency    time.Duration
	message    string
	success    bool
	retryable  bool
}

func (r attemptResult) statusCode() int {
	if r.status == nil {
		return 0
	}

	return *r.status
}

func (r attemptResult) patch() models.DistributionPatch {
	latency := r.latency.Milliseconds()
	patch := models.DistributionPatch{
		ResponseStatus: r.status,
		LatencyMs:      &latency,
		ErrorMessage:   &r.message,
	}

	if r.status != nil {
		body := r.body
		patch.ResponseBody = &body
	}

	return patch
}

func (r attemptResult) outcome(entryID string, status models.DistributionStatus, attempts int) models.DispatchOutcome {
	return models.DispatchOutcome{
		EntryID:        entryID,
		Status:         status,
		Success:        r.success,
		ResponseStatus: r.status,
		LatencyMs:      r.latency.Milliseconds(),
		Attempts:       attempts,
		ErrorMessage:   r.message,
	}
}

// attempt performs one HTTP exchange bounded by the partner timeout.
func (d *Dispatcher) attempt(ctx context.Context, req Request, sec secrets, n int) attemptResult {
	partner, entry := req.Partner, req.Entry

	ctx, span := otelhelper.StartSpan(ctx, d.tracer, "leadroute.dispatch.attempt",
		attribute.Int(otelhelper.AttemptKey, n),
		attribute.String(otelhelper.PartnerIDKey, partner.ID),
	)
	defer span.End()

	method := entry.HTTPMethod
	if method == "" {
		method = partner.HTTPMethod
	}

	target := entry.TargetURL
	if target == "" {
		target = partner.EndpointURL
	}

	attemptCtx, cancel := context.WithTimeout(ctx, partner.Timeout())
	defer cancel()

	hasBody := method != http.MethodGet && len(entry.Payload) > 0

	var body io.Reader
	if hasBody {
		body = bytes.NewReader(entry.Payload)
	}

	httpReq, err := http.NewRequestWithContext(attemptCtx, method, target, body)
	if err != nil {
		result := attemptResult{message: sec.scrub("invalid request: " + err.Error())}
		otelhelper.SetError(span, errors.New(result.message))

		return result
	}

	applyHeaders(httpReq.Header, partner, d.userAgent, hasBody)

	if sec.authName != "" {
		httpReq.Header.Set(sec.authName, sec.authValue)
	}

	if sec.signing != "" {
		signed := []byte(nil)
		if hasBody {
			signed = entry.Payload
		}

		httpReq.Header.Set(HeaderSignature, sign(sec.signing, signed))
		httpReq.Header.Set(HeaderTimestamp, strconv.FormatInt(d.now().Unix(), 10))
	}

	start := time.Now()
	resp, err := d.client.Do(httpReq)
	latency := time.Since(start)

	if err != nil {
		result := attemptResult{latency: latency, retryable: true}

		switch {
		case ctx.Err() != nil:
			result.message = "canceled: " + ctx.Err().Error()
			result.retryable = false
		case errors.Is(err, context.DeadlineExceeded):
			result.message = fmt.Sprintf("timeout after %dms", partner.Timeout().Milliseconds())
		default:
			result.message = sec.scrub("request failed: " + err.Error())
		}

		otelhelper.SetError(span, errors.New(result.message))

		return result
	}

	defer func() {
		_ = resp.Body.Close()
	}()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, models.MaxResponseBodyLength))
	if err != nil {
		d.logger.DebugContext(ctx, "partner response body read incomplete", "error", err)
	}

	status := resp.StatusCode
	result := attemptResult{
		status:     &status,
		statusText: http.StatusText(status),
		body:       sec.scrub(string(raw)),
		latency:    latency,
	}
	result.success, result.retryable = Classify(status)

	span.SetAttributes(attribute.Int(otelhelper.ResponseCodeKey, status))

	if !result.success {
		result.message = fmt.Sprintf("HTTP %d: %s", status, result.statusText)
		otelhelper.SetError(span, errors.New(result.message))
	}

	return result
}

// Classify maps a response status to success and retryability. 408 and 429 are the only
// retryable client errors.
func Classify(status int) (success, retryable bool) {
	switch {
	case status >= 200 && status < 300:
		return true, false
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests:
		return false, true
	case status >= 500:
		return false, true
	default:
		return false, false
	}
}
