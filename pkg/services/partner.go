package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/leadroute/leadroute/pkg/dispatcher"
	"github.com/leadroute/leadroute/pkg/models"
	"github.com/leadroute/leadroute/pkg/persistence"
	"github.com/leadroute/leadroute/pkg/vault"
	"github.com/leadroute/leadroute/pkg/workflow"
)

// reservedHeaders are set by the dispatcher and cannot be configured as static headers.
var reservedHeaders = []string{
	"Authorization",
	dispatcher.HeaderAPIKey,
	dispatcher.HeaderSignature,
	dispatcher.HeaderTimestamp,
	"Content-Type",
	"Content-Length",
	"Host",
}

type Partner struct {
	persistence persistence.Persistence
	vault       *vault.Vault
	dispatcher  *dispatcher.Dispatcher
	validate    *validator.Validate
	logger      *slog.Logger
}

// NewPartner creates a new partner service.
func NewPartner(
	persistence persistence.Persistence,
	v *vault.Vault,
	sender *dispatcher.Dispatcher,
	logger *slog.Logger,
) *Partner {
	return &Partner{
		persistence: persistence,
		vault:       v,
		dispatcher:  sender,
		validate:    validator.New(validator.WithRequiredStructEnabled()),
		logger:      logger.With("module", "partner_service"),
	}
}

func (p *Partner) List(ctx context.Context) ([]*models.PartnerAPI, error) {
	partners, err := p.persistence.PartnerRepository().GetAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list partners: %w", err)
	}

	return partners, nil
}

func (p *Partner) FetchByID(ctx context.Context, id string) (*models.PartnerAPI, error) {
	return p.persistence.PartnerRepository().GetByID(ctx, id)
}

// CreatePartnerRequest carries a new partner with its plaintext credential.
type CreatePartnerRequest struct {
	Name          string
	EndpointURL   string
	HTTPMethod    string
	AuthMethod    models.AuthMethod
	Credential    models.Credential
	SigningSecret string
	Headers       map[string]string
	ServiceTypes  []string
	TimeoutMs     int
	RetryCount    *int
	Notes         string
	IsActive      *bool
}

// Create stores the partner with encrypted credentials and creates its inactive routing workflow.
func (p *Partner) Create(ctx context.Context, req CreatePartnerRequest) (*models.PartnerAPI, *models.Workflow, error) {
	partner := &models.PartnerAPI{
		Name:         strings.TrimSpace(req.Name),
		EndpointURL:  strings.TrimSpace(req.EndpointURL),
		HTTPMethod:   strings.ToUpper(req.HTTPMethod),
		AuthMethod:   req.AuthMethod,
		Headers:      req.Headers,
		ServiceTypes: req.ServiceTypes,
		TimeoutMs:    req.TimeoutMs,
		RetryCount:   models.DefaultPartnerRetries,
		Notes:        req.Notes,
		IsActive:     true,
	}

	if req.RetryCount != nil {
		partner.RetryCount = *req.RetryCount
	}

	if req.IsActive != nil {
		partner.IsActive = *req.IsActive
	}

	partner.ApplyDefaults()

	err := p.check("Create", partner)
	if err != nil {
		return nil, nil, err
	}

	err = checkCredential("Create", partner.AuthMethod, req.Credential)
	if err != nil {
		return nil, nil, err
	}

	err = p.seal(partner, &req.Credential, &req.SigningSecret)
	if err != nil {
		return nil, nil, err
	}

	err = p.persistence.PartnerRepository().Save(ctx, partner)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create partner: %w", err)
	}

	wf := workflow.PartnerWorkflow(partner)

	err = p.persistence.WorkflowRepository().Save(ctx, wf)
	if err != nil {
		_ = p.persistence.PartnerRepository().Delete(ctx, partner.ID)

		return nil, nil, fmt.Errorf("failed to create partner workflow: %w", err)
	}

	p.logger.InfoContext(ctx, "partner created",
		"partner_api_id", partner.ID,
		"auth_method", partner.AuthMethod,
		"workflow_id", wf.ID)

	return partner, wf, nil
}

// UpdatePartnerRequest patches a partner. A nil field is left unchanged. A non-nil Credential or
// SigningSecret is re-encrypted; an empty SigningSecret removes signing.
type UpdatePartnerRequest struct {
	Name          *string
	EndpointURL   *string
	HTTPMethod    *string
	AuthMethod    *models.AuthMethod
	Credential    *models.Credential
	SigningSecret *string
	Headers       map[string]string
	ServiceTypes  []string
	TimeoutMs     *int
	RetryCount    *int
	Notes         *string
	IsActive      *bool
}

// Update applies the patch. Changing the auth method requires a new credential unless it becomes none.
func (p *Partner) Update(ctx context.Context, id string, req UpdatePartnerRequest) (*models.PartnerAPI, error) {
	partner, err := p.persistence.PartnerRepository().GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if req.Name != nil {
		partner.Name = strings.TrimSpace(*req.Name)
	}

	if req.EndpointURL != nil {
		partner.EndpointURL = strings.TrimSpace(*req.EndpointURL)
	}

	if req.HTTPMethod != nil {
		partner.HTTPMethod = strings.ToUpper(*req.HTTPMethod)
	}

	if req.AuthMethod != nil && *req.AuthMethod != partner.AuthMethod {
		partner.AuthMethod = *req.AuthMethod

		if req.Credential == nil && partner.AuthMethod != models.AuthMethodNone {
			return nil, NewValidationError("Update", "CREDENTIAL_REQUIRED",
				fmt.Sprintf("auth method %s requires new credentials", partner.AuthMethod), ErrInvalidCredential)
		}
	}

	if req.Headers != nil {
		partner.Headers = req.Headers
	}

	if req.ServiceTypes != nil {
		partner.ServiceTypes = models.SanitizeServiceTypes(req.ServiceTypes)
	}

	if req.TimeoutMs != nil {
		partner.TimeoutMs = *req.TimeoutMs
	}

	if req.RetryCount != nil {
		partner.RetryCount = *req.RetryCount
	}

	if req.Notes != nil {
		partner.Notes = *req.Notes
	}

	if req.IsActive != nil {
		partner.IsActive = *req.IsActive
	}

	err = p.check("Update", partner)
	if err != nil {
		return nil, err
	}

	if req.Credential != nil {
		err = checkCredential("Update", partner.AuthMethod, *req.Credential)
		if err != nil {
			return nil, err
		}
	}

	err = p.seal(partner, req.Credential, req.SigningSecret)
	if err != nil {
		return nil, err
	}

	err = p.persistence.PartnerRepository().Save(ctx, partner)
	if err != nil {
		return nil, fmt.Errorf("failed to update partner: %w", err)
	}

	p.logger.InfoContext(ctx, "partner updated",
		"partner_api_id", partner.ID,
		"credentials_changed", req.Credential != nil,
		"signing_changed", req.SigningSecret != nil)

	return partner, nil
}

// Toggle flips whether the partner receives leads. It takes effect on the next dispatch.
func (p *Partner) Toggle(ctx context.Context, id string) (*models.PartnerAPI, error) {
	partner, err := p.persistence.PartnerRepository().GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	partner.IsActive = !partner.IsActive

	err = p.persistence.PartnerRepository().Save(ctx, partner)
	if err != nil {
		return nil, fmt.Errorf("failed to toggle partner: %w", err)
	}

	p.logger.InfoContext(ctx, "partner toggled", "partner_api_id", id, "is_active", partner.IsActive)

	return partner, nil
}

// Delete removes the partner and its auto-created workflow. It is refused while any other workflow
// routes to the partner; the store checks and deletes atomically so no reference is left dangling.
// Ledger history keeps the partner id.
func (p *Partner) Delete(ctx context.Context, id string) error {
	err := p.persistence.PartnerRepository().Delete(ctx, id)

	var refErr *persistence.ReferenceError
	if errors.As(err, &refErr) {
		return NewConflictError("Delete", "PARTNER_IN_USE",
			fmt.Sprintf("partner is used by workflow %q", refErr.WorkflowName), ErrPartnerInUse)
	}

	if err != nil {
		return err
	}

	p.logger.InfoContext(ctx, "partner deleted", "partner_api_id", id)

	return nil
}

// Probe sends one test request with the partner's real configuration.
func (p *Partner) Probe(ctx context.Context, id string) (*dispatcher.ProbeResult, error) {
	partner, err := p.persistence.PartnerRepository().GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	result := p.dispatcher.Probe(ctx, partner)

	return &result, nil
}

func (p *Partner) check(op string, partner *models.PartnerAPI) error {
	err := p.validate.Struct(partner)
	if err != nil {
		return NewValidationError(op, "INVALID_PARTNER", err.Error(), ErrInvalidPartner)
	}

	for name := range partner.Headers {
		for _, reserved := range reservedHeaders {
			if http.CanonicalHeaderKey(name) == http.CanonicalHeaderKey(reserved) {
				return NewValidationError(op, "RESERVED_HEADER", fmt.Sprintf("header %s is reserved", name), ErrReservedHeader)
			}
		}
	}

	return nil
}

func checkCredential(op string, method models.AuthMethod, credential models.Credential) error {
	var missing string

	switch method {
	case models.AuthMethodAPIKey:
		if credential.APIKey == "" {
			missing = "api_key"
		}
	case models.AuthMethodBearer:
		if credential.BearerToken == "" {
			missing = "bearer_token"
		}
	case models.AuthMethodBasic:
		if credential.Username == "" {
			missing = "username"
		}
	case models.AuthMethodCustomHeader:
		if credential.HeaderName == "" || credential.HeaderValue == "" {
			missing = "header_name and header_value"
		}
	case models.AuthMethodNone:
	}

	if missing != "" {
		return NewValidationError(op, "CREDENTIAL_REQUIRED",
			fmt.Sprintf("auth method %s requires %s", method, missing), ErrInvalidCredential)
	}

	return nil
}

// seal encrypts the supplied credential and signing secret onto the partner. Nil leaves the stored value.
func (p *Partner) seal(partner *models.PartnerAPI, credential *models.Credential, signingSecret *string) error {
	if credential != nil {
		if partner.AuthMethod == models.AuthMethodNone || credential.IsZero() {
			partner.AuthConfig = ""
		} else {
			envelope, err := p.vault.EncryptCredential(*credential)
			if err != nil {
				return fmt.Errorf("failed to encrypt partner credentials: %w", err)
			}

			partner.AuthConfig = envelope
		}
	}

	if signingSecret != nil {
		partner.SigningSecret = ""

		if *signingSecret != "" {
			envelope, err := p.vault.Encrypt(*signingSecret)
			if err != nil {
				return fmt.Errorf("failed to encrypt signing secret: %w", err)
			}

			partner.SigningSecret = envelope
		}
	}

	return nil
}
