package web

import (
	"github.com/leadroute/leadroute/pkg/models"
	"github.com/leadroute/leadroute/pkg/services"
)

// CreateWorkflowRequest represents the request body for creating a workflow. Nodes and edges may be
// omitted to create a draft.
type CreateWorkflowRequest struct {
	Name     string                 `json:"name"            validate:"required,min=1,max=255"`
	IsActive bool                   `json:"is_active"`
	Nodes    []*models.WorkflowNode `json:"nodes,omitempty" validate:"omitempty,dive"`
	Edges    []*models.WorkflowEdge `json:"edges,omitempty" validate:"omitempty,dive"`
}

// SaveGraphRequest represents the request body for replacing a workflow graph.
type SaveGraphRequest struct {
	Nodes   []*models.WorkflowNode `json:"nodes"   validate:"dive"`
	Edges   []*models.WorkflowEdge `json:"edges"   validate:"dive"`
	Version int                    `json:"version" validate:"min=0"`
}

// PatchWorkflowRequest renames or toggles a workflow.
// All fields are optional to support partial updates.
type PatchWorkflowRequest struct {
	Name     *string `json:"name,omitempty"      validate:"omitempty,min=1,max=255"`
	IsActive *bool   `json:"is_active,omitempty"`
}

// TestRunRequest shapes the synthetic submission of a test-run.
type TestRunRequest struct {
	ServiceType string         `json:"service_type,omitempty" validate:"max=50"`
	ZipCode     string         `json:"zip_code,omitempty"     validate:"max=20"`
	Answers     map[string]any `json:"answers,omitempty"`
}

// CreatePartnerRequest represents the request body for registering a partner.
type CreatePartnerRequest struct {
	Name          string             `json:"name"                     validate:"required,min=1,max=255"`
	EndpointURL   string             `json:"endpoint_url"             validate:"required,url"`
	HTTPMethod    string             `json:"http_method,omitempty"    validate:"omitempty,oneof=GET POST PUT PATCH"`
	AuthMethod    models.AuthMethod  `json:"auth_method,omitempty"    validate:"omitempty,oneof=api_key bearer basic custom_header none"`
	Credential    *models.Credential `json:"credential,omitempty"`
	SigningSecret string             `json:"signing_secret,omitempty"`
	Headers       map[string]string  `json:"headers,omitempty"`
	ServiceTypes  []string           `json:"service_types,omitempty"  validate:"max=20"`
	TimeoutMs     int                `json:"timeout_ms,omitempty"     validate:"omitempty,min=100,max=60000"`
	RetryCount    *int               `json:"retry_count,omitempty"    validate:"omitempty,min=0,max=10"`
	Notes         string             `json:"notes,omitempty"`
	IsActive      *bool              `json:"is_active,omitempty"`
}

// ToService converts the request into its service form.
func (r CreatePartnerRequest) ToService() services.CreatePartnerRequest {
	req := services.CreatePartnerRequest{
		Name:          r.Name,
		EndpointURL:   r.EndpointURL,
		HTTPMethod:    r.HTTPMethod,
		AuthMethod:    r.AuthMethod,
		SigningSecret: r.SigningSecret,
		Headers:       r.Headers,
		ServiceTypes:  r.ServiceTypes,
		TimeoutMs:     r.TimeoutMs,
		RetryCount:    r.RetryCount,
		Notes:         r.Notes,
		IsActive:      r.IsActive,
	}

	if r.Credential != nil {
		req.Credential = *r.Credential
	}

	return req
}

// UpdatePartnerRequest represents the request body for patching a partner.
// All fields are optional to support partial updates.
type UpdatePartnerRequest struct {
	Name          *string            `json:"name,omitempty"           validate:"omitempty,min=1,max=255"`
	EndpointURL   *string            `json:"endpoint_url,omitempty"   validate:"omitempty,url"`
	HTTPMethod    *string            `json:"http_method,omitempty"    validate:"omitempty,oneof=GET POST PUT PATCH"`
	AuthMethod    *models.AuthMethod `json:"auth_method,omitempty"    validate:"omitempty,oneof=api_key bearer basic custom_header none"`
	Credential    *models.Credential `json:"credential,omitempty"`
	SigningSecret *string            `json:"signing_secret,omitempty"`
	Headers       map[string]string  `json:"headers,omitempty"`
	ServiceTypes  []string           `json:"service_types,omitempty"  validate:"omitempty,max=20"`
	TimeoutMs     *int               `json:"timeout_ms,omitempty"     validate:"omitempty,min=100,max=60000"`
	RetryCount    *int               `json:"retry_count,omitempty"    validate:"omitempty,min=0,max=10"`
	Notes         *string            `json:"notes,omitempty"`
	IsActive      *bool              `json:"is_active,omitempty"`
}

// ToService converts the request into its service form.
func (r UpdatePartnerRequest) ToService() services.UpdatePartnerRequest {
	return services.UpdatePartnerRequest{
		Name:          r.Name,
		EndpointURL:   r.EndpointURL,
		HTTPMethod:    r.HTTPMethod,
		AuthMethod:    r.AuthMethod,
		Credential:    r.Credential,
		SigningSecret: r.SigningSecret,
		Headers:       r.Headers,
		ServiceTypes:  r.ServiceTypes,
		TimeoutMs:     r.TimeoutMs,
		RetryCount:    r.RetryCount,
		Notes:         r.Notes,
		IsActive:      r.IsActive,
	}
}

// PartnerResponse is a partner as exposed by the API. Credential material is reduced to flags.
type PartnerResponse struct {
	*models.PartnerAPI

	HasCredentials   bool `json:"has_credentials"`
	HasSigningSecret bool `json:"has_signing_secret"`
}

// NewPartnerResponse builds the response for a partner.
func NewPartnerResponse(partner *models.PartnerAPI) PartnerResponse {
	return PartnerResponse{
		PartnerAPI:       partner,
		HasCredentials:   partner.AuthConfig != "",
		HasSigningSecret: partner.SigningSecret != "",
	}
}

// CreatePartnerResponse carries the new partner and its auto-created workflow.
type CreatePartnerResponse struct {
	Partner  PartnerResponse  `json:"partner"`
	Workflow *models.Workflow `json:"workflow"`
}

// SubmissionRequest represents a lead handed over by the intake layer.
type SubmissionRequest struct {
	ID          string         `json:"id,omitempty"    validate:"omitempty,max=255"`
	ServiceType string         `json:"service_type"    validate:"required,max=50"`
	ZipCode     string         `json:"zip_code,omitempty"`
	Name        string         `json:"name,omitempty"`
	Email       string         `json:"email,omitempty" validate:"omitempty,email"`
	Phone       string         `json:"phone,omitempty"`
	Answers     map[string]any `json:"answers,omitempty"`
}

// ToModel converts the request into a submission.
func (r SubmissionRequest) ToModel() models.Submission {
	return models.Submission{
		ID:          r.ID,
		ServiceType: r.ServiceType,
		ZipCode:     r.ZipCode,
		Name:        r.Name,
		Email:       r.Email,
		Phone:       r.Phone,
		Answers:     r.Answers,
	}
}
