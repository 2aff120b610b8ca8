// Package web provides HTTP handlers and REST API endpoints for workflow, partner and ledger administration.
package web

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/leadroute/leadroute/pkg/services"
)

type APIHandlers struct {
	workflowService     *services.Workflow
	partnerService      *services.Partner
	distributionService *services.Distribution
	submissionService   *services.Submission
	validator           *validator.Validate
	logger              *slog.Logger
}

func NewAPIHandlers(
	workflowService *services.Workflow,
	partnerService *services.Partner,
	distributionService *services.Distribution,
	submissionService *services.Submission,
	validator *validator.Validate,
	logger *slog.Logger,
) *APIHandlers {
	return &APIHandlers{
		workflowService:     workflowService,
		partnerService:      partnerService,
		distributionService: distributionService,
		submissionService:   submissionService,
		validator:           validator,
		logger:              logger.With("module", "api"),
	}
}

// Register mounts every admin route on the router.
func (h *APIHandlers) Register(router fiber.Router) {
	w := router.Group("/workflows")
	w.Get("/", h.GetWorkflows)
	w.Post("/", h.CreateWorkflow)
	w.Get("/:id", h.GetWorkflow)
	w.Put("/:id", h.SaveWorkflowGraph)
	w.Patch("/:id", h.PatchWorkflow)
	w.Delete("/:id", h.DeleteWorkflow)
	w.Post("/:id/test-run", h.TestRunWorkflow)

	p := router.Group("/partners")
	p.Get("/", h.GetPartners)
	p.Post("/", h.CreatePartner)
	p.Get("/:id", h.GetPartner)
	p.Patch("/:id", h.UpdatePartner)
	p.Delete("/:id", h.DeletePartner)
	p.Post("/:id/toggle", h.TogglePartner)
	p.Post("/:id/test", h.ProbePartner)

	router.Get("/distribution-logs", h.GetDistributionLogs)
	router.Post("/distribution-logs/:id/retry", h.RetryDistribution)
	router.Get("/distribution-stats", h.GetDistributionStats)

	router.Post("/submissions", h.CreateSubmission)

	router.Get("/health", h.HealthCheck)
}

func (h *APIHandlers) HealthCheck(c fiber.Ctx) error {
	repositoryCheck, ok := h.workflowService.HealthCheck(c.Context())

	status := "unhealthy"
	message := "LeadRoute API is unhealthy"
	httpStatus := http.StatusInternalServerError

	if ok {
		status = "healthy"
		message = "LeadRoute API is healthy"
		httpStatus = http.StatusOK
	}

	return c.Status(httpStatus).JSON(fiber.Map{
		"status":  status,
		"message": message,
		"checkers": fiber.Map{
			"repository": repositoryCheck,
		},
		"timestamp": time.Now().UTC(),
	})
}

func (h *APIHandlers) GetWorkflows(c fiber.Ctx) error {
	workflows, err := h.workflowService.List(c.Context())
	if err != nil {
		return handleServiceError(c, h.logger, err)
	}

	return c.JSON(fiber.Map{
		"workflows":   workflows,
		"total_count": len(workflows),
	})
}

func (h *APIHandlers) GetWorkflow(c fiber.Ctx) error {
	workflow, err := h.workflowService.FetchByID(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, h.logger, err)
	}

	return c.JSON(workflow)
}

func (h *APIHandlers) CreateWorkflow(c fiber.Ctx) error {
	var req CreateWorkflowRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	created, err := h.workflowService.Create(c.Context(), services.CreateWorkflowRequest{
		Name:     req.Name,
		IsActive: req.IsActive,
		Nodes:    req.Nodes,
		Edges:    req.Edges,
	})
	if err != nil {
		return handleServiceError(c, h.logger, err)
	}

	return c.Status(fiber.StatusCreated).JSON(created)
}

func (h *APIHandlers) SaveWorkflowGraph(c fiber.Ctx) error {
	var req SaveGraphRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	saved, err := h.workflowService.SaveGraph(c.Context(), c.Params("id"), services.SaveGraphRequest{
		Nodes:   req.Nodes,
		Edges:   req.Edges,
		Version: req.Version,
	})
	if err != nil {
		return handleServiceError(c, h.logger, err)
	}

	return c.JSON(saved)
}

func (h *APIHandlers) PatchWorkflow(c fiber.Ctx) error {
	var req PatchWorkflowRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	updated, err := h.workflowService.Patch(c.Context(), c.Params("id"), services.PatchWorkflowRequest{
		Name:     req.Name,
		IsActive: req.IsActive,
	})
	if err != nil {
		return handleServiceError(c, h.logger, err)
	}

	return c.JSON(updated)
}

func (h *APIHandlers) DeleteWorkflow(c fiber.Ctx) error {
	err := h.workflowService.Delete(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, h.logger, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

func (h *APIHandlers) TestRunWorkflow(c fiber.Ctx) error {
	var req TestRunRequest

	if len(c.Body()) > 0 {
		if err := c.Bind().JSON(&req); err != nil {
			return badRequest(c, "Invalid JSON format")
		}
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	result, err := h.workflowService.TestRun(c.Context(), c.Params("id"), services.TestRunRequest{
		ServiceType: req.ServiceType,
		ZipCode:     req.ZipCode,
		Answers:     req.Answers,
	})
	if err != nil {
		return handleServiceError(c, h.logger, err)
	}

	return c.JSON(result)
}

func (h *APIHandlers) GetPartners(c fiber.Ctx) error {
	partners, err := h.partnerService.List(c.Context())
	if err != nil {
		return handleServiceError(c, h.logger, err)
	}

	response := make([]PartnerResponse, 0, len(partners))
	for _, partner := range partners {
		response = append(response, NewPartnerResponse(partner))
	}

	return c.JSON(fiber.Map{
		"partners":    response,
		"total_count": len(response),
	})
}

func (h *APIHandlers) GetPartner(c fiber.Ctx) error {
	partner, err := h.partnerService.FetchByID(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, h.logger, err)
	}

	return c.JSON(NewPartnerResponse(partner))
}

func (h *APIHandlers) CreatePartner(c fiber.Ctx) error {
	var req CreatePartnerRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	partner, workflow, err := h.partnerService.Create(c.Context(), req.ToService())
	if err != nil {
		return handleServiceError(c, h.logger, err)
	}

	return c.Status(fiber.StatusCreated).JSON(CreatePartnerResponse{
		Partner:  NewPartnerResponse(partner),
		Workflow: workflow,
	})
}

func (h *APIHandlers) UpdatePartner(c fiber.Ctx) error {
	var req UpdatePartnerRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	partner, err := h.partnerService.Update(c.Context(), c.Params("id"), req.ToService())
	if err != nil {
		return handleServiceError(c, h.logger, err)
	}

	return c.JSON(NewPartnerResponse(partner))
}

func (h *APIHandlers) DeletePartner(c fiber.Ctx) error {
	err := h.partnerService.Delete(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, h.logger, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

func (h *APIHandlers) TogglePartner(c fiber.Ctx) error {
	partner, err := h.partnerService.Toggle(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, h.logger, err)
	}

	return c.JSON(NewPartnerResponse(partner))
}

func (h *APIHandlers) ProbePartner(c fiber.Ctx) error {
	result, err := h.partnerService.Probe(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, h.logger, err)
	}

	return c.JSON(result)
}

func (h *APIHandlers) GetDistributionLogs(c fiber.Ctx) error {
	req, err := h.parseListDistributionRequest(c)
	if err != nil {
		return badRequest(c, "Invalid query parameters: "+err.Error())
	}

	page, err := h.distributionService.List(c.Context(), *req)
	if err != nil {
		return handleServiceError(c, h.logger, err)
	}

	return c.JSON(page)
}

// parseListDistributionRequest parses the query parameters for listing ledger rows.
func (h *APIHandlers) parseListDistributionRequest(c fiber.Ctx) (*services.ListDistributionRequest, error) {
	req := &services.ListDistributionRequest{
		PartnerAPIID: c.Query("partner_api_id"),
		SubmissionID: c.Query("submission_id"),
		Status:       c.Query("status"),
		From:         c.Query("from"),
		To:           c.Query("to"),
	}

	if pageStr := c.Query("page"); pageStr != "" {
		page, err := strconv.Atoi(pageStr)
		if err != nil {
			return nil, err
		}

		req.Page = page
	}

	if limitStr := c.Query("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil {
			return nil, err
		}

		req.Limit = limit
	}

	if testStr := c.Query("test"); testStr != "" {
		test, err := strconv.ParseBool(testStr)
		if err != nil {
			return nil, err
		}

		req.Test = &test
	}

	return req, nil
}

func (h *APIHandlers) RetryDistribution(c fiber.Ctx) error {
	outcome, err := h.distributionService.Retry(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, h.logger, err)
	}

	return c.JSON(outcome)
}

func (h *APIHandlers) GetDistributionStats(c fiber.Ctx) error {
	stats, err := h.distributionService.Stats(c.Context(), c.Query("partner_api_id"))
	if err != nil {
		return handleServiceError(c, h.logger, err)
	}

	return c.JSON(stats)
}

func (h *APIHandlers) CreateSubmission(c fiber.Ctx) error {
	var req SubmissionRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	accepted, err := h.submissionService.Submit(c.Context(), req.ToModel(), "api")
	if err != nil {
		return handleServiceError(c, h.logger, err)
	}

	return c.Status(fiber.StatusAccepted).JSON(accepted)
}
