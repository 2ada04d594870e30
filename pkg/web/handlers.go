// Package web exposes the workflow and backup operations over a REST API.
package web

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dukex/repokeeper/pkg/backup"
	"github.com/dukex/repokeeper/pkg/config"
	"github.com/dukex/repokeeper/pkg/models"
	"github.com/dukex/repokeeper/pkg/persistence"
	"github.com/dukex/repokeeper/pkg/registry"
	"github.com/dukex/repokeeper/pkg/scheduler"
	"github.com/dukex/repokeeper/pkg/workflow"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
)

type APIHandlers struct {
	registry     *registry.Registry
	orchestrator *workflow.Orchestrator
	backups      *backup.Manager
	scheduler    *scheduler.Scheduler
	persistence  persistence.Persistence
	validator    *validator.Validate
}

func NewAPIHandlers(
	registry *registry.Registry,
	orchestrator *workflow.Orchestrator,
	backups *backup.Manager,
	scheduler *scheduler.Scheduler,
	persistence persistence.Persistence,
	validator *validator.Validate,
) *APIHandlers {
	return &APIHandlers{
		registry:     registry,
		orchestrator: orchestrator,
		backups:      backups,
		scheduler:    scheduler,
		persistence:  persistence,
		validator:    validator,
	}
}

func (h *APIHandlers) HealthCheck(c fiber.Ctx) error {
	status := "healthy"
	httpStatus := http.StatusOK
	check := "ok"

	err := h.persistence.HealthCheck(c.Context())
	if err != nil {
		status = "unhealthy"
		httpStatus = http.StatusInternalServerError
		check = err.Error()
	}

	return c.Status(httpStatus).JSON(fiber.Map{
		"status": status,
		"checkers": fiber.Map{
			"persistence": check,
		},
		"workflows": len(h.registry.List()),
		"timestamp": time.Now().UTC(),
	})
}

func (h *APIHandlers) ListWorkflows(c fiber.Ctx) error {
	return c.JSON(h.registry.List())
}

// RegisterWorkflow registers the JSON definition in the body. An identical
// re-registration succeeds; a different one needs ?overwrite=true.
func (h *APIHandlers) RegisterWorkflow(c fiber.Ctx) error {
	overwrite, err := parseBool(c.Query("overwrite"))
	if err != nil {
		return badRequest(c, "Invalid overwrite parameter: "+err.Error())
	}

	definition, err := config.ParseWorkflow(c.Body())
	if err != nil {
		return handleServiceError(c, err)
	}

	err = h.registry.Register(c.Context(), definition, overwrite)
	if err != nil {
		return handleServiceError(c, err)
	}

	registered, err := h.registry.Lookup(definition.Name)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(registered)
}

func (h *APIHandlers) GetWorkflow(c fiber.Ctx) error {
	definition, err := h.registry.Lookup(c.Params("name"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(definition)
}

func (h *APIHandlers) RemoveWorkflow(c fiber.Ctx) error {
	err := h.registry.Remove(c.Context(), c.Params("name"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

func (h *APIHandlers) DispatchWorkflow(c fiber.Ctx) error {
	var req DispatchRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	runID, err := h.orchestrator.Dispatch(c.Context(), c.Params("name"), req.Event)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusAccepted).JSON(DispatchResponse{RunID: runID})
}

// DispatchEvent starts a run of every workflow that declares the event.
func (h *APIHandlers) DispatchEvent(c fiber.Ctx) error {
	var req DispatchRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	runIDs, err := h.orchestrator.DispatchEvent(c.Context(), req.Event)
	if err != nil && len(runIDs) == 0 {
		return handleServiceError(c, err)
	}

	if runIDs == nil {
		runIDs = []string{}
	}

	return c.Status(fiber.StatusAccepted).JSON(DispatchEventResponse{RunIDs: runIDs})
}

func (h *APIHandlers) ListRuns(c fiber.Ctx) error {
	opts, err := parseListRunsOptions(c)
	if err != nil {
		return badRequest(c, "Invalid query parameters: "+err.Error())
	}

	if name := c.Params("name"); name != "" {
		opts.WorkflowName = name
	}

	runs, err := h.orchestrator.ListRuns(c.Context(), opts)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(runs)
}

func parseListRunsOptions(c fiber.Ctx) (persistence.ListRunsOptions, error) {
	opts := persistence.ListRunsOptions{
		WorkflowName: c.Query("workflow"),
	}

	if limitStr := c.Query("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil {
			return opts, err
		}

		opts.Limit = limit
	}

	if statusStr := c.Query("status"); statusStr != "" {
		for _, status := range strings.Split(statusStr, ",") {
			opts.Statuses = append(opts.Statuses, models.RunStatus(strings.TrimSpace(status)))
		}
	}

	return opts, nil
}

func (h *APIHandlers) GetRun(c fiber.Ctx) error {
	run, err := h.orchestrator.GetRun(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(run)
}

// CancelRun requests cancellation and returns without waiting for the run to stop.
func (h *APIHandlers) CancelRun(c fiber.Ctx) error {
	runID := c.Params("id")

	err := h.orchestrator.Cancel(c.Context(), runID)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusAccepted).JSON(DispatchResponse{RunID: runID})
}

func parseBool(value string) (bool, error) {
	if value == "" {
		return false, nil
	}

	return strconv.ParseBool(value)
}
