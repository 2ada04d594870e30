package web

import (
	"github.com/dukex/repokeeper/pkg/backup"
	"github.com/dukex/repokeeper/pkg/models"
	"github.com/gofiber/fiber/v3"
)

func (h *APIHandlers) ListBackups(c fiber.Ctx) error {
	records, err := h.backups.ListBackups(c.Context(), c.Query("dir"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(records)
}

func (h *APIHandlers) CreateBackup(c fiber.Ctx) error {
	var req CreateBackupRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	record, err := h.backups.CreateBackup(c.Context(), req.RepoPath, req.DestDir, backup.CreateOptions{
		Excludes: req.Excludes,
	})
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(record)
}

func (h *APIHandlers) GetBackup(c fiber.Ctx) error {
	record, err := h.backups.GetBackup(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(record)
}

func (h *APIHandlers) DeleteBackup(c fiber.Ctx) error {
	err := h.backups.DeleteBackup(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

func (h *APIHandlers) RestoreBackup(c fiber.Ctx) error {
	var req RestoreRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	err := h.backups.Restore(c.Context(), c.Params("id"), req.TargetPath, req.Force)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

func (h *APIHandlers) PruneBackups(c fiber.Ctx) error {
	var req PruneRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	pruned, err := h.backups.Prune(c.Context(), req.DestDir, req.RepoPath, req.RetentionDays)
	if err != nil {
		return handleServiceError(c, err)
	}

	if pruned == nil {
		pruned = []*models.BackupRecord{}
	}

	return c.JSON(PruneResponse{Pruned: pruned})
}

func (h *APIHandlers) ListSchedules(c fiber.Ctx) error {
	schedules, err := h.scheduler.ListSchedules(c.Context())
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(schedules)
}

// SaveSchedule creates a schedule (POST) or replaces the one named in the path (PUT).
func (h *APIHandlers) SaveSchedule(c fiber.Ctx) error {
	var schedule models.BackupSchedule
	if err := c.Bind().JSON(&schedule); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	status := fiber.StatusCreated

	if id := c.Params("id"); id != "" {
		schedule.ID = id
		status = fiber.StatusOK
	}

	saved, err := h.scheduler.ScheduleBackup(c.Context(), &schedule)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(status).JSON(saved)
}

func (h *APIHandlers) GetSchedule(c fiber.Ctx) error {
	schedule, err := h.scheduler.GetSchedule(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(schedule)
}

func (h *APIHandlers) RemoveSchedule(c fiber.Ctx) error {
	err := h.scheduler.RemoveSchedule(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}
