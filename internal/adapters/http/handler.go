package http

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/tandemtools/standman/internal/core/domain"
	"go.uber.org/zap"
)

// Fleet is the slice of the engine's API the presentation layer consumes.
type Fleet interface {
	ListAndRefresh(ctx context.Context) ([]domain.StandInfo, error)
	Logs(ctx context.Context, name, tail string) ([]byte, error)
	Start(ctx context.Context, name string) error
	Stop(ctx context.Context, name string) error
	BackupAll(ctx context.Context) error
	UpdateAll(ctx context.Context) error
	BackupAndUpdateAll(ctx context.Context) error
	QueueStatus() map[string][]string
}

type StandHandler struct {
	fleet Fleet
	log   *zap.SugaredLogger
}

func NewStandHandler(fleet Fleet, log *zap.SugaredLogger) *StandHandler {
	return &StandHandler{fleet: fleet, log: log}
}

// RegisterRoutes attaches the API to a fiber app.
func (h *StandHandler) RegisterRoutes(app *fiber.App) {
	api := app.Group("/api")
	v1 := api.Group("/v1")

	stands := v1.Group("/stands")
	stands.Get("/", h.ListStands)
	stands.Post("/:name/start", h.StartStand)
	stands.Post("/:name/stop", h.StopStand)
	stands.Get("/:name/logs", h.StandLogs)

	actions := v1.Group("/actions")
	actions.Post("/backup_all", h.BackupAll)
	actions.Post("/update_all", h.UpdateAll)
	actions.Post("/backup_and_update", h.BackupAndUpdateAll)

	v1.Get("/queues", h.QueueStatus)
}

func (h *StandHandler) ListStands(c *fiber.Ctx) error {
	infos, err := h.fleet.ListAndRefresh(c.Context())
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(infos)
}

func (h *StandHandler) StartStand(c *fiber.Ctx) error {
	name := c.Params("name")
	if name == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Stand name is required",
		})
	}
	if err := h.fleet.Start(c.Context(), name); err != nil {
		return h.fail(c, err)
	}
	return c.JSON(fiber.Map{"result": "Done"})
}

func (h *StandHandler) StopStand(c *fiber.Ctx) error {
	name := c.Params("name")
	if name == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Stand name is required",
		})
	}
	if err := h.fleet.Stop(c.Context(), name); err != nil {
		return h.fail(c, err)
	}
	return c.JSON(fiber.Map{"result": "Done"})
}

func (h *StandHandler) StandLogs(c *fiber.Ctx) error {
	name := c.Params("name")
	if name == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Stand name is required",
		})
	}
	logs, err := h.fleet.Logs(c.Context(), name, c.Query("tail", "150"))
	if err != nil {
		return h.fail(c, err)
	}
	c.Set("Content-Type", "text/plain")
	return c.Send(logs)
}

func (h *StandHandler) BackupAll(c *fiber.Ctx) error {
	if err := h.fleet.BackupAll(c.Context()); err != nil {
		return h.fail(c, err)
	}
	return c.JSON(fiber.Map{"result": "Done"})
}

func (h *StandHandler) UpdateAll(c *fiber.Ctx) error {
	if err := h.fleet.UpdateAll(c.Context()); err != nil {
		return h.fail(c, err)
	}
	return c.JSON(fiber.Map{"result": "Done"})
}

func (h *StandHandler) BackupAndUpdateAll(c *fiber.Ctx) error {
	if err := h.fleet.BackupAndUpdateAll(c.Context()); err != nil {
		return h.fail(c, err)
	}
	return c.JSON(fiber.Map{"result": "Done"})
}

func (h *StandHandler) QueueStatus(c *fiber.Ctx) error {
	return c.JSON(h.fleet.QueueStatus())
}

// fail maps the engine's error kinds onto HTTP statuses.
func (h *StandHandler) fail(c *fiber.Ctx, err error) error {
	status := fiber.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrStandNotFound):
		status = fiber.StatusNotFound
	case errors.Is(err, domain.ErrNoResources), errors.Is(err, domain.ErrQueueBusy):
		status = fiber.StatusConflict
	}
	if status == fiber.StatusInternalServerError {
		h.log.Errorw("request failed", "path", c.Path(), "error", err)
	}
	return c.Status(status).JSON(fiber.Map{
		"error": err.Error(),
	})
}
