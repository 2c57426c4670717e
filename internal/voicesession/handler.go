package voicesession

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/eleven-am/sightline/internal/shared"
)

type Handler struct {
	manager *Manager
	logger  *slog.Logger
}

func NewHandler(manager *Manager, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{manager: manager, logger: logger}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("", h.Status)
	g.POST("", h.Start)
	g.DELETE("", h.Stop)
}

func (h *Handler) Start(c echo.Context) error {
	st, err := h.manager.Start(c.Request().Context())
	if err != nil {
		switch {
		case shared.IsPermissionError(err):
			return shared.Forbidden("camera_unavailable", err.Error())
		case shared.IsTransportError(err):
			return shared.BadGateway("transport_unavailable", err.Error())
		case errors.Is(err, ErrStoppedWhileStarting):
			return shared.Conflict("session_stopped", err.Error())
		default:
			h.logger.Error("session start failed", "error", err)
			return shared.InternalError("session_start_failed", err.Error())
		}
	}
	return c.JSON(http.StatusCreated, st)
}

func (h *Handler) Stop(c echo.Context) error {
	if err := h.manager.Stop(); err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return shared.NotFound("no_active_session", "no session is running")
		}
		return shared.InternalError("session_stop_failed", err.Error())
	}
	return c.JSON(http.StatusOK, h.manager.Status())
}

func (h *Handler) Status(c echo.Context) error {
	return c.JSON(http.StatusOK, h.manager.Status())
}
