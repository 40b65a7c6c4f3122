package server

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"strings"

	"github.com/gorhill/cronexpr"
	"github.com/labstack/echo/v4"

	"github.com/mohammad-safakhou/deepreport/internal/store"
)

type scheduleAPIStore interface {
	CreateSchedule(ctx context.Context, userID, query, cron string, depth int) (string, error)
	ListSchedules(ctx context.Context, userID string) ([]store.Schedule, error)
	SetScheduleEnabled(ctx context.Context, id, userID string, enabled bool) error
	DeleteSchedule(ctx context.Context, id, userID string) error
}

type SchedulesHandler struct {
	Store scheduleAPIStore
}

func (h *SchedulesHandler) Register(g *echo.Group, secret []byte) {
	g.Use(AuthMiddleware(secret))
	g.POST("", h.create)
	g.GET("", h.list)
	g.PATCH("/:schedule_id", h.update)
	g.DELETE("/:schedule_id", h.remove)
}

func (h *SchedulesHandler) create(c echo.Context) error {
	userID := c.Get("user_id").(string)
	var req ScheduleCreateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if strings.TrimSpace(req.Query) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "query required")
	}
	if err := validateCron(req.Cron); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	id, err := h.Store.CreateSchedule(c.Request().Context(), userID, req.Query, req.Cron, req.Depth)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusCreated, IDResponse{ID: id})
}

func (h *SchedulesHandler) list(c echo.Context) error {
	userID := c.Get("user_id").(string)
	items, err := h.Store.ListSchedules(c.Request().Context(), userID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if items == nil {
		items = []store.Schedule{}
	}
	return c.JSON(http.StatusOK, items)
}

func (h *SchedulesHandler) update(c echo.Context) error {
	userID := c.Get("user_id").(string)
	var req ScheduleUpdateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	err := h.Store.SetScheduleEnabled(c.Request().Context(), c.Param("schedule_id"), userID, req.Enabled)
	if errors.Is(err, sql.ErrNoRows) {
		return echo.NewHTTPError(http.StatusNotFound, "schedule not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusOK)
}

func (h *SchedulesHandler) remove(c echo.Context) error {
	userID := c.Get("user_id").(string)
	err := h.Store.DeleteSchedule(c.Request().Context(), c.Param("schedule_id"), userID)
	if errors.Is(err, sql.ErrNoRows) {
		return echo.NewHTTPError(http.StatusNotFound, "schedule not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusOK)
}

func validateCron(spec string) error {
	switch spec {
	case "@daily", "@hourly":
		return nil
	}
	if _, err := cronexpr.Parse(spec); err != nil {
		return errors.New("invalid cron expression")
	}
	return nil
}
