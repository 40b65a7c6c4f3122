package server

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	core "github.com/mohammad-safakhou/deepreport/internal/agent/core"
	"github.com/mohammad-safakhou/deepreport/internal/ledger"
	"github.com/mohammad-safakhou/deepreport/internal/store"
)

// runStore is the slice of the store the runs handler needs.
type runStore interface {
	CreateRun(ctx context.Context, id, userID, query, status string) error
	FinishRun(ctx context.Context, runID string, status string, errMsg *string) error
	GetRun(ctx context.Context, runID string) (store.Run, bool, error)
	ListRuns(ctx context.Context, userID string) ([]store.Run, error)
	SaveResultBundle(ctx context.Context, b core.ResultBundle) error
	GetResultBundle(ctx context.Context, runID string) (core.ResultBundle, bool, error)
	SaveProvenance(ctx context.Context, runID string, records []ledger.Record) error
	ListProvenance(ctx context.Context, runID string) ([]ledger.Record, error)
}

type RunsHandler struct {
	store  runStore
	orch   *core.Orchestrator
	logger *log.Logger
}

func NewRunsHandler(st runStore, orch *core.Orchestrator) *RunsHandler {
	return &RunsHandler{
		store:  st,
		orch:   orch,
		logger: log.New(log.Writer(), "[RUNS] ", log.LstdFlags),
	}
}

func (h *RunsHandler) Register(g *echo.Group, secret []byte) {
	g.Use(AuthMiddleware(secret))
	g.POST("", h.create)
	g.GET("", h.list)
	g.GET("/:run_id", h.status)
	g.GET("/:run_id/result", h.result)
	g.GET("/:run_id/provenance", h.provenance)
	g.DELETE("/:run_id", h.cancel)
}

// create accepts a research query and starts a run in the background.
func (h *RunsHandler) create(c echo.Context) error {
	userID := c.Get("user_id").(string)
	var req RunCreateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	runID, err := h.orch.StartResearch(c.Request().Context(), core.ResearchRequest{
		Query:        req.Query,
		UserID:       userID,
		Requirements: req.Requirements,
		Options:      req.Options,
		Depth:        req.Depth,
		MaxSources:   req.MaxSources,
		Preferences:  req.Preferences,
	})
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.store.CreateRun(c.Request().Context(), runID, userID, req.Query, string(core.RunExecuting)); err != nil {
		_ = h.orch.Cancel(runID)
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	go persistRunResult(h.store, h.orch, h.logger, runID)

	return c.JSON(http.StatusAccepted, IDResponse{ID: runID})
}

// persistRunResult blocks until the run finishes and writes the bundle,
// its provenance trail and the final run status to the store.
func persistRunResult(st runStore, orch *core.Orchestrator, logger *log.Logger, runID string) {
	if err := orch.Wait(runID); err != nil {
		logger.Printf("wait for run %s: %v", runID, err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	bundle, err := orch.Result(runID)
	if err != nil {
		_ = st.FinishRun(ctx, runID, string(core.RunFailed), strPtr(err.Error()))
		return
	}
	if err := st.SaveResultBundle(ctx, bundle); err != nil {
		logger.Printf("save bundle for run %s: %v", runID, err)
	}
	if err := st.SaveProvenance(ctx, runID, bundle.Citations); err != nil {
		logger.Printf("save provenance for run %s: %v", runID, err)
	}
	var errMsg *string
	if bundle.Error != "" {
		errMsg = strPtr(bundle.Error)
	}
	if err := st.FinishRun(ctx, runID, string(bundle.State), errMsg); err != nil {
		logger.Printf("finish run %s: %v", runID, err)
	}
}

func (h *RunsHandler) list(c echo.Context) error {
	userID := c.Get("user_id").(string)
	items, err := h.store.ListRuns(c.Request().Context(), userID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if items == nil {
		items = []store.Run{}
	}
	return c.JSON(http.StatusOK, items)
}

// status returns the live snapshot while the run is moving, falling back
// to the stored row once the orchestrator has forgotten the run.
func (h *RunsHandler) status(c echo.Context) error {
	rec, err := h.ownedRun(c)
	if err != nil {
		return err
	}
	if st, err := h.orch.Poll(rec.ID); err == nil {
		return c.JSON(http.StatusOK, st)
	}
	return c.JSON(http.StatusOK, rec)
}

func (h *RunsHandler) result(c echo.Context) error {
	rec, err := h.ownedRun(c)
	if err != nil {
		return err
	}
	if bundle, ok, err := h.store.GetResultBundle(c.Request().Context(), rec.ID); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	} else if ok {
		return c.JSON(http.StatusOK, bundle)
	}
	// not persisted yet; the run may have just finished
	if bundle, err := h.orch.Result(rec.ID); err == nil {
		return c.JSON(http.StatusOK, bundle)
	}
	return echo.NewHTTPError(http.StatusNotFound, "result not ready")
}

func (h *RunsHandler) provenance(c echo.Context) error {
	rec, err := h.ownedRun(c)
	if err != nil {
		return err
	}
	records, err := h.store.ListProvenance(c.Request().Context(), rec.ID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if records == nil {
		records = []ledger.Record{}
	}
	return c.JSON(http.StatusOK, records)
}

func (h *RunsHandler) cancel(c echo.Context) error {
	rec, err := h.ownedRun(c)
	if err != nil {
		return err
	}
	if err := h.orch.Cancel(rec.ID); err != nil {
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	return c.NoContent(http.StatusAccepted)
}

// ownedRun loads the run named in the path and checks it belongs to the
// authenticated user.
func (h *RunsHandler) ownedRun(c echo.Context) (store.Run, error) {
	userID := c.Get("user_id").(string)
	runID := c.Param("run_id")
	rec, ok, err := h.store.GetRun(c.Request().Context(), runID)
	if err != nil {
		return store.Run{}, echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if !ok || rec.UserID != userID {
		return store.Run{}, echo.NewHTTPError(http.StatusNotFound, "run not found")
	}
	return rec, nil
}

func strPtr(s string) *string { return &s }
