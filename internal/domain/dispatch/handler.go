package dispatch

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/dispatch/internal/platform/auth"
	"github.com/ehr/dispatch/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/dispatch", auth.RequireRole("admin", "billing"))
	g.GET("/jobs", h.ListJobs)
	g.GET("/jobs/:id", h.GetJob)
	g.POST("/jobs", h.EnqueueJob)
	g.POST("/jobs/:id/replay", h.ReplayJob)
	g.POST("/jobs/:id/dead-letter", h.DeadLetterJob)
	g.POST("/contracts/validate", h.ValidateContract)
	g.GET("/readiness", h.Readiness)
	g.GET("/dead-letters/summary", h.DeadLetterSummary)
}

func (h *Handler) ListJobs(c echo.Context) error {
	pg := pagination.FromContext(c)
	f := ListFilter{EncounterID: c.QueryParam("encounter_id")}
	if s := c.QueryParam("status"); s != "" {
		st, ok := ParseStatus(s)
		if !ok {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid status")
		}
		f.Status = st
	}
	items, total, err := h.svc.ListJobs(c.Request().Context(), f, pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg))
}

func (h *Handler) GetJob(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	j, err := h.svc.GetJob(c.Request().Context(), id)
	if err != nil {
		return jobError(err)
	}
	return c.JSON(http.StatusOK, j)
}

func (h *Handler) EnqueueJob(c echo.Context) error {
	var req EnqueueRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	j, err := h.svc.Enqueue(c.Request().Context(), req)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusCreated, j)
}

func (h *Handler) ReplayJob(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	j, err := h.svc.Replay(c.Request().Context(), id)
	if err != nil {
		return jobError(err)
	}
	return c.JSON(http.StatusOK, j)
}

type deadLetterRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) DeadLetterJob(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	// An empty body or reason records DefaultDeadLetterReason.
	var req deadLetterRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	j, err := h.svc.MarkDeadLetter(c.Request().Context(), id, req.Reason)
	if err != nil {
		return jobError(err)
	}
	return c.JSON(http.StatusOK, j)
}

func (h *Handler) ValidateContract(c echo.Context) error {
	var req ValidateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusOK, h.svc.ValidateContract(req))
}

func (h *Handler) Readiness(c echo.Context) error {
	return c.JSON(http.StatusOK, h.svc.Readiness())
}

func (h *Handler) DeadLetterSummary(c echo.Context) error {
	s, err := h.svc.DeadLetterSummary(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, s)
}

func jobError(err error) error {
	switch {
	case errors.Is(err, ErrJobNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "dispatch job not found")
	case errors.Is(err, ErrAlreadyDispatched), errors.Is(err, ErrJobInFlight):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
