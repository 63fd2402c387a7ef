package updates

import (
	"context"
	"errors"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/whaletrack-dev/api/pkg/response"
	"github.com/whaletrack-dev/api/pkg/runs"
	"github.com/whaletrack-dev/api/pkg/updates"
)

// UpdateService is the orchestration surface the handlers depend on
type UpdateService interface {
	GetCurrent(ctx context.Context, opts updates.Options) (*updates.Entry, error)
}

// ScheduleService reports the next scheduled update check
type ScheduleService interface {
	NextScheduled(ctx context.Context) (time.Time, bool, error)
}

// Handler handles update-tracking HTTP requests
type Handler struct {
	service  UpdateService
	schedule ScheduleService
	ledger   runs.Ledger
}

// NewHandler creates a new updates handler
func NewHandler(service UpdateService, schedule ScheduleService, ledger runs.Ledger) *Handler {
	return &Handler{
		service:  service,
		schedule: schedule,
		ledger:   ledger,
	}
}

// GetUpdates handles GET /updates
// Serves the cached view, refreshing the container listing only when the
// cache is empty or stale. Never triggers registry traffic.
func (h *Handler) GetUpdates(c echo.Context) error {
	entry, err := h.service.GetCurrent(c.Request().Context(), updates.Options{
		Scope: c.QueryParam("environment"),
	})
	if err != nil {
		return mapServiceError(c, err)
	}
	return response.OK(c, "Tracked containers retrieved", toResponse(entry))
}

// CheckUpdates handles POST /updates/check
// Runs a full refresh including registry comparison
func (h *Handler) CheckUpdates(c echo.Context) error {
	var req CheckRequest
	if err := c.Bind(&req); err != nil {
		return response.BadRequest(c, "Invalid request body")
	}
	if err := c.Validate(&req); err != nil {
		return response.BadRequest(c, err.Error())
	}

	entry, err := h.service.GetCurrent(c.Request().Context(), updates.Options{
		ForceFullRefresh: true,
		Scope:            req.Environment,
	})
	if err != nil {
		return mapServiceError(c, err)
	}
	return response.OK(c, "Update check completed", toResponse(entry))
}

// GetSchedule handles GET /updates/schedule
func (h *Handler) GetSchedule(c echo.Context) error {
	next, ok, err := h.schedule.NextScheduled(c.Request().Context())
	if err != nil {
		return response.InternalServerError(c, "Failed to compute schedule")
	}

	resp := ScheduleResponse{Enabled: ok}
	if ok {
		resp.NextRun = &next
	}
	return response.OK(c, "Schedule retrieved", resp)
}

// GetRuns handles GET /updates/runs
func (h *Handler) GetRuns(c echo.Context) error {
	records, err := h.ledger.Recent(c.Request().Context(), runs.JobTypeUpdateCheck)
	if err != nil {
		return response.InternalServerError(c, "Failed to read run history")
	}
	return response.OK(c, "Run history retrieved", RunsResponse{
		Runs:  records,
		Total: len(records),
	})
}

// mapServiceError translates the orchestrator's error taxonomy to HTTP
func mapServiceError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, updates.ErrRateLimitExceeded):
		return response.TooManyRequests(c, "Registry rate limit exceeded, retry later")
	case errors.Is(err, updates.ErrSourceUnavailable):
		return response.BadGateway(c, err.Error())
	default:
		return response.InternalServerError(c, err.Error())
	}
}
