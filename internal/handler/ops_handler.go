package handler

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/noah-isme/gema-grader/internal/config"
	"github.com/noah-isme/gema-grader/internal/service"
	"github.com/noah-isme/gema-grader/internal/utils"
)

// StatusProvider exposes the running tally of the current grading run.
type StatusProvider interface {
	Snapshot() service.Summary
}

// HealthResponse represents the payload returned by the health endpoint.
type HealthResponse struct {
	Status      string    `json:"status"`
	Timestamp   time.Time `json:"timestamp"`
	Service     string    `json:"service"`
	Environment string    `json:"environment"`
}

// StatusResponse is the running tally returned by the status endpoint.
type StatusResponse struct {
	RunID          string  `json:"run_id"`
	Completed      int     `json:"completed"`
	Failed         int     `json:"failed"`
	Total          int     `json:"total"`
	Interrupted    bool    `json:"interrupted"`
	Finished       bool    `json:"finished"`
	ElapsedSeconds float64 `json:"elapsed_seconds"`
	UptimeSeconds  float64 `json:"uptime_seconds"`
}

// OpsHandler serves health and progress information while a run is in flight.
type OpsHandler struct {
	cfg     config.Config
	status  StatusProvider
	started time.Time
	now     func() time.Time
}

// NewOpsHandler constructs the handler.
func NewOpsHandler(cfg config.Config, status StatusProvider) *OpsHandler {
	return &OpsHandler{cfg: cfg, status: status, started: time.Now(), now: time.Now}
}

// Register mounts the ops routes on the given router.
func (h *OpsHandler) Register(r fiber.Router) {
	r.Get("/health", h.Health)
	r.Get("/status", h.Status)
}

// Health reports that the worker process is alive.
func (h *OpsHandler) Health(c *fiber.Ctx) error {
	return utils.OK(c, HealthResponse{
		Status:      "ok",
		Timestamp:   h.now().UTC(),
		Service:     h.cfg.AppName,
		Environment: h.cfg.AppEnv,
	}, "service healthy")
}

// Status reports the latest run tally.
func (h *OpsHandler) Status(c *fiber.Ctx) error {
	if h.status == nil {
		return utils.Fail(c, fiber.StatusServiceUnavailable, "no grading run attached")
	}

	summary := h.status.Snapshot()
	if summary.RunID == "" {
		return utils.Fail(c, fiber.StatusServiceUnavailable, "grading run not started")
	}

	return utils.OK(c, StatusResponse{
		RunID:          summary.RunID,
		Completed:      summary.Completed,
		Failed:         summary.Failed,
		Total:          summary.Total(),
		Interrupted:    summary.Interrupted,
		Finished:       summary.Finished,
		ElapsedSeconds: summary.Elapsed.Seconds(),
		UptimeSeconds:  h.now().Sub(h.started).Seconds(),
	}, "")
}
