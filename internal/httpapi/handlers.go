// Package httpapi is the backplane's HTTP surface: health/readiness
// probes, a metrics snapshot endpoint, the mapping-cache admin bump, and
// command issuance, all mounted on a single echo.Echo instance.
package httpapi

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/zw834675966/ems/internal/command"
	"github.com/zw834675966/ems/internal/normalizer"
	"github.com/zw834675966/ems/internal/telemetry"
)

// Handler bundles the collaborators the HTTP surface depends on.
type Handler struct {
	commands *command.Service
	metrics  *telemetry.Metrics
	cache    *normalizer.MappingCache // optional; nil if caching is disabled
	log      *zap.Logger

	ready func() bool
}

func New(commands *command.Service, metrics *telemetry.Metrics, cache *normalizer.MappingCache, log *zap.Logger, ready func() bool) *Handler {
	return &Handler{commands: commands, metrics: metrics, cache: cache, log: log, ready: ready}
}

// RegisterRoutes mounts all backplane HTTP routes.
func RegisterRoutes(e *echo.Echo, h *Handler) {
	e.GET("/healthz", h.Healthz)
	e.GET("/readyz", h.Readyz)
	e.GET("/metrics/snapshot", h.MetricsSnapshot)
	e.POST("/internal/mappings/bump", h.BumpMapping)
	e.POST("/control/commands", h.IssueCommand)
}

// GET /healthz: liveness, always 200 once the process is up.
func (h *Handler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// GET /readyz: readiness, reflects whatever startup-completion check the
// composition root wired in (store connectivity, broker subscriptions).
func (h *Handler) Readyz(c echo.Context) error {
	if h.ready != nil && !h.ready() {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ready"})
}

// GET /metrics/snapshot: point-in-time view of the atomic counters and
// latency tallies, for an external reader that doesn't want a full metrics
// pipeline.
func (h *Handler) MetricsSnapshot(c echo.Context) error {
	return c.JSON(http.StatusOK, h.metrics.Snapshot())
}

// POST /internal/mappings/bump { "project": "...", ... } forces the
// mapping cache to drop every entry for the caller's tenant/project, so the
// CRUD collaborator's writes are visible on the very next ingest event.
func (h *Handler) BumpMapping(c echo.Context) error {
	tc := tenantFromContext(c)
	if tc.TenantID == "" {
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "missing tenant context"})
	}
	var req struct {
		Project string `json:"project"`
	}
	if err := c.Bind(&req); err != nil || req.Project == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "project is required"})
	}
	if h.cache != nil {
		h.cache.Bump(tc.TenantID, req.Project)
	}
	return c.NoContent(http.StatusNoContent)
}

// POST /control/commands { "project", "target", "payload", "issued_at_ms"? }
func (h *Handler) IssueCommand(c echo.Context) error {
	tc := tenantFromContext(c)
	if tc.TenantID == "" {
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "missing tenant context"})
	}

	var req command.IssueRequest
	if err := c.Bind(&req); err != nil || req.Project == "" || req.Target == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "project and target are required"})
	}

	cmd, err := h.commands.Issue(c.Request().Context(), tc, req)
	if err != nil {
		h.log.Warn("command dispatch failed", zap.String("command_id", cmd.CommandID), zap.Error(err))
		return c.JSON(http.StatusAccepted, cmd) // persisted as failed; caller can poll status
	}
	return c.JSON(http.StatusAccepted, cmd)
}
