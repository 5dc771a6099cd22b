package httpapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/zw834675966/ems/internal/command"
	"github.com/zw834675966/ems/internal/normalizer"
	"github.com/zw834675966/ems/internal/storetest"
	"github.com/zw834675966/ems/internal/telemetry"
)

type noopPublisher struct{}

func (noopPublisher) PublishCommand(ctx context.Context, tenant, project, target, commandID string, payload []byte, qos int) error {
	return nil
}

func newTestServer(t *testing.T) *echo.Echo {
	t.Helper()
	commands := storetest.NewCommandStore()
	audit := storetest.NewAuditStore()
	metrics := telemetry.New()
	svc := command.New(commands, audit, noopPublisher{}, metrics, zaptest.NewLogger(t), 1, 1, time.Millisecond)
	cache, err := normalizer.NewMappingCache(10)
	require.NoError(t, err)

	h := New(svc, metrics, cache, zaptest.NewLogger(t), func() bool { return true })

	e := echo.New()
	e.Use(TenantContextMiddleware())
	RegisterRoutes(e, h)
	return e
}

func TestHealthzAlwaysOK(t *testing.T) {
	e := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestReadyzReflectsReadyFunc(t *testing.T) {
	metrics := telemetry.New()
	h := New(nil, metrics, nil, zaptest.NewLogger(t), func() bool { return false })
	e := echo.New()
	RegisterRoutes(e, h)

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMetricsSnapshotReturnsJSON(t *testing.T) {
	e := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/metrics/snapshot", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "raw_events")
}

func TestIssueCommandRequiresTenantContext(t *testing.T) {
	e := newTestServer(t)
	body := strings.NewReader(`{"project":"p1","target":"gw1"}`)
	req := httptest.NewRequest(http.MethodPost, "/control/commands", body)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestIssueCommandSucceedsWithTenantHeader(t *testing.T) {
	e := newTestServer(t)
	body := strings.NewReader(`{"project":"p1","target":"gw1","payload":{"op":"reboot"}}`)
	req := httptest.NewRequest(http.MethodPost, "/control/commands", body)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req.Header.Set("X-Internal-Tenant-Id", "t1")
	req.Header.Set("X-Internal-User-Id", "u1")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Contains(t, rec.Body.String(), "\"status\":\"accepted\"")
}

func TestBumpMappingRequiresProject(t *testing.T) {
	e := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/internal/mappings/bump", strings.NewReader(`{}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req.Header.Set("X-Internal-Tenant-Id", "t1")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBumpMappingSucceeds(t *testing.T) {
	e := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/internal/mappings/bump", strings.NewReader(`{"project":"p1"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req.Header.Set("X-Internal-Tenant-Id", "t1")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}
