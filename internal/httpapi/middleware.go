package httpapi

import (
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/zw834675966/ems/internal/tenantctx"
)

// TenantContextMiddleware extracts the X-Internal-* headers injected by the
// upstream gateway after JWT verification (tenant id, user id, roles,
// permissions, active project) and attaches a tenantctx.TenantContext to
// the request context. Must run before any handler that calls
// tenantctx.FromContext.
func TenantContextMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()

			tenantID := req.Header.Get("X-Internal-Tenant-Id")
			userID := req.Header.Get("X-Internal-User-Id")
			tc := tenantctx.New(tenantID, userID)

			if roles := req.Header.Get("X-Internal-Roles"); roles != "" {
				tc.Roles = splitCSV(roles)
			}
			if perms := req.Header.Get("X-Internal-Permissions"); perms != "" {
				tc.Permissions = splitCSV(perms)
			}
			if project := req.Header.Get("X-Internal-Project-Id"); project != "" {
				tc = tc.WithProject(project)
			}

			c.SetRequest(req.WithContext(tenantctx.WithContext(req.Context(), tc)))
			return next(c)
		}
	}
}

func splitCSV(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// tenantFromContext is the handler-side counterpart: it fails closed with
// an empty, unusable TenantContext if the middleware never ran.
func tenantFromContext(c echo.Context) tenantctx.TenantContext {
	tc, ok := tenantctx.FromContext(c.Request().Context())
	if !ok {
		return tenantctx.TenantContext{}
	}
	return tc
}
