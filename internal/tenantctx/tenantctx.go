// Package tenantctx carries the request-scoped tenant/project identity:
// identity and scope travelling with every store call. It is the Go
// analogue of go-core/middleware's typed context keys, widened to hold a
// full tenant scope rather than three bare strings, and to be passed
// explicitly into store methods rather than re-read from context.Context
// at the bottom of the call stack.
package tenantctx

import (
	"context"
	"errors"
)

// ErrForbidden is returned by store methods when a call's project scope
// does not match the tenant/project of the resource being touched.
var ErrForbidden = errors.New("forbidden: tenant/project scope mismatch")

// TenantContext is the identity and scope that must accompany every store
// call. The zero value is intentionally unusable, construct with New.
type TenantContext struct {
	TenantID    string
	UserID      string
	Roles       []string
	Permissions []string

	// ProjectID is the active project scope, if any. Empty means the
	// caller is not scoped to a single project (e.g. a tenant-wide admin
	// operation); store methods that operate on a specific project must
	// still verify ProjectID (when set) matches the resource's project.
	ProjectID string
}

// New constructs a TenantContext. tenantID must be non-empty.
func New(tenantID, userID string) TenantContext {
	return TenantContext{TenantID: tenantID, UserID: userID}
}

// WithProject returns a copy scoped to the given project.
func (t TenantContext) WithProject(projectID string) TenantContext {
	t.ProjectID = projectID
	return t
}

// CheckScope enforces the tenant-isolation invariant: any
// operation crossing a project boundary is rejected. resourceTenant and
// resourceProject are the tenant/project the targeted row actually belongs
// to. An empty t.ProjectID means "not project-scoped" and only the tenant
// id is checked.
func (t TenantContext) CheckScope(resourceTenant, resourceProject string) error {
	if t.TenantID == "" || t.TenantID != resourceTenant {
		return ErrForbidden
	}
	if t.ProjectID != "" && resourceProject != "" && t.ProjectID != resourceProject {
		return ErrForbidden
	}
	return nil
}

// HasPermission reports whether the tenant context carries the given
// permission slug. Permission/role enforcement itself is the HTTP/auth
// collaborator's job; the core only consults
// this when a store operation needs a belt-and-suspenders check.
func (t TenantContext) HasPermission(perm string) bool {
	for _, p := range t.Permissions {
		if p == perm {
			return true
		}
	}
	return false
}

type ctxKey string

const tenantCtxKey ctxKey = "ems.tenant_context"

// WithContext attaches a TenantContext to a context.Context, for the rare
// case a deeply-nested helper needs to recover it without threading it
// through every signature (e.g. inside a broker callback).
func WithContext(ctx context.Context, tc TenantContext) context.Context {
	return context.WithValue(ctx, tenantCtxKey, tc)
}

// FromContext recovers a TenantContext previously attached with WithContext.
func FromContext(ctx context.Context) (TenantContext, bool) {
	tc, ok := ctx.Value(tenantCtxKey).(TenantContext)
	return tc, ok
}
