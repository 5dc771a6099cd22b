// Package store defines the narrow, independently-mockable store
// interfaces the core depends on, per design note §9 ("trait-based store
// abstractions... model as a capability set per store"). Concrete
// implementations live in store/pg (PostgreSQL via pgx) and
// store/rediskv (Redis); internal/storetest provides in-memory fakes for
// tests. Every method except CommandStore.ListAcceptedOlderThan (the
// reaper's cross-tenant sweep) takes a tenantctx.TenantContext and must
// enforce the tenant predicate internally.
package store

import (
	"context"

	"github.com/zw834675966/ems/internal/domain"
	"github.com/zw834675966/ems/internal/tenantctx"
)

// MeasurementStore appends durable time-series rows.
type MeasurementStore interface {
	// AppendBatch durably appends all records in a single call. Records
	// may span multiple (tenant,project) pairs; implementations that
	// require homogeneity group internally.
	AppendBatch(ctx context.Context, tc tenantctx.TenantContext, records []domain.Measurement) error
}

// MappingStore resolves point configuration. Read-only for the core.
type MappingStore interface {
	// Lookup resolves (tenant,project,sourceType,address,sourceID) to a
	// mapping. sourceID may be empty to match mappings keyed without one.
	Lookup(ctx context.Context, tc tenantctx.TenantContext, project, sourceType, address, sourceID string) (domain.PointMapping, error)
}

// ErrMappingNotFound is returned by MappingStore.Lookup on a miss.
var ErrMappingNotFound = errNotFound("mapping not found")

// ErrNotFound is returned by store lookups, other than MappingStore.Lookup,
// that find no matching row (e.g. CommandStore.Get on an unknown command id).
var ErrNotFound = errNotFound("not found")

type errNotFound string

func (e errNotFound) Error() string { return string(e) }

// RealtimeStore is the fast key/value cache: last-value mirror and
// gateway/device online markers.
type RealtimeStore interface {
	UpsertLastValue(ctx context.Context, tc tenantctx.TenantContext, project, pointID string, v domain.LastValue, ttl int64) error
	GetLastValue(ctx context.Context, tc tenantctx.TenantContext, project, pointID string) (domain.LastValue, bool, error)

	// Touch marks kind ("gateway"|"device") id as seen at nowMs, with the
	// given TTL in seconds (0 = no expiry).
	Touch(ctx context.Context, tc tenantctx.TenantContext, project, kind, id string, nowMs int64, ttlSeconds int64) error
	// IsOnline reports whether a prior Touch for (kind,id) has not yet expired.
	IsOnline(ctx context.Context, tc tenantctx.TenantContext, project, kind, id string) (bool, error)
}

// CommandStore persists commands and enforces the state machine's
// conditional transitions.
type CommandStore interface {
	Insert(ctx context.Context, tc tenantctx.TenantContext, cmd domain.Command) error
	Get(ctx context.Context, tc tenantctx.TenantContext, commandID string) (domain.Command, error)

	// TransitionFrom atomically updates status to next IF AND ONLY IF the
	// stored status is one of fromAny ("update where status in {...}"),
	// preventing lost updates between the command service, the receipt
	// listener, and the reaper. Returns (applied=false, nil) if the row was
	// already in a different state (no-op, not an error).
	TransitionFrom(ctx context.Context, tc tenantctx.TenantContext, commandID string, fromAny []domain.CommandStatus, next domain.CommandStatus) (applied bool, err error)

	// ListAcceptedOlderThan returns commands in "accepted" issued before
	// cutoffMs, for the timeout reaper.
	ListAcceptedOlderThan(ctx context.Context, cutoffMs int64) ([]domain.Command, error)
}

// ReceiptStore appends receipt rows. Many per command are allowed.
type ReceiptStore interface {
	Insert(ctx context.Context, tc tenantctx.TenantContext, r domain.CommandReceipt) error
}

// AuditStore appends audit records.
type AuditStore interface {
	Insert(ctx context.Context, tc tenantctx.TenantContext, rec domain.AuditRecord) error
}
