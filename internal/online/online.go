// Package online implements the Online Tracker: best-effort gateway/device
// liveness refreshed on every successful ingest, backed by the fast KV
// store's TTL keys.
package online

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/zw834675966/ems/internal/store"
	"github.com/zw834675966/ems/internal/tenantctx"
)

// defaultTTL is the online-marker lifetime absent an explicit config value.
const defaultTTL = 60 * time.Second

// Tracker refreshes per-gateway and per-device liveness markers. Failures
// are logged, never propagated: a missed touch degrades "is this device
// online" reporting, it never blocks ingest.
type Tracker struct {
	store store.RealtimeStore
	ttl   time.Duration
	log   *zap.Logger
	nowMs func() int64
}

func New(rt store.RealtimeStore, ttl time.Duration, log *zap.Logger) *Tracker {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Tracker{store: rt, ttl: ttl, log: log, nowMs: func() int64 { return time.Now().UnixMilli() }}
}

// Touch refreshes the liveness marker for kind ("gateway" or "device") and
// id. Errors are logged and swallowed.
func (t *Tracker) Touch(ctx context.Context, tc tenantctx.TenantContext, project, kind, id string) {
	if id == "" {
		return
	}
	err := t.store.Touch(ctx, tc, project, kind, id, t.nowMs(), int64(t.ttl/time.Second))
	if err != nil {
		t.log.Warn("online touch failed", zap.String("kind", kind), zap.String("id", id), zap.Error(err))
	}
}

// IsOnline reports whether kind/id currently has a live marker. A store
// error is treated as offline, since liveness is best-effort.
func (t *Tracker) IsOnline(ctx context.Context, tc tenantctx.TenantContext, project, kind, id string) bool {
	online, err := t.store.IsOnline(ctx, tc, project, kind, id)
	if err != nil {
		t.log.Warn("online lookup failed", zap.String("kind", kind), zap.String("id", id), zap.Error(err))
		return false
	}
	return online
}
