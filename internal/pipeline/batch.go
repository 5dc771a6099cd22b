package pipeline

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/zw834675966/ems/internal/domain"
	"github.com/zw834675966/ems/internal/tenantctx"
)

// writeBatch groups a batch by (tenant, project) and durably appends each
// group, retrying the whole group's append with exponential backoff on
// failure. This is a small hand-rolled state machine rather than
// cenkalti/backoff (see DESIGN.md): each failed attempt is logged with its
// attempt number, and exhaustion is counted in BatchWriteFailures.
func (p *Pipeline) writeBatch(ctx context.Context, batch []item) {
	groups := groupByTenantProject(batch)
	for key, group := range groups {
		p.writeGroup(ctx, key, group)
	}
}

type groupKey struct {
	tenant, project string
}

func groupByTenantProject(batch []item) map[groupKey][]item {
	groups := make(map[groupKey][]item)
	for _, it := range batch {
		k := groupKey{tenant: it.tc.TenantID, project: it.pv.ProjectID}
		groups[k] = append(groups[k], it)
	}
	return groups
}

func (p *Pipeline) writeGroup(ctx context.Context, key groupKey, group []item) {
	records := make([]domain.Measurement, len(group))
	for i, it := range group {
		records[i] = domain.Measurement{
			TenantID:  it.pv.TenantID,
			ProjectID: it.pv.ProjectID,
			PointID:   it.pv.PointID,
			TsMs:      it.pv.TsMs,
			Value:     it.pv.Value.String(),
			Quality:   it.pv.Quality,
		}
	}

	tc := tenantctx.New(key.tenant, "pipeline").WithProject(key.project)

	start := time.Now()
	if !p.appendWithRetry(ctx, tc, records) {
		p.metrics.BatchWriteFailures.Add(1)
		p.log.Error("durable append exhausted retries; batch dropped",
			zap.String("tenant", key.tenant), zap.String("project", key.project), zap.Int("records", len(records)))
		return
	}
	p.metrics.BatchWrites.Add(1)
	p.metrics.WriteLatency.Observe(time.Since(start).Milliseconds())

	for _, it := range group {
		p.upsertLastValue(ctx, tc, it)
		p.touchOnline(ctx, tc, it)
		p.metrics.EndToEndLatency.Observe(p.nowMs() - it.pv.TsMs)
	}
}

// appendWithRetry attempts the batch's durable append up to
// cfg.MaxRetries+1 times with exponential backoff, returning whether it
// eventually succeeded.
func (p *Pipeline) appendWithRetry(ctx context.Context, tc tenantctx.TenantContext, records []domain.Measurement) bool {
	delay := 50 * time.Millisecond
	for attempt := 0; attempt <= p.cfg.MaxRetries; attempt++ {
		err := p.measures.AppendBatch(ctx, tc, records)
		if err == nil {
			return true
		}
		p.log.Warn("durable append attempt failed",
			zap.Int("attempt", attempt), zap.Int("max_retries", p.cfg.MaxRetries), zap.Error(err))
		if attempt == p.cfg.MaxRetries {
			return false
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return false
		}
		delay *= 2
	}
	return false
}

func (p *Pipeline) upsertLastValue(ctx context.Context, tc tenantctx.TenantContext, it item) {
	lv := domain.LastValue{TsMs: it.pv.TsMs, Value: it.pv.Value.String(), Quality: it.pv.Quality}
	ttlSeconds := int64(p.lastValueTTL / time.Second)
	if err := p.realtime.UpsertLastValue(ctx, tc, it.pv.ProjectID, it.pv.PointID, lv, ttlSeconds); err != nil {
		p.log.Warn("last-value upsert failed", zap.Error(err))
		return
	}
	p.metrics.LastValueUpserts.Add(1)
}

func (p *Pipeline) touchOnline(ctx context.Context, tc tenantctx.TenantContext, it item) {
	if it.pv.GatewayID != "" {
		p.online.Touch(ctx, tc, it.pv.ProjectID, "gateway", it.pv.GatewayID)
		p.metrics.OnlineTouches.Add(1)
	}
	if it.pv.DeviceID != "" {
		p.online.Touch(ctx, tc, it.pv.ProjectID, "device", it.pv.DeviceID)
		p.metrics.OnlineTouches.Add(1)
	}
}
