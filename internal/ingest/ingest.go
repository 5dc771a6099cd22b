// Package ingest wires the broker's data subscription to the normalizer
// and the write pipeline, the way notification-service's EventConsumer
// wires a subscription straight to a dispatcher: a thin adapter with no
// state of its own beyond the collaborators it holds.
package ingest

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/zw834675966/ems/internal/broker"
	"github.com/zw834675966/ems/internal/domain"
	"github.com/zw834675966/ems/internal/normalizer"
	"github.com/zw834675966/ems/internal/pipeline"
	"github.com/zw834675966/ems/internal/telemetry"
	"github.com/zw834675966/ems/internal/tenantctx"
)

// Listener turns raw data-subject messages into normalized, pipelined
// point values.
type Listener struct {
	sub     broker.DataSubscriber
	topics  broker.Topics
	norm    *normalizer.Normalizer
	pipe    *pipeline.Pipeline
	metrics *telemetry.Metrics
	log     *zap.Logger
}

func New(sub broker.DataSubscriber, topics broker.Topics, norm *normalizer.Normalizer, pipe *pipeline.Pipeline, metrics *telemetry.Metrics, log *zap.Logger) *Listener {
	return &Listener{sub: sub, topics: topics, norm: norm, pipe: pipe, metrics: metrics, log: log}
}

// Start subscribes to the data-ingest wildcard subject. Malformed topics
// and normalize failures are logged and counted, never propagated: a bad
// message must not stall ingest for its neighbors.
func (l *Listener) Start(ctx context.Context) error {
	return l.sub.SubscribeData(ctx, func(subject string, payload []byte, receivedAtMs int64) {
		l.handle(ctx, subject, payload, receivedAtMs)
	})
}

func (l *Listener) handle(ctx context.Context, subject string, payload []byte, receivedAtMs int64) {
	l.metrics.RawEvents.Add(1)

	parsed, err := l.topics.ParseData(subject)
	if err != nil {
		l.metrics.InvalidPayload.Add(1)
		l.log.Warn("dropping data message on malformed topic", zap.String("subject", subject), zap.Error(err))
		return
	}

	tc := tenantctx.New(parsed.Tenant, "ingest").WithProject(parsed.Project)
	ev := domain.RawEvent{
		Tenant:       parsed.Tenant,
		Project:      parsed.Project,
		SourceID:     parsed.SourceID,
		Address:      parsed.Address,
		Payload:      payload,
		ReceivedAtMs: receivedAtMs,
	}

	pv, err := l.norm.Normalize(ctx, tc, ev)
	if err != nil {
		var nerr *normalizer.NormalizeError
		if errors.As(err, &nerr) && nerr.Kind == normalizer.NoMapping {
			l.metrics.NoMapping.Add(1)
		} else {
			l.metrics.InvalidPayload.Add(1)
		}
		l.log.Debug("dropping unnormalizable data message",
			zap.String("tenant", parsed.Tenant), zap.String("project", parsed.Project),
			zap.String("address", parsed.Address), zap.Error(err))
		return
	}

	l.pipe.Handle(tc, pv)
}
