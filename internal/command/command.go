// Package command implements the Command Service: issuing a control
// command, persisting it, dispatching it over the broker with bounded
// retry, and reconciling its status on publish success/failure.
package command

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zw834675966/ems/internal/broker"
	"github.com/zw834675966/ems/internal/domain"
	"github.com/zw834675966/ems/internal/store"
	"github.com/zw834675966/ems/internal/telemetry"
	"github.com/zw834675966/ems/internal/tenantctx"
)

// ErrDispatchFailed is surfaced to callers when publish retries are
// exhausted; the command itself is persisted as failed.
var ErrDispatchFailed = fmt.Errorf("command: dispatch failed after retries")

// IssueRequest is the caller-supplied shape of a new command.
type IssueRequest struct {
	Project    string         `json:"project"`
	Target     string         `json:"target"`
	Payload    map[string]any `json:"payload"`
	IssuedAtMs int64          `json:"issued_at_ms"`
}

// Service issues and dispatches commands. Concurrent Issue calls are
// independent: no shared mutable state beyond the injected stores.
type Service struct {
	commands store.CommandStore
	audit    store.AuditStore
	pub      broker.Publisher
	metrics  *telemetry.Metrics
	log      *zap.Logger

	qos         int
	maxRetries  int
	backoffBase time.Duration

	newID func() string
	nowMs func() int64
}

func New(commands store.CommandStore, audit store.AuditStore, pub broker.Publisher, metrics *telemetry.Metrics, log *zap.Logger, qos, maxRetries int, backoffBase time.Duration) *Service {
	return &Service{
		commands:    commands,
		audit:       audit,
		pub:         pub,
		metrics:     metrics,
		log:         log,
		qos:         qos,
		maxRetries:  maxRetries,
		backoffBase: backoffBase,
		newID:       func() string { return uuid.New().String() },
		nowMs:       func() int64 { return time.Now().UnixMilli() },
	}
}

// Issue persists a new command as `issued`, dispatches it with bounded
// exponential-backoff retry, and reconciles it to `accepted` or `failed`
// depending on dispatch outcome.
func (s *Service) Issue(ctx context.Context, tc tenantctx.TenantContext, req IssueRequest) (domain.Command, error) {
	issuedAt := req.IssuedAtMs
	if issuedAt == 0 {
		issuedAt = s.nowMs()
	}
	cmd := domain.Command{
		CommandID:  s.newID(),
		TenantID:   tc.TenantID,
		ProjectID:  req.Project,
		Target:     req.Target,
		Payload:    req.Payload,
		Status:     domain.StatusIssued,
		IssuedBy:   tc.UserID,
		IssuedAtMs: issuedAt,
	}
	if err := s.commands.Insert(ctx, tc, cmd); err != nil {
		return domain.Command{}, fmt.Errorf("persist command: %w", err)
	}
	s.metrics.CommandsIssued.Add(1)

	start := time.Now()
	dispatchErr := s.dispatchWithRetry(ctx, tc, cmd)
	s.metrics.CommandIssueLatency.Observe(time.Since(start).Milliseconds())

	if dispatchErr == nil {
		s.metrics.DispatchSuccesses.Add(1)
		next, _ := NextStatus(domain.StatusIssued, EventDispatchOK)
		if _, err := s.commands.TransitionFrom(ctx, tc, cmd.CommandID, FromStatesFor(EventDispatchOK), next); err != nil {
			s.log.Error("failed to transition command to accepted", zap.Error(err))
		}
		cmd.Status = next
		s.writeAudit(ctx, tc, cmd, "accepted")
		return cmd, nil
	}

	s.metrics.DispatchFailures.Add(1)
	next, _ := NextStatus(domain.StatusIssued, EventDispatchExhausted)
	if _, err := s.commands.TransitionFrom(ctx, tc, cmd.CommandID, FromStatesFor(EventDispatchExhausted), next); err != nil {
		s.log.Error("failed to transition command to failed", zap.Error(err))
	}
	cmd.Status = next
	s.writeAudit(ctx, tc, cmd, "failed")
	return cmd, ErrDispatchFailed
}

func (s *Service) dispatchWithRetry(ctx context.Context, tc tenantctx.TenantContext, cmd domain.Command) error {
	payload, err := marshalPayload(cmd.Payload)
	if err != nil {
		return fmt.Errorf("marshal command payload: %w", err)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.backoffBase
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(s.maxRetries)), ctx)

	return backoff.Retry(func() error {
		return s.pub.PublishCommand(ctx, tc.TenantID, cmd.ProjectID, cmd.Target, cmd.CommandID, payload, s.qos)
	}, policy)
}

func (s *Service) writeAudit(ctx context.Context, tc tenantctx.TenantContext, cmd domain.Command, result string) {
	rec := domain.AuditRecord{
		AuditID:   s.newID(),
		TenantID:  tc.TenantID,
		ProjectID: cmd.ProjectID,
		Actor:     cmd.IssuedBy,
		Action:    domain.ActionCommandIssue,
		Resource:  cmd.CommandID,
		Result:    result,
		TsMs:      s.nowMs(),
	}
	if err := s.audit.Insert(ctx, tc, rec); err != nil {
		s.log.Error("audit write failed", zap.Error(err))
	}
}
