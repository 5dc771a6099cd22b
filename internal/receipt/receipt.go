// Package receipt implements the Receipt Listener: a long-running
// subscription over the receipt topic wildcard that correlates each
// message to a command, writes a receipt row, and reconciles command
// status.
package receipt

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/zw834675966/ems/internal/broker"
	"github.com/zw834675966/ems/internal/command"
	"github.com/zw834675966/ems/internal/domain"
	"github.com/zw834675966/ems/internal/store"
	"github.com/zw834675966/ems/internal/telemetry"
	"github.com/zw834675966/ems/internal/tenantctx"
)

// Listener subscribes to the receipt topic wildcard and reconciles command
// status on every message.
type Listener struct {
	sub      broker.ReceiptSubscriber
	topics   broker.Topics
	commands store.CommandStore
	receipts store.ReceiptStore
	audit    store.AuditStore
	metrics  *telemetry.Metrics
	log      *zap.Logger

	newID func() string
	nowMs func() int64
}

func New(sub broker.ReceiptSubscriber, topics broker.Topics, commands store.CommandStore, receipts store.ReceiptStore, audit store.AuditStore, metrics *telemetry.Metrics, log *zap.Logger, newID func() string) *Listener {
	return &Listener{
		sub:      sub,
		topics:   topics,
		commands: commands,
		receipts: receipts,
		audit:    audit,
		metrics:  metrics,
		log:      log,
		newID:    newID,
		nowMs:    func() int64 { return time.Now().UnixMilli() },
	}
}

// Start begins the durable pull subscription; it returns once the
// subscription is established, continuing to process messages in the
// background until ctx is cancelled.
func (l *Listener) Start(ctx context.Context, durableName string) error {
	return l.sub.SubscribeReceipts(ctx, durableName, l.handle)
}

func (l *Listener) handle(ctx context.Context, subject string, payload []byte, receivedAtMs int64) error {
	tenant, project, commandID, err := l.topics.ParseReceipt(subject)
	if err != nil {
		l.metrics.ReceiptsProcessed.Add(1)
		return &broker.PoisonPillError{Err: fmt.Errorf("parse receipt topic %q: %w", subject, err)}
	}

	decoded, err := decodePayload(payload)
	if err != nil {
		l.metrics.ReceiptsProcessed.Add(1)
		return &broker.PoisonPillError{Err: fmt.Errorf("decode receipt payload: %w", err)}
	}

	tc := tenantctx.New(tenant, "receipt-listener").WithProject(project)
	cmd, err := l.commands.Get(ctx, tc, commandID)
	if err != nil {
		l.metrics.ReceiptsProcessed.Add(1)
		return &broker.PoisonPillError{Err: fmt.Errorf("receipt for unknown or out-of-scope command %s: %w", commandID, err)}
	}
	if cmd.TenantID != tenant || cmd.ProjectID != project {
		l.metrics.ReceiptsProcessed.Add(1)
		return &broker.PoisonPillError{Err: fmt.Errorf("receipt tenant/project %s/%s does not match command %s/%s", tenant, project, cmd.TenantID, cmd.ProjectID)}
	}

	tsMs := decoded.tsMs
	if tsMs == 0 {
		tsMs = receivedAtMs
	}

	rec := domain.CommandReceipt{
		ReceiptID: l.newID(),
		TenantID:  tenant,
		ProjectID: project,
		CommandID: commandID,
		TsMs:      tsMs,
		Status:    decoded.status,
		Message:   decoded.message,
	}
	if err := l.receipts.Insert(ctx, tc, rec); err != nil {
		return fmt.Errorf("insert receipt: %w", err)
	}

	l.reconcile(ctx, tc, cmd, decoded.status)
	l.writeAudit(ctx, tc, cmd, decoded.status)
	l.metrics.ReceiptsProcessed.Add(1)
	return nil
}

func (l *Listener) reconcile(ctx context.Context, tc tenantctx.TenantContext, cmd domain.Command, status domain.CommandStatus) {
	event := eventForStatus(status)
	next, ok := command.NextStatus(cmd.Status, event)
	if !ok {
		return // terminal state, or a status with no defined transition: leave as-is
	}
	if _, err := l.commands.TransitionFrom(ctx, tc, cmd.CommandID, command.FromStatesFor(event), next); err != nil {
		l.log.Error("receipt reconciliation failed", zap.String("command_id", cmd.CommandID), zap.Error(err))
	}
}

func eventForStatus(status domain.CommandStatus) command.Event {
	switch status {
	case domain.StatusAccepted:
		return command.EventReceiptAccepted
	case domain.StatusSuccess:
		return command.EventReceiptSuccess
	default:
		return command.EventReceiptFailed
	}
}

func (l *Listener) writeAudit(ctx context.Context, tc tenantctx.TenantContext, cmd domain.Command, status domain.CommandStatus) {
	rec := domain.AuditRecord{
		AuditID:   l.newID(),
		TenantID:  tc.TenantID,
		ProjectID: cmd.ProjectID,
		Actor:     "receipt-listener",
		Action:    domain.ActionCommandReceipt,
		Resource:  cmd.CommandID,
		Result:    string(status),
		TsMs:      l.nowMs(),
	}
	if err := l.audit.Insert(ctx, tc, rec); err != nil {
		l.log.Error("audit write failed", zap.Error(err))
	}
}

type decodedReceipt struct {
	status  domain.CommandStatus
	message string
	tsMs    int64
}

// decodePayload accepts the enumerated receipt payload shapes: {status,
// message?, tsMs?}, {status, message?, ts_ms?}, {result, msg?, timestamp?},
// or a bare status string. Unknown shapes are an error.
func decodePayload(payload []byte) (decodedReceipt, error) {
	var bare string
	if err := json.Unmarshal(payload, &bare); err == nil {
		status, recognized := normalizeStatus(bare)
		msg := ""
		if !recognized {
			msg = bare
		}
		return decodedReceipt{status: status, message: msg}, nil
	}

	var obj map[string]any
	if err := json.Unmarshal(payload, &obj); err != nil {
		return decodedReceipt{}, fmt.Errorf("not a JSON object or bare status string: %w", err)
	}

	rawStatus, ok := firstString(obj, "status", "result")
	if !ok {
		return decodedReceipt{}, fmt.Errorf("no status/result field in receipt payload")
	}
	msg, _ := firstString(obj, "message", "msg")
	ts := firstNumber(obj, "tsMs", "ts_ms", "timestamp")

	status, recognized := normalizeStatus(rawStatus)
	if !recognized && msg == "" {
		msg = rawStatus
	}

	return decodedReceipt{status: status, message: msg, tsMs: int64(ts)}, nil
}

func firstString(obj map[string]any, keys ...string) (string, bool) {
	for _, k := range keys {
		if v, ok := obj[k].(string); ok {
			return v, true
		}
	}
	return "", false
}

func firstNumber(obj map[string]any, keys ...string) float64 {
	for _, k := range keys {
		if v, ok := obj[k].(float64); ok {
			return v
		}
	}
	return 0
}

// normalizeStatus maps a raw status string into the command-status
// lexicon. Anything unrecognized collapses to failed, with recognized=false
// so the caller can preserve the original string as the receipt message.
func normalizeStatus(raw string) (status domain.CommandStatus, recognized bool) {
	switch raw {
	case "accepted":
		return domain.StatusAccepted, true
	case "success":
		return domain.StatusSuccess, true
	case "failed":
		return domain.StatusFailed, true
	case "timeout":
		return domain.StatusTimeout, true
	default:
		return domain.StatusFailed, false
	}
}
