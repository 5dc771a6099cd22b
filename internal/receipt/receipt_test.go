package receipt

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/zw834675966/ems/internal/broker"
	"github.com/zw834675966/ems/internal/config"
	"github.com/zw834675966/ems/internal/domain"
	"github.com/zw834675966/ems/internal/storetest"
	"github.com/zw834675966/ems/internal/telemetry"
	"github.com/zw834675966/ems/internal/tenantctx"
)

func newTestListener(t *testing.T) (*Listener, *storetest.CommandStore, *storetest.ReceiptStore, *storetest.AuditStore) {
	t.Helper()
	commands := storetest.NewCommandStore()
	receipts := storetest.NewReceiptStore()
	audit := storetest.NewAuditStore()
	metrics := telemetry.New()
	topics := broker.NewTopics(config.BrokerConfig{TopicPrefix: "ems", ReceiptPrefix: "receipts"})
	id := 0
	newID := func() string { id++; return "id" + string(rune('0'+id)) }

	l := New(nil, topics, commands, receipts, audit, metrics, zaptest.NewLogger(t), newID)
	return l, commands, receipts, audit
}

func seedCommand(t *testing.T, commands *storetest.CommandStore, status domain.CommandStatus) domain.Command {
	t.Helper()
	tc := tenantctx.New("t1", "u1").WithProject("p1")
	cmd := domain.Command{CommandID: "cmd1", TenantID: "t1", ProjectID: "p1", Target: "gw1", Status: status, IssuedAtMs: time.Now().UnixMilli()}
	require.NoError(t, commands.Insert(context.Background(), tc, cmd))
	return cmd
}

func TestHandleObjectPayloadReconcilesToSuccess(t *testing.T) {
	l, commands, receipts, audit := newTestListener(t)
	seedCommand(t, commands, domain.StatusAccepted)

	tc := tenantctx.New("t1", "u1").WithProject("p1")
	err := l.handle(context.Background(), "ems.receipts.t1.p1.cmd1", []byte(`{"status":"success","message":"done"}`), time.Now().UnixMilli())
	require.NoError(t, err)

	cmd, err := commands.Get(context.Background(), tc, "cmd1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSuccess, cmd.Status)
	require.Len(t, receipts.Rows, 1)
	assert.Equal(t, domain.StatusSuccess, receipts.Rows[0].Status)
	require.Len(t, audit.Rows, 1)
	assert.Equal(t, domain.ActionCommandReceipt, audit.Rows[0].Action)
}

func TestHandleBareStringPayload(t *testing.T) {
	l, commands, _, _ := newTestListener(t)
	seedCommand(t, commands, domain.StatusAccepted)

	err := l.handle(context.Background(), "ems.receipts.t1.p1.cmd1", []byte(`"failed"`), time.Now().UnixMilli())
	require.NoError(t, err)

	tc := tenantctx.New("t1", "u1").WithProject("p1")
	cmd, err := commands.Get(context.Background(), tc, "cmd1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, cmd.Status)
}

func TestHandleResultShapePayload(t *testing.T) {
	l, commands, _, _ := newTestListener(t)
	seedCommand(t, commands, domain.StatusAccepted)

	err := l.handle(context.Background(), "ems.receipts.t1.p1.cmd1", []byte(`{"result":"accepted","msg":"ack"}`), time.Now().UnixMilli())
	require.NoError(t, err)

	tc := tenantctx.New("t1", "u1").WithProject("p1")
	cmd, err := commands.Get(context.Background(), tc, "cmd1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusAccepted, cmd.Status)
}

func TestHandleUnknownStatusCollapsesToFailed(t *testing.T) {
	l, commands, receipts, _ := newTestListener(t)
	seedCommand(t, commands, domain.StatusAccepted)

	err := l.handle(context.Background(), "ems.receipts.t1.p1.cmd1", []byte(`{"status":"weird"}`), time.Now().UnixMilli())
	require.NoError(t, err)

	tc := tenantctx.New("t1", "u1").WithProject("p1")
	cmd, err := commands.Get(context.Background(), tc, "cmd1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, cmd.Status)
	require.Len(t, receipts.Rows, 1)
	assert.Equal(t, "weird", receipts.Rows[0].Message)
}

func TestHandleUnknownBareStringStatusPreservesMessage(t *testing.T) {
	l, commands, receipts, _ := newTestListener(t)
	seedCommand(t, commands, domain.StatusAccepted)

	err := l.handle(context.Background(), "ems.receipts.t1.p1.cmd1", []byte(`"weird"`), time.Now().UnixMilli())
	require.NoError(t, err)

	require.Len(t, receipts.Rows, 1)
	assert.Equal(t, domain.StatusFailed, receipts.Rows[0].Status)
	assert.Equal(t, "weird", receipts.Rows[0].Message)
}

func TestHandleTerminalCommandNotOverwritten(t *testing.T) {
	l, commands, _, _ := newTestListener(t)
	seedCommand(t, commands, domain.StatusSuccess)

	err := l.handle(context.Background(), "ems.receipts.t1.p1.cmd1", []byte(`{"status":"failed"}`), time.Now().UnixMilli())
	require.NoError(t, err) // still accepted (receipt recorded), just no status overwrite

	tc := tenantctx.New("t1", "u1").WithProject("p1")
	cmd, err := commands.Get(context.Background(), tc, "cmd1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSuccess, cmd.Status)
}

func TestHandleUnknownCommandIsPoisonPill(t *testing.T) {
	l, _, _, _ := newTestListener(t)

	err := l.handle(context.Background(), "ems.receipts.t1.p1.missing", []byte(`{"status":"success"}`), time.Now().UnixMilli())
	require.Error(t, err)
	var poison *broker.PoisonPillError
	assert.ErrorAs(t, err, &poison)
}

func TestHandleMalformedTopicIsPoisonPill(t *testing.T) {
	l, _, _, _ := newTestListener(t)

	err := l.handle(context.Background(), "not-a-valid-topic", []byte(`{"status":"success"}`), time.Now().UnixMilli())
	require.Error(t, err)
	var poison *broker.PoisonPillError
	assert.ErrorAs(t, err, &poison)
}
