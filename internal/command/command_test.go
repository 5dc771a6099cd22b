package command

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/zw834675966/ems/internal/domain"
	"github.com/zw834675966/ems/internal/storetest"
	"github.com/zw834675966/ems/internal/telemetry"
	"github.com/zw834675966/ems/internal/tenantctx"
)

type fakePublisher struct {
	mu       sync.Mutex
	failures int
	calls    int
}

func (f *fakePublisher) PublishCommand(ctx context.Context, tenant, project, target, commandID string, payload []byte, qos int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failures > 0 {
		f.failures--
		return errors.New("broker unavailable")
	}
	return nil
}

func TestIssueSucceedsAndTransitionsToAccepted(t *testing.T) {
	commands := storetest.NewCommandStore()
	audit := storetest.NewAuditStore()
	pub := &fakePublisher{}
	metrics := telemetry.New()
	svc := New(commands, audit, pub, metrics, zaptest.NewLogger(t), 1, 3, time.Millisecond)

	tc := tenantctx.New("t1", "u1").WithProject("p1")
	cmd, err := svc.Issue(context.Background(), tc, IssueRequest{Project: "p1", Target: "gw1", Payload: map[string]any{"op": "reboot"}})

	require.NoError(t, err)
	assert.Equal(t, domain.StatusAccepted, cmd.Status)
	assert.Len(t, audit.Rows, 1)
	assert.Equal(t, "accepted", audit.Rows[0].Result)
}

func TestIssueRetriesThenSucceeds(t *testing.T) {
	commands := storetest.NewCommandStore()
	audit := storetest.NewAuditStore()
	pub := &fakePublisher{failures: 2}
	metrics := telemetry.New()
	svc := New(commands, audit, pub, metrics, zaptest.NewLogger(t), 1, 5, time.Millisecond)

	tc := tenantctx.New("t1", "u1").WithProject("p1")
	cmd, err := svc.Issue(context.Background(), tc, IssueRequest{Project: "p1", Target: "gw1", Payload: nil})

	require.NoError(t, err)
	assert.Equal(t, domain.StatusAccepted, cmd.Status)
	assert.Equal(t, 3, pub.calls)
}

func TestIssueFailsAfterExhaustedRetries(t *testing.T) {
	commands := storetest.NewCommandStore()
	audit := storetest.NewAuditStore()
	pub := &fakePublisher{failures: 100}
	metrics := telemetry.New()
	svc := New(commands, audit, pub, metrics, zaptest.NewLogger(t), 1, 2, time.Millisecond)

	tc := tenantctx.New("t1", "u1").WithProject("p1")
	cmd, err := svc.Issue(context.Background(), tc, IssueRequest{Project: "p1", Target: "gw1"})

	require.ErrorIs(t, err, ErrDispatchFailed)
	assert.Equal(t, domain.StatusFailed, cmd.Status)
	assert.Equal(t, "failed", audit.Rows[len(audit.Rows)-1].Result)
}

func TestNextStatusTerminalStatesNeverChange(t *testing.T) {
	for _, terminal := range []domain.CommandStatus{domain.StatusSuccess, domain.StatusFailed, domain.StatusTimeout} {
		for _, event := range []Event{EventDispatchOK, EventReceiptAccepted, EventReceiptSuccess, EventReceiptFailed, EventReaperDeadline} {
			next, ok := NextStatus(terminal, event)
			assert.False(t, ok, "terminal state %s should never transition on %s", terminal, event)
			assert.Equal(t, terminal, next)
		}
	}
}

func TestNextStatusAcceptedReceiptAcceptedIsNoChange(t *testing.T) {
	next, ok := NextStatus(domain.StatusAccepted, EventReceiptAccepted)
	assert.True(t, ok)
	assert.Equal(t, domain.StatusAccepted, next)
}
