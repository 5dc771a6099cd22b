package reaper

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/zw834675966/ems/internal/domain"
	"github.com/zw834675966/ems/internal/storetest"
	"github.com/zw834675966/ems/internal/tenantctx"
)

func TestReapOnceTransitionsStaleAcceptedToTimeout(t *testing.T) {
	commands := storetest.NewCommandStore()
	audit := storetest.NewAuditStore()
	tc := tenantctx.New("t1", "u1").WithProject("p1")

	old := domain.Command{CommandID: "stale", TenantID: "t1", ProjectID: "p1", Status: domain.StatusAccepted, IssuedAtMs: time.Now().Add(-time.Hour).UnixMilli()}
	fresh := domain.Command{CommandID: "fresh", TenantID: "t1", ProjectID: "p1", Status: domain.StatusAccepted, IssuedAtMs: time.Now().UnixMilli()}
	require.NoError(t, commands.Insert(context.Background(), tc, old))
	require.NoError(t, commands.Insert(context.Background(), tc, fresh))

	id := 0
	newID := func() string { id++; return "a" + string(rune('0'+id)) }
	r := New(commands, audit, zaptest.NewLogger(t), 5*time.Minute, newID)
	r.reapOnce(context.Background())

	got, err := commands.Get(context.Background(), tc, "stale")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusTimeout, got.Status)

	stillFresh, err := commands.Get(context.Background(), tc, "fresh")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusAccepted, stillFresh.Status)

	require.Len(t, audit.Rows, 1)
	assert.Equal(t, "timeout", audit.Rows[0].Result)
}

func TestReapOnceIsIdempotent(t *testing.T) {
	commands := storetest.NewCommandStore()
	audit := storetest.NewAuditStore()
	tc := tenantctx.New("t1", "u1").WithProject("p1")

	old := domain.Command{CommandID: "stale", TenantID: "t1", ProjectID: "p1", Status: domain.StatusAccepted, IssuedAtMs: time.Now().Add(-time.Hour).UnixMilli()}
	require.NoError(t, commands.Insert(context.Background(), tc, old))

	r := New(commands, audit, zaptest.NewLogger(t), 5*time.Minute, func() string { return "a1" })
	r.reapOnce(context.Background())
	r.reapOnce(context.Background()) // second pass: already timeout, no-op

	require.Len(t, audit.Rows, 1)
}
