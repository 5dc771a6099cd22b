package online

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zaptest"

	"github.com/zw834675966/ems/internal/storetest"
	"github.com/zw834675966/ems/internal/tenantctx"
)

func TestTouchThenIsOnline(t *testing.T) {
	now := time.Now().UnixMilli()
	rt := storetest.NewRealtimeStore(func() int64 { return now })
	tr := New(rt, 60*time.Second, zaptest.NewLogger(t))
	tc := tenantctx.New("t1", "u1").WithProject("p1")

	tr.Touch(context.Background(), tc, "p1", "gateway", "gw1")
	assert.True(t, tr.IsOnline(context.Background(), tc, "p1", "gateway", "gw1"))
}

func TestIsOnlineFalseAfterExpiry(t *testing.T) {
	cur := time.Now().UnixMilli()
	rt := storetest.NewRealtimeStore(func() int64 { return cur })
	tr := New(rt, 1*time.Second, zaptest.NewLogger(t))
	tc := tenantctx.New("t1", "u1").WithProject("p1")

	tr.Touch(context.Background(), tc, "p1", "device", "dev1")
	cur += 2000 // advance clock past TTL
	assert.False(t, tr.IsOnline(context.Background(), tc, "p1", "device", "dev1"))
}

func TestTouchIgnoresEmptyID(t *testing.T) {
	rt := storetest.NewRealtimeStore(func() int64 { return 0 })
	tr := New(rt, time.Minute, zaptest.NewLogger(t))
	tc := tenantctx.New("t1", "u1").WithProject("p1")

	tr.Touch(context.Background(), tc, "p1", "gateway", "")
	assert.False(t, tr.IsOnline(context.Background(), tc, "p1", "gateway", ""))
}
