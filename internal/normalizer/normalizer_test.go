package normalizer

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zw834675966/ems/internal/domain"
	"github.com/zw834675966/ems/internal/storetest"
	"github.com/zw834675966/ems/internal/tenantctx"
)

func scaleOffset(scale, offset float64) (*float64, *float64) { return &scale, &offset }

func TestNormalizeNumericPayload(t *testing.T) {
	mappings := storetest.NewMappingStore()
	mappings.Put(domain.PointMapping{TenantID: "t1", ProjectID: "p1", SourceType: "broker", Address: "temp", PointID: "pt1"})
	n := New(mappings, nil)

	tc := tenantctx.New("t1", "u1").WithProject("p1")
	ev := domain.RawEvent{Tenant: "t1", Project: "p1", Address: "temp", Payload: []byte("21.5"), ReceivedAtMs: 1000}

	pv, err := n.Normalize(context.Background(), tc, ev)
	require.NoError(t, err)
	assert.Equal(t, domain.ValueFloat64, pv.Value.Kind)
	assert.Equal(t, 21.5, pv.Value.F64)
	assert.Equal(t, int64(1000), pv.TsMs)
}

func TestNormalizeAppliesLinearTransform(t *testing.T) {
	mappings := storetest.NewMappingStore()
	scale, offset := scaleOffset(0.1, 5)
	mappings.Put(domain.PointMapping{TenantID: "t1", ProjectID: "p1", SourceType: "broker", Address: "temp", PointID: "pt1", Scale: scale, Offset: offset})
	n := New(mappings, nil)

	tc := tenantctx.New("t1", "u1").WithProject("p1")
	ev := domain.RawEvent{Tenant: "t1", Project: "p1", Address: "temp", Payload: []byte("100"), ReceivedAtMs: 1000}

	pv, err := n.Normalize(context.Background(), tc, ev)
	require.NoError(t, err)
	assert.Equal(t, 15.0, pv.Value.F64) // 100*0.1 + 5
}

func TestNormalizeJSONPathExtraction(t *testing.T) {
	mappings := storetest.NewMappingStore()
	mappings.Put(domain.PointMapping{TenantID: "t1", ProjectID: "p1", SourceType: "broker", Address: "temp", PointID: "pt1", JSONPath: "data.value"})
	n := New(mappings, nil)

	tc := tenantctx.New("t1", "u1").WithProject("p1")
	ev := domain.RawEvent{Tenant: "t1", Project: "p1", Address: "temp", Payload: []byte(`{"data":{"value":42}}`), ReceivedAtMs: 1000}

	pv, err := n.Normalize(context.Background(), tc, ev)
	require.NoError(t, err)
	assert.Equal(t, 42.0, pv.Value.F64)
}

func TestNormalizeCarriesGatewayAndDeviceFromMapping(t *testing.T) {
	mappings := storetest.NewMappingStore()
	mappings.Put(domain.PointMapping{
		TenantID: "t1", ProjectID: "p1", SourceType: "broker", Address: "temp", PointID: "pt1",
		GatewayID: "gw-1", DeviceID: "dev-1",
	})
	n := New(mappings, nil)

	tc := tenantctx.New("t1", "u1").WithProject("p1")
	ev := domain.RawEvent{Tenant: "t1", Project: "p1", Address: "temp", Payload: []byte("1"), ReceivedAtMs: 1000}

	pv, err := n.Normalize(context.Background(), tc, ev)
	require.NoError(t, err)
	assert.Equal(t, "gw-1", pv.GatewayID)
	assert.Equal(t, "dev-1", pv.DeviceID)
}

func TestNormalizeMissingMappingIsNoMapping(t *testing.T) {
	mappings := storetest.NewMappingStore()
	n := New(mappings, nil)

	tc := tenantctx.New("t1", "u1").WithProject("p1")
	ev := domain.RawEvent{Tenant: "t1", Project: "p1", Address: "unknown", Payload: []byte("1"), ReceivedAtMs: 1000}

	_, err := n.Normalize(context.Background(), tc, ev)
	require.Error(t, err)
	var nerr *NormalizeError
	require.ErrorAs(t, err, &nerr)
	assert.Equal(t, NoMapping, nerr.Kind)
}

func TestNormalizeTsMsOverride(t *testing.T) {
	mappings := storetest.NewMappingStore()
	mappings.Put(domain.PointMapping{TenantID: "t1", ProjectID: "p1", SourceType: "broker", Address: "temp", PointID: "pt1", JSONPath: "value"})
	n := New(mappings, nil)

	tc := tenantctx.New("t1", "u1").WithProject("p1")
	ev := domain.RawEvent{Tenant: "t1", Project: "p1", Address: "temp", Payload: []byte(`{"value":1,"tsMs":5000}`), ReceivedAtMs: 1000}

	pv, err := n.Normalize(context.Background(), tc, ev)
	require.NoError(t, err)
	assert.Equal(t, int64(5000), pv.TsMs)
}

func TestNormalizeWithCacheStillResolvesAfterBump(t *testing.T) {
	mappings := storetest.NewMappingStore()
	mappings.Put(domain.PointMapping{TenantID: "t1", ProjectID: "p1", SourceType: "broker", Address: "temp", PointID: "pt1"})
	cache, err := NewMappingCache(100)
	require.NoError(t, err)
	n := New(mappings, cache)

	tc := tenantctx.New("t1", "u1").WithProject("p1")
	ev := domain.RawEvent{Tenant: "t1", Project: "p1", Address: "temp", Payload: []byte("1"), ReceivedAtMs: 1000}

	_, err = n.Normalize(context.Background(), tc, ev)
	require.NoError(t, err)

	cache.Bump("t1", "p1") // should not break a subsequent lookup, just force a re-fetch
	_, err = n.Normalize(context.Background(), tc, ev)
	require.NoError(t, err)
}
