package ingest

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
	"github.com/zw834675966/ems/internal/normalizer"
	"github.com/zw834675966/ems/internal/online"
	"github.com/zw834675966/ems/internal/pipeline"
	"github.com/zw834675966/ems/internal/storetest"
	"github.com/zw834675966/ems/internal/telemetry"
)

// fakeSubscriber captures the handler passed to SubscribeData so a test
// can invoke it directly instead of standing up a real broker connection.
type fakeSubscriber struct {
	handler broker.DataHandler
}

func (f *fakeSubscriber) SubscribeData(ctx context.Context, handler broker.DataHandler) error {
	f.handler = handler
	return nil
}

func testTopics() broker.Topics {
	return broker.NewTopics(config.BrokerConfig{
		TopicPrefix: "ems",
		DataPrefix:  "data",
	})
}

func newTestListener(t *testing.T) (*Listener, *fakeSubscriber, *storetest.MappingStore, *storetest.MeasurementStore) {
	t.Helper()
	mappings := storetest.NewMappingStore()
	measures := storetest.NewMeasurementStore()
	realtime := storetest.NewRealtimeStore(func() int64 { return 1000 })
	norm := normalizer.New(mappings, nil)

	cfg := config.PipelineConfig{BatchSize: 10, MaxBufferSize: 10, MaxRetries: 1, DedupCacheSize: 100, FlushInterval: 0}
	metrics := telemetry.New()
	log := zaptest.NewLogger(t)
	tracker := online.New(realtime, time.Minute, log)
	pipe, err := pipeline.New(cfg, measures, realtime, tracker, 0, metrics, log)
	require.NoError(t, err)
	pipe.Run(context.Background())

	sub := &fakeSubscriber{}
	l := New(sub, testTopics(), norm, pipe, metrics, zaptest.NewLogger(t))
	require.NoError(t, l.Start(context.Background()))
	return l, sub, mappings, measures
}

func TestHandleNormalizesAndForwardsToPipeline(t *testing.T) {
	l, sub, mappings, measures := newTestListener(t)
	mappings.Put(domain.PointMapping{
		TenantID: "t1", ProjectID: "p1", SourceType: "broker",
		Address: "bldg1/floor2/temp", PointID: "pt-1",
	})

	sub.handler("ems.data.t1.p1.bldg1.floor2.temp", []byte("21.5"), 5000)
	l.pipe.Flush()

	rows := measures.Snapshot()
	require.Len(t, rows, 1)
	assert.Equal(t, "pt-1", rows[0].PointID)
	assert.Equal(t, int64(5000), rows[0].TsMs)
}

func TestHandleDropsMalformedTopic(t *testing.T) {
	l, sub, _, _ := newTestListener(t)
	sub.handler("not.a.valid.subject", []byte("1"), 1000)
	assert.EqualValues(t, 1, l.metrics.InvalidPayload.Load())
}

func TestHandleCountsRawEventsForEveryBrokerFrame(t *testing.T) {
	l, sub, _, _ := newTestListener(t)
	sub.handler("not.a.valid.subject", []byte("1"), 1000)
	sub.handler("ems.data.t1.p1.unknown.address", []byte("1"), 1000)
	assert.EqualValues(t, 2, l.metrics.RawEvents.Load())
}

func TestHandleCountsNoMapping(t *testing.T) {
	l, sub, _, _ := newTestListener(t)
	sub.handler("ems.data.t1.p1.unknown.address", []byte("1"), 1000)
	assert.EqualValues(t, 1, l.metrics.NoMapping.Load())
}
