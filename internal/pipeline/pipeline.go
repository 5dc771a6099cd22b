// Package pipeline implements the Write Pipeline: the bounded queue +
// batching worker that turns accepted PointValues into durable measurement
// rows, last-value upserts, and online touches. It is the centerpiece of
// the backplane; everything else either feeds it or reads what it writes.
package pipeline

import (
	"context"
	"math"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/zw834675966/ems/internal/config"
	"github.com/zw834675966/ems/internal/domain"
	"github.com/zw834675966/ems/internal/online"
	"github.com/zw834675966/ems/internal/store"
	"github.com/zw834675966/ems/internal/telemetry"
	"github.com/zw834675966/ems/internal/tenantctx"
)

// HandleOutcome is the synchronous result of a Handle call.
type HandleOutcome int

const (
	Accepted HandleOutcome = iota
	Duplicate
	InvalidTs
	InvalidValue
	Backpressure
)

func (o HandleOutcome) String() string {
	switch o {
	case Accepted:
		return "accepted"
	case Duplicate:
		return "duplicate"
	case InvalidTs:
		return "invalid_ts"
	case InvalidValue:
		return "invalid_value"
	case Backpressure:
		return "backpressure"
	default:
		return "unknown"
	}
}

// item is a queued PointValue plus the tenant scope it was accepted under.
type item struct {
	tc tenantctx.TenantContext
	pv domain.PointValue
}

// Pipeline owns the dedup cache, the in-flight batch, retry counters, and
// the periodic flush timer. The in-flight batch, retries, and timer are
// confined to a single worker goroutine; the dedup cache is consulted and
// filled by Handle on the caller's goroutine (the LRU is safe for
// concurrent use) so Duplicate can be returned synchronously.
type Pipeline struct {
	cfg          config.PipelineConfig
	measures     store.MeasurementStore
	realtime     store.RealtimeStore
	online       *online.Tracker
	lastValueTTL time.Duration
	metrics      *telemetry.Metrics
	log          *zap.Logger

	dedup *lru.Cache[string, struct{}]

	in      chan item
	flushCh chan chan struct{}

	nowMs func() int64

	wg       sync.WaitGroup
	stopOnce sync.Once
	stopCh   chan struct{}
}

// New constructs a Pipeline. Call Run to start its worker goroutine.
// tracker owns the gateway/device liveness refresh that every successful
// batch write also triggers, so a point landing durably is what keeps its
// gateway and device marked online. lastValueTTL is forwarded to every
// UpsertLastValue call; zero means the cached last value never expires.
func New(cfg config.PipelineConfig, measures store.MeasurementStore, realtime store.RealtimeStore, tracker *online.Tracker, lastValueTTL time.Duration, metrics *telemetry.Metrics, log *zap.Logger) (*Pipeline, error) {
	dedup, err := lru.New[string, struct{}](cfg.DedupCacheSize)
	if err != nil {
		return nil, err
	}
	return &Pipeline{
		cfg:          cfg,
		measures:     measures,
		realtime:     realtime,
		online:       tracker,
		lastValueTTL: lastValueTTL,
		metrics:      metrics,
		log:          log,
		dedup:        dedup,
		in:           make(chan item, cfg.MaxBufferSize),
		flushCh:      make(chan chan struct{}),
		nowMs:        func() int64 { return time.Now().UnixMilli() },
		stopCh:       make(chan struct{}),
	}, nil
}

// Run starts the worker goroutine. Call Shutdown to stop it.
func (p *Pipeline) Run(ctx context.Context) {
	p.wg.Add(1)
	go p.loop(ctx)
}

// Handle validates and enqueues a normalized PointValue, returning the
// synchronous outcome. It never blocks: a full buffer yields Backpressure
// immediately rather than applying backpressure to the caller.
func (p *Pipeline) Handle(tc tenantctx.TenantContext, pv domain.PointValue) HandleOutcome {
	if !p.validTimestamp(pv.TsMs) {
		p.metrics.InvalidTs.Add(1)
		return InvalidTs
	}
	if !p.validValue(pv.Value) {
		p.metrics.InvalidValue.Add(1)
		return InvalidValue
	}
	sig := pv.Signature()
	if _, ok := p.dedup.Get(sig); ok {
		p.metrics.Duplicates.Add(1)
		return Duplicate
	}

	select {
	case p.in <- item{tc: tc, pv: pv}:
		p.dedup.Add(sig, struct{}{})
		return Accepted
	default:
		p.metrics.Backpressure.Add(1)
		return Backpressure
	}
}

// Flush forces a batch boundary: any items currently queued are written
// before this call returns. It blocks until the worker has acknowledged
// the flush, so callers observe a consistent boundary.
func (p *Pipeline) Flush() {
	ack := make(chan struct{})
	select {
	case p.flushCh <- ack:
		<-ack
	case <-p.stopCh:
	}
}

func (p *Pipeline) validTimestamp(tsMs int64) bool {
	if tsMs <= 0 {
		return false
	}
	if p.cfg.MaxAgeMs <= 0 {
		return true
	}
	age := p.nowMs() - tsMs
	return age >= -1000 && age <= p.cfg.MaxAgeMs // tolerate 1s of clock skew ahead
}

func (p *Pipeline) validValue(v domain.Value) bool {
	if v.Kind != domain.ValueFloat64 {
		return true
	}
	return !math.IsNaN(v.F64) && !math.IsInf(v.F64, 0)
}

// loop is the single cooperative worker: it accumulates items into a batch,
// flushing on batch_size, the periodic timer, an explicit Flush call, or
// shutdown.
func (p *Pipeline) loop(ctx context.Context) {
	defer p.wg.Done()
	// A non-positive FlushInterval disables the periodic flush (a nil
	// channel never fires); batches then flush on size, Flush, or shutdown.
	var tick <-chan time.Time
	if p.cfg.FlushInterval > 0 {
		ticker := time.NewTicker(p.cfg.FlushInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	var batch []item
	flush := func() {
		if len(batch) == 0 {
			return
		}
		p.writeBatch(ctx, batch)
		batch = nil
	}

	for {
		select {
		case it := <-p.in:
			batch = append(batch, it)
			if len(batch) >= p.cfg.BatchSize {
				flush()
			}
		case <-tick:
			flush()
		case ack := <-p.flushCh:
			flush()
			close(ack)
		case <-p.stopCh:
			p.drain(&batch)
			flush()
			return
		case <-ctx.Done():
			p.drain(&batch)
			flush()
			return
		}
	}
}

// drain empties whatever is already queued on the input channel into batch
// without blocking, so queued-but-unflushed work is not silently lost on
// shutdown.
func (p *Pipeline) drain(batch *[]item) {
	for {
		select {
		case it := <-p.in:
			*batch = append(*batch, it)
		default:
			return
		}
	}
}

// Shutdown signals the worker to drain and exit, waiting up to deadline.
func (p *Pipeline) Shutdown(deadline time.Duration) {
	p.stopOnce.Do(func() { close(p.stopCh) })
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(deadline):
		p.log.Warn("pipeline shutdown deadline exceeded; worker may still be writing")
	}
}
