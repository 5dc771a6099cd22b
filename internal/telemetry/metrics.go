package telemetry

import "sync/atomic"

// Metrics holds the backplane's atomic counters and latency tallies. All
// fields are safe for concurrent use; Snapshot returns a point-in-time copy
// for an external reader (e.g. the /metrics/snapshot HTTP endpoint).
type Metrics struct {
	RawEvents          atomic.Int64
	InvalidPayload     atomic.Int64
	NoMapping          atomic.Int64
	Duplicates         atomic.Int64
	InvalidTs          atomic.Int64
	InvalidValue       atomic.Int64
	Backpressure       atomic.Int64
	BatchWrites        atomic.Int64
	BatchWriteFailures atomic.Int64
	LastValueUpserts   atomic.Int64
	OnlineTouches      atomic.Int64
	CommandsIssued     atomic.Int64
	DispatchSuccesses  atomic.Int64
	DispatchFailures   atomic.Int64
	ReceiptsProcessed  atomic.Int64

	WriteLatency        Tally
	EndToEndLatency     Tally
	CommandIssueLatency Tally
}

// New returns a freshly-zeroed Metrics.
func New() *Metrics {
	return &Metrics{}
}

// Tally is a minimal latency accumulator: count + sum, sufficient for an
// external reader to derive an average; percentile reporting is explicitly
// optional.
type Tally struct {
	count atomic.Int64
	sumMs atomic.Int64
}

// Observe records one latency sample in milliseconds.
func (t *Tally) Observe(ms int64) {
	t.count.Add(1)
	t.sumMs.Add(ms)
}

// Snapshot returns the current (count, sum_ms) pair.
func (t *Tally) Snapshot() (count, sumMs int64) {
	return t.count.Load(), t.sumMs.Load()
}

// Snapshot is the JSON-serializable point-in-time view of Metrics, returned
// by the /metrics/snapshot endpoint.
type Snapshot struct {
	RawEvents          int64 `json:"raw_events"`
	InvalidPayload     int64 `json:"invalid_payload"`
	NoMapping          int64 `json:"no_mapping"`
	Duplicates         int64 `json:"duplicates"`
	InvalidTs          int64 `json:"invalid_ts"`
	InvalidValue       int64 `json:"invalid_value"`
	Backpressure       int64 `json:"backpressure"`
	BatchWrites        int64 `json:"batch_writes"`
	BatchWriteFailures int64 `json:"batch_write_failures"`
	LastValueUpserts   int64 `json:"last_value_upserts"`
	OnlineTouches      int64 `json:"online_touches"`
	CommandsIssued     int64 `json:"commands_issued"`
	DispatchSuccesses  int64 `json:"dispatch_successes"`
	DispatchFailures   int64 `json:"dispatch_failures"`
	ReceiptsProcessed  int64 `json:"receipts_processed"`

	WriteLatencyCount        int64 `json:"write_latency_count"`
	WriteLatencySumMs        int64 `json:"write_latency_sum_ms"`
	EndToEndLatencyCount     int64 `json:"end_to_end_latency_count"`
	EndToEndLatencySumMs     int64 `json:"end_to_end_latency_sum_ms"`
	CommandIssueLatencyCount int64 `json:"command_issue_latency_count"`
	CommandIssueLatencySumMs int64 `json:"command_issue_latency_sum_ms"`
}

// Snapshot captures a consistent-enough point-in-time view. Individual
// fields may be read a few nanoseconds apart under concurrent writers;
// that's acceptable for a monitoring snapshot.
func (m *Metrics) Snapshot() Snapshot {
	s := Snapshot{
		RawEvents:          m.RawEvents.Load(),
		InvalidPayload:     m.InvalidPayload.Load(),
		NoMapping:          m.NoMapping.Load(),
		Duplicates:         m.Duplicates.Load(),
		InvalidTs:          m.InvalidTs.Load(),
		InvalidValue:       m.InvalidValue.Load(),
		Backpressure:       m.Backpressure.Load(),
		BatchWrites:        m.BatchWrites.Load(),
		BatchWriteFailures: m.BatchWriteFailures.Load(),
		LastValueUpserts:   m.LastValueUpserts.Load(),
		OnlineTouches:      m.OnlineTouches.Load(),
		CommandsIssued:     m.CommandsIssued.Load(),
		DispatchSuccesses:  m.DispatchSuccesses.Load(),
		DispatchFailures:   m.DispatchFailures.Load(),
		ReceiptsProcessed:  m.ReceiptsProcessed.Load(),
	}
	s.WriteLatencyCount, s.WriteLatencySumMs = m.WriteLatency.Snapshot()
	s.EndToEndLatencyCount, s.EndToEndLatencySumMs = m.EndToEndLatency.Snapshot()
	s.CommandIssueLatencyCount, s.CommandIssueLatencySumMs = m.CommandIssueLatency.Snapshot()
	return s
}
