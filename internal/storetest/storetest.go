// Package storetest provides in-memory fakes of every store.* interface,
// used by the bulk of the pipeline/command/receipt unit tests as the test
// variant alongside the relational+fast-kv production implementations.
package storetest

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/zw834675966/ems/internal/domain"
	"github.com/zw834675966/ems/internal/store"
	"github.com/zw834675966/ems/internal/tenantctx"
)

// MeasurementStore is an in-memory store.MeasurementStore.
type MeasurementStore struct {
	mu   sync.Mutex
	Rows []domain.Measurement

	// FailNext, if > 0, makes the next N AppendBatch calls fail (used to
	// exercise the pipeline's retry/backoff behavior).
	FailNext int
}

func NewMeasurementStore() *MeasurementStore { return &MeasurementStore{} }

func (s *MeasurementStore) AppendBatch(ctx context.Context, tc tenantctx.TenantContext, records []domain.Measurement) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailNext > 0 {
		s.FailNext--
		return fmt.Errorf("storetest: simulated append failure")
	}
	for _, r := range records {
		if err := tc.CheckScope(r.TenantID, r.ProjectID); err != nil {
			return err
		}
	}
	s.Rows = append(s.Rows, records...)
	return nil
}

// Snapshot returns a copy of all rows appended so far, in append order.
func (s *MeasurementStore) Snapshot() []domain.Measurement {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Measurement, len(s.Rows))
	copy(out, s.Rows)
	return out
}

// MappingStore is an in-memory store.MappingStore, keyed by the same tuple
// as the production Postgres table.
type MappingStore struct {
	mu       sync.Mutex
	mappings map[string]domain.PointMapping
}

func NewMappingStore() *MappingStore {
	return &MappingStore{mappings: make(map[string]domain.PointMapping)}
}

func mappingKey(tenant, project, sourceType, address, sourceID string) string {
	return tenant + "|" + project + "|" + sourceType + "|" + address + "|" + sourceID
}

// Put inserts or replaces a mapping (test setup helper; the CRUD
// collaborator owns this in production).
func (s *MappingStore) Put(m domain.PointMapping) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mappings[mappingKey(m.TenantID, m.ProjectID, m.SourceType, m.Address, m.SourceID)] = m
}

func (s *MappingStore) Lookup(ctx context.Context, tc tenantctx.TenantContext, project, sourceType, address, sourceID string) (domain.PointMapping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.mappings[mappingKey(tc.TenantID, project, sourceType, address, sourceID)]; ok {
		return m, nil
	}
	return domain.PointMapping{}, store.ErrMappingNotFound
}

// RealtimeStore is an in-memory store.RealtimeStore with explicit TTL
// bookkeeping via an injectable clock, so tests can exercise online-TTL
// expiry deterministically.
type RealtimeStore struct {
	mu         sync.Mutex
	lastValues map[string]domain.LastValue
	online     map[string]int64 // key -> expiry ms (0 = no expiry)
	NowMs      func() int64
	LastTTL    int64 // ttl seconds passed to the most recent UpsertLastValue call
}

func NewRealtimeStore(nowMs func() int64) *RealtimeStore {
	return &RealtimeStore{
		lastValues: make(map[string]domain.LastValue),
		online:     make(map[string]int64),
		NowMs:      nowMs,
	}
}

func (s *RealtimeStore) UpsertLastValue(ctx context.Context, tc tenantctx.TenantContext, project, pointID string, v domain.LastValue, ttl int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastValues[tc.TenantID+"|"+project+"|"+pointID] = v
	s.LastTTL = ttl
	return nil
}

func (s *RealtimeStore) GetLastValue(ctx context.Context, tc tenantctx.TenantContext, project, pointID string) (domain.LastValue, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.lastValues[tc.TenantID+"|"+project+"|"+pointID]
	return v, ok, nil
}

func (s *RealtimeStore) Touch(ctx context.Context, tc tenantctx.TenantContext, project, kind, id string, nowMs int64, ttlSeconds int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var expiry int64
	if ttlSeconds > 0 {
		expiry = nowMs + ttlSeconds*1000
	}
	s.online[tc.TenantID+"|"+project+"|"+kind+"|"+id] = expiry
	return nil
}

func (s *RealtimeStore) IsOnline(ctx context.Context, tc tenantctx.TenantContext, project, kind, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	expiry, ok := s.online[tc.TenantID+"|"+project+"|"+kind+"|"+id]
	if !ok {
		return false, nil
	}
	if expiry == 0 {
		return true, nil
	}
	now := int64(0)
	if s.NowMs != nil {
		now = s.NowMs()
	}
	return now < expiry, nil
}

// CommandStore is an in-memory store.CommandStore.
type CommandStore struct {
	mu   sync.Mutex
	rows map[string]domain.Command
}

func NewCommandStore() *CommandStore { return &CommandStore{rows: make(map[string]domain.Command)} }

func (s *CommandStore) Insert(ctx context.Context, tc tenantctx.TenantContext, cmd domain.Command) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := tc.CheckScope(cmd.TenantID, cmd.ProjectID); err != nil {
		return err
	}
	s.rows[cmd.CommandID] = cmd
	return nil
}

func (s *CommandStore) Get(ctx context.Context, tc tenantctx.TenantContext, commandID string) (domain.Command, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cmd, ok := s.rows[commandID]
	if !ok {
		return domain.Command{}, fmt.Errorf("command %s: %w", commandID, store.ErrNotFound)
	}
	if err := tc.CheckScope(cmd.TenantID, cmd.ProjectID); err != nil {
		return domain.Command{}, err
	}
	return cmd, nil
}

func (s *CommandStore) TransitionFrom(ctx context.Context, tc tenantctx.TenantContext, commandID string, fromAny []domain.CommandStatus, next domain.CommandStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cmd, ok := s.rows[commandID]
	if !ok {
		return false, fmt.Errorf("command %s: %w", commandID, store.ErrNotFound)
	}
	if err := tc.CheckScope(cmd.TenantID, cmd.ProjectID); err != nil {
		return false, err
	}
	for _, from := range fromAny {
		if cmd.Status == from {
			cmd.Status = next
			s.rows[commandID] = cmd
			return true, nil
		}
	}
	return false, nil
}

func (s *CommandStore) ListAcceptedOlderThan(ctx context.Context, cutoffMs int64) ([]domain.Command, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Command
	for _, cmd := range s.rows {
		if cmd.Status == domain.StatusAccepted && cmd.IssuedAtMs < cutoffMs {
			out = append(out, cmd)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CommandID < out[j].CommandID })
	return out, nil
}

// ReceiptStore is an in-memory store.ReceiptStore.
type ReceiptStore struct {
	mu   sync.Mutex
	Rows []domain.CommandReceipt
}

func NewReceiptStore() *ReceiptStore { return &ReceiptStore{} }

func (s *ReceiptStore) Insert(ctx context.Context, tc tenantctx.TenantContext, r domain.CommandReceipt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := tc.CheckScope(r.TenantID, r.ProjectID); err != nil {
		return err
	}
	s.Rows = append(s.Rows, r)
	return nil
}

// AuditStore is an in-memory store.AuditStore.
type AuditStore struct {
	mu   sync.Mutex
	Rows []domain.AuditRecord
}

func NewAuditStore() *AuditStore { return &AuditStore{} }

func (s *AuditStore) Insert(ctx context.Context, tc tenantctx.TenantContext, rec domain.AuditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := tc.CheckScope(rec.TenantID, rec.ProjectID); err != nil {
		return err
	}
	s.Rows = append(s.Rows, rec)
	return nil
}
