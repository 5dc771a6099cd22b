// Package pg implements the store interfaces against PostgreSQL using
// github.com/jackc/pgx/v5, instrumented with otelpgx the same way
// cmd/backplane/main.go wires pgxpool (poolCfg.ConnConfig.Tracer =
// otelpgx.NewTracer()). There is no sqlc code-generation step here, so
// queries are written directly against pgxpool.Pool: one exported method
// per store operation, each taking/returning pgtype-native values.
package pg

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/zw834675966/ems/internal/domain"
	"github.com/zw834675966/ems/internal/store"
	"github.com/zw834675966/ems/internal/tenantctx"
)

// Schema (for reference; migrations are an out-of-scope collaborator per
// the backplane):
//
//	measurements(tenant_id, project_id, point_id, ts_ms, value, quality, PRIMARY KEY(tenant_id,project_id,point_id,ts_ms))
//	point_mappings(tenant_id, project_id, source_type, address, source_id, point_id, data_type, json_path, scale, "offset", gateway_id, device_id)
//	commands(command_id PK, tenant_id, project_id, target, payload jsonb, status, issued_by, issued_at_ms)
//	command_receipts(receipt_id PK, tenant_id, project_id, command_id, ts_ms, status, message)
//	audit_records(audit_id PK, tenant_id, project_id, actor, action, resource, result, detail, ts_ms)

// MeasurementStore appends to the measurements table.
type MeasurementStore struct{ pool *pgxpool.Pool }

func NewMeasurementStore(pool *pgxpool.Pool) *MeasurementStore { return &MeasurementStore{pool: pool} }

func (s *MeasurementStore) AppendBatch(ctx context.Context, tc tenantctx.TenantContext, records []domain.Measurement) error {
	if len(records) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, r := range records {
		if err := tc.CheckScope(r.TenantID, r.ProjectID); err != nil {
			return err
		}
		batch.Queue(
			`INSERT INTO measurements (tenant_id, project_id, point_id, ts_ms, value, quality)
			 VALUES ($1,$2,$3,$4,$5,$6)`,
			r.TenantID, r.ProjectID, r.PointID, r.TsMs, r.Value, string(r.Quality),
		)
	}
	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()
	for range records {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("append measurement: %w", err)
		}
	}
	return nil
}

// MappingStore resolves point_mappings rows.
type MappingStore struct{ pool *pgxpool.Pool }

func NewMappingStore(pool *pgxpool.Pool) *MappingStore { return &MappingStore{pool: pool} }

func (s *MappingStore) Lookup(ctx context.Context, tc tenantctx.TenantContext, project, sourceType, address, sourceID string) (domain.PointMapping, error) {
	if err := tc.CheckScope(tc.TenantID, project); err != nil {
		return domain.PointMapping{}, err
	}
	row := s.pool.QueryRow(ctx,
		`SELECT point_id, data_type, json_path, scale, "offset", source_id, gateway_id, device_id
		   FROM point_mappings
		  WHERE tenant_id=$1 AND project_id=$2 AND source_type=$3 AND address=$4
		    AND source_id IS NOT DISTINCT FROM NULLIF($5,'')`,
		tc.TenantID, project, sourceType, address, sourceID,
	)
	var (
		pointID, dataType, jsonPath string
		scale, offset               pgtype.Float8
		resolvedSourceID            pgtype.Text
		gatewayID, deviceID         pgtype.Text
	)
	if err := row.Scan(&pointID, &dataType, &jsonPath, &scale, &offset, &resolvedSourceID, &gatewayID, &deviceID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.PointMapping{}, store.ErrMappingNotFound
		}
		return domain.PointMapping{}, fmt.Errorf("lookup mapping: %w", err)
	}
	m := domain.PointMapping{
		TenantID:   tc.TenantID,
		ProjectID:  project,
		SourceType: sourceType,
		Address:    address,
		SourceID:   resolvedSourceID.String,
		PointID:    pointID,
		DataType:   dataType,
		JSONPath:   jsonPath,
		GatewayID:  gatewayID.String,
		DeviceID:   deviceID.String,
	}
	if scale.Valid {
		v := scale.Float64
		m.Scale = &v
	}
	if offset.Valid {
		v := offset.Float64
		m.Offset = &v
	}
	return m, nil
}

// CommandStore persists commands with conditional-update transitions.
type CommandStore struct{ pool *pgxpool.Pool }

func NewCommandStore(pool *pgxpool.Pool) *CommandStore { return &CommandStore{pool: pool} }

func (s *CommandStore) Insert(ctx context.Context, tc tenantctx.TenantContext, cmd domain.Command) error {
	if err := tc.CheckScope(cmd.TenantID, cmd.ProjectID); err != nil {
		return err
	}
	payload, err := marshalPayload(cmd.Payload)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO commands (command_id, tenant_id, project_id, target, payload, status, issued_by, issued_at_ms)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		cmd.CommandID, cmd.TenantID, cmd.ProjectID, cmd.Target, payload, string(cmd.Status), cmd.IssuedBy, cmd.IssuedAtMs,
	)
	if err != nil {
		return fmt.Errorf("insert command: %w", err)
	}
	return nil
}

func (s *CommandStore) Get(ctx context.Context, tc tenantctx.TenantContext, commandID string) (domain.Command, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT command_id, tenant_id, project_id, target, payload, status, issued_by, issued_at_ms
		   FROM commands WHERE command_id=$1`, commandID)
	var (
		cmd     domain.Command
		status  string
		payload []byte
	)
	if err := row.Scan(&cmd.CommandID, &cmd.TenantID, &cmd.ProjectID, &cmd.Target, &payload, &status, &cmd.IssuedBy, &cmd.IssuedAtMs); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Command{}, fmt.Errorf("command %s: %w", commandID, store.ErrNotFound)
		}
		return domain.Command{}, fmt.Errorf("get command: %w", err)
	}
	cmd.Status = domain.CommandStatus(status)
	cmd.Payload, _ = unmarshalPayload(payload)
	if err := tc.CheckScope(cmd.TenantID, cmd.ProjectID); err != nil {
		return domain.Command{}, err
	}
	return cmd, nil
}

func (s *CommandStore) TransitionFrom(ctx context.Context, tc tenantctx.TenantContext, commandID string, fromAny []domain.CommandStatus, next domain.CommandStatus) (bool, error) {
	statuses := make([]string, len(fromAny))
	for i, st := range fromAny {
		statuses[i] = string(st)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE commands SET status=$1
		  WHERE command_id=$2 AND status = ANY($3)
		    AND tenant_id=$4 AND ($5 = '' OR project_id = $5)`,
		string(next), commandID, statuses, tc.TenantID, tc.ProjectID,
	)
	if err != nil {
		return false, fmt.Errorf("transition command: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *CommandStore) ListAcceptedOlderThan(ctx context.Context, cutoffMs int64) ([]domain.Command, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT command_id, tenant_id, project_id, target, payload, status, issued_by, issued_at_ms
		   FROM commands WHERE status='accepted' AND issued_at_ms < $1`, cutoffMs)
	if err != nil {
		return nil, fmt.Errorf("list accepted commands: %w", err)
	}
	defer rows.Close()
	var out []domain.Command
	for rows.Next() {
		var (
			cmd     domain.Command
			status  string
			payload []byte
		)
		if err := rows.Scan(&cmd.CommandID, &cmd.TenantID, &cmd.ProjectID, &cmd.Target, &payload, &status, &cmd.IssuedBy, &cmd.IssuedAtMs); err != nil {
			return nil, fmt.Errorf("scan command: %w", err)
		}
		cmd.Status = domain.CommandStatus(status)
		cmd.Payload, _ = unmarshalPayload(payload)
		out = append(out, cmd)
	}
	return out, rows.Err()
}

// ReceiptStore appends to command_receipts.
type ReceiptStore struct{ pool *pgxpool.Pool }

func NewReceiptStore(pool *pgxpool.Pool) *ReceiptStore { return &ReceiptStore{pool: pool} }

func (s *ReceiptStore) Insert(ctx context.Context, tc tenantctx.TenantContext, r domain.CommandReceipt) error {
	if err := tc.CheckScope(r.TenantID, r.ProjectID); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO command_receipts (receipt_id, tenant_id, project_id, command_id, ts_ms, status, message)
		 VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		r.ReceiptID, r.TenantID, r.ProjectID, r.CommandID, r.TsMs, string(r.Status), r.Message,
	)
	if err != nil {
		return fmt.Errorf("insert receipt: %w", err)
	}
	return nil
}

// AuditStore appends to audit_records.
type AuditStore struct{ pool *pgxpool.Pool }

func NewAuditStore(pool *pgxpool.Pool) *AuditStore { return &AuditStore{pool: pool} }

func (s *AuditStore) Insert(ctx context.Context, tc tenantctx.TenantContext, rec domain.AuditRecord) error {
	if err := tc.CheckScope(rec.TenantID, rec.ProjectID); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO audit_records (audit_id, tenant_id, project_id, actor, action, resource, result, detail, ts_ms)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		rec.AuditID, rec.TenantID, nullIfEmpty(rec.ProjectID), rec.Actor, rec.Action, rec.Resource, rec.Result, rec.Detail, rec.TsMs,
	)
	if err != nil {
		return fmt.Errorf("insert audit record: %w", err)
	}
	return nil
}

func nullIfEmpty(s string) pgtype.Text {
	return pgtype.Text{String: s, Valid: s != ""}
}

// RequiredExtensionName is the Postgres extension the measurements table's
// time-series layout depends on.
const RequiredExtensionName = "timescaledb"

// CheckExtension reports whether RequiredExtensionName is installed in the
// connected database. Callers that require it should treat a false result
// (or a non-nil error) as a fatal-startup condition.
func CheckExtension(ctx context.Context, pool *pgxpool.Pool, name string) (bool, error) {
	var present bool
	err := pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM pg_extension WHERE extname = $1)`, name).Scan(&present)
	if err != nil {
		return false, fmt.Errorf("check pg_extension %q: %w", name, err)
	}
	return present, nil
}
