// Package normalizer implements the Normalizer component:
// resolving a RawEvent's (tenant,project,source,address) against
// PointMapping configuration and producing a typed PointValue.
package normalizer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/zw834675966/ems/internal/domain"
	"github.com/zw834675966/ems/internal/store"
	"github.com/zw834675966/ems/internal/tenantctx"
)

// ErrorKind enumerates the normalizer's non-fatal error categories.
type ErrorKind int

const (
	NoMapping ErrorKind = iota
	InvalidPayload
	InvalidTimestamp
)

// NormalizeError wraps a non-fatal normalization failure. These are never
// fatal: callers count and drop.
type NormalizeError struct {
	Kind ErrorKind
	Err  error
}

func (e *NormalizeError) Error() string { return e.Err.Error() }
func (e *NormalizeError) Unwrap() error { return e.Err }

func newErr(kind ErrorKind, format string, args ...any) *NormalizeError {
	return &NormalizeError{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// Normalizer resolves RawEvents into PointValues.
type Normalizer struct {
	mappings store.MappingStore
	cache    *MappingCache // optional; nil disables caching
}

// New constructs a Normalizer. cache may be nil to always hit the store.
func New(mappings store.MappingStore, cache *MappingCache) *Normalizer {
	return &Normalizer{mappings: mappings, cache: cache}
}

// Normalize resolves the mapping, parses and transforms the payload, and
// assembles the resulting PointValue.
func (n *Normalizer) Normalize(ctx context.Context, tc tenantctx.TenantContext, ev domain.RawEvent) (domain.PointValue, error) {
	mapping, err := n.lookupMapping(ctx, tc, ev)
	if err != nil {
		if errors.Is(err, store.ErrMappingNotFound) {
			return domain.PointValue{}, newErr(NoMapping, "no mapping for tenant=%s project=%s source=%q address=%q", ev.Tenant, ev.Project, ev.SourceID, ev.Address)
		}
		return domain.PointValue{}, fmt.Errorf("mapping lookup: %w", err)
	}

	value, err := parsePayload(ev.Payload, mapping)
	if err != nil {
		return domain.PointValue{}, err
	}

	if mapping.HasTransform() {
		value, err = applyTransform(value, mapping)
		if err != nil {
			return domain.PointValue{}, err
		}
	}

	tsMs := ev.ReceivedAtMs
	if override, ok := extractTsMsOverride(ev.Payload); ok {
		tsMs = override
	}

	pv := domain.PointValue{
		TenantID:  ev.Tenant,
		ProjectID: ev.Project,
		PointID:   mapping.PointID,
		TsMs:      tsMs,
		Value:     value,
		GatewayID: mapping.GatewayID,
		DeviceID:  mapping.DeviceID,
	}
	return pv, nil
}

func (n *Normalizer) lookupMapping(ctx context.Context, tc tenantctx.TenantContext, ev domain.RawEvent) (domain.PointMapping, error) {
	if n.cache != nil {
		return n.cache.Get(ctx, tc, ev.Project, ev.SourceID, ev.Address, func() (domain.PointMapping, error) {
			return n.mappings.Lookup(ctx, tc, ev.Project, "broker", ev.Address, ev.SourceID)
		})
	}
	return n.mappings.Lookup(ctx, tc, ev.Project, "broker", ev.Address, ev.SourceID)
}

// parsePayload attempts an f64 parse of the
// raw UTF-8 payload; on failure, if the payload is valid JSON, take the
// leaf at mapping.JSONPath (or the whole object as a string). The declared
// data type, when present, picks the tag of a numeric result; JSON bool and
// string leaves keep their own kind.
func parsePayload(payload []byte, mapping domain.PointMapping) (domain.Value, error) {
	text := strings.TrimSpace(string(payload))

	if f, err := strconv.ParseFloat(text, 64); err == nil {
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return domain.Value{}, newErr(InvalidPayload, "non-finite numeric payload %q", text)
		}
		return tagValue(f, mapping), nil
	}

	var generic any
	if err := json.Unmarshal(payload, &generic); err != nil {
		return domain.Value{}, newErr(InvalidPayload, "payload is neither a number nor valid JSON: %q", text)
	}

	leaf := generic
	if mapping.JSONPath != "" {
		var ok bool
		leaf, ok = walkJSONPath(generic, mapping.JSONPath)
		if !ok {
			return domain.Value{}, newErr(InvalidPayload, "json_path %q not found in payload", mapping.JSONPath)
		}
	}

	switch v := leaf.(type) {
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return domain.Value{}, newErr(InvalidPayload, "non-finite numeric JSON leaf")
		}
		return tagValue(v, mapping), nil
	case bool:
		return domain.Value{Kind: domain.ValueBool, Bool: v}, nil
	case string:
		return domain.Value{Kind: domain.ValueString, Str: v}, nil
	default:
		b, _ := json.Marshal(v)
		return domain.Value{Kind: domain.ValueString, Str: string(b)}, nil
	}
}

// tagValue applies the point's declared data type to a parsed numeric,
// defaulting to f64.
func tagValue(f float64, mapping domain.PointMapping) domain.Value {
	switch mapping.DataType {
	case "i64":
		return domain.Value{Kind: domain.ValueInt64, I64: int64(f)}
	case "bool":
		return domain.Value{Kind: domain.ValueBool, Bool: f != 0}
	case "string":
		return domain.Value{Kind: domain.ValueString, Str: strconv.FormatFloat(f, 'g', -1, 64)}
	default:
		return domain.Value{Kind: domain.ValueFloat64, F64: f}
	}
}

// extractTsMsOverride looks for an explicit "tsMs" field in a JSON payload
// object, used to override RawEvent.ReceivedAtMs. Any
// non-object payload (the common scalar case) simply has no such field.
func extractTsMsOverride(payload []byte) (int64, bool) {
	var m map[string]any
	if err := json.Unmarshal(payload, &m); err != nil {
		return 0, false
	}
	raw, ok := m["tsMs"]
	if !ok {
		return 0, false
	}
	f, ok := raw.(float64)
	if !ok {
		return 0, false
	}
	return int64(f), true
}

// walkJSONPath resolves a dotted path (e.g. "data.value") against a decoded
// JSON value. No extra dependency is needed for this: the path grammar is a
// plain dotted-key walk over map[string]any, well within what
// encoding/json + strings.Split already provide (see DESIGN.md for why
// this stays on the standard library).
func walkJSONPath(v any, path string) (any, bool) {
	cur := v
	for _, key := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[key]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// applyTransform computes value := value*scale + offset.
func applyTransform(v domain.Value, mapping domain.PointMapping) (domain.Value, error) {
	var f float64
	switch v.Kind {
	case domain.ValueFloat64:
		f = v.F64
	case domain.ValueInt64:
		f = float64(v.I64)
	default:
		return domain.Value{}, newErr(InvalidPayload, "linear transform requested on non-numeric value kind %s", v.Kind)
	}
	scale := 1.0
	if mapping.Scale != nil {
		scale = *mapping.Scale
	}
	offset := 0.0
	if mapping.Offset != nil {
		offset = *mapping.Offset
	}
	result := f*scale + offset
	if math.IsNaN(result) || math.IsInf(result, 0) {
		return domain.Value{}, newErr(InvalidPayload, "linear transform produced a non-finite value")
	}
	if v.Kind == domain.ValueInt64 {
		return domain.Value{Kind: domain.ValueInt64, I64: int64(result)}, nil
	}
	return domain.Value{Kind: domain.ValueFloat64, F64: result}, nil
}
