// Package rediskv implements store.RealtimeStore against Redis via
// github.com/redis/go-redis/v9, grounded in public-api-service's
// sdk_handler.go (same client, same Get/redis.Nil-miss handling pattern).
// Key layout matches the documented config table exactly.
package rediskv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/zw834675966/ems/internal/domain"
	"github.com/zw834675966/ems/internal/tenantctx"
)

// Store implements store.RealtimeStore.
type Store struct {
	client *redis.Client
}

// New wraps an existing *redis.Client.
func New(client *redis.Client) *Store { return &Store{client: client} }

func lastValueKey(tenant, project, pointID string) string {
	return fmt.Sprintf("tenant:%s:project:%s:point:%s:last_value", tenant, project, pointID)
}

func onlineKey(tenant, project, kind, id string) string {
	return fmt.Sprintf("tenant:%s:project:%s:%s:%s:online", tenant, project, kind, id)
}

type lastValueJSON struct {
	TsMs    int64  `json:"ts_ms"`
	Value   string `json:"value"`
	Quality string `json:"quality"`
}

func (s *Store) UpsertLastValue(ctx context.Context, tc tenantctx.TenantContext, project, pointID string, v domain.LastValue, ttl int64) error {
	if err := tc.CheckScope(tc.TenantID, project); err != nil {
		return err
	}
	body, err := json.Marshal(lastValueJSON{TsMs: v.TsMs, Value: v.Value, Quality: string(v.Quality)})
	if err != nil {
		return fmt.Errorf("marshal last value: %w", err)
	}
	var exp time.Duration
	if ttl > 0 {
		exp = time.Duration(ttl) * time.Second
	}
	if err := s.client.Set(ctx, lastValueKey(tc.TenantID, project, pointID), body, exp).Err(); err != nil {
		return fmt.Errorf("redis SET last_value: %w", err)
	}
	return nil
}

func (s *Store) GetLastValue(ctx context.Context, tc tenantctx.TenantContext, project, pointID string) (domain.LastValue, bool, error) {
	val, err := s.client.Get(ctx, lastValueKey(tc.TenantID, project, pointID)).Result()
	if errors.Is(err, redis.Nil) {
		return domain.LastValue{}, false, nil
	}
	if err != nil {
		return domain.LastValue{}, false, fmt.Errorf("redis GET last_value: %w", err)
	}
	var lv lastValueJSON
	if err := json.Unmarshal([]byte(val), &lv); err != nil {
		return domain.LastValue{}, false, fmt.Errorf("unmarshal last value: %w", err)
	}
	return domain.LastValue{TsMs: lv.TsMs, Value: lv.Value, Quality: domain.Quality(lv.Quality)}, true, nil
}

func (s *Store) Touch(ctx context.Context, tc tenantctx.TenantContext, project, kind, id string, nowMs int64, ttlSeconds int64) error {
	if err := tc.CheckScope(tc.TenantID, project); err != nil {
		return err
	}
	var exp time.Duration
	if ttlSeconds > 0 {
		exp = time.Duration(ttlSeconds) * time.Second
	}
	key := onlineKey(tc.TenantID, project, kind, id)
	if err := s.client.Set(ctx, key, strconv.FormatInt(nowMs, 10), exp).Err(); err != nil {
		return fmt.Errorf("redis SET online marker: %w", err)
	}
	return nil
}

func (s *Store) IsOnline(ctx context.Context, tc tenantctx.TenantContext, project, kind, id string) (bool, error) {
	n, err := s.client.Exists(ctx, onlineKey(tc.TenantID, project, kind, id)).Result()
	if err != nil {
		return false, fmt.Errorf("redis EXISTS online marker: %w", err)
	}
	return n > 0, nil
}
