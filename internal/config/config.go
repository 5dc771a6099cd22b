// Package config loads the backplane's configuration from the environment,
// with an optional Vault KV2 overlay for secrets: env defaults first, then
// Vault for the Postgres/Redis URLs and broker credentials, centralized here
// instead of re-inlined per command.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	vaultapi "github.com/hashicorp/vault/api"
)

// Config is the full set of runtime-tunable options for the backplane.
type Config struct {
	IngestEnabled  bool
	ControlEnabled bool

	Broker BrokerConfig

	CmdQoS     int
	ReceiptQoS int

	DispatchMaxRetries int
	DispatchBackoff    time.Duration

	ReceiptTimeout time.Duration

	Cache CacheConfig

	Pipeline PipelineConfig

	RequireTimeseriesExt bool

	PostgresDSN string
	RedisAddr   string
}

// BrokerConfig is the endpoint and topic-composition configuration.
type BrokerConfig struct {
	Host, Port, User, Pass string
	TopicPrefix            string
	DataPrefix             string
	CmdPrefix              string
	ReceiptPrefix          string
	DataIncludeSourceID    bool
	CmdIncludeTarget       bool
}

// URL returns the nats:// connection string for this broker config.
func (b BrokerConfig) URL() string {
	if b.User == "" {
		return fmt.Sprintf("nats://%s:%s", b.Host, b.Port)
	}
	return fmt.Sprintf("nats://%s:%s@%s:%s", b.User, b.Pass, b.Host, b.Port)
}

// CacheConfig configures the fast KV cache's TTLs.
type CacheConfig struct {
	LastValueTTL time.Duration // zero = no TTL
	OnlineTTL    time.Duration // default 60s
}

// PipelineConfig tunes the write pipeline's batching, retry, and dedup behavior.
type PipelineConfig struct {
	BatchSize      int
	MaxBufferSize  int
	MaxRetries     int
	DedupCacheSize int
	MaxAgeMs       int64 // 0 = disabled
	FlushInterval  time.Duration
}

// Load reads configuration from the environment, applying the documented
// defaults, then, if VAULT_ADDR is set, overlays secrets read from a Vault
// KV2 path. It fails fast (returns an error) if a required value is
// missing from both sources. Resolution order: environment first, Vault
// overlay second.
func Load() (Config, error) {
	cfg := Config{
		IngestEnabled:  envBool("INGEST_ENABLED", true),
		ControlEnabled: envBool("CONTROL_ENABLED", true),
		Broker: BrokerConfig{
			Host:                envStr("BROKER_HOST", "localhost"),
			Port:                envStr("BROKER_PORT", "4222"),
			User:                envStr("BROKER_USER", ""),
			Pass:                envStr("BROKER_PASS", ""),
			TopicPrefix:         envStr("BROKER_TOPIC_PREFIX", "ems"),
			DataPrefix:          envStr("BROKER_DATA_PREFIX", "data"),
			CmdPrefix:           envStr("BROKER_CMD_PREFIX", "commands"),
			ReceiptPrefix:       envStr("BROKER_RECEIPT_PREFIX", "receipts"),
			DataIncludeSourceID: envBool("BROKER_DATA_INCLUDE_SOURCE_ID", false),
			CmdIncludeTarget:    envBool("BROKER_CMD_INCLUDE_TARGET", false),
		},
		CmdQoS:               envInt("CMD_QOS", 1),
		ReceiptQoS:           envInt("RECEIPT_QOS", 1),
		DispatchMaxRetries:   envInt("DISPATCH_MAX_RETRIES", 5),
		DispatchBackoff:      time.Duration(envInt("DISPATCH_BACKOFF_MS", 200)) * time.Millisecond,
		ReceiptTimeout:       time.Duration(envInt("RECEIPT_TIMEOUT_S", 300)) * time.Second,
		RequireTimeseriesExt: envBool("REQUIRE_TIMESERIES_EXT", false),
		Cache: CacheConfig{
			LastValueTTL: time.Duration(envInt("CACHE_LAST_VALUE_TTL_S", 0)) * time.Second,
			OnlineTTL:    time.Duration(envInt("CACHE_ONLINE_TTL_S", 60)) * time.Second,
		},
		Pipeline: PipelineConfig{
			BatchSize:      envInt("PIPELINE_BATCH_SIZE", 200),
			MaxBufferSize:  envInt("PIPELINE_MAX_BUFFER_SIZE", 10_000),
			MaxRetries:     envInt("PIPELINE_MAX_RETRIES", 3),
			DedupCacheSize: envInt("PIPELINE_DEDUP_CACHE_SIZE", 50_000),
			MaxAgeMs:       int64(envInt("PIPELINE_MAX_AGE_MS", 0)),
			FlushInterval:  time.Duration(envInt("PIPELINE_FLUSH_INTERVAL_MS", 1000)) * time.Millisecond,
		},
		PostgresDSN: envStr("PG_URL", ""),
		RedisAddr:   envStr("REDIS_URL", "redis://localhost:6379/0"),
	}

	if vaultAddr := os.Getenv("VAULT_ADDR"); vaultAddr != "" {
		if err := overlayVault(&cfg, vaultAddr); err != nil {
			return Config{}, fmt.Errorf("vault overlay: %w", err)
		}
	}

	if cfg.PostgresDSN == "" {
		return Config{}, fmt.Errorf("missing required configuration: PG_URL")
	}
	return cfg, nil
}

// overlayVault reads PG_URL/REDIS_URL (and broker credentials) from
// a Vault KV2 secret and overlays them onto cfg, mirroring
// go-core/config.SecretManager.GetKV2.
func overlayVault(cfg *Config, vaultAddr string) error {
	token := envStr("VAULT_TOKEN", "")
	secretPath := envStr("VAULT_SECRET_PATH", "secret/data/ems/backplane")

	vcfg := vaultapi.DefaultConfig()
	vcfg.Address = vaultAddr
	client, err := vaultapi.NewClient(vcfg)
	if err != nil {
		return fmt.Errorf("vault client init: %w", err)
	}
	client.SetToken(token)

	secret, err := client.Logical().Read(secretPath)
	if err != nil {
		return fmt.Errorf("read secret at %s: %w", secretPath, err)
	}
	if secret == nil || secret.Data == nil {
		return fmt.Errorf("no data found at %s", secretPath)
	}
	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return fmt.Errorf("unexpected KV2 data shape at %s", secretPath)
	}

	if v, ok := data["PG_URL"].(string); ok && v != "" {
		cfg.PostgresDSN = v
	}
	if v, ok := data["REDIS_URL"].(string); ok && v != "" {
		cfg.RedisAddr = v
	}
	if v, ok := data["BROKER_USER"].(string); ok && v != "" {
		cfg.Broker.User = v
	}
	if v, ok := data["BROKER_PASS"].(string); ok && v != "" {
		cfg.Broker.Pass = v
	}
	return nil
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
