// Package config loads the settlement core's runtime configuration: a YAML
// file decoded with gopkg.in/yaml.v2, then environment overrides applied on
// top, then defaults filled in for anything still zero-valued — the same
// three-stage shape as the teacher's original internal/config/config.go,
// retargeted from the OCX sandbox-proxy's env vars to spec.md §6's.
package config

import (
	"encoding/json"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v2"
)

// Config is the settlement core's top-level configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Store      StoreConfig      `yaml:"store"`
	Ops        OpsConfig        `yaml:"ops"`
	Autotick   AutotickConfig   `yaml:"autotick"`
	Delivery   DeliveryConfig   `yaml:"delivery"`
	Evidence   EvidenceConfig   `yaml:"evidence"`
	Webhook    WebhookConfig    `yaml:"webhook"`
	Keyset     KeysetConfig     `yaml:"keyset"`
	Idempotent IdempotentConfig `yaml:"idempotency"`
	Redis      RedisConfig      `yaml:"redis"`
	PubSub     PubSubConfig     `yaml:"pubsub"`
	CloudTasks CloudTasksConfig `yaml:"cloud_tasks"`
}

// ServerConfig is the HTTP listener's own timeouts, grounded on the
// teacher's ServerConfig shape.
type ServerConfig struct {
	Port            string `yaml:"port"`
	Env             string `yaml:"env"`
	ReadTimeoutSec  int    `yaml:"read_timeout_sec"`
	WriteTimeoutSec int    `yaml:"write_timeout_sec"`
	IdleTimeoutSec  int    `yaml:"idle_timeout_sec"`
	ShutdownSec     int    `yaml:"shutdown_timeout_sec"`
}

// StoreConfig selects and configures the persistence back-end (spec.md §4.C).
type StoreConfig struct {
	Backend          string `yaml:"backend"` // "mem" | "pg"
	DatabaseURL      string `yaml:"database_url"`
	PGSchema         string `yaml:"pg_schema"`
	MigrateOnStartup bool   `yaml:"migrate_on_startup"`
}

// OpsConfig carries the ops-token allowlist for cross-tenant callers
// (spec.md §4.J `x-proxy-ops-token`).
type OpsConfig struct {
	Tokens []string `yaml:"tokens"`
}

// AutotickConfig drives the background scheduler (spec.md §4.K).
type AutotickConfig struct {
	Enabled    bool `yaml:"enabled"`
	IntervalMs int  `yaml:"interval_ms"`
}

// DeliveryConfig bounds the outbox worker's outbound HTTP calls (spec.md §5).
type DeliveryConfig struct {
	HTTPTimeoutMs int `yaml:"http_timeout_ms"`
}

// EvidenceConfig selects where tool-call evidence payloads land. Only
// metadata lives here; the actual fs/s3 client construction is the
// caller's job (cmd/server), matching the teacher's convention of keeping
// credential wiring out of the Config struct itself.
type EvidenceConfig struct {
	Store           string `yaml:"store"` // "fs" | "s3"
	FSPath          string `yaml:"fs_path"`
	S3Bucket        string `yaml:"s3_bucket"`
	S3Region        string `yaml:"s3_region"`
	S3Endpoint      string `yaml:"s3_endpoint"`
}

// WebhookConfig is the destination registry loaded from
// PROXY_EXPORT_DESTINATIONS (a JSON map tenantId -> destination[]).
type WebhookConfig struct {
	Destinations map[string][]WebhookDestination `yaml:"destinations"`
	TimestampToleranceSec int `yaml:"timestamp_tolerance_sec"`
}

// WebhookDestination is one tenant's registered receiver.
type WebhookDestination struct {
	ID     string   `yaml:"id" json:"id"`
	URL    string   `yaml:"url" json:"url"`
	Secret string   `yaml:"secret" json:"secret"`
	Topics []string `yaml:"topics" json:"topics"`
}

// KeysetConfig names the SPIFFE trust domain keyset kids are minted under
// (spec.md §4.M, SPEC_FULL.md).
type KeysetConfig struct {
	TrustDomain string `yaml:"trust_domain"`
	MaxPrevious int    `yaml:"max_previous"`
}

// IdempotentConfig bounds how long a stored idempotency snapshot is replayed.
type IdempotentConfig struct {
	TTLHours int `yaml:"ttl_hours"`
}

// RedisConfig enables the optional read-through idempotency cache
// (internal/infra.IdempotencyCache, SPEC_FULL.md §4.H). An empty Addr
// leaves the cache unwired; the middleware falls through to the Store on
// every lookup, exactly as if Redis were never configured.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// PubSubConfig selects Google Cloud Pub/Sub as the outbox's delivery
// transport instead of direct HTTP webhook POSTs (SPEC_FULL.md §2 DOMAIN
// STACK). HTTP delivery remains the default; this is additive.
type PubSubConfig struct {
	Enabled   bool   `yaml:"enabled"`
	ProjectID string `yaml:"project_id"`
	TopicID   string `yaml:"topic_id"`
}

// CloudTasksConfig selects Google Cloud Tasks as an alternate, rate-limited
// outbox delivery transport (SPEC_FULL.md §2 DOMAIN STACK).
type CloudTasksConfig struct {
	Enabled        bool   `yaml:"enabled"`
	ProjectID      string `yaml:"project_id"`
	Location       string `yaml:"location"`
	QueueID        string `yaml:"queue_id"`
	TargetURL      string `yaml:"target_url"`
}

var (
	instance *Config
	once     sync.Once
)

// Get returns the process-wide config singleton, loading CONFIG_PATH (or
// "config.yaml") once and applying environment overrides and defaults.
func Get() *Config {
	once.Do(func() {
		cfg, err := LoadConfig(getEnv("CONFIG_PATH", "config.yaml"))
		if err != nil {
			slog.Warn("config: no config file found, using environment and defaults", "error", err)
			cfg = &Config{}
		}
		cfg.applyEnvOverrides()
		instance = cfg
	})
	return instance
}

// LoadConfig decodes a YAML config file. A missing file is not fatal;
// callers fall back to environment variables and defaults.
func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnvOverrides maps spec.md §6's environment variable subset onto the
// config, then fills remaining zero values with applyDefaults.
func (c *Config) applyEnvOverrides() {
	c.Server.Port = getEnv("PORT", c.Server.Port)
	c.Server.Env = getEnv("PROXY_ENV", c.Server.Env)

	c.Store.Backend = getEnv("STORE", c.Store.Backend)
	c.Store.DatabaseURL = getEnv("DATABASE_URL", c.Store.DatabaseURL)
	c.Store.PGSchema = getEnv("PROXY_PG_SCHEMA", c.Store.PGSchema)
	c.Store.MigrateOnStartup = getEnvBool("PROXY_MIGRATE_ON_STARTUP", c.Store.MigrateOnStartup)

	if tokens := getEnv("PROXY_OPS_TOKENS", ""); tokens != "" {
		c.Ops.Tokens = splitCSV(tokens)
	}

	c.Autotick.Enabled = getEnvBool("PROXY_AUTOTICK", c.Autotick.Enabled)
	if v := getEnvInt("PROXY_AUTOTICK_INTERVAL_MS", 0); v > 0 {
		c.Autotick.IntervalMs = v
	}

	if v := getEnvInt("PROXY_DELIVERY_HTTP_TIMEOUT_MS", 0); v > 0 {
		c.Delivery.HTTPTimeoutMs = v
	}

	c.Evidence.Store = getEnv("PROXY_EVIDENCE_STORE", c.Evidence.Store)
	c.Evidence.FSPath = getEnv("PROXY_EVIDENCE_FS_PATH", c.Evidence.FSPath)
	c.Evidence.S3Bucket = getEnv("PROXY_EVIDENCE_S3_BUCKET", c.Evidence.S3Bucket)
	c.Evidence.S3Region = getEnv("AWS_REGION", c.Evidence.S3Region)
	c.Evidence.S3Endpoint = getEnv("PROXY_EVIDENCE_S3_ENDPOINT", c.Evidence.S3Endpoint)

	if raw := getEnv("PROXY_EXPORT_DESTINATIONS", ""); raw != "" {
		var parsed map[string][]WebhookDestination
		if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
			slog.Warn("config: PROXY_EXPORT_DESTINATIONS is not valid JSON, ignoring", "error", err)
		} else {
			c.Webhook.Destinations = parsed
		}
	}

	c.Keyset.TrustDomain = getEnv("PROXY_KEYSET_TRUST_DOMAIN", c.Keyset.TrustDomain)

	c.Redis.Addr = getEnv("REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = getEnv("REDIS_PASSWORD", c.Redis.Password)

	c.applyDefaults()
}

func (c *Config) applyDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = "8080"
	}
	if c.Server.ReadTimeoutSec == 0 {
		c.Server.ReadTimeoutSec = 15
	}
	if c.Server.WriteTimeoutSec == 0 {
		c.Server.WriteTimeoutSec = 15
	}
	if c.Server.IdleTimeoutSec == 0 {
		c.Server.IdleTimeoutSec = 60
	}
	if c.Server.ShutdownSec == 0 {
		c.Server.ShutdownSec = 30
	}
	if c.Store.Backend == "" {
		c.Store.Backend = "mem"
	}
	if c.Store.PGSchema == "" {
		c.Store.PGSchema = "proxy_prod"
	}
	if c.Autotick.IntervalMs == 0 {
		if c.IsProduction() {
			c.Autotick.IntervalMs = 1000
		} else {
			c.Autotick.IntervalMs = 200
		}
	}
	if c.Delivery.HTTPTimeoutMs == 0 {
		c.Delivery.HTTPTimeoutMs = 5000
	}
	if c.Evidence.Store == "" {
		c.Evidence.Store = "fs"
	}
	if c.Evidence.FSPath == "" {
		c.Evidence.FSPath = "./evidence"
	}
	if c.Webhook.TimestampToleranceSec == 0 {
		c.Webhook.TimestampToleranceSec = 300
	}
	if c.Keyset.TrustDomain == "" {
		c.Keyset.TrustDomain = "settld.local"
	}
	if c.Keyset.MaxPrevious == 0 {
		c.Keyset.MaxPrevious = 3
	}
	if c.Idempotent.TTLHours == 0 {
		c.Idempotent.TTLHours = 24
	}
}

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		return v == "true" || v == "1"
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

func splitCSV(s string) []string {
	parts := make([]string, 0)
	for _, p := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return parts
}

// IsProduction reports whether PROXY_ENV is "production".
func (c *Config) IsProduction() bool { return c.Server.Env == "production" }

// OpsTokenSet returns the configured ops tokens as a membership set.
func (c *Config) OpsTokenSet() map[string]bool {
	out := make(map[string]bool, len(c.Ops.Tokens))
	for _, t := range c.Ops.Tokens {
		out[t] = true
	}
	return out
}
