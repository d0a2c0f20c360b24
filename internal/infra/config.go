// Package infra holds process-wide ambient concerns that are not part of
// any single component's domain logic: configuration, Redis key/channel
// namespace, and tenant-context propagation.
package infra

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the single immutable configuration value built once at startup
// from file + environment. No component ever mutates it at runtime.
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Redis        RedisConfig        `mapstructure:"redis"`
	Crypto       CryptoConfig       `mapstructure:"crypto"`
	Token        TokenConfig        `mapstructure:"token"`
	Approval     ApprovalConfig     `mapstructure:"approval"`
	Retry        RetryConfig        `mapstructure:"retry"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	EventBus     EventBusConfig     `mapstructure:"event_bus"`
	Idempotency  IdempotencyConfig  `mapstructure:"idempotency"`
	Logger       LoggerConfig       `mapstructure:"logger"`
	ToolProto    ToolProtoConfig    `mapstructure:"tool_proto"`
}

// ServerConfig is the HTTP /v1 surface's listener configuration.
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// DatabaseConfig is the Postgres pool configuration.
type DatabaseConfig struct {
	URL      string `mapstructure:"url"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

// RedisConfig is the Redis connection used for pub/sub, streams, and caches.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// CryptoConfig is spec.md §6.4's `crypto.signing_key_ref` and the key
// material it resolves to, loaded from file or inline env data.
type CryptoConfig struct {
	SigningKeyRef   string `mapstructure:"signing_key_ref"`
	PrivateKeyPath  string `mapstructure:"private_key_path"`
	PublicKeyPath   string `mapstructure:"public_key_path"`
	PrivateKeyB64   string // resolved, base64 raw ed25519 private key
	PublicKeyB64    string // resolved, base64 raw ed25519 public key
}

// TokenConfig is spec.md §6.4's `token.max_ttl_seconds`.
type TokenConfig struct {
	MaxTTLSeconds int `mapstructure:"max_ttl_seconds"`
}

// ApprovalConfig is spec.md §6.4's `approval.default_deadline_seconds`.
type ApprovalConfig struct {
	DefaultDeadlineSeconds int `mapstructure:"default_deadline_seconds"`
}

// RetryConfig is spec.md §6.4's `retry.*` block.
type RetryConfig struct {
	MaxAttempts  int     `mapstructure:"max_attempts"`
	BaseDelayMS  int     `mapstructure:"base_delay_ms"`
	MaxDelayMS   int     `mapstructure:"max_delay_ms"`
	JitterRatio  float64 `mapstructure:"jitter_ratio"`
}

// OrchestratorConfig is spec.md §6.4's `orchestrator.*` block.
type OrchestratorConfig struct {
	MaxConcurrentRunsPerTenant int  `mapstructure:"max_concurrent_runs_per_tenant"`
	DemoFallbackEnabled        bool `mapstructure:"demo_fallback_enabled"`
}

// EventBusConfig is spec.md §6.4's `event_bus.*` block.
type EventBusConfig struct {
	StreamRetentionDays int    `mapstructure:"stream_retention_days"`
	MaxDeliver          int    `mapstructure:"max_deliver"`
	DLQSubject          string `mapstructure:"dlq_subject"`
}

// IdempotencyConfig is spec.md §6.4's `idempotency.record_ttl_hours`.
type IdempotencyConfig struct {
	RecordTTLHours int `mapstructure:"record_ttl_hours"`
}

// LoggerConfig configures the zap logger built at startup.
type LoggerConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// ToolProtoConfig is the gRPC Tool Protocol client's target endpoint.
type ToolProtoConfig struct {
	Addr           string        `mapstructure:"addr"`
	ProtocolVersion string       `mapstructure:"protocol_version"`
	CallTimeout    time.Duration `mapstructure:"call_timeout"`
}

// LoadConfig builds a Config from ./config.yaml (or ./configs/config.yaml),
// overridden by environment variables with `.` replaced by `_`.
func LoadConfig() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("infra: read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("infra: decode config: %w", err)
	}

	cfg.Crypto.PrivateKeyB64 = loadKeyResource(cfg.Crypto.PrivateKeyPath, "CRYPTO_PRIVATE_KEY_DATA")
	cfg.Crypto.PublicKeyB64 = loadKeyResource(cfg.Crypto.PublicKeyPath, "CRYPTO_PUBLIC_KEY_DATA")

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 10*time.Second)
	v.SetDefault("server.write_timeout", 10*time.Second)

	v.SetDefault("database.max_conns", 15)
	v.SetDefault("database.min_conns", 5)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)

	v.SetDefault("token.max_ttl_seconds", 300)
	v.SetDefault("approval.default_deadline_seconds", 3600)

	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.base_delay_ms", 200)
	v.SetDefault("retry.max_delay_ms", 5000)
	v.SetDefault("retry.jitter_ratio", 0.2)

	v.SetDefault("orchestrator.max_concurrent_runs_per_tenant", 50)
	v.SetDefault("orchestrator.demo_fallback_enabled", false)

	v.SetDefault("event_bus.stream_retention_days", 7)
	v.SetDefault("event_bus.max_deliver", 5)
	v.SetDefault("event_bus.dlq_subject", "events.dlq")

	v.SetDefault("idempotency.record_ttl_hours", 24)

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")

	v.SetDefault("tool_proto.protocol_version", "v1")
	v.SetDefault("tool_proto.call_timeout", 30*time.Second)
}

// loadKeyResource prefers inline env data (for container deployments) over
// the on-disk path named in config.
func loadKeyResource(path string, envDataKey string) string {
	if data := os.Getenv(envDataKey); data != "" {
		return data
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			return strings.TrimSpace(string(data))
		}
	}
	return ""
}
