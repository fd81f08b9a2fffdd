package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment variable overrides.
const (
	EnvConfigPath    = "CONFIG_PATH"
	EnvDBConnection  = "DB_CONNECTION"
	EnvRedisAddr     = "REDIS_ADDR"
	EnvJWTSecret     = "JWT_SECRET"
	EnvJWTExpiry     = "JWT_EXPIRY"
	EnvCredentialKey = "CREDENTIAL_KEY"
	EnvTokenSalt     = "TOKEN_SALT"
	EnvAdminUsername = "ADMIN_USERNAME"
	EnvAdminPassword = "ADMIN_PASSWORD"
)

// ErrMissingDatabaseDSN indicates no database DSN is present in the config file.
var ErrMissingDatabaseDSN = errors.New("missing database dsn (set `database-dsn` or `database.dsn` in config file)")

// ResolveConfigPath normalizes the config path and applies defaults.
func ResolveConfigPath(p string) string {
	trimmed := strings.TrimSpace(p)
	if trimmed == "" {
		trimmed = "./config.yaml"
	}
	if abs, err := filepath.Abs(trimmed); err == nil {
		return abs
	}
	return trimmed
}

// RedisConfig holds counter-store connection settings.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// JWTConfig holds admin session secret and expiry settings.
type JWTConfig struct {
	Secret string        `yaml:"secret"`
	Expiry time.Duration `yaml:"expiry"`
}

// AdminConfig seeds the initial admin account when no accounts exist yet.
type AdminConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// AlertingConfig holds budget-alert delivery settings.
type AlertingConfig struct {
	WebhookURL     string        `yaml:"webhook-url"`
	WebhookTimeout time.Duration `yaml:"webhook-timeout"`
}

// CacheConfig holds response-cache defaults.
type CacheConfig struct {
	TTLSeconds        int     `yaml:"ttl-seconds"`
	SemanticThreshold float64 `yaml:"semantic-threshold"`
	SemanticBucketCap int     `yaml:"semantic-bucket-cap"`
	MemoryEntryCap    int     `yaml:"memory-entry-cap"`
}

// RouterConfig holds the structural signals used by auto routing.
type RouterConfig struct {
	MaxSimpleTokens    int `yaml:"max-simple-tokens"`
	MaxSimpleSystemLen int `yaml:"max-simple-system-len"`
}

// FallbackConfig holds cross-provider retry settings.
type FallbackConfig struct {
	AttemptTimeout time.Duration `yaml:"attempt-timeout"`
	BackoffBase    time.Duration `yaml:"backoff-base"`
	BackoffCap     time.Duration `yaml:"backoff-cap"`
}

// ObservabilityConfig holds event batching and rate settings.
type ObservabilityConfig struct {
	SinkURL         string        `yaml:"sink-url"`
	FlushInterval   time.Duration `yaml:"flush-interval"`
	BatchSize       int           `yaml:"batch-size"`
	OrgEventsPerMin int           `yaml:"org-events-per-min"`
}

// Config is the full application configuration.
type Config struct {
	Port int `yaml:"port"`

	DatabaseDSN string `yaml:"database-dsn"`
	Database    struct {
		DSN string `yaml:"dsn"`
	} `yaml:"database"`

	Redis RedisConfig `yaml:"redis"`
	JWT   JWTConfig   `yaml:"jwt"`

	// CredentialKey seals provider credentials at rest; hex-encoded 32 bytes.
	CredentialKey string `yaml:"credential-key"`

	// TokenSalt is mixed into proxy-key token hashes.
	TokenSalt string `yaml:"token-salt"`

	Admin    AdminConfig    `yaml:"admin"`
	Alerting AlertingConfig `yaml:"alerting"`

	// ReconcileInterval is how often counters are rebuilt from the log table.
	ReconcileInterval time.Duration `yaml:"reconcile-interval"`

	Cache         CacheConfig         `yaml:"cache"`
	Router        RouterConfig        `yaml:"router"`
	Fallback      FallbackConfig      `yaml:"fallback"`
	Observability ObservabilityConfig `yaml:"observability"`

	// UpstreamTimeout bounds a single provider call.
	UpstreamTimeout time.Duration `yaml:"upstream-timeout"`
}

// Defaults applied when the config file omits values.
const (
	defaultPort              = 8318
	defaultCacheTTLSeconds   = 3600
	defaultSemanticThreshold = 0.85
	defaultSemanticBucketCap = 200
	defaultMemoryEntryCap    = 4096
	defaultMaxSimpleTokens   = 400
	defaultMaxSimpleSystem   = 200
	defaultJWTExpiry         = 30 * 24 * time.Hour
	defaultUpstreamTimeout   = 60 * time.Second
	defaultAttemptTimeout    = 20 * time.Second
	defaultBackoffBase       = 200 * time.Millisecond
	defaultBackoffCap        = 2 * time.Second
	defaultFlushInterval     = 5 * time.Second
	defaultBatchSize         = 100
	defaultOrgEventsPerMin   = 600
	defaultReconcileInterval = 15 * time.Minute
)

// Load reads the YAML config file and applies env overrides and defaults.
func Load(configPath string) (Config, error) {
	var cfg Config

	data, errRead := os.ReadFile(configPath)
	if errRead == nil {
		if errUnmarshal := yaml.Unmarshal(data, &cfg); errUnmarshal != nil {
			return Config{}, fmt.Errorf("parse config file: %w", errUnmarshal)
		}
	} else if !os.IsNotExist(errRead) {
		return Config{}, fmt.Errorf("read config file: %w", errRead)
	}

	if dsn := strings.TrimSpace(os.Getenv(EnvDBConnection)); dsn != "" {
		cfg.DatabaseDSN = dsn
	}
	if addr := strings.TrimSpace(os.Getenv(EnvRedisAddr)); addr != "" {
		cfg.Redis.Addr = addr
	}
	if secret := strings.TrimSpace(os.Getenv(EnvJWTSecret)); secret != "" {
		cfg.JWT.Secret = secret
	}
	if expiryRaw := strings.TrimSpace(os.Getenv(EnvJWTExpiry)); expiryRaw != "" {
		if expiry, errParse := time.ParseDuration(expiryRaw); errParse == nil && expiry > 0 {
			cfg.JWT.Expiry = expiry
		}
	}
	if key := strings.TrimSpace(os.Getenv(EnvCredentialKey)); key != "" {
		cfg.CredentialKey = key
	}
	if salt := strings.TrimSpace(os.Getenv(EnvTokenSalt)); salt != "" {
		cfg.TokenSalt = salt
	}
	if username := strings.TrimSpace(os.Getenv(EnvAdminUsername)); username != "" {
		cfg.Admin.Username = username
	}
	if password := os.Getenv(EnvAdminPassword); password != "" {
		cfg.Admin.Password = password
	}

	cfg.applyDefaults()
	return cfg, nil
}

// DSN returns the effective database DSN.
func (c Config) DSN() (string, error) {
	if dsn := strings.TrimSpace(c.DatabaseDSN); dsn != "" {
		return dsn, nil
	}
	if dsn := strings.TrimSpace(c.Database.DSN); dsn != "" {
		return dsn, nil
	}
	return "", ErrMissingDatabaseDSN
}

func (c *Config) applyDefaults() {
	if c.Port <= 0 || c.Port > 65535 {
		c.Port = defaultPort
	}
	if c.Cache.TTLSeconds <= 0 {
		c.Cache.TTLSeconds = defaultCacheTTLSeconds
	}
	if c.Cache.SemanticThreshold <= 0 || c.Cache.SemanticThreshold > 1 {
		c.Cache.SemanticThreshold = defaultSemanticThreshold
	}
	if c.Cache.SemanticBucketCap <= 0 {
		c.Cache.SemanticBucketCap = defaultSemanticBucketCap
	}
	if c.Cache.MemoryEntryCap <= 0 {
		c.Cache.MemoryEntryCap = defaultMemoryEntryCap
	}
	if c.Router.MaxSimpleTokens <= 0 {
		c.Router.MaxSimpleTokens = defaultMaxSimpleTokens
	}
	if c.Router.MaxSimpleSystemLen <= 0 {
		c.Router.MaxSimpleSystemLen = defaultMaxSimpleSystem
	}
	if c.JWT.Expiry <= 0 {
		c.JWT.Expiry = defaultJWTExpiry
	}
	if c.UpstreamTimeout <= 0 {
		c.UpstreamTimeout = defaultUpstreamTimeout
	}
	if c.Fallback.AttemptTimeout <= 0 {
		c.Fallback.AttemptTimeout = defaultAttemptTimeout
	}
	if c.Fallback.BackoffBase <= 0 {
		c.Fallback.BackoffBase = defaultBackoffBase
	}
	if c.Fallback.BackoffCap <= 0 {
		c.Fallback.BackoffCap = defaultBackoffCap
	}
	if c.Observability.FlushInterval <= 0 {
		c.Observability.FlushInterval = defaultFlushInterval
	}
	if c.Observability.BatchSize <= 0 {
		c.Observability.BatchSize = defaultBatchSize
	}
	if c.Observability.OrgEventsPerMin <= 0 {
		c.Observability.OrgEventsPerMin = defaultOrgEventsPerMin
	}
	if c.ReconcileInterval <= 0 {
		c.ReconcileInterval = defaultReconcileInterval
	}
}
