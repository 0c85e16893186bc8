// Package config loads the daemon configuration from a YAML file and applies
// ESIMD_* environment overrides on top.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/technosupport/esimd/internal/esim"
	"github.com/technosupport/esimd/internal/logging"
	"github.com/technosupport/esimd/internal/policy"
	"github.com/technosupport/esimd/internal/ratelimit"
)

const EnvPrefix = "ESIMD"

const (
	BackendNone     = "none"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

type Config struct {
	HTTP    HTTPConfig     `yaml:"http" envconfig:"HTTP"`
	Logging logging.Config `yaml:"logging" envconfig:"LOG"`
	Store   StoreConfig    `yaml:"store" envconfig:"STORE"`
	NATS    NATSConfig     `yaml:"nats" envconfig:"NATS"`
	Policy  PolicyConfig   `yaml:"policy" envconfig:"POLICY"`
	SMDS    SMDSConfig     `yaml:"smds" envconfig:"SMDS"`
	Auth    AuthConfig     `yaml:"auth" envconfig:"AUTH"`
	Limits  LimitsConfig   `yaml:"rate_limit" envconfig:"RATE_LIMIT"`
	Audit   AuditConfig    `yaml:"audit" envconfig:"AUDIT"`
}

type HTTPConfig struct {
	Addr string `yaml:"addr" envconfig:"ADDR"`
}

type StoreConfig struct {
	Backend    string           `yaml:"backend" envconfig:"BACKEND"`
	Redis      RedisConfig      `yaml:"redis" envconfig:"REDIS"`
	Postgres   PostgresConfig   `yaml:"postgres" envconfig:"POSTGRES"`
	Encryption EncryptionConfig `yaml:"encryption" envconfig:"ENCRYPTION"`
}

// EncryptionConfig seals stored activation codes when Keys is non-empty.
// Keys maps key ids to base64 AES-256 keys; retired keys stay listed until
// every value sealed with them has been rewritten.
type EncryptionConfig struct {
	Keys      map[string]string `yaml:"keys" envconfig:"KEYS"`
	ActiveKID string            `yaml:"active_kid" envconfig:"ACTIVE_KID"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr" envconfig:"ADDR"`
	Password string `yaml:"password" envconfig:"PASSWORD"`
	Prefix   string `yaml:"prefix" envconfig:"PREFIX"`
}

type PostgresConfig struct {
	DSN string `yaml:"dsn" envconfig:"DSN"`
}

type NATSConfig struct {
	Enabled         bool          `yaml:"enabled" envconfig:"ENABLED"`
	URL             string        `yaml:"url" envconfig:"URL"`
	Subject         string        `yaml:"subject" envconfig:"SUBJECT"`
	PublishRetryMax int           `yaml:"publish_retry_max" envconfig:"PUBLISH_RETRY_MAX"`
	RetryDelay      time.Duration `yaml:"retry_delay" envconfig:"RETRY_DELAY"`
}

type PolicyConfig struct {
	// File is the cellular policy document. Empty disables the watcher.
	File          string        `yaml:"file" envconfig:"FILE"`
	PollInterval  time.Duration `yaml:"poll_interval" envconfig:"POLL_INTERVAL"`
	policy.Config `yaml:",inline"`
}

type SMDSConfig struct {
	ActivationCodes []string `yaml:"activation_codes" envconfig:"ACTIVATION_CODES"`
}

// LimitsConfig throttles the API endpoints that start daemon operations.
// Counters live in the redis configured under store.redis.
type LimitsConfig struct {
	Enabled               bool   `yaml:"enabled" envconfig:"ENABLED"`
	Salt                  string `yaml:"salt" envconfig:"SALT"`
	ratelimit.LimitConfig `yaml:",inline"`
}

// AuditConfig records operator actions in store.postgres.
type AuditConfig struct {
	Enabled        bool          `yaml:"enabled" envconfig:"ENABLED"`
	SpoolDir       string        `yaml:"spool_dir" envconfig:"SPOOL_DIR"`
	SpoolMaxMB     int64         `yaml:"spool_max_mb" envconfig:"SPOOL_MAX_MB"`
	ReplayInterval time.Duration `yaml:"replay_interval" envconfig:"REPLAY_INTERVAL"`
}

type AuthConfig struct {
	SigningKey string `yaml:"signing_key" envconfig:"SIGNING_KEY"`
	Issuer     string `yaml:"issuer" envconfig:"ISSUER"`
	// Revocation keeps revoked token ids in store.redis.
	Revocation bool `yaml:"revocation" envconfig:"REVOCATION"`
}

func Default() *Config {
	return &Config{
		HTTP:    HTTPConfig{Addr: ":8089"},
		Logging: logging.DefaultConfig(),
		Store: StoreConfig{
			Backend: BackendRedis,
			Redis:   RedisConfig{Addr: "localhost:6379", Prefix: "esimd"},
		},
		NATS: NATSConfig{
			URL:             "nats://localhost:4222",
			Subject:         "esim.events",
			PublishRetryMax: 3,
			RetryDelay:      100 * time.Millisecond,
		},
		Policy: PolicyConfig{
			PollInterval: 60 * time.Second,
			Config:       policy.DefaultConfig(),
		},
		SMDS: SMDSConfig{ActivationCodes: append([]string(nil), esim.DefaultSmdsActivationCodes...)},
		Auth: AuthConfig{Issuer: "esimd"},
		Audit: AuditConfig{
			SpoolDir:       "/var/lib/esimd/audit_spool",
			SpoolMaxMB:     64,
			ReplayInterval: 30 * time.Second,
		},
		Limits: LimitsConfig{
			LimitConfig: ratelimit.LimitConfig{Rate: 30, Window: time.Minute},
		},
	}
}

// Load reads path over the defaults, then applies environment overrides. An
// empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("env overrides: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.HTTP.Addr == "" {
		errs = append(errs, errors.New("http.addr is required"))
	}
	switch c.Store.Backend {
	case BackendNone:
	case BackendRedis:
		if c.Store.Redis.Addr == "" {
			errs = append(errs, errors.New("store.redis.addr is required"))
		}
	case BackendPostgres:
		if c.Store.Postgres.DSN == "" {
			errs = append(errs, errors.New("store.postgres.dsn is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.backend %q is not one of none, redis, postgres", c.Store.Backend))
	}
	if len(c.Store.Encryption.Keys) > 0 && c.Store.Encryption.ActiveKID == "" {
		errs = append(errs, errors.New("store.encryption.active_kid is required when keys are set"))
	}
	if c.NATS.Enabled && c.NATS.URL == "" {
		errs = append(errs, errors.New("nats.url is required when nats is enabled"))
	}
	if c.Policy.RetryLimit <= 0 {
		errs = append(errs, errors.New("policy.retry_limit must be positive"))
	}
	if c.Policy.Backoff.Multiplier < 1 {
		errs = append(errs, errors.New("policy.backoff.multiplier must be at least 1"))
	}
	if c.Limits.Enabled {
		if c.Limits.Rate <= 0 || c.Limits.Window <= 0 {
			errs = append(errs, errors.New("rate_limit.rate and rate_limit.window must be positive"))
		}
		if c.Store.Redis.Addr == "" {
			errs = append(errs, errors.New("rate_limit requires store.redis.addr"))
		}
	}
	if c.Auth.Revocation && c.Store.Redis.Addr == "" {
		errs = append(errs, errors.New("auth.revocation requires store.redis.addr"))
	}
	if c.Audit.Enabled {
		if c.Store.Postgres.DSN == "" {
			errs = append(errs, errors.New("audit requires store.postgres.dsn"))
		}
		if c.Audit.ReplayInterval <= 0 {
			errs = append(errs, errors.New("audit.replay_interval must be positive"))
		}
	}
	if len(c.SMDS.ActivationCodes) == 0 {
		errs = append(errs, errors.New("smds.activation_codes must not be empty"))
	}
	return errors.Join(errs...)
}
