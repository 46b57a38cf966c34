// Package config handles server configuration loading and validation.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// knownWeakSecrets is a blocklist of secrets that must never be used in production.
var knownWeakSecrets = map[string]bool{
	"local-dev-secret-for-testing-only-32chars!": true,
	"changeme": true,
	"secret":   true,
}

// GenerateRandomSecret returns a cryptographically random 64-character hex string
// suitable for use as a JWT secret.
func GenerateRandomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Config is the top-level server configuration.
type Config struct {
	Server    ServerConfig    `json:"server" yaml:"server"`
	Auth      AuthConfig      `json:"auth" yaml:"auth"`
	Storage   StorageConfig   `json:"storage" yaml:"storage"`
	Presence  PresenceConfig  `json:"presence,omitempty" yaml:"presence,omitempty"`
	Session   SessionConfig   `json:"session,omitempty" yaml:"session,omitempty"`
	Logging   LoggingConfig   `json:"logging,omitempty" yaml:"logging,omitempty"`
	RateLimit RateLimitConfig `json:"rate_limit,omitempty" yaml:"rate_limit,omitempty"`
}

// ServerConfig defines the listener settings.
type ServerConfig struct {
	Addr           string   `json:"addr" yaml:"addr"` // e.g. ":8080"
	TLSCert        string   `json:"tls_cert,omitempty" yaml:"tls_cert,omitempty"`
	TLSKey         string   `json:"tls_key,omitempty" yaml:"tls_key,omitempty"`
	AllowedOrigins []string `json:"allowed_origins,omitempty" yaml:"allowed_origins,omitempty"` // CORS + WebSocket origins; default ["*"]
	MaxBodyBytes   int64    `json:"max_body_bytes,omitempty" yaml:"max_body_bytes,omitempty"`   // default 1MB
}

// AuthConfig defines authentication settings.
type AuthConfig struct {
	Provider  string   `json:"provider,omitempty" yaml:"provider,omitempty"` // "builtin" (default) or "jwks"
	JWTSecret string   `json:"jwt_secret,omitempty" yaml:"jwt_secret,omitempty"`
	JWTExpiry Duration `json:"jwt_expiry,omitempty" yaml:"jwt_expiry,omitempty"`
	JWKSURL   string   `json:"jwks_url,omitempty" yaml:"jwks_url,omitempty"` // required for provider "jwks"
	Issuer    string   `json:"issuer,omitempty" yaml:"issuer,omitempty"`     // expected "iss" for provider "jwks"
}

// StorageConfig defines database settings.
type StorageConfig struct {
	Driver         string   `json:"driver" yaml:"driver"` // "sqlite" (default) or "postgres"
	DSN            string   `json:"dsn" yaml:"dsn"`       // e.g. "parley.db" or ":memory:"
	AuditRetention Duration `json:"audit_retention,omitempty" yaml:"audit_retention,omitempty"`
}

// PresenceConfig selects where "who is online" records are kept.
type PresenceConfig struct {
	Driver        string `json:"driver,omitempty" yaml:"driver,omitempty"` // "store" (default) or "redis"
	RedisAddr     string `json:"redis_addr,omitempty" yaml:"redis_addr,omitempty"`
	RedisPassword string `json:"redis_password,omitempty" yaml:"redis_password,omitempty"`
	RedisDB       int    `json:"redis_db,omitempty" yaml:"redis_db,omitempty"`
	KeyPrefix     string `json:"key_prefix,omitempty" yaml:"key_prefix,omitempty"` // default "parley"
}

// SessionConfig defines live-connection behavior.
type SessionConfig struct {
	MaxMessageBytes int64    `json:"max_message_bytes,omitempty" yaml:"max_message_bytes,omitempty"` // max inbound frame; default 64KB
	CloseSuperseded *bool    `json:"close_superseded,omitempty" yaml:"close_superseded,omitempty"`   // default true
	SendTimeout     Duration `json:"send_timeout,omitempty" yaml:"send_timeout,omitempty"`           // per-frame write deadline; default 10s
}

// ShouldCloseSuperseded reports whether a reconnect shuts down the older session.
func (s SessionConfig) ShouldCloseSuperseded() bool {
	return s.CloseSuperseded == nil || *s.CloseSuperseded
}

// LoggingConfig defines logging settings.
type LoggingConfig struct {
	Level  string `json:"level,omitempty" yaml:"level,omitempty"`
	Format string `json:"format,omitempty" yaml:"format,omitempty"` // "json" or "text"
}

// RateLimitConfig defines HTTP rate limiting settings.
type RateLimitConfig struct {
	RequestsPerSecond float64 `json:"requests_per_second,omitempty" yaml:"requests_per_second,omitempty"` // default 10
	Burst             int     `json:"burst,omitempty" yaml:"burst,omitempty"`                             // default 20
}

// Duration is a JSON- and YAML-friendly time.Duration.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	return d.set(v)
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var v any
	if err := node.Decode(&v); err != nil {
		return err
	}
	return d.set(v)
}

func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

func (d *Duration) set(v any) error {
	switch val := v.(type) {
	case string:
		dur, err := time.ParseDuration(val)
		if err != nil {
			return err
		}
		d.Duration = dur
	case float64:
		d.Duration = time.Duration(val) * time.Second
	case int:
		d.Duration = time.Duration(val) * time.Second
	default:
		return fmt.Errorf("invalid duration: %v", v)
	}
	return nil
}

// Load reads and validates a config file. Files ending in .yaml or .yml are
// parsed as YAML, everything else as JSON.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &cfg)
	default:
		err = json.Unmarshal(data, &cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	switch c.Auth.Provider {
	case "", "builtin":
		if c.Auth.JWTSecret == "" {
			return fmt.Errorf("auth.jwt_secret is required")
		}
	case "jwks":
		if c.Auth.JWKSURL == "" {
			return fmt.Errorf("auth.jwks_url is required when provider is jwks")
		}
	default:
		return fmt.Errorf("unknown auth.provider %q", c.Auth.Provider)
	}
	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth.jwt_secret must be at least 32 characters")
	}
	if knownWeakSecrets[c.Auth.JWTSecret] {
		return fmt.Errorf("auth.jwt_secret is a well-known weak secret, generate a new one")
	}
	switch c.Storage.Driver {
	case "", "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported storage.driver %q", c.Storage.Driver)
	}
	switch c.Presence.Driver {
	case "", "store":
	case "redis":
		if c.Presence.RedisAddr == "" {
			return fmt.Errorf("presence.redis_addr is required when driver is redis")
		}
	default:
		return fmt.Errorf("unsupported presence.driver %q", c.Presence.Driver)
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Auth.Provider == "" {
		c.Auth.Provider = "builtin"
	}
	if c.Auth.JWTExpiry.Duration == 0 {
		c.Auth.JWTExpiry.Duration = 60 * time.Minute
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "sqlite"
	}
	if c.Storage.DSN == "" {
		c.Storage.DSN = "parley.db"
	}
	if c.Storage.AuditRetention.Duration == 0 {
		c.Storage.AuditRetention.Duration = 30 * 24 * time.Hour // 30 days
	}
	if c.Presence.Driver == "" {
		c.Presence.Driver = "store"
	}
	if c.Presence.KeyPrefix == "" {
		c.Presence.KeyPrefix = "parley"
	}
	if c.Session.MaxMessageBytes == 0 {
		c.Session.MaxMessageBytes = 64 * 1024 // 64KB
	}
	if c.Session.SendTimeout.Duration == 0 {
		c.Session.SendTimeout.Duration = 10 * time.Second
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if len(c.Server.AllowedOrigins) == 0 {
		c.Server.AllowedOrigins = []string{"*"}
	}
	if c.Server.MaxBodyBytes == 0 {
		c.Server.MaxBodyBytes = 1024 * 1024 // 1MB
	}
	if c.RateLimit.RequestsPerSecond == 0 {
		c.RateLimit.RequestsPerSecond = 10
	}
	if c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = 20
	}
}
