// Package config loads and validates the agent configuration from a YAML file.
// Configuration is read once at startup and treated as immutable afterwards;
// the only mutable piece of runtime state is the master secret, which is
// reloaded through an explicit rotation operation (SIGHUP or a change to the
// secret file).
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML values can be written as "30s", "5m"
// and so on. Plain integers are accepted as nanoseconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw interface{}
	if err := node.Decode(&raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", v, err)
		}
		*d = Duration(parsed)
		return nil
	case int:
		*d = Duration(v)
		return nil
	default:
		return fmt.Errorf("invalid duration value %v", raw)
	}
}

// Config is the full agent configuration.
type Config struct {
	Agent    AgentConfig    `yaml:"agent"`
	Upstream UpstreamConfig `yaml:"upstream"`
	Security SecurityConfig `yaml:"security"`
	Registry RegistryConfig `yaml:"registry"`
	Audit    AuditConfig    `yaml:"audit"`
}

// AgentConfig holds the local HTTP server settings.
type AgentConfig struct {
	Bind            string          `yaml:"bind"`
	Port            int             `yaml:"port"`
	LogLevel        string          `yaml:"log_level"`
	RequestDeadline Duration        `yaml:"request_deadline"`
	MaxInFlight     int64           `yaml:"max_in_flight"`
	QueueWait       Duration        `yaml:"queue_wait"`
	RateLimit       RateLimitConfig `yaml:"rate_limit"`
}

// RateLimitConfig holds optional ingress rate limiting settings.
type RateLimitConfig struct {
	Enabled        bool    `yaml:"enabled"`
	RequestsPerSec float64 `yaml:"requests_per_sec"`
	Burst          int     `yaml:"burst"`
}

// UpstreamConfig holds settings for the remote ingestion API.
type UpstreamConfig struct {
	ServerURL  string        `yaml:"server_url"`
	AgentToken string        `yaml:"agent_token"`
	Timeout    Duration      `yaml:"timeout"`
	Retry      RetryConfig   `yaml:"retry"`
	Breaker    BreakerConfig `yaml:"breaker"`
}

// RetryConfig bounds the delivery retry policy.
type RetryConfig struct {
	MaxAttempts     int      `yaml:"max_attempts"`
	InitialInterval Duration `yaml:"initial_interval"`
	MaxInterval     Duration `yaml:"max_interval"`
	MaxElapsed      Duration `yaml:"max_elapsed"`
}

// BreakerConfig tunes the upstream circuit breaker.
type BreakerConfig struct {
	FailureThreshold int      `yaml:"failure_threshold"`
	Cooldown         Duration `yaml:"cooldown"`
}

// SecurityConfig holds the master secret source and payload limits.
type SecurityConfig struct {
	// MasterSecret is the base64-encoded master secret. Mutually exclusive
	// with MasterSecretFile.
	MasterSecret string `yaml:"master_secret"`
	// MasterSecretFile points at a file containing the base64-encoded master
	// secret. The file is watched for changes; a rewrite rotates the secret.
	MasterSecretFile string   `yaml:"master_secret_file"`
	Algorithm        string   `yaml:"algorithm"`
	AllowedAppKeys   []string `yaml:"allowed_app_keys"`
	MaxPayloadBytes  int64    `yaml:"max_payload_bytes"`
	MaxPayloadDepth  int      `yaml:"max_payload_depth"`
}

// RegistryConfig controls identifier registry auto-sync.
type RegistryConfig struct {
	Enabled      bool     `yaml:"enabled"`
	SyncInterval Duration `yaml:"sync_interval"`
}

// AuditConfig controls the delivery audit trail.
type AuditConfig struct {
	Enabled       bool     `yaml:"enabled"`
	Path          string   `yaml:"path"`
	FlushInterval Duration `yaml:"flush_interval"`
	BatchSize     int      `yaml:"batch_size"`
}

// Load reads and parses the configuration file, applies defaults and
// validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Agent.Bind == "" {
		c.Agent.Bind = "127.0.0.1"
	}
	if c.Agent.Port == 0 {
		c.Agent.Port = 9000
	}
	if c.Agent.LogLevel == "" {
		c.Agent.LogLevel = "info"
	}
	if c.Agent.RequestDeadline == 0 {
		c.Agent.RequestDeadline = Duration(60 * time.Second)
	}
	if c.Agent.MaxInFlight == 0 {
		c.Agent.MaxInFlight = 64
	}
	if c.Agent.RateLimit.RequestsPerSec == 0 {
		c.Agent.RateLimit.RequestsPerSec = 100
	}
	if c.Agent.RateLimit.Burst == 0 {
		c.Agent.RateLimit.Burst = 200
	}
	if c.Upstream.Timeout == 0 {
		c.Upstream.Timeout = Duration(10 * time.Second)
	}
	if c.Upstream.Retry.MaxAttempts == 0 {
		c.Upstream.Retry.MaxAttempts = 3
	}
	if c.Upstream.Retry.InitialInterval == 0 {
		c.Upstream.Retry.InitialInterval = Duration(500 * time.Millisecond)
	}
	if c.Upstream.Retry.MaxInterval == 0 {
		c.Upstream.Retry.MaxInterval = Duration(5 * time.Second)
	}
	if c.Upstream.Retry.MaxElapsed == 0 {
		c.Upstream.Retry.MaxElapsed = Duration(30 * time.Second)
	}
	if c.Upstream.Breaker.FailureThreshold == 0 {
		c.Upstream.Breaker.FailureThreshold = 5
	}
	if c.Upstream.Breaker.Cooldown == 0 {
		c.Upstream.Breaker.Cooldown = Duration(30 * time.Second)
	}
	if c.Security.Algorithm == "" {
		c.Security.Algorithm = "auto"
	}
	if c.Security.MaxPayloadBytes == 0 {
		c.Security.MaxPayloadBytes = 256 * 1024
	}
	if c.Security.MaxPayloadDepth == 0 {
		c.Security.MaxPayloadDepth = 32
	}
	if c.Registry.SyncInterval == 0 {
		c.Registry.SyncInterval = Duration(60 * time.Second)
	}
	if c.Audit.FlushInterval == 0 {
		c.Audit.FlushInterval = Duration(5 * time.Second)
	}
	if c.Audit.BatchSize == 0 {
		c.Audit.BatchSize = 100
	}
}

// Validate checks that the configuration is complete and consistent.
func (c *Config) Validate() error {
	if c.Upstream.ServerURL == "" {
		return fmt.Errorf("upstream.server_url is required")
	}
	if !strings.HasPrefix(c.Upstream.ServerURL, "http://") && !strings.HasPrefix(c.Upstream.ServerURL, "https://") {
		return fmt.Errorf("upstream.server_url must be an http(s) URL")
	}
	if c.Security.MasterSecret == "" && c.Security.MasterSecretFile == "" {
		return fmt.Errorf("one of security.master_secret or security.master_secret_file is required")
	}
	if c.Security.MasterSecret != "" && c.Security.MasterSecretFile != "" {
		return fmt.Errorf("security.master_secret and security.master_secret_file are mutually exclusive")
	}
	switch c.Security.Algorithm {
	case "auto", "aes-256-gcm", "chacha20-poly1305":
	default:
		return fmt.Errorf("security.algorithm must be one of auto, aes-256-gcm, chacha20-poly1305")
	}
	if c.Registry.Enabled && c.Upstream.AgentToken == "" {
		return fmt.Errorf("registry.enabled requires upstream.agent_token")
	}
	if c.Audit.Enabled && c.Audit.Path == "" {
		return fmt.Errorf("audit.enabled requires audit.path")
	}
	return nil
}

// ReadMasterSecret returns the raw base64-encoded master secret from whichever
// source is configured. Decoding and length validation happen in the crypto
// package so the secret has a single parsing path.
func (c *Config) ReadMasterSecret() (string, error) {
	if c.Security.MasterSecret != "" {
		return c.Security.MasterSecret, nil
	}
	data, err := os.ReadFile(c.Security.MasterSecretFile)
	if err != nil {
		return "", fmt.Errorf("failed to read master secret file: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}
