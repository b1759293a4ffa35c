package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

const minimalConfig = `
upstream:
  server_url: https://ingest.example.com
security:
  master_secret: c2VjcmV0LXNlY3JldC1zZWNyZXQtc2VjcmV0ISE=
`

func TestLoad_AppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", cfg.Agent.Bind)
	assert.Equal(t, 9000, cfg.Agent.Port)
	assert.Equal(t, "info", cfg.Agent.LogLevel)
	assert.Equal(t, Duration(60*time.Second), cfg.Agent.RequestDeadline)
	assert.Equal(t, int64(64), cfg.Agent.MaxInFlight)
	assert.Equal(t, Duration(10*time.Second), cfg.Upstream.Timeout)
	assert.Equal(t, 3, cfg.Upstream.Retry.MaxAttempts)
	assert.Equal(t, Duration(500*time.Millisecond), cfg.Upstream.Retry.InitialInterval)
	assert.Equal(t, Duration(5*time.Second), cfg.Upstream.Retry.MaxInterval)
	assert.Equal(t, Duration(30*time.Second), cfg.Upstream.Retry.MaxElapsed)
	assert.Equal(t, 5, cfg.Upstream.Breaker.FailureThreshold)
	assert.Equal(t, Duration(30*time.Second), cfg.Upstream.Breaker.Cooldown)
	assert.Equal(t, "auto", cfg.Security.Algorithm)
	assert.Equal(t, int64(256*1024), cfg.Security.MaxPayloadBytes)
	assert.Equal(t, 32, cfg.Security.MaxPayloadDepth)
	assert.Equal(t, Duration(60*time.Second), cfg.Registry.SyncInterval)
	assert.False(t, cfg.Registry.Enabled)
	assert.False(t, cfg.Audit.Enabled)
}

func TestLoad_FullConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
agent:
  bind: 0.0.0.0
  port: 8443
  log_level: debug
  request_deadline: 45s
  max_in_flight: 128
  queue_wait: 250ms
  rate_limit:
    enabled: true
    requests_per_sec: 50
    burst: 75
upstream:
  server_url: https://ingest.example.com
  agent_token: tok-123
  timeout: 5s
  retry:
    max_attempts: 4
    initial_interval: 100ms
  breaker:
    failure_threshold: 2
    cooldown: 10s
security:
  master_secret_file: /etc/nexus/master.key
  algorithm: chacha20-poly1305
  allowed_app_keys:
    - app_prod_*
registry:
  enabled: true
  sync_interval: 2m
audit:
  enabled: true
  path: /var/log/nexus/audit.log
`))
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Agent.Bind)
	assert.Equal(t, 8443, cfg.Agent.Port)
	assert.Equal(t, Duration(45*time.Second), cfg.Agent.RequestDeadline)
	assert.Equal(t, Duration(250*time.Millisecond), cfg.Agent.QueueWait)
	assert.True(t, cfg.Agent.RateLimit.Enabled)
	assert.Equal(t, 50.0, cfg.Agent.RateLimit.RequestsPerSec)
	assert.Equal(t, "tok-123", cfg.Upstream.AgentToken)
	assert.Equal(t, 4, cfg.Upstream.Retry.MaxAttempts)
	assert.Equal(t, Duration(100*time.Millisecond), cfg.Upstream.Retry.InitialInterval)
	assert.Equal(t, 2, cfg.Upstream.Breaker.FailureThreshold)
	assert.Equal(t, "chacha20-poly1305", cfg.Security.Algorithm)
	assert.Equal(t, []string{"app_prod_*"}, cfg.Security.AllowedAppKeys)
	assert.Equal(t, Duration(2*time.Minute), cfg.Registry.SyncInterval)
	assert.Equal(t, "/var/log/nexus/audit.log", cfg.Audit.Path)
}

func TestLoad_ValidationFailures(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantMsg string
	}{
		{
			"missing server_url",
			`security: {master_secret: abc}`,
			"upstream.server_url is required",
		},
		{
			"server_url not http",
			"upstream: {server_url: ftp://x}\nsecurity: {master_secret: abc}",
			"must be an http(s) URL",
		},
		{
			"missing secret",
			`upstream: {server_url: "https://x"}`,
			"master_secret",
		},
		{
			"both secret sources",
			"upstream: {server_url: \"https://x\"}\nsecurity: {master_secret: abc, master_secret_file: /tmp/k}",
			"mutually exclusive",
		},
		{
			"bad algorithm",
			"upstream: {server_url: \"https://x\"}\nsecurity: {master_secret: abc, algorithm: rot13}",
			"security.algorithm",
		},
		{
			"registry without token",
			"upstream: {server_url: \"https://x\"}\nsecurity: {master_secret: abc}\nregistry: {enabled: true}",
			"agent_token",
		},
		{
			"audit without path",
			"upstream: {server_url: \"https://x\"}\nsecurity: {master_secret: abc}\naudit: {enabled: true}",
			"audit.path",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			require.Error(t, err)
			require.Contains(t, err.Error(), tt.wantMsg)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yml"))
	require.Error(t, err)
}

func TestLoad_MalformedYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "agent: [not: a: mapping"))
	require.Error(t, err)
}

func TestDuration_Unmarshal(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig+`
agent:
  request_deadline: 1m30s
`))
	require.NoError(t, err)
	require.Equal(t, Duration(90*time.Second), cfg.Agent.RequestDeadline)

	_, err = Load(writeConfig(t, minimalConfig+`
agent:
  request_deadline: soonish
`))
	require.Error(t, err)
}

func TestReadMasterSecret_Inline(t *testing.T) {
	cfg := &Config{}
	cfg.Security.MasterSecret = "aW5saW5l"

	secret, err := cfg.ReadMasterSecret()
	require.NoError(t, err)
	require.Equal(t, "aW5saW5l", secret)
}

func TestReadMasterSecret_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "master.key")
	require.NoError(t, os.WriteFile(path, []byte("ZnJvbS1maWxl\n"), 0o600))

	cfg := &Config{}
	cfg.Security.MasterSecretFile = path

	secret, err := cfg.ReadMasterSecret()
	require.NoError(t, err)
	require.Equal(t, "ZnJvbS1maWxl", secret, "trailing newline is trimmed")

	cfg.Security.MasterSecretFile = filepath.Join(t.TempDir(), "missing")
	_, err = cfg.ReadMasterSecret()
	require.Error(t, err)
}
