package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTempFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "relay.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestNewConfigDefaults(t *testing.T) {
	cfg := NewConfig()

	assert.Equal(t, ":8080", cfg.Port)
	assert.Equal(t, []string{"http://localhost:8080"}, cfg.AllowedOrigins)
	assert.Equal(t, int64(DefaultMaxMessageSize), cfg.MaxMessageSize)
	assert.Equal(t, 30*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, 30*time.Minute, cfg.Transfer.Deadline)
	assert.Equal(t, "info", cfg.LogLevel)
	require.NoError(t, cfg.Validate())
}

func TestNewConfigFromEnv(t *testing.T) {
	t.Setenv("SERVER_PORT", ":9090")
	t.Setenv("ALLOWED_ORIGINS", "http://a.example, https://b.example ,")
	t.Setenv("MAX_MESSAGE_SIZE", "1048576")
	t.Setenv("RATE_LIMIT_BURST", "50")
	t.Setenv("RATE_LIMIT_REFILL_INTERVAL", "2")
	t.Setenv("TRANSFER_DEADLINE", "10m")
	t.Setenv("HEARTBEAT_INTERVAL", "15s")
	t.Setenv("MAX_CHUNK_SIZE", "65536")
	t.Setenv("ARTIFACT_DIR", "/var/lib/relay")
	t.Setenv("FORWARD_EXCLUDE_ROLES", "transfer_client")

	cfg := NewConfigFromEnv()

	assert.Equal(t, ":9090", cfg.Port)
	assert.Equal(t, []string{"http://a.example", "https://b.example"}, cfg.AllowedOrigins)
	assert.Equal(t, int64(1048576), cfg.MaxMessageSize)
	assert.Equal(t, 50, cfg.RateLimit.Burst)
	assert.Equal(t, 2*time.Second, cfg.RateLimit.RefillInterval)
	assert.Equal(t, 10*time.Minute, cfg.Transfer.Deadline)
	assert.Equal(t, 15*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, int64(65536), cfg.Transfer.MaxChunkSize)
	assert.Equal(t, "/var/lib/relay", cfg.Storage.ArtifactDir)
	assert.Equal(t, []string{"transfer_client"}, cfg.ForwardExcludeRoles)
	require.NoError(t, cfg.Validate())
}

func TestInvalidEnvFallsBackToDefaults(t *testing.T) {
	t.Setenv("MAX_MESSAGE_SIZE", "-5")
	t.Setenv("RATE_LIMIT_BURST", "lots")
	t.Setenv("TRANSFER_DEADLINE", "soon")

	cfg := NewConfigFromEnv()

	assert.Equal(t, int64(DefaultMaxMessageSize), cfg.MaxMessageSize)
	assert.Equal(t, DefaultRateLimitBurst, cfg.RateLimit.Burst)
	assert.Equal(t, DefaultTransferDeadline, cfg.Transfer.Deadline)
}

func TestResolveFromYAML(t *testing.T) {
	t.Setenv("RELAY_DIR", "/srv/relay")
	path := writeTempFile(t, `
port: ":7000"
heartbeat_interval: 10s
transfer:
  deadline: 5m
storage:
  artifact_dir: ${RELAY_DIR}/artifacts
log_level: debug
`)

	cfg, err := Resolve(path)
	require.NoError(t, err)

	assert.Equal(t, ":7000", cfg.Port)
	assert.Equal(t, 10*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, 5*time.Minute, cfg.Transfer.Deadline)
	assert.Equal(t, DefaultStateGrace, cfg.Transfer.StateGrace)
	assert.Equal(t, "/srv/relay/artifacts", cfg.Storage.ArtifactDir)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, []string{"http://localhost:8080"}, cfg.AllowedOrigins)
}

func TestResolveEnvOverridesYAML(t *testing.T) {
	path := writeTempFile(t, "port: \":7000\"\n")
	t.Setenv("SERVER_PORT", ":7001")

	cfg, err := Resolve(path)
	require.NoError(t, err)
	assert.Equal(t, ":7001", cfg.Port)
}

func TestResolveMissingFile(t *testing.T) {
	_, err := Resolve(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestValidateReportsEveryProblem(t *testing.T) {
	cfg := NewConfig()
	cfg.Port = ""
	cfg.LogLevel = "loud"
	cfg.ForwardExcludeRoles = []string{"admin"}
	cfg.Transfer.MaxChunkSize = cfg.MaxMessageSize

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "port is required")
	assert.Contains(t, err.Error(), "log_level")
	assert.Contains(t, err.Error(), `unknown role "admin"`)
	assert.Contains(t, err.Error(), "does not fit")
}
