// Package config provides configuration helpers that define runtime defaults,
// validation, and environment overrides for the relay server.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"go.uber.org/multierr"
)

var log = logging.Logger("config")

// RateLimitConfig defines the parameters for per-connection message rate limiting.
type RateLimitConfig struct {
	Burst          int           `yaml:"burst"`
	RefillInterval time.Duration `yaml:"refill_interval"`
}

// TransferConfig bounds chunked transfers.
type TransferConfig struct {
	MaxChunkSize int64         `yaml:"max_chunk_size"`
	Deadline     time.Duration `yaml:"deadline"`
	StateGrace   time.Duration `yaml:"state_grace"`
}

// StorageConfig locates materialized artifacts.
type StorageConfig struct {
	ArtifactDir string        `yaml:"artifact_dir"`
	ArtifactTTL time.Duration `yaml:"artifact_ttl"`
}

// Config holds the server configuration settings including security controls.
type Config struct {
	Port                string          `yaml:"port"`
	AllowedOrigins      []string        `yaml:"allowed_origins"`
	MaxMessageSize      int64           `yaml:"max_message_size"`
	RateLimit           RateLimitConfig `yaml:"rate_limit"`
	HeartbeatInterval   time.Duration   `yaml:"heartbeat_interval"`
	Transfer            TransferConfig  `yaml:"transfer"`
	Storage             StorageConfig   `yaml:"storage"`
	ForwardExcludeRoles []string        `yaml:"forward_exclude_roles"`
	LogLevel            string          `yaml:"log_level"`
}

// Default values for every setting.
const (
	DefaultPort              = ":8080"
	DefaultMaxMessageSize    = 8 << 20
	DefaultRateLimitBurst    = 200
	DefaultRefillInterval    = time.Second
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultMaxChunkSize      = 4 << 20
	DefaultTransferDeadline  = 30 * time.Minute
	DefaultStateGrace        = 5 * time.Minute
	DefaultArtifactTTL       = 30 * time.Minute
	DefaultLogLevel          = "info"
)

// DefaultArtifactDir is the artifact directory used when none is configured.
func DefaultArtifactDir() string {
	return filepath.Join(os.TempDir(), "relayhub-artifacts")
}

// NewConfig creates a Config instance populated with default values for all settings.
func NewConfig() *Config {
	return &Config{
		Port: DefaultPort,
		AllowedOrigins: []string{
			"http://localhost:8080",
		},
		MaxMessageSize: DefaultMaxMessageSize,
		RateLimit: RateLimitConfig{
			Burst:          DefaultRateLimitBurst,
			RefillInterval: DefaultRefillInterval,
		},
		HeartbeatInterval: DefaultHeartbeatInterval,
		Transfer: TransferConfig{
			MaxChunkSize: DefaultMaxChunkSize,
			Deadline:     DefaultTransferDeadline,
			StateGrace:   DefaultStateGrace,
		},
		Storage: StorageConfig{
			ArtifactDir: DefaultArtifactDir(),
			ArtifactTTL: DefaultArtifactTTL,
		},
		LogLevel: DefaultLogLevel,
	}
}

// applyDefaults fills zero values left by a partial YAML file.
func (c *Config) applyDefaults() {
	d := NewConfig()
	if c.Port == "" {
		c.Port = d.Port
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = d.MaxMessageSize
	}
	if c.RateLimit.Burst <= 0 {
		c.RateLimit.Burst = d.RateLimit.Burst
	}
	if c.RateLimit.RefillInterval <= 0 {
		c.RateLimit.RefillInterval = d.RateLimit.RefillInterval
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.Transfer.MaxChunkSize <= 0 {
		c.Transfer.MaxChunkSize = d.Transfer.MaxChunkSize
	}
	if c.Transfer.Deadline <= 0 {
		c.Transfer.Deadline = d.Transfer.Deadline
	}
	if c.Transfer.StateGrace <= 0 {
		c.Transfer.StateGrace = d.Transfer.StateGrace
	}
	if c.Storage.ArtifactDir == "" {
		c.Storage.ArtifactDir = d.Storage.ArtifactDir
	}
	if c.Storage.ArtifactTTL <= 0 {
		c.Storage.ArtifactTTL = d.Storage.ArtifactTTL
	}
	if c.LogLevel == "" {
		c.LogLevel = d.LogLevel
	}
}

// NewConfigFromEnv creates a Config instance from environment variables.
// Falls back to default values if environment variables are not set.
func NewConfigFromEnv() *Config {
	cfg := NewConfig()
	cfg.ApplyEnv()
	return cfg
}

// ApplyEnv overrides fields with any environment variables that are set.
// Unparseable values are logged and ignored.
func (c *Config) ApplyEnv() {
	if port := os.Getenv("SERVER_PORT"); port != "" {
		c.Port = port
	}

	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		c.AllowedOrigins = parseList(origins)
	}

	if maxSize := os.Getenv("MAX_MESSAGE_SIZE"); maxSize != "" {
		c.MaxMessageSize = parseSize("MAX_MESSAGE_SIZE", maxSize, c.MaxMessageSize)
	}

	if burst := os.Getenv("RATE_LIMIT_BURST"); burst != "" {
		c.RateLimit.Burst = parseIntValue("RATE_LIMIT_BURST", burst, c.RateLimit.Burst)
	}

	if interval := os.Getenv("RATE_LIMIT_REFILL_INTERVAL"); interval != "" {
		c.RateLimit.RefillInterval = parseDuration("RATE_LIMIT_REFILL_INTERVAL", interval, c.RateLimit.RefillInterval)
	}

	if size := os.Getenv("MAX_CHUNK_SIZE"); size != "" {
		c.Transfer.MaxChunkSize = parseSize("MAX_CHUNK_SIZE", size, c.Transfer.MaxChunkSize)
	}

	if deadline := os.Getenv("TRANSFER_DEADLINE"); deadline != "" {
		c.Transfer.Deadline = parseDuration("TRANSFER_DEADLINE", deadline, c.Transfer.Deadline)
	}

	if grace := os.Getenv("TRANSFER_STATE_GRACE"); grace != "" {
		c.Transfer.StateGrace = parseDuration("TRANSFER_STATE_GRACE", grace, c.Transfer.StateGrace)
	}

	if heartbeat := os.Getenv("HEARTBEAT_INTERVAL"); heartbeat != "" {
		c.HeartbeatInterval = parseDuration("HEARTBEAT_INTERVAL", heartbeat, c.HeartbeatInterval)
	}

	if dir := os.Getenv("ARTIFACT_DIR"); dir != "" {
		c.Storage.ArtifactDir = dir
	}

	if ttl := os.Getenv("ARTIFACT_TTL"); ttl != "" {
		c.Storage.ArtifactTTL = parseDuration("ARTIFACT_TTL", ttl, c.Storage.ArtifactTTL)
	}

	if roles := os.Getenv("FORWARD_EXCLUDE_ROLES"); roles != "" {
		c.ForwardExcludeRoles = parseList(roles)
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		c.LogLevel = level
	}
}

// Validate reports every invalid field at once.
func (c *Config) Validate() error {
	var err error
	if c.Port == "" {
		err = multierr.Append(err, errors.New("port is required"))
	}
	if c.MaxMessageSize <= 0 {
		err = multierr.Append(err, errors.New("max_message_size must be positive"))
	}
	if c.Transfer.MaxChunkSize <= 0 {
		err = multierr.Append(err, errors.New("transfer.max_chunk_size must be positive"))
	}
	// A base64 chunk plus its envelope must fit in one frame.
	if c.Transfer.MaxChunkSize > 0 && c.MaxMessageSize > 0 && c.Transfer.MaxChunkSize*4/3 > c.MaxMessageSize {
		err = multierr.Append(err, fmt.Errorf("transfer.max_chunk_size %d does not fit in max_message_size %d once base64 encoded",
			c.Transfer.MaxChunkSize, c.MaxMessageSize))
	}
	if c.RateLimit.Burst <= 0 {
		err = multierr.Append(err, errors.New("rate_limit.burst must be positive"))
	}
	if c.RateLimit.RefillInterval <= 0 {
		err = multierr.Append(err, errors.New("rate_limit.refill_interval must be positive"))
	}
	if c.HeartbeatInterval <= 0 {
		err = multierr.Append(err, errors.New("heartbeat_interval must be positive"))
	}
	if c.Transfer.Deadline <= 0 {
		err = multierr.Append(err, errors.New("transfer.deadline must be positive"))
	}
	if c.Transfer.StateGrace < 0 {
		err = multierr.Append(err, errors.New("transfer.state_grace must not be negative"))
	}
	if c.Storage.ArtifactDir == "" {
		err = multierr.Append(err, errors.New("storage.artifact_dir is required"))
	}
	if c.Storage.ArtifactTTL <= 0 {
		err = multierr.Append(err, errors.New("storage.artifact_ttl must be positive"))
	}
	if _, lvlErr := logging.LevelFromString(c.LogLevel); lvlErr != nil {
		err = multierr.Append(err, fmt.Errorf("log_level: %w", lvlErr))
	}
	for _, role := range c.ForwardExcludeRoles {
		if !knownRole(role) {
			err = multierr.Append(err, fmt.Errorf("forward_exclude_roles: unknown role %q", role))
		}
	}
	return err
}

var roleNames = []string{"unknown", "controller", "transfer_client", "monitor"}

func knownRole(name string) bool {
	name = strings.ToLower(strings.TrimSpace(name))
	for _, r := range roleNames {
		if r == name {
			return true
		}
	}
	return false
}

func parseList(value string) []string {
	parts := strings.Split(value, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseSize(key, value string, defaultValue int64) int64 {
	if size, err := strconv.ParseInt(value, 10, 64); err == nil && size > 0 {
		return size
	}
	log.Warnw("ignoring invalid size", "key", key, "value", value)
	return defaultValue
}

func parseIntValue(key, value string, defaultValue int) int {
	if parsed, err := strconv.Atoi(value); err == nil && parsed > 0 {
		return parsed
	}
	log.Warnw("ignoring invalid integer", "key", key, "value", value)
	return defaultValue
}

// parseDuration accepts Go duration syntax or a bare number of seconds.
func parseDuration(key, value string, defaultValue time.Duration) time.Duration {
	if d, err := time.ParseDuration(value); err == nil && d > 0 {
		return d
	}
	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	log.Warnw("ignoring invalid duration", "key", key, "value", value)
	return defaultValue
}
