// Package config handles loading and validating Hesabu configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Config is the root configuration for Hesabu.
type Config struct {
	BaseDir       string               `json:"base_dir,omitempty" yaml:"base_dir,omitempty"` // Session workspace root. Default: ~/.hesabu/sessions. Override: HESABU_BASE_DIR env var.
	DataDir       string               `json:"data_dir,omitempty" yaml:"data_dir,omitempty"` // Persistent data directory. Default: ~/.hesabu/data. Override: HESABU_DATA_DIR env var.
	Session       SessionConfig        `json:"session" yaml:"session"`
	Storage       *StorageConfig       `json:"storage,omitempty" yaml:"storage,omitempty"` // nil = SQLite default (derived from data dir)
	Server        ServerConfig         `json:"server" yaml:"server"`
	Sandbox       SandboxConfig        `json:"sandbox" yaml:"sandbox"`
	LLM           LLMConfig            `json:"llm" yaml:"llm"`
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = observability disabled
}

// SessionConfig controls session identity and workspace lifecycle.
type SessionConfig struct {
	TTLSeconds    int    `json:"ttl_seconds" yaml:"ttl_seconds"`       // Idle time before a session expires. Default: 86400 (24h).
	SweepSchedule string `json:"sweep_schedule" yaml:"sweep_schedule"` // Cron expression for the reaper. Default: "0 * * * *" (hourly).
	QuotaBytes    int64  `json:"quota_bytes" yaml:"quota_bytes"`       // Per-session upload quota. 0 = 200 MB default.
}

// TTL returns the session idle TTL with a default of 24h.
func (s SessionConfig) TTL() time.Duration {
	if s.TTLSeconds > 0 {
		return time.Duration(s.TTLSeconds) * time.Second
	}
	return 24 * time.Hour
}

// Quota returns the per-session quota with a default of 200 MB.
func (s SessionConfig) Quota() int64 {
	if s.QuotaBytes > 0 {
		return s.QuotaBytes
	}
	return 200 << 20
}

// Schedule returns the sweep schedule with an hourly default.
func (s SessionConfig) Schedule() string {
	if s.SweepSchedule != "" {
		return s.SweepSchedule
	}
	return "0 * * * *"
}

// StorageConfig configures the session record persistence backend.
// When nil, defaults to SQLite with the database path derived from the data directory.
type StorageConfig struct {
	Driver   string                 `json:"driver" yaml:"driver"`                         // "sqlite" (default) or "postgres".
	SQLite   *SQLiteStorageConfig   `json:"sqlite,omitempty" yaml:"sqlite,omitempty"`     // SQLite-specific settings.
	Postgres *PostgresStorageConfig `json:"postgres,omitempty" yaml:"postgres,omitempty"` // PostgreSQL-specific settings.
}

// StorageDriver returns the configured driver, defaulting to "sqlite".
func (s *StorageConfig) StorageDriver() string {
	if s != nil && s.Driver != "" {
		return s.Driver
	}
	return "sqlite"
}

// SQLiteStorageConfig holds SQLite-specific settings.
type SQLiteStorageConfig struct {
	Path string `json:"path,omitempty" yaml:"path,omitempty"` // Database file path. Default: derived from data dir.
}

// PostgresStorageConfig holds PostgreSQL-specific settings.
type PostgresStorageConfig struct {
	DSN string `json:"dsn" yaml:"dsn"` // Override: HESABU_DB_DSN env var.
}

// ServerConfig configures the HTTP API gateway.
type ServerConfig struct {
	ListenAddr          string          `json:"listen_addr" yaml:"listen_addr"` // Default: ":8080".
	EnableDocs          bool            `json:"enable_docs" yaml:"enable_docs"`
	MaxUploadSizeBytes  int64           `json:"max_upload_size_bytes" yaml:"max_upload_size_bytes"` // Per-file upload cap. 0 = 50 MB default.
	ReadTimeoutSeconds  int             `json:"read_timeout_seconds" yaml:"read_timeout_seconds"`   // Default: 60.
	WriteTimeoutSeconds int             `json:"write_timeout_seconds" yaml:"write_timeout_seconds"` // Default: 120.
	RateLimit           RateLimitConfig `json:"rate_limit" yaml:"rate_limit"`
}

// Addr returns the listen address with a default of ":8080".
func (s ServerConfig) Addr() string {
	if s.ListenAddr != "" {
		return s.ListenAddr
	}
	return ":8080"
}

// MaxUploadSize returns the per-file upload cap with a default of 50 MB.
func (s ServerConfig) MaxUploadSize() int64 {
	if s.MaxUploadSizeBytes > 0 {
		return s.MaxUploadSizeBytes
	}
	return 50 << 20
}

// ReadTimeout returns the server read timeout with a default of 60s.
func (s ServerConfig) ReadTimeout() time.Duration {
	if s.ReadTimeoutSeconds > 0 {
		return time.Duration(s.ReadTimeoutSeconds) * time.Second
	}
	return 60 * time.Second
}

// WriteTimeout returns the server write timeout with a default of 120s.
func (s ServerConfig) WriteTimeout() time.Duration {
	if s.WriteTimeoutSeconds > 0 {
		return time.Duration(s.WriteTimeoutSeconds) * time.Second
	}
	return 120 * time.Second
}

// RateLimitConfig configures per-session rate limiting for the gateway.
type RateLimitConfig struct {
	RequestsPerMinute int `json:"requests_per_minute" yaml:"requests_per_minute"`
	BurstSize         int `json:"burst_size" yaml:"burst_size"`
}

// SandboxConfig restricts analysis script execution.
type SandboxConfig struct {
	Backend             string `json:"backend" yaml:"backend"`         // "process" (default) or "docker".
	Image               string `json:"image" yaml:"image"`             // Docker image for the docker backend.
	Interpreter         string `json:"interpreter" yaml:"interpreter"` // Default: "python3".
	MaxMemoryMB         int    `json:"max_memory_mb" yaml:"max_memory_mb"`
	MaxExecutionSeconds int    `json:"max_execution_seconds" yaml:"max_execution_seconds"` // Default: 120.
	NetworkAllowed      bool   `json:"network_allowed" yaml:"network_allowed"`
}

// BackendName returns the execution backend with a default of "process".
func (s SandboxConfig) BackendName() string {
	if s.Backend != "" {
		return s.Backend
	}
	return "process"
}

// InterpreterName returns the interpreter with a default of "python3".
func (s SandboxConfig) InterpreterName() string {
	if s.Interpreter != "" {
		return s.Interpreter
	}
	return "python3"
}

// ExecutionTimeout returns the per-run timeout with a default of 2m.
func (s SandboxConfig) ExecutionTimeout() time.Duration {
	if s.MaxExecutionSeconds > 0 {
		return time.Duration(s.MaxExecutionSeconds) * time.Second
	}
	return 2 * time.Minute
}

// LLMConfig holds the server-wide defaults for the analysis model.
// Per-session overrides live in each session's workspace config record.
type LLMConfig struct {
	APIKey      string  `json:"api_key" yaml:"api_key"` // Override: OPENAI_API_KEY env var.
	Model       string  `json:"model" yaml:"model"`     // Default: "gpt-4o-mini".
	BaseURL     string  `json:"base_url" yaml:"base_url"`
	Temperature float64 `json:"temperature" yaml:"temperature"` // Default: 0.2.
	MaxTokens   int     `json:"max_tokens" yaml:"max_tokens"`   // Default: 4096.
}

// ObservabilityConfig configures metrics and tracing.
// When nil, all observability features are disabled with zero overhead.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"` // Default: "/metrics"
}

// TracingConfig configures OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`         // OTLP endpoint, e.g. "localhost:4317"
	Protocol    string  `json:"protocol" yaml:"protocol"`         // "grpc" or "http". Default: "grpc"
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "hesabu"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`   // 0.0–1.0. Default: 1.0
	Insecure    bool    `json:"insecure" yaml:"insecure"`         // Skip TLS for dev
}

// DefaultConfigPath returns the default config file path (~/.hesabu/config.yaml).
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "configs/hesabu.yaml" // fallback for environments without a home dir
	}
	return filepath.Join(home, ".hesabu", "config.yaml")
}

// Load reads a JSON or YAML config file and returns a validated Config.
// The format is detected by file extension: .yml/.yaml for YAML, everything else for JSON.
// The LLM API key and directory paths can be set in the config file or overridden
// by environment variables. Environment variables take precedence.
func Load(path string) (*Config, error) {
	// Expand ~ in config path.
	resolved, err := resolvePath(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path %s: %w", path, err)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", resolved, err)
	}

	var cfg Config
	switch ext := strings.ToLower(filepath.Ext(resolved)); ext {
	case ".yml", ".yaml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing YAML config %s: %w", resolved, err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing JSON config %s: %w", resolved, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// Default returns a Config with every field at its default, used when no
// config file exists. Env overrides still apply.
func Default() *Config {
	cfg := &Config{}
	cfg.applyEnv()
	return cfg
}

// applyEnv applies environment variable overrides. Env vars take
// precedence over config values.
func (c *Config) applyEnv() {
	if envKey := os.Getenv("OPENAI_API_KEY"); envKey != "" {
		c.LLM.APIKey = envKey
	}
	if envBase := os.Getenv("HESABU_BASE_DIR"); envBase != "" {
		c.BaseDir = envBase
	}
	if envDD := os.Getenv("HESABU_DATA_DIR"); envDD != "" {
		c.DataDir = envDD
	}
	if envDSN := os.Getenv("HESABU_DB_DSN"); envDSN != "" {
		if c.Storage == nil {
			c.Storage = &StorageConfig{Driver: "postgres"}
		}
		if c.Storage.Postgres == nil {
			c.Storage.Postgres = &PostgresStorageConfig{}
		}
		c.Storage.Postgres.DSN = envDSN
	}
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}

// ResolvedBaseDir returns the session workspace root, resolving ~ if needed.
func (c *Config) ResolvedBaseDir() string {
	if c.BaseDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "sessions"
		}
		return filepath.Join(home, ".hesabu", "sessions")
	}
	resolved, err := resolvePath(c.BaseDir)
	if err != nil {
		return c.BaseDir
	}
	return resolved
}

// ResolvedDataDir returns the data directory, resolving ~ if needed.
func (c *Config) ResolvedDataDir() string {
	if c.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		return filepath.Join(home, ".hesabu", "data")
	}
	resolved, err := resolvePath(c.DataDir)
	if err != nil {
		return c.DataDir
	}
	return resolved
}

// DatabasePath returns the default SQLite database path under the data directory.
func (c *Config) DatabasePath() string {
	if c.Storage != nil && c.Storage.SQLite != nil && c.Storage.SQLite.Path != "" {
		return c.Storage.SQLite.Path
	}
	return filepath.Join(c.ResolvedDataDir(), "hesabu.db")
}

// StorageDriverName returns the effective storage driver name.
func (c *Config) StorageDriverName() string {
	if c.Storage != nil {
		return c.Storage.StorageDriver()
	}
	return "sqlite"
}

func (c *Config) validate() error {
	if c.Session.TTLSeconds < 0 {
		return fmt.Errorf("session.ttl_seconds must not be negative")
	}
	if c.Session.QuotaBytes < 0 {
		return fmt.Errorf("session.quota_bytes must not be negative")
	}
	if c.Server.MaxUploadSizeBytes < 0 {
		return fmt.Errorf("server.max_upload_size_bytes must not be negative")
	}
	switch c.Sandbox.Backend {
	case "", "process", "docker":
		// valid
	default:
		return fmt.Errorf("sandbox.backend %q is not supported (use process or docker)", c.Sandbox.Backend)
	}
	if c.Sandbox.MaxMemoryMB < 0 {
		return fmt.Errorf("sandbox.max_memory_mb must not be negative")
	}
	if c.Sandbox.MaxExecutionSeconds < 0 {
		return fmt.Errorf("sandbox.max_execution_seconds must not be negative")
	}
	if c.Storage != nil && c.Storage.Driver != "" {
		switch c.Storage.Driver {
		case "sqlite", "postgres":
			// valid
		default:
			return fmt.Errorf("storage.driver %q is not supported (use sqlite or postgres)", c.Storage.Driver)
		}
	}
	if c.Storage.StorageDriver() == "postgres" {
		if c.Storage == nil || c.Storage.Postgres == nil || c.Storage.Postgres.DSN == "" {
			return fmt.Errorf("storage.postgres.dsn is required for the postgres driver (set HESABU_DB_DSN env var)")
		}
	}
	if rl := c.Server.RateLimit; rl.RequestsPerMinute < 0 || rl.BurstSize < 0 {
		return fmt.Errorf("server.rate_limit values must not be negative")
	}
	if t := c.Observability; t != nil && t.Tracing != nil && t.Tracing.Enabled {
		if t.Tracing.Endpoint == "" {
			return fmt.Errorf("observability.tracing.endpoint is required when tracing is enabled")
		}
		switch t.Tracing.Protocol {
		case "", "grpc", "http":
			// valid
		default:
			return fmt.Errorf("observability.tracing.protocol %q is not supported (use grpc or http)", t.Tracing.Protocol)
		}
	}
	return nil
}
