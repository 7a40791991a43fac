// Package config handles loading and validating wasmbridge configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/jkaninda/wasmbridge/internal/security"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Config is the root configuration for wasmbridge.
type Config struct {
	DataDir       string               `json:"data_dir,omitempty" yaml:"data_dir,omitempty"` // Default: ~/.wasmbridge/data. Override: WASMBRIDGE_DATA_DIR env var.
	Sandbox       SandboxConfig        `json:"sandbox" yaml:"sandbox"`
	Bridge        BridgeConfig         `json:"bridge" yaml:"bridge"`
	Servers       []ServerConfig       `json:"servers,omitempty" yaml:"servers,omitempty"`
	Storage       *StorageConfig       `json:"storage,omitempty" yaml:"storage,omitempty"` // nil = SQLite under DataDir.
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"`
	HTTP          HTTPConfig           `json:"http" yaml:"http"`
	Audit         AuditConfig          `json:"audit" yaml:"audit"`
	Secrets       *SecretsConfig       `json:"secrets,omitempty" yaml:"secrets,omitempty"` // nil = env:// references only.
}

// SandboxConfig maps onto a security.Policy plus executor tuning.
type SandboxConfig struct {
	MemoryLimitMB       int64    `json:"memory_limit_mb" yaml:"memory_limit_mb"`             // Default: 256
	ExecutionTimeoutSec int      `json:"execution_timeout_seconds" yaml:"execution_timeout_seconds"` // Default: 60
	MaxFuel             *uint64  `json:"max_fuel,omitempty" yaml:"max_fuel,omitempty"`       // nil = unlimited
	MaxHostCalls        *int     `json:"max_host_calls,omitempty" yaml:"max_host_calls,omitempty"` // nil = 1000, 0 or less = unlimited
	AllowNetwork        bool     `json:"allow_network" yaml:"allow_network"`
	PreopenedPaths      []string `json:"preopened_paths,omitempty" yaml:"preopened_paths,omitempty"`
	ModuleCacheSize     int      `json:"module_cache_size" yaml:"module_cache_size"`         // Default: 64
	CompilationCacheDir string   `json:"compilation_cache_dir,omitempty" yaml:"compilation_cache_dir,omitempty"`
	OutputLimitKB       int      `json:"output_limit_kb" yaml:"output_limit_kb"` // Per stream. Default: 1024
}

// BridgeConfig configures the tool bridge.
type BridgeConfig struct {
	CacheCapacity     int    `json:"cache_capacity" yaml:"cache_capacity"`           // Default: 1000
	CacheDisabled     bool   `json:"cache_disabled" yaml:"cache_disabled"`
	MaxConnections    int    `json:"max_connections" yaml:"max_connections"`         // Default: 100
	CallTimeoutSec    int    `json:"call_timeout_seconds" yaml:"call_timeout_seconds"`       // Default: 30
	ConnectTimeoutSec int    `json:"connect_timeout_seconds" yaml:"connect_timeout_seconds"` // Default: 30
	CallsPerMinute    int    `json:"calls_per_minute" yaml:"calls_per_minute"`       // Per server. 0 = unlimited.
	IdleTimeoutSec    int    `json:"idle_timeout_seconds" yaml:"idle_timeout_seconds"` // 0 = never reap.
	ReapSchedule      string `json:"reap_schedule,omitempty" yaml:"reap_schedule,omitempty"` // Default: "@every 1m"
}

// ServerConfig declares a tool server connected at startup.
type ServerConfig struct {
	Name      string            `json:"name" yaml:"name"`
	Transport string            `json:"transport,omitempty" yaml:"transport,omitempty"` // "stdio" (default), "sse", "streamable_http".
	Command   string            `json:"command,omitempty" yaml:"command,omitempty"`
	Args      []string          `json:"args,omitempty" yaml:"args,omitempty"`
	Env       map[string]string `json:"env,omitempty" yaml:"env,omitempty"` // Values support ${VAR} expansion.
	URL       string            `json:"url,omitempty" yaml:"url,omitempty"`
	Headers   map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"` // Values support ${VAR} expansion.
}

// StorageConfig selects the artifact store backend.
type StorageConfig struct {
	Driver   string                 `json:"driver" yaml:"driver"` // "sqlite" (default) or "postgres".
	SQLite   *SQLiteStorageConfig   `json:"sqlite,omitempty" yaml:"sqlite,omitempty"`
	Postgres *PostgresStorageConfig `json:"postgres,omitempty" yaml:"postgres,omitempty"`
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
	Path        string `json:"path,omitempty" yaml:"path,omitempty"` // Default: <data_dir>/wasmbridge.db
	JournalMode string `json:"journal_mode" yaml:"journal_mode"`     // "wal" (default), "delete", "truncate", etc.
}

// PostgresStorageConfig holds PostgreSQL-specific settings.
type PostgresStorageConfig struct {
	DSN              string `json:"dsn" yaml:"dsn"` // Override: WASMBRIDGE_DB_DSN env var.
	MaxOpenConns     int    `json:"max_open_conns" yaml:"max_open_conns"`           // Default: 25
	MaxIdleConns     int    `json:"max_idle_conns" yaml:"max_idle_conns"`           // Default: 5
	ConnMaxLifetimeS int    `json:"conn_max_lifetime_s" yaml:"conn_max_lifetime_s"` // Default: 1800
}

// ObservabilityConfig configures metrics and tracing. When nil, both are off.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"` // Default: "/metrics"
}

// TracingConfig configures OpenTelemetry tracing.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`         // OTLP endpoint, e.g. "localhost:4317"
	Protocol    string  `json:"protocol" yaml:"protocol"`         // "grpc" or "http". Default: "grpc"
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "wasmbridge"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`   // 0.0-1.0. Default: 1.0
	Insecure    bool    `json:"insecure" yaml:"insecure"`
}

// HTTPConfig configures the HTTP API served by "wasmbridge serve".
type HTTPConfig struct {
	Addr              string   `json:"addr" yaml:"addr"` // Default: ":8080"
	APIKeys           []string `json:"api_keys,omitempty" yaml:"api_keys,omitempty"` // Empty = no auth. WASMBRIDGE_API_KEY adds one.
	RequestsPerMinute int      `json:"requests_per_minute" yaml:"requests_per_minute"` // Per key. 0 = unlimited.
	MaxBodyMB         int      `json:"max_body_mb" yaml:"max_body_mb"` // Default: 16
}

// AuditConfig configures the JSONL audit log.
type AuditConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path,omitempty" yaml:"path,omitempty"` // Default: <data_dir>/audit.jsonl
	Store   bool   `json:"store" yaml:"store"`                     // Also append events to the storage backend.
}

// SecretsConfig configures resolution of env:// and vault:// references in
// server env and header values.
type SecretsConfig struct {
	Vault *VaultConfig `json:"vault,omitempty" yaml:"vault,omitempty"`
}

// VaultConfig configures the HashiCorp Vault KV v2 backend. VAULT_ADDR,
// VAULT_TOKEN and VAULT_NAMESPACE override the file values.
type VaultConfig struct {
	Address       string `json:"address" yaml:"address"`
	Token         string `json:"token,omitempty" yaml:"token,omitempty"`
	Namespace     string `json:"namespace,omitempty" yaml:"namespace,omitempty"`
	TimeoutSec    int    `json:"timeout_seconds" yaml:"timeout_seconds"` // Default: 5
	TLSSkipVerify bool   `json:"tls_skip_verify" yaml:"tls_skip_verify"`
}

// DefaultConfigPath returns the default config file path (~/.wasmbridge/config.yaml).
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "configs/wasmbridge.yaml"
	}
	return filepath.Join(home, ".wasmbridge", "config.yaml")
}

// Default returns a configuration with every section at its defaults, for
// running without a config file.
func Default() *Config {
	cfg := &Config{}
	cfg.applyEnv()
	_ = cfg.validate()
	return cfg
}

// Load reads a JSON or YAML config file and returns a validated Config.
// The format is detected by file extension: .yml/.yaml for YAML, everything
// else for JSON. Environment variables take precedence over file values.
func Load(path string) (*Config, error) {
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

func (c *Config) applyEnv() {
	if envDD := os.Getenv("WASMBRIDGE_DATA_DIR"); envDD != "" {
		c.DataDir = envDD
	}
	if envDSN := os.Getenv("WASMBRIDGE_DB_DSN"); envDSN != "" {
		if c.Storage == nil {
			c.Storage = &StorageConfig{}
		}
		if c.Storage.Postgres == nil {
			c.Storage.Postgres = &PostgresStorageConfig{}
		}
		c.Storage.Driver = "postgres"
		c.Storage.Postgres.DSN = envDSN
	}
	if envKey := os.Getenv("WASMBRIDGE_API_KEY"); envKey != "" {
		c.HTTP.APIKeys = append(c.HTTP.APIKeys, envKey)
	}

	if c.DataDir == "" {
		home, err := os.UserHomeDir()
		if err == nil {
			c.DataDir = filepath.Join(home, ".wasmbridge", "data")
		}
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

var serverNamePattern = regexp.MustCompile(`^[A-Za-z0-9._-]{1,128}$`)

func (c *Config) validate() error {
	s := &c.Sandbox
	if s.MemoryLimitMB < 0 {
		return fmt.Errorf("sandbox.memory_limit_mb must be positive")
	}
	if s.MemoryLimitMB == 0 {
		s.MemoryLimitMB = 256
	}
	if s.ExecutionTimeoutSec < 0 {
		return fmt.Errorf("sandbox.execution_timeout_seconds must be positive")
	}
	if s.ExecutionTimeoutSec == 0 {
		s.ExecutionTimeoutSec = 60
	}
	if s.ModuleCacheSize < 0 {
		return fmt.Errorf("sandbox.module_cache_size must be positive")
	}
	if s.ModuleCacheSize == 0 {
		s.ModuleCacheSize = 64
	}
	if s.OutputLimitKB <= 0 {
		s.OutputLimitKB = 1024
	}
	for _, p := range s.PreopenedPaths {
		if !filepath.IsAbs(p) {
			return fmt.Errorf("sandbox.preopened_paths: %q must be absolute", p)
		}
	}

	b := &c.Bridge
	if b.CacheCapacity < 0 {
		return fmt.Errorf("bridge.cache_capacity must be positive")
	}
	if b.CacheCapacity == 0 {
		b.CacheCapacity = 1000
	}
	if b.MaxConnections < 0 {
		return fmt.Errorf("bridge.max_connections must be positive")
	}
	if b.MaxConnections == 0 {
		b.MaxConnections = 100
	}
	if b.CallTimeoutSec <= 0 {
		b.CallTimeoutSec = 30
	}
	if b.ConnectTimeoutSec <= 0 {
		b.ConnectTimeoutSec = 30
	}
	if b.CallsPerMinute < 0 {
		return fmt.Errorf("bridge.calls_per_minute must not be negative")
	}
	if b.ReapSchedule == "" {
		b.ReapSchedule = "@every 1m"
	}
	if b.IdleTimeoutSec > 0 {
		if _, err := cron.ParseStandard(b.ReapSchedule); err != nil {
			return fmt.Errorf("bridge.reap_schedule %q: %w", b.ReapSchedule, err)
		}
	}

	seen := make(map[string]bool, len(c.Servers))
	for i, srv := range c.Servers {
		if !serverNamePattern.MatchString(srv.Name) {
			return fmt.Errorf("servers[%d]: invalid name %q", i, srv.Name)
		}
		if seen[srv.Name] {
			return fmt.Errorf("servers[%d]: duplicate name %q", i, srv.Name)
		}
		seen[srv.Name] = true
		switch srv.Transport {
		case "", "stdio":
			if strings.TrimSpace(srv.Command) == "" {
				return fmt.Errorf("servers.%s: command is required for stdio transport", srv.Name)
			}
		case "sse", "streamable_http":
			if srv.URL == "" {
				return fmt.Errorf("servers.%s: url is required for %s transport", srv.Name, srv.Transport)
			}
		default:
			return fmt.Errorf("servers.%s: unsupported transport %q", srv.Name, srv.Transport)
		}
	}
	if len(c.Servers) > b.MaxConnections {
		return fmt.Errorf("%d servers configured but bridge.max_connections is %d", len(c.Servers), b.MaxConnections)
	}

	switch driver := c.Storage.StorageDriver(); driver {
	case "sqlite":
	case "postgres":
		if c.Storage.Postgres == nil || c.Storage.Postgres.DSN == "" {
			return fmt.Errorf("storage.postgres.dsn is required when driver is postgres")
		}
	default:
		return fmt.Errorf("unsupported storage driver %q", driver)
	}

	if c.Observability != nil && c.Observability.Tracing != nil && c.Observability.Tracing.Enabled {
		t := c.Observability.Tracing
		if t.Endpoint == "" {
			return fmt.Errorf("observability.tracing.endpoint is required when tracing is enabled")
		}
		switch t.Protocol {
		case "", "grpc", "http":
		default:
			return fmt.Errorf("observability.tracing.protocol must be grpc or http, got %q", t.Protocol)
		}
		if t.SampleRate < 0 || t.SampleRate > 1 {
			return fmt.Errorf("observability.tracing.sample_rate must be between 0 and 1")
		}
	}

	if c.Secrets != nil && c.Secrets.Vault != nil {
		v := c.Secrets.Vault
		if v.TimeoutSec < 0 {
			return fmt.Errorf("secrets.vault.timeout_seconds must not be negative")
		}
		if v.TimeoutSec == 0 {
			v.TimeoutSec = 5
		}
	}

	if c.HTTP.Addr == "" {
		c.HTTP.Addr = ":8080"
	}
	if c.HTTP.RequestsPerMinute < 0 {
		return fmt.Errorf("http.requests_per_minute must not be negative")
	}
	if c.HTTP.MaxBodyMB <= 0 {
		c.HTTP.MaxBodyMB = 16
	}
	return nil
}

// Policy builds the sandbox security policy from this section.
func (s SandboxConfig) Policy() (*security.Policy, error) {
	b := security.NewPolicyBuilder().
		MemoryLimitMB(s.MemoryLimitMB).
		ExecutionTimeout(time.Duration(s.ExecutionTimeoutSec) * time.Second).
		AllowNetwork(s.AllowNetwork)
	if s.MaxFuel != nil {
		b.MaxFuel(*s.MaxFuel)
	}
	if s.MaxHostCalls != nil {
		if *s.MaxHostCalls <= 0 {
			b.UnlimitedHostCalls()
		} else {
			b.MaxHostCalls(*s.MaxHostCalls)
		}
	}
	for _, p := range s.PreopenedPaths {
		b.PreopenPath(p)
	}
	return b.Build()
}

// OutputLimitBytes returns the per-stream stdout/stderr cap.
func (s SandboxConfig) OutputLimitBytes() int {
	return s.OutputLimitKB * 1024
}

// CallTimeout returns the per-call budget for tool calls.
func (b BridgeConfig) CallTimeout() time.Duration {
	return time.Duration(b.CallTimeoutSec) * time.Second
}

// ConnectTimeout returns the budget for dialing a server.
func (b BridgeConfig) ConnectTimeout() time.Duration {
	return time.Duration(b.ConnectTimeoutSec) * time.Second
}

// IdleTimeout returns how long a connection may sit unused before the
// reaper closes it. Zero disables reaping.
func (b BridgeConfig) IdleTimeout() time.Duration {
	return time.Duration(b.IdleTimeoutSec) * time.Second
}

// ResolvedDataDir returns the data directory, resolving ~ if needed.
func (c *Config) ResolvedDataDir() string {
	if c.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		return filepath.Join(home, ".wasmbridge", "data")
	}
	resolved, err := resolvePath(c.DataDir)
	if err != nil {
		return c.DataDir
	}
	return resolved
}

// DatabasePath returns the SQLite database path.
func (c *Config) DatabasePath() string {
	if c.Storage != nil && c.Storage.SQLite != nil && c.Storage.SQLite.Path != "" {
		if p, err := resolvePath(c.Storage.SQLite.Path); err == nil {
			return p
		}
		return c.Storage.SQLite.Path
	}
	return filepath.Join(c.ResolvedDataDir(), "wasmbridge.db")
}

// AuditLogPath returns the audit log path.
func (c *Config) AuditLogPath() string {
	if c.Audit.Path != "" {
		if p, err := resolvePath(c.Audit.Path); err == nil {
			return p
		}
		return c.Audit.Path
	}
	return filepath.Join(c.ResolvedDataDir(), "audit.jsonl")
}

// StorageDriverName returns the effective storage driver name.
func (c *Config) StorageDriverName() string {
	return c.Storage.StorageDriver()
}

// MetricsEnabled reports whether Prometheus metrics are exposed.
func (c *Config) MetricsEnabled() bool {
	return c.Observability != nil && c.Observability.Metrics != nil && c.Observability.Metrics.Enabled
}

// MetricsPath returns the metrics endpoint path.
func (c *Config) MetricsPath() string {
	if c.MetricsEnabled() && c.Observability.Metrics.Path != "" {
		return c.Observability.Metrics.Path
	}
	return "/metrics"
}
