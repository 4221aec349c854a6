// Package config loads the provtrail YAML configuration.
package config

import (
	"fmt"
	"path/filepath"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/provtrail/provtrail/internal/safefile"
)

const maxConfigSize = 1 << 20

// Storage drivers.
const (
	DriverJSONL    = "jsonl"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config is the top-level provtrail configuration.
type Config struct {
	Version  string         `yaml:"version"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Storage  StorageConfig  `yaml:"storage"`
	Server   ServerConfig   `yaml:"server"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Tracing  TracingConfig  `yaml:"tracing"`
	Notify   NotifyConfig   `yaml:"notify"`
	Identity IdentityConfig `yaml:"identity"`
	Watch    WatchConfig    `yaml:"watch"`
}

// PipelineConfig names the pipeline run every audit entry is attributed to.
type PipelineConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name,omitempty"`
	User string `yaml:"user"`
}

// StorageConfig selects where the audit chain and lineage records live.
type StorageConfig struct {
	Driver      string `yaml:"driver"` // jsonl, sqlite, postgres
	AuditPath   string `yaml:"audit_path"`
	LineagePath string `yaml:"lineage_path"`
	SealsPath   string `yaml:"seals_path"`
	SQLitePath  string `yaml:"sqlite_path,omitempty"`
	PostgresDSN string `yaml:"postgres_dsn,omitempty"`
	Sync        *bool  `yaml:"sync,omitempty"` // fsync after each JSONL append (default true)
}

// Synced reports whether JSONL appends are fsynced.
func (s StorageConfig) Synced() bool {
	return s.Sync == nil || *s.Sync
}

// ServerConfig holds read-only HTTP API settings.
type ServerConfig struct {
	Port     int    `yaml:"port"`
	Bind     string `yaml:"bind"` // Address to bind (default: 127.0.0.1)
	LogLevel string `yaml:"log_level"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type TracingConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"` // stdout, none
}

// NotifyConfig configures the Redis stream publisher and tamper alert
// webhooks. Enabled only gates Redis; webhooks fire whenever configured.
type NotifyConfig struct {
	Enabled      bool   `yaml:"enabled"`
	RedisAddr    string `yaml:"redis_addr"`
	Password     string `yaml:"password,omitempty"`
	DB           int    `yaml:"db,omitempty"`
	StreamPrefix string `yaml:"stream_prefix"`
	MaxLen       int64  `yaml:"maxlen,omitempty"` // approximate stream cap (0 = unbounded)

	Webhooks             []Webhook `yaml:"webhooks,omitempty"`
	AllowPrivateWebhooks bool      `yaml:"allow_private_webhooks,omitempty"`
}

// Webhook is an alert destination. Events filters which alerts are sent
// (empty means all). Template, when set, is rendered into a Slack-style
// {"text": ...} body.
type Webhook struct {
	URL      string   `yaml:"url"`
	Events   []string `yaml:"events,omitempty"`
	Template string   `yaml:"template,omitempty"`
}

// IdentityConfig locates seal signing keys.
type IdentityConfig struct {
	KeysDir string `yaml:"keys_dir"`
	Signer  string `yaml:"signer"`
}

type WatchConfig struct {
	DebounceMS int `yaml:"debounce_ms"`
}

// Load reads and parses a provtrail config file. Relative storage and key
// paths are resolved against the config file's directory.
func Load(path string) (*Config, error) {
	data, err := safefile.ReadFileMax(path, maxConfigSize)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	cfg := Defaults()
	cfg.Pipeline.ID = ""

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	// Apply zero-value defaults after unmarshal
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = DriverJSONL
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8470
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
	if cfg.Notify.StreamPrefix == "" {
		cfg.Notify.StreamPrefix = "provtrail"
	}
	if cfg.Watch.DebounceMS == 0 {
		cfg.Watch.DebounceMS = 250
	}

	base := filepath.Dir(path)
	for _, p := range []*string{
		&cfg.Storage.AuditPath, &cfg.Storage.LineagePath, &cfg.Storage.SealsPath,
		&cfg.Storage.SQLitePath, &cfg.Identity.KeysDir,
	} {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(base, *p)
		}
	}

	return cfg, nil
}

// Defaults returns a config with sensible defaults. Paths are relative to
// the directory the config is saved in.
func Defaults() *Config {
	return &Config{
		Version: "1",
		Pipeline: PipelineConfig{
			ID:   "default",
			User: "system",
		},
		Storage: StorageConfig{
			Driver:      DriverJSONL,
			AuditPath:   "audit.jsonl",
			LineagePath: "lineage.jsonl",
			SealsPath:   "seals.jsonl",
			SQLitePath:  "provtrail.db",
		},
		Server: ServerConfig{
			Port:     8470,
			Bind:     "127.0.0.1",
			LogLevel: "info",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Tracing: TracingConfig{
			Exporter: "none",
		},
		Notify: NotifyConfig{
			RedisAddr:    "127.0.0.1:6379",
			StreamPrefix: "provtrail",
		},
		Identity: IdentityConfig{
			KeysDir: "keys",
		},
		Watch: WatchConfig{
			DebounceMS: 250,
		},
	}
}

// Save writes the config to a YAML file at the given path.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	if err := safefile.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	return nil
}

// Validate checks that the config is consistent.
func (c *Config) Validate() error {
	if c.Pipeline.ID == "" {
		return fmt.Errorf("pipeline.id is required")
	}
	if c.Pipeline.User == "" {
		return fmt.Errorf("pipeline.user is required")
	}
	switch c.Storage.Driver {
	case DriverJSONL:
		if c.Storage.AuditPath == "" || c.Storage.LineagePath == "" {
			return fmt.Errorf("storage.audit_path and storage.lineage_path are required for the jsonl driver")
		}
	case DriverSQLite:
		if c.Storage.SQLitePath == "" {
			return fmt.Errorf("storage.sqlite_path is required for the sqlite driver")
		}
	case DriverPostgres:
		if c.Storage.PostgresDSN == "" {
			return fmt.Errorf("storage.postgres_dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Server.Port)
	}
	if !slices.Contains([]string{"debug", "info", "warn", "error"}, c.Server.LogLevel) {
		return fmt.Errorf("invalid log_level %q", c.Server.LogLevel)
	}
	if c.Tracing.Enabled && c.Tracing.Exporter != "stdout" && c.Tracing.Exporter != "none" {
		return fmt.Errorf("invalid tracing exporter %q", c.Tracing.Exporter)
	}
	for i, wh := range c.Notify.Webhooks {
		if wh.URL == "" {
			return fmt.Errorf("notify.webhooks[%d].url is required", i)
		}
	}
	if c.Notify.Enabled && c.Notify.RedisAddr == "" {
		return fmt.Errorf("notify.redis_addr is required when notify is enabled")
	}
	if c.Watch.DebounceMS < 0 {
		return fmt.Errorf("watch.debounce_ms must not be negative")
	}
	return nil
}
