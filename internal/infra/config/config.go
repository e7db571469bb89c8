package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"warden/internal/domain"
)

// Config is the top-level engine configuration.
type Config struct {
	Engine    EngineConfig    `yaml:"engine"`
	Plugins   PluginsConfig   `yaml:"plugins"`
	Logger    LoggerConfig    `yaml:"logger"`
	Tracer    TracerConfig    `yaml:"tracer"`
	Audit     AuditConfig     `yaml:"audit"`
	Journal   JournalConfig   `yaml:"journal"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Gateway   GatewayConfig   `yaml:"gateway"`
}

// EngineConfig bounds the plugin manager and the guest runtime.
type EngineConfig struct {
	MaxConcurrentPlugins  int                   `yaml:"max_concurrent_plugins"`
	MaxParallelExecutions int                   `yaml:"max_parallel_executions"`
	DefaultLimits         domain.ResourceLimits `yaml:"default_limits"`
	AllowCapabilities     []domain.Capability   `yaml:"allow_capabilities"`
	DenyCapabilities      []domain.Capability   `yaml:"deny_capabilities"`
	Host                  HostConfig            `yaml:"host"`
}

// HostConfig tunes the host functions exposed to guests.
type HostConfig struct {
	LogRate       float64    `yaml:"log_rate"`  // lines per second
	LogBurst      int        `yaml:"log_burst"` // lines
	MaxStateKeys  int        `yaml:"max_state_keys"`
	MaxStateBytes int        `yaml:"max_state_bytes"`
	MaxFileBytes  int64      `yaml:"max_file_bytes"`
	HTTP          HTTPConfig `yaml:"http"`
}

// HTTPConfig configures host_http_get.
type HTTPConfig struct {
	Timeout              time.Duration `yaml:"timeout"`
	MaxBodyBytes         int64         `yaml:"max_body_bytes"`
	MaxRedirects         int           `yaml:"max_redirects"`
	AllowPrivateNetworks bool          `yaml:"allow_private_networks"`
	UserAgent            string        `yaml:"user_agent"`
	BreakerMaxFailures   uint32        `yaml:"breaker_max_failures"`
	BreakerTimeout       time.Duration `yaml:"breaker_timeout"`
	BreakerInterval      time.Duration `yaml:"breaker_interval"`
}

// PluginsConfig lists where plugin manifests are discovered.
type PluginsConfig struct {
	Dirs []string `yaml:"dirs"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"`
}

// AuditConfig holds audit logging settings.
type AuditConfig struct {
	Enabled   bool            `yaml:"enabled"`
	Path      string          `yaml:"path"`
	Retention RetentionConfig `yaml:"retention"`
}

// RetentionConfig holds audit log retention policy settings.
type RetentionConfig struct {
	MaxAge  string `yaml:"max_age"`  // duration string, e.g. "2160h" (90 days)
	MaxSize string `yaml:"max_size"` // e.g. "100MB"
}

// JournalConfig holds execution journal settings.
type JournalConfig struct {
	Enabled bool          `yaml:"enabled"`
	Path    string        `yaml:"path"`
	MaxAge  time.Duration `yaml:"max_age"` // rows older than this are pruned by journal_retention
}

// SchedulerConfig holds cron/scheduler settings.
type SchedulerConfig struct {
	Enabled bool                  `yaml:"enabled"`
	Tasks   []ScheduledTaskConfig `yaml:"tasks"`
}

// ScheduledTaskConfig defines a single scheduled task.
type ScheduledTaskConfig struct {
	Name     string `yaml:"name"`
	Schedule string `yaml:"schedule"` // cron expression or duration string
	Action   string `yaml:"action"`
}

// GatewayConfig configures the websocket front end of `warden serve`.
type GatewayConfig struct {
	Addr           string   `yaml:"addr"`  // empty serves stdin only
	Token          string   `yaml:"token"` // required as ?token= when set
	AllowedOrigins []string `yaml:"allowed_origins"`
	RequestRate    float64  `yaml:"request_rate"` // requests per second per connection
	RequestBurst   int      `yaml:"request_burst"`
}

// defaultDataDir returns the persistent data directory under $HOME/.warden/data.
// Falls back to "./data" if $HOME cannot be determined.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}
	return filepath.Join(home, ".warden", "data")
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	dataDir := defaultDataDir()
	return &Config{
		Engine: EngineConfig{
			MaxConcurrentPlugins: 16,
			DefaultLimits:        domain.DefaultResourceLimits(),
			Host: HostConfig{
				LogRate:       100,
				LogBurst:      200,
				MaxStateKeys:  1024,
				MaxStateBytes: 1 << 20,
				MaxFileBytes:  1 << 20,
				HTTP: HTTPConfig{
					Timeout:            10 * time.Second,
					MaxBodyBytes:       1 << 20,
					MaxRedirects:       5,
					UserAgent:          "warden-plugin/1.0",
					BreakerMaxFailures: 5,
					BreakerTimeout:     30 * time.Second,
					BreakerInterval:    60 * time.Second,
				},
			},
		},
		Plugins: PluginsConfig{
			Dirs: []string{filepath.Join(dataDir, "plugins")},
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Enabled:  false,
			Exporter: "noop",
		},
		Audit: AuditConfig{
			Enabled: false,
			Path:    filepath.Join(dataDir, "audit.jsonl"),
			Retention: RetentionConfig{
				MaxAge: "2160h",
			},
		},
		Journal: JournalConfig{
			Enabled: false,
			Path:    filepath.Join(dataDir, "journal.db"),
			MaxAge:  7 * 24 * time.Hour,
		},
		Gateway: GatewayConfig{
			AllowedOrigins: []string{"localhost", "localhost:*", "127.0.0.1", "127.0.0.1:*", "[::1]", "[::1]:*"},
			RequestRate:    50,
			RequestBurst:   100,
		},
	}
}

// Load reads a YAML config file and applies env var overrides. A missing
// file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			ApplyEnvOverrides(cfg)
			if err := Validate(cfg); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("%w: read config: %w", domain.ErrConfigLoad, err)
	}

	if err := validatePermissions(path); err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrConfigLoad, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: parse config: %w", domain.ErrConfigLoad, err)
	}

	ApplyEnvOverrides(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnvOverrides maps WARDEN_* env vars to config fields. Values that do
// not parse are ignored.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("WARDEN_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("WARDEN_LOGGER_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv("WARDEN_LOGGER_OUTPUT"); v != "" {
		cfg.Logger.Output = v
	}
	if v := os.Getenv("WARDEN_TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
	}
	if v := os.Getenv("WARDEN_TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}
	if v := os.Getenv("WARDEN_PLUGINS_DIRS"); v != "" {
		cfg.Plugins.Dirs = splitAndTrim(v, ",")
	}
	if v, ok := envInt("WARDEN_ENGINE_MAX_CONCURRENT_PLUGINS"); ok {
		cfg.Engine.MaxConcurrentPlugins = int(v)
	}
	if v, ok := envInt("WARDEN_ENGINE_MAX_PARALLEL_EXECUTIONS"); ok {
		cfg.Engine.MaxParallelExecutions = int(v)
	}
	if v, ok := envInt("WARDEN_ENGINE_MAX_MEMORY_BYTES"); ok && v > 0 {
		cfg.Engine.DefaultLimits.MaxMemoryBytes = uint64(v)
	}
	if v, ok := envInt("WARDEN_ENGINE_MAX_EXECUTION_TIME_MS"); ok {
		cfg.Engine.DefaultLimits.MaxExecutionTimeMS = v
	}
	if v, ok := envInt("WARDEN_ENGINE_MAX_INSTRUCTIONS"); ok && v > 0 {
		cfg.Engine.DefaultLimits.MaxInstructions = uint64(v)
	}
	if v := os.Getenv("WARDEN_HTTP_ALLOW_PRIVATE_NETWORKS"); v == "true" {
		cfg.Engine.Host.HTTP.AllowPrivateNetworks = true
	}
	if v := os.Getenv("WARDEN_AUDIT_ENABLED"); v == "true" {
		cfg.Audit.Enabled = true
	}
	if v := os.Getenv("WARDEN_AUDIT_PATH"); v != "" {
		cfg.Audit.Path = v
	}
	if v := os.Getenv("WARDEN_JOURNAL_ENABLED"); v == "true" {
		cfg.Journal.Enabled = true
	}
	if v := os.Getenv("WARDEN_JOURNAL_PATH"); v != "" {
		cfg.Journal.Path = v
	}
	if v := os.Getenv("WARDEN_SCHEDULER_ENABLED"); v == "true" {
		cfg.Scheduler.Enabled = true
	}
	if v := os.Getenv("WARDEN_GATEWAY_ADDR"); v != "" {
		cfg.Gateway.Addr = v
	}
	if v := os.Getenv("WARDEN_GATEWAY_TOKEN"); v != "" {
		cfg.Gateway.Token = v
	}
}

func envInt(key string) (int64, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// splitAndTrim splits s by sep, trims whitespace and drops empty elements.
func splitAndTrim(s, sep string) []string {
	parts := strings.Split(s, sep)
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// validatePermissions checks the config file is not writable by group or others.
func validatePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	mode := info.Mode().Perm()
	if mode&0o022 != 0 {
		return fmt.Errorf("config file %s has insecure permissions %o (want 0600 or 0644)", path, mode)
	}
	return nil
}
