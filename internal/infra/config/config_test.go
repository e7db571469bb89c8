package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"warden/internal/domain"
)

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	if cfg.Engine.MaxConcurrentPlugins != 16 {
		t.Errorf("MaxConcurrentPlugins = %d, want 16", cfg.Engine.MaxConcurrentPlugins)
	}
	if cfg.Engine.DefaultLimits != domain.DefaultResourceLimits() {
		t.Errorf("DefaultLimits = %+v", cfg.Engine.DefaultLimits)
	}
	if cfg.Logger.Level != "info" {
		t.Errorf("Logger.Level = %q, want %q", cfg.Logger.Level, "info")
	}
	if cfg.Engine.Host.HTTP.AllowPrivateNetworks {
		t.Error("private networks must be blocked by default")
	}
}

func TestLoadNonExistentReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Engine.MaxParallelExecutions != 0 {
		t.Errorf("expected defaults, got MaxParallelExecutions=%d", cfg.Engine.MaxParallelExecutions)
	}
}

func TestLoadYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
engine:
  max_concurrent_plugins: 2
  default_limits:
    max_memory_bytes: 2097152
    max_execution_time_ms: 500
  deny_capabilities: [network]
  host:
    http:
      timeout: 3s
plugins:
  dirs: ["/srv/plugins"]
logger:
  level: debug
  format: json
journal:
  enabled: true
  path: /tmp/journal.db
  max_age: 48h
scheduler:
  enabled: true
  tasks:
    - name: prune
      schedule: "@hourly"
      action: journal_retention
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Engine.MaxConcurrentPlugins != 2 {
		t.Errorf("MaxConcurrentPlugins = %d, want 2", cfg.Engine.MaxConcurrentPlugins)
	}
	if cfg.Engine.DefaultLimits.MaxMemoryBytes != 2<<20 {
		t.Errorf("MaxMemoryBytes = %d", cfg.Engine.DefaultLimits.MaxMemoryBytes)
	}
	if cfg.Engine.DefaultLimits.MaxInstructions != domain.DefaultMaxInstructions {
		t.Errorf("unset limit should keep its default, got %d", cfg.Engine.DefaultLimits.MaxInstructions)
	}
	if len(cfg.Engine.DenyCapabilities) != 1 || cfg.Engine.DenyCapabilities[0] != domain.CapabilityNetwork {
		t.Errorf("DenyCapabilities = %v", cfg.Engine.DenyCapabilities)
	}
	if cfg.Engine.Host.HTTP.Timeout != 3*time.Second {
		t.Errorf("HTTP.Timeout = %s", cfg.Engine.Host.HTTP.Timeout)
	}
	if cfg.Engine.Host.HTTP.MaxRedirects != 5 {
		t.Errorf("unset http field should keep its default, got %d", cfg.Engine.Host.HTTP.MaxRedirects)
	}
	if cfg.Journal.MaxAge != 48*time.Hour {
		t.Errorf("Journal.MaxAge = %s", cfg.Journal.MaxAge)
	}
	if len(cfg.Scheduler.Tasks) != 1 || cfg.Scheduler.Tasks[0].Action != "journal_retention" {
		t.Errorf("Scheduler.Tasks = %+v", cfg.Scheduler.Tasks)
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("invalid: [yaml: bad"), 0o600); err != nil {
		t.Fatal(err)
	}

	_, err := Load(path)
	if !errors.Is(err, domain.ErrConfigLoad) {
		t.Errorf("expected ErrConfigLoad, got %v", err)
	}
}

func TestLoadValidationFailure(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("engine:\n  max_concurrent_plugins: -1\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	_, err := Load(path)
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected *ValidationError, got %v", err)
	}
	if !errors.Is(err, domain.ErrConfigLoad) {
		t.Error("validation errors should match ErrConfigLoad")
	}
}

func TestLoadInsecurePermissions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "insecure.yaml")
	if err := os.WriteFile(path, []byte("logger:\n  level: info\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.Chmod(path, 0o666); err != nil {
		t.Fatal(err)
	}

	if _, err := Load(path); err == nil {
		t.Error("expected error for insecure permissions")
	}
}

func TestValidatePermissions(t *testing.T) {
	dir := t.TempDir()
	for _, tt := range []struct {
		mode os.FileMode
		ok   bool
	}{
		{0o600, true},
		{0o644, true},
		{0o664, false},
		{0o666, false},
	} {
		path := filepath.Join(dir, tt.mode.String()+".yaml")
		if err := os.WriteFile(path, []byte("test"), 0o600); err != nil {
			t.Fatal(err)
		}
		if err := os.Chmod(path, tt.mode); err != nil {
			t.Fatal(err)
		}
		err := validatePermissions(path)
		if tt.ok && err != nil {
			t.Errorf("%o should pass: %v", tt.mode, err)
		}
		if !tt.ok && err == nil {
			t.Errorf("%o should fail", tt.mode)
		}
	}

	if err := validatePermissions(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("expected error for non-existent file")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("WARDEN_LOGGER_LEVEL", "debug")
	t.Setenv("WARDEN_LOGGER_FORMAT", "json")
	t.Setenv("WARDEN_TRACER_ENABLED", "true")
	t.Setenv("WARDEN_TRACER_EXPORTER", "stdout")
	t.Setenv("WARDEN_PLUGINS_DIRS", " /a , /b ,,")
	t.Setenv("WARDEN_ENGINE_MAX_CONCURRENT_PLUGINS", "3")
	t.Setenv("WARDEN_ENGINE_MAX_PARALLEL_EXECUTIONS", "2")
	t.Setenv("WARDEN_ENGINE_MAX_MEMORY_BYTES", "1048576")
	t.Setenv("WARDEN_ENGINE_MAX_EXECUTION_TIME_MS", "250")
	t.Setenv("WARDEN_ENGINE_MAX_INSTRUCTIONS", "5000")
	t.Setenv("WARDEN_HTTP_ALLOW_PRIVATE_NETWORKS", "true")
	t.Setenv("WARDEN_AUDIT_ENABLED", "true")
	t.Setenv("WARDEN_AUDIT_PATH", "/tmp/audit.jsonl")
	t.Setenv("WARDEN_JOURNAL_ENABLED", "true")
	t.Setenv("WARDEN_JOURNAL_PATH", "/tmp/j.db")
	t.Setenv("WARDEN_SCHEDULER_ENABLED", "true")
	t.Setenv("WARDEN_GATEWAY_ADDR", "127.0.0.1:7070")
	t.Setenv("WARDEN_GATEWAY_TOKEN", "s3cret")

	cfg := Defaults()
	ApplyEnvOverrides(cfg)

	if cfg.Logger.Level != "debug" || cfg.Logger.Format != "json" {
		t.Errorf("Logger = %+v", cfg.Logger)
	}
	if !cfg.Tracer.Enabled || cfg.Tracer.Exporter != "stdout" {
		t.Errorf("Tracer = %+v", cfg.Tracer)
	}
	if len(cfg.Plugins.Dirs) != 2 || cfg.Plugins.Dirs[0] != "/a" || cfg.Plugins.Dirs[1] != "/b" {
		t.Errorf("Plugins.Dirs = %q", cfg.Plugins.Dirs)
	}
	if cfg.Engine.MaxConcurrentPlugins != 3 || cfg.Engine.MaxParallelExecutions != 2 {
		t.Errorf("Engine = %+v", cfg.Engine)
	}
	want := domain.ResourceLimits{MaxMemoryBytes: 1 << 20, MaxExecutionTimeMS: 250, MaxInstructions: 5000}
	if cfg.Engine.DefaultLimits != want {
		t.Errorf("DefaultLimits = %+v, want %+v", cfg.Engine.DefaultLimits, want)
	}
	if !cfg.Engine.Host.HTTP.AllowPrivateNetworks {
		t.Error("AllowPrivateNetworks not applied")
	}
	if !cfg.Audit.Enabled || cfg.Audit.Path != "/tmp/audit.jsonl" {
		t.Errorf("Audit = %+v", cfg.Audit)
	}
	if !cfg.Journal.Enabled || cfg.Journal.Path != "/tmp/j.db" {
		t.Errorf("Journal = %+v", cfg.Journal)
	}
	if !cfg.Scheduler.Enabled {
		t.Error("Scheduler.Enabled not applied")
	}
	if cfg.Gateway.Addr != "127.0.0.1:7070" || cfg.Gateway.Token != "s3cret" {
		t.Errorf("Gateway = %+v", cfg.Gateway)
	}
}

func TestEnvOverridesIgnoreGarbage(t *testing.T) {
	t.Setenv("WARDEN_ENGINE_MAX_CONCURRENT_PLUGINS", "many")
	t.Setenv("WARDEN_ENGINE_MAX_MEMORY_BYTES", "-1")
	t.Setenv("WARDEN_TRACER_ENABLED", "yes")

	cfg := Defaults()
	ApplyEnvOverrides(cfg)

	if cfg.Engine.MaxConcurrentPlugins != 16 {
		t.Errorf("MaxConcurrentPlugins = %d, want 16", cfg.Engine.MaxConcurrentPlugins)
	}
	if cfg.Engine.DefaultLimits.MaxMemoryBytes != domain.DefaultMaxMemoryBytes {
		t.Errorf("MaxMemoryBytes = %d", cfg.Engine.DefaultLimits.MaxMemoryBytes)
	}
	if cfg.Tracer.Enabled {
		t.Error("only the literal \"true\" enables tracing")
	}
}
