package config

import (
	"errors"
	"fmt"
	"net"
	"reflect"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"warden/internal/domain"
)

// Scheduler actions understood by the engine.
var knownActions = []string{"journal_retention", "audit_retention"}

var validate = newValidator()

// newValidator reports field errors by their yaml names.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("yaml"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// Unwrap lets callers match ErrConfigLoad.
func (v *ValidationError) Unwrap() error { return domain.ErrConfigLoad }

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...any) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a *ValidationError
// when one or more problems are found, allowing callers to inspect all issues.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateEngine(cfg, ve)
	validateLogger(cfg, ve)
	validateTracer(cfg, ve)
	validateAudit(cfg, ve)
	validateJournal(cfg, ve)
	validateScheduler(cfg, ve)
	validateGateway(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

func validateEngine(cfg *Config, ve *ValidationError) {
	e := cfg.Engine
	if e.MaxConcurrentPlugins <= 0 {
		ve.Add("engine.max_concurrent_plugins must be > 0")
	}
	if e.MaxParallelExecutions < 0 {
		ve.Add("engine.max_parallel_executions must be >= 0")
	}

	limits := e.DefaultLimits.WithDefaults(domain.DefaultResourceLimits())
	if err := validate.Struct(limits); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			for _, fe := range fieldErrs {
				ve.Add("engine.default_limits.%s fails %s=%s (got %v)", fe.Field(), fe.Tag(), fe.Param(), fe.Value())
			}
		} else {
			ve.Add("engine.default_limits: %v", err)
		}
	}

	for _, c := range e.AllowCapabilities {
		if !c.Valid() {
			ve.Add("engine.allow_capabilities: unknown capability %q", c)
		}
	}
	for _, c := range e.DenyCapabilities {
		if !c.Valid() {
			ve.Add("engine.deny_capabilities: unknown capability %q", c)
		}
	}

	h := e.Host
	if h.LogRate <= 0 {
		ve.Add("engine.host.log_rate must be > 0")
	}
	if h.LogBurst <= 0 {
		ve.Add("engine.host.log_burst must be > 0")
	}
	if h.MaxStateKeys <= 0 || h.MaxStateBytes <= 0 {
		ve.Add("engine.host.max_state_keys and max_state_bytes must be > 0")
	}
	if h.MaxFileBytes <= 0 {
		ve.Add("engine.host.max_file_bytes must be > 0")
	}
	if h.HTTP.Timeout <= 0 {
		ve.Add("engine.host.http.timeout must be > 0")
	}
	if h.HTTP.MaxBodyBytes <= 0 {
		ve.Add("engine.host.http.max_body_bytes must be > 0")
	}
	if h.HTTP.MaxRedirects < 0 {
		ve.Add("engine.host.http.max_redirects must be >= 0")
	}
}

func validateLogger(cfg *Config, ve *ValidationError) {
	switch strings.ToLower(cfg.Logger.Level) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		ve.Add("logger.level %q is not one of debug, info, warn, error", cfg.Logger.Level)
	}
	switch strings.ToLower(cfg.Logger.Format) {
	case "", "text", "json":
	default:
		ve.Add("logger.format %q is not one of text, json", cfg.Logger.Format)
	}
}

func validateTracer(cfg *Config, ve *ValidationError) {
	if !cfg.Tracer.Enabled {
		return
	}
	switch cfg.Tracer.Exporter {
	case "", "noop", "stdout":
	default:
		ve.Add("tracer.exporter %q is not supported (want stdout or noop)", cfg.Tracer.Exporter)
	}
}

func validateAudit(cfg *Config, ve *ValidationError) {
	if !cfg.Audit.Enabled {
		return
	}
	if cfg.Audit.Path == "" {
		ve.Add("audit.path is required when audit is enabled")
	}
	if v := cfg.Audit.Retention.MaxAge; v != "" {
		if d, err := time.ParseDuration(v); err != nil || d <= 0 {
			ve.Add("audit.retention.max_age %q is not a positive duration", v)
		}
	}
	if v := cfg.Audit.Retention.MaxSize; v != "" {
		if _, err := ParseSize(v); err != nil {
			ve.Add("audit.retention.max_size: %v", err)
		}
	}
}

func validateJournal(cfg *Config, ve *ValidationError) {
	if !cfg.Journal.Enabled {
		return
	}
	if cfg.Journal.Path == "" {
		ve.Add("journal.path is required when the journal is enabled")
	}
	if cfg.Journal.MaxAge < 0 {
		ve.Add("journal.max_age must be >= 0")
	}
}

func validateScheduler(cfg *Config, ve *ValidationError) {
	if !cfg.Scheduler.Enabled {
		return
	}
	for i, t := range cfg.Scheduler.Tasks {
		if t.Name == "" {
			ve.Add("scheduler.tasks[%d].name is required", i)
		}
		if t.Schedule == "" {
			ve.Add("scheduler.tasks[%d].schedule is required", i)
		}
		if !slices.Contains(knownActions, t.Action) {
			ve.Add("scheduler.tasks[%d].action %q is not one of %s", i, t.Action, strings.Join(knownActions, ", "))
		}
		if t.Action == "journal_retention" && !cfg.Journal.Enabled {
			ve.Add("scheduler.tasks[%d]: journal_retention requires journal.enabled", i)
		}
		if t.Action == "audit_retention" && !cfg.Audit.Enabled {
			ve.Add("scheduler.tasks[%d]: audit_retention requires audit.enabled", i)
		}
	}
}

func validateGateway(cfg *Config, ve *ValidationError) {
	g := cfg.Gateway
	if g.Addr == "" {
		return
	}
	if _, _, err := net.SplitHostPort(g.Addr); err != nil {
		ve.Add("gateway.addr %q: %v", g.Addr, err)
	}
	if g.RequestRate <= 0 || g.RequestBurst <= 0 {
		ve.Add("gateway.request_rate and request_burst must be > 0")
	}
	if len(g.AllowedOrigins) == 0 {
		ve.Add("gateway.allowed_origins must not be empty")
	}
}

// ParseSize parses a human-readable size string (e.g. "100MB", "1GB").
func ParseSize(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	orig := s
	s = strings.ToUpper(strings.TrimSpace(s))

	multiplier := int64(1)
	switch {
	case strings.HasSuffix(s, "GB"):
		multiplier = 1 << 30
		s = strings.TrimSuffix(s, "GB")
	case strings.HasSuffix(s, "MB"):
		multiplier = 1 << 20
		s = strings.TrimSuffix(s, "MB")
	case strings.HasSuffix(s, "KB"):
		multiplier = 1 << 10
		s = strings.TrimSuffix(s, "KB")
	case strings.HasSuffix(s, "B"):
		s = strings.TrimSuffix(s, "B")
	}

	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("parse size %q: not a non-negative integer with optional B/KB/MB/GB suffix", orig)
	}
	return n * multiplier, nil
}
