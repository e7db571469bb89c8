package wasm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tetratelabs/wazero"
)

// RuntimeConfig holds engine-wide settings for guest execution and the host
// function surface.
type RuntimeConfig struct {
	// LogRate is the sustained number of host_log lines per second accepted
	// from one instance. Lines above the rate are dropped.
	LogRate  float64
	LogBurst int

	// MaxStateKeys and MaxStateBytes bound the per-instance key/value store.
	MaxStateKeys  int
	MaxStateBytes int

	// MaxFileBytes caps the size of a file returned by host_read_file.
	MaxFileBytes int64

	HTTP HTTPConfig
}

// DefaultRuntimeConfig returns a RuntimeConfig with sensible defaults.
func DefaultRuntimeConfig() RuntimeConfig {
	return RuntimeConfig{
		LogRate:       100,
		LogBurst:      200,
		MaxStateKeys:  1024,
		MaxStateBytes: 1 << 20,
		MaxFileBytes:  1 << 20,
		HTTP:          DefaultHTTPConfig(),
	}
}

func (c RuntimeConfig) withDefaults() RuntimeConfig {
	def := DefaultRuntimeConfig()
	if c.LogRate <= 0 {
		c.LogRate = def.LogRate
	}
	if c.LogBurst <= 0 {
		c.LogBurst = def.LogBurst
	}
	if c.MaxStateKeys <= 0 {
		c.MaxStateKeys = def.MaxStateKeys
	}
	if c.MaxStateBytes <= 0 {
		c.MaxStateBytes = def.MaxStateBytes
	}
	if c.MaxFileBytes <= 0 {
		c.MaxFileBytes = def.MaxFileBytes
	}
	c.HTTP = c.HTTP.withDefaults()
	return c
}

// Runtime owns the state shared by every instance: the compilation cache,
// a validation-only wazero runtime and the outbound HTTP fetcher. Each
// instance gets its own wazero runtime so memory limits apply per plugin.
type Runtime struct {
	config   RuntimeConfig
	cache    wazero.CompilationCache
	validate wazero.Runtime
	fetcher  *HTTPFetcher
	logger   *slog.Logger
	now      func() time.Time
}

// NewRuntime creates a new WASM runtime. The caller must call Close when done.
func NewRuntime(ctx context.Context, cfg RuntimeConfig, logger *slog.Logger) (*Runtime, error) {
	cfg = cfg.withDefaults()
	cache := wazero.NewCompilationCache()

	rt := wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfig().
		WithCompilationCache(cache).
		WithCloseOnContextDone(true))

	logger.Info("wasm runtime created",
		"log_rate", cfg.LogRate,
		"max_state_keys", cfg.MaxStateKeys,
		"max_file_bytes", cfg.MaxFileBytes,
	)

	return &Runtime{
		config:   cfg,
		cache:    cache,
		validate: rt,
		fetcher:  NewHTTPFetcher(cfg.HTTP, logger),
		logger:   logger,
		now:      time.Now,
	}, nil
}

// Config returns the effective runtime configuration.
func (r *Runtime) Config() RuntimeConfig {
	return r.config
}

// newInstanceRuntime creates a wazero runtime capped at pages of linear memory.
func (r *Runtime) newInstanceRuntime(ctx context.Context, pages uint32) wazero.Runtime {
	return wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfig().
		WithCompilationCache(r.cache).
		WithCloseOnContextDone(true).
		WithMemoryLimitPages(pages))
}

// Close releases all resources held by the runtime. Instances must be closed
// first.
func (r *Runtime) Close(ctx context.Context) error {
	var errs []error
	if err := r.validate.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := r.cache.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("close wasm runtime: %w", err)
	}
	r.logger.Info("wasm runtime closed")
	return nil
}
