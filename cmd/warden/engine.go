package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"warden/internal/adapter/journal"
	"warden/internal/domain"
	"warden/internal/infra/config"
	"warden/internal/infra/logger"
	"warden/internal/infra/tracer"
	"warden/internal/plugin"
	"warden/internal/plugin/wasm"
	"warden/internal/security"
	"warden/internal/usecase/eventbus"
	"warden/internal/usecase/scheduling"
)

// engine is the fully wired plugin engine for one CLI invocation.
type engine struct {
	cfg     *config.Config
	logger  *slog.Logger
	rt      *wasm.Runtime
	mgr     *plugin.Manager
	bus     *eventbus.Bus
	audit   *security.FileAuditLogger
	journal *journal.SQLiteJournal
	sched   *scheduling.Scheduler

	closers []func(context.Context) error
}

// runtimeConfig maps the host section of the config onto the runtime.
func runtimeConfig(h config.HostConfig) wasm.RuntimeConfig {
	return wasm.RuntimeConfig{
		LogRate:       h.LogRate,
		LogBurst:      h.LogBurst,
		MaxStateKeys:  h.MaxStateKeys,
		MaxStateBytes: h.MaxStateBytes,
		MaxFileBytes:  h.MaxFileBytes,
		HTTP: wasm.HTTPConfig{
			Timeout:              h.HTTP.Timeout,
			MaxBodyBytes:         h.HTTP.MaxBodyBytes,
			MaxRedirects:         h.HTTP.MaxRedirects,
			AllowPrivateNetworks: h.HTTP.AllowPrivateNetworks,
			UserAgent:            h.HTTP.UserAgent,
			Breaker: wasm.BreakerConfig{
				MaxFailures: h.HTTP.BreakerMaxFailures,
				Timeout:     h.HTTP.BreakerTimeout,
				Interval:    h.HTTP.BreakerInterval,
			},
		},
	}
}

// managerConfig maps the engine section of the config onto the manager.
func managerConfig(e config.EngineConfig) plugin.ManagerConfig {
	return plugin.ManagerConfig{
		MaxConcurrentPlugins:  e.MaxConcurrentPlugins,
		MaxParallelExecutions: e.MaxParallelExecutions,
		DefaultLimits:         e.DefaultLimits,
		Policy: plugin.CapabilityPolicy{
			Allow: e.AllowCapabilities,
			Deny:  e.DenyCapabilities,
		},
	}
}

// newEngine wires logging, tracing, the runtime, the manager and every
// enabled side channel. The caller must Close the engine.
func newEngine(ctx context.Context, cfg *config.Config) (_ *engine, err error) {
	log, closeLog, err := logger.New(cfg.Logger)
	if err != nil {
		return nil, err
	}
	e := &engine{cfg: cfg, logger: log}
	e.closers = append(e.closers, func(context.Context) error { return closeLog() })
	defer func() {
		if err != nil {
			e.Close(context.WithoutCancel(ctx))
		}
	}()

	shutdownTracer, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return nil, fmt.Errorf("tracer: %w", err)
	}
	e.closers = append(e.closers, shutdownTracer)

	e.bus = eventbus.New(log)
	e.closers = append(e.closers, func(context.Context) error { e.bus.Close(); return nil })

	opts := []plugin.Option{plugin.WithLogger(log), plugin.WithEventBus(e.bus)}

	if cfg.Audit.Enabled {
		e.audit, err = security.NewFileAuditLogger(cfg.Audit.Path)
		if err != nil {
			return nil, err
		}
		policy, err := security.NewRetentionPolicy(cfg.Audit.Retention)
		if err != nil {
			return nil, err
		}
		e.audit.SetRetention(policy)
		e.closers = append(e.closers, func(context.Context) error { return e.audit.Close() })
		opts = append(opts, plugin.WithAuditLogger(e.audit))
	}

	if cfg.Journal.Enabled {
		e.journal, err = journal.NewSQLiteJournal(cfg.Journal.Path)
		if err != nil {
			return nil, err
		}
		e.closers = append(e.closers, func(context.Context) error { return e.journal.Close() })
		opts = append(opts, plugin.WithJournal(e.journal))
	}

	e.rt, err = wasm.NewRuntime(ctx, runtimeConfig(cfg.Engine.Host), log)
	if err != nil {
		return nil, err
	}
	e.closers = append(e.closers, e.rt.Close)

	e.mgr = plugin.NewManager(e.rt, managerConfig(cfg.Engine), opts...)
	e.closers = append(e.closers, e.mgr.Shutdown)

	return e, nil
}

// startScheduler registers the retention actions and starts the configured
// tasks. It is a no-op when the scheduler is disabled.
func (e *engine) startScheduler(ctx context.Context) error {
	if !e.cfg.Scheduler.Enabled {
		return nil
	}
	e.sched = scheduling.NewScheduler(e.logger)
	if e.journal != nil {
		e.sched.RegisterAction(scheduling.ActionJournalRetention,
			scheduling.JournalRetention(e.journal, e.cfg.Journal.MaxAge, e.bus, nil))
	}
	if e.audit != nil {
		e.sched.RegisterAction(scheduling.ActionAuditRetention,
			scheduling.AuditRetention(e.audit, e.bus, nil))
	}
	if err := e.sched.AddTasks(e.cfg.Scheduler.Tasks); err != nil {
		return err
	}
	if err := e.sched.Start(ctx); err != nil {
		return err
	}
	e.closers = append(e.closers, func(context.Context) error { return e.sched.Stop() })
	return nil
}

// Close tears components down in reverse order of construction.
func (e *engine) Close(ctx context.Context) error {
	var errs []error
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](ctx); err != nil && !errors.Is(err, domain.ErrEngineClosed) {
			errs = append(errs, err)
		}
	}
	e.closers = nil
	return errors.Join(errs...)
}
