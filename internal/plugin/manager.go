package plugin

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"warden/internal/domain"
	"warden/internal/infra/tracer"
	"warden/internal/plugin/wasm"
)

// ManagerConfig bounds the engine as a whole.
type ManagerConfig struct {
	// MaxConcurrentPlugins caps loaded instances.
	MaxConcurrentPlugins int
	// MaxParallelExecutions optionally caps guest calls running at the same
	// time across all instances. Zero leaves them unbounded; when set, a call
	// that finds every slot taken is rejected with ErrBusy.
	MaxParallelExecutions int
	// DefaultLimits fills zero fields of the limits passed to Load.
	DefaultLimits domain.ResourceLimits
	// Policy filters the capabilities a plugin may declare.
	Policy CapabilityPolicy
}

// DefaultManagerConfig returns the configuration used when fields are zero.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		MaxConcurrentPlugins: 16,
		DefaultLimits:        domain.DefaultResourceLimits(),
	}
}

func (c ManagerConfig) withDefaults() ManagerConfig {
	def := DefaultManagerConfig()
	if c.MaxConcurrentPlugins <= 0 {
		c.MaxConcurrentPlugins = def.MaxConcurrentPlugins
	}
	if c.MaxParallelExecutions < 0 {
		c.MaxParallelExecutions = 0
	}
	c.DefaultLimits = c.DefaultLimits.WithDefaults(def.DefaultLimits)
	return c
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the manager logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithEventBus publishes lifecycle events to bus.
func WithEventBus(bus domain.EventBus) Option {
	return func(m *Manager) { m.bus = bus }
}

// WithAuditLogger records loads, unloads, faults and denials.
func WithAuditLogger(a domain.AuditLogger) Option {
	return func(m *Manager) { m.audit = a }
}

// WithJournal records one row per execute call.
func WithJournal(j domain.ExecutionJournal) Option {
	return func(m *Manager) { m.journal = j }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// LoadOption configures a single Load call.
type LoadOption func(*loadOptions)

type loadOptions struct {
	config []byte
	source string
}

// WithPluginConfig passes config to plugin_init.
func WithPluginConfig(config []byte) LoadOption {
	return func(o *loadOptions) { o.config = config }
}

// WithSource records where the module bytes came from.
func WithSource(source string) LoadOption {
	return func(o *loadOptions) { o.source = source }
}

// managedPlugin is one loaded instance and its bookkeeping. exec has weight
// one and is held for the whole of a guest call.
type managedPlugin struct {
	id       string
	inst     *wasm.Instance
	metadata domain.PluginMetadata
	perms    domain.PluginPermissions
	digest   string
	source   string
	loadedAt time.Time
	logger   *slog.Logger

	exec *semaphore.Weighted

	mu     sync.Mutex
	status domain.PluginStatus
	stats  domain.InvocationStats
}

func (p *managedPlugin) Status() domain.PluginStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

func (p *managedPlugin) setStatus(s domain.PluginStatus) domain.PluginStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	prev := p.status
	p.status = s
	return prev
}

func (p *managedPlugin) info() domain.PluginInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	return domain.PluginInfo{
		ID:          p.id,
		Metadata:    p.metadata,
		Status:      p.status,
		Stats:       p.stats,
		Limits:      p.inst.Limits(),
		Permissions: p.perms,
		Digest:      p.digest,
		LoadedAt:    p.loadedAt,
	}
}

// Manager owns every loaded plugin instance. It is created once at process
// start and passed by reference; Shutdown releases all instances.
type Manager struct {
	rt       *wasm.Runtime
	cfg      ManagerConfig
	registry *Registry
	workers  *semaphore.Weighted // nil when unbounded

	logger  *slog.Logger
	bus     domain.EventBus
	audit   domain.AuditLogger
	journal domain.ExecutionJournal
	now     func() time.Time

	mu       sync.RWMutex
	plugins  map[string]*managedPlugin
	reserved int
	closed   bool
}

// NewManager creates a manager that instantiates plugins on rt. The caller
// keeps ownership of rt and closes it after Shutdown.
func NewManager(rt *wasm.Runtime, cfg ManagerConfig, opts ...Option) *Manager {
	cfg = cfg.withDefaults()
	m := &Manager{
		rt:       rt,
		cfg:      cfg,
		registry: NewRegistry(),
		logger:   slog.Default(),
		now:      time.Now,
		plugins:  make(map[string]*managedPlugin),
	}
	if cfg.MaxParallelExecutions > 0 {
		m.workers = semaphore.NewWeighted(int64(cfg.MaxParallelExecutions))
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Registry returns the passive plugin index.
func (m *Manager) Registry() *Registry { return m.registry }

// Config returns the effective configuration.
func (m *Manager) Config() ManagerConfig { return m.cfg }

func newPluginID(t time.Time) string {
	return ulid.MustNew(ulid.Timestamp(t), ulid.DefaultEntropy()).String()
}

// Load validates bin, instantiates it under limits and perms, reads its
// metadata and runs plugin_init. The returned id is registered only if
// every step succeeds; any failure releases the instance and its slot.
func (m *Manager) Load(ctx context.Context, bin []byte, limits domain.ResourceLimits, perms domain.PluginPermissions, opts ...LoadOption) (string, error) {
	var o loadOptions
	for _, opt := range opts {
		opt(&o)
	}

	id := newPluginID(m.now())
	ctx, span := tracer.StartSpan(ctx, "plugin.load", trace.WithAttributes(
		tracer.StringAttr("plugin.id", id),
		tracer.IntAttr("plugin.size", len(bin)),
	))
	defer span.End()

	p, err := m.load(ctx, id, bin, limits, perms, o)
	if err != nil {
		tracer.RecordError(span, err)
		m.logger.Warn("plugin load failed", "plugin", id, "source", o.source, "error", err)
		m.publish(ctx, domain.EventPluginRejected, id, map[string]string{
			"error": err.Error(),
			"code":  string(domain.ErrorCodeOf(err)),
		})
		m.auditLog(ctx, domain.AuditPluginReject, id, "rejected", map[string]string{
			"source": o.source,
			"error":  err.Error(),
		})
		return "", err
	}

	tracer.SetOK(span)
	p.logger.Info("plugin loaded",
		"name", p.metadata.Name,
		"version", p.metadata.Version,
		"type", p.metadata.Type,
		"digest", p.digest,
	)
	m.publish(ctx, domain.EventPluginLoaded, id, map[string]string{
		"name":    p.metadata.Name,
		"version": p.metadata.Version,
		"type":    string(p.metadata.Type),
	})
	m.auditLog(ctx, domain.AuditPluginLoad, id, "success", map[string]string{
		"name":   p.metadata.Name,
		"digest": p.digest,
		"source": o.source,
	})
	return id, nil
}

func (m *Manager) load(ctx context.Context, id string, bin []byte, limits domain.ResourceLimits, perms domain.PluginPermissions, o loadOptions) (*managedPlugin, error) {
	const op = "Manager.Load"

	vm, err := m.rt.Validate(ctx, bin)
	if err != nil {
		return nil, domain.NewPluginError(id, domain.PhaseValidate, err)
	}
	limits, err = ValidateLimits(limits, m.cfg.DefaultLimits)
	if err != nil {
		return nil, domain.NewPluginError(id, domain.PhaseValidate, domain.NewDomainError(op, err, ""))
	}
	if err := ValidatePermissions(perms); err != nil {
		return nil, domain.NewPluginError(id, domain.PhaseValidate, domain.NewDomainError(op, err, ""))
	}

	if err := m.reserve(); err != nil {
		return nil, domain.NewPluginError(id, domain.PhaseLoad, err)
	}
	committed := false
	defer func() {
		if !committed {
			m.mu.Lock()
			m.reserved--
			m.mu.Unlock()
		}
	}()

	logger := m.logger.With("plugin", id)
	inst, err := m.rt.Instantiate(ctx, vm, limits, wasm.InstanceEnv{
		ID:          id,
		Permissions: perms,
		Logger:      m.logger,
		OnDenied:    m.onDenied(id),
	})
	if err != nil {
		return nil, domain.NewPluginError(id, domain.PhaseLoad, err)
	}
	fail := func(phase domain.Phase, err error) (*managedPlugin, error) {
		if cerr := inst.Close(context.WithoutCancel(ctx)); cerr != nil {
			logger.Warn("close rejected instance", "error", cerr)
		}
		return nil, domain.NewPluginError(id, phase, err)
	}

	raw, err := inst.Metadata(ctx)
	if err != nil {
		return fail(domain.PhaseLoad, err)
	}
	md, err := ParseMetadata(raw)
	if err != nil {
		return fail(domain.PhaseLoad, err)
	}
	if err := m.cfg.Policy.Check(md); err != nil {
		return fail(domain.PhaseLoad, domain.NewDomainError(op, err, ""))
	}
	if err := inst.Init(ctx, o.config); err != nil {
		if !errors.Is(err, domain.ErrInitFailed) {
			err = fmt.Errorf("%w: %w", domain.ErrInitFailed, err)
		}
		return fail(domain.PhaseInit, err)
	}

	p := &managedPlugin{
		id:       id,
		inst:     inst,
		metadata: md,
		perms:    perms,
		digest:   vm.Digest,
		source:   o.source,
		loadedAt: m.now(),
		logger:   logger,
		exec:     semaphore.NewWeighted(1),
		status:   domain.StatusReady,
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return fail(domain.PhaseLoad, domain.NewDomainError(op, domain.ErrEngineClosed, ""))
	}
	if err := m.registry.Register(domain.RegistryEntry{ID: id, Metadata: md, Status: domain.StatusReady}); err != nil {
		m.mu.Unlock()
		return fail(domain.PhaseLoad, err)
	}
	m.plugins[id] = p
	m.reserved--
	committed = true
	m.mu.Unlock()

	return p, nil
}

// reserve claims a capacity slot for an instance about to be created.
func (m *Manager) reserve() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return domain.NewDomainError("Manager.Load", domain.ErrEngineClosed, "")
	}
	if used := len(m.plugins) + m.reserved; used >= m.cfg.MaxConcurrentPlugins {
		return domain.NewSubSystemError("plugin", "Manager.Load", domain.ErrCapacityExceeded,
			fmt.Sprintf("%d of %d slots in use", used, m.cfg.MaxConcurrentPlugins))
	}
	m.reserved++
	return nil
}

func (m *Manager) lookup(op, id string) (*managedPlugin, error) {
	m.mu.RLock()
	p, ok := m.plugins[id]
	m.mu.RUnlock()
	if !ok {
		return nil, domain.NewSubSystemError("plugin", op, domain.ErrNotFound, id)
	}
	return p, nil
}

// Execute calls plugin_execute on the plugin with input. A plugin already
// running a call is rejected with ErrBusy instead of queueing. A fatal guest
// error moves the plugin to StatusError; every later call reports
// ErrInstanceUnusable until it is unloaded.
func (m *Manager) Execute(ctx context.Context, id string, input domain.PluginInput) (domain.PluginOutput, error) {
	ctx, span := tracer.StartSpan(ctx, "plugin.execute", trace.WithAttributes(
		tracer.StringAttr("plugin.id", id),
		tracer.IntAttr("plugin.input_bytes", len(input)),
	))
	defer span.End()

	out, err := m.execute(ctx, id, input)
	if err != nil {
		tracer.RecordError(span, err)
		return nil, domain.NewPluginError(id, domain.PhaseExecute, err)
	}
	span.SetAttributes(tracer.IntAttr("plugin.output_bytes", len(out)))
	tracer.SetOK(span)
	return out, nil
}

func (m *Manager) execute(ctx context.Context, id string, input domain.PluginInput) (domain.PluginOutput, error) {
	const op = "Manager.Execute"

	p, err := m.lookup(op, id)
	if err != nil {
		return nil, err
	}
	if p.Status() == domain.StatusError {
		return nil, domain.NewDomainError(op, domain.ErrInstanceUnusable, id)
	}
	if !p.exec.TryAcquire(1) {
		p.reject()
		return nil, domain.NewDomainError(op, domain.ErrBusy, id)
	}
	defer p.exec.Release(1)

	switch p.Status() {
	case domain.StatusError:
		return nil, domain.NewDomainError(op, domain.ErrInstanceUnusable, id)
	case domain.StatusUnloading:
		return nil, domain.NewSubSystemError("plugin", op, domain.ErrNotFound, id)
	}

	if !json.Valid(input) {
		p.reject()
		return nil, domain.NewDomainError(op, domain.ErrSerialization, "input is not valid JSON")
	}

	if m.workers != nil {
		if !m.workers.TryAcquire(1) {
			p.reject()
			return nil, domain.NewDomainError(op, domain.ErrBusy, "execution slots exhausted")
		}
		defer m.workers.Release(1)
	}

	p.setStatus(domain.StatusExecuting)
	m.registry.SetStatus(id, domain.StatusExecuting)

	start := m.now()
	out, err := p.inst.Execute(ctx, input)
	if err == nil && !json.Valid(out) {
		err = domain.NewDomainError(op, domain.ErrSerialization, "output is not valid JSON")
	}
	elapsed := m.now().Sub(start)

	status := domain.StatusReady
	if err != nil && (domain.IsFatal(err) || p.inst.Corrupted()) {
		status = domain.StatusError
	}
	p.setStatus(status)
	m.registry.SetStatus(id, status)
	p.record(start, elapsed, err)

	m.recordExecution(ctx, p, start, elapsed, len(input), len(out), err)

	if status == domain.StatusError {
		m.fault(ctx, p, err)
		return nil, err
	}
	if err != nil {
		p.logger.Warn("plugin execute failed", "error", err, "duration", elapsed)
		return nil, err
	}
	p.logger.Debug("plugin executed", "duration", elapsed, "output_bytes", len(out))
	m.publish(ctx, domain.EventPluginExecuted, id, map[string]any{
		"duration_ms":  elapsed.Milliseconds(),
		"output_bytes": len(out),
	})
	return domain.PluginOutput(out), nil
}

func (p *managedPlugin) reject() {
	p.mu.Lock()
	p.stats.Rejected++
	p.mu.Unlock()
}

func (p *managedPlugin) record(start time.Time, elapsed time.Duration, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stats.Invocations++
	p.stats.TotalDuration += elapsed
	p.stats.LastDuration = elapsed
	p.stats.LastInvokedAt = start
	if err != nil {
		p.stats.Failures++
		p.stats.LastError = err.Error()
	}
}

// fault releases a corrupted instance. The plugin stays listed in
// StatusError until it is unloaded.
func (m *Manager) fault(ctx context.Context, p *managedPlugin, err error) {
	p.logger.Error("plugin instance faulted", "error", err, "code", domain.ErrorCodeOf(err))
	if cerr := p.inst.Close(context.WithoutCancel(ctx)); cerr != nil {
		p.logger.Warn("close faulted instance", "error", cerr)
	}
	m.publish(ctx, domain.EventPluginFailed, p.id, map[string]string{
		"error": err.Error(),
		"code":  string(domain.ErrorCodeOf(err)),
	})
	m.auditLog(ctx, domain.AuditPluginFault, p.id, "fault", map[string]string{
		"name":  p.metadata.Name,
		"code":  string(domain.ErrorCodeOf(err)),
		"error": err.Error(),
	})
}

func (m *Manager) recordExecution(ctx context.Context, p *managedPlugin, start time.Time, elapsed time.Duration, inBytes, outBytes int, err error) {
	if m.journal == nil {
		return
	}
	outcome := domain.OutcomeOK
	if err != nil {
		outcome = domain.ErrorCodeOf(err)
		outBytes = 0
	}
	rec := domain.ExecutionRecord{
		ID:          newPluginID(start),
		PluginID:    p.id,
		PluginName:  p.metadata.Name,
		Outcome:     outcome,
		Duration:    elapsed,
		InputBytes:  inBytes,
		OutputBytes: outBytes,
		StartedAt:   start,
	}
	if jerr := m.journal.Record(context.WithoutCancel(ctx), rec); jerr != nil {
		p.logger.Warn("journal write failed", "error", jerr)
	}
}

// Unload waits for an in-flight call to finish, calls plugin_shutdown
// unless the instance already faulted, and removes the plugin. The wait
// honours ctx.
func (m *Manager) Unload(ctx context.Context, id string) error {
	ctx, span := tracer.StartSpan(ctx, "plugin.unload", trace.WithAttributes(
		tracer.StringAttr("plugin.id", id),
	))
	defer span.End()

	if err := m.unload(ctx, id); err != nil {
		tracer.RecordError(span, err)
		return domain.NewPluginError(id, domain.PhaseUnload, err)
	}
	tracer.SetOK(span)
	return nil
}

func (m *Manager) unload(ctx context.Context, id string) error {
	const op = "Manager.Unload"

	p, err := m.lookup(op, id)
	if err != nil {
		return err
	}
	if err := p.exec.Acquire(ctx, 1); err != nil {
		return domain.NewDomainError(op, fmt.Errorf("wait for in-flight call: %w", err), id)
	}
	defer p.exec.Release(1)

	// A concurrent Unload may have removed it while this one waited.
	m.mu.RLock()
	current := m.plugins[id]
	m.mu.RUnlock()
	if current != p {
		return domain.NewSubSystemError("plugin", op, domain.ErrNotFound, id)
	}

	prev := p.setStatus(domain.StatusUnloading)
	m.registry.SetStatus(id, domain.StatusUnloading)

	if prev != domain.StatusError {
		if err := p.inst.Shutdown(ctx); err != nil {
			p.logger.Warn("plugin shutdown failed", "error", err)
		}
	}
	if err := p.inst.Close(context.WithoutCancel(ctx)); err != nil {
		p.logger.Warn("close instance", "error", err)
	}

	m.mu.Lock()
	delete(m.plugins, id)
	m.registry.Unregister(id)
	m.mu.Unlock()

	p.logger.Info("plugin unloaded", "name", p.metadata.Name)
	m.publish(ctx, domain.EventPluginUnloaded, id, map[string]string{"name": p.metadata.Name})
	m.auditLog(ctx, domain.AuditPluginUnload, id, "success", map[string]string{
		"name":   p.metadata.Name,
		"status": prev.String(),
	})
	return nil
}

// Get returns a snapshot of one plugin.
func (m *Manager) Get(id string) (domain.PluginInfo, bool) {
	m.mu.RLock()
	p, ok := m.plugins[id]
	m.mu.RUnlock()
	if !ok {
		return domain.PluginInfo{}, false
	}
	return p.info(), true
}

// List returns a snapshot of every loaded plugin, sorted by id.
func (m *Manager) List() []domain.PluginInfo {
	m.mu.RLock()
	plugins := make([]*managedPlugin, 0, len(m.plugins))
	for _, p := range m.plugins {
		plugins = append(plugins, p)
	}
	m.mu.RUnlock()

	infos := make([]domain.PluginInfo, 0, len(plugins))
	for _, p := range plugins {
		infos = append(infos, p.info())
	}
	slices.SortFunc(infos, func(a, b domain.PluginInfo) int { return cmp.Compare(a.ID, b.ID) })
	return infos
}

// Shutdown stops accepting loads and unloads every plugin. Errors from
// individual unloads are joined.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	ids := make([]string, 0, len(m.plugins))
	for id := range m.plugins {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	slices.Sort(ids)

	var errs []error
	for _, id := range ids {
		if err := m.Unload(ctx, id); err != nil && !errors.Is(err, domain.ErrNotFound) {
			errs = append(errs, err)
		}
	}
	m.logger.Info("plugin manager shut down", "unloaded", len(ids)-len(errs))
	return errors.Join(errs...)
}

func (m *Manager) onDenied(id string) wasm.DenialFunc {
	return func(ctx context.Context, fn string, c domain.Capability, target string) {
		m.publish(ctx, domain.EventPluginDenied, id, map[string]string{
			"function":   fn,
			"capability": string(c),
			"target":     target,
		})
		m.auditLog(ctx, domain.AuditAccessDenied, id, "denied", map[string]string{
			"function":   fn,
			"capability": string(c),
			"target":     target,
		})
	}
}

// publish sends a plugin event if a bus is configured.
func (m *Manager) publish(ctx context.Context, eventType domain.EventType, id string, payload any) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(context.WithoutCancel(ctx), domain.Event{
		Type:      eventType,
		Timestamp: m.now(),
		PluginID:  id,
		Payload:   mustJSON(payload),
	})
}

func (m *Manager) auditLog(ctx context.Context, typ domain.AuditEventType, id, outcome string, detail map[string]string) {
	if m.audit == nil {
		return
	}
	err := m.audit.Log(context.WithoutCancel(ctx), domain.AuditEvent{
		Timestamp: m.now().UTC(),
		Type:      typ,
		Detail:    detail,
		Actor:     "engine",
		Resource:  id,
		Action:    string(typ),
		Outcome:   outcome,
	})
	if err != nil {
		m.logger.Warn("audit write failed", "type", typ, "plugin", id, "error", err)
	}
}

// mustJSON marshals v to json.RawMessage, panicking on error (programmer error).
func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("plugin: marshal event payload: %v", err))
	}
	return b
}
