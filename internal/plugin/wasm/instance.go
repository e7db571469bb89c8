package wasm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync/atomic"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/sys"
	"golang.org/x/time/rate"

	"warden/internal/domain"
)

// InstanceEnv carries the per-plugin inputs to Instantiate.
type InstanceEnv struct {
	ID          string
	Permissions domain.PluginPermissions
	Logger      *slog.Logger
	// OnDenied, if set, is called for every permission denial.
	OnDenied DenialFunc
}

// Instance is one instantiated, metered guest module with its own wazero
// runtime, host module and HostState. An Instance is not safe for
// concurrent calls; the owner serializes access.
type Instance struct {
	id     string
	rt     wazero.Runtime
	mod    api.Module
	fuel   api.MutableGlobal
	limits domain.ResourceLimits
	env    *hostEnv
	logger *slog.Logger

	corrupted atomic.Bool
	closed    atomic.Bool
}

// Instantiate creates an isolated instance of m bounded by limits. Start
// functions other than the module's start section are not run.
func (r *Runtime) Instantiate(ctx context.Context, m *ValidatedModule, limits domain.ResourceLimits, env InstanceEnv) (*Instance, error) {
	const op = "Runtime.Instantiate"

	limits = limits.WithDefaults(domain.DefaultResourceLimits())
	pages := limits.MemoryPages()
	if pages == 0 {
		return nil, domain.NewDomainError(op, domain.ErrInvalidLimits, "max_memory_bytes is below one page")
	}

	metered, err := instrument(m.bin, pages, limits.MaxInstructions)
	if err != nil {
		return nil, domain.NewSubSystemError("wasm", op, domain.ErrCompileFailed, err.Error())
	}

	logger := env.Logger
	if logger == nil {
		logger = r.logger
	}
	logger = logger.With("plugin", env.ID)

	host := &hostEnv{
		sandbox:      NewSandbox(env.ID, env.Permissions),
		state:        NewHostState(r.config.MaxStateKeys, r.config.MaxStateBytes),
		logger:       logger,
		limiter:      rate.NewLimiter(rate.Limit(r.config.LogRate), r.config.LogBurst),
		fetcher:      r.fetcher.Fork(logger),
		maxFileBytes: r.config.MaxFileBytes,
		onDenied:     env.OnDenied,
		now:          r.now,
	}

	rt := r.newInstanceRuntime(ctx, pages)
	fail := func(sentinel error, err error) (*Instance, error) {
		_ = rt.Close(ctx)
		return nil, domain.NewSubSystemError("wasm", op, sentinel, err.Error())
	}

	if err := registerHostFunctions(ctx, rt, host); err != nil {
		return fail(domain.ErrCompileFailed, fmt.Errorf("host module: %w", err))
	}
	compiled, err := rt.CompileModule(ctx, metered)
	if err != nil {
		return fail(domain.ErrCompileFailed, err)
	}

	startCtx, cancel := context.WithTimeout(ctx, limits.ExecutionTimeout())
	defer cancel()
	mod, err := rt.InstantiateModule(startCtx, compiled, wazero.NewModuleConfig().
		WithName(env.ID).
		WithStartFunctions())
	if err != nil {
		if startCtx.Err() != nil {
			return fail(domain.ErrExecutionTimeout, err)
		}
		return fail(domain.ErrTrapped, err)
	}

	fuel, ok := mod.ExportedGlobal(FuelGlobal).(api.MutableGlobal)
	if !ok {
		return fail(domain.ErrCompileFailed, errors.New("fuel global not exported"))
	}

	logger.Debug("wasm instance created",
		"memory_pages", pages,
		"max_instructions", limits.MaxInstructions,
		"timeout", limits.ExecutionTimeout(),
	)

	return &Instance{
		id:     env.ID,
		rt:     rt,
		mod:    mod,
		fuel:   fuel,
		limits: limits,
		env:    host,
		logger: logger,
	}, nil
}

// ID returns the instance id.
func (i *Instance) ID() string { return i.id }

// Limits returns the effective resource limits.
func (i *Instance) Limits() domain.ResourceLimits { return i.limits }

// State returns the instance's host key/value store.
func (i *Instance) State() *HostState { return i.env.state }

// Sandbox returns the permission guard applied to host calls.
func (i *Instance) Sandbox() *Sandbox { return i.env.sandbox }

// DroppedLogs returns the number of host_log lines dropped by rate limiting.
func (i *Instance) DroppedLogs() uint64 { return i.env.droppedLogs.Load() }

// MemoryBytes returns the current size of guest linear memory.
func (i *Instance) MemoryBytes() uint32 {
	if mem := i.mod.Memory(); mem != nil {
		return mem.Size()
	}
	return 0
}

// Corrupted reports whether a previous call aborted the guest. A corrupted
// instance refuses every further call.
func (i *Instance) Corrupted() bool { return i.corrupted.Load() }

// Call invokes an exported function under the instance's instruction budget
// and execution timeout. A timeout, budget exhaustion or trap leaves the
// instance corrupted.
func (i *Instance) Call(ctx context.Context, name string, args ...uint64) ([]uint64, error) {
	const op = "Instance.Call"
	if i.corrupted.Load() || i.closed.Load() {
		return nil, domain.NewSubSystemError("wasm", op, domain.ErrInstanceUnusable, name)
	}
	fn := i.mod.ExportedFunction(name)
	if fn == nil {
		return nil, domain.NewSubSystemError("wasm", op, domain.ErrMissingExport, name)
	}

	i.fuel.Set(api.EncodeI64(int64(min(i.limits.MaxInstructions, math.MaxInt64))))

	callCtx, cancel := context.WithTimeout(ctx, i.limits.ExecutionTimeout())
	defer cancel()

	results, err := fn.Call(callCtx, args...)
	if err == nil {
		return results, nil
	}

	err = i.classify(ctx, callCtx, name, err)
	i.corrupted.Store(true)
	i.logger.Warn("wasm call aborted", "function", name, "error", err)
	return nil, err
}

func (i *Instance) classify(ctx, callCtx context.Context, name string, err error) error {
	const op = "Instance.Call"
	var exitErr *sys.ExitError
	isExit := errors.As(err, &exitErr)

	switch {
	case ctx.Err() != nil:
		return domain.NewSubSystemError("wasm", op, fmt.Errorf("%w: %w", domain.ErrExecutionTimeout, ctx.Err()), name)
	case callCtx.Err() != nil || (isExit && exitErr.ExitCode() == sys.ExitCodeDeadlineExceeded):
		return domain.NewSubSystemError("wasm", op, domain.ErrExecutionTimeout,
			fmt.Sprintf("%s exceeded %s", name, i.limits.ExecutionTimeout()))
	case isExit && exitErr.ExitCode() == sys.ExitCodeContextCanceled:
		return domain.NewSubSystemError("wasm", op, fmt.Errorf("%w: %w", domain.ErrExecutionTimeout, context.Canceled), name)
	case int64(i.fuel.Get()) < 0:
		return domain.NewSubSystemError("wasm", op, domain.ErrInstructionBudgetExceeded,
			fmt.Sprintf("%s exceeded %d instructions", name, i.limits.MaxInstructions))
	default:
		return domain.NewSubSystemError("wasm", op, domain.ErrTrapped, err.Error())
	}
}

// abort marks the instance corrupted and returns a trap error.
func (i *Instance) abort(op, detail string) error {
	i.corrupted.Store(true)
	return domain.NewSubSystemError("wasm", op, domain.ErrTrapped, detail)
}

// Allocate reserves size bytes in guest memory through plugin_alloc. A null
// or out-of-range pointer means the guest allocator is broken and corrupts
// the instance.
func (i *Instance) Allocate(ctx context.Context, size uint32) (uint32, error) {
	const op = "Instance.Allocate"
	res, err := i.Call(ctx, ExportAlloc, api.EncodeU32(size))
	if err != nil {
		return 0, err
	}
	ptr := api.DecodeU32(res[0])
	if ptr == 0 {
		return 0, i.abort(op, fmt.Sprintf("plugin_alloc(%d) returned null", size))
	}
	if uint64(ptr)+uint64(size) > uint64(i.MemoryBytes()) {
		return 0, i.abort(op, fmt.Sprintf("plugin_alloc(%d) returned out-of-range pointer %d", size, ptr))
	}
	return ptr, nil
}

// Free releases a guest allocation through plugin_free.
func (i *Instance) Free(ctx context.Context, ptr, size uint32) error {
	_, err := i.Call(ctx, ExportFree, api.EncodeU32(ptr), api.EncodeU32(size))
	return err
}

// write copies data into a fresh guest allocation.
func (i *Instance) write(ctx context.Context, data []byte) (uint32, error) {
	ptr, err := i.Allocate(ctx, uint32(len(data)))
	if err != nil {
		return 0, err
	}
	if !i.mod.Memory().Write(ptr, data) {
		return 0, i.abort("Instance.write", fmt.Sprintf("write of %d bytes at %d out of range", len(data), ptr))
	}
	return ptr, nil
}

// Metadata returns the raw document produced by plugin_metadata.
func (i *Instance) Metadata(ctx context.Context) ([]byte, error) {
	res, err := i.Call(ctx, ExportMetadata)
	if err != nil {
		return nil, err
	}
	ptr, size := UnpackPtrLen(res[0])
	md, err := ReadGuest(i.mod, ptr, size)
	if err != nil {
		return nil, err
	}
	if size > 0 {
		if err := i.Free(ctx, ptr, size); err != nil {
			return nil, err
		}
	}
	return md, nil
}

// Init passes config to plugin_init. A non-zero return is ErrInitFailed.
func (i *Instance) Init(ctx context.Context, config []byte) error {
	var ptr uint32
	size := uint32(len(config))
	if size > 0 {
		var err error
		if ptr, err = i.write(ctx, config); err != nil {
			return err
		}
	}

	res, err := i.Call(ctx, ExportInit, api.EncodeU32(ptr), api.EncodeU32(size))
	if err != nil {
		return err
	}
	if size > 0 {
		if err := i.Free(ctx, ptr, size); err != nil {
			return err
		}
	}
	if rc := api.DecodeI32(res[0]); rc != 0 {
		return domain.NewDomainError("Instance.Init", domain.ErrInitFailed, fmt.Sprintf("plugin_init returned %d", rc))
	}
	return nil
}

// Execute runs one plugin_execute round trip: the input is copied into a
// guest allocation, the packed result is copied out, and both buffers are
// freed. An output range outside guest memory is ErrSerialization and does
// not corrupt the instance.
func (i *Instance) Execute(ctx context.Context, input []byte) ([]byte, error) {
	inPtr, err := i.write(ctx, input)
	if err != nil {
		return nil, err
	}
	inLen := uint32(len(input))

	res, err := i.Call(ctx, ExportExecute, api.EncodeU32(inPtr), api.EncodeU32(inLen))
	if err != nil {
		return nil, err
	}
	outPtr, outLen := UnpackPtrLen(res[0])
	output, readErr := ReadGuest(i.mod, outPtr, outLen)

	if err := i.Free(ctx, inPtr, inLen); err != nil {
		return nil, err
	}
	if readErr != nil {
		return nil, domain.NewDomainError("Instance.Execute", readErr, "")
	}
	if outLen > 0 && outPtr != inPtr {
		if err := i.Free(ctx, outPtr, outLen); err != nil {
			return nil, err
		}
	}
	return output, nil
}

// Shutdown calls plugin_shutdown. A non-zero return is reported but does
// not corrupt the instance.
func (i *Instance) Shutdown(ctx context.Context) error {
	res, err := i.Call(ctx, ExportShutdown)
	if err != nil {
		return err
	}
	if rc := api.DecodeI32(res[0]); rc != 0 {
		return fmt.Errorf("plugin_shutdown returned %d", rc)
	}
	return nil
}

// Close discards the HostState and releases the instance runtime. It is
// safe to call more than once.
func (i *Instance) Close(ctx context.Context) error {
	if !i.closed.CompareAndSwap(false, true) {
		return nil
	}
	i.env.state.Clear()
	if err := i.rt.Close(ctx); err != nil {
		return fmt.Errorf("close instance %s: %w", i.id, err)
	}
	i.logger.Debug("wasm instance closed")
	return nil
}
