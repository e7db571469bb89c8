package wasm

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"math/rand/v2"
	"net/url"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"golang.org/x/time/rate"

	"warden/internal/domain"
	"warden/pkg/pluginsdk"
)

// DenialFunc is called whenever a host function refuses a guest request
// because the plugin lacks a permission. target is the path, host or
// variable name the guest asked for.
type DenialFunc func(ctx context.Context, fn string, capability domain.Capability, target string)

// hostEnv holds the dependencies injected into host functions for one
// instance.
type hostEnv struct {
	sandbox      *Sandbox
	state        *HostState
	logger       *slog.Logger
	limiter      *rate.Limiter
	fetcher      *HTTPFetcher
	maxFileBytes int64
	onDenied     DenialFunc
	now          func() time.Time

	droppedLogs atomic.Uint64
}

// registerHostFunctions instantiates the warden host module on rt. Every
// host function is always present; permissions are enforced per call so a
// module's imports never depend on what it was granted.
func registerHostFunctions(ctx context.Context, rt wazero.Runtime, env *hostEnv) error {
	handlers := map[string]api.GoModuleFunc{
		HostLog:         env.log,
		HostCurrentTime: env.currentTime,
		HostRandom:      env.random,
		HostSetState:    env.setState,
		HostGetState:    env.getState,
		HostReadFile:    env.readFile,
		HostHTTPGet:     env.httpGet,
		HostGetEnv:      env.getEnv,
	}

	builder := rt.NewHostModuleBuilder(HostModule)
	for name, fn := range handlers {
		s := HostFunctions[name]
		builder.NewFunctionBuilder().
			WithGoModuleFunction(fn, s.Params, s.Results).
			WithName(name).
			Export(name)
	}
	_, err := builder.Instantiate(ctx)
	return err
}

func (env *hostEnv) deny(ctx context.Context, fn string, c domain.Capability, target string) {
	env.logger.Warn("host call denied", "function", fn, "capability", string(c), "target", target)
	if env.onDenied != nil {
		env.onDenied(ctx, fn, c, target)
	}
}

func setStatus(stack []uint64, status int32) {
	stack[0] = api.EncodeI32(status)
}

// host_log(level, ptr, len) -> status
func (env *hostEnv) log(ctx context.Context, mod api.Module, stack []uint64) {
	level := api.DecodeI32(stack[0])
	msg, ok := readString(mod.Memory(), api.DecodeU32(stack[1]), api.DecodeU32(stack[2]))
	if !ok {
		setStatus(stack, StatusInvalidArgument)
		return
	}
	if !env.limiter.Allow() {
		env.droppedLogs.Add(1)
		setStatus(stack, StatusOK)
		return
	}

	var lvl slog.Level
	switch l := pluginsdk.LogLevel(level); {
	case l <= pluginsdk.LogDebug:
		lvl = slog.LevelDebug
	case l == pluginsdk.LogInfo:
		lvl = slog.LevelInfo
	case l == pluginsdk.LogWarn:
		lvl = slog.LevelWarn
	default:
		lvl = slog.LevelError
	}
	env.logger.Log(ctx, lvl, env.sandbox.SanitizeLog(msg))
	setStatus(stack, StatusOK)
}

// host_current_time_ms() -> i64
func (env *hostEnv) currentTime(_ context.Context, _ api.Module, stack []uint64) {
	stack[0] = api.EncodeI64(env.now().UnixMilli())
}

// host_random(max) -> value in [0, max)
func (env *hostEnv) random(_ context.Context, _ api.Module, stack []uint64) {
	limit := api.DecodeI32(stack[0])
	switch {
	case limit < 0:
		setStatus(stack, StatusInvalidArgument)
	case limit == 0:
		setStatus(stack, 0)
	default:
		setStatus(stack, rand.Int32N(limit))
	}
}

// host_set_state(key_ptr, key_len, val_ptr, val_len) -> status
func (env *hostEnv) setState(_ context.Context, mod api.Module, stack []uint64) {
	mem := mod.Memory()
	key, ok := readString(mem, api.DecodeU32(stack[0]), api.DecodeU32(stack[1]))
	if !ok || key == "" {
		setStatus(stack, StatusInvalidArgument)
		return
	}
	value, ok := readBytes(mem, api.DecodeU32(stack[2]), api.DecodeU32(stack[3]))
	if !ok {
		setStatus(stack, StatusInvalidArgument)
		return
	}
	if err := env.state.Set(key, value); err != nil {
		setStatus(stack, StatusLimitExceeded)
		return
	}
	setStatus(stack, StatusOK)
}

// host_get_state(key_ptr, key_len, buf_ptr, buf_cap) -> len | status
func (env *hostEnv) getState(_ context.Context, mod api.Module, stack []uint64) {
	mem := mod.Memory()
	key, ok := readString(mem, api.DecodeU32(stack[0]), api.DecodeU32(stack[1]))
	if !ok {
		setStatus(stack, StatusInvalidArgument)
		return
	}
	value, found := env.state.Get(key)
	if !found {
		setStatus(stack, StatusNotFound)
		return
	}
	setStatus(stack, writeResult(mem, api.DecodeU32(stack[2]), api.DecodeU32(stack[3]), value))
}

// host_read_file(path_ptr, path_len, buf_ptr, buf_cap) -> len | status
func (env *hostEnv) readFile(ctx context.Context, mod api.Module, stack []uint64) {
	mem := mod.Memory()
	path, ok := readString(mem, api.DecodeU32(stack[0]), api.DecodeU32(stack[1]))
	if !ok {
		setStatus(stack, StatusInvalidArgument)
		return
	}
	if !env.sandbox.CheckFilesystem(path) {
		env.deny(ctx, HostReadFile, domain.CapabilityFilesystem, path)
		setStatus(stack, StatusPermissionDenied)
		return
	}
	resolved, err := env.sandbox.ResolvePath(path)
	if err != nil {
		if errors.Is(err, domain.ErrPermissionDenied) {
			env.deny(ctx, HostReadFile, domain.CapabilityFilesystem, path)
		}
		setStatus(stack, fileStatus(err))
		return
	}

	data, err := readFileLimited(resolved, env.maxFileBytes)
	if err != nil {
		env.logger.Debug("host_read_file failed", "path", path, "error", err)
		setStatus(stack, fileStatus(err))
		return
	}
	setStatus(stack, writeResult(mem, api.DecodeU32(stack[2]), api.DecodeU32(stack[3]), data))
}

var errNotRegularFile = errors.New("not a regular file")

func readFileLimited(path string, limit int64) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if !info.Mode().IsRegular() {
		return nil, errNotRegularFile
	}
	if info.Size() > limit {
		return nil, domain.ErrLimitReached
	}
	data, err := io.ReadAll(io.LimitReader(f, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, domain.ErrLimitReached
	}
	return data, nil
}

func fileStatus(err error) int32 {
	switch {
	case errors.Is(err, domain.ErrPermissionDenied):
		return StatusPermissionDenied
	case errors.Is(err, fs.ErrNotExist):
		return StatusNotFound
	case errors.Is(err, domain.ErrLimitReached):
		return StatusLimitExceeded
	default:
		return StatusIOError
	}
}

// host_http_get(url_ptr, url_len, buf_ptr, buf_cap) -> len | status
func (env *hostEnv) httpGet(ctx context.Context, mod api.Module, stack []uint64) {
	mem := mod.Memory()
	raw, ok := readString(mem, api.DecodeU32(stack[0]), api.DecodeU32(stack[1]))
	if !ok {
		setStatus(stack, StatusInvalidArgument)
		return
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Hostname() == "" {
		setStatus(stack, StatusInvalidArgument)
		return
	}
	if !env.sandbox.CheckNetwork(u.Hostname()) {
		env.deny(ctx, HostHTTPGet, domain.CapabilityNetwork, u.Hostname())
		setStatus(stack, StatusPermissionDenied)
		return
	}

	body, err := env.fetcher.Get(ctx, u, env.sandbox.CheckNetwork)
	if err != nil {
		env.logger.Debug("host_http_get failed", "host", u.Hostname(), "error", err)
		switch {
		case errors.Is(err, domain.ErrPermissionDenied):
			env.deny(ctx, HostHTTPGet, domain.CapabilityNetwork, u.Hostname())
			setStatus(stack, StatusPermissionDenied)
		case errors.Is(err, domain.ErrLimitReached):
			setStatus(stack, StatusLimitExceeded)
		case errors.Is(err, domain.ErrInvalidInput):
			setStatus(stack, StatusInvalidArgument)
		default:
			setStatus(stack, StatusIOError)
		}
		return
	}
	setStatus(stack, writeResult(mem, api.DecodeU32(stack[2]), api.DecodeU32(stack[3]), body))
}

// host_get_env(name_ptr, name_len, buf_ptr, buf_cap) -> len | status
func (env *hostEnv) getEnv(ctx context.Context, mod api.Module, stack []uint64) {
	mem := mod.Memory()
	name, ok := readString(mem, api.DecodeU32(stack[0]), api.DecodeU32(stack[1]))
	if !ok || name == "" || strings.ContainsRune(name, '=') {
		setStatus(stack, StatusInvalidArgument)
		return
	}
	if !env.sandbox.CheckEnv() {
		env.deny(ctx, HostGetEnv, domain.CapabilityEnv, name)
		setStatus(stack, StatusPermissionDenied)
		return
	}
	value, found := os.LookupEnv(name)
	if !found {
		setStatus(stack, StatusNotFound)
		return
	}
	setStatus(stack, writeResult(mem, api.DecodeU32(stack[2]), api.DecodeU32(stack[3]), []byte(value)))
}
