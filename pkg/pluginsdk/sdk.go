// Package pluginsdk describes the guest side of the warden plugin ABI for
// plugin authors: the host module name, the exports a module must provide,
// the host functions it may import and the values that cross the boundary.
//
// A guest built with TinyGo imports host functions from the "warden" module:
//
//	//go:wasmimport warden host_log
//	func hostLog(level, ptr, size uint32) int32
//
// and exports the lifecycle functions:
//
//	plugin_init(cfg_ptr, cfg_len u32) -> i32      0 on success
//	plugin_execute(in_ptr, in_len u32) -> u64     packed output buffer
//	plugin_shutdown() -> i32
//	plugin_metadata() -> u64                      packed metadata JSON
//	plugin_alloc(size u32) -> u32
//	plugin_free(ptr, size u32)
//
// together with its linear memory as "memory". Buffers returned to the host
// are packed with Pack and released by the host through plugin_free.
//
// Buffer host functions share the shape (arg_ptr, arg_len, buf_ptr, buf_cap)
// -> i32. A non-negative result is the number of bytes written to the buffer;
// a negative result is one of the Status codes.
package pluginsdk

import "fmt"

// HostModule is the import namespace of every host function.
const HostModule = "warden"

// Guest exports.
const (
	ExportInit     = "plugin_init"
	ExportExecute  = "plugin_execute"
	ExportShutdown = "plugin_shutdown"
	ExportMetadata = "plugin_metadata"
	ExportAlloc    = "plugin_alloc"
	ExportFree     = "plugin_free"
	ExportMemory   = "memory"
)

// Host functions.
const (
	HostLog         = "host_log"
	HostCurrentTime = "host_current_time_ms"
	HostRandom      = "host_random"
	HostSetState    = "host_set_state"
	HostGetState    = "host_get_state"
	HostReadFile    = "host_read_file"
	HostHTTPGet     = "host_http_get"
	HostGetEnv      = "host_get_env"
)

// LogLevel is the first argument of host_log. Values below LogDebug log at
// debug and values above LogError log at error.
type LogLevel int32

const (
	LogDebug LogLevel = 0
	LogInfo  LogLevel = 1
	LogWarn  LogLevel = 2
	LogError LogLevel = 3
)

// Status is a negative result returned by a host function.
type Status int32

const (
	StatusOK               Status = 0
	StatusPermissionDenied Status = -1
	StatusInvalidArgument  Status = -2
	StatusNotFound         Status = -3
	StatusIOError          Status = -4
	StatusLimitExceeded    Status = -5
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusPermissionDenied:
		return "permission denied"
	case StatusInvalidArgument:
		return "invalid argument"
	case StatusNotFound:
		return "not found"
	case StatusIOError:
		return "io error"
	case StatusLimitExceeded:
		return "limit exceeded"
	default:
		return fmt.Sprintf("status(%d)", int32(s))
	}
}

// Error implements error so a guest can return a failed host call directly.
func (s Status) Error() string { return s.String() }

// Result interprets the i32 returned by a buffer host function: the number
// of bytes written, or the Status when negative.
func Result(v int32) (int, error) {
	if v < 0 {
		return 0, Status(v)
	}
	return int(v), nil
}

// Pack encodes a guest buffer location as ptr<<32 | len.
func Pack(ptr, size uint32) uint64 {
	return uint64(ptr)<<32 | uint64(size)
}

// Unpack decodes a value produced by Pack.
func Unpack(v uint64) (ptr, size uint32) {
	return uint32(v >> 32), uint32(v)
}
