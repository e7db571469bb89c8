package wasm

import (
	"slices"

	"github.com/tetratelabs/wazero/api"

	"warden/pkg/pluginsdk"
)

// HostModule is the namespace under which host functions are registered.
const HostModule = pluginsdk.HostModule

// Guest exports every plugin module must provide.
const (
	ExportInit     = pluginsdk.ExportInit
	ExportExecute  = pluginsdk.ExportExecute
	ExportShutdown = pluginsdk.ExportShutdown
	ExportMetadata = pluginsdk.ExportMetadata
	ExportAlloc    = pluginsdk.ExportAlloc
	ExportFree     = pluginsdk.ExportFree
	ExportMemory   = pluginsdk.ExportMemory
)

// FuelGlobal is the export name of the instruction counter injected by the
// metering pass. Guest modules may not export anything under this name.
const FuelGlobal = "__warden_fuel"

// Status codes returned by host functions to the guest.
const (
	StatusOK               = int32(pluginsdk.StatusOK)
	StatusPermissionDenied = int32(pluginsdk.StatusPermissionDenied)
	StatusInvalidArgument  = int32(pluginsdk.StatusInvalidArgument)
	StatusNotFound         = int32(pluginsdk.StatusNotFound)
	StatusIOError          = int32(pluginsdk.StatusIOError)
	StatusLimitExceeded    = int32(pluginsdk.StatusLimitExceeded)
)

// Signature is a function type at the host/guest boundary.
type Signature struct {
	Params  []api.ValueType
	Results []api.ValueType
}

func sig(params []api.ValueType, results ...api.ValueType) Signature {
	return Signature{Params: params, Results: results}
}

var (
	i32 = api.ValueTypeI32
	i64 = api.ValueTypeI64
)

// RequiredExports maps each required guest function export to its signature.
// Pointers and lengths are u32 values carried in i32 slots.
var RequiredExports = map[string]Signature{
	ExportInit:     sig([]api.ValueType{i32, i32}, i32),
	ExportExecute:  sig([]api.ValueType{i32, i32}, i64),
	ExportShutdown: sig(nil, i32),
	ExportMetadata: sig(nil, i64),
	ExportAlloc:    sig([]api.ValueType{i32}, i32),
	ExportFree:     sig([]api.ValueType{i32, i32}),
}

// requiredExportOrder fixes the order exports are checked in so validation
// errors are deterministic.
var requiredExportOrder = []string{
	ExportInit, ExportExecute, ExportShutdown, ExportMetadata, ExportAlloc, ExportFree,
}

// Host functions importable from HostModule.
const (
	HostLog         = pluginsdk.HostLog
	HostCurrentTime = pluginsdk.HostCurrentTime
	HostRandom      = pluginsdk.HostRandom
	HostSetState    = pluginsdk.HostSetState
	HostGetState    = pluginsdk.HostGetState
	HostReadFile    = pluginsdk.HostReadFile
	HostHTTPGet     = pluginsdk.HostHTTPGet
	HostGetEnv      = pluginsdk.HostGetEnv
)

// HostFunctions maps every host function to its signature.
var HostFunctions = map[string]Signature{
	HostLog:         sig([]api.ValueType{i32, i32, i32}, i32),
	HostCurrentTime: sig(nil, i64),
	HostRandom:      sig([]api.ValueType{i32}, i32),
	HostSetState:    sig([]api.ValueType{i32, i32, i32, i32}, i32),
	HostGetState:    sig([]api.ValueType{i32, i32, i32, i32}, i32),
	HostReadFile:    sig([]api.ValueType{i32, i32, i32, i32}, i32),
	HostHTTPGet:     sig([]api.ValueType{i32, i32, i32, i32}, i32),
	HostGetEnv:      sig([]api.ValueType{i32, i32, i32, i32}, i32),
}

// PackPtrLen encodes a guest buffer location as ptr<<32 | len.
func PackPtrLen(ptr, size uint32) uint64 {
	return pluginsdk.Pack(ptr, size)
}

// UnpackPtrLen decodes a value produced by PackPtrLen.
func UnpackPtrLen(v uint64) (ptr, size uint32) {
	return pluginsdk.Unpack(v)
}

func (s Signature) equal(params, results []api.ValueType) bool {
	return slices.Equal(s.Params, params) && slices.Equal(s.Results, results)
}
