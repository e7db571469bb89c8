package wasmtest

import (
	"encoding/json"
	"slices"
)

// Memory layout shared by the canned guests.
const (
	MetadataOffset      uint32 = 256
	StatusTableOffset   uint32 = 1024
	StatusStringsOffset uint32 = 1088
	ArgOffset           uint32 = 2048
	KeyOffset           uint32 = 6144
	LogOffset           uint32 = 7168
	BufferOffset        uint32 = 8192
	BufferCap           uint32 = 8192
	HeapStart           uint32 = 16384
	MemoryPages         uint32 = 4

	// FreeCountExport names the i32 global counting plugin_free calls in
	// guests built with CountFrees.
	FreeCountExport = "free_calls"
)

// Outputs produced by guests that report a host-function status. Index i
// corresponds to status code -i; index 0 is success.
var (
	OutputOK       = `{"status":"ok"}`
	OutputDenied   = `{"status":"denied"}`
	OutputInvalid  = `{"status":"invalid"}`
	OutputNotFound = `{"status":"not_found"}`
	OutputIOError  = `{"status":"io_error"}`
	OutputLimit    = `{"status":"limit"}`

	statusOutputs = []string{OutputOK, OutputDenied, OutputInvalid, OutputNotFound, OutputIOError, OutputLimit}
)

var hostSigs = map[string]FuncType{
	"host_log":             {Params: []byte{I32, I32, I32}, Results: []byte{I32}},
	"host_current_time_ms": {Results: []byte{I64}},
	"host_random":          {Params: []byte{I32}, Results: []byte{I32}},
	"host_set_state":       {Params: []byte{I32, I32, I32, I32}, Results: []byte{I32}},
	"host_get_state":       {Params: []byte{I32, I32, I32, I32}, Results: []byte{I32}},
	"host_read_file":       {Params: []byte{I32, I32, I32, I32}, Results: []byte{I32}},
	"host_http_get":        {Params: []byte{I32, I32, I32, I32}, Results: []byte{I32}},
	"host_get_env":         {Params: []byte{I32, I32, I32, I32}, Results: []byte{I32}},
}

type extraExport struct {
	name            string
	params, results []byte
	locals          []byte
	body            [][]byte
}

// Plugin assembles a module implementing the plugin ABI: a bump allocator,
// no-op free, constant init/shutdown, metadata from a data segment, and an
// execute function that echoes its input unless replaced.
type Plugin struct {
	metadata   string
	imports    []string
	initResult int32
	without    map[string]bool
	execLocals []byte
	execBody   [][]byte
	extra      []extraExport
	data       []dataSeg
	memMin     uint32
	memMax     []uint32
	countFrees bool
}

// NewPlugin starts a plugin that imports the named host functions.
func NewPlugin(metadata string, imports ...string) *Plugin {
	return &Plugin{
		metadata: metadata,
		imports:  imports,
		without:  map[string]bool{},
		memMin:   MemoryPages,
	}
}

// Import returns the function index of a declared host import.
func (p *Plugin) Import(name string) uint32 {
	i := slices.Index(p.imports, name)
	if i < 0 {
		panic("wasmtest: host function not imported: " + name)
	}
	return uint32(i)
}

// WithInitResult makes plugin_init return rc.
func (p *Plugin) WithInitResult(rc int32) *Plugin {
	p.initResult = rc
	return p
}

// Without omits the named exports.
func (p *Plugin) Without(exports ...string) *Plugin {
	for _, e := range exports {
		p.without[e] = true
	}
	return p
}

// CountFrees makes plugin_free increment an exported FreeCountExport global.
func (p *Plugin) CountFrees() *Plugin {
	p.countFrees = true
	return p
}

// WithExecute replaces the plugin_execute body. Locals 0 and 1 hold the input
// pointer and length; additional locals start at index 2.
func (p *Plugin) WithExecute(locals []byte, body ...[]byte) *Plugin {
	p.execLocals = locals
	p.execBody = body
	return p
}

// WithExport adds an extra exported function.
func (p *Plugin) WithExport(name string, params, results, locals []byte, body ...[]byte) *Plugin {
	p.extra = append(p.extra, extraExport{name: name, params: params, results: results, locals: locals, body: body})
	return p
}

// WithData adds a data segment.
func (p *Plugin) WithData(offset uint32, data []byte) *Plugin {
	p.data = append(p.data, dataSeg{offset: offset, data: data})
	return p
}

// WithMemory overrides the declared memory limits.
func (p *Plugin) WithMemory(min uint32, max ...uint32) *Plugin {
	p.memMin = min
	p.memMax = max
	return p
}

// Bytes encodes the plugin module.
func (p *Plugin) Bytes() []byte {
	mustFit("metadata", len(p.metadata), int(StatusTableOffset-MetadataOffset))

	m := New()
	for _, name := range p.imports {
		s, ok := hostSigs[name]
		if !ok {
			panic("wasmtest: unknown host function " + name)
		}
		m.ImportFunc("warden", name, s.Params, s.Results)
	}

	heap := m.Global(I32, true, int64(HeapStart))
	m.Memory(p.memMin, p.memMax...)

	var freeBody [][]byte
	if p.countFrees {
		frees := m.Global(I32, true, 0)
		m.ExportGlobal(FreeCountExport, frees)
		freeBody = [][]byte{GlobalGet(frees), I32Const(1), Op(OpI32Add), GlobalSet(frees)}
	}

	exec := p.execBody
	if exec == nil {
		exec = [][]byte{PackLocals(0, 1)}
	}

	funcs := []struct {
		name string
		idx  uint32
	}{
		{"plugin_alloc", m.Func([]byte{I32}, []byte{I32}, nil,
			GlobalGet(heap),
			GlobalGet(heap), LocalGet(0), Op(OpI32Add),
			I32Const(7), Op(OpI32Add), I32Const(-8), Op(OpI32And),
			GlobalSet(heap),
		)},
		{"plugin_free", m.Func([]byte{I32, I32}, nil, nil, freeBody...)},
		{"plugin_init", m.Func([]byte{I32, I32}, []byte{I32}, nil, I32Const(p.initResult))},
		{"plugin_shutdown", m.Func(nil, []byte{I32}, nil, I32Const(0))},
		{"plugin_metadata", m.Func(nil, []byte{I64}, nil, PackConst(MetadataOffset, uint32(len(p.metadata))))},
		{"plugin_execute", m.Func([]byte{I32, I32}, []byte{I64}, p.execLocals, exec...)},
	}
	for _, f := range funcs {
		if !p.without[f.name] {
			m.Export(f.name, f.idx)
		}
	}
	for _, e := range p.extra {
		m.Export(e.name, m.Func(e.params, e.results, e.locals, e.body...))
	}
	if !p.without["memory"] {
		m.ExportMemory("memory")
	}

	m.Data(MetadataOffset, []byte(p.metadata))
	m.Data(StatusTableOffset, statusTable())
	m.Data(StatusStringsOffset, []byte(joinStatusOutputs()))
	for _, d := range p.data {
		m.Data(d.offset, d.data)
	}
	return m.Bytes()
}

func joinStatusOutputs() string {
	var s string
	for _, o := range statusOutputs {
		s += o
	}
	return s
}

func statusTable() []byte {
	vals := make([]uint64, 0, len(statusOutputs))
	off := StatusStringsOffset
	for _, o := range statusOutputs {
		vals = append(vals, Pack(off, uint32(len(o))))
		off += uint32(len(o))
	}
	return le64(vals...)
}

// statusPtr returns the location of statusOutputs[i] in guest memory.
func statusPtr(i int) (uint32, uint32) {
	off := StatusStringsOffset
	for _, o := range statusOutputs[:i] {
		off += uint32(len(o))
	}
	return off, uint32(len(statusOutputs[i]))
}

// statusOrBuffer leaves an i64 on the stack: the buffer holding local s bytes
// when s >= 0, otherwise the status output for -s.
func statusOrBuffer(s uint32) []byte {
	return Concat(
		LocalGet(s), I32Const(0), Op(OpI32GeS),
		IfElse(I64,
			Concat(I64Const(int64(uint64(BufferOffset)<<32)), LocalGet(s), Op(OpI64ExtendU), Op(OpI64Or)),
			Concat(I32Const(0), LocalGet(s), Op(OpI32Sub), I32Const(3), Op(OpI32Shl), I64Load(StatusTableOffset)),
		),
	)
}

// Metadata encodes plugin metadata JSON.
func Metadata(name, pluginType string, capabilities ...string) string {
	md := struct {
		Name         string   `json:"name"`
		Version      string   `json:"version"`
		Type         string   `json:"type"`
		Capabilities []string `json:"capabilities,omitempty"`
	}{Name: name, Version: "1.0.0", Type: pluginType, Capabilities: capabilities}
	b, err := json.Marshal(md)
	if err != nil {
		panic(err)
	}
	return string(b)
}

// Echo returns a plugin whose execute returns its input unchanged.
func Echo(metadata string) []byte {
	return NewPlugin(metadata).Bytes()
}

// InfiniteLoop returns a plugin whose execute never returns.
func InfiniteLoop(metadata string) []byte {
	return NewPlugin(metadata).
		WithExecute(nil, Loop(Br(0)), I64Const(0)).
		Bytes()
}

// Trap returns a plugin whose execute hits unreachable.
func Trap(metadata string) []byte {
	return NewPlugin(metadata).
		WithExecute(nil, Op(OpUnreachable)).
		Bytes()
}

// GrowMemory returns a plugin whose execute grows memory by pages and traps
// if the grow fails.
func GrowMemory(metadata string, pages uint32) []byte {
	ptr, size := statusPtr(0)
	return NewPlugin(metadata).
		WithExecute(nil,
			I32Const(int32(pages)), Op(OpMemoryGrow, 0x00),
			I32Const(-1), Op(OpI32Eq),
			If(Op(OpUnreachable)),
			PackConst(ptr, size),
		).
		Bytes()
}

// InvalidOutput returns a plugin whose execute returns bytes that are not JSON.
func InvalidOutput(metadata string) []byte {
	junk := []byte("not json {")
	return NewPlugin(metadata).
		WithData(ArgOffset, junk).
		WithExecute(nil, PackConst(ArgOffset, uint32(len(junk)))).
		Bytes()
}

// BufferCall returns a plugin whose execute calls a host function of the form
// (arg_ptr, arg_len, buf_ptr, buf_cap) -> i32 with arg, returning the buffer
// on success and a status output otherwise.
func BufferCall(metadata, hostFn, arg string) []byte {
	mustFit("argument", len(arg), int(KeyOffset-ArgOffset))
	p := NewPlugin(metadata, hostFn)
	return p.
		WithData(ArgOffset, []byte(arg)).
		WithExecute([]byte{I32},
			I32Const(int32(ArgOffset)), I32Const(int32(len(arg))),
			I32Const(int32(BufferOffset)), I32Const(int32(BufferCap)),
			Call(p.Import(hostFn)), LocalSet(2),
			statusOrBuffer(2),
		).
		Bytes()
}

// StateEcho returns a plugin whose execute logs a line, stores its input under
// key, reads it back, and returns what it read.
func StateEcho(metadata, key, logLine string) []byte {
	mustFit("key", len(key), int(LogOffset-KeyOffset))
	mustFit("log line", len(logLine), int(BufferOffset-LogOffset))
	p := NewPlugin(metadata, "host_log", "host_set_state", "host_get_state")
	return p.
		WithData(KeyOffset, []byte(key)).
		WithData(LogOffset, []byte(logLine)).
		WithExecute([]byte{I32},
			I32Const(1), I32Const(int32(LogOffset)), I32Const(int32(len(logLine))),
			Call(p.Import("host_log")), Op(OpDrop),

			I32Const(int32(KeyOffset)), I32Const(int32(len(key))),
			LocalGet(0), LocalGet(1),
			Call(p.Import("host_set_state")), LocalSet(2),

			LocalGet(2), I32Const(0), Op(OpI32Ne),
			IfElse(I64,
				statusOrBuffer(2),
				Concat(
					I32Const(int32(KeyOffset)), I32Const(int32(len(key))),
					I32Const(int32(BufferOffset)), I32Const(int32(BufferCap)),
					Call(p.Import("host_get_state")), LocalSet(2),
					statusOrBuffer(2),
				),
			),
		).
		Bytes()
}

// LogFlood returns a plugin whose execute calls host_log n times.
func LogFlood(metadata string, n int32, logLine string) []byte {
	mustFit("log line", len(logLine), int(BufferOffset-LogOffset))
	p := NewPlugin(metadata, "host_log")
	ptr, size := statusPtr(0)
	return p.
		WithData(LogOffset, []byte(logLine)).
		WithExecute([]byte{I32},
			Block(Loop(
				LocalGet(2), I32Const(n), Op(OpI32GeS), BrIf(1),
				I32Const(1), I32Const(int32(LogOffset)), I32Const(int32(len(logLine))),
				Call(p.Import("host_log")), Op(OpDrop),
				LocalGet(2), I32Const(1), Op(OpI32Add), LocalSet(2),
				Br(0),
			)),
			PackConst(ptr, size),
		).
		Bytes()
}
