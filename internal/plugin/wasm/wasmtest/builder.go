// Package wasmtest assembles small WebAssembly modules for tests.
package wasmtest

import (
	"encoding/binary"
	"fmt"
)

// Value types.
const (
	I32 byte = 0x7f
	I64 byte = 0x7e
)

// Opcodes used by the canned guests.
const (
	OpUnreachable  byte = 0x00
	OpNop          byte = 0x01
	OpBlock        byte = 0x02
	OpLoop         byte = 0x03
	OpIf           byte = 0x04
	OpElse         byte = 0x05
	OpEnd          byte = 0x0b
	OpBr           byte = 0x0c
	OpBrIf         byte = 0x0d
	OpReturn       byte = 0x0f
	OpCall         byte = 0x10
	OpDrop         byte = 0x1a
	OpLocalGet     byte = 0x20
	OpLocalSet     byte = 0x21
	OpLocalTee     byte = 0x22
	OpGlobalGet    byte = 0x23
	OpGlobalSet    byte = 0x24
	OpI32Load      byte = 0x28
	OpI64Load      byte = 0x29
	OpI32Store     byte = 0x36
	OpI64Store     byte = 0x37
	OpMemorySize   byte = 0x3f
	OpMemoryGrow   byte = 0x40
	OpI32Const     byte = 0x41
	OpI64Const     byte = 0x42
	OpI32Eqz       byte = 0x45
	OpI32Eq        byte = 0x46
	OpI32Ne        byte = 0x47
	OpI32LtS       byte = 0x48
	OpI32GeS       byte = 0x4e
	OpI32Add       byte = 0x6a
	OpI32Sub       byte = 0x6b
	OpI32And       byte = 0x71
	OpI32Shl       byte = 0x74
	OpI64Add       byte = 0x7c
	OpI64Or        byte = 0x84
	OpI64Shl       byte = 0x86
	OpI64ExtendU   byte = 0xad
	BlockTypeEmpty byte = 0x40
)

// FuncType is a function signature.
type FuncType struct {
	Params  []byte
	Results []byte
}

type importFunc struct {
	module, name string
	typeIdx      uint32
}

type funcDef struct {
	typeIdx uint32
	locals  []byte
	body    []byte
}

type exportDef struct {
	name string
	kind byte
	idx  uint32
}

type globalDef struct {
	valType byte
	mutable bool
	init    int64
}

type dataSeg struct {
	offset uint32
	data   []byte
}

// Module builds a module binary section by section. Imports must be declared
// before any function is defined so function indices stay stable.
type Module struct {
	types   []FuncType
	imports []importFunc
	funcs   []funcDef
	globals []globalDef
	exports []exportDef
	data    []dataSeg

	hasMemory bool
	memMin    uint32
	memMax    *uint32
}

// New returns an empty module builder.
func New() *Module {
	return &Module{}
}

// Type returns the index of the given signature, adding it if needed.
func (m *Module) Type(params, results []byte) uint32 {
	for i, t := range m.types {
		if string(t.Params) == string(params) && string(t.Results) == string(results) {
			return uint32(i)
		}
	}
	m.types = append(m.types, FuncType{Params: params, Results: results})
	return uint32(len(m.types) - 1)
}

// ImportFunc declares a function import and returns its function index.
func (m *Module) ImportFunc(module, name string, params, results []byte) uint32 {
	if len(m.funcs) > 0 {
		panic("wasmtest: imports must be declared before functions")
	}
	m.imports = append(m.imports, importFunc{module: module, name: name, typeIdx: m.Type(params, results)})
	return uint32(len(m.imports) - 1)
}

// Func defines a function and returns its index. The trailing end opcode is
// appended automatically.
func (m *Module) Func(params, results, locals []byte, body ...[]byte) uint32 {
	m.funcs = append(m.funcs, funcDef{
		typeIdx: m.Type(params, results),
		locals:  locals,
		body:    Concat(body...),
	})
	return uint32(len(m.imports) + len(m.funcs) - 1)
}

// Global defines a mutable or immutable global and returns its index.
func (m *Module) Global(valType byte, mutable bool, init int64) uint32 {
	m.globals = append(m.globals, globalDef{valType: valType, mutable: mutable, init: init})
	return uint32(len(m.globals) - 1)
}

// Memory declares the module's linear memory in pages.
func (m *Module) Memory(min uint32, max ...uint32) {
	m.hasMemory = true
	m.memMin = min
	if len(max) > 0 {
		mx := max[0]
		m.memMax = &mx
	}
}

// Export exports a function.
func (m *Module) Export(name string, funcIdx uint32) {
	m.exports = append(m.exports, exportDef{name: name, kind: 0x00, idx: funcIdx})
}

// ExportMemory exports memory 0.
func (m *Module) ExportMemory(name string) {
	m.exports = append(m.exports, exportDef{name: name, kind: 0x02, idx: 0})
}

// ExportGlobal exports a global.
func (m *Module) ExportGlobal(name string, globalIdx uint32) {
	m.exports = append(m.exports, exportDef{name: name, kind: 0x03, idx: globalIdx})
}

// Data adds an active data segment for memory 0.
func (m *Module) Data(offset uint32, data []byte) {
	m.data = append(m.data, dataSeg{offset: offset, data: data})
}

// Bytes encodes the module.
func (m *Module) Bytes() []byte {
	out := []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

	if len(m.types) > 0 {
		var b []byte
		b = U32(b, uint32(len(m.types)))
		for _, t := range m.types {
			b = append(b, 0x60)
			b = U32(b, uint32(len(t.Params)))
			b = append(b, t.Params...)
			b = U32(b, uint32(len(t.Results)))
			b = append(b, t.Results...)
		}
		out = section(out, 1, b)
	}

	if len(m.imports) > 0 {
		var b []byte
		b = U32(b, uint32(len(m.imports)))
		for _, imp := range m.imports {
			b = Name(b, imp.module)
			b = Name(b, imp.name)
			b = append(b, 0x00)
			b = U32(b, imp.typeIdx)
		}
		out = section(out, 2, b)
	}

	if len(m.funcs) > 0 {
		var b []byte
		b = U32(b, uint32(len(m.funcs)))
		for _, f := range m.funcs {
			b = U32(b, f.typeIdx)
		}
		out = section(out, 3, b)
	}

	if m.hasMemory {
		b := U32(nil, 1)
		if m.memMax != nil {
			b = append(b, 0x01)
			b = U32(b, m.memMin)
			b = U32(b, *m.memMax)
		} else {
			b = append(b, 0x00)
			b = U32(b, m.memMin)
		}
		out = section(out, 5, b)
	}

	if len(m.globals) > 0 {
		var b []byte
		b = U32(b, uint32(len(m.globals)))
		for _, g := range m.globals {
			b = append(b, g.valType)
			if g.mutable {
				b = append(b, 0x01)
			} else {
				b = append(b, 0x00)
			}
			if g.valType == I64 {
				b = append(b, OpI64Const)
			} else {
				b = append(b, OpI32Const)
			}
			b = S64(b, g.init)
			b = append(b, OpEnd)
		}
		out = section(out, 6, b)
	}

	if len(m.exports) > 0 {
		var b []byte
		b = U32(b, uint32(len(m.exports)))
		for _, e := range m.exports {
			b = Name(b, e.name)
			b = append(b, e.kind)
			b = U32(b, e.idx)
		}
		out = section(out, 7, b)
	}

	if len(m.funcs) > 0 {
		var b []byte
		b = U32(b, uint32(len(m.funcs)))
		for _, f := range m.funcs {
			body := U32(nil, uint32(len(f.locals)))
			for _, l := range f.locals {
				body = U32(body, 1)
				body = append(body, l)
			}
			body = append(body, f.body...)
			body = append(body, OpEnd)
			b = U32(b, uint32(len(body)))
			b = append(b, body...)
		}
		out = section(out, 10, b)
	}

	if len(m.data) > 0 {
		var b []byte
		b = U32(b, uint32(len(m.data)))
		for _, d := range m.data {
			b = append(b, 0x00, OpI32Const)
			b = S64(b, int64(int32(d.offset)))
			b = append(b, OpEnd)
			b = U32(b, uint32(len(d.data)))
			b = append(b, d.data...)
		}
		out = section(out, 11, b)
	}

	return out
}

func section(out []byte, id byte, body []byte) []byte {
	out = append(out, id)
	out = U32(out, uint32(len(body)))
	return append(out, body...)
}

// U32 appends v as unsigned LEB128.
func U32(b []byte, v uint32) []byte {
	for {
		c := byte(v & 0x7f)
		v >>= 7
		if v == 0 {
			return append(b, c)
		}
		b = append(b, c|0x80)
	}
}

// S64 appends v as signed LEB128.
func S64(b []byte, v int64) []byte {
	for {
		c := byte(v & 0x7f)
		v >>= 7
		if (v == 0 && c&0x40 == 0) || (v == -1 && c&0x40 != 0) {
			return append(b, c)
		}
		b = append(b, c|0x80)
	}
}

// Name appends a length-prefixed UTF-8 name.
func Name(b []byte, s string) []byte {
	b = U32(b, uint32(len(s)))
	return append(b, s...)
}

// Concat joins instruction fragments.
func Concat(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

// Op emits raw opcode bytes.
func Op(b ...byte) []byte { return b }

// I32Const emits i32.const v.
func I32Const(v int32) []byte { return S64([]byte{OpI32Const}, int64(v)) }

// I64Const emits i64.const v.
func I64Const(v int64) []byte { return S64([]byte{OpI64Const}, v) }

// LocalGet emits local.get i.
func LocalGet(i uint32) []byte { return U32([]byte{OpLocalGet}, i) }

// LocalSet emits local.set i.
func LocalSet(i uint32) []byte { return U32([]byte{OpLocalSet}, i) }

// GlobalGet emits global.get i.
func GlobalGet(i uint32) []byte { return U32([]byte{OpGlobalGet}, i) }

// GlobalSet emits global.set i.
func GlobalSet(i uint32) []byte { return U32([]byte{OpGlobalSet}, i) }

// Call emits call idx.
func Call(idx uint32) []byte { return U32([]byte{OpCall}, idx) }

// Br emits br depth.
func Br(depth uint32) []byte { return U32([]byte{OpBr}, depth) }

// BrIf emits br_if depth.
func BrIf(depth uint32) []byte { return U32([]byte{OpBrIf}, depth) }

// I64Load emits i64.load with 8-byte alignment at the given static offset.
func I64Load(offset uint32) []byte { return U32([]byte{OpI64Load, 0x03}, offset) }

// I32Store emits i32.store with 4-byte alignment at the given static offset.
func I32Store(offset uint32) []byte { return U32([]byte{OpI32Store, 0x02}, offset) }

// Loop wraps body in loop ... end with an empty block type.
func Loop(body ...[]byte) []byte {
	return Concat([]byte{OpLoop, BlockTypeEmpty}, Concat(body...), []byte{OpEnd})
}

// Block wraps body in block ... end with an empty block type.
func Block(body ...[]byte) []byte {
	return Concat([]byte{OpBlock, BlockTypeEmpty}, Concat(body...), []byte{OpEnd})
}

// If emits if ... end with an empty block type.
func If(then ...[]byte) []byte {
	return Concat([]byte{OpIf, BlockTypeEmpty}, Concat(then...), []byte{OpEnd})
}

// IfElse emits if ... else ... end producing one value of type result.
func IfElse(result byte, then, els []byte) []byte {
	return Concat([]byte{OpIf, result}, then, []byte{OpElse}, els, []byte{OpEnd})
}

// Pack returns ptr<<32 | size.
func Pack(ptr, size uint32) uint64 {
	return uint64(ptr)<<32 | uint64(size)
}

// PackConst emits an i64.const holding Pack(ptr, size).
func PackConst(ptr, size uint32) []byte {
	return I64Const(int64(Pack(ptr, size)))
}

// PackLocals emits code that packs two i32 locals into one i64.
func PackLocals(ptrLocal, sizeLocal uint32) []byte {
	return Concat(
		LocalGet(ptrLocal), Op(OpI64ExtendU), I64Const(32), Op(OpI64Shl),
		LocalGet(sizeLocal), Op(OpI64ExtendU), Op(OpI64Or),
	)
}

func le64(vals ...uint64) []byte {
	out := make([]byte, 0, 8*len(vals))
	for _, v := range vals {
		out = binary.LittleEndian.AppendUint64(out, v)
	}
	return out
}

func mustFit(what string, n, limit int) {
	if n > limit {
		panic(fmt.Sprintf("wasmtest: %s is %d bytes, limit %d", what, n, limit))
	}
}
