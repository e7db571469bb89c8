package wasm

import (
	"bytes"
	"errors"
	"fmt"
	"math"

	"warden/internal/domain"
)

// Module section ids.
const (
	secCustom    byte = 0
	secType      byte = 1
	secImport    byte = 2
	secFunction  byte = 3
	secTable     byte = 4
	secMemory    byte = 5
	secGlobal    byte = 6
	secExport    byte = 7
	secStart     byte = 8
	secElement   byte = 9
	secCode      byte = 10
	secData      byte = 11
	secDataCount byte = 12
	secTag       byte = 13
)

// sectionRank is the required relative order of non-custom sections.
var sectionRank = map[byte]int{
	secType: 1, secImport: 2, secFunction: 3, secTable: 4, secMemory: 5, secTag: 6,
	secGlobal: 7, secExport: 8, secStart: 9, secElement: 10, secDataCount: 11, secCode: 12, secData: 13,
}

// Import and export kinds.
const (
	kindFunc   byte = 0x00
	kindTable  byte = 0x01
	kindMemory byte = 0x02
	kindGlobal byte = 0x03
	kindTag    byte = 0x04
)

// Opcodes emitted or inspected by the metering pass.
const (
	opUnreachable byte = 0x00
	opBlock       byte = 0x02
	opLoop        byte = 0x03
	opIf          byte = 0x04
	opElse        byte = 0x05
	opEnd         byte = 0x0b
	opBr          byte = 0x0c
	opBrIf        byte = 0x0d
	opBrTable     byte = 0x0e
	opReturn      byte = 0x0f
	opGlobalGet   byte = 0x23
	opGlobalSet   byte = 0x24
	opI64Const    byte = 0x42
	opI64LtS      byte = 0x53
	opI64Sub      byte = 0x7d
	opPrefixMisc  byte = 0xfc
	opPrefixSIMD  byte = 0xfd
	valTypeI64    byte = 0x7e
	blockTypeVoid byte = 0x40
)

var (
	wasmMagic   = []byte{0x00, 0x61, 0x73, 0x6d}
	wasmVersion = []byte{0x01, 0x00, 0x00, 0x00}

	errTruncated   = errors.New("unexpected end of section")
	errMalformedLE = errors.New("malformed LEB128 value")
)

type section struct {
	id   byte
	body []byte
}

type importEntry struct {
	module, name string
	kind         byte
}

// moduleLayout is the structural summary of a module binary.
type moduleLayout struct {
	sections       []section
	imports        []importEntry
	exports        []string
	definedGlobals uint32
}

func (l *moduleLayout) importedCount(kind byte) uint32 {
	var n uint32
	for _, imp := range l.imports {
		if imp.kind == kind {
			n++
		}
	}
	return n
}

func (l *moduleLayout) find(id byte) int {
	for i, s := range l.sections {
		if s.id == id {
			return i
		}
	}
	return -1
}

func hasModuleHeader(bin []byte) bool {
	return len(bin) >= 8 && bytes.Equal(bin[:4], wasmMagic) && bytes.Equal(bin[4:8], wasmVersion)
}

// scanModule splits bin into sections and decodes the import, global and
// export headers.
func scanModule(bin []byte) (*moduleLayout, error) {
	if !hasModuleHeader(bin) {
		return nil, domain.ErrNotAModule
	}
	l := &moduleLayout{}
	r := &binReader{b: bin, pos: 8}
	for !r.done() {
		id, err := r.byte()
		if err != nil {
			return nil, err
		}
		size, err := r.u32()
		if err != nil {
			return nil, err
		}
		body, err := r.bytes(size)
		if err != nil {
			return nil, fmt.Errorf("section %d: %w", id, err)
		}
		l.sections = append(l.sections, section{id: id, body: body})

		switch id {
		case secImport:
			if l.imports, err = parseImports(body); err != nil {
				return nil, fmt.Errorf("import section: %w", err)
			}
		case secGlobal:
			if l.definedGlobals, err = (&binReader{b: body}).u32(); err != nil {
				return nil, fmt.Errorf("global section: %w", err)
			}
		case secExport:
			if l.exports, err = parseExports(body); err != nil {
				return nil, fmt.Errorf("export section: %w", err)
			}
		}
	}
	return l, nil
}

func parseImports(body []byte) ([]importEntry, error) {
	r := &binReader{b: body}
	n, err := r.u32()
	if err != nil {
		return nil, err
	}
	out := make([]importEntry, 0, min(n, 1024))
	for range n {
		mod, err := r.name()
		if err != nil {
			return nil, err
		}
		name, err := r.name()
		if err != nil {
			return nil, err
		}
		kind, err := r.byte()
		if err != nil {
			return nil, err
		}
		switch kind {
		case kindFunc:
			_, err = r.u32()
		case kindTable:
			if _, err = r.byte(); err == nil {
				_, _, _, _, err = r.limits()
			}
		case kindMemory:
			_, _, _, _, err = r.limits()
		case kindGlobal:
			_, err = r.bytes(2)
		case kindTag:
			if _, err = r.byte(); err == nil {
				_, err = r.u32()
			}
		default:
			err = fmt.Errorf("unknown import kind 0x%02x", kind)
		}
		if err != nil {
			return nil, err
		}
		out = append(out, importEntry{module: mod, name: name, kind: kind})
	}
	return out, nil
}

func parseExports(body []byte) ([]string, error) {
	r := &binReader{b: body}
	n, err := r.u32()
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, min(n, 1024))
	for range n {
		name, err := r.name()
		if err != nil {
			return nil, err
		}
		if _, err := r.byte(); err != nil {
			return nil, err
		}
		if _, err := r.u32(); err != nil {
			return nil, err
		}
		out = append(out, name)
	}
	return out, nil
}

// instrument rewrites a module so that every straight-line run of
// instructions first subtracts its length from an injected i64 global and
// traps once the global drops below zero. The global is exported as
// FuelGlobal and starts at budget. Declared memories are capped at maxPages.
func instrument(bin []byte, maxPages uint32, budget uint64) ([]byte, error) {
	l, err := scanModule(bin)
	if err != nil {
		return nil, err
	}
	for _, name := range l.exports {
		if name == FuelGlobal {
			return nil, fmt.Errorf("export name %q is reserved", FuelGlobal)
		}
	}

	fuelIdx := l.importedCount(kindGlobal) + l.definedGlobals
	initial := int64(min(budget, math.MaxInt64))

	if i := l.find(secMemory); i >= 0 {
		body, err := capMemories(l.sections[i].body, maxPages)
		if err != nil {
			return nil, err
		}
		l.sections[i].body = body
	}

	if i := l.find(secCode); i >= 0 {
		body, err := meterCode(l.sections[i].body, fuelIdx)
		if err != nil {
			return nil, fmt.Errorf("code section: %w", err)
		}
		l.sections[i].body = body
	}

	global := []byte{valTypeI64, 0x01, opI64Const}
	global = appendS64(global, initial)
	global = append(global, opEnd)
	if err := l.appendEntry(secGlobal, global); err != nil {
		return nil, err
	}

	export := appendName(nil, FuelGlobal)
	export = append(export, kindGlobal)
	export = appendU32(export, fuelIdx)
	if err := l.appendEntry(secExport, export); err != nil {
		return nil, err
	}

	out := append([]byte(nil), bin[:8]...)
	for _, s := range l.sections {
		out = append(out, s.id)
		out = appendU32(out, uint32(len(s.body)))
		out = append(out, s.body...)
	}
	return out, nil
}

// appendEntry adds one entry to a vector section, creating the section in
// its canonical position if the module has none.
func (l *moduleLayout) appendEntry(id byte, entry []byte) error {
	i := l.find(id)
	if i < 0 {
		body := appendU32(nil, 1)
		l.insert(section{id: id, body: append(body, entry...)})
		return nil
	}
	r := &binReader{b: l.sections[i].body}
	n, err := r.u32()
	if err != nil {
		return err
	}
	body := appendU32(nil, n+1)
	body = append(body, r.b[r.pos:]...)
	l.sections[i].body = append(body, entry...)
	return nil
}

func (l *moduleLayout) insert(s section) {
	rank := sectionRank[s.id]
	for i, existing := range l.sections {
		if existing.id == secCustom {
			continue
		}
		if sectionRank[existing.id] > rank {
			l.sections = append(l.sections[:i], append([]section{s}, l.sections[i:]...)...)
			return
		}
	}
	l.sections = append(l.sections, s)
}

func capMemories(body []byte, maxPages uint32) ([]byte, error) {
	r := &binReader{b: body}
	n, err := r.u32()
	if err != nil {
		return nil, err
	}
	out := appendU32(nil, n)
	for i := range n {
		flags, lo, hi, hasMax, err := r.limits()
		if err != nil {
			return nil, err
		}
		if flags&^0x01 != 0 {
			return nil, fmt.Errorf("memory %d: unsupported limits flags 0x%02x", i, flags)
		}
		if lo > maxPages {
			return nil, fmt.Errorf("memory %d: initial size of %d pages exceeds limit of %d pages", i, lo, maxPages)
		}
		if !hasMax || hi > maxPages {
			hi = maxPages
		}
		out = append(out, 0x01)
		out = appendU32(out, lo)
		out = appendU32(out, hi)
	}
	if !r.done() {
		return nil, errors.New("memory section: trailing bytes")
	}
	return out, nil
}

func meterCode(body []byte, fuelIdx uint32) ([]byte, error) {
	r := &binReader{b: body}
	n, err := r.u32()
	if err != nil {
		return nil, err
	}
	out := appendU32(make([]byte, 0, len(body)*2), n)
	for i := range n {
		size, err := r.u32()
		if err != nil {
			return nil, err
		}
		fn, err := r.bytes(size)
		if err != nil {
			return nil, err
		}
		metered, err := meterFunc(fn, fuelIdx)
		if err != nil {
			return nil, fmt.Errorf("function %d: %w", i, err)
		}
		out = appendU32(out, uint32(len(metered)))
		out = append(out, metered...)
	}
	if !r.done() {
		return nil, errors.New("trailing bytes")
	}
	return out, nil
}

func meterFunc(body []byte, fuelIdx uint32) ([]byte, error) {
	r := &binReader{b: body}
	groups, err := r.u32()
	if err != nil {
		return nil, err
	}
	for range groups {
		if _, err := r.u32(); err != nil {
			return nil, err
		}
		if _, err := r.byte(); err != nil {
			return nil, err
		}
	}

	out := make([]byte, 0, len(body)*2)
	out = append(out, body[:r.pos]...)

	start, cost := r.pos, int64(0)
	for !r.done() {
		op, err := r.byte()
		if err != nil {
			return nil, err
		}
		if err := skipImmediates(r, op); err != nil {
			return nil, fmt.Errorf("opcode 0x%02x at offset %d: %w", op, r.pos, err)
		}
		cost++
		if endsSegment(op) {
			out = appendCharge(out, fuelIdx, cost)
			out = append(out, body[start:r.pos]...)
			start, cost = r.pos, 0
		}
	}
	if cost > 0 {
		out = appendCharge(out, fuelIdx, cost)
		out = append(out, body[start:]...)
	}
	return out, nil
}

func endsSegment(op byte) bool {
	switch op {
	case opBlock, opLoop, opIf, opElse, opEnd, opBr, opBrIf, opBrTable, opReturn:
		return true
	}
	return false
}

// appendCharge emits:
//
//	global.get g; i64.const cost; i64.sub; global.set g
//	global.get g; i64.const 0; i64.lt_s; if; unreachable; end
func appendCharge(out []byte, g uint32, cost int64) []byte {
	out = append(out, opGlobalGet)
	out = appendU32(out, g)
	out = append(out, opI64Const)
	out = appendS64(out, cost)
	out = append(out, opI64Sub, opGlobalSet)
	out = appendU32(out, g)
	out = append(out, opGlobalGet)
	out = appendU32(out, g)
	return append(out, opI64Const, 0x00, opI64LtS, opIf, blockTypeVoid, opUnreachable, opEnd)
}

// skipImmediates advances r past the immediates of op.
func skipImmediates(r *binReader, op byte) error {
	switch {
	case op == opBlock || op == opLoop || op == opIf:
		return r.blockType()
	case op == opBr || op == opBrIf:
		_, err := r.u32()
		return err
	case op == opBrTable:
		n, err := r.u32()
		if err != nil {
			return err
		}
		for i := uint64(0); i <= uint64(n); i++ {
			if _, err := r.u32(); err != nil {
				return err
			}
		}
		return nil
	case op == 0x10 || op == 0x12: // call, return_call
		_, err := r.u32()
		return err
	case op == 0x11 || op == 0x13: // call_indirect, return_call_indirect
		return r.skipU32s(2)
	case op == 0x1c: // select t*
		n, err := r.u32()
		if err != nil {
			return err
		}
		_, err = r.bytes(n)
		return err
	case op >= 0x20 && op <= 0x26: // locals, globals, table.get/set
		_, err := r.u32()
		return err
	case op >= 0x28 && op <= 0x3e: // loads and stores
		return r.memarg()
	case op == 0x3f || op == 0x40: // memory.size, memory.grow
		_, err := r.u32()
		return err
	case op == 0x41:
		return r.skipLEB(5)
	case op == 0x42:
		return r.skipLEB(10)
	case op == 0x43:
		_, err := r.bytes(4)
		return err
	case op == 0x44:
		_, err := r.bytes(8)
		return err
	case op == 0xd0: // ref.null t
		_, err := r.byte()
		return err
	case op == 0xd2: // ref.func
		_, err := r.u32()
		return err
	case op == opPrefixMisc:
		return skipMisc(r)
	case op == opPrefixSIMD:
		return skipSIMD(r)
	case op <= 0x01, op == opElse, op == opEnd, op == opReturn, op == 0x1a, op == 0x1b,
		op >= 0x45 && op <= 0xc4, op == 0xd1:
		return nil
	}
	return errors.New("unsupported opcode")
}

func skipMisc(r *binReader) error {
	sub, err := r.u32()
	if err != nil {
		return err
	}
	switch {
	case sub <= 7: // saturating truncation
		return nil
	case sub == 8, sub == 10, sub == 12, sub == 14: // memory.init, memory.copy, table.init, table.copy
		return r.skipU32s(2)
	case sub == 9, sub == 11, sub == 13, sub == 15, sub == 16, sub == 17:
		_, err := r.u32()
		return err
	}
	return fmt.Errorf("unsupported 0xfc sub-opcode %d", sub)
}

func skipSIMD(r *binReader) error {
	sub, err := r.u32()
	if err != nil {
		return err
	}
	switch {
	case sub <= 11 || sub == 92 || sub == 93: // loads, store, load_zero
		return r.memarg()
	case sub == 12 || sub == 13: // v128.const, i8x16.shuffle
		_, err := r.bytes(16)
		return err
	case sub >= 21 && sub <= 34: // extract/replace lane
		_, err := r.byte()
		return err
	case sub >= 84 && sub <= 91: // load/store lane
		if err := r.memarg(); err != nil {
			return err
		}
		_, err := r.byte()
		return err
	case sub <= 0xff:
		return nil
	}
	return fmt.Errorf("unsupported 0xfd sub-opcode %d", sub)
}

// binReader decodes the primitive encodings of the binary format.
type binReader struct {
	b   []byte
	pos int
}

func (r *binReader) done() bool { return r.pos >= len(r.b) }

func (r *binReader) byte() (byte, error) {
	if r.pos >= len(r.b) {
		return 0, errTruncated
	}
	c := r.b[r.pos]
	r.pos++
	return c, nil
}

func (r *binReader) bytes(n uint32) ([]byte, error) {
	if uint64(n) > uint64(len(r.b)-r.pos) {
		return nil, errTruncated
	}
	out := r.b[r.pos : r.pos+int(n)]
	r.pos += int(n)
	return out, nil
}

func (r *binReader) u32() (uint32, error) {
	var v uint32
	for shift := uint(0); shift < 35; shift += 7 {
		c, err := r.byte()
		if err != nil {
			return 0, err
		}
		v |= uint32(c&0x7f) << shift
		if c&0x80 == 0 {
			return v, nil
		}
	}
	return 0, errMalformedLE
}

func (r *binReader) skipU32s(n int) error {
	for range n {
		if _, err := r.u32(); err != nil {
			return err
		}
	}
	return nil
}

func (r *binReader) skipLEB(maxBytes int) error {
	for range maxBytes {
		c, err := r.byte()
		if err != nil {
			return err
		}
		if c&0x80 == 0 {
			return nil
		}
	}
	return errMalformedLE
}

func (r *binReader) name() (string, error) {
	n, err := r.u32()
	if err != nil {
		return "", err
	}
	b, err := r.bytes(n)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (r *binReader) limits() (flags byte, lo, hi uint32, hasMax bool, err error) {
	if flags, err = r.byte(); err != nil {
		return
	}
	if lo, err = r.u32(); err != nil {
		return
	}
	if flags&0x01 != 0 {
		hasMax = true
		hi, err = r.u32()
	}
	return
}

func (r *binReader) memarg() error {
	align, err := r.u32()
	if err != nil {
		return err
	}
	if align&0x40 != 0 { // explicit memory index
		if _, err := r.u32(); err != nil {
			return err
		}
	}
	return r.skipLEB(10)
}

func (r *binReader) blockType() error {
	if r.pos >= len(r.b) {
		return errTruncated
	}
	switch r.b[r.pos] {
	case blockTypeVoid, 0x7f, 0x7e, 0x7d, 0x7c, 0x7b, 0x70, 0x6f:
		r.pos++
		return nil
	}
	return r.skipLEB(5)
}

func appendU32(b []byte, v uint32) []byte {
	for {
		c := byte(v & 0x7f)
		v >>= 7
		if v == 0 {
			return append(b, c)
		}
		b = append(b, c|0x80)
	}
}

func appendS64(b []byte, v int64) []byte {
	for {
		c := byte(v & 0x7f)
		v >>= 7
		if (v == 0 && c&0x40 == 0) || (v == -1 && c&0x40 != 0) {
			return append(b, c)
		}
		b = append(b, c|0x80)
	}
}

func appendName(b []byte, s string) []byte {
	b = appendU32(b, uint32(len(s)))
	return append(b, s...)
}
