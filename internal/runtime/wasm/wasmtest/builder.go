// Package wasmtest assembles tiny WebAssembly binaries for tests.
package wasmtest

const (
	valI32 = 0x7f

	opUnreachable = 0x00
	opCall        = 0x10
	opDrop        = 0x1a
	opLocalGet    = 0x20
	opI32Const    = 0x41
	opEnd         = 0x0b
)

// Import is a host function import over i32 values.
type Import struct {
	Module  string
	Name    string
	Params  int
	Results int
}

// Func is a defined function. Body holds raw instructions without the
// trailing end opcode.
type Func struct {
	Export  string
	Params  int
	Results int
	Body    []byte
}

// Builder assembles a module from imports, functions, an optional memory and
// data segments.
type Builder struct {
	imports []Import
	funcs   []Func
	memory  uint32
	data    map[uint32][]byte
	order   []uint32
}

func New() *Builder {
	return &Builder{data: map[uint32][]byte{}}
}

func (b *Builder) Import(module, name string, params int) *Builder {
	b.imports = append(b.imports, Import{Module: module, Name: name, Params: params})
	return b
}

// ImportResult declares an import returning one i32.
func (b *Builder) ImportResult(module, name string, params int) *Builder {
	b.imports = append(b.imports, Import{Module: module, Name: name, Params: params, Results: 1})
	return b
}

func (b *Builder) Func(f Func) *Builder {
	b.funcs = append(b.funcs, f)
	return b
}

// Memory declares and exports one page of linear memory named "memory".
func (b *Builder) Memory() *Builder {
	return b.MemoryPages(1)
}

// MemoryPages is Memory with an explicit minimum page count.
func (b *Builder) MemoryPages(pages uint32) *Builder {
	b.memory = pages
	return b
}

// Data places bytes at offset in memory 0.
func (b *Builder) Data(offset uint32, bytes []byte) *Builder {
	if _, ok := b.data[offset]; !ok {
		b.order = append(b.order, offset)
	}
	b.data[offset] = bytes
	return b
}

// Bytes encodes the module.
func (b *Builder) Bytes() []byte {
	out := []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

	var types [][]byte
	for _, imp := range b.imports {
		types = append(types, funcType(imp.Params, imp.Results))
	}
	for _, f := range b.funcs {
		types = append(types, funcType(f.Params, f.Results))
	}
	out = append(out, section(1, vec(types))...)

	if len(b.imports) > 0 {
		var entries [][]byte
		for i, imp := range b.imports {
			e := append(name(imp.Module), name(imp.Name)...)
			e = append(e, 0x00)
			e = append(e, uleb(uint32(i))...)
			entries = append(entries, e)
		}
		out = append(out, section(2, vec(entries))...)
	}

	var funcIdx [][]byte
	for i := range b.funcs {
		funcIdx = append(funcIdx, uleb(uint32(len(b.imports)+i)))
	}
	out = append(out, section(3, vec(funcIdx))...)

	if b.memory > 0 {
		out = append(out, section(5, vec([][]byte{append([]byte{0x00}, uleb(b.memory)...)}))...)
	}

	var exports [][]byte
	for i, f := range b.funcs {
		if f.Export == "" {
			continue
		}
		e := append(name(f.Export), 0x00)
		e = append(e, uleb(uint32(len(b.imports)+i))...)
		exports = append(exports, e)
	}
	if b.memory > 0 {
		exports = append(exports, append(name("memory"), 0x02, 0x00))
	}
	out = append(out, section(7, vec(exports))...)

	var bodies [][]byte
	for _, f := range b.funcs {
		body := []byte{0x00}
		body = append(body, f.Body...)
		body = append(body, opEnd)
		bodies = append(bodies, append(uleb(uint32(len(body))), body...))
	}
	out = append(out, section(10, vec(bodies))...)

	if len(b.order) > 0 {
		var segs [][]byte
		for _, off := range b.order {
			seg := []byte{0x00, opI32Const}
			seg = append(seg, sleb(int32(off))...)
			seg = append(seg, opEnd)
			seg = append(seg, uleb(uint32(len(b.data[off])))...)
			seg = append(seg, b.data[off]...)
			segs = append(segs, seg)
		}
		out = append(out, section(11, vec(segs))...)
	}
	return out
}

// Call emits `call idx`.
func Call(idx uint32) []byte {
	return append([]byte{opCall}, uleb(idx)...)
}

// I32 emits `i32.const v`.
func I32(v int32) []byte {
	return append([]byte{opI32Const}, sleb(v)...)
}

// Drop discards the top of the stack.
func Drop() []byte {
	return []byte{opDrop}
}

// LocalGet emits `local.get idx`.
func LocalGet(idx uint32) []byte {
	return append([]byte{opLocalGet}, uleb(idx)...)
}

// Spin emits an empty infinite loop.
func Spin() []byte {
	return []byte{0x03, 0x40, 0x0c, 0x00, 0x0b}
}

// Unreachable emits a trap.
func Unreachable() []byte {
	return []byte{opUnreachable}
}

// Seq concatenates instruction fragments.
func Seq(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

// Activate returns a module exporting an empty activate function, plus any
// extra empty exports.
func Activate(extra ...string) []byte {
	b := New().Func(Func{Export: "activate"})
	for _, e := range extra {
		b.Func(Func{Export: e})
	}
	return b.Bytes()
}

func funcType(params, results int) []byte {
	t := []byte{0x60}
	t = append(t, uleb(uint32(params))...)
	for i := 0; i < params; i++ {
		t = append(t, valI32)
	}
	t = append(t, uleb(uint32(results))...)
	for i := 0; i < results; i++ {
		t = append(t, valI32)
	}
	return t
}

func name(s string) []byte {
	return append(uleb(uint32(len(s))), s...)
}

func vec(items [][]byte) []byte {
	out := uleb(uint32(len(items)))
	for _, it := range items {
		out = append(out, it...)
	}
	return out
}

func section(id byte, payload []byte) []byte {
	out := []byte{id}
	out = append(out, uleb(uint32(len(payload)))...)
	return append(out, payload...)
}

func uleb(v uint32) []byte {
	var out []byte
	for {
		c := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			c |= 0x80
		}
		out = append(out, c)
		if v == 0 {
			return out
		}
	}
}

func sleb(v int32) []byte {
	var out []byte
	for {
		c := byte(v & 0x7f)
		v >>= 7
		done := (v == 0 && c&0x40 == 0) || (v == -1 && c&0x40 != 0)
		if !done {
			c |= 0x80
		}
		out = append(out, c)
		if done {
			return out
		}
	}
}
