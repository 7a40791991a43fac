package sandbox

// Minimal WebAssembly binary assembler for tests. It covers the sections the
// executor tests need: type, import, function, memory, export, code, data.

const (
	i32 byte = 0x7f
	i64 byte = 0x7e
)

type funcType struct {
	params  []byte
	results []byte
}

type wasmImport struct {
	module string
	name   string
	typ    uint32
}

type wasmFunc struct {
	typ    uint32
	export string
	locals []byte // encoded local declarations; nil means none
	code   []byte // instructions, without the final end
}

type wasmData struct {
	offset int64
	bytes  []byte
}

type wasmModule struct {
	types   []funcType
	imports []wasmImport
	funcs   []wasmFunc
	memory  bool   // exported as "memory"
	pages   uint32 // declared memory minimum; zero means one page
	data    []wasmData
}

func uleb(v uint32) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			out = append(out, b|0x80)
			continue
		}
		return append(out, b)
	}
}

func sleb(v int64) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if (v == 0 && b&0x40 == 0) || (v == -1 && b&0x40 != 0) {
			return append(out, b)
		}
		out = append(out, b|0x80)
	}
}

func wasmName(s string) []byte { return append(uleb(uint32(len(s))), s...) }

func section(id byte, count int, items []byte) []byte {
	content := append(uleb(uint32(count)), items...)
	return append(append([]byte{id}, uleb(uint32(len(content)))...), content...)
}

// Instructions.
func i32Const(v int32) []byte { return append([]byte{0x41}, sleb(int64(v))...) }
func call(idx uint32) []byte  { return append([]byte{0x10}, uleb(idx)...) }

func ops(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func (m wasmModule) bytes() []byte {
	out := []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

	var types []byte
	for _, t := range m.types {
		types = append(types, 0x60)
		types = append(types, uleb(uint32(len(t.params)))...)
		types = append(types, t.params...)
		types = append(types, uleb(uint32(len(t.results)))...)
		types = append(types, t.results...)
	}
	out = append(out, section(1, len(m.types), types)...)

	if len(m.imports) > 0 {
		var imps []byte
		for _, im := range m.imports {
			imps = append(imps, wasmName(im.module)...)
			imps = append(imps, wasmName(im.name)...)
			imps = append(imps, 0x00)
			imps = append(imps, uleb(im.typ)...)
		}
		out = append(out, section(2, len(m.imports), imps)...)
	}

	var fns []byte
	for _, f := range m.funcs {
		fns = append(fns, uleb(f.typ)...)
	}
	out = append(out, section(3, len(m.funcs), fns)...)

	if m.memory {
		pages := m.pages
		if pages == 0 {
			pages = 1
		}
		out = append(out, section(5, 1, append([]byte{0x00}, uleb(pages)...))...)
	}

	var exps []byte
	nexp := 0
	for i, f := range m.funcs {
		if f.export == "" {
			continue
		}
		exps = append(exps, wasmName(f.export)...)
		exps = append(exps, 0x00)
		exps = append(exps, uleb(uint32(len(m.imports)+i))...)
		nexp++
	}
	if m.memory {
		exps = append(exps, wasmName("memory")...)
		exps = append(exps, 0x02, 0x00)
		nexp++
	}
	out = append(out, section(7, nexp, exps)...)

	var code []byte
	for _, f := range m.funcs {
		locals := f.locals
		if locals == nil {
			locals = []byte{0x00}
		}
		body := append(append(append([]byte{}, locals...), f.code...), 0x0b)
		code = append(code, uleb(uint32(len(body)))...)
		code = append(code, body...)
	}
	out = append(out, section(10, len(m.funcs), code)...)

	if len(m.data) > 0 {
		var segs []byte
		for _, d := range m.data {
			segs = append(segs, 0x00)
			segs = append(segs, i32Const(int32(d.offset))...)
			segs = append(segs, 0x0b)
			segs = append(segs, uleb(uint32(len(d.bytes)))...)
			segs = append(segs, d.bytes...)
		}
		out = append(out, section(11, len(m.data), segs)...)
	}
	return out
}

// --- Fixtures ---

// addModule exports add(i32, i32) -> i32.
func addModule() []byte {
	return wasmModule{
		types: []funcType{{params: []byte{i32, i32}, results: []byte{i32}}},
		funcs: []wasmFunc{{
			typ:    0,
			export: "add",
			code:   []byte{0x20, 0x00, 0x20, 0x01, 0x6a}, // local.get 0; local.get 1; i32.add
		}},
	}.bytes()
}

// spinModule exports spin(), an infinite loop.
func spinModule() []byte {
	return wasmModule{
		types: []funcType{{}},
		funcs: []wasmFunc{{
			typ:    0,
			export: "spin",
			code:   []byte{0x03, 0x40, 0x0c, 0x00, 0x0b}, // loop; br 0; end
		}},
	}.bytes()
}

// bigMemoryModule declares a 32-page (2 MiB) memory and exports run().
func bigMemoryModule() []byte {
	return wasmModule{
		types:  []funcType{{}},
		memory: true,
		pages:  32,
		funcs:  []wasmFunc{{typ: 0, export: "run"}},
	}.bytes()
}

// growModule has one page of memory. grow() returns memory.grow(100);
// grow_or_trap() traps when the grow is denied.
func growModule() []byte {
	grow := ops(i32Const(100), []byte{0x40, 0x00}) // memory.grow 0
	return wasmModule{
		types:  []funcType{{results: []byte{i32}}, {}},
		memory: true,
		funcs: []wasmFunc{
			{typ: 0, export: "grow", code: grow},
			{typ: 1, export: "grow_or_trap", code: ops(
				grow,
				i32Const(-1),
				[]byte{0x46},       // i32.eq
				[]byte{0x04, 0x40}, // if
				[]byte{0x00},       // unreachable
				[]byte{0x0b},       // end
			)},
		},
	}.bytes()
}

// chattyModule calls bridge.log forever.
func chattyModule() []byte {
	return wasmModule{
		types:   []funcType{{params: []byte{i32, i32, i32}}, {}},
		imports: []wasmImport{{module: HostModule, name: "log", typ: 0}},
		memory:  true,
		data:    []wasmData{{offset: 0, bytes: []byte("hi")}},
		funcs: []wasmFunc{{
			typ:    1,
			export: "chatty",
			code: ops(
				[]byte{0x03, 0x40}, // loop
				i32Const(LogInfo), i32Const(0), i32Const(2), call(0),
				[]byte{0x0c, 0x00}, // br 0
				[]byte{0x0b},       // end
			),
		}},
	}.bytes()
}

// toolModule calls bridge.call_tool("srv", "echo", {"x":1}).
// invoke returns call_tool's result; invoke_and_read then copies the staged
// bytes to offset 256 and returns read_result's result.
func toolModule() []byte {
	callTool := ops(
		i32Const(0), i32Const(3),
		i32Const(16), i32Const(4),
		i32Const(32), i32Const(7),
		call(0),
	)
	return wasmModule{
		types: []funcType{
			{params: []byte{i32, i32, i32, i32, i32, i32}, results: []byte{i32}},
			{params: []byte{i32, i32}, results: []byte{i32}},
			{results: []byte{i32}},
		},
		imports: []wasmImport{
			{module: HostModule, name: "call_tool", typ: 0},
			{module: HostModule, name: "read_result", typ: 1},
		},
		memory: true,
		data: []wasmData{
			{offset: 0, bytes: []byte("srv")},
			{offset: 16, bytes: []byte("echo")},
			{offset: 32, bytes: []byte(`{"x":1}`)},
		},
		funcs: []wasmFunc{
			{typ: 2, export: "invoke", code: callTool},
			{typ: 2, export: "invoke_and_read", code: ops(
				callTool,
				[]byte{0x1a}, // drop
				i32Const(256), i32Const(1024), call(1),
			)},
		},
	}.bytes()
}

// deadlineModule exports left() -> i64 returning bridge.deadline_ms().
func deadlineModule() []byte {
	return wasmModule{
		types:   []funcType{{results: []byte{i64}}},
		imports: []wasmImport{{module: HostModule, name: "deadline_ms", typ: 0}},
		funcs:   []wasmFunc{{typ: 0, export: "left", code: call(0)}},
	}.bytes()
}

// exitModule is a WASI command whose _start calls proc_exit(3).
func exitModule() []byte {
	return wasmModule{
		types:   []funcType{{params: []byte{i32}}, {}},
		imports: []wasmImport{{module: "wasi_snapshot_preview1", name: "proc_exit", typ: 0}},
		memory:  true,
		funcs:   []wasmFunc{{typ: 1, export: "_start", code: ops(i32Const(3), call(0))}},
	}.bytes()
}

// missingImportModule imports a function no runtime provides.
func missingImportModule() []byte {
	return wasmModule{
		types:   []funcType{{}},
		imports: []wasmImport{{module: "env", name: "missing", typ: 0}},
		funcs:   []wasmFunc{{typ: 0, export: "run", code: call(0)}},
	}.bytes()
}
