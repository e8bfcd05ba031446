package filter

// A minimal, hand-rolled WebAssembly binary encoder used only by this
// package's tests. Filter modules in production are supplied by
// operators and compiled from C/Rust/TinyGo; for tests we synthesize
// the smallest possible module bytes directly rather than depending on
// an external wat2wasm toolchain.

import "bytes"

func uleb128(v uint64) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			b |= 0x80
		}
		out = append(out, b)
		if v == 0 {
			break
		}
	}
	return out
}

func sleb128(v int64) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		signBitSet := b&0x40 != 0
		if (v == 0 && !signBitSet) || (v == -1 && signBitSet) {
			out = append(out, b)
			break
		}
		out = append(out, b|0x80)
	}
	return out
}

func section(id byte, content []byte) []byte {
	var out []byte
	out = append(out, id)
	out = append(out, uleb128(uint64(len(content)))...)
	out = append(out, content...)
	return out
}

func vec(items ...[]byte) []byte {
	var out []byte
	out = append(out, uleb128(uint64(len(items)))...)
	for _, i := range items {
		out = append(out, i...)
	}
	return out
}

func nameBytes(s string) []byte {
	out := uleb128(uint64(len(s)))
	out = append(out, []byte(s)...)
	return out
}

// buildFilterModule assembles a module exporting "filter(i32,i32)->i32"
// and "memory" (1 page, no declared max so the runtime's configured
// MemoryLimitPages is what bounds growth), with the given function
// body bytes (locals-count-prefixed instruction stream, without the
// trailing `end`; it is appended here).
func buildFilterModule(body []byte) []byte {
	var m bytes.Buffer
	m.WriteString("\x00asm")
	m.Write([]byte{0x01, 0x00, 0x00, 0x00})

	functype := append([]byte{0x60}, vec([]byte{0x7f}, []byte{0x7f})...)
	functype = append(functype, vec([]byte{0x7f})...)
	m.Write(section(1, vec(functype)))

	m.Write(section(3, vec(uleb128(0))))

	memSection := vec(append([]byte{0x00}, uleb128(1)...))
	m.Write(section(5, memSection))

	exportFn := append(nameBytes("filter"), 0x00)
	exportFn = append(exportFn, uleb128(0)...)
	exportMem := append(nameBytes("memory"), 0x02)
	exportMem = append(exportMem, uleb128(0)...)
	m.Write(section(7, vec(exportFn, exportMem)))

	full := append([]byte{0x00}, body...)
	full = append(full, 0x0B)
	code := append(uleb128(uint64(len(full))), full...)
	m.Write(section(10, vec(code)))

	return m.Bytes()
}

func constReturnModule(v int32) []byte {
	body := append([]byte{0x41}, sleb128(int64(v))...)
	return buildFilterModule(body)
}

func trapModule() []byte {
	return buildFilterModule([]byte{0x00}) // unreachable
}

// growBeyondCapModule requests far more memory than MemoryCapPages
// allows; when growth fails (-1) it traps, modeling a filter that
// hits the sandbox memory bound.
func growBeyondCapModule() []byte {
	var body []byte
	body = append(body, 0x41)
	body = append(body, sleb128(int64(MemoryCapPages*4))...) // request way over cap
	body = append(body, 0x40, 0x00)                          // memory.grow 0
	body = append(body, 0x41)
	body = append(body, sleb128(-1)...)
	body = append(body, 0x46)       // i32.eq
	body = append(body, 0x04, 0x40) // if (void)
	body = append(body, 0x00)       // unreachable
	body = append(body, 0x0B)       // end if
	body = append(body, 0x41, 0x01) // i32.const 1
	return buildFilterModule(body)
}
