package symbol

import (
	"debug/elf"
	"fmt"
	"sort"
)

// ELFLoader loads symbol tables from on-disk ELF binaries via the
// standard library's debug/elf package. No third-party ELF symbolizer
// appears anywhere in the retrieved corpus; debug/elf's .Symbols() /
// .DynamicSymbols() cover exactly what §4.C needs (function name +
// address), so this stays on the standard library rather than
// pulling in an unrelated dependency for it.
type ELFLoader struct{}

func NewELFLoader() *ELFLoader { return &ELFLoader{} }

func (ELFLoader) Load(path string) (*BinarySymbols, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open elf %s: %w", path, err)
	}
	defer f.Close()

	var syms []KernelSymbol
	if s, err := f.Symbols(); err == nil {
		syms = append(syms, fromElfSymbols(s, f.Progs)...)
	}
	if s, err := f.DynamicSymbols(); err == nil {
		syms = append(syms, fromElfSymbols(s, f.Progs)...)
	}
	if len(syms) == 0 {
		return nil, fmt.Errorf("no symbol table in %s (likely stripped)", path)
	}
	sort.Slice(syms, func(i, j int) bool { return syms[i].Addr < syms[j].Addr })
	return &BinarySymbols{Path: path, Symbols: syms}, nil
}

// fromElfSymbols keeps function symbols and converts each virtual
// address to its file offset through the PT_LOAD segment containing it.
func fromElfSymbols(syms []elf.Symbol, progs []*elf.Prog) []KernelSymbol {
	out := make([]KernelSymbol, 0, len(syms))
	for _, s := range syms {
		if elf.ST_TYPE(s.Info) != elf.STT_FUNC || s.Name == "" {
			continue
		}
		addr := s.Value
		for _, p := range progs {
			if p.Type == elf.PT_LOAD && addr >= p.Vaddr && addr < p.Vaddr+p.Filesz {
				addr = addr - p.Vaddr + p.Off
				break
			}
		}
		out = append(out, KernelSymbol{Addr: addr, Name: s.Name})
	}
	return out
}
