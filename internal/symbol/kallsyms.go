package symbol

import (
	"bufio"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
)

// LoadKernelSymbols reads /proc/kallsyms-shaped input (path is usually
// "/proc/kallsyms") and returns its entries sorted by address, ready
// for NewResolver. Unreadable lines are skipped rather than failing
// the whole load, since kallsyms mixes symbol types this resolver
// does not care about.
func LoadKernelSymbols(path string) ([]KernelSymbol, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	var syms []KernelSymbol
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		sym, ok := parseKallsymsLine(sc.Text())
		if ok {
			syms = append(syms, sym)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan %s: %w", path, err)
	}
	sort.Slice(syms, func(i, j int) bool { return syms[i].Addr < syms[j].Addr })
	return syms, nil
}

// parseKallsymsLine parses one line, e.g.:
// "ffffffff81000000 T startup_64" or "ffffffffa0012340 t probe_fn [my_module]"
func parseKallsymsLine(line string) (KernelSymbol, bool) {
	fields := strings.Fields(line)
	if len(fields) < 3 {
		return KernelSymbol{}, false
	}
	addr, err := strconv.ParseUint(fields[0], 16, 64)
	if err != nil || addr == 0 {
		return KernelSymbol{}, false
	}
	sym := KernelSymbol{Addr: addr, Name: fields[2]}
	if len(fields) >= 4 {
		sym.Module = strings.Trim(fields[3], "[]")
	}
	return sym, true
}
