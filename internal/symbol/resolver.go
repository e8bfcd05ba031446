// Package symbol resolves instruction pointers to human-readable
// "<function> [<module>]" strings for the agent's per-CPU readers.
//
// It keeps two address-range tables: a kernel table loaded once at
// startup from /proc/kallsyms-shaped input, and a per-pid user table
// built lazily from each process's mapped regions. Resolution never
// returns an error — failures fall back to the hex instruction
// pointer, per spec.md §4.C / §7.
package symbol

import (
	"fmt"
	"sort"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/hamzzy/aperture/internal/events"
)

// kernelSpaceBit is the high bit that routes an IP to the kernel table
// (spec.md §4.C.1): addresses >= 0xFFFF_0000_0000_0000.
const kernelSpaceBit = uint64(0xFFFF_0000_0000_0000)

// KernelSymbol is one entry of the sorted kernel symbol table.
type KernelSymbol struct {
	Addr     uint64
	Name     string
	Module   string
}

// Region is one mapped memory region of a process, as read from
// /proc/<pid>/maps.
type Region struct {
	Start, End uint64
	Offset     uint64
	Path       string
	Inode      uint64
}

// BinarySymbols is the symbol table of one on-disk binary, cached LRU
// by inode.
type BinarySymbols struct {
	Path    string
	Symbols []KernelSymbol // sorted by Addr, addr is offset within the binary
}

// BinaryLoader loads a binary's symbol table on demand. Production
// wiring reads ELF .symtab/.dynsym via debug/elf; tests substitute a
// fake.
type BinaryLoader interface {
	Load(path string) (*BinarySymbols, error)
}

// ProcessMapsReader returns the current mapped regions for a pid.
// Production wiring parses /proc/<pid>/maps; returns an error (and
// thus a hex-IP fallback) once the process has exited.
type ProcessMapsReader interface {
	Regions(pid uint32) ([]Region, error)
}

const defaultCacheSize = 65536

// cacheShards is the number of independent LRU shards backing the
// per-pid symbol cache (spec.md §5/§9): each per-CPU reader resolves
// on its own goroutine, so a single shared cache would otherwise
// serialize every reader behind one lock on the hot path.
const cacheShards = 16

// Resolver implements the two-table, LRU-memoized resolution policy
// of spec.md §4.C.
type Resolver struct {
	log    *zap.SugaredLogger
	kernel []KernelSymbol // sorted by Addr

	maps   ProcessMapsReader
	loader BinaryLoader

	mu        sync.Mutex
	userTabs  map[uint32][]Region   // pid -> regions (not populated; regionsFor re-reads maps)
	binCache  *lru.Cache[uint64, *BinarySymbols] // inode -> symbols

	cacheShards [cacheShards]*lru.Cache[cacheKey, string]

	misses      uint64
	hits        uint64
	kernelMiss  uint64
	kernelTotal uint64
}

type cacheKey struct {
	pid uint32
	ip  uint64
}

// NewResolver builds a Resolver. kernelSyms must already be sorted by
// Addr ascending; NewResolver sorts defensively if not.
func NewResolver(log *zap.SugaredLogger, kernelSyms []KernelSymbol, maps ProcessMapsReader, loader BinaryLoader, cacheSize int) (*Resolver, error) {
	if cacheSize <= 0 {
		cacheSize = defaultCacheSize
	}
	perShard := cacheSize / cacheShards
	if perShard <= 0 {
		perShard = 1
	}
	binCache, err := lru.New[uint64, *BinarySymbols](4096)
	if err != nil {
		return nil, fmt.Errorf("binary cache: %w", err)
	}
	sorted := append([]KernelSymbol(nil), kernelSyms...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Addr < sorted[j].Addr })
	r := &Resolver{
		log:      log,
		kernel:   sorted,
		maps:     maps,
		loader:   loader,
		userTabs: make(map[uint32][]Region),
		binCache: binCache,
	}
	for i := range r.cacheShards {
		c, err := lru.New[cacheKey, string](perShard)
		if err != nil {
			return nil, fmt.Errorf("symbol cache shard %d: %w", i, err)
		}
		r.cacheShards[i] = c
	}
	return r, nil
}

// shardFor picks the cache shard for (pid, ip), per spec.md §5's
// `(pid>>s)^(ip>>s)` hash.
func (r *Resolver) shardFor(pid uint32, ip uint64) *lru.Cache[cacheKey, string] {
	const s = 4
	idx := (uint64(pid)>>s ^ ip>>s) % uint64(cacheShards)
	return r.cacheShards[idx]
}

// Resolve maps an instruction pointer to a Frame. It never returns an
// error: unresolved frames carry the hex IP as Function.
func (r *Resolver) Resolve(pid uint32, ip uint64) events.Frame {
	if ip&kernelSpaceBit == kernelSpaceBit {
		return r.resolveKernel(ip)
	}
	return r.resolveUser(pid, ip)
}

func (r *Resolver) resolveKernel(ip uint64) events.Frame {
	r.mu.Lock()
	r.kernelTotal++
	r.mu.Unlock()

	if sym, mod, ok := lookupUpperBound(r.kernel, ip); ok {
		return events.Frame{Ip: ip, Function: sym, Module: mod}
	}
	r.mu.Lock()
	r.kernelMiss++
	miss, total := r.kernelMiss, r.kernelTotal
	r.mu.Unlock()
	if total >= 100 && float64(miss)/float64(total) > 0.5 {
		r.log.Warnw("kernel symbol hit-rate below 50%, check kernel-pointer exposure",
			"misses", miss, "total", total)
	}
	return hexFrame(ip)
}

func (r *Resolver) resolveUser(pid uint32, ip uint64) events.Frame {
	key := cacheKey{pid: pid, ip: ip}
	shard := r.shardFor(pid, ip)
	if sym, ok := shard.Get(key); ok {
		r.mu.Lock()
		r.hits++
		r.mu.Unlock()
		return events.Frame{Ip: ip, Function: symFunc(sym), Module: symModule(sym)}
	}
	r.recordMiss()

	regions, err := r.regionsFor(pid)
	if err != nil {
		return hexFrame(ip)
	}
	region := findRegion(regions, ip)
	if region == nil {
		return hexFrame(ip)
	}
	bin, err := r.binaryFor(region.Inode, region.Path)
	if err != nil {
		return hexFrame(ip)
	}
	offset := ip - region.Start + region.Offset
	name, ok := lookupNearest(bin.Symbols, offset)
	if !ok {
		return hexFrame(ip)
	}
	module := baseName(region.Path)
	shard.Add(key, name+"\x00"+module)
	return events.Frame{Ip: ip, Function: name, Module: module}
}

func (r *Resolver) regionsFor(pid uint32) ([]Region, error) {
	// Regions are re-read every miss rather than cached indefinitely:
	// mmap/munmap churn in long-lived processes would otherwise stale
	// out the table silently.
	return r.maps.Regions(pid)
}

func (r *Resolver) binaryFor(inode uint64, path string) (*BinarySymbols, error) {
	if inode != 0 {
		if b, ok := r.binCache.Get(inode); ok {
			return b, nil
		}
	}
	b, err := r.loader.Load(path)
	if err != nil {
		return nil, err
	}
	if inode != 0 {
		r.binCache.Add(inode, b)
	}
	return b, nil
}

func (r *Resolver) recordMiss() {
	r.mu.Lock()
	r.misses++
	r.mu.Unlock()
}

// Stats returns (hits, misses) on the per-pid symbol cache, for metrics.
func (r *Resolver) Stats() (hits, misses uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.hits, r.misses
}

func hexFrame(ip uint64) events.Frame {
	return events.Frame{Ip: ip, Function: fmt.Sprintf("0x%x", ip)}
}

func lookupUpperBound(syms []KernelSymbol, ip uint64) (name, module string, ok bool) {
	if len(syms) == 0 {
		return "", "", false
	}
	i := sort.Search(len(syms), func(i int) bool { return syms[i].Addr > ip })
	if i == 0 {
		return "", "", false
	}
	s := syms[i-1]
	return s.Name, s.Module, true
}

func lookupNearest(syms []KernelSymbol, offset uint64) (string, bool) {
	name, _, ok := lookupUpperBound(syms, offset)
	return name, ok
}

func findRegion(regions []Region, ip uint64) *Region {
	for i := range regions {
		if ip >= regions[i].Start && ip < regions[i].End {
			return &regions[i]
		}
	}
	return nil
}

func symFunc(packed string) string {
	for i := 0; i < len(packed); i++ {
		if packed[i] == 0 {
			return packed[:i]
		}
	}
	return packed
}

func symModule(packed string) string {
	for i := 0; i < len(packed); i++ {
		if packed[i] == 0 {
			return packed[i+1:]
		}
	}
	return ""
}

func baseName(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[i+1:]
		}
	}
	return path
}
