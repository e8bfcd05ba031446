package symbol

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeMaps struct {
	regions map[uint32][]Region
	err     map[uint32]error
}

func (f *fakeMaps) Regions(pid uint32) ([]Region, error) {
	if err, ok := f.err[pid]; ok {
		return nil, err
	}
	return f.regions[pid], nil
}

type fakeLoader struct {
	bins map[string]*BinarySymbols
}

func (f *fakeLoader) Load(path string) (*BinarySymbols, error) {
	b, ok := f.bins[path]
	if !ok {
		return nil, fmt.Errorf("no such binary: %s", path)
	}
	return b, nil
}

func newTestResolver(t *testing.T) (*Resolver, *fakeMaps, *fakeLoader) {
	t.Helper()
	maps := &fakeMaps{regions: map[uint32][]Region{}, err: map[uint32]error{}}
	loader := &fakeLoader{bins: map[string]*BinarySymbols{}}
	kernel := []KernelSymbol{
		{Addr: 0xFFFF_0000_0000_1000, Name: "do_sys_open", Module: "vmlinux"},
		{Addr: 0xFFFF_0000_0000_2000, Name: "vfs_write", Module: "vmlinux"},
	}
	r, err := NewResolver(zap.NewNop().Sugar(), kernel, maps, loader, 0)
	require.NoError(t, err)
	return r, maps, loader
}

func TestResolveKernelUpperBound(t *testing.T) {
	r, _, _ := newTestResolver(t)
	f := r.Resolve(0, 0xFFFF_0000_0000_1500)
	require.Equal(t, "do_sys_open", f.Function)
	require.Equal(t, "vmlinux", f.Module)
	require.Equal(t, "do_sys_open [vmlinux]", f.Symbol())
}

func TestResolveUserTable(t *testing.T) {
	r, maps, loader := newTestResolver(t)
	maps.regions[42] = []Region{{Start: 0x1000, End: 0x2000, Offset: 0, Path: "/usr/bin/app", Inode: 7}}
	loader.bins["/usr/bin/app"] = &BinarySymbols{Path: "/usr/bin/app", Symbols: []KernelSymbol{
		{Addr: 0x10, Name: "main"},
	}}
	f := r.Resolve(42, 0x1050)
	require.Equal(t, "main", f.Function)
	require.Equal(t, "app", f.Module)
}

// TestSymbolFallbackNeverErrors is testable property #6: a frame whose
// resolver fails produces function == "0x<hex>" and preserves ip.
func TestSymbolFallbackNeverErrors(t *testing.T) {
	r, maps, _ := newTestResolver(t)
	maps.err[99] = fmt.Errorf("process exited")

	f := r.Resolve(99, 0xdeadbeef)
	require.Equal(t, fmt.Sprintf("0x%x", uint64(0xdeadbeef)), f.Function)
	require.Equal(t, uint64(0xdeadbeef), f.Ip)

	// Unknown kernel address also falls back cleanly.
	f2 := r.Resolve(0, 0xFFFF_0000_0000_0500)
	require.Equal(t, fmt.Sprintf("0x%x", uint64(0xFFFF_0000_0000_0500)), f2.Function)
}

func TestResolveCachesUserLookups(t *testing.T) {
	r, maps, loader := newTestResolver(t)
	maps.regions[1] = []Region{{Start: 0x1000, End: 0x2000, Path: "/bin/x", Inode: 5}}
	loader.bins["/bin/x"] = &BinarySymbols{Symbols: []KernelSymbol{{Addr: 0x0, Name: "f"}}}

	r.Resolve(1, 0x1010)
	r.Resolve(1, 0x1010)
	hits, _ := r.Stats()
	require.GreaterOrEqual(t, hits, uint64(1))
}
