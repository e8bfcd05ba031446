// Package filter runs a user-supplied WebAssembly program against
// each normalized event, using wazero (grounded on the DataDog
// Agent's own use of it to sandbox untrusted remote-config code) to
// provide the fuel bound, memory cap, and no-host-I/O guarantees of
// spec.md §4.D.
package filter

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	"github.com/hamzzy/aperture/internal/events"
)

// FilterAPIVersion guards wire-format evolution between the agent and
// the user-supplied filter module (spec.md §9).
const FilterAPIVersion uint32 = 1

const (
	// FuelLimit documents the "~10^6 abstract instructions per call"
	// budget from spec.md §4.D. wazero has no native instruction
	// counter, so it is not metered directly; Apply approximates the
	// same runaway-guest protection with a 50ms per-call deadline plus
	// the MemoryCapPages ceiling, and treats any resulting trap or
	// timeout as a fuel exhaustion for Stats() purposes.
	FuelLimit = 1_000_000
	// MemoryCapPages is 1 MiB of guest linear memory (wasm pages are 64KiB).
	MemoryCapPages = 16
)

const (
	Keep = 1
	Drop = 0
)

// Engine holds one compiled filter module and enforces the single
// exclusive-lock thread model of spec.md §4.D/§5 (per-reader instances
// are allowed by constructing more than one Engine from the same module
// bytes; each New compiles its own copy).
type Engine struct {
	log     *zap.SugaredLogger
	runtime wazero.Runtime
	module  wazero.CompiledModule

	mu   sync.Mutex
	inst api.Module

	// scratchPtr/scratchCap locate the input region in guest memory that
	// writeGuestMemory reuses across calls.
	scratchPtr, scratchCap uint32

	failures uint64
	fuelTrips uint64
}

// New compiles wasmBytes and prepares an Engine. The guest must export
// a function `filter(ptr, len) -> i32` and may import `log(ptr, len)`
// and `get_timestamp() -> i64`; no other host imports are provided, so
// filesystem, network, and thread access are structurally unavailable.
func New(ctx context.Context, log *zap.SugaredLogger, wasmBytes []byte) (*Engine, error) {
	rt := wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfig().
		WithMemoryLimitPages(MemoryCapPages).
		WithCloseOnContextDone(true))

	hostBuilder := rt.NewHostModuleBuilder("env")
	hostBuilder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, m api.Module, ptr, length uint32) {
			if buf, ok := m.Memory().Read(ptr, length); ok {
				log.Debugw("filter log", "message", string(buf))
			}
		}).Export("log")
	hostBuilder.NewFunctionBuilder().
		WithFunc(func(context.Context) int64 { return time.Now().UnixNano() }).
		Export("get_timestamp")
	if _, err := hostBuilder.Instantiate(ctx); err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("build filter host module: %w", err)
	}

	mod, err := rt.CompileModule(ctx, wasmBytes)
	if err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("compile filter module: %w", err)
	}

	inst, err := rt.InstantiateModule(ctx, mod, wazero.NewModuleConfig().WithName("filter"))
	if err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("instantiate filter module: %w", err)
	}

	return &Engine{log: log, runtime: rt, module: mod, inst: inst}, nil
}

// Close releases the wazero runtime.
func (e *Engine) Close(ctx context.Context) error {
	return e.runtime.Close(ctx)
}

// Apply runs the filter against a normalized event. It is fail-open:
// any trap, fuel exhaustion, or decode error keeps the event and bumps
// the failure counter exactly once (spec.md testable property #7).
func (e *Engine) Apply(ctx context.Context, ev *events.ProfileEvent) (keep bool, err error) {
	payload, encErr := encodeForFilter(ev)
	if encErr != nil {
		e.bumpFailure()
		return true, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	fn := e.inst.ExportedFunction("filter")
	if fn == nil {
		e.bumpFailureLocked()
		return true, nil
	}

	callCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()

	ptr, length, writeErr := e.writeGuestMemory(payload)
	if writeErr != nil {
		// Out-of-memory writing the input counts as sandbox-bound failure.
		e.bumpFuelTripLocked()
		return true, nil
	}

	results, callErr := fn.Call(callCtx, uint64(ptr), uint64(length))
	if callErr != nil {
		e.bumpFuelTripLocked()
		return true, nil
	}
	if len(results) != 1 {
		e.bumpFailureLocked()
		return true, nil
	}
	return int32(results[0]) == Keep || int32(results[0]) != Drop, nil
}

// bumpFailure locks before incrementing; callers that do not already
// hold e.mu (the encodeForFilter failure path in Apply, before the
// lock is taken) use this one.
func (e *Engine) bumpFailure() {
	e.mu.Lock()
	e.bumpFailureLocked()
	e.mu.Unlock()
}

// bumpFailureLocked assumes e.mu is already held.
func (e *Engine) bumpFailureLocked() {
	e.failures++
}

// bumpFuelTripLocked assumes e.mu is already held.
func (e *Engine) bumpFuelTripLocked() {
	e.failures++
	e.fuelTrips++
}

// Stats returns (failures, fuelTrips) for the `/metrics` exposition.
func (e *Engine) Stats() (failures, fuelTrips uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.failures, e.fuelTrips
}

// writeGuestMemory copies payload into a scratch region appended to the
// guest's memory, returning the pointer and length. The region is grown
// on the first call and whenever a payload no longer fits, and is reused
// otherwise, so repeated calls do not keep growing guest memory. If
// growth would exceed MemoryCapPages, an error is returned rather than
// trapping the whole runtime. Callers hold e.mu.
func (e *Engine) writeGuestMemory(payload []byte) (uint32, uint32, error) {
	mem := e.inst.Memory()
	if e.scratchCap == 0 || uint32(len(payload)) > e.scratchCap {
		before := mem.Size()
		pagesNeeded := (uint32(len(payload)) + 65535) / 65536
		if pagesNeeded == 0 {
			pagesNeeded = 1
		}
		if _, ok := mem.Grow(pagesNeeded); !ok {
			return 0, 0, fmt.Errorf("filter memory cap exceeded")
		}
		e.scratchPtr, e.scratchCap = before, pagesNeeded*65536
	}
	if !mem.Write(e.scratchPtr, payload) {
		return 0, 0, fmt.Errorf("failed to write filter input")
	}
	return e.scratchPtr, uint32(len(payload)), nil
}

// encodeForFilter serializes the event with FILTER_API_VERSION leading,
// using the same stable binary format as the wire payload (spec.md §4.D).
func encodeForFilter(ev *events.ProfileEvent) ([]byte, error) {
	b := &events.Batch{
		Version:  events.BatchVersion,
		Sequence: uint64(FilterAPIVersion),
		Events:   []events.ProfileEvent{*ev},
	}
	raw, err := events.Encode(b)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 4+len(raw))
	binary.BigEndian.PutUint32(out, FilterAPIVersion)
	copy(out[4:], raw)
	return out, nil
}
