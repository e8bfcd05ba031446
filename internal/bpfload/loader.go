// Package bpfload loads the precompiled eBPF object carrying Aperture's
// kernel probes and returns the maps and links the agent needs, in the
// same shape as the teacher's pkg/bpf.LoadTracepoints: read a .o file,
// raise RLIMIT_MEMLOCK, load the collection, attach each program as a
// tracepoint, and hand back the ring buffer and stack-trace maps.
//
// The kernel probes themselves (the C source compiled into the .o) are
// an external collaborator pinned only by the map/program names below;
// building and shipping that object is outside this module.
package bpfload

import (
	"fmt"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"golang.org/x/sys/unix"
)

const (
	// RingbufMapName is the events ring buffer every probe writes into.
	RingbufMapName = "events"
	// StackTraceMapName is the BPF_MAP_TYPE_STACK_TRACE map probes
	// record user/kernel stacks into.
	StackTraceMapName = "stack_traces"
)

// programAttachment pins one compiled program to the tracepoint it
// instruments.
type programAttachment struct {
	program string
	group   string
	name    string
}

var tracepointPrograms = []programAttachment{
	{program: "on_cpu_sample", group: "perf", name: "perf_sample"},
	{program: "on_lock_event", group: "sched", name: "sched_switch"},
	{program: "on_syscall_event", group: "raw_syscalls", name: "sys_exit"},
}

// Loaded carries the artifacts cmd/agent needs after attaching probes.
type Loaded struct {
	Ringbuf     *ebpf.Map
	StackTraces *ebpf.Map
	links       []link.Link
}

// Close detaches every attached tracepoint and closes the maps.
func (l *Loaded) Close() error {
	var firstErr error
	for _, lk := range l.links {
		if err := lk.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if l.Ringbuf != nil {
		_ = l.Ringbuf.Close()
	}
	if l.StackTraces != nil {
		_ = l.StackTraces.Close()
	}
	return firstErr
}

// Load reads objPath, raises the memlock limit, loads the collection,
// attaches each known program to its tracepoint, and returns the
// ring buffer and stack-trace maps. Any program named in
// tracepointPrograms that is absent from the object is skipped rather
// than treated as fatal, so an object built with only a subset of
// probes still loads.
func Load(objPath string) (*Loaded, error) {
	if err := unix.Setrlimit(unix.RLIMIT_MEMLOCK, &unix.Rlimit{Cur: unix.RLIM_INFINITY, Max: unix.RLIM_INFINITY}); err != nil {
		return nil, fmt.Errorf("setrlimit memlock: %w", err)
	}

	spec, err := ebpf.LoadCollectionSpec(objPath)
	if err != nil {
		return nil, fmt.Errorf("load collection spec %s: %w", objPath, err)
	}

	coll, err := ebpf.NewCollection(spec)
	if err != nil {
		return nil, fmt.Errorf("instantiate collection: %w", err)
	}

	ringbufMap := coll.Maps[RingbufMapName]
	if ringbufMap == nil {
		coll.Close()
		return nil, fmt.Errorf("object %s has no %q map", objPath, RingbufMapName)
	}
	stackMap := coll.Maps[StackTraceMapName]

	loaded := &Loaded{Ringbuf: ringbufMap, StackTraces: stackMap}
	for _, p := range tracepointPrograms {
		prog := coll.Programs[p.program]
		if prog == nil {
			continue
		}
		tp, err := link.Tracepoint(p.group, p.name, prog, nil)
		if err != nil {
			loaded.Close()
			return nil, fmt.Errorf("attach tracepoint %s/%s: %w", p.group, p.name, err)
		}
		loaded.links = append(loaded.links, tp)
	}

	return loaded, nil
}
