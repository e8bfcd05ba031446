// Package reader implements the agent's per-CPU ring-buffer readers
// of spec.md §4.B: one cooperative task per configured ring drains
// fixed-layout records, classifies them by probe origin, resolves the
// carried stack trace, runs the optional filter, and forwards the
// normalized ProfileEvent to the collector.
package reader

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"

	"go.uber.org/zap"

	"github.com/hamzzy/aperture/internal/events"
)

// probeTag is the leading byte of every raw record, identifying which
// kernel probe produced it.
type probeTag byte

const (
	probeCpu probeTag = iota + 1
	probeLock
	probeSyscall
)

// Record is one dequeued item from a ring/perf buffer, decoupled from
// any specific kernel-buffer library so Reader is testable without a
// real kernel attachment.
type Record struct {
	RawSample   []byte
	LostSamples uint64
}

// Source yields Records; CilumRingbufSource (ringbuf_source.go) adapts
// a real github.com/cilium/ebpf/ringbuf.Reader to this interface.
type Source interface {
	Read() (Record, error)
	Close() error
}

// StackTraces resolves an opaque stack_id to its raw instruction
// pointers, leaf first. A negative id (spec.md §3 "stack_id < 0 means
// absent") is the caller's responsibility to skip before calling.
type StackTraces interface {
	Lookup(stackID int64) ([]uint64, bool)
}

// SymbolResolver maps one instruction pointer to a Frame; never errors
// (internal/symbol.Resolver implements this).
type SymbolResolver interface {
	Resolve(pid uint32, ip uint64) events.Frame
}

// Filter optionally inspects a normalized event before it reaches the
// collector; internal/filter.Engine implements this.
type Filter interface {
	Apply(ctx context.Context, ev *events.ProfileEvent) (keep bool, err error)
}

// Sink receives normalized events; internal/collector.Collector implements this.
type Sink interface {
	Add(ev events.ProfileEvent)
}

// Reader drains one Source on its own goroutine (spec.md §5 "one
// logical task per online CPU").
type Reader struct {
	id       int
	log      *zap.SugaredLogger
	source   Source
	stacks   StackTraces
	resolver SymbolResolver
	filter   Filter // nil disables filtering
	sink     Sink

	drops uint64
}

// New builds a Reader. filter may be nil to skip the filter stage.
func New(id int, log *zap.SugaredLogger, source Source, stacks StackTraces, resolver SymbolResolver, filter Filter, sink Sink) *Reader {
	return &Reader{id: id, log: log, source: source, stacks: stacks, resolver: resolver, filter: filter, sink: sink}
}

// Run drains the source until ctx is done or the source errors
// (typically because it was Closed as part of shutdown). Each event is
// decoded and normalized into freshly allocated values.
func (r *Reader) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		rec, err := r.source.Read()
		if err != nil {
			r.log.Infow("reader stopped", "cpu", r.id, "error", err)
			return
		}
		if rec.LostSamples > 0 {
			r.drops += rec.LostSamples
			r.log.Warnw("buffer_drop", "cpu", r.id, "lost_samples", rec.LostSamples)
			continue
		}
		ev, ok := r.decode(rec.RawSample)
		if !ok {
			continue
		}
		r.attachStack(&ev)
		if r.filter != nil {
			keep, _ := r.filter.Apply(ctx, &ev)
			if !keep {
				continue
			}
		}
		r.sink.Add(ev)
	}
}

// Drops reports the cumulative lost-sample count reported by the kernel.
func (r *Reader) Drops() uint64 { return r.drops }

func (r *Reader) decode(raw []byte) (events.ProfileEvent, bool) {
	if len(raw) < 1 {
		return events.ProfileEvent{}, false
	}
	tag := probeTag(raw[0])
	body := bytes.NewReader(raw[1:])
	switch tag {
	case probeCpu:
		var rec rawCpuSample
		if err := binary.Read(body, binary.LittleEndian, &rec); err != nil {
			r.log.Debugw("decode cpu sample failed", "error", err)
			return events.ProfileEvent{}, false
		}
		return events.ProfileEvent{
			Type: events.EventTypeCpu,
			Cpu: &events.CpuSample{
				Ts: int64(rec.Ts), Pid: rec.Pid, Tid: rec.Tid, CpuId: rec.CpuId,
				UserStackId: rec.UserStackId, KernelStackId: rec.KernelStackId,
			},
		}, true
	case probeLock:
		var rec rawLockEvent
		if err := binary.Read(body, binary.LittleEndian, &rec); err != nil {
			r.log.Debugw("decode lock event failed", "error", err)
			return events.ProfileEvent{}, false
		}
		return events.ProfileEvent{
			Type: events.EventTypeLock,
			Lock: &events.LockEvent{
				Ts: int64(rec.Ts), Pid: rec.Pid, Tid: rec.Tid,
				LockAddr: rec.LockAddr, WaitNs: rec.WaitNs, StackId: rec.StackId,
			},
		}, true
	case probeSyscall:
		var rec rawSyscallEvent
		if err := binary.Read(body, binary.LittleEndian, &rec); err != nil {
			r.log.Debugw("decode syscall event failed", "error", err)
			return events.ProfileEvent{}, false
		}
		return events.ProfileEvent{
			Type: events.EventTypeSyscall,
			Syscall: &events.SyscallEvent{
				Ts: int64(rec.Ts), Pid: rec.Pid, Tid: rec.Tid,
				SyscallId: rec.SyscallId, DurationNs: rec.DurationNs, ReturnValue: rec.ReturnValue,
			},
		}, true
	default:
		r.log.Debugw("unknown probe tag", "tag", tag)
		return events.ProfileEvent{}, false
	}
}

func (r *Reader) attachStack(ev *events.ProfileEvent) {
	var pid uint32
	var stackID int64
	switch ev.Type {
	case events.EventTypeCpu:
		pid, stackID = ev.Cpu.Pid, ev.Cpu.UserStackId
		if stackID < 0 {
			stackID = ev.Cpu.KernelStackId
		}
	case events.EventTypeLock:
		pid, stackID = ev.Lock.Pid, ev.Lock.StackId
	case events.EventTypeSyscall:
		pid, stackID = ev.Syscall.Pid, 0
		return // syscall events carry no stack id in this ABI
	}
	if stackID < 0 || r.stacks == nil {
		return
	}
	ips, ok := r.stacks.Lookup(stackID)
	if !ok {
		return
	}
	stack := make(events.Stack, 0, len(ips))
	for _, ip := range ips {
		stack = append(stack, r.resolver.Resolve(pid, ip))
	}
	ev.Stack = stack
}

// rawCpuSample, rawLockEvent, and rawSyscallEvent mirror the C structs
// the kernel probes emit, field-for-field, after the leading tag byte
// (spec.md §3 event records), following the fixed-layout binary.Read
// pattern the teacher uses for its own event struct.
type rawCpuSample struct {
	Ts            uint64
	Pid           uint32
	Tid           uint32
	CpuId         uint32
	UserStackId   int64
	KernelStackId int64
}

type rawLockEvent struct {
	Ts       uint64
	Pid      uint32
	Tid      uint32
	LockAddr uint64
	WaitNs   uint64
	StackId  int64
}

type rawSyscallEvent struct {
	Ts          uint64
	Pid         uint32
	Tid         uint32
	SyscallId   uint32
	DurationNs  uint64
	ReturnValue int64
}

func (t probeTag) String() string {
	switch t {
	case probeCpu:
		return "cpu"
	case probeLock:
		return "lock"
	case probeSyscall:
		return "syscall"
	default:
		return fmt.Sprintf("unknown(%d)", byte(t))
	}
}
