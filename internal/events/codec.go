package events

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// Encode renders a Batch using Aperture's stable, self-describing
// binary format (spec.md §6): fields in declaration order, strings as
// a uint32 length prefix followed by UTF-8 bytes, each ProfileEvent as
// a tag byte followed by its record fields in §3 order.
func Encode(b *Batch) ([]byte, error) {
	var buf bytes.Buffer
	writeUint32(&buf, b.Version)
	writeString(&buf, b.AgentId)
	writeUint64(&buf, b.Sequence)
	writeUint32(&buf, uint32(len(b.Events)))
	for i := range b.Events {
		if err := encodeEvent(&buf, &b.Events[i]); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// Decode parses a Batch previously produced by Encode. It never
// panics on malformed input; all errors are returned.
func Decode(raw []byte) (*Batch, error) {
	r := bytes.NewReader(raw)
	b := &Batch{}
	var err error
	if b.Version, err = readUint32(r); err != nil {
		return nil, fmt.Errorf("read version: %w", err)
	}
	if b.Version != BatchVersion {
		return nil, fmt.Errorf("unknown batch version %d", b.Version)
	}
	if b.AgentId, err = readString(r); err != nil {
		return nil, fmt.Errorf("read agent_id: %w", err)
	}
	if b.Sequence, err = readUint64(r); err != nil {
		return nil, fmt.Errorf("read sequence: %w", err)
	}
	n, err := readUint32(r)
	if err != nil {
		return nil, fmt.Errorf("read event count: %w", err)
	}
	if n > MaxBatchEvents {
		return nil, fmt.Errorf("batch declares %d events, exceeds max %d", n, MaxBatchEvents)
	}
	if n > 0 {
		b.Events = make([]ProfileEvent, 0, n)
	}
	for i := uint32(0); i < n; i++ {
		ev, err := decodeEvent(r)
		if err != nil {
			return nil, fmt.Errorf("decode event %d: %w", i, err)
		}
		b.Events = append(b.Events, ev)
	}
	return b, nil
}

func encodeEvent(buf *bytes.Buffer, e *ProfileEvent) error {
	buf.WriteByte(byte(e.Type))
	switch e.Type {
	case EventTypeCpu:
		if e.Cpu == nil {
			return fmt.Errorf("cpu event missing payload")
		}
		writeInt64(buf, e.Cpu.Ts)
		writeUint32(buf, e.Cpu.Pid)
		writeUint32(buf, e.Cpu.Tid)
		writeUint32(buf, e.Cpu.CpuId)
		writeInt64(buf, e.Cpu.UserStackId)
		writeInt64(buf, e.Cpu.KernelStackId)
	case EventTypeLock:
		if e.Lock == nil {
			return fmt.Errorf("lock event missing payload")
		}
		writeInt64(buf, e.Lock.Ts)
		writeUint32(buf, e.Lock.Pid)
		writeUint32(buf, e.Lock.Tid)
		writeUint64(buf, e.Lock.LockAddr)
		writeUint64(buf, e.Lock.WaitNs)
		writeInt64(buf, e.Lock.StackId)
	case EventTypeSyscall:
		if e.Syscall == nil {
			return fmt.Errorf("syscall event missing payload")
		}
		writeInt64(buf, e.Syscall.Ts)
		writeUint32(buf, e.Syscall.Pid)
		writeUint32(buf, e.Syscall.Tid)
		writeUint32(buf, e.Syscall.SyscallId)
		writeUint64(buf, e.Syscall.DurationNs)
		writeInt64(buf, e.Syscall.ReturnValue)
	default:
		return fmt.Errorf("unknown event type tag %d", e.Type)
	}
	writeStack(buf, e.Stack)
	return nil
}

func decodeEvent(r *bytes.Reader) (ProfileEvent, error) {
	var ev ProfileEvent
	tag, err := r.ReadByte()
	if err != nil {
		return ev, err
	}
	ev.Type = EventType(tag)
	switch ev.Type {
	case EventTypeCpu:
		c := &CpuSample{}
		if c.Ts, err = readInt64(r); err != nil {
			return ev, err
		}
		if c.Pid, err = readUint32(r); err != nil {
			return ev, err
		}
		if c.Tid, err = readUint32(r); err != nil {
			return ev, err
		}
		if c.CpuId, err = readUint32(r); err != nil {
			return ev, err
		}
		if c.UserStackId, err = readInt64(r); err != nil {
			return ev, err
		}
		if c.KernelStackId, err = readInt64(r); err != nil {
			return ev, err
		}
		ev.Cpu = c
	case EventTypeLock:
		l := &LockEvent{}
		if l.Ts, err = readInt64(r); err != nil {
			return ev, err
		}
		if l.Pid, err = readUint32(r); err != nil {
			return ev, err
		}
		if l.Tid, err = readUint32(r); err != nil {
			return ev, err
		}
		if l.LockAddr, err = readUint64(r); err != nil {
			return ev, err
		}
		if l.WaitNs, err = readUint64(r); err != nil {
			return ev, err
		}
		if l.StackId, err = readInt64(r); err != nil {
			return ev, err
		}
		ev.Lock = l
	case EventTypeSyscall:
		s := &SyscallEvent{}
		if s.Ts, err = readInt64(r); err != nil {
			return ev, err
		}
		if s.Pid, err = readUint32(r); err != nil {
			return ev, err
		}
		if s.Tid, err = readUint32(r); err != nil {
			return ev, err
		}
		if s.SyscallId, err = readUint32(r); err != nil {
			return ev, err
		}
		if s.DurationNs, err = readUint64(r); err != nil {
			return ev, err
		}
		if s.ReturnValue, err = readInt64(r); err != nil {
			return ev, err
		}
		ev.Syscall = s
	default:
		return ev, fmt.Errorf("unknown event type tag %d", tag)
	}
	stack, err := readStack(r)
	if err != nil {
		return ev, err
	}
	ev.Stack = stack
	return ev, nil
}

func writeStack(buf *bytes.Buffer, s Stack) {
	writeUint32(buf, uint32(len(s)))
	for _, f := range s {
		writeUint64(buf, f.Ip)
		writeString(buf, f.Function)
		writeString(buf, f.Module)
		writeString(buf, f.File)
		writeUint32(buf, f.Line)
	}
}

func readStack(r *bytes.Reader) (Stack, error) {
	n, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	if n > MaxBatchEvents*8 {
		return nil, fmt.Errorf("stack declares implausible frame count %d", n)
	}
	s := make(Stack, 0, n)
	for i := uint32(0); i < n; i++ {
		var f Frame
		if f.Ip, err = readUint64(r); err != nil {
			return nil, err
		}
		if f.Function, err = readString(r); err != nil {
			return nil, err
		}
		if f.Module, err = readString(r); err != nil {
			return nil, err
		}
		if f.File, err = readString(r); err != nil {
			return nil, err
		}
		if f.Line, err = readUint32(r); err != nil {
			return nil, err
		}
		s = append(s, f)
	}
	return s, nil
}

// --- primitive helpers -----------------------------------------------

func writeUint32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func writeUint64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}

func writeInt64(buf *bytes.Buffer, v int64) { writeUint64(buf, uint64(v)) }

func writeString(buf *bytes.Buffer, s string) {
	writeUint32(buf, uint32(len(s)))
	buf.WriteString(s)
}

func readUint32(r *bytes.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

func readUint64(r *bytes.Reader) (uint64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b[:]), nil
}

func readInt64(r *bytes.Reader) (int64, error) {
	v, err := readUint64(r)
	return int64(v), err
}

func readString(r *bytes.Reader) (string, error) {
	n, err := readUint32(r)
	if err != nil {
		return "", err
	}
	if int(n) > r.Len() {
		return "", fmt.Errorf("string length %d exceeds remaining buffer", n)
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", err
	}
	return string(b), nil
}
