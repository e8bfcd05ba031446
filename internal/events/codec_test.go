package events

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func randomBatch(t *testing.T, r *rand.Rand, n int) *Batch {
	t.Helper()
	b := &Batch{
		Version:  BatchVersion,
		AgentId:  "agent-1",
		Sequence: uint64(r.Int63()),
	}
	for i := 0; i < n; i++ {
		switch r.Intn(3) {
		case 0:
			b.Events = append(b.Events, ProfileEvent{
				Type: EventTypeCpu,
				Cpu: &CpuSample{
					Ts: r.Int63(), Pid: r.Uint32(), Tid: r.Uint32(),
					CpuId: r.Uint32(), UserStackId: r.Int63n(1000) - 1, KernelStackId: r.Int63n(1000) - 1,
				},
				Stack: randomStack(r),
			})
		case 1:
			b.Events = append(b.Events, ProfileEvent{
				Type: EventTypeLock,
				Lock: &LockEvent{
					Ts: r.Int63(), Pid: r.Uint32(), Tid: r.Uint32(),
					LockAddr: r.Uint64(), WaitNs: r.Uint64(), StackId: r.Int63n(1000) - 1,
				},
				Stack: randomStack(r),
			})
		default:
			b.Events = append(b.Events, ProfileEvent{
				Type: EventTypeSyscall,
				Syscall: &SyscallEvent{
					Ts: r.Int63(), Pid: r.Uint32(), Tid: r.Uint32(),
					SyscallId: r.Uint32(), DurationNs: r.Uint64(), ReturnValue: r.Int63() - r.Int63(),
				},
				Stack: randomStack(r),
			})
		}
	}
	return b
}

func randomStack(r *rand.Rand) Stack {
	n := r.Intn(4)
	s := make(Stack, n)
	for i := range s {
		s[i] = Frame{Ip: r.Uint64(), Function: "fn", Module: "mod.so", Line: r.Uint32()}
	}
	return s
}

func TestRoundTripFidelity(t *testing.T) {
	r := rand.New(rand.NewSource(42))
	for _, n := range []int{0, 1, 5, 500} {
		b := randomBatch(t, r, n)
		raw, err := Encode(b)
		require.NoError(t, err)
		got, err := Decode(raw)
		require.NoError(t, err)
		require.Equal(t, b, got)
	}
}

func TestDecodeRejectsUnknownVersion(t *testing.T) {
	b := &Batch{Version: 99, AgentId: "a"}
	raw, err := Encode(b)
	require.NoError(t, err)
	_, err = Decode(raw)
	require.Error(t, err)
}

func TestDecodeRejectsTruncatedInput(t *testing.T) {
	b := randomBatch(t, rand.New(rand.NewSource(1)), 3)
	raw, err := Encode(b)
	require.NoError(t, err)
	_, err = Decode(raw[:len(raw)-2])
	require.Error(t, err)
}

func TestBatchValidate(t *testing.T) {
	b := &Batch{Version: BatchVersion}
	require.NoError(t, b.Validate())
	b.Version = 7
	require.Error(t, b.Validate())
	b.Version = BatchVersion
	b.Events = make([]ProfileEvent, MaxBatchEvents+1)
	require.Error(t, b.Validate())
}
