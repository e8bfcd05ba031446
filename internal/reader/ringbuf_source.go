package reader

import (
	"github.com/cilium/ebpf/ringbuf"
)

// CilumRingbufSource adapts a real github.com/cilium/ebpf/ringbuf.Reader
// to Source, the shape the teacher's own ring-buffer consumption loop
// already follows (ringbuf.NewReader + rd.Read()).
type CilumRingbufSource struct {
	rd *ringbuf.Reader
}

// NewCilumRingbufSource wraps rd.
func NewCilumRingbufSource(rd *ringbuf.Reader) *CilumRingbufSource {
	return &CilumRingbufSource{rd: rd}
}

func (s *CilumRingbufSource) Read() (Record, error) {
	rec, err := s.rd.Read()
	if err != nil {
		return Record{}, err
	}
	// BPF ring buffers report no lost-sample count, so LostSamples stays 0.
	return Record{RawSample: rec.RawSample}, nil
}

func (s *CilumRingbufSource) Close() error { return s.rd.Close() }
