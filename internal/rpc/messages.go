// Package rpc defines Aperture's binary streaming RPC surface (spec.md
// §6): Push, Query, QueryStorage, Aggregate, Diff. Rather than
// generating message types with protoc (infeasible without running
// the Go toolchain here — see DESIGN.md), the service is built
// directly on google.golang.org/grpc's codec extension point: message
// types implement Marshal/Unmarshal against Aperture's own stable
// binary format (internal/events), and a small Codec registers them
// under a private content-subtype. This still exercises the real gRPC
// transport, streaming, deadlines, and metadata the teacher depends
// on; only the payload encoding is homegrown instead of protobuf.
package rpc

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// --- primitive helpers (shared wire encoding) ---------------------------

func putU32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func putU64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}

func putI64(buf *bytes.Buffer, v int64) { putU64(buf, uint64(v)) }

func putStr(buf *bytes.Buffer, s string) {
	putU32(buf, uint32(len(s)))
	buf.WriteString(s)
}

func putBytes(buf *bytes.Buffer, b []byte) {
	putU32(buf, uint32(len(b)))
	buf.Write(b)
}

func putBool(buf *bytes.Buffer, v bool) {
	if v {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
}

func getU32(r *bytes.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

func getU64(r *bytes.Reader) (uint64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b[:]), nil
}

func getI64(r *bytes.Reader) (int64, error) {
	v, err := getU64(r)
	return int64(v), err
}

func getStr(r *bytes.Reader) (string, error) {
	n, err := getU32(r)
	if err != nil {
		return "", err
	}
	if int(n) > r.Len() {
		return "", fmt.Errorf("string length %d exceeds buffer", n)
	}
	b := make([]byte, n)
	_, err = io.ReadFull(r, b)
	return string(b), err
}

func getBytes(r *bytes.Reader) ([]byte, error) {
	n, err := getU32(r)
	if err != nil {
		return nil, err
	}
	if int(n) > r.Len() {
		return nil, fmt.Errorf("bytes length %d exceeds buffer", n)
	}
	b := make([]byte, n)
	_, err = io.ReadFull(r, b)
	return b, err
}

func getBool(r *bytes.Reader) (bool, error) {
	b, err := r.ReadByte()
	return b != 0, err
}

// --- messages ------------------------------------------------------------

type PushRequest struct {
	AgentId  string
	Sequence uint64
	Payload  []byte
}

func (m *PushRequest) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	putStr(&buf, m.AgentId)
	putU64(&buf, m.Sequence)
	putBytes(&buf, m.Payload)
	return buf.Bytes(), nil
}

func (m *PushRequest) Unmarshal(data []byte) error {
	r := bytes.NewReader(data)
	var err error
	if m.AgentId, err = getStr(r); err != nil {
		return err
	}
	if m.Sequence, err = getU64(r); err != nil {
		return err
	}
	if m.Payload, err = getBytes(r); err != nil {
		return err
	}
	return nil
}

type PushResponse struct {
	Accepted bool
}

func (m *PushResponse) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	putBool(&buf, m.Accepted)
	return buf.Bytes(), nil
}

func (m *PushResponse) Unmarshal(data []byte) error {
	r := bytes.NewReader(data)
	v, err := getBool(r)
	m.Accepted = v
	return err
}

type QueryRequest struct {
	AgentId string
	Limit   int32
}

func (m *QueryRequest) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	putStr(&buf, m.AgentId)
	putI64(&buf, int64(m.Limit))
	return buf.Bytes(), nil
}

func (m *QueryRequest) Unmarshal(data []byte) error {
	r := bytes.NewReader(data)
	var err error
	if m.AgentId, err = getStr(r); err != nil {
		return err
	}
	limit, err := getI64(r)
	m.Limit = int32(limit)
	return err
}

type StoredBatchWire struct {
	AgentId      string
	Sequence     uint64
	ReceivedAtNs int64
	EventCount   int32
	Payload      []byte
}

type QueryResponse struct {
	Batches []StoredBatchWire
}

func (m *QueryResponse) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	putU32(&buf, uint32(len(m.Batches)))
	for _, b := range m.Batches {
		putStr(&buf, b.AgentId)
		putU64(&buf, b.Sequence)
		putI64(&buf, b.ReceivedAtNs)
		putI64(&buf, int64(b.EventCount))
		putBytes(&buf, b.Payload)
	}
	return buf.Bytes(), nil
}

func (m *QueryResponse) Unmarshal(data []byte) error {
	r := bytes.NewReader(data)
	n, err := getU32(r)
	if err != nil {
		return err
	}
	m.Batches = make([]StoredBatchWire, 0, n)
	for i := uint32(0); i < n; i++ {
		var b StoredBatchWire
		if b.AgentId, err = getStr(r); err != nil {
			return err
		}
		if b.Sequence, err = getU64(r); err != nil {
			return err
		}
		if b.ReceivedAtNs, err = getI64(r); err != nil {
			return err
		}
		ec, err := getI64(r)
		if err != nil {
			return err
		}
		b.EventCount = int32(ec)
		if b.Payload, err = getBytes(r); err != nil {
			return err
		}
		m.Batches = append(m.Batches, b)
	}
	return nil
}

type QueryStorageRequest struct {
	TimeStartNs int64
	TimeEndNs   int64
	AgentId     string
	Limit       int32
}

func (m *QueryStorageRequest) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	putI64(&buf, m.TimeStartNs)
	putI64(&buf, m.TimeEndNs)
	putStr(&buf, m.AgentId)
	putI64(&buf, int64(m.Limit))
	return buf.Bytes(), nil
}

func (m *QueryStorageRequest) Unmarshal(data []byte) error {
	r := bytes.NewReader(data)
	var err error
	if m.TimeStartNs, err = getI64(r); err != nil {
		return err
	}
	if m.TimeEndNs, err = getI64(r); err != nil {
		return err
	}
	if m.AgentId, err = getStr(r); err != nil {
		return err
	}
	limit, err := getI64(r)
	m.Limit = int32(limit)
	return err
}

type AggregateRequest struct {
	AgentId     string
	TimeStartNs int64
	TimeEndNs   int64
	Limit       int32
	EventType   string
}

func (m *AggregateRequest) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	putStr(&buf, m.AgentId)
	putI64(&buf, m.TimeStartNs)
	putI64(&buf, m.TimeEndNs)
	putI64(&buf, int64(m.Limit))
	putStr(&buf, m.EventType)
	return buf.Bytes(), nil
}

func (m *AggregateRequest) Unmarshal(data []byte) error {
	r := bytes.NewReader(data)
	var err error
	if m.AgentId, err = getStr(r); err != nil {
		return err
	}
	if m.TimeStartNs, err = getI64(r); err != nil {
		return err
	}
	if m.TimeEndNs, err = getI64(r); err != nil {
		return err
	}
	limit, err := getI64(r)
	if err != nil {
		return err
	}
	m.Limit = int32(limit)
	if m.EventType, err = getStr(r); err != nil {
		return err
	}
	return nil
}

type AggregateResponse struct {
	ResultJson string
	Error      string
}

func (m *AggregateResponse) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	putStr(&buf, m.ResultJson)
	putStr(&buf, m.Error)
	return buf.Bytes(), nil
}

func (m *AggregateResponse) Unmarshal(data []byte) error {
	r := bytes.NewReader(data)
	var err error
	if m.ResultJson, err = getStr(r); err != nil {
		return err
	}
	if m.Error, err = getStr(r); err != nil {
		return err
	}
	return nil
}

type DiffRequest struct {
	BaselineStartNs   int64
	BaselineEndNs     int64
	ComparisonStartNs int64
	ComparisonEndNs   int64
	AgentId           string
	EventType         string
	Limit             int32
}

func (m *DiffRequest) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	putI64(&buf, m.BaselineStartNs)
	putI64(&buf, m.BaselineEndNs)
	putI64(&buf, m.ComparisonStartNs)
	putI64(&buf, m.ComparisonEndNs)
	putStr(&buf, m.AgentId)
	putStr(&buf, m.EventType)
	putI64(&buf, int64(m.Limit))
	return buf.Bytes(), nil
}

func (m *DiffRequest) Unmarshal(data []byte) error {
	r := bytes.NewReader(data)
	var err error
	if m.BaselineStartNs, err = getI64(r); err != nil {
		return err
	}
	if m.BaselineEndNs, err = getI64(r); err != nil {
		return err
	}
	if m.ComparisonStartNs, err = getI64(r); err != nil {
		return err
	}
	if m.ComparisonEndNs, err = getI64(r); err != nil {
		return err
	}
	if m.AgentId, err = getStr(r); err != nil {
		return err
	}
	if m.EventType, err = getStr(r); err != nil {
		return err
	}
	limit, err := getI64(r)
	m.Limit = int32(limit)
	return err
}

type DiffResponse struct {
	ResultJson string
	Error      string
}

func (m *DiffResponse) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	putStr(&buf, m.ResultJson)
	putStr(&buf, m.Error)
	return buf.Bytes(), nil
}

func (m *DiffResponse) Unmarshal(data []byte) error {
	r := bytes.NewReader(data)
	var err error
	if m.ResultJson, err = getStr(r); err != nil {
		return err
	}
	if m.Error, err = getStr(r); err != nil {
		return err
	}
	return nil
}
