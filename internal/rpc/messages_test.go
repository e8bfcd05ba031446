package rpc

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPushRequestRoundTrip(t *testing.T) {
	in := &PushRequest{AgentId: "a1", Sequence: 42, Payload: []byte("hello")}
	data, err := in.Marshal()
	require.NoError(t, err)

	out := new(PushRequest)
	require.NoError(t, out.Unmarshal(data))
	require.Equal(t, in, out)
}

func TestQueryResponseRoundTrip(t *testing.T) {
	in := &QueryResponse{Batches: []StoredBatchWire{
		{AgentId: "a1", Sequence: 1, ReceivedAtNs: 100, EventCount: 3, Payload: []byte{1, 2, 3}},
		{AgentId: "a2", Sequence: 2, ReceivedAtNs: 200, EventCount: 0, Payload: nil},
	}}
	data, err := in.Marshal()
	require.NoError(t, err)

	out := new(QueryResponse)
	require.NoError(t, out.Unmarshal(data))
	require.Len(t, out.Batches, 2)
	require.Equal(t, in.Batches[0].AgentId, out.Batches[0].AgentId)
	require.Equal(t, in.Batches[1].Sequence, out.Batches[1].Sequence)
}

func TestDiffRequestRoundTrip(t *testing.T) {
	in := &DiffRequest{
		BaselineStartNs: 1, BaselineEndNs: 2,
		ComparisonStartNs: 3, ComparisonEndNs: 4,
		AgentId: "a1", EventType: "cpu", Limit: 10,
	}
	data, err := in.Marshal()
	require.NoError(t, err)

	out := new(DiffRequest)
	require.NoError(t, out.Unmarshal(data))
	require.Equal(t, in, out)
}

func TestCodecMarshalRejectsUnknownType(t *testing.T) {
	var c Codec
	_, err := c.Marshal(struct{}{})
	require.Error(t, err)
}

func TestGetStrRejectsOversizeLength(t *testing.T) {
	out := new(PushRequest)
	// A length prefix far larger than the remaining buffer must error,
	// not panic or over-read.
	err := out.Unmarshal([]byte{0xFF, 0xFF, 0xFF, 0xFF})
	require.Error(t, err)
}
