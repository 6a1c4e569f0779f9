package raft_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hyperraft/ledger/raft"
)

func TestLogEntryEncodeDecodeRoundTrip(t *testing.T) {
	cases := []raft.LogEntry{
		{Index: 1, Term: 1, Kind: raft.NoOp, Payload: nil, ClientRequestID: ""},
		{Index: 42, Term: 7, Kind: raft.Command, Payload: []byte("hello world"), ClientRequestID: "req-abc"},
		{Index: 1000000, Term: 99, Kind: raft.Vote, Payload: []byte{0, 1, 2, 3, 255}, ClientRequestID: "req-xyz-123"},
	}
	for _, c := range cases {
		encoded, err := raft.EncodeLogEntry(c)
		require.NoError(t, err)
		decoded, err := raft.DecodeLogEntry(encoded)
		require.NoError(t, err)
		require.Equal(t, c.Index, decoded.Index)
		require.Equal(t, c.Term, decoded.Term)
		require.Equal(t, c.Kind, decoded.Kind)
		require.Equal(t, c.Payload, decoded.Payload)
		require.Equal(t, c.ClientRequestID, decoded.ClientRequestID)
	}
}
