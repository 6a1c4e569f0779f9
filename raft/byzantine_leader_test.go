package raft_test

import (
	"crypto/ed25519"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hyperraft/ledger/clock"
	"github.com/hyperraft/ledger/raft"
	"github.com/hyperraft/ledger/storage/memstore"
)

// TestSignedAckRejectsDivergentPayloadAtSameIndexAndTerm reproduces
// spec.md §8 Scenario F: a Byzantine leader sends two different
// entries for the same (index, term) to two different followers. Each
// follower's SignedAck must bind to what it actually stored, so the
// two acks can never both verify against one payload and accumulate
// toward a shared commit quorum.
func TestSignedAckRejectsDivergentPayloadAtSameIndexAndTerm(t *testing.T) {
	leaderID := raft.NodeID("leader")
	followerAID := raft.NodeID("follower-a")
	followerBID := raft.NodeID("follower-b")

	leaderPub, leaderPriv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	followerAPub, followerAPriv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	followerBPub, followerBPriv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	roster := map[raft.NodeID]ed25519.PublicKey{
		leaderID:    leaderPub,
		followerAID: followerAPub,
		followerBID: followerBPub,
	}
	leaderSigner := raft.NewEd25519Signer(leaderID, leaderPriv, roster)

	followerA, err := raft.New(followerAID, nil, fastConfig(followerAID), memstore.NewLogStore(),
		raft.NewEd25519Signer(followerAID, followerAPriv, roster), clock.NewReal(), nil, discardLogger())
	require.NoError(t, err)
	followerB, err := raft.New(followerBID, nil, fastConfig(followerBID), memstore.NewLogStore(),
		raft.NewEd25519Signer(followerBID, followerBPriv, roster), clock.NewReal(), nil, discardLogger())
	require.NoError(t, err)

	entryA := raft.LogEntry{Index: 1, Term: 1, Kind: raft.Command, Payload: []byte("payload-A"), ClientRequestID: "req-a"}
	entryB := raft.LogEntry{Index: 1, Term: 1, Kind: raft.Command, Payload: []byte("payload-B"), ClientRequestID: "req-b"}

	sign := func(entry raft.LogEntry) *raft.AppendEntries {
		msg := &raft.AppendEntries{
			Term: 1, LeaderID: leaderID, PrevLogIndex: 0, PrevLogTerm: 0,
			Entries: []raft.LogEntry{entry}, LeaderCommit: 0, SenderID: leaderID,
		}
		encoded, err := raft.EncodeLogEntry(entry)
		require.NoError(t, err)
		content := make([]byte, 24, 24+len(encoded)) // PrevLogIndex, PrevLogTerm, LeaderCommit, all zero
		content = append(content, encoded...)
		body := raft.ContentHash("AppendEntries", 1, leaderID, content)
		sig, err := leaderSigner.Sign(body)
		require.NoError(t, err)
		msg.Signature = sig
		return msg
	}

	replyA := followerA.HandleAppendEntries(sign(entryA))
	replyB := followerB.HandleAppendEntries(sign(entryB))
	require.NotNil(t, replyA, "leader's signature over entry A must verify")
	require.NotNil(t, replyB, "leader's signature over entry B must verify")
	require.True(t, replyA.Success)
	require.True(t, replyB.Success)
	require.NotEmpty(t, replyA.SignedAck)
	require.NotEmpty(t, replyB.SignedAck)
	require.NotEqual(t, replyA.SignedAck, replyB.SignedAck,
		"signed acks for divergent payloads at the same (index, term) must differ")

	// A leader checking these acks against its own canonical content
	// (here, entry A) accepts follower A's ack and rejects follower
	// B's: the two payloads can never be credited toward one quorum.
	encodedA, err := raft.EncodeLogEntry(entryA)
	require.NoError(t, err)

	followerASigner := raft.NewEd25519Signer(followerAID, nil, roster)
	expectedForA := raft.ContentHash("AppendEntriesAck", 1, followerAID, encodedA)
	require.True(t, followerASigner.Verify(expectedForA, replyA.SignedAck, followerAID))

	followerBSigner := raft.NewEd25519Signer(followerBID, nil, roster)
	expectedForB := raft.ContentHash("AppendEntriesAck", 1, followerBID, encodedA)
	require.False(t, followerBSigner.Verify(expectedForB, replyB.SignedAck, followerBID),
		"follower B's ack must not verify against follower A's entry content")
}
