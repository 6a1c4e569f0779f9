package approval_test

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/hyperraft/ledger/approval"
	"github.com/hyperraft/ledger/clock"
	"github.com/hyperraft/ledger/raft"
	"github.com/hyperraft/ledger/storage/memstore"
)

func newProjector(t *testing.T) (*approval.Projector, *[]approval.ApprovalFinalized) {
	t.Helper()
	store := memstore.NewVoteStore()
	events := &[]approval.ApprovalFinalized{}
	p, err := approval.New(store, 64, time.Minute, clock.NewManual(time.Unix(0, 0)), zerolog.Nop(), func(e approval.ApprovalFinalized) {
		*events = append(*events, e)
	})
	require.NoError(t, err)
	return p, events
}

func mustEntry(t *testing.T, idx uint64, kind raft.EntryKind, payload []byte) raft.LogEntry {
	t.Helper()
	return raft.LogEntry{Index: idx, Term: 1, Kind: kind, Payload: payload}
}

// TestHappyPathApproval covers Scenario A: quorumSize=5, faultTolerance=1,
// threshold = ceil((5+1+1)/2) = 4; four Approve votes finalize Approved.
func TestHappyPathApproval(t *testing.T) {
	p, events := newProjector(t)

	createPayload, err := approval.EncodeCreateCommand(approval.CreateCommand{
		ApprovalID: "a1", Subject: "release-42", QuorumSize: 5, FaultTolerance: 1,
	})
	require.NoError(t, err)
	require.NoError(t, p.Apply(mustEntry(t, 1, raft.ApprovalCreate, createPayload)))

	voters := []string{"v1", "v2", "v3", "v4"}
	for i, voter := range voters {
		payload, err := approval.EncodeVoteCommand(approval.VoteCommand{ApprovalID: "a1", VoterID: voter, Vote: approval.VoteApprove})
		require.NoError(t, err)
		require.NoError(t, p.Apply(mustEntry(t, uint64(2+i), raft.Vote, payload)))
	}

	got, err := p.GetApproval("a1")
	require.NoError(t, err)
	require.Equal(t, approval.StatusApproved, got.Status)
	require.Equal(t, uint64(5), got.FinalizedIndex)
	require.Len(t, *events, 1)
	require.Equal(t, approval.StatusApproved, (*events)[0].Status)
}

// TestBoundaryStaysPending covers the boundary case: quorumSize=4,
// faultTolerance=1 => threshold=3; one Reject, two Approves, one
// Abstain must stay Pending.
func TestBoundaryStaysPending(t *testing.T) {
	p, _ := newProjector(t)

	createPayload, err := approval.EncodeCreateCommand(approval.CreateCommand{
		ApprovalID: "a2", Subject: "release-7", QuorumSize: 4, FaultTolerance: 1,
	})
	require.NoError(t, err)
	require.NoError(t, p.Apply(mustEntry(t, 1, raft.ApprovalCreate, createPayload)))

	votes := []struct {
		voter string
		kind  approval.VoteKind
	}{
		{"v1", approval.VoteReject},
		{"v2", approval.VoteApprove},
		{"v3", approval.VoteApprove},
		{"v4", approval.VoteAbstain},
	}
	for i, v := range votes {
		payload, err := approval.EncodeVoteCommand(approval.VoteCommand{ApprovalID: "a2", VoterID: v.voter, Vote: v.kind})
		require.NoError(t, err)
		require.NoError(t, p.Apply(mustEntry(t, uint64(2+i), raft.Vote, payload)))
	}

	got, err := p.GetApproval("a2")
	require.NoError(t, err)
	require.Equal(t, approval.StatusPending, got.Status)
}

// TestDuplicateVoteIsLastWriteWins covers Scenario C: a voter casting
// a second vote overwrites its first, and re-tallying only counts the
// latest vote per voter.
func TestDuplicateVoteIsLastWriteWins(t *testing.T) {
	p, _ := newProjector(t)

	createPayload, err := approval.EncodeCreateCommand(approval.CreateCommand{
		ApprovalID: "a3", Subject: "release-9", QuorumSize: 3, FaultTolerance: 0,
	})
	require.NoError(t, err)
	require.NoError(t, p.Apply(mustEntry(t, 1, raft.ApprovalCreate, createPayload)))

	v1Approve, err := approval.EncodeVoteCommand(approval.VoteCommand{ApprovalID: "a3", VoterID: "v1", Vote: approval.VoteApprove})
	require.NoError(t, err)
	require.NoError(t, p.Apply(mustEntry(t, 2, raft.Vote, v1Approve)))

	v1Reject, err := approval.EncodeVoteCommand(approval.VoteCommand{ApprovalID: "a3", VoterID: "v1", Vote: approval.VoteReject})
	require.NoError(t, err)
	require.NoError(t, p.Apply(mustEntry(t, 3, raft.Vote, v1Reject)))

	got, err := p.GetApproval("a3")
	require.NoError(t, err)
	require.Equal(t, approval.VoteReject, got.Votes["v1"])
	require.Equal(t, approval.StatusPending, got.Status)
}

// TestVoteBeforeCreateIsPendedThenApplied exercises the pending-vote
// LRU: a Vote for an unknown approvalID is held and folded in once the
// matching ApprovalCreate arrives.
func TestVoteBeforeCreateIsPendedThenApplied(t *testing.T) {
	p, _ := newProjector(t)

	votePayload, err := approval.EncodeVoteCommand(approval.VoteCommand{ApprovalID: "a4", VoterID: "v1", Vote: approval.VoteApprove})
	require.NoError(t, err)
	require.NoError(t, p.Apply(mustEntry(t, 1, raft.Vote, votePayload)))

	_, err = p.GetApproval("a4")
	require.Error(t, err)

	createPayload, err := approval.EncodeCreateCommand(approval.CreateCommand{
		ApprovalID: "a4", Subject: "release-11", QuorumSize: 1, FaultTolerance: 0,
	})
	require.NoError(t, err)
	require.NoError(t, p.Apply(mustEntry(t, 2, raft.ApprovalCreate, createPayload)))

	got, err := p.GetApproval("a4")
	require.NoError(t, err)
	require.Equal(t, approval.VoteApprove, got.Votes["v1"])
	require.Equal(t, approval.StatusApproved, got.Status)
}

// TestVoteAfterFinalizationDoesNotFlip covers invariant "Finality
// Stability": a vote arriving after finalization is recorded for
// audit but never changes Status or FinalizedIndex.
func TestVoteAfterFinalizationDoesNotFlip(t *testing.T) {
	p, _ := newProjector(t)

	createPayload, err := approval.EncodeCreateCommand(approval.CreateCommand{
		ApprovalID: "a5", Subject: "release-3", QuorumSize: 1, FaultTolerance: 0,
	})
	require.NoError(t, err)
	require.NoError(t, p.Apply(mustEntry(t, 1, raft.ApprovalCreate, createPayload)))

	approvePayload, err := approval.EncodeVoteCommand(approval.VoteCommand{ApprovalID: "a5", VoterID: "v1", Vote: approval.VoteApprove})
	require.NoError(t, err)
	require.NoError(t, p.Apply(mustEntry(t, 2, raft.Vote, approvePayload)))

	latePayload, err := approval.EncodeVoteCommand(approval.VoteCommand{ApprovalID: "a5", VoterID: "v2", Vote: approval.VoteReject})
	require.NoError(t, err)
	require.NoError(t, p.Apply(mustEntry(t, 3, raft.Vote, latePayload)))

	got, err := p.GetApproval("a5")
	require.NoError(t, err)
	require.Equal(t, approval.StatusApproved, got.Status)
	require.Equal(t, uint64(2), got.FinalizedIndex)
	require.Equal(t, approval.VoteReject, got.Votes["v2"])
}
