package raft

// Message types per spec.md §6. Each carries a Signature computed
// over ContentHash(messageType, Term, sender, body). Incoming
// RequestVote, AppendEntries and InstallSnapshot messages that fail
// verification are discarded without state change by the Handle*
// methods (election.go, replication.go, snapshot.go). The signatures
// on RequestVoteReply, AppendEntriesReply and InstallSnapshotReply are
// not checked by the node that receives them; only an
// AppendEntriesReply's SignedAck is verified before it counts toward
// commit.

type RequestVote struct {
	Term          uint64
	CandidateID   NodeID
	LastLogIndex  uint64
	LastLogTerm   uint64
	SenderID      NodeID
	Signature     []byte
}

type RequestVoteReply struct {
	Term        uint64
	VoteGranted bool
	SenderID    NodeID
	Signature   []byte
}

type AppendEntries struct {
	Term         uint64
	LeaderID     NodeID
	PrevLogIndex uint64
	PrevLogTerm  uint64
	Entries      []LogEntry
	LeaderCommit uint64
	SenderID     NodeID
	Signature    []byte
}

// AppendEntriesReply carries SignedAck: the Byzantine-resistance
// layer's per-follower signed acknowledgement of (MatchIndex, Term),
// which the leader accumulates to satisfy the N-f commit rule.
type AppendEntriesReply struct {
	Term       uint64
	Success    bool
	MatchIndex uint64
	SignedAck  []byte
	SenderID   NodeID
	Signature  []byte
}

type InstallSnapshot struct {
	Term              uint64
	LeaderID          NodeID
	LastIncludedIndex uint64
	LastIncludedTerm  uint64
	Offset            uint64
	Data              []byte
	Done              bool
	SenderID          NodeID
	Signature         []byte
}

type InstallSnapshotReply struct {
	Term      uint64
	SenderID  NodeID
	Signature []byte
}

// messageTypeRequestVote etc. name the ContentHash messageType field.
const (
	messageTypeRequestVote      = "RequestVote"
	messageTypeAppendEntries    = "AppendEntries"
	messageTypeInstallSnapshot  = "InstallSnapshot"
	messageTypeAppendEntriesAck = "AppendEntriesAck"
)
