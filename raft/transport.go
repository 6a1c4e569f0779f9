package raft

import "context"

// Transport is the outbound half of the wire-level contract in
// spec.md §6: the node calls these to reach peers, and the concrete
// implementation (package transport) carries the bytes over gRPC.
// Transport-level framing, flow control, and serialization are out of
// the core's scope (spec §1); Node depends only on this interface.
type Transport interface {
	SendRequestVote(ctx context.Context, target NodeID, msg *RequestVote) (*RequestVoteReply, error)
	SendAppendEntries(ctx context.Context, target NodeID, msg *AppendEntries) (*AppendEntriesReply, error)
	SendInstallSnapshot(ctx context.Context, target NodeID, msg *InstallSnapshot) (*InstallSnapshotReply, error)
}
