package raft

// InstallSnapshot handling is intentionally thin: the core does not
// define a snapshot byte format (that belongs to the concrete
// LogStore/VoteStore pairing, per spec §1's "Persistence layout" being
// out of scope). This package handles the InstallSnapshot message shape
// spec.md §6 lists. It does not compact the log: storage.LogStore has
// no prefix-removal operation, so ReadCommitted returns ErrCompacted
// only when a LogStore's Read itself reports storage.ErrCompacted.

// SnapshotChunk is the completed snapshot payload handed to the
// receive callback once a chunked InstallSnapshot transfer completes.
type SnapshotChunk struct {
	LastIncludedIndex uint64
	LastIncludedTerm  uint64
	Data              []byte
}

// HandleInstallSnapshot processes an incoming InstallSnapshot chunk.
// On the final chunk (Done), it passes the snapshot to receive, removes
// every log entry after LastIncludedIndex, and raises commitIndex and
// lastIndex to LastIncludedIndex where they were lower. Entries up to
// LastIncludedIndex stay in the log and remain readable.
func (n *Node) HandleInstallSnapshot(msg *InstallSnapshot, receive func(SnapshotChunk) error) *InstallSnapshotReply {
	body := ContentHash(messageTypeInstallSnapshot, msg.Term, msg.SenderID, msg.Data)
	if !n.signer.Verify(body, msg.Signature, msg.SenderID) {
		return nil
	}

	n.mu.Lock()
	if msg.Term < n.currentTerm {
		term := n.currentTerm
		n.mu.Unlock()
		sig, _ := n.signer.Sign(ContentHash(messageTypeInstallSnapshot, term, n.id, nil))
		return &InstallSnapshotReply{Term: term, SenderID: n.id, Signature: sig}
	}
	if msg.Term > n.currentTerm {
		n.stepDownLocked(msg.Term)
	}
	n.leaderHint = msg.LeaderID
	n.lastHeartbeatSeen = n.clk.Now()
	term := n.currentTerm
	n.mu.Unlock()

	if msg.Done {
		if receive != nil {
			if err := receive(SnapshotChunk{
				LastIncludedIndex: msg.LastIncludedIndex,
				LastIncludedTerm:  msg.LastIncludedTerm,
				Data:              msg.Data,
			}); err != nil {
				n.onFatal(&FatalError{Reason: "install snapshot: " + err.Error()})
			}
		}
		if err := n.logStore.TruncateSuffixFrom(msg.LastIncludedIndex + 1); err == nil {
			n.mu.Lock()
			if msg.LastIncludedIndex > n.commitIndex {
				n.commitIndex = msg.LastIncludedIndex
			}
			if msg.LastIncludedIndex > n.lastIndex {
				n.lastIndex = msg.LastIncludedIndex
				n.lastTerm = msg.LastIncludedTerm
			}
			n.mu.Unlock()
		}
	}

	sig, _ := n.signer.Sign(ContentHash(messageTypeInstallSnapshot, term, n.id, nil))
	return &InstallSnapshotReply{Term: term, SenderID: n.id, Signature: sig}
}
