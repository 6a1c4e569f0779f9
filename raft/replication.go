package raft

import (
	"bytes"
	"context"
	"encoding/binary"
	"time"

	"github.com/hyperraft/ledger/storage"
)

// heartbeatLoop drives the leader's AppendEntries cadence at
// cfg.HeartbeatInterval, which Config.Validate keeps at or below
// ElectionTimeoutMin/3 (spec §4.1), doubling
// as both heartbeat and replication: every tick re-sends whatever the
// follower is missing.
func (n *Node) heartbeatLoop(term uint64) {
	defer n.wg.Done()
	ticker := n.clk.NewTimer(n.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		n.mu.Lock()
		stillLeader := n.role == Leader && n.currentTerm == term
		n.mu.Unlock()
		if !stillLeader {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), n.cfg.HeartbeatInterval*2)
		n.replicateToFollowers(ctx)
		cancel()
		select {
		case <-n.stopCh:
			return
		case <-ticker.C():
			ticker.Reset(n.cfg.HeartbeatInterval)
		}
	}
}

// replicateToFollowers issues AppendEntries to every peer in parallel
// (spec §4.1 "Replication protocol"), applying the per-follower
// nextIndex backoff on log-consistency mismatch.
func (n *Node) replicateToFollowers(ctx context.Context) {
	n.mu.Lock()
	if n.role != Leader {
		n.mu.Unlock()
		return
	}
	term := n.currentTerm
	peers := append([]NodeID{}, n.peers...)
	n.mu.Unlock()

	acked := 1 // self
	for _, peer := range peers {
		peer := peer
		if n.replicateToOne(ctx, peer, term) {
			acked++
		}
	}

	n.mu.Lock()
	if acked*2 > len(n.peers)+1 {
		n.leaderLeaseAt = n.clk.Now()
	}
	n.mu.Unlock()

	n.tryAdvanceCommit()
}

// replicateToOne sends one AppendEntries to peer and reports whether
// peer acknowledged it, so the caller can track how recently a
// majority confirmed this node's leadership (spec §4.1's leadership
// freshness precondition on Propose).
func (n *Node) replicateToOne(ctx context.Context, peer NodeID, term uint64) bool {
	n.mu.Lock()
	next := n.nextIndex[peer]
	if next == 0 {
		next = 1
	}
	prevIndex := next - 1
	n.mu.Unlock()

	var prevTerm uint64
	if prevIndex > 0 {
		prevEntry, err := n.logStore.Read(prevIndex)
		if err != nil {
			return false
		}
		prevTerm = prevEntry.Term
	}

	n.mu.Lock()
	last := n.lastIndex
	commit := n.commitIndex
	n.mu.Unlock()

	var entries []LogEntry
	if last >= next {
		raw, err := n.logStore.ReadRange(next, last)
		if err != nil {
			return false
		}
		for _, e := range raw {
			entries = append(entries, toRaftEntry(e))
		}
	}

	msg := &AppendEntries{
		Term:         term,
		LeaderID:     n.id,
		PrevLogIndex: prevIndex,
		PrevLogTerm:  prevTerm,
		Entries:      entries,
		LeaderCommit: commit,
		SenderID:     n.id,
	}
	content, err := appendEntriesContent(msg)
	if err != nil {
		return false
	}
	sig, err := n.signer.Sign(ContentHash(messageTypeAppendEntries, term, n.id, content))
	if err != nil {
		return false
	}
	msg.Signature = sig

	reply, err := n.transport.SendAppendEntries(ctx, peer, msg)
	if err != nil || reply == nil {
		return false
	}

	if reply.Term > term {
		n.observeHigherTerm(reply.Term)
		return false
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.role != Leader || n.currentTerm != term {
		return false
	}
	if !reply.Success {
		if n.nextIndex[peer] > 1 {
			n.nextIndex[peer]--
		}
		return false
	}
	n.matchIndex[peer] = reply.MatchIndex
	n.nextIndex[peer] = reply.MatchIndex + 1
	if len(reply.SignedAck) > 0 {
		// Only credit this ack toward quorum if it binds to the same
		// entry content this leader actually holds at MatchIndex —
		// a Byzantine leader's divergent payloads for the same
		// (index, term) can never both verify here (spec §8 Scenario F).
		ackBody := ContentHash(messageTypeAppendEntriesAck, term, peer, n.entryContentLocked(reply.MatchIndex))
		if n.signer.Verify(ackBody, reply.SignedAck, peer) {
			if n.signedAcks[reply.MatchIndex] == nil {
				n.signedAcks[reply.MatchIndex] = make(map[NodeID][]byte)
			}
			n.signedAcks[reply.MatchIndex][peer] = reply.SignedAck
		}
	}
	return true
}

// appendEntriesContent binds an AppendEntries signature to the actual
// replication content (spec §6): PrevLogIndex/PrevLogTerm/LeaderCommit
// plus every entry's encoded bytes, so two messages for the same
// (index, term) with different entries can never share a signature.
func appendEntriesContent(msg *AppendEntries) ([]byte, error) {
	var buf bytes.Buffer
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], msg.PrevLogIndex)
	buf.Write(b[:])
	binary.BigEndian.PutUint64(b[:], msg.PrevLogTerm)
	buf.Write(b[:])
	binary.BigEndian.PutUint64(b[:], msg.LeaderCommit)
	buf.Write(b[:])
	for _, e := range msg.Entries {
		encoded, err := EncodeLogEntry(e)
		if err != nil {
			return nil, err
		}
		buf.Write(encoded)
	}
	return buf.Bytes(), nil
}

// entryContentLocked returns the encoded entry at index from this
// node's own log, or nil for index 0 (no entry yet). Caller must hold
// n.mu.
func (n *Node) entryContentLocked(index uint64) []byte {
	if index == 0 {
		return nil
	}
	entry, err := n.logStore.Read(index)
	if err != nil {
		return nil
	}
	encoded, err := EncodeLogEntry(toRaftEntry(entry))
	if err != nil {
		return nil
	}
	return encoded
}

// tryAdvanceCommit implements spec.md §4.1's commit rule: the highest
// index I such that (i) log[I].term == currentTerm, (ii) a majority of
// matchIndex >= I, and (iii) at least N-f distinct signed acks for
// (I, term) are present.
func (n *Node) tryAdvanceCommit() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.role != Leader {
		return
	}
	n3 := len(n.peers) + 1
	majority := n3/2 + 1
	requiredAcks := n3 - n.cfg.FaultTolerance
	if requiredAcks < 1 {
		requiredAcks = 1
	}

	for idx := n.lastIndex; idx > n.commitIndex; idx-- {
		entry, err := n.logStore.Read(idx)
		if err != nil {
			continue
		}
		if entry.Term != n.currentTerm {
			continue
		}
		count := 0
		for _, mi := range n.matchIndex {
			if mi >= idx {
				count++
			}
		}
		if count < majority {
			continue
		}
		acks := len(n.signedAcks[idx]) + 1 // leader implicitly acks its own entry
		if acks < requiredAcks {
			continue
		}
		n.advanceCommitLocked(idx)
		return
	}
}

func (n *Node) advanceCommitLocked(newCommit uint64) {
	prev := n.commitIndex
	n.commitIndex = newCommit
	for i := prev + 1; i <= newCommit; i++ {
		entry, err := n.logStore.Read(i)
		if err != nil {
			continue
		}
		go n.notifySubscribers(CommitEvent{Index: i, Entry: toRaftEntry(entry), Committed: true})
	}
}

// HandleAppendEntries processes an incoming AppendEntries per
// spec.md §4.1. Unsigned or wrongly signed messages are discarded
// without state change (spec §6).
func (n *Node) HandleAppendEntries(msg *AppendEntries) *AppendEntriesReply {
	content, err := appendEntriesContent(msg)
	if err != nil {
		return nil
	}
	body := ContentHash(messageTypeAppendEntries, msg.Term, msg.SenderID, content)
	if !n.signer.Verify(body, msg.Signature, msg.SenderID) {
		return nil
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if msg.Term < n.currentTerm {
		return n.appendEntriesReplyLocked(false, 0)
	}
	if msg.Term > n.currentTerm || n.role == Candidate {
		n.stepDownLocked(msg.Term)
	}
	n.leaderHint = msg.LeaderID
	n.lastHeartbeatSeen = n.clk.Now()

	if msg.PrevLogIndex > 0 {
		prevEntry, err := n.logStore.Read(msg.PrevLogIndex)
		if err != nil || prevEntry.Term != msg.PrevLogTerm {
			return n.appendEntriesReplyLocked(false, 0)
		}
	}

	storageEntries := make([]storage.LogEntry, 0, len(msg.Entries))
	for _, e := range msg.Entries {
		storageEntries = append(storageEntries, fromRaftEntry(e))
	}
	if len(storageEntries) > 0 {
		// Log Matching invariant: truncate any conflicting suffix
		// before appending (spec.md §8 invariant 1).
		first := storageEntries[0]
		existing, err := n.logStore.Read(first.Index)
		if err == nil && existing.Term != first.Term {
			if err := n.logStore.TruncateSuffixFrom(first.Index); err != nil {
				n.onFatal(&FatalError{Reason: "truncate suffix: " + err.Error()})
				return n.appendEntriesReplyLocked(false, 0)
			}
		}
		if err := n.logStore.Append(storageEntries); err != nil {
			n.onFatal(&FatalError{Reason: "append: " + err.Error()})
			return n.appendEntriesReplyLocked(false, 0)
		}
		last := storageEntries[len(storageEntries)-1]
		n.lastIndex = last.Index
		n.lastTerm = last.Term
		for _, e := range storageEntries {
			go n.notifySubscribers(CommitEvent{Index: e.Index, Entry: toRaftEntry(e), Committed: false})
		}
	}

	if msg.LeaderCommit > n.commitIndex {
		newCommit := msg.LeaderCommit
		if newCommit > n.lastIndex {
			newCommit = n.lastIndex
		}
		n.advanceCommitLocked(newCommit)
	}

	matchIndex := n.lastIndex
	if len(msg.Entries) == 0 && msg.PrevLogIndex > n.lastIndex {
		matchIndex = n.lastIndex
	}
	return n.appendEntriesReplyLocked(true, matchIndex)
}

func (n *Node) appendEntriesReplyLocked(success bool, matchIndex uint64) *AppendEntriesReply {
	term := n.currentTerm
	var signedAck []byte
	if success {
		ackBody := ContentHash(messageTypeAppendEntriesAck, term, n.id, n.entryContentLocked(matchIndex))
		signedAck, _ = n.signer.Sign(ackBody)
	}
	body := ContentHash(messageTypeAppendEntries, term, n.id, nil)
	sig, _ := n.signer.Sign(body)
	return &AppendEntriesReply{
		Term:       term,
		Success:    success,
		MatchIndex: matchIndex,
		SignedAck:  signedAck,
		SenderID:   n.id,
		Signature:  sig,
	}
}

// HeartbeatPeriod returns floor(electionTimeoutMin/3), the heartbeat
// cadence that pairs with a given minimum election timeout. Nothing in
// this module calls it.
func HeartbeatPeriod(electionTimeoutMin time.Duration) time.Duration {
	return electionTimeoutMin / 3
}
