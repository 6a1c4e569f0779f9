package raft

import (
	"context"
	"encoding/binary"
	"sync"
	"time"
)

// electionLoop implements the Follower/Candidate timeout row of
// spec.md §4.1's state table: a randomised timer in
// [ElectionTimeoutMin, ElectionTimeoutMax] that, on expiry without an
// intervening heartbeat, starts a new election.
func (n *Node) electionLoop() {
	defer n.wg.Done()
	timeout := n.clk.RandomBetween(n.cfg.ElectionTimeoutMin, n.cfg.ElectionTimeoutMax)
	timer := n.clk.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-n.stopCh:
			return
		case <-timer.C():
			n.mu.Lock()
			role := n.role
			elapsed := n.clk.Now().Sub(n.lastHeartbeatSeen)
			n.mu.Unlock()
			if role != Leader && elapsed >= timeout {
				n.startElection()
			}
			timeout = n.clk.RandomBetween(n.cfg.ElectionTimeoutMin, n.cfg.ElectionTimeoutMax)
			timer.Reset(timeout)
		}
	}
}

// startElection transitions Follower|Candidate -> Candidate,
// increments currentTerm, votes for self, and broadcasts RequestVote
// to every peer in parallel (spec §4.1 table row 2).
func (n *Node) startElection() {
	n.mu.Lock()
	n.role = Candidate
	n.currentTerm++
	n.votedFor = n.id
	term := n.currentTerm
	lastIndex := n.lastIndex
	lastTerm := n.lastTerm
	n.lastHeartbeatSeen = n.clk.Now()
	n.mu.Unlock()

	n.logger.Info().Uint64("term", term).Msg("starting election")

	votes := 1 // self
	var mu sync.Mutex
	done := make(chan struct{})
	var once sync.Once

	for _, peer := range n.peers {
		peer := peer
		go func() {
			body := ContentHash(messageTypeRequestVote, term, n.id, requestVoteContent(lastIndex, lastTerm))
			sig, err := n.signer.Sign(body)
			if err != nil {
				return
			}
			msg := &RequestVote{
				Term:         term,
				CandidateID:  n.id,
				LastLogIndex: lastIndex,
				LastLogTerm:  lastTerm,
				SenderID:     n.id,
				Signature:    sig,
			}
			ctx, cancel := context.WithTimeout(context.Background(), n.cfg.ElectionTimeoutMin)
			defer cancel()
			reply, err := n.transport.SendRequestVote(ctx, peer, msg)
			if err != nil || reply == nil {
				return
			}
			if reply.Term > term {
				n.observeHigherTerm(reply.Term)
				return
			}
			if !reply.VoteGranted {
				return
			}
			mu.Lock()
			votes++
			count := votes
			mu.Unlock()
			if count*2 > len(n.peers)+1 {
				once.Do(func() { close(done) })
			}
		}()
	}

	// A single-node cluster (no peers) already has quorum with its own
	// vote; nothing will ever close done via the peer loop above.
	if votes*2 > len(n.peers)+1 {
		once.Do(func() { close(done) })
	}

	select {
	case <-done:
		n.becomeLeaderIfStillCandidate(term)
	case <-time.After(n.cfg.ElectionTimeoutMin):
		// no quorum this round; electionLoop will retry on next timeout.
	case <-n.stopCh:
	}
}

// HandleRequestVote processes an incoming RequestVote per spec.md
// §4.1: grants the vote iff the candidate's log is at least as
// up-to-date and this node has not already voted in the term.
// Unsigned or wrongly signed messages are discarded without state
// change (spec §6).
func (n *Node) HandleRequestVote(msg *RequestVote) *RequestVoteReply {
	body := ContentHash(messageTypeRequestVote, msg.Term, msg.SenderID, requestVoteContent(msg.LastLogIndex, msg.LastLogTerm))
	if !n.signer.Verify(body, msg.Signature, msg.SenderID) {
		return nil
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if msg.Term > n.currentTerm {
		n.stepDownLocked(msg.Term)
	}
	if msg.Term < n.currentTerm {
		return n.signedVoteReplyLocked(false)
	}

	upToDate := msg.LastLogTerm > n.lastTerm ||
		(msg.LastLogTerm == n.lastTerm && msg.LastLogIndex >= n.lastIndex)

	grant := (n.votedFor == "" || n.votedFor == msg.CandidateID) && upToDate
	if grant {
		n.votedFor = msg.CandidateID
		n.lastHeartbeatSeen = n.clk.Now()
	}
	return n.signedVoteReplyLocked(grant)
}

func (n *Node) signedVoteReplyLocked(granted bool) *RequestVoteReply {
	term := n.currentTerm
	body := ContentHash(messageTypeRequestVote, term, n.id, requestVoteReplyContent(granted))
	sig, _ := n.signer.Sign(body)
	return &RequestVoteReply{Term: term, VoteGranted: granted, SenderID: n.id, Signature: sig}
}

// requestVoteContent binds a RequestVote's signature to the candidate's
// log-freshness claim (spec §6), so a vote cannot be replayed for a
// different LastLogIndex/LastLogTerm than what was actually granted.
func requestVoteContent(lastLogIndex, lastLogTerm uint64) []byte {
	buf := make([]byte, 16)
	binary.BigEndian.PutUint64(buf[:8], lastLogIndex)
	binary.BigEndian.PutUint64(buf[8:], lastLogTerm)
	return buf
}

// requestVoteReplyContent binds a vote reply's signature to the actual
// grant decision, rather than leaving it tied only to term/senderID.
func requestVoteReplyContent(granted bool) []byte {
	if granted {
		return []byte{1}
	}
	return []byte{0}
}

// stepDownLocked implements spec.md §4.1's "any: entry with term >
// currentTerm observed -> Follower" transition. Caller must hold n.mu.
func (n *Node) stepDownLocked(term uint64) {
	n.currentTerm = term
	n.votedFor = ""
	if n.role != Follower {
		n.logger.Info().Uint64("term", term).Msg("stepping down to follower")
	}
	n.role = Follower
	n.leaderHint = ""
}

func (n *Node) observeHigherTerm(term uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if term > n.currentTerm {
		n.stepDownLocked(term)
	}
}

// becomeLeaderIfStillCandidate implements spec.md §4.1's "Candidate:
// majority votes -> Leader" transition: initializes nextIndex/
// matchIndex and emits a NoOp entry, then starts the heartbeat loop.
func (n *Node) becomeLeaderIfStillCandidate(term uint64) {
	n.mu.Lock()
	if n.role != Candidate || n.currentTerm != term {
		n.mu.Unlock()
		return
	}
	n.role = Leader
	n.leaderHint = n.id
	for _, p := range n.peers {
		n.nextIndex[p] = n.lastIndex + 1
		n.matchIndex[p] = 0
	}
	n.matchIndex[n.id] = n.lastIndex
	// A fresh term starts a fresh quorum: acks signed under a prior
	// leader's tenure say nothing about this one.
	n.signedAcks = make(map[uint64]map[NodeID][]byte)
	// The election's own majority vote seeds the lease so the leader
	// can propose (e.g. its NoOp) before the first heartbeat round
	// completes; replicateToFollowers renews it from then on.
	n.leaderLeaseAt = n.clk.Now()
	n.mu.Unlock()

	n.logger.Info().Uint64("term", term).Msg("elected leader")

	n.wg.Add(1)
	go n.heartbeatLoop(term)

	// Emit the leader's NoOp entry so followers observe fresh
	// leadership immediately (spec §4.1).
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), n.cfg.ElectionTimeoutMax)
		defer cancel()
		_, _, _ = n.Propose(ctx, nil, NoOp, "")
	}()
}
