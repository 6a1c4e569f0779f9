package raft

import (
	"context"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"github.com/hyperraft/ledger/clock"
	"github.com/hyperraft/ledger/config"
	"github.com/hyperraft/ledger/storage"
)

// FatalFunc is invoked when the node hits a spec §7 Fatal condition.
// It defaults to panicking the calling goroutine after logging, but
// tests may substitute a function that merely records the call.
type FatalFunc func(err *FatalError)

type proposeResult struct {
	index uint64
	term  uint64
}

// Node is a single HyperRAFT++ participant: the Log Replicator of
// spec.md §4.1, generalized from the teacher's per-instance ballot
// loop (consensus/scope.go) to a single replicated log driven by one
// node-wide state machine.
type Node struct {
	id        NodeID
	cfg       *config.Config
	logStore  storage.LogStore
	signer    Signer
	clk       clock.Clock
	transport Transport
	peers     []NodeID
	logger    zerolog.Logger
	onFatal   FatalFunc

	mu          sync.Mutex
	role        Role
	currentTerm uint64
	votedFor    NodeID
	commitIndex uint64
	lastApplied uint64
	leaderHint  NodeID
	lastIndex   uint64
	lastTerm    uint64

	nextIndex  map[NodeID]uint64
	matchIndex map[NodeID]uint64
	// signedAcks[index] holds the distinct signed acks collected for
	// that index in the current leader term, satisfying the N-f
	// Byzantine commit rule (spec §4.1).
	signedAcks map[uint64]map[NodeID][]byte

	lastHeartbeatSeen time.Time
	// leaderLeaseAt is the last time this node confirmed leadership
	// over a majority of the cluster: either by winning the election
	// that made it leader, or by a heartbeat round in which a
	// majority of peers acknowledged AppendEntries (spec §4.1's
	// "leadership is fresh" precondition on Propose).
	leaderLeaseAt time.Time

	subsMu      sync.Mutex
	subscribers []*subscription

	dedup *lru.Cache[string, proposeResult]

	stopped    bool
	stopCh     chan struct{}
	wg         sync.WaitGroup
	electionC  chan struct{} // not read or written; electionLoop resets its own timer
}

type subscription struct {
	ch     chan CommitEvent
	mu     sync.Mutex
	closed bool
}

func (s *subscription) send(ev CommitEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.ch <- ev // Finality Bus-style backpressure: block, never drop (spec §4.3 applies the same rule to Subscribe consumers).
}

func (s *subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// New constructs a Node in the Follower role. Call Start to begin the
// election/heartbeat/replication loops.
func New(id NodeID, peers []NodeID, cfg *config.Config, logStore storage.LogStore, signer Signer, clk clock.Clock, transport Transport, logger zerolog.Logger) (*Node, error) {
	cache, err := lru.New[string, proposeResult](4096)
	if err != nil {
		return nil, err
	}
	n := &Node{
		id:         id,
		cfg:        cfg,
		logStore:   logStore,
		signer:     signer,
		clk:        clk,
		transport:  transport,
		peers:      peers,
		logger:     logger.With().Str("component", "raft").Str("node", string(id)).Logger(),
		role:       Follower,
		nextIndex:  make(map[NodeID]uint64),
		matchIndex: make(map[NodeID]uint64),
		signedAcks: make(map[uint64]map[NodeID][]byte),
		dedup:      cache,
		stopCh:     make(chan struct{}),
	}
	n.onFatal = n.defaultFatal

	lastIdx, lastTerm, err := logStore.LastIndexTerm()
	if err != nil {
		return nil, err
	}
	n.lastIndex = lastIdx
	n.lastTerm = lastTerm
	return n, nil
}

// SetFatalFunc overrides the Fatal-error handler, letting tests observe
// invariant violations without the process exiting.
func (n *Node) SetFatalFunc(f FatalFunc) { n.onFatal = f }

func (n *Node) defaultFatal(err *FatalError) {
	n.logger.Error().Err(err).Msg("fatal invariant violation, refusing further writes")
	panic(err)
}

// Start launches the election timer and heartbeat loop goroutines.
func (n *Node) Start() {
	n.wg.Add(1)
	go n.electionLoop()
}

// Stop halts all loops and closes every subscriber channel.
func (n *Node) Stop() {
	n.mu.Lock()
	if n.stopped {
		n.mu.Unlock()
		return
	}
	n.stopped = true
	n.mu.Unlock()
	close(n.stopCh)
	n.wg.Wait()

	n.subsMu.Lock()
	for _, s := range n.subscribers {
		s.close()
	}
	n.subscribers = nil
	n.subsMu.Unlock()
}

// Role returns the node's current role.
func (n *Node) Role() Role {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.role
}

// CurrentTerm returns the node's current term.
func (n *Node) CurrentTerm() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.currentTerm
}

// CommitIndex returns the highest committed index.
func (n *Node) CommitIndex() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.commitIndex
}

// Subscribe returns a stream of (index, entry, committed) events for
// every entry this node appends, restartable from any index still
// retained (spec §4.1). The returned channel must be drained; a slow
// consumer blocks further delivery to apply backpressure rather than
// dropping events.
func (n *Node) Subscribe(fromIndex uint64) (<-chan CommitEvent, func()) {
	sub := &subscription{ch: make(chan CommitEvent, 64)}
	n.subsMu.Lock()
	n.subscribers = append(n.subscribers, sub)
	n.subsMu.Unlock()

	go n.replaySubscriber(sub, fromIndex)

	cancel := func() {
		n.subsMu.Lock()
		defer n.subsMu.Unlock()
		for i, s := range n.subscribers {
			if s == sub {
				n.subscribers = append(n.subscribers[:i], n.subscribers[i+1:]...)
				break
			}
		}
		sub.close()
	}
	return sub.ch, cancel
}

func (n *Node) replaySubscriber(sub *subscription, fromIndex uint64) {
	n.mu.Lock()
	last := n.lastIndex
	committed := n.commitIndex
	n.mu.Unlock()
	if fromIndex == 0 {
		fromIndex = 1
	}
	for i := fromIndex; i <= last; i++ {
		entry, err := n.logStore.Read(i)
		if err != nil {
			return
		}
		sub.send(CommitEvent{Index: i, Entry: entry, Committed: false})
		if i <= committed {
			sub.send(CommitEvent{Index: i, Entry: entry, Committed: true})
		}
	}
}

func (n *Node) notifySubscribers(ev CommitEvent) {
	n.subsMu.Lock()
	subs := make([]*subscription, len(n.subscribers))
	copy(subs, n.subscribers)
	n.subsMu.Unlock()
	for _, s := range subs {
		s.send(ev)
	}
}

// ReadCommitted returns the entry at index if it has been committed.
func (n *Node) ReadCommitted(index uint64) (LogEntry, error) {
	n.mu.Lock()
	committed := n.commitIndex
	n.mu.Unlock()
	if index > committed {
		return LogEntry{}, ErrNotYetCommitted
	}
	entry, err := n.logStore.Read(index)
	if err == storage.ErrCompacted {
		return LogEntry{}, ErrCompacted
	}
	if err != nil {
		return LogEntry{}, err
	}
	return LogEntry{
		Index:           entry.Index,
		Term:            entry.Term,
		Kind:            EntryKind(entry.Kind),
		Payload:         entry.Payload,
		ClientRequestID: entry.ClientRequestID,
	}, nil
}

// Propose appends payload as a new log entry if this node is a fresh
// leader, replicates it, and blocks until it commits or ctx's deadline
// elapses. It is idempotent in clientRequestID (spec §4.1).
func (n *Node) Propose(ctx context.Context, payload []byte, kind EntryKind, clientRequestID string) (index uint64, term uint64, err error) {
	if clientRequestID != "" {
		if res, ok := n.dedup.Get(clientRequestID); ok {
			return res.index, res.term, nil
		}
	}

	n.mu.Lock()
	if n.role != Leader {
		hint := n.leaderHint
		n.mu.Unlock()
		return 0, 0, &NotLeaderError{Hint: hint}
	}
	if !n.leadershipFreshLocked() {
		n.mu.Unlock()
		return 0, 0, &NotLeaderError{Hint: n.id}
	}
	entryIndex := n.lastIndex + 1
	entryTerm := n.currentTerm
	entry := storage.LogEntry{
		Index:           entryIndex,
		Term:            entryTerm,
		Kind:            uint8(kind),
		Payload:         payload,
		ClientRequestID: clientRequestID,
	}
	if err := n.logStore.Append([]storage.LogEntry{entry}); err != nil {
		n.mu.Unlock()
		return 0, 0, fmt.Errorf("raft: append failed: %w", err)
	}
	n.lastIndex = entryIndex
	n.lastTerm = entryTerm
	n.matchIndex[n.id] = entryIndex
	n.mu.Unlock()

	n.notifySubscribers(CommitEvent{Index: entryIndex, Entry: toRaftEntry(entry), Committed: false})
	n.replicateToFollowers(ctx)

	if clientRequestID != "" {
		n.dedup.Add(clientRequestID, proposeResult{index: entryIndex, term: entryTerm})
	}

	if err := n.waitForCommit(ctx, entryIndex); err != nil {
		return 0, 0, err
	}
	return entryIndex, entryTerm, nil
}

func (n *Node) waitForCommit(ctx context.Context, index uint64) error {
	poll := n.clk.NewTimer(5 * time.Millisecond)
	defer poll.Stop()
	for {
		n.mu.Lock()
		committed := n.commitIndex >= index
		stillLeader := n.role == Leader
		n.mu.Unlock()
		if committed {
			return nil
		}
		if !stillLeader {
			return &QuorumUnavailableError{Index: index}
		}
		select {
		case <-ctx.Done():
			return ErrTimeout
		case <-n.stopCh:
			return ErrTimeout
		case <-poll.C():
			poll.Reset(5 * time.Millisecond)
		}
	}
}

func (n *Node) leadershipFreshLocked() bool {
	return n.role == Leader && n.clk.Now().Sub(n.leaderLeaseAt) < n.cfg.ElectionTimeoutMin
}

func toRaftEntry(e storage.LogEntry) LogEntry {
	return LogEntry{Index: e.Index, Term: e.Term, Kind: EntryKind(e.Kind), Payload: e.Payload, ClientRequestID: e.ClientRequestID}
}

func fromRaftEntry(e LogEntry) storage.LogEntry {
	return storage.LogEntry{Index: e.Index, Term: e.Term, Kind: uint8(e.Kind), Payload: e.Payload, ClientRequestID: e.ClientRequestID}
}
