package approval

import (
	"errors"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"github.com/hyperraft/ledger/clock"
	"github.com/hyperraft/ledger/raft"
	"github.com/hyperraft/ledger/storage"
)

// ErrNotFound mirrors storage.ErrNotFound for GetApproval callers that
// should not need to import the storage package.
var ErrNotFound = storage.ErrNotFound

// ErrDuplicateCreate is returned (and logged, never surfaced as a
// commit failure) when an ApprovalCreate entry names an approvalID
// that was already created by an earlier committed entry (spec §4.2:
// "permitted only if no prior Create for this ID has been applied").
var ErrDuplicateCreate = errors.New("approval: duplicate ApprovalCreate for approvalID")

type pendingVotes struct {
	votes     map[string]VoteKind
	firstSeen time.Time
}

// Projector deterministically folds the committed log into the
// Approval view (spec §4.2) and emits ApprovalFinalized events on the
// Finality Bus exactly once per approval.
type Projector struct {
	mu        sync.Mutex
	store     storage.VoteStore
	pending   *lru.Cache[string, *pendingVotes]
	retention time.Duration
	clk       clock.Clock
	logger    zerolog.Logger
	onFinal   func(ApprovalFinalized)
}

// New constructs a Projector. onFinalized is invoked synchronously
// from Apply whenever an approval transitions out of Pending; callers
// publish it onto the Finality Bus (kept a direct call, not the bus
// itself, since the bus only carries already-finalized events to
// downstream subscribers per spec §4.3).
func New(store storage.VoteStore, cacheSize int, retention time.Duration, clk clock.Clock, logger zerolog.Logger, onFinalized func(ApprovalFinalized)) (*Projector, error) {
	cache, err := lru.New[string, *pendingVotes](cacheSize)
	if err != nil {
		return nil, err
	}
	return &Projector{
		store:     store,
		pending:   cache,
		retention: retention,
		clk:       clk,
		logger:    logger.With().Str("component", "approval-projector").Logger(),
		onFinal:   onFinalized,
	}, nil
}

// Apply folds one committed raft.LogEntry into the approval view. It
// must be invoked exactly once per committed index, in order (spec
// §4.2).
func (p *Projector) Apply(entry raft.LogEntry) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch entry.Kind {
	case raft.ApprovalCreate:
		return p.applyCreateLocked(entry)
	case raft.Vote:
		return p.applyVoteLocked(entry)
	default:
		// Command/NoOp entries carry no approval effect; the
		// projector still owns no state to advance here.
		return nil
	}
}

func (p *Projector) applyCreateLocked(entry raft.LogEntry) error {
	cmd, err := DecodeCreateCommand(entry.Payload)
	if err != nil {
		return err
	}
	if _, err := p.store.GetApproval(cmd.ApprovalID); err == nil {
		p.logger.Warn().Str("approvalId", cmd.ApprovalID).Msg("duplicate ApprovalCreate ignored")
		return ErrDuplicateCreate
	}

	rec := storage.ApprovalRecord{
		ApprovalID:     cmd.ApprovalID,
		Subject:        cmd.Subject,
		QuorumSize:     cmd.QuorumSize,
		FaultTolerance: cmd.FaultTolerance,
		Votes:          make(map[string]string),
		Status:         string(StatusPending),
		FirstSeenIndex: entry.Index,
	}

	// Apply any votes that arrived before this Create (spec §4.2 edge
	// case): last-write-wins per voter is already enforced by
	// pendingVotes.votes being a map.
	if pv, ok := p.pending.Get(cmd.ApprovalID); ok {
		for voter, vote := range pv.votes {
			rec.Votes[voter] = string(vote)
		}
		p.pending.Remove(cmd.ApprovalID)
	}

	a := recordToApproval(rec)
	newStatus := tally(&a)
	rec.Status = string(newStatus)
	if newStatus != StatusPending {
		rec.FinalizedIndex = entry.Index
	}

	if err := p.store.PutApproval(rec, entry.Index); err != nil {
		return err
	}
	if newStatus != StatusPending {
		p.emitFinalized(cmd.ApprovalID, newStatus, entry.Index)
	}
	return nil
}

func (p *Projector) applyVoteLocked(entry raft.LogEntry) error {
	cmd, err := DecodeVoteCommand(entry.Payload)
	if err != nil {
		return err
	}

	rec, err := p.store.GetApproval(cmd.ApprovalID)
	if err == storage.ErrNotFound {
		p.recordPendingLocked(cmd)
		// Watermark must still advance even though no approval
		// exists yet; PutApproval cannot be used without a record, so
		// the caller's overall apply-order index is tracked by the
		// projector's driving loop rather than here.
		return nil
	}
	if err != nil {
		return err
	}

	alreadyFinal := Status(rec.Status) != StatusPending
	if rec.Votes == nil {
		rec.Votes = make(map[string]string)
	}
	rec.Votes[cmd.VoterID] = string(cmd.Vote) // last-write-wins (spec §4.2)

	if alreadyFinal {
		// Recorded for audit; status and finalizedIndex do not change
		// (spec §4.2 edge case, invariant 4 Finality Stability).
		return p.store.PutApproval(rec, entry.Index)
	}

	a := recordToApproval(rec)
	newStatus := tally(&a)
	rec.Status = string(newStatus)
	if newStatus != StatusPending {
		rec.FinalizedIndex = entry.Index
	}
	if err := p.store.PutApproval(rec, entry.Index); err != nil {
		return err
	}
	if newStatus != StatusPending {
		p.emitFinalized(cmd.ApprovalID, newStatus, entry.Index)
	}
	return nil
}

func (p *Projector) recordPendingLocked(cmd VoteCommand) {
	pv, ok := p.pending.Get(cmd.ApprovalID)
	if !ok {
		pv = &pendingVotes{votes: make(map[string]VoteKind), firstSeen: p.clk.Now()}
		p.pending.Add(cmd.ApprovalID, pv)
	}
	pv.votes[cmd.VoterID] = cmd.Vote
}

// GCPending evicts pending-vote entries older than the retention
// window (spec §4.2: "If ApprovalCreate never arrives, pending votes
// are garbage-collected after a configured retention window").
func (p *Projector) GCPending() {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.clk.Now()
	for _, key := range p.pending.Keys() {
		pv, ok := p.pending.Peek(key)
		if !ok {
			continue
		}
		if now.Sub(pv.firstSeen) > p.retention {
			p.pending.Remove(key)
		}
	}
}

func (p *Projector) emitFinalized(approvalID string, status Status, index uint64) {
	if err := p.store.MarkFinalized(storage.FinalizedRecord{
		ApprovalID:     approvalID,
		Status:         string(status),
		FinalizedIndex: index,
	}); err != nil {
		p.logger.Error().Err(err).Str("approvalId", approvalID).Msg("failed to mark finalized record durable")
	}
	if p.onFinal != nil {
		p.onFinal(ApprovalFinalized{ApprovalID: approvalID, Status: status, FinalizedIndex: index})
	}
}

// GetApproval is a snapshot read consistent up to at least the last
// entry applied (spec §4.2).
func (p *Projector) GetApproval(approvalID string) (Approval, error) {
	rec, err := p.store.GetApproval(approvalID)
	if err != nil {
		return Approval{}, err
	}
	return recordToApproval(rec).clone(), nil
}

func recordToApproval(rec storage.ApprovalRecord) Approval {
	votes := make(map[string]VoteKind, len(rec.Votes))
	for k, v := range rec.Votes {
		votes[k] = VoteKind(v)
	}
	return Approval{
		ApprovalID:     rec.ApprovalID,
		Subject:        rec.Subject,
		QuorumSize:     rec.QuorumSize,
		FaultTolerance: rec.FaultTolerance,
		Votes:          votes,
		Status:         Status(rec.Status),
		FirstSeenIndex: rec.FirstSeenIndex,
		FinalizedIndex: rec.FinalizedIndex,
	}
}
