// Package finality implements the Finality Bus (spec.md §4.3): an
// in-process, backpressure-blocking publish/subscribe channel that
// carries ApprovalFinalized events from the State Projector to
// downstream consumers such as the Delivery Queue, and replays any
// unacknowledged finalizations on restart.
package finality

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/hyperraft/ledger/approval"
	"github.com/hyperraft/ledger/storage"
)

// Subscription is a handle returned by Subscribe; call Ack once an
// event has been durably handed off downstream, and Close to stop
// receiving further events.
type Subscription struct {
	Events <-chan approval.ApprovalFinalized
	ack    func(approval.ApprovalFinalized)
	close  func()
}

// Ack marks an event as durably consumed so it will not be replayed
// on restart (spec §4.3).
func (s *Subscription) Ack(e approval.ApprovalFinalized) { s.ack(e) }

// Close unsubscribes. It does not drain or close the Events channel
// from the caller's side; the bus closes it once fully unregistered.
func (s *Subscription) Close() { s.close() }

type subscriber struct {
	ch chan approval.ApprovalFinalized
}

// Bus is a single-producer, multiple-subscriber event channel.
// Publish blocks until every live subscriber has accepted the event
// (spec §4.3: "never drops an event under backpressure; it blocks the
// publisher instead").
type Bus struct {
	mu     sync.Mutex
	subs   map[int]*subscriber
	nextID int
	store  storage.VoteStore
	logger zerolog.Logger
}

// New constructs a Bus backed by store for unacked-finalization
// bookkeeping (storage.VoteStore.UnackedFinalized / MarkFinalized /
// AckFinalized, already durable per the projector's writes).
func New(store storage.VoteStore, logger zerolog.Logger) *Bus {
	return &Bus{
		subs:   make(map[int]*subscriber),
		store:  store,
		logger: logger.With().Str("component", "finality-bus").Logger(),
	}
}

// Subscribe registers a new consumer. The channel is unbuffered so
// that Publish's blocking semantics apply uniformly to every
// subscriber, regardless of buffering choices made elsewhere.
func (b *Bus) Subscribe() *Subscription {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	sub := &subscriber{ch: make(chan approval.ApprovalFinalized)}
	b.subs[id] = sub
	b.mu.Unlock()

	return &Subscription{
		Events: sub.ch,
		ack: func(e approval.ApprovalFinalized) {
			if err := b.store.AckFinalized(e.ApprovalID, e.FinalizedIndex); err != nil {
				b.logger.Error().Err(err).Str("approvalId", e.ApprovalID).Msg("failed to ack finalized record")
			}
		},
		close: func() {
			b.mu.Lock()
			delete(b.subs, id)
			close(sub.ch)
			b.mu.Unlock()
		},
	}
}

// Publish delivers e to every current subscriber, blocking until each
// has accepted it. Intended to be called from the Projector's
// onFinalized callback, on the same goroutine that drives Apply, so
// commit order is preserved end to end.
func (b *Bus) Publish(e approval.ApprovalFinalized) {
	b.mu.Lock()
	targets := make([]*subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		targets = append(targets, s)
	}
	b.mu.Unlock()

	for _, s := range targets {
		s.ch <- e
	}
}

// ReplayUnacked re-publishes every finalization the store recorded as
// finalized but not yet acked, in the order the store returns them
// (ApprovalID key order for the goleveldb store, unspecified for the
// in-memory store). Call once at startup, before the Projector resumes applying
// new entries, so a consumer that crashed mid-delivery observes the
// event again (spec §4.3, at-least-once restart semantics).
func (b *Bus) ReplayUnacked() error {
	unacked, err := b.store.UnackedFinalized()
	if err != nil {
		return err
	}
	for _, rec := range unacked {
		b.logger.Info().Str("approvalId", rec.ApprovalID).Msg("replaying unacknowledged finalization")
		b.Publish(approval.ApprovalFinalized{
			ApprovalID:     rec.ApprovalID,
			Status:         approval.Status(rec.Status),
			FinalizedIndex: rec.FinalizedIndex,
		})
	}
	return nil
}
