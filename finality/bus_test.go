package finality_test

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/hyperraft/ledger/approval"
	"github.com/hyperraft/ledger/finality"
	"github.com/hyperraft/ledger/storage"
	"github.com/hyperraft/ledger/storage/memstore"
)

func TestPublishBlocksUntilSubscriberReceives(t *testing.T) {
	store := memstore.NewVoteStore()
	bus := finality.New(store, zerolog.Nop())
	sub := bus.Subscribe()
	defer sub.Close()

	done := make(chan struct{})
	go func() {
		bus.Publish(approval.ApprovalFinalized{ApprovalID: "a1", Status: approval.StatusApproved, FinalizedIndex: 5})
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("Publish returned before the subscriber received the event")
	case <-time.After(20 * time.Millisecond):
	}

	select {
	case e := <-sub.Events:
		require.Equal(t, "a1", e.ApprovalID)
	case <-time.After(time.Second):
		t.Fatal("subscriber never received the published event")
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish never returned after the subscriber received the event")
	}
}

func TestPublishWithNoSubscribersReturnsImmediately(t *testing.T) {
	store := memstore.NewVoteStore()
	bus := finality.New(store, zerolog.Nop())

	done := make(chan struct{})
	go func() {
		bus.Publish(approval.ApprovalFinalized{ApprovalID: "a1"})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked with zero subscribers")
	}
}

func TestReplayUnackedRepublishesFromStore(t *testing.T) {
	store := memstore.NewVoteStore()
	require.NoError(t, store.MarkFinalized(storage.FinalizedRecord{
		ApprovalID: "a1", Status: string(approval.StatusApproved), FinalizedIndex: 3,
	}))

	bus := finality.New(store, zerolog.Nop())
	sub := bus.Subscribe()
	defer sub.Close()

	replayDone := make(chan error, 1)
	go func() { replayDone <- bus.ReplayUnacked() }()

	select {
	case e := <-sub.Events:
		require.Equal(t, "a1", e.ApprovalID)
		require.Equal(t, approval.StatusApproved, e.Status)
		require.Equal(t, uint64(3), e.FinalizedIndex)
	case <-time.After(time.Second):
		t.Fatal("ReplayUnacked never delivered the unacked finalization")
	}

	require.NoError(t, <-replayDone)

	unacked, err := store.UnackedFinalized()
	require.NoError(t, err)
	require.Len(t, unacked, 1, "replay alone must not ack; only Subscription.Ack does")
}

func TestSubscriptionAckRemovesTheUnackedRecord(t *testing.T) {
	store := memstore.NewVoteStore()
	require.NoError(t, store.MarkFinalized(storage.FinalizedRecord{
		ApprovalID: "a1", Status: string(approval.StatusApproved), FinalizedIndex: 3,
	}))

	bus := finality.New(store, zerolog.Nop())
	sub := bus.Subscribe()
	defer sub.Close()

	go func() { _ = bus.ReplayUnacked() }()

	e := <-sub.Events
	sub.Ack(e)

	require.Eventually(t, func() bool {
		unacked, err := store.UnackedFinalized()
		return err == nil && len(unacked) == 0
	}, time.Second, 5*time.Millisecond)
}

func TestCloseStopsFurtherDeliveryToThatSubscriber(t *testing.T) {
	store := memstore.NewVoteStore()
	bus := finality.New(store, zerolog.Nop())
	sub := bus.Subscribe()
	sub.Close()

	done := make(chan struct{})
	go func() {
		bus.Publish(approval.ApprovalFinalized{ApprovalID: "a1"})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked waiting on a closed subscriber")
	}

	_, ok := <-sub.Events
	require.False(t, ok, "Events channel must be closed once unsubscribed")
}
