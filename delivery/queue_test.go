package delivery_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hyperraft/ledger/delivery"
	"github.com/hyperraft/ledger/storage/memstore"
)

func TestEnqueueIsIdempotentOnDeliveryID(t *testing.T) {
	queue := delivery.NewQueue(memstore.NewDeliveryStore(), 4)
	d := delivery.Delivery{DeliveryID: "dup-1", WebhookID: "wh1", Attempt: 1, MaxAttempts: 3, ScheduledAt: time.Unix(0, 0)}
	require.NoError(t, queue.Enqueue(d))
	require.NoError(t, queue.Enqueue(d))

	rec, err := queue.Get("dup-1")
	require.NoError(t, err)
	require.Equal(t, "dup-1", rec.DeliveryID)
}

func TestPartitionAssignmentIsDeterministic(t *testing.T) {
	queue := delivery.NewQueue(memstore.NewDeliveryStore(), 8)
	p1 := queue.Partition("webhook-abc")
	p2 := queue.Partition("webhook-abc")
	require.Equal(t, p1, p2)
	require.GreaterOrEqual(t, p1, 0)
	require.Less(t, p1, 8)
}

func TestClaimIsInvisibleToOtherWorkersUntilLeaseExpires(t *testing.T) {
	queue := delivery.NewQueue(memstore.NewDeliveryStore(), 1)
	require.NoError(t, queue.Enqueue(delivery.Delivery{
		DeliveryID: "d1", WebhookID: "wh1", Attempt: 1, MaxAttempts: 3, ScheduledAt: time.Unix(0, 0),
	}))

	now := time.Unix(100, 0)
	_, err := queue.Claim("worker-a", 0, 5*time.Second, now)
	require.NoError(t, err)

	_, err = queue.Claim("worker-b", 0, 5*time.Second, now.Add(time.Second))
	require.Error(t, err)

	_, err = queue.Claim("worker-b", 0, 5*time.Second, now.Add(6*time.Second))
	require.NoError(t, err)
}
