package delivery_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/hyperraft/ledger/clock"
	"github.com/hyperraft/ledger/config"
	"github.com/hyperraft/ledger/delivery"
	"github.com/hyperraft/ledger/storage/memstore"
)

type testWebhooks struct{ secret []byte }

func (t testWebhooks) Webhook(id string) (delivery.Webhook, error) {
	return delivery.Webhook{WebhookID: id, Endpoint: "", Secret: t.secret}, nil
}

// TestWebhook500ThenDelivered covers Scenario D: attempt 1 gets a 500,
// is requeued with delay in [1.8s, 2.2s] and attempt=2; attempt 2
// succeeds and is Delivered with no further retries.
func TestWebhook500ThenDelivered(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := memstore.NewDeliveryStore()
	queue := delivery.NewQueue(store, 4)
	clk := clock.NewManual(time.Unix(0, 0))
	cfg := config.NewDefault("n1")
	webhooks := testWebhooks{secret: []byte("s3cr3t")}
	w := delivery.NewWorker("w1", queue, webhooks, clk, cfg, zerolog.Nop())

	require.NoError(t, queue.Enqueue(delivery.Delivery{
		DeliveryID: "d1", WebhookID: "wh1", EventID: "e1", Endpoint: srv.URL,
		Method: http.MethodPost, Body: []byte(`{"x":1}`), Attempt: 1, MaxAttempts: 3,
		ScheduledAt: clk.Now(),
	}))

	dispatched, err := w.ProcessOne(context.Background(), queue.Partition("wh1"))
	require.NoError(t, err)
	require.True(t, dispatched)

	rec, err := queue.Get("d1")
	require.NoError(t, err)
	require.Equal(t, 2, rec.Attempt)
	delay := rec.ScheduledAt.Sub(clk.Now())
	require.GreaterOrEqual(t, delay, 1800*time.Millisecond)
	require.LessOrEqual(t, delay, 2200*time.Millisecond)

	clk.Advance(delay)
	dispatched, err = w.ProcessOne(context.Background(), queue.Partition("wh1"))
	require.NoError(t, err)
	require.True(t, dispatched)

	rec, err = queue.Get("d1")
	require.NoError(t, err)
	require.Equal(t, delivery.StatusDelivered, rec.Status)
}

// TestDeadLetterAfterMaxAttempts covers Scenario E: three consecutive
// 500s against maxAttempts=3 dead-letters the delivery on the third
// failure.
func TestDeadLetterAfterMaxAttempts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	store := memstore.NewDeliveryStore()
	queue := delivery.NewQueue(store, 4)
	clk := clock.NewManual(time.Unix(0, 0))
	cfg := config.NewDefault("n1")
	webhooks := testWebhooks{secret: []byte("s3cr3t")}
	w := delivery.NewWorker("w1", queue, webhooks, clk, cfg, zerolog.Nop())

	require.NoError(t, queue.Enqueue(delivery.Delivery{
		DeliveryID: "d2", WebhookID: "wh2", EventID: "e2", Endpoint: srv.URL,
		Method: http.MethodPost, Body: []byte(`{}`), Attempt: 1, MaxAttempts: 3,
		ScheduledAt: clk.Now(),
	}))

	for i := 0; i < 3; i++ {
		dispatched, err := w.ProcessOne(context.Background(), queue.Partition("wh2"))
		require.NoError(t, err)
		require.True(t, dispatched)
		rec, err := queue.Get("d2")
		require.NoError(t, err)
		if rec.Status == delivery.StatusDeadLettered {
			break
		}
		clk.Advance(rec.ScheduledAt.Sub(clk.Now()))
	}

	rec, err := queue.Get("d2")
	require.NoError(t, err)
	require.Equal(t, delivery.StatusDeadLettered, rec.Status)
}
