package delivery

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/hyperraft/ledger/clock"
	"github.com/hyperraft/ledger/config"
	"github.com/hyperraft/ledger/storage"
)

// WebhookLookup resolves a webhookID to its endpoint and signing
// secret. Implementations typically wrap a small static registry or
// the admin API's webhook configuration store.
type WebhookLookup interface {
	Webhook(webhookID string) (Webhook, error)
}

// Worker implements the Delivery Worker dispatch algorithm (spec.md
// §4.5) for one partition at a time.
type Worker struct {
	id         string
	queue      *Queue
	webhooks   WebhookLookup
	httpClient *http.Client
	clk        clock.Clock
	cfg        *config.Config
	logger     zerolog.Logger
}

// NewWorker constructs a Worker identified by id, dispatching claims
// from queue and resolving webhook endpoints/secrets via webhooks.
func NewWorker(id string, queue *Queue, webhooks WebhookLookup, clk clock.Clock, cfg *config.Config, logger zerolog.Logger) *Worker {
	transport := &http.Transport{
		DialContext: (&net.Dialer{Timeout: cfg.DeliveryConnectTimeout}).DialContext,
	}
	return &Worker{
		id:         id,
		queue:      queue,
		webhooks:   webhooks,
		httpClient: &http.Client{Transport: transport},
		clk:        clk,
		cfg:        cfg,
		logger:     logger.With().Str("component", "delivery-worker").Str("workerId", id).Logger(),
	}
}

// leaseDuration is 2×connectTimeout + requestTimeout + slack (spec
// §4.5 step 1), sized against the slower of the two request timeouts
// so a POST dispatch never outlives its own lease.
func (w *Worker) leaseDuration() time.Duration {
	return 2*w.cfg.DeliveryConnectTimeout + w.cfg.DeliveryPOSTTimeout + w.cfg.DeliveryDefaultLeaseExt
}

// Run loops claiming and dispatching from partition until ctx is
// cancelled, sleeping idlePoll between empty claims (bounded wait, not
// a busy poll, per spec §5 "Suspension points").
func (w *Worker) Run(ctx context.Context, partition int, idlePoll time.Duration) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		dispatched, err := w.ProcessOne(ctx, partition)
		if err != nil {
			w.logger.Error().Err(err).Int("partition", partition).Msg("claim failed")
		}
		if !dispatched {
			select {
			case <-ctx.Done():
				return
			case <-w.clk.NewTimer(idlePoll).C():
			}
		}
	}
}

// ProcessOne claims at most one Delivery from partition and dispatches
// it. It reports whether a Delivery was claimed.
func (w *Worker) ProcessOne(ctx context.Context, partition int) (bool, error) {
	d, err := w.queue.Claim(w.id, partition, w.leaseDuration(), w.clk.Now())
	if err == storage.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	w.dispatch(ctx, d)
	return true, nil
}

func (w *Worker) dispatch(ctx context.Context, d Delivery) {
	wh, err := w.webhooks.Webhook(d.WebhookID)
	if err != nil {
		w.retryOrDeadLetter(d, fmt.Sprintf("webhook lookup failed: %v", err))
		return
	}

	method := d.Method
	if method == "" {
		method = http.MethodPost
	}
	timeout := w.cfg.DeliveryNonPOSTTimeout
	if method == http.MethodPost {
		timeout = w.cfg.DeliveryPOSTTimeout
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, method, d.Endpoint, bytes.NewReader(d.Body))
	if err != nil {
		// A malformed endpoint will never become well-formed on retry.
		_ = w.queue.Ack(d.DeliveryID, StatusDeadLettered, fmt.Sprintf("invalid request: %v", err), 0)
		return
	}
	sig := Sign(wh.Secret, d.Body)
	req.Header.Set("X-Webhook-ID", d.WebhookID)
	req.Header.Set("X-Event-ID", d.EventID)
	req.Header.Set("X-Delivery-ID", d.DeliveryID)
	req.Header.Set("X-Signature", "sha256="+sig)
	req.Header.Set("X-Attempt", strconv.Itoa(d.Attempt))

	start := w.clk.Now()
	resp, err := w.httpClient.Do(req)
	latency := w.clk.Now().Sub(start).Milliseconds()
	if err != nil {
		w.retryOrDeadLetter(d, err.Error())
		return
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		_ = w.queue.Ack(d.DeliveryID, StatusDelivered, "", latency)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		w.retryOrDeadLetter(d, fmt.Sprintf("http %d", resp.StatusCode))
	default:
		_ = w.queue.Ack(d.DeliveryID, StatusDeadLettered, fmt.Sprintf("non-retryable http %d", resp.StatusCode), latency)
	}
}

// retryOrDeadLetter implements spec.md §4.5 step 5.
func (w *Worker) retryOrDeadLetter(d Delivery, lastErr string) {
	if d.Attempt >= d.MaxAttempts {
		if err := w.queue.Ack(d.DeliveryID, StatusDeadLettered, lastErr, 0); err != nil {
			w.logger.Error().Err(err).Str("deliveryId", d.DeliveryID).Msg("failed to dead-letter delivery")
		}
		return
	}
	delay := backoffDelay(d.Attempt, w.cfg.DeliveryBackoffCap, w.cfg.DeliveryBackoffJitter, w.clk)
	if err := w.queue.Requeue(d.DeliveryID, delay, w.clk.Now(), lastErr); err != nil {
		w.logger.Error().Err(err).Str("deliveryId", d.DeliveryID).Msg("failed to requeue delivery")
	}
}

// backoffDelay computes min(cap, 2^attempt seconds) with ±jitterPct
// jitter (spec §4.5 step 5, §8 boundary behaviour: attempt ≥ 9 yields
// exactly the cap).
func backoffDelay(attempt int, cap time.Duration, jitterPct float64, clk clock.Clock) time.Duration {
	base := time.Duration(1) << uint(attempt) * time.Second
	if base <= 0 || base >= cap {
		// Once the cap binds, the delay is exactly the cap: no jitter
		// headroom left to apply (spec §8 boundary: attempt ≥ 9 yields
		// exactly 300s).
		return cap
	}
	if jitterPct <= 0 {
		return base
	}
	lo := time.Duration(float64(base) * (1 - jitterPct))
	hi := time.Duration(float64(base) * (1 + jitterPct))
	return clk.RandomBetween(lo, hi)
}
