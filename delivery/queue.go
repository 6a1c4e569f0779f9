package delivery

import (
	"hash/fnv"
	"time"

	"github.com/hyperraft/ledger/storage"
)

// Queue is the Delivery Queue (spec.md §4.4): a thin, partition-aware
// facade over a storage.DeliveryStore. Partition assignment and
// per-partition sequencing live here so every producer (the Finality
// Bus consumer, retries issued by the Worker) goes through one place.
type Queue struct {
	store      storage.DeliveryStore
	partitions int
}

// NewQueue constructs a Queue with partitions partitions, backed by
// store.
func NewQueue(store storage.DeliveryStore, partitions int) *Queue {
	if partitions < 1 {
		partitions = 1
	}
	return &Queue{store: store, partitions: partitions}
}

// Partition returns hash(webhookID) mod P (spec §4.4).
func (q *Queue) Partition(webhookID string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(webhookID))
	return int(h.Sum32() % uint32(q.partitions))
}

// Partitions returns the configured partition count P.
func (q *Queue) Partitions() int { return q.partitions }

// Enqueue persists a new Delivery at the first-attempt time the caller
// set in d.ScheduledAt; idempotent on DeliveryID (spec §4.4).
func (q *Queue) Enqueue(d Delivery) error {
	d.Partition = q.Partition(d.WebhookID)
	if d.Status == "" {
		d.Status = StatusPending
	}
	return q.store.Enqueue(toRecord(d))
}

// Claim leases the oldest claimable record in partition to workerID,
// or storage.ErrNotFound if the partition has nothing claimable right
// now (spec §4.4).
func (q *Queue) Claim(workerID string, partition int, leaseDuration time.Duration, now time.Time) (Delivery, error) {
	rec, err := q.store.Claim(workerID, partition, leaseDuration, now)
	if err != nil {
		return Delivery{}, err
	}
	return fromRecord(rec), nil
}

// Ack finalizes deliveryID to Delivered or DeadLettered (spec §4.4).
func (q *Queue) Ack(deliveryID string, status Status, lastError string, latencyMillis int64) error {
	return q.store.Ack(deliveryID, string(status), lastError, latencyMillis)
}

// Requeue returns deliveryID to its partition at now+delay with
// attempt incremented (spec §4.4).
func (q *Queue) Requeue(deliveryID string, delay time.Duration, now time.Time, lastError string) error {
	return q.store.Requeue(deliveryID, delay, now, lastError)
}

// Get returns the current record for deliveryID.
func (q *Queue) Get(deliveryID string) (Delivery, error) {
	rec, err := q.store.Get(deliveryID)
	if err != nil {
		return Delivery{}, err
	}
	return fromRecord(rec), nil
}

// ListDeadLettered returns every DeadLettered Delivery (operator read,
// spec §4.4 DLQ).
func (q *Queue) ListDeadLettered() ([]Delivery, error) {
	recs, err := q.store.ListDeadLettered()
	if err != nil {
		return nil, err
	}
	out := make([]Delivery, len(recs))
	for i, r := range recs {
		out[i] = fromRecord(r)
	}
	return out, nil
}

func toRecord(d Delivery) storage.DeliveryRecord {
	return storage.DeliveryRecord{
		DeliveryID:            d.DeliveryID,
		WebhookID:             d.WebhookID,
		EventID:               d.EventID,
		Endpoint:              d.Endpoint,
		Method:                d.Method,
		Body:                  d.Body,
		Attempt:               d.Attempt,
		MaxAttempts:           d.MaxAttempts,
		ScheduledAt:           d.ScheduledAt,
		Status:                string(d.Status),
		LastError:             d.LastError,
		ResponseLatencyMillis: d.ResponseLatencyMillis,
		Partition:             d.Partition,
		Sequence:              d.Sequence,
		LeaseOwner:            d.LeaseOwner,
		LeaseExpiresAt:        d.LeaseExpiresAt,
	}
}

func fromRecord(rec storage.DeliveryRecord) Delivery {
	return Delivery{
		DeliveryID:            rec.DeliveryID,
		WebhookID:             rec.WebhookID,
		EventID:               rec.EventID,
		Endpoint:              rec.Endpoint,
		Method:                rec.Method,
		Body:                  rec.Body,
		Attempt:               rec.Attempt,
		MaxAttempts:           rec.MaxAttempts,
		ScheduledAt:           rec.ScheduledAt,
		Status:                Status(rec.Status),
		LastError:             rec.LastError,
		ResponseLatencyMillis: rec.ResponseLatencyMillis,
		Partition:             rec.Partition,
		Sequence:              rec.Sequence,
		LeaseOwner:            rec.LeaseOwner,
		LeaseExpiresAt:        rec.LeaseExpiresAt,
	}
}
