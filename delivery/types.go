// Package delivery implements the Delivery Queue and Delivery Worker
// (spec.md §4.4, §4.5): a partitioned, lease-based, at-least-once
// durable webhook dispatch pipeline fed by the Finality Bus.
package delivery

import "time"

// Status mirrors the lifecycle of a queued Delivery (spec §3).
type Status string

const (
	StatusPending      Status = "Pending"
	StatusRetry        Status = "Retry"
	StatusDelivered    Status = "Delivered"
	StatusDeadLettered Status = "DeadLettered"
)

// Delivery is the in-memory view of a storage.DeliveryRecord used by
// the queue and worker packages, keeping the domain vocabulary
// (Delivery, not DeliveryRecord) at this layer.
type Delivery struct {
	DeliveryID            string
	WebhookID             string
	EventID               string
	Endpoint              string
	Method                string
	Body                  []byte
	Attempt               int
	MaxAttempts           int
	ScheduledAt           time.Time
	Status                Status
	LastError             string
	ResponseLatencyMillis int64
	Partition             int
	Sequence              uint64
	LeaseOwner            string
	LeaseExpiresAt        time.Time
}

// Webhook is the static registration a delivery is dispatched against
// (spec §3): endpoint URL and the shared secret used to sign payloads.
type Webhook struct {
	WebhookID string
	Endpoint  string
	Secret    []byte
}
