package memstore

import (
	"sync"
	"time"

	"github.com/hyperraft/ledger/storage"
)

// DeliveryStore is an in-memory storage.DeliveryStore.
type DeliveryStore struct {
	mu       sync.Mutex
	byID     map[string]*storage.DeliveryRecord
	sequence uint64
}

// NewDeliveryStore returns an empty in-memory DeliveryStore.
func NewDeliveryStore() *DeliveryStore {
	return &DeliveryStore{byID: make(map[string]*storage.DeliveryRecord)}
}

func (s *DeliveryStore) Enqueue(rec storage.DeliveryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byID[rec.DeliveryID]; exists {
		return nil // idempotent
	}
	s.sequence++
	rec.Sequence = s.sequence
	cp := rec
	s.byID[rec.DeliveryID] = &cp
	return nil
}

func (s *DeliveryStore) Claim(workerID string, partition int, leaseDuration time.Duration, now time.Time) (storage.DeliveryRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var best *storage.DeliveryRecord
	for _, rec := range s.byID {
		if rec.Partition != partition {
			continue
		}
		switch rec.Status {
		case "Pending", "Retry":
			// claimable once ScheduledAt elapses
		case "InFlight":
			// claimable again only once its lease has expired
			if rec.LeaseExpiresAt.After(now) {
				continue
			}
		default:
			continue
		}
		if rec.ScheduledAt.After(now) {
			continue
		}
		if best == nil || rec.Sequence < best.Sequence {
			best = rec
		}
	}
	if best == nil {
		return storage.DeliveryRecord{}, storage.ErrNotFound
	}
	best.Status = "InFlight"
	best.LeaseOwner = workerID
	best.LeaseExpiresAt = now.Add(leaseDuration)
	return *best, nil
}

func (s *DeliveryStore) Ack(deliveryID string, status string, lastError string, latencyMillis int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.byID[deliveryID]
	if !ok {
		return storage.ErrNotFound
	}
	rec.Status = status
	rec.LastError = lastError
	rec.ResponseLatencyMillis = latencyMillis
	rec.LeaseOwner = ""
	return nil
}

func (s *DeliveryStore) Requeue(deliveryID string, delay time.Duration, now time.Time, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.byID[deliveryID]
	if !ok {
		return storage.ErrNotFound
	}
	rec.Status = "Retry"
	rec.Attempt++
	rec.ScheduledAt = now.Add(delay)
	rec.LastError = lastError
	rec.LeaseOwner = ""
	s.sequence++
	rec.Sequence = s.sequence
	return nil
}

func (s *DeliveryStore) Get(deliveryID string) (storage.DeliveryRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.byID[deliveryID]
	if !ok {
		return storage.DeliveryRecord{}, storage.ErrNotFound
	}
	return *rec, nil
}

func (s *DeliveryStore) ListDeadLettered() ([]storage.DeliveryRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []storage.DeliveryRecord
	for _, rec := range s.byID {
		if rec.Status == "DeadLettered" {
			out = append(out, *rec)
		}
	}
	return out, nil
}

func (s *DeliveryStore) Sync() error { return nil }
