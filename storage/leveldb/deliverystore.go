package leveldb

import (
	"encoding/binary"
	"encoding/json"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/hyperraft/ledger/storage"
)

var (
	deliveryPrefix = []byte("delivery/")
	pendingPrefix  = []byte("pending/")
)

func deliveryKey(id string) []byte { return append(append([]byte{}, deliveryPrefix...), id...) }

func pendingKey(partition int, seq uint64) []byte {
	key := make([]byte, len(pendingPrefix)+4+8)
	copy(key, pendingPrefix)
	binary.BigEndian.PutUint32(key[len(pendingPrefix):], uint32(partition))
	binary.BigEndian.PutUint64(key[len(pendingPrefix)+4:], seq)
	return key
}

func pendingPartitionPrefix(partition int) []byte {
	key := make([]byte, len(pendingPrefix)+4)
	copy(key, pendingPrefix)
	binary.BigEndian.PutUint32(key[len(pendingPrefix):], uint32(partition))
	return key
}

// DeliveryStore is a goleveldb-backed storage.DeliveryStore. A
// process-local mutex serialises Claim against concurrent workers of
// the same node; cross-node partition ownership is out of scope (spec
// §1 leaves persistence layout to the implementation).
type DeliveryStore struct {
	mu       sync.Mutex
	db       *leveldb.DB
	sequence uint64
}

// NewDeliveryStore opens (or creates) a DeliveryStore at path.
func NewDeliveryStore(path string) (*DeliveryStore, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, err
	}
	return &DeliveryStore{db: db}, nil
}

func (s *DeliveryStore) Close() error { return s.db.Close() }

func (s *DeliveryStore) putRecord(batch *leveldb.Batch, rec storage.DeliveryRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	batch.Put(deliveryKey(rec.DeliveryID), data)
	return nil
}

func (s *DeliveryStore) Enqueue(rec storage.DeliveryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.Get(deliveryKey(rec.DeliveryID), nil); err == nil {
		return nil // idempotent
	}
	s.sequence++
	rec.Sequence = s.sequence
	batch := new(leveldb.Batch)
	if err := s.putRecord(batch, rec); err != nil {
		return err
	}
	batch.Put(pendingKey(rec.Partition, rec.Sequence), []byte(rec.DeliveryID))
	return s.db.Write(batch, syncWriteOpts)
}

func (s *DeliveryStore) Claim(workerID string, partition int, leaseDuration time.Duration, now time.Time) (storage.DeliveryRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	iter := s.db.NewIterator(util.BytesPrefix(pendingPartitionPrefix(partition)), nil)
	defer iter.Release()
	for iter.Next() {
		id := string(iter.Value())
		data, err := s.db.Get(deliveryKey(id), nil)
		if err != nil {
			continue
		}
		var rec storage.DeliveryRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			continue
		}
		switch rec.Status {
		case "Pending", "Retry":
			// claimable once ScheduledAt elapses
		case "InFlight":
			if rec.LeaseExpiresAt.After(now) {
				continue
			}
		default:
			continue
		}
		if rec.ScheduledAt.After(now) {
			continue
		}
		rec.Status = "InFlight"
		rec.LeaseOwner = workerID
		rec.LeaseExpiresAt = now.Add(leaseDuration)
		batch := new(leveldb.Batch)
		if err := s.putRecord(batch, rec); err != nil {
			return storage.DeliveryRecord{}, err
		}
		if err := s.db.Write(batch, syncWriteOpts); err != nil {
			return storage.DeliveryRecord{}, err
		}
		return rec, nil
	}
	if err := iter.Error(); err != nil {
		return storage.DeliveryRecord{}, err
	}
	return storage.DeliveryRecord{}, storage.ErrNotFound
}

func (s *DeliveryStore) load(deliveryID string) (storage.DeliveryRecord, error) {
	data, err := s.db.Get(deliveryKey(deliveryID), nil)
	if err == leveldb.ErrNotFound {
		return storage.DeliveryRecord{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.DeliveryRecord{}, err
	}
	var rec storage.DeliveryRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return storage.DeliveryRecord{}, err
	}
	return rec, nil
}

func (s *DeliveryStore) Ack(deliveryID string, status string, lastError string, latencyMillis int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.load(deliveryID)
	if err != nil {
		return err
	}
	rec.Status = status
	rec.LastError = lastError
	rec.ResponseLatencyMillis = latencyMillis
	rec.LeaseOwner = ""
	batch := new(leveldb.Batch)
	if err := s.putRecord(batch, rec); err != nil {
		return err
	}
	batch.Delete(pendingKey(rec.Partition, rec.Sequence))
	return s.db.Write(batch, syncWriteOpts)
}

func (s *DeliveryStore) Requeue(deliveryID string, delay time.Duration, now time.Time, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.load(deliveryID)
	if err != nil {
		return err
	}
	batch := new(leveldb.Batch)
	batch.Delete(pendingKey(rec.Partition, rec.Sequence))
	rec.Status = "Retry"
	rec.Attempt++
	rec.ScheduledAt = now.Add(delay)
	rec.LastError = lastError
	rec.LeaseOwner = ""
	s.sequence++
	rec.Sequence = s.sequence
	if err := s.putRecord(batch, rec); err != nil {
		return err
	}
	batch.Put(pendingKey(rec.Partition, rec.Sequence), []byte(rec.DeliveryID))
	return s.db.Write(batch, syncWriteOpts)
}

func (s *DeliveryStore) Get(deliveryID string) (storage.DeliveryRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load(deliveryID)
}

func (s *DeliveryStore) ListDeadLettered() ([]storage.DeliveryRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	iter := s.db.NewIterator(util.BytesPrefix(deliveryPrefix), nil)
	defer iter.Release()
	var out []storage.DeliveryRecord
	for iter.Next() {
		var rec storage.DeliveryRecord
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			return nil, err
		}
		if rec.Status == "DeadLettered" {
			out = append(out, rec)
		}
	}
	return out, iter.Error()
}

func (s *DeliveryStore) Sync() error {
	return s.db.Write(new(leveldb.Batch), syncWriteOpts)
}
