package leveldb

import (
	"encoding/json"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/hyperraft/ledger/storage"
)

var (
	approvalPrefix  = []byte("approval/")
	watermarkKey    = []byte("meta/watermark")
	finalizedPrefix = []byte("finalized/")
)

func approvalKey(id string) []byte { return append(append([]byte{}, approvalPrefix...), id...) }
func finalizedKey(id string) []byte {
	return append(append([]byte{}, finalizedPrefix...), id...)
}

// VoteStore is a goleveldb-backed storage.VoteStore.
type VoteStore struct {
	db *leveldb.DB
}

// NewVoteStore opens (or creates) a VoteStore at path.
func NewVoteStore(path string) (*VoteStore, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, err
	}
	return &VoteStore{db: db}, nil
}

func (s *VoteStore) Close() error { return s.db.Close() }

func (s *VoteStore) GetApproval(approvalID string) (storage.ApprovalRecord, error) {
	data, err := s.db.Get(approvalKey(approvalID), nil)
	if err == leveldb.ErrNotFound {
		return storage.ApprovalRecord{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.ApprovalRecord{}, err
	}
	var rec storage.ApprovalRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return storage.ApprovalRecord{}, err
	}
	return rec, nil
}

func (s *VoteStore) PutApproval(rec storage.ApprovalRecord, appliedIndex uint64) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	batch := new(leveldb.Batch)
	batch.Put(approvalKey(rec.ApprovalID), data)
	wm := make([]byte, 8)
	putUint64(wm, appliedIndex)
	batch.Put(watermarkKey, wm)
	return s.db.Write(batch, syncWriteOpts)
}

func (s *VoteStore) LastAppliedIndex() (uint64, error) {
	data, err := s.db.Get(watermarkKey, nil)
	if err == leveldb.ErrNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return getUint64(data), nil
}

func (s *VoteStore) UnackedFinalized() ([]storage.FinalizedRecord, error) {
	iter := s.db.NewIterator(util.BytesPrefix(finalizedPrefix), nil)
	defer iter.Release()
	var out []storage.FinalizedRecord
	for iter.Next() {
		var rec storage.FinalizedRecord
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, iter.Error()
}

func (s *VoteStore) MarkFinalized(rec storage.FinalizedRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.db.Put(finalizedKey(rec.ApprovalID), data, syncWriteOpts)
}

func (s *VoteStore) AckFinalized(approvalID string, finalizedIndex uint64) error {
	data, err := s.db.Get(finalizedKey(approvalID), nil)
	if err == leveldb.ErrNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	var rec storage.FinalizedRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return err
	}
	if rec.FinalizedIndex != finalizedIndex {
		return nil
	}
	return s.db.Delete(finalizedKey(approvalID), syncWriteOpts)
}

func putUint64(b []byte, v uint64) {
	for i := 7; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
}

func getUint64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8 && i < len(b); i++ {
		v = v<<8 | uint64(b[i])
	}
	return v
}
