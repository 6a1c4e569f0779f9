// Package leveldb backs the three abstract storage capabilities with
// github.com/syndtr/goleveldb, the ordered-KV engine this corpus
// reaches for when it needs a durable, embedded log (tolelom-tolchain).
package leveldb

import (
	"encoding/binary"
	"encoding/json"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/hyperraft/ledger/storage"
)

var syncWriteOpts = &opt.WriteOptions{Sync: true}

var logEntryPrefix = []byte("log/")

func logKey(index uint64) []byte {
	key := make([]byte, len(logEntryPrefix)+8)
	copy(key, logEntryPrefix)
	binary.BigEndian.PutUint64(key[len(logEntryPrefix):], index)
	return key
}

// LogStore is a goleveldb-backed storage.LogStore.
type LogStore struct {
	db *leveldb.DB
}

// NewLogStore opens (or creates) a LogStore at path.
func NewLogStore(path string) (*LogStore, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, err
	}
	return &LogStore{db: db}, nil
}

// Close releases the underlying database handle.
func (s *LogStore) Close() error { return s.db.Close() }

func (s *LogStore) Append(entries []storage.LogEntry) error {
	batch := new(leveldb.Batch)
	for _, e := range entries {
		data, err := json.Marshal(e)
		if err != nil {
			return err
		}
		batch.Put(logKey(e.Index), data)
	}
	return s.db.Write(batch, nil)
}

func (s *LogStore) TruncateSuffixFrom(index uint64) error {
	iter := s.db.NewIterator(util.BytesPrefix(logEntryPrefix), nil)
	defer iter.Release()
	batch := new(leveldb.Batch)
	for iter.Seek(logKey(index)); iter.Valid(); iter.Next() {
		key := make([]byte, len(iter.Key()))
		copy(key, iter.Key())
		batch.Delete(key)
	}
	if err := iter.Error(); err != nil {
		return err
	}
	return s.db.Write(batch, nil)
}

func (s *LogStore) Read(index uint64) (storage.LogEntry, error) {
	data, err := s.db.Get(logKey(index), nil)
	if err == leveldb.ErrNotFound {
		return storage.LogEntry{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.LogEntry{}, err
	}
	var e storage.LogEntry
	if err := json.Unmarshal(data, &e); err != nil {
		return storage.LogEntry{}, err
	}
	return e, nil
}

func (s *LogStore) ReadRange(lo, hi uint64) ([]storage.LogEntry, error) {
	iter := s.db.NewIterator(&util.Range{Start: logKey(lo), Limit: logKey(hi + 1)}, nil)
	defer iter.Release()
	var out []storage.LogEntry
	for iter.Next() {
		var e storage.LogEntry
		if err := json.Unmarshal(iter.Value(), &e); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, iter.Error()
}

func (s *LogStore) LastIndexTerm() (uint64, uint64, error) {
	iter := s.db.NewIterator(util.BytesPrefix(logEntryPrefix), nil)
	defer iter.Release()
	if !iter.Last() {
		return 0, 0, iter.Error()
	}
	var e storage.LogEntry
	if err := json.Unmarshal(iter.Value(), &e); err != nil {
		return 0, 0, err
	}
	return e.Index, e.Term, nil
}

// Sync is the durability fence (spec §6): it issues an empty, synced
// write so goleveldb flushes its write-ahead log to disk.
func (s *LogStore) Sync() error {
	return s.db.Write(new(leveldb.Batch), syncWriteOpts)
}
