// Package memstore provides in-memory implementations of the storage
// interfaces, used as the test double in place of the goleveldb-backed
// stores (SPEC_FULL.md §4.4 test tooling).
package memstore

import (
	"sync"

	"github.com/hyperraft/ledger/storage"
)

// LogStore is an in-memory storage.LogStore.
type LogStore struct {
	mu      sync.RWMutex
	entries []storage.LogEntry // entries[i] has Index == i+1+compacted
	compactedThrough uint64
}

// NewLogStore returns an empty in-memory LogStore.
func NewLogStore() *LogStore {
	return &LogStore{}
}

func (s *LogStore) Append(entries []storage.LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range entries {
		idx := int(e.Index - s.compactedThrough)
		if idx <= 0 {
			continue
		}
		for len(s.entries) < idx {
			s.entries = append(s.entries, storage.LogEntry{})
		}
		s.entries[idx-1] = e
	}
	return nil
}

func (s *LogStore) TruncateSuffixFrom(index uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := int(index - s.compactedThrough)
	if idx <= 0 {
		s.entries = nil
		return nil
	}
	if idx-1 < len(s.entries) {
		s.entries = s.entries[:idx-1]
	}
	return nil
}

func (s *LogStore) Read(index uint64) (storage.LogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if index <= s.compactedThrough {
		return storage.LogEntry{}, storage.ErrCompacted
	}
	idx := int(index - s.compactedThrough)
	if idx < 1 || idx > len(s.entries) {
		return storage.LogEntry{}, storage.ErrNotFound
	}
	return s.entries[idx-1], nil
}

func (s *LogStore) ReadRange(lo, hi uint64) ([]storage.LogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []storage.LogEntry
	for i := lo; i <= hi; i++ {
		idx := int(i - s.compactedThrough)
		if idx < 1 || idx > len(s.entries) {
			continue
		}
		out = append(out, s.entries[idx-1])
	}
	return out, nil
}

func (s *LogStore) LastIndexTerm() (uint64, uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.entries) == 0 {
		return s.compactedThrough, 0, nil
	}
	last := s.entries[len(s.entries)-1]
	return last.Index, last.Term, nil
}

func (s *LogStore) Sync() error { return nil }
