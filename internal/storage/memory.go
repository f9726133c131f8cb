// internal/storage/memory.go
package storage

import (
	"sync"

	"trafficwatch-dashboard/internal/data"
)

// RecordStore holds the detection records of one view, at most one per RecordKey,
// in insertion order. Replacing a record keeps its position.
type RecordStore struct {
	mu      sync.RWMutex
	records []data.DetectionRecord
	index   map[data.RecordKey]int
	version uint64
}

func NewRecordStore() *RecordStore {
	return &RecordStore{index: make(map[data.RecordKey]int)}
}

// LoadSnapshot replaces the whole content of the store.
func (s *RecordStore) LoadSnapshot(records []data.DetectionRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records = make([]data.DetectionRecord, 0, len(records))
	s.index = make(map[data.RecordKey]int, len(records))
	for _, r := range records {
		s.upsertLocked(r)
	}
	s.version++
}

// Upsert inserts r, or replaces the record with the same key in place.
// It reports whether the key was new.
func (s *RecordStore) Upsert(r data.DetectionRecord) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	inserted := s.upsertLocked(r)
	s.version++
	return inserted
}

func (s *RecordStore) upsertLocked(r data.DetectionRecord) bool {
	key := r.Key()
	if i, ok := s.index[key]; ok {
		s.records[i] = r
		return false
	}
	s.index[key] = len(s.records)
	s.records = append(s.records, r)
	return true
}

// GetAll returns a copy of the records in insertion order.
func (s *RecordStore) GetAll() []data.DetectionRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]data.DetectionRecord, len(s.records))
	copy(result, s.records)
	return result
}

// Get returns the record stored under key.
func (s *RecordStore) Get(key data.RecordKey) (data.DetectionRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, ok := s.index[key]
	if !ok {
		return data.DetectionRecord{}, false
	}
	return s.records[i], true
}

func (s *RecordStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Reset drops every record.
func (s *RecordStore) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = nil
	s.index = make(map[data.RecordKey]int)
	s.version++
}

// Version changes on every mutation; equal versions mean equal content.
func (s *RecordStore) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// Snapshot returns the records together with the version they belong to.
func (s *RecordStore) Snapshot() ([]data.DetectionRecord, uint64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]data.DetectionRecord, len(s.records))
	copy(result, s.records)
	return result, s.version
}
