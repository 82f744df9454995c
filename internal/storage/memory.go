package storage

import (
	"context"
	"sync"
)

// Memory is an in-memory Storage backed by a map and an RWMutex. Suitable
// for tests and single-instance deployments; decisions do not survive a
// restart, which only costs stickiness, not correctness.
type Memory struct {
	mu      sync.RWMutex
	records map[string]Record
}

// NewMemory creates an empty in-memory storage.
func NewMemory() *Memory {
	return &Memory{records: make(map[string]Record)}
}

func recordKey(featureKey, userID string) string {
	return featureKey + ":" + userID
}

// Get returns the stored record for a feature/user pair.
func (m *Memory) Get(_ context.Context, featureKey, userID string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.records[recordKey(featureKey, userID)]
	if !ok {
		return nil, ErrNotFound
	}
	return &rec, nil
}

// Set stores a record, overwriting any previous one.
func (m *Memory) Set(_ context.Context, rec *Record) error {
	if rec == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.records[recordKey(rec.FeatureKey, rec.UserID)] = *rec
	return nil
}

// Close is a no-op for the in-memory backend.
func (m *Memory) Close() error { return nil }
