package audit

import (
	"context"
	"sync"
)

// DefaultMemCapacity is the number of records per kind kept by a [MemStore]
// created with a non-positive capacity.
const DefaultMemCapacity = 1000

var _ Store = (*MemStore)(nil)

// MemStore keeps the most recent records in memory. The oldest record is
// evicted when a kind reaches its capacity.
type MemStore struct {
	mu       sync.Mutex
	capacity int
	sessions []SessionRecord
	commands []CommandRecord
}

// NewMemStore returns an empty store holding up to capacity records of each
// kind.
func NewMemStore(capacity int) *MemStore {
	if capacity <= 0 {
		capacity = DefaultMemCapacity
	}
	return &MemStore{capacity: capacity}
}

// RecordSession implements [Store].
func (m *MemStore) RecordSession(_ context.Context, rec SessionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions = appendBounded(m.sessions, rec, m.capacity)
	return nil
}

// RecordCommand implements [Store].
func (m *MemStore) RecordCommand(_ context.Context, rec CommandRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.commands = appendBounded(m.commands, rec, m.capacity)
	return nil
}

// RecentSessions implements [Store].
func (m *MemStore) RecentSessions(_ context.Context, limit int) ([]SessionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return newestFirst(m.sessions, limit), nil
}

// RecentCommands implements [Store].
func (m *MemStore) RecentCommands(_ context.Context, limit int) ([]CommandRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return newestFirst(m.commands, limit), nil
}

// Ping implements [Store]; memory is always reachable.
func (m *MemStore) Ping(context.Context) error { return nil }

func appendBounded[T any](s []T, v T, capacity int) []T {
	if len(s) >= capacity {
		copy(s, s[1:])
		s = s[:len(s)-1]
	}
	return append(s, v)
}

func newestFirst[T any](s []T, limit int) []T {
	if limit <= 0 || limit > len(s) {
		limit = len(s)
	}
	out := make([]T, 0, limit)
	for i := len(s) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s[i])
	}
	return out
}
