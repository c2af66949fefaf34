package session

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// MemoryStore keeps serialized sessions in process memory. It is meant for
// single-instance deployments and tests.
type MemoryStore struct {
	items *ttlMap[string, []byte]
	ttl   time.Duration
}

// NewMemoryStore creates a store whose entries expire ttl after their last save.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	interval := ttl / 4
	if interval > time.Minute {
		interval = time.Minute
	}
	return &MemoryStore{
		items: newTTLMap(interval, func(id string, _ []byte) {
			slog.Debug("[SessionStore] Expired idle session", "call_id", id)
		}),
		ttl: ttl,
	}
}

// Save implements Store
func (m *MemoryStore) Save(_ context.Context, s *CallSession) error {
	data, err := Marshal(s)
	if err != nil {
		return fmt.Errorf("save session %s: %w", s.ID(), err)
	}
	m.items.set(s.ID(), data, m.ttl)
	return nil
}

// Load implements Store
func (m *MemoryStore) Load(_ context.Context, callID string) (*CallSession, error) {
	data, ok := m.items.get(callID)
	if !ok {
		return nil, ErrNotFound
	}
	return Unmarshal(data)
}

// Delete implements Store
func (m *MemoryStore) Delete(_ context.Context, callID string) error {
	m.items.delete(callID)
	return nil
}

// Len returns the number of live sessions.
func (m *MemoryStore) Len() int {
	return m.items.len()
}

// Close stops the cleanup goroutine.
func (m *MemoryStore) Close() error {
	m.items.close()
	return nil
}
