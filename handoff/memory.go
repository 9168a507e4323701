package handoff

import (
	"context"
	"crypto/subtle"
	"sync"
	"time"
)

// MemoryStore keeps the pending session in process memory.
type MemoryStore struct {
	mu      sync.Mutex
	pending *Session
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Put(_ context.Context, s Session, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending = &s
	return nil
}

func (m *MemoryStore) TakeIfMatch(_ context.Context, arg string) (Session, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pending == nil {
		return Session{}, false, nil
	}
	if subtle.ConstantTimeCompare([]byte(m.pending.SecurityArg), []byte(arg)) != 1 {
		return Session{}, false, nil
	}
	s := *m.pending
	m.pending = nil
	return s, true, nil
}
