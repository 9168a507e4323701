package api

import (
	"context"
	"sync"
	"time"
)

// MemorySessionStore is a thread-safe in-memory SessionStore.
// Sessions are lost on server restart.
type MemorySessionStore struct {
	mu          sync.RWMutex
	data        map[string]AuthSession
	idleTimeout time.Duration
	now         func() time.Time
}

var _ SessionStore = (*MemorySessionStore)(nil)

// NewMemorySessionStore creates an in-memory session store.
// idleTimeout of 0 disables idle timeout checking.
func NewMemorySessionStore(idleTimeout time.Duration) *MemorySessionStore {
	return &MemorySessionStore{
		data:        make(map[string]AuthSession),
		idleTimeout: idleTimeout,
		now:         time.Now,
	}
}

func (s *MemorySessionStore) Get(_ context.Context, token string) (AuthSession, bool, error) {
	s.mu.RLock()
	session, ok := s.data[token]
	s.mu.RUnlock()
	if !ok {
		return AuthSession{}, false, nil
	}
	if !session.live(s.now(), s.idleTimeout) {
		s.mu.Lock()
		delete(s.data, token)
		s.mu.Unlock()
		return AuthSession{}, false, nil
	}
	return session, true, nil
}

func (s *MemorySessionStore) Put(_ context.Context, token string, session AuthSession) error {
	s.mu.Lock()
	s.data[token] = session
	s.mu.Unlock()
	return nil
}

func (s *MemorySessionStore) Delete(_ context.Context, token string) error {
	s.mu.Lock()
	delete(s.data, token)
	s.mu.Unlock()
	return nil
}
