package api

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/jmcleod/hubgate/internal/util"
	"github.com/jmcleod/hubgate/storage"
)

const (
	sessionBucket         = "sessions"
	sessionRecordType     = "session"
	sessionKeyType        = "session_key"
	sessionKeyID          = "current"
	sessionAADPrefix      = "hubgate:session:"
	sessionKeyWrappingAAD = "hubgate:session_master_key:v1"
	cleanupInterval       = 5 * time.Minute
)

// PersistentSessionStore stores sessions in a storage.Repository, encrypted
// at rest with AES-256-GCM. Sessions survive server restarts.
//
// The session encryption key is itself sealed with an externally provided
// wrapping key, so the repository alone does not reveal session data.
type PersistentSessionStore struct {
	repo        storage.Repository
	key         []byte
	idleTimeout time.Duration
	now         func() time.Time
	stopOnce    sync.Once
	stopCh      chan struct{}
}

var _ SessionStore = (*PersistentSessionStore)(nil)

// NewPersistentSessionStore creates a session store backed by repo. The
// 32-byte wrappingKey seals the session encryption key and is never stored.
// idleTimeout of 0 disables idle timeout checking.
func NewPersistentSessionStore(ctx context.Context, repo storage.Repository, idleTimeout time.Duration, wrappingKey []byte) (*PersistentSessionStore, error) {
	if len(wrappingKey) != 32 {
		return nil, fmt.Errorf("wrapping key must be exactly 32 bytes, got %d", len(wrappingKey))
	}
	key, err := loadOrCreateSessionKey(ctx, repo, wrappingKey)
	if err != nil {
		return nil, err
	}
	s := &PersistentSessionStore{
		repo:        repo,
		key:         key,
		idleTimeout: idleTimeout,
		now:         time.Now,
		stopCh:      make(chan struct{}),
	}
	go s.cleanupLoop()
	return s, nil
}

// Close stops the background cleanup goroutine and wipes key material.
func (s *PersistentSessionStore) Close() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		util.WipeBytes(s.key)
	})
}

func (s *PersistentSessionStore) Get(ctx context.Context, token string) (AuthSession, bool, error) {
	session, err := s.load(ctx, token)
	if storage.IsNotFound(err) {
		return AuthSession{}, false, nil
	}
	if err != nil {
		return AuthSession{}, false, err
	}
	if !session.live(s.now(), s.idleTimeout) {
		return AuthSession{}, false, s.Delete(ctx, token)
	}
	return session, true, nil
}

func (s *PersistentSessionStore) load(ctx context.Context, token string) (AuthSession, error) {
	raw, err := s.repo.Get(ctx, sessionBucket, sessionRecordType, token)
	if err != nil {
		return AuthSession{}, err
	}
	data, err := storage.Open(s.key, raw, []byte(sessionAADPrefix+token))
	if err != nil {
		return AuthSession{}, fmt.Errorf("opening session: %w", err)
	}
	defer util.WipeBytes(data)
	var session AuthSession
	if err := json.Unmarshal(data, &session); err != nil {
		return AuthSession{}, fmt.Errorf("decoding session: %w", err)
	}
	return session, nil
}

func (s *PersistentSessionStore) Put(ctx context.Context, token string, session AuthSession) error {
	data, err := json.Marshal(session)
	if err != nil {
		return err
	}
	sealed, err := storage.Seal(s.key, data, []byte(sessionAADPrefix+token))
	if err != nil {
		return err
	}
	return s.repo.Put(ctx, sessionBucket, sessionRecordType, token, sealed)
}

func (s *PersistentSessionStore) Delete(ctx context.Context, token string) error {
	err := s.repo.Delete(ctx, sessionBucket, sessionRecordType, token)
	if storage.IsNotFound(err) {
		return nil
	}
	return err
}

func (s *PersistentSessionStore) cleanupLoop() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.sweepExpired(context.Background())
		}
	}
}

// sweepExpired removes expired, idle and unreadable sessions.
func (s *PersistentSessionStore) sweepExpired(ctx context.Context) {
	tokens, err := s.repo.List(ctx, sessionBucket, sessionRecordType)
	if err != nil {
		return
	}
	now := s.now()
	for _, token := range tokens {
		session, err := s.load(ctx, token)
		if storage.IsNotFound(err) {
			continue
		}
		if err != nil || !session.live(now, s.idleTimeout) {
			_ = s.Delete(ctx, token)
		}
	}
}

// loadOrCreateSessionKey unseals the stored session key with wrappingKey,
// or generates and stores a new one. If the wrapping key changed, a new
// session key replaces the old one and existing sessions become unreadable.
func loadOrCreateSessionKey(ctx context.Context, repo storage.Repository, wrappingKey []byte) ([]byte, error) {
	aad := []byte(sessionKeyWrappingAAD)

	raw, err := repo.Get(ctx, sessionBucket, sessionKeyType, sessionKeyID)
	switch {
	case err == nil:
		key, openErr := storage.Open(wrappingKey, raw, aad)
		if openErr == nil && len(key) == 32 {
			return key, nil
		}
	case !storage.IsNotFound(err):
		return nil, err
	}

	key, err := util.RandomBytes(32)
	if err != nil {
		return nil, err
	}
	sealed, err := storage.Seal(wrappingKey, key, aad)
	if err != nil {
		util.WipeBytes(key)
		return nil, fmt.Errorf("sealing new session key: %w", err)
	}
	if err := repo.Put(ctx, sessionBucket, sessionKeyType, sessionKeyID, sealed); err != nil {
		util.WipeBytes(key)
		return nil, err
	}
	return key, nil
}
