package api

import (
	"context"
	"time"
)

// SessionStore abstracts browser session CRUD so that sessions can be kept
// in memory (default) or in a storage.Repository.
type SessionStore interface {
	// Get retrieves a session by token. It reports false if the session
	// does not exist, has expired, or has exceeded the idle timeout.
	Get(ctx context.Context, token string) (AuthSession, bool, error)
	// Put creates or updates a session for the given token.
	Put(ctx context.Context, token string, session AuthSession) error
	// Delete removes a session by token.
	Delete(ctx context.Context, token string) error
}

// AuthSession is the server-side state of a browser session established by
// a completed login handoff.
type AuthSession struct {
	UserID         string    `json:"user_id"`
	ExpiresAt      time.Time `json:"expires_at"`
	LastAccessedAt time.Time `json:"last_accessed_at"`
}

// live reports whether s is still usable at now.
func (s AuthSession) live(now time.Time, idleTimeout time.Duration) bool {
	if now.After(s.ExpiresAt) {
		return false
	}
	return idleTimeout <= 0 || now.Sub(s.LastAccessedAt) <= idleTimeout
}
