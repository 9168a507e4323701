// Package handoff brokers the one-time login handoff that turns a validated
// API caller into a browser session.
//
// There is a single pending slot: BeginLogin overwrites whatever is there,
// and CompleteLogin consumes it with one atomic compare-and-clear so two
// concurrent completions can never both succeed.
package handoff

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"time"

	"github.com/jmcleod/hubgate/internal/util"
)

// DefaultTTL is how long a pending handoff stays valid.
const DefaultTTL = 30 * time.Second

// ErrAccessDenied is returned for an absent, mismatched or expired handoff.
// Callers must not reveal which.
var ErrAccessDenied = errors.New("access denied")

// Session is a pending login handoff.
type Session struct {
	UserID      string
	SecurityArg string
	ExpiresAt   time.Time
}

// Store holds the single pending Session.
type Store interface {
	// Put replaces the pending session. ttl bounds how long the backend
	// needs to retain it.
	Put(ctx context.Context, s Session, ttl time.Duration) error
	// TakeIfMatch atomically removes and returns the pending session if its
	// security argument equals arg. On mismatch the slot is left untouched
	// and ok is false.
	TakeIfMatch(ctx context.Context, arg string) (s Session, ok bool, err error)
}

// Broker runs the two-phase handoff.
type Broker struct {
	store Store
	now   func() time.Time
	ttl   time.Duration
}

// Option configures a Broker.
type Option func(*Broker)

// WithClock sets the time source used for expiry.
func WithClock(now func() time.Time) Option {
	return func(b *Broker) {
		b.now = now
	}
}

// WithTTL sets the handoff lifetime.
func WithTTL(d time.Duration) Option {
	return func(b *Broker) {
		if d > 0 {
			b.ttl = d
		}
	}
}

// NewBroker returns a Broker keeping its slot in store.
func NewBroker(store Store, opts ...Option) *Broker {
	b := &Broker{store: store, now: time.Now, ttl: DefaultTTL}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// NewSecurityArg returns the hex SHA-256 of 32 random bytes.
func NewSecurityArg() (string, error) {
	seed, err := util.RandomBytes(32)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(seed)
	return util.HexEncode(sum[:]), nil
}

// BeginLogin stores a new pending handoff for userID, superseding any
// previous one, and returns its security argument.
func (b *Broker) BeginLogin(ctx context.Context, userID string) (string, error) {
	arg, err := NewSecurityArg()
	if err != nil {
		return "", fmt.Errorf("generating security argument: %w", err)
	}
	s := Session{UserID: userID, SecurityArg: arg, ExpiresAt: b.now().Add(b.ttl)}
	if err := b.store.Put(ctx, s, b.ttl); err != nil {
		return "", fmt.Errorf("storing handoff: %w", err)
	}
	return arg, nil
}

// CompleteLogin consumes the pending handoff if arg matches it and it has
// not expired, returning the user it was begun for. A matching but expired
// handoff is consumed and denied.
func (b *Broker) CompleteLogin(ctx context.Context, arg string) (string, error) {
	if arg == "" {
		return "", ErrAccessDenied
	}
	s, ok, err := b.store.TakeIfMatch(ctx, arg)
	if err != nil {
		return "", fmt.Errorf("taking handoff: %w", err)
	}
	if !ok || !b.now().Before(s.ExpiresAt) {
		return "", ErrAccessDenied
	}
	return s.UserID, nil
}
