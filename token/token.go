// Package token manages the per-user token set, authorization code and
// client credential the hub authenticates with.
package token

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/jmcleod/hubgate/credential"
	"github.com/jmcleod/hubgate/internal/util"
)

const (
	// Length is the length of every generated token, code and client key.
	Length = 40

	DefaultRefreshTTL = 900 * time.Second
	DefaultCodeTTL    = 30 * time.Second
)

var (
	// ErrNoAccessToken is returned when refreshing a user who holds no
	// access token.
	ErrNoAccessToken = errors.New("no access token for user")
	// ErrInvalidClient is returned when a client id and secret do not
	// belong to the same user.
	ErrInvalidClient = errors.New("invalid client credentials")
	// ErrInvalidCode is returned for an unknown authorization code.
	ErrInvalidCode = errors.New("invalid authorization code")
	// ErrCodeExpired is returned for an authorization code past its expiry.
	ErrCodeExpired = errors.New("authorization code expired")
	// ErrInvalidRefreshToken is returned for an unknown refresh token.
	ErrInvalidRefreshToken = errors.New("invalid refresh token")
	// ErrRefreshExpired is returned for a refresh token past its expiry.
	ErrRefreshExpired = errors.New("refresh token expired")
)

// Set is the active token set of a user. The access token carries no expiry
// of its own; it is valid until superseded.
type Set struct {
	Access           string
	Refresh          string
	RefreshExpiresAt time.Time
}

// AuthorizationCode is a short-lived code for a pending grant.
type AuthorizationCode struct {
	Code      string
	ExpiresAt time.Time
}

// Client is the client credential pair a hub presents.
type Client struct {
	ID     string
	Secret string
}

// Manager creates, refreshes and resolves credentials. It is safe for
// concurrent use.
type Manager struct {
	store      *credential.Store
	now        func() time.Time
	refreshTTL time.Duration
	codeTTL    time.Duration

	mu      sync.RWMutex
	clients map[string]Client
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock sets the time source used for expiries.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// WithRefreshTTL sets the refresh token lifetime.
func WithRefreshTTL(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.refreshTTL = d
		}
	}
}

// WithCodeTTL sets the authorization code lifetime.
func WithCodeTTL(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.codeTTL = d
		}
	}
}

// NewManager returns a Manager persisting through store.
func NewManager(store *credential.Store, opts ...Option) *Manager {
	m := &Manager{
		store:      store,
		now:        time.Now,
		refreshTTL: DefaultRefreshTTL,
		codeTTL:    DefaultCodeTTL,
		clients:    make(map[string]Client),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func generate() (string, error) {
	return util.RandomString(Length, util.Alphanumeric)
}

func (m *Manager) expiry(ttl time.Duration) int64 {
	return m.now().Add(ttl).Unix()
}

// CreateTokens replaces the user's token set with a fresh one.
func (m *Manager) CreateTokens(ctx context.Context, userID string) (Set, error) {
	access, err := generate()
	if err != nil {
		return Set{}, err
	}
	refresh, err := generate()
	if err != nil {
		return Set{}, err
	}
	expires := m.expiry(m.refreshTTL)

	err = m.store.Update(ctx, func(tx *credential.Tx) error {
		if err := tx.Put(credential.AccessToken, userID, access); err != nil {
			return err
		}
		if err := tx.Put(credential.RefreshToken, userID, refresh); err != nil {
			return err
		}
		return tx.Put(credential.RefreshTokenExpires, userID, strconv.FormatInt(expires, 10))
	})
	if err != nil {
		return Set{}, fmt.Errorf("storing tokens: %w", err)
	}
	return Set{Access: access, Refresh: refresh, RefreshExpiresAt: time.Unix(expires, 0)}, nil
}

// RefreshTokens issues a new refresh token and expiry, keeping the stored
// access token. The presented refresh token must already have been checked
// with ValidateRefreshToken.
func (m *Manager) RefreshTokens(ctx context.Context, userID string) (Set, error) {
	refresh, err := generate()
	if err != nil {
		return Set{}, err
	}
	expires := m.expiry(m.refreshTTL)

	var access string
	err = m.store.Update(ctx, func(tx *credential.Tx) error {
		v, ok, err := tx.Get(credential.AccessToken, userID)
		if err != nil {
			return err
		}
		if !ok {
			return ErrNoAccessToken
		}
		access = v
		if err := tx.Put(credential.RefreshToken, userID, refresh); err != nil {
			return err
		}
		return tx.Put(credential.RefreshTokenExpires, userID, strconv.FormatInt(expires, 10))
	})
	if err != nil {
		return Set{}, fmt.Errorf("refreshing tokens: %w", err)
	}
	return Set{Access: access, Refresh: refresh, RefreshExpiresAt: time.Unix(expires, 0)}, nil
}

// CreateAuthorizationCode replaces the user's authorization code.
func (m *Manager) CreateAuthorizationCode(ctx context.Context, userID string) (AuthorizationCode, error) {
	code, err := generate()
	if err != nil {
		return AuthorizationCode{}, err
	}
	expires := m.expiry(m.codeTTL)

	err = m.store.Update(ctx, func(tx *credential.Tx) error {
		if err := tx.Put(credential.AuthorizationCode, userID, code); err != nil {
			return err
		}
		return tx.Put(credential.AuthorizationExpires, userID, strconv.FormatInt(expires, 10))
	})
	if err != nil {
		return AuthorizationCode{}, fmt.Errorf("storing authorization code: %w", err)
	}
	return AuthorizationCode{Code: code, ExpiresAt: time.Unix(expires, 0)}, nil
}

// CreateClient generates and stores a new client credential for the user,
// overwriting any previous one.
func (m *Manager) CreateClient(ctx context.Context, userID string) (Client, error) {
	id, err := generate()
	if err != nil {
		return Client{}, err
	}
	secret, err := generate()
	if err != nil {
		return Client{}, err
	}

	err = m.store.Update(ctx, func(tx *credential.Tx) error {
		if err := tx.Put(credential.ClientID, userID, id); err != nil {
			return err
		}
		return tx.Put(credential.ClientSecret, userID, secret)
	})
	if err != nil {
		return Client{}, fmt.Errorf("storing client: %w", err)
	}

	c := Client{ID: id, Secret: secret}
	m.mu.Lock()
	m.clients[userID] = c
	m.mu.Unlock()
	return c, nil
}

// Client returns the user's client credential, from the in-process cache
// when this process created or loaded it, otherwise from the store.
func (m *Manager) Client(ctx context.Context, userID string) (Client, bool, error) {
	m.mu.RLock()
	c, ok := m.clients[userID]
	m.mu.RUnlock()
	if ok {
		return c, true, nil
	}

	id, ok, err := m.store.Get(ctx, credential.ClientID, userID)
	if err != nil || !ok {
		return Client{}, false, err
	}
	secret, ok, err := m.store.Get(ctx, credential.ClientSecret, userID)
	if err != nil || !ok {
		return Client{}, false, err
	}

	c = Client{ID: id, Secret: secret}
	m.mu.Lock()
	m.clients[userID] = c
	m.mu.Unlock()
	return c, true, nil
}

// ResolveAccessToken returns the user holding the access token.
func (m *Manager) ResolveAccessToken(ctx context.Context, value string) (string, bool, error) {
	return m.store.FindUserByValue(ctx, credential.AccessToken, value)
}

// ResolveClient returns the user owning both the client id and secret.
func (m *Manager) ResolveClient(ctx context.Context, id, secret string) (string, error) {
	byID, ok, err := m.store.FindUserByValue(ctx, credential.ClientID, id)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", ErrInvalidClient
	}
	bySecret, ok, err := m.store.FindUserByValue(ctx, credential.ClientSecret, secret)
	if err != nil {
		return "", err
	}
	if !ok || bySecret != byID {
		return "", ErrInvalidClient
	}
	return byID, nil
}

// ExchangeAuthorizationCode consumes code and returns its owner. The code and
// its expiry are deleted whether or not the code had expired.
func (m *Manager) ExchangeAuthorizationCode(ctx context.Context, code string) (string, error) {
	userID, ok, err := m.store.FindUserByValue(ctx, credential.AuthorizationCode, code)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", ErrInvalidCode
	}

	var expired bool
	err = m.store.Update(ctx, func(tx *credential.Tx) error {
		// Re-check inside the batch so two concurrent exchanges cannot both
		// observe the code.
		current, ok, err := tx.Get(credential.AuthorizationCode, userID)
		if err != nil {
			return err
		}
		if !ok || subtle.ConstantTimeCompare([]byte(current), []byte(code)) != 1 {
			return ErrInvalidCode
		}
		raw, _, err := tx.Get(credential.AuthorizationExpires, userID)
		if err != nil {
			return err
		}
		expired = !m.before(raw)
		if err := tx.Delete(credential.AuthorizationCode, userID); err != nil {
			return err
		}
		return tx.Delete(credential.AuthorizationExpires, userID)
	})
	if err != nil {
		return "", err
	}
	if expired {
		return "", ErrCodeExpired
	}
	return userID, nil
}

// ValidateRefreshToken returns the owner of an unexpired refresh token.
func (m *Manager) ValidateRefreshToken(ctx context.Context, value string) (string, error) {
	userID, ok, err := m.store.FindUserByValue(ctx, credential.RefreshToken, value)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", ErrInvalidRefreshToken
	}
	raw, _, err := m.store.Get(ctx, credential.RefreshTokenExpires, userID)
	if err != nil {
		return "", err
	}
	if !m.before(raw) {
		return "", ErrRefreshExpired
	}
	return userID, nil
}

// before reports whether now is strictly before the stored unix expiry.
// A missing or unparsable expiry counts as expired.
func (m *Manager) before(raw string) bool {
	exp, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return false
	}
	return m.now().Unix() < exp
}
