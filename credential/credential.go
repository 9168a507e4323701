// Package credential stores per-user client credentials, tokens and
// authorization codes in a storage.Repository.
//
// Every value is sealed with AES-256-GCM before it reaches the repository.
// Value namespaces (everything except the expiry namespaces) also carry a
// keyed index from HMAC(value) to the owning user, written in the same batch
// as the value itself, so FindUserByValue is a single point read.
package credential

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"

	"github.com/jmcleod/hubgate/internal/util"
	"github.com/jmcleod/hubgate/storage"
)

// Bucket is the repository bucket credentials live in.
const Bucket = "credentials"

const indexSuffix = "#idx"

// Namespace names one kind of per-user credential value.
type Namespace string

const (
	// ClientID holds the user's client identifier.
	ClientID Namespace = "client_id"
	// ClientSecret holds the secret paired with ClientID.
	ClientSecret Namespace = "client_secret"
	// AccessToken holds the current access token.
	AccessToken Namespace = "access_token"
	// RefreshToken holds the current refresh token.
	RefreshToken Namespace = "refresh_token"
	// RefreshTokenExpires holds the refresh token expiry as Unix seconds.
	RefreshTokenExpires Namespace = "refresh_token_expires"
	// AuthorizationCode holds the pending authorization code.
	AuthorizationCode Namespace = "authorization_code"
	// AuthorizationExpires holds the code expiry as Unix seconds.
	AuthorizationExpires Namespace = "authorization_expires"
)

var (
	// ErrUnknownNamespace is returned for a namespace outside the fixed set.
	ErrUnknownNamespace = errors.New("unknown credential namespace")
	// ErrValueInUse is returned when a value is already owned by another user.
	ErrValueInUse = errors.New("credential value already in use")
	// ErrEmptyUserID is returned when a user id is empty.
	ErrEmptyUserID = errors.New("empty user id")
)

// Valid reports whether n is one of the known namespaces.
func (n Namespace) Valid() bool {
	switch n {
	case ClientID, ClientSecret, AccessToken, RefreshToken, RefreshTokenExpires,
		AuthorizationCode, AuthorizationExpires:
		return true
	}
	return false
}

// Indexed reports whether values in n can be resolved back to their owner.
func (n Namespace) Indexed() bool {
	return n.Valid() && n != RefreshTokenExpires && n != AuthorizationExpires
}

func (n Namespace) indexType() string {
	return string(n) + indexSuffix
}

// Store is the credential store adapter. It is safe for concurrent use when
// the underlying repository is.
type Store struct {
	repo     storage.Repository
	sealKey  []byte
	indexKey []byte
}

// NewStore derives the sealing and index keys from secret and returns a Store
// backed by repo.
func NewStore(repo storage.Repository, secret []byte) (*Store, error) {
	sealKey, err := util.HKDF(secret, []byte("hubgate-credential"), []byte("seal"))
	if err != nil {
		return nil, fmt.Errorf("deriving seal key: %w", err)
	}
	indexKey, err := util.HKDF(secret, []byte("hubgate-credential"), []byte("index"))
	if err != nil {
		return nil, fmt.Errorf("deriving index key: %w", err)
	}
	return &Store{repo: repo, sealKey: sealKey, indexKey: indexKey}, nil
}

// Put stores value for userID in ns, replacing any previous value.
func (s *Store) Put(ctx context.Context, ns Namespace, userID, value string) error {
	return s.Update(ctx, func(tx *Tx) error {
		return tx.Put(ns, userID, value)
	})
}

// Get returns the value stored for userID in ns. The boolean is false when
// nothing is stored.
func (s *Store) Get(ctx context.Context, ns Namespace, userID string) (string, bool, error) {
	if !ns.Valid() {
		return "", false, fmt.Errorf("%s: %w", ns, ErrUnknownNamespace)
	}
	raw, err := s.repo.Get(ctx, Bucket, string(ns), userID)
	if storage.IsNotFound(err) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	value, err := s.open(ns, userID, raw)
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

// Delete removes the value for userID in ns. Deleting an absent value is not
// an error.
func (s *Store) Delete(ctx context.Context, ns Namespace, userID string) error {
	return s.Update(ctx, func(tx *Tx) error {
		return tx.Delete(ns, userID)
	})
}

// FindUserByValue resolves value to the user that currently holds it in ns.
// It returns false, never an error, when nothing matches: an empty value, a
// namespace without an index, an unknown value, or an index entry whose owner
// no longer holds that value. Errors are reserved for storage failures.
func (s *Store) FindUserByValue(ctx context.Context, ns Namespace, value string) (string, bool, error) {
	if value == "" || !ns.Indexed() {
		return "", false, nil
	}
	owner, err := s.repo.Get(ctx, Bucket, ns.indexType(), s.indexID(value))
	if storage.IsNotFound(err) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	userID := string(owner)
	if userID == "" {
		return "", false, nil
	}

	current, ok, err := s.Get(ctx, ns, userID)
	if err != nil || !ok {
		return "", false, err
	}
	if subtle.ConstantTimeCompare([]byte(current), []byte(value)) != 1 {
		return "", false, nil
	}
	return userID, true, nil
}

// Update runs fn in a single repository batch. Either every write made
// through tx is applied or none is.
func (s *Store) Update(ctx context.Context, fn func(tx *Tx) error) error {
	return s.repo.Batch(ctx, Bucket, func(btx storage.BatchTx) error {
		return fn(&Tx{store: s, btx: btx})
	})
}

func (s *Store) indexID(value string) string {
	mac := hmac.New(sha256.New, s.indexKey)
	mac.Write([]byte(value))
	return util.HexEncode(mac.Sum(nil))
}

func aad(ns Namespace, userID string) []byte {
	return []byte("hubgate:" + string(ns) + ":" + userID)
}

func (s *Store) seal(ns Namespace, userID, value string) ([]byte, error) {
	return storage.Seal(s.sealKey, []byte(value), aad(ns, userID))
}

func (s *Store) open(ns Namespace, userID string, raw []byte) (string, error) {
	plain, err := storage.Open(s.sealKey, raw, aad(ns, userID))
	if err != nil {
		return "", fmt.Errorf("opening %s for user %s: %w", ns, userID, err)
	}
	return string(plain), nil
}

// Tx is a view of the store inside an Update batch.
type Tx struct {
	store *Store
	btx   storage.BatchTx
}

// Get returns the value for userID in ns as seen by this batch.
func (tx *Tx) Get(ns Namespace, userID string) (string, bool, error) {
	if !ns.Valid() {
		return "", false, fmt.Errorf("%s: %w", ns, ErrUnknownNamespace)
	}
	raw, err := tx.btx.Get(string(ns), userID)
	if storage.IsNotFound(err) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	value, err := tx.store.open(ns, userID, raw)
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

// Put stores value for userID in ns and moves the index entry from the
// previous value to the new one.
func (tx *Tx) Put(ns Namespace, userID, value string) error {
	if !ns.Valid() {
		return fmt.Errorf("%s: %w", ns, ErrUnknownNamespace)
	}
	if userID == "" {
		return ErrEmptyUserID
	}
	if ns.Indexed() {
		if err := tx.dropIndex(ns, userID); err != nil {
			return err
		}
		idx := tx.store.indexID(value)
		owner, err := tx.btx.Get(ns.indexType(), idx)
		switch {
		case err == nil && string(owner) != userID:
			return fmt.Errorf("%s: %w", ns, ErrValueInUse)
		case err != nil && !storage.IsNotFound(err):
			return err
		}
		if err := tx.btx.Put(ns.indexType(), idx, []byte(userID)); err != nil {
			return err
		}
	}
	sealed, err := tx.store.seal(ns, userID, value)
	if err != nil {
		return err
	}
	return tx.btx.Put(string(ns), userID, sealed)
}

// Delete removes the value for userID in ns together with its index entry.
func (tx *Tx) Delete(ns Namespace, userID string) error {
	if !ns.Valid() {
		return fmt.Errorf("%s: %w", ns, ErrUnknownNamespace)
	}
	if ns.Indexed() {
		if err := tx.dropIndex(ns, userID); err != nil {
			return err
		}
	}
	if err := tx.btx.Delete(string(ns), userID); err != nil && !storage.IsNotFound(err) {
		return err
	}
	return nil
}

// dropIndex removes the index entry for the value userID currently holds,
// if that entry still points at userID.
func (tx *Tx) dropIndex(ns Namespace, userID string) error {
	prev, ok, err := tx.Get(ns, userID)
	if err != nil || !ok {
		return err
	}
	idx := tx.store.indexID(prev)
	owner, err := tx.btx.Get(ns.indexType(), idx)
	if storage.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if string(owner) != userID {
		return nil
	}
	if err := tx.btx.Delete(ns.indexType(), idx); err != nil && !storage.IsNotFound(err) {
		return err
	}
	return nil
}
