package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.etcd.io/bbolt"
	bolterrors "go.etcd.io/bbolt/errors"

	"github.com/jmcleod/hubgate/credential"
	"github.com/jmcleod/hubgate/internal/config"
	"github.com/jmcleod/hubgate/internal/util"
	"github.com/jmcleod/hubgate/storage"
	bboltstorage "github.com/jmcleod/hubgate/storage/bbolt"
	"github.com/jmcleod/hubgate/storage/memory"
	"github.com/jmcleod/hubgate/storage/postgres"
	"github.com/jmcleod/hubgate/token"
)

const (
	storageSecretBytes = 32
	sessionKeyInfo     = "hubgate session wrapping key"
)

// storageLockTimeout bounds the wait for the bbolt file lock, which a
// running server holds for its whole lifetime.
var storageLockTimeout = 2 * time.Second

// loadConfig reads the configuration named by --config. Callers validate
// after applying their flag overrides.
func loadConfig() (config.Config, error) {
	return config.Load(configPath)
}

// openStorage opens the configured repository. The returned func closes it.
func openStorage(ctx context.Context, cfg config.Config) (storage.Repository, func(), error) {
	switch cfg.Storage.Backend {
	case config.BackendMemory:
		return memory.NewRepository(), func() {}, nil
	case config.BackendPostgres:
		repo, err := postgres.NewRepositoryFromDSN(ctx, cfg.Storage.PostgresDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open postgres storage: %w", err)
		}
		return repo, repo.Close, nil
	default:
		if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
			return nil, nil, fmt.Errorf("failed to create data directory: %w", err)
		}
		path := cfg.Resolve(cfg.Storage.Path)
		repo, err := bboltstorage.NewRepositoryFromFile(path, &bbolt.Options{Timeout: storageLockTimeout})
		if errors.Is(err, bolterrors.ErrTimeout) {
			return nil, nil, fmt.Errorf("bbolt storage %s is locked by another process (is the server running?): %w", path, err)
		}
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open bbolt storage: %w", err)
		}
		return repo, func() { _ = repo.Close() }, nil
	}
}

// loadStorageSecret reads the at-rest secret, creating it on first start.
func loadStorageSecret(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		secret := []byte(strings.TrimSpace(string(data)))
		if len(secret) == 0 {
			return nil, fmt.Errorf("storage secret %s is empty", path)
		}
		return secret, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("reading storage secret: %w", err)
	}

	raw, err := util.RandomBytes(storageSecretBytes)
	if err != nil {
		return nil, err
	}
	secret := []byte(util.HexEncode(raw))
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating storage secret directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, fmt.Errorf("creating storage secret: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(secret, '\n')); err != nil {
		return nil, fmt.Errorf("writing storage secret: %w", err)
	}
	return secret, nil
}

// sessionWrappingKey derives the key sealing browser session keys at rest.
func sessionWrappingKey(secret []byte) ([]byte, error) {
	return util.HKDF(secret, nil, []byte(sessionKeyInfo))
}

// newTokenManager builds the credential store and token manager over repo.
func newTokenManager(cfg config.Config, repo storage.Repository, secret []byte) (*token.Manager, error) {
	creds, err := credential.NewStore(repo, secret)
	if err != nil {
		return nil, fmt.Errorf("opening credential store: %w", err)
	}
	return token.NewManager(creds,
		token.WithRefreshTTL(cfg.Tokens.RefreshTTL.Std()),
		token.WithCodeTTL(cfg.Tokens.CodeTTL.Std()),
	), nil
}
