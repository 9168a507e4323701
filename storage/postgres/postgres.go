// Package postgres implements storage.Repository backed by PostgreSQL.
//
// The records table uses a composite primary key (bucket, record_type,
// record_id) that mirrors the key space used by the BBolt and in-memory
// backends.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jmcleod/hubgate/storage"
)

// Store implements storage.Repository backed by PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var _ storage.Repository = (*Store)(nil)

// NewRepository returns a Repository backed by the given pgx connection pool.
func NewRepository(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// NewRepositoryFromDSN creates a connection pool from a DSN string, ensures
// the schema exists, and returns a new Repository.
func NewRepositoryFromDSN(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensuring schema: %w", err)
	}
	return NewRepository(pool), nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

const (
	upsertSQL = `INSERT INTO records (bucket, record_type, record_id, value)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (bucket, record_type, record_id)
		 DO UPDATE SET value = $4, updated_at = now()`
	selectSQL = `SELECT value FROM records WHERE bucket = $1 AND record_type = $2 AND record_id = $3`
	deleteSQL = `DELETE FROM records WHERE bucket = $1 AND record_type = $2 AND record_id = $3`
)

func (s *Store) Put(ctx context.Context, bucket, recordType, recordID string, value []byte) error {
	_, err := s.pool.Exec(ctx, upsertSQL, bucket, recordType, recordID, value)
	return err
}

func (s *Store) Get(ctx context.Context, bucket, recordType, recordID string) ([]byte, error) {
	return getRecord(ctx, s.pool, bucket, recordType, recordID)
}

func (s *Store) List(ctx context.Context, bucket, recordType string) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT record_id FROM records WHERE bucket = $1 AND record_type = $2`,
		bucket, recordType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) Delete(ctx context.Context, bucket, recordType, recordID string) error {
	tag, err := s.pool.Exec(ctx, deleteSQL, bucket, recordType, recordID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return notFoundError(ctx, s.pool, bucket, recordType, recordID)
	}
	return nil
}

func (s *Store) Batch(ctx context.Context, bucket string, fn func(tx storage.BatchTx) error) error {
	pgTx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer pgTx.Rollback(ctx) //nolint:errcheck

	btx := &pgBatchTx{ctx: ctx, tx: pgTx, bucket: bucket}
	if err := fn(btx); err != nil {
		return err
	}
	return pgTx.Commit(ctx)
}

type pgBatchTx struct {
	ctx    context.Context
	tx     pgx.Tx
	bucket string
}

var _ storage.BatchTx = (*pgBatchTx)(nil)

func (btx *pgBatchTx) Get(recordType, recordID string) ([]byte, error) {
	var value []byte
	err := btx.tx.QueryRow(btx.ctx, selectSQL+` FOR UPDATE`, btx.bucket, recordType, recordID).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%s/%s: %w", recordType, recordID, storage.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return value, nil
}

func (btx *pgBatchTx) Put(recordType, recordID string, value []byte) error {
	_, err := btx.tx.Exec(btx.ctx, upsertSQL, btx.bucket, recordType, recordID, value)
	return err
}

func (btx *pgBatchTx) Delete(recordType, recordID string) error {
	tag, err := btx.tx.Exec(btx.ctx, deleteSQL, btx.bucket, recordType, recordID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s/%s: %w", recordType, recordID, storage.ErrNotFound)
	}
	return nil
}

// querier abstracts both *pgxpool.Pool and pgx.Tx for shared queries.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func getRecord(ctx context.Context, q querier, bucket, recordType, recordID string) ([]byte, error) {
	var value []byte
	err := q.QueryRow(ctx, selectSQL, bucket, recordType, recordID).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFoundError(ctx, q, bucket, recordType, recordID)
	}
	if err != nil {
		return nil, err
	}
	return value, nil
}

// notFoundError distinguishes a missing bucket from a missing record within
// an existing bucket, preserving the BBolt semantics.
func notFoundError(ctx context.Context, q querier, bucket, recordType, recordID string) error {
	var exists bool
	_ = q.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM records WHERE bucket = $1 LIMIT 1)`,
		bucket).Scan(&exists)
	if !exists {
		return fmt.Errorf("%s: %w", bucket, storage.ErrBucketNotFound)
	}
	return fmt.Errorf("%s/%s: %w", recordType, recordID, storage.ErrNotFound)
}
