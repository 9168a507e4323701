// Package storage provides the key-value abstraction hubgate persists
// credentials, browser sessions and directory state in.
//
// Records are addressed by (bucket, recordType, recordID) and carry opaque
// byte values. Callers that need confidentiality seal values with SealRecord
// before handing them to a Repository.
package storage

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrBucketNotFound is returned when the bucket itself does not exist.
	ErrBucketNotFound = errors.New("bucket not found")
)

// IsNotFound reports whether err means the record or its bucket is absent.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrBucketNotFound)
}

// BatchTx provides reads and writes within an atomic transaction.
// The bucket is scoped to the batch, so methods don't require it.
type BatchTx interface {
	Get(recordType string, recordID string) ([]byte, error)
	Put(recordType string, recordID string, value []byte) error
	Delete(recordType string, recordID string) error
}

// Repository defines the interface for record storage.
type Repository interface {
	Get(ctx context.Context, bucket string, recordType string, recordID string) ([]byte, error)
	Put(ctx context.Context, bucket string, recordType string, recordID string, value []byte) error
	Delete(ctx context.Context, bucket string, recordType string, recordID string) error
	List(ctx context.Context, bucket string, recordType string) ([]string, error)
	// Batch runs fn atomically. If fn returns an error no write is applied.
	Batch(ctx context.Context, bucket string, fn func(tx BatchTx) error) error
}
