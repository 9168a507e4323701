// Package storagetest holds the conformance suite every storage.Repository
// backend runs in its own tests.
package storagetest

import (
	"context"
	"errors"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/hubgate/storage"
)

// Run exercises repo against the Repository contract. The repository must
// be empty on entry.
func Run(t *testing.T, repo storage.Repository) {
	t.Helper()
	ctx := context.Background()
	bucket := "b1"

	t.Run("PutGet", func(t *testing.T) {
		require.NoError(t, repo.Put(ctx, bucket, "TYPE", "id1", []byte("v1")))
		got, err := repo.Get(ctx, bucket, "TYPE", "id1")
		require.NoError(t, err)
		assert.Equal(t, []byte("v1"), got)
	})

	t.Run("Overwrite", func(t *testing.T) {
		require.NoError(t, repo.Put(ctx, bucket, "TYPE", "ow", []byte("a")))
		require.NoError(t, repo.Put(ctx, bucket, "TYPE", "ow", []byte("b")))
		got, err := repo.Get(ctx, bucket, "TYPE", "ow")
		require.NoError(t, err)
		assert.Equal(t, []byte("b"), got)
	})

	t.Run("ReturnedValueIsACopy", func(t *testing.T) {
		require.NoError(t, repo.Put(ctx, bucket, "TYPE", "cp", []byte("abc")))
		got, err := repo.Get(ctx, bucket, "TYPE", "cp")
		require.NoError(t, err)
		got[0] = 'X'
		again, err := repo.Get(ctx, bucket, "TYPE", "cp")
		require.NoError(t, err)
		assert.Equal(t, []byte("abc"), again)
	})

	t.Run("GetMissingRecord", func(t *testing.T) {
		_, err := repo.Get(ctx, bucket, "TYPE", "missing")
		assert.True(t, storage.IsNotFound(err), "got %v", err)
	})

	t.Run("GetMissingBucket", func(t *testing.T) {
		_, err := repo.Get(ctx, "no-such-bucket", "TYPE", "id1")
		assert.True(t, storage.IsNotFound(err), "got %v", err)
	})

	t.Run("List", func(t *testing.T) {
		require.NoError(t, repo.Put(ctx, "list", "A", "1", []byte("x")))
		require.NoError(t, repo.Put(ctx, "list", "A", "2", []byte("x")))
		require.NoError(t, repo.Put(ctx, "list", "B", "3", []byte("x")))
		ids, err := repo.List(ctx, "list", "A")
		require.NoError(t, err)
		sort.Strings(ids)
		assert.Equal(t, []string{"1", "2"}, ids)

		ids, err = repo.List(ctx, "empty-bucket", "A")
		require.NoError(t, err)
		assert.Empty(t, ids)
	})

	t.Run("Delete", func(t *testing.T) {
		require.NoError(t, repo.Put(ctx, bucket, "TYPE", "del", []byte("x")))
		require.NoError(t, repo.Delete(ctx, bucket, "TYPE", "del"))
		_, err := repo.Get(ctx, bucket, "TYPE", "del")
		assert.True(t, storage.IsNotFound(err))

		err = repo.Delete(ctx, bucket, "TYPE", "del")
		assert.True(t, storage.IsNotFound(err), "second delete should report not found, got %v", err)
	})

	t.Run("BatchCommit", func(t *testing.T) {
		err := repo.Batch(ctx, bucket, func(tx storage.BatchTx) error {
			if err := tx.Put("TYPE", "b1", []byte("one")); err != nil {
				return err
			}
			got, err := tx.Get("TYPE", "b1")
			if err != nil {
				return err
			}
			if string(got) != "one" {
				return errors.New("batch did not read its own write")
			}
			return tx.Put("TYPE", "b2", []byte("two"))
		})
		require.NoError(t, err)

		got, err := repo.Get(ctx, bucket, "TYPE", "b2")
		require.NoError(t, err)
		assert.Equal(t, []byte("two"), got)
	})

	t.Run("BatchRollback", func(t *testing.T) {
		require.NoError(t, repo.Put(ctx, bucket, "TYPE", "rb", []byte("before")))
		sentinel := errors.New("abort")
		err := repo.Batch(ctx, bucket, func(tx storage.BatchTx) error {
			if err := tx.Put("TYPE", "rb", []byte("after")); err != nil {
				return err
			}
			if err := tx.Put("TYPE", "rb-new", []byte("x")); err != nil {
				return err
			}
			return sentinel
		})
		assert.ErrorIs(t, err, sentinel)

		got, err := repo.Get(ctx, bucket, "TYPE", "rb")
		require.NoError(t, err)
		assert.Equal(t, []byte("before"), got)
		_, err = repo.Get(ctx, bucket, "TYPE", "rb-new")
		assert.True(t, storage.IsNotFound(err))
	})

	t.Run("BatchDeleteMissing", func(t *testing.T) {
		err := repo.Batch(ctx, bucket, func(tx storage.BatchTx) error {
			return tx.Delete("TYPE", "never-existed")
		})
		assert.True(t, storage.IsNotFound(err), "got %v", err)
	})
}
