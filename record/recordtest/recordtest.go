// Package recordtest checks the behaviour every record.Store implementation shares.
// The unit tests run it against the in-memory store, the integration tests against the real backends.
package recordtest

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bitrise-io/go-chunkupload/record"
	"github.com/bitrise-io/go-chunkupload/upload"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// NewRecord returns a valid record with a fresh upload id.
func NewRecord(owner string) upload.Record {
	return upload.Record{
		UploadID:         uuid.NewString(),
		OwnerID:          owner,
		OriginalFilename: "report.pdf",
		MimeType:         "application/pdf",
		TotalSize:        5 * 1024 * 1024,
		TotalChunks:      3,
	}
}

// Run executes the shared checks. newStore is called once per subtest.
func Run(t *testing.T, newStore func(t *testing.T) record.Store) {
	ctx := context.Background()

	t.Run("upsert creates a pending record", func(t *testing.T) {
		store := newStore(t)
		rec := NewRecord("owner-1")

		got, err := store.Upsert(ctx, rec)
		require.NoError(t, err)

		assert.Equal(t, upload.StatusPending, got.Status)
		assert.Empty(t, got.StoragePath)
		assert.False(t, got.CreatedAt.IsZero())

		stored, err := store.Get(ctx, rec.UploadID)
		require.NoError(t, err)
		assert.Equal(t, rec.OriginalFilename, stored.OriginalFilename)
		assert.Equal(t, rec.TotalSize, stored.TotalSize)
		assert.Equal(t, rec.TotalChunks, stored.TotalChunks)
	})

	t.Run("upsert is idempotent and keeps the owner", func(t *testing.T) {
		store := newStore(t)
		rec := NewRecord("owner-1")

		first, err := store.Upsert(ctx, rec)
		require.NoError(t, err)

		rec.OwnerID = "someone-else"
		rec.OriginalFilename = "renamed.pdf"
		second, err := store.Upsert(ctx, rec)
		require.NoError(t, err)

		assert.Equal(t, "owner-1", second.OwnerID)
		assert.Equal(t, "renamed.pdf", second.OriginalFilename)
		assert.True(t, first.CreatedAt.Equal(second.CreatedAt))
	})

	t.Run("upsert resets failed to pending", func(t *testing.T) {
		store := newStore(t)
		rec := NewRecord("owner-1")
		_, err := store.Upsert(ctx, rec)
		require.NoError(t, err)
		require.NoError(t, store.SetStatus(ctx, rec.UploadID, upload.StatusFailed, ""))

		got, err := store.Upsert(ctx, rec)
		require.NoError(t, err)

		assert.Equal(t, upload.StatusPending, got.Status)
	})

	t.Run("upsert rejects a new chunk layout on a pending record", func(t *testing.T) {
		store := newStore(t)
		rec := NewRecord("owner-1")
		_, err := store.Upsert(ctx, rec)
		require.NoError(t, err)

		for field, modify := range map[string]func(r *upload.Record){
			"total_chunks": func(r *upload.Record) { r.TotalChunks = 2 },
			"total_size":   func(r *upload.Record) { r.TotalSize = 1 },
		} {
			changed := rec
			modify(&changed)

			_, err := store.Upsert(ctx, changed)

			var validationErr *upload.ValidationError
			require.ErrorAs(t, err, &validationErr)
			assert.Equal(t, field, validationErr.Field)
		}

		stored, err := store.Get(ctx, rec.UploadID)
		require.NoError(t, err)
		assert.Equal(t, upload.StatusPending, stored.Status)
		assert.Equal(t, rec.TotalChunks, stored.TotalChunks)
		assert.Equal(t, rec.TotalSize, stored.TotalSize)
	})

	t.Run("upsert of a failed record takes the new chunk layout", func(t *testing.T) {
		store := newStore(t)
		rec := NewRecord("owner-1")
		_, err := store.Upsert(ctx, rec)
		require.NoError(t, err)
		require.NoError(t, store.SetStatus(ctx, rec.UploadID, upload.StatusFailed, ""))

		rec.TotalChunks = 2
		rec.TotalSize = 4 * 1024 * 1024
		got, err := store.Upsert(ctx, rec)
		require.NoError(t, err)

		assert.Equal(t, upload.StatusPending, got.Status)
		assert.Equal(t, 2, got.TotalChunks)
		assert.Equal(t, int64(4*1024*1024), got.TotalSize)
	})

	t.Run("upsert never downgrades processing or completed", func(t *testing.T) {
		for _, status := range []upload.Status{upload.StatusProcessing, upload.StatusCompleted} {
			store := newStore(t)
			rec := NewRecord("owner-1")
			_, err := store.Upsert(ctx, rec)
			require.NoError(t, err)
			require.NoError(t, store.SetStatus(ctx, rec.UploadID, status, "uploads/x/report.pdf"))

			rec.OriginalFilename = "other.pdf"
			got, err := store.Upsert(ctx, rec)
			require.NoError(t, err)

			assert.Equal(t, status, got.Status)
			assert.Equal(t, "report.pdf", got.OriginalFilename)
		}
	})

	t.Run("get unknown id", func(t *testing.T) {
		store := newStore(t)

		_, err := store.Get(ctx, uuid.NewString())
		assert.ErrorIs(t, err, upload.ErrNotFound)
	})

	t.Run("claim is granted once", func(t *testing.T) {
		store := newStore(t)
		rec := NewRecord("owner-1")
		_, err := store.Upsert(ctx, rec)
		require.NoError(t, err)

		var granted int32
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				ok, err := store.Claim(ctx, rec.UploadID)
				assert.NoError(t, err)
				if ok {
					atomic.AddInt32(&granted, 1)
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, int32(1), granted)
		got, err := store.Get(ctx, rec.UploadID)
		require.NoError(t, err)
		assert.Equal(t, upload.StatusProcessing, got.Status)
	})

	t.Run("claim after failure", func(t *testing.T) {
		store := newStore(t)
		rec := NewRecord("owner-1")
		_, err := store.Upsert(ctx, rec)
		require.NoError(t, err)
		require.NoError(t, store.SetStatus(ctx, rec.UploadID, upload.StatusFailed, ""))

		ok, err := store.Claim(ctx, rec.UploadID)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("claim completed upload", func(t *testing.T) {
		store := newStore(t)
		rec := NewRecord("owner-1")
		_, err := store.Upsert(ctx, rec)
		require.NoError(t, err)
		require.NoError(t, store.SetStatus(ctx, rec.UploadID, upload.StatusCompleted, "uploads/x/report.pdf"))

		ok, err := store.Claim(ctx, rec.UploadID)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("claim unknown id", func(t *testing.T) {
		store := newStore(t)

		_, err := store.Claim(ctx, uuid.NewString())
		assert.ErrorIs(t, err, upload.ErrNotFound)
	})

	t.Run("storage path only on completed", func(t *testing.T) {
		store := newStore(t)
		rec := NewRecord("owner-1")
		_, err := store.Upsert(ctx, rec)
		require.NoError(t, err)

		require.NoError(t, store.SetStatus(ctx, rec.UploadID, upload.StatusFailed, "uploads/x/report.pdf"))
		got, err := store.Get(ctx, rec.UploadID)
		require.NoError(t, err)
		assert.Empty(t, got.StoragePath)

		require.NoError(t, store.SetStatus(ctx, rec.UploadID, upload.StatusCompleted, "uploads/x/report.pdf"))
		got, err = store.Get(ctx, rec.UploadID)
		require.NoError(t, err)
		assert.Equal(t, "uploads/x/report.pdf", got.StoragePath)
	})

	t.Run("set status of unknown id", func(t *testing.T) {
		store := newStore(t)

		err := store.SetStatus(ctx, uuid.NewString(), upload.StatusFailed, "")
		assert.ErrorIs(t, err, upload.ErrNotFound)
	})

	t.Run("list completed newest first", func(t *testing.T) {
		store := newStore(t)
		owner := "owner-" + uuid.NewString()

		var completed []string
		for i := 0; i < 3; i++ {
			rec := NewRecord(owner)
			_, err := store.Upsert(ctx, rec)
			require.NoError(t, err)
			require.NoError(t, store.SetStatus(ctx, rec.UploadID, upload.StatusCompleted, upload.FinalKey(rec.UploadID, rec.OriginalFilename)))
			completed = append(completed, rec.UploadID)
			time.Sleep(5 * time.Millisecond)
		}
		pending := NewRecord(owner)
		_, err := store.Upsert(ctx, pending)
		require.NoError(t, err)
		other := NewRecord("owner-" + uuid.NewString())
		_, err = store.Upsert(ctx, other)
		require.NoError(t, err)
		require.NoError(t, store.SetStatus(ctx, other.UploadID, upload.StatusCompleted, "uploads/y/report.pdf"))

		list, err := store.ListCompleted(ctx, owner)
		require.NoError(t, err)

		var ids []string
		for _, rec := range list {
			ids = append(ids, rec.UploadID)
		}
		assert.Equal(t, []string{completed[2], completed[1], completed[0]}, ids)
	})

	t.Run("delete", func(t *testing.T) {
		store := newStore(t)
		rec := NewRecord("owner-1")
		_, err := store.Upsert(ctx, rec)
		require.NoError(t, err)

		require.NoError(t, store.Delete(ctx, rec.UploadID))
		require.NoError(t, store.Delete(ctx, rec.UploadID))

		_, err = store.Get(ctx, rec.UploadID)
		assert.ErrorIs(t, err, upload.ErrNotFound)
	})
}
