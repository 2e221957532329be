// Package record persists upload records.
package record

import (
	"context"
	"fmt"

	"github.com/bitrise-io/go-chunkupload/upload"
)

// Store is the durable table of upload records, keyed by upload id.
type Store interface {
	// Upsert creates the record or refreshes the metadata of an existing one and returns the stored state.
	// A failed record takes the new metadata and goes back to pending. A pending record rejects a
	// different total_chunks or total_size with an *upload.ValidationError and stays unchanged.
	// A processing or completed record is returned unchanged. The owner of an existing record never changes.
	Upsert(ctx context.Context, rec upload.Record) (upload.Record, error)
	// Get returns upload.ErrNotFound when the id is unknown.
	Get(ctx context.Context, uploadID string) (upload.Record, error)
	// Claim atomically moves a pending or failed record to processing.
	// It reports false when the record was in any other status.
	Claim(ctx context.Context, uploadID string) (bool, error)
	// SetStatus stores the status. storagePath is kept only for upload.StatusCompleted.
	SetStatus(ctx context.Context, uploadID string, status upload.Status, storagePath string) error
	// ListCompleted returns the owner's completed uploads, newest first.
	ListCompleted(ctx context.Context, ownerID string) ([]upload.Record, error)
	// Delete removes the record. Deleting an unknown id is not an error.
	Delete(ctx context.Context, uploadID string) error
}

// checkLayout rejects a request that would change the chunk layout of a pending upload.
func checkLayout(stored, requested upload.Record) error {
	if stored.Status != upload.StatusPending {
		return nil
	}
	if stored.TotalChunks != requested.TotalChunks {
		return &upload.ValidationError{Field: "total_chunks", Reason: fmt.Sprintf("upload has %d chunks", stored.TotalChunks)}
	}
	if stored.TotalSize != requested.TotalSize {
		return &upload.ValidationError{Field: "total_size", Reason: fmt.Sprintf("upload has %d bytes", stored.TotalSize)}
	}
	return nil
}
