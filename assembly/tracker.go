// Package assembly decides when an upload has every chunk and merges the chunks into the final file.
package assembly

import (
	"context"
	"fmt"

	"github.com/bitrise-io/go-chunkupload/blob"
	"github.com/bitrise-io/go-chunkupload/upload"
)

// Tracker reads chunk presence from the blob store. A stored chunk blob is the only "received" signal.
type Tracker struct {
	blobs blob.Store
}

// NewTracker ...
func NewTracker(blobs blob.Store) *Tracker {
	return &Tracker{blobs: blobs}
}

// IsComplete reports whether every chunk index in [0, TotalChunks) has a blob.
// It stops at the first gap.
func (t *Tracker) IsComplete(ctx context.Context, rec upload.Record) (bool, error) {
	for i := 0; i < rec.TotalChunks; i++ {
		exists, err := t.blobs.Exists(ctx, upload.ChunkKey(rec.UploadID, i))
		if err != nil {
			return false, fmt.Errorf("check chunk %d: %w", i, err)
		}
		if !exists {
			return false, nil
		}
	}
	return rec.TotalChunks > 0, nil
}

// Missing lists the chunk indices without a blob in ascending order.
func (t *Tracker) Missing(ctx context.Context, rec upload.Record) ([]int, error) {
	missing := []int{}
	for i := 0; i < rec.TotalChunks; i++ {
		exists, err := t.blobs.Exists(ctx, upload.ChunkKey(rec.UploadID, i))
		if err != nil {
			return nil, fmt.Errorf("check chunk %d: %w", i, err)
		}
		if !exists {
			missing = append(missing, i)
		}
	}
	return missing, nil
}
