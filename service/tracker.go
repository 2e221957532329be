package service

import (
	"time"

	"github.com/bitrise-io/go-chunkupload/assembly"
	"github.com/bitrise-io/go-chunkupload/upload"
	"github.com/bitrise-io/go-utils/v2/analytics"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
)

// Tracker records upload events for analytics.
type Tracker interface {
	ChunkStored(rec upload.Record, size int64, took time.Duration)
	UploadFinalized(rec upload.Record, result assembly.Result)
	FinalizeFailed(rec upload.Record, err error)
	Wait()
}

// NopTracker ...
type NopTracker struct{}

func (NopTracker) ChunkStored(upload.Record, int64, time.Duration) {} //nolint:revive
func (NopTracker) UploadFinalized(upload.Record, assembly.Result)  {} //nolint:revive
func (NopTracker) FinalizeFailed(upload.Record, error)             {} //nolint:revive
func (NopTracker) Wait()                                           {} //nolint:revive

type serviceTracker struct {
	tracker analytics.Tracker
}

// NewAnalyticsTracker sends events through the go-utils analytics client.
func NewAnalyticsTracker(envRepo env.Repository, logger log.Logger) Tracker {
	p := analytics.Properties{
		"service":  "chunkupload",
		"hostname": envRepo.Get("HOSTNAME"),
		"region":   envRepo.Get("UPLOAD_REGION"),
	}
	return serviceTracker{tracker: analytics.NewDefaultTracker(logger, p)}
}

func (t serviceTracker) ChunkStored(rec upload.Record, size int64, took time.Duration) {
	t.tracker.Enqueue("chunk_upload_chunk_stored", analytics.Properties{
		"upload_id":    rec.UploadID,
		"chunk_bytes":  size,
		"total_chunks": rec.TotalChunks,
		"store_time_s": took.Seconds(),
	})
}

func (t serviceTracker) UploadFinalized(rec upload.Record, result assembly.Result) {
	t.tracker.Enqueue("chunk_upload_finalized", analytics.Properties{
		"upload_id":       rec.UploadID,
		"mime_type":       rec.MimeType,
		"size_bytes":      result.Size,
		"total_chunks":    rec.TotalChunks,
		"finalize_time_s": result.Duration.Truncate(time.Millisecond).Seconds(),
	})
}

func (t serviceTracker) FinalizeFailed(rec upload.Record, err error) {
	t.tracker.Enqueue("chunk_upload_finalize_failed", analytics.Properties{
		"upload_id":    rec.UploadID,
		"total_chunks": rec.TotalChunks,
		"error":        err.Error(),
	})
}

func (t serviceTracker) Wait() {
	t.tracker.Wait()
}
