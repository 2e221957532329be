package assembly

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/bitrise-io/go-chunkupload/blob"
	"github.com/bitrise-io/go-chunkupload/record"
	"github.com/bitrise-io/go-chunkupload/upload"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"
)

var errStagingStopped = errors.New("staging write stopped")

// Result describes a successful finalize.
type Result struct {
	StoragePath string
	Size        int64
	Duration    time.Duration
}

// Assembler merges the chunks of a complete upload into its final file.
type Assembler struct {
	blobs   blob.Store
	records record.Store
	logger  log.Logger
}

// NewAssembler ...
func NewAssembler(blobs blob.Store, records record.Store, logger log.Logger) *Assembler {
	return &Assembler{
		blobs:   blobs,
		records: records,
		logger:  logger,
	}
}

// Finalize claims the upload, streams its chunks in index order into the staging blob, checks the
// byte count against the declared size and promotes the result to the final key.
//
// The caller must have observed completeness. Only one caller wins the claim; the others get
// upload.ErrFinalizeInProgress without side effects. Any later failure marks the upload failed and is
// returned. Chunks are kept until the upload is completed, so a failed finalize can run again.
func (a *Assembler) Finalize(ctx context.Context, rec upload.Record) (Result, error) {
	claimed, err := a.records.Claim(ctx, rec.UploadID)
	if err != nil {
		return Result{}, fmt.Errorf("claim upload %s: %w", rec.UploadID, err)
	}
	if !claimed {
		return Result{}, upload.ErrFinalizeInProgress
	}

	start := time.Now()
	a.logger.Debugf("[%s] Assembling %d chunks of %s", rec.UploadID, rec.TotalChunks, rec.OriginalFilename)

	storagePath, size, err := a.assemble(ctx, rec)
	if err == nil {
		err = a.records.SetStatus(ctx, rec.UploadID, upload.StatusCompleted, storagePath)
		if err != nil {
			err = fmt.Errorf("mark completed: %w", err)
		}
	}
	if err != nil {
		a.fail(rec, err)
		return Result{}, fmt.Errorf("finalize upload %s: %w", rec.UploadID, err)
	}

	a.cleanup(ctx, rec)

	took := time.Since(start)
	a.logger.Donef("[%s] Assembled %s (%s) in %s", rec.UploadID, storagePath,
		units.HumanSizeWithPrecision(float64(size), 3), took.Round(time.Millisecond))

	return Result{StoragePath: storagePath, Size: size, Duration: took}, nil
}

func (a *Assembler) assemble(ctx context.Context, rec upload.Record) (string, int64, error) {
	staging := upload.StagingKey(rec.UploadID)

	pr, pw := io.Pipe()
	mergeErr := make(chan error, 1)
	go func() {
		err := a.mergeChunks(ctx, rec, pw)
		_ = pw.CloseWithError(err)
		mergeErr <- err
	}()

	written, putErr := a.blobs.Put(ctx, staging, pr)
	// Unblocks the merge goroutine when Put gave up before draining the pipe.
	_ = pr.CloseWithError(errStagingStopped)
	if err := <-mergeErr; err != nil && !errors.Is(err, errStagingStopped) {
		a.removeStaging(rec)
		return "", written, err
	}
	if putErr != nil {
		a.removeStaging(rec)
		return "", written, fmt.Errorf("write staging file: %w", putErr)
	}

	if written != rec.TotalSize {
		a.removeStaging(rec)
		return "", written, &upload.SizeMismatchError{Expected: rec.TotalSize, Actual: written}
	}

	final := upload.FinalKey(rec.UploadID, rec.OriginalFilename)
	if err := a.blobs.Move(ctx, staging, final); err != nil {
		a.removeStaging(rec)
		return "", written, fmt.Errorf("promote staging file: %w", err)
	}

	exists, err := a.blobs.Exists(ctx, final)
	if err != nil {
		return "", written, fmt.Errorf("verify final file: %w", err)
	}
	if !exists {
		return "", written, fmt.Errorf("final file %s missing after promotion", final)
	}

	return final, written, nil
}

func (a *Assembler) mergeChunks(ctx context.Context, rec upload.Record, w io.Writer) error {
	for i := 0; i < rec.TotalChunks; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := a.appendChunk(ctx, rec.UploadID, i, w); err != nil {
			return err
		}
	}
	return nil
}

func (a *Assembler) appendChunk(ctx context.Context, uploadID string, index int, w io.Writer) error {
	r, err := a.blobs.Get(ctx, upload.ChunkKey(uploadID, index))
	if err != nil {
		return fmt.Errorf("read chunk %d: %w", index, err)
	}
	defer func() {
		if err := r.Close(); err != nil {
			a.logger.Warnf("[%s] Failed to close chunk %d: %s", uploadID, index, err)
		}
	}()

	if _, err := io.Copy(w, r); err != nil {
		return fmt.Errorf("append chunk %d: %w", index, err)
	}
	return nil
}

// fail persists the failed status on a fresh context, so a cancelled request still leaves a retryable upload.
func (a *Assembler) fail(rec upload.Record, cause error) {
	a.logger.Errorf("[%s] Finalize failed: %s", rec.UploadID, cause)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.records.SetStatus(ctx, rec.UploadID, upload.StatusFailed, ""); err != nil {
		a.logger.Errorf("[%s] Failed to mark upload as failed: %s", rec.UploadID, err)
	}
}

func (a *Assembler) removeStaging(rec upload.Record) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.blobs.Delete(ctx, upload.StagingKey(rec.UploadID)); err != nil {
		a.logger.Warnf("[%s] Failed to remove staging file: %s", rec.UploadID, err)
	}
}

// cleanup drops the staging blob and the chunk namespace of a completed upload.
// Leftovers only cost storage and are purged by Delete.
func (a *Assembler) cleanup(ctx context.Context, rec upload.Record) {
	if err := a.blobs.Delete(ctx, upload.StagingKey(rec.UploadID)); err != nil {
		a.logger.Warnf("[%s] Failed to remove staging file: %s", rec.UploadID, err)
	}
	if err := a.blobs.DeletePrefix(ctx, upload.ChunkPrefix(rec.UploadID)); err != nil {
		a.logger.Warnf("[%s] Failed to remove chunks: %s", rec.UploadID, err)
	}
}
