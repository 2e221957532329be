// Package service implements the upload operations: initiate, store chunk, status, download, list and delete.
package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/bitrise-io/go-chunkupload/assembly"
	"github.com/bitrise-io/go-chunkupload/blob"
	"github.com/bitrise-io/go-chunkupload/compression"
	"github.com/bitrise-io/go-chunkupload/lock"
	"github.com/bitrise-io/go-chunkupload/notify"
	"github.com/bitrise-io/go-chunkupload/record"
	"github.com/bitrise-io/go-chunkupload/upload"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/google/uuid"
)

// ChunkRequest is one received chunk with its upload metadata.
type ChunkRequest struct {
	upload.ChunkMeta
	Data io.Reader
	// Size is the transferred payload length, or -1 when unknown.
	Size     int64
	Encoding compression.Encoding
}

// StatusReport is the client visible state of an upload.
type StatusReport struct {
	UploadID      string        `json:"upload_id"`
	Status        upload.Status `json:"status"`
	IsComplete    bool          `json:"is_complete"`
	TotalChunks   int           `json:"total_chunks"`
	Filename      string        `json:"filename"`
	MissingChunks []int         `json:"missing_chunks"`
}

// Download is an open final file.
type Download struct {
	Record upload.Record
	Body   io.ReadCloser
}

// Params ...
type Params struct {
	Blobs    blob.Store
	Records  record.Store
	Locker   lock.Locker
	Notifier notify.Notifier
	Tracker  Tracker
	Limits   upload.Limits
	Logger   log.Logger
}

// Service ...
type Service struct {
	blobs     blob.Store
	records   record.Store
	locker    lock.Locker
	notifier  notify.Notifier
	tracker   Tracker
	limits    upload.Limits
	logger    log.Logger
	chunks    *assembly.Tracker
	assembler *assembly.Assembler
	newID     func() string
}

// New ...
func New(params Params) *Service {
	if params.Locker == nil {
		params.Locker = lock.NewKeyedMutex()
	}
	if params.Notifier == nil {
		params.Notifier = notify.NopNotifier{}
	}
	if params.Tracker == nil {
		params.Tracker = NopTracker{}
	}

	return &Service{
		blobs:     params.Blobs,
		records:   params.Records,
		locker:    params.Locker,
		notifier:  params.Notifier,
		tracker:   params.Tracker,
		limits:    params.Limits,
		logger:    params.Logger,
		chunks:    assembly.NewTracker(params.Blobs),
		assembler: assembly.NewAssembler(params.Blobs, params.Records, params.Logger),
		newID:     uuid.NewString,
	}
}

// Initiate returns a fresh upload id. No state is created until the first chunk arrives.
func (s *Service) Initiate(_ context.Context) (string, error) {
	return s.newID(), nil
}

// StoreChunk validates and stores one chunk, then finalizes the upload when it was the last missing one.
// The payload is decoded and checked before the record is touched.
// Chunks for an upload that is already processing or completed are accepted without being written.
func (s *Service) StoreChunk(ctx context.Context, ownerID string, req ChunkRequest) (StatusReport, error) {
	if err := s.limits.Validate(req.ChunkMeta, req.Size); err != nil {
		return StatusReport{}, err
	}
	if req.Data == nil || req.Size == 0 {
		return StatusReport{}, &upload.ValidationError{Field: "chunk", Reason: "must not be empty"}
	}

	payload, err := s.readPayload(req)
	if err != nil {
		return StatusReport{}, err
	}

	rec, err := s.records.Upsert(ctx, upload.Record{
		UploadID:         req.UploadID,
		OwnerID:          ownerID,
		OriginalFilename: req.Filename,
		MimeType:         req.MimeType,
		TotalSize:        req.TotalSize,
		TotalChunks:      req.TotalChunks,
	})
	if err != nil {
		var validationErr *upload.ValidationError
		if errors.As(err, &validationErr) {
			return StatusReport{}, err
		}
		return StatusReport{}, fmt.Errorf("save upload record: %w", err)
	}

	if rec.Status.Claimable() {
		if err := s.writeChunk(ctx, rec, req.Index, payload); err != nil {
			return StatusReport{}, err
		}

		if err := s.finalizeIfComplete(ctx, rec); err != nil {
			return StatusReport{}, err
		}
	} else {
		s.logger.Debugf("[%s] Upload is %s, chunk %d ignored", rec.UploadID, rec.Status, req.Index)
	}

	return s.Status(ctx, rec.UploadID)
}

// readPayload decodes the whole chunk, bounded by the chunk size limit.
func (s *Service) readPayload(req ChunkRequest) ([]byte, error) {
	decoded, err := compression.Decode(req.Data, req.Encoding, s.limits.MaxChunkSize)
	if err != nil {
		return nil, &upload.ValidationError{Field: "chunk_encoding", Reason: err.Error()}
	}
	defer func() {
		if err := decoded.Close(); err != nil {
			s.logger.Warnf("[%s] Failed to close chunk %d reader: %s", req.UploadID, req.Index, err)
		}
	}()

	var buf bytes.Buffer
	if req.Size > 0 && req.Encoding == compression.Identity {
		buf.Grow(int(req.Size))
	}
	if _, err := buf.ReadFrom(decoded); err != nil {
		switch {
		case errors.Is(err, compression.ErrTooLarge):
			return nil, &upload.ValidationError{Field: "chunk", Reason: fmt.Sprintf("exceeds the maximum of %d bytes", s.limits.MaxChunkSize)}
		case req.Encoding != compression.Identity:
			return nil, &upload.ValidationError{Field: "chunk_encoding", Reason: err.Error()}
		}
		return nil, fmt.Errorf("read chunk %d: %w", req.Index, err)
	}
	if buf.Len() == 0 {
		return nil, &upload.ValidationError{Field: "chunk", Reason: "must not be empty"}
	}

	return buf.Bytes(), nil
}

func (s *Service) writeChunk(ctx context.Context, rec upload.Record, index int, payload []byte) error {
	start := time.Now()

	key := upload.ChunkKey(rec.UploadID, index)
	written, err := s.blobs.Put(ctx, key, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("store chunk %d: %w", index, err)
	}

	// A finalize that won the claim after our upsert may have cleaned up the chunks already.
	current, err := s.records.Get(ctx, rec.UploadID)
	if err != nil {
		return fmt.Errorf("reload upload record: %w", err)
	}
	if current.Status == upload.StatusCompleted {
		if err := s.blobs.Delete(ctx, key); err != nil {
			s.logger.Warnf("[%s] Failed to remove late chunk %d: %s", rec.UploadID, index, err)
		}
		s.logger.Debugf("[%s] Upload completed meanwhile, chunk %d dropped", rec.UploadID, index)
		return nil
	}

	took := time.Since(start)
	s.logger.Debugf("[%s] Stored chunk %d/%d (%d bytes) in %s", rec.UploadID, index+1, rec.TotalChunks, written, took.Round(time.Millisecond))
	s.tracker.ChunkStored(rec, written, took)

	return nil
}

// finalizeIfComplete runs the finalize when every chunk is present and nobody else is already running it.
func (s *Service) finalizeIfComplete(ctx context.Context, rec upload.Record) error {
	complete, err := s.chunks.IsComplete(ctx, rec)
	if err != nil {
		return fmt.Errorf("check completeness: %w", err)
	}
	if !complete {
		return nil
	}

	release, ok, err := s.locker.TryLock(ctx, rec.UploadID)
	if err != nil {
		return fmt.Errorf("lock upload: %w", err)
	}
	if !ok {
		s.logger.Debugf("[%s] Finalize already running elsewhere", rec.UploadID)
		return nil
	}
	defer release()

	result, err := s.assembler.Finalize(ctx, rec)
	if errors.Is(err, upload.ErrFinalizeInProgress) {
		s.logger.Debugf("[%s] Finalize already claimed", rec.UploadID)
		return nil
	}
	if err != nil {
		s.tracker.FinalizeFailed(rec, err)
		return err
	}

	s.tracker.UploadFinalized(rec, result)
	s.publishCompleted(ctx, rec, result)

	return nil
}

func (s *Service) publishCompleted(ctx context.Context, rec upload.Record, result assembly.Result) {
	evt := notify.UploadCompletedEvent{
		UploadID:    rec.UploadID,
		OwnerID:     rec.OwnerID,
		Filename:    rec.OriginalFilename,
		MimeType:    rec.MimeType,
		Size:        result.Size,
		StoragePath: result.StoragePath,
		CompletedAt: time.Now().UTC(),
	}
	if err := s.notifier.UploadCompleted(ctx, evt); err != nil {
		s.logger.Warnf("[%s] Failed to publish completion: %s", rec.UploadID, err)
	}
}

// Status returns upload.ErrNotFound for unknown ids.
func (s *Service) Status(ctx context.Context, uploadID string) (StatusReport, error) {
	rec, err := s.records.Get(ctx, uploadID)
	if err != nil {
		return StatusReport{}, err
	}

	missing := []int{}
	if rec.Status.Claimable() {
		missing, err = s.chunks.Missing(ctx, rec)
		if err != nil {
			return StatusReport{}, fmt.Errorf("list missing chunks: %w", err)
		}
	}

	return StatusReport{
		UploadID:      rec.UploadID,
		Status:        rec.Status,
		IsComplete:    rec.Status == upload.StatusCompleted,
		TotalChunks:   rec.TotalChunks,
		Filename:      rec.OriginalFilename,
		MissingChunks: missing,
	}, nil
}

// Download opens the final file. Returns upload.ErrNotReady unless the upload is completed.
func (s *Service) Download(ctx context.Context, uploadID string) (Download, error) {
	rec, err := s.records.Get(ctx, uploadID)
	if err != nil {
		return Download{}, err
	}
	if rec.Status != upload.StatusCompleted {
		return Download{}, upload.ErrNotReady
	}

	body, err := s.blobs.Get(ctx, rec.StoragePath)
	if err != nil {
		if errors.Is(err, blob.ErrNotExist) {
			s.logger.Errorf("[%s] Completed upload has no final file at %s", rec.UploadID, rec.StoragePath)
			return Download{}, upload.ErrNotFound
		}
		return Download{}, fmt.Errorf("open final file: %w", err)
	}

	return Download{Record: rec, Body: body}, nil
}

// List returns the owner's completed uploads, newest first.
func (s *Service) List(ctx context.Context, ownerID string) ([]upload.Record, error) {
	list, err := s.records.ListCompleted(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list uploads: %w", err)
	}
	if list == nil {
		list = []upload.Record{}
	}
	return list, nil
}

// Delete purges the final file, chunk remnants, the staging file and the record.
// Deleting an unknown upload succeeds.
func (s *Service) Delete(ctx context.Context, uploadID string) error {
	if err := upload.ValidateUploadID(uploadID); err != nil {
		return err
	}

	if err := s.blobs.DeletePrefix(ctx, upload.FinalPrefix(uploadID)); err != nil {
		return fmt.Errorf("delete final file: %w", err)
	}
	if err := s.blobs.DeletePrefix(ctx, upload.ChunkPrefix(uploadID)); err != nil {
		return fmt.Errorf("delete chunks: %w", err)
	}
	if err := s.blobs.Delete(ctx, upload.StagingKey(uploadID)); err != nil {
		return fmt.Errorf("delete staging file: %w", err)
	}
	if err := s.records.Delete(ctx, uploadID); err != nil {
		return fmt.Errorf("delete upload record: %w", err)
	}

	s.logger.Infof("[%s] Upload deleted", uploadID)
	return nil
}
