package record

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/bitrise-io/go-chunkupload/upload"
)

// MemoryStore keeps records in process memory.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]upload.Record
	now     func() time.Time
}

// NewMemoryStore ...
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: map[string]upload.Record{},
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Upsert ...
func (s *MemoryStore) Upsert(_ context.Context, rec upload.Record) (upload.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	existing, ok := s.records[rec.UploadID]
	if !ok {
		rec.Status = upload.StatusPending
		rec.StoragePath = ""
		rec.CreatedAt = now
		rec.UpdatedAt = now
		s.records[rec.UploadID] = rec
		return rec, nil
	}

	if !existing.Status.Claimable() {
		return existing, nil
	}
	if err := checkLayout(existing, rec); err != nil {
		return upload.Record{}, err
	}

	existing.OriginalFilename = rec.OriginalFilename
	existing.MimeType = rec.MimeType
	existing.TotalSize = rec.TotalSize
	existing.TotalChunks = rec.TotalChunks
	existing.Status = upload.StatusPending
	existing.UpdatedAt = now
	s.records[rec.UploadID] = existing

	return existing, nil
}

// Get ...
func (s *MemoryStore) Get(_ context.Context, uploadID string) (upload.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[uploadID]
	if !ok {
		return upload.Record{}, upload.ErrNotFound
	}
	return rec, nil
}

// Claim ...
func (s *MemoryStore) Claim(_ context.Context, uploadID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[uploadID]
	if !ok {
		return false, upload.ErrNotFound
	}
	if !rec.Status.Claimable() {
		return false, nil
	}
	rec.Status = upload.StatusProcessing
	rec.UpdatedAt = s.now()
	s.records[uploadID] = rec

	return true, nil
}

// SetStatus ...
func (s *MemoryStore) SetStatus(_ context.Context, uploadID string, status upload.Status, storagePath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[uploadID]
	if !ok {
		return upload.ErrNotFound
	}
	rec.Status = status
	rec.StoragePath = storagePathFor(status, storagePath)
	rec.UpdatedAt = s.now()
	s.records[uploadID] = rec

	return nil
}

// ListCompleted ...
func (s *MemoryStore) ListCompleted(_ context.Context, ownerID string) ([]upload.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var list []upload.Record
	for _, rec := range s.records {
		if rec.OwnerID == ownerID && rec.Status == upload.StatusCompleted {
			list = append(list, rec)
		}
	}
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].UploadID < list[j].UploadID
		}
		return list[i].CreatedAt.After(list[j].CreatedAt)
	})

	return list, nil
}

// Delete ...
func (s *MemoryStore) Delete(_ context.Context, uploadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.records, uploadID)
	return nil
}

func storagePathFor(status upload.Status, storagePath string) string {
	if status != upload.StatusCompleted {
		return ""
	}
	return storagePath
}
