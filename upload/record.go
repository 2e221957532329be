// Package upload holds the data model shared by the server side of the chunked upload flow:
// the upload record, its status lifecycle and the blob key layout.
package upload

import (
	"strconv"
	"time"
)

// Status is the lifecycle state of an upload record.
type Status string

// Upload statuses.
const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Claimable reports whether an upload in this status may be moved to processing.
func (s Status) Claimable() bool {
	return s == StatusPending || s == StatusFailed
}

// Record is the durable metadata of one upload.
// StoragePath is only set once Status is StatusCompleted.
type Record struct {
	UploadID         string    `json:"upload_id" db:"upload_id" dynamodbav:"upload_id"`
	OwnerID          string    `json:"owner_id" db:"owner_id" dynamodbav:"owner_id"`
	OriginalFilename string    `json:"original_filename" db:"original_filename" dynamodbav:"original_filename"`
	MimeType         string    `json:"mime_type" db:"mime_type" dynamodbav:"mime_type"`
	TotalSize        int64     `json:"total_size" db:"total_size" dynamodbav:"total_size"`
	TotalChunks      int       `json:"total_chunks" db:"total_chunks" dynamodbav:"total_chunks"`
	StoragePath      string    `json:"storage_path,omitempty" db:"storage_path" dynamodbav:"storage_path,omitempty"`
	Status           Status    `json:"status" db:"status" dynamodbav:"status"`
	CreatedAt        time.Time `json:"created_at" db:"created_at" dynamodbav:"created_at"`
	UpdatedAt        time.Time `json:"updated_at" db:"updated_at" dynamodbav:"updated_at"`
}

// ChunkKey is the blob key of a single chunk.
func ChunkKey(uploadID string, index int) string {
	return ChunkPrefix(uploadID) + strconv.Itoa(index)
}

// ChunkPrefix is the namespace holding every chunk of an upload.
func ChunkPrefix(uploadID string) string {
	return "chunks/" + uploadID + "/"
}

// StagingKey is the blob key the reassembled file is written to before promotion.
func StagingKey(uploadID string) string {
	return "tmp/" + uploadID
}

// FinalKey is the blob key of the promoted, reassembled file.
func FinalKey(uploadID, filename string) string {
	return FinalPrefix(uploadID) + filename
}

// FinalPrefix is the namespace holding the final file of an upload.
func FinalPrefix(uploadID string) string {
	return "uploads/" + uploadID + "/"
}
