package api

import (
	"time"

	"github.com/bitrise-io/go-chunkupload/service"
	"github.com/bitrise-io/go-chunkupload/upload"
)

type initResponse struct {
	UploadID string `json:"upload_id"`
}

type chunkResponse struct {
	Message string `json:"message"`
	service.StatusReport
}

type messageResponse struct {
	Message string `json:"message"`
}

// errorResponse is returned for any failed request.
type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
}

type listResponse struct {
	Uploads []uploadResource `json:"uploads"`
}

// uploadResource is the listed view of a completed upload.
type uploadResource struct {
	UploadID    string        `json:"upload_id"`
	Filename    string        `json:"filename"`
	MimeType    string        `json:"mime_type"`
	TotalSize   int64         `json:"total_size"`
	TotalChunks int           `json:"total_chunks"`
	StoragePath string        `json:"storage_path"`
	Status      upload.Status `json:"status"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

func newUploadResource(rec upload.Record) uploadResource {
	return uploadResource{
		UploadID:    rec.UploadID,
		Filename:    rec.OriginalFilename,
		MimeType:    rec.MimeType,
		TotalSize:   rec.TotalSize,
		TotalChunks: rec.TotalChunks,
		StoragePath: rec.StoragePath,
		Status:      rec.Status,
		CreatedAt:   rec.CreatedAt,
		UpdatedAt:   rec.UpdatedAt,
	}
}
