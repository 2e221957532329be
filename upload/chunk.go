package upload

import (
	"fmt"
	"strings"
)

// DefaultAllowedMimeTypes are the content types accepted when no explicit list is configured.
var DefaultAllowedMimeTypes = []string{
	"application/pdf",
	"application/msword",
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	"image/jpeg",
	"image/png",
	"image/gif",
	"video/mp4",
	"application/zip",
}

// Default limits.
const (
	DefaultMaxFileSize  int64 = 1024 * 1024 * 1024
	DefaultMaxChunkSize int64 = 10 * 1024 * 1024
)

// ChunkMeta is the metadata sent along with every chunk of an upload.
type ChunkMeta struct {
	UploadID    string
	Index       int
	TotalChunks int
	TotalSize   int64
	Filename    string
	MimeType    string
}

// Limits bounds what the server accepts.
type Limits struct {
	MaxFileSize      int64
	MaxChunkSize     int64
	AllowedMimeTypes []string
}

// DefaultLimits ...
func DefaultLimits() Limits {
	return Limits{
		MaxFileSize:      DefaultMaxFileSize,
		MaxChunkSize:     DefaultMaxChunkSize,
		AllowedMimeTypes: DefaultAllowedMimeTypes,
	}
}

// Validate checks chunk metadata and the received chunk size against the limits.
func (l Limits) Validate(meta ChunkMeta, chunkSize int64) error {
	if err := ValidateUploadID(meta.UploadID); err != nil {
		return err
	}
	if meta.TotalChunks < 1 {
		return &ValidationError{Field: "total_chunks", Reason: "must be at least 1"}
	}
	if meta.Index < 0 || meta.Index >= meta.TotalChunks {
		return &ValidationError{Field: "chunk_number", Reason: fmt.Sprintf("must be in [0, %d)", meta.TotalChunks)}
	}
	if meta.TotalSize < 1 {
		return &ValidationError{Field: "total_size", Reason: "must be at least 1"}
	}
	if l.MaxFileSize > 0 && meta.TotalSize > l.MaxFileSize {
		return &ValidationError{Field: "total_size", Reason: fmt.Sprintf("exceeds the maximum of %d bytes", l.MaxFileSize)}
	}
	if l.MaxChunkSize > 0 && chunkSize > l.MaxChunkSize {
		return &ValidationError{Field: "chunk", Reason: fmt.Sprintf("exceeds the maximum of %d bytes", l.MaxChunkSize)}
	}
	if err := ValidateFilename(meta.Filename); err != nil {
		return err
	}
	if len(l.AllowedMimeTypes) > 0 && !contains(l.AllowedMimeTypes, meta.MimeType) {
		return &ValidationError{Field: "mime_type", Reason: fmt.Sprintf("%q is not allowed", meta.MimeType)}
	}

	return nil
}

// ValidateUploadID rejects ids that are empty or would leave their blob namespace.
func ValidateUploadID(id string) error {
	switch {
	case strings.TrimSpace(id) == "":
		return &ValidationError{Field: "upload_id", Reason: "must not be empty"}
	case id == "." || id == "..":
		return &ValidationError{Field: "upload_id", Reason: "must not be a relative path"}
	case strings.ContainsAny(id, "/\\\x00"):
		return &ValidationError{Field: "upload_id", Reason: "must not contain path separators"}
	}
	return nil
}

// ValidateFilename rejects names that would escape the final namespace.
func ValidateFilename(name string) error {
	switch {
	case strings.TrimSpace(name) == "":
		return &ValidationError{Field: "filename", Reason: "must not be empty"}
	case name == "." || name == "..":
		return &ValidationError{Field: "filename", Reason: "must be a file name"}
	case strings.ContainsAny(name, "/\\\x00"):
		return &ValidationError{Field: "filename", Reason: "must not contain path separators"}
	}
	return nil
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
