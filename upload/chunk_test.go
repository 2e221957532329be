package upload

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validMeta() ChunkMeta {
	return ChunkMeta{
		UploadID:    "7f0c2a52-3f4e-4d7b-a0a5-8f3d8b8c9d10",
		Index:       1,
		TotalChunks: 3,
		TotalSize:   5 * 1024 * 1024,
		Filename:    "report.pdf",
		MimeType:    "application/pdf",
	}
}

func TestLimits_Validate(t *testing.T) {
	tests := []struct {
		name      string
		modify    func(m *ChunkMeta)
		chunkSize int64
		wantField string
	}{
		{name: "valid", modify: func(m *ChunkMeta) {}, chunkSize: 1024},
		{name: "empty upload id", modify: func(m *ChunkMeta) { m.UploadID = " " }, wantField: "upload_id"},
		{name: "upload id with separator", modify: func(m *ChunkMeta) { m.UploadID = "../x" }, wantField: "upload_id"},
		{name: "zero total chunks", modify: func(m *ChunkMeta) { m.TotalChunks = 0 }, wantField: "total_chunks"},
		{name: "negative index", modify: func(m *ChunkMeta) { m.Index = -1 }, wantField: "chunk_number"},
		{name: "index out of range", modify: func(m *ChunkMeta) { m.Index = 3 }, wantField: "chunk_number"},
		{name: "zero total size", modify: func(m *ChunkMeta) { m.TotalSize = 0 }, wantField: "total_size"},
		{name: "too large file", modify: func(m *ChunkMeta) { m.TotalSize = DefaultMaxFileSize + 1 }, wantField: "total_size"},
		{name: "too large chunk", modify: func(m *ChunkMeta) {}, chunkSize: DefaultMaxChunkSize + 1, wantField: "chunk"},
		{name: "filename traversal", modify: func(m *ChunkMeta) { m.Filename = "../../etc/passwd" }, wantField: "filename"},
		{name: "dot filename", modify: func(m *ChunkMeta) { m.Filename = ".." }, wantField: "filename"},
		{name: "mime not allowed", modify: func(m *ChunkMeta) { m.MimeType = "text/x-shellscript" }, wantField: "mime_type"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Given
			meta := validMeta()
			tt.modify(&meta)

			// When
			err := DefaultLimits().Validate(meta, tt.chunkSize)

			// Then
			if tt.wantField == "" {
				require.NoError(t, err)
				return
			}
			var validationErr *ValidationError
			require.True(t, errors.As(err, &validationErr))
			assert.Equal(t, tt.wantField, validationErr.Field)
		})
	}
}

func TestLimits_Validate_NoMimeRestriction(t *testing.T) {
	limits := Limits{}
	meta := validMeta()
	meta.MimeType = "text/plain"

	assert.NoError(t, limits.Validate(meta, 1))
}

func TestKeyLayout(t *testing.T) {
	assert.Equal(t, "chunks/abc/0", ChunkKey("abc", 0))
	assert.Equal(t, "chunks/abc/12", ChunkKey("abc", 12))
	assert.Equal(t, "tmp/abc", StagingKey("abc"))
	assert.Equal(t, "uploads/abc/a.zip", FinalKey("abc", "a.zip"))
	assert.NotContains(t, StagingKey("abc"), ChunkPrefix("abc"))
	assert.NotContains(t, StagingKey("abc"), FinalPrefix("abc"))
}

func TestSizeMismatchError(t *testing.T) {
	err := &SizeMismatchError{Expected: 10, Actual: 9}
	assert.Equal(t, "file size mismatch, expected: 10, got: 9", err.Error())
}
