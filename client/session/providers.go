package session

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
)

// ErrEmptyFile is returned when a provider would yield no chunks.
var ErrEmptyFile = errors.New("file is empty")

// ChunkProvider provides chunk data for upload.
type ChunkProvider interface {
	// Size returns the total number of bytes.
	Size() int64

	// NumChunks returns the total number of chunks.
	NumChunks() int

	// ChunkSize returns the size of the chunk at the given index.
	ChunkSize(index int) int64

	// GetChunk returns the data of the chunk at the given index.
	// For retries, GetChunk may be called multiple times for the same index.
	GetChunk(index int) ([]byte, error)
}

// NumChunks is ceil(size / chunkSize).
func NumChunks(size, chunkSize int64) int {
	if size <= 0 || chunkSize <= 0 {
		return 0
	}
	return int((size + chunkSize - 1) / chunkSize)
}

type layout struct {
	size      int64
	chunkSize int64
	numChunks int
}

func newLayout(size, chunkSize int64) (layout, error) {
	if chunkSize <= 0 {
		return layout{}, fmt.Errorf("invalid chunk size: %d", chunkSize)
	}
	if size <= 0 {
		return layout{}, ErrEmptyFile
	}
	return layout{size: size, chunkSize: chunkSize, numChunks: NumChunks(size, chunkSize)}, nil
}

func (l layout) Size() int64 {
	return l.size
}

func (l layout) NumChunks() int {
	return l.numChunks
}

func (l layout) ChunkSize(index int) int64 {
	if index < 0 || index >= l.numChunks {
		return 0
	}
	if index == l.numChunks-1 {
		return l.size - int64(index)*l.chunkSize
	}
	return l.chunkSize
}

func (l layout) offset(index int) int64 {
	return int64(index) * l.chunkSize
}

func (l layout) checkIndex(index int) error {
	if index < 0 || index >= l.numChunks {
		return fmt.Errorf("chunk index %d out of range [0, %d)", index, l.numChunks)
	}
	return nil
}

// FileChunkProvider reads chunks from a file on disk.
// Thread-safe for parallel chunk reads.
type FileChunkProvider struct {
	layout
	file *os.File
	mu   sync.Mutex
}

// NewFileChunkProvider creates a ChunkProvider that reads from a file.
func NewFileChunkProvider(path string, chunkSize int64) (*FileChunkProvider, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}

	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("stat file: %w", err)
	}

	l, err := newLayout(info.Size(), chunkSize)
	if err != nil {
		_ = file.Close()
		return nil, err
	}

	return &FileChunkProvider{layout: l, file: file}, nil
}

// GetChunk reads the chunk at the given index into memory.
func (p *FileChunkProvider) GetChunk(index int) ([]byte, error) {
	if err := p.checkIndex(index); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	offset := p.offset(index)
	if _, err := p.file.Seek(offset, io.SeekStart); err != nil {
		return nil, fmt.Errorf("seek to position %d for chunk %d: %w", offset, index, err)
	}

	chunk := make([]byte, p.ChunkSize(index))
	n, err := io.ReadFull(p.file, chunk)
	if err != nil {
		return nil, fmt.Errorf("read chunk %d (got %d bytes): %w", index, n, err)
	}
	return chunk, nil
}

// Close closes the underlying file.
func (p *FileChunkProvider) Close() error {
	if p.file != nil {
		return p.file.Close()
	}
	return nil
}

// ByteSliceChunkProvider provides chunks of data that is already in memory.
type ByteSliceChunkProvider struct {
	layout
	data []byte
}

// NewByteSliceChunkProvider creates a ChunkProvider that slices data into chunkSize pieces.
func NewByteSliceChunkProvider(data []byte, chunkSize int64) (*ByteSliceChunkProvider, error) {
	l, err := newLayout(int64(len(data)), chunkSize)
	if err != nil {
		return nil, err
	}
	return &ByteSliceChunkProvider{layout: l, data: data}, nil
}

// GetChunk returns the chunk at the given index without copying.
func (p *ByteSliceChunkProvider) GetChunk(index int) ([]byte, error) {
	if err := p.checkIndex(index); err != nil {
		return nil, err
	}
	start := p.offset(index)
	return p.data[start : start+p.ChunkSize(index)], nil
}
