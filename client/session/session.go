// Package session drives chunked uploads from the client side: segmentation,
// windowed parallel sends with per-chunk retry, status polling and resumption.
package session

import (
	"context"
	"sync"
	"time"
)

// State is the lifecycle state of a session or of one of its chunks.
type State string

// Session and chunk states.
const (
	StatePending   State = "pending"
	StateUploading State = "uploading"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// Chunk is the client side view of one chunk.
type Chunk struct {
	Index    int
	Offset   int64
	Size     int64
	State    State
	Attempts int
	// Progress is the sent percentage of the chunk, 0 or 100.
	Progress int
}

// Snapshot is a copy of a session's state.
type Snapshot struct {
	ID            string
	Filename      string
	MimeType      string
	TotalSize     int64
	State         State
	Chunks        []Chunk
	MissingChunks []int
	LastProgress  time.Time
}

// Session is one upload tracked by a Controller.
type Session struct {
	id        string
	filename  string
	mimeType  string
	totalSize int64
	provider  ChunkProvider

	mu            sync.Mutex
	state         State
	chunks        []Chunk
	missingChunks []int
	lastProgress  time.Time
	polling       bool

	ctx     context.Context
	updates chan struct{}
}

func newSession(ctx context.Context, id, filename, mimeType string, provider ChunkProvider, now time.Time) *Session {
	s := &Session{
		id:           id,
		filename:     filename,
		mimeType:     mimeType,
		provider:     provider,
		state:        StatePending,
		lastProgress: now,
		ctx:          ctx,
		updates:      make(chan struct{}, 1),
	}

	if provider != nil {
		s.totalSize = provider.Size()
		var offset int64
		for i := 0; i < provider.NumChunks(); i++ {
			size := provider.ChunkSize(i)
			s.chunks = append(s.chunks, Chunk{Index: i, Offset: offset, Size: size, State: StatePending})
			offset += size
		}
	}

	return s
}

// ID ...
func (s *Session) ID() string {
	return s.id
}

// Snapshot returns a copy of the current state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	return Snapshot{
		ID:            s.id,
		Filename:      s.filename,
		MimeType:      s.mimeType,
		TotalSize:     s.totalSize,
		State:         s.state,
		Chunks:        append([]Chunk(nil), s.chunks...),
		MissingChunks: append([]int(nil), s.missingChunks...),
		LastProgress:  s.lastProgress,
	}
}

// Progress is the percentage of completed chunks. A completed session is always at 100.
func (s *Session) Progress() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateCompleted {
		return 100
	}
	if len(s.chunks) == 0 {
		return 0
	}

	completed := 0
	for _, c := range s.chunks {
		if c.State == StateCompleted {
			completed++
		}
	}
	return float64(completed) * 100 / float64(len(s.chunks))
}

func (s *Session) notify() {
	select {
	case s.updates <- struct{}{}:
	default:
	}
}

// terminal reports whether the server settled the upload.
func (s *Session) terminal() bool {
	return s.state == StateCompleted || s.state == StateFailed
}

// stalled reports whether no chunk can make progress without a Resume.
func (s *Session) stalled(maxRetries int) bool {
	if len(s.chunks) == 0 {
		return false
	}
	for _, c := range s.chunks {
		switch {
		case c.State == StateUploading:
			return false
		case c.State == StatePending:
			return false
		case c.State == StateFailed && c.Attempts < maxRetries:
			return false
		}
	}
	for _, c := range s.chunks {
		if c.State == StateFailed {
			return true
		}
	}
	return false
}

// claimChunk moves a chunk to uploading unless it is completed, in flight or exhausted.
func (s *Session) claimChunk(index, maxRetries int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := &s.chunks[index]
	if c.State == StateCompleted || c.State == StateUploading || c.Attempts >= maxRetries {
		return false
	}
	c.State = StateUploading
	c.Progress = 0
	return true
}

func (s *Session) chunkSent(index int, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := &s.chunks[index]
	c.State = StateCompleted
	c.Progress = 100
	s.lastProgress = now
	s.notify()
}

// chunkFailed records a failed attempt and reports whether the chunk may be retried.
func (s *Session) chunkFailed(index, maxRetries int) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := &s.chunks[index]
	c.Attempts++
	c.Progress = 0
	if c.Attempts < maxRetries {
		return c.Attempts, true
	}
	c.State = StateFailed
	s.notify()
	return c.Attempts, false
}

// chunkInterrupted returns an in-flight chunk to pending without counting an attempt.
func (s *Session) chunkInterrupted(index int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := &s.chunks[index]
	if c.State == StateUploading {
		c.State = StatePending
		c.Progress = 0
	}
	s.notify()
}

// applyServerState takes over the server reported status and gap set.
func (s *Session) applyServerState(state State, missing []int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateCompleted {
		return
	}
	s.missingChunks = append([]int(nil), missing...)
	switch state {
	case StateCompleted:
		s.state = StateCompleted
		s.missingChunks = nil
	case StateFailed:
		s.state = StateFailed
	}
	s.notify()
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
	s.notify()
}

// resetForResume re-queues failed and pending chunks with fresh attempt counters.
func (s *Session) resetForResume(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.chunks {
		c := &s.chunks[i]
		if c.State == StateFailed || c.State == StatePending {
			c.State = StatePending
			c.Attempts = 0
			c.Progress = 0
		}
	}
	s.state = StateUploading
	s.lastProgress = now
	s.notify()
}

func (s *Session) startPolling() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.polling {
		return false
	}
	s.polling = true
	return true
}

func (s *Session) stopPolling() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.polling = false
}
