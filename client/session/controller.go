package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bitrise-io/go-chunkupload/client"
	"github.com/bitrise-io/go-utils/v2/log"
)

// ErrUnknownSession is returned for ids the registry does not hold.
var ErrUnknownSession = errors.New("unknown upload session")

// ErrStalled is returned by Wait when every unfinished chunk has used up its retries.
var ErrStalled = errors.New("upload stalled, resume to retry the failed chunks")

// ErrUploadFailed is returned by Wait when the server reports the upload as failed.
var ErrUploadFailed = errors.New("server failed to assemble the upload")

// API is the part of the upload API the controller calls. *client.Client implements it.
type API interface {
	Initiate(ctx context.Context) (string, error)
	SendChunk(ctx context.Context, chunk client.Chunk) (client.Status, error)
	Status(ctx context.Context, uploadID string) (client.Status, error)
	Delete(ctx context.Context, uploadID string) error
	ListUploads(ctx context.Context) ([]client.Upload, error)
}

// Controller owns the upload sessions registered in its Registry.
type Controller struct {
	api      API
	registry *Registry
	config   Config
	logger   log.Logger

	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time

	pollers sync.WaitGroup
}

// NewController ...
func NewController(api API, registry *Registry, config Config, logger log.Logger) *Controller {
	return &Controller{
		api:      api,
		registry: registry,
		config:   config.withDefaults(),
		logger:   logger,
		sleep:    sleepContext,
		now:      time.Now,
	}
}

// Initialize obtains an upload id from the server and registers a pending session for the provider's chunks.
func (c *Controller) Initialize(ctx context.Context, filename, mimeType string, provider ChunkProvider) (*Session, error) {
	if filename == "" {
		return nil, fmt.Errorf("filename is empty")
	}
	if provider == nil || provider.NumChunks() == 0 {
		return nil, ErrEmptyFile
	}

	id, err := c.api.Initiate(ctx)
	if err != nil {
		return nil, fmt.Errorf("initiate upload: %w", err)
	}

	sessionCtx, cancel := context.WithCancel(context.Background())
	s := newSession(sessionCtx, id, filename, mimeType, provider, c.now())
	if !c.registry.add(s, cancel) {
		cancel()
		return nil, fmt.Errorf("upload session %s already registered", id)
	}

	c.logger.Infof("[%s] Upload of %s initialized with %d chunks", id, filename, provider.NumChunks())
	return s, nil
}

// Upload sends every chunk that is not completed yet, Concurrency chunks at a time, and starts the status poller.
// It returns once every window finished. Chunk failures are recorded on the session, not returned.
func (c *Controller) Upload(ctx context.Context, id string) error {
	s, ok := c.registry.Get(id)
	if !ok {
		return ErrUnknownSession
	}
	switch s.Snapshot().State {
	case StateCompleted:
		return nil
	case StateFailed:
		return ErrUploadFailed
	}

	s.setState(StateUploading)
	c.ensurePolling(s)

	return c.sendWindowed(ctx, s, pendingIndexes(s))
}

// Resume re-queues failed and pending chunks with reset attempt counters and sends them.
// Completed chunks are never resent. An upload the server reported as failed cannot be resumed,
// Resume returns ErrUploadFailed and the file has to be uploaded again with a new Initialize.
func (c *Controller) Resume(ctx context.Context, id string) error {
	s, ok := c.registry.Get(id)
	if !ok {
		return ErrUnknownSession
	}
	switch s.Snapshot().State {
	case StateCompleted:
		return nil
	case StateFailed:
		return ErrUploadFailed
	}

	c.logger.Infof("[%s] Resuming upload", id)
	s.resetForResume(c.now())
	c.ensurePolling(s)

	return c.sendWindowed(ctx, s, pendingIndexes(s))
}

// Remove stops the session's poller and in-flight sends, deletes the upload on the server and forgets the session.
// A failing server delete is only logged.
func (c *Controller) Remove(ctx context.Context, id string) error {
	if !c.registry.remove(id) {
		return ErrUnknownSession
	}

	if err := c.api.Delete(ctx, id); err != nil {
		c.logger.Warnf("[%s] Failed to delete upload on the server: %s", id, err)
	}
	c.logger.Infof("[%s] Upload removed", id)
	return nil
}

// LoadExisting registers a completed, chunkless session for every completed upload of the caller
// the registry does not know yet.
func (c *Controller) LoadExisting(ctx context.Context) ([]*Session, error) {
	uploads, err := c.api.ListUploads(ctx)
	if err != nil {
		return nil, fmt.Errorf("list uploads: %w", err)
	}

	var loaded []*Session
	for _, u := range uploads {
		sessionCtx, cancel := context.WithCancel(context.Background())
		s := newSession(sessionCtx, u.UploadID, u.Filename, u.MimeType, nil, u.UpdatedAt)
		s.totalSize = u.TotalSize
		s.state = StateCompleted

		if !c.registry.add(s, cancel) {
			cancel()
			continue
		}
		loaded = append(loaded, s)
	}

	c.logger.Debugf("Loaded %d existing uploads", len(loaded))
	return loaded, nil
}

// Get ...
func (c *Controller) Get(id string) (Snapshot, error) {
	s, ok := c.registry.Get(id)
	if !ok {
		return Snapshot{}, ErrUnknownSession
	}
	return s.Snapshot(), nil
}

// Progress returns the percentage of completed chunks.
func (c *Controller) Progress(id string) (float64, error) {
	s, ok := c.registry.Get(id)
	if !ok {
		return 0, ErrUnknownSession
	}
	return s.Progress(), nil
}

// Wait blocks until the server settles the upload or the session stalls.
// Only one Wait per session is supported.
func (c *Controller) Wait(ctx context.Context, id string) (Snapshot, error) {
	s, ok := c.registry.Get(id)
	if !ok {
		return Snapshot{}, ErrUnknownSession
	}

	for {
		s.mu.Lock()
		state := s.state
		stalled := s.stalled(c.config.MaxRetries)
		s.mu.Unlock()

		switch {
		case state == StateCompleted:
			return s.Snapshot(), nil
		case state == StateFailed:
			return s.Snapshot(), ErrUploadFailed
		case stalled:
			return s.Snapshot(), ErrStalled
		}

		select {
		case <-s.updates:
		case <-ctx.Done():
			return s.Snapshot(), ctx.Err()
		case <-s.ctx.Done():
			return s.Snapshot(), ErrUnknownSession
		}
	}
}

// Close cancels every session's background work and waits for the pollers to exit.
func (c *Controller) Close() {
	c.registry.Close()
	c.pollers.Wait()
}

func pendingIndexes(s *Session) []int {
	s.mu.Lock()
	defer s.mu.Unlock()

	var indexes []int
	for _, chunk := range s.chunks {
		if chunk.State != StateCompleted {
			indexes = append(indexes, chunk.Index)
		}
	}
	return indexes
}

func (c *Controller) sendWindowed(ctx context.Context, s *Session, indexes []int) error {
	ctx, cancel := mergeContext(s.ctx, ctx)
	defer cancel()

	for start := 0; start < len(indexes); start += c.config.Concurrency {
		if err := ctx.Err(); err != nil {
			return err
		}

		end := start + c.config.Concurrency
		if end > len(indexes) {
			end = len(indexes)
		}

		var wg sync.WaitGroup
		for _, index := range indexes[start:end] {
			if !s.claimChunk(index, c.config.MaxRetries) {
				continue
			}
			wg.Add(1)
			go func(index int) {
				defer wg.Done()
				c.sendWithRetry(ctx, s, index)
			}(index)
		}
		wg.Wait()
	}

	return ctx.Err()
}

func (c *Controller) sendWithRetry(ctx context.Context, s *Session, index int) {
	for {
		status, err := c.sendChunk(ctx, s, index)
		if err == nil {
			s.chunkSent(index, c.now())
			s.applyServerState(State(status.Status), status.MissingChunks)
			c.logger.Debugf("[%s] Chunk %d/%d sent, upload is %s", s.id, index+1, len(s.chunks), status.Status)
			return
		}

		if ctx.Err() != nil {
			s.chunkInterrupted(index)
			return
		}

		attempts, retry := s.chunkFailed(index, c.config.MaxRetries)
		if !retry {
			c.logger.Warnf("[%s] Chunk %d failed after %d attempts: %s", s.id, index+1, attempts, err)
			return
		}

		delay := c.config.backoff(attempts)
		c.logger.Warnf("[%s] Chunk %d attempt %d failed, retrying after %s: %s", s.id, index+1, attempts, delay, err)
		if err := c.sleep(ctx, delay); err != nil {
			s.chunkInterrupted(index)
			return
		}
	}
}

func (c *Controller) sendChunk(ctx context.Context, s *Session, index int) (client.Status, error) {
	data, err := s.provider.GetChunk(index)
	if err != nil {
		return client.Status{}, fmt.Errorf("get chunk %d: %w", index, err)
	}

	return c.api.SendChunk(ctx, client.Chunk{
		UploadID:    s.id,
		Index:       index,
		TotalChunks: len(s.chunks),
		TotalSize:   s.totalSize,
		Filename:    s.filename,
		MimeType:    s.mimeType,
		Data:        data,
	})
}

func (c *Controller) ensurePolling(s *Session) {
	if !s.startPolling() {
		return
	}

	c.pollers.Add(1)
	go func() {
		defer c.pollers.Done()
		defer s.stopPolling()

		ticker := time.NewTicker(c.config.StatusInterval)
		defer ticker.Stop()

		for {
			select {
			case <-s.ctx.Done():
				return
			case <-ticker.C:
				if c.reconcile(s.ctx, s) {
					return
				}
			}
		}
	}()
}

// reconcile applies the server status to the session and resends the chunks the server misses
// once nothing progressed for ProgressTimeout. Returns true when the upload is settled.
func (c *Controller) reconcile(ctx context.Context, s *Session) bool {
	status, err := c.api.Status(ctx, s.id)
	if errors.Is(err, client.ErrNotFound) {
		// No chunk reached the server yet.
		return false
	}
	if err != nil {
		if ctx.Err() == nil {
			c.logger.Warnf("[%s] Status check failed: %s", s.id, err)
		}
		return false
	}

	s.applyServerState(State(status.Status), status.MissingChunks)
	switch State(status.Status) {
	case StateCompleted:
		c.logger.Donef("[%s] Upload completed", s.id)
		return true
	case StateFailed:
		c.logger.Errorf("[%s] Server reports the upload as failed", s.id)
		return true
	}

	if len(status.MissingChunks) == 0 {
		return false
	}

	s.mu.Lock()
	idle := c.now().Sub(s.lastProgress)
	s.mu.Unlock()
	if idle < c.config.ProgressTimeout {
		return false
	}

	var resend []int
	for _, index := range status.MissingChunks {
		if index >= 0 && index < len(s.chunks) {
			resend = append(resend, index)
		}
	}
	c.logger.Infof("[%s] No progress for %s, resending %d missing chunks", s.id, idle.Round(time.Second), len(resend))
	if err := c.sendWindowed(ctx, s, resend); err != nil && ctx.Err() == nil {
		c.logger.Warnf("[%s] Resending missing chunks: %s", s.id, err)
	}

	s.mu.Lock()
	s.lastProgress = c.now()
	s.mu.Unlock()
	return false
}

// mergeContext is cancelled when either parent is.
func mergeContext(parent, other context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	stop := context.AfterFunc(other, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
