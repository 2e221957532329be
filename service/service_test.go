package service

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bitrise-io/go-chunkupload/assembly"
	"github.com/bitrise-io/go-chunkupload/blob"
	"github.com/bitrise-io/go-chunkupload/compression"
	"github.com/bitrise-io/go-chunkupload/notify"
	"github.com/bitrise-io/go-chunkupload/record"
	"github.com/bitrise-io/go-chunkupload/upload"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const kib = 1024

type recordingNotifier struct {
	mu     sync.Mutex
	events []notify.UploadCompletedEvent
	err    error
}

func (n *recordingNotifier) UploadCompleted(_ context.Context, evt notify.UploadCompletedEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, evt)
	return n.err
}

func (n *recordingNotifier) Close() error { return nil }

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.events)
}

type countingTracker struct {
	mu        sync.Mutex
	stored    int
	finalized int
	failed    int
}

func (c *countingTracker) ChunkStored(upload.Record, int64, time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stored++
}

func (c *countingTracker) UploadFinalized(upload.Record, assembly.Result) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.finalized++
}

func (c *countingTracker) FinalizeFailed(upload.Record, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failed++
}

func (c *countingTracker) Wait() {}

type fixture struct {
	svc      *Service
	blobs    *blob.MemoryStore
	records  *record.MemoryStore
	notifier *recordingNotifier
	tracker  *countingTracker
}

func newFixture() fixture {
	blobs := blob.NewMemoryStore()
	records := record.NewMemoryStore()
	notifier := &recordingNotifier{}
	tracker := &countingTracker{}

	limits := upload.DefaultLimits()
	limits.MaxChunkSize = 64 * kib

	svc := New(Params{
		Blobs:    blobs,
		Records:  records,
		Notifier: notifier,
		Tracker:  tracker,
		Limits:   limits,
		Logger:   log.NewLogger(),
	})

	return fixture{svc: svc, blobs: blobs, records: records, notifier: notifier, tracker: tracker}
}

func testChunks() [][]byte {
	return [][]byte{
		bytes.Repeat([]byte{'a'}, 32*kib),
		bytes.Repeat([]byte{'b'}, 32*kib),
		bytes.Repeat([]byte{'c'}, 10*kib),
	}
}

func totalSize(chunks [][]byte) int64 {
	var size int64
	for _, c := range chunks {
		size += int64(len(c))
	}
	return size
}

func chunkRequest(uploadID string, index int, chunks [][]byte, size int64) ChunkRequest {
	return ChunkRequest{
		ChunkMeta: upload.ChunkMeta{
			UploadID:    uploadID,
			Index:       index,
			TotalChunks: len(chunks),
			TotalSize:   size,
			Filename:    "report.pdf",
			MimeType:    "application/pdf",
		},
		Data: bytes.NewReader(chunks[index]),
		Size: int64(len(chunks[index])),
	}
}

func (f fixture) send(t *testing.T, uploadID string, index int, chunks [][]byte) StatusReport {
	t.Helper()
	report, err := f.svc.StoreChunk(context.Background(), "owner-1", chunkRequest(uploadID, index, chunks, totalSize(chunks)))
	require.NoError(t, err)
	return report
}

func (f fixture) download(t *testing.T, uploadID string) []byte {
	t.Helper()
	d, err := f.svc.Download(context.Background(), uploadID)
	require.NoError(t, err)
	defer func() { require.NoError(t, d.Body.Close()) }()
	data, err := io.ReadAll(d.Body)
	require.NoError(t, err)
	return data
}

func TestInitiate_ReturnsDistinctIDs(t *testing.T) {
	f := newFixture()

	first, err := f.svc.Initiate(context.Background())
	require.NoError(t, err)
	second, err := f.svc.Initiate(context.Background())
	require.NoError(t, err)

	assert.NotEmpty(t, first)
	assert.NotEqual(t, first, second)

	_, err = f.svc.Status(context.Background(), first)
	assert.ErrorIs(t, err, upload.ErrNotFound)
}

func TestStoreChunk_OutOfOrderUploadIsFinalized(t *testing.T) {
	// Given
	f := newFixture()
	chunks := testChunks()

	// When
	report := f.send(t, "u1", 2, chunks)
	assert.Equal(t, upload.StatusPending, report.Status)
	assert.Equal(t, []int{0, 1}, report.MissingChunks)

	report = f.send(t, "u1", 0, chunks)
	assert.Equal(t, []int{1}, report.MissingChunks)
	assert.False(t, report.IsComplete)

	report = f.send(t, "u1", 1, chunks)

	// Then
	assert.Equal(t, upload.StatusCompleted, report.Status)
	assert.True(t, report.IsComplete)
	assert.Empty(t, report.MissingChunks)
	assert.Equal(t, "report.pdf", report.Filename)
	assert.Equal(t, 3, report.TotalChunks)

	assert.Equal(t, bytes.Join(chunks, nil), f.download(t, "u1"))
	assert.Equal(t, []string{upload.FinalKey("u1", "report.pdf")}, f.blobs.Keys())
	assert.Equal(t, 1, f.notifier.count())
	assert.Equal(t, 3, f.tracker.stored)
	assert.Equal(t, 1, f.tracker.finalized)

	evt := f.notifier.events[0]
	assert.Equal(t, "u1", evt.UploadID)
	assert.Equal(t, "owner-1", evt.OwnerID)
	assert.Equal(t, totalSize(chunks), evt.Size)
}

func TestStoreChunk_SingleChunkUpload(t *testing.T) {
	f := newFixture()
	chunks := [][]byte{[]byte("%PDF-1.4 tiny")}

	report := f.send(t, "single", 0, chunks)

	assert.Equal(t, upload.StatusCompleted, report.Status)
	assert.Equal(t, chunks[0], f.download(t, "single"))
}

func TestStoreChunk_DuplicateChunkLastWriteWins(t *testing.T) {
	f := newFixture()
	chunks := testChunks()

	f.send(t, "dup", 0, [][]byte{bytes.Repeat([]byte{'x'}, 32*kib), chunks[1], chunks[2]})
	f.send(t, "dup", 0, chunks)
	f.send(t, "dup", 1, chunks)
	report := f.send(t, "dup", 2, chunks)

	require.Equal(t, upload.StatusCompleted, report.Status)
	assert.Equal(t, bytes.Join(chunks, nil), f.download(t, "dup"))
}

func TestStoreChunk_ChunkAfterCompletionIsIgnored(t *testing.T) {
	f := newFixture()
	chunks := testChunks()
	for i := range chunks {
		f.send(t, "late", i, chunks)
	}

	report := f.send(t, "late", 1, chunks)

	assert.Equal(t, upload.StatusCompleted, report.Status)
	assert.Equal(t, []string{upload.FinalKey("late", "report.pdf")}, f.blobs.Keys())
	assert.Equal(t, 1, f.notifier.count())
}

func TestStoreChunk_SizeMismatchFailsUpload(t *testing.T) {
	// Given
	f := newFixture()
	chunks := testChunks()
	ctx := context.Background()

	// When
	for i := range chunks[:2] {
		_, err := f.svc.StoreChunk(ctx, "owner-1", chunkRequest("bad", i, chunks, totalSize(chunks)+1))
		require.NoError(t, err)
	}
	_, err := f.svc.StoreChunk(ctx, "owner-1", chunkRequest("bad", 2, chunks, totalSize(chunks)+1))

	// Then
	var mismatch *upload.SizeMismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, totalSize(chunks)+1, mismatch.Expected)
	assert.Equal(t, totalSize(chunks), mismatch.Actual)

	report, err := f.svc.Status(ctx, "bad")
	require.NoError(t, err)
	assert.Equal(t, upload.StatusFailed, report.Status)
	assert.False(t, report.IsComplete)
	assert.Empty(t, report.MissingChunks)
	assert.Equal(t, 1, f.tracker.failed)
	assert.Equal(t, 0, f.notifier.count())

	_, err = f.svc.Download(ctx, "bad")
	assert.ErrorIs(t, err, upload.ErrNotReady)
}

func TestStoreChunk_ValidationRejectsBeforeMutation(t *testing.T) {
	chunks := testChunks()
	size := totalSize(chunks)

	tests := []struct {
		name   string
		modify func(req *ChunkRequest)
		field  string
	}{
		{name: "empty upload id", modify: func(req *ChunkRequest) { req.UploadID = "" }, field: "upload_id"},
		{name: "upload id with separator", modify: func(req *ChunkRequest) { req.UploadID = "../x" }, field: "upload_id"},
		{name: "index out of range", modify: func(req *ChunkRequest) { req.Index = 3 }, field: "chunk_number"},
		{name: "negative index", modify: func(req *ChunkRequest) { req.Index = -1 }, field: "chunk_number"},
		{name: "zero total chunks", modify: func(req *ChunkRequest) { req.TotalChunks = 0 }, field: "total_chunks"},
		{name: "file too large", modify: func(req *ChunkRequest) { req.TotalSize = upload.DefaultMaxFileSize + 1 }, field: "total_size"},
		{name: "chunk too large", modify: func(req *ChunkRequest) { req.Size = 64*kib + 1 }, field: "chunk"},
		{name: "mime type not allowed", modify: func(req *ChunkRequest) { req.MimeType = "text/x-shellscript" }, field: "mime_type"},
		{name: "filename with path", modify: func(req *ChunkRequest) { req.Filename = "../../etc/passwd" }, field: "filename"},
		{name: "missing payload", modify: func(req *ChunkRequest) { req.Data = nil }, field: "chunk"},
		{name: "empty payload", modify: func(req *ChunkRequest) { req.Size = 0 }, field: "chunk"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			req := chunkRequest("v1", 0, chunks, size)
			tt.modify(&req)

			_, err := f.svc.StoreChunk(context.Background(), "owner-1", req)

			var validationErr *upload.ValidationError
			require.ErrorAs(t, err, &validationErr)
			assert.Equal(t, tt.field, validationErr.Field)
			assert.Empty(t, f.blobs.Keys())
			_, err = f.records.Get(context.Background(), "v1")
			assert.ErrorIs(t, err, upload.ErrNotFound)
		})
	}
}

func TestStoreChunk_OversizedStreamIsRejected(t *testing.T) {
	f := newFixture()
	chunks := [][]byte{bytes.Repeat([]byte{'z'}, 64*kib+1)}
	req := chunkRequest("big", 0, chunks, totalSize(chunks))
	req.Size = -1

	_, err := f.svc.StoreChunk(context.Background(), "owner-1", req)

	var validationErr *upload.ValidationError
	require.ErrorAs(t, err, &validationErr)
	assert.Equal(t, "chunk", validationErr.Field)
	assert.Empty(t, f.blobs.Keys())
	_, err = f.records.Get(context.Background(), "big")
	assert.ErrorIs(t, err, upload.ErrNotFound)
}

func TestStoreChunk_EmptyStreamIsRejected(t *testing.T) {
	f := newFixture()
	chunks := [][]byte{{}}
	req := chunkRequest("empty", 0, chunks, 1)
	req.Size = -1

	_, err := f.svc.StoreChunk(context.Background(), "owner-1", req)

	var validationErr *upload.ValidationError
	require.ErrorAs(t, err, &validationErr)
	assert.Equal(t, "chunk", validationErr.Field)
	assert.Empty(t, f.blobs.Keys())
	_, err = f.records.Get(context.Background(), "empty")
	assert.ErrorIs(t, err, upload.ErrNotFound)
}

func TestStoreChunk_ZstdEncodedChunk(t *testing.T) {
	f := newFixture()
	chunks := [][]byte{bytes.Repeat([]byte("zstd "), 8*kib)}
	encoded, err := compression.Compress(chunks[0])
	require.NoError(t, err)

	req := chunkRequest("zst", 0, chunks, totalSize(chunks))
	req.Data = bytes.NewReader(encoded)
	req.Size = int64(len(encoded))
	req.Encoding = compression.Zstd

	report, err := f.svc.StoreChunk(context.Background(), "owner-1", req)

	require.NoError(t, err)
	assert.Equal(t, upload.StatusCompleted, report.Status)
	assert.Equal(t, chunks[0], f.download(t, "zst"))
}

func TestStoreChunk_CorruptZstdChunk(t *testing.T) {
	f := newFixture()
	chunks := [][]byte{[]byte("definitely not zstd")}
	req := chunkRequest("corrupt", 0, chunks, totalSize(chunks))
	req.Encoding = compression.Zstd

	_, err := f.svc.StoreChunk(context.Background(), "owner-1", req)

	var validationErr *upload.ValidationError
	require.ErrorAs(t, err, &validationErr)
	assert.Equal(t, "chunk_encoding", validationErr.Field)
	assert.Empty(t, f.blobs.Keys())
	_, err = f.records.Get(context.Background(), "corrupt")
	assert.ErrorIs(t, err, upload.ErrNotFound)
}

func TestStoreChunk_InconsistentCountersAreRejected(t *testing.T) {
	// Given
	f := newFixture()
	ctx := context.Background()
	chunks := testChunks()
	f.send(t, "drift", 0, chunks)

	tests := []struct {
		name   string
		modify func(req *ChunkRequest)
		field  string
	}{
		{name: "total chunks", modify: func(req *ChunkRequest) { req.TotalChunks = 2 }, field: "total_chunks"},
		{name: "total size", modify: func(req *ChunkRequest) { req.TotalSize = 1 }, field: "total_size"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := chunkRequest("drift", 1, chunks, totalSize(chunks))
			tt.modify(&req)

			// When
			_, err := f.svc.StoreChunk(ctx, "owner-1", req)

			// Then
			var validationErr *upload.ValidationError
			require.ErrorAs(t, err, &validationErr)
			assert.Equal(t, tt.field, validationErr.Field)

			rec, err := f.records.Get(ctx, "drift")
			require.NoError(t, err)
			assert.Equal(t, upload.StatusPending, rec.Status)
			assert.Equal(t, 3, rec.TotalChunks)
			assert.Equal(t, totalSize(chunks), rec.TotalSize)
			assert.Equal(t, []string{upload.ChunkKey("drift", 0)}, f.blobs.Keys())
		})
	}

	// The upload still completes with consistent chunks.
	f.send(t, "drift", 1, chunks)
	report := f.send(t, "drift", 2, chunks)
	assert.Equal(t, upload.StatusCompleted, report.Status)
}

// completingStore marks the upload completed right after a chunk write, like a finalize finishing concurrently.
type completingStore struct {
	*blob.MemoryStore
	records *record.MemoryStore
}

func (s completingStore) Put(ctx context.Context, key string, r io.Reader) (int64, error) {
	n, err := s.MemoryStore.Put(ctx, key, r)
	if err != nil {
		return n, err
	}
	uploadID := strings.SplitN(strings.TrimPrefix(key, "chunks/"), "/", 2)[0]
	return n, s.records.SetStatus(ctx, uploadID, upload.StatusCompleted, upload.FinalKey(uploadID, "report.pdf"))
}

func TestStoreChunk_LateChunkOfCompletedUploadIsDropped(t *testing.T) {
	// Given
	blobs := blob.NewMemoryStore()
	records := record.NewMemoryStore()
	tracker := &countingTracker{}
	svc := New(Params{
		Blobs:   completingStore{MemoryStore: blobs, records: records},
		Records: records,
		Tracker: tracker,
		Limits:  upload.DefaultLimits(),
		Logger:  log.NewLogger(),
	})
	chunks := testChunks()

	// When
	report, err := svc.StoreChunk(context.Background(), "owner-1", chunkRequest("late", 1, chunks, totalSize(chunks)))

	// Then
	require.NoError(t, err)
	assert.Equal(t, upload.StatusCompleted, report.Status)
	assert.Empty(t, blobs.Keys())
	assert.Equal(t, 0, tracker.stored)
}

func TestStoreChunk_ConcurrentChunksFinalizeOnce(t *testing.T) {
	// Given
	f := newFixture()
	chunks := make([][]byte, 8)
	for i := range chunks {
		chunks[i] = bytes.Repeat([]byte{byte('a' + i)}, 16*kib)
	}

	// When
	var wg sync.WaitGroup
	errs := make([]error, len(chunks))
	for i := range chunks {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.svc.StoreChunk(context.Background(), "owner-1", chunkRequest("race", i, chunks, totalSize(chunks)))
		}(i)
	}
	wg.Wait()

	// Then
	for _, err := range errs {
		require.NoError(t, err)
	}
	report, err := f.svc.Status(context.Background(), "race")
	require.NoError(t, err)
	assert.Equal(t, upload.StatusCompleted, report.Status)
	assert.Equal(t, 1, f.notifier.count())
	assert.Equal(t, bytes.Join(chunks, nil), f.download(t, "race"))
}

func TestStoreChunk_NotifierErrorDoesNotFailUpload(t *testing.T) {
	f := newFixture()
	f.notifier.err = errors.New("broker down")
	chunks := [][]byte{[]byte("payload")}

	report := f.send(t, "notify", 0, chunks)

	assert.Equal(t, upload.StatusCompleted, report.Status)
}

func TestDownload_Errors(t *testing.T) {
	f := newFixture()
	chunks := testChunks()
	f.send(t, "partial", 0, chunks)

	_, err := f.svc.Download(context.Background(), "partial")
	assert.ErrorIs(t, err, upload.ErrNotReady)

	_, err = f.svc.Download(context.Background(), "unknown")
	assert.ErrorIs(t, err, upload.ErrNotFound)
}

func TestDownload_ReturnsRecord(t *testing.T) {
	f := newFixture()
	chunks := [][]byte{[]byte("hello")}
	f.send(t, "rec", 0, chunks)

	d, err := f.svc.Download(context.Background(), "rec")
	require.NoError(t, err)
	defer func() { require.NoError(t, d.Body.Close()) }()

	assert.Equal(t, "report.pdf", d.Record.OriginalFilename)
	assert.Equal(t, "application/pdf", d.Record.MimeType)
	assert.Equal(t, upload.FinalKey("rec", "report.pdf"), d.Record.StoragePath)
}

func TestList_OnlyOwnersCompletedUploads(t *testing.T) {
	// Given
	f := newFixture()
	ctx := context.Background()
	chunks := [][]byte{[]byte("done")}
	f.send(t, "first", 0, chunks)
	time.Sleep(2 * time.Millisecond)
	f.send(t, "second", 0, chunks)
	f.send(t, "pending", 0, testChunks())

	_, err := f.svc.StoreChunk(ctx, "owner-2", chunkRequest("foreign", 0, chunks, totalSize(chunks)))
	require.NoError(t, err)

	// When
	list, err := f.svc.List(ctx, "owner-1")

	// Then
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "second", list[0].UploadID)
	assert.Equal(t, "first", list[1].UploadID)

	empty, err := f.svc.List(ctx, "nobody")
	require.NoError(t, err)
	assert.NotNil(t, empty)
	assert.Empty(t, empty)
}

func TestDelete(t *testing.T) {
	// Given
	f := newFixture()
	ctx := context.Background()
	chunks := testChunks()
	for i := range chunks {
		f.send(t, "gone", i, chunks)
	}
	f.send(t, "partial", 0, chunks)

	// When
	require.NoError(t, f.svc.Delete(ctx, "gone"))
	require.NoError(t, f.svc.Delete(ctx, "partial"))

	// Then
	_, err := f.svc.Status(ctx, "gone")
	assert.ErrorIs(t, err, upload.ErrNotFound)
	_, err = f.svc.Download(ctx, "gone")
	assert.ErrorIs(t, err, upload.ErrNotFound)
	assert.Empty(t, f.blobs.Keys())

	assert.NoError(t, f.svc.Delete(ctx, "gone"))

	var validationErr *upload.ValidationError
	assert.ErrorAs(t, f.svc.Delete(ctx, ""), &validationErr)
}
