//go:build integration
// +build integration

package integration

import (
	"bytes"
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bitrise-io/go-chunkupload/api"
	"github.com/bitrise-io/go-chunkupload/blob"
	"github.com/bitrise-io/go-chunkupload/client"
	"github.com/bitrise-io/go-chunkupload/client/session"
	"github.com/bitrise-io/go-chunkupload/lock"
	"github.com/bitrise-io/go-chunkupload/record"
	"github.com/bitrise-io/go-chunkupload/service"
	"github.com/bitrise-io/go-chunkupload/upload"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newBackends uses S3 and Postgres when they are configured and falls back to the in-memory stores otherwise.
func newBackends(t *testing.T) (blob.Store, record.Store) {
	var blobs blob.Store = blob.NewMemoryStore()
	if os.Getenv("UPLOAD_S3_BUCKET") != "" {
		blobs = newS3Store(t)
	}

	var records record.Store = record.NewMemoryStore()
	if dsn := os.Getenv("UPLOAD_POSTGRES_DSN"); dsn != "" {
		db, err := sqlx.Connect("postgres", dsn)
		require.NoError(t, err)
		store := record.NewPostgresStore(db, logger)
		require.NoError(t, store.Migrate(context.Background()))
		t.Cleanup(func() { _ = store.Close() })
		records = store
	}

	return blobs, records
}

func TestUploadFlow_RedisLocker(t *testing.T) {
	// Given
	addr := requireEnv(t, "UPLOAD_REDIS_ADDR")
	redisClient := redis.NewClient(&redis.Options{Addr: addr, Password: os.Getenv("UPLOAD_REDIS_PASSWORD")})
	t.Cleanup(func() { _ = redisClient.Close() })

	blobs, records := newBackends(t)
	svc := service.New(service.Params{
		Blobs:   blobs,
		Records: records,
		Locker:  lock.NewRedisLocker(redisClient, uniqueName("finalize")+":", time.Minute, logger),
		Limits:  upload.DefaultLimits(),
		Logger:  logger,
	})
	server := httptest.NewServer(api.NewHandler(api.Params{Service: svc, Logger: logger}).Routes())
	t.Cleanup(server.Close)

	apiClient, err := client.New(client.Params{BaseURL: server.URL, OwnerID: uniqueName("owner"), Compress: true}, logger)
	require.NoError(t, err)

	content := bytes.Repeat([]byte("integration"), 300*1024)
	provider, err := session.NewByteSliceChunkProvider(content, 512*1024)
	require.NoError(t, err)

	cfg := session.DefaultConfig()
	cfg.ChunkSize = 512 * 1024
	controller := session.NewController(apiClient, session.NewRegistry(), cfg, logger)
	t.Cleanup(controller.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	// When
	s, err := controller.Initialize(ctx, "integration.zip", "application/zip", provider)
	require.NoError(t, err)
	require.NoError(t, controller.Upload(ctx, s.ID()))
	snapshot, err := controller.Wait(ctx, s.ID())

	// Then
	require.NoError(t, err)
	assert.Equal(t, session.StateCompleted, snapshot.State)

	dest := filepath.Join(t.TempDir(), "integration.zip")
	require.NoError(t, apiClient.Download(ctx, s.ID(), dest))
	downloaded, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, checksumOf(content), checksumOf(downloaded))

	require.NoError(t, controller.Remove(ctx, s.ID()))
	_, err = apiClient.Status(ctx, s.ID())
	assert.ErrorIs(t, err, client.ErrNotFound)
}
