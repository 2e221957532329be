//go:build integration
// +build integration

package integration

import (
	"bytes"
	"context"
	"io"
	"os"
	"strings"
	"testing"

	"github.com/bitrise-io/go-chunkupload/blob"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newS3Store(t *testing.T) *blob.S3Store {
	bucket := requireEnv(t, "UPLOAD_S3_BUCKET")
	store, err := blob.NewS3Store(context.Background(), blob.S3Params{
		Bucket:          bucket,
		Region:          awsRegion(),
		AccessKeyID:     os.Getenv("UPLOAD_AWS_ACCESS_KEY_ID"),
		SecretAccessKey: os.Getenv("UPLOAD_AWS_SECRET_ACCESS_KEY"),
		Endpoint:        os.Getenv("UPLOAD_AWS_ENDPOINT"),
	}, logger)
	require.NoError(t, err)
	return store
}

func TestS3Store(t *testing.T) {
	// Given
	store := newS3Store(t)
	ctx := context.Background()
	root := uniqueName("integration") + "/"
	t.Cleanup(func() {
		assert.NoError(t, store.DeletePrefix(context.Background(), root))
	})
	content := bytes.Repeat([]byte("0123456789"), 2*1024*1024) // 20MB, forces a multipart upload

	// When
	written, err := store.Put(ctx, root+"chunks/0", bytes.NewReader(content))
	require.NoError(t, err)
	require.NoError(t, store.Move(ctx, root+"chunks/0", root+"final/file.bin"))

	// Then
	assert.Equal(t, int64(len(content)), written)

	exists, err := store.Exists(ctx, root+"chunks/0")
	require.NoError(t, err)
	assert.False(t, exists)

	rc, err := store.Get(ctx, root+"final/file.bin")
	require.NoError(t, err)
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, checksumOf(content), checksumOf(got))

	_, err = store.Get(ctx, root+"missing")
	assert.ErrorIs(t, err, blob.ErrNotExist)
}

func TestS3Store_DeletePrefix(t *testing.T) {
	// Given
	store := newS3Store(t)
	ctx := context.Background()
	root := uniqueName("integration") + "/"
	for _, key := range []string{"a/0", "a/1", "a/2", "b/0"} {
		_, err := store.Put(ctx, root+key, strings.NewReader(key))
		require.NoError(t, err)
	}
	t.Cleanup(func() {
		assert.NoError(t, store.DeletePrefix(context.Background(), root))
	})

	// When
	err := store.DeletePrefix(ctx, root+"a/")

	// Then
	require.NoError(t, err)
	for _, key := range []string{"a/0", "a/1", "a/2"} {
		exists, err := store.Exists(ctx, root+key)
		require.NoError(t, err)
		assert.False(t, exists, key)
	}
	exists, err := store.Exists(ctx, root+"b/0")
	require.NoError(t, err)
	assert.True(t, exists)
}
