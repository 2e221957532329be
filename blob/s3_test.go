package blob

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/url"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFakeS3Store(t *testing.T) (*S3Store, *fakeS3) {
	fake := newFakeS3()
	store := NewS3StoreWithClient(fake, "test-bucket", log.NewLogger())
	store.retryWait = 0
	return store, fake
}

func TestS3Store(t *testing.T) {
	testStoreBehaviour(t, func(t *testing.T) Store {
		store, _ := newFakeS3Store(t)
		return store
	})
}

func TestS3Store_DeletePrefixPaginates(t *testing.T) {
	// Given
	store, fake := newFakeS3Store(t)
	fake.pageSize = 2
	for i := 0; i < 5; i++ {
		_, err := store.Put(context.Background(), "chunks/u1/"+string(rune('a'+i)), strings.NewReader("x"))
		require.NoError(t, err)
	}

	// When
	err := store.DeletePrefix(context.Background(), "chunks/u1/")

	// Then
	require.NoError(t, err)
	assert.Empty(t, fake.keys())
	assert.Equal(t, 3, fake.deleteBatches)
}

func TestS3Store_ExistsRetriesTransientErrors(t *testing.T) {
	// Given
	store, fake := newFakeS3Store(t)
	fake.headFailures = 2
	_, err := store.Put(context.Background(), "chunks/u1/0", strings.NewReader("x"))
	require.NoError(t, err)

	// When
	exists, err := store.Exists(context.Background(), "chunks/u1/0")

	// Then
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestS3Store_MoveEscapesCopySource(t *testing.T) {
	store, fake := newFakeS3Store(t)
	_, err := store.Put(context.Background(), "tmp/u1", strings.NewReader("x"))
	require.NoError(t, err)

	require.NoError(t, store.Move(context.Background(), "tmp/u1", "uploads/u1/a b.pdf"))

	assert.Equal(t, []string{"test-bucket/tmp/u1"}, fake.copySources)
	assert.Equal(t, "test-bucket/uploads/u1/a%20b.pdf", copySource("test-bucket", "uploads/u1/a b.pdf"))
}

func TestS3Store_PutReportsBytesWritten(t *testing.T) {
	store, _ := newFakeS3Store(t)

	n, err := store.Put(context.Background(), "tmp/u1", io.MultiReader(strings.NewReader("abc"), strings.NewReader("defg")))

	require.NoError(t, err)
	assert.Equal(t, int64(7), n)
}

// fakeS3 is an in-memory bucket implementing the calls S3Store makes.
type fakeS3 struct {
	mu            sync.Mutex
	objects       map[string][]byte
	pageSize      int
	headFailures  int
	deleteBatches int
	copySources   []string
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: map[string][]byte{}, pageSize: 1000}
}

func (f *fakeS3) keys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	keys := make([]string, 0, len(f.objects))
	for k := range f.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[aws.ToString(in.Key)] = data
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) UploadPart(context.Context, *s3.UploadPartInput, ...func(*s3.Options)) (*s3.UploadPartOutput, error) {
	return nil, errors.New("multipart upload not supported by fake")
}

func (f *fakeS3) CreateMultipartUpload(context.Context, *s3.CreateMultipartUploadInput, ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error) {
	return nil, errors.New("multipart upload not supported by fake")
}

func (f *fakeS3) CompleteMultipartUpload(context.Context, *s3.CompleteMultipartUploadInput, ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error) {
	return nil, errors.New("multipart upload not supported by fake")
}

func (f *fakeS3) AbortMultipartUpload(context.Context, *s3.AbortMultipartUploadInput, ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error) {
	return &s3.AbortMultipartUploadOutput{}, nil
}

func (f *fakeS3) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var matching []string
	for k := range f.objects {
		if strings.HasPrefix(k, aws.ToString(in.Prefix)) && k > aws.ToString(in.StartAfter) && k > aws.ToString(in.ContinuationToken) {
			matching = append(matching, k)
		}
	}
	sort.Strings(matching)

	out := &s3.ListObjectsV2Output{}
	if len(matching) > f.pageSize {
		matching = matching[:f.pageSize]
		out.IsTruncated = aws.Bool(true)
		out.NextContinuationToken = aws.String(matching[len(matching)-1])
	}
	for _, k := range matching {
		out.Contents = append(out.Contents, types.Object{Key: aws.String(k)})
	}
	out.KeyCount = aws.Int32(int32(len(out.Contents)))
	return out, nil
}

func (f *fakeS3) HeadObject(_ context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.headFailures > 0 {
		f.headFailures--
		return nil, errors.New("connection reset")
	}
	data, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NotFound{}
	}
	return &s3.HeadObjectOutput{ContentLength: aws.Int64(int64(len(data)))}, nil
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) CopyObject(_ context.Context, in *s3.CopyObjectInput, _ ...func(*s3.Options)) (*s3.CopyObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	source := aws.ToString(in.CopySource)
	f.copySources = append(f.copySources, source)
	_, escapedKey, _ := strings.Cut(source, "/")
	key, err := url.PathUnescape(escapedKey)
	if err != nil {
		return nil, err
	}
	data, ok := f.objects[key]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	f.objects[aws.ToString(in.Key)] = data
	return &s3.CopyObjectOutput{}, nil
}

func (f *fakeS3) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func (f *fakeS3) DeleteObjects(_ context.Context, in *s3.DeleteObjectsInput, _ ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleteBatches++
	for _, obj := range in.Delete.Objects {
		delete(f.objects, aws.ToString(obj.Key))
	}
	return &s3.DeleteObjectsOutput{}, nil
}
