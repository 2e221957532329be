package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/bitrise-io/go-chunkupload/internal/awsconfig"
	"github.com/bitrise-io/go-utils/retry"
	"github.com/bitrise-io/go-utils/v2/log"
)

const (
	numS3Retries   = 3
	s3PartSizeMB   = 10
	s3DeleteBatch  = 1000
	s3DefaultRetry = 2 * time.Second
)

// S3API is the part of the S3 client the store calls.
type S3API interface {
	manager.UploadAPIClient
	s3.ListObjectsV2APIClient
	s3.HeadObjectAPIClient
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	CopyObject(ctx context.Context, params *s3.CopyObjectInput, optFns ...func(*s3.Options)) (*s3.CopyObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	DeleteObjects(ctx context.Context, params *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
}

// S3Params ...
type S3Params struct {
	Bucket          string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	Endpoint        string
}

// S3Store keeps blobs as objects of one bucket.
type S3Store struct {
	client    S3API
	bucket    string
	logger    log.Logger
	retryWait time.Duration
}

// NewS3Store loads AWS credentials and creates a store on the given bucket.
func NewS3Store(ctx context.Context, params S3Params, logger log.Logger) (*S3Store, error) {
	if params.Bucket == "" {
		return nil, fmt.Errorf("bucket must not be empty")
	}

	cfg, err := awsconfig.Load(ctx, awsconfig.Params{
		Region:          params.Region,
		AccessKeyID:     params.AccessKeyID,
		SecretAccessKey: params.SecretAccessKey,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("load aws credentials: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if params.Endpoint != "" {
			o.BaseEndpoint = aws.String(params.Endpoint)
			o.UsePathStyle = true
		}
	})

	return NewS3StoreWithClient(client, params.Bucket, logger), nil
}

// NewS3StoreWithClient ...
func NewS3StoreWithClient(client S3API, bucket string, logger log.Logger) *S3Store {
	return &S3Store{
		client:    client,
		bucket:    bucket,
		logger:    logger,
		retryWait: s3DefaultRetry,
	}
}

// Put streams r into the object with the multipart upload manager.
// The upload is retried only when r can be rewound.
func (s *S3Store) Put(ctx context.Context, key string, r io.Reader) (int64, error) {
	uploader := manager.NewUploader(s.client, func(u *manager.Uploader) {
		u.PartSize = s3PartSizeMB * 1024 * 1024
	})

	seeker, canRewind := r.(io.Seeker)
	attempts := uint(1)
	if canRewind {
		attempts = numS3Retries
	}

	var written int64
	err := retry.Times(attempts-1).Wait(s.retryWait).TryWithAbort(func(attempt uint) (error, bool) {
		if attempt > 0 {
			if _, err := seeker.Seek(0, io.SeekStart); err != nil {
				return fmt.Errorf("rewind body: %w", err), true
			}
		}

		body := &countingReader{r: r}
		_, err := uploader.Upload(ctx, &s3.PutObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
			Body:   body,
		})
		written = body.n
		if err != nil {
			s.logger.Debugf("Put %s attempt %d failed: %s", key, attempt+1, err)
			return fmt.Errorf("upload object: %w", err), ctx.Err() != nil
		}
		return nil, true
	})
	if err != nil {
		return written, fmt.Errorf("put %s: %w", key, err)
	}

	return written, nil
}

// Get ...
func (s *S3Store) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	var body io.ReadCloser
	err := retry.Times(numS3Retries).Wait(s.retryWait).TryWithAbort(func(attempt uint) (error, bool) {
		out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			if isNotFound(err) {
				return ErrNotExist, true
			}
			return fmt.Errorf("get object: %w", err), false
		}
		body = out.Body
		return nil, true
	})
	if err != nil {
		if errors.Is(err, ErrNotExist) {
			return nil, ErrNotExist
		}
		return nil, fmt.Errorf("get %s: %w", key, err)
	}

	return body, nil
}

// Exists ...
func (s *S3Store) Exists(ctx context.Context, key string) (bool, error) {
	var exists bool
	err := retry.Times(numS3Retries).Wait(s.retryWait).TryWithAbort(func(attempt uint) (error, bool) {
		_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			if isNotFound(err) {
				exists = false
				return nil, true
			}
			return fmt.Errorf("head object: %w", err), false
		}
		exists = true
		return nil, true
	})
	if err != nil {
		return false, fmt.Errorf("check %s: %w", key, err)
	}

	return exists, nil
}

// Delete ...
func (s *S3Store) Delete(ctx context.Context, key string) error {
	err := retry.Times(numS3Retries).Wait(s.retryWait).TryWithAbort(func(attempt uint) (error, bool) {
		_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		})
		if err != nil && !isNotFound(err) {
			return fmt.Errorf("delete object: %w", err), false
		}
		return nil, true
	})
	if err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// DeletePrefix lists the prefix page by page and removes each page with a batch delete.
func (s *S3Store) DeletePrefix(ctx context.Context, prefix string) error {
	if err := validatePrefix(prefix); err != nil {
		return err
	}

	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket:  aws.String(s.bucket),
		Prefix:  aws.String(prefix),
		MaxKeys: aws.Int32(s3DeleteBatch),
	})

	deleted := 0
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("list %s: %w", prefix, err)
		}
		if len(page.Contents) == 0 {
			continue
		}

		objects := make([]types.ObjectIdentifier, 0, len(page.Contents))
		for _, obj := range page.Contents {
			objects = append(objects, types.ObjectIdentifier{Key: obj.Key})
		}

		err = retry.Times(numS3Retries).Wait(s.retryWait).TryWithAbort(func(attempt uint) (error, bool) {
			out, err := s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
				Bucket: aws.String(s.bucket),
				Delete: &types.Delete{Objects: objects, Quiet: aws.Bool(true)},
			})
			if err != nil {
				return fmt.Errorf("delete objects: %w", err), false
			}
			if len(out.Errors) > 0 {
				first := out.Errors[0]
				return fmt.Errorf("delete %s: %s", aws.ToString(first.Key), aws.ToString(first.Message)), false
			}
			return nil, true
		})
		if err != nil {
			return fmt.Errorf("delete %s: %w", prefix, err)
		}
		deleted += len(objects)
	}

	s.logger.Debugf("Deleted %d objects under %s", deleted, prefix)
	return nil
}

// Move copies src onto dst and removes src. Single request copies are limited to 5 GB objects.
func (s *S3Store) Move(ctx context.Context, src, dst string) error {
	exists, err := s.Exists(ctx, src)
	if err != nil {
		return err
	}
	if !exists {
		return ErrNotExist
	}

	err = retry.Times(numS3Retries).Wait(s.retryWait).TryWithAbort(func(attempt uint) (error, bool) {
		_, err := s.client.CopyObject(ctx, &s3.CopyObjectInput{
			Bucket:     aws.String(s.bucket),
			Key:        aws.String(dst),
			CopySource: aws.String(copySource(s.bucket, src)),
		})
		if err != nil {
			return fmt.Errorf("copy object: %w", err), false
		}
		return nil, true
	})
	if err != nil {
		return fmt.Errorf("move %s to %s: %w", src, dst, err)
	}

	return s.Delete(ctx, src)
}

func copySource(bucket, key string) string {
	segments := strings.Split(key, "/")
	for i, segment := range segments {
		segments[i] = url.PathEscape(segment)
	}
	return bucket + "/" + strings.Join(segments, "/")
}

func isNotFound(err error) bool {
	var notFound *types.NotFound
	if errors.As(err, &notFound) {
		return true
	}
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return true
	}
	var apiError smithy.APIError
	if errors.As(err, &apiError) {
		switch apiError.ErrorCode() {
		case "NotFound", "NoSuchKey":
			return true
		}
	}
	return false
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
