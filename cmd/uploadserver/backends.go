package main

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/bitrise-io/go-chunkupload/blob"
	"github.com/bitrise-io/go-chunkupload/config"
	"github.com/bitrise-io/go-chunkupload/internal/awsconfig"
	"github.com/bitrise-io/go-chunkupload/lock"
	"github.com/bitrise-io/go-chunkupload/notify"
	"github.com/bitrise-io/go-chunkupload/record"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/redis/go-redis/v9"
)

type backends struct {
	blobs    blob.Store
	records  record.Store
	locker   lock.Locker
	notifier notify.Notifier
	closers  []func() error
	logger   log.Logger
}

func (b *backends) close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil {
			b.logger.Warnf("Failed to close backend: %s", err)
		}
	}
}

func openBackends(ctx context.Context, cfg config.Server, logger log.Logger) (*backends, error) {
	b := &backends{logger: logger}
	ok := false
	defer func() {
		if !ok {
			b.close()
		}
	}()

	var awsCfg *aws.Config
	loadAWS := func() (aws.Config, error) {
		if awsCfg != nil {
			return *awsCfg, nil
		}
		c, err := awsconfig.Load(ctx, awsconfig.Params{
			Region:          cfg.AWSRegion,
			AccessKeyID:     cfg.AWSAccessKeyID,
			SecretAccessKey: string(cfg.AWSSecretAccessKey),
		}, logger)
		if err != nil {
			return aws.Config{}, err
		}
		awsCfg = &c
		return c, nil
	}

	var err error
	if b.blobs, err = openBlobs(ctx, cfg, logger); err != nil {
		return nil, err
	}
	if b.records, err = b.openRecords(ctx, cfg, loadAWS); err != nil {
		return nil, err
	}
	b.locker = b.openLocker(cfg)
	if b.notifier, err = b.openNotifier(cfg, loadAWS); err != nil {
		return nil, err
	}

	ok = true
	return b, nil
}

func openBlobs(ctx context.Context, cfg config.Server, logger log.Logger) (blob.Store, error) {
	switch cfg.BlobBackend {
	case config.BlobFS:
		logger.Infof("Storing blobs under %s", cfg.StorageRoot)
		return blob.NewFileStore(cfg.StorageRoot, logger)
	case config.BlobS3:
		logger.Infof("Storing blobs in s3://%s", cfg.S3Bucket)
		return blob.NewS3Store(ctx, blob.S3Params{
			Bucket:          cfg.S3Bucket,
			Region:          cfg.AWSRegion,
			AccessKeyID:     cfg.AWSAccessKeyID,
			SecretAccessKey: string(cfg.AWSSecretAccessKey),
			Endpoint:        cfg.AWSEndpoint,
		}, logger)
	case config.BlobMemory:
		logger.Warnf("Storing blobs in memory, uploads are lost on restart")
		return blob.NewMemoryStore(), nil
	}
	return nil, fmt.Errorf("unknown blob backend: %s", cfg.BlobBackend)
}

func (b *backends) openRecords(ctx context.Context, cfg config.Server, loadAWS func() (aws.Config, error)) (record.Store, error) {
	switch cfg.RecordBackend {
	case config.RecordMemory:
		b.logger.Warnf("Keeping upload records in memory, they are lost on restart")
		return record.NewMemoryStore(), nil
	case config.RecordPostgres:
		store, err := record.ConnectPostgres(ctx, record.PostgresConfig{
			DSN:          string(cfg.PostgresDSN),
			MaxOpenConns: cfg.PostgresMaxConn,
		}, b.logger)
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, store.Close)
		return store, nil
	case config.RecordDynamoDB:
		awsCfg, err := loadAWS()
		if err != nil {
			return nil, err
		}
		client := dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
			if cfg.AWSEndpoint != "" {
				o.BaseEndpoint = aws.String(cfg.AWSEndpoint)
			}
		})
		store := record.NewDynamoStore(client, cfg.DynamoDBTable, b.logger)
		if cfg.DynamoDBCreate {
			if err := store.EnsureTable(ctx); err != nil {
				return nil, err
			}
		}
		return store, nil
	}
	return nil, fmt.Errorf("unknown record backend: %s", cfg.RecordBackend)
}

func (b *backends) openLocker(cfg config.Server) lock.Locker {
	if cfg.LockBackend != config.LockRedis {
		return lock.NewKeyedMutex()
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: string(cfg.RedisPassword),
	})
	b.closers = append(b.closers, client.Close)
	return lock.NewRedisLocker(client, "chunkupload:finalize:", cfg.LockTTL, b.logger)
}

func (b *backends) openNotifier(cfg config.Server, loadAWS func() (aws.Config, error)) (notify.Notifier, error) {
	switch cfg.NotifyBackend {
	case config.NotifySQS:
		awsCfg, err := loadAWS()
		if err != nil {
			return nil, err
		}
		client := sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
			if cfg.AWSEndpoint != "" {
				o.BaseEndpoint = aws.String(cfg.AWSEndpoint)
			}
		})
		n := notify.NewSQSNotifier(client, cfg.SQSQueueURL, b.logger)
		b.closers = append(b.closers, n.Close)
		return n, nil
	case config.NotifyAMQP:
		n, err := notify.DialAMQP(string(cfg.AMQPURL), cfg.AMQPQueue, b.logger)
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, n.Close)
		return n, nil
	}
	return notify.NopNotifier{}, nil
}
