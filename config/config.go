// Package config loads the upload server and client configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/bitrise-io/go-chunkupload/upload"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"
)

// Backend names.
const (
	BlobFS     = "fs"
	BlobS3     = "s3"
	BlobMemory = "memory"

	RecordMemory   = "memory"
	RecordPostgres = "postgres"
	RecordDynamoDB = "dynamodb"

	LockLocal = "local"
	LockRedis = "redis"

	NotifyNone = "none"
	NotifySQS  = "sqs"
	NotifyAMQP = "amqp"
)

// Server is the upload server configuration.
type Server struct {
	ListenAddr      string        `env:"UPLOAD_LISTEN_ADDR"`
	Debug           bool          `env:"UPLOAD_DEBUG"`
	ShutdownTimeout time.Duration `env:"UPLOAD_SHUTDOWN_TIMEOUT"`
	Analytics       bool          `env:"UPLOAD_ANALYTICS"`

	MaxFileSize      int64    `env:"UPLOAD_MAX_FILE_SIZE,size"`
	MaxChunkSize     int64    `env:"UPLOAD_MAX_CHUNK_SIZE,size"`
	AllowedMimeTypes []string `env:"UPLOAD_ALLOWED_MIME_TYPES"`

	BlobBackend string `env:"UPLOAD_BLOB_BACKEND,opt[fs,s3,memory]"`
	StorageRoot string `env:"UPLOAD_STORAGE_ROOT"`

	// AWS settings are shared by the s3, dynamodb and sqs backends.
	AWSRegion          string `env:"UPLOAD_AWS_REGION"`
	AWSEndpoint        string `env:"UPLOAD_AWS_ENDPOINT"`
	AWSAccessKeyID     string `env:"UPLOAD_AWS_ACCESS_KEY_ID"`
	AWSSecretAccessKey Secret `env:"UPLOAD_AWS_SECRET_ACCESS_KEY"`
	S3Bucket           string `env:"UPLOAD_S3_BUCKET"`

	RecordBackend   string `env:"UPLOAD_RECORD_BACKEND,opt[memory,postgres,dynamodb]"`
	PostgresDSN     Secret `env:"UPLOAD_POSTGRES_DSN"`
	PostgresMaxConn int    `env:"UPLOAD_POSTGRES_MAX_CONNS"`
	DynamoDBTable   string `env:"UPLOAD_DYNAMODB_TABLE"`
	DynamoDBCreate  bool   `env:"UPLOAD_DYNAMODB_CREATE_TABLE"`

	LockBackend   string        `env:"UPLOAD_LOCK_BACKEND,opt[local,redis]"`
	RedisAddr     string        `env:"UPLOAD_REDIS_ADDR"`
	RedisPassword Secret        `env:"UPLOAD_REDIS_PASSWORD"`
	LockTTL       time.Duration `env:"UPLOAD_LOCK_TTL"`

	NotifyBackend string `env:"UPLOAD_NOTIFY_BACKEND,opt[none,sqs,amqp]"`
	SQSQueueURL   string `env:"UPLOAD_SQS_QUEUE_URL"`
	AMQPURL       Secret `env:"UPLOAD_AMQP_URL"`
	AMQPQueue     string `env:"UPLOAD_AMQP_QUEUE"`
}

// DefaultServer ...
func DefaultServer() Server {
	return Server{
		ListenAddr:       ":8080",
		ShutdownTimeout:  30 * time.Second,
		MaxFileSize:      upload.DefaultMaxFileSize,
		MaxChunkSize:     upload.DefaultMaxChunkSize,
		AllowedMimeTypes: upload.DefaultAllowedMimeTypes,
		AWSRegion:        "us-east-1",
		BlobBackend:      BlobFS,
		StorageRoot:      "./storage",
		RecordBackend:    RecordMemory,
		PostgresMaxConn:  10,
		LockBackend:      LockLocal,
		LockTTL:          10 * time.Minute,
		NotifyBackend:    NotifyNone,
		AMQPQueue:        "upload-events",
	}
}

// LoadServer reads the server configuration on top of DefaultServer.
func LoadServer(envRepo env.Repository) (Server, error) {
	cfg := DefaultServer()
	if err := Parse(&cfg, envRepo); err != nil {
		return Server{}, fmt.Errorf("parse configuration: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Server{}, err
	}
	return cfg, nil
}

func (c Server) validate() error {
	var errs []error
	if c.MaxChunkSize <= 0 || c.MaxFileSize <= 0 {
		errs = append(errs, errors.New("size limits must be positive"))
	}
	if c.BlobBackend == BlobS3 && c.S3Bucket == "" {
		errs = append(errs, errors.New("UPLOAD_S3_BUCKET is required for the s3 blob backend"))
	}
	if c.BlobBackend == BlobFS && c.StorageRoot == "" {
		errs = append(errs, errors.New("UPLOAD_STORAGE_ROOT is required for the fs blob backend"))
	}
	if c.RecordBackend == RecordPostgres && c.PostgresDSN == "" {
		errs = append(errs, errors.New("UPLOAD_POSTGRES_DSN is required for the postgres record backend"))
	}
	if c.RecordBackend == RecordDynamoDB && c.DynamoDBTable == "" {
		errs = append(errs, errors.New("UPLOAD_DYNAMODB_TABLE is required for the dynamodb record backend"))
	}
	if c.LockBackend == LockRedis && c.RedisAddr == "" {
		errs = append(errs, errors.New("UPLOAD_REDIS_ADDR is required for the redis lock backend"))
	}
	if c.NotifyBackend == NotifySQS && c.SQSQueueURL == "" {
		errs = append(errs, errors.New("UPLOAD_SQS_QUEUE_URL is required for the sqs notify backend"))
	}
	if c.NotifyBackend == NotifyAMQP && c.AMQPURL == "" {
		errs = append(errs, errors.New("UPLOAD_AMQP_URL is required for the amqp notify backend"))
	}
	return errors.Join(errs...)
}

// Limits ...
func (c Server) Limits() upload.Limits {
	return upload.Limits{
		MaxFileSize:      c.MaxFileSize,
		MaxChunkSize:     c.MaxChunkSize,
		AllowedMimeTypes: c.AllowedMimeTypes,
	}
}

// Client is the upload client configuration.
type Client struct {
	BaseURL         string        `env:"UPLOAD_API_URL,required"`
	OwnerID         string        `env:"UPLOAD_OWNER_ID"`
	Token           Secret        `env:"UPLOAD_API_TOKEN"`
	Debug           bool          `env:"UPLOAD_DEBUG"`
	Compress        bool          `env:"UPLOAD_COMPRESS"`
	ChunkSize       int64         `env:"UPLOAD_CHUNK_SIZE,size"`
	Concurrency     int           `env:"UPLOAD_CONCURRENCY"`
	MaxRetries      int           `env:"UPLOAD_MAX_RETRIES"`
	StatusInterval  time.Duration `env:"UPLOAD_STATUS_INTERVAL"`
	ProgressTimeout time.Duration `env:"UPLOAD_PROGRESS_TIMEOUT"`
}

// LoadClient reads the client configuration. Zero values mean the session defaults.
func LoadClient(envRepo env.Repository) (Client, error) {
	var cfg Client
	if err := Parse(&cfg, envRepo); err != nil {
		return Client{}, fmt.Errorf("parse configuration: %w", err)
	}
	return cfg, nil
}

// Print logs every tagged field, secrets redacted and sizes human readable.
func Print(cfg interface{}, logger log.Logger) {
	v := reflect.Indirect(reflect.ValueOf(cfg))
	if v.Kind() != reflect.Struct {
		return
	}
	t := v.Type()

	logger.Infof("Configuration:")
	for i := 0; i < t.NumField(); i++ {
		tag, ok := t.Field(i).Tag.Lookup("env")
		if !ok {
			continue
		}
		key, options := parseTag(tag)
		logger.Printf("- %s: %s", key, valueString(v.Field(i), contains(options, "size")))
	}
}

func valueString(v reflect.Value, size bool) string {
	if size && v.Kind() == reflect.Int64 {
		return units.BytesSize(float64(v.Int()))
	}
	if s, ok := v.Interface().(fmt.Stringer); ok {
		return s.String()
	}
	return fmt.Sprintf("%v", v.Interface())
}
