//go:build integration
// +build integration

// Package integration runs the upload stack against real backends.
// Every test skips unless the environment variable naming its backend is set.
package integration

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/bitrise-io/go-chunkupload/internal/awsconfig"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/google/uuid"
)

var logger = log.NewLogger()

func checksumOf(bytes []byte) string {
	hash := sha256.New()
	hash.Write(bytes)
	return hex.EncodeToString(hash.Sum(nil))
}

func requireEnv(t *testing.T, key string) string {
	t.Helper()
	value := os.Getenv(key)
	if value == "" {
		t.Skipf("%s is not set", key)
	}
	return value
}

func awsRegion() string {
	if region := os.Getenv("UPLOAD_AWS_REGION"); region != "" {
		return region
	}
	return "us-east-1"
}

func loadAWS(t *testing.T) aws.Config {
	t.Helper()
	cfg, err := awsconfig.Load(context.Background(), awsconfig.Params{
		Region:          awsRegion(),
		AccessKeyID:     os.Getenv("UPLOAD_AWS_ACCESS_KEY_ID"),
		SecretAccessKey: os.Getenv("UPLOAD_AWS_SECRET_ACCESS_KEY"),
	}, logger)
	if err != nil {
		t.Fatalf("load aws config: %s", err)
	}
	return cfg
}

// uniqueName gives every run its own table, bucket prefix or queue so parallel CI jobs don't collide.
func uniqueName(prefix string) string {
	return fmt.Sprintf("%s-%d-%s", prefix, time.Now().Unix(), uuid.NewString()[:8])
}
