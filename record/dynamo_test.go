package record

import (
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/bitrise-io/go-chunkupload/upload"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDynamoItem_RoundTripKeepsNanoseconds(t *testing.T) {
	// Given
	created := time.Date(2024, 5, 1, 10, 0, 0, 123456789, time.UTC)
	rec := upload.Record{
		UploadID:         "u1",
		OwnerID:          "o1",
		OriginalFilename: "a.zip",
		MimeType:         "application/zip",
		TotalSize:        42,
		TotalChunks:      1,
		StoragePath:      "uploads/u1/a.zip",
		Status:           upload.StatusCompleted,
		CreatedAt:        created,
		UpdatedAt:        created.Add(time.Second),
	}

	// When
	item, err := attributevalue.MarshalMap(toItem(rec))
	require.NoError(t, err)
	var decoded dynamoItem
	require.NoError(t, attributevalue.UnmarshalMap(item, &decoded))

	// Then
	createdAt, ok := item["created_at"].(*types.AttributeValueMemberN)
	require.True(t, ok, "created_at is stored as a number so the owner index sorts by time")
	assert.Equal(t, "1714557600123456789", createdAt.Value)
	assert.Equal(t, rec, decoded.record())
}
