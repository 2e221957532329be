package record

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/bitrise-io/go-chunkupload/upload"
	"github.com/bitrise-io/go-utils/retry"
	"github.com/bitrise-io/go-utils/v2/log"
)

// OwnerIndexName is the global secondary index listing an owner's uploads by creation time.
const OwnerIndexName = "owner_id-created_at-index"

const numDynamoRetries = 3

// DynamoAPI is the part of the DynamoDB client the store calls.
type DynamoAPI interface {
	dynamodb.QueryAPIClient
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	CreateTable(ctx context.Context, params *dynamodb.CreateTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error)
}

// dynamoItem is the table layout. Times are unix nanoseconds so the index sorts numerically.
type dynamoItem struct {
	UploadID         string `dynamodbav:"upload_id"`
	OwnerID          string `dynamodbav:"owner_id"`
	OriginalFilename string `dynamodbav:"original_filename"`
	MimeType         string `dynamodbav:"mime_type"`
	TotalSize        int64  `dynamodbav:"total_size"`
	TotalChunks      int    `dynamodbav:"total_chunks"`
	StoragePath      string `dynamodbav:"storage_path"`
	Status           string `dynamodbav:"status"`
	CreatedAt        int64  `dynamodbav:"created_at"`
	UpdatedAt        int64  `dynamodbav:"updated_at"`
}

func toItem(rec upload.Record) dynamoItem {
	return dynamoItem{
		UploadID:         rec.UploadID,
		OwnerID:          rec.OwnerID,
		OriginalFilename: rec.OriginalFilename,
		MimeType:         rec.MimeType,
		TotalSize:        rec.TotalSize,
		TotalChunks:      rec.TotalChunks,
		StoragePath:      rec.StoragePath,
		Status:           string(rec.Status),
		CreatedAt:        rec.CreatedAt.UnixNano(),
		UpdatedAt:        rec.UpdatedAt.UnixNano(),
	}
}

func (i dynamoItem) record() upload.Record {
	return upload.Record{
		UploadID:         i.UploadID,
		OwnerID:          i.OwnerID,
		OriginalFilename: i.OriginalFilename,
		MimeType:         i.MimeType,
		TotalSize:        i.TotalSize,
		TotalChunks:      i.TotalChunks,
		StoragePath:      i.StoragePath,
		Status:           upload.Status(i.Status),
		CreatedAt:        time.Unix(0, i.CreatedAt).UTC(),
		UpdatedAt:        time.Unix(0, i.UpdatedAt).UTC(),
	}
}

// DynamoStore keeps records in a DynamoDB table keyed by upload_id.
type DynamoStore struct {
	client    DynamoAPI
	tableName string
	logger    log.Logger
	now       func() time.Time
	retryWait time.Duration
}

// NewDynamoStore ...
func NewDynamoStore(client DynamoAPI, tableName string, logger log.Logger) *DynamoStore {
	return &DynamoStore{
		client:    client,
		tableName: tableName,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
		retryWait: time.Second,
	}
}

// EnsureTable creates the table and its owner index when missing.
func (s *DynamoStore) EnsureTable(ctx context.Context) error {
	_, err := s.client.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName:   aws.String(s.tableName),
		BillingMode: types.BillingModePayPerRequest,
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String("upload_id"), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String("owner_id"), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String("created_at"), AttributeType: types.ScalarAttributeTypeN},
		},
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String("upload_id"), KeyType: types.KeyTypeHash},
		},
		GlobalSecondaryIndexes: []types.GlobalSecondaryIndex{
			{
				IndexName: aws.String(OwnerIndexName),
				KeySchema: []types.KeySchemaElement{
					{AttributeName: aws.String("owner_id"), KeyType: types.KeyTypeHash},
					{AttributeName: aws.String("created_at"), KeyType: types.KeyTypeRange},
				},
				Projection: &types.Projection{ProjectionType: types.ProjectionTypeAll},
			},
		},
	})
	if err != nil {
		var inUse *types.ResourceInUseException
		if errors.As(err, &inUse) {
			return nil
		}
		return fmt.Errorf("create table %s: %w", s.tableName, err)
	}

	s.logger.Infof("Created table %s", s.tableName)
	return nil
}

// Upsert inserts the record when absent, then refreshes the metadata of a failed one or of a pending one
// with the same chunk layout.
func (s *DynamoStore) Upsert(ctx context.Context, rec upload.Record) (upload.Record, error) {
	now := s.now()
	rec.Status = upload.StatusPending
	rec.StoragePath = ""
	rec.CreatedAt = now
	rec.UpdatedAt = now

	item, err := attributevalue.MarshalMap(toItem(rec))
	if err != nil {
		return upload.Record{}, fmt.Errorf("marshal upload %s: %w", rec.UploadID, err)
	}

	err = s.withRetry(ctx, func() error {
		_, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
			TableName:           aws.String(s.tableName),
			Item:                item,
			ConditionExpression: aws.String("attribute_not_exists(upload_id)"),
		})
		return err
	})
	if err == nil {
		return rec, nil
	}
	if !isConditionFailed(err) {
		return upload.Record{}, fmt.Errorf("insert upload %s: %w", rec.UploadID, err)
	}

	err = s.withRetry(ctx, func() error {
		_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
			TableName: aws.String(s.tableName),
			Key:       s.key(rec.UploadID),
			UpdateExpression: aws.String("SET original_filename = :filename, mime_type = :mime, " +
				"total_size = :size, total_chunks = :chunks, #st = :pending, updated_at = :now"),
			ConditionExpression: aws.String("#st = :failed OR " +
				"(#st = :pending AND total_chunks = :chunks AND total_size = :size)"),
			ExpressionAttributeNames: map[string]string{"#st": "status"},
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":filename": &types.AttributeValueMemberS{Value: rec.OriginalFilename},
				":mime":     &types.AttributeValueMemberS{Value: rec.MimeType},
				":size":     numberValue(rec.TotalSize),
				":chunks":   numberValue(int64(rec.TotalChunks)),
				":pending":  &types.AttributeValueMemberS{Value: string(upload.StatusPending)},
				":failed":   &types.AttributeValueMemberS{Value: string(upload.StatusFailed)},
				":now":      numberValue(now.UnixNano()),
			},
		})
		return err
	})
	if err != nil && !isConditionFailed(err) {
		return upload.Record{}, fmt.Errorf("update upload %s: %w", rec.UploadID, err)
	}

	stored, err := s.Get(ctx, rec.UploadID)
	if err != nil {
		return upload.Record{}, err
	}
	if err := checkLayout(stored, rec); err != nil {
		return upload.Record{}, err
	}
	return stored, nil
}

// Get ...
func (s *DynamoStore) Get(ctx context.Context, uploadID string) (upload.Record, error) {
	var out *dynamodb.GetItemOutput
	err := s.withRetry(ctx, func() error {
		var err error
		out, err = s.client.GetItem(ctx, &dynamodb.GetItemInput{
			TableName:      aws.String(s.tableName),
			Key:            s.key(uploadID),
			ConsistentRead: aws.Bool(true),
		})
		return err
	})
	if err != nil {
		return upload.Record{}, fmt.Errorf("get upload %s: %w", uploadID, err)
	}
	if out.Item == nil {
		return upload.Record{}, upload.ErrNotFound
	}

	var item dynamoItem
	if err := attributevalue.UnmarshalMap(out.Item, &item); err != nil {
		return upload.Record{}, fmt.Errorf("unmarshal upload %s: %w", uploadID, err)
	}
	return item.record(), nil
}

// Claim ...
func (s *DynamoStore) Claim(ctx context.Context, uploadID string) (bool, error) {
	err := s.withRetry(ctx, func() error {
		_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
			TableName:                aws.String(s.tableName),
			Key:                      s.key(uploadID),
			UpdateExpression:         aws.String("SET #st = :processing, updated_at = :now"),
			ConditionExpression:      aws.String("attribute_exists(upload_id) AND #st IN (:pending, :failed)"),
			ExpressionAttributeNames: map[string]string{"#st": "status"},
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":processing": &types.AttributeValueMemberS{Value: string(upload.StatusProcessing)},
				":pending":    &types.AttributeValueMemberS{Value: string(upload.StatusPending)},
				":failed":     &types.AttributeValueMemberS{Value: string(upload.StatusFailed)},
				":now":        numberValue(s.now().UnixNano()),
			},
		})
		return err
	})
	if err == nil {
		return true, nil
	}
	if !isConditionFailed(err) {
		return false, fmt.Errorf("claim upload %s: %w", uploadID, err)
	}

	if _, err := s.Get(ctx, uploadID); err != nil {
		return false, err
	}
	return false, nil
}

// SetStatus ...
func (s *DynamoStore) SetStatus(ctx context.Context, uploadID string, status upload.Status, storagePath string) error {
	err := s.withRetry(ctx, func() error {
		_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
			TableName:                aws.String(s.tableName),
			Key:                      s.key(uploadID),
			UpdateExpression:         aws.String("SET #st = :status, storage_path = :path, updated_at = :now"),
			ConditionExpression:      aws.String("attribute_exists(upload_id)"),
			ExpressionAttributeNames: map[string]string{"#st": "status"},
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":status": &types.AttributeValueMemberS{Value: string(status)},
				":path":   &types.AttributeValueMemberS{Value: storagePathFor(status, storagePath)},
				":now":    numberValue(s.now().UnixNano()),
			},
		})
		return err
	})
	if err != nil {
		if isConditionFailed(err) {
			return upload.ErrNotFound
		}
		return fmt.Errorf("set status of upload %s: %w", uploadID, err)
	}
	return nil
}

// ListCompleted queries the owner index newest first and keeps completed uploads.
func (s *DynamoStore) ListCompleted(ctx context.Context, ownerID string) ([]upload.Record, error) {
	paginator := dynamodb.NewQueryPaginator(s.client, &dynamodb.QueryInput{
		TableName:                aws.String(s.tableName),
		IndexName:                aws.String(OwnerIndexName),
		KeyConditionExpression:   aws.String("owner_id = :owner"),
		FilterExpression:         aws.String("#st = :completed"),
		ExpressionAttributeNames: map[string]string{"#st": "status"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":owner":     &types.AttributeValueMemberS{Value: ownerID},
			":completed": &types.AttributeValueMemberS{Value: string(upload.StatusCompleted)},
		},
		ScanIndexForward: aws.Bool(false),
	})

	var list []upload.Record
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list uploads of %s: %w", ownerID, err)
		}

		var items []dynamoItem
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &items); err != nil {
			return nil, fmt.Errorf("unmarshal uploads of %s: %w", ownerID, err)
		}
		for _, item := range items {
			list = append(list, item.record())
		}
	}

	return list, nil
}

// Delete ...
func (s *DynamoStore) Delete(ctx context.Context, uploadID string) error {
	err := s.withRetry(ctx, func() error {
		_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
			TableName: aws.String(s.tableName),
			Key:       s.key(uploadID),
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("delete upload %s: %w", uploadID, err)
	}
	return nil
}

func (s *DynamoStore) key(uploadID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"upload_id": &types.AttributeValueMemberS{Value: uploadID},
	}
}

// withRetry retries throttling and transient errors. Condition failures are final.
func (s *DynamoStore) withRetry(ctx context.Context, op func() error) error {
	return retry.Times(numDynamoRetries).Wait(s.retryWait).TryWithAbort(func(attempt uint) (error, bool) {
		err := op()
		if err == nil {
			return nil, true
		}
		if isConditionFailed(err) || ctx.Err() != nil || !isRetriable(err) {
			return err, true
		}
		s.logger.Debugf("DynamoDB call failed (attempt %d): %s", attempt+1, err)
		return err, false
	})
}

func isConditionFailed(err error) bool {
	var condErr *types.ConditionalCheckFailedException
	return errors.As(err, &condErr)
}

func isRetriable(err error) bool {
	var throughput *types.ProvisionedThroughputExceededException
	var limit *types.RequestLimitExceeded
	var internal *types.InternalServerError
	return errors.As(err, &throughput) || errors.As(err, &limit) || errors.As(err, &internal)
}

func numberValue(n int64) *types.AttributeValueMemberN {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(n, 10)}
}
