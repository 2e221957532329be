package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/bitrise-io/go-utils/v2/log"
)

// SQSAPI is the part of the SQS client the notifier calls.
type SQSAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// SQSNotifier sends events to an SQS queue as JSON messages.
type SQSNotifier struct {
	client   SQSAPI
	queueURL string
	logger   log.Logger
}

// NewSQSNotifier ...
func NewSQSNotifier(client SQSAPI, queueURL string, logger log.Logger) *SQSNotifier {
	return &SQSNotifier{client: client, queueURL: queueURL, logger: logger}
}

// UploadCompleted ...
func (n *SQSNotifier) UploadCompleted(ctx context.Context, evt UploadCompletedEvent) error {
	body, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	out, err := n.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(n.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"event_type": {DataType: aws.String("String"), StringValue: aws.String(EventUploadCompleted)},
		},
	})
	if err != nil {
		return fmt.Errorf("send %s message: %w", EventUploadCompleted, err)
	}

	n.logger.Debugf("[%s] Sent %s message %s", evt.UploadID, EventUploadCompleted, aws.ToString(out.MessageId))
	return nil
}

// Close ...
func (n *SQSNotifier) Close() error {
	return nil
}
