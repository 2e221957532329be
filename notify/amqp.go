package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/bitrise-io/go-utils/v2/log"
	amqp "github.com/rabbitmq/amqp091-go"
)

// AMQPChannel is the part of an amqp091 channel the notifier calls.
type AMQPChannel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPNotifier publishes events to a durable RabbitMQ queue.
type AMQPNotifier struct {
	conn    *amqp.Connection
	channel AMQPChannel
	queue   string
	logger  log.Logger
	mu      sync.Mutex
}

// DialAMQP connects to the broker and declares the queue.
func DialAMQP(url, queue string, logger log.Logger) (*AMQPNotifier, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("create channel: %w", err)
	}

	n, err := NewAMQPNotifier(ch, queue, logger)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	n.conn = conn

	return n, nil
}

// NewAMQPNotifier declares queue on an open channel.
func NewAMQPNotifier(ch AMQPChannel, queue string, logger log.Logger) (*AMQPNotifier, error) {
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("declare queue %s: %w", queue, err)
	}
	return &AMQPNotifier{channel: ch, queue: queue, logger: logger}, nil
}

// UploadCompleted ...
func (n *AMQPNotifier) UploadCompleted(ctx context.Context, evt UploadCompletedEvent) error {
	body, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	err = n.channel.PublishWithContext(ctx, "", n.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    evt.UploadID,
		Type:         EventUploadCompleted,
		Timestamp:    evt.CompletedAt,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish %s message: %w", EventUploadCompleted, err)
	}

	n.logger.Debugf("[%s] Published %s to %s", evt.UploadID, EventUploadCompleted, n.queue)
	return nil
}

// Close closes the channel and the connection opened by DialAMQP.
func (n *AMQPNotifier) Close() error {
	if err := n.channel.Close(); err != nil {
		return fmt.Errorf("close channel: %w", err)
	}
	if n.conn != nil {
		if err := n.conn.Close(); err != nil {
			return fmt.Errorf("close connection: %w", err)
		}
	}
	return nil
}
