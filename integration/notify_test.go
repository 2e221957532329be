//go:build integration
// +build integration

package integration

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/bitrise-io/go-chunkupload/notify"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAMQPNotifier(t *testing.T) {
	// Given
	url := requireEnv(t, "UPLOAD_AMQP_URL")
	queue := uniqueName("upload-events")

	notifier, err := notify.DialAMQP(url, queue, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = notifier.Close() })

	conn, err := amqp.Dial(url)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	ch, err := conn.Channel()
	require.NoError(t, err)
	t.Cleanup(func() {
		_, _ = ch.QueueDelete(queue, false, false, false)
	})

	evt := notify.UploadCompletedEvent{
		UploadID:    "upload-1",
		OwnerID:     "owner-1",
		Filename:    "report.pdf",
		MimeType:    "application/pdf",
		Size:        42,
		StoragePath: "uploads/upload-1/report.pdf",
		CompletedAt: time.Now().UTC().Truncate(time.Second),
	}

	// When
	require.NoError(t, notifier.UploadCompleted(context.Background(), evt))

	// Then
	var msg amqp.Delivery
	require.Eventually(t, func() bool {
		var ok bool
		msg, ok, err = ch.Get(queue, true)
		require.NoError(t, err)
		return ok
	}, 10*time.Second, 100*time.Millisecond)

	assert.Equal(t, notify.EventUploadCompleted, msg.Type)
	var got notify.UploadCompletedEvent
	require.NoError(t, json.Unmarshal(msg.Body, &got))
	assert.Equal(t, evt, got)
}
