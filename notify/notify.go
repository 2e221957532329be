// Package notify publishes upload lifecycle events to a message broker.
package notify

import (
	"context"
	"time"
)

// EventUploadCompleted is the event type attribute of UploadCompletedEvent messages.
const EventUploadCompleted = "upload.completed"

// UploadCompletedEvent is published once an upload's final file is in place.
type UploadCompletedEvent struct {
	UploadID    string    `json:"upload_id"`
	OwnerID     string    `json:"owner_id"`
	Filename    string    `json:"filename"`
	MimeType    string    `json:"mime_type"`
	Size        int64     `json:"size"`
	StoragePath string    `json:"storage_path"`
	CompletedAt time.Time `json:"completed_at"`
}

// Notifier delivers events. Delivery is best effort from the caller's point of view.
type Notifier interface {
	UploadCompleted(ctx context.Context, evt UploadCompletedEvent) error
	Close() error
}

// NopNotifier drops every event.
type NopNotifier struct{}

// UploadCompleted ...
func (NopNotifier) UploadCompleted(context.Context, UploadCompletedEvent) error { return nil }

// Close ...
func (NopNotifier) Close() error { return nil }
