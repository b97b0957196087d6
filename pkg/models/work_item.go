package models

import "time"

// WorkItemType labels the origin of a work item.
type WorkItemType string

const (
	WorkItemChat   WorkItemType = "chat"   // transport channel message
	WorkItemHTTP   WorkItemType = "http"   // synchronous HTTP request awaiting a reply
	WorkItemSystem WorkItemType = "system" // automated notification
)

// SavedAttachment describes an attachment already decoded to disk,
// carried on the queue for downstream content-block builders.
type SavedAttachment struct {
	ContentType string `json:"content_type"`
	LocalPath   string `json:"local_path"`
	Filename    string `json:"filename,omitempty"`
	Size        int64  `json:"size"`
}

// NotifyMeta carries echo-back routing for system notifications.
type NotifyMeta struct {
	Source string         `json:"source,omitempty"`
	Ref    string         `json:"ref,omitempty"`
	Data   map[string]any `json:"data,omitempty"`
}

// WorkItem is one dequeued request for the dispatcher.
type WorkItem struct {
	Sender string
	Type   WorkItemType
	Text   string
	Tier   string

	// Source labels the originating transport or subsystem; the
	// dispatcher routes models and replies by it.
	Source string
	Attachments []SavedAttachment
	Notify      *NotifyMeta

	// ReplyFuture, when non-nil, receives exactly one reply for
	// synchronous HTTP requests. The dispatcher must always resolve it.
	ReplyFuture chan any

	EnqueuedAt time.Time
}
