package model

import (
	"fmt"
	"time"
)

type DeliveryStatus string

const (
	DeliveryDispatched DeliveryStatus = "dispatched"
	DeliverySucceeded  DeliveryStatus = "succeeded"
	DeliveryFailed     DeliveryStatus = "failed"
	DeliverySkipped    DeliveryStatus = "skipped"
)

// Delivery is the persisted per-channel publish status of a post.
type Delivery struct {
	PostID         string         `json:"post_id"`
	ChannelID      string         `json:"channel_id"`
	Status         DeliveryStatus `json:"status"`
	Attempts       int            `json:"attempts"`
	ErrorKind      string         `json:"error_kind,omitempty"`
	ErrorMessage   string         `json:"error_message,omitempty"`
	Retryable      bool           `json:"retryable"`
	PlatformPostID string         `json:"platform_post_id,omitempty"`
	PlatformURL    string         `json:"platform_url,omitempty"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
	DispatchedAt   time.Time      `json:"dispatched_at,omitempty"`
	PublishedAt    time.Time      `json:"published_at,omitempty"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// PublishTask asks the worker to publish one post to one channel.
// It carries no identity beyond the (post, channel) pair.
type PublishTask struct {
	PostID    string    `json:"post_id"`
	ChannelID string    `json:"channel_id"`
	Platform  Platform  `json:"platform,omitempty"`
	NotBefore time.Time `json:"not_before"`

	// Attempt is 1 for the first execution. Filled in by the queue.
	Attempt int `json:"-"`
}

// Key is the queue deduplication key.
func (t PublishTask) Key() string { return TaskKey(t.PostID, t.ChannelID) }

func TaskKey(postID, channelID string) string {
	return fmt.Sprintf("%s:%s", postID, channelID)
}
