package eventbus

import "time"

// Event types emitted by the publishing pipeline.
const (
	TypePostClaimed      = "post.claimed"
	TypeTaskDispatched   = "task.dispatched"
	TypeDispatchFailed   = "task.dispatch_failed"
	TypePublishSucceeded = "publish.succeeded"
	TypePublishFailed    = "publish.failed"
	TypePublishSkipped   = "publish.skipped"
	TypeTaskBuried       = "queue.buried"
)

// PostEvent is the payload for post-level events.
type PostEvent struct {
	PostID   string `json:"post_id"`
	Channels int    `json:"channels"`
}

// DeliveryEvent is the payload for per-channel events.
type DeliveryEvent struct {
	PostID    string        `json:"post_id"`
	ChannelID string        `json:"channel_id"`
	Platform  string        `json:"platform,omitempty"`
	Attempt   int           `json:"attempt,omitempty"`
	Kind      string        `json:"kind,omitempty"`
	Error     string        `json:"error,omitempty"`
	NotBefore time.Time     `json:"not_before,omitempty"`
	Took      time.Duration `json:"took,omitempty"`
}
