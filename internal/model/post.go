// Package model holds the domain types shared by the publishing pipeline.
package model

import (
	"strings"
	"time"
)

type ReviewStatus string

const (
	ReviewPending  ReviewStatus = "pending"
	ReviewApproved ReviewStatus = "approved"
	ReviewRejected ReviewStatus = "rejected"
)

// Attachment is a media item stored by the media collaborator.
// Path is the storage key; it is never a local filesystem path unless the
// local media driver is used.
type Attachment struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	FileType string `json:"file_type"`
	Size     int64  `json:"size"`
	Path     string `json:"path"`
}

// IsImage reports whether the attachment has an image MIME type.
func (a Attachment) IsImage() bool { return strings.HasPrefix(a.FileType, "image/") }

// IsVideo reports whether the attachment has a video MIME type.
func (a Attachment) IsVideo() bool { return strings.HasPrefix(a.FileType, "video/") }

// Post is authored content scheduled for publication.
//
// A post is eligible for dispatch iff it is not a draft, has not been picked,
// and its scheduled time is in the past. Picking happens exactly once.
type Post struct {
	ID           string       `json:"id"`
	TeamID       string       `json:"team_id"`
	AuthorID     string       `json:"author_id"`
	Content      string       `json:"content"`
	Media        []Attachment `json:"media"`
	ScheduledAt  time.Time    `json:"scheduled_at"`
	IsDraft      bool         `json:"is_draft"`
	IsPicked     bool         `json:"is_picked"`
	PickedAt     time.Time    `json:"picked_at,omitempty"`
	ReviewStatus ReviewStatus `json:"review_status,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// Eligible reports whether the post may be claimed at now.
func (p Post) Eligible(now time.Time) bool {
	return !p.IsDraft && !p.IsPicked && !p.ScheduledAt.After(now)
}

// Target is one channel a post is attached to.
// ScheduledAt is the effective time for that channel: the per-channel
// override when present, otherwise the post's scheduled time.
type Target struct {
	PostID      string
	ChannelID   string
	Platform    Platform
	ScheduledAt time.Time
}
