package model

import (
	"strings"
	"time"
)

// Platform identifies a social network integration.
type Platform string

const (
	Facebook  Platform = "facebook"
	Instagram Platform = "instagram"
	Twitter   Platform = "twitter"
	LinkedIn  Platform = "linkedin"
	Telegram  Platform = "telegram"
)

// ParsePlatform normalizes a platform name. Unknown names are returned as-is
// so that the registry can report them as unsupported.
func ParsePlatform(s string) Platform {
	return Platform(strings.ToLower(strings.TrimSpace(s)))
}

type ChannelKind string

const (
	KindPage    ChannelKind = "page"
	KindGroup   ChannelKind = "group"
	KindAccount ChannelKind = "account"
)

// Credentials are platform tokens held for a channel.
// ExpiresAt is advisory; platforms decide whether a token is still valid.
type Credentials struct {
	AccessToken  string    `json:"access_token"`
	Secret       string    `json:"secret,omitempty"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	ExpiresAt    time.Time `json:"expires_at,omitempty"`
}

// Channel is a connected platform account a team publishes to.
type Channel struct {
	ID       string      `json:"id"`
	TeamID   string      `json:"team_id"`
	Platform Platform    `json:"platform"`
	Kind     ChannelKind `json:"kind"`
	Name     string      `json:"name"`
	// AccountID is the platform-side identifier: page id, IG user id,
	// chat id or author URN.
	AccountID   string      `json:"account_id"`
	Credentials Credentials `json:"-"`
}
