// Package platform defines the adapter contract every social platform
// integration implements, the registry that resolves adapters by platform id,
// and the shared error taxonomy.
package platform

import (
	"context"
	"io"
	"sort"
	"sync"

	"postdeck/internal/model"
)

// MediaSource gives adapters access to attachment bytes.
type MediaSource interface {
	Check(a model.Attachment) error
	Open(ctx context.Context, a model.Attachment) (io.ReadCloser, error)
	PublicURL(a model.Attachment) (string, error)
}

// Request is a generic publish request for one post on one channel.
// Credentials travel with the channel; adapters never cache them.
type Request struct {
	Channel        model.Channel
	Content        string
	Media          []model.Attachment
	IdempotencyKey string
	Files          MediaSource
}

type Result struct {
	PlatformPostID string `json:"platform_post_id"`
	URL            string `json:"url,omitempty"`
}

// Adapter publishes to a single platform. Implementations must be safe for
// concurrent use and return *Error for every failure.
type Adapter interface {
	Platform() model.Platform
	Publish(ctx context.Context, req Request) (Result, error)
}

// Registry maps platform ids to adapters.
type Registry struct {
	mu       sync.RWMutex
	adapters map[model.Platform]Adapter
}

func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: map[model.Platform]Adapter{}}
	for _, a := range adapters {
		r.Register(a)
	}
	return r
}

// Register adds or replaces the adapter for its platform.
func (r *Registry) Register(a Adapter) {
	if a == nil {
		return
	}
	r.mu.Lock()
	r.adapters[a.Platform()] = a
	r.mu.Unlock()
}

func (r *Registry) Lookup(p model.Platform) (Adapter, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[p]
	return a, ok
}

func (r *Registry) Platforms() []model.Platform {
	r.mu.RLock()
	out := make([]model.Platform, 0, len(r.adapters))
	for p := range r.adapters {
		out = append(out, p)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// TruncateRunes cuts s to at most n runes.
func TruncateRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}

// OpenMedia checks and opens one attachment, mapping failures to *Error.
func OpenMedia(ctx context.Context, files MediaSource, a model.Attachment) (io.ReadCloser, error) {
	if files == nil {
		return nil, Validation("no media source configured", nil)
	}
	if err := files.Check(a); err != nil {
		return nil, Normalize(err)
	}
	rc, err := files.Open(ctx, a)
	if err != nil {
		return nil, Normalize(err)
	}
	return rc, nil
}
