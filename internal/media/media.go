// Package media reads attachment bytes from the configured storage backend.
package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"

	"postdeck/internal/model"
)

var (
	ErrTooLarge  = errors.New("attachment exceeds max size")
	ErrNoPublic  = errors.New("media public base url not configured")
	ErrBadPath   = errors.New("invalid media path")
	ErrNotExists = errors.New("media not found")
)

// Source opens stored objects by their storage path.
type Source interface {
	Open(ctx context.Context, p string) (io.ReadCloser, error)
	Name() string
}

// Library is what platform adapters use to get at attachment bytes.
type Library struct {
	src        Source
	maxSize    int64
	publicBase string
}

func NewLibrary(src Source, maxSize int64, publicBaseURL string) *Library {
	return &Library{src: src, maxSize: maxSize, publicBase: strings.TrimRight(strings.TrimSpace(publicBaseURL), "/")}
}

// Check rejects attachments whose declared size is over the limit.
func (l *Library) Check(a model.Attachment) error {
	if l.maxSize > 0 && a.Size > l.maxSize {
		return fmt.Errorf("%s (%d bytes > %d): %w", a.Name, a.Size, l.maxSize, ErrTooLarge)
	}
	return nil
}

// Open returns the attachment's bytes. Reads fail with ErrTooLarge if the
// stored object turns out to be bigger than the limit.
func (l *Library) Open(ctx context.Context, a model.Attachment) (io.ReadCloser, error) {
	if err := l.Check(a); err != nil {
		return nil, err
	}
	p, err := cleanPath(a.Path)
	if err != nil {
		return nil, err
	}
	rc, err := l.src.Open(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("open %s via %s: %w", p, l.src.Name(), err)
	}
	if l.maxSize <= 0 {
		return rc, nil
	}
	return &capped{rc: rc, left: l.maxSize}, nil
}

// PublicURL builds the URL platforms fetch media from (pull-style APIs).
func (l *Library) PublicURL(a model.Attachment) (string, error) {
	if l.publicBase == "" {
		return "", ErrNoPublic
	}
	p, err := cleanPath(a.Path)
	if err != nil {
		return "", err
	}
	segs := strings.Split(p, "/")
	for i, s := range segs {
		segs[i] = url.PathEscape(s)
	}
	return l.publicBase + "/" + strings.Join(segs, "/"), nil
}

// cleanPath normalizes a storage key and rejects traversal outside the root.
func cleanPath(p string) (string, error) {
	p = strings.TrimSpace(strings.ReplaceAll(p, "\\", "/"))
	if p == "" {
		return "", ErrBadPath
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return "", fmt.Errorf("%q: %w", p, ErrBadPath)
		}
	}
	c := path.Clean("/" + p)
	if c == "/" {
		return "", fmt.Errorf("%q: %w", p, ErrBadPath)
	}
	return strings.TrimPrefix(c, "/"), nil
}

type capped struct {
	rc   io.ReadCloser
	left int64
}

func (c *capped) Read(b []byte) (int, error) {
	if c.left <= 0 {
		// Probe for one more byte to tell "exactly at the limit" from "over".
		var one [1]byte
		n, err := c.rc.Read(one[:])
		if n > 0 {
			return 0, ErrTooLarge
		}
		return 0, err
	}
	if int64(len(b)) > c.left {
		b = b[:c.left]
	}
	n, err := c.rc.Read(b)
	c.left -= int64(n)
	return n, err
}

func (c *capped) Close() error { return c.rc.Close() }
