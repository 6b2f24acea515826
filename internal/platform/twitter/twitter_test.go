package twitter

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"postdeck/internal/media"
	"postdeck/internal/model"
	"postdeck/internal/platform"
)

func TestPublishTruncatesAndCapsMedia(t *testing.T) {
	var mu sync.Mutex
	uploads := 0
	var tweet map[string]any
	mux := http.NewServeMux()
	mux.HandleFunc("/upload", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		require.NoError(t, r.ParseMultipartForm(1<<20))
		_, _, err := r.FormFile("media")
		require.NoError(t, err)
		mu.Lock()
		uploads++
		n := uploads
		mu.Unlock()
		fmt.Fprintf(w, `{"media_id_string":"m%d"}`, n)
	})
	mux.HandleFunc("/2/tweets", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&tweet))
		_, _ = w.Write([]byte(`{"data":{"id":"1790"}}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	root := t.TempDir()
	var items []model.Attachment
	for i := 0; i < 6; i++ {
		name := fmt.Sprintf("%d.png", i)
		require.NoError(t, os.WriteFile(filepath.Join(root, name), []byte("img"), 0o600))
		items = append(items, model.Attachment{Name: name, FileType: "image/png", Path: name})
	}

	a := New(platform.EndpointConfig{BaseURL: srv.URL}, srv.URL+"/upload")
	res, err := a.Publish(context.Background(), platform.Request{
		Channel: model.Channel{Platform: model.Twitter, Credentials: model.Credentials{AccessToken: "tok"}},
		Content: strings.Repeat("ab", 200),
		Media:   items,
		Files:   media.NewLibrary(media.NewLocal(root), 0, ""),
	})
	require.NoError(t, err)
	assert.Equal(t, "1790", res.PlatformPostID)
	assert.Equal(t, "https://x.com/i/web/status/1790", res.URL)
	assert.Equal(t, MaxMedia, uploads)
	assert.Len(t, []rune(tweet["text"].(string)), MaxText)
	ids := tweet["media"].(map[string]any)["media_ids"].([]any)
	assert.Equal(t, []any{"m1", "m2", "m3", "m4"}, ids)
}

func TestRateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "15")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"title":"Too Many Requests"}`))
	}))
	defer srv.Close()

	a := New(platform.EndpointConfig{BaseURL: srv.URL}, "")
	_, err := a.Publish(context.Background(), platform.Request{
		Channel: model.Channel{Credentials: model.Credentials{AccessToken: "tok"}},
		Content: "hi",
	})
	pe, ok := platform.As(err)
	require.True(t, ok)
	assert.Equal(t, platform.KindRateLimited, pe.Kind)
	assert.True(t, pe.Retryable)
	assert.Equal(t, "15s", pe.RetryAfter.String())
}
