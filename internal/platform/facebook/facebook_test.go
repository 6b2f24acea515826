package facebook

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"postdeck/internal/media"
	"postdeck/internal/model"
	"postdeck/internal/platform"
)

type graph struct {
	mu        sync.Mutex
	uploads   int
	feedCalls int
	feed      map[string]any
	failPhoto bool
}

func (g *graph) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/page-1/photos", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "false", r.FormValue("published"))
		assert.Equal(t, "tok", r.URL.Query().Get("access_token"))
		g.mu.Lock()
		g.uploads++
		n := g.uploads
		g.mu.Unlock()
		if g.failPhoto && n == 2 {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":{"message":"Invalid image"}}`))
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "ph" + string(rune('0'+n))})
	})
	mux.HandleFunc("/page-1/feed", func(w http.ResponseWriter, r *http.Request) {
		g.mu.Lock()
		defer g.mu.Unlock()
		g.feedCalls++
		require.NoError(t, json.NewDecoder(r.Body).Decode(&g.feed))
		_, _ = w.Write([]byte(`{"id":"page-1_99"}`))
	})
	return mux
}

func files(t *testing.T, names ...string) *media.Library {
	root := t.TempDir()
	for _, n := range names {
		require.NoError(t, os.WriteFile(filepath.Join(root, n), []byte("img"), 0o600))
	}
	return media.NewLibrary(media.NewLocal(root), 1<<20, "")
}

func request(lib *media.Library, attachments ...model.Attachment) platform.Request {
	return platform.Request{
		Channel: model.Channel{ID: "c1", Platform: model.Facebook, AccountID: "page-1",
			Credentials: model.Credentials{AccessToken: "tok"}},
		Content: "hello",
		Media:   attachments,
		Files:   lib,
	}
}

func TestPublishWithPhotos(t *testing.T) {
	g := &graph{}
	srv := httptest.NewServer(g.handler(t))
	defer srv.Close()

	a := New(platform.EndpointConfig{BaseURL: srv.URL})
	lib := files(t, "a.png", "b.png")
	res, err := a.Publish(context.Background(), request(lib,
		model.Attachment{ID: "m1", Name: "a.png", FileType: "image/png", Path: "a.png"},
		model.Attachment{ID: "m2", Name: "b.png", FileType: "image/png", Path: "b.png"},
	))
	require.NoError(t, err)
	assert.Equal(t, "page-1_99", res.PlatformPostID)
	assert.Equal(t, 2, g.uploads)
	assert.Equal(t, "hello", g.feed["message"])
	assert.Len(t, g.feed["attached_media"], 2)
}

func TestFailedUploadSkipsFeed(t *testing.T) {
	g := &graph{failPhoto: true}
	srv := httptest.NewServer(g.handler(t))
	defer srv.Close()

	a := New(platform.EndpointConfig{BaseURL: srv.URL})
	lib := files(t, "a.png", "b.png")
	_, err := a.Publish(context.Background(), request(lib,
		model.Attachment{Name: "a.png", FileType: "image/png", Path: "a.png"},
		model.Attachment{Name: "b.png", FileType: "image/png", Path: "b.png"},
	))
	pe, ok := platform.As(err)
	require.True(t, ok)
	assert.Equal(t, platform.KindRejected, pe.Kind)
	assert.Equal(t, "Invalid image", pe.Message)
	assert.Zero(t, g.feedCalls)
}

func TestPublishValidation(t *testing.T) {
	a := New(platform.EndpointConfig{BaseURL: "http://127.0.0.1:1"})

	req := request(nil)
	req.Channel.Credentials.AccessToken = ""
	_, err := a.Publish(context.Background(), req)
	pe, _ := platform.As(err)
	require.NotNil(t, pe)
	assert.Equal(t, platform.KindAuth, pe.Kind)

	req = request(nil,
		model.Attachment{FileType: "video/mp4", Path: "a.mp4"},
		model.Attachment{FileType: "image/png", Path: "b.png"},
	)
	_, err = a.Publish(context.Background(), req)
	pe, _ = platform.As(err)
	require.NotNil(t, pe)
	assert.Equal(t, platform.KindValidation, pe.Kind)
}

func TestGraphErrorCodes(t *testing.T) {
	cases := []struct {
		body      string
		kind      platform.Kind
		retryable bool
	}{
		{`{"error":{"message":"Error validating access token","type":"OAuthException","code":190}}`, platform.KindAuth, false},
		{`{"error":{"message":"Application request limit reached","code":4}}`, platform.KindRateLimited, true},
		{`{"error":{"message":"Page request limit reached","code":32}}`, platform.KindRateLimited, true},
		{`{"error":{"message":"Invalid parameter","code":100}}`, platform.KindRejected, false},
	}
	for _, c := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(c.body))
		}))
		a := New(platform.EndpointConfig{BaseURL: srv.URL})
		_, err := a.Publish(context.Background(), request(nil))
		srv.Close()

		pe, ok := platform.As(err)
		require.True(t, ok, c.body)
		assert.Equal(t, c.kind, pe.Kind, c.body)
		assert.Equal(t, c.retryable, pe.Retryable, c.body)
		assert.Equal(t, http.StatusBadRequest, pe.Status)
	}
}
