package instagram

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"postdeck/internal/media"
	"postdeck/internal/model"
	"postdeck/internal/platform"
)

func channel() model.Channel {
	return model.Channel{ID: "c2", Platform: model.Instagram, AccountID: "ig-1",
		Credentials: model.Credentials{AccessToken: "tok"}}
}

func TestNoMediaFailsWithoutCalls(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	a := New(platform.EndpointConfig{BaseURL: srv.URL})
	_, err := a.Publish(context.Background(), platform.Request{Channel: channel(), Content: "text only"})
	pe, ok := platform.As(err)
	require.True(t, ok)
	assert.Equal(t, platform.KindValidation, pe.Kind)
	assert.False(t, pe.Retryable)
	assert.Zero(t, calls.Load())
}

func TestTooManyItems(t *testing.T) {
	a := New(platform.EndpointConfig{BaseURL: "http://127.0.0.1:1"})
	items := make([]model.Attachment, MaxCarousel+1)
	for i := range items {
		items[i] = model.Attachment{FileType: "image/jpeg", Path: "x.jpg"}
	}
	_, err := a.Publish(context.Background(), platform.Request{Channel: channel(), Media: items})
	pe, _ := platform.As(err)
	require.NotNil(t, pe)
	assert.Equal(t, platform.KindValidation, pe.Kind)
}

func TestCarousel(t *testing.T) {
	var mu sync.Mutex
	var forms []map[string]string
	var published string
	polls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		mu.Lock()
		defer mu.Unlock()
		switch {
		case r.URL.Path == "/ig-1/media":
			f := map[string]string{}
			for k := range r.PostForm {
				f[k] = r.PostForm.Get(k)
			}
			forms = append(forms, f)
			_, _ = w.Write([]byte(`{"id":"ct` + string(rune('0'+len(forms))) + `"}`))
		case r.URL.Path == "/ig-1/media_publish":
			published = r.PostForm.Get("creation_id")
			_, _ = w.Write([]byte(`{"id":"ig-post-1"}`))
		case strings.HasPrefix(r.URL.Path, "/ct"):
			polls++
			if polls < 2 {
				_, _ = w.Write([]byte(`{"status_code":"IN_PROGRESS"}`))
				return
			}
			_, _ = w.Write([]byte(`{"status_code":"FINISHED"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	a := New(platform.EndpointConfig{BaseURL: srv.URL})
	a.PollEvery = time.Millisecond
	lib := media.NewLibrary(media.NewLocal(t.TempDir()), 0, "https://cdn.example.com")
	res, err := a.Publish(context.Background(), platform.Request{
		Channel: channel(),
		Content: "caption",
		Media: []model.Attachment{
			{FileType: "image/jpeg", Path: "a.jpg"},
			{FileType: "video/mp4", Path: "b.mp4"},
		},
		Files: lib,
	})
	require.NoError(t, err)
	assert.Equal(t, "ig-post-1", res.PlatformPostID)

	require.Len(t, forms, 3)
	assert.Equal(t, "https://cdn.example.com/a.jpg", forms[0]["image_url"])
	assert.Equal(t, "true", forms[0]["is_carousel_item"])
	assert.Equal(t, "https://cdn.example.com/b.mp4", forms[1]["video_url"])
	assert.Equal(t, "CAROUSEL", forms[2]["media_type"])
	assert.Equal(t, "ct1,ct2", forms[2]["children"])
	assert.Equal(t, "caption", forms[2]["caption"])
	assert.Equal(t, "ct3", published)
	assert.Equal(t, 2, polls)
}

func TestMissingPublicURL(t *testing.T) {
	a := New(platform.EndpointConfig{BaseURL: "http://127.0.0.1:1"})
	lib := media.NewLibrary(media.NewLocal(t.TempDir()), 0, "")
	_, err := a.Publish(context.Background(), platform.Request{
		Channel: channel(),
		Media:   []model.Attachment{{FileType: "image/jpeg", Path: "a.jpg"}},
		Files:   lib,
	})
	pe, _ := platform.As(err)
	require.NotNil(t, pe)
	assert.Equal(t, platform.KindValidation, pe.Kind)
}

func TestExpiredTokenIsAuth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"Session has expired","type":"OAuthException","code":190}}`))
	}))
	defer srv.Close()

	a := New(platform.EndpointConfig{BaseURL: srv.URL})
	lib := media.NewLibrary(media.NewLocal(t.TempDir()), 0, "https://cdn.example.com")
	_, err := a.Publish(context.Background(), platform.Request{
		Channel: channel(),
		Media:   []model.Attachment{{FileType: "image/jpeg", Path: "a.jpg"}},
		Files:   lib,
	})
	pe, ok := platform.As(err)
	require.True(t, ok)
	assert.Equal(t, platform.KindAuth, pe.Kind)
	assert.Equal(t, "Session has expired", pe.Message)
}

func TestThrottledIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"User request limit reached","code":17}}`))
	}))
	defer srv.Close()

	a := New(platform.EndpointConfig{BaseURL: srv.URL})
	lib := media.NewLibrary(media.NewLocal(t.TempDir()), 0, "https://cdn.example.com")
	_, err := a.Publish(context.Background(), platform.Request{
		Channel: channel(),
		Media:   []model.Attachment{{FileType: "image/jpeg", Path: "a.jpg"}},
		Files:   lib,
	})
	pe, ok := platform.As(err)
	require.True(t, ok)
	assert.Equal(t, platform.KindRateLimited, pe.Kind)
	assert.True(t, pe.Retryable)
}
