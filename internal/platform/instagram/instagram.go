// Package instagram publishes to Instagram professional accounts via the
// content publishing API.
//
// Instagram requires media: a post without attachments fails validation
// before any network call. Instagram fetches media itself, so attachments are
// referenced by their public URL.
package instagram

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"postdeck/internal/model"
	"postdeck/internal/platform"
)

const (
	DefaultBaseURL = "https://graph.facebook.com/v19.0"
	MaxCarousel    = 10
	MaxCaption     = 2200
)

type Adapter struct {
	ep *platform.Endpoint

	// Video containers are processed asynchronously; poll until ready.
	PollEvery time.Duration
	PollMax   int
}

func New(cfg platform.EndpointConfig) *Adapter {
	return &Adapter{ep: platform.NewEndpoint(cfg, DefaultBaseURL).WithGraphErrors(), PollEvery: 3 * time.Second, PollMax: 40}
}

func (a *Adapter) Platform() model.Platform { return model.Instagram }

type idResponse struct {
	ID string `json:"id"`
}

func (a *Adapter) Publish(ctx context.Context, req platform.Request) (platform.Result, error) {
	if len(req.Media) == 0 {
		return platform.Result{}, platform.Validation("instagram requires at least one media item", nil)
	}
	if len(req.Media) > MaxCarousel {
		return platform.Result{}, platform.Validation(fmt.Sprintf("instagram carousels hold at most %d items", MaxCarousel), nil)
	}
	user := req.Channel.AccountID
	token := req.Channel.Credentials.AccessToken
	if user == "" {
		return platform.Result{}, platform.Validation("channel has no instagram user id", nil)
	}
	if token == "" {
		return platform.Result{}, platform.Auth("channel has no access token", nil)
	}
	if req.Files == nil {
		return platform.Result{}, platform.Validation("no media source configured", nil)
	}
	caption := platform.TruncateRunes(req.Content, MaxCaption)

	var creation string
	if len(req.Media) == 1 {
		id, err := a.container(ctx, user, token, req.Files, req.Media[0], url.Values{"caption": {caption}})
		if err != nil {
			return platform.Result{}, err
		}
		creation = id
	} else {
		children := make([]string, 0, len(req.Media))
		for _, m := range req.Media {
			id, err := a.container(ctx, user, token, req.Files, m, url.Values{"is_carousel_item": {"true"}})
			if err != nil {
				return platform.Result{}, err
			}
			children = append(children, id)
		}
		id, err := a.create(ctx, user, token, url.Values{
			"media_type": {"CAROUSEL"},
			"children":   {strings.Join(children, ",")},
			"caption":    {caption},
		})
		if err != nil {
			return platform.Result{}, err
		}
		creation = id
	}

	var resp idResponse
	err := a.ep.Do(ctx, a.ep.Call(url.PathEscape(user)+"/media_publish").
		Method(http.MethodPost).
		BodyForm(url.Values{"creation_id": {creation}, "access_token": {token}}).
		ToJSON(&resp))
	if err != nil {
		return platform.Result{}, err
	}
	if resp.ID == "" {
		return platform.Result{}, platform.Rejected("media_publish returned no id", nil)
	}
	return platform.Result{PlatformPostID: resp.ID}, nil
}

func (a *Adapter) container(ctx context.Context, user, token string, files platform.MediaSource, m model.Attachment, extra url.Values) (string, error) {
	if err := files.Check(m); err != nil {
		return "", platform.Normalize(err)
	}
	u, err := files.PublicURL(m)
	if err != nil {
		return "", platform.Normalize(err)
	}
	form := url.Values{}
	for k, v := range extra {
		form[k] = v
	}
	switch {
	case m.IsVideo():
		form.Set("media_type", "REELS")
		form.Set("video_url", u)
	case m.IsImage():
		form.Set("image_url", u)
	default:
		return "", platform.Validation("unsupported attachment type "+m.FileType, nil)
	}
	id, err := a.create(ctx, user, token, form)
	if err != nil {
		return "", err
	}
	if m.IsVideo() {
		if err := a.waitReady(ctx, id, token); err != nil {
			return "", err
		}
	}
	return id, nil
}

func (a *Adapter) create(ctx context.Context, user, token string, form url.Values) (string, error) {
	form.Set("access_token", token)
	var resp idResponse
	err := a.ep.Do(ctx, a.ep.Call(url.PathEscape(user)+"/media").
		Method(http.MethodPost).
		BodyForm(form).
		ToJSON(&resp))
	if err != nil {
		return "", err
	}
	if resp.ID == "" {
		return "", platform.Rejected("media container returned no id", nil)
	}
	return resp.ID, nil
}

func (a *Adapter) waitReady(ctx context.Context, id, token string) error {
	for i := 0; i < a.PollMax; i++ {
		var st struct {
			StatusCode string `json:"status_code"`
		}
		err := a.ep.Do(ctx, a.ep.Call(url.PathEscape(id)).
			Param("fields", "status_code").
			Param("access_token", token).
			ToJSON(&st))
		if err != nil {
			return err
		}
		switch st.StatusCode {
		case "FINISHED", "PUBLISHED":
			return nil
		case "ERROR", "EXPIRED":
			return platform.Rejected("media container "+strings.ToLower(st.StatusCode), nil)
		}
		select {
		case <-ctx.Done():
			return platform.ClassifyTransport(ctx.Err())
		case <-time.After(a.PollEvery):
		}
	}
	return platform.Transient("media container not ready", nil)
}
