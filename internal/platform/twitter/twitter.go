// Package twitter posts to X (Twitter) with the v2 tweets endpoint and the
// v1.1 media upload endpoint.
package twitter

import (
	"context"
	"net/http"

	"postdeck/internal/model"
	"postdeck/internal/platform"
)

const (
	DefaultBaseURL   = "https://api.twitter.com"
	DefaultUploadURL = "https://upload.twitter.com/1.1/media/upload.json"

	MaxText  = 280
	MaxMedia = 4
)

type Adapter struct {
	ep        *platform.Endpoint
	uploadURL string
}

func New(cfg platform.EndpointConfig, uploadURL string) *Adapter {
	if uploadURL == "" {
		uploadURL = DefaultUploadURL
	}
	return &Adapter{ep: platform.NewEndpoint(cfg, DefaultBaseURL), uploadURL: uploadURL}
}

func (a *Adapter) Platform() model.Platform { return model.Twitter }

type tweetBody struct {
	Text  string      `json:"text,omitempty"`
	Media *tweetMedia `json:"media,omitempty"`
}

type tweetMedia struct {
	MediaIDs []string `json:"media_ids"`
}

// Publish truncates text to the platform limit and drops media beyond the
// fourth item.
func (a *Adapter) Publish(ctx context.Context, req platform.Request) (platform.Result, error) {
	token := req.Channel.Credentials.AccessToken
	if token == "" {
		return platform.Result{}, platform.Auth("channel has no access token", nil)
	}
	if req.Content == "" && len(req.Media) == 0 {
		return platform.Result{}, platform.Validation("tweet has neither text nor media", nil)
	}
	media := req.Media
	if len(media) > MaxMedia {
		media = media[:MaxMedia]
	}

	body := tweetBody{Text: platform.TruncateRunes(req.Content, MaxText)}
	if len(media) > 0 {
		ids := make([]string, 0, len(media))
		for _, m := range media {
			id, err := a.upload(ctx, token, req.Files, m)
			if err != nil {
				return platform.Result{}, err
			}
			ids = append(ids, id)
		}
		body.Media = &tweetMedia{MediaIDs: ids}
	}

	var resp struct {
		Data struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	err := a.ep.Do(ctx, a.ep.Call("/2/tweets").
		Method(http.MethodPost).
		Header("Authorization", platform.Bearer(token)).
		BodyJSON(body).
		ToJSON(&resp))
	if err != nil {
		return platform.Result{}, err
	}
	if resp.Data.ID == "" {
		return platform.Result{}, platform.Rejected("tweet returned no id", nil)
	}
	return platform.Result{
		PlatformPostID: resp.Data.ID,
		URL:            "https://x.com/i/web/status/" + resp.Data.ID,
	}, nil
}

func (a *Adapter) upload(ctx context.Context, token string, files platform.MediaSource, m model.Attachment) (string, error) {
	if !m.IsImage() && !m.IsVideo() {
		return "", platform.Validation("unsupported attachment type "+m.FileType, nil)
	}
	rc, err := platform.OpenMedia(ctx, files, m)
	if err != nil {
		return "", err
	}
	defer rc.Close()

	fields := map[string]string{}
	if m.IsVideo() {
		fields["media_category"] = "tweet_video"
	}
	body, ct := platform.Multipart(fields, "media", m.Name, m.FileType, rc)
	defer body.Close()

	var resp struct {
		MediaIDString string `json:"media_id_string"`
	}
	err = a.ep.Do(ctx, a.ep.Call(a.uploadURL).
		Method(http.MethodPost).
		Header("Authorization", platform.Bearer(token)).
		BodyReader(body).
		ContentType(ct).
		ToJSON(&resp))
	if err != nil {
		return "", err
	}
	if resp.MediaIDString == "" {
		return "", platform.Rejected("media upload returned no id", nil)
	}
	return resp.MediaIDString, nil
}
