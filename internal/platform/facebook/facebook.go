// Package facebook publishes page feed posts through the Graph API.
//
// Photos are uploaded unpublished first and attached to the feed post, so a
// failed upload never leaves a partial post behind.
package facebook

import (
	"context"
	"net/http"
	"net/url"

	"postdeck/internal/model"
	"postdeck/internal/platform"
)

const DefaultBaseURL = "https://graph.facebook.com/v19.0"

type Adapter struct {
	ep *platform.Endpoint
}

func New(cfg platform.EndpointConfig) *Adapter {
	return &Adapter{ep: platform.NewEndpoint(cfg, DefaultBaseURL).WithGraphErrors()}
}

func (a *Adapter) Platform() model.Platform { return model.Facebook }

type idResponse struct {
	ID     string `json:"id"`
	PostID string `json:"post_id"`
}

func (a *Adapter) Publish(ctx context.Context, req platform.Request) (platform.Result, error) {
	page := req.Channel.AccountID
	token := req.Channel.Credentials.AccessToken
	switch {
	case page == "":
		return platform.Result{}, platform.Validation("channel has no page id", nil)
	case token == "":
		return platform.Result{}, platform.Auth("channel has no access token", nil)
	case req.Content == "" && len(req.Media) == 0:
		return platform.Result{}, platform.Validation("post has neither text nor media", nil)
	}

	var photos, videos []model.Attachment
	for _, m := range req.Media {
		switch {
		case m.IsVideo():
			videos = append(videos, m)
		case m.IsImage():
			photos = append(photos, m)
		default:
			return platform.Result{}, platform.Validation("unsupported attachment type "+m.FileType, nil)
		}
	}
	if len(videos) > 0 {
		if len(videos) > 1 || len(photos) > 0 {
			return platform.Result{}, platform.Validation("a page post carries either photos or a single video", nil)
		}
		return a.publishVideo(ctx, req, page, token, videos[0])
	}

	ids := make([]string, 0, len(photos))
	for _, m := range photos {
		id, err := a.uploadPhoto(ctx, req, page, token, m)
		if err != nil {
			return platform.Result{}, err
		}
		ids = append(ids, id)
	}

	body := map[string]any{"message": req.Content}
	if len(ids) > 0 {
		attached := make([]map[string]string, 0, len(ids))
		for _, id := range ids {
			attached = append(attached, map[string]string{"media_fbid": id})
		}
		body["attached_media"] = attached
	}
	var resp idResponse
	err := a.ep.Do(ctx, a.ep.Call(url.PathEscape(page)+"/feed").
		Method(http.MethodPost).
		Param("access_token", token).
		BodyJSON(body).
		ToJSON(&resp))
	if err != nil {
		return platform.Result{}, err
	}
	if resp.ID == "" {
		return platform.Result{}, platform.Rejected("feed post returned no id", nil)
	}
	return platform.Result{PlatformPostID: resp.ID, URL: "https://www.facebook.com/" + resp.ID}, nil
}

func (a *Adapter) uploadPhoto(ctx context.Context, req platform.Request, page, token string, m model.Attachment) (string, error) {
	rc, err := platform.OpenMedia(ctx, req.Files, m)
	if err != nil {
		return "", err
	}
	defer rc.Close()

	body, ct := platform.Multipart(map[string]string{"published": "false"}, "source", m.Name, m.FileType, rc)
	defer body.Close()

	var resp idResponse
	err = a.ep.Do(ctx, a.ep.Call(url.PathEscape(page)+"/photos").
		Method(http.MethodPost).
		Param("access_token", token).
		BodyReader(body).
		ContentType(ct).
		ToJSON(&resp))
	if err != nil {
		return "", err
	}
	if resp.ID == "" {
		return "", platform.Rejected("photo upload returned no id", nil)
	}
	return resp.ID, nil
}

func (a *Adapter) publishVideo(ctx context.Context, req platform.Request, page, token string, m model.Attachment) (platform.Result, error) {
	rc, err := platform.OpenMedia(ctx, req.Files, m)
	if err != nil {
		return platform.Result{}, err
	}
	defer rc.Close()

	body, ct := platform.Multipart(map[string]string{"description": req.Content}, "source", m.Name, m.FileType, rc)
	defer body.Close()

	var resp idResponse
	err = a.ep.Do(ctx, a.ep.Call(url.PathEscape(page)+"/videos").
		Method(http.MethodPost).
		Param("access_token", token).
		BodyReader(body).
		ContentType(ct).
		ToJSON(&resp))
	if err != nil {
		return platform.Result{}, err
	}
	if resp.ID == "" {
		return platform.Result{}, platform.Rejected("video upload returned no id", nil)
	}
	return platform.Result{PlatformPostID: resp.ID, URL: "https://www.facebook.com/" + resp.ID}, nil
}
