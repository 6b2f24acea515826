// Package linkedin shares posts as UGC posts on behalf of a member or an
// organization. Only image attachments are supported.
package linkedin

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/carlmjohnson/requests"

	"postdeck/internal/model"
	"postdeck/internal/platform"
)

const (
	DefaultBaseURL = "https://api.linkedin.com"
	MaxText        = 3000
)

type Adapter struct {
	ep *platform.Endpoint
}

func New(cfg platform.EndpointConfig) *Adapter {
	return &Adapter{ep: platform.NewEndpoint(cfg, DefaultBaseURL)}
}

func (a *Adapter) Platform() model.Platform { return model.LinkedIn }

func (a *Adapter) Publish(ctx context.Context, req platform.Request) (platform.Result, error) {
	author := req.Channel.AccountID
	token := req.Channel.Credentials.AccessToken
	switch {
	case author == "":
		return platform.Result{}, platform.Validation("channel has no author urn", nil)
	case token == "":
		return platform.Result{}, platform.Auth("channel has no access token", nil)
	case req.Content == "" && len(req.Media) == 0:
		return platform.Result{}, platform.Validation("post has neither text nor media", nil)
	}
	for _, m := range req.Media {
		if !m.IsImage() {
			return platform.Result{}, platform.Validation("linkedin accepts image attachments only", nil)
		}
	}
	if !strings.HasPrefix(author, "urn:") {
		if req.Channel.Kind == model.KindPage {
			author = "urn:li:organization:" + author
		} else {
			author = "urn:li:person:" + author
		}
	}

	assets := make([]string, 0, len(req.Media))
	for _, m := range req.Media {
		asset, err := a.uploadImage(ctx, token, author, req.Files, m)
		if err != nil {
			return platform.Result{}, err
		}
		assets = append(assets, asset)
	}

	category := "NONE"
	var media []map[string]any
	if len(assets) > 0 {
		category = "IMAGE"
		for _, asset := range assets {
			media = append(media, map[string]any{"status": "READY", "media": asset})
		}
	}
	content := map[string]any{
		"shareCommentary":    map[string]string{"text": platform.TruncateRunes(req.Content, MaxText)},
		"shareMediaCategory": category,
	}
	if len(media) > 0 {
		content["media"] = media
	}
	body := map[string]any{
		"author":          author,
		"lifecycleState":  "PUBLISHED",
		"specificContent": map[string]any{"com.linkedin.ugc.ShareContent": content},
		"visibility":      map[string]string{"com.linkedin.ugc.MemberNetworkVisibility": "PUBLIC"},
	}

	var hdr http.Header
	var resp struct {
		ID string `json:"id"`
	}
	err := a.ep.Do(ctx, a.auth(a.ep.Call("/v2/ugcPosts"), token).
		Method(http.MethodPost).
		BodyJSON(body).
		Handle(func(res *http.Response) error {
			hdr = res.Header.Clone()
			// The id travels in a header; the body may be empty.
			if err := json.NewDecoder(res.Body).Decode(&resp); err != nil && !errors.Is(err, io.EOF) {
				return err
			}
			return nil
		}))
	if err != nil {
		return platform.Result{}, err
	}
	id := hdr.Get("X-RestLi-Id")
	if id == "" {
		id = resp.ID
	}
	if id == "" {
		return platform.Result{}, platform.Rejected("ugc post returned no id", nil)
	}
	return platform.Result{PlatformPostID: id, URL: "https://www.linkedin.com/feed/update/" + id}, nil
}

func (a *Adapter) auth(rb *requests.Builder, token string) *requests.Builder {
	return rb.Header("Authorization", platform.Bearer(token)).
		Header("X-Restli-Protocol-Version", "2.0.0")
}

type registerResponse struct {
	Value struct {
		Asset           string `json:"asset"`
		UploadMechanism struct {
			Upload struct {
				UploadURL string `json:"uploadUrl"`
			} `json:"com.linkedin.digitalmedia.uploading.MediaUploadHttpRequest"`
		} `json:"uploadMechanism"`
	} `json:"value"`
}

func (a *Adapter) uploadImage(ctx context.Context, token, owner string, files platform.MediaSource, m model.Attachment) (string, error) {
	var reg registerResponse
	err := a.ep.Do(ctx, a.auth(a.ep.Call("/v2/assets"), token).
		Param("action", "registerUpload").
		Method(http.MethodPost).
		BodyJSON(map[string]any{
			"registerUploadRequest": map[string]any{
				"recipes": []string{"urn:li:digitalmediaRecipe:feedshare-image"},
				"owner":   owner,
				"serviceRelationships": []map[string]string{{
					"relationshipType": "OWNER",
					"identifier":       "urn:li:userGeneratedContent",
				}},
			},
		}).
		ToJSON(&reg))
	if err != nil {
		return "", err
	}
	uploadURL := reg.Value.UploadMechanism.Upload.UploadURL
	if reg.Value.Asset == "" || uploadURL == "" {
		return "", platform.Rejected("registerUpload returned no upload target", nil)
	}

	rc, err := platform.OpenMedia(ctx, files, m)
	if err != nil {
		return "", err
	}
	defer rc.Close()
	err = a.ep.Do(ctx, a.ep.Call(uploadURL).
		Method(http.MethodPut).
		Header("Authorization", platform.Bearer(token)).
		ContentType(m.FileType).
		BodyReader(rc))
	if err != nil {
		return "", err
	}
	return reg.Value.Asset, nil
}
