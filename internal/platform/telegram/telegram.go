// Package telegram posts to Telegram channels and groups through the Bot API.
package telegram

import (
	"context"
	"errors"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"

	"postdeck/internal/model"
	"postdeck/internal/platform"
)

const (
	DefaultBaseURL = "https://api.telegram.org"

	MaxText    = 4096
	MaxCaption = 1024
	MaxAlbum   = 10
)

type Config struct {
	BaseURL string
	// Token is used when a channel carries no bot token of its own.
	Token   string
	Timeout time.Duration
	Client  *http.Client
}

type Adapter struct {
	cfg    Config
	client *http.Client

	mu   sync.Mutex
	bots map[string]*tele.Bot
}

func New(cfg Config) *Adapter {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	client := cfg.Client
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 60 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	return &Adapter{cfg: cfg, client: client, bots: map[string]*tele.Bot{}}
}

func (a *Adapter) Platform() model.Platform { return model.Telegram }

// bot returns a cached offline bot for token; no getMe round trip.
func (a *Adapter) bot(token string) (*tele.Bot, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if b, ok := a.bots[token]; ok {
		return b, nil
	}
	b, err := tele.NewBot(tele.Settings{
		URL:     a.cfg.BaseURL,
		Token:   token,
		Client:  a.client,
		Offline: true,
	})
	if err != nil {
		return nil, err
	}
	a.bots[token] = b
	return b, nil
}

// chatRef addresses a chat by @username.
type chatRef string

func (c chatRef) Recipient() string { return string(c) }

func recipient(accountID string) tele.Recipient {
	if id, err := strconv.ParseInt(accountID, 10, 64); err == nil {
		return tele.ChatID(id)
	}
	if !strings.HasPrefix(accountID, "@") {
		accountID = "@" + accountID
	}
	return chatRef(accountID)
}

func (a *Adapter) Publish(ctx context.Context, req platform.Request) (platform.Result, error) {
	token := req.Channel.Credentials.AccessToken
	if token == "" {
		token = a.cfg.Token
	}
	switch {
	case token == "":
		return platform.Result{}, platform.Auth("no bot token for channel", nil)
	case strings.TrimSpace(req.Channel.AccountID) == "":
		return platform.Result{}, platform.Validation("channel has no chat id", nil)
	case req.Content == "" && len(req.Media) == 0:
		return platform.Result{}, platform.Validation("post has neither text nor media", nil)
	case len(req.Media) > MaxAlbum:
		return platform.Result{}, platform.Validation("telegram albums hold at most 10 items", nil)
	}
	for _, m := range req.Media {
		if !m.IsImage() && !m.IsVideo() {
			return platform.Result{}, platform.Validation("unsupported attachment type "+m.FileType, nil)
		}
	}
	if err := ctx.Err(); err != nil {
		return platform.Result{}, platform.ClassifyTransport(err)
	}

	b, err := a.bot(token)
	if err != nil {
		return platform.Result{}, platform.Auth("telegram bot", err)
	}
	to := recipient(strings.TrimSpace(req.Channel.AccountID))

	if len(req.Media) == 0 {
		msg, err := b.Send(to, platform.TruncateRunes(req.Content, MaxText))
		if err != nil {
			return platform.Result{}, classify(err)
		}
		return result(msg), nil
	}

	caption := platform.TruncateRunes(req.Content, MaxCaption)
	items := make([]tele.Inputtable, 0, len(req.Media))
	var closers []io.Closer
	defer func() {
		for _, c := range closers {
			_ = c.Close()
		}
	}()
	for i, m := range req.Media {
		rc, err := platform.OpenMedia(ctx, req.Files, m)
		if err != nil {
			return platform.Result{}, err
		}
		closers = append(closers, rc)
		c := ""
		if i == 0 {
			c = caption
		}
		file := tele.FromReader(rc)
		if m.IsVideo() {
			items = append(items, &tele.Video{File: file, Caption: c, FileName: m.Name})
		} else {
			items = append(items, &tele.Photo{File: file, Caption: c})
		}
	}

	if len(items) == 1 {
		msg, err := b.Send(to, items[0])
		if err != nil {
			return platform.Result{}, classify(err)
		}
		return result(msg), nil
	}
	msgs, err := b.SendAlbum(to, tele.Album(items))
	if err != nil {
		return platform.Result{}, classify(err)
	}
	if len(msgs) == 0 {
		return platform.Result{}, platform.Rejected("album returned no messages", nil)
	}
	return result(&msgs[0]), nil
}

func result(m *tele.Message) platform.Result {
	if m == nil {
		return platform.Result{}
	}
	r := platform.Result{PlatformPostID: strconv.Itoa(m.ID)}
	if m.Chat != nil {
		r.PlatformPostID = strconv.FormatInt(m.Chat.ID, 10) + ":" + r.PlatformPostID
		if m.Chat.Username != "" {
			r.URL = "https://t.me/" + m.Chat.Username + "/" + strconv.Itoa(m.ID)
		}
	}
	return r
}

var codeRe = regexp.MustCompile(`\((\d{3})\)\s*$`)

// classify maps telebot errors onto platform kinds using the Bot API code.
func classify(err error) error {
	var flood tele.FloodError
	if errors.As(err, &flood) {
		return platform.RateLimited(time.Duration(flood.RetryAfter)*time.Second, flood.Error())
	}
	var floodp *tele.FloodError
	if errors.As(err, &floodp) && floodp != nil {
		return platform.RateLimited(time.Duration(floodp.RetryAfter)*time.Second, floodp.Error())
	}
	var te *tele.Error
	if errors.As(err, &te) {
		return platform.ClassifyStatus(te.Code, nil, te.Description)
	}
	if m := codeRe.FindStringSubmatch(err.Error()); m != nil {
		code, _ := strconv.Atoi(m[1])
		return platform.ClassifyStatus(code, nil, strings.TrimPrefix(err.Error(), "telegram: "))
	}
	return platform.ClassifyTransport(err)
}
