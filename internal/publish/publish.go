// Package publish executes one publish task: it re-reads the post and the
// channel, resolves the platform adapter, publishes under a timeout and
// records the per-channel outcome in the ledger.
package publish

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/samber/lo"

	"postdeck/internal/eventbus"
	"postdeck/internal/model"
	"postdeck/internal/platform"
	"postdeck/internal/storage"
	"postdeck/internal/task/engine"
	logx "postdeck/pkg/logx"
)

var (
	ErrPostNotFound    = errors.New("post not found")
	ErrChannelNotFound = errors.New("channel not found")
)

// Ledger is what the executor reads and writes.
type Ledger interface {
	GetPost(ctx context.Context, id string) (model.Post, error)
	GetChannel(ctx context.Context, id string) (model.Channel, error)
	GetDelivery(ctx context.Context, postID, channelID string) (model.Delivery, error)
	RecordDelivery(ctx context.Context, d model.Delivery) error
}

type Config struct {
	// Timeout bounds a single adapter call. Default 60s.
	Timeout time.Duration
}

type Executor struct {
	store    Ledger
	registry *platform.Registry
	files    platform.MediaSource
	log      logx.Logger
	bus      eventbus.Bus

	mu  sync.Mutex
	cfg Config
}

func New(cfg Config, store Ledger, registry *platform.Registry, files platform.MediaSource, log logx.Logger, bus eventbus.Bus) *Executor {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Executor{
		cfg:      cfg,
		store:    store,
		registry: registry,
		files:    files,
		log:      log.Component("publish"),
		bus:      bus,
	}
}

func (e *Executor) Apply(cfg Config) {
	e.mu.Lock()
	e.cfg = cfg
	e.mu.Unlock()
}

func (e *Executor) timeout() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cfg.Timeout <= 0 {
		return 60 * time.Second
	}
	return e.cfg.Timeout
}

// IdempotencyKey identifies one version of a post on one channel. Editing the
// content or the attachment list yields a new key.
func IdempotencyKey(p model.Post, channelID string) string {
	h := sha256.New()
	h.Write([]byte(p.Content))
	for _, id := range lo.Map(p.Media, func(a model.Attachment, _ int) string { return a.ID }) {
		h.Write([]byte{0})
		h.Write([]byte(id))
	}
	return fmt.Sprintf("%s:%s:%s", p.ID, channelID, hex.EncodeToString(h.Sum(nil))[:16])
}

// Run publishes t. It is the queue handler: nil acks, NoRetry errors are
// terminal and everything else is retried by the queue. A run cut short by
// ctx (engine shutdown) returns an error matching engine.ErrStopped so the
// queue hands the attempt back instead of counting it.
func (e *Executor) Run(ctx context.Context, t model.PublishTask) error {
	err := e.run(ctx, t)
	if err != nil && ctx.Err() != nil && !engine.IsNoRetry(err) && !errors.Is(err, engine.ErrStopped) {
		return fmt.Errorf("%w: %v", engine.ErrStopped, err)
	}
	return err
}

func (e *Executor) run(ctx context.Context, t model.PublishTask) error {
	start := time.Now()
	log := e.log.With(logx.Post(t.PostID), logx.Channel(t.ChannelID), logx.Int("attempt", t.Attempt))

	post, err := e.store.GetPost(ctx, t.PostID)
	if errors.Is(err, storage.ErrNotFound) {
		return e.skip(ctx, log, t, ErrPostNotFound)
	}
	if err != nil {
		return fmt.Errorf("load post %s: %w", t.PostID, err)
	}
	ch, err := e.store.GetChannel(ctx, t.ChannelID)
	if errors.Is(err, storage.ErrNotFound) {
		return e.skip(ctx, log, t, ErrChannelNotFound)
	}
	if err != nil {
		return fmt.Errorf("load channel %s: %w", t.ChannelID, err)
	}
	log = log.With(logx.String("platform", string(ch.Platform)))

	key := IdempotencyKey(post, ch.ID)
	prev, err := e.store.GetDelivery(ctx, post.ID, ch.ID)
	switch {
	case err == nil:
		if prev.Status == model.DeliverySucceeded && prev.IdempotencyKey == key {
			log.Debug("already published", logx.String("platform_post_id", prev.PlatformPostID))
			return nil
		}
	case !errors.Is(err, storage.ErrNotFound):
		return fmt.Errorf("load delivery: %w", err)
	}

	d := model.Delivery{
		PostID:         post.ID,
		ChannelID:      ch.ID,
		Attempts:       t.Attempt,
		IdempotencyKey: key,
	}

	adapter, ok := e.registry.Lookup(ch.Platform)
	if !ok {
		return e.fail(ctx, log, t, d, platform.Unsupported(string(ch.Platform), nil), start)
	}

	pctx, cancel := context.WithTimeout(ctx, e.timeout())
	res, err := adapter.Publish(pctx, platform.Request{
		Channel:        ch,
		Content:        post.Content,
		Media:          post.Media,
		IdempotencyKey: key,
		Files:          e.files,
	})
	cancel()
	if err != nil && ctx.Err() != nil {
		// Shutdown, not a verdict from the platform. The delivery keeps its
		// dispatched state and the task runs again.
		log.Info("publish interrupted", logx.Err(err))
		return fmt.Errorf("%w: %v", engine.ErrStopped, err)
	}
	if err != nil {
		return e.fail(ctx, log, t, d, platform.Normalize(err), start)
	}

	now := time.Now()
	d.Status = model.DeliverySucceeded
	d.PlatformPostID = res.PlatformPostID
	d.PlatformURL = res.URL
	d.PublishedAt = now
	d.UpdatedAt = now
	if err := e.recordSuccess(context.WithoutCancel(ctx), d); err != nil {
		// The post is live; retrying the task would publish it twice.
		log.Error("record success failed", logx.String("platform_post_id", res.PlatformPostID), logx.Err(err))
	}
	took := time.Since(start)
	log.Info("published", logx.String("platform_post_id", res.PlatformPostID), logx.Duration("took", took))
	eventbus.Emit(e.bus, eventbus.TypePublishSucceeded, eventbus.DeliveryEvent{
		PostID: post.ID, ChannelID: ch.ID, Platform: string(ch.Platform), Attempt: t.Attempt, Took: took,
	})
	return nil
}

// successWrites bounds recordSuccess. Without the row a rerun of the task
// cannot tell the post is already live.
var successWrites = []time.Duration{0, 50 * time.Millisecond, 250 * time.Millisecond}

func (e *Executor) recordSuccess(ctx context.Context, d model.Delivery) error {
	var err error
	for _, wait := range successWrites {
		if wait > 0 {
			time.Sleep(wait)
		}
		if err = e.store.RecordDelivery(ctx, d); err == nil {
			return nil
		}
	}
	return err
}

func (e *Executor) skip(ctx context.Context, log logx.Logger, t model.PublishTask, reason error) error {
	kind := "post_not_found"
	if errors.Is(reason, ErrChannelNotFound) {
		kind = "channel_not_found"
	}
	log.Info("publish skipped", logx.String("reason", kind))
	if err := e.store.RecordDelivery(context.WithoutCancel(ctx), model.Delivery{
		PostID:       t.PostID,
		ChannelID:    t.ChannelID,
		Status:       model.DeliverySkipped,
		Attempts:     t.Attempt,
		ErrorKind:    kind,
		ErrorMessage: reason.Error(),
	}); err != nil {
		return fmt.Errorf("record skip: %w", err)
	}
	eventbus.Emit(e.bus, eventbus.TypePublishSkipped, eventbus.DeliveryEvent{
		PostID: t.PostID, ChannelID: t.ChannelID, Platform: string(t.Platform), Attempt: t.Attempt, Kind: kind,
	})
	return nil
}

func (e *Executor) fail(ctx context.Context, log logx.Logger, t model.PublishTask, d model.Delivery, perr *platform.Error, start time.Time) error {
	d.Status = model.DeliveryFailed
	d.ErrorKind = string(perr.Kind)
	d.ErrorMessage = perr.Error()
	d.Retryable = perr.Retryable
	d.UpdatedAt = time.Now()
	if err := e.store.RecordDelivery(context.WithoutCancel(ctx), d); err != nil {
		log.Error("record failure failed", logx.Err(err))
	}

	fields := []logx.Field{logx.String("kind", string(perr.Kind)), logx.Bool("retryable", perr.Retryable), logx.Err(perr)}
	if perr.Retryable {
		log.Info("publish failed", fields...)
	} else {
		log.Warn("publish failed permanently", fields...)
	}
	eventbus.Emit(e.bus, eventbus.TypePublishFailed, eventbus.DeliveryEvent{
		PostID: d.PostID, ChannelID: d.ChannelID, Platform: string(t.Platform), Attempt: t.Attempt,
		Kind: string(perr.Kind), Error: perr.Error(), Took: time.Since(start),
	})

	switch {
	case !perr.Retryable:
		return engine.NoRetry(perr)
	case perr.RetryAfter > 0:
		return engine.RetryAfter(perr, perr.RetryAfter)
	}
	return perr
}

// Exhausted marks the delivery of a task that ran out of attempts as a
// terminal failure. It is the queue's bury hook.
func (e *Executor) Exhausted(ctx context.Context, t model.PublishTask, cause error) {
	d, err := e.store.GetDelivery(ctx, t.PostID, t.ChannelID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		e.log.Error("load delivery for bury", logx.Post(t.PostID), logx.Channel(t.ChannelID), logx.Err(err))
		return
	}
	if d.Status == model.DeliverySucceeded || d.Status == model.DeliverySkipped {
		return
	}
	d.PostID, d.ChannelID = t.PostID, t.ChannelID
	d.Status = model.DeliveryFailed
	d.Attempts = t.Attempt
	d.Retryable = false
	d.ErrorMessage = fmt.Sprintf("gave up after %d attempts: %v", t.Attempt, cause)
	if pe, ok := platform.As(cause); ok {
		d.ErrorKind = string(pe.Kind)
	} else if d.ErrorKind == "" {
		d.ErrorKind = string(platform.KindTransient)
	}
	d.UpdatedAt = time.Now()
	if err := e.store.RecordDelivery(ctx, d); err != nil {
		e.log.Error("record exhausted delivery", logx.Post(t.PostID), logx.Channel(t.ChannelID), logx.Err(err))
		return
	}
	e.log.Warn("delivery failed: attempts exhausted", logx.Post(t.PostID), logx.Channel(t.ChannelID), logx.Int("attempts", t.Attempt), logx.Err(cause))
}
