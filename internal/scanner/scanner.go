// Package scanner finds due posts, claims them and fans each one out into one
// publish task per attached channel.
package scanner

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"

	"postdeck/internal/eventbus"
	"postdeck/internal/model"
	"postdeck/internal/queue"
	logx "postdeck/pkg/logx"
)

// Ledger is the part of storage the scanner uses.
type Ledger interface {
	ClaimDue(ctx context.Context, now time.Time, limit int) ([]model.Post, error)
	Targets(ctx context.Context, p model.Post) ([]model.Target, error)
	MarkDispatched(ctx context.Context, postID, channelID string, at time.Time) error
	ListStalled(ctx context.Context, cutoff time.Time, limit int) ([]model.Target, error)
}

type Config struct {
	BatchSize      int
	MaxBatches     int
	Parallelism    int
	EnqueueRetries int
	RetryDelay     time.Duration

	// StallAfter is how long a picked post may sit without a delivery row
	// before Recover re-dispatches it.
	StallAfter time.Duration
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.MaxBatches <= 0 {
		c.MaxBatches = 50
	}
	if c.Parallelism <= 0 {
		c.Parallelism = 4
	}
	if c.EnqueueRetries < 0 {
		c.EnqueueRetries = 0
	} else if c.EnqueueRetries == 0 {
		c.EnqueueRetries = 2
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 200 * time.Millisecond
	}
	if c.StallAfter <= 0 {
		c.StallAfter = 10 * time.Minute
	}
	return c
}

// Report summarizes one run.
type Report struct {
	Claimed  int `json:"claimed"`
	Enqueued int `json:"enqueued"`
	Failed   int `json:"failed"`
}

type Scanner struct {
	store Ledger
	queue queue.Queue
	log   logx.Logger
	bus   eventbus.Bus

	mu   sync.Mutex
	cfg  Config
	last Report
}

func New(cfg Config, store Ledger, q queue.Queue, log logx.Logger, bus eventbus.Bus) *Scanner {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Scanner{cfg: cfg.withDefaults(), store: store, queue: q, log: log.Component("scanner"), bus: bus}
}

func (s *Scanner) Apply(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg.withDefaults()
	s.mu.Unlock()
}

func (s *Scanner) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Last returns the report of the most recent scan.
func (s *Scanner) Last() Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// Scan claims due posts in batches and dispatches them. Per-post errors are
// logged and counted; only a failing claim query stops the run.
func (s *Scanner) Scan(ctx context.Context, now time.Time) (Report, error) {
	cfg := s.config()
	var (
		rep      Report
		enqueued atomic.Int64
		failed   atomic.Int64
	)
	defer func() {
		rep.Enqueued, rep.Failed = int(enqueued.Load()), int(failed.Load())
		s.mu.Lock()
		s.last = rep
		s.mu.Unlock()
	}()

	for batch := 0; batch < cfg.MaxBatches; batch++ {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		posts, err := s.store.ClaimDue(ctx, now, cfg.BatchSize)
		rep.Claimed += len(posts)
		if err != nil {
			// Posts already returned are claimed and must still be dispatched.
			s.log.Error("claim due posts failed", logx.Err(err))
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(cfg.Parallelism)
		for _, p := range posts {
			g.Go(func() error {
				ok, bad := s.dispatchPost(gctx, cfg, p, now)
				enqueued.Add(int64(ok))
				failed.Add(int64(bad))
				return nil
			})
		}
		_ = g.Wait()

		if err != nil {
			return rep, fmt.Errorf("claim due posts: %w", err)
		}
		if len(posts) < cfg.BatchSize {
			break
		}
	}
	if rep.Claimed > 0 {
		s.log.Info("scan finished",
			logx.Int("claimed", rep.Claimed),
			logx.Int64("enqueued", enqueued.Load()),
			logx.Int64("failed", failed.Load()))
	}
	return rep, nil
}

// dispatchPost enqueues one task per target and returns (enqueued, failed).
func (s *Scanner) dispatchPost(ctx context.Context, cfg Config, p model.Post, now time.Time) (int, int) {
	log := s.log.With(logx.Post(p.ID))
	targets, err := s.store.Targets(ctx, p)
	if err != nil {
		// Recover picks the post up later; it has no delivery rows yet.
		log.Error("load targets failed", logx.Err(err))
		return 0, 1
	}
	if len(targets) == 0 {
		log.Warn("claimed post has no channels")
	}
	eventbus.Emit(s.bus, eventbus.TypePostClaimed, eventbus.PostEvent{PostID: p.ID, Channels: len(targets)})

	var ok, bad int
	for _, t := range targets {
		if err := s.dispatchTarget(ctx, cfg, t, now); err != nil {
			bad++
			log.Error("dispatch failed", logx.Channel(t.ChannelID), logx.Err(err))
			eventbus.Emit(s.bus, eventbus.TypeDispatchFailed, eventbus.DeliveryEvent{
				PostID: t.PostID, ChannelID: t.ChannelID, Platform: string(t.Platform), Error: err.Error(),
			})
			continue
		}
		ok++
	}
	return ok, bad
}

func (s *Scanner) dispatchTarget(ctx context.Context, cfg Config, t model.Target, now time.Time) error {
	task := model.PublishTask{
		PostID:    t.PostID,
		ChannelID: t.ChannelID,
		Platform:  t.Platform,
		NotBefore: lo.Ternary(t.ScheduledAt.After(now), t.ScheduledAt, now),
	}

	var err error
	for attempt := 0; attempt <= cfg.EnqueueRetries; attempt++ {
		if attempt > 0 {
			tmr := time.NewTimer(cfg.RetryDelay * time.Duration(attempt))
			select {
			case <-ctx.Done():
				tmr.Stop()
				return ctx.Err()
			case <-tmr.C:
			}
		}
		if err = s.queue.Enqueue(ctx, task); err == nil {
			break
		}
		s.log.Debug("enqueue retry", logx.Post(t.PostID), logx.Channel(t.ChannelID), logx.Int("attempt", attempt+1), logx.Err(err))
	}
	if err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}
	if err := s.store.MarkDispatched(ctx, t.PostID, t.ChannelID, now); err != nil {
		// The task is queued; a missing row only makes Recover enqueue it again, which is a no-op.
		s.log.Warn("mark dispatched failed", logx.Post(t.PostID), logx.Channel(t.ChannelID), logx.Err(err))
	}
	eventbus.Emit(s.bus, eventbus.TypeTaskDispatched, eventbus.DeliveryEvent{
		PostID: t.PostID, ChannelID: t.ChannelID, Platform: string(t.Platform), NotBefore: task.NotBefore,
	})
	return nil
}

// Recover re-dispatches channels of picked posts that never reached the
// queue, e.g. after a crash between claim and fan-out.
func (s *Scanner) Recover(ctx context.Context, now time.Time) (Report, error) {
	cfg := s.config()
	targets, err := s.store.ListStalled(ctx, now.Add(-cfg.StallAfter), cfg.BatchSize*cfg.MaxBatches)
	if err != nil {
		return Report{}, fmt.Errorf("list stalled: %w", err)
	}
	byPost := lo.GroupBy(targets, func(t model.Target) string { return t.PostID })
	rep := Report{Claimed: len(byPost)}
	for postID, ts := range byPost {
		for _, t := range ts {
			if err := s.dispatchTarget(ctx, cfg, t, now); err != nil {
				rep.Failed++
				s.log.Error("recover dispatch failed", logx.Post(postID), logx.Channel(t.ChannelID), logx.Err(err))
				continue
			}
			rep.Enqueued++
		}
	}
	if rep.Enqueued+rep.Failed > 0 {
		s.log.Warn("stalled posts recovered",
			logx.Int("posts", rep.Claimed),
			logx.Int("enqueued", rep.Enqueued),
			logx.Int("failed", rep.Failed))
	}
	return rep, nil
}
