// Package redisq is the Redis-backed publish queue built on asynq.
//
// Tasks are keyed by their (post, channel) pair through asynq task ids, so
// enqueueing the same pair twice while the first is pending is a no-op.
// Delays use ProcessIn; permanent failures are wrapped in asynq.SkipRetry.
package redisq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hibiken/asynq"

	"postdeck/internal/eventbus"
	"postdeck/internal/model"
	"postdeck/internal/queue"
	"postdeck/internal/task/engine"
	logx "postdeck/pkg/logx"
)

// TypePublish is the asynq task type for publish tasks.
const TypePublish = "postdeck:publish"

type Config struct {
	Addr        string
	Password    string
	DB          int
	Queue       string
	Concurrency int
	Policy      queue.Policy

	// Retention keeps completed tasks so a duplicate enqueue right after a
	// success is still rejected. 0 disables retention.
	Retention       time.Duration
	ShutdownTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Queue == "" {
		c.Queue = "publish"
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 10 * time.Second
	}
	c.Policy = c.Policy.Normalize()
	return c
}

func (c Config) redisOpt() asynq.RedisClientOpt {
	return asynq.RedisClientOpt{Addr: c.Addr, Password: c.Password, DB: c.DB}
}

type Queue struct {
	cfg     Config
	handler queue.Handler
	onBury  queue.BuryFunc
	log     logx.Logger
	bus     eventbus.Bus
	jitter  *queue.Jitter

	client    *asynq.Client
	inspector *asynq.Inspector

	mu     sync.Mutex
	server *asynq.Server
}

func New(cfg Config, h queue.Handler, onBury queue.BuryFunc, log logx.Logger, bus eventbus.Bus) *Queue {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	return &Queue{
		cfg:       cfg,
		handler:   h,
		onBury:    onBury,
		log:       log.Component("redisq"),
		bus:       bus,
		jitter:    queue.NewJitter(),
		client:    asynq.NewClient(cfg.redisOpt()),
		inspector: asynq.NewInspector(cfg.redisOpt()),
	}
}

func (q *Queue) options(t model.PublishTask) []asynq.Option {
	opts := []asynq.Option{
		asynq.Queue(q.cfg.Queue),
		asynq.TaskID(t.Key()),
		asynq.MaxRetry(max(q.cfg.Policy.MaxAttempts-1, 0)),
	}
	if d := time.Until(t.NotBefore); d > 0 {
		opts = append(opts, asynq.ProcessIn(d))
	}
	if q.cfg.Retention > 0 {
		opts = append(opts, asynq.Retention(q.cfg.Retention))
	}
	return opts
}

func (q *Queue) Enqueue(ctx context.Context, t model.PublishTask) error {
	payload, err := json.Marshal(t)
	if err != nil {
		return err
	}
	task := asynq.NewTask(TypePublish, payload)
	_, err = q.client.EnqueueContext(ctx, task, q.options(t)...)
	if !errors.Is(err, asynq.ErrTaskIDConflict) {
		if err != nil {
			return fmt.Errorf("enqueue %s: %w", t.Key(), err)
		}
		return nil
	}

	// A finished task still holds the id; clear it so a requeued post can run again.
	info, ierr := q.inspector.GetTaskInfo(q.cfg.Queue, t.Key())
	if ierr != nil {
		return nil
	}
	switch info.State {
	case asynq.TaskStateArchived, asynq.TaskStateCompleted:
		if err := q.inspector.DeleteTask(q.cfg.Queue, t.Key()); err != nil {
			return fmt.Errorf("enqueue %s: clear finished task: %w", t.Key(), err)
		}
		if _, err := q.client.EnqueueContext(ctx, task, q.options(t)...); err != nil && !errors.Is(err, asynq.ErrTaskIDConflict) {
			return fmt.Errorf("enqueue %s: %w", t.Key(), err)
		}
	}
	return nil
}

func (q *Queue) Start(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.server != nil {
		return nil
	}
	srv := asynq.NewServer(q.cfg.redisOpt(), asynq.Config{
		Concurrency:     q.cfg.Concurrency,
		Queues:          map[string]int{q.cfg.Queue: 1},
		RetryDelayFunc:  q.retryDelay,
		ErrorHandler:    asynq.ErrorHandlerFunc(q.onError),
		Logger:          asynqLogger{log: q.log},
		LogLevel:        asynq.WarnLevel,
		ShutdownTimeout: q.cfg.ShutdownTimeout,
		BaseContext:     func() context.Context { return context.WithoutCancel(ctx) },
	})
	mux := asynq.NewServeMux()
	mux.HandleFunc(TypePublish, q.process)
	if err := srv.Start(mux); err != nil {
		return fmt.Errorf("start asynq server: %w", err)
	}
	q.server = srv
	q.log.Info("redis queue started",
		logx.String("addr", q.cfg.Addr),
		logx.String("queue", q.cfg.Queue),
		logx.Int("concurrency", q.cfg.Concurrency))
	return nil
}

func (q *Queue) Stop(context.Context) {
	q.mu.Lock()
	srv := q.server
	q.server = nil
	q.mu.Unlock()
	if srv != nil {
		srv.Shutdown()
	}
	_ = q.client.Close()
	_ = q.inspector.Close()
}

func (q *Queue) Stats(context.Context) (map[string]int, error) {
	info, err := q.inspector.GetQueueInfo(q.cfg.Queue)
	if err != nil {
		return nil, err
	}
	return map[string]int{
		"pending":   info.Pending + info.Scheduled + info.Retry,
		"leased":    info.Active,
		"done":      info.Completed,
		"dead":      info.Archived,
		"processed": info.Processed,
	}, nil
}

// process is the asynq handler. The attempt number is derived from asynq's
// retry counter.
func (q *Queue) process(ctx context.Context, at *asynq.Task) error {
	var t model.PublishTask
	if err := json.Unmarshal(at.Payload(), &t); err != nil {
		return fmt.Errorf("decode task: %v: %w", err, asynq.SkipRetry)
	}
	retried, _ := asynq.GetRetryCount(ctx)
	t.Attempt = retried + 1

	err := q.handler(ctx, t)
	if err != nil && engine.IsNoRetry(err) {
		return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
	}
	return err
}

// retryDelay gets n = retries so far, so the failed attempt is n+1.
func (q *Queue) retryDelay(n int, err error, _ *asynq.Task) time.Duration {
	return q.jitter.Delay(q.cfg.Policy, n+1, err)
}

// onError buries what asynq is about to archive.
func (q *Queue) onError(ctx context.Context, at *asynq.Task, err error) {
	var t model.PublishTask
	if jerr := json.Unmarshal(at.Payload(), &t); jerr != nil {
		q.log.Error("undecodable task archived", logx.Err(err))
		return
	}
	retried, _ := asynq.GetRetryCount(ctx)
	maxRetry, _ := asynq.GetMaxRetry(ctx)
	t.Attempt = retried + 1

	permanent := errors.Is(err, asynq.SkipRetry)
	if !permanent && retried < maxRetry {
		q.log.Info("task retry scheduled", logx.Post(t.PostID), logx.Channel(t.ChannelID), logx.Int("attempt", t.Attempt), logx.Err(err))
		return
	}
	q.log.Warn("task buried", logx.Post(t.PostID), logx.Channel(t.ChannelID), logx.Bool("exhausted", !permanent), logx.Err(err))
	eventbus.Emit(q.bus, eventbus.TypeTaskBuried, eventbus.DeliveryEvent{
		PostID: t.PostID, ChannelID: t.ChannelID, Platform: string(t.Platform), Attempt: t.Attempt, Error: err.Error(),
	})
	if !permanent && q.onBury != nil {
		q.onBury(ctx, t, err)
	}
}

// asynqLogger routes asynq's printf-style logs through logx.
type asynqLogger struct{ log logx.Logger }

func (l asynqLogger) Debug(args ...any) { l.log.Debug(fmt.Sprint(args...)) }
func (l asynqLogger) Info(args ...any)  { l.log.Info(fmt.Sprint(args...)) }
func (l asynqLogger) Warn(args ...any)  { l.log.Warn(fmt.Sprint(args...)) }
func (l asynqLogger) Error(args ...any) { l.log.Error(fmt.Sprint(args...)) }
func (l asynqLogger) Fatal(args ...any) { l.log.Error(fmt.Sprint(args...)) }

var _ queue.Runner = (*Queue)(nil)
