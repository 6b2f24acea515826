package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"postdeck/internal/eventbus"
	"postdeck/internal/model"
	rtsup "postdeck/internal/runtime/supervisor"
	"postdeck/internal/storage"
	"postdeck/internal/task/engine"
	logx "postdeck/pkg/logx"
)

// Store is the slice of the ledger the SQL backend needs.
type Store interface {
	Enqueue(ctx context.Context, t model.PublishTask) (bool, error)
	Lease(ctx context.Context, owner string, now time.Time, leaseFor time.Duration, limit int) ([]model.PublishTask, error)
	Ack(ctx context.Context, key, owner string) error
	Retry(ctx context.Context, key, owner string, notBefore time.Time, lastErr string) error
	Defer(ctx context.Context, key, owner string, notBefore time.Time) error
	Bury(ctx context.Context, key, owner, lastErr string) error
	ReapExpired(ctx context.Context, now time.Time) (int64, error)
	QueueStats(ctx context.Context) (map[string]int, error)
}

// Engine runs leased tasks.
type Engine interface {
	Enqueue(t engine.Task) error
	Capacity() int
}

type SQLConfig struct {
	PollInterval time.Duration
	BatchSize    int
	LeaseTimeout time.Duration
	Policy       Policy

	// Concurrency caps parallel publishes per platform; 0 means unlimited.
	Concurrency map[model.Platform]int
}

func (c SQLConfig) withDefaults() SQLConfig {
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 32
	}
	if c.LeaseTimeout <= 0 {
		c.LeaseTimeout = 5 * time.Minute
	}
	c.Policy = c.Policy.withDefaults()
	return c
}

// SQL leases due rows from the ledger's publish_queue table and runs them on
// the task engine. Each process gets its own lease owner id.
type SQL struct {
	store   Store
	eng     Engine
	handler Handler
	onBury  BuryFunc
	log     logx.Logger
	bus     eventbus.Bus
	owner   string
	jitter  *Jitter

	mu  sync.Mutex
	cfg SQLConfig
	sup *rtsup.Supervisor

	wake chan struct{}
}

func NewSQL(cfg SQLConfig, store Store, eng Engine, h Handler, onBury BuryFunc, log logx.Logger, bus eventbus.Bus) *SQL {
	if log.IsZero() {
		log = logx.Nop()
	}
	owner := "w-" + uuid.NewString()
	return &SQL{
		cfg:     cfg.withDefaults(),
		store:   store,
		eng:     eng,
		handler: h,
		onBury:  onBury,
		log:     log.Component("queue").With(logx.String("owner", owner)),
		bus:     bus,
		owner:   owner,
		jitter:  NewJitter(),
		wake:    make(chan struct{}, 1),
	}
}

func (q *SQL) Owner() string { return q.owner }

// Apply swaps poll/lease/retry settings; the poll loop picks them up on its
// next tick.
func (q *SQL) Apply(cfg SQLConfig) {
	q.mu.Lock()
	q.cfg = cfg.withDefaults()
	q.mu.Unlock()
	q.poke()
}

func (q *SQL) config() SQLConfig {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.cfg
}

func (q *SQL) Enqueue(ctx context.Context, t model.PublishTask) error {
	if t.NotBefore.IsZero() {
		t.NotBefore = time.Now()
	}
	if _, err := q.store.Enqueue(ctx, t); err != nil {
		return err
	}
	if !t.NotBefore.After(time.Now()) {
		q.poke()
	}
	return nil
}

func (q *SQL) poke() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *SQL) Start(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.sup != nil {
		return nil
	}
	q.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(q.log), rtsup.WithCancelOnError(false))
	q.sup.GoRestart("queue.poll", q.pollLoop,
		rtsup.WithPublishFirstError(true),
		rtsup.WithRestartBackoff(time.Second, 30*time.Second))
	q.log.Info("sql queue started",
		logx.Duration("poll", q.cfg.PollInterval),
		logx.Int("batch", q.cfg.BatchSize),
		logx.Duration("lease", q.cfg.LeaseTimeout))
	return nil
}

func (q *SQL) Stop(ctx context.Context) {
	q.mu.Lock()
	sup := q.sup
	q.sup = nil
	q.mu.Unlock()
	if sup == nil {
		return
	}
	sup.Cancel()
	if err := sup.Wait(ctx); err != nil && !errors.Is(err, context.Canceled) {
		q.log.Warn("sql queue stop", logx.Err(err))
	}
}

func (q *SQL) Stats(ctx context.Context) (map[string]int, error) { return q.store.QueueStats(ctx) }

// Reap returns expired leases to pending. It is run on a schedule.
func (q *SQL) Reap(ctx context.Context) error {
	n, err := q.store.ReapExpired(ctx, time.Now())
	if err != nil {
		return err
	}
	if n > 0 {
		q.log.Warn("expired leases reaped", logx.Int64("tasks", n))
		q.poke()
	}
	return nil
}

func (q *SQL) pollLoop(ctx context.Context) error {
	for {
		cfg := q.config()
		n, err := q.PollOnce(ctx)
		if err != nil && ctx.Err() == nil {
			q.log.Warn("queue poll failed", logx.Err(err))
		}
		if ctx.Err() != nil {
			return nil
		}
		// A full batch means more work is probably due.
		if err == nil && n >= cfg.BatchSize {
			continue
		}
		t := time.NewTimer(cfg.PollInterval)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-q.wake:
			t.Stop()
		case <-t.C:
		}
	}
}

// PollOnce leases as many due tasks as the engine can take and hands them
// over. It returns the number of leased tasks.
func (q *SQL) PollOnce(ctx context.Context) (int, error) {
	cfg := q.config()
	n := min(cfg.BatchSize, q.eng.Capacity())
	if n <= 0 {
		return 0, nil
	}
	tasks, err := q.store.Lease(ctx, q.owner, time.Now(), cfg.LeaseTimeout, n)
	for _, t := range tasks {
		q.dispatch(t, cfg)
	}
	return len(tasks), err
}

func (q *SQL) dispatch(t model.PublishTask, cfg SQLConfig) {
	platform := string(t.Platform)
	if platform == "" {
		platform = "unknown"
	}
	err := q.eng.Enqueue(engine.Task{
		Name:           "publish." + platform,
		ConcurrencyKey: "platform:" + platform,
		Opt: engine.TaskOptions{
			RetryMax:         -1,
			ConcurrencyLimit: cfg.Concurrency[t.Platform],
		},
		Run:  func(ctx context.Context) error { return q.handler(ctx, t) },
		Done: func(err error) { q.settle(t, err) },
	})
	if err == nil {
		return
	}

	at := time.Now()
	var coe *engine.CircuitOpenError
	switch {
	case errors.As(err, &coe):
		at = coe.Until
	case errors.Is(err, engine.ErrQueueFull):
		at = at.Add(cfg.PollInterval)
	}
	q.log.Debug("task deferred", logx.Post(t.PostID), logx.Channel(t.ChannelID), logx.Time("until", at), logx.Err(err))
	q.deferTask(t, at)
}

func (q *SQL) deferTask(t model.PublishTask, at time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := q.store.Defer(ctx, t.Key(), q.owner, at); err != nil {
		q.log.Warn("defer failed", logx.Post(t.PostID), logx.Channel(t.ChannelID), logx.Err(err))
	}
}

// settle runs on the engine worker once the task finished.
func (q *SQL) settle(t model.PublishTask, runErr error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cfg := q.config()
	log := q.log.With(logx.Post(t.PostID), logx.Channel(t.ChannelID), logx.Int("attempt", t.Attempt))
	key := t.Key()

	var err error
	switch {
	case runErr == nil:
		err = q.store.Ack(ctx, key, q.owner)

	case errors.Is(runErr, engine.ErrStopped), errors.Is(runErr, engine.ErrStale):
		// Never ran; give the attempt back.
		err = q.store.Defer(ctx, key, q.owner, time.Now())

	case cfg.Policy.Terminal(t.Attempt, runErr):
		err = q.store.Bury(ctx, key, q.owner, runErr.Error())
		exhausted := !engine.IsNoRetry(runErr)
		log.Warn("task buried", logx.Bool("exhausted", exhausted), logx.Err(runErr))
		eventbus.Emit(q.bus, eventbus.TypeTaskBuried, eventbus.DeliveryEvent{
			PostID: t.PostID, ChannelID: t.ChannelID, Platform: string(t.Platform),
			Attempt: t.Attempt, Error: runErr.Error(),
		})
		if exhausted && q.onBury != nil {
			q.onBury(ctx, t, runErr)
		}

	default:
		delay := q.jitter.Delay(cfg.Policy, t.Attempt, runErr)
		err = q.store.Retry(ctx, key, q.owner, time.Now().Add(delay), runErr.Error())
		log.Info("task retry scheduled", logx.Duration("delay", delay), logx.Err(runErr))
	}

	if errors.Is(err, storage.ErrLeaseLost) {
		log.Warn("lease lost before settle; task will run again", logx.Err(err))
		return
	}
	if err != nil {
		log.Error("settle failed", logx.Err(err))
	}
}

var _ Runner = (*SQL)(nil)
