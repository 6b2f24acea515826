package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime"
	"runtime/debug"
	"time"

	"postdeck/internal/eventbus"
	logx "postdeck/pkg/logx"
)

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue chan queuedTask, idx int) {
	// Per-worker RNG so concurrent retries don't contend on the global source.
	rng := rand.New(rand.NewSource(time.Now().UnixNano() ^ int64(idx)<<32))

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		var qt queuedTask
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case qt = <-queue:
		}

		s.waitingForPermit.Add(1)
		ok := s.acquirePermit(ctx, stopCh)
		s.waitingForPermit.Add(-1)
		if !ok {
			qt.finish(ErrStopped)
			return
		}

		var releaseGroup func()
		if qt.opt.ConcurrencyLimit > 0 {
			gs := s.groups.get(groupKey(qt.task.ConcurrencyKey, qt.task.Name), qt.opt.ConcurrencyLimit)
			if !gs.tryAcquire() {
				// Group is saturated: requeue and look for other work.
				s.releasePermit()
				select {
				case queue <- qt:
				default:
					s.onQueueFullDropped(time.Now(), qt.task, queue)
					qt.finish(ErrQueueFull)
				}
				runtime.Gosched()
				continue
			}
			releaseGroup = gs.release
		}

		s.inFlight.Add(1)
		s.execOne(ctx, stopCh, qt, rng)
		s.inFlight.Add(-1)
		if releaseGroup != nil {
			releaseGroup()
		}
		s.releasePermit()
	}
}

func (s *Service) execOne(ctx context.Context, stopCh <-chan struct{}, qt queuedTask, rng *rand.Rand) {
	start := time.Now()
	queueDelay := max(start.Sub(qt.enqueuedAt), 0)

	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	if cfg.MaxQueueDelay > 0 && queueDelay > cfg.MaxQueueDelay {
		s.onStaleDropped(start, qt.task, queueDelay)
		s.record(cfg, HistoryItem{ID: qt.task.ID, Name: qt.task.Name, Started: start, QueueDelay: queueDelay, Error: "stale_queue_delay"})
		qt.finish(ErrStale)
		return
	}

	log := s.log.With(logx.String("task", qt.task.Name), logx.String("id", qt.task.ID))
	log.Debug("task.started", logx.Duration("queue_delay", queueDelay))
	eventbus.Emit(s.bus, EventStarted, TaskEvent{ID: qt.task.ID, Name: qt.task.Name, Started: start, QueueDelay: queueDelay})

	var err error
	attempts := 0
	maxAttempts := 1 + qt.opt.RetryMax
attemptLoop:
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		attempts = attempt
		err = s.runOnce(ctx, qt, log)
		if err == nil || IsNoRetry(err) || attempt >= maxAttempts {
			break
		}

		delay := RetryDelay(qt.opt, attempt, err, rng)
		log.Debug("task retry scheduled", logx.Int("attempt", attempt+1), logx.Duration("delay", delay), logx.Err(err))
		tmr := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			tmr.Stop()
			err = ctx.Err()
			break attemptLoop
		case <-stopCh:
			tmr.Stop()
			err = ErrStopped
			break attemptLoop
		case <-tmr.C:
		}
	}

	dur := time.Since(start)
	item := HistoryItem{ID: qt.task.ID, Name: qt.task.Name, Started: start, Duration: dur, QueueDelay: queueDelay, Attempts: attempts}
	ev := TaskEvent{ID: qt.task.ID, Name: qt.task.Name, Started: start, QueueDelay: queueDelay, Duration: dur, Attempts: attempts}
	if err != nil {
		item.Error = err.Error()
		ev.Error = item.Error
		log.Warn("task.failed", logx.Err(err), logx.Duration("dur", dur), logx.Int("attempts", attempts), logx.Bool("permanent", IsNoRetry(err)))
		eventbus.Emit(s.bus, EventFailed, ev)
	} else {
		if dur >= 750*time.Millisecond {
			log.Info("task.completed", logx.Duration("dur", dur), logx.Int("attempts", attempts))
		} else {
			log.Debug("task.completed", logx.Duration("dur", dur), logx.Int("attempts", attempts))
		}
		eventbus.Emit(s.bus, EventFinished, ev)
	}

	// Permanent failures say nothing about the downstream's health.
	if !IsNoRetry(err) {
		s.circuitRecordResult(time.Now(), qt.task.Name, cfg, qt.opt, err)
	}
	s.record(cfg, item)
	qt.finish(err)
}

// runOnce executes one attempt, converting panics into errors.
func (s *Service) runOnce(ctx context.Context, qt queuedTask, log logx.Logger) (err error) {
	runCtx := ctx
	if qt.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, qt.timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			log.Error("task.panic", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()
	return qt.task.Run(runCtx)
}

// RetryDelay computes the wait before retry number attempt (1-based).
// A RetryAfter hint on err wins over exponential backoff; both are capped
// by RetryMaxDelay and jittered when rng is non-nil.
func RetryDelay(opt TaskOptions, attempt int, err error, rng *rand.Rand) time.Duration {
	maxD := opt.RetryMaxDelay
	if maxD <= 0 {
		maxD = 15 * time.Second
	}
	var d time.Duration
	var ra RetryAfterError
	if err != nil && errors.As(err, &ra) {
		d = max(ra.RetryAfter(), 0)
	} else {
		d = opt.RetryBase
		if d <= 0 {
			d = 500 * time.Millisecond
		}
		for i := 1; i < attempt && d < maxD; i++ {
			d *= 2
		}
	}
	d = min(d, maxD)

	j := opt.RetryJitter
	if j <= 0 {
		j = 0.2
	}
	if rng != nil && d > 0 {
		r := (rng.Float64()*2 - 1) * j
		d = max(time.Duration(float64(d)*(1+r)), 0)
	}
	return min(d, maxD)
}
