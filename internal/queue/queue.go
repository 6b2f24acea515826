// Package queue is the delayed, at-least-once publish-task queue.
//
// Two backends exist: the SQL dispatcher in this package, which keeps tasks
// in the ledger database and feeds them to the task engine, and the Redis
// backend in queue/redisq. Both share the retry Policy and the Handler contract.
package queue

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"postdeck/internal/model"
	"postdeck/internal/task/engine"
)

// Queue accepts publish tasks. Enqueue is idempotent per (post, channel):
// a second call while the first instance is pending is a no-op.
type Queue interface {
	Enqueue(ctx context.Context, t model.PublishTask) error
}

// Handler executes one leased task. A nil return acks the task. Errors
// marked with engine.NoRetry bury it, anything else is retried with backoff.
type Handler func(ctx context.Context, t model.PublishTask) error

// BuryFunc is told about tasks that ran out of attempts.
type BuryFunc func(ctx context.Context, t model.PublishTask, err error)

// Runner is a Queue that also consumes what it holds.
type Runner interface {
	Queue
	Start(ctx context.Context) error
	Stop(ctx context.Context)
	Stats(ctx context.Context) (map[string]int, error)
}

// Policy is the retry policy shared by the backends.
type Policy struct {
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	MaxAttempts   int
}

func (p Policy) withDefaults() Policy {
	if p.RetryBase <= 0 {
		p.RetryBase = 30 * time.Second
	}
	if p.RetryMaxDelay <= 0 {
		p.RetryMaxDelay = 30 * time.Minute
	}
	if p.RetryMaxDelay < p.RetryBase {
		p.RetryMaxDelay = p.RetryBase
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 5
	}
	return p
}

// Normalize fills zero fields with defaults.
func (p Policy) Normalize() Policy { return p.withDefaults() }

// Terminal reports whether a failure on the given attempt (1-based) ends the task.
func (p Policy) Terminal(attempt int, err error) bool {
	p = p.withDefaults()
	return engine.IsNoRetry(err) || attempt >= p.MaxAttempts
}

// Backoff is the delay before the attempt after the given one. Rate-limit
// hints carried by err win over the exponential curve.
func (p Policy) Backoff(attempt int, err error, rng *rand.Rand) time.Duration {
	p = p.withDefaults()
	return engine.RetryDelay(engine.TaskOptions{
		RetryBase:     p.RetryBase,
		RetryMaxDelay: p.RetryMaxDelay,
		RetryJitter:   0.2,
	}, attempt, err, rng)
}

// Jitter is a mutex-guarded RNG for backoff computed from many goroutines.
type Jitter struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func NewJitter() *Jitter {
	return &Jitter{rng: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

// Delay is Policy.Backoff with jitter.
func (r *Jitter) Delay(p Policy, attempt int, err error) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return p.Backoff(attempt, err, r.rng)
}
