package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "postdeck/pkg/logx"
)

func startEngine(t *testing.T, cfg Config) *Service {
	t.Helper()
	cfg.Enabled = true
	s := New(cfg, logx.Nop(), nil)
	s.Start(context.Background())
	t.Cleanup(func() { s.Stop(context.Background()) })
	return s
}

func waitDone(t *testing.T, ch <-chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("task did not finish")
		return nil
	}
}

func TestSubmitRunsAndReportsDone(t *testing.T) {
	s := startEngine(t, Config{Workers: 2, QueueSize: 4})
	done := make(chan error, 1)
	var runs atomic.Int32
	require.NoError(t, s.Submit(context.Background(), Task{
		Name: "ok",
		Run:  func(context.Context) error { runs.Add(1); return nil },
		Done: func(err error) { done <- err },
	}))
	assert.NoError(t, waitDone(t, done))
	assert.EqualValues(t, 1, runs.Load())
}

func TestRetriesUntilSuccess(t *testing.T) {
	s := startEngine(t, Config{Workers: 1, RetryMax: 3})
	done := make(chan error, 1)
	var runs atomic.Int32
	require.NoError(t, s.Submit(context.Background(), Task{
		Name: "flaky",
		Opt:  TaskOptions{RetryBase: time.Millisecond, RetryMaxDelay: 5 * time.Millisecond},
		Run: func(context.Context) error {
			if runs.Add(1) < 3 {
				return errors.New("boom")
			}
			return nil
		},
		Done: func(err error) { done <- err },
	}))
	assert.NoError(t, waitDone(t, done))
	assert.EqualValues(t, 3, runs.Load())
}

func TestNoRetryStopsImmediately(t *testing.T) {
	s := startEngine(t, Config{Workers: 1, RetryMax: 5})
	done := make(chan error, 1)
	var runs atomic.Int32
	perm := errors.New("bad input")
	require.NoError(t, s.Submit(context.Background(), Task{
		Name: "perm",
		Run:  func(context.Context) error { runs.Add(1); return NoRetry(perm) },
		Done: func(err error) { done <- err },
	}))
	err := waitDone(t, done)
	assert.ErrorIs(t, err, perm)
	assert.True(t, IsNoRetry(err))
	assert.EqualValues(t, 1, runs.Load())
}

func TestNegativeRetryMaxDisablesRetries(t *testing.T) {
	s := startEngine(t, Config{Workers: 1, RetryMax: 5})
	done := make(chan error, 1)
	var runs atomic.Int32
	require.NoError(t, s.Submit(context.Background(), Task{
		Name: "once",
		Opt:  TaskOptions{RetryMax: -1},
		Run:  func(context.Context) error { runs.Add(1); return errors.New("x") },
		Done: func(err error) { done <- err },
	}))
	assert.Error(t, waitDone(t, done))
	assert.EqualValues(t, 1, runs.Load())
}

func TestPanicBecomesError(t *testing.T) {
	s := startEngine(t, Config{Workers: 1})
	done := make(chan error, 1)
	require.NoError(t, s.Submit(context.Background(), Task{
		Name: "panics",
		Opt:  TaskOptions{RetryMax: -1},
		Run:  func(context.Context) error { panic("oops") },
		Done: func(err error) { done <- err },
	}))
	err := waitDone(t, done)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "oops")
}

func TestCircuitOpensAfterFailures(t *testing.T) {
	s := startEngine(t, Config{Workers: 1, CircuitTripFailures: 2, CircuitBaseDelay: time.Minute})
	fail := func() {
		done := make(chan error, 1)
		require.NoError(t, s.Submit(context.Background(), Task{
			Name: "publish.twitter",
			Opt:  TaskOptions{RetryMax: -1},
			Run:  func(context.Context) error { return errors.New("503") },
			Done: func(err error) { done <- err },
		}))
		waitDone(t, done)
	}
	fail()
	fail()

	err := s.Submit(context.Background(), Task{Name: "publish.twitter", Run: func(context.Context) error { return nil }})
	assert.ErrorIs(t, err, ErrCircuitOpen)
	var coe *CircuitOpenError
	require.ErrorAs(t, err, &coe)
	assert.True(t, coe.Until.After(time.Now()))

	// Other names are unaffected.
	assert.NoError(t, s.Submit(context.Background(), Task{Name: "publish.facebook", Run: func(context.Context) error { return nil }}))
}

func TestPermanentFailuresDoNotTripCircuit(t *testing.T) {
	s := startEngine(t, Config{Workers: 1, CircuitTripFailures: 1})
	done := make(chan error, 1)
	require.NoError(t, s.Submit(context.Background(), Task{
		Name: "publish.instagram",
		Run:  func(context.Context) error { return NoRetry(errors.New("no media")) },
		Done: func(err error) { done <- err },
	}))
	waitDone(t, done)
	assert.NoError(t, s.Submit(context.Background(), Task{Name: "publish.instagram", Run: func(context.Context) error { return nil }}))
}

func TestOverlapSkip(t *testing.T) {
	s := startEngine(t, Config{Workers: 1})
	release := make(chan struct{})
	started := make(chan struct{})
	job := Task{
		Name: "scan",
		Opt:  TaskOptions{Overlap: OverlapSkipIfRunning},
		Run: func(context.Context) error {
			close(started)
			<-release
			return nil
		},
	}
	require.NoError(t, s.Submit(context.Background(), job))
	<-started
	assert.ErrorIs(t, s.Submit(context.Background(), job), ErrOverlapSkip)
	close(release)
}

func TestDisabledAndStopped(t *testing.T) {
	s := New(Config{}, logx.Nop(), nil)
	assert.ErrorIs(t, s.Submit(context.Background(), Task{Name: "x", Run: func(context.Context) error { return nil }}), ErrDisabled)

	s = New(Config{Enabled: true}, logx.Nop(), nil)
	assert.ErrorIs(t, s.Enqueue(Task{Name: "x", Run: func(context.Context) error { return nil }}), ErrStopped)
	assert.Zero(t, s.Capacity())
}

func TestStopReportsQueuedTasks(t *testing.T) {
	cfg := Config{Enabled: true, Workers: 1, QueueSize: 4}
	s := New(cfg, logx.Nop(), nil)
	s.Start(context.Background())

	block := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, s.Submit(context.Background(), Task{Name: "busy", Run: func(ctx context.Context) error {
		close(started)
		select {
		case <-block:
		case <-ctx.Done():
		}
		return ctx.Err()
	}}))
	<-started

	done := make(chan error, 1)
	require.NoError(t, s.Submit(context.Background(), Task{
		Name: "queued",
		Run:  func(context.Context) error { return nil },
		Done: func(err error) { done <- err },
	}))
	s.Stop(context.Background())
	close(block)
	assert.ErrorIs(t, waitDone(t, done), ErrStopped)
}

func TestRetryDelay(t *testing.T) {
	opt := TaskOptions{RetryBase: time.Second, RetryMaxDelay: 10 * time.Second}
	assert.Equal(t, time.Second, RetryDelay(opt, 1, errors.New("x"), nil))
	assert.Equal(t, 4*time.Second, RetryDelay(opt, 3, errors.New("x"), nil))
	assert.Equal(t, 10*time.Second, RetryDelay(opt, 9, errors.New("x"), nil))
	assert.Equal(t, 7*time.Second, RetryDelay(opt, 1, RetryAfter(errors.New("429"), 7*time.Second), nil))
	assert.Equal(t, 10*time.Second, RetryDelay(opt, 1, RetryAfter(errors.New("429"), time.Hour), nil))

	d, ok := RetryAfterHint(NoRetry(RetryAfter(errors.New("x"), 3*time.Second)))
	assert.True(t, ok)
	assert.Equal(t, 3*time.Second, d)
}

func TestNextLimit(t *testing.T) {
	base := loadSignals{limit: 2, max: 8, queueCp: 100}

	sig := base
	sig.queueLen = 90
	got, reason := nextLimit(sig)
	assert.EqualValues(t, 4, got)
	assert.Equal(t, "backlog", reason)

	sig = base
	sig.goroutines = 5000
	got, _ = nextLimit(sig)
	assert.EqualValues(t, 1, got)

	sig = base
	sig.idleTicks = 3
	got, reason = nextLimit(sig)
	assert.EqualValues(t, 1, got)
	assert.Equal(t, "idle", reason)

	sig = base
	got, _ = nextLimit(sig)
	assert.EqualValues(t, 2, got)
}
