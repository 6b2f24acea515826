package scanner

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"postdeck/internal/model"
	"postdeck/internal/platform"
	"postdeck/internal/platform/instagram"
	"postdeck/internal/publish"
	"postdeck/internal/storage"
	logx "postdeck/pkg/logx"
)

type fakeQueue struct {
	mu       sync.Mutex
	tasks    map[string]model.PublishTask
	calls    map[string]int
	failFor  map[string]int // channel id -> remaining failures (-1 = forever)
	enqueued int
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{tasks: map[string]model.PublishTask{}, calls: map[string]int{}, failFor: map[string]int{}}
}

func (q *fakeQueue) Enqueue(_ context.Context, t model.PublishTask) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.calls[t.ChannelID]++
	if n, ok := q.failFor[t.ChannelID]; ok && n != 0 {
		if n > 0 {
			q.failFor[t.ChannelID] = n - 1
		}
		return errors.New("queue unavailable")
	}
	q.tasks[t.Key()] = t
	q.enqueued++
	return nil
}

func (q *fakeQueue) task(post, channel string) (model.PublishTask, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.tasks[model.TaskKey(post, channel)]
	return t, ok
}

func openStore(t *testing.T) *storage.Store {
	t.Helper()
	st, err := storage.Open(storage.Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "ledger.db")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func seed(t *testing.T, st *storage.Store, id string, at time.Time, channels map[string]*time.Time) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, st.SavePost(ctx, model.Post{ID: id, Content: "post " + id, ScheduledAt: at}))
	for ch, override := range channels {
		require.NoError(t, st.SaveChannel(ctx, model.Channel{ID: ch, Platform: model.Twitter}))
		require.NoError(t, st.AttachChannel(ctx, id, ch, override))
	}
}

func TestScanFansOutPerChannel(t *testing.T) {
	st := openStore(t)
	q := newFakeQueue()
	s := New(Config{}, st, q, logx.Nop(), nil)

	now := time.Now().Truncate(time.Millisecond)
	later := now.Add(2 * time.Hour)
	seed(t, st, "p1", now.Add(-time.Minute), map[string]*time.Time{"a": nil, "b": nil, "c": &later})
	seed(t, st, "future", now.Add(time.Hour), map[string]*time.Time{"a": nil})

	rep, err := s.Scan(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, Report{Claimed: 1, Enqueued: 3}, rep)
	assert.Equal(t, rep, s.Last())

	for _, ch := range []string{"a", "b"} {
		tk, ok := q.task("p1", ch)
		require.True(t, ok, ch)
		assert.True(t, tk.NotBefore.Equal(now), "past channel time is dispatched now")
		assert.Equal(t, model.Twitter, tk.Platform)
	}
	tk, ok := q.task("p1", "c")
	require.True(t, ok)
	assert.True(t, tk.NotBefore.Equal(later), "per-channel override delays the task")

	d, err := st.GetDelivery(context.Background(), "p1", "a")
	require.NoError(t, err)
	assert.Equal(t, model.DeliveryDispatched, d.Status)

	// Claimed exactly once.
	rep, err = s.Scan(context.Background(), now)
	require.NoError(t, err)
	assert.Zero(t, rep.Claimed)
	assert.Equal(t, 3, q.enqueued)
}

func TestScanWalksBatches(t *testing.T) {
	st := openStore(t)
	q := newFakeQueue()
	s := New(Config{BatchSize: 2, Parallelism: 2}, st, q, logx.Nop(), nil)
	now := time.Now()
	for i := 0; i < 5; i++ {
		seed(t, st, fmt.Sprintf("p%d", i), now.Add(-time.Minute), map[string]*time.Time{"a": nil})
	}
	rep, err := s.Scan(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, 5, rep.Claimed)
	assert.Equal(t, 5, rep.Enqueued)

	s.Apply(Config{BatchSize: 1, MaxBatches: 1})
	seed(t, st, "x1", now.Add(-time.Minute), map[string]*time.Time{"a": nil})
	seed(t, st, "x2", now.Add(-time.Minute), map[string]*time.Time{"a": nil})
	rep, err = s.Scan(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Claimed, "max batches bounds a run")
}

func TestEnqueueRetriedInRun(t *testing.T) {
	st := openStore(t)
	q := newFakeQueue()
	q.failFor["a"] = 2
	s := New(Config{EnqueueRetries: 2, RetryDelay: time.Millisecond}, st, q, logx.Nop(), nil)
	now := time.Now()
	seed(t, st, "p1", now.Add(-time.Minute), map[string]*time.Time{"a": nil})

	rep, err := s.Scan(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Enqueued)
	assert.Equal(t, 3, q.calls["a"])
}

func TestFailureIsolationAndRecover(t *testing.T) {
	st := openStore(t)
	q := newFakeQueue()
	q.failFor["bad"] = -1
	s := New(Config{EnqueueRetries: -1, StallAfter: 10 * time.Minute}, st, q, logx.Nop(), nil)
	now := time.Now()
	seed(t, st, "p1", now.Add(-time.Minute), map[string]*time.Time{"good": nil, "bad": nil})
	seed(t, st, "p2", now.Add(-time.Minute), map[string]*time.Time{"good": nil})

	rep, err := s.Scan(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, Report{Claimed: 2, Enqueued: 2, Failed: 1}, rep)
	_, ok := q.task("p1", "good")
	assert.True(t, ok)
	_, err = st.GetDelivery(context.Background(), "p1", "bad")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	// Too early: nothing is stalled yet.
	rep, err = s.Recover(context.Background(), now)
	require.NoError(t, err)
	assert.Zero(t, rep.Enqueued+rep.Failed)

	q.mu.Lock()
	delete(q.failFor, "bad")
	q.mu.Unlock()
	rep, err = s.Recover(context.Background(), now.Add(11*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, Report{Claimed: 1, Enqueued: 1}, rep)
	_, ok = q.task("p1", "bad")
	assert.True(t, ok)

	rep, err = s.Recover(context.Background(), now.Add(12*time.Minute))
	require.NoError(t, err)
	assert.Zero(t, rep.Enqueued, "dispatched channels are not recovered twice")
}

// immediateQueue runs each task as soon as it is enqueued, like a queue
// whose worker picks up a due task before the scanner returns.
type immediateQueue struct {
	run func(context.Context, model.PublishTask) error
}

func (q immediateQueue) Enqueue(ctx context.Context, t model.PublishTask) error {
	t.Attempt = 1
	_ = q.run(ctx, t)
	return nil
}

func TestOutcomeWrittenBeforeMarkSurvives(t *testing.T) {
	st := openStore(t)
	ctx := context.Background()
	exec := publish.New(publish.Config{}, st,
		platform.NewRegistry(instagram.New(platform.EndpointConfig{BaseURL: "http://127.0.0.1:1"})),
		nil, logx.Nop(), nil)
	s := New(Config{}, st, immediateQueue{run: exec.Run}, logx.Nop(), nil)

	now := time.Now()
	require.NoError(t, st.SavePost(ctx, model.Post{ID: "p1", Content: "no media", ScheduledAt: now.Add(-time.Minute)}))
	require.NoError(t, st.SaveChannel(ctx, model.Channel{ID: "ig", Platform: model.Instagram, AccountID: "ig-1",
		Credentials: model.Credentials{AccessToken: "tok"}}))
	require.NoError(t, st.AttachChannel(ctx, "p1", "ig", nil))

	rep, err := s.Scan(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Enqueued)

	d, err := st.GetDelivery(ctx, "p1", "ig")
	require.NoError(t, err)
	assert.Equal(t, model.DeliveryFailed, d.Status)
	assert.Equal(t, string(platform.KindValidation), d.ErrorKind)
	assert.NotEmpty(t, d.ErrorMessage)
}
