package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"postdeck/internal/model"
	logx "postdeck/pkg/logx"
)

func openTestStore(t *testing.T, path string) *Store {
	t.Helper()
	if path == "" {
		path = filepath.Join(t.TempDir(), "ledger.db")
	}
	st, err := Open(Config{Driver: "sqlite", Path: path, BusyTimeout: 10 * time.Second}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func seedPost(t *testing.T, st *Store, id string, at time.Time, draft bool) model.Post {
	t.Helper()
	p := model.Post{
		ID:          id,
		TeamID:      "team",
		Content:     "hello " + id,
		ScheduledAt: at,
		IsDraft:     draft,
		Media:       []model.Attachment{{ID: "m1", Name: "a.png", FileType: "image/png", Size: 10, Path: "a.png"}},
	}
	require.NoError(t, st.SavePost(context.Background(), p))
	return p
}

func TestPostRoundTrip(t *testing.T) {
	st := openTestStore(t, "")
	ctx := context.Background()
	at := time.Now().Add(-time.Minute).Truncate(time.Millisecond)
	seedPost(t, st, "p1", at, false)

	got, err := st.GetPost(ctx, "p1")
	require.NoError(t, err)
	assert.True(t, got.ScheduledAt.Equal(at))
	assert.Equal(t, model.ReviewPending, got.ReviewStatus)
	require.Len(t, got.Media, 1)
	assert.True(t, got.Media[0].IsImage())

	_, err = st.GetPost(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, st.DeletePost(ctx, "p1"))
	assert.ErrorIs(t, st.DeletePost(ctx, "p1"), ErrNotFound)
}

func TestClaimDueSelectsEligibleOnly(t *testing.T) {
	st := openTestStore(t, "")
	ctx := context.Background()
	now := time.Now()
	seedPost(t, st, "due", now.Add(-time.Minute), false)
	seedPost(t, st, "draft", now.Add(-time.Minute), true)
	seedPost(t, st, "future", now.Add(time.Hour), false)

	claimed, err := st.ClaimDue(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, "due", claimed[0].ID)
	assert.True(t, claimed[0].IsPicked)

	again, err := st.ClaimDue(ctx, now, 10)
	require.NoError(t, err)
	assert.Empty(t, again)

	_, ok, err := st.Claim(ctx, "due", now)
	require.NoError(t, err)
	assert.False(t, ok, "already picked")

	p, ok, err := st.Claim(ctx, "future", now.Add(2*time.Hour))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "future", p.ID)
}

func TestClaimDueAtMostOnceAcrossStores(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	a := openTestStore(t, path)
	b := openTestStore(t, path)
	ctx := context.Background()
	now := time.Now()

	const posts = 60
	for i := 0; i < posts; i++ {
		seedPost(t, a, fmt.Sprintf("p%02d", i), now.Add(-time.Duration(i)*time.Second), false)
	}

	var (
		mu   sync.Mutex
		seen = map[string]int{}
		wg   sync.WaitGroup
	)
	for w := 0; w < 8; w++ {
		st := a
		if w%2 == 1 {
			st = b
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				got, err := st.ClaimDue(ctx, now, 3)
				if !assert.NoError(t, err) || len(got) == 0 {
					return
				}
				mu.Lock()
				for _, p := range got {
					seen[p.ID]++
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, posts)
	for id, n := range seen {
		assert.Equal(t, 1, n, "post %s claimed %d times", id, n)
	}
}

func TestTargetsUseChannelOverride(t *testing.T) {
	st := openTestStore(t, "")
	ctx := context.Background()
	at := time.Now().Truncate(time.Millisecond)
	p := seedPost(t, st, "p1", at, false)
	require.NoError(t, st.SaveChannel(ctx, model.Channel{ID: "fb", Platform: model.Facebook, AccountID: "page"}))
	require.NoError(t, st.SaveChannel(ctx, model.Channel{ID: "ig", Platform: model.Instagram, AccountID: "user"}))

	later := at.Add(10 * time.Minute)
	require.NoError(t, st.AttachChannel(ctx, "p1", "fb", nil))
	require.NoError(t, st.AttachChannel(ctx, "p1", "ig", &later))
	require.NoError(t, st.AttachChannel(ctx, "p1", "gone", nil))

	targets, err := st.Targets(ctx, p)
	require.NoError(t, err)
	require.Len(t, targets, 3)

	byID := map[string]model.Target{}
	for _, tg := range targets {
		byID[tg.ChannelID] = tg
	}
	assert.Equal(t, model.Facebook, byID["fb"].Platform)
	assert.True(t, byID["fb"].ScheduledAt.Equal(at))
	assert.True(t, byID["ig"].ScheduledAt.Equal(later))
	assert.Equal(t, model.Platform(""), byID["gone"].Platform)

	ch, err := st.GetChannel(ctx, "fb")
	require.NoError(t, err)
	assert.Equal(t, "page", ch.AccountID)
	_, err = st.GetChannel(ctx, "gone")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRequeue(t *testing.T) {
	st := openTestStore(t, "")
	ctx := context.Background()
	now := time.Now()
	seedPost(t, st, "p1", now.Add(-time.Minute), false)
	_, err := st.ClaimDue(ctx, now, 10)
	require.NoError(t, err)

	require.NoError(t, st.Requeue(ctx, "p1", nil))
	p, err := st.GetPost(ctx, "p1")
	require.NoError(t, err)
	assert.True(t, p.IsDraft)
	assert.False(t, p.IsPicked)

	at := now.Add(time.Minute)
	require.NoError(t, st.Requeue(ctx, "p1", &at))
	p, err = st.GetPost(ctx, "p1")
	require.NoError(t, err)
	assert.False(t, p.IsDraft)
	assert.True(t, p.Eligible(at))

	assert.ErrorIs(t, st.Requeue(ctx, "nope", nil), ErrNotFound)
}

func TestMarkDispatchedKeepsSuccess(t *testing.T) {
	st := openTestStore(t, "")
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, st.MarkDispatched(ctx, "p1", "c1", now))
	d, err := st.GetDelivery(ctx, "p1", "c1")
	require.NoError(t, err)
	assert.Equal(t, model.DeliveryDispatched, d.Status)

	require.NoError(t, st.RecordDelivery(ctx, model.Delivery{
		PostID: "p1", ChannelID: "c1", Status: model.DeliverySucceeded, Attempts: 1,
		PlatformPostID: "x", IdempotencyKey: "k", PublishedAt: now,
	}))
	require.NoError(t, st.MarkDispatched(ctx, "p1", "c1", now.Add(time.Minute)))

	d, err = st.GetDelivery(ctx, "p1", "c1")
	require.NoError(t, err)
	assert.Equal(t, model.DeliverySucceeded, d.Status)
	assert.Equal(t, "x", d.PlatformPostID)
	assert.False(t, d.DispatchedAt.IsZero(), "dispatch time survives the outcome write")

	list, err := st.ListDeliveries(ctx, "p1")
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestMarkDispatchedKeepsLaterOutcome(t *testing.T) {
	st := openTestStore(t, "")
	ctx := context.Background()
	scanAt := time.Now().Add(-time.Second)

	// The queue ran the task before the scanner got to mark it.
	require.NoError(t, st.RecordDelivery(ctx, model.Delivery{
		PostID: "p1", ChannelID: "ig", Status: model.DeliveryFailed, Attempts: 1,
		ErrorKind: "validation", ErrorMessage: "media required",
	}))
	require.NoError(t, st.MarkDispatched(ctx, "p1", "ig", scanAt))

	d, err := st.GetDelivery(ctx, "p1", "ig")
	require.NoError(t, err)
	assert.Equal(t, model.DeliveryFailed, d.Status)
	assert.Equal(t, "validation", d.ErrorKind)
	assert.Equal(t, "media required", d.ErrorMessage)

	// A later scan (requeue) resets the stale outcome.
	require.NoError(t, st.MarkDispatched(ctx, "p1", "ig", time.Now().Add(time.Minute)))
	d, err = st.GetDelivery(ctx, "p1", "ig")
	require.NoError(t, err)
	assert.Equal(t, model.DeliveryDispatched, d.Status)
	assert.Empty(t, d.ErrorKind)
}

func TestListStalled(t *testing.T) {
	st := openTestStore(t, "")
	ctx := context.Background()
	now := time.Now()
	seedPost(t, st, "p1", now.Add(-time.Hour), false)
	require.NoError(t, st.AttachChannel(ctx, "p1", "a", nil))
	require.NoError(t, st.AttachChannel(ctx, "p1", "b", nil))
	_, err := st.ClaimDue(ctx, now.Add(-30*time.Minute), 10)
	require.NoError(t, err)
	require.NoError(t, st.MarkDispatched(ctx, "p1", "a", now))

	stalled, err := st.ListStalled(ctx, now.Add(-10*time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, stalled, 1)
	assert.Equal(t, "b", stalled[0].ChannelID)

	none, err := st.ListStalled(ctx, now.Add(-time.Hour+time.Second), 10)
	require.NoError(t, err)
	assert.Empty(t, none, "picked after cutoff")
}

func TestQueueLifecycle(t *testing.T) {
	st := openTestStore(t, "")
	ctx := context.Background()
	now := time.Now()
	task := model.PublishTask{PostID: "p1", ChannelID: "c1", Platform: model.Twitter, NotBefore: now.Add(time.Minute)}

	ok, err := st.Enqueue(ctx, task)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = st.Enqueue(ctx, task)
	require.NoError(t, err)
	assert.False(t, ok, "duplicate key is a no-op while pending")

	got, err := st.Lease(ctx, "w1", now, time.Minute, 10)
	require.NoError(t, err)
	assert.Empty(t, got, "not due yet")

	later := now.Add(2 * time.Minute)
	got, err = st.Lease(ctx, "w1", later, time.Minute, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 1, got[0].Attempt)
	assert.Equal(t, model.Twitter, got[0].Platform)

	assert.ErrorIs(t, st.Ack(ctx, task.Key(), "w2"), ErrLeaseLost)

	require.NoError(t, st.Retry(ctx, task.Key(), "w1", later, "boom"))
	it, err := st.GetQueueItem(ctx, task.Key())
	require.NoError(t, err)
	assert.Equal(t, QueuePending, it.Status)
	assert.Equal(t, "boom", it.LastError)

	got, err = st.Lease(ctx, "w1", later, time.Minute, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 2, got[0].Attempt)

	require.NoError(t, st.Defer(ctx, task.Key(), "w1", later))
	got, err = st.Lease(ctx, "w1", later, time.Minute, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 2, got[0].Attempt, "deferral does not consume an attempt")

	require.NoError(t, st.Ack(ctx, task.Key(), "w1"))
	ok, err = st.Enqueue(ctx, task)
	require.NoError(t, err)
	assert.True(t, ok, "finished rows can be enqueued again")

	got, err = st.Lease(ctx, "w1", later, time.Minute, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.NoError(t, st.Bury(ctx, task.Key(), "w1", "auth"))

	stats, err := st.QueueStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats[QueueDead])
}

func TestReapExpiredLeases(t *testing.T) {
	st := openTestStore(t, "")
	ctx := context.Background()
	now := time.Now()
	_, err := st.Enqueue(ctx, model.PublishTask{PostID: "p", ChannelID: "c", NotBefore: now})
	require.NoError(t, err)
	got, err := st.Lease(ctx, "w1", now, time.Second, 1)
	require.NoError(t, err)
	require.Len(t, got, 1)

	n, err := st.ReapExpired(ctx, now)
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = st.ReapExpired(ctx, now.Add(2*time.Second))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err = st.Lease(ctx, "w2", now.Add(2*time.Second), time.Second, 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
}

func TestRebind(t *testing.T) {
	q := "SELECT a FROM t WHERE x = ? AND y IN (?, ?)"
	assert.Equal(t, q, sqliteDialect.rebind(q))
	assert.Equal(t, "SELECT a FROM t WHERE x = $1 AND y IN ($2, $3)", postgresDialect.rebind(q))
}
