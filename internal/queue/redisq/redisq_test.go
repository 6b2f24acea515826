package redisq

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"postdeck/internal/model"
	"postdeck/internal/queue"
	"postdeck/internal/task/engine"
	logx "postdeck/pkg/logx"
)

func newTestQueue(t *testing.T, h queue.Handler) *Queue {
	t.Helper()
	// Clients connect lazily, nothing listens here.
	q := New(Config{Addr: "127.0.0.1:1", Policy: queue.Policy{MaxAttempts: 4}}, h, nil, logx.Nop(), nil)
	t.Cleanup(func() { q.Stop(context.Background()) })
	return q
}

func TestOptions(t *testing.T) {
	q := newTestQueue(t, nil)
	tk := model.PublishTask{PostID: "p1", ChannelID: "c1", NotBefore: time.Now().Add(time.Hour)}

	seen := map[asynq.OptionType]any{}
	for _, o := range q.options(tk) {
		seen[o.Type()] = o.Value()
	}
	assert.Equal(t, "p1:c1", seen[asynq.TaskIDOpt])
	assert.Equal(t, "publish", seen[asynq.QueueOpt])
	assert.Equal(t, 3, seen[asynq.MaxRetryOpt])
	require.Contains(t, seen, asynq.ProcessInOpt)
	assert.InDelta(t, time.Hour, seen[asynq.ProcessInOpt], float64(time.Minute))

	tk.NotBefore = time.Now().Add(-time.Minute)
	seen = map[asynq.OptionType]any{}
	for _, o := range q.options(tk) {
		seen[o.Type()] = o.Value()
	}
	assert.NotContains(t, seen, asynq.ProcessInOpt, "past tasks run immediately")
}

func TestProcess(t *testing.T) {
	var got model.PublishTask
	perm := errors.New("bad token")
	q := newTestQueue(t, func(_ context.Context, tk model.PublishTask) error {
		got = tk
		if tk.ChannelID == "bad" {
			return engine.NoRetry(perm)
		}
		return nil
	})

	payload, err := json.Marshal(model.PublishTask{PostID: "p1", ChannelID: "c1", Platform: model.Twitter})
	require.NoError(t, err)
	require.NoError(t, q.process(context.Background(), asynq.NewTask(TypePublish, payload)))
	assert.Equal(t, "p1", got.PostID)
	assert.Equal(t, 1, got.Attempt)

	payload, err = json.Marshal(model.PublishTask{PostID: "p1", ChannelID: "bad"})
	require.NoError(t, err)
	err = q.process(context.Background(), asynq.NewTask(TypePublish, payload))
	assert.ErrorIs(t, err, asynq.SkipRetry)
	assert.ErrorIs(t, err, perm)

	err = q.process(context.Background(), asynq.NewTask(TypePublish, []byte("{")))
	assert.ErrorIs(t, err, asynq.SkipRetry)
}

func TestRetryDelayHonoursHint(t *testing.T) {
	q := newTestQueue(t, nil)
	d := q.retryDelay(0, engine.RetryAfter(errors.New("429"), 20*time.Second), nil)
	assert.InDelta(t, 20*time.Second, d, float64(5*time.Second))

	d = q.retryDelay(2, errors.New("503"), nil)
	assert.InDelta(t, 2*time.Minute, d, float64(30*time.Second))
}
