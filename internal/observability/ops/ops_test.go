package ops

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"postdeck/internal/model"
	"postdeck/internal/scanner"
	"postdeck/internal/storage"
	"postdeck/internal/task/engine"
	"postdeck/internal/task/scheduler"
	logx "postdeck/pkg/logx"
)

type fakeScheduler struct{ triggered []string }

func (f *fakeScheduler) Snapshot() scheduler.Snapshot {
	return scheduler.Snapshot{Enabled: true, Timezone: "UTC", Schedules: []scheduler.ScheduleInfo{{Name: "scan.due", Spec: "@every 1m0s"}}}
}

func (f *fakeScheduler) Trigger(name string) error {
	if name != "scan.due" {
		return scheduler.ErrUnknownSchedule
	}
	f.triggered = append(f.triggered, name)
	return nil
}

type fakeScanner struct{}

func (fakeScanner) Last() scanner.Report { return scanner.Report{Claimed: 2, Enqueued: 3} }

type fakeQueue struct{}

func (fakeQueue) Stats(context.Context) (map[string]int, error) {
	return map[string]int{"pending": 4, "dead": 1}, nil
}

func setup(t *testing.T, cfg Config) (*httptest.Server, *storage.Store, *fakeScheduler) {
	t.Helper()
	st, err := storage.Open(storage.Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "ops.db")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	sched := &fakeScheduler{}
	svc := New(cfg, Deps{
		Ledger:    st,
		Ping:      func(ctx context.Context) error { return st.DB().PingContext(ctx) },
		Engine:    engine.New(engine.Config{Enabled: true}, logx.Nop(), nil),
		Queue:     fakeQueue{},
		Scheduler: sched,
		Scanner:   fakeScanner{},
		ScanJob:   "scan.due",
		Started:   time.Now(),
	}, logx.Nop())
	srv := httptest.NewServer(svc.Handler(cfg))
	t.Cleanup(srv.Close)
	return srv, st, sched
}

func do(t *testing.T, method, url, token string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, url, nil)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	var body map[string]any
	if res.Header.Get("Content-Type") == "application/json" {
		require.NoError(t, json.NewDecoder(res.Body).Decode(&body))
	}
	return res, body
}

func TestHealthzIsOpen(t *testing.T) {
	srv, _, _ := setup(t, Config{Token: "s3cret"})
	res, _ := do(t, http.MethodGet, srv.URL+"/healthz", "")
	assert.Equal(t, http.StatusOK, res.StatusCode)
}

func TestTokenRequired(t *testing.T) {
	srv, _, _ := setup(t, Config{Token: "s3cret"})
	res, _ := do(t, http.MethodGet, srv.URL+"/status", "")
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
	res, _ = do(t, http.MethodGet, srv.URL+"/status", "wrong")
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
	res, _ = do(t, http.MethodGet, srv.URL+"/status?token=s3cret", "")
	assert.Equal(t, http.StatusOK, res.StatusCode)
}

func TestStatus(t *testing.T) {
	srv, _, _ := setup(t, Config{})
	res, body := do(t, http.MethodGet, srv.URL+"/status", "")
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, map[string]any{"pending": float64(4), "dead": float64(1)}, body["queue"])
	assert.Equal(t, float64(2), body["last_scan"].(map[string]any)["claimed"])
	assert.Contains(t, body, "engine")
	assert.Contains(t, body, "scheduler")
}

func TestDeliveriesAndRequeue(t *testing.T) {
	srv, st, _ := setup(t, Config{})
	ctx := context.Background()
	require.NoError(t, st.SavePost(ctx, model.Post{ID: "p1", ScheduledAt: time.Now().Add(-time.Hour)}))
	_, ok, err := st.Claim(ctx, "p1", time.Now())
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, st.MarkDispatched(ctx, "p1", "c1", time.Now()))

	res, body := do(t, http.MethodGet, srv.URL+"/posts/p1/deliveries", "")
	require.Equal(t, http.StatusOK, res.StatusCode)
	ds := body["deliveries"].([]any)
	require.Len(t, ds, 1)
	assert.Equal(t, "dispatched", ds[0].(map[string]any)["status"])

	res, _ = do(t, http.MethodPost, srv.URL+"/posts/p1/requeue?at=2030-01-02T15:04:05Z", "")
	require.Equal(t, http.StatusOK, res.StatusCode)
	p, err := st.GetPost(ctx, "p1")
	require.NoError(t, err)
	assert.False(t, p.IsPicked)
	assert.False(t, p.IsDraft)
	assert.True(t, p.ScheduledAt.Equal(time.Date(2030, 1, 2, 15, 4, 5, 0, time.UTC)))

	res, _ = do(t, http.MethodPost, srv.URL+"/posts/p1/requeue", "")
	require.Equal(t, http.StatusOK, res.StatusCode)
	p, err = st.GetPost(ctx, "p1")
	require.NoError(t, err)
	assert.True(t, p.IsDraft)

	res, _ = do(t, http.MethodPost, srv.URL+"/posts/p1/requeue?at=not-a-date", "")
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	res, _ = do(t, http.MethodPost, srv.URL+"/posts/nope/requeue", "")
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestScanTrigger(t *testing.T) {
	srv, _, sched := setup(t, Config{})
	res, _ := do(t, http.MethodPost, srv.URL+"/scan", "")
	assert.Equal(t, http.StatusAccepted, res.StatusCode)
	assert.Equal(t, []string{"scan.due"}, sched.triggered)
}

func TestPprofMountedOnlyWhenEnabled(t *testing.T) {
	srv, _, _ := setup(t, Config{})
	res, _ := do(t, http.MethodGet, srv.URL+"/debug/pprof/", "")
	assert.Equal(t, http.StatusNotFound, res.StatusCode)

	srv, _, _ = setup(t, Config{Pprof: true})
	res, _ = do(t, http.MethodGet, srv.URL+"/debug/pprof/", "")
	assert.Equal(t, http.StatusOK, res.StatusCode)
}

func TestIsLoopbackAddr(t *testing.T) {
	assert.True(t, isLoopbackAddr("127.0.0.1:6060"))
	assert.True(t, isLoopbackAddr("localhost:1"))
	assert.True(t, isLoopbackAddr("[::1]:1"))
	assert.False(t, isLoopbackAddr(":6060"))
	assert.False(t, isLoopbackAddr("0.0.0.0:6060"))
}
