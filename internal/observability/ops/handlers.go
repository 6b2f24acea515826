package ops

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/araddon/dateparse"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"postdeck/internal/model"
	"postdeck/internal/scanner"
	"postdeck/internal/storage"
	"postdeck/internal/task/engine"
	"postdeck/internal/task/scheduler"
	logx "postdeck/pkg/logx"
)

// Deps are the components the API reads from. Nil members are reported as
// absent in /status.
type Deps struct {
	Ledger interface {
		ListDeliveries(ctx context.Context, postID string) ([]model.Delivery, error)
		Requeue(ctx context.Context, id string, at *time.Time) error
	}
	Ping      func(ctx context.Context) error
	Engine    interface{ Snapshot() engine.Snapshot }
	Queue     interface{ Stats(ctx context.Context) (map[string]int, error) }
	Scheduler interface {
		Snapshot() scheduler.Snapshot
		Trigger(name string) error
	}
	Scanner interface{ Last() scanner.Report }

	// ScanJob is the schedule name POST /scan triggers.
	ScanJob string
	Started time.Time
}

// Handler builds the router for cfg. Exposed for tests.
func (s *Service) Handler(cfg Config) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.NoCache)
	r.Use(s.requestLog)

	r.Get("/healthz", s.healthz)
	r.Group(func(r chi.Router) {
		r.Use(bearer(cfg.Token))
		r.Get("/status", s.status)
		r.Get("/posts/{id}/deliveries", s.deliveries)
		r.Post("/posts/{id}/requeue", s.requeue)
		r.Post("/scan", s.scan)
		if cfg.Pprof {
			r.Mount("/debug", middleware.Profiler())
		}
	})
	return r
}

func (s *Service) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		if r.URL.Path == "/healthz" {
			return
		}
		s.log.Debug("ops request",
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", ww.Status()),
			logx.Duration("took", time.Since(start)))
	})
}

func (s *Service) healthz(w http.ResponseWriter, r *http.Request) {
	if s.deps.Ping != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.deps.Ping(ctx); err != nil {
			writeError(w, http.StatusServiceUnavailable, err)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

type statusResponse struct {
	Uptime    string              `json:"uptime,omitempty"`
	Engine    *engine.Snapshot    `json:"engine,omitempty"`
	Queue     map[string]int      `json:"queue,omitempty"`
	QueueErr  string              `json:"queue_error,omitempty"`
	Scheduler *scheduler.Snapshot `json:"scheduler,omitempty"`
	LastScan  *scanner.Report     `json:"last_scan,omitempty"`
}

func (s *Service) status(w http.ResponseWriter, r *http.Request) {
	var resp statusResponse
	if !s.deps.Started.IsZero() {
		resp.Uptime = time.Since(s.deps.Started).Truncate(time.Second).String()
	}
	if s.deps.Engine != nil {
		snap := s.deps.Engine.Snapshot()
		resp.Engine = &snap
	}
	if s.deps.Queue != nil {
		stats, err := s.deps.Queue.Stats(r.Context())
		if err != nil {
			resp.QueueErr = err.Error()
		}
		resp.Queue = stats
	}
	if s.deps.Scheduler != nil {
		snap := s.deps.Scheduler.Snapshot()
		resp.Scheduler = &snap
	}
	if s.deps.Scanner != nil {
		last := s.deps.Scanner.Last()
		resp.LastScan = &last
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Service) deliveries(w http.ResponseWriter, r *http.Request) {
	if s.deps.Ledger == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("ledger not configured"))
		return
	}
	id := chi.URLParam(r, "id")
	ds, err := s.deps.Ledger.ListDeliveries(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if ds == nil {
		ds = []model.Delivery{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"post_id": id, "deliveries": ds})
}

// requeue resets a claimed post. Without ?at= the post goes back to draft;
// with it the post is rescheduled and becomes eligible again.
func (s *Service) requeue(w http.ResponseWriter, r *http.Request) {
	if s.deps.Ledger == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("ledger not configured"))
		return
	}
	id := chi.URLParam(r, "id")
	var at *time.Time
	if raw := strings.TrimSpace(r.URL.Query().Get("at")); raw != "" {
		t, err := dateparse.ParseIn(raw, time.UTC)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		at = &t
	}
	err := s.deps.Ledger.Requeue(r.Context(), id, at)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.log.Info("post requeued via ops", logx.Post(id), logx.Bool("draft", at == nil))
	resp := map[string]any{"post_id": id, "draft": at == nil}
	if at != nil {
		resp["scheduled_at"] = at.UTC()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Service) scan(w http.ResponseWriter, r *http.Request) {
	if s.deps.Scheduler == nil || s.deps.ScanJob == "" {
		writeError(w, http.StatusServiceUnavailable, errors.New("scheduler not configured"))
		return
	}
	switch err := s.deps.Scheduler.Trigger(s.deps.ScanJob); {
	case errors.Is(err, engine.ErrOverlapSkip):
		writeJSON(w, http.StatusConflict, map[string]string{"status": "already running"})
	case err != nil:
		writeError(w, http.StatusServiceUnavailable, err)
	default:
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "triggered"})
	}
}

// bearer accepts "Authorization: Bearer <token>" or ?token=<token>.
func bearer(token string) func(http.Handler) http.Handler {
	tok := strings.TrimSpace(token)
	return func(next http.Handler) http.Handler {
		if tok == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.URL.Query().Get("token")
			if got == "" {
				if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, "Bearer ") {
					got = strings.TrimSpace(strings.TrimPrefix(ah, "Bearer "))
				}
			}
			if got != tok {
				w.Header().Set("WWW-Authenticate", "Bearer")
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
