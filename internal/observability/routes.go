package observability

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"jobrunner/internal/scheduler"
	"jobrunner/internal/storage"
	logx "jobrunner/pkg/logx"
)

// JobSource is the part of the scheduler the ops API drives.
type JobSource interface {
	StatsSource
	Cancel(id string) bool
}

// RunSource reads run history.
type RunSource interface {
	RecentRuns(ctx context.Context, q storage.RunQuery) ([]storage.RunRecord, error)
}

// Deps are the ops server's collaborators. Runs and Metrics may be nil.
type Deps struct {
	Jobs    JobSource
	Runs    RunSource
	Metrics *Metrics
}

func (s *Server) router(cur Config) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.requestLog)

	// Liveness stays public so supervisors can probe without the token.
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Group(func(r chi.Router) {
		r.Use(bearerAuth(cur.Token))

		r.Route("/jobs", func(r chi.Router) {
			r.Get("/", s.handleListJobs())
			r.Get("/{id}", s.handleGetJob())
			r.Delete("/{id}", s.handleCancelJob())
		})
		r.Get("/runs", s.handleListRuns())

		if m := s.deps.Metrics; m != nil {
			r.Handle("/metrics", promhttp.HandlerFor(m.Registry(), promhttp.HandlerOpts{}))
		}
		if cur.Profiler {
			r.Mount("/debug", middleware.Profiler())
		}
	})
	return r
}

func (s *Server) handleListJobs() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		if s.deps.Jobs == nil {
			http.Error(w, "scheduler unavailable", http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, http.StatusOK, s.deps.Jobs.Stats())
	}
}

func (s *Server) handleGetJob() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.deps.Jobs == nil {
			http.Error(w, "scheduler unavailable", http.StatusServiceUnavailable)
			return
		}
		id := chi.URLParam(r, "id")
		for _, j := range s.deps.Jobs.Stats().Jobs {
			if j.ID == id {
				writeJSON(w, http.StatusOK, j)
				return
			}
		}
		http.Error(w, "job not found", http.StatusNotFound)
	}
}

func (s *Server) handleCancelJob() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.deps.Jobs == nil {
			http.Error(w, "scheduler unavailable", http.StatusServiceUnavailable)
			return
		}
		id := chi.URLParam(r, "id")
		if !s.deps.Jobs.Cancel(id) {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}
		s.log.Info("job cancelled via ops api", logx.String("job_id", id))
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) handleListRuns() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.deps.Runs == nil {
			http.Error(w, "run history disabled", http.StatusNotFound)
			return
		}
		q := storage.RunQuery{
			Name:    strings.TrimSpace(r.URL.Query().Get("name")),
			Outcome: strings.TrimSpace(r.URL.Query().Get("outcome")),
		}
		if raw := r.URL.Query().Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 0 {
				http.Error(w, "invalid limit", http.StatusBadRequest)
				return
			}
			q.Limit = n
		}
		runs, err := s.deps.Runs.RecentRuns(r.Context(), q)
		if err != nil {
			s.log.Warn("run history query failed", logx.Err(err))
			http.Error(w, "run history unavailable", http.StatusInternalServerError)
			return
		}
		if runs == nil {
			runs = []storage.RunRecord{}
		}
		writeJSON(w, http.StatusOK, runs)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// bearerAuth accepts "Authorization: Bearer <token>" or ?token=<token>.
// An empty token disables the check.
func bearerAuth(token string) func(http.Handler) http.Handler {
	tok := strings.TrimSpace(token)
	return func(next http.Handler) http.Handler {
		if tok == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.URL.Query().Get("token")
			if got == "" {
				if after, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
					got = strings.TrimSpace(after)
				}
			}
			if got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(tok)) != 1 {
				w.Header().Set("WWW-Authenticate", "Bearer")
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Debug("ops request",
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", ww.Status()),
			logx.Duration("took", time.Since(start)),
		)
	})
}

var _ JobSource = (*scheduler.Scheduler)(nil)
