package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/seedprice-pipeline/internal/autoscrape"
	"github.com/JakeFAU/seedprice-pipeline/internal/jobs"
	"github.com/JakeFAU/seedprice-pipeline/internal/jobsync"
	"github.com/JakeFAU/seedprice-pipeline/internal/metrics"
	"github.com/JakeFAU/seedprice-pipeline/internal/pipeline"
)

// Defaults for Config.
const (
	DefaultRequestTimeout   = 60 * time.Second
	DefaultManualRateLimit  = 10
	DefaultManualRateWindow = time.Hour
)

// JobService is the job submission and query surface.
type JobService interface {
	Submit(ctx context.Context, req jobs.SubmitRequest) (pipeline.ScrapeJob, error)
	SubmitBatch(ctx context.Context, scope string) (jobs.BatchResult, error)
	Cancel(ctx context.Context, jobID string) (pipeline.ScrapeJob, error)
	List(ctx context.Context, req jobs.ListRequest) (jobs.Page, error)
	Get(ctx context.Context, vendorID, jobID string) (jobs.JobView, error)
}

// Scheduler is the auto-scrape surface.
type Scheduler interface {
	SyncVendor(ctx context.Context, vendorID string) (autoscrape.SyncResult, error)
	GetJobStatistics(ctx context.Context) (autoscrape.Statistics, error)
}

// Maintenance is the reconciliation surface triggered by cron.
type Maintenance interface {
	SweepStale(ctx context.Context) (jobsync.SweepResult, error)
	PurgeOld(ctx context.Context) (jobsync.PurgeResult, error)
}

// Config controls auth and request limits.
type Config struct {
	CronSecret       string
	AdminAPIKey      string
	RequestTimeout   time.Duration
	ManualRateLimit  int
	ManualRateWindow time.Duration
}

// Deps are the server's collaborators. RateLimits and Ready may be nil.
type Deps struct {
	Jobs        JobService
	Scheduler   Scheduler
	Maintenance Maintenance
	RateLimits  pipeline.RateLimitStore
	Clock       pipeline.Clock
	Ready       func(ctx context.Context) error
	Logger      *zap.Logger
}

// Server wires HTTP handlers to the pipeline services.
type Server struct {
	router chi.Router
	deps   Deps
	cfg    Config
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(deps Deps, cfg Config) (*Server, error) {
	switch {
	case deps.Jobs == nil:
		return nil, errors.New("job service is required")
	case deps.Scheduler == nil:
		return nil, errors.New("scheduler is required")
	case deps.Maintenance == nil:
		return nil, errors.New("maintenance service is required")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Clock == nil {
		deps.Clock = clockFunc(func() time.Time { return time.Now().UTC() })
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.ManualRateLimit <= 0 {
		cfg.ManualRateLimit = DefaultManualRateLimit
	}
	if cfg.ManualRateWindow <= 0 {
		cfg.ManualRateWindow = DefaultManualRateWindow
	}
	s := &Server{deps: deps, cfg: cfg, logger: deps.Logger.Named("api")}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(cfg.RequestTimeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if cfg.AdminAPIKey != "" {
			r.Use(apiKeyMiddleware(cfg.AdminAPIKey))
		}
		r.Route("/jobs", func(r chi.Router) {
			r.Get("/", s.listJobs)
			r.Get("/stats", s.jobStats)
			r.Post("/{job_id}/cancel", s.cancelJob)
		})
		r.Route("/vendors/{vendor_id}", func(r chi.Router) {
			r.Get("/jobs/{job_id}", s.getJob)
			r.Post("/scrape", s.submitScrape)
			r.Post("/schedule/sync", s.syncSchedule)
		})
	})

	r.Route("/cron", func(r chi.Router) {
		r.Use(cronAuthMiddleware(cfg.CronSecret, s.logger))
		r.Post("/scrape", s.cronScrape)
		r.Post("/sweep", s.cronSweep)
		r.Post("/cleanup", s.cronCleanup)
	})

	s.router = r
	return s, nil
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

type clockFunc func() time.Time

func (f clockFunc) Now() time.Time { return f() }

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.deps.Ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()
		if err := s.deps.Ready(ctx); err != nil {
			s.logger.Warn("readiness check failed", zap.Error(err))
			writeError(w, http.StatusServiceUnavailable, "not ready")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// writeServiceError maps pipeline errors onto status codes. Conflicts carry
// the blocking job so callers can poll it instead of retrying.
func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	var conflict *pipeline.ConflictError
	var invalid *pipeline.ValidationError
	switch {
	case errors.As(err, &conflict):
		writeJSON(w, http.StatusConflict, map[string]string{
			"error":          err.Error(),
			"vendorId":       conflict.VendorID,
			"blockingJobId":  conflict.BlockingJobID,
			"blockingStatus": string(conflict.BlockingStatus),
		})
	case errors.As(err, &invalid):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error(), "field": invalid.Field})
	case errors.Is(err, pipeline.ErrInvalidPayload):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, pipeline.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, pipeline.ErrConflict):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, pipeline.ErrUnauthorized):
		writeError(w, http.StatusUnauthorized, "unauthorized")
	default:
		s.logger.Error("request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			zap.String("request_id", requestID(r.Context())),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("error", rec), zap.String("path", r.URL.Path))
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
