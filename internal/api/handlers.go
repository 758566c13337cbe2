package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/seedprice-pipeline/internal/jobs"
	"github.com/JakeFAU/seedprice-pipeline/internal/pipeline"
)

const cronTimeout = 5 * time.Minute

type scrapeRequest struct {
	Mode      pipeline.JobMode   `json:"mode"`
	PageRange pipeline.PageRange `json:"pageRange"`
}

// submitScrape handles POST /v1/vendors/{vendor_id}/scrape. The body is
// optional; it defaults to a manual run over the vendor's configured pages.
// Returns 202 with the job, 409 with the blocking job when a manual run is
// already in flight, or 429 when the vendor's manual window is exhausted.
func (s *Server) submitScrape(w http.ResponseWriter, r *http.Request) {
	vendorID := chi.URLParam(r, "vendor_id")
	var req scrapeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	ok, err := s.allowManualScrape(r.Context(), w, vendorID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	if !ok {
		writeError(w, http.StatusTooManyRequests, "manual scrape rate limit exceeded")
		return
	}
	job, err := s.deps.Jobs.Submit(r.Context(), jobs.SubmitRequest{
		VendorID:  vendorID,
		Mode:      req.Mode,
		PageRange: req.PageRange,
	})
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.recordManualScrape(r.Context(), vendorID)
	writeJSON(w, http.StatusAccepted, map[string]any{"job": jobs.NewJobView(job)})
}

// listJobs handles GET /v1/jobs?vendor_id=&status=&mode=&limit=&offset=.
func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := parseLimitOffset(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	q := r.URL.Query()
	page, err := s.deps.Jobs.List(r.Context(), jobs.ListRequest{
		VendorID: strings.TrimSpace(q.Get("vendor_id")),
		Status:   pipeline.JobStatus(strings.ToUpper(strings.TrimSpace(q.Get("status")))),
		Mode:     pipeline.JobMode(strings.ToLower(strings.TrimSpace(q.Get("mode")))),
		Limit:    limit,
		Offset:   offset,
	})
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// getJob handles GET /v1/vendors/{vendor_id}/jobs/{job_id}. A job that
// belongs to another vendor is reported as not found.
func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	view, err := s.deps.Jobs.Get(r.Context(), chi.URLParam(r, "vendor_id"), chi.URLParam(r, "job_id"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": view})
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.deps.Jobs.Cancel(r.Context(), chi.URLParam(r, "job_id"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": jobs.NewJobView(job)})
}

func (s *Server) jobStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deps.Scheduler.GetJobStatistics(r.Context())
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) syncSchedule(w http.ResponseWriter, r *http.Request) {
	res, err := s.deps.Scheduler.SyncVendor(r.Context(), chi.URLParam(r, "vendor_id"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// cronScrape handles POST /cron/scrape?scope=all|priority.
func (s *Server) cronScrape(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), cronTimeout)
	defer cancel()
	res, err := s.deps.Jobs.SubmitBatch(ctx, strings.ToLower(strings.TrimSpace(r.URL.Query().Get("scope"))))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) cronSweep(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), cronTimeout)
	defer cancel()
	res, err := s.deps.Maintenance.SweepStale(ctx)
	if err != nil {
		// Partial sweeps still report what they cancelled.
		s.logger.Error("stale sweep incomplete", zap.Error(err), zap.Strings("cancelled", res.Cancelled))
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "sweep incomplete", "result": res})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) cronCleanup(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), cronTimeout)
	defer cancel()
	res, err := s.deps.Maintenance.PurgeOld(ctx)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func parseLimitOffset(r *http.Request) (int, int, error) {
	q := r.URL.Query()
	limit := 0
	if limStr := q.Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		limit = val
	}
	offset := 0
	if offStr := q.Get("offset"); offStr != "" {
		val, err := strconv.Atoi(offStr)
		if err != nil || val < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = val
	}
	return limit, offset, nil
}
