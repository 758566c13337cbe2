// Package jobs is the submission and query side of scrape jobs: it creates the
// persisted record before the broker job, enforces the one-live-manual-job
// rule, cancels jobs and pages through history for the admin surface.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/seedprice-pipeline/internal/broker"
	"github.com/JakeFAU/seedprice-pipeline/internal/pipeline"
)

// Paging limits for List.
const (
	DefaultLimit = 20
	MaxLimit     = 100
)

// Queue is the broker surface the service needs.
type Queue interface {
	broker.Enqueuer
	Cancel(ctx context.Context, id string) error
}

// Deps are the service's collaborators.
type Deps struct {
	Jobs    pipeline.JobStore
	Vendors pipeline.VendorStore
	Queue   Queue
	IDs     pipeline.IDGenerator
	Clock   pipeline.Clock
	Logger  *zap.Logger
}

// Service submits, cancels and lists scrape jobs.
type Service struct {
	deps   Deps
	logger *zap.Logger
}

// NewService validates deps.
func NewService(deps Deps) (*Service, error) {
	switch {
	case deps.Jobs == nil:
		return nil, errors.New("job store is required")
	case deps.Vendors == nil:
		return nil, errors.New("vendor store is required")
	case deps.Queue == nil:
		return nil, errors.New("queue is required")
	case deps.IDs == nil:
		return nil, errors.New("id generator is required")
	}
	if deps.Clock == nil {
		deps.Clock = clockFunc(func() time.Time { return time.Now().UTC() })
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Service{deps: deps, logger: deps.Logger.Named("jobs")}, nil
}

type clockFunc func() time.Time

func (f clockFunc) Now() time.Time { return f() }

// SubmitRequest asks for one scrape of one vendor.
type SubmitRequest struct {
	VendorID  string             `json:"vendorId"`
	Mode      pipeline.JobMode   `json:"mode"`
	PageRange pipeline.PageRange `json:"pageRange"`
}

// Submit records and enqueues a scrape job. A manual job for a vendor that
// already has a non-terminal manual job fails with *pipeline.ConflictError and
// nothing is enqueued.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (pipeline.ScrapeJob, error) {
	if req.Mode == "" {
		req.Mode = pipeline.ModeManual
	}
	payload := pipeline.ScrapePayload{VendorID: req.VendorID, Mode: req.Mode, PageRange: req.PageRange.Normalize()}
	if err := payload.Validate(); err != nil {
		return pipeline.ScrapeJob{}, err
	}
	if _, err := s.deps.Vendors.GetVendor(ctx, req.VendorID); err != nil {
		return pipeline.ScrapeJob{}, fmt.Errorf("load vendor: %w", err)
	}
	return s.submit(ctx, payload)
}

func (s *Service) submit(ctx context.Context, payload pipeline.ScrapePayload) (pipeline.ScrapeJob, error) {
	id, err := s.deps.IDs.NewID()
	if err != nil {
		return pipeline.ScrapeJob{}, fmt.Errorf("generate job id: %w", err)
	}
	record := pipeline.ScrapeJob{
		ID:        id,
		VendorID:  payload.VendorID,
		Mode:      payload.Mode,
		Status:    pipeline.StatusCreated,
		PageRange: payload.PageRange,
		CreatedAt: s.deps.Clock.Now(),
	}
	if err := s.deps.Jobs.CreateJob(ctx, record); err != nil {
		var conflict *pipeline.ConflictError
		if errors.As(err, &conflict) {
			return pipeline.ScrapeJob{}, err
		}
		return pipeline.ScrapeJob{}, fmt.Errorf("create job record: %w", err)
	}

	if _, err := s.deps.Queue.Enqueue(ctx, pipeline.QueueScrape, payload, broker.Options{JobID: id}); err != nil {
		if _, terr := s.deps.Jobs.TransitionJob(ctx, id, pipeline.Transition{
			To:        pipeline.StatusFailed,
			At:        s.deps.Clock.Now(),
			ErrorText: "enqueue failed: " + err.Error(),
		}); terr != nil {
			s.logger.Warn("mark unqueued job failed", zap.String("job_id", id), zap.Error(terr))
		}
		return pipeline.ScrapeJob{}, fmt.Errorf("enqueue scrape: %w", err)
	}

	// The worker may already have claimed the job; the guard keeps ACTIVE.
	if _, err := s.deps.Jobs.TransitionJob(ctx, id, pipeline.Transition{
		To:   pipeline.StatusWaiting,
		From: []pipeline.JobStatus{pipeline.StatusCreated},
		At:   s.deps.Clock.Now(),
	}); err != nil {
		s.logger.Warn("mark job waiting failed", zap.String("job_id", id), zap.Error(err))
	}
	s.logger.Info("scrape job submitted",
		zap.String("job_id", id),
		zap.String("vendor_id", payload.VendorID),
		zap.String("mode", string(payload.Mode)),
	)
	return s.deps.Jobs.GetJob(ctx, id)
}

// Batch scopes.
const (
	ScopeAll      = "all"
	ScopePriority = "priority"
)

// BatchItem is one vendor's outcome in a batch submission.
type BatchItem struct {
	VendorID      string `json:"vendorId"`
	JobID         string `json:"jobId,omitempty"`
	BlockingJobID string `json:"blockingJobId,omitempty"`
	Reason        string `json:"reason,omitempty"`
}

// BatchResult summarizes SubmitBatch.
type BatchResult struct {
	Scope    string      `json:"scope"`
	Enqueued []BatchItem `json:"enqueued"`
	Skipped  []BatchItem `json:"skipped"`
	Failed   []BatchItem `json:"failed"`
}

// SubmitBatch enqueues a batch scrape for every active vendor, or only the
// priority ones. Vendors that already have a live job are skipped.
func (s *Service) SubmitBatch(ctx context.Context, scope string) (BatchResult, error) {
	if scope == "" {
		scope = ScopeAll
	}
	if scope != ScopeAll && scope != ScopePriority {
		return BatchResult{}, &pipeline.ValidationError{Field: "scope", Reason: "must be all or priority"}
	}
	vendors, err := s.deps.Vendors.ListActiveVendors(ctx)
	if err != nil {
		return BatchResult{}, fmt.Errorf("list vendors: %w", err)
	}

	res := BatchResult{Scope: scope, Enqueued: []BatchItem{}, Skipped: []BatchItem{}, Failed: []BatchItem{}}
	for _, v := range vendors {
		if scope == ScopePriority && !v.Priority {
			continue
		}
		live, err := s.deps.Jobs.FindActiveJob(ctx, v.ID, "")
		if err != nil {
			res.Failed = append(res.Failed, BatchItem{VendorID: v.ID, Reason: err.Error()})
			continue
		}
		if live != nil {
			res.Skipped = append(res.Skipped, BatchItem{
				VendorID:      v.ID,
				BlockingJobID: live.ID,
				Reason:        fmt.Sprintf("%s job is %s", live.Mode, live.Status),
			})
			continue
		}
		job, err := s.submit(ctx, pipeline.ScrapePayload{VendorID: v.ID, Mode: pipeline.ModeBatch, PageRange: pipeline.PageRange{StartPage: 1}})
		if err != nil {
			res.Failed = append(res.Failed, BatchItem{VendorID: v.ID, Reason: err.Error()})
			continue
		}
		res.Enqueued = append(res.Enqueued, BatchItem{VendorID: v.ID, JobID: job.ID})
	}
	s.logger.Info("batch submitted",
		zap.String("scope", scope),
		zap.Int("enqueued", len(res.Enqueued)),
		zap.Int("skipped", len(res.Skipped)),
		zap.Int("failed", len(res.Failed)),
	)
	return res, nil
}

// Cancel marks a job CANCELLED and flags it in the broker so a running worker
// stops between pages. Finished jobs cannot be cancelled.
func (s *Service) Cancel(ctx context.Context, jobID string) (pipeline.ScrapeJob, error) {
	job, err := s.deps.Jobs.GetJob(ctx, jobID)
	if err != nil {
		return pipeline.ScrapeJob{}, err
	}
	if job.Status.IsTerminal() {
		return pipeline.ScrapeJob{}, fmt.Errorf("job %s is already %s: %w", jobID, job.Status, pipeline.ErrConflict)
	}
	changed, err := s.deps.Jobs.TransitionJob(ctx, jobID, pipeline.Transition{
		To:        pipeline.StatusCancelled,
		At:        s.deps.Clock.Now(),
		ErrorText: "cancelled by administrator",
	})
	if err != nil {
		return pipeline.ScrapeJob{}, fmt.Errorf("cancel job record: %w", err)
	}
	if err := s.deps.Queue.Cancel(ctx, jobID); err != nil && !errors.Is(err, broker.ErrJobNotFound) {
		s.logger.Warn("broker cancel failed", zap.String("job_id", jobID), zap.Error(err))
	}
	job, err = s.deps.Jobs.GetJob(ctx, jobID)
	if err != nil {
		return pipeline.ScrapeJob{}, err
	}
	if !changed && job.Status != pipeline.StatusCancelled {
		return pipeline.ScrapeJob{}, fmt.Errorf("job %s finished as %s: %w", jobID, job.Status, pipeline.ErrConflict)
	}
	s.logger.Info("scrape job cancelled", zap.String("job_id", jobID), zap.String("vendor_id", job.VendorID))
	return job, nil
}

// ListRequest filters and pages List.
type ListRequest struct {
	VendorID string
	Status   pipeline.JobStatus
	Mode     pipeline.JobMode
	Limit    int
	Offset   int
}

// Pagination is the envelope every list response carries.
type Pagination struct {
	Total   int  `json:"total"`
	Limit   int  `json:"limit"`
	Offset  int  `json:"offset"`
	HasMore bool `json:"hasMore"`
}

// JobView is a job with its derived classification.
type JobView struct {
	pipeline.ScrapeJob
	Outcome pipeline.Outcome `json:"outcome"`
}

// NewJobView classifies job.
func NewJobView(job pipeline.ScrapeJob) JobView {
	return JobView{ScrapeJob: job, Outcome: pipeline.Classify(job)}
}

// Page is one page of jobs.
type Page struct {
	Jobs       []JobView  `json:"jobs"`
	Pagination Pagination `json:"pagination"`
}

// List returns jobs newest first. Limit defaults to DefaultLimit and is capped
// at MaxLimit.
func (s *Service) List(ctx context.Context, req ListRequest) (Page, error) {
	if req.Status != "" && !req.Status.Valid() {
		return Page{}, &pipeline.ValidationError{Field: "status", Reason: "unknown status " + string(req.Status)}
	}
	if req.Mode != "" && !req.Mode.Valid() {
		return Page{}, &pipeline.ValidationError{Field: "mode", Reason: "unknown mode " + string(req.Mode)}
	}
	switch {
	case req.Limit <= 0:
		req.Limit = DefaultLimit
	case req.Limit > MaxLimit:
		req.Limit = MaxLimit
	}
	req.Offset = max(req.Offset, 0)

	jobs, total, err := s.deps.Jobs.ListJobs(ctx, pipeline.JobFilter{
		VendorID: req.VendorID,
		Status:   req.Status,
		Mode:     req.Mode,
		Limit:    req.Limit,
		Offset:   req.Offset,
	})
	if err != nil {
		return Page{}, fmt.Errorf("list jobs: %w", err)
	}
	views := make([]JobView, 0, len(jobs))
	for _, j := range jobs {
		views = append(views, NewJobView(j))
	}
	return Page{
		Jobs: views,
		Pagination: Pagination{
			Total:   total,
			Limit:   req.Limit,
			Offset:  req.Offset,
			HasMore: req.Offset+len(jobs) < total,
		},
	}, nil
}

// Get fetches one job by its composite key. A job that belongs to another
// vendor is reported as not found.
func (s *Service) Get(ctx context.Context, vendorID, jobID string) (JobView, error) {
	job, err := s.deps.Jobs.GetJob(ctx, jobID)
	if err != nil {
		return JobView{}, err
	}
	if job.VendorID != vendorID {
		return JobView{}, fmt.Errorf("job %s for vendor %s: %w", jobID, vendorID, pipeline.ErrNotFound)
	}
	return NewJobView(job), nil
}
