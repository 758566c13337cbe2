package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/seedprice-pipeline/internal/pipeline"
)

// JobStore is an in-memory pipeline.JobStore.
type JobStore struct {
	mu   sync.RWMutex
	jobs map[string]pipeline.ScrapeJob
}

// NewJobStore constructs a JobStore.
func NewJobStore() *JobStore {
	return &JobStore{jobs: make(map[string]pipeline.ScrapeJob)}
}

// CreateJob stores a new job, enforcing one non-terminal manual job per vendor.
func (s *JobStore) CreateJob(_ context.Context, job pipeline.ScrapeJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	if job.Mode == pipeline.ModeManual {
		for _, other := range s.jobs {
			if other.VendorID == job.VendorID && other.Mode == pipeline.ModeManual && !other.Status.IsTerminal() {
				return &pipeline.ConflictError{VendorID: job.VendorID, BlockingJobID: other.ID, BlockingStatus: other.Status}
			}
		}
	}
	s.jobs[job.ID] = job
	return nil
}

// GetJob fetches a job by ID.
func (s *JobStore) GetJob(_ context.Context, jobID string) (pipeline.ScrapeJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return pipeline.ScrapeJob{}, fmt.Errorf("job %s: %w", jobID, pipeline.ErrNotFound)
	}
	return job, nil
}

// TransitionJob applies a guarded status change.
func (s *JobStore) TransitionJob(_ context.Context, jobID string, t pipeline.Transition) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return false, fmt.Errorf("job %s: %w", jobID, pipeline.ErrNotFound)
	}
	from := t.From
	if from == nil {
		from = pipeline.AllowedFrom(t.To)
	}
	if !contains(from, job.Status) {
		return false, nil
	}

	at := t.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	job.Status = t.To
	if t.ErrorText != "" {
		job.ErrorText = t.ErrorText
	}
	if t.Counters != nil {
		job.Counters = *t.Counters
	}
	if t.PagesProcessed != nil {
		job.PagesProcessed = *t.PagesProcessed
	}
	if t.To == pipeline.StatusActive && job.StartedAt == nil {
		job.StartedAt = &at
	}
	if t.To.IsTerminal() {
		job.CompletedAt = &at
		if job.StartedAt != nil {
			ms := at.Sub(*job.StartedAt).Milliseconds()
			job.DurationMs = &ms
		}
	}
	s.jobs[jobID] = job
	return true, nil
}

// RecordProgress overwrites counters on a non-terminal job.
func (s *JobStore) RecordProgress(_ context.Context, jobID string, counters pipeline.JobCounters, pages int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return fmt.Errorf("job %s: %w", jobID, pipeline.ErrNotFound)
	}
	if job.Status.IsTerminal() {
		return nil
	}
	job.Counters = counters
	job.PagesProcessed = pages
	s.jobs[jobID] = job
	return nil
}

// FindActiveJob returns the newest non-terminal job for vendorID.
func (s *JobStore) FindActiveJob(_ context.Context, vendorID, excludeID string) (*pipeline.ScrapeJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var found *pipeline.ScrapeJob
	for _, job := range s.jobs {
		if job.VendorID != vendorID || job.ID == excludeID || job.Status.IsTerminal() {
			continue
		}
		if found == nil || job.CreatedAt.After(found.CreatedAt) {
			j := job
			found = &j
		}
	}
	return found, nil
}

// ListJobs returns jobs newest first with the total before paging.
func (s *JobStore) ListJobs(_ context.Context, filter pipeline.JobFilter) ([]pipeline.ScrapeJob, int, error) {
	s.mu.RLock()
	matched := make([]pipeline.ScrapeJob, 0, len(s.jobs))
	for _, job := range s.jobs {
		if filter.VendorID != "" && job.VendorID != filter.VendorID {
			continue
		}
		if filter.Status != "" && job.Status != filter.Status {
			continue
		}
		if filter.Mode != "" && job.Mode != filter.Mode {
			continue
		}
		matched = append(matched, job)
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID > matched[j].ID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})
	total := len(matched)
	start := min(filter.Offset, total)
	end := total
	if filter.Limit > 0 {
		end = min(start+filter.Limit, total)
	}
	return matched[start:end], total, nil
}

// ListStale returns non-terminal jobs created before cutoff.
func (s *JobStore) ListStale(_ context.Context, cutoff time.Time) ([]pipeline.ScrapeJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []pipeline.ScrapeJob
	for _, job := range s.jobs {
		if !job.Status.IsTerminal() && job.CreatedAt.Before(cutoff) {
			out = append(out, job)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// DeleteFinishedBefore removes terminal jobs created before cutoff.
func (s *JobStore) DeleteFinishedBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, job := range s.jobs {
		if job.Status.IsTerminal() && job.CreatedAt.Before(cutoff) {
			delete(s.jobs, id)
			n++
		}
	}
	return n, nil
}

// Stats aggregates counts by status and outcome.
func (s *JobStore) Stats(context.Context) (pipeline.JobStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stats := pipeline.NewJobStats()
	for _, job := range s.jobs {
		stats.Add(job.Status, pipeline.ZeroYield(job), 1)
	}
	return stats, nil
}

func contains(list []pipeline.JobStatus, s pipeline.JobStatus) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
