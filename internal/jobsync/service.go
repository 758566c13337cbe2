// Package jobsync keeps persisted ScrapeJob records consistent with the
// broker. Lifecycle events are applied as guarded transitions as they arrive;
// a periodic sweep cancels non-terminal records that outlived the staleness
// window without a live broker job, and a retention pass bounds table growth.
package jobsync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/seedprice-pipeline/internal/events"
	"github.com/JakeFAU/seedprice-pipeline/internal/metrics"
	"github.com/JakeFAU/seedprice-pipeline/internal/pipeline"
)

// Defaults for Config.
const (
	DefaultStaleAfter         = 30 * time.Minute
	DefaultSweepInterval      = 5 * time.Minute
	DefaultRetentionAge       = 30 * 24 * time.Hour
	DefaultRateLimitRetention = 24 * time.Hour
	DefaultRetentionInterval  = time.Hour
)

// LiveChecker reports whether the broker still owns a job.
type LiveChecker interface {
	IsLive(ctx context.Context, id string) (bool, error)
}

// Config tunes the sweeps.
type Config struct {
	StaleAfter         time.Duration
	SweepInterval      time.Duration
	RetentionAge       time.Duration
	RateLimitRetention time.Duration
	RetentionInterval  time.Duration
}

func (c Config) withDefaults() Config {
	if c.StaleAfter <= 0 {
		c.StaleAfter = DefaultStaleAfter
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	if c.RetentionAge <= 0 {
		c.RetentionAge = DefaultRetentionAge
	}
	if c.RateLimitRetention <= 0 {
		c.RateLimitRetention = DefaultRateLimitRetention
	}
	if c.RetentionInterval <= 0 {
		c.RetentionInterval = DefaultRetentionInterval
	}
	return c
}

// Deps are the service's collaborators. RateLimits may be nil.
type Deps struct {
	Jobs       pipeline.JobStore
	RateLimits pipeline.RateLimitStore
	Broker     LiveChecker
	Clock      pipeline.Clock
	Logger     *zap.Logger
}

// Service reconciles job records with broker state.
type Service struct {
	deps   Deps
	cfg    Config
	logger *zap.Logger
}

// New builds a Service.
func New(deps Deps, cfg Config) (*Service, error) {
	switch {
	case deps.Jobs == nil:
		return nil, errors.New("job store is required")
	case deps.Broker == nil:
		return nil, errors.New("broker is required")
	}
	if deps.Clock == nil {
		deps.Clock = clockFunc(func() time.Time { return time.Now().UTC() })
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Service{deps: deps, cfg: cfg.withDefaults(), logger: deps.Logger.Named("jobsync")}, nil
}

type clockFunc func() time.Time

func (f clockFunc) Now() time.Time { return f() }

// transitionFor maps a scrape-queue lifecycle kind to the record transition it
// implies. The worker writes ACTIVE and terminal statuses itself, so a waiting
// event that lags behind it must not pull an ACTIVE record back; only a stall
// does that.
func transitionFor(evt events.Event) (pipeline.Transition, bool) {
	t := pipeline.Transition{At: evt.TS}
	switch evt.Kind {
	case events.KindWaiting:
		t.To, t.From = pipeline.StatusWaiting, []pipeline.JobStatus{pipeline.StatusCreated, pipeline.StatusDelayed}
	case events.KindStalled:
		t.To, t.From = pipeline.StatusWaiting, []pipeline.JobStatus{pipeline.StatusActive}
		t.ErrorText = evt.Note
	case events.KindDelayed:
		t.To, t.From = pipeline.StatusDelayed, []pipeline.JobStatus{pipeline.StatusCreated, pipeline.StatusWaiting}
	case events.KindRetrying:
		t.To, t.From = pipeline.StatusDelayed, []pipeline.JobStatus{pipeline.StatusActive, pipeline.StatusWaiting}
		t.ErrorText = evt.Note
	case events.KindActive:
		t.To = pipeline.StatusActive
	case events.KindCompleted:
		t.To = pipeline.StatusCompleted
	case events.KindFailed:
		t.To = pipeline.StatusFailed
		t.ErrorText = evt.Note
	case events.KindCancelled:
		t.To = pipeline.StatusCancelled
	default:
		return t, false
	}
	return t, true
}

// Consume implements events.Sink. Only scrape-queue events touch records.
// Transitions are guarded, so redelivered or late events never move a record
// out of a terminal state.
func (s *Service) Consume(ctx context.Context, batch []events.Event) error {
	var errs []error
	for _, evt := range batch {
		if evt.Queue != pipeline.QueueScrape {
			continue
		}
		t, ok := transitionFor(evt)
		if !ok {
			continue
		}
		changed, err := s.deps.Jobs.TransitionJob(ctx, evt.JobID, t)
		switch {
		case errors.Is(err, pipeline.ErrNotFound):
			// Repeat firings get their record when the worker picks them up.
			s.logger.Debug("no record for lifecycle event", zap.String("job_id", evt.JobID), zap.String("kind", string(evt.Kind)))
		case err != nil:
			errs = append(errs, fmt.Errorf("apply %s to %s: %w", evt.Kind, evt.JobID, err))
		case changed:
			s.logger.Debug("job status synced",
				zap.String("job_id", evt.JobID),
				zap.String("kind", string(evt.Kind)),
				zap.String("status", string(t.To)),
			)
		}
	}
	return errors.Join(errs...)
}

// Close implements events.Sink.
func (s *Service) Close(context.Context) error { return nil }

// SweepResult reports SweepStale.
type SweepResult struct {
	Checked   int      `json:"checked"`
	Cancelled []string `json:"cancelled"`
	Live      int      `json:"live"`
}

// SweepStale cancels non-terminal records created before the staleness window
// whose broker job is gone. Records with a live broker job are left alone.
func (s *Service) SweepStale(ctx context.Context) (SweepResult, error) {
	cutoff := s.deps.Clock.Now().Add(-s.cfg.StaleAfter)
	stale, err := s.deps.Jobs.ListStale(ctx, cutoff)
	if err != nil {
		return SweepResult{}, fmt.Errorf("list stale jobs: %w", err)
	}

	res := SweepResult{Checked: len(stale), Cancelled: []string{}}
	var errs []error
	for _, job := range stale {
		live, err := s.deps.Broker.IsLive(ctx, job.ID)
		if err != nil {
			errs = append(errs, fmt.Errorf("check %s: %w", job.ID, err))
			continue
		}
		if live {
			res.Live++
			continue
		}
		changed, err := s.deps.Jobs.TransitionJob(ctx, job.ID, pipeline.Transition{
			To:        pipeline.StatusCancelled,
			From:      []pipeline.JobStatus{job.Status},
			At:        s.deps.Clock.Now(),
			ErrorText: fmt.Sprintf("stale: %s for over %s with no broker job", job.Status, s.cfg.StaleAfter),
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("cancel %s: %w", job.ID, err))
			continue
		}
		if changed {
			res.Cancelled = append(res.Cancelled, job.ID)
			s.logger.Warn("stale job cancelled",
				zap.String("job_id", job.ID),
				zap.String("vendor_id", job.VendorID),
				zap.String("status", string(job.Status)),
				zap.Time("created_at", job.CreatedAt),
			)
		}
	}
	metrics.ObserveStaleSwept(len(res.Cancelled))
	return res, errors.Join(errs...)
}

// PurgeResult reports PurgeOld.
type PurgeResult struct {
	JobsDeleted       int64 `json:"jobsDeleted"`
	RateLimitsDeleted int64 `json:"rateLimitsDeleted"`
}

// PurgeOld deletes finished job records older than the retention age and
// rate-limit records older than their window.
func (s *Service) PurgeOld(ctx context.Context) (PurgeResult, error) {
	now := s.deps.Clock.Now()
	var res PurgeResult
	n, err := s.deps.Jobs.DeleteFinishedBefore(ctx, now.Add(-s.cfg.RetentionAge))
	if err != nil {
		return res, fmt.Errorf("purge jobs: %w", err)
	}
	res.JobsDeleted = n
	if s.deps.RateLimits != nil {
		n, err = s.deps.RateLimits.PurgeBefore(ctx, now.Add(-s.cfg.RateLimitRetention))
		if err != nil {
			return res, fmt.Errorf("purge rate limits: %w", err)
		}
		res.RateLimitsDeleted = n
	}
	s.logger.Info("retention purge finished",
		zap.Int64("jobs_deleted", res.JobsDeleted),
		zap.Int64("rate_limits_deleted", res.RateLimitsDeleted),
	)
	return res, nil
}

// Run sweeps and purges on their intervals until ctx ends.
func (s *Service) Run(ctx context.Context) error {
	sweep := time.NewTicker(s.cfg.SweepInterval)
	defer sweep.Stop()
	purge := time.NewTicker(s.cfg.RetentionInterval)
	defer purge.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sweep.C:
			if _, err := s.SweepStale(ctx); err != nil {
				s.logger.Error("stale sweep failed", zap.Error(err))
			}
		case <-purge.C:
			if _, err := s.PurgeOld(ctx); err != nil {
				s.logger.Error("retention purge failed", zap.Error(err))
			}
		}
	}
}
