// Package scrape implements the scrape queue consumer: it walks a vendor's
// catalog pages through a scraping collaborator, upserts products and hands
// the run's product summaries to the price detector.
package scrape

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/seedprice-pipeline/internal/broker"
	"github.com/JakeFAU/seedprice-pipeline/internal/logging"
	"github.com/JakeFAU/seedprice-pipeline/internal/metrics"
	"github.com/JakeFAU/seedprice-pipeline/internal/pipeline"
	"github.com/JakeFAU/seedprice-pipeline/internal/policy"
)

// DefaultPageCap bounds open-ended runs.
const DefaultPageCap = 50

// ErrVendorBusy defers a manual run while another run for the same vendor is
// crawling. It is retryable, so the broker's backoff schedules the next try.
var ErrVendorBusy = errors.New("another scrape for the vendor is running")

// CancelChecker reports the broker cancellation flag for a job.
type CancelChecker interface {
	IsCancelled(ctx context.Context, id string) (bool, error)
}

// Config tunes the worker.
type Config struct {
	PageCap int
}

// Deps are the worker's collaborators.
type Deps struct {
	Jobs     pipeline.JobStore
	Vendors  pipeline.VendorStore
	Products pipeline.ProductStore
	Scrapers pipeline.ScraperRegistry
	Queue    broker.Enqueuer
	Cancels  CancelChecker
	Clock    pipeline.Clock
	Logger   *zap.Logger
}

// Worker consumes the scrape queue.
type Worker struct {
	deps   Deps
	cfg    Config
	logger *zap.Logger
}

// New validates deps and builds a Worker.
func New(deps Deps, cfg Config) (*Worker, error) {
	switch {
	case deps.Jobs == nil:
		return nil, fmt.Errorf("job store is required")
	case deps.Vendors == nil:
		return nil, fmt.Errorf("vendor store is required")
	case deps.Products == nil:
		return nil, fmt.Errorf("product store is required")
	case deps.Scrapers == nil:
		return nil, fmt.Errorf("scraper registry is required")
	case deps.Queue == nil:
		return nil, fmt.Errorf("queue is required")
	}
	if deps.Clock == nil {
		deps.Clock = clockFunc(func() time.Time { return time.Now().UTC() })
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if cfg.PageCap <= 0 {
		cfg.PageCap = DefaultPageCap
	}
	return &Worker{deps: deps, cfg: cfg, logger: deps.Logger.Named("scrape")}, nil
}

type clockFunc func() time.Time

func (f clockFunc) Now() time.Time { return f() }

// Handler adapts the worker to the broker.
func (w *Worker) Handler() broker.Handler {
	return broker.Handle(w.Handle)
}

// run accumulates one job's progress.
type run struct {
	counters  pipeline.JobCounters
	pages     int
	failed    int
	valid     int
	summaries []pipeline.ProductSummary
	cancelled bool
}

// Handle processes one scrape job. Retryable failures leave the record for the
// broker's retry path; only the final attempt writes FAILED.
func (w *Worker) Handle(ctx context.Context, job broker.Job, p pipeline.ScrapePayload) (pipeline.ScrapeResult, error) {
	log := logging.ForJob(w.logger, job.Queue, job.ID, job.Attempt).With(zap.String("vendor_id", p.VendorID), zap.String("mode", string(p.Mode)))

	record, err := w.ensureRecord(ctx, job, p)
	if err != nil {
		return pipeline.ScrapeResult{}, err
	}
	if record.Status.IsTerminal() {
		log.Info("scrape job already finished; skipping", zap.String("status", string(record.Status)))
		return pipeline.ScrapeResult{Skipped: "already " + string(record.Status)}, nil
	}

	vendor, err := w.deps.Vendors.GetVendor(ctx, p.VendorID)
	if errors.Is(err, pipeline.ErrNotFound) {
		w.finish(ctx, job.ID, pipeline.StatusFailed, err.Error(), nil)
		return pipeline.ScrapeResult{}, broker.Permanent(err)
	}
	if err != nil {
		return pipeline.ScrapeResult{}, fmt.Errorf("load vendor: %w", err)
	}
	if skip, reason := w.shouldSkip(ctx, job.ID, p.Mode, vendor); skip {
		log.Info("scrape job skipped", zap.String("reason", reason))
		w.finish(ctx, job.ID, pipeline.StatusCancelled, reason, nil)
		return pipeline.ScrapeResult{Skipped: reason}, nil
	}
	if p.Mode == pipeline.ModeManual {
		if err := w.waitTurn(ctx, vendor.ID, job.ID); err != nil {
			log.Info("vendor busy; deferring manual run", zap.Error(err))
			return pipeline.ScrapeResult{}, w.fail(ctx, job, nil, err)
		}
	}

	if _, err := w.deps.Jobs.TransitionJob(ctx, job.ID, pipeline.Transition{
		To: pipeline.StatusActive,
		At: w.deps.Clock.Now(),
	}); err != nil {
		log.Warn("mark active failed", zap.Error(err))
	}

	scraper, err := w.deps.Scrapers.ScraperFor(vendor)
	if err != nil {
		return pipeline.ScrapeResult{}, w.fail(ctx, job, nil, fmt.Errorf("resolve scraper: %w", err))
	}

	r, err := w.walk(ctx, log, job, p, vendor, scraper)
	if err != nil {
		return pipeline.ScrapeResult{}, w.fail(ctx, job, r, err)
	}

	result := pipeline.ScrapeResult{Counters: r.counters, PagesProcessed: r.pages, Cancelled: r.cancelled}
	if r.cancelled {
		log.Info("scrape job cancelled between pages", zap.Int("pages", r.pages))
		w.finish(ctx, job.ID, pipeline.StatusCancelled, "cancelled", r)
		return result, nil
	}

	if p.Mode != pipeline.ModeTest && len(r.summaries) > 0 {
		detectJob, err := w.deps.Queue.Enqueue(ctx, pipeline.QueueDetect, pipeline.DetectPayload{
			ScrapeJobID: job.ID,
			VendorID:    vendor.ID,
			VendorName:  vendor.Name,
			Products:    r.summaries,
		}, broker.Options{JobID: "detect:" + job.ID})
		if err != nil {
			return pipeline.ScrapeResult{}, w.fail(ctx, job, r, fmt.Errorf("enqueue detection: %w", err))
		}
		result.DetectJobID = detectJob.ID
	}

	w.finish(ctx, job.ID, pipeline.StatusCompleted, "", r)
	log.Info("scrape job completed",
		zap.Int("pages", r.pages),
		zap.Int("scraped", r.counters.ProductsScraped),
		zap.Int("saved", r.counters.ProductsSaved),
		zap.Int("updated", r.counters.ProductsUpdated),
		zap.Int("errors", r.counters.Errors),
		zap.String("outcome", string(pipeline.Classify(pipeline.ScrapeJob{
			Status: pipeline.StatusCompleted, Counters: r.counters, PagesProcessed: r.pages, PageRange: p.PageRange.Normalize(),
		}))),
	)
	return result, nil
}

// ensureRecord loads the job record, creating it for broker-originated jobs
// such as repeat firings.
func (w *Worker) ensureRecord(ctx context.Context, job broker.Job, p pipeline.ScrapePayload) (pipeline.ScrapeJob, error) {
	record, err := w.deps.Jobs.GetJob(ctx, job.ID)
	if err == nil {
		return record, nil
	}
	if !errors.Is(err, pipeline.ErrNotFound) {
		return pipeline.ScrapeJob{}, fmt.Errorf("load job record: %w", err)
	}
	created := job.CreatedAt
	if created.IsZero() {
		created = w.deps.Clock.Now()
	}
	record = pipeline.ScrapeJob{
		ID:        job.ID,
		VendorID:  p.VendorID,
		Mode:      p.Mode,
		Status:    pipeline.StatusWaiting,
		PageRange: p.PageRange.Normalize(),
		CreatedAt: created,
	}
	if err := w.deps.Jobs.CreateJob(ctx, record); err != nil {
		if errors.Is(err, pipeline.ErrConflict) {
			return pipeline.ScrapeJob{}, broker.Permanent(err)
		}
		return pipeline.ScrapeJob{}, fmt.Errorf("create job record: %w", err)
	}
	return record, nil
}

// shouldSkip retires scheduled runs that have nothing to do: the vendor was
// deactivated, or another run for the vendor is already active.
func (w *Worker) shouldSkip(ctx context.Context, jobID string, mode pipeline.JobMode, vendor pipeline.Vendor) (bool, string) {
	if mode != pipeline.ModeAuto && mode != pipeline.ModeBatch {
		return false, ""
	}
	if !vendor.Active {
		return true, "vendor inactive"
	}
	other, err := w.runningJob(ctx, vendor.ID, jobID)
	if err != nil {
		w.logger.Warn("active job lookup failed", zap.String("vendor_id", vendor.ID), zap.Error(err))
		return false, ""
	}
	if other != nil {
		return true, "superseded by running job " + other.ID
	}
	return false, ""
}

// waitTurn returns ErrVendorBusy while another run for the vendor is ACTIVE.
func (w *Worker) waitTurn(ctx context.Context, vendorID, jobID string) error {
	other, err := w.runningJob(ctx, vendorID, jobID)
	if err != nil {
		w.logger.Warn("active job lookup failed", zap.String("vendor_id", vendorID), zap.Error(err))
		return nil
	}
	if other != nil {
		return fmt.Errorf("%w: %s (%s)", ErrVendorBusy, other.ID, other.Mode)
	}
	return nil
}

func (w *Worker) runningJob(ctx context.Context, vendorID, jobID string) (*pipeline.ScrapeJob, error) {
	jobs, _, err := w.deps.Jobs.ListJobs(ctx, pipeline.JobFilter{VendorID: vendorID, Status: pipeline.StatusActive})
	if err != nil {
		return nil, err
	}
	for i := range jobs {
		if jobs[i].ID != jobID {
			return &jobs[i], nil
		}
	}
	return nil, nil
}

// walk fetches pages in increasing order until the range ends, the vendor
// reports no next page, the page cap is hit, or the job is cancelled.
func (w *Worker) walk(
	ctx context.Context,
	log *zap.Logger,
	job broker.Job,
	p pipeline.ScrapePayload,
	vendor pipeline.Vendor,
	scraper pipeline.CatalogScraper,
) (*run, error) {
	r := &run{}
	pr := p.PageRange.Normalize()
	for page := pr.StartPage; ; page++ {
		if r.pages >= w.cfg.PageCap {
			log.Info("page cap reached", zap.Int("cap", w.cfg.PageCap))
			break
		}
		if w.cancelled(ctx, job.ID) {
			r.cancelled = true
			break
		}
		if err := ctx.Err(); err != nil {
			return r, err
		}

		result, err := scraper.ScrapeCatalogPage(ctx, vendor, page)
		if errors.Is(err, policy.ErrDisallowed) {
			log.Debug("page disallowed by robots.txt; stopping", zap.Int("page", page))
			break
		}
		r.pages++
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return r, ctxErr
			}
			if errors.Is(err, pipeline.ErrVendorUnreachable) && r.pages == 1 {
				return r, err
			}
			r.failed++
			r.counters.Errors++
			log.Warn("page failed", zap.Int("page", page), zap.Error(err))
			if errors.Is(err, pipeline.ErrVendorUnreachable) || pr.EndPage == 0 || page >= pr.EndPage {
				break
			}
			w.progress(ctx, job.ID, r)
			continue
		}

		w.save(ctx, log, job.ID, p.Mode, vendor, result.Products, r)
		w.progress(ctx, job.ID, r)

		if pr.EndPage > 0 && page >= pr.EndPage {
			break
		}
		if !result.HasNextPage {
			break
		}
	}

	if r.pages > 0 && r.failed == r.pages {
		return r, fmt.Errorf("all %d pages failed", r.pages)
	}
	if r.counters.ProductsScraped > 0 && r.valid == 0 {
		return r, fmt.Errorf("none of %d scraped products could be saved", r.counters.ProductsScraped)
	}
	return r, nil
}

func (w *Worker) save(ctx context.Context, log *zap.Logger, jobID string, mode pipeline.JobMode, vendor pipeline.Vendor, raws []pipeline.RawProduct, r *run) {
	now := w.deps.Clock.Now()
	for _, raw := range raws {
		r.counters.ProductsScraped++
		product, err := pipeline.NormalizeProduct(vendor.ID, raw, now)
		if err != nil {
			r.counters.Errors++
			metrics.ObserveProduct(vendor.ID, "invalid")
			log.Warn("invalid product", zap.String("name", raw.Name), zap.Error(err))
			continue
		}
		product.ScrapeJobID = jobID
		if mode == pipeline.ModeTest {
			r.valid++
			metrics.ObserveProduct(vendor.ID, "test")
			continue
		}
		res, err := w.deps.Products.UpsertProduct(ctx, product)
		if err != nil {
			r.counters.Errors++
			metrics.ObserveProduct(vendor.ID, "error")
			log.Warn("upsert product failed", zap.String("slug", product.Slug), zap.Error(err))
			continue
		}
		r.valid++
		switch res.Outcome {
		case pipeline.UpsertCreated:
			r.counters.ProductsSaved++
			metrics.ObserveProduct(vendor.ID, "created")
		case pipeline.UpsertUpdated:
			r.counters.ProductsUpdated++
			metrics.ObserveProduct(vendor.ID, "updated")
		default:
			metrics.ObserveProduct(vendor.ID, "unchanged")
		}
		r.summaries = append(r.summaries, pipeline.ProductSummary{
			ID:       res.ProductID,
			Name:     product.Name,
			Slug:     product.Slug,
			Pricings: product.Pricings,
		})
	}
}

func (w *Worker) cancelled(ctx context.Context, jobID string) bool {
	if w.deps.Cancels != nil {
		if flagged, err := w.deps.Cancels.IsCancelled(ctx, jobID); err == nil && flagged {
			return true
		}
	}
	record, err := w.deps.Jobs.GetJob(ctx, jobID)
	return err == nil && record.Status == pipeline.StatusCancelled
}

func (w *Worker) progress(ctx context.Context, jobID string, r *run) {
	if err := w.deps.Jobs.RecordProgress(ctx, jobID, r.counters, r.pages); err != nil {
		w.logger.Warn("record progress failed", zap.String("job_id", jobID), zap.Error(err))
	}
}

// fail records progress and, on the last attempt, the FAILED status.
func (w *Worker) fail(ctx context.Context, job broker.Job, r *run, err error) error {
	if r != nil {
		w.progress(ctx, job.ID, r)
	}
	if broker.IsPermanent(err) || job.Attempt >= job.MaxAttempts {
		w.finish(ctx, job.ID, pipeline.StatusFailed, err.Error(), r)
	}
	w.logger.Error("scrape job failed",
		zap.String("job_id", job.ID),
		zap.Int("attempt", job.Attempt),
		zap.Int("max_attempts", job.MaxAttempts),
		zap.Error(err),
	)
	return err
}

func (w *Worker) finish(ctx context.Context, jobID string, status pipeline.JobStatus, reason string, r *run) {
	t := pipeline.Transition{To: status, At: w.deps.Clock.Now(), ErrorText: reason}
	if r != nil {
		counters, pages := r.counters, r.pages
		t.Counters, t.PagesProcessed = &counters, &pages
	}
	if _, err := w.deps.Jobs.TransitionJob(ctx, jobID, t); err != nil {
		w.logger.Warn("write final status failed", zap.String("job_id", jobID), zap.String("status", string(status)), zap.Error(err))
	}
}
