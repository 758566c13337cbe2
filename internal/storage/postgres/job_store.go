package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/JakeFAU/seedprice-pipeline/internal/pipeline"
)

const (
	jobColumns = `id, vendor_id, mode, status, start_page, end_page,
	products_scraped, products_saved, products_updated, errors, pages_processed,
	created_at, started_at, completed_at, duration_ms, error_text`

	singleFlightIndex = "scrape_jobs_manual_single_flight"
	uniqueViolation   = "23505"
)

// JobStore persists scrape jobs in the scrape_jobs table.
type JobStore struct {
	db DB
}

// NewJobStore wraps db.
func NewJobStore(db DB) (*JobStore, error) {
	if db == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &JobStore{db: db}, nil
}

// CreateJob inserts a job. The partial unique index on manual jobs turns a
// concurrent duplicate into a *pipeline.ConflictError.
func (s *JobStore) CreateJob(ctx context.Context, job pipeline.ScrapeJob) error {
	query := `
INSERT INTO scrape_jobs (id, vendor_id, mode, status, start_page, end_page, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err := s.db.Exec(ctx, query,
		job.ID,
		job.VendorID,
		string(job.Mode),
		string(job.Status),
		job.PageRange.StartPage,
		job.PageRange.EndPage,
		job.CreatedAt,
	)
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation && pgErr.ConstraintName == singleFlightIndex {
		conflict := &pipeline.ConflictError{VendorID: job.VendorID}
		blocking, findErr := s.findManual(ctx, job.VendorID)
		if findErr == nil && blocking != nil {
			conflict.BlockingJobID = blocking.ID
			conflict.BlockingStatus = blocking.Status
		}
		return conflict
	}
	return fmt.Errorf("insert scrape job: %w", err)
}

func (s *JobStore) findManual(ctx context.Context, vendorID string) (*pipeline.ScrapeJob, error) {
	query := `SELECT ` + jobColumns + ` FROM scrape_jobs
WHERE vendor_id = $1 AND mode = 'manual' AND status = ANY($2::text[])
LIMIT 1`
	job, err := scanJob(s.db.QueryRow(ctx, query, vendorID, statusStrings(pipeline.NonTerminalStatuses)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// GetJob fetches a job by ID.
func (s *JobStore) GetJob(ctx context.Context, jobID string) (pipeline.ScrapeJob, error) {
	query := `SELECT ` + jobColumns + ` FROM scrape_jobs WHERE id = $1`
	job, err := scanJob(s.db.QueryRow(ctx, query, jobID))
	if errors.Is(err, pgx.ErrNoRows) {
		return pipeline.ScrapeJob{}, fmt.Errorf("job %s: %w", jobID, pipeline.ErrNotFound)
	}
	if err != nil {
		return pipeline.ScrapeJob{}, fmt.Errorf("get scrape job: %w", err)
	}
	return job, nil
}

// TransitionJob applies a guarded status change in a single UPDATE.
func (s *JobStore) TransitionJob(ctx context.Context, jobID string, t pipeline.Transition) (bool, error) {
	from := t.From
	if from == nil {
		from = pipeline.AllowedFrom(t.To)
	}
	at := t.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	var scraped, saved, updated, errs *int
	if t.Counters != nil {
		scraped, saved, updated, errs = &t.Counters.ProductsScraped, &t.Counters.ProductsSaved,
			&t.Counters.ProductsUpdated, &t.Counters.Errors
	}
	query := `
UPDATE scrape_jobs SET
	status = $2::text,
	error_text = CASE WHEN $3::text = '' THEN error_text ELSE $3::text END,
	products_scraped = COALESCE($4::int, products_scraped),
	products_saved = COALESCE($5::int, products_saved),
	products_updated = COALESCE($6::int, products_updated),
	errors = COALESCE($7::int, errors),
	pages_processed = COALESCE($8::int, pages_processed),
	started_at = CASE WHEN $2::text = 'ACTIVE' THEN COALESCE(started_at, $9::timestamptz) ELSE started_at END,
	completed_at = CASE WHEN $10::boolean THEN $9::timestamptz ELSE completed_at END,
	duration_ms = CASE WHEN $10::boolean AND started_at IS NOT NULL
		THEN (EXTRACT(EPOCH FROM ($9::timestamptz - started_at)) * 1000)::bigint
		ELSE duration_ms END
WHERE id = $1 AND status = ANY($11::text[])`
	tag, err := s.db.Exec(ctx, query,
		jobID,
		string(t.To),
		t.ErrorText,
		scraped,
		saved,
		updated,
		errs,
		t.PagesProcessed,
		at,
		t.To.IsTerminal(),
		statusStrings(from),
	)
	if err != nil {
		return false, fmt.Errorf("transition scrape job: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return true, nil
	}
	var one int
	err = s.db.QueryRow(ctx, `SELECT 1 FROM scrape_jobs WHERE id = $1`, jobID).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, fmt.Errorf("job %s: %w", jobID, pipeline.ErrNotFound)
	}
	if err != nil {
		return false, fmt.Errorf("lookup scrape job: %w", err)
	}
	return false, nil
}

// RecordProgress overwrites counters on a non-terminal job.
func (s *JobStore) RecordProgress(ctx context.Context, jobID string, c pipeline.JobCounters, pages int) error {
	query := `
UPDATE scrape_jobs SET
	products_scraped = $2, products_saved = $3, products_updated = $4, errors = $5, pages_processed = $6
WHERE id = $1 AND status = ANY($7::text[])`
	_, err := s.db.Exec(ctx, query,
		jobID,
		c.ProductsScraped,
		c.ProductsSaved,
		c.ProductsUpdated,
		c.Errors,
		pages,
		statusStrings(pipeline.NonTerminalStatuses),
	)
	if err != nil {
		return fmt.Errorf("record progress: %w", err)
	}
	return nil
}

// FindActiveJob returns the newest non-terminal job for vendorID other than excludeID.
func (s *JobStore) FindActiveJob(ctx context.Context, vendorID, excludeID string) (*pipeline.ScrapeJob, error) {
	query := `SELECT ` + jobColumns + ` FROM scrape_jobs
WHERE vendor_id = $1 AND id <> $2 AND status = ANY($3::text[])
ORDER BY created_at DESC
LIMIT 1`
	job, err := scanJob(s.db.QueryRow(ctx, query, vendorID, excludeID, statusStrings(pipeline.NonTerminalStatuses)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find active job: %w", err)
	}
	return &job, nil
}

// ListJobs returns one page of jobs newest first and the unpaged total.
func (s *JobStore) ListJobs(ctx context.Context, f pipeline.JobFilter) ([]pipeline.ScrapeJob, int, error) {
	where := `WHERE ($1::text = '' OR vendor_id = $1) AND ($2::text = '' OR status = $2) AND ($3::text = '' OR mode = $3)`
	args := []any{f.VendorID, string(f.Status), string(f.Mode)}

	var total int
	if err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM scrape_jobs `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count scrape jobs: %w", err)
	}

	var limit *int
	if f.Limit > 0 {
		limit = &f.Limit
	}
	query := `SELECT ` + jobColumns + ` FROM scrape_jobs ` + where + `
ORDER BY created_at DESC, id DESC
LIMIT $4 OFFSET $5`
	rows, err := s.db.Query(ctx, query, append(args, limit, f.Offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("list scrape jobs: %w", err)
	}
	jobs, err := collectJobs(rows)
	if err != nil {
		return nil, 0, err
	}
	return jobs, total, nil
}

// ListStale returns non-terminal jobs created before cutoff.
func (s *JobStore) ListStale(ctx context.Context, cutoff time.Time) ([]pipeline.ScrapeJob, error) {
	query := `SELECT ` + jobColumns + ` FROM scrape_jobs
WHERE status = ANY($1::text[]) AND created_at < $2
ORDER BY created_at`
	rows, err := s.db.Query(ctx, query, statusStrings(pipeline.NonTerminalStatuses), cutoff)
	if err != nil {
		return nil, fmt.Errorf("list stale jobs: %w", err)
	}
	return collectJobs(rows)
}

// DeleteFinishedBefore removes terminal jobs created before cutoff.
func (s *JobStore) DeleteFinishedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx,
		`DELETE FROM scrape_jobs WHERE status <> ALL($1::text[]) AND created_at < $2`,
		statusStrings(pipeline.NonTerminalStatuses), cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete finished jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Stats aggregates job counts by status and zero-yield classification.
func (s *JobStore) Stats(ctx context.Context) (pipeline.JobStats, error) {
	query := `
SELECT status,
	(products_saved + products_updated = 0 AND pages_processed >=
		CASE WHEN end_page > 0 AND end_page >= start_page THEN end_page - start_page + 1 ELSE 1 END) AS zero_yield,
	COUNT(*)
FROM scrape_jobs
GROUP BY 1, 2`
	rows, err := s.db.Query(ctx, query)
	if err != nil {
		return pipeline.JobStats{}, fmt.Errorf("job stats: %w", err)
	}
	defer rows.Close()

	stats := pipeline.NewJobStats()
	for rows.Next() {
		var (
			status    string
			zeroYield bool
			n         int
		)
		if err := rows.Scan(&status, &zeroYield, &n); err != nil {
			return pipeline.JobStats{}, fmt.Errorf("scan job stats: %w", err)
		}
		stats.Add(pipeline.JobStatus(status), zeroYield, n)
	}
	if err := rows.Err(); err != nil {
		return pipeline.JobStats{}, fmt.Errorf("job stats: %w", err)
	}
	return stats, nil
}

func scanJob(row scanner) (pipeline.ScrapeJob, error) {
	var (
		job          pipeline.ScrapeJob
		mode, status string
	)
	err := row.Scan(
		&job.ID,
		&job.VendorID,
		&mode,
		&status,
		&job.PageRange.StartPage,
		&job.PageRange.EndPage,
		&job.Counters.ProductsScraped,
		&job.Counters.ProductsSaved,
		&job.Counters.ProductsUpdated,
		&job.Counters.Errors,
		&job.PagesProcessed,
		&job.CreatedAt,
		&job.StartedAt,
		&job.CompletedAt,
		&job.DurationMs,
		&job.ErrorText,
	)
	job.Mode = pipeline.JobMode(mode)
	job.Status = pipeline.JobStatus(status)
	return job, err
}

func collectJobs(rows pgx.Rows) ([]pipeline.ScrapeJob, error) {
	defer rows.Close()
	var jobs []pipeline.ScrapeJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan scrape job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate scrape jobs: %w", err)
	}
	return jobs, nil
}

func statusStrings(statuses []pipeline.JobStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}
