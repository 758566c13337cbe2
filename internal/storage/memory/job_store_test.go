package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/seedprice-pipeline/internal/pipeline"
)

var base = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newJob(id, vendor string, mode pipeline.JobMode, status pipeline.JobStatus, created time.Time) pipeline.ScrapeJob {
	return pipeline.ScrapeJob{
		ID:        id,
		VendorID:  vendor,
		Mode:      mode,
		Status:    status,
		PageRange: pipeline.PageRange{StartPage: 1, EndPage: 2},
		CreatedAt: created,
	}
}

func TestJobStoreCreateJobSingleFlightManual(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewJobStore()

	require.NoError(t, store.CreateJob(ctx, newJob("j1", "v1", pipeline.ModeManual, pipeline.StatusCreated, base)))

	err := store.CreateJob(ctx, newJob("j2", "v1", pipeline.ModeManual, pipeline.StatusCreated, base))
	require.ErrorIs(t, err, pipeline.ErrConflict)
	var conflict *pipeline.ConflictError
	require.True(t, errors.As(err, &conflict))
	require.Equal(t, "j1", conflict.BlockingJobID)
	require.Equal(t, pipeline.StatusCreated, conflict.BlockingStatus)

	// Other vendors and non-manual modes are unaffected.
	require.NoError(t, store.CreateJob(ctx, newJob("j3", "v2", pipeline.ModeManual, pipeline.StatusCreated, base)))
	require.NoError(t, store.CreateJob(ctx, newJob("j4", "v1", pipeline.ModeAuto, pipeline.StatusCreated, base)))

	ok, err := store.TransitionJob(ctx, "j1", pipeline.Transition{To: pipeline.StatusCancelled, At: base})
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, store.CreateJob(ctx, newJob("j5", "v1", pipeline.ModeManual, pipeline.StatusCreated, base)))

	require.Error(t, store.CreateJob(ctx, newJob("j5", "v9", pipeline.ModeBatch, pipeline.StatusCreated, base)))
}

func TestJobStoreTransitionGuards(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewJobStore()
	require.NoError(t, store.CreateJob(ctx, newJob("j1", "v1", pipeline.ModeBatch, pipeline.StatusCreated, base)))

	ok, err := store.TransitionJob(ctx, "j1", pipeline.Transition{To: pipeline.StatusActive, At: base.Add(time.Second)})
	require.NoError(t, err)
	require.True(t, ok)

	counters := pipeline.JobCounters{ProductsScraped: 4, ProductsSaved: 3}
	pages := 2
	ok, err = store.TransitionJob(ctx, "j1", pipeline.Transition{
		To:             pipeline.StatusCompleted,
		At:             base.Add(3 * time.Second),
		Counters:       &counters,
		PagesProcessed: &pages,
	})
	require.NoError(t, err)
	require.True(t, ok)

	job, err := store.GetJob(ctx, "j1")
	require.NoError(t, err)
	require.Equal(t, pipeline.StatusCompleted, job.Status)
	require.NotNil(t, job.StartedAt)
	require.NotNil(t, job.CompletedAt)
	require.NotNil(t, job.DurationMs)
	require.Equal(t, int64(2000), *job.DurationMs)
	require.Equal(t, counters, job.Counters)
	require.Equal(t, 2, job.PagesProcessed)

	// Terminal rows are never overwritten.
	ok, err = store.TransitionJob(ctx, "j1", pipeline.Transition{To: pipeline.StatusFailed, ErrorText: "late"})
	require.NoError(t, err)
	require.False(t, ok)
	ok, err = store.TransitionJob(ctx, "j1", pipeline.Transition{To: pipeline.StatusActive})
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, store.RecordProgress(ctx, "j1", pipeline.JobCounters{}, 0))
	job, err = store.GetJob(ctx, "j1")
	require.NoError(t, err)
	require.Equal(t, counters, job.Counters)
	require.Empty(t, job.ErrorText)

	_, err = store.TransitionJob(ctx, "missing", pipeline.Transition{To: pipeline.StatusActive})
	require.ErrorIs(t, err, pipeline.ErrNotFound)
	_, err = store.GetJob(ctx, "missing")
	require.ErrorIs(t, err, pipeline.ErrNotFound)
}

func TestJobStoreTransitionExplicitFrom(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewJobStore()
	require.NoError(t, store.CreateJob(ctx, newJob("j1", "v1", pipeline.ModeBatch, pipeline.StatusWaiting, base)))

	ok, err := store.TransitionJob(ctx, "j1", pipeline.Transition{
		To:   pipeline.StatusCancelled,
		From: []pipeline.JobStatus{pipeline.StatusCreated},
	})
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = store.TransitionJob(ctx, "j1", pipeline.Transition{
		To:        pipeline.StatusCancelled,
		From:      []pipeline.JobStatus{pipeline.StatusWaiting},
		ErrorText: "stale",
	})
	require.NoError(t, err)
	require.True(t, ok)
	job, err := store.GetJob(ctx, "j1")
	require.NoError(t, err)
	require.Equal(t, "stale", job.ErrorText)
	require.Nil(t, job.DurationMs)
}

func TestJobStoreRecordProgress(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewJobStore()
	require.NoError(t, store.CreateJob(ctx, newJob("j1", "v1", pipeline.ModeAuto, pipeline.StatusActive, base)))

	counters := pipeline.JobCounters{ProductsScraped: 10, ProductsSaved: 2, ProductsUpdated: 1, Errors: 1}
	require.NoError(t, store.RecordProgress(ctx, "j1", counters, 1))
	job, err := store.GetJob(ctx, "j1")
	require.NoError(t, err)
	require.Equal(t, counters, job.Counters)
	require.Equal(t, 1, job.PagesProcessed)

	require.ErrorIs(t, store.RecordProgress(ctx, "nope", counters, 1), pipeline.ErrNotFound)
}

func TestJobStoreFindActiveJob(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewJobStore()
	require.NoError(t, store.CreateJob(ctx, newJob("old", "v1", pipeline.ModeAuto, pipeline.StatusWaiting, base)))
	require.NoError(t, store.CreateJob(ctx, newJob("new", "v1", pipeline.ModeBatch, pipeline.StatusActive, base.Add(time.Minute))))
	require.NoError(t, store.CreateJob(ctx, newJob("done", "v1", pipeline.ModeBatch, pipeline.StatusCompleted, base.Add(time.Hour))))

	found, err := store.FindActiveJob(ctx, "v1", "")
	require.NoError(t, err)
	require.NotNil(t, found)
	require.Equal(t, "new", found.ID)

	found, err = store.FindActiveJob(ctx, "v1", "new")
	require.NoError(t, err)
	require.Equal(t, "old", found.ID)

	found, err = store.FindActiveJob(ctx, "v2", "")
	require.NoError(t, err)
	require.Nil(t, found)
}

func TestJobStoreListJobsPaging(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewJobStore()
	for i, id := range []string{"a", "b", "c", "d", "e"} {
		vendor := "v1"
		if i%2 == 1 {
			vendor = "v2"
		}
		require.NoError(t, store.CreateJob(ctx, newJob(id, vendor, pipeline.ModeBatch, pipeline.StatusCompleted, base.Add(time.Duration(i)*time.Minute))))
	}

	jobs, total, err := store.ListJobs(ctx, pipeline.JobFilter{Limit: 2})
	require.NoError(t, err)
	require.Equal(t, 5, total)
	require.Len(t, jobs, 2)
	require.Equal(t, "e", jobs[0].ID)
	require.Equal(t, "d", jobs[1].ID)

	jobs, total, err = store.ListJobs(ctx, pipeline.JobFilter{Limit: 2, Offset: 4})
	require.NoError(t, err)
	require.Equal(t, 5, total)
	require.Len(t, jobs, 1)
	require.Equal(t, "a", jobs[0].ID)

	jobs, total, err = store.ListJobs(ctx, pipeline.JobFilter{Offset: 10})
	require.NoError(t, err)
	require.Equal(t, 5, total)
	require.Empty(t, jobs)

	jobs, total, err = store.ListJobs(ctx, pipeline.JobFilter{VendorID: "v2"})
	require.NoError(t, err)
	require.Equal(t, 2, total)
	require.Equal(t, "d", jobs[0].ID)
	require.Equal(t, "b", jobs[1].ID)

	_, total, err = store.ListJobs(ctx, pipeline.JobFilter{Status: pipeline.StatusFailed})
	require.NoError(t, err)
	require.Zero(t, total)
}

func TestJobStoreStaleAndPurge(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewJobStore()
	require.NoError(t, store.CreateJob(ctx, newJob("stale", "v1", pipeline.ModeAuto, pipeline.StatusWaiting, base)))
	require.NoError(t, store.CreateJob(ctx, newJob("fresh", "v2", pipeline.ModeAuto, pipeline.StatusActive, base.Add(time.Hour))))
	require.NoError(t, store.CreateJob(ctx, newJob("old-done", "v3", pipeline.ModeAuto, pipeline.StatusFailed, base)))
	require.NoError(t, store.CreateJob(ctx, newJob("new-done", "v3", pipeline.ModeAuto, pipeline.StatusCompleted, base.Add(time.Hour))))

	cutoff := base.Add(30 * time.Minute)
	stale, err := store.ListStale(ctx, cutoff)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	require.Equal(t, "stale", stale[0].ID)

	n, err := store.DeleteFinishedBefore(ctx, cutoff)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
	_, err = store.GetJob(ctx, "old-done")
	require.ErrorIs(t, err, pipeline.ErrNotFound)
	_, err = store.GetJob(ctx, "stale")
	require.NoError(t, err)
}

func TestJobStoreStatsClassifiesZeroYield(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewJobStore()

	good := newJob("good", "v1", pipeline.ModeBatch, pipeline.StatusCompleted, base)
	good.PagesProcessed = 2
	good.Counters.ProductsSaved = 5
	empty := newJob("empty", "v2", pipeline.ModeBatch, pipeline.StatusCompleted, base)
	empty.PagesProcessed = 2
	partial := newJob("partial", "v3", pipeline.ModeBatch, pipeline.StatusCompleted, base)
	partial.PagesProcessed = 1

	for _, job := range []pipeline.ScrapeJob{
		good, empty, partial,
		newJob("failed", "v4", pipeline.ModeBatch, pipeline.StatusFailed, base),
		newJob("waiting", "v5", pipeline.ModeBatch, pipeline.StatusWaiting, base),
	} {
		require.NoError(t, store.CreateJob(ctx, job))
	}

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 5, stats.Total)
	require.Equal(t, 3, stats.ByStatus[pipeline.StatusCompleted])
	require.Equal(t, 2, stats.ByOutcome[pipeline.OutcomeSucceeded])
	require.Equal(t, 1, stats.ByOutcome[pipeline.OutcomeEffectivelyFailed])
	require.Equal(t, 1, stats.ByOutcome[pipeline.OutcomeFailed])
	require.Equal(t, 1, stats.ByOutcome[pipeline.OutcomePending])
}
