package jobsync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/seedprice-pipeline/internal/broker"
	membroker "github.com/JakeFAU/seedprice-pipeline/internal/broker/memory"
	"github.com/JakeFAU/seedprice-pipeline/internal/events"
	"github.com/JakeFAU/seedprice-pipeline/internal/pipeline"
	"github.com/JakeFAU/seedprice-pipeline/internal/storage/memory"
)

var now = time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)

type fixedClock struct{}

func (fixedClock) Now() time.Time { return now }

type fixture struct {
	jobs   *memory.JobStore
	limits *memory.RateLimitStore
	broker *membroker.Broker
	svc    *Service
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	f := &fixture{
		jobs:   memory.NewJobStore(),
		limits: memory.NewRateLimitStore(),
		broker: membroker.New(broker.Config{}, nil, nil),
	}
	svc, err := New(Deps{Jobs: f.jobs, RateLimits: f.limits, Broker: f.broker, Clock: fixedClock{}}, cfg)
	require.NoError(t, err)
	f.svc = svc
	return f
}

func (f *fixture) add(t *testing.T, id string, status pipeline.JobStatus, age time.Duration) {
	t.Helper()
	require.NoError(t, f.jobs.CreateJob(context.Background(), pipeline.ScrapeJob{
		ID: id, VendorID: "v-" + id, Mode: pipeline.ModeBatch, Status: status, CreatedAt: now.Add(-age),
	}))
}

func (f *fixture) status(t *testing.T, id string) pipeline.JobStatus {
	t.Helper()
	job, err := f.jobs.GetJob(context.Background(), id)
	require.NoError(t, err)
	return job.Status
}

func evt(kind events.Kind, id string) events.Event {
	return events.Event{Kind: kind, Queue: pipeline.QueueScrape, JobID: id, TS: now}
}

func TestConsumeAppliesLifecycle(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	ctx := context.Background()
	f.add(t, "job-1", pipeline.StatusCreated, 0)

	steps := []struct {
		event events.Event
		want  pipeline.JobStatus
	}{
		{evt(events.KindWaiting, "job-1"), pipeline.StatusWaiting},
		{evt(events.KindActive, "job-1"), pipeline.StatusActive},
		{evt(events.KindWaiting, "job-1"), pipeline.StatusActive},
		{events.Event{Kind: events.KindRetrying, Queue: pipeline.QueueScrape, JobID: "job-1", TS: now, Note: "vendor unreachable"}, pipeline.StatusDelayed},
		{evt(events.KindWaiting, "job-1"), pipeline.StatusWaiting},
		{evt(events.KindActive, "job-1"), pipeline.StatusActive},
		{evt(events.KindStalled, "job-1"), pipeline.StatusWaiting},
		{evt(events.KindActive, "job-1"), pipeline.StatusActive},
		{evt(events.KindCompleted, "job-1"), pipeline.StatusCompleted},
		{evt(events.KindFailed, "job-1"), pipeline.StatusCompleted},
		{evt(events.KindActive, "job-1"), pipeline.StatusCompleted},
	}
	for i, step := range steps {
		require.NoError(t, f.svc.Consume(ctx, []events.Event{step.event}))
		require.Equal(t, step.want, f.status(t, "job-1"), "step %d (%s)", i, step.event.Kind)
	}

	job, err := f.jobs.GetJob(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, "vendor unreachable", job.ErrorText)
	require.NotNil(t, job.CompletedAt)
}

func TestConsumeFailureAndCancel(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	f.add(t, "job-1", pipeline.StatusActive, 0)
	f.add(t, "job-2", pipeline.StatusWaiting, 0)

	err := f.svc.Consume(context.Background(), []events.Event{
		{Kind: events.KindFailed, Queue: pipeline.QueueScrape, JobID: "job-1", TS: now, Note: "all 3 pages failed"},
		evt(events.KindCancelled, "job-2"),
	})
	require.NoError(t, err)
	require.Equal(t, pipeline.StatusFailed, f.status(t, "job-1"))
	require.Equal(t, pipeline.StatusCancelled, f.status(t, "job-2"))
}

func TestConsumeIgnoresOtherQueuesAndUnknownJobs(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	f.add(t, "job-1", pipeline.StatusWaiting, 0)

	err := f.svc.Consume(context.Background(), []events.Event{
		{Kind: events.KindCompleted, Queue: pipeline.QueueDetect, JobID: "job-1", TS: now},
		evt(events.KindWaiting, "repeat:auto-scrape:v1:1"),
	})
	require.NoError(t, err)
	require.Equal(t, pipeline.StatusWaiting, f.status(t, "job-1"))
}

type brokenStore struct{ pipeline.JobStore }

func (brokenStore) TransitionJob(context.Context, string, pipeline.Transition) (bool, error) {
	return false, errors.New("connection reset")
}

func TestConsumeReturnsStoreErrors(t *testing.T) {
	t.Parallel()
	svc, err := New(Deps{Jobs: brokenStore{JobStore: memory.NewJobStore()}, Broker: membroker.New(broker.Config{}, nil, nil)}, Config{})
	require.NoError(t, err)
	err = svc.Consume(context.Background(), []events.Event{evt(events.KindActive, "job-1")})
	require.ErrorContains(t, err, "connection reset")
}

func TestSweepStale(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	ctx := context.Background()

	f.add(t, "old-waiting", pipeline.StatusWaiting, 31*time.Minute)
	f.add(t, "old-active", pipeline.StatusActive, 2*time.Hour)
	f.add(t, "old-live", pipeline.StatusWaiting, 45*time.Minute)
	f.add(t, "young-waiting", pipeline.StatusWaiting, 29*time.Minute)
	f.add(t, "old-done", pipeline.StatusCompleted, 3*time.Hour)
	_, err := f.broker.Enqueue(ctx, pipeline.QueueScrape, map[string]string{"vendorId": "v"}, broker.Options{JobID: "old-live"})
	require.NoError(t, err)

	res, err := f.svc.SweepStale(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, res.Checked)
	require.Equal(t, 1, res.Live)
	require.ElementsMatch(t, []string{"old-waiting", "old-active"}, res.Cancelled)

	require.Equal(t, pipeline.StatusCancelled, f.status(t, "old-waiting"))
	require.Equal(t, pipeline.StatusWaiting, f.status(t, "old-live"))
	require.Equal(t, pipeline.StatusWaiting, f.status(t, "young-waiting"))
	require.Equal(t, pipeline.StatusCompleted, f.status(t, "old-done"))

	job, err := f.jobs.GetJob(ctx, "old-waiting")
	require.NoError(t, err)
	require.Contains(t, job.ErrorText, "stale")

	again, err := f.svc.SweepStale(ctx)
	require.NoError(t, err)
	require.Empty(t, again.Cancelled)
}

func TestPurgeOld(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{RetentionAge: 48 * time.Hour})
	ctx := context.Background()

	f.add(t, "ancient", pipeline.StatusCompleted, 72*time.Hour)
	f.add(t, "ancient-open", pipeline.StatusWaiting, 72*time.Hour)
	f.add(t, "recent", pipeline.StatusCompleted, time.Hour)
	_, err := f.limits.Hit(ctx, "manual:v1", now.Add(-25*time.Hour), now.Add(-26*time.Hour))
	require.NoError(t, err)
	_, err = f.limits.Hit(ctx, "manual:v1", now.Add(-time.Hour), now.Add(-2*time.Hour))
	require.NoError(t, err)

	res, err := f.svc.PurgeOld(ctx)
	require.NoError(t, err)
	require.Equal(t, PurgeResult{JobsDeleted: 1, RateLimitsDeleted: 1}, res)

	_, err = f.jobs.GetJob(ctx, "ancient")
	require.ErrorIs(t, err, pipeline.ErrNotFound)
	require.Equal(t, pipeline.StatusWaiting, f.status(t, "ancient-open"))
}

func TestRunSweepsUntilCancelled(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{SweepInterval: 5 * time.Millisecond, RetentionInterval: 5 * time.Millisecond})
	f.add(t, "old-waiting", pipeline.StatusWaiting, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.svc.Run(ctx) }()

	require.Eventually(t, func() bool {
		job, err := f.jobs.GetJob(context.Background(), "old-waiting")
		return err == nil && job.Status == pipeline.StatusCancelled
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not stop")
	}
}

func TestNewRequiresDeps(t *testing.T) {
	t.Parallel()
	_, err := New(Deps{}, Config{})
	require.Error(t, err)
}
