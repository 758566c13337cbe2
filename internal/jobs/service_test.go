package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/seedprice-pipeline/internal/broker"
	membroker "github.com/JakeFAU/seedprice-pipeline/internal/broker/memory"
	"github.com/JakeFAU/seedprice-pipeline/internal/pipeline"
	"github.com/JakeFAU/seedprice-pipeline/internal/storage/memory"
)

type seqIDs struct{ n int }

func (s *seqIDs) NewID() (string, error) {
	s.n++
	return fmt.Sprintf("job-%d", s.n), nil
}

type stepClock struct{ t time.Time }

func (c *stepClock) Now() time.Time {
	c.t = c.t.Add(time.Second)
	return c.t
}

type failingQueue struct{ Queue }

func (failingQueue) Enqueue(context.Context, string, any, broker.Options) (broker.Job, error) {
	return broker.Job{}, errors.New("redis: connection refused")
}

type fixture struct {
	jobs    *memory.JobStore
	catalog *memory.CatalogStore
	queue   *membroker.Broker
	ids     *seqIDs
	svc     *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		jobs:    memory.NewJobStore(),
		catalog: memory.NewCatalogStore(),
		queue:   membroker.New(broker.Config{}, nil, nil),
		ids:     &seqIDs{},
	}
	f.catalog.PutVendor(pipeline.Vendor{ID: "v1", Name: "Seed Co", Active: true, Priority: true})
	f.catalog.PutVendor(pipeline.Vendor{ID: "v2", Name: "Bean Barn", Active: true})
	f.catalog.PutVendor(pipeline.Vendor{ID: "v3", Name: "Closed Farm"})
	f.svc = f.service(t, f.queue)
	return f
}

func (f *fixture) service(t *testing.T, q Queue) *Service {
	t.Helper()
	svc, err := NewService(Deps{
		Jobs:    f.jobs,
		Vendors: f.catalog,
		Queue:   q,
		IDs:     f.ids,
		Clock:   &stepClock{t: time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)},
	})
	require.NoError(t, err)
	return svc
}

func TestSubmitRecordsThenEnqueues(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	job, err := f.svc.Submit(context.Background(), SubmitRequest{VendorID: "v1", PageRange: pipeline.PageRange{EndPage: 3}})
	require.NoError(t, err)
	require.Equal(t, "job-1", job.ID)
	require.Equal(t, pipeline.ModeManual, job.Mode)
	require.Equal(t, pipeline.StatusWaiting, job.Status)
	require.Equal(t, pipeline.PageRange{StartPage: 1, EndPage: 3}, job.PageRange)

	queued, err := f.queue.GetJob(context.Background(), "job-1")
	require.NoError(t, err)
	require.Equal(t, pipeline.QueueScrape, queued.Queue)
	var payload pipeline.ScrapePayload
	require.NoError(t, json.Unmarshal(queued.Payload, &payload))
	require.Equal(t, pipeline.ScrapePayload{VendorID: "v1", Mode: pipeline.ModeManual, PageRange: job.PageRange}, payload)
}

func TestSubmitSingleFlightManual(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.svc.Submit(ctx, SubmitRequest{VendorID: "v1", Mode: pipeline.ModeManual})
	require.NoError(t, err)

	_, err = f.svc.Submit(ctx, SubmitRequest{VendorID: "v1", Mode: pipeline.ModeManual})
	var conflict *pipeline.ConflictError
	require.ErrorAs(t, err, &conflict)
	require.ErrorIs(t, err, pipeline.ErrConflict)
	require.Equal(t, first.ID, conflict.BlockingJobID)
	require.Equal(t, pipeline.StatusWaiting, conflict.BlockingStatus)

	counts, err := f.queue.Counts(ctx, pipeline.QueueScrape)
	require.NoError(t, err)
	require.EqualValues(t, 1, counts[broker.StateWaiting])

	// Other modes and other vendors are not blocked.
	_, err = f.svc.Submit(ctx, SubmitRequest{VendorID: "v1", Mode: pipeline.ModeTest})
	require.NoError(t, err)
	_, err = f.svc.Submit(ctx, SubmitRequest{VendorID: "v2", Mode: pipeline.ModeManual})
	require.NoError(t, err)

	_, err = f.svc.Cancel(ctx, first.ID)
	require.NoError(t, err)
	_, err = f.svc.Submit(ctx, SubmitRequest{VendorID: "v1", Mode: pipeline.ModeManual})
	require.NoError(t, err)
}

func TestSubmitValidation(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	_, err := f.svc.Submit(context.Background(), SubmitRequest{VendorID: "v1", Mode: "weekly"})
	require.ErrorIs(t, err, pipeline.ErrInvalidPayload)

	_, err = f.svc.Submit(context.Background(), SubmitRequest{VendorID: "ghost"})
	require.ErrorIs(t, err, pipeline.ErrNotFound)
}

func TestSubmitEnqueueFailureFailsRecord(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	svc := f.service(t, failingQueue{Queue: f.queue})

	_, err := svc.Submit(context.Background(), SubmitRequest{VendorID: "v1"})
	require.ErrorContains(t, err, "enqueue scrape")

	record, err := f.jobs.GetJob(context.Background(), "job-1")
	require.NoError(t, err)
	require.Equal(t, pipeline.StatusFailed, record.Status)
	require.Contains(t, record.ErrorText, "connection refused")

	// The failed record no longer blocks a retry.
	_, err = f.svc.Submit(context.Background(), SubmitRequest{VendorID: "v1"})
	require.NoError(t, err)
}

func TestSubmitBatch(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	manual, err := f.svc.Submit(ctx, SubmitRequest{VendorID: "v2"})
	require.NoError(t, err)

	res, err := f.svc.SubmitBatch(ctx, "")
	require.NoError(t, err)
	require.Equal(t, ScopeAll, res.Scope)
	require.Len(t, res.Enqueued, 1)
	require.Equal(t, "v1", res.Enqueued[0].VendorID)
	require.Equal(t, []BatchItem{{VendorID: "v2", BlockingJobID: manual.ID, Reason: "manual job is WAITING"}}, res.Skipped)
	require.Empty(t, res.Failed)

	batch, err := f.jobs.GetJob(ctx, res.Enqueued[0].JobID)
	require.NoError(t, err)
	require.Equal(t, pipeline.ModeBatch, batch.Mode)
}

func TestSubmitBatchPriorityScope(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	res, err := f.svc.SubmitBatch(context.Background(), ScopePriority)
	require.NoError(t, err)
	require.Len(t, res.Enqueued, 1)
	require.Equal(t, "v1", res.Enqueued[0].VendorID)

	_, err = f.svc.SubmitBatch(context.Background(), "everything")
	require.ErrorIs(t, err, pipeline.ErrInvalidPayload)
}

func TestCancel(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	job, err := f.svc.Submit(ctx, SubmitRequest{VendorID: "v1"})
	require.NoError(t, err)

	cancelled, err := f.svc.Cancel(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, pipeline.StatusCancelled, cancelled.Status)
	require.NotNil(t, cancelled.CompletedAt)

	flagged, err := f.queue.IsCancelled(ctx, job.ID)
	require.NoError(t, err)
	require.True(t, flagged)
	live, err := f.queue.IsLive(ctx, job.ID)
	require.NoError(t, err)
	require.False(t, live)

	_, err = f.svc.Cancel(ctx, job.ID)
	require.ErrorIs(t, err, pipeline.ErrConflict)
	_, err = f.svc.Cancel(ctx, "missing")
	require.ErrorIs(t, err, pipeline.ErrNotFound)
}

func TestListPaging(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	for range 3 {
		_, err := f.svc.Submit(ctx, SubmitRequest{VendorID: "v1", Mode: pipeline.ModeTest})
		require.NoError(t, err)
	}
	_, err := f.svc.Submit(ctx, SubmitRequest{VendorID: "v2"})
	require.NoError(t, err)

	page, err := f.svc.List(ctx, ListRequest{VendorID: "v1", Limit: 2})
	require.NoError(t, err)
	require.Equal(t, Pagination{Total: 3, Limit: 2, Offset: 0, HasMore: true}, page.Pagination)
	require.Equal(t, "job-3", page.Jobs[0].ID)
	require.Equal(t, pipeline.OutcomePending, page.Jobs[0].Outcome)

	page, err = f.svc.List(ctx, ListRequest{VendorID: "v1", Limit: 2, Offset: 2})
	require.NoError(t, err)
	require.Equal(t, Pagination{Total: 3, Limit: 2, Offset: 2, HasMore: false}, page.Pagination)
	require.Len(t, page.Jobs, 1)

	page, err = f.svc.List(ctx, ListRequest{Limit: 1000, Offset: -4})
	require.NoError(t, err)
	require.Equal(t, Pagination{Total: 4, Limit: MaxLimit, Offset: 0, HasMore: false}, page.Pagination)

	page, err = f.svc.List(ctx, ListRequest{Mode: pipeline.ModeManual})
	require.NoError(t, err)
	require.Equal(t, DefaultLimit, page.Pagination.Limit)
	require.Len(t, page.Jobs, 1)

	_, err = f.svc.List(ctx, ListRequest{Status: "DONE"})
	require.ErrorIs(t, err, pipeline.ErrInvalidPayload)
}

func TestGetChecksVendor(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	job, err := f.svc.Submit(context.Background(), SubmitRequest{VendorID: "v1"})
	require.NoError(t, err)

	view, err := f.svc.Get(context.Background(), "v1", job.ID)
	require.NoError(t, err)
	require.Equal(t, job.ID, view.ID)

	_, err = f.svc.Get(context.Background(), "v2", job.ID)
	require.ErrorIs(t, err, pipeline.ErrNotFound)
}

func TestNewServiceRequiresDeps(t *testing.T) {
	t.Parallel()
	_, err := NewService(Deps{})
	require.Error(t, err)
}
