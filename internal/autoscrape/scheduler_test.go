package autoscrape

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/seedprice-pipeline/internal/broker"
	membroker "github.com/JakeFAU/seedprice-pipeline/internal/broker/memory"
	"github.com/JakeFAU/seedprice-pipeline/internal/pipeline"
	"github.com/JakeFAU/seedprice-pipeline/internal/storage/memory"
)

type fixture struct {
	catalog  *memory.CatalogStore
	jobs     *memory.JobStore
	registry *membroker.Broker
	sched    *Scheduler
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	f := &fixture{
		catalog:  memory.NewCatalogStore(),
		jobs:     memory.NewJobStore(),
		registry: membroker.New(broker.Config{}, nil, nil),
	}
	f.catalog.PutVendor(pipeline.Vendor{ID: "A", Active: true, AutoScrapeIntervalHours: 12})
	f.catalog.PutVendor(pipeline.Vendor{ID: "B", Active: true, AutoScrapeIntervalHours: 24})
	f.catalog.PutVendor(pipeline.Vendor{ID: "C", Active: true})
	f.catalog.PutVendor(pipeline.Vendor{ID: "D", AutoScrapeIntervalHours: 6})
	s, err := New(Deps{Registry: f.registry, Vendors: f.catalog, Jobs: f.jobs}, cfg)
	require.NoError(t, err)
	f.sched = s
	return f
}

func (f *fixture) schedules(t *testing.T) map[string]string {
	t.Helper()
	specs, err := f.registry.ListRepeating(context.Background())
	require.NoError(t, err)
	out := make(map[string]string, len(specs))
	for _, s := range specs {
		out[s.Key] = s.Schedule
	}
	return out
}

func TestInitializeOnServerStartSelfHeals(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{RemoveOrphans: true})
	ctx := context.Background()

	sum, err := f.sched.InitializeOnServerStart(ctx)
	require.NoError(t, err)
	require.Equal(t, Summary{ScheduledCount: 2, ExpectedSellers: 2}, sum)
	require.Equal(t, map[string]string{"auto-scrape:A": "@every 12h", "auto-scrape:B": "@every 24h"}, f.schedules(t))

	again, err := f.sched.InitializeOnServerStart(ctx)
	require.NoError(t, err)
	require.Equal(t, Summary{ExistingJobs: 2, ExpectedSellers: 2}, again)
	require.Len(t, f.schedules(t), 2)
}

func TestInitializeReplacesStaleInterval(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	ctx := context.Background()
	_, err := f.registry.Schedule(ctx, pipeline.QueueScrape, payloadFor("A"), "@every 48h", Key("A"))
	require.NoError(t, err)

	sum, err := f.sched.InitializeOnServerStart(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, sum.ScheduledCount)
	require.Equal(t, "@every 12h", f.schedules(t)["auto-scrape:A"])
}

func TestInitializeOrphans(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	keep := newFixture(t, Config{})
	_, err := keep.registry.Schedule(ctx, pipeline.QueueScrape, payloadFor("D"), "@every 6h", Key("D"))
	require.NoError(t, err)
	_, err = keep.registry.Schedule(ctx, "reports", map[string]string{}, "@every 1h", "nightly-report")
	require.NoError(t, err)
	sum, err := keep.sched.InitializeOnServerStart(ctx)
	require.NoError(t, err)
	require.Zero(t, sum.Removed)
	require.Contains(t, keep.schedules(t), "auto-scrape:D")

	prune := newFixture(t, Config{RemoveOrphans: true})
	_, err = prune.registry.Schedule(ctx, pipeline.QueueScrape, payloadFor("D"), "@every 6h", Key("D"))
	require.NoError(t, err)
	_, err = prune.registry.Schedule(ctx, "reports", map[string]string{}, "@every 1h", "nightly-report")
	require.NoError(t, err)
	sum, err = prune.sched.InitializeOnServerStart(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, sum.Removed)
	require.NotContains(t, prune.schedules(t), "auto-scrape:D")
	require.Contains(t, prune.schedules(t), "nightly-report")
}

func TestSyncVendor(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	ctx := context.Background()
	_, err := f.sched.InitializeOnServerStart(ctx)
	require.NoError(t, err)

	f.catalog.PutVendor(pipeline.Vendor{ID: "A", Active: true, AutoScrapeIntervalHours: 6})
	res, err := f.sched.SyncVendor(ctx, "A")
	require.NoError(t, err)
	require.Equal(t, SyncResult{VendorID: "A", Key: "auto-scrape:A", Action: ActionScheduled, Schedule: "@every 6h"}, res)
	require.Equal(t, map[string]string{"auto-scrape:A": "@every 6h", "auto-scrape:B": "@every 24h"}, f.schedules(t))

	f.catalog.PutVendor(pipeline.Vendor{ID: "B", Active: true})
	res, err = f.sched.SyncVendor(ctx, "B")
	require.NoError(t, err)
	require.Equal(t, ActionRemoved, res.Action)

	res, err = f.sched.SyncVendor(ctx, "ghost")
	require.NoError(t, err)
	require.Equal(t, ActionNone, res.Action)
	require.Equal(t, map[string]string{"auto-scrape:A": "@every 6h"}, f.schedules(t))
}

func TestStopAllAutoJobs(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	ctx := context.Background()
	_, err := f.sched.InitializeOnServerStart(ctx)
	require.NoError(t, err)
	_, err = f.registry.Schedule(ctx, "reports", map[string]string{}, "@every 1h", "nightly-report")
	require.NoError(t, err)

	n, err := f.sched.StopAllAutoJobs(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Equal(t, map[string]string{"nightly-report": "@every 1h"}, f.schedules(t))
}

func TestGetJobStatistics(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	ctx := context.Background()
	_, err := f.sched.InitializeOnServerStart(ctx)
	require.NoError(t, err)

	created := time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)
	require.NoError(t, f.jobs.CreateJob(ctx, pipeline.ScrapeJob{ID: "j1", VendorID: "A", Mode: pipeline.ModeAuto, Status: pipeline.StatusWaiting, CreatedAt: created}))
	require.NoError(t, f.jobs.CreateJob(ctx, pipeline.ScrapeJob{ID: "j2", VendorID: "B", Mode: pipeline.ModeAuto, Status: pipeline.StatusWaiting, CreatedAt: created}))
	pages := 1
	_, err = f.jobs.TransitionJob(ctx, "j2", pipeline.Transition{To: pipeline.StatusCompleted, PagesProcessed: &pages})
	require.NoError(t, err)
	_, err = f.registry.Enqueue(ctx, pipeline.QueueScrape, payloadFor("A"), broker.Options{JobID: "j1"})
	require.NoError(t, err)

	stats, err := f.sched.GetJobStatistics(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, stats.Jobs.Total)
	require.Equal(t, 1, stats.Jobs.ByStatus[pipeline.StatusCompleted])
	require.Equal(t, 1, stats.Jobs.ByOutcome[pipeline.OutcomeEffectivelyFailed])
	require.Equal(t, 1, stats.Jobs.ByOutcome[pipeline.OutcomePending])
	require.EqualValues(t, 1, stats.Queue[broker.StateWaiting])
	require.Equal(t, 2, stats.RepeatingJobs)
}

type brokenRegistry struct{ Registry }

func (brokenRegistry) ListRepeating(context.Context) ([]broker.RepeatSpec, error) {
	return nil, errors.New("redis down")
}

func TestInitializeSurfacesRegistryErrors(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	s, err := New(Deps{Registry: brokenRegistry{Registry: f.registry}, Vendors: f.catalog, Jobs: f.jobs}, Config{})
	require.NoError(t, err)
	_, err = s.InitializeOnServerStart(context.Background())
	require.ErrorContains(t, err, "redis down")
}
