// Package autoscrape keeps one repeating scrape job registered per active
// vendor with a positive auto-scrape interval. The vendor table is the source
// of truth; the broker's repeat registry is reconciled against it.
package autoscrape

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/seedprice-pipeline/internal/broker"
	"github.com/JakeFAU/seedprice-pipeline/internal/pipeline"
)

// KeyPrefix namespaces the scheduler's repeat keys in the broker registry.
const KeyPrefix = "auto-scrape:"

// Key is the repeat key for a vendor. Keying by vendor makes re-registration
// replace the previous schedule.
func Key(vendorID string) string {
	return KeyPrefix + vendorID
}

// Registry is the broker's repeatable-job surface.
type Registry interface {
	Schedule(ctx context.Context, queue string, payload any, schedule, key string) (broker.RepeatSpec, error)
	CancelRepeating(ctx context.Context, key string) (bool, error)
	ListRepeating(ctx context.Context) ([]broker.RepeatSpec, error)
	Counts(ctx context.Context, queue string) (map[broker.State]int64, error)
}

// Config tunes reconciliation.
type Config struct {
	// RemoveOrphans deregisters repeats for vendors that are no longer
	// eligible.
	RemoveOrphans bool
}

// Deps are the scheduler's collaborators.
type Deps struct {
	Registry Registry
	Vendors  pipeline.VendorStore
	Jobs     pipeline.JobStore
	Logger   *zap.Logger
}

// Scheduler reconciles vendors with the repeat registry.
type Scheduler struct {
	deps   Deps
	cfg    Config
	logger *zap.Logger
}

// New builds a Scheduler.
func New(deps Deps, cfg Config) (*Scheduler, error) {
	switch {
	case deps.Registry == nil:
		return nil, errors.New("repeat registry is required")
	case deps.Vendors == nil:
		return nil, errors.New("vendor store is required")
	case deps.Jobs == nil:
		return nil, errors.New("job store is required")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Scheduler{deps: deps, cfg: cfg, logger: deps.Logger.Named("autoscrape")}, nil
}

// Summary reports one reconciliation.
type Summary struct {
	ScheduledCount  int `json:"scheduledCount"`
	ErrorCount      int `json:"errorCount"`
	ExistingJobs    int `json:"existingJobs"`
	ExpectedSellers int `json:"expectedSellers"`
	Removed         int `json:"removed"`
}

func payloadFor(vendorID string) pipeline.ScrapePayload {
	return pipeline.ScrapePayload{VendorID: vendorID, Mode: pipeline.ModeAuto, PageRange: pipeline.PageRange{StartPage: 1}}
}

func desiredState(vendors []pipeline.Vendor) map[string]int {
	out := make(map[string]int)
	for _, v := range vendors {
		if v.Active && v.AutoScrapeIntervalHours > 0 {
			out[v.ID] = v.AutoScrapeIntervalHours
		}
	}
	return out
}

func matches(spec broker.RepeatSpec, vendorID string, hours int) bool {
	if spec.Queue != pipeline.QueueScrape || spec.Schedule != broker.EveryHours(hours) {
		return false
	}
	var p pipeline.ScrapePayload
	if err := json.Unmarshal(spec.Payload, &p); err != nil {
		return false
	}
	return p == payloadFor(vendorID)
}

// InitializeOnServerStart diffs active vendors against the registry, registers
// what is missing or stale and, when configured, removes orphans. Running it
// twice against the same vendors changes nothing the second time.
func (s *Scheduler) InitializeOnServerStart(ctx context.Context) (Summary, error) {
	vendors, err := s.deps.Vendors.ListActiveVendors(ctx)
	if err != nil {
		return Summary{}, fmt.Errorf("list vendors: %w", err)
	}
	specs, err := s.deps.Registry.ListRepeating(ctx)
	if err != nil {
		return Summary{}, fmt.Errorf("list repeating jobs: %w", err)
	}

	desired := desiredState(vendors)
	actual := make(map[string]broker.RepeatSpec)
	for _, spec := range specs {
		if strings.HasPrefix(spec.Key, KeyPrefix) {
			actual[spec.Key] = spec
		}
	}

	sum := Summary{ExpectedSellers: len(desired)}
	for vendorID, hours := range desired {
		key := Key(vendorID)
		if spec, ok := actual[key]; ok && matches(spec, vendorID, hours) {
			sum.ExistingJobs++
			continue
		}
		if _, err := s.deps.Registry.Schedule(ctx, pipeline.QueueScrape, payloadFor(vendorID), broker.EveryHours(hours), key); err != nil {
			sum.ErrorCount++
			s.logger.Error("register auto-scrape failed", zap.String("vendor_id", vendorID), zap.Error(err))
			continue
		}
		sum.ScheduledCount++
	}

	if s.cfg.RemoveOrphans {
		for key := range actual {
			if _, ok := desired[strings.TrimPrefix(key, KeyPrefix)]; ok {
				continue
			}
			if _, err := s.deps.Registry.CancelRepeating(ctx, key); err != nil {
				sum.ErrorCount++
				s.logger.Error("remove orphaned auto-scrape failed", zap.String("key", key), zap.Error(err))
				continue
			}
			sum.Removed++
		}
	}

	s.logger.Info("auto-scrape reconciled",
		zap.Int("expected", sum.ExpectedSellers),
		zap.Int("existing", sum.ExistingJobs),
		zap.Int("scheduled", sum.ScheduledCount),
		zap.Int("removed", sum.Removed),
		zap.Int("errors", sum.ErrorCount),
	)
	return sum, nil
}

// Sync actions.
const (
	ActionScheduled = "scheduled"
	ActionRemoved   = "removed"
	ActionNone      = "none"
)

// SyncResult reports SyncVendor.
type SyncResult struct {
	VendorID string `json:"vendorId"`
	Key      string `json:"key"`
	Action   string `json:"action"`
	Schedule string `json:"schedule,omitempty"`
}

// SyncVendor re-registers one vendor after an edit: the old repeat is
// cancelled and, if the vendor is still eligible, recreated with the current
// interval. A deleted vendor only has its repeat removed.
func (s *Scheduler) SyncVendor(ctx context.Context, vendorID string) (SyncResult, error) {
	key := Key(vendorID)
	res := SyncResult{VendorID: vendorID, Key: key, Action: ActionNone}

	vendor, err := s.deps.Vendors.GetVendor(ctx, vendorID)
	if err != nil && !errors.Is(err, pipeline.ErrNotFound) {
		return res, fmt.Errorf("load vendor: %w", err)
	}
	removed, cerr := s.deps.Registry.CancelRepeating(ctx, key)
	if cerr != nil {
		return res, fmt.Errorf("cancel repeat: %w", cerr)
	}
	if removed {
		res.Action = ActionRemoved
	}
	if err != nil || !vendor.Active || vendor.AutoScrapeIntervalHours <= 0 {
		s.logger.Info("auto-scrape deregistered", zap.String("vendor_id", vendorID), zap.Bool("removed", removed))
		return res, nil
	}

	schedule := broker.EveryHours(vendor.AutoScrapeIntervalHours)
	if _, err := s.deps.Registry.Schedule(ctx, pipeline.QueueScrape, payloadFor(vendorID), schedule, key); err != nil {
		return res, fmt.Errorf("register repeat: %w", err)
	}
	res.Action = ActionScheduled
	res.Schedule = schedule
	s.logger.Info("auto-scrape registered", zap.String("vendor_id", vendorID), zap.String("schedule", schedule))
	return res, nil
}

// StopAllAutoJobs deregisters every auto-scrape repeat and returns how many
// were removed.
func (s *Scheduler) StopAllAutoJobs(ctx context.Context) (int, error) {
	specs, err := s.deps.Registry.ListRepeating(ctx)
	if err != nil {
		return 0, fmt.Errorf("list repeating jobs: %w", err)
	}
	var errs []error
	removed := 0
	for _, spec := range specs {
		if !strings.HasPrefix(spec.Key, KeyPrefix) {
			continue
		}
		ok, err := s.deps.Registry.CancelRepeating(ctx, spec.Key)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			removed++
		}
	}
	s.logger.Info("auto-scrape stopped", zap.Int("removed", removed))
	return removed, errors.Join(errs...)
}

// Statistics is the dashboard view. Jobs.ByStatus counts persisted statuses;
// Jobs.ByOutcome counts the derived classification, where a completed run that
// wrote nothing is effectively_failed. Queue holds the broker's own counts.
type Statistics struct {
	Jobs          pipeline.JobStats      `json:"jobs"`
	Queue         map[broker.State]int64 `json:"queue"`
	RepeatingJobs int                    `json:"repeatingJobs"`
}

// GetJobStatistics aggregates job records and broker state.
func (s *Scheduler) GetJobStatistics(ctx context.Context) (Statistics, error) {
	stats, err := s.deps.Jobs.Stats(ctx)
	if err != nil {
		return Statistics{}, fmt.Errorf("job stats: %w", err)
	}
	counts, err := s.deps.Registry.Counts(ctx, pipeline.QueueScrape)
	if err != nil {
		return Statistics{}, fmt.Errorf("queue counts: %w", err)
	}
	specs, err := s.deps.Registry.ListRepeating(ctx)
	if err != nil {
		return Statistics{}, fmt.Errorf("list repeating jobs: %w", err)
	}
	n := 0
	for _, spec := range specs {
		if strings.HasPrefix(spec.Key, KeyPrefix) {
			n++
		}
	}
	return Statistics{Jobs: stats, Queue: counts, RepeatingJobs: n}, nil
}
