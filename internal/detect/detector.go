// Package detect implements the detect-price-changes consumer. It compares a
// scrape run's observed pack prices with stored pricing and fans significant
// drops out as one alert job per interested user.
package detect

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/seedprice-pipeline/internal/broker"
	"github.com/JakeFAU/seedprice-pipeline/internal/logging"
	"github.com/JakeFAU/seedprice-pipeline/internal/metrics"
	"github.com/JakeFAU/seedprice-pipeline/internal/pipeline"
)

// Config tunes detection.
type Config struct {
	ThresholdPercent float64
}

// Deps are the detector's collaborators.
type Deps struct {
	Products pipeline.ProductStore
	Wishlist pipeline.WishlistDirectory
	Queue    broker.Enqueuer
	Logger   *zap.Logger
}

// Detector consumes the detect-price-changes queue.
type Detector struct {
	deps      Deps
	threshold float64
	logger    *zap.Logger
}

// New builds a Detector.
func New(deps Deps, cfg Config) (*Detector, error) {
	switch {
	case deps.Products == nil:
		return nil, errors.New("product store is required")
	case deps.Wishlist == nil:
		return nil, errors.New("wishlist directory is required")
	case deps.Queue == nil:
		return nil, errors.New("queue is required")
	}
	if cfg.ThresholdPercent <= 0 {
		cfg.ThresholdPercent = DefaultThresholdPercent
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Detector{deps: deps, threshold: cfg.ThresholdPercent, logger: deps.Logger.Named("detect")}, nil
}

// Handler adapts the detector to the broker.
func (d *Detector) Handler() broker.Handler {
	return broker.Handle(d.Handle)
}

// AlertJobID is the deterministic ID of the alert job for one user, so a
// retried detection never enqueues a second email.
func AlertJobID(detectJobID, userID string) string {
	return detectJobID + ":" + userID
}

// Handle processes one detection job.
func (d *Detector) Handle(ctx context.Context, job broker.Job, p pipeline.DetectPayload) (pipeline.DetectResult, error) {
	log := logging.ForJob(d.logger, job.Queue, job.ID, job.Attempt).With(zap.String("vendor_id", p.VendorID))
	if len(p.Products) == 0 {
		return pipeline.DetectResult{}, nil
	}

	ids := make([]string, 0, len(p.Products))
	for _, prod := range p.Products {
		ids = append(ids, prod.ID)
	}
	prior, err := d.deps.Products.PriorPrices(ctx, ids)
	if err != nil {
		return pipeline.DetectResult{}, fmt.Errorf("load prior prices: %w", err)
	}

	changes := ComputeChanges(p.Products, prior, p.ScrapeJobID, d.threshold)
	result := pipeline.DetectResult{PriceChangesDetected: len(changes)}
	metrics.ObservePriceChanges(len(changes))
	if len(changes) == 0 {
		log.Info("no significant price drops", zap.Int("products", len(p.Products)))
		return result, nil
	}

	changed := make([]string, 0, len(changes))
	for _, c := range changes {
		changed = append(changed, c.ProductID)
	}
	favorites, err := d.deps.Wishlist.UsersFavoriting(ctx, changed)
	if err != nil {
		return pipeline.DetectResult{}, fmt.Errorf("load favorites: %w", err)
	}

	groups := GroupByUser(changes, favorites)
	failed := 0
	for _, group := range groups {
		recipient, err := d.deps.Wishlist.AlertRecipient(ctx, group.UserID)
		if err != nil {
			failed++
			log.Warn("recipient lookup failed; skipping user", zap.String("user_id", group.UserID), zap.Error(err))
			continue
		}
		if !recipient.ReceivePriceAlerts {
			continue
		}
		if !strings.Contains(recipient.Email, "@") {
			log.Warn("recipient has no usable email; skipping user", zap.String("user_id", group.UserID))
			continue
		}
		result.UsersToNotify++
		if _, err := d.deps.Queue.Enqueue(ctx, pipeline.QueueAlert, pipeline.AlertPayload{
			UserID:       recipient.UserID,
			Email:        recipient.Email,
			UserName:     recipient.Name,
			VendorName:   p.VendorName,
			PriceChanges: group.Changes,
		}, broker.Options{JobID: AlertJobID(job.ID, group.UserID)}); err != nil {
			return pipeline.DetectResult{}, fmt.Errorf("enqueue alert for %s: %w", group.UserID, err)
		}
		result.EmailJobsCreated++
	}
	if len(groups) > 0 && failed == len(groups) {
		return pipeline.DetectResult{}, fmt.Errorf("all %d recipient lookups failed", failed)
	}

	log.Info("price drops detected",
		zap.Int("changes", result.PriceChangesDetected),
		zap.Int("users", result.UsersToNotify),
		zap.Int("alert_jobs", result.EmailJobsCreated),
	)
	return result, nil
}
