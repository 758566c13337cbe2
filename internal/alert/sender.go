// Package alert implements the send-price-alert consumer, the terminal stage
// of the pipeline: it renders one email per user and hands it to a Mailer.
package alert

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/seedprice-pipeline/internal/broker"
	"github.com/JakeFAU/seedprice-pipeline/internal/metrics"
	"github.com/JakeFAU/seedprice-pipeline/internal/pipeline"
)

// Sender consumes the send-price-alert queue.
type Sender struct {
	mailer  Mailer
	baseURL string
	logger  *zap.Logger
}

// NewSender builds a Sender. baseURL is the storefront root used for product
// links; it may be empty.
func NewSender(mailer Mailer, baseURL string, logger *zap.Logger) (*Sender, error) {
	if mailer == nil {
		return nil, errors.New("mailer is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sender{mailer: mailer, baseURL: baseURL, logger: logger.Named("alert")}, nil
}

// Handler adapts the sender to the broker.
func (s *Sender) Handler() broker.Handler {
	return broker.Handle(s.Handle)
}

// Handle renders and delivers one alert. Delivery errors are returned for the
// broker to retry.
func (s *Sender) Handle(ctx context.Context, job broker.Job, p pipeline.AlertPayload) (pipeline.AlertResult, error) {
	msg, err := Render(p, s.baseURL)
	if err != nil {
		metrics.ObserveAlert("invalid")
		return pipeline.AlertResult{}, broker.Permanent(fmt.Errorf("render alert: %w", err))
	}
	id, err := s.mailer.Send(ctx, msg)
	if err != nil {
		metrics.ObserveAlert("error")
		s.logger.Warn("alert delivery failed",
			zap.String("job_id", job.ID),
			zap.String("user_id", p.UserID),
			zap.Int("attempt", job.Attempt),
			zap.Error(err),
		)
		return pipeline.AlertResult{}, err
	}
	metrics.ObserveAlert("sent")
	s.logger.Info("alert sent",
		zap.String("job_id", job.ID),
		zap.String("user_id", p.UserID),
		zap.String("message_id", id),
		zap.Int("changes", len(p.PriceChanges)),
	)
	return pipeline.AlertResult{EmailSent: true, MessageID: id}, nil
}
