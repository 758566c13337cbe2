package sinks

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/JakeFAU/seedprice-pipeline/internal/events"
)

// Publisher sends one message to an external topic.
type Publisher interface {
	Publish(ctx context.Context, payload any) (string, error)
}

// PublishSink mirrors terminal lifecycle events to a Publisher.
type PublishSink struct {
	publisher Publisher
	all       bool
	logger    *zap.Logger
}

// NewPublishSink builds a sink. With all set every event is mirrored, otherwise
// only completed, failed and cancelled ones.
func NewPublishSink(publisher Publisher, all bool, logger *zap.Logger) *PublishSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PublishSink{publisher: publisher, all: all, logger: logger}
}

// Consume publishes each selected event; failures are joined and returned.
func (s *PublishSink) Consume(ctx context.Context, batch []events.Event) error {
	if s == nil || s.publisher == nil {
		return nil
	}
	var errs []error
	for _, evt := range batch {
		if !s.all && !evt.Terminal() {
			continue
		}
		id, err := s.publisher.Publish(ctx, evt)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		s.logger.Debug("lifecycle event published", zap.String("job_id", evt.JobID), zap.String("message_id", id))
	}
	return errors.Join(errs...)
}

// Close implements events.Sink.
func (s *PublishSink) Close(context.Context) error {
	return nil
}
