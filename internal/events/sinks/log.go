package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/seedprice-pipeline/internal/events"
)

// LogSink writes each lifecycle event as a structured log line.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs failures at warn and everything else at debug.
func (s *LogSink) Consume(_ context.Context, batch []events.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("queue", evt.Queue),
			zap.String("job_id", evt.JobID),
			zap.String("kind", string(evt.Kind)),
			zap.Int("attempt", evt.Attempt),
			zap.Duration("dur", evt.Dur),
		}
		if evt.Note != "" {
			fields = append(fields, zap.String("note", evt.Note))
		}
		switch evt.Kind {
		case events.KindFailed, events.KindStalled, events.KindRetrying:
			s.logger.Warn("job lifecycle", fields...)
		default:
			s.logger.Debug("job lifecycle", fields...)
		}
	}
	return nil
}

// Close implements events.Sink.
func (s *LogSink) Close(context.Context) error {
	return nil
}
