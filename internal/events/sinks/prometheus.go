package sinks

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/seedprice-pipeline/internal/events"
)

// PrometheusSink counts lifecycle events and tracks running jobs per queue.
type PrometheusSink struct {
	eventsTotal *prometheus.CounterVec
	running     *prometheus.GaugeVec
	runtime     *prometheus.HistogramVec
}

// NewPrometheusSink registers the collectors against reg.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		eventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pipeline_lifecycle_events_total",
			Help: "Broker lifecycle events partitioned by queue and kind.",
		}, []string{"queue", "kind"}),
		running: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pipeline_jobs_running",
			Help: "Jobs between active and a terminal event, per queue.",
		}, []string{"queue"}),
		runtime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pipeline_lifecycle_runtime_seconds",
			Help:    "Attempt wall time reported on terminal events.",
			Buckets: []float64{0.5, 1, 5, 15, 30, 60, 300, 900, 1800},
		}, []string{"queue", "kind"}),
	}
	for _, c := range []prometheus.Collector{s.eventsTotal, s.running, s.runtime} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register lifecycle collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates collectors for the batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []events.Event) error {
	for _, evt := range batch {
		s.eventsTotal.WithLabelValues(evt.Queue, string(evt.Kind)).Inc()
		switch evt.Kind {
		case events.KindActive:
			s.running.WithLabelValues(evt.Queue).Inc()
		case events.KindCompleted, events.KindFailed, events.KindRetrying, events.KindStalled:
			s.running.WithLabelValues(evt.Queue).Dec()
			if evt.Dur > 0 {
				s.runtime.WithLabelValues(evt.Queue, string(evt.Kind)).Observe(evt.Dur.Seconds())
			}
		}
	}
	return nil
}

// Close implements events.Sink.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}
