package sinks

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/seedprice-pipeline/internal/events"
)

func evt(kind events.Kind) events.Event {
	return events.Event{Kind: kind, Queue: "scrape", JobID: "job-1", TS: time.Now(), Dur: 2 * time.Second}
}

func TestPrometheusSinkCounts(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	require.NoError(t, sink.Consume(context.Background(), []events.Event{
		evt(events.KindActive), evt(events.KindActive), evt(events.KindCompleted),
	}))
	require.InDelta(t, 2, testutil.ToFloat64(sink.eventsTotal.WithLabelValues("scrape", "active")), 1e-9)
	require.InDelta(t, 1, testutil.ToFloat64(sink.running.WithLabelValues("scrape")), 1e-9)

	_, err = NewPrometheusSink(reg)
	require.Error(t, err, "duplicate registration should fail")
}

func TestLogSinkLevels(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.DebugLevel)
	sink := NewLogSink(zap.New(core))
	require.NoError(t, sink.Consume(context.Background(), []events.Event{evt(events.KindActive), evt(events.KindFailed)}))
	require.Equal(t, 2, logs.Len())
	require.Equal(t, 1, logs.FilterLevelExact(zap.WarnLevel).Len())
}

type recordingPublisher struct {
	payloads []any
	err      error
}

func (p *recordingPublisher) Publish(_ context.Context, payload any) (string, error) {
	if p.err != nil {
		return "", p.err
	}
	p.payloads = append(p.payloads, payload)
	return "msg-1", nil
}

func TestPublishSinkTerminalOnly(t *testing.T) {
	t.Parallel()

	pub := &recordingPublisher{}
	sink := NewPublishSink(pub, false, nil)
	require.NoError(t, sink.Consume(context.Background(), []events.Event{
		evt(events.KindActive), evt(events.KindCompleted), evt(events.KindRetrying), evt(events.KindFailed),
	}))
	require.Len(t, pub.payloads, 2)

	all := NewPublishSink(pub, true, nil)
	require.NoError(t, all.Consume(context.Background(), []events.Event{evt(events.KindActive)}))
	require.Len(t, pub.payloads, 3)
}

func TestPublishSinkJoinsErrors(t *testing.T) {
	t.Parallel()

	sink := NewPublishSink(&recordingPublisher{err: errors.New("topic gone")}, true, nil)
	err := sink.Consume(context.Background(), []events.Event{evt(events.KindActive)})
	require.ErrorContains(t, err, "topic gone")
}
