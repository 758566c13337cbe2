package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/seedprice-pipeline/internal/events"
)

func TestPublishEventCarriesAttributes(t *testing.T) {
	t.Parallel()

	var got *pubsub.Message
	p := &Publisher{send: func(_ context.Context, msg *pubsub.Message) (string, error) {
		got = msg
		return "msg-1", nil
	}}
	evt := events.Event{
		Kind: events.KindCompleted, Queue: "scrape", JobID: "job-1", Attempt: 2,
		TS: time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC),
	}

	id, err := p.Publish(context.Background(), evt)
	require.NoError(t, err)
	require.Equal(t, "msg-1", id)
	require.Equal(t, map[string]string{"kind": "completed", "queue": "scrape", "job_id": "job-1", "attempt": "2"}, got.Attributes)

	var decoded events.Event
	require.NoError(t, json.Unmarshal(got.Data, &decoded))
	require.Equal(t, "job-1", decoded.JobID)
}

func TestPublishOtherPayloads(t *testing.T) {
	t.Parallel()

	var got *pubsub.Message
	p := &Publisher{send: func(_ context.Context, msg *pubsub.Message) (string, error) {
		got = msg
		return "msg-2", nil
	}}
	_, err := p.Publish(context.Background(), map[string]string{"vendorId": "v1"})
	require.NoError(t, err)
	require.Nil(t, got.Attributes)
	require.JSONEq(t, `{"vendorId":"v1"}`, string(got.Data))
}

func TestPublishErrors(t *testing.T) {
	t.Parallel()

	var unconfigured *Publisher
	_, err := unconfigured.Publish(context.Background(), "x")
	require.Error(t, err)

	p := &Publisher{send: func(context.Context, *pubsub.Message) (string, error) {
		return "", errors.New("topic not found")
	}}
	_, err = p.Publish(context.Background(), "x")
	require.ErrorContains(t, err, "topic not found")

	_, err = p.Publish(context.Background(), make(chan int))
	require.ErrorContains(t, err, "marshal payload")
}

func TestNewValidates(t *testing.T) {
	t.Parallel()
	_, err := New(nil, "lifecycle")
	require.Error(t, err)
}
