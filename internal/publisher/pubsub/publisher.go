// Package pubsub mirrors lifecycle events to a Google Cloud Pub/Sub topic.
package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	pubsub "cloud.google.com/go/pubsub/v2"

	"github.com/JakeFAU/seedprice-pipeline/internal/events"
)

// Publisher wraps a Pub/Sub topic publisher. It implements sinks.Publisher.
type Publisher struct {
	publisher *pubsub.Publisher
	send      func(ctx context.Context, msg *pubsub.Message) (string, error)
}

// New creates a Publisher for topic on client.
func New(client *pubsub.Client, topic string) (*Publisher, error) {
	if client == nil {
		return nil, errors.New("pubsub client is required")
	}
	if topic == "" {
		return nil, errors.New("pubsub topic is required")
	}
	pub := client.Publisher(topic)
	return &Publisher{
		publisher: pub,
		send: func(ctx context.Context, msg *pubsub.Message) (string, error) {
			return pub.Publish(ctx, msg).Get(ctx)
		},
	}, nil
}

// Publish marshals payload to JSON and waits for the server-assigned ID.
// Lifecycle events also carry their kind, queue and job id as attributes so
// subscribers can filter without decoding.
func (p *Publisher) Publish(ctx context.Context, payload any) (string, error) {
	if p == nil || p.send == nil {
		return "", errors.New("pubsub publisher is not configured")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	msg := &pubsub.Message{Data: data, Attributes: attributesFor(payload)}
	id, err := p.send(ctx, msg)
	if err != nil {
		return "", fmt.Errorf("publish message: %w", err)
	}
	return id, nil
}

// Stop flushes pending messages.
func (p *Publisher) Stop() {
	if p != nil && p.publisher != nil {
		p.publisher.Stop()
	}
}

func attributesFor(payload any) map[string]string {
	evt, ok := payload.(events.Event)
	if !ok {
		return nil
	}
	return map[string]string{
		"kind":    string(evt.Kind),
		"queue":   evt.Queue,
		"job_id":  evt.JobID,
		"attempt": strconv.Itoa(evt.Attempt),
	}
}
