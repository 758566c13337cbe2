package redisq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/JakeFAU/seedprice-pipeline/internal/events"
)

const eventField = "event"

type waitEmitter interface {
	EmitWait(ctx context.Context, evt events.Event) error
}

// publish appends evt to the lifecycle stream.
func (b *Broker) publish(ctx context.Context, evt events.Event) {
	data, err := json.Marshal(evt)
	if err != nil {
		b.logger.Warn("encode lifecycle event failed", zap.Error(err))
		return
	}
	err = b.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: b.keys.events(),
		MaxLen: b.opts.EventStreamLen,
		Values: map[string]any{eventField: string(data)},
	}).Err()
	if err != nil {
		b.logger.Warn("append lifecycle event failed", zap.String("job_id", evt.JobID), zap.Error(err))
	}
}

func (b *Broker) ensureGroup(ctx context.Context) error {
	err := b.rdb.XGroupCreateMkStream(ctx, b.keys.events(), b.opts.EventGroup, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create event group: %w", err)
	}
	return nil
}

// pumpEvents drains this consumer's pending entries, then new ones, handing each
// event to the emitter before acknowledging it.
func (b *Broker) pumpEvents(ctx context.Context) error {
	for _, start := range []string{"0", ">"} {
		for {
			n, err := b.readEvents(ctx, start)
			if err != nil {
				return err
			}
			if n == 0 {
				break
			}
		}
	}
	return nil
}

func (b *Broker) readEvents(ctx context.Context, start string) (int, error) {
	streams, err := b.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    b.opts.EventGroup,
		Consumer: b.opts.ConsumerName,
		Streams:  []string{b.keys.events(), start},
		Count:    maintenanceBatch,
		Block:    -1,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read lifecycle events: %w", err)
	}

	n := 0
	for _, stream := range streams {
		for _, msg := range stream.Messages {
			n++
			if err := b.deliver(ctx, msg); err != nil {
				return n, err
			}
			if err := b.rdb.XAck(ctx, b.keys.events(), b.opts.EventGroup, msg.ID).Err(); err != nil {
				return n, fmt.Errorf("ack lifecycle event: %w", err)
			}
		}
	}
	return n, nil
}

func (b *Broker) deliver(ctx context.Context, msg redis.XMessage) error {
	raw, _ := msg.Values[eventField].(string)
	var evt events.Event
	if err := json.Unmarshal([]byte(raw), &evt); err != nil {
		b.logger.Warn("dropping unreadable lifecycle event", zap.String("id", msg.ID), zap.Error(err))
		return nil
	}
	if w, ok := b.emitter.(waitEmitter); ok {
		return w.EmitWait(ctx, evt)
	}
	b.emitter.Emit(evt)
	return nil
}
