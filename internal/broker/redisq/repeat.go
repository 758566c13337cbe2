package redisq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/JakeFAU/seedprice-pipeline/internal/broker"
)

// Schedule implements broker.Broker. Registering an existing key replaces its
// schedule and payload.
func (b *Broker) Schedule(ctx context.Context, queue string, payload any, schedule, key string) (broker.RepeatSpec, error) {
	data, err := broker.Marshal(payload)
	if err != nil {
		return broker.RepeatSpec{}, err
	}
	next, err := broker.NextRun(schedule, b.now())
	if err != nil {
		return broker.RepeatSpec{}, err
	}
	spec := broker.RepeatSpec{Key: key, Queue: queue, Schedule: schedule, Payload: data, NextRun: next}
	raw, err := json.Marshal(spec)
	if err != nil {
		return broker.RepeatSpec{}, fmt.Errorf("marshal repeat spec: %w", err)
	}
	_, err = b.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, b.keys.repeat(), key, raw)
		pipe.ZAdd(ctx, b.keys.repeatNext(), redis.Z{Score: float64(next.UnixMilli()), Member: key})
		return nil
	})
	if err != nil {
		return broker.RepeatSpec{}, fmt.Errorf("register repeat %s: %w", key, err)
	}
	return spec, nil
}

// CancelRepeating implements broker.Broker.
func (b *Broker) CancelRepeating(ctx context.Context, key string) (bool, error) {
	var removed *redis.IntCmd
	_, err := b.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		removed = pipe.HDel(ctx, b.keys.repeat(), key)
		pipe.ZRem(ctx, b.keys.repeatNext(), key)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("cancel repeat %s: %w", key, err)
	}
	return removed.Val() > 0, nil
}

// ListRepeating implements broker.Broker.
func (b *Broker) ListRepeating(ctx context.Context) ([]broker.RepeatSpec, error) {
	all, err := b.rdb.HGetAll(ctx, b.keys.repeat()).Result()
	if err != nil {
		return nil, fmt.Errorf("list repeats: %w", err)
	}
	out := make([]broker.RepeatSpec, 0, len(all))
	for key, raw := range all {
		var spec broker.RepeatSpec
		if err := json.Unmarshal([]byte(raw), &spec); err != nil {
			b.logger.Warn("skipping unreadable repeat spec", zap.String("key", key), zap.Error(err))
			continue
		}
		if score, err := b.rdb.ZScore(ctx, b.keys.repeatNext(), key).Result(); err == nil {
			spec.NextRun = time.UnixMilli(int64(score)).UTC()
		}
		out = append(out, spec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// fireRepeats enqueues every repeatable job whose activation is due. The job ID
// is derived from key and activation time, so concurrent firers collapse into
// one job.
func (b *Broker) fireRepeats(ctx context.Context) error {
	now := b.now()
	due, err := b.rdb.ZRangeByScoreWithScores(ctx, b.keys.repeatNext(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: maintenanceBatch,
	}).Result()
	if err != nil {
		return fmt.Errorf("due repeats: %w", err)
	}
	for _, z := range due {
		key, _ := z.Member.(string)
		raw, err := b.rdb.HGet(ctx, b.keys.repeat(), key).Result()
		if errors.Is(err, redis.Nil) {
			b.rdb.ZRem(ctx, b.keys.repeatNext(), key)
			continue
		}
		if err != nil {
			return fmt.Errorf("load repeat %s: %w", key, err)
		}
		var spec broker.RepeatSpec
		if err := json.Unmarshal([]byte(raw), &spec); err != nil {
			b.logger.Error("dropping unreadable repeat spec", zap.String("key", key), zap.Error(err))
			b.rdb.ZRem(ctx, b.keys.repeatNext(), key)
			continue
		}
		next, err := broker.NextRun(spec.Schedule, now)
		if err != nil {
			b.logger.Error("dropping repeat with invalid schedule", zap.String("key", key), zap.Error(err))
			b.rdb.ZRem(ctx, b.keys.repeatNext(), key)
			continue
		}
		if err := b.rdb.ZAdd(ctx, b.keys.repeatNext(), redis.Z{Score: float64(next.UnixMilli()), Member: key}).Err(); err != nil {
			return fmt.Errorf("advance repeat %s: %w", key, err)
		}

		runAt := time.UnixMilli(int64(z.Score))
		opts := broker.Options{JobID: broker.RepeatJobID(key, runAt)}
		if _, err := b.enqueue(ctx, spec.Queue, spec.Payload, opts, key); err != nil {
			return fmt.Errorf("fire repeat %s: %w", key, err)
		}
	}
	return nil
}
