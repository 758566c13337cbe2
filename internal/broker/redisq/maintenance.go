package redisq

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/JakeFAU/seedprice-pipeline/internal/broker"
	"github.com/JakeFAU/seedprice-pipeline/internal/events"
)

const maintenanceBatch = 100

// promoteDelayed moves due delayed jobs onto their wait lists. ZRem decides the
// owner when several processes race.
func (b *Broker) promoteDelayed(ctx context.Context) error {
	queues, err := b.rdb.SMembers(ctx, b.keys.queues()).Result()
	if err != nil {
		return fmt.Errorf("list queues: %w", err)
	}
	now := b.now()
	for _, queue := range queues {
		ids, err := b.rdb.ZRangeByScore(ctx, b.keys.delayed(queue), &redis.ZRangeBy{
			Min:   "-inf",
			Max:   strconv.FormatInt(now.UnixMilli(), 10),
			Count: maintenanceBatch,
		}).Result()
		if err != nil {
			return fmt.Errorf("due delayed %s: %w", queue, err)
		}
		for _, id := range ids {
			removed, err := b.rdb.ZRem(ctx, b.keys.delayed(queue), id).Result()
			if err != nil || removed == 0 {
				continue
			}
			_, err = b.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.HSet(ctx, b.keys.job(id), fieldState, string(broker.StateWaiting))
				pipe.LPush(ctx, b.keys.wait(queue), id)
				return nil
			})
			if err != nil {
				return fmt.Errorf("promote %s: %w", id, err)
			}
			b.publish(ctx, events.Event{Kind: events.KindWaiting, Queue: queue, JobID: id, TS: now})
		}
	}
	return nil
}

// checkStalled requeues active jobs whose lock has lapsed on two consecutive
// passes; a job that stalls more than MaxStalls times fails.
func (b *Broker) checkStalled(ctx context.Context) error {
	b.mu.Lock()
	queues := make([]string, 0, len(b.consumers))
	for q := range b.consumers {
		queues = append(queues, q)
	}
	b.mu.Unlock()

	seen := make(map[string]bool)
	for _, queue := range queues {
		ids, err := b.rdb.LRange(ctx, b.keys.active(queue), 0, -1).Result()
		if err != nil {
			return fmt.Errorf("list active %s: %w", queue, err)
		}
		for _, id := range ids {
			locked, err := b.rdb.Exists(ctx, b.keys.lock(id)).Result()
			if err != nil {
				return fmt.Errorf("lock check %s: %w", id, err)
			}
			if locked > 0 {
				continue
			}
			seen[id] = true
			b.mu.Lock()
			suspect := b.suspects[id]
			b.mu.Unlock()
			if !suspect {
				continue
			}
			if err := b.requeueStalled(ctx, queue, id); err != nil {
				return err
			}
			delete(seen, id)
		}
	}

	b.mu.Lock()
	b.suspects = seen
	b.mu.Unlock()
	return nil
}

func (b *Broker) requeueStalled(ctx context.Context, queue, id string) error {
	removed, err := b.rdb.LRem(ctx, b.keys.active(queue), 1, id).Result()
	if err != nil {
		return fmt.Errorf("unlink stalled %s: %w", id, err)
	}
	if removed == 0 {
		return nil
	}
	stalls, err := b.rdb.HIncrBy(ctx, b.keys.job(id), fieldStalls, 1).Result()
	if err != nil {
		return fmt.Errorf("count stall %s: %w", id, err)
	}
	job, err := b.GetJob(ctx, id)
	if errors.Is(err, broker.ErrJobNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	now := b.now()
	if int(stalls) > b.cfg.MaxStalls {
		reason := "job stalled more than allowable limit"
		b.finish(ctx, job, broker.StateFailed, reason, nil)
		b.publish(ctx, events.Event{Kind: events.KindFailed, Queue: queue, JobID: id, Attempt: job.Attempt, TS: now, Note: reason})
		b.logger.Warn("stalled job failed", zap.String("job_id", id), zap.Int64("stalls", stalls))
		return nil
	}

	_, err = b.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, b.keys.job(id), fieldState, string(broker.StateWaiting))
		pipe.RPush(ctx, b.keys.wait(queue), id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("requeue stalled %s: %w", id, err)
	}
	b.publish(ctx, events.Event{Kind: events.KindStalled, Queue: queue, JobID: id, Attempt: job.Attempt, TS: now})
	b.logger.Warn("stalled job requeued", zap.String("job_id", id), zap.Int64("stalls", stalls))
	return nil
}
