package redisq

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/JakeFAU/seedprice-pipeline/internal/broker"
	"github.com/JakeFAU/seedprice-pipeline/internal/events"
	"github.com/JakeFAU/seedprice-pipeline/internal/metrics"
)

var (
	renewLock = redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("pexpire", KEYS[1], ARGV[2])
		else
			return 0
		end
	`)
	releaseLock = redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("del", KEYS[1])
		else
			return 0
		end
	`)
)

func (b *Broker) consume(ctx context.Context, queue string, h broker.Handler) {
	defer b.wg.Done()
	for {
		if ctx.Err() != nil {
			return
		}
		claimed, err := b.claimNext(ctx, queue, h)
		if err != nil && ctx.Err() == nil {
			b.logger.Warn("claim failed", zap.String("queue", queue), zap.Error(err))
		}
		if claimed {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(b.cfg.PollInterval):
		}
	}
}

// claimNext moves one job from wait to active and runs it. It reports whether a
// job was found.
func (b *Broker) claimNext(ctx context.Context, queue string, h broker.Handler) (bool, error) {
	id, err := b.rdb.RPopLPush(ctx, b.keys.wait(queue), b.keys.active(queue)).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("claim %s: %w", queue, err)
	}
	b.runJob(ctx, queue, id, h)
	return true, nil
}

func (b *Broker) runJob(ctx context.Context, queue, id string, h broker.Handler) {
	token := uuid.NewString()
	if err := b.rdb.Set(ctx, b.keys.lock(id), token, b.cfg.StallTimeout).Err(); err != nil {
		b.logger.Warn("lock job failed", zap.String("job_id", id), zap.Error(err))
	}

	now := b.now()
	attempt, err := b.rdb.HIncrBy(ctx, b.keys.job(id), fieldAttempt, 1).Result()
	if err != nil {
		b.logger.Warn("increment attempt failed", zap.String("job_id", id), zap.Error(err))
	}
	if err := b.rdb.HSet(ctx, b.keys.job(id), fieldState, string(broker.StateActive), fieldProcessedAt, millis(now)).Err(); err != nil {
		b.logger.Warn("mark job active failed", zap.String("job_id", id), zap.Error(err))
	}

	job, err := b.GetJob(ctx, id)
	if err != nil {
		b.logger.Warn("active job vanished", zap.String("job_id", id), zap.Error(err))
		if err := b.rdb.LRem(ctx, b.keys.active(queue), 1, id).Err(); err != nil {
			b.logger.Warn("drop vanished job failed", zap.String("job_id", id), zap.Error(err))
		}
		return
	}
	job.Attempt = int(attempt)

	if cancelled, _ := b.IsCancelled(ctx, id); cancelled {
		if b.release(ctx, job, token) {
			b.finish(ctx, job, broker.StateFailed, "cancelled", nil)
			b.publish(ctx, events.Event{Kind: events.KindCancelled, Queue: queue, JobID: id, Attempt: job.Attempt, TS: b.now()})
		}
		return
	}
	b.publish(ctx, events.Event{Kind: events.KindActive, Queue: queue, JobID: id, Attempt: job.Attempt, TS: now})

	metrics.IncActiveWorkers(queue)
	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	go b.heartbeat(hbCtx, id, token)
	result, runErr := safeCall(ctx, h, job)
	stopHeartbeat()
	metrics.DecActiveWorkers(queue)
	dur := b.now().Sub(now)

	if !b.release(ctx, job, token) {
		b.logger.Warn("job was reclaimed while running; dropping outcome", zap.String("job_id", id))
		return
	}

	evt := events.Event{Queue: queue, JobID: id, Attempt: job.Attempt, TS: b.now(), Dur: dur}
	switch {
	case runErr == nil:
		data, merr := broker.Marshal(result)
		if merr != nil {
			b.logger.Warn("job result not serializable", zap.String("job_id", id), zap.Error(merr))
		}
		b.finish(ctx, job, broker.StateCompleted, "", data)
		evt.Kind = events.KindCompleted
		evt.Result = data
	case broker.ShouldRetry(runErr, job.Attempt, job.MaxAttempts):
		runAt := b.now().Add(broker.Backoff(job.Backoff, b.cfg.MaxBackoff, job.Attempt))
		if err := b.scheduleRetry(ctx, queue, id, runErr.Error(), runAt); err != nil {
			b.logger.Warn("schedule retry failed; requeueing now", zap.String("job_id", id), zap.Error(err))
			if err := b.requeue(ctx, queue, id); err != nil {
				b.logger.Error("requeue job failed", zap.String("job_id", id), zap.Error(err))
			}
		}
		evt.Kind = events.KindRetrying
		evt.Note = runErr.Error()
	default:
		b.finish(ctx, job, broker.StateFailed, runErr.Error(), nil)
		evt.Kind = events.KindFailed
		evt.Note = runErr.Error()
	}
	metrics.ObserveJob(queue, string(evt.Kind), dur)
	b.publish(ctx, evt)
}

// scheduleRetry parks the job in the delayed set until runAt.
func (b *Broker) scheduleRetry(ctx context.Context, queue, id, reason string, runAt time.Time) error {
	_, err := b.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, b.keys.job(id), fieldState, string(broker.StateDelayed), fieldReason, reason)
		pipe.ZAdd(ctx, b.keys.delayed(queue), redis.Z{Score: float64(runAt.UnixMilli()), Member: id})
		return nil
	})
	if err != nil {
		return fmt.Errorf("schedule retry %s: %w", id, err)
	}
	return nil
}

// requeue puts the job straight back on the wait list.
func (b *Broker) requeue(ctx context.Context, queue, id string) error {
	_, err := b.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, b.keys.job(id), fieldState, string(broker.StateWaiting))
		pipe.LPush(ctx, b.keys.wait(queue), id)
		return nil
	})
	return err
}

// release removes the job from the active list and drops our lock. It reports
// false when the stall checker already moved the job elsewhere.
func (b *Broker) release(ctx context.Context, job broker.Job, token string) bool {
	removed, err := b.rdb.LRem(ctx, b.keys.active(job.Queue), 1, job.ID).Result()
	if err != nil {
		b.logger.Warn("release job failed", zap.String("job_id", job.ID), zap.Error(err))
		return false
	}
	if err := releaseLock.Run(ctx, b.rdb, []string{b.keys.lock(job.ID)}, token).Err(); err != nil {
		b.logger.Debug("release lock failed", zap.String("job_id", job.ID), zap.Error(err))
	}
	return removed == 1
}

func (b *Broker) heartbeat(ctx context.Context, id, token string) {
	ticker := time.NewTicker(b.cfg.StallTimeout / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			held, err := renewLock.Run(ctx, b.rdb, []string{b.keys.lock(id)}, token, b.cfg.StallTimeout.Milliseconds()).Int()
			if err != nil && ctx.Err() == nil {
				b.logger.Warn("lock renewal failed", zap.String("job_id", id), zap.Error(err))
			}
			if err == nil && held == 0 {
				b.logger.Warn("job lock lost", zap.String("job_id", id))
				return
			}
		}
	}
}

// finish records a terminal state and trims history.
func (b *Broker) finish(ctx context.Context, job broker.Job, state broker.State, reason string, result []byte) {
	now := b.now()
	zkey := b.keys.finished(job.Queue, string(state))
	_, err := b.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		fields := []any{fieldState, string(state), fieldFinishedAt, millis(now)}
		if reason != "" {
			fields = append(fields, fieldReason, reason)
		}
		if result != nil {
			fields = append(fields, fieldResult, string(result))
		}
		pipe.HSet(ctx, b.keys.job(job.ID), fields...)
		pipe.Expire(ctx, b.keys.job(job.ID), b.opts.FinishedTTL)
		pipe.ZAdd(ctx, zkey, redis.Z{Score: float64(now.UnixMilli()), Member: job.ID})
		pipe.ZRemRangeByRank(ctx, zkey, 0, -b.cfg.KeepCompleted-1)
		return nil
	})
	if err != nil {
		b.logger.Warn("record job outcome failed", zap.String("job_id", job.ID), zap.Error(err))
	}
}

func safeCall(ctx context.Context, h broker.Handler, job broker.Job) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, job)
}
