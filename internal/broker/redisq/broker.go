// Package redisq implements broker.Broker on Redis. Each queue is a wait list,
// an active list and a delayed sorted set; job bodies live in hashes. A worker
// holds a TTL lock per active job and renews it while the handler runs, and a
// stall checker requeues active jobs whose lock lapsed. Lifecycle events are
// appended to a stream that one consumer group drains into the local hub.
package redisq

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/JakeFAU/seedprice-pipeline/internal/broker"
	"github.com/JakeFAU/seedprice-pipeline/internal/events"
)

// Options configures the Redis broker.
type Options struct {
	broker.Config
	// Prefix namespaces every key (default "seedprice").
	Prefix string
	// EventGroup is the consumer group that drains the lifecycle stream.
	EventGroup string
	// ConsumerName identifies this process in the group (default host-pid).
	ConsumerName string
	// EventStreamLen caps the lifecycle stream length.
	EventStreamLen int64
	// FinishedTTL expires completed and failed job hashes.
	FinishedTTL time.Duration
}

type consumer struct {
	concurrency int
	handler     broker.Handler
}

// Broker is a Redis-backed broker.Broker.
type Broker struct {
	rdb     redis.UniversalClient
	cfg     broker.Config
	opts    Options
	keys    keyspace
	emitter events.Emitter
	logger  *zap.Logger
	now     func() time.Time

	mu        sync.Mutex
	consumers map[string]consumer
	suspects  map[string]bool
	started   bool
	closed    bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a broker on rdb. A nil emitter disables the event pump; events are
// still appended to the stream for other processes.
func New(rdb redis.UniversalClient, opts Options, emitter events.Emitter, logger *zap.Logger) *Broker {
	if opts.Prefix == "" {
		opts.Prefix = "seedprice"
	}
	if opts.EventGroup == "" {
		opts.EventGroup = "jobsync"
	}
	if opts.ConsumerName == "" {
		host, _ := os.Hostname()
		opts.ConsumerName = fmt.Sprintf("%s-%d", host, os.Getpid())
	}
	if opts.EventStreamLen <= 0 {
		opts.EventStreamLen = 10000
	}
	if opts.FinishedTTL <= 0 {
		opts.FinishedTTL = 7 * 24 * time.Hour
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broker{
		rdb:       rdb,
		cfg:       opts.Config.WithDefaults(),
		opts:      opts,
		keys:      keyspace{prefix: opts.Prefix},
		emitter:   emitter,
		logger:    logger,
		now:       time.Now,
		consumers: make(map[string]consumer),
		suspects:  make(map[string]bool),
	}
}

// Enqueue implements broker.Enqueuer. A JobID already present returns the
// existing job untouched.
func (b *Broker) Enqueue(ctx context.Context, queue string, payload any, opts broker.Options) (broker.Job, error) {
	data, err := broker.Marshal(payload)
	if err != nil {
		return broker.Job{}, err
	}
	return b.enqueue(ctx, queue, data, opts, "")
}

func (b *Broker) enqueue(ctx context.Context, queue string, data []byte, opts broker.Options, repeatKey string) (broker.Job, error) {
	id := opts.JobID
	if id == "" {
		id = uuid.NewString()
	}
	jobKey := b.keys.job(id)
	fresh, err := b.rdb.HSetNX(ctx, jobKey, fieldID, id).Result()
	if err != nil {
		return broker.Job{}, fmt.Errorf("reserve job id: %w", err)
	}
	if !fresh {
		return b.GetJob(ctx, id)
	}

	now := b.now()
	job := broker.Job{
		ID:          id,
		Queue:       queue,
		Payload:     data,
		State:       broker.StateWaiting,
		MaxAttempts: b.cfg.DefaultAttempts,
		Backoff:     b.cfg.DefaultBackoff,
		RepeatKey:   repeatKey,
		CreatedAt:   now,
	}
	if opts.Attempts > 0 {
		job.MaxAttempts = opts.Attempts
	}
	if opts.Backoff > 0 {
		job.Backoff = opts.Backoff
	}
	kind := events.KindWaiting
	if opts.Delay > 0 {
		job.State = broker.StateDelayed
		kind = events.KindDelayed
	}

	_, err = b.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, jobKey, jobFields(job))
		pipe.SAdd(ctx, b.keys.queues(), queue)
		if opts.Delay > 0 {
			pipe.ZAdd(ctx, b.keys.delayed(queue), redis.Z{Score: float64(now.Add(opts.Delay).UnixMilli()), Member: id})
		} else {
			pipe.LPush(ctx, b.keys.wait(queue), id)
		}
		return nil
	})
	if err != nil {
		return broker.Job{}, fmt.Errorf("enqueue %s: %w", queue, err)
	}
	b.publish(ctx, events.Event{Kind: kind, Queue: queue, JobID: id, TS: now})
	return job, nil
}

// GetJob implements broker.Broker.
func (b *Broker) GetJob(ctx context.Context, id string) (broker.Job, error) {
	m, err := b.rdb.HGetAll(ctx, b.keys.job(id)).Result()
	if err != nil {
		return broker.Job{}, fmt.Errorf("load job %s: %w", id, err)
	}
	if len(m) == 0 || m[fieldQueue] == "" {
		return broker.Job{}, broker.ErrJobNotFound
	}
	return decodeJob(m), nil
}

// IsLive implements broker.Broker.
func (b *Broker) IsLive(ctx context.Context, id string) (bool, error) {
	state, err := b.rdb.HGet(ctx, b.keys.job(id), fieldState).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("job state %s: %w", id, err)
	}
	return broker.State(state).Live(), nil
}

// Cancel implements broker.Broker.
func (b *Broker) Cancel(ctx context.Context, id string) error {
	job, err := b.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if err := b.rdb.Set(ctx, b.keys.cancel(id), "1", 24*time.Hour).Err(); err != nil {
		return fmt.Errorf("flag cancel %s: %w", id, err)
	}

	var removed int64
	switch job.State {
	case broker.StateWaiting:
		removed, err = b.rdb.LRem(ctx, b.keys.wait(job.Queue), 1, id).Result()
	case broker.StateDelayed:
		removed, err = b.rdb.ZRem(ctx, b.keys.delayed(job.Queue), id).Result()
	default:
		return nil
	}
	if err != nil {
		return fmt.Errorf("dequeue cancelled %s: %w", id, err)
	}
	if removed == 1 {
		b.finish(ctx, job, broker.StateFailed, "cancelled", nil)
		b.publish(ctx, events.Event{Kind: events.KindCancelled, Queue: job.Queue, JobID: id, Attempt: job.Attempt, TS: b.now()})
	}
	return nil
}

// IsCancelled implements broker.Broker.
func (b *Broker) IsCancelled(ctx context.Context, id string) (bool, error) {
	n, err := b.rdb.Exists(ctx, b.keys.cancel(id)).Result()
	if err != nil {
		return false, fmt.Errorf("cancel flag %s: %w", id, err)
	}
	return n > 0, nil
}

// Counts implements broker.Broker.
func (b *Broker) Counts(ctx context.Context, queue string) (map[broker.State]int64, error) {
	var (
		waiting, active          *redis.IntCmd
		delayed, completed, fail *redis.IntCmd
	)
	_, err := b.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		waiting = pipe.LLen(ctx, b.keys.wait(queue))
		active = pipe.LLen(ctx, b.keys.active(queue))
		delayed = pipe.ZCard(ctx, b.keys.delayed(queue))
		completed = pipe.ZCard(ctx, b.keys.finished(queue, string(broker.StateCompleted)))
		fail = pipe.ZCard(ctx, b.keys.finished(queue, string(broker.StateFailed)))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("queue counts %s: %w", queue, err)
	}
	return map[broker.State]int64{
		broker.StateWaiting:   waiting.Val(),
		broker.StateActive:    active.Val(),
		broker.StateDelayed:   delayed.Val(),
		broker.StateCompleted: completed.Val(),
		broker.StateFailed:    fail.Val(),
	}, nil
}

// Process implements broker.Broker.
func (b *Broker) Process(queue string, concurrency int, h broker.Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return errors.New("broker: already started")
	}
	if _, ok := b.consumers[queue]; ok {
		return fmt.Errorf("%w: %s", broker.ErrAlreadyProcessing, queue)
	}
	if concurrency <= 0 {
		concurrency = 1
	}
	b.consumers[queue] = consumer{concurrency: concurrency, handler: h}
	return nil
}

// Start launches consumers, the maintenance loops and the event pump. They stop
// when ctx ends or Close is called.
func (b *Broker) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.started || b.closed {
		b.mu.Unlock()
		return errors.New("broker: already started")
	}
	b.started = true
	ctx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	consumers := make(map[string]consumer, len(b.consumers))
	for q, c := range b.consumers {
		consumers[q] = c
	}
	b.mu.Unlock()

	if b.emitter != nil {
		if err := b.ensureGroup(ctx); err != nil {
			cancel()
			return err
		}
		b.loop(ctx, b.cfg.PollInterval, b.pumpEvents)
	}
	for queue, c := range consumers {
		for i := 0; i < c.concurrency; i++ {
			b.wg.Add(1)
			go b.consume(ctx, queue, c.handler)
		}
	}
	b.loop(ctx, b.cfg.PollInterval, b.promoteDelayed)
	b.loop(ctx, b.cfg.PollInterval, b.fireRepeats)
	b.loop(ctx, b.cfg.StallTimeout/2, b.checkStalled)
	return nil
}

func (b *Broker) loop(ctx context.Context, every time.Duration, fn func(context.Context) error) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := fn(ctx); err != nil && ctx.Err() == nil {
					b.logger.Warn("broker maintenance failed", zap.Error(err))
				}
			}
		}
	}()
}

// Close stops all loops and waits for running handlers.
func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	cancel := b.cancel
	b.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	b.wg.Wait()
	return nil
}

func millis(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}
