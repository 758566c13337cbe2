// Package memory implements broker.Broker in process. It keeps the same
// retry, delay, repeat and cancellation semantics as the Redis broker but loses
// all state on restart, so it has no stall detection.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/seedprice-pipeline/internal/broker"
	"github.com/JakeFAU/seedprice-pipeline/internal/events"
	"github.com/JakeFAU/seedprice-pipeline/internal/metrics"
)

type consumer struct {
	concurrency int
	handler     broker.Handler
}

// Broker is an in-process broker.Broker.
type Broker struct {
	cfg     broker.Config
	emitter events.Emitter
	logger  *zap.Logger
	now     func() time.Time

	mu        sync.Mutex
	jobs      map[string]*broker.Job
	waiting   map[string][]string
	delayed   map[string]time.Time
	repeats   map[string]*broker.RepeatSpec
	cancelled map[string]bool
	consumers map[string]consumer
	notify    map[string]chan struct{}
	started   bool
	closed    bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds an in-memory broker.
func New(cfg broker.Config, emitter events.Emitter, logger *zap.Logger) *Broker {
	if emitter == nil {
		emitter = events.Discard
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broker{
		cfg:       cfg.WithDefaults(),
		emitter:   emitter,
		logger:    logger,
		now:       time.Now,
		jobs:      make(map[string]*broker.Job),
		waiting:   make(map[string][]string),
		delayed:   make(map[string]time.Time),
		repeats:   make(map[string]*broker.RepeatSpec),
		cancelled: make(map[string]bool),
		consumers: make(map[string]consumer),
		notify:    make(map[string]chan struct{}),
	}
}

// Enqueue implements broker.Enqueuer.
func (b *Broker) Enqueue(_ context.Context, queue string, payload any, opts broker.Options) (broker.Job, error) {
	data, err := broker.Marshal(payload)
	if err != nil {
		return broker.Job{}, err
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return broker.Job{}, broker.ErrClosed
	}
	job, evt, created := b.enqueueLocked(queue, data, opts, "")
	b.mu.Unlock()
	if created {
		b.emitter.Emit(evt)
		b.wake(queue)
	}
	return job, nil
}

func (b *Broker) enqueueLocked(queue string, data []byte, opts broker.Options, repeatKey string) (broker.Job, events.Event, bool) {
	if opts.JobID != "" {
		if existing, ok := b.jobs[opts.JobID]; ok {
			return *existing, events.Event{}, false
		}
	}
	id := opts.JobID
	if id == "" {
		id = uuid.NewString()
	}
	now := b.now()
	job := &broker.Job{
		ID:          id,
		Queue:       queue,
		Payload:     append([]byte(nil), data...),
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
	b.jobs[id] = job

	kind := events.KindWaiting
	if opts.Delay > 0 {
		job.State = broker.StateDelayed
		b.delayed[id] = now.Add(opts.Delay)
		kind = events.KindDelayed
	} else {
		b.waiting[queue] = append(b.waiting[queue], id)
	}
	return *job, events.Event{Kind: kind, Queue: queue, JobID: id, TS: now}, true
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
	b.notify[queue] = make(chan struct{}, 1)
	return nil
}

// Schedule implements broker.Broker.
func (b *Broker) Schedule(_ context.Context, queue string, payload any, schedule, key string) (broker.RepeatSpec, error) {
	data, err := broker.Marshal(payload)
	if err != nil {
		return broker.RepeatSpec{}, err
	}
	next, err := broker.NextRun(schedule, b.now())
	if err != nil {
		return broker.RepeatSpec{}, err
	}
	spec := &broker.RepeatSpec{Key: key, Queue: queue, Schedule: schedule, Payload: data, NextRun: next}
	b.mu.Lock()
	b.repeats[key] = spec
	b.mu.Unlock()
	return *spec, nil
}

// CancelRepeating implements broker.Broker.
func (b *Broker) CancelRepeating(_ context.Context, key string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.repeats[key]
	delete(b.repeats, key)
	return ok, nil
}

// ListRepeating implements broker.Broker.
func (b *Broker) ListRepeating(context.Context) ([]broker.RepeatSpec, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]broker.RepeatSpec, 0, len(b.repeats))
	for _, spec := range b.repeats {
		out = append(out, *spec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// GetJob implements broker.Broker.
func (b *Broker) GetJob(_ context.Context, id string) (broker.Job, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	job, ok := b.jobs[id]
	if !ok {
		return broker.Job{}, broker.ErrJobNotFound
	}
	return *job, nil
}

// IsLive implements broker.Broker.
func (b *Broker) IsLive(_ context.Context, id string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	job, ok := b.jobs[id]
	return ok && job.State.Live(), nil
}

// Cancel implements broker.Broker.
func (b *Broker) Cancel(_ context.Context, id string) error {
	b.mu.Lock()
	job, ok := b.jobs[id]
	if !ok {
		b.mu.Unlock()
		return broker.ErrJobNotFound
	}
	b.cancelled[id] = true
	var evt *events.Event
	switch job.State {
	case broker.StateWaiting:
		b.waiting[job.Queue] = remove(b.waiting[job.Queue], id)
		evt = b.finishCancelledLocked(job)
	case broker.StateDelayed:
		delete(b.delayed, id)
		evt = b.finishCancelledLocked(job)
	}
	b.mu.Unlock()
	if evt != nil {
		b.emitter.Emit(*evt)
	}
	return nil
}

func (b *Broker) finishCancelledLocked(job *broker.Job) *events.Event {
	now := b.now()
	job.State = broker.StateFailed
	job.FailedReason = "cancelled"
	job.FinishedAt = &now
	return &events.Event{Kind: events.KindCancelled, Queue: job.Queue, JobID: job.ID, Attempt: job.Attempt, TS: now}
}

// IsCancelled implements broker.Broker.
func (b *Broker) IsCancelled(_ context.Context, id string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cancelled[id], nil
}

// Counts implements broker.Broker.
func (b *Broker) Counts(_ context.Context, queue string) (map[broker.State]int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	counts := map[broker.State]int64{
		broker.StateWaiting: 0, broker.StateDelayed: 0, broker.StateActive: 0,
		broker.StateCompleted: 0, broker.StateFailed: 0,
	}
	for _, job := range b.jobs {
		if job.Queue == queue {
			counts[job.State]++
		}
	}
	return counts, nil
}

// Start launches consumers and the maintenance loop. They stop when ctx ends or
// Close is called.
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

	for queue, c := range consumers {
		for i := 0; i < c.concurrency; i++ {
			b.wg.Add(1)
			go b.consume(ctx, queue, c.handler)
		}
	}
	b.wg.Add(1)
	go b.maintain(ctx)
	return nil
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

func (b *Broker) wake(queue string) {
	b.mu.Lock()
	ch := b.notify[queue]
	b.mu.Unlock()
	if ch == nil {
		return
	}
	select {
	case ch <- struct{}{}:
	default:
	}
}

func (b *Broker) consume(ctx context.Context, queue string, h broker.Handler) {
	defer b.wg.Done()
	b.mu.Lock()
	notify := b.notify[queue]
	b.mu.Unlock()
	ticker := time.NewTicker(b.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if job, ok := b.claim(queue); ok {
			b.run(ctx, job, h)
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-notify:
		case <-ticker.C:
		}
	}
}

func (b *Broker) claim(queue string) (broker.Job, bool) {
	b.mu.Lock()
	ids := b.waiting[queue]
	if len(ids) == 0 {
		b.mu.Unlock()
		return broker.Job{}, false
	}
	id := ids[0]
	b.waiting[queue] = ids[1:]
	job := b.jobs[id]
	now := b.now()
	job.State = broker.StateActive
	job.Attempt++
	job.ProcessedAt = &now
	snapshot := *job
	b.mu.Unlock()

	b.emitter.Emit(events.Event{Kind: events.KindActive, Queue: queue, JobID: id, Attempt: snapshot.Attempt, TS: now})
	return snapshot, true
}

func (b *Broker) run(ctx context.Context, job broker.Job, h broker.Handler) {
	metrics.IncActiveWorkers(job.Queue)
	defer metrics.DecActiveWorkers(job.Queue)

	start := b.now()
	result, err := safeCall(ctx, h, job)
	dur := b.now().Sub(start)

	b.mu.Lock()
	stored := b.jobs[job.ID]
	now := b.now()
	evt := events.Event{Queue: job.Queue, JobID: job.ID, Attempt: job.Attempt, TS: now, Dur: dur}
	switch {
	case err == nil:
		data, merr := broker.Marshal(result)
		if merr != nil {
			b.logger.Warn("job result not serializable", zap.String("job_id", job.ID), zap.Error(merr))
		}
		stored.State = broker.StateCompleted
		stored.Result = data
		stored.FinishedAt = &now
		evt.Kind = events.KindCompleted
		evt.Result = data
	case broker.ShouldRetry(err, job.Attempt, job.MaxAttempts):
		stored.State = broker.StateDelayed
		stored.FailedReason = err.Error()
		b.delayed[job.ID] = now.Add(broker.Backoff(job.Backoff, b.cfg.MaxBackoff, job.Attempt))
		evt.Kind = events.KindRetrying
		evt.Note = err.Error()
	default:
		stored.State = broker.StateFailed
		stored.FailedReason = err.Error()
		stored.FinishedAt = &now
		evt.Kind = events.KindFailed
		evt.Note = err.Error()
	}
	b.mu.Unlock()

	metrics.ObserveJob(job.Queue, string(evt.Kind), dur)
	b.emitter.Emit(evt)
}

func safeCall(ctx context.Context, h broker.Handler, job broker.Job) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, job)
}

func (b *Broker) maintain(ctx context.Context) {
	defer b.wg.Done()
	ticker := time.NewTicker(b.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.Tick()
		}
	}
}

// Tick promotes due delayed jobs and fires due repeatable jobs. The maintenance
// loop calls it every poll interval.
func (b *Broker) Tick() {
	var (
		out   []events.Event
		woken = map[string]bool{}
	)
	b.mu.Lock()
	now := b.now()
	for id, runAt := range b.delayed {
		if runAt.After(now) {
			continue
		}
		delete(b.delayed, id)
		job := b.jobs[id]
		job.State = broker.StateWaiting
		b.waiting[job.Queue] = append(b.waiting[job.Queue], id)
		woken[job.Queue] = true
		out = append(out, events.Event{Kind: events.KindWaiting, Queue: job.Queue, JobID: id, Attempt: job.Attempt, TS: now})
	}
	for _, spec := range b.repeats {
		if spec.NextRun.After(now) {
			continue
		}
		opts := broker.Options{JobID: broker.RepeatJobID(spec.Key, spec.NextRun)}
		if _, evt, created := b.enqueueLocked(spec.Queue, spec.Payload, opts, spec.Key); created {
			out = append(out, evt)
			woken[spec.Queue] = true
		}
		next, err := broker.NextRun(spec.Schedule, now)
		if err != nil {
			b.logger.Error("repeatable job has invalid schedule", zap.String("key", spec.Key), zap.Error(err))
			delete(b.repeats, spec.Key)
			continue
		}
		spec.NextRun = next
	}
	b.mu.Unlock()

	for _, evt := range out {
		b.emitter.Emit(evt)
	}
	for q := range woken {
		b.wake(q)
	}
}

func remove(ids []string, id string) []string {
	for i, v := range ids {
		if v == id {
			return append(ids[:i:i], ids[i+1:]...)
		}
	}
	return ids
}
