package broker

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// State is the broker-side state of a job.
type State string

// Broker job states.
const (
	StateWaiting   State = "waiting"
	StateDelayed   State = "delayed"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// Live reports whether the broker still owns the job.
func (s State) Live() bool {
	return s == StateWaiting || s == StateDelayed || s == StateActive
}

// Errors returned by implementations.
var (
	ErrJobNotFound       = errors.New("broker: job not found")
	ErrAlreadyProcessing = errors.New("broker: queue already has a consumer")
	ErrClosed            = errors.New("broker: closed")
)

// Job is a broker job as seen by handlers and status queries.
type Job struct {
	ID           string          `json:"id"`
	Queue        string          `json:"queue"`
	Payload      json.RawMessage `json:"payload"`
	State        State           `json:"state"`
	Attempt      int             `json:"attempt"`
	MaxAttempts  int             `json:"maxAttempts"`
	Backoff      time.Duration   `json:"backoff"`
	RepeatKey    string          `json:"repeatKey,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
	ProcessedAt  *time.Time      `json:"processedAt,omitempty"`
	FinishedAt   *time.Time      `json:"finishedAt,omitempty"`
	FailedReason string          `json:"failedReason,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
}

// Options tune a single Enqueue.
type Options struct {
	// JobID makes the enqueue idempotent: an existing job with the same ID is
	// returned unchanged.
	JobID string
	Delay time.Duration
	// Attempts and Backoff override the broker defaults when positive.
	Attempts int
	Backoff  time.Duration
}

// RepeatSpec is a registered repeatable job.
type RepeatSpec struct {
	Key      string          `json:"key"`
	Queue    string          `json:"queue"`
	Schedule string          `json:"schedule"`
	Payload  json.RawMessage `json:"payload"`
	NextRun  time.Time       `json:"nextRun"`
}

// Handler processes one job. The returned value is stored as the job result.
// Returning an error schedules a retry unless attempts are exhausted or the
// error is wrapped with Permanent.
type Handler func(ctx context.Context, job Job) (any, error)

// Enqueuer adds jobs to a queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, queue string, payload any, opts Options) (Job, error)
}

// Broker is the full queue surface.
type Broker interface {
	Enqueuer
	// Process registers the single consumer for queue. Call before Start.
	Process(queue string, concurrency int, h Handler) error
	// Schedule registers or replaces the repeatable job identified by key.
	Schedule(ctx context.Context, queue string, payload any, schedule, key string) (RepeatSpec, error)
	CancelRepeating(ctx context.Context, key string) (bool, error)
	ListRepeating(ctx context.Context) ([]RepeatSpec, error)
	GetJob(ctx context.Context, id string) (Job, error)
	// IsLive reports whether the job is waiting, delayed or active.
	IsLive(ctx context.Context, id string) (bool, error)
	// Cancel removes a queued job and flags a running one; handlers observe the
	// flag through IsCancelled.
	Cancel(ctx context.Context, id string) error
	IsCancelled(ctx context.Context, id string) (bool, error)
	Counts(ctx context.Context, queue string) (map[State]int64, error)
	// Start runs consumers and maintenance loops until ctx ends or Close.
	Start(ctx context.Context) error
	Close() error
}

// Config holds defaults shared by implementations.
type Config struct {
	DefaultAttempts int
	DefaultBackoff  time.Duration
	MaxBackoff      time.Duration
	PollInterval    time.Duration
	// StallTimeout is how long an active job may go without a lock renewal.
	StallTimeout time.Duration
	// MaxStalls is how many times a job may be requeued after stalling before
	// it is failed.
	MaxStalls int
	// KeepCompleted bounds the retained completed and failed job history.
	KeepCompleted int64
}

// WithDefaults fills zero fields.
func (c Config) WithDefaults() Config {
	if c.DefaultAttempts <= 0 {
		c.DefaultAttempts = 3
	}
	if c.DefaultBackoff <= 0 {
		c.DefaultBackoff = 5 * time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 10 * time.Minute
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	if c.StallTimeout <= 0 {
		c.StallTimeout = 30 * time.Second
	}
	if c.MaxStalls <= 0 {
		c.MaxStalls = 1
	}
	if c.KeepCompleted <= 0 {
		c.KeepCompleted = 1000
	}
	return c
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as non-retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was wrapped with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}
