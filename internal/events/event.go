package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Kind names a broker lifecycle transition.
type Kind string

// Lifecycle kinds.
const (
	KindWaiting   Kind = "waiting"
	KindDelayed   Kind = "delayed"
	KindActive    Kind = "active"
	KindCompleted Kind = "completed"
	// KindRetrying is a failed attempt that will run again after backoff.
	KindRetrying Kind = "retrying"
	// KindFailed is a final failure; no further attempts.
	KindFailed Kind = "failed"
	// KindStalled is a lost lock; the job went back to waiting.
	KindStalled   Kind = "stalled"
	KindCancelled Kind = "cancelled"
)

// Event is one lifecycle transition of a broker job.
type Event struct {
	Kind    Kind            `json:"kind"`
	Queue   string          `json:"queue"`
	JobID   string          `json:"jobId"`
	Attempt int             `json:"attempt,omitempty"`
	TS      time.Time       `json:"ts"`
	Dur     time.Duration   `json:"dur,omitempty"`
	Note    string          `json:"note,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
}

// Validate performs coarse validation.
func (e Event) Validate() error {
	if e.JobID == "" {
		return errors.New("job id is required")
	}
	if e.Queue == "" {
		return errors.New("queue is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Kind {
	case KindWaiting, KindDelayed, KindActive, KindCompleted,
		KindRetrying, KindFailed, KindStalled, KindCancelled:
	default:
		return fmt.Errorf("unknown kind %q", e.Kind)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// Terminal reports whether the event ends the job's broker lifecycle.
func (e Event) Terminal() bool {
	return e.Kind == KindCompleted || e.Kind == KindFailed || e.Kind == KindCancelled
}
