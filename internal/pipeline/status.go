package pipeline

import "fmt"

// JobStatus enumerates the lifecycle states of a ScrapeJob.
type JobStatus string

// ScrapeJob statuses.
const (
	StatusCreated   JobStatus = "CREATED"
	StatusWaiting   JobStatus = "WAITING"
	StatusDelayed   JobStatus = "DELAYED"
	StatusActive    JobStatus = "ACTIVE"
	StatusCompleted JobStatus = "COMPLETED"
	StatusFailed    JobStatus = "FAILED"
	StatusCancelled JobStatus = "CANCELLED"
)

// NonTerminalStatuses lists every status a job can still leave.
var NonTerminalStatuses = []JobStatus{StatusCreated, StatusWaiting, StatusDelayed, StatusActive}

// IsTerminal reports whether the job can no longer change.
func (s JobStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Valid reports whether s is a known status.
func (s JobStatus) Valid() bool {
	switch s {
	case StatusCreated, StatusWaiting, StatusDelayed, StatusActive,
		StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// transitions maps a target status to the statuses it may be entered from.
// ACTIVE may fall back to WAITING (stall requeue) or DELAYED (retry backoff).
var transitions = map[JobStatus][]JobStatus{
	StatusWaiting:   {StatusCreated, StatusDelayed, StatusActive},
	StatusDelayed:   {StatusCreated, StatusWaiting, StatusActive},
	StatusActive:    {StatusCreated, StatusWaiting, StatusDelayed},
	StatusCompleted: NonTerminalStatuses,
	StatusFailed:    NonTerminalStatuses,
	StatusCancelled: NonTerminalStatuses,
}

// AllowedFrom returns the statuses a job may be in before moving to target.
func AllowedFrom(target JobStatus) []JobStatus {
	from := transitions[target]
	out := make([]JobStatus, len(from))
	copy(out, from)
	return out
}

// CanTransition reports whether from -> to is a legal move.
func CanTransition(from, to JobStatus) bool {
	for _, s := range transitions[to] {
		if s == from {
			return true
		}
	}
	return false
}

// ValidateTransition returns an error for illegal moves.
func ValidateTransition(from, to JobStatus) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("invalid state transition from %s to %s", from, to)
	}
	return nil
}
