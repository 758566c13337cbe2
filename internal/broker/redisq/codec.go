package redisq

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/JakeFAU/seedprice-pipeline/internal/broker"
)

const (
	fieldID          = "id"
	fieldQueue       = "queue"
	fieldPayload     = "payload"
	fieldState       = "state"
	fieldAttempt     = "attempt"
	fieldMaxAttempts = "maxAttempts"
	fieldBackoffMs   = "backoffMs"
	fieldRepeatKey   = "repeatKey"
	fieldCreatedAt   = "createdAt"
	fieldProcessedAt = "processedAt"
	fieldFinishedAt  = "finishedAt"
	fieldReason      = "failedReason"
	fieldResult      = "result"
	fieldStalls      = "stalls"
)

func jobFields(job broker.Job) map[string]any {
	return map[string]any{
		fieldQueue:       job.Queue,
		fieldPayload:     string(job.Payload),
		fieldState:       string(job.State),
		fieldAttempt:     job.Attempt,
		fieldMaxAttempts: job.MaxAttempts,
		fieldBackoffMs:   job.Backoff.Milliseconds(),
		fieldRepeatKey:   job.RepeatKey,
		fieldCreatedAt:   job.CreatedAt.UnixMilli(),
	}
}

func decodeJob(m map[string]string) broker.Job {
	job := broker.Job{
		ID:           m[fieldID],
		Queue:        m[fieldQueue],
		State:        broker.State(m[fieldState]),
		Attempt:      atoi(m[fieldAttempt]),
		MaxAttempts:  atoi(m[fieldMaxAttempts]),
		Backoff:      time.Duration(atoi64(m[fieldBackoffMs])) * time.Millisecond,
		RepeatKey:    m[fieldRepeatKey],
		CreatedAt:    fromMillis(m[fieldCreatedAt]),
		FailedReason: m[fieldReason],
	}
	if p := m[fieldPayload]; p != "" {
		job.Payload = json.RawMessage(p)
	}
	if r := m[fieldResult]; r != "" {
		job.Result = json.RawMessage(r)
	}
	if v := m[fieldProcessedAt]; v != "" {
		t := fromMillis(v)
		job.ProcessedAt = &t
	}
	if v := m[fieldFinishedAt]; v != "" {
		t := fromMillis(v)
		job.FinishedAt = &t
	}
	return job
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

func atoi64(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}

func fromMillis(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	return time.UnixMilli(atoi64(s)).UTC()
}
