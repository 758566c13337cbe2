package broker

import (
	"context"
	"encoding/json"
	"fmt"
)

// Payload is a queue body that can check itself.
type Payload interface {
	Validate() error
}

// Handle adapts a typed handler to Handler. The payload is decoded and
// validated before fn runs; a malformed payload fails permanently.
func Handle[T Payload, R any](fn func(ctx context.Context, job Job, payload T) (R, error)) Handler {
	return func(ctx context.Context, job Job) (any, error) {
		var payload T
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return nil, Permanent(fmt.Errorf("decode %s payload: %w", job.Queue, err))
		}
		if err := payload.Validate(); err != nil {
			return nil, Permanent(fmt.Errorf("validate %s payload: %w", job.Queue, err))
		}
		return fn(ctx, job, payload)
	}
}

// Marshal encodes a payload, passing json.RawMessage through.
func Marshal(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case json.RawMessage:
		return p, nil
	case []byte:
		return json.RawMessage(p), nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return data, nil
}
