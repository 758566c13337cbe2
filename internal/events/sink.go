package events

import (
	"context"
	"sync/atomic"
)

// Sink consumes batches of lifecycle events. Implementations must honor ctx
// deadlines and tolerate redelivery.
type Sink interface {
	Consume(ctx context.Context, batch []Event) error
	Close(ctx context.Context) error
}

// Emitter publishes individual events.
type Emitter interface {
	Emit(evt Event)
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(Event)

// Emit calls f.
func (f EmitterFunc) Emit(evt Event) { f(evt) }

// Discard drops every event.
var Discard Emitter = EmitterFunc(func(Event) {})

// Relay forwards to a Hub attached after construction, so a broker can take
// its emitter before the sinks that depend on the broker exist. Events emitted
// before Attach are dropped.
type Relay struct {
	target atomic.Pointer[Hub]
}

// Attach sets the destination hub.
func (r *Relay) Attach(h *Hub) {
	r.target.Store(h)
}

// Emit implements Emitter.
func (r *Relay) Emit(evt Event) {
	if h := r.target.Load(); h != nil {
		h.Emit(evt)
	}
}

// EmitWait forwards to Hub.EmitWait.
func (r *Relay) EmitWait(ctx context.Context, evt Event) error {
	if h := r.target.Load(); h != nil {
		return h.EmitWait(ctx, evt)
	}
	return nil
}
