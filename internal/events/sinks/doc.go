// Package sinks contains events.Sink implementations for logging, Prometheus
// and publishing lifecycle events to an external topic.
package sinks
