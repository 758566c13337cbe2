// Package events carries broker lifecycle events (waiting, active, completed,
// failed and friends) from the broker to the components that react to them. A
// Hub batches events on a background goroutine and fans them out to sinks such
// as the job status sync service, Prometheus and a Pub/Sub mirror.
package events
