// Package broker defines the durable job queue the pipeline runs on: named
// queues with at-least-once delivery, retries with exponential backoff, stall
// recovery, delayed jobs and repeatable jobs keyed by a unique key. The redisq
// package implements it on Redis; the memory package backs tests and local runs.
package broker
