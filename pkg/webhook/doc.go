// Package webhook implements the live update path: an HTTP intake server
// for issue tracker and time-tracking webhooks, a Redis-backed durable
// event queue with at-least-once delivery, and a worker pool dispatching
// events into the sync engine's single-item path.
package webhook
