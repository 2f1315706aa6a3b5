package webhook

import "time"

// Event is one webhook delivery from a source system. Events survive
// process crashes via the durable queue; processing is at-least-once, so
// handlers must be idempotent.
type Event struct {
	ID         string         `json:"id"`
	Source     string         `json:"source"`
	EventType  string         `json:"event_type"`
	Action     string         `json:"action,omitempty"`
	Repository string         `json:"repository,omitempty"`
	Payload    map[string]any `json:"payload"`
	Timestamp  time.Time      `json:"timestamp"`
	RetryCount int            `json:"retry_count"`
	MaxRetries int            `json:"max_retries"`

	// raw is the serialized form the event was dequeued with. Ack and
	// Nack remove exactly this value from the processing list.
	raw string
}

// QueueStats is a snapshot of the durable queue's list depths.
type QueueStats struct {
	Pending    int64 `json:"pending"`
	Processing int64 `json:"processing"`
	Dead       int64 `json:"dead"`
}

// ProcessorStatus is the webhook subsystem status surfaced over HTTP.
type ProcessorStatus struct {
	Running bool       `json:"running"`
	Workers int        `json:"workers"`
	Queue   QueueStats `json:"queue_stats"`
}
