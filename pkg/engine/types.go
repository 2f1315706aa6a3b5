package engine

import (
	"context"
	"time"
)

// Status is the lifecycle state of a sync operation or item.
type Status string

const (
	// StatusPending is the sole initial state.
	StatusPending Status = "pending"

	// StatusRunning means the operation has been claimed by an engine run.
	StatusRunning Status = "running"

	// StatusCompleted is terminal: all batches finished within the
	// failure threshold.
	StatusCompleted Status = "completed"

	// StatusFailed is terminal: an unrecoverable error occurred or the
	// failure threshold was exceeded.
	StatusFailed Status = "failed"

	// StatusCancelled is terminal: cancellation was requested.
	StatusCancelled Status = "cancelled"
)

// IsTerminal reports whether the status permits no further transitions.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Kind selects how the candidate item set is computed.
type Kind string

const (
	// KindFull lists everything from the source.
	KindFull Kind = "full"

	// KindIncremental lists items modified strictly after the last
	// successful sync, falling back to full on first run.
	KindIncremental Kind = "incremental"

	// KindSelective restricts the sync to named repositories.
	KindSelective Kind = "selective"
)

// Strategy names a conflict resolution strategy.
type Strategy string

const (
	// StrategySourceWins resolves conflicts by taking the source data.
	StrategySourceWins Strategy = "source_wins"

	// StrategyTargetWins resolves conflicts by keeping the target data.
	StrategyTargetWins Strategy = "target_wins"

	// StrategyMerge overlays source fields onto target and tags the
	// result with a merge timestamp.
	StrategyMerge Strategy = "merge"

	// StrategyManual refuses to resolve automatically.
	StrategyManual Strategy = "manual"
)

// ItemType distinguishes the kinds of source entities the engine syncs.
type ItemType string

const (
	ItemTypeIssue       ItemType = "issue"
	ItemTypePullRequest ItemType = "pull_request"
	ItemTypeCommit      ItemType = "commit"
)

// Operation records one sync run between the source and target systems.
// It is owned exclusively by the engine run driving it: created at start,
// mutated only by that run, immutable once terminal.
type Operation struct {
	ID                string         `json:"id"`
	Kind              Kind           `json:"kind"`
	SourceSystem      string         `json:"source_system"`
	TargetSystem      string         `json:"target_system"`
	Status            Status         `json:"status"`
	StartedAt         time.Time      `json:"started_at"`
	CompletedAt       *time.Time     `json:"completed_at,omitempty"`
	ItemsProcessed    int            `json:"items_processed"`
	ItemsSynced       int            `json:"items_synced"`
	ItemsFailed       int            `json:"items_failed"`
	ConflictsResolved int            `json:"conflicts_resolved"`
	Errors            []string       `json:"errors,omitempty"`
	Metadata          map[string]any `json:"metadata,omitempty"`
}

// Item pairs one source entity with its target counterpart. The unique
// key is (SourceID, ItemType); TargetID transitions nil→set exactly once
// on the first successful create and is the durable idempotency key
// preventing duplicate creation on event redelivery. Items are never
// deleted.
type Item struct {
	ID                 string         `json:"id"`
	SourceID           string         `json:"source_id"`
	TargetID           *string        `json:"target_id,omitempty"`
	SourceData         map[string]any `json:"source_data"`
	TargetData         map[string]any `json:"target_data,omitempty"`
	ItemType           ItemType       `json:"item_type"`
	LastModified       time.Time      `json:"last_modified"`
	SyncStatus         Status         `json:"sync_status"`
	ConflictResolution *Strategy      `json:"conflict_resolution,omitempty"`
	Metadata           map[string]any `json:"metadata,omitempty"`
}

// SourceItem is one entity as listed by the source system.
type SourceItem struct {
	SourceID     string
	ItemType     ItemType
	Repository   string
	Data         map[string]any
	LastModified time.Time
}

// SourceClient lists syncable items from the source system. Implementations
// return transport-class errors on failure and are safe to retry.
type SourceClient interface {
	GetItems(ctx context.Context, repository string) ([]SourceItem, error)
	GetItemsModifiedSince(ctx context.Context, repository string, since time.Time) ([]SourceItem, error)
}

// TargetClient applies synchronized data to the target system. Update and
// Get are idempotent; Create is not assumed idempotent, hence the engine's
// target-id presence check before calling it.
type TargetClient interface {
	Create(ctx context.Context, itemType ItemType, data map[string]any) (string, error)
	Update(ctx context.Context, itemType ItemType, targetID string, data map[string]any) error
	Get(ctx context.Context, itemType ItemType, targetID string) (map[string]any, error)
}

// StateStore persists operations and items. It is the sole source of
// truth for sync history. Writes are whole-record upserts.
type StateStore interface {
	SaveOperation(ctx context.Context, op *Operation) error
	GetOperation(ctx context.Context, id string) (*Operation, error)
	SaveItem(ctx context.Context, item *Item) error
	GetItem(ctx context.Context, sourceID string, itemType ItemType) (*Item, error)
	LastSuccessfulSync(ctx context.Context, sourceSystem, targetSystem string) (*time.Time, error)
}

// Config tunes engine behavior.
type Config struct {
	SourceSystem string
	TargetSystem string

	// Repositories is the set of repositories to sync.
	Repositories []string

	// BatchSize is the fixed batch partition size. Default 100.
	BatchSize int

	// MaxRetries bounds per-item retries of retryable errors. Default 3.
	MaxRetries int

	// ConflictStrategy is the default resolution strategy. Default
	// source_wins.
	ConflictStrategy Strategy

	// FailureThreshold is the items_failed/items_processed ratio above
	// which a finished operation is marked failed rather than completed.
	// Default 0.5.
	FailureThreshold float64

	// RetryBaseDelay is the first retry backoff delay. Default 1s.
	RetryBaseDelay time.Duration

	// DryRun skips target writes and store mutations for testing.
	DryRun bool
}

func (c Config) retryBaseDelay() time.Duration {
	if c.RetryBaseDelay > 0 {
		return c.RetryBaseDelay
	}
	return time.Second
}

// withDefaults fills zero values with documented defaults.
func (c Config) withDefaults() Config {
	if c.SourceSystem == "" {
		c.SourceSystem = "gitea"
	}
	if c.TargetSystem == "" {
		c.TargetSystem = "kimai"
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.ConflictStrategy == "" {
		c.ConflictStrategy = StrategySourceWins
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 0.5
	}
	return c
}
