package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	gosync "sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/issuesync/issuesync/pkg/telemetry"
)

// Engine drives sync operations between the source and target systems.
// It computes the candidate item set, partitions it into batches, applies
// the resolver and transformer per item, commits to the target, and keeps
// the state store current.
//
// Same-item concurrency is avoided by partitioning convention: one
// operation owns its repository set, and the scheduler never overlaps
// operations. There is no per-(source_id, item_type) lease.
type Engine struct {
	cfg         Config
	store       StateStore
	source      SourceClient
	target      TargetClient
	resolver    *Resolver
	transformer *Transformer
	logger      zerolog.Logger
	metrics     *telemetry.Metrics
	tracer      *telemetry.Tracer

	mu      gosync.Mutex
	running int
	cancels map[string]context.CancelFunc
}

// New creates an engine and validates the transform registry against the
// item types the engine routes. Metrics and tracer may be nil.
func New(
	cfg Config,
	store StateStore,
	source SourceClient,
	target TargetClient,
	logger zerolog.Logger,
	metrics *telemetry.Metrics,
	tracer *telemetry.Tracer,
) (*Engine, error) {
	cfg = cfg.withDefaults()

	transformer := NewTransformer()
	if err := transformer.Validate(
		TransformIssueToTimesheet,
		TransformTimesheetToIssue,
		TransformPRToProject,
		TransformProjectToPR,
	); err != nil {
		return nil, err
	}

	if metrics == nil {
		metrics = telemetry.NopMetrics()
	}

	return &Engine{
		cfg:         cfg,
		store:       store,
		source:      source,
		target:      target,
		resolver:    NewResolver(cfg.ConflictStrategy),
		transformer: transformer,
		logger:      logger.With().Str("component", "sync-engine").Logger(),
		metrics:     metrics,
		tracer:      tracer,
		cancels:     make(map[string]context.CancelFunc),
	}, nil
}

// Transformer exposes the registry so callers can add custom mappings
// before the first operation runs.
func (e *Engine) Transformer() *Transformer {
	return e.transformer
}

// StartManualSync creates a pending operation and runs it in the
// background. It returns the operation ID immediately.
func (e *Engine) StartManualSync(ctx context.Context, kind Kind) (string, error) {
	op := e.newOperation(kind)
	if err := e.store.SaveOperation(ctx, op); err != nil {
		return "", NewStorageError("failed to save operation", err)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	e.mu.Lock()
	e.cancels[op.ID] = cancel
	e.mu.Unlock()

	go func() {
		defer cancel()
		if err := e.Run(runCtx, op); err != nil {
			e.logger.Error().Err(err).Str("operation_id", op.ID).Msg("sync operation failed")
		}
	}()

	return op.ID, nil
}

// RunSync creates an operation and runs it to completion synchronously.
func (e *Engine) RunSync(ctx context.Context, kind Kind) (*Operation, error) {
	return e.RunSyncScoped(ctx, kind, nil)
}

// RunSyncScoped runs a sync restricted to the named repositories. An
// empty list means every configured repository. The scoped form is the
// unit of work the daemon fans out over its task queue, one repository
// per task.
func (e *Engine) RunSyncScoped(ctx context.Context, kind Kind, repositories []string) (*Operation, error) {
	op := e.newOperation(kind)
	if len(repositories) > 0 {
		op.Metadata["repositories"] = repositories
	}
	if err := e.store.SaveOperation(ctx, op); err != nil {
		return nil, NewStorageError("failed to save operation", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.cancels[op.ID] = cancel
	e.mu.Unlock()
	defer cancel()

	err := e.run(runCtx, op, repositories)
	return op, err
}

// Reconfigure applies the settings that may change between runs:
// repository list, default conflict strategy, and failure threshold.
// Zero values leave the current setting in place. Connection settings
// are fixed at construction and need a restart.
func (e *Engine) Reconfigure(repositories []string, strategy Strategy, failureThreshold float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(repositories) > 0 {
		e.cfg.Repositories = repositories
	}
	if strategy != "" {
		e.cfg.ConflictStrategy = strategy
	}
	if failureThreshold > 0 {
		e.cfg.FailureThreshold = failureThreshold
	}
}

func (e *Engine) configuredRepositories() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg.Repositories
}

func (e *Engine) defaultStrategy() Strategy {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg.ConflictStrategy
}

func (e *Engine) failureThreshold() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg.FailureThreshold
}

// GetSyncStatus returns a snapshot of the operation record.
func (e *Engine) GetSyncStatus(ctx context.Context, operationID string) (*Operation, error) {
	return e.store.GetOperation(ctx, operationID)
}

// CancelSync requests cancellation of a running operation. Cancellation
// is checked between batches, so it takes effect within one batch's
// latency. Returns false if the operation is not active.
func (e *Engine) CancelSync(operationID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	cancel, ok := e.cancels[operationID]
	if !ok {
		return false
	}
	cancel()
	delete(e.cancels, operationID)
	return true
}

// Running reports whether any operation is currently executing. Runs
// are counted, not flagged, so overlapping operations do not mask each
// other.
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running > 0
}

func (e *Engine) newOperation(kind Kind) *Operation {
	return &Operation{
		ID:           uuid.New().String(),
		Kind:         kind,
		SourceSystem: e.cfg.SourceSystem,
		TargetSystem: e.cfg.TargetSystem,
		Status:       StatusPending,
		StartedAt:    time.Now().UTC(),
		Metadata:     make(map[string]any),
	}
}

// Run executes an operation through its state machine:
// PENDING → RUNNING → {COMPLETED, FAILED, CANCELLED}.
func (e *Engine) Run(ctx context.Context, op *Operation) error {
	return e.run(ctx, op, nil)
}

func (e *Engine) run(ctx context.Context, op *Operation, repositories []string) error {
	if e.tracer != nil {
		var span telemetry.Span
		ctx, span = e.tracer.StartOperationSpan(ctx, op.ID, string(op.Kind))
		defer span.End()
	}

	e.runStarted()
	defer e.runFinished()
	defer e.clearCancel(op.ID)

	log := e.logger.With().Str("operation_id", op.ID).Str("kind", string(op.Kind)).Logger()

	op.Status = StatusRunning
	if err := e.store.SaveOperation(ctx, op); err != nil {
		return NewStorageError("failed to claim operation", err)
	}
	e.metrics.RecordOperationStarted(string(op.Kind))
	log.Info().Msg("sync operation started")

	candidates, err := e.candidateItems(ctx, op.Kind, repositories)
	if err != nil {
		return e.finalize(ctx, op, err)
	}

	for start := 0; start < len(candidates); start += e.cfg.BatchSize {
		// Cancellation is checked between batches, never mid-batch:
		// target calls are not safely interruptible mid-write.
		select {
		case <-ctx.Done():
			return e.finalize(ctx, op, context.Canceled)
		default:
		}

		end := start + e.cfg.BatchSize
		if end > len(candidates) {
			end = len(candidates)
		}
		e.processBatch(ctx, op, candidates[start:end])
	}

	return e.finalize(ctx, op, nil)
}

// candidateItems computes the item set to sync. Full lists everything;
// incremental lists items modified strictly after the last successful
// sync, falling back to full on first run; selective behaves like full
// over the configured repository subset. A non-empty repositories
// argument narrows the listing further.
func (e *Engine) candidateItems(ctx context.Context, kind Kind, repositories []string) ([]SourceItem, error) {
	var since *time.Time
	if kind == KindIncremental {
		ts, err := e.store.LastSuccessfulSync(ctx, e.cfg.SourceSystem, e.cfg.TargetSystem)
		if err != nil {
			return nil, NewStorageError("failed to read last successful sync", err)
		}
		since = ts
	}

	if len(repositories) == 0 {
		repositories = e.configuredRepositories()
	}
	var items []SourceItem
	for _, repo := range repositories {
		var (
			repoItems []SourceItem
			err       error
		)
		if since != nil {
			repoItems, err = e.source.GetItemsModifiedSince(ctx, repo, *since)
		} else {
			repoItems, err = e.source.GetItems(ctx, repo)
		}
		if err != nil {
			return nil, NewTransportError(fmt.Sprintf("failed to list items from %s", repo), err)
		}
		items = append(items, repoItems...)
	}
	return items, nil
}

// processBatch applies each item in turn. A per-item failure increments
// items_failed and is swallowed: one bad item never blocks the rest.
func (e *Engine) processBatch(ctx context.Context, op *Operation, batch []SourceItem) {
	for _, src := range batch {
		op.ItemsProcessed++

		if err := e.syncItemWithRetry(ctx, op, src); err != nil {
			op.ItemsFailed++
			op.Errors = append(op.Errors, fmt.Sprintf("%s/%s: %v", src.ItemType, src.SourceID, err))
			e.metrics.RecordItemSynced(string(src.ItemType), "failed")
			e.logger.Warn().Err(err).
				Str("operation_id", op.ID).
				Str("source_id", src.SourceID).
				Str("item_type", string(src.ItemType)).
				Msg("item sync failed")
			continue
		}

		op.ItemsSynced++
		e.metrics.RecordItemSynced(string(src.ItemType), "synced")
	}

	if err := e.store.SaveOperation(ctx, op); err != nil {
		e.logger.Error().Err(err).Str("operation_id", op.ID).Msg("failed to checkpoint operation")
	}
}

// syncItemWithRetry retries retryable failures with exponential backoff
// and jitter, capped at one minute.
func (e *Engine) syncItemWithRetry(ctx context.Context, op *Operation, src SourceItem) error {
	var lastErr error
	for attempt := 0; attempt <= e.cfg.MaxRetries; attempt++ {
		lastErr = e.syncItem(ctx, op, src)
		if lastErr == nil {
			return nil
		}
		if !IsRetryable(lastErr) || attempt >= e.cfg.MaxRetries {
			break
		}

		select {
		case <-time.After(backoff(attempt, e.cfg.retryBaseDelay())):
		case <-ctx.Done():
			return lastErr
		}
	}
	return lastErr
}

// SyncOne is the single-item path shared with the webhook processor.
// It applies one source payload through the same lookup, conflict, and
// commit sequence as the batch path.
func (e *Engine) SyncOne(ctx context.Context, repository string, itemType ItemType, sourceID string, data map[string]any) error {
	src := SourceItem{
		SourceID:     sourceID,
		ItemType:     itemType,
		Repository:   repository,
		Data:         data,
		LastModified: time.Now().UTC(),
	}
	return e.syncItem(ctx, nil, src)
}

// syncItem applies one source item. The operation may be nil on the
// single-item path; conflict counters are then skipped.
func (e *Engine) syncItem(ctx context.Context, op *Operation, src SourceItem) error {
	if e.tracer != nil {
		var span telemetry.Span
		ctx, span = e.tracer.StartItemSpan(ctx, src.SourceID, string(src.ItemType))
		defer span.End()
	}

	item, err := e.store.GetItem(ctx, src.SourceID, src.ItemType)
	if err != nil {
		return NewStorageError("failed to look up sync item", err).WithItem(src.SourceID)
	}
	if item == nil {
		item = &Item{
			ID:       uuid.New().String(),
			SourceID: src.SourceID,
			ItemType: src.ItemType,
			Metadata: map[string]any{"repository": src.Repository},
		}
	}
	item.SourceData = src.Data
	item.LastModified = src.LastModified
	item.SyncStatus = StatusRunning

	transformName, err := forItemType(src.ItemType)
	if err != nil {
		return err
	}
	transformed, err := e.transformer.Transform(transformName, src.Data)
	if err != nil {
		return err
	}

	applyErr := e.apply(ctx, op, item, transformed)
	if applyErr != nil {
		item.SyncStatus = StatusFailed
	} else {
		item.SyncStatus = StatusCompleted
	}

	if err := e.store.SaveItem(ctx, item); err != nil {
		return NewStorageError("failed to persist sync item", err).WithItem(src.SourceID)
	}
	return applyErr
}

// apply commits the transformed payload to the target. The target_id
// presence check makes the update path idempotent under event
// redelivery: create runs at most once per (source_id, item_type).
func (e *Engine) apply(ctx context.Context, op *Operation, item *Item, transformed map[string]any) error {
	if e.cfg.DryRun {
		return nil
	}

	if item.TargetID == nil {
		targetID, err := e.target.Create(ctx, item.ItemType, transformed)
		if err != nil {
			return NewTransportError("target create failed", err).WithItem(item.SourceID)
		}
		item.TargetID = &targetID
		return nil
	}

	current, err := e.target.Get(ctx, item.ItemType, *item.TargetID)
	if err != nil {
		return NewTransportError("target fetch failed", err).WithItem(item.SourceID)
	}

	payload := transformed
	if !HashEqual(transformed, current) {
		strategy := e.defaultStrategy()
		if item.ConflictResolution != nil {
			strategy = *item.ConflictResolution
		}
		resolved, err := e.resolver.Resolve(transformed, current, strategy)
		if err != nil {
			return NewConflictError("conflict resolution failed", err).WithItem(item.SourceID)
		}
		payload = resolved
		item.ConflictResolution = &strategy
		if op != nil {
			op.ConflictsResolved++
		}
		e.metrics.RecordConflictResolved(string(strategy))
	}

	if err := e.target.Update(ctx, item.ItemType, *item.TargetID, payload); err != nil {
		return NewTransportError("target update failed", err).WithItem(item.SourceID)
	}
	item.TargetData = payload
	return nil
}

// finalize assigns the terminal status and persists the operation. The
// save runs on a detached context so a cancelled run still records its
// terminal state.
func (e *Engine) finalize(ctx context.Context, op *Operation, runErr error) error {
	ctx = context.WithoutCancel(ctx)
	now := time.Now().UTC()
	op.CompletedAt = &now

	switch {
	case errors.Is(runErr, context.Canceled):
		op.Status = StatusCancelled
	case runErr != nil:
		op.Status = StatusFailed
		op.Errors = append(op.Errors, runErr.Error())
	case op.ItemsProcessed > 0 &&
		float64(op.ItemsFailed)/float64(op.ItemsProcessed) > e.failureThreshold():
		op.Status = StatusFailed
		op.Errors = append(op.Errors, fmt.Sprintf(
			"failure threshold exceeded: %d of %d items failed", op.ItemsFailed, op.ItemsProcessed))
	default:
		op.Status = StatusCompleted
	}

	e.metrics.RecordOperationCompleted(string(op.Status), now.Sub(op.StartedAt))
	e.logger.Info().
		Str("operation_id", op.ID).
		Str("status", string(op.Status)).
		Int("processed", op.ItemsProcessed).
		Int("synced", op.ItemsSynced).
		Int("failed", op.ItemsFailed).
		Int("conflicts", op.ConflictsResolved).
		Msg("sync operation finished")

	if err := e.store.SaveOperation(ctx, op); err != nil {
		return NewStorageError("failed to save final operation state", err)
	}
	return runErr
}

func (e *Engine) runStarted() {
	e.mu.Lock()
	e.running++
	e.mu.Unlock()
}

func (e *Engine) runFinished() {
	e.mu.Lock()
	e.running--
	e.mu.Unlock()
}

func (e *Engine) clearCancel(operationID string) {
	e.mu.Lock()
	delete(e.cancels, operationID)
	e.mu.Unlock()
}

// backoff computes exponential backoff with jitter, capped at one minute.
func backoff(attempt int, base time.Duration) time.Duration {
	delay := time.Duration(float64(base) * math.Pow(2, float64(attempt)))
	if delay > time.Minute {
		delay = time.Minute
	}
	jitter := time.Duration(rand.Int63n(int64(delay)/4 + 1))
	return delay + jitter
}
