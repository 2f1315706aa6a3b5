package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	gosync "sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// fakeStore is an in-memory StateStore.
type fakeStore struct {
	mu       gosync.Mutex
	ops      map[string]*Operation
	items    map[string]*Item
	lastSync *time.Time
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		ops:   make(map[string]*Operation),
		items: make(map[string]*Item),
	}
}

func itemKey(sourceID string, itemType ItemType) string {
	return sourceID + "|" + string(itemType)
}

func (s *fakeStore) SaveOperation(_ context.Context, op *Operation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *op
	s.ops[op.ID] = &copied
	return nil
}

func (s *fakeStore) GetOperation(_ context.Context, id string) (*Operation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	op, ok := s.ops[id]
	if !ok {
		return nil, ErrOperationNotFound
	}
	copied := *op
	return &copied, nil
}

func (s *fakeStore) SaveItem(_ context.Context, item *Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *item
	s.items[itemKey(item.SourceID, item.ItemType)] = &copied
	return nil
}

func (s *fakeStore) GetItem(_ context.Context, sourceID string, itemType ItemType) (*Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[itemKey(sourceID, itemType)]
	if !ok {
		return nil, nil
	}
	copied := *item
	return &copied, nil
}

func (s *fakeStore) LastSuccessfulSync(_ context.Context, _, _ string) (*time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSync, nil
}

// fakeSource serves a fixed item list.
type fakeSource struct {
	mu         gosync.Mutex
	items      []SourceItem
	err        error
	fullCalls  int
	sinceCalls []time.Time
	repos      []string
}

func (s *fakeSource) GetItems(_ context.Context, repo string) ([]SourceItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fullCalls++
	s.repos = append(s.repos, repo)
	return s.items, s.err
}

func (s *fakeSource) GetItemsModifiedSince(_ context.Context, repo string, since time.Time) ([]SourceItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sinceCalls = append(s.sinceCalls, since)
	s.repos = append(s.repos, repo)
	if s.err != nil {
		return nil, s.err
	}
	var out []SourceItem
	for _, it := range s.items {
		if it.LastModified.After(since) {
			out = append(out, it)
		}
	}
	return out, nil
}

// fakeTarget records created and updated records by generated id.
type fakeTarget struct {
	mu          gosync.Mutex
	nextID      int
	records     map[string]map[string]any
	createErrs  []error
	updateErr   error
	createCalls int
	updateCalls int
	onCreate    func()
}

func newFakeTarget() *fakeTarget {
	return &fakeTarget{records: make(map[string]map[string]any)}
}

func (t *fakeTarget) Create(_ context.Context, _ ItemType, data map[string]any) (string, error) {
	// The hook runs unlocked so tests can park a create without
	// deadlocking concurrent calls.
	if t.onCreate != nil {
		t.onCreate()
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.createCalls++
	if len(t.createErrs) > 0 {
		err := t.createErrs[0]
		t.createErrs = t.createErrs[1:]
		if err != nil {
			return "", err
		}
	}
	t.nextID++
	id := strconv.Itoa(t.nextID)
	t.records[id] = data
	return id, nil
}

func (t *fakeTarget) Update(_ context.Context, _ ItemType, targetID string, data map[string]any) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.updateCalls++
	if t.updateErr != nil {
		return t.updateErr
	}
	t.records[targetID] = data
	return nil
}

func (t *fakeTarget) Get(_ context.Context, _ ItemType, targetID string) (map[string]any, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.records[targetID]
	if !ok {
		return nil, fmt.Errorf("no record %s", targetID)
	}
	return rec, nil
}

func issueItem(number int) SourceItem {
	id := strconv.Itoa(number)
	return SourceItem{
		SourceID:   id,
		ItemType:   ItemTypeIssue,
		Repository: "org/app",
		Data: map[string]any{
			"id":     number,
			"number": number,
			"title":  "Issue " + id,
			"state":  "open",
		},
		LastModified: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func newTestEngine(t *testing.T, cfg Config, store StateStore, source SourceClient, target TargetClient) *Engine {
	t.Helper()
	if cfg.Repositories == nil {
		cfg.Repositories = []string{"org/app"}
	}
	if cfg.RetryBaseDelay == 0 {
		cfg.RetryBaseDelay = time.Millisecond
	}
	e, err := New(cfg, store, source, target, zerolog.Nop(), nil, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return e
}

func TestFullSyncCompletes(t *testing.T) {
	store := newFakeStore()
	source := &fakeSource{items: []SourceItem{issueItem(1), issueItem(2)}}
	target := newFakeTarget()
	e := newTestEngine(t, Config{}, store, source, target)

	op, err := e.RunSync(context.Background(), KindFull)
	if err != nil {
		t.Fatalf("RunSync failed: %v", err)
	}

	if op.Status != StatusCompleted {
		t.Errorf("expected completed, got %s", op.Status)
	}
	if op.ItemsProcessed != 2 || op.ItemsSynced != 2 || op.ItemsFailed != 0 {
		t.Errorf("unexpected counters: %+v", op)
	}
	if target.createCalls != 2 {
		t.Errorf("expected 2 creates, got %d", target.createCalls)
	}

	saved, err := store.GetOperation(context.Background(), op.ID)
	if err != nil {
		t.Fatalf("operation not persisted: %v", err)
	}
	if saved.Status != StatusCompleted {
		t.Errorf("persisted status %s", saved.Status)
	}
	item, _ := store.GetItem(context.Background(), "1", ItemTypeIssue)
	if item == nil || item.TargetID == nil {
		t.Fatal("item missing or has no target id")
	}
}

func TestSecondSyncUpdatesInsteadOfCreating(t *testing.T) {
	store := newFakeStore()
	source := &fakeSource{items: []SourceItem{issueItem(1)}}
	target := newFakeTarget()
	e := newTestEngine(t, Config{}, store, source, target)

	for i := 0; i < 2; i++ {
		if _, err := e.RunSync(context.Background(), KindFull); err != nil {
			t.Fatalf("run %d failed: %v", i, err)
		}
	}

	if target.createCalls != 1 {
		t.Errorf("expected exactly 1 create, got %d", target.createCalls)
	}
	if target.updateCalls != 1 {
		t.Errorf("expected 1 update, got %d", target.updateCalls)
	}
}

func TestConvergedTargetIsNotAConflict(t *testing.T) {
	store := newFakeStore()
	source := &fakeSource{items: []SourceItem{issueItem(1)}}
	target := newFakeTarget()
	e := newTestEngine(t, Config{}, store, source, target)

	if _, err := e.RunSync(context.Background(), KindFull); err != nil {
		t.Fatal(err)
	}
	op, err := e.RunSync(context.Background(), KindFull)
	if err != nil {
		t.Fatal(err)
	}
	if op.ConflictsResolved != 0 {
		t.Errorf("expected no conflicts on identical content, got %d", op.ConflictsResolved)
	}
}

func TestDivergedTargetResolvesWithSourceWins(t *testing.T) {
	store := newFakeStore()
	source := &fakeSource{items: []SourceItem{issueItem(1)}}
	target := newFakeTarget()
	e := newTestEngine(t, Config{ConflictStrategy: StrategySourceWins}, store, source, target)

	if _, err := e.RunSync(context.Background(), KindFull); err != nil {
		t.Fatal(err)
	}

	// Someone edits the record in the target between runs
	target.mu.Lock()
	target.records["1"]["description"] = "edited in target"
	target.mu.Unlock()

	op, err := e.RunSync(context.Background(), KindFull)
	if err != nil {
		t.Fatal(err)
	}
	if op.ConflictsResolved != 1 {
		t.Fatalf("expected 1 conflict resolved, got %d", op.ConflictsResolved)
	}
	if target.records["1"]["description"] == "edited in target" {
		t.Error("source_wins did not overwrite the target edit")
	}

	item, _ := store.GetItem(context.Background(), "1", ItemTypeIssue)
	if item.ConflictResolution == nil || *item.ConflictResolution != StrategySourceWins {
		t.Error("resolution strategy not recorded on item")
	}
}

func TestManualStrategyFailsTheItem(t *testing.T) {
	store := newFakeStore()
	source := &fakeSource{items: []SourceItem{issueItem(1)}}
	target := newFakeTarget()
	e := newTestEngine(t, Config{ConflictStrategy: StrategyManual}, store, source, target)

	if _, err := e.RunSync(context.Background(), KindFull); err != nil {
		t.Fatal(err)
	}
	target.mu.Lock()
	target.records["1"]["description"] = "edited in target"
	target.mu.Unlock()
	updatesBefore := target.updateCalls

	op, err := e.RunSync(context.Background(), KindFull)
	if err != nil {
		t.Fatal(err)
	}
	if op.ItemsFailed != 1 {
		t.Errorf("expected 1 failed item, got %d", op.ItemsFailed)
	}
	if op.Status != StatusFailed {
		t.Errorf("1/1 failures exceed the threshold, expected failed, got %s", op.Status)
	}
	if target.updateCalls != updatesBefore {
		t.Error("manual strategy must not write to the target")
	}
}

func TestIncrementalUsesWatermark(t *testing.T) {
	store := newFakeStore()
	watermark := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	store.lastSync = &watermark

	old := issueItem(1)
	old.LastModified = watermark.Add(-time.Hour)
	fresh := issueItem(2)
	fresh.LastModified = watermark.Add(time.Hour)

	source := &fakeSource{items: []SourceItem{old, fresh}}
	target := newFakeTarget()
	e := newTestEngine(t, Config{}, store, source, target)

	op, err := e.RunSync(context.Background(), KindIncremental)
	if err != nil {
		t.Fatal(err)
	}
	if len(source.sinceCalls) != 1 || !source.sinceCalls[0].Equal(watermark) {
		t.Fatalf("expected one modified-since listing at the watermark, got %v", source.sinceCalls)
	}
	if op.ItemsProcessed != 1 {
		t.Errorf("expected only the fresh item, processed %d", op.ItemsProcessed)
	}
}

func TestIncrementalFallsBackToFullOnFirstRun(t *testing.T) {
	store := newFakeStore()
	source := &fakeSource{items: []SourceItem{issueItem(1)}}
	target := newFakeTarget()
	e := newTestEngine(t, Config{}, store, source, target)

	if _, err := e.RunSync(context.Background(), KindIncremental); err != nil {
		t.Fatal(err)
	}
	if source.fullCalls != 1 || len(source.sinceCalls) != 0 {
		t.Errorf("expected a full listing, got full=%d since=%d", source.fullCalls, len(source.sinceCalls))
	}
}

func TestTransientCreateFailureIsRetried(t *testing.T) {
	store := newFakeStore()
	source := &fakeSource{items: []SourceItem{issueItem(1)}}
	target := newFakeTarget()
	target.createErrs = []error{NewTransportError("connection reset", nil)}
	e := newTestEngine(t, Config{}, store, source, target)

	op, err := e.RunSync(context.Background(), KindFull)
	if err != nil {
		t.Fatal(err)
	}
	if op.ItemsSynced != 1 {
		t.Fatalf("expected item to sync after retry, got %+v", op)
	}
	if target.createCalls != 2 {
		t.Errorf("expected 2 create attempts, got %d", target.createCalls)
	}
}

func TestNonRetryableFailureFailsFast(t *testing.T) {
	store := newFakeStore()
	item := issueItem(1)
	item.ItemType = ItemType("wiki_page")
	source := &fakeSource{items: []SourceItem{item}}
	target := newFakeTarget()
	e := newTestEngine(t, Config{}, store, source, target)

	op, err := e.RunSync(context.Background(), KindFull)
	if err != nil {
		t.Fatal(err)
	}
	if op.ItemsFailed != 1 {
		t.Fatalf("expected 1 failure, got %+v", op)
	}
	if target.createCalls != 0 {
		t.Errorf("config error reached the target: %d creates", target.createCalls)
	}
}

func TestFailureThreshold(t *testing.T) {
	bad := issueItem(1)
	bad.ItemType = ItemType("wiki_page")

	cases := []struct {
		name  string
		items []SourceItem
		want  Status
	}{
		{"below threshold", []SourceItem{bad, issueItem(2), issueItem(3)}, StatusCompleted},
		{"above threshold", []SourceItem{bad, bad, issueItem(2)}, StatusFailed},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store := newFakeStore()
			source := &fakeSource{items: tc.items}
			e := newTestEngine(t, Config{}, store, source, newFakeTarget())

			op, err := e.RunSync(context.Background(), KindFull)
			if err != nil {
				t.Fatal(err)
			}
			if op.Status != tc.want {
				t.Errorf("expected %s, got %s (failed=%d processed=%d)",
					tc.want, op.Status, op.ItemsFailed, op.ItemsProcessed)
			}
		})
	}
}

func TestCancellationTakesEffectBetweenBatches(t *testing.T) {
	store := newFakeStore()
	source := &fakeSource{items: []SourceItem{issueItem(1), issueItem(2), issueItem(3)}}
	target := newFakeTarget()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	target.onCreate = cancel

	e := newTestEngine(t, Config{BatchSize: 1}, store, source, target)

	op, err := e.RunSync(ctx, KindFull)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if op.Status != StatusCancelled {
		t.Errorf("expected cancelled, got %s", op.Status)
	}
	// The in-flight batch completed before the cancellation was observed
	if op.ItemsProcessed != 1 || op.ItemsSynced != 1 {
		t.Errorf("expected the first batch to finish cleanly: %+v", op)
	}
	saved, _ := store.GetOperation(context.Background(), op.ID)
	if saved.Status != StatusCancelled {
		t.Errorf("terminal state not persisted: %s", saved.Status)
	}
}

func TestDryRunSkipsTargetWrites(t *testing.T) {
	store := newFakeStore()
	source := &fakeSource{items: []SourceItem{issueItem(1)}}
	target := newFakeTarget()
	e := newTestEngine(t, Config{DryRun: true}, store, source, target)

	op, err := e.RunSync(context.Background(), KindFull)
	if err != nil {
		t.Fatal(err)
	}
	if op.Status != StatusCompleted || op.ItemsSynced != 1 {
		t.Errorf("unexpected dry-run outcome: %+v", op)
	}
	if target.createCalls != 0 || target.updateCalls != 0 {
		t.Error("dry run wrote to the target")
	}
}

func TestSyncOneCreatesThenUpdates(t *testing.T) {
	store := newFakeStore()
	target := newFakeTarget()
	e := newTestEngine(t, Config{}, store, &fakeSource{}, target)

	data := issueItem(7).Data
	if err := e.SyncOne(context.Background(), "org/app", ItemTypeIssue, "7", data); err != nil {
		t.Fatalf("first SyncOne failed: %v", err)
	}
	if err := e.SyncOne(context.Background(), "org/app", ItemTypeIssue, "7", data); err != nil {
		t.Fatalf("second SyncOne failed: %v", err)
	}

	if target.createCalls != 1 {
		t.Errorf("redelivery must not create twice, got %d creates", target.createCalls)
	}
	if target.updateCalls != 1 {
		t.Errorf("expected 1 update, got %d", target.updateCalls)
	}
}

func TestStartManualSyncRunsInBackground(t *testing.T) {
	store := newFakeStore()
	source := &fakeSource{items: []SourceItem{issueItem(1)}}
	e := newTestEngine(t, Config{}, store, source, newFakeTarget())

	opID, err := e.StartManualSync(context.Background(), KindFull)
	if err != nil {
		t.Fatalf("StartManualSync failed: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		op, err := e.GetSyncStatus(context.Background(), opID)
		if err == nil && op.Status.IsTerminal() {
			if op.Status != StatusCompleted {
				t.Errorf("expected completed, got %s", op.Status)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("operation did not reach a terminal state")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestCancelSyncUnknownOperation(t *testing.T) {
	e := newTestEngine(t, Config{}, newFakeStore(), &fakeSource{}, newFakeTarget())
	if e.CancelSync("nope") {
		t.Error("cancel of unknown operation reported success")
	}
}

func TestScopedSyncListsOnlyNamedRepositories(t *testing.T) {
	store := newFakeStore()
	source := &fakeSource{items: []SourceItem{issueItem(1)}}
	e := newTestEngine(t, Config{Repositories: []string{"org/a", "org/b"}}, store, source, newFakeTarget())

	op, err := e.RunSyncScoped(context.Background(), KindFull, []string{"org/b"})
	if err != nil {
		t.Fatalf("RunSyncScoped failed: %v", err)
	}

	if len(source.repos) != 1 || source.repos[0] != "org/b" {
		t.Errorf("expected only org/b to be listed, got %v", source.repos)
	}
	if repos, ok := op.Metadata["repositories"].([]string); !ok || len(repos) != 1 {
		t.Errorf("scope not recorded on the operation: %v", op.Metadata)
	}
}

func TestScopedSyncWithEmptyScopeUsesConfigured(t *testing.T) {
	store := newFakeStore()
	source := &fakeSource{}
	e := newTestEngine(t, Config{Repositories: []string{"org/a", "org/b"}}, store, source, newFakeTarget())

	if _, err := e.RunSyncScoped(context.Background(), KindFull, nil); err != nil {
		t.Fatal(err)
	}
	if len(source.repos) != 2 {
		t.Errorf("expected both configured repositories, got %v", source.repos)
	}
}

func TestReconfigureAppliesToNextRun(t *testing.T) {
	store := newFakeStore()
	source := &fakeSource{}
	e := newTestEngine(t, Config{Repositories: []string{"org/a"}}, store, source, newFakeTarget())

	if _, err := e.RunSync(context.Background(), KindFull); err != nil {
		t.Fatal(err)
	}
	e.Reconfigure([]string{"org/x", "org/y"}, StrategyMerge, 0.9)
	if _, err := e.RunSync(context.Background(), KindFull); err != nil {
		t.Fatal(err)
	}

	want := []string{"org/a", "org/x", "org/y"}
	if len(source.repos) != len(want) {
		t.Fatalf("expected listings %v, got %v", want, source.repos)
	}
	for i, repo := range want {
		if source.repos[i] != repo {
			t.Errorf("listing %d: expected %s, got %s", i, repo, source.repos[i])
		}
	}
}

func TestReconfigureZeroValuesKeepSettings(t *testing.T) {
	store := newFakeStore()
	source := &fakeSource{}
	e := newTestEngine(t, Config{Repositories: []string{"org/a"}}, store, source, newFakeTarget())

	e.Reconfigure(nil, "", 0)

	if _, err := e.RunSync(context.Background(), KindFull); err != nil {
		t.Fatal(err)
	}
	if len(source.repos) != 1 || source.repos[0] != "org/a" {
		t.Errorf("repository list changed: %v", source.repos)
	}
	if e.defaultStrategy() != StrategySourceWins {
		t.Errorf("strategy changed: %s", e.defaultStrategy())
	}
}

func TestRunningCountsOverlappingOperations(t *testing.T) {
	store := newFakeStore()
	target := newFakeTarget()
	release := make(chan struct{})
	target.onCreate = func() { <-release }
	source := &fakeSource{items: []SourceItem{issueItem(1)}}
	e := newTestEngine(t, Config{}, store, source, target)

	id1, err := e.StartManualSync(context.Background(), KindFull)
	if err != nil {
		t.Fatal(err)
	}
	id2, err := e.StartManualSync(context.Background(), KindFull)
	if err != nil {
		t.Fatal(err)
	}

	waitStatus(t, e, StatusRunning, id1, id2)
	release <- struct{}{}
	waitAnyTerminal(t, e, id1, id2)

	if !e.Running() {
		t.Error("Running() went false while the second operation is still active")
	}

	release <- struct{}{}
	waitAllTerminal(t, e, id1, id2)

	deadline := time.Now().Add(5 * time.Second)
	for e.Running() {
		if time.Now().After(deadline) {
			t.Fatal("Running() stuck true after both operations finished")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func waitStatus(t *testing.T, e *Engine, want Status, ids ...string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		matched := 0
		for _, id := range ids {
			op, err := e.GetSyncStatus(context.Background(), id)
			if err == nil && op.Status == want {
				matched++
			}
		}
		if matched == len(ids) {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("operations did not all reach %s", want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func waitAnyTerminal(t *testing.T, e *Engine, ids ...string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		for _, id := range ids {
			op, err := e.GetSyncStatus(context.Background(), id)
			if err == nil && op.Status.IsTerminal() {
				return
			}
		}
		if time.Now().After(deadline) {
			t.Fatal("no operation reached a terminal state")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func waitAllTerminal(t *testing.T, e *Engine, ids ...string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		done := 0
		for _, id := range ids {
			op, err := e.GetSyncStatus(context.Background(), id)
			if err == nil && op.Status.IsTerminal() {
				done++
			}
		}
		if done == len(ids) {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("operations did not all reach a terminal state")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestItemRecordsAppliedTargetSnapshot(t *testing.T) {
	store := newFakeStore()
	source := &fakeSource{items: []SourceItem{issueItem(1)}}
	target := newFakeTarget()
	e := newTestEngine(t, Config{ConflictStrategy: StrategySourceWins}, store, source, target)

	if _, err := e.RunSync(context.Background(), KindFull); err != nil {
		t.Fatal(err)
	}
	target.mu.Lock()
	target.records["1"]["description"] = "edited in target"
	target.mu.Unlock()
	if _, err := e.RunSync(context.Background(), KindFull); err != nil {
		t.Fatal(err)
	}

	item, err := store.GetItem(context.Background(), "1", ItemTypeIssue)
	if err != nil {
		t.Fatalf("GetItem failed: %v", err)
	}
	if item.TargetData == nil {
		t.Fatal("target snapshot missing")
	}
	if item.TargetData["description"] == "edited in target" {
		t.Error("stored snapshot is the pre-update target state")
	}
	if !HashEqual(item.TargetData, target.records["1"]) {
		t.Error("stored snapshot does not match what the target now holds")
	}
}
