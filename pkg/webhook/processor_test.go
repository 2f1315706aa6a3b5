package webhook

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/issuesync/issuesync/pkg/engine"
)

type syncCall struct {
	repository string
	itemType   engine.ItemType
	sourceID   string
}

type fakeSyncer struct {
	mu    sync.Mutex
	calls []syncCall
	err   error
}

func (f *fakeSyncer) SyncOne(ctx context.Context, repository string, itemType engine.ItemType, sourceID string, data map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, syncCall{repository, itemType, sourceID})
	return f.err
}

func (f *fakeSyncer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeSyncer) call(i int) syncCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[i]
}

func newTestProcessor(t *testing.T, r *fakeRedis, syncer ItemSyncer) (*Processor, *Queue) {
	t.Helper()
	q := NewQueue(r, zerolog.Nop(), nil)
	p, err := NewProcessor(q, syncer, 2, zerolog.Nop(), nil, nil)
	if err != nil {
		t.Fatalf("failed to create processor: %v", err)
	}
	return p, q
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

// TestProcessorSyncsOpenedIssue drives an issue opened event end to end:
// enqueue, worker dequeue, dispatch into the single-item sync path, ack.
func TestProcessorSyncsOpenedIssue(t *testing.T) {
	r := newFakeRedis()
	syncer := &fakeSyncer{}
	p, q := newTestProcessor(t, r, syncer)

	ctx := context.Background()
	ev := &Event{
		ID:         "ev-issue-42",
		Source:     "gitea",
		EventType:  "issues",
		Action:     "opened",
		Repository: "org/app",
		Payload: map[string]any{
			"action": "opened",
			"issue": map[string]any{
				"number": float64(42),
				"title":  "Fix login",
				"state":  "open",
			},
		},
		Timestamp: time.Now().UTC(),
	}
	if err := q.Enqueue(ctx, ev); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	p.Start(ctx)
	defer p.Stop()

	waitFor(t, 5*time.Second, func() bool { return syncer.callCount() == 1 })

	call := syncer.call(0)
	if call.itemType != engine.ItemTypeIssue {
		t.Errorf("expected issue item type, got %s", call.itemType)
	}
	if call.sourceID != "42" {
		t.Errorf("expected source id 42, got %s", call.sourceID)
	}
	if call.repository != "org/app" {
		t.Errorf("expected repository org/app, got %s", call.repository)
	}

	// The event must leave the processing list once acked
	waitFor(t, 5*time.Second, func() bool { return r.depth(processingKey) == 0 })
	if r.depth(deadKey) != 0 {
		t.Errorf("expected no dead letters, got %d", r.depth(deadKey))
	}
}

func TestProcessorSyncsPushCommits(t *testing.T) {
	r := newFakeRedis()
	syncer := &fakeSyncer{}
	p, q := newTestProcessor(t, r, syncer)

	ctx := context.Background()
	ev := &Event{
		ID:         "ev-push-1",
		Source:     "gitea",
		EventType:  "push",
		Repository: "org/app",
		Payload: map[string]any{
			"commits": []any{
				map[string]any{"id": "abc123", "message": "first"},
				map[string]any{"id": "def456", "message": "second"},
			},
		},
		Timestamp: time.Now().UTC(),
	}
	if err := q.Enqueue(ctx, ev); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	p.Start(ctx)
	defer p.Stop()

	waitFor(t, 5*time.Second, func() bool { return syncer.callCount() == 2 })

	for i, want := range []string{"abc123", "def456"} {
		call := syncer.call(i)
		if call.itemType != engine.ItemTypeCommit {
			t.Errorf("call %d: expected commit item type, got %s", i, call.itemType)
		}
		if call.sourceID != want {
			t.Errorf("call %d: expected source id %s, got %s", i, want, call.sourceID)
		}
	}
}

// TestProcessorNacksFailedEvent verifies a failing handler sends the
// event back for redelivery rather than acking it.
func TestProcessorNacksFailedEvent(t *testing.T) {
	r := newFakeRedis()
	syncer := &fakeSyncer{err: engine.NewTransportError("target unreachable", nil)}
	p, q := newTestProcessor(t, r, syncer)

	ctx := context.Background()
	ev := &Event{
		ID:         "ev-fail",
		Source:     "gitea",
		EventType:  "issues",
		Action:     "opened",
		Repository: "org/app",
		Payload: map[string]any{
			"issue": map[string]any{"number": float64(7)},
		},
		MaxRetries: 2,
		Timestamp:  time.Now().UTC(),
	}
	if err := q.Enqueue(ctx, ev); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	p.Start(ctx)
	defer p.Stop()

	// Redelivery continues until retries are exhausted, then the event
	// lands on the dead list
	waitFor(t, 10*time.Second, func() bool { return r.depth(deadKey) == 1 })
	if got := syncer.callCount(); got != 2 {
		t.Errorf("expected 2 delivery attempts, got %d", got)
	}
}

func TestProcessorAcksUnroutableEvent(t *testing.T) {
	r := newFakeRedis()
	syncer := &fakeSyncer{}
	p, q := newTestProcessor(t, r, syncer)

	ctx := context.Background()
	ev := &Event{
		ID:        "ev-unknown",
		Source:    "gitea",
		EventType: "release",
		Action:    "published",
		Payload:   map[string]any{},
		Timestamp: time.Now().UTC(),
	}
	if err := q.Enqueue(ctx, ev); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	p.Start(ctx)
	defer p.Stop()

	waitFor(t, 5*time.Second, func() bool {
		return r.depth(pendingKey) == 0 && r.depth(processingKey) == 0
	})
	if r.depth(deadKey) != 0 {
		t.Errorf("unroutable events are acked, not dead-lettered; got %d dead", r.depth(deadKey))
	}
	if syncer.callCount() != 0 {
		t.Errorf("expected no sync calls for unroutable event, got %d", syncer.callCount())
	}
}

func TestProcessDirectDispatchesWithoutQueue(t *testing.T) {
	r := newFakeRedis()
	syncer := &fakeSyncer{}
	p, _ := newTestProcessor(t, r, syncer)

	ev := &Event{
		ID:         "ev-direct",
		Source:     "gitea",
		EventType:  "pull_request",
		Action:     "merged",
		Repository: "org/app",
		Payload: map[string]any{
			"pull_request": map[string]any{"number": float64(9)},
		},
		Timestamp: time.Now().UTC(),
	}
	if err := p.ProcessDirect(context.Background(), ev); err != nil {
		t.Fatalf("direct processing failed: %v", err)
	}
	if syncer.callCount() != 1 {
		t.Fatalf("expected 1 sync call, got %d", syncer.callCount())
	}
	if call := syncer.call(0); call.itemType != engine.ItemTypePullRequest || call.sourceID != "9" {
		t.Errorf("unexpected call: %+v", call)
	}
}

func TestProcessorRouteCoverage(t *testing.T) {
	r := newFakeRedis()
	p, _ := newTestProcessor(t, r, &fakeSyncer{})

	cases := []struct {
		source, eventType, action string
		want                      bool
	}{
		{"gitea", "issues", "opened", true},
		{"gitea", "issues", "edited", true},
		{"gitea", "issues", "closed", true},
		{"gitea", "issues", "reopened", true},
		{"gitea", "pull_request", "opened", true},
		{"gitea", "pull_request", "merged", true},
		{"gitea", "push", "", true},
		{"kimai", "timesheet", "updated", true},
		{"kimai", "project", "created", true},
		{"gitea", "issues", "labeled", false},
		{"gitea", "release", "published", false},
		{"unknown", "issues", "opened", false},
	}
	for _, tc := range cases {
		ev := &Event{Source: tc.source, EventType: tc.eventType, Action: tc.action}
		if _, ok := p.lookup(ev); ok != tc.want {
			t.Errorf("route %s/%s/%s: routable=%v, want %v",
				tc.source, tc.eventType, tc.action, ok, tc.want)
		}
	}
}
