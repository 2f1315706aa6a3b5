package engine

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestSchedulerTriggersIncrementalSync(t *testing.T) {
	store := newFakeStore()
	source := &fakeSource{items: []SourceItem{issueItem(1)}}
	e := newTestEngine(t, Config{}, store, source, newFakeTarget())

	s := NewScheduler(e, 20*time.Millisecond, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop()

	deadline := time.Now().Add(5 * time.Second)
	for {
		store.mu.Lock()
		var done bool
		for _, op := range store.ops {
			if op.Kind == KindIncremental && op.Status == StatusCompleted {
				done = true
			}
		}
		store.mu.Unlock()
		if done {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("scheduler never completed an incremental sync")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSchedulerStopIsIdempotent(t *testing.T) {
	e := newTestEngine(t, Config{}, newFakeStore(), &fakeSource{}, newFakeTarget())
	s := NewScheduler(e, time.Hour, zerolog.Nop())
	s.Start(context.Background())
	s.Stop()
	s.Stop()
}

func TestSchedulerSubmitHookReplacesDirectRun(t *testing.T) {
	store := newFakeStore()
	e := newTestEngine(t, Config{}, store, &fakeSource{}, newFakeTarget())

	submitted := make(chan Kind, 8)
	s := NewScheduler(e, 20*time.Millisecond, zerolog.Nop())
	s.SetSubmit(func(_ context.Context, kind Kind) error {
		submitted <- kind
		return nil
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop()

	select {
	case kind := <-submitted:
		if kind != KindIncremental {
			t.Errorf("expected incremental submission, got %s", kind)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("submit hook was never called")
	}

	store.mu.Lock()
	ops := len(store.ops)
	store.mu.Unlock()
	if ops != 0 {
		t.Errorf("submit hook set, yet the scheduler started %d operations itself", ops)
	}
}
