package webhook

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/issuesync/issuesync/pkg/engine"
	"github.com/issuesync/issuesync/pkg/telemetry"
)

const defaultProcessorWorkers = 5

// ItemSyncer is the engine surface the processor needs: the single-item
// sync path. *engine.Engine satisfies it.
type ItemSyncer interface {
	SyncOne(ctx context.Context, repository string, itemType engine.ItemType, sourceID string, data map[string]any) error
}

// route keys the dispatch table. An empty action matches any action for
// the (source, event type) pair.
type route struct {
	source    string
	eventType string
	action    string
}

type handlerFunc func(ctx context.Context, ev *Event) error

// Processor consumes events from the durable queue on a fixed worker
// pool and dispatches them into the sync engine. Successful and
// unroutable events are acked; failures are nacked for redelivery.
type Processor struct {
	queue   *Queue
	syncer  ItemSyncer
	workers int
	routes  map[route]handlerFunc
	logger  zerolog.Logger
	metrics *telemetry.Metrics
	tracer  *telemetry.Tracer

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	wg      sync.WaitGroup
}

// NewProcessor creates a processor and validates the dispatch table: a
// route with a nil handler is a construction error, not a runtime one.
func NewProcessor(
	queue *Queue,
	syncer ItemSyncer,
	workers int,
	logger zerolog.Logger,
	metrics *telemetry.Metrics,
	tracer *telemetry.Tracer,
) (*Processor, error) {
	if workers <= 0 {
		workers = defaultProcessorWorkers
	}
	if metrics == nil {
		metrics = telemetry.NopMetrics()
	}

	p := &Processor{
		queue:   queue,
		syncer:  syncer,
		workers: workers,
		logger:  logger.With().Str("component", "webhook-processor").Logger(),
		metrics: metrics,
		tracer:  tracer,
		stop:    make(chan struct{}),
	}
	p.routes = p.buildRoutes()

	for r, h := range p.routes {
		if h == nil {
			return nil, engine.NewConfigError(
				fmt.Sprintf("route %s/%s/%s has no handler", r.source, r.eventType, r.action), nil)
		}
	}
	return p, nil
}

// buildRoutes assembles the dispatch table. Issue and pull request events
// carry an action; push events do not and use the wildcard entry.
func (p *Processor) buildRoutes() map[route]handlerFunc {
	routes := make(map[route]handlerFunc)

	for _, action := range []string{"opened", "edited", "closed", "reopened"} {
		routes[route{"gitea", "issues", action}] = p.handleIssue
	}
	for _, action := range []string{"opened", "edited", "closed", "merged"} {
		routes[route{"gitea", "pull_request", action}] = p.handlePullRequest
	}
	routes[route{"gitea", "push", ""}] = p.handlePush

	routes[route{"kimai", "timesheet", ""}] = p.handleTimesheet
	routes[route{"kimai", "project", ""}] = p.handleProject

	return routes
}

// Start launches the worker pool.
func (p *Processor) Start(ctx context.Context) {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.mu.Unlock()

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
	p.logger.Info().Int("workers", p.workers).Msg("webhook processor started")
}

// Stop signals the workers and waits for them to drain.
func (p *Processor) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.mu.Unlock()

	close(p.stop)
	p.wg.Wait()
	p.logger.Info().Msg("webhook processor stopped")
}

// Running reports whether the worker pool is active.
func (p *Processor) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Status returns the subsystem status including queue depths.
func (p *Processor) Status(ctx context.Context) ProcessorStatus {
	stats, err := p.queue.Stats(ctx)
	if err != nil {
		p.logger.Warn().Err(err).Msg("failed to read queue stats")
	}
	return ProcessorStatus{
		Running: p.Running(),
		Workers: p.workers,
		Queue:   stats,
	}
}

func (p *Processor) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	log := p.logger.With().Int("worker", id).Logger()

	for {
		select {
		case <-p.stop:
			return
		case <-ctx.Done():
			return
		default:
		}

		ev, err := p.queue.Dequeue(ctx, time.Second)
		if err != nil {
			log.Warn().Err(err).Msg("dequeue failed")
			select {
			case <-time.After(time.Second):
			case <-p.stop:
				return
			case <-ctx.Done():
				return
			}
			continue
		}
		if ev == nil {
			continue
		}

		p.processEvent(ctx, log, ev)
	}
}

// processEvent dispatches one event and acks or nacks it. Unroutable
// events are acked: redelivery cannot make them routable.
func (p *Processor) processEvent(ctx context.Context, log zerolog.Logger, ev *Event) {
	if p.tracer != nil {
		var span telemetry.Span
		ctx, span = p.tracer.StartWebhookSpan(ctx, ev.ID, ev.EventType)
		defer span.End()
	}

	handler, ok := p.lookup(ev)
	if !ok {
		log.Warn().
			Str("event_id", ev.ID).
			Str("source", ev.Source).
			Str("event_type", ev.EventType).
			Str("action", ev.Action).
			Msg("no route for webhook event")
		p.metrics.RecordWebhookProcessed(ev.EventType, "unroutable")
		if err := p.queue.Ack(ctx, ev); err != nil {
			log.Error().Err(err).Str("event_id", ev.ID).Msg("failed to ack unroutable event")
		}
		return
	}

	if err := handler(ctx, ev); err != nil {
		log.Warn().Err(err).
			Str("event_id", ev.ID).
			Str("event_type", ev.EventType).
			Int("retry_count", ev.RetryCount).
			Msg("webhook event processing failed")
		p.metrics.RecordWebhookProcessed(ev.EventType, "failed")
		if err := p.queue.Nack(ctx, ev); err != nil {
			log.Error().Err(err).Str("event_id", ev.ID).Msg("failed to nack event")
		}
		return
	}

	p.metrics.RecordWebhookProcessed(ev.EventType, "processed")
	if err := p.queue.Ack(ctx, ev); err != nil {
		log.Error().Err(err).Str("event_id", ev.ID).Msg("failed to ack event")
	}
}

// lookup resolves the handler for an event, falling back to the
// wildcard-action entry.
func (p *Processor) lookup(ev *Event) (handlerFunc, bool) {
	if h, ok := p.routes[route{ev.Source, ev.EventType, ev.Action}]; ok {
		return h, true
	}
	h, ok := p.routes[route{ev.Source, ev.EventType, ""}]
	return h, ok
}

// ProcessDirect runs an event through dispatch synchronously, bypassing
// the queue. It backs the degraded enqueue fallback.
func (p *Processor) ProcessDirect(ctx context.Context, ev *Event) error {
	handler, ok := p.lookup(ev)
	if !ok {
		p.logger.Warn().
			Str("event_id", ev.ID).
			Str("event_type", ev.EventType).
			Msg("no route for directly processed event")
		return nil
	}
	return handler(ctx, ev)
}

func (p *Processor) handleIssue(ctx context.Context, ev *Event) error {
	issue, ok := ev.Payload["issue"].(map[string]any)
	if !ok {
		return engine.NewConfigError("issue event payload has no issue object", nil)
	}
	return p.syncer.SyncOne(ctx, ev.Repository, engine.ItemTypeIssue, payloadID(issue), issue)
}

func (p *Processor) handlePullRequest(ctx context.Context, ev *Event) error {
	pr, ok := ev.Payload["pull_request"].(map[string]any)
	if !ok {
		return engine.NewConfigError("pull request event payload has no pull_request object", nil)
	}
	return p.syncer.SyncOne(ctx, ev.Repository, engine.ItemTypePullRequest, payloadID(pr), pr)
}

// handlePush syncs every commit in the push. A failing commit fails the
// whole event; redelivery is safe because the item path is idempotent.
func (p *Processor) handlePush(ctx context.Context, ev *Event) error {
	commits, ok := ev.Payload["commits"].([]any)
	if !ok {
		return engine.NewConfigError("push event payload has no commits list", nil)
	}
	for _, c := range commits {
		commit, ok := c.(map[string]any)
		if !ok {
			continue
		}
		if err := p.syncer.SyncOne(ctx, ev.Repository, engine.ItemTypeCommit, payloadID(commit), commit); err != nil {
			return err
		}
	}
	return nil
}

// handleTimesheet acknowledges time-tracking updates. The reverse sync
// direction updates issue annotations from timesheet changes.
func (p *Processor) handleTimesheet(ctx context.Context, ev *Event) error {
	p.logger.Info().
		Str("event_id", ev.ID).
		Str("action", ev.Action).
		Msg("timesheet update received")
	return nil
}

func (p *Processor) handleProject(ctx context.Context, ev *Event) error {
	p.logger.Info().
		Str("event_id", ev.ID).
		Str("action", ev.Action).
		Msg("project update received")
	return nil
}

// payloadID extracts a stable source id from an event object, preferring
// number (issues, pull requests) over id (commits).
func payloadID(obj map[string]any) string {
	if n, ok := obj["number"]; ok {
		switch v := n.(type) {
		case float64:
			return strconv.FormatInt(int64(v), 10)
		case string:
			return v
		}
	}
	if id, ok := obj["id"]; ok {
		switch v := id.(type) {
		case float64:
			return strconv.FormatInt(int64(v), 10)
		case string:
			return v
		}
	}
	return ""
}
