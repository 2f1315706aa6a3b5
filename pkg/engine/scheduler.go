package engine

import (
	"context"
	gosync "sync"
	"time"

	"github.com/rs/zerolog"
)

// SubmitFunc starts one scheduled sync run. Submitters that fan the run
// out over a task queue return once every unit of work is enqueued.
type SubmitFunc func(ctx context.Context, kind Kind) error

// Scheduler triggers periodic incremental syncs. A tick is skipped while
// an operation is still running so scheduled runs never pile up, which
// is what keeps the same-item partitioning convention safe.
type Scheduler struct {
	engine   *Engine
	interval time.Duration
	logger   zerolog.Logger
	submit   SubmitFunc

	stopOnce gosync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewScheduler creates a scheduler. Interval defaults to five minutes.
func NewScheduler(e *Engine, interval time.Duration, logger zerolog.Logger) *Scheduler {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Scheduler{
		engine:   e,
		interval: interval,
		logger:   logger.With().Str("component", "scheduler").Logger(),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// SetSubmit replaces the default direct engine run with a custom
// submitter. Must be called before Start.
func (s *Scheduler) SetSubmit(fn SubmitFunc) {
	s.submit = fn
}

// Start runs the tick loop until Stop is called or ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	go s.loop(ctx)
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info().Dur("interval", s.interval).Msg("scheduler started")

	for {
		select {
		case <-ticker.C:
			if s.engine.Running() {
				s.logger.Debug().Msg("previous operation still running, skipping tick")
				continue
			}
			if s.submit != nil {
				if err := s.submit(ctx, KindIncremental); err != nil {
					s.logger.Error().Err(err).Msg("failed to submit scheduled sync")
					continue
				}
				s.logger.Info().Msg("scheduled sync submitted")
				continue
			}
			opID, err := s.engine.StartManualSync(ctx, KindIncremental)
			if err != nil {
				s.logger.Error().Err(err).Msg("failed to start scheduled sync")
				continue
			}
			s.logger.Info().Str("operation_id", opID).Msg("scheduled sync started")
		case <-ctx.Done():
			s.logger.Info().Msg("scheduler stopped by context")
			return
		case <-s.stop:
			s.logger.Info().Msg("scheduler stopped")
			return
		}
	}
}

// Stop halts the tick loop and waits for it to exit. Any operation
// already started keeps running to its own completion.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	<-s.done
}
