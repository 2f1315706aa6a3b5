package queue

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/issuesync/issuesync/pkg/engine"
	"github.com/issuesync/issuesync/pkg/telemetry"
)

const (
	defaultWorkers  = 10
	defaultCapacity = 256
)

// TaskQueue executes sync tasks on a fixed worker pool. Tasks are consumed
// FIFO from a buffered channel; a nil task is the shutdown sentinel, one
// per worker. Tasks still buffered behind the sentinels are abandoned.
type TaskQueue struct {
	workers int
	tasks   chan *SyncTask
	logger  zerolog.Logger
	metrics *telemetry.Metrics

	mu        sync.Mutex
	started   bool
	stopped   bool
	active    map[string]*SyncTask
	results   map[string]*SyncResult
	completed int
	failed    int

	wg sync.WaitGroup
}

// NewTaskQueue creates a task queue with the given worker count. Zero or
// negative workers fall back to the default of 10.
func NewTaskQueue(workers int, logger zerolog.Logger, metrics *telemetry.Metrics) *TaskQueue {
	if workers <= 0 {
		workers = defaultWorkers
	}
	if metrics == nil {
		metrics = telemetry.NopMetrics()
	}
	return &TaskQueue{
		workers: workers,
		tasks:   make(chan *SyncTask, defaultCapacity),
		logger:  logger.With().Str("component", "task-queue").Logger(),
		metrics: metrics,
		active:  make(map[string]*SyncTask),
		results: make(map[string]*SyncResult),
	}
}

// Start launches the worker pool. Workers run until Stop pushes the
// sentinels.
func (q *TaskQueue) Start(ctx context.Context) {
	q.mu.Lock()
	if q.started {
		q.mu.Unlock()
		return
	}
	q.started = true
	q.mu.Unlock()

	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx, i)
	}
	q.logger.Info().Int("workers", q.workers).Msg("task queue started")
}

// Stop pushes one sentinel per worker and waits for the workers to drain.
// Tasks queued behind the sentinels are abandoned.
func (q *TaskQueue) Stop() {
	q.mu.Lock()
	if !q.started || q.stopped {
		q.mu.Unlock()
		return
	}
	q.stopped = true
	q.mu.Unlock()

	for i := 0; i < q.workers; i++ {
		q.tasks <- nil
	}
	q.wg.Wait()
	q.logger.Info().Msg("task queue stopped")
}

// AddTask enqueues a task for execution. The task function must be set.
func (q *TaskQueue) AddTask(task *SyncTask) (string, error) {
	if task == nil || task.Run == nil {
		return "", engine.NewConfigError("task has no work function", nil)
	}

	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return "", engine.NewQueueError("task queue is stopped", nil)
	}
	q.mu.Unlock()

	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	if task.MaxRetries <= 0 {
		task.MaxRetries = 3
	}
	if task.Priority == 0 {
		task.Priority = PriorityNormal
	}
	task.Status = TaskStatusPending
	task.CreatedAt = time.Now().UTC()

	select {
	case q.tasks <- task:
	default:
		return "", engine.NewQueueError(
			fmt.Sprintf("task queue is full (capacity %d)", cap(q.tasks)), nil)
	}

	q.metrics.RecordTaskEnqueued(task.TaskType)
	q.logger.Debug().
		Str("task_id", task.ID).
		Str("task_type", task.TaskType).
		Str("repository", task.Repository).
		Msg("task enqueued")
	return task.ID, nil
}

// GetResult returns the recorded result for a task, or nil if the task
// has not finished.
func (q *TaskQueue) GetResult(taskID string) *SyncResult {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.results[taskID]
}

// WaitForResult polls for a task result until the timeout elapses.
func (q *TaskQueue) WaitForResult(ctx context.Context, taskID string, timeout time.Duration) (*SyncResult, error) {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	deadline := time.Now().Add(timeout)
	for {
		if res := q.GetResult(taskID); res != nil {
			return res, nil
		}
		if time.Now().After(deadline) {
			return nil, engine.NewQueueError(
				fmt.Sprintf("timed out waiting for task %s", taskID), nil)
		}
		select {
		case <-time.After(50 * time.Millisecond):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// GetQueueStatus returns a snapshot of queue state.
func (q *TaskQueue) GetQueueStatus() QueueStatus {
	q.mu.Lock()
	defer q.mu.Unlock()

	active := make([]string, 0, len(q.active))
	for id := range q.active {
		active = append(active, id)
	}
	return QueueStatus{
		Workers:        q.workers,
		QueuedTasks:    len(q.tasks),
		ActiveTasks:    active,
		CompletedTasks: q.completed,
		FailedTasks:    q.failed,
	}
}

func (q *TaskQueue) worker(ctx context.Context, id int) {
	defer q.wg.Done()
	log := q.logger.With().Int("worker", id).Logger()

	for task := range q.tasks {
		if task == nil {
			log.Debug().Msg("worker received shutdown sentinel")
			return
		}
		q.execute(ctx, log, task)
	}
}

// execute runs one task, retrying retryable failures up to the task's
// retry bound with exponential backoff.
func (q *TaskQueue) execute(ctx context.Context, log zerolog.Logger, task *SyncTask) {
	task.Status = TaskStatusRunning
	q.mu.Lock()
	q.active[task.ID] = task
	q.mu.Unlock()

	start := time.Now()
	var err error
	for attempt := 0; attempt <= task.MaxRetries; attempt++ {
		err = task.Run(ctx)
		if err == nil {
			break
		}
		task.RetryCount = attempt + 1
		if !engine.IsRetryable(err) || attempt >= task.MaxRetries {
			break
		}
		delay := taskBackoff(attempt)
		log.Warn().Err(err).
			Str("task_id", task.ID).
			Int("attempt", attempt+1).
			Dur("backoff", delay).
			Msg("task failed, retrying")
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			err = ctx.Err()
			attempt = task.MaxRetries
		}
	}

	result := &SyncResult{
		TaskID:      task.ID,
		Retries:     task.RetryCount,
		Duration:    time.Since(start),
		CompletedAt: time.Now().UTC(),
	}
	if err != nil {
		task.Status = TaskStatusFailed
		result.Status = TaskStatusFailed
		result.Error = err.Error()
		log.Error().Err(err).Str("task_id", task.ID).Msg("task failed")
	} else {
		task.Status = TaskStatusCompleted
		result.Status = TaskStatusCompleted
		log.Debug().Str("task_id", task.ID).Dur("duration", result.Duration).Msg("task completed")
	}

	q.mu.Lock()
	delete(q.active, task.ID)
	q.results[task.ID] = result
	if err != nil {
		q.failed++
	} else {
		q.completed++
	}
	q.mu.Unlock()

	q.metrics.RecordTaskExecuted(task.TaskType, string(result.Status), result.Duration)
}

// taskBackoff computes exponential backoff with jitter, capped at one
// minute.
func taskBackoff(attempt int) time.Duration {
	delay := time.Duration(float64(time.Second) * math.Pow(2, float64(attempt)))
	if delay > time.Minute {
		delay = time.Minute
	}
	jitter := time.Duration(rand.Int63n(int64(delay)/4 + 1))
	return delay + jitter
}
