package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Handler executes one task type. Returning nil completes the task; returning
// RetryAfter reschedules it; any other error consumes one retry from the
// task's budget.
type Handler func(ctx context.Context, task *Task) error

// ExhaustedFunc is called when a task burns through its retry budget, before
// the task is parked in the dead letter queue.
type ExhaustedFunc func(ctx context.Context, task *Task, err error)

// RunnerConfig contains runner configuration.
type RunnerConfig struct {
	Workers      int
	PollInterval time.Duration
	// MaxRetries bounds handler failures per task. Deliberate reschedules via
	// RetryAfter do not count.
	MaxRetries int
	// RetryDelay is the base of the exponential failure backoff.
	RetryDelay time.Duration
	// TaskTimeout bounds a single handler invocation.
	TaskTimeout time.Duration
}

// Runner drives the durable task queue with a pool of polling workers.
type Runner struct {
	storage      *BoltStorage
	handlers     map[string]Handler
	workers      int
	pollInterval time.Duration
	maxRetries   int
	retryDelay   time.Duration
	taskTimeout  time.Duration
	onExhausted  ExhaustedFunc
	logger       *slog.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
	mu     sync.RWMutex
}

// NewRunner creates a queue runner over storage.
func NewRunner(storage *BoltStorage, cfg RunnerConfig, logger *slog.Logger) *Runner {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Minute
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = 5 * time.Minute
	}

	return &Runner{
		storage:      storage,
		handlers:     make(map[string]Handler),
		workers:      cfg.Workers,
		pollInterval: cfg.PollInterval,
		maxRetries:   cfg.MaxRetries,
		retryDelay:   cfg.RetryDelay,
		taskTimeout:  cfg.TaskTimeout,
		logger:       logger,
		stopCh:       make(chan struct{}),
	}
}

// Register binds a handler to a task type. Must be called before Start.
func (r *Runner) Register(taskType string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[taskType] = h
}

// OnExhausted installs the retry-exhaustion hook.
func (r *Runner) OnExhausted(fn ExhaustedFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onExhausted = fn
}

// Submit enqueues a task of the given type for the package, to run after
// delay (zero means as soon as a worker is free).
func (r *Runner) Submit(ctx context.Context, taskType string, packageID uint64, session string, delay time.Duration) (*Task, error) {
	return r.SubmitMeta(ctx, taskType, packageID, session, delay, nil)
}

// SubmitMeta is Submit with extra metadata attached to the task.
func (r *Runner) SubmitMeta(ctx context.Context, taskType string, packageID uint64, session string, delay time.Duration, meta map[string]string) (*Task, error) {
	task := &Task{
		ID:        uuid.NewString(),
		Type:      taskType,
		PackageID: packageID,
		Session:   session,
		Meta:      meta,
	}
	if delay > 0 {
		task.RunAt = time.Now().Add(delay)
	}
	if err := r.storage.Enqueue(ctx, task); err != nil {
		return nil, fmt.Errorf("failed to enqueue %s: %w", taskType, err)
	}
	r.logger.Debug("task submitted",
		"task_id", task.ID,
		"type", taskType,
		"package_id", packageID,
		"delay", delay,
	)
	return task, nil
}

// Start starts the runner workers.
func (r *Runner) Start(ctx context.Context) {
	r.logger.Info("starting queue runner", "workers", r.workers)

	for i := 0; i < r.workers; i++ {
		r.wg.Add(1)
		go r.worker(ctx, i)
	}
}

// Stop stops the runner gracefully, waiting for in-flight tasks.
func (r *Runner) Stop() {
	r.logger.Info("stopping queue runner")
	close(r.stopCh)
	r.wg.Wait()
	r.logger.Info("queue runner stopped")
}

// worker is the main processing loop.
func (r *Runner) worker(ctx context.Context, id int) {
	defer r.wg.Done()

	logger := r.logger.With("worker_id", id)
	logger.Debug("worker started")

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Debug("worker stopped by context")
			return
		case <-r.stopCh:
			logger.Debug("worker stopped by signal")
			return
		case <-ticker.C:
			// Drain everything that is due before sleeping again.
			for r.runOne(ctx, logger) {
				select {
				case <-ctx.Done():
					return
				case <-r.stopCh:
					return
				default:
				}
			}
		}
	}
}

// runOne claims and executes a single task. Returns true if a task was
// claimed.
func (r *Runner) runOne(ctx context.Context, logger *slog.Logger) bool {
	task, err := r.storage.Dequeue(ctx)
	if err != nil {
		logger.Error("failed to dequeue task", "error", err)
		return false
	}
	if task == nil {
		return false
	}

	logger = logger.With("task_id", task.ID, "type", task.Type, "package_id", task.PackageID)

	r.mu.RLock()
	handler := r.handlers[task.Type]
	r.mu.RUnlock()

	if handler == nil {
		logger.Error("no handler for task type")
		task.LastError = "no handler registered"
		if err := r.storage.MoveToDLQ(ctx, task); err != nil {
			logger.Error("failed to park task", "error", err)
		}
		return true
	}

	taskCtx, cancel := context.WithTimeout(ctx, r.taskTimeout)
	err = handler(taskCtx, task)
	cancel()

	switch {
	case err == nil:
		task.Status = StatusDone
		if err := r.storage.Update(ctx, task); err != nil {
			logger.Error("failed to mark task done", "error", err)
		}
		logger.Debug("task done", "attempt", task.Attempt)

	case isRescheduled(err):
		delay, _ := AsRetryAfter(err)
		task.LastError = err.Error()
		if err := r.storage.Defer(ctx, task, time.Now().Add(delay)); err != nil {
			logger.Error("failed to defer task", "error", err)
		}
		logger.Debug("task rescheduled", "delay", delay, "attempt", task.Attempt)

	default:
		task.Failures++
		task.LastError = err.Error()
		logger.Warn("task failed", "error", err, "failures", task.Failures)

		if task.Failures < r.maxRetries {
			backoff := r.calculateBackoff(task.Failures)
			if err := r.storage.Defer(ctx, task, time.Now().Add(backoff)); err != nil {
				logger.Error("failed to defer task", "error", err)
			}
			logger.Info("task deferred", "backoff", backoff, "failures", task.Failures)
			return true
		}

		logger.Error("task failed permanently", "failures", task.Failures, "max_retries", r.maxRetries)

		r.mu.RLock()
		exhausted := r.onExhausted
		r.mu.RUnlock()
		if exhausted != nil {
			exhausted(ctx, task, err)
		}

		if err := r.storage.MoveToDLQ(ctx, task); err != nil {
			logger.Error("failed to park task", "error", err)
		}
	}
	return true
}

func isRescheduled(err error) bool {
	_, ok := AsRetryAfter(err)
	return ok
}

// calculateBackoff calculates the exponential failure backoff, capped at one
// hour.
func (r *Runner) calculateBackoff(failures int) time.Duration {
	multiplier := 1 << (failures - 1)
	if multiplier > 12 {
		multiplier = 12
	}

	backoff := time.Duration(multiplier) * r.retryDelay
	if backoff > time.Hour {
		return time.Hour
	}
	return backoff
}
