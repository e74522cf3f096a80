package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/odvcencio/harbr/internal/models"
)

const (
	defaultWorkerCount  = 2
	defaultPollInterval = 250 * time.Millisecond
)

type JobProcessor func(ctx context.Context, job *models.MaintenanceJob) error

type WorkerPoolOptions struct {
	Workers      int
	PollInterval time.Duration
	Logger       *slog.Logger
	Metrics      *Metrics
}

// WorkerPool claims maintenance jobs from Queue and executes them with JobProcessor.
type WorkerPool struct {
	queue        *Queue
	process      JobProcessor
	workers      int
	pollInterval time.Duration
	logger       *slog.Logger
	metrics      *Metrics

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
}

func NewWorkerPool(queue *Queue, process JobProcessor, opts WorkerPoolOptions) *WorkerPool {
	workers := opts.Workers
	if workers <= 0 {
		workers = defaultWorkerCount
	}
	pollInterval := opts.PollInterval
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &WorkerPool{
		queue:        queue,
		process:      process,
		workers:      workers,
		pollInterval: pollInterval,
		logger:       logger,
		metrics:      opts.Metrics,
	}
}

func (w *WorkerPool) Start(parent context.Context) error {
	if w == nil || w.queue == nil || w.process == nil {
		return fmt.Errorf("worker pool is not configured")
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return nil
	}

	ctx, cancel := context.WithCancel(parent)
	done := make(chan struct{})
	w.cancel = cancel
	w.done = done
	w.started = true

	go w.run(ctx, done)
	return nil
}

func (w *WorkerPool) Stop(ctx context.Context) error {
	if w == nil {
		return nil
	}

	w.mu.Lock()
	if !w.started {
		w.mu.Unlock()
		return nil
	}
	cancel := w.cancel
	done := w.done
	w.mu.Unlock()

	cancel()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	w.mu.Lock()
	w.started = false
	w.cancel = nil
	w.done = nil
	w.mu.Unlock()
	return nil
}

func (w *WorkerPool) run(ctx context.Context, done chan<- struct{}) {
	defer close(done)

	var wg sync.WaitGroup
	for i := range w.workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.runWorker(ctx, i+1)
		}()
	}
	wg.Wait()
}

func (w *WorkerPool) runWorker(ctx context.Context, workerID int) {
	for {
		if err := ctx.Err(); err != nil {
			return
		}

		job, err := w.queue.Claim(ctx)
		if err != nil {
			w.logger.Warn("maintenance worker claim failed", "worker_id", workerID, "error", err)
			if !sleepOrDone(ctx, w.pollInterval) {
				return
			}
			continue
		}
		if job == nil {
			if !sleepOrDone(ctx, w.pollInterval) {
				return
			}
			continue
		}

		w.execute(ctx, workerID, job)
	}
}

// execute runs one claimed job and records its outcome. A job whose attempts are used up is
// failed for good; anything else goes back on the queue with backoff.
func (w *WorkerPool) execute(ctx context.Context, workerID int, job *models.MaintenanceJob) {
	logger := w.logger.With("worker_id", workerID, "job_id", job.ID, "job_type", job.JobType, "repo", job.RepoName)
	start := time.Now()
	err := w.process(ctx, job)
	took := time.Since(start)

	if err == nil {
		w.metrics.observe(job.JobType, resultCompleted, took)
		if err := w.queue.Complete(ctx, job.ID); err != nil {
			logger.Error("maintenance worker complete failed", "error", err)
			return
		}
		logger.Info("maintenance job completed", "attempt", job.AttemptCount, "duration", took)
		return
	}

	result := resultRetried
	if attemptsExhausted(job) {
		result = resultFailed
	}
	w.metrics.observe(job.JobType, result, took)
	logger.Warn("maintenance job failed", "attempt", job.AttemptCount, "max_attempts", job.MaxAttempts, "result", result, "duration", took, "error", err)
	if retryErr := w.queue.RetryOrFail(ctx, job, err); retryErr != nil {
		logger.Error("maintenance worker retry/fail update failed", "error", retryErr)
	}
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		select {
		case <-ctx.Done():
			return false
		default:
			return true
		}
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
