package async

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/cachet/am"
	"github.com/teranos/cachet/db"
	"github.com/teranos/cachet/errors"
)

const (
	// MaxOrphanedJobsToRecover limits how many orphaned jobs we'll attempt to recover
	// on startup to prevent overwhelming the system after a crash
	MaxOrphanedJobsToRecover = 1000
)

// pulseLogger wraps zap.SugaredLogger with special methods for Pulse operations
// Uses different log levels to create visual distinction:
// - DEBUG level → STARTING (✿ Opening operations)
// - WARN level → CLOSING (❀ Closing operations)
// - INFO level → PULSE (general worker/daemon operations)
type pulseLogger struct {
	*zap.SugaredLogger
}

// Starting logs an Opening (✿) event
func (l pulseLogger) Starting(msg string, keysAndValues ...interface{}) {
	l.Debugw("✿ "+msg, keysAndValues...)
}

// Closing logs a Closing (❀) event
func (l pulseLogger) Closing(msg string, keysAndValues ...interface{}) {
	l.Warnw("❀ "+msg, keysAndValues...)
}

// Pulse logs general Pulse/worker operations
func (l pulseLogger) Pulse(msg string, keysAndValues ...interface{}) {
	l.Infow(msg, keysAndValues...)
}

// WorkerPool manages a pool of workers that process async jobs
type WorkerPool struct {
	queue         *Queue
	poolConfig    WorkerPoolConfig
	workers       int
	parentCtx     context.Context
	ctx           context.Context
	cancel        context.CancelFunc
	wg            sync.WaitGroup
	executor      JobExecutor
	registry      *HandlerRegistry
	jobsProcessed int       // Jobs processed since Start, drives the ramp-up interval
	activeWorkers int       // Workers currently executing a job
	startTime     time.Time
	logger        pulseLogger
	mu            sync.Mutex
}

// WorkerPoolConfig contains configuration for the worker pool
type WorkerPoolConfig struct {
	Workers            int           `json:"workers"`              // Number of concurrent workers
	PollInterval       time.Duration `json:"poll_interval"`        // How often to check for new jobs (0 = ramp up 1s → 5s)
	GracefulStartPhase time.Duration `json:"graceful_start_phase"` // Duration of each graceful start phase (default: 5min, test: 10s)
}

// DefaultWorkerPoolConfig returns sensible defaults
func DefaultWorkerPoolConfig() WorkerPoolConfig {
	return WorkerPoolConfig{
		Workers:            1,
		PollInterval:       5 * time.Second,
		GracefulStartPhase: 5 * time.Minute,
	}
}

// WorkerPoolConfigFrom builds the pool configuration from the [pulse] section
func WorkerPoolConfigFrom(cfg am.PulseConfig) WorkerPoolConfig {
	poolCfg := DefaultWorkerPoolConfig()
	if cfg.Workers > 0 {
		poolCfg.Workers = cfg.Workers
	}
	if cfg.PollIntervalSeconds > 0 {
		poolCfg.PollInterval = cfg.PollInterval()
	}
	return poolCfg
}

// NewWorkerPool creates a worker pool with an empty handler registry.
// Callers must register handlers before calling Start().
func NewWorkerPool(db *sql.DB, poolCfg WorkerPoolConfig, logger *zap.SugaredLogger) *WorkerPool {
	return NewWorkerPoolWithRegistry(context.Background(), NewQueue(db), poolCfg, logger, NewHandlerRegistry())
}

// NewWorkerPoolWithRegistry creates a worker pool draining queue with handlers
// from registry. Cancelling ctx stops the workers.
func NewWorkerPoolWithRegistry(ctx context.Context, queue *Queue, poolCfg WorkerPoolConfig, logger *zap.SugaredLogger, registry *HandlerRegistry) *WorkerPool {
	workerCtx, cancel := context.WithCancel(ctx)

	return &WorkerPool{
		queue:      queue,
		poolConfig: poolCfg,
		workers:    poolCfg.Workers,
		parentCtx:  ctx,
		ctx:        workerCtx,
		cancel:     cancel,
		executor:   NewRegistryExecutor(registry),
		registry:   registry,
		logger:     pulseLogger{logger.Named("pulse")},
	}
}

// Start begins processing jobs with the worker pool.
// ✿ Opening: jobs left running by a previous process are re-queued first.
func (wp *WorkerPool) Start() {
	wp.mu.Lock()

	// Restart after Stop() gets a fresh context
	select {
	case <-wp.ctx.Done():
		wp.ctx, wp.cancel = context.WithCancel(wp.parentCtx)
		wp.logger.Starting("Recreated worker context after previous shutdown")
	default:
	}

	wp.startTime = time.Now()
	wp.jobsProcessed = 0
	wp.mu.Unlock()

	if err := wp.recoverOrphanedJobs(); err != nil {
		wp.logger.Warnw("Failed to recover orphaned jobs", "error", err)
	}

	if warning := wp.checkMemoryPressure(); warning != "" {
		wp.logger.Warnw("Memory pressure warning", "warning", warning, "workers", wp.workers)
	}

	for i := 0; i < wp.workers; i++ {
		wp.wg.Add(1)
		go wp.worker(i)
	}
}

// recoverOrphanedJobs re-queues jobs stuck in "running" after an ungraceful
// shutdown. The first goes back immediately, the rest trickle in over the
// graceful start phases.
func (wp *WorkerPool) recoverOrphanedJobs() error {
	runningStatus := JobStatusRunning
	orphanedJobs, err := wp.queue.store.ListJobs(&runningStatus, MaxOrphanedJobsToRecover)
	if err != nil {
		return fmt.Errorf("failed to list running jobs: %w", err)
	}

	if len(orphanedJobs) == 0 {
		return nil
	}

	wp.logger.Starting("Opening - found orphaned jobs from previous crash", "count", len(orphanedJobs))

	if err := wp.requeueOrphanedJob(orphanedJobs[0]); err != nil {
		wp.logger.Warnw("Failed to recover orphaned job", "job_id", orphanedJobs[0].ID, "error", err)
	} else {
		wp.logger.Starting("Immediately recovered first job", "current", 1, "total", len(orphanedJobs))
	}

	if len(orphanedJobs) > 1 {
		wp.logger.Starting("Will gradually recover remaining jobs", "count", len(orphanedJobs)-1)
		go wp.gradualRecovery(orphanedJobs[1:])
	}

	return nil
}

// requeueOrphanedJob re-queues a single orphaned job
func (wp *WorkerPool) requeueOrphanedJob(job *Job) error {
	job.Error = ""
	ok, err := wp.queue.Requeue(job)
	if err != nil {
		return fmt.Errorf("failed to update recovered job %s: %w", job.ID, err)
	}
	if ok {
		wp.logger.Starting("Recovered orphaned job", "job_id", job.ID, "handler", job.HandlerName)
	}
	return nil
}

// gradualRecovery re-queues orphaned jobs in two phases:
// warm start (next 9 jobs over GracefulStartPhase/5) then slow start
// (the rest over 3 × GracefulStartPhase).
func (wp *WorkerPool) gradualRecovery(jobs []*Job) {
	if len(jobs) == 0 {
		return
	}

	startTime := time.Now()

	warmStartDuration := 10 * time.Second
	slowStartDuration := 15 * time.Minute
	if wp.poolConfig.GracefulStartPhase > 0 {
		warmStartDuration = wp.poolConfig.GracefulStartPhase / 5
		slowStartDuration = wp.poolConfig.GracefulStartPhase * 3
	}

	warmStartLimit := min(9, len(jobs))
	warmStartInterval := warmStartDuration / time.Duration(warmStartLimit)
	wp.logger.Starting("Warm start phase", "count", warmStartLimit, "interval", warmStartInterval)

	warmRecovered := wp.recoverJobsWithInterval(jobs[:warmStartLimit], warmStartInterval, "warm start")
	wp.logger.Starting("Warm start complete", "recovered", warmRecovered, "duration", time.Since(startTime))

	remainingJobs := jobs[warmStartLimit:]
	if len(remainingJobs) == 0 {
		return
	}

	slowStartInterval := slowStartDuration / time.Duration(len(remainingJobs))
	wp.logger.Starting("Slow start phase", "count", len(remainingJobs), "interval", slowStartInterval)

	slowRecovered := wp.recoverJobsWithInterval(remainingJobs, slowStartInterval, "slow start")
	wp.logger.Starting("Gradual recovery complete", "recovered", warmRecovered+slowRecovered, "total", len(jobs), "duration", time.Since(startTime))
}

// recoverJobsWithInterval recovers a batch of jobs with a delay between each.
// Returns the number of jobs successfully recovered.
func (wp *WorkerPool) recoverJobsWithInterval(jobs []*Job, interval time.Duration, phase string) int {
	recovered := 0
	for i, job := range jobs {
		select {
		case <-wp.ctx.Done():
			wp.logger.Closing("Gradual recovery cancelled during "+phase, "recovered", recovered, "total", len(jobs))
			return recovered
		default:
		}

		if err := wp.requeueOrphanedJob(job); err != nil {
			wp.logger.Warnw("Failed to recover job during "+phase, "job_id", job.ID, "error", err)
			continue
		}
		recovered++

		if i < len(jobs)-1 {
			select {
			case <-wp.ctx.Done():
			case <-time.After(interval):
			}
		}
	}
	return recovered
}

// Stop cancels the workers and waits up to 30 seconds for them to exit.
// ❀ Closing: a job interrupted by shutdown goes back to the queue.
func (wp *WorkerPool) Stop() {
	wp.cancel()

	done := make(chan struct{})
	go func() {
		wp.wg.Wait()
		close(done)
	}()

	timeout := 30 * time.Second
	select {
	case <-done:
		wp.logger.Pulse("❀ WorkerPool.Stop() complete - all workers exited cleanly")
	case <-time.After(timeout):
		wp.logger.Closing("WorkerPool.Stop() timeout - workers may still be running", "timeout", timeout)
	}
}

// worker processes jobs from the queue
func (wp *WorkerPool) worker(id int) {
	defer wp.wg.Done()

	interval := wp.getWorkerInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	errorCount := 0
	const maxConsecutiveErrors = 5
	backoffDuration := time.Second
	const maxBackoff = 30 * time.Second

	for {
		select {
		case <-wp.ctx.Done():
			return
		case <-ticker.C:
			if err := wp.processNextJob(); err != nil {
				select {
				case <-wp.ctx.Done():
					return
				default:
					if errors.Is(err, sql.ErrConnDone) || db.IsDatabaseClosed(err) {
						return
					}
					errorCount++
					wp.logger.Errorw("Worker error processing job",
						"worker_id", id,
						"error", err,
						"consecutive_errors", errorCount)

					if errorCount >= maxConsecutiveErrors {
						wp.logger.Warnw("Worker backing off due to consecutive errors",
							"worker_id", id,
							"backoff", backoffDuration,
							"consecutive_errors", errorCount)
						select {
						case <-wp.ctx.Done():
							return
						case <-time.After(backoffDuration):
						}
						backoffDuration = min(backoffDuration*2, maxBackoff)
					}
				}
			} else {
				if errorCount > 0 {
					wp.logger.Infow("Worker recovered from errors",
						"worker_id", id,
						"previous_error_count", errorCount)
				}
				errorCount = 0
				backoffDuration = time.Second
			}

			newInterval := wp.getWorkerInterval()
			if newInterval != interval {
				ticker.Reset(newInterval)
				interval = newInterval
			}
		}
	}
}

// getWorkerInterval returns the configured poll interval, or when none is
// configured, 1s during warmup (first 20 jobs or 2 minutes) and 5s after.
func (wp *WorkerPool) getWorkerInterval() time.Duration {
	wp.mu.Lock()
	defer wp.mu.Unlock()

	if wp.poolConfig.PollInterval > 0 {
		return wp.poolConfig.PollInterval
	}

	elapsed := time.Since(wp.startTime)
	if wp.jobsProcessed < 20 || elapsed < 2*time.Minute {
		return 1 * time.Second
	}
	return 5 * time.Second
}

// processNextJob gets the next job from the queue and processes it
func (wp *WorkerPool) processNextJob() error {
	select {
	case <-wp.ctx.Done():
		return nil
	default:
	}

	job, err := wp.queue.Dequeue()
	if err != nil {
		return fmt.Errorf("failed to dequeue job: %w", err)
	}
	if job == nil {
		return nil
	}

	wp.mu.Lock()
	wp.jobsProcessed++
	wp.activeWorkers++
	wp.mu.Unlock()
	defer func() {
		wp.mu.Lock()
		wp.activeWorkers--
		wp.mu.Unlock()
	}()

	result, execErr := wp.executor.Execute(wp.ctx, job)
	if execErr != nil {
		if errors.Is(execErr, ErrRequeued) {
			return nil
		}
		select {
		case <-wp.ctx.Done():
			wp.logger.Closing("Job interrupted by shutdown, re-queuing", "job_id", job.ID)
			if _, err := wp.queue.Requeue(job); err != nil {
				wp.logger.Errorw("Failed to re-queue interrupted job", "job_id", job.ID, "error", err)
			}
			return nil
		default:
		}
		return wp.settle(job, wp.queue.FailJob(job.ID, execErr))
	}

	return wp.settle(job, wp.queue.CompleteJob(job.ID, result))
}

// settle swallows the conflict raised when a job was cancelled while it ran
func (wp *WorkerPool) settle(job *Job, err error) error {
	if errors.Is(err, errors.ErrConflict) {
		wp.logger.Infow("Job was cancelled while running, keeping cancellation", "job_id", job.ID, "handler", job.HandlerName)
		return nil
	}
	return err
}

// GetQueue returns the job queue (useful for enqueuing jobs)
func (wp *WorkerPool) GetQueue() *Queue {
	return wp.queue
}

// Workers returns the number of concurrent workers configured for this pool
func (wp *WorkerPool) Workers() int {
	return wp.workers
}

// Registry returns the handler registry. Register handlers before Start():
//
//	pool := async.NewWorkerPool(db, poolCfg, logger)
//	pool.Registry().Register(extract.NewHandler(...))
//	pool.Start()
func (wp *WorkerPool) Registry() *HandlerRegistry {
	return wp.registry
}
