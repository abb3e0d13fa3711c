package async

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/teranos/cachet/errors"
)

const (
	// MaxJobsLimit caps listings
	MaxJobsLimit = 10000
	// SubscriberChannelBufferSize is the buffer size for subscriber channels
	SubscriberChannelBufferSize = 100
)

// PayloadScrubber rewrites the payload of a job that will never run again
type PayloadScrubber func(payload json.RawMessage) (json.RawMessage, error)

// Queue is the job queue backed by the async_jobs table
type Queue struct {
	store       *Store
	mu          sync.RWMutex
	subscribers []chan *Job
	scrubbers   map[string]PayloadScrubber
}

// NewQueue creates a new job queue
func NewQueue(db *sql.DB) *Queue {
	return &Queue{
		store:       NewStore(db),
		subscribers: make([]chan *Job, 0),
		scrubbers:   make(map[string]PayloadScrubber),
	}
}

// ScrubOnFinish registers fn for jobs routed to handlerName. It runs as the job
// is completed, failed or cancelled and its output replaces the stored payload.
func (q *Queue) ScrubOnFinish(handlerName string, fn PayloadScrubber) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.scrubbers[handlerName] = fn
}

// scrub must be called with q.mu held
func (q *Queue) scrub(job *Job) {
	fn, ok := q.scrubbers[job.HandlerName]
	if !ok || len(job.Payload) == 0 {
		return
	}
	out, err := fn(job.Payload)
	if err != nil {
		// A payload the scrubber cannot read is dropped rather than kept
		job.Payload = nil
		return
	}
	job.Payload = out
}

// Enqueue adds a new job to the queue
func (q *Queue) Enqueue(job *Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.store.CreateJob(job); err != nil {
		err = errors.Wrap(err, "failed to enqueue job")
		err = errors.WithDetail(err, fmt.Sprintf("Job ID: %s", job.ID))
		err = errors.WithDetail(err, fmt.Sprintf("Handler: %s", job.HandlerName))
		err = errors.WithDetail(err, fmt.Sprintf("Source: %s", job.Source))
		return err
	}

	q.notifySubscribers(job)
	return nil
}

// Dequeue claims the oldest queued job and marks it as running.
// Returns nil when nothing is queued.
func (q *Queue) Dequeue() (*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, err := q.store.ClaimNextQueued()
	if err != nil {
		return nil, errors.Wrap(err, "failed to dequeue job")
	}
	if job == nil {
		return nil, nil
	}

	q.notifySubscribers(job)
	return job, nil
}

// GetJob retrieves a job by ID
func (q *Queue) GetJob(id string) (*Job, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	return q.store.GetJob(id)
}

// UpdateJob updates a job's state
func (q *Queue) UpdateJob(job *Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.store.UpdateJob(job); err != nil {
		err = errors.Wrap(err, "failed to update job")
		err = errors.WithDetail(err, fmt.Sprintf("Job ID: %s", job.ID))
		err = errors.WithDetail(err, fmt.Sprintf("Handler: %s", job.HandlerName))
		err = errors.WithDetail(err, fmt.Sprintf("Status: %s", job.Status))
		return err
	}

	q.notifySubscribers(job)
	return nil
}

// CompleteJob marks a job as completed with its result.
// A job that was cancelled meanwhile stays cancelled and ErrConflict is returned.
func (q *Queue) CompleteJob(id string, result json.RawMessage) error {
	return q.finish(id, "complete", func(job *Job) { job.Complete(result) })
}

// FailJob marks a job as failed with an error.
// A job that was cancelled meanwhile stays cancelled and ErrConflict is returned.
func (q *Queue) FailJob(id string, jobErr error) error {
	return q.finish(id, "fail", func(job *Job) { job.Fail(jobErr) })
}

func (q *Queue) finish(id string, op string, apply func(*Job)) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, err := q.store.GetJob(id)
	if err != nil {
		return errors.Wrapf(err, "failed to %s job %s", op, id)
	}

	apply(job)
	q.scrub(job)

	ok, err := q.store.FinishJob(job)
	if err != nil {
		err = errors.Wrapf(err, "failed to %s job", op)
		err = errors.WithDetail(err, fmt.Sprintf("Job ID: %s", job.ID))
		err = errors.WithDetail(err, fmt.Sprintf("Handler: %s", job.HandlerName))
		return err
	}
	if !ok {
		current, getErr := q.store.GetJob(id)
		if getErr != nil {
			return errors.Wrapf(getErr, "failed to %s job %s", op, id)
		}
		return errors.Wrapf(errors.ErrConflict, "job %s is already %s", id, current.Status)
	}

	q.notifySubscribers(job)
	return nil
}

// Requeue returns a running job to the queue for another attempt.
// Returns false when the job was cancelled or finished meanwhile.
func (q *Queue) Requeue(job *Job) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	ok, err := q.store.RequeueJob(job)
	if err != nil {
		return false, err
	}
	if ok {
		q.notifySubscribers(job)
	}
	return ok, nil
}

// CancelJob cancels a queued or running job. Terminal jobs are left alone.
// A running handler notices the cancellation when it tries to finish.
func (q *Queue) CancelJob(id string, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, err := q.store.GetJob(id)
	if err != nil {
		return errors.Wrapf(err, "failed to cancel job %s", id)
	}
	if job.Status.Terminal() {
		return nil
	}

	job.Cancel(reason)
	q.scrub(job)
	if _, err := q.store.FinishJob(job); err != nil {
		err = errors.Wrap(err, "failed to cancel job")
		err = errors.WithDetail(err, fmt.Sprintf("Job ID: %s", job.ID))
		return err
	}

	q.notifySubscribers(job)
	return nil
}

// DeleteJob removes a job row
func (q *Queue) DeleteJob(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.store.DeleteJob(id)
}

// ListJobs returns jobs, optionally filtered by status
func (q *Queue) ListJobs(status *JobStatus, limit int) ([]*Job, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	return q.store.ListJobs(status, limit)
}

// ListActiveJobs returns all queued and running jobs
func (q *Queue) ListActiveJobs(limit int) ([]*Job, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	return q.store.ListActiveJobs(limit)
}

// Subscribe returns a channel that receives job updates.
// The caller is responsible for calling Unsubscribe when done.
func (q *Queue) Subscribe() chan *Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	ch := make(chan *Job, SubscriberChannelBufferSize)
	q.subscribers = append(q.subscribers, ch)
	return ch
}

// Unsubscribe removes a subscriber channel from the queue.
// The channel is not closed; callers own its lifecycle.
func (q *Queue) Unsubscribe(ch chan *Job) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, sub := range q.subscribers {
		if sub == ch {
			q.subscribers = append(q.subscribers[:i], q.subscribers[i+1:]...)
			return
		}
	}
}

// notifySubscribers sends job updates to all subscribers without blocking.
// REQUIRES: q.mu must be held by caller.
func (q *Queue) notifySubscribers(job *Job) {
	for _, ch := range q.subscribers {
		select {
		case ch <- job:
		default:
		}
	}
}

// Cleanup removes terminal jobs older than olderThan
func (q *Queue) Cleanup(_ context.Context, olderThan time.Duration) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.store.CleanupOldJobs(olderThan)
}

// QueueStats returns statistics about the queue
type QueueStats struct {
	Queued    int `json:"queued"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
	Total     int `json:"total"`
}

// GetStats returns queue statistics
func (q *Queue) GetStats() (*QueueStats, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	counts, err := q.store.CountByStatus()
	if err != nil {
		return nil, errors.Wrap(err, "failed to collect queue stats")
	}

	stats := &QueueStats{
		Queued:    counts[JobStatusQueued],
		Running:   counts[JobStatusRunning],
		Completed: counts[JobStatusCompleted],
		Failed:    counts[JobStatusFailed],
		Cancelled: counts[JobStatusCancelled],
	}
	for _, n := range counts {
		stats.Total += n
	}
	return stats, nil
}

// GetJobCounts returns quick counts of queued and running jobs (for system metrics)
func (q *Queue) GetJobCounts() (queued int, running int, err error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	counts, err := q.store.CountByStatus()
	if err != nil {
		return 0, 0, errors.Wrap(err, "failed to count jobs")
	}
	return counts[JobStatusQueued], counts[JobStatusRunning], nil
}
