package extract

import (
	"context"
	"encoding/json"

	"github.com/bytedance/sonic"

	"github.com/teranos/cachet/cache"
	"github.com/teranos/cachet/errors"
	"github.com/teranos/cachet/pulse/async"
)

// HandlerName routes extraction jobs to Handler
const HandlerName = "cache.extract"

// Dispatcher is the cache.TaskQueue backed by the pulse job queue
type Dispatcher struct {
	queue *async.Queue
	actor string
}

// NewDispatcher creates a dispatcher that enqueues jobs on behalf of actor.
// Credentials are stripped from a job's stored payload once it finishes.
func NewDispatcher(queue *async.Queue, actor string) *Dispatcher {
	queue.ScrubOnFinish(HandlerName, StripCredentials)
	return &Dispatcher{queue: queue, actor: actor}
}

// Submit enqueues the task and returns the job id as its handle
func (d *Dispatcher) Submit(_ context.Context, task cache.Task) (string, error) {
	payload, err := sonic.Marshal(task)
	if err != nil {
		return "", errors.Wrap(err, "failed to encode extraction task")
	}
	job, err := async.NewJobWithPayload(HandlerName, task.Key.Short(), payload, 1, d.actor)
	if err != nil {
		return "", err
	}
	if err := d.queue.Enqueue(job); err != nil {
		return "", err
	}
	return job.ID, nil
}

// Poll maps the job's status onto the cache's job states
func (d *Dispatcher) Poll(_ context.Context, handle string) (cache.TaskStatus, error) {
	job, err := d.queue.GetJob(handle)
	if errors.IsNotFoundError(err) {
		return cache.TaskStatus{State: cache.StateUnknown}, nil
	}
	if err != nil {
		return cache.TaskStatus{}, err
	}

	switch job.Status {
	case async.JobStatusQueued:
		return cache.TaskStatus{State: cache.StateSubmitted}, nil
	case async.JobStatusRunning:
		return cache.TaskStatus{State: cache.StateRunning}, nil
	case async.JobStatusCompleted:
		var result cache.TaskResult
		if len(job.Result) > 0 {
			if err := sonic.Unmarshal(job.Result, &result); err != nil {
				return cache.TaskStatus{}, errors.Wrapf(err, "failed to decode result of job %s", handle)
			}
		}
		return cache.TaskStatus{State: cache.StateSuccess, Result: &result}, nil
	case async.JobStatusFailed:
		return cache.TaskStatus{State: cache.StateFailure, Error: job.Error}, nil
	case async.JobStatusCancelled:
		return cache.TaskStatus{State: cache.StateRevoked, Error: job.Error}, nil
	}
	return cache.TaskStatus{State: cache.StateUnknown}, nil
}

// Revoke cancels the job. A job the queue no longer knows counts as revoked.
func (d *Dispatcher) Revoke(_ context.Context, handle string) error {
	err := d.queue.CancelJob(handle, "revoked")
	if errors.IsNotFoundError(err) {
		return nil
	}
	return err
}

// StripCredentials rewrites an extraction payload without its credentials
func StripCredentials(payload json.RawMessage) (json.RawMessage, error) {
	var task cache.Task
	if err := sonic.Unmarshal(payload, &task); err != nil {
		return nil, errors.Wrap(err, "failed to decode extraction task")
	}
	if task.Credentials == "" {
		return payload, nil
	}
	task.Credentials = ""
	out, err := sonic.Marshal(task)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode extraction task")
	}
	return out, nil
}

// DecodeTask reads the task a dispatcher put in a job's payload
func DecodeTask(job *async.Job) (cache.Task, error) {
	var task cache.Task
	if err := sonic.Unmarshal(job.Payload, &task); err != nil {
		return task, errors.Wrapf(err, "failed to decode payload of job %s", job.ID)
	}
	if !cache.IsKey(string(task.Key)) || task.ContentHandle == "" {
		return task, errors.NewInvalidRequestError("job %s carries an incomplete extraction task", job.ID)
	}
	return task, nil
}
