package testing

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/teranos/cachet/cache"
	"github.com/teranos/cachet/errors"
)

// QueuedTask is one task held by Queue
type QueuedTask struct {
	Handle string
	Task   cache.Task
	Status cache.TaskStatus
}

// Queue is an in-memory cache.TaskQueue whose jobs only move when a test moves them
type Queue struct {
	mu    sync.Mutex
	seq   int
	tasks map[string]*QueuedTask

	// SubmitErr, when set, is returned by every Submit
	SubmitErr error
}

// NewQueue creates an empty queue
func NewQueue() *Queue {
	return &Queue{tasks: make(map[string]*QueuedTask)}
}

func (q *Queue) Submit(_ context.Context, task cache.Task) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.SubmitErr != nil {
		return "", q.SubmitErr
	}
	q.seq++
	handle := fmt.Sprintf("job-%04d", q.seq)
	q.tasks[handle] = &QueuedTask{
		Handle: handle,
		Task:   task,
		Status: cache.TaskStatus{State: cache.StateSubmitted},
	}
	return handle, nil
}

func (q *Queue) Poll(_ context.Context, handle string) (cache.TaskStatus, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	qt, ok := q.tasks[handle]
	if !ok {
		return cache.TaskStatus{State: cache.StateUnknown}, nil
	}
	return qt.Status, nil
}

func (q *Queue) Revoke(_ context.Context, handle string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	qt, ok := q.tasks[handle]
	if !ok {
		return errors.NewNotFoundError("job %s", handle)
	}
	if !qt.Status.State.Terminal() {
		qt.Status = cache.TaskStatus{State: cache.StateRevoked}
	}
	return nil
}

// Tasks returns a snapshot of every submitted task in submission order
func (q *Queue) Tasks() []QueuedTask {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]QueuedTask, 0, len(q.tasks))
	for _, qt := range q.tasks {
		out = append(out, *qt)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Handle < out[j].Handle })
	return out
}

// Task returns the task behind handle
func (q *Queue) Task(handle string) (QueuedTask, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	qt, ok := q.tasks[handle]
	if !ok {
		return QueuedTask{}, false
	}
	return *qt, true
}

// Len counts submitted tasks
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// SetStatus forces the status of a task
func (q *Queue) SetStatus(handle string, st cache.TaskStatus) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if qt, ok := q.tasks[handle]; ok {
		qt.Status = st
	}
}

// Forget drops a task so later polls report UNKNOWN
func (q *Queue) Forget(handle string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.tasks, handle)
}

// Complete writes data to the task's content handle and marks it successful
func (q *Queue) Complete(ctx context.Context, content cache.ContentStore, handle string, data []byte, kind string) error {
	qt, ok := q.Task(handle)
	if !ok {
		return errors.NewNotFoundError("job %s", handle)
	}
	if err := content.Write(ctx, qt.Task.ContentHandle, data); err != nil {
		return err
	}
	q.SetStatus(handle, cache.TaskStatus{
		State:  cache.StateSuccess,
		Result: &cache.TaskResult{ContentHandle: qt.Task.ContentHandle, ProducedKind: kind},
	})
	return nil
}

// Fail marks the task failed with msg
func (q *Queue) Fail(handle string, msg string) {
	q.SetStatus(handle, cache.TaskStatus{State: cache.StateFailure, Error: msg})
}

// KeySet is a cache.Scope backed by a plain set
type KeySet map[cache.Key]bool

// Contains implements cache.Scope
func (s KeySet) Contains(k cache.Key) bool { return s[k] }
