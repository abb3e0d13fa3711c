package async

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cacheerrors "github.com/teranos/cachet/errors"
	cachettest "github.com/teranos/cachet/internal/testing"
)

// ============================================================================
// TAS Bot & Yugi Queue Test Universe
// ============================================================================
//
// TAS Bot enqueues extraction jobs with frame-perfect timing, Yugi draws them
// from the queue like cards, and Cronos handles anything that depends on age.
// ============================================================================

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	return NewQueue(cachettest.CreateMigratedTestDB(t))
}

func TestTASBotEnqueueAndGet(t *testing.T) {
	q := newTestQueue(t)
	job := newTestJob(t, "cache.extract", "tasbot")

	require.NoError(t, q.Enqueue(job))

	got, err := q.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.ID, got.ID)
	assert.Equal(t, "cache.extract", got.HandlerName)
	assert.Equal(t, JobStatusQueued, got.Status)
	assert.JSONEq(t, string(job.Payload), string(got.Payload))
	assert.Nil(t, got.StartedAt)

	_, err = q.GetJob("missing")
	assert.True(t, cacheerrors.IsNotFoundError(err))
}

func TestYugiDequeuesOldestFirst(t *testing.T) {
	q := newTestQueue(t)

	first := newTestJob(t, "cache.extract", "first")
	second := newTestJob(t, "cache.extract", "second")
	second.CreatedAt = first.CreatedAt.Add(time.Second)
	second.UpdatedAt = second.CreatedAt
	require.NoError(t, q.Enqueue(second))
	require.NoError(t, q.Enqueue(first))

	drawn, err := q.Dequeue()
	require.NoError(t, err)
	require.NotNil(t, drawn)
	assert.Equal(t, first.ID, drawn.ID)
	assert.Equal(t, JobStatusRunning, drawn.Status)

	stored, err := q.GetJob(first.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusRunning, stored.Status)
	assert.NotNil(t, stored.StartedAt)

	drawn, err = q.Dequeue()
	require.NoError(t, err)
	require.NotNil(t, drawn)
	assert.Equal(t, second.ID, drawn.ID)

	drawn, err = q.Dequeue()
	require.NoError(t, err)
	assert.Nil(t, drawn, "empty queue yields nil")
}

func TestCompleteJob(t *testing.T) {
	q := newTestQueue(t)
	job := newTestJob(t, "cache.extract", "src")
	require.NoError(t, q.Enqueue(job))
	_, err := q.Dequeue()
	require.NoError(t, err)

	require.NoError(t, q.CompleteJob(job.ID, json.RawMessage(`{"produced_kind":"table"}`)))

	got, err := q.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusCompleted, got.Status)
	assert.JSONEq(t, `{"produced_kind":"table"}`, string(got.Result))
	assert.NotNil(t, got.CompletedAt)
}

func TestFailJob(t *testing.T) {
	q := newTestQueue(t)
	job := newTestJob(t, "cache.extract", "src")
	require.NoError(t, q.Enqueue(job))

	require.NoError(t, q.FailJob(job.ID, errors.New("origin unreachable")))

	got, err := q.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusFailed, got.Status)
	assert.Equal(t, "origin unreachable", got.Error)
}

func TestCancelledJobIsNeverCompleted(t *testing.T) {
	q := newTestQueue(t)
	job := newTestJob(t, "cache.extract", "src")
	require.NoError(t, q.Enqueue(job))
	_, err := q.Dequeue()
	require.NoError(t, err)

	require.NoError(t, q.CancelJob(job.ID, "key deleted"))

	err = q.CompleteJob(job.ID, json.RawMessage(`{}`))
	assert.True(t, cacheerrors.Is(err, cacheerrors.ErrConflict))
	err = q.FailJob(job.ID, errors.New("late failure"))
	assert.True(t, cacheerrors.Is(err, cacheerrors.ErrConflict))

	got, err := q.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusCancelled, got.Status)
	assert.Equal(t, "key deleted", got.Error)

	t.Run("cancelling a terminal job is a no-op", func(t *testing.T) {
		require.NoError(t, q.CancelJob(job.ID, "again"))
		got, err := q.GetJob(job.ID)
		require.NoError(t, err)
		assert.Equal(t, "key deleted", got.Error)
	})

	t.Run("cancelled jobs are not dequeued", func(t *testing.T) {
		queued := newTestJob(t, "cache.extract", "queued")
		require.NoError(t, q.Enqueue(queued))
		require.NoError(t, q.CancelJob(queued.ID, "revoked"))
		drawn, err := q.Dequeue()
		require.NoError(t, err)
		assert.Nil(t, drawn)
	})
}

func TestScrubOnFinish(t *testing.T) {
	q := newTestQueue(t)
	q.ScrubOnFinish("cache.extract", func(payload json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(`{"scrubbed":true}`), nil
	})

	finish := map[string]func(id string) error{
		"complete": func(id string) error { return q.CompleteJob(id, json.RawMessage(`{}`)) },
		"fail":     func(id string) error { return q.FailJob(id, errors.New("boom")) },
		"cancel":   func(id string) error { return q.CancelJob(id, "revoked") },
	}
	for name, fn := range finish {
		t.Run(name, func(t *testing.T) {
			job := newTestJob(t, "cache.extract", name)
			require.NoError(t, q.Enqueue(job))

			queued, err := q.GetJob(job.ID)
			require.NoError(t, err)
			assert.JSONEq(t, string(job.Payload), string(queued.Payload), "payload is intact while the job can run")

			require.NoError(t, fn(job.ID))
			got, err := q.GetJob(job.ID)
			require.NoError(t, err)
			assert.JSONEq(t, `{"scrubbed":true}`, string(got.Payload))
		})
	}

	t.Run("other handlers keep their payload", func(t *testing.T) {
		job := newTestJob(t, "report.render", "other")
		require.NoError(t, q.Enqueue(job))
		require.NoError(t, q.CompleteJob(job.ID, json.RawMessage(`{}`)))
		got, err := q.GetJob(job.ID)
		require.NoError(t, err)
		assert.JSONEq(t, string(job.Payload), string(got.Payload))
	})

	t.Run("unreadable payload is dropped", func(t *testing.T) {
		q.ScrubOnFinish("cache.broken", func(json.RawMessage) (json.RawMessage, error) {
			return nil, errors.New("not a task")
		})
		job := newTestJob(t, "cache.broken", "broken")
		require.NoError(t, q.Enqueue(job))
		require.NoError(t, q.FailJob(job.ID, errors.New("boom")))
		got, err := q.GetJob(job.ID)
		require.NoError(t, err)
		assert.Empty(t, got.Payload)
	})
}

func TestRequeue(t *testing.T) {
	q := newTestQueue(t)
	job := newTestJob(t, "cache.extract", "src")
	require.NoError(t, q.Enqueue(job))
	running, err := q.Dequeue()
	require.NoError(t, err)

	running.RetryCount = 1
	running.Error = "retry 1/2"
	ok, err := q.Requeue(running)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := q.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusQueued, got.Status)
	assert.Equal(t, 1, got.RetryCount)

	require.NoError(t, q.CancelJob(job.ID, "gone"))
	ok, err = q.Requeue(got)
	require.NoError(t, err)
	assert.False(t, ok, "only running jobs go back to the queue")
}

func TestListAndStats(t *testing.T) {
	q := newTestQueue(t)

	jobs := make([]*Job, 4)
	for i := range jobs {
		jobs[i] = newTestJob(t, "cache.extract", "src")
		jobs[i].CreatedAt = jobs[i].CreatedAt.Add(time.Duration(i) * time.Millisecond)
		require.NoError(t, q.Enqueue(jobs[i]))
	}
	_, err := q.Dequeue()
	require.NoError(t, err)
	require.NoError(t, q.FailJob(jobs[1].ID, errors.New("boom")))
	require.NoError(t, q.CancelJob(jobs[2].ID, "deleted"))

	all, err := q.ListJobs(nil, 10)
	require.NoError(t, err)
	assert.Len(t, all, 4)
	assert.Equal(t, jobs[3].ID, all[0].ID, "newest first")

	queued := JobStatusQueued
	onlyQueued, err := q.ListJobs(&queued, 10)
	require.NoError(t, err)
	require.Len(t, onlyQueued, 1)
	assert.Equal(t, jobs[3].ID, onlyQueued[0].ID)

	active, err := q.ListActiveJobs(10)
	require.NoError(t, err)
	assert.Len(t, active, 2)

	stats, err := q.GetStats()
	require.NoError(t, err)
	assert.Equal(t, QueueStats{Queued: 1, Running: 1, Failed: 1, Cancelled: 1, Total: 4}, *stats)

	nQueued, nRunning, err := q.GetJobCounts()
	require.NoError(t, err)
	assert.Equal(t, 1, nQueued)
	assert.Equal(t, 1, nRunning)
}

func TestCronosCleanup(t *testing.T) {
	q := newTestQueue(t)

	old := newTestJob(t, "cache.extract", "old")
	require.NoError(t, q.Enqueue(old))
	require.NoError(t, q.FailJob(old.ID, errors.New("boom")))
	stale, err := q.GetJob(old.ID)
	require.NoError(t, err)
	stale.UpdatedAt = time.Now().Add(-48 * time.Hour)
	require.NoError(t, q.UpdateJob(stale))

	fresh := newTestJob(t, "cache.extract", "fresh")
	require.NoError(t, q.Enqueue(fresh))
	require.NoError(t, q.CompleteJob(fresh.ID, nil))

	pending := newTestJob(t, "cache.extract", "pending")
	pending.UpdatedAt = time.Now().Add(-48 * time.Hour)
	require.NoError(t, q.Enqueue(pending))

	removed, err := q.Cleanup(context.Background(), 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = q.GetJob(old.ID)
	assert.True(t, cacheerrors.IsNotFoundError(err))
	_, err = q.GetJob(fresh.ID)
	assert.NoError(t, err)
	_, err = q.GetJob(pending.ID)
	assert.NoError(t, err, "queued jobs are never cleaned up")
}

func TestDeleteJob(t *testing.T) {
	q := newTestQueue(t)
	job := newTestJob(t, "cache.extract", "src")
	require.NoError(t, q.Enqueue(job))

	require.NoError(t, q.DeleteJob(job.ID))
	assert.True(t, cacheerrors.IsNotFoundError(q.DeleteJob(job.ID)))
}

func TestSubscribe(t *testing.T) {
	q := newTestQueue(t)
	ch := q.Subscribe()
	defer q.Unsubscribe(ch)

	job := newTestJob(t, "cache.extract", "src")
	require.NoError(t, q.Enqueue(job))

	select {
	case got := <-ch:
		assert.Equal(t, job.ID, got.ID)
	case <-time.After(time.Second):
		t.Fatal("no notification for enqueued job")
	}

	q.Unsubscribe(ch)
	require.NoError(t, q.CancelJob(job.ID, "x"))
	assert.Len(t, ch, 0)
}
