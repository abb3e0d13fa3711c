package async

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	cacheerrors "github.com/teranos/cachet/errors"
)

func TestClassifyError(t *testing.T) {
	tests := []struct {
		err       string
		code      ErrorCode
		retryable bool
	}{
		{"open /data/x.csv: no such file or directory", ErrorCodeFileNotFound, false},
		{"failed to parse csv row 3", ErrorCodeParseError, false},
		{"dial tcp: connection refused", ErrorCodeNetworkError, true},
		{"context deadline exceeded", ErrorCodeTimeout, true},
		{"i/o timeout", ErrorCodeNetworkError, true},
		{"database is locked", ErrorCodeDatabaseError, true},
		{"invalid descriptor field", ErrorCodeValidationError, false},
		{"something odd", ErrorCodeUnknown, false},
	}
	for _, tt := range tests {
		t.Run(tt.err, func(t *testing.T) {
			ctx := ClassifyError("fetch", errors.New(tt.err))
			assert.Equal(t, tt.code, ctx.Code)
			assert.Equal(t, tt.retryable, ctx.Retryable)
			assert.Equal(t, "fetch", ctx.Stage)
		})
	}

	assert.Equal(t, ErrorCodeUnknown, ClassifyError("fetch", nil).Code)
}

func TestRetryableError(t *testing.T) {
	q := newTestQueue(t)
	log := zaptest.NewLogger(t).Sugar()

	job := newTestJob(t, "cache.extract", "src")
	require.NoError(t, q.Enqueue(job))
	running, err := q.Dequeue()
	require.NoError(t, err)

	cause := errors.New("connection reset")
	for attempt := 1; attempt <= MaxRetries; attempt++ {
		err := RetryableError(q, running, "fetch", cause, log)
		assert.True(t, cacheerrors.Is(err, ErrRequeued), "attempt %d should requeue", attempt)

		stored, getErr := q.GetJob(job.ID)
		require.NoError(t, getErr)
		assert.Equal(t, JobStatusQueued, stored.Status)
		assert.Equal(t, attempt, stored.RetryCount)

		running, err = q.Dequeue()
		require.NoError(t, err)
		require.NotNil(t, running)
	}

	err = RetryableError(q, running, "fetch", cause, log)
	assert.False(t, cacheerrors.Is(err, ErrRequeued))
	assert.ErrorContains(t, err, "after 2 retries")
}
