package async

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/teranos/cachet/errors"
)

// ErrorCode represents the classification of an error
type ErrorCode string

const (
	ErrorCodeFileNotFound    ErrorCode = "file_not_found"
	ErrorCodeParseError      ErrorCode = "parse_error"
	ErrorCodeNetworkError    ErrorCode = "network_error"
	ErrorCodeDatabaseError   ErrorCode = "database_error"
	ErrorCodeValidationError ErrorCode = "validation_error"
	ErrorCodeTimeout         ErrorCode = "timeout"
	ErrorCodeUnknown         ErrorCode = "unknown"
)

// MaxRetries is the maximum number of retry attempts for failed jobs
const MaxRetries = 2

// ErrRequeued marks a handler error after the job was put back in the queue.
// The worker pool does not fail jobs whose error carries this mark.
var ErrRequeued = errors.New("job requeued for retry")

// ErrorContext provides structured error information for job failures
type ErrorContext struct {
	Stage     string    // Where the error occurred
	Code      ErrorCode // Error classification
	Message   string    // Human-readable message
	Retryable bool      // Can the job be retried?
}

// ClassifyError categorizes an error based on its message and stage
func ClassifyError(stage string, err error) ErrorContext {
	if err == nil {
		return ErrorContext{
			Stage:   stage,
			Code:    ErrorCodeUnknown,
			Message: "unknown error",
		}
	}

	errMsg := err.Error()
	errLower := strings.ToLower(errMsg)

	ctx := ErrorContext{
		Stage:   stage,
		Message: errMsg,
	}

	// Order matters: "timeout" also reads as a network problem
	switch {
	case strings.Contains(errLower, "deadline exceeded") || strings.Contains(errLower, "timed out"):
		ctx.Code = ErrorCodeTimeout
		ctx.Retryable = true

	case strings.Contains(errLower, "no such file") || strings.Contains(errLower, "file not found"):
		ctx.Code = ErrorCodeFileNotFound

	case strings.Contains(errLower, "parse") || strings.Contains(errLower, "unmarshal") || strings.Contains(errLower, "invalid json"):
		ctx.Code = ErrorCodeParseError

	case strings.Contains(errLower, "network") || strings.Contains(errLower, "connection") || strings.Contains(errLower, "timeout"):
		ctx.Code = ErrorCodeNetworkError
		ctx.Retryable = true

	case strings.Contains(errLower, "database") || strings.Contains(errLower, "sql"):
		ctx.Code = ErrorCodeDatabaseError
		ctx.Retryable = true

	case strings.Contains(errLower, "validation") || strings.Contains(errLower, "invalid"):
		ctx.Code = ErrorCodeValidationError

	default:
		ctx.Code = ErrorCodeUnknown
	}

	return ctx
}

// RetryableError puts the job back in the queue while it has retries left and
// returns an error marked with ErrRequeued. Once retries are exhausted it
// returns a plain error so the job fails.
func RetryableError(queue *Queue, job *Job, operation string, err error, log *zap.SugaredLogger) error {
	if job.RetryCount < MaxRetries {
		job.RetryCount++
		job.Error = fmt.Sprintf("%s (retry %d/%d): %v", operation, job.RetryCount, MaxRetries, err)
		requeued, updateErr := queue.Requeue(job)
		switch {
		case updateErr != nil:
			log.Warnw("Failed to update job for retry", "error", updateErr)
		case !requeued:
			log.Infow("Job left its running state, not retrying", "job_id", job.ID)
		default:
			log.Infow("꩜ Retry scheduled",
				"retry_count", job.RetryCount,
				"max_retries", MaxRetries,
				"operation", operation,
			)
			return errors.Mark(errors.Wrap(err, "retriable"), ErrRequeued)
		}
		return errors.Wrap(err, operation)
	}
	log.Warnw("꩜ Max retries exceeded",
		"max_retries", MaxRetries,
		"operation", operation,
	)
	return errors.Wrapf(err, "%s after %d retries", operation, MaxRetries)
}
