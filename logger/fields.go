package logger

import (
	"context"

	"go.uber.org/zap"
)

// Standard field names for consistent structured logging across cachet.
// Use these constants instead of raw strings to ensure consistency.
const (
	// Identity and context
	FieldJobID     = "job_id"
	FieldSession   = "session"
	FieldRequestID = "request_id"

	// Cache domain
	FieldCacheKey      = "cache_key"
	FieldDigest        = "digest"
	FieldGeneration    = "generation"
	FieldStateID       = "state_id"
	FieldContentHandle = "content_handle"
	FieldOrigin        = "origin"
	FieldKind          = "kind"

	// Components
	FieldComponent = "component"
	FieldBackend   = "backend"

	// Operations
	FieldOperation = "operation"
	FieldPass      = "pass"

	// Timing
	FieldDurationMS = "duration_ms"
	FieldAge        = "age"

	// Errors
	FieldError = "error"

	// Counts and sizes
	FieldCount     = "count"
	FieldSize      = "size"
	FieldBatchSize = "batch_size"

	// Status
	FieldState = "state"

	// Files and paths
	FieldPath = "path"

	FieldSymbol = "symbol" // segment symbol (⨳, ▣, ꩜, etc.)
)

// Context keys for propagating logging context
type contextKey string

const (
	jobIDKey     contextKey = "logger_job_id"
	sessionKey   contextKey = "logger_session"
	requestIDKey contextKey = "logger_request_id"
)

// WithJobID adds a job ID to the context for logging
func WithJobID(ctx context.Context, jobID string) context.Context {
	return context.WithValue(ctx, jobIDKey, jobID)
}

// WithSession adds a session ID to the context for logging
func WithSession(ctx context.Context, session string) context.Context {
	return context.WithValue(ctx, sessionKey, session)
}

// WithRequestID adds a request ID to the context for logging
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// FieldsFromContext extracts logging fields from context.
// Returns key-value pairs suitable for use with Infow/Errorw/etc.
func FieldsFromContext(ctx context.Context) []interface{} {
	var fields []interface{}

	if jobID, ok := ctx.Value(jobIDKey).(string); ok && jobID != "" {
		fields = append(fields, FieldJobID, jobID)
	}
	if session, ok := ctx.Value(sessionKey).(string); ok && session != "" {
		fields = append(fields, FieldSession, session)
	}
	if requestID, ok := ctx.Value(requestIDKey).(string); ok && requestID != "" {
		fields = append(fields, FieldRequestID, requestID)
	}

	return fields
}

// FromContext returns l enriched with the fields carried by ctx.
func FromContext(ctx context.Context, l *zap.SugaredLogger) *zap.SugaredLogger {
	fields := FieldsFromContext(ctx)
	if len(fields) == 0 {
		return l
	}
	return l.With(fields...)
}

// ComponentLogger returns a named logger for a specific component.
//
// Example:
//
//	type Janitor struct {
//	    logger *zap.SugaredLogger
//	}
//
//	func New() *Janitor {
//	    return &Janitor{logger: logger.ComponentLogger("janitor")}
//	}
func ComponentLogger(name string) *zap.SugaredLogger {
	return Logger.Named(name)
}
