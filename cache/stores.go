package cache

import (
	"context"
	"encoding/json"
	"time"
)

// MetadataStore is a string-keyed byte store with atomic conditional writes.
// Implementations must be safe for concurrent use across processes sharing the
// same backend.
type MetadataStore interface {
	// Get returns errors.ErrNotFound when the key is absent
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	// PutIfAbsent writes only when no value exists and reports whether it did
	PutIfAbsent(ctx context.Context, key string, value []byte) (bool, error)
	// CompareAndSwap replaces old with new only if the stored bytes equal old
	CompareAndSwap(ctx context.Context, key string, old, new []byte) (bool, error)
	// CompareAndDelete removes the key only if the stored bytes equal old
	CompareAndDelete(ctx context.Context, key string, old []byte) (bool, error)
	// Delete is a no-op for absent keys
	Delete(ctx context.Context, key string) error
	// Keys lists every key starting with prefix
	Keys(ctx context.Context, prefix string) ([]string, error)
}

// ContentEntry describes one stored content object
type ContentEntry struct {
	Handle  string
	Size    int64
	ModTime time.Time
}

// ContentStore holds extraction outputs under opaque handles
type ContentStore interface {
	// Allocate reserves a fresh handle without writing anything
	Allocate(ctx context.Context) (string, error)
	Write(ctx context.Context, handle string, data []byte) error
	// Read returns errors.ErrNotFound when nothing was written under handle
	Read(ctx context.Context, handle string) ([]byte, error)
	// Delete is a no-op for absent handles
	Delete(ctx context.Context, handle string) error
	List(ctx context.Context) ([]ContentEntry, error)
}

// Task is what the orchestrator hands to the queue for one extraction
type Task struct {
	Key           Key             `json:"key"`
	Origin        string          `json:"origin"`
	Descriptor    json.RawMessage `json:"descriptor"`
	ContentHandle string          `json:"content_handle"`
	Label         string          `json:"label,omitempty"`
	// Credentials are opaque to the cache and only read by the extraction backend
	Credentials string `json:"credentials,omitempty"`
}

// TaskResult is what a successful job reports back
type TaskResult struct {
	ContentHandle string `json:"content_handle"`
	ProducedKind  string `json:"produced_kind,omitempty"`
}

// TaskStatus is the queue's view of one job
type TaskStatus struct {
	State  JobState
	Result *TaskResult
	Error  string
}

// TaskQueue runs extraction jobs
type TaskQueue interface {
	Submit(ctx context.Context, task Task) (string, error)
	// Poll returns StateUnknown for handles the queue has never seen or has forgotten
	Poll(ctx context.Context, handle string) (TaskStatus, error)
	Revoke(ctx context.Context, handle string) error
}
