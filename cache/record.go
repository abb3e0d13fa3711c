package cache

import (
	"encoding/json"
	"time"
)

// JobState is the lifecycle state of the extraction job behind a key
type JobState string

const (
	StateSubmitted JobState = "SUBMITTED"
	StateRunning   JobState = "RUNNING"
	StateSuccess   JobState = "SUCCESS"
	StateFailure   JobState = "FAILURE"
	StateRevoked   JobState = "REVOKED"
	StateUnknown   JobState = "UNKNOWN"
)

// Terminal reports whether the job will not change state again
func (s JobState) Terminal() bool {
	switch s {
	case StateSuccess, StateFailure, StateRevoked:
		return true
	}
	return false
}

// Pending reports whether the job is still queued or running
func (s JobState) Pending() bool {
	return s == StateSubmitted || s == StateRunning
}

// Reusable reports whether a record in this state may satisfy a new submission.
// Failed and revoked entries never do.
func (s JobState) Reusable() bool {
	return s == StateSubmitted || s == StateRunning || s == StateSuccess
}

// Record is the metadata stored for one cache key
type Record struct {
	Key        Key             `json:"key"`
	Digest     Key             `json:"digest"`
	Generation int             `json:"generation"`
	Origin     string          `json:"origin"`
	Descriptor json.RawMessage `json:"descriptor"`
	Label      string          `json:"label,omitempty"`
	// Owner is the session the entry was extracted for
	Owner string `json:"owner,omitempty"`

	JobHandle     string `json:"job_handle"`
	ContentHandle string `json:"content_handle"`
	// ContentProvisional is set until the job confirms where it wrote its output
	ContentProvisional bool   `json:"content_provisional,omitempty"`
	ProducedKind       string `json:"produced_kind,omitempty"`

	State JobState `json:"state"`
	Error string   `json:"error,omitempty"`

	CreatedAt  time.Time `json:"created_at"`
	LastAccess time.Time `json:"last_access"`
}

// Index tracks the newest generation issued for a digest
type Index struct {
	Generation int `json:"generation"`
}

// Metadata namespaces. Records, saved states and generation indexes share one
// MetadataStore and are told apart by prefix.
const (
	RecordPrefix = "cache:"
	StatePrefix  = "state:"
	IndexPrefix  = "index:"
)

// RecordKey returns the metadata key holding the record for k
func RecordKey(k Key) string { return RecordPrefix + string(k) }

// IndexKey returns the metadata key holding the generation index for a digest
func IndexKey(digest Key) string { return IndexPrefix + string(digest) }
