package cache

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/cachet/errors"
	"github.com/teranos/cachet/logger"
)

// Request describes one submission
type Request struct {
	Origin     string
	Descriptor json.RawMessage
	Label      string
	// Credentials are forwarded to the extraction job and never persisted in the record
	Credentials string
	// Scope, when set, limits reuse to keys the caller already holds
	Scope Scope
	// Owner names the session the entry is created for. A scoped submission
	// may also reuse entries created for the same owner.
	Owner string
}

// BatchRequest submits several descriptors against one origin
type BatchRequest struct {
	Origin      string
	Descriptors []json.RawMessage
	Label       string
	Credentials string
	Scope       Scope
	Owner       string
}

// Status is the externally visible state of a key
type Status struct {
	Key          Key
	State        JobState
	Label        string
	ProducedKind string
	Error        string
	CreatedAt    time.Time
	LastAccess   time.Time
}

// Orchestrator turns descriptors into cache keys and drives the record lifecycle
type Orchestrator struct {
	records *Records
	dedup   *Deduplicator
	content ContentStore
	queue   TaskQueue
	logger  *zap.SugaredLogger
	now     func() time.Time
}

// Option configures an Orchestrator
type Option func(*Orchestrator)

// WithClock overrides the time source used for record timestamps
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// NewOrchestrator wires the stores and queue together
func NewOrchestrator(meta MetadataStore, content ContentStore, queue TaskQueue, log *zap.SugaredLogger, opts ...Option) *Orchestrator {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	o := &Orchestrator{
		content: content,
		queue:   queue,
		logger:  logger.AddIXSymbol(log.Named("orchestrator")),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	o.records = NewRecords(meta, o.now)
	o.dedup = NewDeduplicator(o.records)
	return o
}

// Records exposes the typed metadata view
func (o *Orchestrator) Records() *Records { return o.records }

// Content exposes the content store
func (o *Orchestrator) Content() ContentStore { return o.content }

// Submit returns the key for (origin, descriptor), creating a job only when no
// reusable record exists
func (o *Orchestrator) Submit(ctx context.Context, req Request) (Key, error) {
	digest, canonical, err := Address(req.Origin, req.Descriptor)
	if err != nil {
		return "", err
	}
	return o.submitDigest(ctx, digest, canonical, req)
}

// SubmitBatch submits every descriptor and returns keys in input order. All
// descriptors are validated before any job is created. Duplicate descriptors
// within the batch resolve to the same key.
func (o *Orchestrator) SubmitBatch(ctx context.Context, req BatchRequest) ([]Key, error) {
	type addressed struct {
		digest    Key
		canonical json.RawMessage
	}
	items := make([]addressed, len(req.Descriptors))
	for i, desc := range req.Descriptors {
		digest, canonical, err := Address(req.Origin, desc)
		if err != nil {
			return nil, errors.Wrapf(err, "descriptor %d", i)
		}
		items[i] = addressed{digest: digest, canonical: canonical}
	}

	seen := make(map[Key]Key, len(items))
	keys := make([]Key, len(items))
	for i, item := range items {
		if k, ok := seen[item.digest]; ok {
			keys[i] = k
			continue
		}
		k, err := o.submitDigest(ctx, item.digest, item.canonical, Request{
			Origin:      req.Origin,
			Descriptor:  item.canonical,
			Label:       req.Label,
			Credentials: req.Credentials,
			Scope:       req.Scope,
			Owner:       req.Owner,
		})
		if err != nil {
			return nil, errors.Wrapf(err, "descriptor %d", i)
		}
		seen[item.digest] = k
		keys[i] = k
	}

	o.logger.Debugw("Batch submitted",
		logger.FieldOrigin, req.Origin,
		logger.FieldBatchSize, len(items),
		"distinct", len(seen))
	return keys, nil
}

func (o *Orchestrator) submitDigest(ctx context.Context, digest Key, canonical json.RawMessage, req Request) (Key, error) {
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		m, err := o.dedup.Lookup(ctx, digest, req.Scope, req.Owner)
		if err != nil {
			return "", errors.Wrap(err, "dedup lookup failed")
		}
		if m.Hit() {
			o.logger.Debugw("Reusing cache entry",
				logger.FieldCacheKey, m.Key.Short(),
				logger.FieldGeneration, m.Generation,
				logger.FieldState, m.Record.State)
			return m.Key, nil
		}

		created, err := o.create(ctx, m, canonical, req)
		if err != nil {
			return "", err
		}
		if !created {
			// Someone else claimed this generation first; look again. A winner
			// with the same owner is adopted by that lookup, anyone else's
			// entry stays out of scope.
			continue
		}

		if err := o.records.AdvanceGeneration(ctx, digest, m.Generation); err != nil {
			// Lookups probe past the index, so a stale index only costs a read
			o.logger.Warnw("Failed to advance generation index",
				logger.FieldDigest, digest.Short(),
				logger.FieldGeneration, m.Generation,
				logger.FieldError, err)
		}
		return m.Key, nil
	}
	return "", errors.Wrapf(errors.ErrConflict, "digest %s: too many concurrent submissions", digest.Short())
}

// create allocates content, submits the job and claims the record. When the claim
// loses a race the job and handle are released and created is false.
func (o *Orchestrator) create(ctx context.Context, m Match, canonical json.RawMessage, req Request) (bool, error) {
	handle, err := o.content.Allocate(ctx)
	if err != nil {
		return false, errors.Wrap(err, "failed to allocate content handle")
	}

	jobHandle, err := o.queue.Submit(ctx, Task{
		Key:           m.Key,
		Origin:        req.Origin,
		Descriptor:    canonical,
		ContentHandle: handle,
		Label:         req.Label,
		Credentials:   req.Credentials,
	})
	if err != nil {
		o.release(ctx, "", handle)
		return false, errors.Wrapf(err, "failed to submit extraction for %s", m.Key.Short())
	}

	now := o.now().UTC()
	rec := &Record{
		Key:                m.Key,
		Digest:             m.Digest,
		Generation:         m.Generation,
		Origin:             req.Origin,
		Descriptor:         canonical,
		Label:              req.Label,
		Owner:              req.Owner,
		JobHandle:          jobHandle,
		ContentHandle:      handle,
		ContentProvisional: true,
		State:              StateSubmitted,
		CreatedAt:          now,
		LastAccess:         now,
	}
	ok, err := o.records.Create(ctx, rec)
	if err != nil || !ok {
		o.release(ctx, jobHandle, handle)
		return false, err
	}

	o.logger.Infow("Extraction submitted",
		logger.FieldCacheKey, m.Key.Short(),
		logger.FieldGeneration, m.Generation,
		logger.FieldOrigin, req.Origin,
		logger.FieldJobID, jobHandle)
	return true, nil
}

func (o *Orchestrator) release(ctx context.Context, jobHandle, contentHandle string) {
	if jobHandle != "" {
		if err := o.queue.Revoke(ctx, jobHandle); err != nil {
			o.logger.Warnw("Failed to revoke abandoned job", logger.FieldJobID, jobHandle, logger.FieldError, err)
		}
	}
	if contentHandle != "" {
		if err := o.content.Delete(ctx, contentHandle); err != nil {
			o.logger.Warnw("Failed to release content handle", logger.FieldContentHandle, contentHandle, logger.FieldError, err)
		}
	}
}

// Status reports the state of key. Pending records are refreshed from the queue;
// every call bumps last_access.
func (o *Orchestrator) Status(ctx context.Context, key Key) (Status, error) {
	rec, _, err := o.records.Load(ctx, key)
	if err != nil {
		return Status{}, err
	}

	var observed *TaskStatus
	if rec.State.Pending() {
		ts, err := o.queue.Poll(ctx, rec.JobHandle)
		if err != nil {
			o.logger.Warnw("Failed to poll job, reporting cached state",
				logger.FieldCacheKey, key.Short(),
				logger.FieldJobID, rec.JobHandle,
				logger.FieldError, err)
		} else {
			observed = &ts
		}
	}

	lost := false
	updated, err := o.records.Update(ctx, key, func(cur *Record) (*Record, error) {
		lost = false
		if observed != nil && cur.State.Pending() && cur.JobHandle == rec.JobHandle {
			lost = applyObserved(cur, *observed)
		}
		cur.LastAccess = o.now().UTC()
		return cur, nil
	})
	if err != nil {
		return Status{}, err
	}

	st := statusOf(updated)
	if lost {
		st.State = StateUnknown
	}
	return st, nil
}

// applyObserved folds a queue observation into a pending record. It reports true
// when a running job has vanished from the queue, which is surfaced as UNKNOWN
// without being persisted.
func applyObserved(rec *Record, ts TaskStatus) bool {
	switch ts.State {
	case StateRunning:
		rec.State = StateRunning
	case StateSuccess:
		applySuccess(rec, ts.Result)
	case StateFailure:
		rec.State = StateFailure
		rec.Error = ts.Error
	case StateRevoked:
		rec.State = StateRevoked
	case StateUnknown:
		// A job that was only queued may simply not be visible yet
		return rec.State == StateRunning
	}
	return false
}

func applySuccess(rec *Record, result *TaskResult) {
	rec.State = StateSuccess
	rec.Error = ""
	if result != nil {
		if result.ContentHandle != "" {
			rec.ContentHandle = result.ContentHandle
		}
		if result.ProducedKind != "" {
			rec.ProducedKind = result.ProducedKind
		}
	}
	rec.ContentProvisional = false
}

func statusOf(rec *Record) Status {
	return Status{
		Key:          rec.Key,
		State:        rec.State,
		Label:        rec.Label,
		ProducedKind: rec.ProducedKind,
		Error:        rec.Error,
		CreatedAt:    rec.CreatedAt,
		LastAccess:   rec.LastAccess,
	}
}

// Cancel revokes a pending job and removes the record and its content
func (o *Orchestrator) Cancel(ctx context.Context, key Key) error {
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		rec, raw, err := o.records.Load(ctx, key)
		if err != nil {
			return err
		}
		if rec.State.Pending() {
			if err := o.queue.Revoke(ctx, rec.JobHandle); err != nil {
				o.logger.Warnw("Failed to revoke job", logger.FieldJobID, rec.JobHandle, logger.FieldError, err)
			}
		}
		ok, err := o.records.Remove(ctx, key, raw)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if err := o.content.Delete(ctx, rec.ContentHandle); err != nil {
			return errors.Wrapf(err, "record %s removed but content %s was not", key.Short(), rec.ContentHandle)
		}
		o.logger.Infow("Cache entry deleted", logger.FieldCacheKey, key.Short(), logger.FieldState, rec.State)
		return nil
	}
	return errors.Wrapf(errors.ErrConflict, "record %s kept changing", key.Short())
}

// Finalize marks key successful on behalf of jobHandle. A job that no longer owns
// the record is refused with ErrConflict. Finalizing twice is a no-op.
func (o *Orchestrator) Finalize(ctx context.Context, key Key, jobHandle string, result TaskResult) error {
	_, err := o.records.Update(ctx, key, func(rec *Record) (*Record, error) {
		if err := ownedBy(rec, jobHandle); err != nil {
			return nil, err
		}
		switch rec.State {
		case StateSuccess:
			return nil, nil
		case StateFailure, StateRevoked:
			return nil, errors.Wrapf(errors.ErrConflict, "key %s already %s", key.Short(), rec.State)
		}
		applySuccess(rec, &result)
		return rec, nil
	})
	if err != nil {
		return err
	}
	o.logger.Debugw("Extraction finalized",
		logger.FieldCacheKey, key.Short(),
		logger.FieldJobID, jobHandle,
		logger.FieldKind, result.ProducedKind)
	return nil
}

// Fail marks key failed on behalf of jobHandle
func (o *Orchestrator) Fail(ctx context.Context, key Key, jobHandle string, jobErr string) error {
	_, err := o.records.Update(ctx, key, func(rec *Record) (*Record, error) {
		if err := ownedBy(rec, jobHandle); err != nil {
			return nil, err
		}
		switch rec.State {
		case StateFailure:
			return nil, nil
		case StateSuccess, StateRevoked:
			return nil, errors.Wrapf(errors.ErrConflict, "key %s already %s", key.Short(), rec.State)
		}
		rec.State = StateFailure
		rec.Error = jobErr
		return rec, nil
	})
	return err
}

func ownedBy(rec *Record, jobHandle string) error {
	if rec.JobHandle != jobHandle {
		return errors.Wrapf(errors.ErrConflict, "key %s belongs to job %s, not %s", rec.Key.Short(), rec.JobHandle, jobHandle)
	}
	return nil
}
