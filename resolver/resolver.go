// Package resolver substitutes cached datasets for placeholders in job arguments.
//
// Resolution runs in two phases. Every placeholder is first checked against the
// caller's capability set, and one foreign key fails the whole call before any
// record or content is read. Only then are records and content loaded. A call
// either substitutes every placeholder or returns an error; it never returns a
// partially resolved tree.
package resolver

import (
	"context"

	"github.com/bytedance/sonic"
	"go.uber.org/zap"

	"github.com/teranos/cachet/cache"
	"github.com/teranos/cachet/capability"
	"github.com/teranos/cachet/errors"
	"github.com/teranos/cachet/extract"
	"github.com/teranos/cachet/logger"
)

// Source is what the resolver reads through. *cache.Orchestrator satisfies it.
type Source interface {
	Records() *cache.Records
	Content() cache.ContentStore
	// Status folds the queue's view of a pending job into its record
	Status(ctx context.Context, key cache.Key) (cache.Status, error)
}

// Resolver loads the content behind granted placeholders
type Resolver struct {
	src     Source
	records *cache.Records
	content cache.ContentStore
	logger  *zap.SugaredLogger
}

// New creates a resolver reading through src
func New(src Source, log *zap.SugaredLogger) *Resolver {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Resolver{
		src:     src,
		records: src.Records(),
		content: src.Content(),
		logger:  logger.AddIXSymbol(log.Named("resolver")),
	}
}

// Resolve returns a copy of args with each placeholder replaced by its (filtered)
// dataset
func (r *Resolver) Resolve(ctx context.Context, caps capability.Set, args map[string]interface{}) (map[string]interface{}, error) {
	refs := Scan(args)

	// Phase 1: authorization for every reference before any read
	for _, ref := range refs {
		if !caps.Contains(ref.Key) {
			return nil, errors.NewPermissionDeniedError(ref.Key.Short())
		}
	}

	// Phase 2: load each distinct key once
	loaded := make(map[cache.Key]*extract.Dataset, len(refs))
	for _, ref := range refs {
		if _, ok := loaded[ref.Key]; ok {
			continue
		}
		ds, err := r.load(ctx, ref.Key)
		if err != nil {
			return nil, err
		}
		loaded[ref.Key] = ds
	}

	out, err := Rewrite(args, func(ref Reference) (interface{}, error) {
		return loaded[ref.Key].Filter(ref.Filters), nil
	})
	if err != nil {
		return nil, err
	}

	if len(refs) > 0 {
		r.logger.Debugw("Arguments resolved",
			logger.FieldCount, len(refs),
			"distinct_keys", len(loaded))
	}
	return out.(map[string]interface{}), nil
}

// ResolveJSON is Resolve over a JSON object
func (r *Resolver) ResolveJSON(ctx context.Context, caps capability.Set, raw []byte) ([]byte, error) {
	var args map[string]interface{}
	if err := sonic.Unmarshal(raw, &args); err != nil {
		return nil, errors.NewInvalidRequestError("arguments must be a JSON object: %v", err)
	}
	out, err := r.Resolve(ctx, caps, args)
	if err != nil {
		return nil, err
	}
	data, err := sonic.Marshal(out)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode resolved arguments")
	}
	return data, nil
}

func (r *Resolver) load(ctx context.Context, k cache.Key) (*extract.Dataset, error) {
	rec, _, err := r.records.Load(ctx, k)
	if err != nil {
		// Grants outlive expired records
		return nil, err
	}
	if rec.State.Pending() {
		// The job may have settled without reporting back
		st, err := r.src.Status(ctx, k)
		if err != nil {
			return nil, err
		}
		if st.State == cache.StateUnknown {
			return nil, errors.NewNotReadyError(k.Short(), string(st.State))
		}
		if rec, _, err = r.records.Load(ctx, k); err != nil {
			return nil, err
		}
	}

	switch rec.State {
	case cache.StateSuccess:
	case cache.StateFailure:
		return nil, errors.NewJobFailedError(k.Short(), rec.Error)
	default:
		return nil, errors.NewNotReadyError(k.Short(), string(rec.State))
	}

	data, err := r.content.Read(ctx, rec.ContentHandle)
	if errors.IsNotFoundError(err) {
		r.logger.Warnw("Record points at missing content",
			logger.FieldCacheKey, k.Short(),
			logger.FieldContentHandle, rec.ContentHandle)
		return nil, errors.NewInconsistentStateError("content for key %s", k.Short())
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read content for %s", k.Short())
	}

	ds, err := extract.DecodeDataset(data)
	if err != nil {
		return nil, errors.Wrapf(err, "content for %s", k.Short())
	}

	if _, err := r.records.Touch(ctx, k); err != nil {
		r.logger.Warnw("Failed to bump last access", logger.FieldCacheKey, k.Short(), logger.FieldError, err)
	}
	return ds, nil
}
