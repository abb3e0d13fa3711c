package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/teranos/cachet/errors"
)

// maxCASAttempts bounds read-modify-write loops against a contended key
const maxCASAttempts = 8

// Records is a typed view of the record and index namespaces of a MetadataStore
type Records struct {
	meta MetadataStore
	now  func() time.Time
}

// NewRecords wraps a MetadataStore
func NewRecords(meta MetadataStore, now func() time.Time) *Records {
	if now == nil {
		now = time.Now
	}
	return &Records{meta: meta, now: now}
}

// Store exposes the underlying MetadataStore
func (r *Records) Store() MetadataStore { return r.meta }

// Load returns the record for k and the raw bytes it was decoded from. The raw
// bytes are the comparand for a later Replace or Remove.
func (r *Records) Load(ctx context.Context, k Key) (*Record, []byte, error) {
	raw, err := r.meta.Get(ctx, RecordKey(k))
	if err != nil {
		if errors.IsNotFoundError(err) {
			return nil, nil, errors.NewNotFoundError("cache key %s", k)
		}
		return nil, nil, errors.Wrapf(err, "failed to load record %s", k)
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, nil, errors.Wrapf(err, "failed to decode record %s", k)
	}
	return &rec, raw, nil
}

// Create writes rec only if its key is unused
func (r *Records) Create(ctx context.Context, rec *Record) (bool, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return false, errors.Wrap(err, "failed to encode record")
	}
	ok, err := r.meta.PutIfAbsent(ctx, RecordKey(rec.Key), data)
	if err != nil {
		return false, errors.Wrapf(err, "failed to create record %s", rec.Key)
	}
	return ok, nil
}

// Replace swaps the record if it still matches old
func (r *Records) Replace(ctx context.Context, rec *Record, old []byte) (bool, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return false, errors.Wrap(err, "failed to encode record")
	}
	ok, err := r.meta.CompareAndSwap(ctx, RecordKey(rec.Key), old, data)
	if err != nil {
		return false, errors.Wrapf(err, "failed to update record %s", rec.Key)
	}
	return ok, nil
}

// Remove deletes the record if it still matches old. The digest's index is raised
// to the record's generation first, so the key is never issued again.
func (r *Records) Remove(ctx context.Context, k Key, old []byte) (bool, error) {
	var rec Record
	if err := json.Unmarshal(old, &rec); err != nil {
		return false, errors.Wrapf(err, "failed to decode record %s", k)
	}
	if rec.Digest != "" {
		if err := r.AdvanceGeneration(ctx, rec.Digest, rec.Generation); err != nil {
			return false, errors.Wrapf(err, "record %s kept: index not advanced", k)
		}
	}

	ok, err := r.meta.CompareAndDelete(ctx, RecordKey(k), old)
	if err != nil {
		return false, errors.Wrapf(err, "failed to delete record %s", k)
	}
	return ok, nil
}

// Update applies fn to the current record and writes the result with
// compare-and-swap, retrying on contention. fn returning a nil record leaves the
// stored record untouched.
func (r *Records) Update(ctx context.Context, k Key, fn func(*Record) (*Record, error)) (*Record, error) {
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		rec, raw, err := r.Load(ctx, k)
		if err != nil {
			return nil, err
		}
		next, err := fn(rec)
		if err != nil {
			return nil, err
		}
		if next == nil {
			return rec, nil
		}
		ok, err := r.Replace(ctx, next, raw)
		if err != nil {
			return nil, err
		}
		if ok {
			return next, nil
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
	return nil, errors.Wrapf(errors.ErrConflict, "record %s kept changing", k)
}

// Touch bumps last_access to now
func (r *Records) Touch(ctx context.Context, k Key) (*Record, error) {
	return r.Update(ctx, k, func(rec *Record) (*Record, error) {
		rec.LastAccess = r.now().UTC()
		return rec, nil
	})
}

// Generation returns the newest generation recorded for digest and whether an
// index entry exists at all
func (r *Records) Generation(ctx context.Context, digest Key) (int, bool, error) {
	raw, err := r.meta.Get(ctx, IndexKey(digest))
	if err != nil {
		if errors.IsNotFoundError(err) {
			return 0, false, nil
		}
		return 0, false, errors.Wrapf(err, "failed to load index %s", digest)
	}
	var idx Index
	if err := json.Unmarshal(raw, &idx); err != nil {
		return 0, false, errors.Wrapf(err, "failed to decode index %s", digest)
	}
	return idx.Generation, true, nil
}

// AdvanceGeneration raises the index for digest to at least g. It never lowers it.
func (r *Records) AdvanceGeneration(ctx context.Context, digest Key, g int) error {
	data, err := json.Marshal(Index{Generation: g})
	if err != nil {
		return errors.Wrap(err, "failed to encode index")
	}
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		raw, err := r.meta.Get(ctx, IndexKey(digest))
		if errors.IsNotFoundError(err) {
			ok, err := r.meta.PutIfAbsent(ctx, IndexKey(digest), data)
			if err != nil {
				return errors.Wrapf(err, "failed to create index %s", digest)
			}
			if ok {
				return nil
			}
			continue
		}
		if err != nil {
			return errors.Wrapf(err, "failed to load index %s", digest)
		}

		var cur Index
		if err := json.Unmarshal(raw, &cur); err != nil {
			return errors.Wrapf(err, "failed to decode index %s", digest)
		}
		if cur.Generation >= g {
			return nil
		}
		ok, err := r.meta.CompareAndSwap(ctx, IndexKey(digest), raw, data)
		if err != nil {
			return errors.Wrapf(err, "failed to update index %s", digest)
		}
		if ok {
			return nil
		}
	}
	return errors.Wrapf(errors.ErrConflict, "index %s kept changing", digest)
}

// Keys lists every cache key with a record
func (r *Records) Keys(ctx context.Context) ([]Key, error) {
	names, err := r.meta.Keys(ctx, RecordPrefix)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list records")
	}
	keys := make([]Key, 0, len(names))
	for _, name := range names {
		keys = append(keys, Key(name[len(RecordPrefix):]))
	}
	return keys, nil
}
