package cache

import (
	"context"

	"github.com/teranos/cachet/errors"
)

// maxGenerations caps the upward probe for a free generation
const maxGenerations = 1024

// Scope restricts which existing keys a submission may reuse
type Scope interface {
	Contains(k Key) bool
}

// Match is the outcome of a dedup lookup. A hit carries the reusable record; a
// miss carries the key a new record should be created under.
type Match struct {
	Digest     Key
	Key        Key
	Generation int
	Record     *Record
}

// Hit reports whether an existing record can be reused
func (m Match) Hit() bool { return m.Record != nil }

// Deduplicator finds reusable records for a digest
type Deduplicator struct {
	records *Records
}

// NewDeduplicator returns a Deduplicator over records
func NewDeduplicator(records *Records) *Deduplicator {
	return &Deduplicator{records: records}
}

// Lookup finds the record a submission of digest should reuse. A record is
// reusable when its job is pending or succeeded and, if scope is non-nil, its key
// is in scope or it was created for owner. On a miss the returned key is the first generation that has never
// been used, so a failed, revoked or deleted entry is never reissued while the
// index remembers it.
func (d *Deduplicator) Lookup(ctx context.Context, digest Key, scope Scope, owner string) (Match, error) {
	latest, indexed, err := d.records.Generation(ctx, digest)
	if err != nil {
		return Match{}, err
	}

	// Scoped lookups may find their own entry at any older generation
	if scope != nil && indexed {
		for g := latest; g >= 0; g-- {
			m, found, err := d.probe(ctx, digest, g, scope, owner)
			if err != nil {
				return Match{}, err
			}
			if found && m.Hit() {
				return m, nil
			}
		}
	}

	for g := latest; g < latest+maxGenerations; g++ {
		m, found, err := d.probe(ctx, digest, g, scope, owner)
		if err != nil {
			return Match{}, err
		}
		if !found {
			if indexed && g == latest {
				continue
			}
			return m, nil
		}
		if m.Hit() {
			return m, nil
		}
	}
	return Match{}, errors.Newf("digest %s exhausted %d generations", digest, maxGenerations)
}

func (d *Deduplicator) probe(ctx context.Context, digest Key, g int, scope Scope, owner string) (Match, bool, error) {
	k := KeyForGeneration(digest, g)
	m := Match{Digest: digest, Key: k, Generation: g}

	rec, _, err := d.records.Load(ctx, k)
	if errors.IsNotFoundError(err) {
		return m, false, nil
	}
	if err != nil {
		return Match{}, false, err
	}
	if rec.State.Reusable() && inScope(rec, scope, owner) {
		m.Record = rec
	}
	return m, true, nil
}

func inScope(rec *Record, scope Scope, owner string) bool {
	if scope == nil || scope.Contains(rec.Key) {
		return true
	}
	return owner != "" && rec.Owner == owner
}
