// Package capability tracks which cache keys each session may read.
//
// A session's grants are the only authorization path: the resolver and the vault
// take a Set loaded from a Store and refuse any key outside it. Sets are plain
// values, so a check never depends on ambient request state.
package capability

import (
	"context"
	"sort"

	"github.com/teranos/cachet/cache"
	"github.com/teranos/cachet/errors"
)

// Set is a session's capability set at one point in time
type Set map[cache.Key]struct{}

// NewSet builds a set from keys
func NewSet(keys ...cache.Key) Set {
	s := make(Set, len(keys))
	for _, k := range keys {
		s[k] = struct{}{}
	}
	return s
}

// Contains reports whether k is granted. A nil set contains nothing.
func (s Set) Contains(k cache.Key) bool {
	_, ok := s[k]
	return ok
}

// Add grants k in this value only; persist with Store.Grant
func (s Set) Add(keys ...cache.Key) {
	for _, k := range keys {
		s[k] = struct{}{}
	}
}

// Keys returns the members in sorted order
func (s Set) Keys() []cache.Key {
	keys := make([]cache.Key, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

var _ cache.Scope = Set(nil)

// Store persists grants per session together with the keys each session received
// when it requested access to a saved state
type Store interface {
	// Grant is idempotent
	Grant(ctx context.Context, session string, keys ...cache.Key) error
	// Revoke of an absent key is a no-op
	Revoke(ctx context.Context, session string, key cache.Key) error
	Has(ctx context.Context, session string, key cache.Key) (bool, error)
	List(ctx context.Context, session string) ([]cache.Key, error)

	// RecordAccess replaces the key list stored for (session, stateID)
	RecordAccess(ctx context.Context, session, stateID string, keys []cache.Key) error
	// Access returns errors.ErrNotFound when the session never requested access
	Access(ctx context.Context, session, stateID string) ([]cache.Key, error)
}

// Load reads a session's grants into a Set
func Load(ctx context.Context, store Store, session string) (Set, error) {
	keys, err := store.List(ctx, session)
	if err != nil {
		return nil, err
	}
	return NewSet(keys...), nil
}

func checkSession(session string) error {
	if session == "" {
		return errors.NewInvalidRequestError("session id is required")
	}
	return nil
}
