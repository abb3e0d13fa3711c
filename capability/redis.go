package capability

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/redis/go-redis/v9"

	"github.com/teranos/cachet/cache"
	"github.com/teranos/cachet/errors"
)

var _ Store = (*RedisStore)(nil)

// RedisStore keeps each session's grants in a set and its state access mappings
// in a hash keyed by state id
type RedisStore struct {
	client    redis.UniversalClient
	namespace string
}

// NewRedisStore shares an existing client. Keys are written under namespace.
func NewRedisStore(client redis.UniversalClient, namespace string) *RedisStore {
	if namespace == "" {
		namespace = "cachet:"
	}
	return &RedisStore{client: client, namespace: namespace}
}

func (r *RedisStore) grantsKey(session string) string { return r.namespace + "grants:" + session }
func (r *RedisStore) accessKey(session string) string { return r.namespace + "access:" + session }

func (r *RedisStore) Grant(ctx context.Context, session string, keys ...cache.Key) error {
	if err := checkSession(session); err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	members := make([]interface{}, len(keys))
	for i, k := range keys {
		members[i] = string(k)
	}
	return errors.Wrapf(r.client.SAdd(ctx, r.grantsKey(session), members...).Err(), "failed to grant to %s", session)
}

func (r *RedisStore) Revoke(ctx context.Context, session string, key cache.Key) error {
	if err := checkSession(session); err != nil {
		return err
	}
	return errors.Wrapf(r.client.SRem(ctx, r.grantsKey(session), string(key)).Err(), "failed to revoke from %s", session)
}

func (r *RedisStore) Has(ctx context.Context, session string, key cache.Key) (bool, error) {
	ok, err := r.client.SIsMember(ctx, r.grantsKey(session), string(key)).Result()
	if err != nil {
		return false, errors.Wrap(err, "failed to check grant")
	}
	return ok, nil
}

func (r *RedisStore) List(ctx context.Context, session string) ([]cache.Key, error) {
	members, err := r.client.SMembers(ctx, r.grantsKey(session)).Result()
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list grants for %s", session)
	}
	sort.Strings(members)
	keys := make([]cache.Key, len(members))
	for i, m := range members {
		keys[i] = cache.Key(m)
	}
	return keys, nil
}

func (r *RedisStore) RecordAccess(ctx context.Context, session, stateID string, keys []cache.Key) error {
	if err := checkSession(session); err != nil {
		return err
	}
	data, err := json.Marshal(keys)
	if err != nil {
		return errors.Wrap(err, "failed to encode access keys")
	}
	return errors.Wrapf(r.client.HSet(ctx, r.accessKey(session), stateID, data).Err(),
		"failed to record access to %s for %s", stateID, session)
}

func (r *RedisStore) Access(ctx context.Context, session, stateID string) ([]cache.Key, error) {
	data, err := r.client.HGet(ctx, r.accessKey(session), stateID).Bytes()
	if err == redis.Nil {
		return nil, errors.NewNotFoundError("session %s has not requested access to state %s", session, stateID)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to read state access")
	}
	var keys []cache.Key
	if err := json.Unmarshal(data, &keys); err != nil {
		return nil, errors.Wrapf(err, "failed to decode access keys for %s", stateID)
	}
	return keys, nil
}
