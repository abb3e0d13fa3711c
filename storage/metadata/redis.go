package metadata

import (
	"context"
	"sort"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/teranos/cachet/cache"
	"github.com/teranos/cachet/errors"
)

var _ cache.MetadataStore = (*RedisStore)(nil)

// DefaultRedisNamespace prefixes every key the store writes
const DefaultRedisNamespace = "cachet:"

var (
	compareAndSwapScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	redis.call("SET", KEYS[1], ARGV[2])
	return 1
end
return 0
`)

	compareAndDeleteScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)
)

// RedisStore keeps metadata in a Redis keyspace. Conditional writes run as Lua
// scripts so they are atomic on the server.
type RedisStore struct {
	client    redis.UniversalClient
	namespace string
}

// NewRedisStore wraps an existing client. An empty namespace uses DefaultRedisNamespace.
func NewRedisStore(client redis.UniversalClient, namespace string) *RedisStore {
	if namespace == "" {
		namespace = DefaultRedisNamespace
	}
	return &RedisStore{client: client, namespace: namespace}
}

// OpenRedis parses url, connects and verifies the server answers
func OpenRedis(ctx context.Context, url string, namespace string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse redis url")
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, errors.Wrapf(err, "failed to connect to redis at %s", opts.Addr)
	}
	return NewRedisStore(client, namespace), nil
}

// Client exposes the underlying client so other components can share the connection
func (r *RedisStore) Client() redis.UniversalClient { return r.client }

// Close closes the client
func (r *RedisStore) Close() error { return r.client.Close() }

func (r *RedisStore) key(k string) string { return r.namespace + k }

func (r *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	v, err := r.client.Get(ctx, r.key(key)).Bytes()
	if err == redis.Nil {
		return nil, errors.NewNotFoundError("metadata key %s", key)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read %s", key)
	}
	return v, nil
}

func (r *RedisStore) Put(ctx context.Context, key string, value []byte) error {
	if err := r.client.Set(ctx, r.key(key), value, 0).Err(); err != nil {
		return errors.Wrapf(err, "failed to write %s", key)
	}
	return nil
}

func (r *RedisStore) PutIfAbsent(ctx context.Context, key string, value []byte) (bool, error) {
	ok, err := r.client.SetNX(ctx, r.key(key), value, 0).Result()
	if err != nil {
		return false, errors.Wrapf(err, "failed to insert %s", key)
	}
	return ok, nil
}

func (r *RedisStore) CompareAndSwap(ctx context.Context, key string, old, new []byte) (bool, error) {
	n, err := compareAndSwapScript.Run(ctx, r.client, []string{r.key(key)}, old, new).Int()
	if err != nil {
		return false, errors.Wrapf(err, "failed to swap %s", key)
	}
	return n == 1, nil
}

func (r *RedisStore) CompareAndDelete(ctx context.Context, key string, old []byte) (bool, error) {
	n, err := compareAndDeleteScript.Run(ctx, r.client, []string{r.key(key)}, old).Int()
	if err != nil {
		return false, errors.Wrapf(err, "failed to delete %s", key)
	}
	return n == 1, nil
}

func (r *RedisStore) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.key(key)).Err(); err != nil {
		return errors.Wrapf(err, "failed to delete %s", key)
	}
	return nil
}

func (r *RedisStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	match := escapeGlob(r.key(prefix)) + "*"
	var keys []string
	iter := r.client.Scan(ctx, 0, match, 500).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, strings.TrimPrefix(iter.Val(), r.namespace))
	}
	if err := iter.Err(); err != nil {
		return nil, errors.Wrapf(err, "failed to scan keys with prefix %q", prefix)
	}
	// SCAN may return a key more than once
	sort.Strings(keys)
	return dedupSorted(keys), nil
}

func escapeGlob(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

func dedupSorted(keys []string) []string {
	out := keys[:0]
	for i, k := range keys {
		if i == 0 || k != keys[i-1] {
			out = append(out, k)
		}
	}
	return out
}
