package capability

import (
	"context"
	"os"
	"strings"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/cachet/cache"
	"github.com/teranos/cachet/errors"
	cachettest "github.com/teranos/cachet/internal/testing"
)

func key(c byte) cache.Key {
	return cache.Key(strings.Repeat(string(c), cache.KeyLength))
}

func stores(t *testing.T) map[string]func(t *testing.T) Store {
	s := map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store { return NewMemory() },
		"sqlite": func(t *testing.T) Store { return NewSQLStore(cachettest.CreateMigratedTestDB(t)) },
	}
	if url := os.Getenv("CACHET_TEST_REDIS_URL"); url != "" {
		s["redis"] = func(t *testing.T) Store {
			opts, err := redis.ParseURL(url)
			require.NoError(t, err)
			client := redis.NewClient(opts)
			ns := "cachet-test:" + t.Name() + ":"
			t.Cleanup(func() {
				ctx := context.Background()
				keys, _ := client.Keys(ctx, ns+"*").Result()
				if len(keys) > 0 {
					client.Del(ctx, keys...)
				}
				client.Close()
			})
			return NewRedisStore(client, ns)
		}
	}
	return s
}

func TestStore_Conformance(t *testing.T) {
	for name, open := range stores(t) {
		t.Run(name, func(t *testing.T) {
			t.Run("grant is idempotent", func(t *testing.T) {
				s := open(t)
				ctx := context.Background()
				require.NoError(t, s.Grant(ctx, "alice", key('a'), key('b')))
				require.NoError(t, s.Grant(ctx, "alice", key('a')))

				keys, err := s.List(ctx, "alice")
				require.NoError(t, err)
				assert.Equal(t, []cache.Key{key('a'), key('b')}, keys)
			})

			t.Run("revoke", func(t *testing.T) {
				s := open(t)
				ctx := context.Background()
				require.NoError(t, s.Grant(ctx, "alice", key('a')))
				require.NoError(t, s.Revoke(ctx, "alice", key('a')))
				require.NoError(t, s.Revoke(ctx, "alice", key('z')), "revoking an absent key is a no-op")

				ok, err := s.Has(ctx, "alice", key('a'))
				require.NoError(t, err)
				assert.False(t, ok)
			})

			t.Run("sessions are isolated", func(t *testing.T) {
				s := open(t)
				ctx := context.Background()
				require.NoError(t, s.Grant(ctx, "alice", key('a')))

				ok, err := s.Has(ctx, "bob", key('a'))
				require.NoError(t, err)
				assert.False(t, ok)

				set, err := Load(ctx, s, "bob")
				require.NoError(t, err)
				assert.Empty(t, set)
			})

			t.Run("empty session id", func(t *testing.T) {
				s := open(t)
				err := s.Grant(context.Background(), "", key('a'))
				assert.True(t, errors.IsInvalidRequestError(err))
			})

			t.Run("state access mapping", func(t *testing.T) {
				s := open(t)
				ctx := context.Background()

				_, err := s.Access(ctx, "bob", "state-1")
				assert.True(t, errors.IsNotFoundError(err))

				require.NoError(t, s.RecordAccess(ctx, "bob", "state-1", []cache.Key{key('c'), key('a')}))
				keys, err := s.Access(ctx, "bob", "state-1")
				require.NoError(t, err)
				assert.Equal(t, []cache.Key{key('c'), key('a')}, keys, "ordinal order is preserved")

				require.NoError(t, s.RecordAccess(ctx, "bob", "state-1", []cache.Key{key('d')}))
				keys, err = s.Access(ctx, "bob", "state-1")
				require.NoError(t, err)
				assert.Equal(t, []cache.Key{key('d')}, keys)

				_, err = s.Access(ctx, "alice", "state-1")
				assert.True(t, errors.IsNotFoundError(err))
			})
		})
	}
}

func TestSet(t *testing.T) {
	var empty Set
	assert.False(t, empty.Contains(key('a')))
	assert.Empty(t, empty.Keys())

	s := NewSet(key('b'), key('a'))
	assert.True(t, s.Contains(key('a')))
	assert.False(t, s.Contains(key('c')))
	s.Add(key('c'))
	assert.Equal(t, []cache.Key{key('a'), key('b'), key('c')}, s.Keys())
}
