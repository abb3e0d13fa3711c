package content

import (
	"context"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/cachet/errors"
)

func newTestStore(t *testing.T) (*Store, afero.Fs) {
	t.Helper()
	fs := afero.NewMemMapFs()
	return New(fs, "/content"), fs
}

func TestStore_WriteRead(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	h, err := s.Allocate(ctx)
	require.NoError(t, err)

	_, err = s.Read(ctx, h)
	assert.True(t, errors.IsNotFoundError(err), "allocated handle has no content yet")

	require.NoError(t, s.Write(ctx, h, []byte(`{"rows":[]}`)))
	data, err := s.Read(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, `{"rows":[]}`, string(data))
}

func TestStore_AllocateIsUnique(t *testing.T) {
	s, _ := newTestStore(t)
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		h, err := s.Allocate(context.Background())
		require.NoError(t, err)
		assert.False(t, seen[h])
		seen[h] = true
	}
}

func TestStore_Delete(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	h, _ := s.Allocate(ctx)
	require.NoError(t, s.Write(ctx, h, []byte("x")))

	require.NoError(t, s.Delete(ctx, h))
	_, err := s.Read(ctx, h)
	assert.True(t, errors.IsNotFoundError(err))

	assert.NoError(t, s.Delete(ctx, h), "deleting twice is a no-op")
}

func TestStore_RejectsMalformedHandles(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	for _, h := range []string{"", "../../etc/passwd", "abc", "0000"} {
		err := s.Write(ctx, h, []byte("x"))
		assert.True(t, errors.IsInvalidRequestError(err), h)
	}
}

func TestStore_ListSkipsTempFiles(t *testing.T) {
	s, fs := newTestStore(t)
	ctx := context.Background()

	h1, _ := s.Allocate(ctx)
	h2, _ := s.Allocate(ctx)
	require.NoError(t, s.Write(ctx, h1, []byte("one")))
	require.NoError(t, s.Write(ctx, h2, []byte("three")))
	require.NoError(t, afero.WriteFile(fs, "/content/ab/leftover.1234.tmp", []byte("partial"), 0644))

	entries, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	sizes := map[string]int64{}
	for _, e := range entries {
		sizes[e.Handle] = e.Size
		assert.WithinDuration(t, time.Now(), e.ModTime, time.Minute)
	}
	assert.Equal(t, int64(3), sizes[h1])
	assert.Equal(t, int64(5), sizes[h2])
}

func TestStore_ListEmptyRoot(t *testing.T) {
	s, _ := newTestStore(t)
	entries, err := s.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, entries)
}
