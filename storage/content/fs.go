// Package content stores extraction outputs as files under a root directory.
// Handles are random UUIDs, so they cannot be derived from cache keys.
package content

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/afero"

	"github.com/teranos/cachet/am"
	"github.com/teranos/cachet/cache"
	"github.com/teranos/cachet/errors"
)

var _ cache.ContentStore = (*Store)(nil)

const tempSuffix = ".tmp"

// Store is a ContentStore over an afero filesystem
type Store struct {
	fs   afero.Fs
	root string
}

// New creates a store rooted at root on fs
func New(fs afero.Fs, root string) *Store {
	return &Store{fs: fs, root: filepath.Clean(root)}
}

// OpenDir creates root on the local disk if needed and returns a store over it
func OpenDir(root string) (*Store, error) {
	fs := afero.NewOsFs()
	if err := fs.MkdirAll(root, am.DefaultDirPermissions); err != nil {
		return nil, errors.Wrapf(err, "failed to create content root %s", root)
	}
	return New(fs, root), nil
}

// Root returns the directory content lives under
func (s *Store) Root() string { return s.root }

// Allocate returns a fresh handle. Nothing is written until Write.
func (s *Store) Allocate(_ context.Context) (string, error) {
	return uuid.NewString(), nil
}

// Write stores data atomically: readers see either nothing or the whole object
func (s *Store) Write(_ context.Context, handle string, data []byte) error {
	path, err := s.path(handle)
	if err != nil {
		return err
	}
	if err := s.fs.MkdirAll(filepath.Dir(path), am.DefaultDirPermissions); err != nil {
		return errors.Wrapf(err, "failed to create directory for %s", handle)
	}

	tmp := path + "." + uuid.NewString()[:8] + tempSuffix
	if err := afero.WriteFile(s.fs, tmp, data, am.DefaultFilePermissions); err != nil {
		_ = s.fs.Remove(tmp)
		return errors.Wrapf(err, "failed to write content %s", handle)
	}
	if err := s.fs.Rename(tmp, path); err != nil {
		_ = s.fs.Remove(tmp)
		return errors.Wrapf(err, "failed to publish content %s", handle)
	}
	return nil
}

func (s *Store) Read(_ context.Context, handle string) ([]byte, error) {
	path, err := s.path(handle)
	if err != nil {
		return nil, err
	}
	data, err := afero.ReadFile(s.fs, path)
	if os.IsNotExist(err) {
		return nil, errors.NewNotFoundError("content %s", handle)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read content %s", handle)
	}
	return data, nil
}

func (s *Store) Delete(_ context.Context, handle string) error {
	path, err := s.path(handle)
	if err != nil {
		return err
	}
	if err := s.fs.Remove(path); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "failed to delete content %s", handle)
	}
	return nil
}

// List walks the root and reports every published object. Half-written temp
// files are skipped.
func (s *Store) List(ctx context.Context) ([]cache.ContentEntry, error) {
	var entries []cache.ContentEntry
	err := afero.Walk(s.fs, s.root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) && path == s.root {
				return nil
			}
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if info.IsDir() || strings.HasSuffix(info.Name(), tempSuffix) {
			return nil
		}
		if _, err := uuid.Parse(info.Name()); err != nil {
			return nil
		}
		entries = append(entries, cache.ContentEntry{
			Handle:  info.Name(),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to list content")
	}
	return entries, nil
}

// path shards by the first two characters of the handle
func (s *Store) path(handle string) (string, error) {
	if _, err := uuid.Parse(handle); err != nil || len(handle) != 36 {
		return "", errors.NewInvalidRequestError("malformed content handle %q", handle)
	}
	return filepath.Join(s.root, handle[:2], handle), nil
}
