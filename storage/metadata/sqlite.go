package metadata

import (
	"context"
	"database/sql"

	"github.com/teranos/cachet/cache"
	"github.com/teranos/cachet/errors"
)

var _ cache.MetadataStore = (*SQLStore)(nil)

// SQLStore keeps metadata in the kv_records table. Conditional writes are single
// statements, so they stay atomic across processes sharing the database file.
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore creates a store over a migrated database
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

func (s *SQLStore) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv_records WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFoundError("metadata key %s", key)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read %s", key)
	}
	return value, nil
}

func (s *SQLStore) Put(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kv_records (key, value, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value)
	if err != nil {
		return errors.Wrapf(err, "failed to write %s", key)
	}
	return nil
}

func (s *SQLStore) PutIfAbsent(ctx context.Context, key string, value []byte) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO kv_records (key, value, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO NOTHING
	`, key, value)
	if err != nil {
		return false, errors.Wrapf(err, "failed to insert %s", key)
	}
	return affected(res, key)
}

func (s *SQLStore) CompareAndSwap(ctx context.Context, key string, old, new []byte) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE kv_records SET value = ?, updated_at = CURRENT_TIMESTAMP
		WHERE key = ? AND value = ?
	`, new, key, old)
	if err != nil {
		return false, errors.Wrapf(err, "failed to swap %s", key)
	}
	return affected(res, key)
}

func (s *SQLStore) CompareAndDelete(ctx context.Context, key string, old []byte) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM kv_records WHERE key = ? AND value = ?`, key, old)
	if err != nil {
		return false, errors.Wrapf(err, "failed to delete %s", key)
	}
	return affected(res, key)
}

func (s *SQLStore) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv_records WHERE key = ?`, key); err != nil {
		return errors.Wrapf(err, "failed to delete %s", key)
	}
	return nil
}

func (s *SQLStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	// Range scan instead of LIKE so '%' and '_' in prefixes stay literal
	rows, err := s.db.QueryContext(ctx, `
		SELECT key FROM kv_records WHERE key >= ? AND key < ? ORDER BY key
	`, prefix, prefix+"\xff")
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list keys with prefix %q", prefix)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, errors.Wrap(err, "failed to scan key")
		}
		keys = append(keys, k)
	}
	return keys, errors.Wrap(rows.Err(), "failed to iterate keys")
}

func affected(res sql.Result, key string) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrapf(err, "failed to read affected rows for %s", key)
	}
	return n == 1, nil
}
