package capability

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/teranos/cachet/cache"
	"github.com/teranos/cachet/errors"
)

var _ Store = (*SQLStore)(nil)

// SQLStore keeps grants in session_capabilities and state access mappings in
// session_state_access
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore creates a store over a migrated database
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

func (s *SQLStore) Grant(ctx context.Context, session string, keys ...cache.Key) error {
	if err := checkSession(session); err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin grant transaction")
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO session_capabilities (session_id, cache_key) VALUES (?, ?)
		ON CONFLICT(session_id, cache_key) DO NOTHING
	`)
	if err != nil {
		return errors.Wrap(err, "failed to prepare grant")
	}
	defer stmt.Close()

	for _, k := range keys {
		if _, err := stmt.ExecContext(ctx, session, string(k)); err != nil {
			return errors.Wrapf(err, "failed to grant %s to %s", k.Short(), session)
		}
	}
	return errors.Wrap(tx.Commit(), "failed to commit grants")
}

func (s *SQLStore) Revoke(ctx context.Context, session string, key cache.Key) error {
	if err := checkSession(session); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM session_capabilities WHERE session_id = ? AND cache_key = ?`, session, string(key))
	return errors.Wrapf(err, "failed to revoke %s from %s", key.Short(), session)
}

func (s *SQLStore) Has(ctx context.Context, session string, key cache.Key) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM session_capabilities WHERE session_id = ? AND cache_key = ?`,
		session, string(key)).Scan(&n)
	if err != nil {
		return false, errors.Wrap(err, "failed to check grant")
	}
	return n > 0, nil
}

func (s *SQLStore) List(ctx context.Context, session string) ([]cache.Key, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT cache_key FROM session_capabilities WHERE session_id = ? ORDER BY cache_key`, session)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list grants for %s", session)
	}
	defer rows.Close()

	keys := []cache.Key{}
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, errors.Wrap(err, "failed to scan grant")
		}
		keys = append(keys, cache.Key(k))
	}
	return keys, errors.Wrap(rows.Err(), "failed to iterate grants")
}

func (s *SQLStore) RecordAccess(ctx context.Context, session, stateID string, keys []cache.Key) error {
	if err := checkSession(session); err != nil {
		return err
	}
	data, err := json.Marshal(keys)
	if err != nil {
		return errors.Wrap(err, "failed to encode access keys")
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO session_state_access (session_id, state_id, keys_json, recorded_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(session_id, state_id) DO UPDATE SET
			keys_json = excluded.keys_json,
			recorded_at = excluded.recorded_at
	`, session, stateID, string(data))
	return errors.Wrapf(err, "failed to record access to %s for %s", stateID, session)
}

func (s *SQLStore) Access(ctx context.Context, session, stateID string) ([]cache.Key, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT keys_json FROM session_state_access WHERE session_id = ? AND state_id = ?`,
		session, stateID).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFoundError("session %s has not requested access to state %s", session, stateID)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to read state access")
	}
	var keys []cache.Key
	if err := json.Unmarshal([]byte(data), &keys); err != nil {
		return nil, errors.Wrapf(err, "failed to decode access keys for %s", stateID)
	}
	return keys, nil
}
