package db

import (
	"database/sql"
	"strings"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/teranos/cachet/errors"
	"github.com/teranos/cachet/logger"
)

// SQLiteBusyTimeoutMS is how long a writer waits on a locked database
const SQLiteBusyTimeoutMS = 5000

type pragma struct {
	stmt string
	what string
}

// Applied in order on every Open. Workers write job rows while status polls and
// the janitor read records, hence WAL and a busy timeout.
var connectionPragmas = []pragma{
	{"PRAGMA journal_mode = WAL", "enable WAL mode"},
	{"PRAGMA foreign_keys = ON", "enable foreign keys"},
	{"PRAGMA busy_timeout = 5000", "set busy timeout"},
}

// Open opens the cachet database at path. A nil log keeps it quiet.
//
// An in-memory path is pinned to a single connection: each pooled connection
// to :memory: would otherwise see its own empty database.
func Open(path string, log *zap.SugaredLogger) (*sql.DB, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	log = logger.AddDBSymbol(log)

	conn, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open database %s", path)
	}
	if inMemory(path) {
		conn.SetMaxOpenConns(1)
	}

	for _, p := range connectionPragmas {
		if _, err := conn.Exec(p.stmt); err != nil {
			conn.Close()
			err = errors.Wrapf(err, "failed to %s", p.what)
			return nil, errors.WithDetail(err, "path: "+path)
		}
	}

	log.Debugw("Database ready",
		logger.FieldPath, path,
		"in_memory", inMemory(path),
		"pragmas", len(connectionPragmas))
	return conn, nil
}

// OpenWithMigrations is Open followed by Migrate. The connection is closed again
// when a migration fails.
func OpenWithMigrations(path string, log *zap.SugaredLogger) (*sql.DB, error) {
	conn, err := Open(path, log)
	if err != nil {
		return nil, err
	}
	if err := Migrate(conn, log); err != nil {
		conn.Close()
		return nil, errors.Wrapf(err, "failed to migrate database %s", path)
	}
	return conn, nil
}

func inMemory(path string) bool {
	return path == ":memory:" || strings.HasPrefix(path, "file::memory:") || strings.Contains(path, "mode=memory")
}
