package db

import (
	"strings"

	"github.com/teranos/cachet/errors"
)

// ErrDatabaseClosed is returned when operations are attempted on a closed database,
// typically while `pulse start` is shutting down.
var ErrDatabaseClosed = errors.New("database is closed")

// IsDatabaseClosed checks if an error indicates the database connection is closed.
// The string fallback covers errors raised directly by the sql driver.
func IsDatabaseClosed(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, ErrDatabaseClosed) {
		return true
	}

	return strings.Contains(err.Error(), "database is closed")
}
