// Package sqlitex maps driver-level sqlite errors onto the engine's
// sentinel errors, so repositories stay free of driver specifics.
package sqlitex

import (
	"errors"
	"strings"

	"github.com/haztrack/surveysync/internal/common"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// MapError converts low-level sqlite failures into engine sentinels.
// SQLITE_FULL becomes common.ErrQuotaExceeded so callers can free space
// (purge synced photos) and retry the same write. Everything else is
// returned unchanged.
func MapError(err error) error {
	if err == nil {
		return nil
	}
	var se *sqlite.Error
	if errors.As(err, &se) && se.Code() == sqlite3.SQLITE_FULL {
		return common.ErrQuotaExceeded
	}
	// The driver does not always surface a typed error for quota faults.
	if strings.Contains(err.Error(), "database or disk is full") {
		return common.ErrQuotaExceeded
	}
	return err
}
