// Package matter enforces matter isolation. Every persistent row carries a
// matter_id; queries filter on it in SQL and the rows that come back are
// checked again here. The double check is defense in depth: a bug in one
// layer must not silently leak another matter's data.
package matter

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
)

// ErrInvalidMatter indicates a malformed matter ID (a 400-class user error).
var ErrInvalidMatter = errors.New("invalid matter id")

// LeakError indicates a returned row belongs to a different matter than the
// one requested. It is a 500-class server error and must never be swallowed.
type LeakError struct {
	Requested string
	Found     string
}

func (e *LeakError) Error() string {
	return fmt.Sprintf("matter isolation violation: requested matter %s, row belongs to %s", e.Requested, e.Found)
}

// IsLeak reports whether err is a matter-isolation violation.
func IsLeak(err error) bool {
	var le *LeakError
	return errors.As(err, &le)
}

// ValidateID checks the shape of a raw matter ID and returns it normalized.
func ValidateID(raw string) (string, error) {
	id, err := uuid.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidMatter, raw)
	}
	return id.String(), nil
}

// Scoped is implemented by every row type that carries a matter ID.
type Scoped interface {
	GetMatterID() string
}

// ValidateRows re-checks that every returned row belongs to matterID.
// On violation it logs at error and returns a LeakError; callers must
// propagate it (the request fails with a 500 and no data is returned).
func ValidateRows[T Scoped](rows []T, matterID string) ([]T, error) {
	for _, row := range rows {
		if got := row.GetMatterID(); got != matterID {
			slog.Error("matter isolation violation detected post-fetch",
				"requested_matter_id", matterID,
				"row_matter_id", got)
			return nil, &LeakError{Requested: matterID, Found: got}
		}
	}
	return rows, nil
}

// ValidateRow is the single-row form of ValidateRows.
func ValidateRow[T Scoped](row T, matterID string) (T, error) {
	if got := row.GetMatterID(); got != matterID {
		slog.Error("matter isolation violation detected post-fetch",
			"requested_matter_id", matterID,
			"row_matter_id", got)
		var zero T
		return zero, &LeakError{Requested: matterID, Found: got}
	}
	return row, nil
}
