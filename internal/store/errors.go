package store

import "github.com/nooterra/settld-core/internal/domainerr"

// Shared store-level errors (spec.md §4.C, §7). Back-ends return these
// directly so callers can domainerr.As() regardless of which back-end is
// active.
var (
	ErrNotFound          = domainerr.New("NOT_FOUND", 404, "resource not found")
	ErrRawSQLUnsupported = domainerr.New("RAW_SQL_UNSUPPORTED", 500, "raw SQL escape hatch is only available on the SQL back-end")
)
