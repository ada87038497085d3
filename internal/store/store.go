// Package store provides the Postgres-backed persistence layer: the shared
// connection pool, platform metadata tables, per-environment session routing
// with search_path binding, and structural reflection of environment
// namespaces.
package store

import (
	"errors"
)

// Sentinel errors returned by the store. Callers map these onto API error
// codes; everything else is an internal error.
var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("already exists")
	ErrGone     = errors.New("environment not available")
)
