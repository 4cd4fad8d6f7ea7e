// Package errs defines the error kinds propagated across the storage
// and compute layers. Every bubbled error is classified as exactly one
// of these sentinels so callers can branch with errors.Is instead of
// string matching.
package errs

import "github.com/cockroachdb/errors"

// Sentinel kinds. Wrap with errors.Wrapf(Kind, "...") at the point the
// error is raised so errors.Is(err, Kind) still matches after wrapping.
var (
	// IoError marks a storage-layer read/write failure. Bubbled on the
	// write path; background flush/compaction retries on its own cycle.
	IoError = errors.New("io error")

	// Corruption marks an invalid magic, truncated record, or index
	// inconsistency. Bubbled at read time; logged and skipped at
	// recovery time, since recovery may continue with intact data.
	Corruption = errors.New("corruption")

	// Capacity marks a MemTable that can't accept a record because it's
	// full. Recovered locally via memtable rotation; bubbled only when
	// a single record can never fit under the configured budget.
	Capacity = errors.New("capacity exceeded")

	// InvalidArgument marks a malformed caller request: an inverted or
	// zero-length time range, an unknown table, an unknown operator type.
	InvalidArgument = errors.New("invalid argument")

	// Timeout marks a compute-engine window execution that exceeded its
	// deadline. Convertible into an AQP result when the operator supports it.
	Timeout = errors.New("timeout")

	// ResourceExhausted marks a ResourceManager allocation that could
	// not be satisfied: no threads available, or the memory cap would
	// be exceeded.
	ResourceExhausted = errors.New("resource exhausted")

	// NotFound marks a lookup miss: an absent table, checkpoint, or
	// compute-engine state.
	NotFound = errors.New("not found")

	// AlreadyExists marks a creation request naming something that's
	// already registered, e.g. a table name already taken.
	AlreadyExists = errors.New("already exists")

	// Poison marks an unrecoverable internal invariant violation. The
	// affected component stops accepting new work; the process does not
	// terminate.
	Poison = errors.New("poisoned")
)

// Is reports whether err is classified as kind, looking through any
// wrapping applied with errors.Wrapf.
func Is(err error, kind error) bool {
	return errors.Is(err, kind)
}

// Wrap attaches kind to err's chain with additional context, preserving
// errors.Is(result, kind).
func Wrap(kind error, format string, args ...interface{}) error {
	return errors.Wrapf(kind, format, args...)
}
