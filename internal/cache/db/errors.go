package db

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a row lookup matches nothing.
	ErrNotFound = errors.New("not found")

	// ErrNoIdentity is returned when a pending op is queued for a row that has
	// neither a local id nor a (source, source_id) key. The caller must
	// resolve identity first.
	ErrNoIdentity = errors.New("row has no resolvable identity")

	// ErrUnknownTable is returned for table names the cache does not hold.
	ErrUnknownTable = errors.New("unknown table")
)

// wrapf annotates err with a formatted message, keeping it matchable with
// errors.Is.
func wrapf(err error, format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, err)...)
}
