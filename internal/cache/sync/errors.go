package sync

import "errors"

var (
	// ErrRemote wraps every failure reported by the remote backend during
	// push or pull. Writes never return it.
	ErrRemote = errors.New("remote sync failed")

	// ErrNoReader is returned by PullTasks when the attached remote cannot
	// list rows.
	ErrNoReader = errors.New("remote does not support reads")
)
