package memory

import "errors"

var (
	// ErrInvalidTransition is returned when from → to is not in the phase table.
	ErrInvalidTransition = errors.New("invalid phase transition")
	// ErrSnapshotNotFound is returned by RestoreSnapshot for unknown ids.
	ErrSnapshotNotFound = errors.New("snapshot not found")
	// ErrNoActiveSession is returned when an operation needs a session and
	// none is loaded.
	ErrNoActiveSession = errors.New("no active session")
)
