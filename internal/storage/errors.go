package storage

import "errors"

var (
	// ErrNotFound is returned when a requested entity does not exist.
	ErrNotFound = errors.New("storage: not found")
	// ErrConflict is returned when an insert collides with an existing row.
	ErrConflict = errors.New("storage: conflict")
	// ErrStatusConflict is returned when a guarded run update finds the run
	// no longer in the status the writer read.
	ErrStatusConflict = errors.New("storage: run status changed concurrently")
)
