package sync

import "errors"

var (
	// ErrBusy is returned when another sync cycle is already running in
	// this process.
	ErrBusy = errors.New("sync cycle already in progress")

	// ErrLocalOnly is returned by Push and Poll when no remote is configured.
	ErrLocalOnly = errors.New("no remote configured")
)
