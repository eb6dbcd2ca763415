package site

import "errors"

var (
	// ErrForbidden is returned when the actor's role may not perform the operation.
	ErrForbidden = errors.New("forbidden")

	// ErrInvalidTransition is returned for a task status change the workflow does not allow.
	ErrInvalidTransition = errors.New("invalid task transition")

	// ErrNotFound is returned when a referenced project, task, notification or user does not exist.
	ErrNotFound = errors.New("not found")

	// ErrValidation is returned when input fails validation. The wrapped
	// validation.Errors carries the individual field failures.
	ErrValidation = errors.New("validation failed")
)
