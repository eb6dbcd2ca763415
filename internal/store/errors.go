package store

import "errors"

var (
	ErrNotFound    = errors.New("not found")
	ErrConflict    = errors.New("content sha does not match")
	ErrSHARequired = errors.New("sha is required to update existing content")
)
