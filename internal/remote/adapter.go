// Package remote talks to the shared snapshot document on a contents API.
package remote

import (
	"context"
	"errors"
)

// Sentinel errors classifying every remote failure.
var (
	// ErrNotFound means the document does not exist yet.
	ErrNotFound = errors.New("remote document not found")
	// ErrConflict means the sha sent with a write is stale.
	ErrConflict = errors.New("remote document changed since last read")
	// ErrAuth means the credential was rejected.
	ErrAuth = errors.New("remote credential rejected")
	// ErrNetwork covers transport failures, rate limits and server errors.
	ErrNetwork = errors.New("remote unavailable")
)

// File is the decoded content of a remote document plus its revision token.
type File struct {
	Content []byte
	SHA     string
}

// Adapter reads and conditionally writes one remote document.
type Adapter interface {
	// Fetch returns ErrNotFound when path does not exist.
	Fetch(ctx context.Context, path string) (*File, error)
	// Put writes content. An empty sha creates the file; otherwise sha must
	// match the current revision or ErrConflict is returned. Put returns the
	// new revision token.
	Put(ctx context.Context, path string, content []byte, sha, message string) (string, error)
}

// Transient reports whether err is worth retrying on a later cycle
// without user action.
func Transient(err error) bool {
	return errors.Is(err, ErrNetwork) || errors.Is(err, ErrConflict)
}
