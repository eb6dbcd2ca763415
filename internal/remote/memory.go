package remote

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"github.com/hyperengineering/sitesync/internal/codec"
)

// Memory is an in-process Adapter with the same compare-and-swap rules as
// the contents API.
type Memory struct {
	mu    sync.Mutex
	files map[string]File

	// BeforePut, if set, runs before each Put is applied, outside the lock.
	// Tests use it to slip a competing write between a fetch and a put.
	BeforePut func(path string)
	// Err, if set, is returned by every call instead of doing work.
	Err error

	fetches int
	puts    int
}

var _ Adapter = (*Memory)(nil)

// NewMemory returns an empty Memory remote.
func NewMemory() *Memory {
	return &Memory{files: make(map[string]File)}
}

// Fetch implements Adapter.
func (m *Memory) Fetch(_ context.Context, path string) (*File, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fetches++
	if m.Err != nil {
		return nil, m.Err
	}
	f, ok := m.files[path]
	if !ok {
		return nil, ErrNotFound
	}
	return &File{Content: bytes.Clone(f.Content), SHA: f.SHA}, nil
}

// Put implements Adapter.
func (m *Memory) Put(_ context.Context, path string, content []byte, sha, _ string) (string, error) {
	if hook := m.BeforePut; hook != nil {
		hook(path)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.puts++
	if m.Err != nil {
		return "", m.Err
	}

	cur, exists := m.files[path]
	switch {
	case !exists && sha != "":
		return "", fmt.Errorf("%w: %s does not exist", ErrConflict, path)
	case exists && sha != cur.SHA:
		return "", fmt.Errorf("%w: have %s", ErrConflict, cur.SHA)
	}

	newSHA := codec.ContentSHA(content)
	m.files[path] = File{Content: bytes.Clone(content), SHA: newSHA}
	return newSHA, nil
}

// Set stores content unconditionally and returns its sha.
func (m *Memory) Set(path string, content []byte) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	sha := codec.ContentSHA(content)
	m.files[path] = File{Content: bytes.Clone(content), SHA: sha}
	return sha
}

// Calls returns the number of Fetch and Put calls so far.
func (m *Memory) Calls() (fetches, puts int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fetches, m.puts
}
