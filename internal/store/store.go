package store

import (
	"context"
	"time"

	"github.com/hyperengineering/sitesync/internal/types"
)

// Metadata keys persisted next to the snapshot.
const (
	MetaDeviceID     = "device_id"
	MetaLastPushedAt = "last_pushed_at"
	MetaLastSyncAt   = "last_sync_at"
	MetaRemoteSHA    = "remote_sha"
)

// LocalStore persists exactly one snapshot plus a small metadata map.
// Save must be durable before it returns.
type LocalStore interface {
	// Load returns ErrNotFound when no snapshot has been saved yet.
	Load(ctx context.Context) (*types.Snapshot, error)
	Save(ctx context.Context, s *types.Snapshot) error
	// GetMeta returns ErrNotFound for unknown keys.
	GetMeta(ctx context.Context, key string) (string, error)
	SetMeta(ctx context.Context, key, value string) error
}

// Content is one file held by a ContentStore.
type Content struct {
	Path      string
	Data      []byte
	SHA       string
	UpdatedAt time.Time
}

// Revision is one accepted write in a file's history.
type Revision struct {
	SHA       string
	ParentSHA string
	Message   string
	CreatedAt time.Time
}

// ContentStore holds versioned files with compare-and-swap writes.
type ContentStore interface {
	GetContent(ctx context.Context, path string) (*Content, error)
	// PutContent creates path when expectedSHA is empty and path is absent,
	// otherwise replaces it only if expectedSHA matches the current sha.
	// created reports whether the file did not exist before.
	PutContent(ctx context.Context, path string, data []byte, expectedSHA, message string) (c *Content, created bool, err error)
	History(ctx context.Context, path string, limit int) ([]Revision, error)
}
