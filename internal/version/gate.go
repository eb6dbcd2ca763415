// Package version decides whether a snapshot's schema tag is usable by the
// running build, migrating it forward when a path exists.
package version

import (
	"errors"
	"fmt"

	"github.com/hyperengineering/sitesync/internal/types"
)

// ErrVersionMismatch is returned when no migration path leads from a
// snapshot's schema version to the current one.
var ErrVersionMismatch = errors.New("schema version mismatch")

// Decision describes what Check did with a snapshot.
type Decision int

const (
	// Accepted means the snapshot already carried the current version.
	Accepted Decision = iota
	// Migrated means one or more registered migrations were applied.
	Migrated
	// Replaced means the caller substituted defaults after a mismatch.
	Replaced
)

func (d Decision) String() string {
	switch d {
	case Accepted:
		return "accepted"
	case Migrated:
		return "migrated"
	case Replaced:
		return "replaced"
	default:
		return "unknown"
	}
}

// Migration rewrites a snapshot of one schema version into the next. It
// receives a clone and may modify it in place.
type Migration func(s *types.Snapshot) error

type step struct {
	to string
	fn Migration
}

// Gate holds the current schema version and the registered migrations.
type Gate struct {
	current string
	steps   map[string]step
}

// New returns a Gate targeting current with no migrations registered.
func New(current string) *Gate {
	return &Gate{current: current, steps: make(map[string]step)}
}

// Default returns a Gate for types.SchemaVersion with the built-in chain.
func Default() *Gate {
	g := New(types.SchemaVersion)
	g.Register("1.8.0", "1.9.0", addChatMessages)
	g.Register("1.9.0", "2.0.0", backfillTimestamps)
	return g
}

// Current returns the schema version the gate accepts.
func (g *Gate) Current() string { return g.current }

// Register adds a migration from one version to another. A later
// registration for the same source version replaces the earlier one.
func (g *Gate) Register(from, to string, fn Migration) {
	g.steps[from] = step{to: to, fn: fn}
}

// Check returns a snapshot usable by this build. The input is never
// modified. When no migration chain reaches the current version it returns
// ErrVersionMismatch and a nil snapshot.
func (g *Gate) Check(s *types.Snapshot) (*types.Snapshot, Decision, error) {
	if s == nil {
		return nil, Accepted, errors.New("nil snapshot")
	}
	if s.SchemaVersion == g.current {
		return s, Accepted, nil
	}

	out := s.Clone()
	seen := make(map[string]bool)
	for out.SchemaVersion != g.current {
		from := out.SchemaVersion
		if seen[from] {
			return nil, Accepted, fmt.Errorf("%w: migration cycle at %q", ErrVersionMismatch, from)
		}
		seen[from] = true

		st, ok := g.steps[from]
		if !ok {
			return nil, Accepted, fmt.Errorf("%w: have %q, want %q", ErrVersionMismatch, s.SchemaVersion, g.current)
		}
		if err := st.fn(out); err != nil {
			return nil, Accepted, fmt.Errorf("migrate %s -> %s: %w", from, st.to, err)
		}
		out.SchemaVersion = st.to
	}
	return out, Migrated, nil
}

// 1.8.0 snapshots predate the global chat.
func addChatMessages(s *types.Snapshot) error {
	if s.ChatMessages == nil {
		s.ChatMessages = []types.ChatMessage{}
	}
	return nil
}

// 1.9.0 snapshots could carry entities without createdAt/updatedAt. Those
// get the snapshot timestamp so they take part in last-write-wins.
func backfillTimestamps(s *types.Snapshot) error {
	ts := s.Timestamp
	for i := range s.Projects {
		p := &s.Projects[i]
		if p.UpdatedAt.IsZero() {
			p.UpdatedAt = ts
		}
		if p.CreatedAt.IsZero() {
			p.CreatedAt = p.UpdatedAt
		}
		if p.FileLinks == nil {
			p.FileLinks = []types.ProjectFile{}
		}
	}
	for i := range s.Tasks {
		t := &s.Tasks[i]
		if t.UpdatedAt.IsZero() {
			t.UpdatedAt = ts
		}
		if t.CreatedAt.IsZero() {
			t.CreatedAt = t.UpdatedAt
		}
		if t.EvidenceURLs == nil {
			t.EvidenceURLs = []string{}
		}
	}
	for i := range s.Notifications {
		n := &s.Notifications[i]
		if n.UpdatedAt.IsZero() {
			n.UpdatedAt = n.CreatedAt
		}
	}
	if s.Users == nil {
		s.Users = []types.User{}
	}
	if s.Notifications == nil {
		s.Notifications = []types.Notification{}
	}
	return nil
}
