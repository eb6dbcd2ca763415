// Package merge reconciles a local and a remote snapshot with a per-entity
// last-write-wins rule.
package merge

import (
	"time"

	"github.com/hyperengineering/sitesync/internal/types"
)

// Options controls the envelope of the merged snapshot.
type Options struct {
	// Now becomes the merged snapshot's timestamp.
	Now time.Time
	// SchemaVersion is stamped on the result. Defaults to types.SchemaVersion.
	SchemaVersion string
}

// CollectionStats counts what happened to one collection during a merge.
type CollectionStats struct {
	Added    int `json:"added"`    // remote-only entities inserted
	Replaced int `json:"replaced"` // local copies superseded by remote
	Kept     int `json:"kept"`     // local copies that won
}

// Stats reports per-collection merge outcomes.
type Stats struct {
	Projects      CollectionStats `json:"projects"`
	Tasks         CollectionStats `json:"tasks"`
	ChatMessages  CollectionStats `json:"chat_messages"`
	Notifications CollectionStats `json:"notifications"`
	UsersReplaced bool            `json:"users_replaced"`
}

// Changed reports whether the merge took anything from the remote side.
func (s Stats) Changed() bool {
	for _, c := range []CollectionStats{s.Projects, s.Tasks, s.ChatMessages, s.Notifications} {
		if c.Added > 0 || c.Replaced > 0 {
			return true
		}
	}
	return s.UsersReplaced
}

// Merge combines local and remote into a new snapshot. Neither input is
// modified.
//
// Every collection except users is merged by id: remote-only entities are
// added, and when both sides hold an id the copy with the later Stamp wins.
// On an exact tie the remote copy wins. Users are taken verbatim from remote.
//
// Output order is local order followed by remote-only additions in remote
// order.
func Merge(local, remote *types.Snapshot, opts Options) (*types.Snapshot, Stats) {
	if opts.SchemaVersion == "" {
		opts.SchemaVersion = types.SchemaVersion
	}
	l := local.Clone()
	r := remote.Clone()

	var st Stats
	out := &types.Snapshot{
		SchemaVersion: opts.SchemaVersion,
		Timestamp:     opts.Now.UTC(),
		LastSync:      l.LastSync,
	}
	out.Projects, st.Projects = byID(l.Projects, r.Projects)
	out.Tasks, st.Tasks = byID(l.Tasks, r.Tasks)
	out.ChatMessages, st.ChatMessages = byID(l.ChatMessages, r.ChatMessages)
	out.Notifications, st.Notifications = byID(l.Notifications, r.Notifications)

	out.Users = r.Users
	if out.Users == nil {
		out.Users = []types.User{}
	}
	st.UsersReplaced = !sameUsers(l.Users, r.Users)

	return out, st
}

func byID[T types.Entity](local, remote []T) ([]T, CollectionStats) {
	var st CollectionStats
	out := make([]T, 0, len(local)+len(remote))
	fromRemote := make([]bool, 0, len(local)+len(remote))
	index := make(map[types.EntityID]int, len(local)+len(remote))

	for _, e := range local {
		if i, ok := index[e.EntityKey()]; ok {
			// Duplicate id on one side: the later copy takes the first slot.
			if !e.Stamp().Before(out[i].Stamp()) {
				out[i] = e
			}
			continue
		}
		index[e.EntityKey()] = len(out)
		out = append(out, e)
		fromRemote = append(fromRemote, false)
	}

	for _, e := range remote {
		i, ok := index[e.EntityKey()]
		if !ok {
			index[e.EntityKey()] = len(out)
			out = append(out, e)
			fromRemote = append(fromRemote, true)
			st.Added++
			continue
		}
		if e.Stamp().Before(out[i].Stamp()) {
			continue
		}
		// Ties go to the remote copy but are not counted as replacements.
		if !fromRemote[i] && e.Stamp().After(out[i].Stamp()) {
			st.Replaced++
		}
		out[i] = e
		fromRemote[i] = true
	}

	for i := range out {
		if !fromRemote[i] {
			st.Kept++
		}
	}
	return out, st
}

func sameUsers(a, b []types.User) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].ID != b[i].ID || a[i].Username != b[i].Username ||
			a[i].Role != b[i].Role || a[i].Password != b[i].Password {
			return false
		}
	}
	return true
}
