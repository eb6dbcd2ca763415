package merge

import (
	"reflect"
	"testing"
	"time"

	"github.com/hyperengineering/sitesync/internal/types"
)

var base = time.Date(2025, 5, 20, 12, 0, 0, 0, time.UTC)

func at(sec int) time.Time { return base.Add(time.Duration(sec) * time.Second) }

func snapshotWithTasks(tasks ...types.Task) *types.Snapshot {
	s := types.Default(base)
	s.Tasks = tasks
	return s
}

func taskIDs(tasks []types.Task) []types.EntityID {
	ids := make([]types.EntityID, len(tasks))
	for i, t := range tasks {
		ids[i] = t.ID
	}
	return ids
}

func TestMerge_Idempotent(t *testing.T) {
	s := snapshotWithTasks(
		types.Task{ID: "1", Title: "Фундамент", Status: types.TaskDone, UpdatedAt: at(10),
			Comments: []types.Comment{{ID: "c1", Text: "ok", CreatedAt: at(5)}}},
		types.Task{ID: "2", Title: "Кладка", Status: types.TaskTodo, CreatedAt: at(20)},
	)
	s.ChatMessages = []types.ChatMessage{{ID: "m1", Text: "привет", CreatedAt: at(1)}}
	s.Notifications = []types.Notification{{ID: "n1", Message: "review", CreatedAt: at(2)}}

	got, st := Merge(s, s, Options{Now: at(1000)})
	if !got.Timestamp.Equal(at(1000)) {
		t.Errorf("Timestamp: got %v, want %v", got.Timestamp, at(1000))
	}

	got.Timestamp = s.Timestamp
	if !reflect.DeepEqual(got, s) {
		t.Errorf("Merge(S, S) != S\n got: %+v\nwant: %+v", got, s)
	}
	if st.Changed() {
		t.Errorf("Merge(S, S) reported changes: %+v", st)
	}
}

func TestMerge_LastWriteWins(t *testing.T) {
	local := snapshotWithTasks(types.Task{ID: "A", Status: types.TaskInProgress, UpdatedAt: at(1)})
	remote := snapshotWithTasks(types.Task{ID: "A", Status: types.TaskDone, UpdatedAt: at(2)})

	got, st := Merge(local, remote, Options{Now: at(3)})
	if len(got.Tasks) != 1 {
		t.Fatalf("expected 1 task, got %d", len(got.Tasks))
	}
	if got.Tasks[0].Status != types.TaskDone {
		t.Errorf("expected remote copy (done), got %s", got.Tasks[0].Status)
	}
	if st.Tasks.Replaced != 1 {
		t.Errorf("Replaced: got %d, want 1", st.Tasks.Replaced)
	}

	// Reverse direction: the local copy is newer and must survive.
	got, st = Merge(remote, local, Options{Now: at(3)})
	if got.Tasks[0].Status != types.TaskDone {
		t.Errorf("expected newer local copy (done), got %s", got.Tasks[0].Status)
	}
	if st.Tasks.Kept != 1 {
		t.Errorf("Kept: got %d, want 1", st.Tasks.Kept)
	}
}

func TestMerge_TiePrefersRemote(t *testing.T) {
	local := snapshotWithTasks(types.Task{ID: "A", Title: "local", UpdatedAt: at(5)})
	remote := snapshotWithTasks(types.Task{ID: "A", Title: "remote", UpdatedAt: at(5)})

	got, _ := Merge(local, remote, Options{Now: at(6)})
	if got.Tasks[0].Title != "remote" {
		t.Errorf("tie: got %q, want remote", got.Tasks[0].Title)
	}
}

func TestMerge_CreatedAtFallback(t *testing.T) {
	local := snapshotWithTasks(types.Task{ID: "A", Title: "local", CreatedAt: at(10)})
	remote := snapshotWithTasks(types.Task{ID: "A", Title: "remote", CreatedAt: at(5)})

	got, _ := Merge(local, remote, Options{Now: at(11)})
	if got.Tasks[0].Title != "local" {
		t.Errorf("createdAt fallback: got %q, want local", got.Tasks[0].Title)
	}
}

func TestMerge_DisjointAdditions(t *testing.T) {
	local := types.Default(base)
	local.Projects = append(local.Projects, types.Project{ID: "X", Name: "local-only", CreatedAt: at(1)})
	remote := types.Default(base)
	remote.Projects = append(remote.Projects, types.Project{ID: "Y", Name: "remote-only", CreatedAt: at(2)})

	got, st := Merge(local, remote, Options{Now: at(3)})

	ids := map[types.EntityID]int{}
	for _, p := range got.Projects {
		ids[p.ID]++
	}
	for _, want := range []types.EntityID{"101", "X", "Y"} {
		if ids[want] != 1 {
			t.Errorf("project %s: got %d copies, want 1", want, ids[want])
		}
	}
	if st.Projects.Added != 1 {
		t.Errorf("Added: got %d, want 1", st.Projects.Added)
	}
}

func TestMerge_DeterministicOrder(t *testing.T) {
	local := snapshotWithTasks(
		types.Task{ID: "3", CreatedAt: at(1)},
		types.Task{ID: "1", CreatedAt: at(1)},
	)
	remote := snapshotWithTasks(
		types.Task{ID: "9", CreatedAt: at(1)},
		types.Task{ID: "1", CreatedAt: at(2)},
		types.Task{ID: "5", CreatedAt: at(1)},
	)

	want := []types.EntityID{"3", "1", "9", "5"}
	for i := 0; i < 5; i++ {
		got, _ := Merge(local, remote, Options{Now: at(3)})
		if ids := taskIDs(got.Tasks); !reflect.DeepEqual(ids, want) {
			t.Fatalf("order: got %v, want %v", ids, want)
		}
	}
}

func TestMerge_UsersAreRemoteAuthoritative(t *testing.T) {
	local := types.Default(base)
	local.Users = append(local.Users, types.User{ID: "5", Username: "offline edit", Role: types.RoleForeman})
	local.Users[0].Role = types.RoleManager

	remote := types.Default(base)
	remote.Users = remote.Users[:2]

	got, st := Merge(local, remote, Options{Now: at(1)})
	if !reflect.DeepEqual(got.Users, remote.Users) {
		t.Errorf("users: got %+v, want remote %+v", got.Users, remote.Users)
	}
	if !st.UsersReplaced {
		t.Error("expected UsersReplaced")
	}
}

func TestMerge_EmptyRemoteUsersStayEmpty(t *testing.T) {
	local := types.Default(base)
	remote := types.Default(base)
	remote.Users = nil

	got, _ := Merge(local, remote, Options{Now: at(1)})
	if got.Users == nil || len(got.Users) != 0 {
		t.Errorf("users: got %#v, want empty non-nil slice", got.Users)
	}
}

func TestMerge_SchemaVersionFromOptions(t *testing.T) {
	local := types.Default(base)
	remote := types.Default(base)
	remote.SchemaVersion = "0.0.1"

	got, _ := Merge(local, remote, Options{Now: at(1)})
	if got.SchemaVersion != types.SchemaVersion {
		t.Errorf("default SchemaVersion: got %q, want %q", got.SchemaVersion, types.SchemaVersion)
	}

	got, _ = Merge(local, remote, Options{Now: at(1), SchemaVersion: "9.9.9"})
	if got.SchemaVersion != "9.9.9" {
		t.Errorf("explicit SchemaVersion: got %q", got.SchemaVersion)
	}
}

func TestMerge_DoesNotModifyInputs(t *testing.T) {
	local := snapshotWithTasks(types.Task{ID: "A", Status: types.TaskTodo, UpdatedAt: at(1)})
	remote := snapshotWithTasks(types.Task{ID: "A", Status: types.TaskDone, UpdatedAt: at(2)})
	localCopy := local.Clone()
	remoteCopy := remote.Clone()

	got, _ := Merge(local, remote, Options{Now: at(3)})
	got.Tasks[0].Title = "mutated"

	if !reflect.DeepEqual(local, localCopy) {
		t.Error("local modified by merge")
	}
	if !reflect.DeepEqual(remote, remoteCopy) {
		t.Error("remote modified by merge")
	}
}

// Device A marks task 101 in_progress at t=100 while offline; device B marks
// it done with a comment at t=200. A's merge must take B's copy.
func TestMerge_OfflineEditLosesToLaterRemoteEdit(t *testing.T) {
	deviceA := snapshotWithTasks(types.Task{
		ID: "101", ProjectID: "101", Status: types.TaskInProgress, UpdatedAt: at(100),
	})
	deviceB := snapshotWithTasks(types.Task{
		ID: "101", ProjectID: "101", Status: types.TaskDone, UpdatedAt: at(200),
		Comments: []types.Comment{{ID: "c1", Author: "Технадзор", Role: types.RoleSupervisor, Text: "Принято", CreatedAt: at(200)}},
	})

	got, _ := Merge(deviceA, deviceB, Options{Now: at(300)})
	task, ok := got.Task("101")
	if !ok {
		t.Fatal("task 101 missing")
	}
	if task.Status != types.TaskDone {
		t.Errorf("status: got %s, want done", task.Status)
	}
	if len(task.Comments) != 1 || task.Comments[0].Text != "Принято" {
		t.Errorf("comments: got %+v, want B's comment", task.Comments)
	}
}

func TestMerge_DuplicateLocalIDsCollapse(t *testing.T) {
	local := snapshotWithTasks(
		types.Task{ID: "A", Title: "old", UpdatedAt: at(1)},
		types.Task{ID: "A", Title: "new", UpdatedAt: at(2)},
	)
	remote := snapshotWithTasks()

	got, _ := Merge(local, remote, Options{Now: at(3)})
	if len(got.Tasks) != 1 || got.Tasks[0].Title != "new" {
		t.Errorf("duplicates: got %+v", got.Tasks)
	}
}
