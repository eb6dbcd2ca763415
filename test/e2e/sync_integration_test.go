package e2e

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hyperengineering/sitesync/internal/site"
	syncengine "github.com/hyperengineering/sitesync/internal/sync"
	"github.com/hyperengineering/sitesync/internal/types"
	"github.com/hyperengineering/sitesync/internal/worker"
)

var (
	admin   = site.Actor{UserID: "1", Username: "Администратор", Role: types.RoleAdmin}
	manager = site.Actor{UserID: "2", Username: "Менеджер", Role: types.RoleManager}
	foreman = site.Actor{UserID: "3", Username: "Прораб 1", Role: types.RoleForeman}
)

func addProject(name string) func(*types.Snapshot, site.Actor) error {
	return func(s *types.Snapshot, a site.Actor) error {
		_, err := site.New(nil).CreateProject(s, a, site.ProjectInput{Name: name})
		return err
	}
}

func addTask(title string) func(*types.Snapshot, site.Actor) error {
	return func(s *types.Snapshot, a site.Actor) error {
		_, err := site.New(nil).CreateTask(s, a, site.TaskInput{ProjectID: "101", Title: title})
		return err
	}
}

// --- Convergence ---

// TestSync_TwoDevicesConverge verifies that independent edits on two
// devices end up on both after each pushes and the first polls.
func TestSync_TwoDevicesConverge(t *testing.T) {
	srv := startServer(t)
	a := newDevice(t, srv, "alpha", admin)
	b := newDevice(t, srv, "beta", manager)

	a.edit(t, addProject("Склад"))
	if res := a.push(t); res.Action != syncengine.ActionCreated {
		t.Fatalf("first push: got %s, want created", res.Action)
	}

	b.edit(t, addTask("Кровля"))
	if res := b.push(t); res.Action != syncengine.ActionPushed {
		t.Fatalf("second push: got %s, want pushed", res.Action)
	}

	if res := a.poll(t); res.Action != syncengine.ActionMerged {
		t.Fatalf("poll: got %s, want merged", res.Action)
	}

	for _, d := range []*device{a, b} {
		snap := d.engine.Snapshot()
		if !projectNames(snap)["Склад"] {
			t.Errorf("%s: project missing", d.name)
		}
		if _, ok := taskTitles(snap)["Кровля"]; !ok {
			t.Errorf("%s: task missing", d.name)
		}
	}
	if got := a.engine.Status(); got.Pending || got.State != syncengine.StateIdle {
		t.Errorf("alpha status after poll: %+v", got)
	}
}

// TestSync_PollSkipsOlderRemote verifies that a device whose snapshot is
// newer than the remote leaves its snapshot alone on poll.
func TestSync_PollSkipsOlderRemote(t *testing.T) {
	srv := startServer(t)
	a := newDevice(t, srv, "alpha", admin)
	a.push(t)

	a.edit(t, addProject("Новый"))
	before := a.engine.Snapshot()
	if res := a.poll(t); res.Action != syncengine.ActionSkipped {
		t.Fatalf("poll: got %s, want skipped", res.Action)
	}
	if a.engine.Snapshot() != before {
		t.Error("skipped poll replaced the snapshot")
	}
	if !a.engine.Status().Pending {
		t.Error("local edit should still be pending")
	}
}

// --- Conflicts ---

// TestSync_ConflictThenRetryKeepsBothEdits has beta write between alpha's
// fetch and alpha's write. Alpha's first push must be refused, and its
// retry must carry both edits.
func TestSync_ConflictThenRetryKeepsBothEdits(t *testing.T) {
	srv := startServer(t)
	a := newDevice(t, srv, "alpha", admin)
	b := newDevice(t, srv, "beta", manager)
	a.push(t)
	b.push(t)

	a.edit(t, addProject("Альфа"))
	b.edit(t, addProject("Бета"))

	a.remote.onNextPut(func() { b.push(t) })
	_, err := a.engine.Push(context.Background())
	if !isConflict(err) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if st := a.engine.Status(); st.State != syncengine.StateError || !st.Pending {
		t.Errorf("status after conflict: %+v", st)
	}
	if projectNames(a.engine.Snapshot())["Бета"] {
		t.Error("failed push must not apply the remote snapshot")
	}

	a.push(t)

	doc := srv.document(t)
	names := projectNames(doc)
	if !names["Альфа"] || !names["Бета"] {
		t.Errorf("server document projects: %v", names)
	}
	if !projectNames(a.engine.Snapshot())["Бета"] {
		t.Error("alpha did not take beta's project")
	}
}

// TestSync_TaskStatusLastWriteWins runs the same task through two devices.
// The later status change wins on both.
func TestSync_TaskStatusLastWriteWins(t *testing.T) {
	srv := startServer(t)
	a := newDevice(t, srv, "alpha", admin)
	b := newDevice(t, srv, "beta", foreman)

	a.edit(t, addTask("Стены"))
	a.push(t)
	b.push(t)

	var id types.EntityID
	for _, tk := range b.engine.Snapshot().Tasks {
		if tk.Title == "Стены" {
			id = tk.ID
		}
	}
	if id == "" {
		t.Fatal("beta did not receive the task")
	}

	b.edit(t, func(s *types.Snapshot, act site.Actor) error {
		_, err := b.site.TransitionTask(s, act, site.Transition{TaskID: id, To: types.TaskInProgress})
		return err
	})
	time.Sleep(5 * time.Millisecond)
	a.edit(t, func(s *types.Snapshot, act site.Actor) error {
		_, err := a.site.TransitionTask(s, act, site.Transition{TaskID: id, To: types.TaskDone})
		return err
	})

	b.push(t)
	a.push(t)
	b.poll(t)

	for _, d := range []*device{a, b} {
		if got := taskTitles(d.engine.Snapshot())["Стены"]; got != types.TaskDone {
			t.Errorf("%s: status %s, want done", d.name, got)
		}
	}
}

// --- Offline ---

// TestSync_OfflineEditsReachRemoteOnReconnect edits while the network is
// down, then pushes after reconnecting.
func TestSync_OfflineEditsReachRemoteOnReconnect(t *testing.T) {
	srv := startServer(t)
	a := newDevice(t, srv, "alpha", admin)
	b := newDevice(t, srv, "beta", manager)
	a.push(t)

	a.remote.setOffline(true)
	a.edit(t, addProject("Офлайн 1"))
	a.edit(t, addProject("Офлайн 2"))
	if _, err := a.engine.Push(context.Background()); err == nil {
		t.Fatal("push while offline should fail")
	}

	b.push(t)
	b.edit(t, addProject("Онлайн"))
	b.push(t)

	a.remote.setOffline(false)
	a.push(t)

	names := projectNames(srv.document(t))
	for _, want := range []string{"Офлайн 1", "Офлайн 2", "Онлайн"} {
		if !names[want] {
			t.Errorf("server document missing %q: %v", want, names)
		}
	}
	if a.engine.Status().Pending {
		t.Error("alpha still pending after successful push")
	}
}

// --- Team roster ---

// TestSync_RosterChangeAppliesToRemote verifies that an admin's roster edit
// goes through the remote and replaces other devices' rosters.
func TestSync_RosterChangeAppliesToRemote(t *testing.T) {
	srv := startServer(t)
	a := newDevice(t, srv, "alpha", admin)
	b := newDevice(t, srv, "beta", manager)
	a.push(t)

	// Beta's local roster edit is not authoritative and is dropped.
	b.edit(t, func(s *types.Snapshot, _ site.Actor) error {
		s.Users = append(s.Users, types.User{ID: "99", Username: "Самозванец", Role: types.RoleAdmin})
		return nil
	})

	_, err := a.engine.UpdateShared(context.Background(), func(s *types.Snapshot) error {
		_, err := a.site.UpsertUser(s, admin, types.User{Username: "Прораб 2", Role: types.RoleForeman})
		return err
	})
	if err != nil {
		t.Fatalf("UpdateShared: %v", err)
	}

	b.push(t)
	for _, d := range []*device{a, b} {
		_, found := site.FindUser(d.engine.Snapshot(), "Прораб 2")
		_, impostor := site.FindUser(d.engine.Snapshot(), "Самозванец")
		if !found || impostor {
			t.Errorf("%s roster: found=%t impostor=%t", d.name, found, impostor)
		}
	}
	if _, ok := site.FindUser(srv.document(t), "Самозванец"); ok {
		t.Error("local roster edit reached the server")
	}
}

// --- Scheduler ---

// TestSync_SchedulerDebouncesEdits makes a burst of edits and expects them
// to reach the server in one write.
func TestSync_SchedulerDebouncesEdits(t *testing.T) {
	srv := startServer(t)
	a := newDevice(t, srv, "alpha", admin)

	sched := worker.NewScheduler(a.engine, 50*time.Millisecond, time.Hour)
	a.engine.OnMutate(sched.SchedulePush)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sched.Run(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	for _, name := range []string{"Один", "Два", "Три"} {
		a.edit(t, addProject(name))
	}

	waitFor(t, 2*time.Second, "debounced push", func() bool { return srv.revisions(t) >= 1 })
	time.Sleep(150 * time.Millisecond)
	if got := srv.revisions(t); got != 1 {
		t.Errorf("server revisions: got %d, want 1", got)
	}
	names := projectNames(srv.document(t))
	if !names["Один"] || !names["Три"] {
		t.Errorf("server document: %v", names)
	}
}

// TestSync_SchedulerFlushesOnShutdown cancels the scheduler before the
// debounce fires. The pending edit must still be written.
func TestSync_SchedulerFlushesOnShutdown(t *testing.T) {
	srv := startServer(t)
	a := newDevice(t, srv, "alpha", admin)

	sched := worker.NewScheduler(a.engine, time.Hour, time.Hour)
	a.engine.OnMutate(sched.SchedulePush)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sched.Run(ctx)
		close(done)
	}()

	a.edit(t, addProject("Перед выходом"))
	// Let Run pick up the kick before cancelling.
	time.Sleep(20 * time.Millisecond)
	cancel()
	<-done

	if !projectNames(srv.document(t))["Перед выходом"] {
		t.Error("pending edit was not flushed on shutdown")
	}
}

// TestSync_BadTokenSuspendsScheduler verifies that a rejected credential
// pauses automatic sync instead of retrying forever.
func TestSync_BadTokenSuspendsScheduler(t *testing.T) {
	srv := startServer(t)
	a := newDeviceWithToken(t, srv, "alpha", admin, "wrong")

	_, err := a.engine.Push(context.Background())
	if err == nil {
		t.Fatal("push with a bad token should fail")
	}

	sched := worker.NewScheduler(a.engine, 10*time.Millisecond, time.Hour)
	a.engine.OnMutate(sched.SchedulePush)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sched.Run(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	a.edit(t, addProject("Не уйдёт"))
	waitFor(t, 2*time.Second, "scheduler suspension", sched.Suspended)
	if st := a.engine.Status(); st.State != syncengine.StateError || st.LastError == "" {
		t.Errorf("status: %+v", st)
	}
}

// TestSync_ConcurrentCyclesReportBusy verifies that a second cycle started
// while one is in flight is refused rather than queued.
func TestSync_ConcurrentCyclesReportBusy(t *testing.T) {
	srv := startServer(t)
	a := newDevice(t, srv, "alpha", admin)

	var pollErr error
	a.remote.onNextPut(func() {
		_, pollErr = a.engine.Poll(context.Background())
	})
	a.push(t)
	if !errors.Is(pollErr, syncengine.ErrBusy) {
		t.Errorf("poll during push: got %v, want ErrBusy", pollErr)
	}
}
