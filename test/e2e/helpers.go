package e2e

import (
	"context"
	"errors"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/hyperengineering/sitesync/internal/api"
	"github.com/hyperengineering/sitesync/internal/codec"
	"github.com/hyperengineering/sitesync/internal/remote"
	"github.com/hyperengineering/sitesync/internal/site"
	"github.com/hyperengineering/sitesync/internal/store"
	syncengine "github.com/hyperengineering/sitesync/internal/sync"
	"github.com/hyperengineering/sitesync/internal/types"
	"github.com/hyperengineering/sitesync/internal/version"
)

const (
	testRepo  = "acme/site"
	testToken = "e2e-token"
	docPath   = "data/site.json"
)

// --- In-process contents server ---

type contentsServer struct {
	URL   string
	store *store.SQLiteStore
}

func startServer(t *testing.T) *contentsServer {
	t.Helper()
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "server.db"))
	if err != nil {
		t.Fatalf("open server store: %v", err)
	}
	srv := httptest.NewServer(api.NewRouter(api.NewHandler(st, testToken, "e2e")))
	t.Cleanup(func() {
		srv.Close()
		st.Close()
	})
	return &contentsServer{URL: srv.URL, store: st}
}

// document returns the shared snapshot as stored on the server.
func (s *contentsServer) document(t *testing.T) *types.Snapshot {
	t.Helper()
	c, err := s.store.GetContent(context.Background(), testRepo+"/"+docPath)
	if err != nil {
		t.Fatalf("get server document: %v", err)
	}
	snap, err := codec.UnmarshalSnapshot(c.Data)
	if err != nil {
		t.Fatalf("decode server document: %v", err)
	}
	return snap
}

// revisions returns the number of writes the server accepted.
func (s *contentsServer) revisions(t *testing.T) int {
	t.Helper()
	revs, err := s.store.History(context.Background(), testRepo+"/"+docPath, 100)
	if err != nil {
		t.Fatalf("server history: %v", err)
	}
	return len(revs)
}

// --- Devices ---

type device struct {
	name   string
	engine *syncengine.Engine
	site   *site.Site
	remote *flakyRemote
	actor  site.Actor
}

func newDevice(t *testing.T, srv *contentsServer, name string, actor site.Actor) *device {
	t.Helper()
	return newDeviceWithToken(t, srv, name, actor, testToken)
}

func newDeviceWithToken(t *testing.T, srv *contentsServer, name string, actor site.Actor, token string) *device {
	t.Helper()
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), name+".db"))
	if err != nil {
		t.Fatalf("open %s store: %v", name, err)
	}
	t.Cleanup(func() { st.Close() })

	client, err := remote.NewContentsClient(remote.Config{
		BaseURL: srv.URL,
		Repo:    testRepo,
		Token:   token,
		Timeout: 5 * time.Second,
	})
	if err != nil {
		t.Fatalf("contents client: %v", err)
	}
	rem := &flakyRemote{Adapter: client}

	e := syncengine.New(st, rem, version.Default(), syncengine.Options{Path: docPath})
	if err := e.Open(context.Background()); err != nil {
		t.Fatalf("open %s engine: %v", name, err)
	}
	return &device{name: name, engine: e, site: site.New(nil), remote: rem, actor: actor}
}

// edit applies fn as the device's user.
func (d *device) edit(t *testing.T, fn func(s *types.Snapshot, a site.Actor) error) {
	t.Helper()
	err := d.engine.Update(context.Background(), func(s *types.Snapshot) error { return fn(s, d.actor) })
	if err != nil {
		t.Fatalf("%s edit: %v", d.name, err)
	}
}

func (d *device) push(t *testing.T) *syncengine.Result {
	t.Helper()
	res, err := d.engine.Push(context.Background())
	if err != nil {
		t.Fatalf("%s push: %v", d.name, err)
	}
	return res
}

func (d *device) poll(t *testing.T) *syncengine.Result {
	t.Helper()
	res, err := d.engine.Poll(context.Background())
	if err != nil {
		t.Fatalf("%s poll: %v", d.name, err)
	}
	return res
}

// flakyRemote wraps an Adapter so tests can cut the network or run code
// between a device's fetch and its write.
type flakyRemote struct {
	remote.Adapter

	mu        sync.Mutex
	offline   bool
	beforePut func()
}

func (r *flakyRemote) setOffline(v bool) {
	r.mu.Lock()
	r.offline = v
	r.mu.Unlock()
}

// onNextPut runs fn once, just before the next Put reaches the server.
func (r *flakyRemote) onNextPut(fn func()) {
	r.mu.Lock()
	r.beforePut = fn
	r.mu.Unlock()
}

func (r *flakyRemote) Fetch(ctx context.Context, path string) (*remote.File, error) {
	r.mu.Lock()
	offline := r.offline
	r.mu.Unlock()
	if offline {
		return nil, remote.ErrNetwork
	}
	return r.Adapter.Fetch(ctx, path)
}

func (r *flakyRemote) Put(ctx context.Context, path string, content []byte, sha, message string) (string, error) {
	r.mu.Lock()
	offline := r.offline
	hook := r.beforePut
	r.beforePut = nil
	r.mu.Unlock()
	if offline {
		return "", remote.ErrNetwork
	}
	if hook != nil {
		hook()
	}
	return r.Adapter.Put(ctx, path, content, sha, message)
}

// --- Assertions ---

func projectNames(s *types.Snapshot) map[string]bool {
	names := make(map[string]bool, len(s.Projects))
	for _, p := range s.Projects {
		names[p.Name] = true
	}
	return names
}

func taskTitles(s *types.Snapshot) map[string]types.TaskStatus {
	titles := make(map[string]types.TaskStatus, len(s.Tasks))
	for _, tk := range s.Tasks {
		titles[tk.Title] = tk.Status
	}
	return titles
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func isConflict(err error) bool { return errors.Is(err, remote.ErrConflict) }
