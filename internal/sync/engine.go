// Package sync keeps the local snapshot and the shared remote document in
// agreement. The Engine owns the current snapshot: collaborators mutate it
// through Update, and push and poll cycles reconcile it with the remote.
package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hyperengineering/sitesync/internal/codec"
	"github.com/hyperengineering/sitesync/internal/merge"
	"github.com/hyperengineering/sitesync/internal/remote"
	"github.com/hyperengineering/sitesync/internal/store"
	"github.com/hyperengineering/sitesync/internal/types"
	"github.com/hyperengineering/sitesync/internal/version"
)

// DefaultPath is the remote document path used when none is configured.
const DefaultPath = "data/site.json"

// State is the externally visible sync state.
type State string

const (
	StateIdle      State = "idle"
	StateSyncing   State = "syncing"
	StateError     State = "error"
	StateLocalOnly State = "local_only"
)

// Status is a point-in-time view of the engine.
type Status struct {
	State      State     `json:"state"`
	LastError  string    `json:"last_error,omitempty"`
	LastSyncAt time.Time `json:"last_sync_at,omitempty"`
	// Pending is true while local changes have not reached the remote.
	Pending  bool   `json:"pending"`
	DeviceID string `json:"device_id"`
}

// Action names what a cycle did.
type Action string

const (
	ActionCreated Action = "created" // remote document did not exist
	ActionPushed  Action = "pushed"
	ActionMerged  Action = "merged" // poll applied remote changes
	ActionSkipped Action = "skipped"
)

// Result describes a completed cycle.
type Result struct {
	Action Action
	SHA    string
	Stats  merge.Stats
}

// Options configures an Engine.
type Options struct {
	// Path is the remote document path. Defaults to DefaultPath.
	Path string
	// Now is the clock. Defaults to time.Now.
	Now func() time.Time
}

// Engine holds the current snapshot and runs sync cycles.
type Engine struct {
	store  store.LocalStore
	remote remote.Adapter
	gate   *version.Gate
	path   string
	now    func() time.Time

	// cycle is held for the duration of a push or poll.
	cycle sync.Mutex
	// write serializes commits of new snapshots.
	write sync.Mutex

	mu         sync.RWMutex
	snap       *types.Snapshot
	status     Status
	lastPushed time.Time
	onMutate   func()
	listeners  map[int]func(*types.Snapshot)
	nextID     int
}

// New returns an Engine. rem may be nil, in which case the engine runs
// local only. Call Open before use.
func New(st store.LocalStore, rem remote.Adapter, gate *version.Gate, opts Options) *Engine {
	if gate == nil {
		gate = version.Default()
	}
	if opts.Path == "" {
		opts.Path = DefaultPath
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	state := StateIdle
	if rem == nil {
		state = StateLocalOnly
	}
	return &Engine{
		store:     st,
		remote:    rem,
		gate:      gate,
		path:      opts.Path,
		now:       func() time.Time { return opts.Now().UTC() },
		status:    Status{State: state},
		listeners: make(map[int]func(*types.Snapshot)),
	}
}

// Open loads the persisted snapshot, migrating it if needed. With nothing
// persisted, or with a snapshot no migration can bring to the current
// schema, the built-in default is used and saved.
func (e *Engine) Open(ctx context.Context) error {
	snap, err := e.store.Load(ctx)
	save := false
	switch {
	case errors.Is(err, store.ErrNotFound):
		snap = types.Default(e.now())
		save = true
		slog.Info("no local snapshot, using defaults",
			"component", "sync",
			"action", "open_default",
		)
	case err != nil:
		return fmt.Errorf("load local snapshot: %w", err)
	default:
		checked, decision, err := e.gate.Check(snap)
		switch {
		case errors.Is(err, version.ErrVersionMismatch):
			slog.Warn("local snapshot has unsupported schema, discarding it",
				"component", "sync",
				"action", "open_replaced",
				"have", snap.SchemaVersion,
				"want", e.gate.Current(),
				"decision", version.Replaced.String(),
			)
			snap = types.Default(e.now())
			save = true
		case err != nil:
			return fmt.Errorf("check local snapshot: %w", err)
		default:
			if decision == version.Migrated {
				slog.Info("local snapshot migrated",
					"component", "sync",
					"action", "open_migrated",
					"from", snap.SchemaVersion,
					"to", checked.SchemaVersion,
				)
				save = true
			}
			snap = checked
		}
	}
	if save {
		if err := e.store.Save(ctx, snap); err != nil {
			return fmt.Errorf("save local snapshot: %w", err)
		}
	}

	deviceID, err := e.loadDeviceID(ctx)
	if err != nil {
		return err
	}
	lastPushed, err := e.loadTime(ctx, store.MetaLastPushedAt)
	if err != nil {
		return err
	}
	lastSync, err := e.loadTime(ctx, store.MetaLastSyncAt)
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.snap = snap
	e.lastPushed = lastPushed
	e.status.DeviceID = deviceID
	e.status.LastSyncAt = lastSync
	e.status.Pending = e.remote != nil && snap.Timestamp.After(lastPushed)
	e.mu.Unlock()

	slog.Info("engine opened",
		"component", "sync",
		"action", "open",
		"device_id", deviceID,
		"schema_version", snap.SchemaVersion,
		"projects", len(snap.Projects),
		"tasks", len(snap.Tasks),
	)
	return nil
}

func (e *Engine) loadDeviceID(ctx context.Context) (string, error) {
	id, err := e.store.GetMeta(ctx, store.MetaDeviceID)
	if err == nil && id != "" {
		return id, nil
	}
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return "", fmt.Errorf("load device id: %w", err)
	}
	id = uuid.NewString()
	if err := e.store.SetMeta(ctx, store.MetaDeviceID, id); err != nil {
		return "", fmt.Errorf("save device id: %w", err)
	}
	return id, nil
}

func (e *Engine) loadTime(ctx context.Context, key string) (time.Time, error) {
	v, err := e.store.GetMeta(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("load %s: %w", key, err)
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		slog.Warn("ignoring unparsable sync metadata",
			"component", "sync",
			"action", "load_meta",
			"key", key,
			"error", err,
		)
		return time.Time{}, nil
	}
	return t, nil
}

// Snapshot returns the current snapshot. Callers must treat it as read-only.
func (e *Engine) Snapshot() *types.Snapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.snap
}

// Status returns the current sync status.
func (e *Engine) Status() Status {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.status
}

// DeviceID returns the identity of this installation.
func (e *Engine) DeviceID() string {
	return e.Status().DeviceID
}

// OnMutate sets the function called after every successful local
// mutation. The scheduler uses it to arrange a push.
func (e *Engine) OnMutate(fn func()) {
	e.mu.Lock()
	e.onMutate = fn
	e.mu.Unlock()
}

// Subscribe registers fn to receive every new snapshot, whether produced
// by a local mutation or by a sync cycle. The returned function removes it.
func (e *Engine) Subscribe(fn func(*types.Snapshot)) (cancel func()) {
	e.mu.Lock()
	id := e.nextID
	e.nextID++
	e.listeners[id] = fn
	e.mu.Unlock()
	return func() {
		e.mu.Lock()
		delete(e.listeners, id)
		e.mu.Unlock()
	}
}

// Update applies fn to a copy of the current snapshot, stamps it and saves
// it before returning. If fn returns an error nothing changes. Update never
// touches the network.
func (e *Engine) Update(ctx context.Context, fn func(s *types.Snapshot) error) error {
	e.write.Lock()
	if _, err := e.reload(ctx); err != nil {
		e.write.Unlock()
		return err
	}
	next := e.Snapshot().Clone()
	if err := fn(next); err != nil {
		e.write.Unlock()
		return err
	}
	next.Timestamp = e.now()
	if err := e.commit(ctx, next, true); err != nil {
		e.write.Unlock()
		return err
	}
	e.write.Unlock()

	e.mutated()
	return nil
}

// Import replaces the local snapshot with s after passing it through the
// version gate. It is used to restore backups.
func (e *Engine) Import(ctx context.Context, s *types.Snapshot) error {
	checked, _, err := e.gate.Check(s)
	if err != nil {
		return fmt.Errorf("import snapshot: %w", err)
	}
	next := checked.Clone()
	next.Timestamp = e.now()

	e.write.Lock()
	err = e.commit(ctx, next, true)
	e.write.Unlock()
	if err != nil {
		return err
	}

	slog.Info("snapshot imported",
		"component", "sync",
		"action", "import",
		"projects", len(next.Projects),
		"tasks", len(next.Tasks),
	)
	e.mutated()
	return nil
}

// reload folds in a snapshot that another process sharing the local store
// saved after this engine last read or wrote it, so the next commit cannot
// overwrite it. It reports whether the result still needs a push. The
// caller holds e.write.
func (e *Engine) reload(ctx context.Context) (bool, error) {
	stored, err := e.store.Load(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("reload local snapshot: %w", err)
	}
	current := e.Snapshot()
	if !stored.Timestamp.After(current.Timestamp) {
		return false, nil
	}
	checked, _, err := e.gate.Check(stored)
	if err != nil {
		slog.Warn("ignoring unreadable snapshot saved by another process",
			"component", "sync",
			"action", "reload_rejected",
			"error", err,
		)
		return false, nil
	}

	// The stored copy is the newer one, so it plays the remote role: its
	// roster wins and ties go to it.
	merged, stats := merge.Merge(current, checked, merge.Options{
		Now:           checked.Timestamp,
		SchemaVersion: e.gate.Current(),
	})
	lastPushed, err := e.loadTime(ctx, store.MetaLastPushedAt)
	if err != nil {
		return false, err
	}
	e.mu.Lock()
	if lastPushed.After(e.lastPushed) {
		e.lastPushed = lastPushed
	} else {
		lastPushed = e.lastPushed
	}
	e.mu.Unlock()

	slog.Info("picked up snapshot saved by another process",
		"component", "sync",
		"action", "reload",
		"stored_at", checked.Timestamp,
		"changed", stats.Changed(),
	)
	pending := e.remote != nil && merged.Timestamp.After(lastPushed)
	if err := e.commit(ctx, merged, pending); err != nil {
		return false, err
	}
	return pending, nil
}

// commit persists next and makes it current. The caller holds e.write.
func (e *Engine) commit(ctx context.Context, next *types.Snapshot, pending bool) error {
	if err := e.store.Save(ctx, next); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	e.mu.Lock()
	e.snap = next
	if e.remote != nil {
		e.status.Pending = pending
	}
	listeners := make([]func(*types.Snapshot), 0, len(e.listeners))
	for _, fn := range e.listeners {
		listeners = append(listeners, fn)
	}
	e.mu.Unlock()

	for _, fn := range listeners {
		fn(next)
	}
	return nil
}

func (e *Engine) mutated() {
	e.mu.RLock()
	fn := e.onMutate
	e.mu.RUnlock()
	if fn != nil {
		fn()
	}
}

// Push fetches the remote document, merges it with the local snapshot and
// writes the result back conditionally on the fetched sha. A concurrent
// writer makes Put fail with remote.ErrConflict; the cycle is not retried
// here and the local snapshot is left untouched.
func (e *Engine) Push(ctx context.Context) (*Result, error) {
	if e.remote == nil {
		return nil, ErrLocalOnly
	}
	if !e.cycle.TryLock() {
		return nil, ErrBusy
	}
	defer e.cycle.Unlock()

	e.setState(StateSyncing, nil)
	start := time.Now()
	res, err := e.push(ctx, nil)
	e.finish("push", start, res, err)
	return res, err
}

// UpdateShared applies fn to the freshly fetched remote snapshot and pushes
// the result in one cycle. Remote-authoritative data such as users must be
// changed this way: a local Update to it would be replaced at the next
// merge. Without a remote, UpdateShared is Update.
func (e *Engine) UpdateShared(ctx context.Context, fn func(s *types.Snapshot) error) (*Result, error) {
	if e.remote == nil {
		if err := e.Update(ctx, fn); err != nil {
			return nil, err
		}
		return &Result{Action: ActionSkipped}, nil
	}
	if !e.cycle.TryLock() {
		return nil, ErrBusy
	}
	defer e.cycle.Unlock()

	e.setState(StateSyncing, nil)
	start := time.Now()
	res, err := e.push(ctx, fn)
	e.finish("shared_update", start, res, err)
	return res, err
}

// push runs one push cycle. A non-nil edit is applied to the remote side
// before merging.
func (e *Engine) push(ctx context.Context, edit func(*types.Snapshot) error) (*Result, error) {
	e.write.Lock()
	_, err := e.reload(ctx)
	e.write.Unlock()
	if err != nil {
		return nil, err
	}
	base := e.Snapshot()
	now := e.now()

	res := &Result{Action: ActionPushed}
	out := base.Clone()
	out.SchemaVersion = e.gate.Current()
	var sha string

	file, err := e.remote.Fetch(ctx, e.path)
	switch {
	case errors.Is(err, remote.ErrNotFound):
		res.Action = ActionCreated
		if edit != nil {
			if err := edit(out); err != nil {
				return nil, err
			}
			out.Timestamp = now
		}
	case err != nil:
		return nil, fmt.Errorf("fetch remote: %w", err)
	default:
		rs, err := e.decodeRemote(file.Content)
		if err != nil {
			return nil, err
		}
		if edit != nil {
			if err := edit(rs); err != nil {
				return nil, err
			}
		}
		sha = file.SHA
		out, res.Stats = merge.Merge(base, rs, merge.Options{Now: now, SchemaVersion: e.gate.Current()})
	}

	data, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot: %w", err)
	}
	newSHA, err := e.remote.Put(ctx, e.path, data, sha, e.commitMessage())
	if err != nil {
		return nil, fmt.Errorf("put remote: %w", err)
	}
	res.SHA = newSHA

	e.write.Lock()
	defer e.write.Unlock()

	final := out
	pending := false
	if current := e.Snapshot(); current != base {
		// Local changed while the request was in flight. Those edits are
		// newer than anything pushed, so they win over the pushed copy.
		final, _ = merge.Merge(out, current, merge.Options{Now: e.now(), SchemaVersion: e.gate.Current()})
		final.Users = out.Users
		pending = true
	}
	if err := e.commit(ctx, final, pending); err != nil {
		return nil, err
	}
	e.recordSync(ctx, out.Timestamp, newSHA, now)
	return res, nil
}

// Poll fetches the remote document and merges it only when its timestamp
// is later than both the local snapshot and the last push from here.
func (e *Engine) Poll(ctx context.Context) (*Result, error) {
	if e.remote == nil {
		return nil, ErrLocalOnly
	}
	if !e.cycle.TryLock() {
		return nil, ErrBusy
	}
	defer e.cycle.Unlock()

	e.setState(StateSyncing, nil)
	start := time.Now()
	res, err := e.poll(ctx)
	e.finish("poll", start, res, err)
	return res, err
}

func (e *Engine) poll(ctx context.Context) (*Result, error) {
	e.write.Lock()
	needsPush, err := e.reload(ctx)
	e.write.Unlock()
	if err != nil {
		return nil, err
	}
	if needsPush {
		// Nothing in this process scheduled a push for that edit.
		e.mutated()
	}
	file, err := e.remote.Fetch(ctx, e.path)
	if errors.Is(err, remote.ErrNotFound) {
		return &Result{Action: ActionSkipped}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetch remote: %w", err)
	}
	rs, err := e.decodeRemote(file.Content)
	if err != nil {
		return nil, err
	}

	e.mu.RLock()
	threshold := e.snap.Timestamp
	if e.lastPushed.After(threshold) {
		threshold = e.lastPushed
	}
	e.mu.RUnlock()
	if !rs.Timestamp.After(threshold) {
		return &Result{Action: ActionSkipped, SHA: file.SHA}, nil
	}

	e.write.Lock()
	defer e.write.Unlock()
	current := e.Snapshot()
	merged, stats := merge.Merge(current, rs, merge.Options{Now: e.now(), SchemaVersion: e.gate.Current()})
	if err := e.commit(ctx, merged, e.Status().Pending); err != nil {
		return nil, err
	}
	now := e.now()
	e.setMeta(ctx, store.MetaRemoteSHA, file.SHA)
	e.setMeta(ctx, store.MetaLastSyncAt, now.Format(time.RFC3339Nano))
	e.mu.Lock()
	e.status.LastSyncAt = now
	e.mu.Unlock()
	return &Result{Action: ActionMerged, SHA: file.SHA, Stats: stats}, nil
}

// decodeRemote parses and gates a fetched document. A document from a
// build this one cannot read is refused so it is never overwritten.
func (e *Engine) decodeRemote(content []byte) (*types.Snapshot, error) {
	rs, err := codec.UnmarshalSnapshot(content)
	if err != nil {
		return nil, fmt.Errorf("decode remote snapshot: %w", err)
	}
	checked, _, err := e.gate.Check(rs)
	if err != nil {
		return nil, fmt.Errorf("remote snapshot: %w", err)
	}
	return checked, nil
}

func (e *Engine) recordSync(ctx context.Context, pushedAt time.Time, sha string, now time.Time) {
	e.setMeta(ctx, store.MetaLastPushedAt, pushedAt.Format(time.RFC3339Nano))
	e.setMeta(ctx, store.MetaRemoteSHA, sha)
	e.setMeta(ctx, store.MetaLastSyncAt, now.Format(time.RFC3339Nano))

	e.mu.Lock()
	e.lastPushed = pushedAt
	e.status.LastSyncAt = now
	e.mu.Unlock()
}

// setMeta records sync metadata. Failures are logged only: the snapshot
// itself is already durable and the metadata is advisory.
func (e *Engine) setMeta(ctx context.Context, key, value string) {
	if err := e.store.SetMeta(ctx, key, value); err != nil {
		slog.Warn("failed to record sync metadata",
			"component", "sync",
			"action", "set_meta",
			"key", key,
			"error", err,
		)
	}
}

func (e *Engine) commitMessage() string {
	return "sitesync: update from device " + e.DeviceID()
}

func (e *Engine) setState(s State, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.status.State = s
	if err != nil {
		e.status.LastError = err.Error()
	} else {
		e.status.LastError = ""
	}
}

func (e *Engine) finish(cycle string, start time.Time, res *Result, err error) {
	if err != nil {
		e.setState(StateError, err)
		level := slog.LevelWarn
		if errors.Is(err, context.Canceled) {
			level = slog.LevelInfo
		}
		slog.Log(context.Background(), level, "sync cycle failed",
			"component", "sync",
			"action", cycle+"_failed",
			"path", e.path,
			"duration_ms", time.Since(start).Milliseconds(),
			"error", err,
		)
		return
	}
	e.setState(StateIdle, nil)
	slog.Info("sync cycle completed",
		"component", "sync",
		"action", cycle+"_complete",
		"path", e.path,
		"result", string(res.Action),
		"sha", res.SHA,
		"changed", res.Stats.Changed(),
		"duration_ms", time.Since(start).Milliseconds(),
	)
}
