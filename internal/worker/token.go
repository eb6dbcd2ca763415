package worker

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/hyperengineering/sitesync/internal/config"
)

// TokenWatcher re-reads the remote token file when it changes and passes
// a new token to apply. The token itself is never logged.
type TokenWatcher struct {
	path    string
	current string
	apply   func(token string)
}

// NewTokenWatcher watches path. current is the token already in use, so
// rewriting the file with the same value is not reported.
func NewTokenWatcher(path, current string, apply func(token string)) *TokenWatcher {
	return &TokenWatcher{path: filepath.Clean(path), current: current, apply: apply}
}

// Run watches until ctx is cancelled.
func (w *TokenWatcher) Run(ctx context.Context) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		slog.Error("token watcher unavailable",
			"component", "worker",
			"worker", "token-watcher",
			"action", "worker_failed",
			"error", err,
		)
		return
	}
	defer watcher.Close()

	// The directory is watched, not the file: editors and secret mounts
	// replace the file instead of writing it in place.
	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		slog.Error("token watcher unavailable",
			"component", "worker",
			"worker", "token-watcher",
			"action", "worker_failed",
			"path", w.path,
			"error", err,
		)
		return
	}
	slog.Info("worker started",
		"component", "worker",
		"worker", "token-watcher",
		"action", "worker_started",
		"path", w.path,
	)

	for {
		select {
		case <-ctx.Done():
			slog.Info("worker stopped",
				"component", "worker",
				"worker", "token-watcher",
				"action", "worker_stopped",
				"reason", "context_cancelled",
			)
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			w.reload()
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("token watcher error",
				"component", "worker",
				"worker", "token-watcher",
				"action", "watch_error",
				"error", err,
			)
		}
	}
}

func (w *TokenWatcher) reload() {
	token, err := config.ReadTokenFile(w.path)
	if err != nil {
		// A truncate-then-write shows up as an empty file first.
		slog.Debug("token file not readable yet",
			"component", "worker",
			"worker", "token-watcher",
			"action", "reload_skipped",
			"error", err,
		)
		return
	}
	if token == w.current {
		return
	}
	w.current = token
	slog.Info("remote token changed",
		"component", "worker",
		"worker", "token-watcher",
		"action", "token_reloaded",
	)
	w.apply(token)
}
