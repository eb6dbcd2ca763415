package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/hyperengineering/sitesync/internal/config"
	"github.com/hyperengineering/sitesync/internal/remote"
	"github.com/hyperengineering/sitesync/internal/site"
	"github.com/hyperengineering/sitesync/internal/store"
	syncengine "github.com/hyperengineering/sitesync/internal/sync"
	"github.com/hyperengineering/sitesync/internal/types"
	"github.com/hyperengineering/sitesync/internal/version"
)

// app is the client-side object graph shared by every command that touches
// the local snapshot.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	store  *store.SQLiteStore
	engine *syncengine.Engine
	site   *site.Site
	// client is nil when no remote is configured.
	client *remote.ContentsClient

	logCloser io.Closer
}

// openApp loads configuration, opens the local database and the engine.
func openApp(ctx context.Context) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logger, logCloser := newLogger(cfg.Log)
	slog.SetDefault(logger)

	st, err := store.NewSQLiteStore(cfg.Local.DBPath)
	if err != nil {
		logCloser.Close()
		return nil, err
	}

	var rem remote.Adapter
	var client *remote.ContentsClient
	if cfg.Remote.Enabled() {
		client, err = remote.NewContentsClient(remote.Config{
			BaseURL: cfg.Remote.BaseURL,
			Repo:    cfg.Remote.Repo,
			Token:   cfg.Remote.Token,
			Branch:  cfg.Remote.Branch,
			Timeout: time.Duration(cfg.Remote.Timeout),
			Logger:  logger,
		})
		if err != nil {
			st.Close()
			logCloser.Close()
			return nil, err
		}
		rem = client
	}

	engine := syncengine.New(st, rem, version.Default(), syncengine.Options{Path: cfg.Remote.Path})
	if err := engine.Open(ctx); err != nil {
		st.Close()
		logCloser.Close()
		return nil, err
	}

	return &app{
		cfg:       cfg,
		logger:    logger,
		store:     st,
		engine:    engine,
		site:      site.New(nil),
		client:    client,
		logCloser: logCloser,
	}, nil
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		slog.Error("store close error", "error", err)
	}
	a.logCloser.Close()
}

// actor resolves the configured identity against the team roster. A listed
// user acts under the roster's role; otherwise the configured role is used.
func (a *app) actor() site.Actor {
	snap := a.engine.Snapshot()
	if u, ok := site.FindUser(snap, a.cfg.Local.Username); ok {
		return site.Actor{UserID: u.ID, Username: u.Username, Role: u.Role}
	}
	return site.Actor{Username: a.cfg.Local.Username, Role: a.cfg.Local.Role}
}

// mutate applies fn through the engine and, unless --no-sync is set, pushes
// the change. A failed push leaves the change pending locally and is
// reported as a warning, not an error.
func (a *app) mutate(ctx context.Context, w io.Writer, fn func(s *types.Snapshot, actor site.Actor) error) error {
	actor := a.actor()
	if err := a.engine.Update(ctx, func(s *types.Snapshot) error { return fn(s, actor) }); err != nil {
		return err
	}
	if noSync {
		return nil
	}
	a.pushAfterChange(ctx, w)
	return nil
}

func (a *app) pushAfterChange(ctx context.Context, w io.Writer) {
	if _, err := a.engine.Push(ctx); err != nil {
		if errors.Is(err, syncengine.ErrLocalOnly) {
			return
		}
		fmt.Fprintf(w, "warning: saved locally, sync failed: %v\n", err)
	}
}
