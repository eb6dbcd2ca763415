package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/hyperengineering/sitesync/internal/config"
	"github.com/hyperengineering/sitesync/internal/snapshot"
	syncengine "github.com/hyperengineering/sitesync/internal/sync"
	"github.com/hyperengineering/sitesync/internal/worker"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Keep the local snapshot in sync until interrupted",
	Long: "Run pushes local changes after a short debounce, polls the remote " +
		"document on an interval and uploads periodic backups when a bucket is configured.",
	Args: cobra.NoArgs,
	RunE: runClient,
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Merge with the remote document and push once",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCycle(cmd, (*syncengine.Engine).Push)
	},
}

var pullCmd = &cobra.Command{
	Use:   "pull",
	Short: "Fetch the remote document and merge it if it is newer",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCycle(cmd, (*syncengine.Engine).Poll)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show sync state and snapshot contents",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

func runClient(cmd *cobra.Command, args []string) error {
	// 1. Signal handling
	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	// 2. Config, logger, store, engine
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	slog.Info("client started",
		"component", "main",
		"action", "start",
		"device_id", a.engine.DeviceID(),
		"remote", a.cfg.Remote.Repo,
		"path", a.cfg.Remote.Path,
	)

	// 3. Backup storage
	uploader, err := snapshot.NewUploader(a.cfg.Backup)
	if err != nil {
		return err
	}

	// 4. Workers
	sched := worker.NewScheduler(a.engine,
		time.Duration(a.cfg.Sync.Debounce), time.Duration(a.cfg.Sync.PollInterval))
	sched.SetFlushTimeout(time.Duration(a.cfg.Sync.FlushTimeout))
	a.engine.OnMutate(sched.SchedulePush)
	if a.engine.Status().Pending {
		sched.SchedulePush()
	}

	g, gctx := errgroup.WithContext(ctx)
	if a.cfg.Remote.Enabled() {
		g.Go(func() error {
			startWorker(gctx, "scheduler", sched.Run)
			return nil
		})
	}
	if a.cfg.Backup.Bucket != "" {
		backup := worker.NewBackupWorker(a.engine, uploader, time.Duration(a.cfg.Backup.Interval))
		g.Go(func() error {
			startWorker(gctx, "backup", backup.Run)
			return nil
		})
	}
	if w := a.tokenWatcher(sched); w != nil {
		g.Go(func() error {
			startWorker(gctx, "token-watcher", w.Run)
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})

	err = g.Wait()
	slog.Info("shutdown complete", "component", "main", "action", "stop")
	return err
}

// tokenWatcher returns a watcher for the token file when the running token
// came from it. A rewritten token is handed to the client and lifts an auth
// suspension of the scheduler.
func (a *app) tokenWatcher(sched *worker.Scheduler) *worker.TokenWatcher {
	path := a.cfg.Remote.TokenFile
	if a.client == nil || path == "" {
		return nil
	}
	if token, err := config.ReadTokenFile(path); err != nil || token != a.cfg.Remote.Token {
		return nil
	}
	return worker.NewTokenWatcher(path, a.cfg.Remote.Token, func(token string) {
		a.client.SetToken(token)
		sched.Resume()
	})
}

// startWorker runs fn until ctx ends, logging its lifecycle.
func startWorker(ctx context.Context, name string, fn func(ctx context.Context)) {
	slog.Info("worker started", "component", "main", "worker", name)
	fn(ctx)
	slog.Info("worker stopped", "component", "main", "worker", name)
}

func runCycle(cmd *cobra.Command, cycle func(*syncengine.Engine, context.Context) (*syncengine.Result, error)) error {
	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := cycle(a.engine, ctx)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), map[string]any{
			"action": res.Action,
			"sha":    res.SHA,
			"stats":  res.Stats,
		})
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s", res.Action)
	if res.SHA != "" {
		fmt.Fprintf(cmd.OutOrStdout(), " %s", res.SHA)
	}
	fmt.Fprintln(cmd.OutOrStdout())
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	status := a.engine.Status()
	snap := a.engine.Snapshot()
	stats := snap.Stats()
	actor := a.actor()

	out := cmd.OutOrStdout()
	if jsonOutput {
		return printJSON(out, map[string]any{
			"status":         status,
			"schema_version": snap.SchemaVersion,
			"timestamp":      snap.Timestamp,
			"stats":          stats,
			"user":           actor.Username,
			"role":           actor.Role,
		})
	}

	fmt.Fprintf(out, "State:         %s\n", status.State)
	fmt.Fprintf(out, "Pending:       %t\n", status.Pending)
	if !status.LastSyncAt.IsZero() {
		fmt.Fprintf(out, "Last Sync:     %s\n", status.LastSyncAt.Format("2006-01-02 15:04:05 MST"))
	}
	if status.LastError != "" {
		fmt.Fprintf(out, "Last Error:    %s\n", status.LastError)
	}
	fmt.Fprintf(out, "Device:        %s\n", status.DeviceID)
	fmt.Fprintf(out, "User:          %s (%s)\n", actor.Username, actor.Role)
	fmt.Fprintf(out, "Schema:        %s\n", snap.SchemaVersion)
	fmt.Fprintf(out, "Updated:       %s\n", snap.Timestamp.Format("2006-01-02 15:04:05 MST"))
	fmt.Fprintf(out, "Projects:      %d\n", stats.Projects)
	fmt.Fprintf(out, "Tasks:         %d\n", stats.Tasks)
	fmt.Fprintf(out, "Users:         %d\n", stats.Users)
	fmt.Fprintf(out, "Chat:          %d\n", stats.ChatMessages)
	fmt.Fprintf(out, "Notifications: %d\n", stats.Notifications)
	return nil
}
