package worker

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/hyperengineering/sitesync/internal/snapshot"
	"github.com/hyperengineering/sitesync/internal/types"
)

// SnapshotSource provides the snapshot to back up. *sync.Engine satisfies it.
type SnapshotSource interface {
	Snapshot() *types.Snapshot
	DeviceID() string
}

// BackupWorker periodically uploads the current snapshot to backup storage.
// Each run writes a timestamped object plus latest.json for the device.
// Unchanged snapshots are not uploaded again.
type BackupWorker struct {
	source   SnapshotSource
	uploader snapshot.Uploader
	interval time.Duration

	lastStamp time.Time
}

// NewBackupWorker creates a worker that backs up source every interval.
func NewBackupWorker(source SnapshotSource, uploader snapshot.Uploader, interval time.Duration) *BackupWorker {
	return &BackupWorker{
		source:   source,
		uploader: uploader,
		interval: interval,
	}
}

// Run starts the backup loop.
func (w *BackupWorker) Run(ctx context.Context) {
	slog.Info("worker started",
		"component", "worker",
		"worker", "backup",
		"action", "worker_started",
		"interval", w.interval.String(),
	)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	// Back up immediately on start
	w.RunOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("worker stopped",
				"component", "worker",
				"worker", "backup",
				"action", "worker_stopped",
				"reason", "context_cancelled",
			)
			return
		case <-ticker.C:
			w.RunOnce(ctx)
		}
	}
}

// RunOnce uploads the current snapshot if it changed since the last
// successful backup. It reports whether an upload happened.
func (w *BackupWorker) RunOnce(ctx context.Context) bool {
	snap := w.source.Snapshot()
	if snap == nil || snap.Timestamp.Equal(w.lastStamp) {
		return false
	}
	deviceID := w.source.DeviceID()

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		slog.Error("failed to encode snapshot for backup",
			"component", "worker",
			"worker", "backup",
			"action", "backup_failed",
			"error", err,
		)
		return false
	}

	key := snapshot.BackupKey(deviceID, snap.Timestamp)
	for _, k := range []string{key, snapshot.LatestKey(deviceID)} {
		if err := w.uploader.Upload(ctx, k, data); err != nil {
			if ctx.Err() != nil {
				return false // Graceful shutdown, don't log as error
			}
			// Upload failures are not fatal; the local snapshot is intact.
			slog.Warn("backup upload failed",
				"component", "worker",
				"worker", "backup",
				"action", "backup_failed",
				"key", k,
				"error", err,
			)
			return false
		}
	}

	w.lastStamp = snap.Timestamp
	slog.Info("backup uploaded",
		"component", "worker",
		"worker", "backup",
		"action", "backup_complete",
		"key", key,
		"size_bytes", len(data),
	)
	return true
}
