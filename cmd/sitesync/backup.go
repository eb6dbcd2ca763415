package main

import (
	"fmt"
	"time"

	"github.com/hyperengineering/sitesync/internal/codec"
	"github.com/hyperengineering/sitesync/internal/snapshot"
	"github.com/hyperengineering/sitesync/internal/worker"
	"github.com/spf13/cobra"
)

var backupKey string

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Upload, restore or share snapshot backups",
}

var backupNowCmd = &cobra.Command{
	Use:   "now",
	Short: "Upload the current snapshot",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, up, err := openBackup(cmd)
		if err != nil {
			return err
		}
		defer a.Close()
		if a.cfg.Backup.Bucket == "" {
			return snapshot.ErrNotConfigured
		}

		w := worker.NewBackupWorker(a.engine, up, time.Duration(a.cfg.Backup.Interval))
		if !w.RunOnce(cmd.Context()) {
			return fmt.Errorf("backup failed, see log")
		}
		fmt.Fprintln(cmd.OutOrStdout(), snapshot.LatestKey(a.engine.DeviceID()))
		return nil
	},
}

var backupRestoreCmd = &cobra.Command{
	Use:   "restore",
	Short: "Replace the local snapshot with a backup (latest by default)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, up, err := openBackup(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		key := backupKey
		if key == "" {
			key = snapshot.LatestKey(a.engine.DeviceID())
		}
		data, err := up.Download(cmd.Context(), key)
		if err != nil {
			return err
		}
		snap, err := codec.UnmarshalSnapshot(data)
		if err != nil {
			return err
		}
		if err := a.engine.Import(cmd.Context(), snap); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "restored %s\n", key)
		if !noSync {
			a.pushAfterChange(cmd.Context(), cmd.ErrOrStderr())
		}
		return nil
	},
}

var backupURLCmd = &cobra.Command{
	Use:   "url",
	Short: "Print a time-limited download link for a backup (latest by default)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, up, err := openBackup(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		key := backupKey
		if key == "" {
			key = snapshot.LatestKey(a.engine.DeviceID())
		}
		u, expires, err := up.PresignedURL(cmd.Context(), key)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), map[string]any{"url": u, "expires_at": expires})
		}
		fmt.Fprintln(cmd.OutOrStdout(), u)
		return nil
	},
}

func openBackup(cmd *cobra.Command) (*app, snapshot.Uploader, error) {
	a, err := openApp(cmd.Context())
	if err != nil {
		return nil, nil, err
	}
	up, err := snapshot.NewUploader(a.cfg.Backup)
	if err != nil {
		a.Close()
		return nil, nil, err
	}
	return a, up, nil
}

func init() {
	backupRestoreCmd.Flags().StringVar(&backupKey, "key", "", "Backup key ({device}/{timestamp}.json)")
	backupURLCmd.Flags().StringVar(&backupKey, "key", "", "Backup key ({device}/{timestamp}.json)")

	backupCmd.AddCommand(backupNowCmd)
	backupCmd.AddCommand(backupRestoreCmd)
	backupCmd.AddCommand(backupURLCmd)
}
