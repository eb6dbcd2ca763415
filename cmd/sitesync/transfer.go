package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/hyperengineering/sitesync/internal/codec"
	"github.com/spf13/cobra"
)

var exportCmd = &cobra.Command{
	Use:   "export [file]",
	Short: "Write the local snapshot as JSON (stdout when no file is given)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		data, err := json.MarshalIndent(a.engine.Snapshot(), "", "  ")
		if err != nil {
			return fmt.Errorf("marshal snapshot: %w", err)
		}
		data = append(data, '\n')
		if len(args) == 0 {
			_, err = cmd.OutOrStdout().Write(data)
			return err
		}
		if err := os.WriteFile(args[0], data, 0o644); err != nil {
			return fmt.Errorf("write %s: %w", args[0], err)
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "exported to %s\n", args[0])
		return nil
	},
}

var importCmd = &cobra.Command{
	Use:   "import <file|->",
	Short: "Replace the local snapshot with a JSON export",
	Long: "Import migrates the file to the current schema and replaces the local " +
		"snapshot. The change is pushed like any other local edit.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var data []byte
		var err error
		if args[0] == "-" {
			data, err = io.ReadAll(cmd.InOrStdin())
		} else {
			data, err = os.ReadFile(args[0])
		}
		if err != nil {
			return fmt.Errorf("read %s: %w", args[0], err)
		}
		snap, err := codec.UnmarshalSnapshot(data)
		if err != nil {
			return err
		}

		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.engine.Import(cmd.Context(), snap); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "imported %d projects, %d tasks\n", len(snap.Projects), len(snap.Tasks))
		if !noSync {
			a.pushAfterChange(cmd.Context(), cmd.ErrOrStderr())
		}
		return nil
	},
}
