package main

import (
	"fmt"
	"strconv"

	"github.com/hyperengineering/sitesync/internal/site"
	"github.com/hyperengineering/sitesync/internal/types"
	"github.com/spf13/cobra"
)

var (
	projectInput   site.ProjectInput
	projectFileCat string
)

var projectCmd = &cobra.Command{
	Use:   "project",
	Short: "List and edit projects",
}

var projectListCmd = &cobra.Command{
	Use:   "list",
	Short: "List projects",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		snap := a.engine.Snapshot()
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), snap.Projects)
		}
		if len(snap.Projects) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No projects found.")
			return nil
		}
		w := newTabWriter(cmd.OutOrStdout())
		fmt.Fprintln(w, "ID\tNAME\tSTATUS\tPROGRESS\tTASKS\tADDRESS")
		for _, p := range snap.Projects {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d%%\t%d\t%s\n",
				p.ID, p.Name, p.Status, p.Progress, len(snap.ProjectTasks(p.ID)), dash(p.Address))
		}
		return w.Flush()
	},
}

var projectAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Create a project",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		var id types.EntityID
		err = a.mutate(cmd.Context(), cmd.ErrOrStderr(), func(s *types.Snapshot, actor site.Actor) error {
			p, err := a.site.CreateProject(s, actor, projectInput)
			if err != nil {
				return err
			}
			id = p.ID
			return nil
		})
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), id)
		return nil
	},
}

var projectProgressCmd = &cobra.Command{
	Use:   "progress <project-id> <percent>",
	Short: "Set a project's progress (0-100)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		progress, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("percent must be a number: %w", err)
		}
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		return a.mutate(cmd.Context(), cmd.ErrOrStderr(), func(s *types.Snapshot, actor site.Actor) error {
			_, err := a.site.UpdateProjectProgress(s, actor, types.EntityID(args[0]), progress)
			return err
		})
	},
}

var projectFileCmd = &cobra.Command{
	Use:   "file <project-id> <name> <url>",
	Short: "Attach a document, drawing or photo link to a project",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		return a.mutate(cmd.Context(), cmd.ErrOrStderr(), func(s *types.Snapshot, actor site.Actor) error {
			_, err := a.site.AddProjectFile(s, actor, types.EntityID(args[0]), args[1], args[2], types.FileCategory(projectFileCat))
			return err
		})
	},
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func init() {
	f := projectAddCmd.Flags()
	f.StringVar(&projectInput.Name, "name", "", "Project name (required)")
	f.StringVar(&projectInput.Description, "description", "", "Description")
	f.StringVar(&projectInput.ClientFullName, "client", "", "Client full name")
	f.StringVar(&projectInput.City, "city", "", "City")
	f.StringVar(&projectInput.Street, "street", "", "Street address")
	f.StringVar(&projectInput.Phone, "phone", "", "Contact phone")
	f.StringVar(&projectInput.Telegram, "telegram", "", "Contact Telegram handle")
	f.Float64Var(&projectInput.GeoLocation.Lat, "lat", 0, "Latitude")
	f.Float64Var(&projectInput.GeoLocation.Lon, "lon", 0, "Longitude")
	projectAddCmd.MarkFlagRequired("name")

	projectFileCmd.Flags().StringVar(&projectFileCat, "category", string(types.FileDocument),
		"document, drawing or photo")

	projectCmd.AddCommand(projectListCmd)
	projectCmd.AddCommand(projectAddCmd)
	projectCmd.AddCommand(projectProgressCmd)
	projectCmd.AddCommand(projectFileCmd)
}
