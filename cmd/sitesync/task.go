package main

import (
	"fmt"

	"github.com/hyperengineering/sitesync/internal/site"
	"github.com/hyperengineering/sitesync/internal/types"
	"github.com/spf13/cobra"
)

var (
	taskInput    site.TaskInput
	taskProject  string
	taskEvidence string
	taskComment  string
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "List, create and move tasks",
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks, optionally of one project",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		snap := a.engine.Snapshot()
		tasks := snap.Tasks
		if taskProject != "" {
			tasks = snap.ProjectTasks(types.EntityID(taskProject))
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), tasks)
		}
		if len(tasks) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No tasks found.")
			return nil
		}
		w := newTabWriter(cmd.OutOrStdout())
		fmt.Fprintln(w, "ID\tPROJECT\tSTATUS\tPHOTOS\tTITLE")
		for _, t := range tasks {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", t.ID, t.ProjectID, t.Status, t.EvidenceCount, t.Title)
		}
		return w.Flush()
	},
}

var taskAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Create a task in a project",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		in := taskInput
		in.ProjectID = types.EntityID(taskProject)
		var id types.EntityID
		err = a.mutate(cmd.Context(), cmd.ErrOrStderr(), func(s *types.Snapshot, actor site.Actor) error {
			t, err := a.site.CreateTask(s, actor, in)
			if err != nil {
				return err
			}
			id = t.ID
			return nil
		})
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), id)
		return nil
	},
}

var taskMoveCmd = &cobra.Command{
	Use:   "move <task-id> <status>",
	Short: "Move a task to another status",
	Long: "Foremen start tasks and submit them for review with a photo (--evidence). " +
		"Supervisors accept them or send them to rework with a reason (--comment).",
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		tr := site.Transition{
			TaskID:   types.EntityID(args[0]),
			To:       types.TaskStatus(args[1]),
			Evidence: taskEvidence,
			Comment:  taskComment,
		}
		return a.mutate(cmd.Context(), cmd.ErrOrStderr(), func(s *types.Snapshot, actor site.Actor) error {
			_, err := a.site.TransitionTask(s, actor, tr)
			return err
		})
	},
}

func init() {
	taskListCmd.Flags().StringVar(&taskProject, "project", "", "Only tasks of this project")

	f := taskAddCmd.Flags()
	f.StringVar(&taskProject, "project", "", "Project id (required)")
	f.StringVar(&taskInput.Title, "title", "", "Task title (required)")
	f.StringVar(&taskInput.Description, "description", "", "Description")
	taskAddCmd.MarkFlagRequired("project")
	taskAddCmd.MarkFlagRequired("title")

	taskMoveCmd.Flags().StringVar(&taskEvidence, "evidence", "", "Photo link, required for review")
	taskMoveCmd.Flags().StringVar(&taskComment, "comment", "", "Reason, required for rework")

	taskCmd.AddCommand(taskListCmd)
	taskCmd.AddCommand(taskAddCmd)
	taskCmd.AddCommand(taskMoveCmd)
}
