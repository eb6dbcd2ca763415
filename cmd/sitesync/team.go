package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/hyperengineering/sitesync/internal/site"
	syncengine "github.com/hyperengineering/sitesync/internal/sync"
	"github.com/hyperengineering/sitesync/internal/types"
	"github.com/spf13/cobra"
)

var (
	commentTask    string
	commentProject string
	userID         string
	userRole       string
	chatLimit      int
)

var commentCmd = &cobra.Command{
	Use:   "comment",
	Short: "Comment on tasks and projects",
}

var commentAddCmd = &cobra.Command{
	Use:   "add <text>",
	Short: "Add a comment to a task (--task) or project (--project)",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if (commentTask == "") == (commentProject == "") {
			return errors.New("exactly one of --task or --project is required")
		}
		text := strings.Join(args, " ")

		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		return a.mutate(cmd.Context(), cmd.ErrOrStderr(), func(s *types.Snapshot, actor site.Actor) error {
			var err error
			if commentTask != "" {
				_, err = a.site.AddTaskComment(s, actor, types.EntityID(commentTask), text)
			} else {
				_, err = a.site.AddProjectComment(s, actor, types.EntityID(commentProject), text)
			}
			return err
		})
	},
}

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Read and post to the team chat",
}

var chatPostCmd = &cobra.Command{
	Use:   "post <text>",
	Short: "Post a message to the team chat",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		text := strings.Join(args, " ")
		return a.mutate(cmd.Context(), cmd.ErrOrStderr(), func(s *types.Snapshot, actor site.Actor) error {
			_, err := a.site.PostChatMessage(s, actor, text)
			return err
		})
	},
}

var chatListCmd = &cobra.Command{
	Use:   "list",
	Short: "Show recent chat messages",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		msgs := a.engine.Snapshot().ChatMessages
		if chatLimit > 0 && len(msgs) > chatLimit {
			msgs = msgs[len(msgs)-chatLimit:]
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), msgs)
		}
		for _, m := range msgs {
			fmt.Fprintf(cmd.OutOrStdout(), "[%s] %s (%s): %s\n",
				m.CreatedAt.Local().Format("02.01 15:04"), m.Username, m.Role, m.Text)
		}
		return nil
	},
}

var notificationsCmd = &cobra.Command{
	Use:   "notifications",
	Short: "List notifications addressed to your role",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		list := site.Notifications(a.engine.Snapshot(), a.actor().Role)
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), list)
		}
		if len(list) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No notifications.")
			return nil
		}
		w := newTabWriter(cmd.OutOrStdout())
		fmt.Fprintln(w, "ID\tREAD\tTYPE\tPROJECT\tMESSAGE")
		for _, n := range list {
			read := " "
			if n.IsRead {
				read = "x"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", n.ID, read, n.Type, dash(n.ProjectTitle), n.Message)
		}
		return w.Flush()
	},
}

var notificationsReadCmd = &cobra.Command{
	Use:   "read <notification-id>",
	Short: "Mark a notification read",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		return a.mutate(cmd.Context(), cmd.ErrOrStderr(), func(s *types.Snapshot, actor site.Actor) error {
			return a.site.MarkNotificationRead(s, actor, types.EntityID(args[0]))
		})
	},
}

var userCmd = &cobra.Command{
	Use:   "user",
	Short: "Manage the team roster",
}

var userListCmd = &cobra.Command{
	Use:   "list",
	Short: "List team members",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		users := a.engine.Snapshot().Users
		if jsonOutput {
			// Passwords stay out of listings.
			out := make([]types.User, len(users))
			for i, u := range users {
				u.Password = ""
				out[i] = u
			}
			return printJSON(cmd.OutOrStdout(), out)
		}
		w := newTabWriter(cmd.OutOrStdout())
		fmt.Fprintln(w, "ID\tUSERNAME\tROLE")
		for _, u := range users {
			fmt.Fprintf(w, "%s\t%s\t%s\n", u.ID, u.Username, u.Role)
		}
		return w.Flush()
	},
}

var userSetCmd = &cobra.Command{
	Use:   "set <username>",
	Short: "Add a team member, or update one with --id (admin only)",
	Long: "The roster is owned by the shared document, so the change is applied " +
		"to the freshly fetched remote copy and pushed at once.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		actor := a.actor()
		u := types.User{ID: types.EntityID(userID), Username: args[0], Role: types.UserRole(userRole)}
		res, err := a.engine.UpdateShared(cmd.Context(), func(s *types.Snapshot) error {
			_, err := a.site.UpsertUser(s, actor, u)
			return err
		})
		if err != nil {
			return err
		}
		reportShared(cmd, res)
		return nil
	},
}

func reportShared(cmd *cobra.Command, res *syncengine.Result) {
	if res.Action == syncengine.ActionSkipped {
		fmt.Fprintln(cmd.OutOrStdout(), "saved locally (no remote configured)")
		return
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", res.Action, res.SHA)
}

func init() {
	commentAddCmd.Flags().StringVar(&commentTask, "task", "", "Task id")
	commentAddCmd.Flags().StringVar(&commentProject, "project", "", "Project id")
	commentCmd.AddCommand(commentAddCmd)

	chatListCmd.Flags().IntVar(&chatLimit, "limit", 20, "Number of most recent messages (0 for all)")
	chatCmd.AddCommand(chatPostCmd)
	chatCmd.AddCommand(chatListCmd)

	notificationsCmd.AddCommand(notificationsReadCmd)

	userSetCmd.Flags().StringVar(&userID, "id", "", "Id of the user to update")
	userSetCmd.Flags().StringVar(&userRole, "role", "", "admin, manager, foreman or supervisor (required)")
	userSetCmd.MarkFlagRequired("role")
	userCmd.AddCommand(userListCmd)
	userCmd.AddCommand(userSetCmd)
}
