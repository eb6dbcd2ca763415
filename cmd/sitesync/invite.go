package main

import (
	"fmt"

	"github.com/hyperengineering/sitesync/internal/invite"
	"github.com/hyperengineering/sitesync/internal/types"
	"github.com/spf13/cobra"
)

var (
	inviteToken    string
	inviteRepo     string
	invitePath     string
	inviteRole     string
	inviteUsername string
)

var inviteCmd = &cobra.Command{
	Use:   "invite",
	Short: "Create or inspect invite codes",
	Long:  "An invite code carries the remote token, repository, document path and the new member's identity.",
}

var inviteEncodeCmd = &cobra.Command{
	Use:   "encode",
	Short: "Create an invite code",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		code, err := invite.Encode(invite.Payload{
			Token:    inviteToken,
			Repo:     inviteRepo,
			Path:     invitePath,
			Role:     types.UserRole(inviteRole),
			Username: inviteUsername,
		})
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), code)
		return nil
	},
}

var inviteDecodeCmd = &cobra.Command{
	Use:   "decode <code>",
	Short: "Show the content of an invite code without its token",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := invite.Decode(args[0])
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if jsonOutput {
			return printJSON(out, map[string]any{
				"repo":     p.Repo,
				"path":     p.Path,
				"role":     p.Role,
				"username": p.Username,
			})
		}
		fmt.Fprintf(out, "Repo:     %s\n", p.Repo)
		fmt.Fprintf(out, "Path:     %s\n", p.Path)
		fmt.Fprintf(out, "Role:     %s\n", p.Role)
		fmt.Fprintf(out, "Username: %s\n", p.Username)
		return nil
	},
}

func init() {
	f := inviteEncodeCmd.Flags()
	f.StringVar(&inviteToken, "token", "", "Remote access token (required)")
	f.StringVar(&inviteRepo, "repo", "", "Repository as owner/name (required)")
	f.StringVar(&invitePath, "path", "data/site.json", "Document path in the repository")
	f.StringVar(&inviteRole, "role", "", "Role of the invited member")
	f.StringVar(&inviteUsername, "username", "", "Username of the invited member")
	inviteEncodeCmd.MarkFlagRequired("token")
	inviteEncodeCmd.MarkFlagRequired("repo")

	inviteCmd.AddCommand(inviteEncodeCmd)
	inviteCmd.AddCommand(inviteDecodeCmd)
}
