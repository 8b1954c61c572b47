package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func (rt *runtime) conversationsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "conversations",
		Aliases: []string{"conv"},
		Short:   "Manage assistant conversations",
	}
	cmd.AddCommand(&cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List conversations, most recent first",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := rt.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			convs, err := a.API.ListConversations(cmd.Context())
			if err != nil {
				return fmt.Errorf("list conversations: %w", err)
			}
			w := cmd.OutOrStdout()
			if len(convs) == 0 {
				fmt.Fprintln(w, "No conversations yet.")
				return nil
			}
			for _, c := range convs {
				fmt.Fprintf(w, "%s  %s  %s\n", cyan.Sprintf("#%-4d", c.ID), gray.Sprint(c.UpdatedAt.Local().Format("2006-01-02 15:04")), c.Title)
			}
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "rename <id> <title>...",
		Short: "Rename a conversation",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			title := strings.TrimSpace(strings.Join(args[1:], " "))
			if title == "" {
				return fmt.Errorf("title must not be empty")
			}
			a, err := rt.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			conv, err := a.API.RenameConversation(cmd.Context(), id, title)
			if err != nil {
				return fmt.Errorf("rename conversation %d: %w", id, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Renamed %s to %q\n", cyan.Sprintf("#%d", conv.ID), conv.Title)
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:     "rm <id>",
		Aliases: []string{"delete"},
		Short:   "Delete a conversation and its messages",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			a, err := rt.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.API.DeleteConversation(cmd.Context(), id); err != nil {
				return fmt.Errorf("delete conversation %d: %w", id, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted conversation #%d\n", id)
			return nil
		},
	})

	var yes bool
	clearCmd := &cobra.Command{
		Use:   "clear-history",
		Short: "Delete every saved chat message",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !yes {
				return fmt.Errorf("refusing to clear chat history without --yes")
			}
			a, err := rt.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			n, err := a.API.ClearHistory(cmd.Context())
			if err != nil {
				return fmt.Errorf("clear history: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Cleared %d messages\n", n)
			return nil
		},
	}
	clearCmd.Flags().BoolVarP(&yes, "yes", "y", false, "confirm")
	cmd.AddCommand(clearCmd)
	return cmd
}
