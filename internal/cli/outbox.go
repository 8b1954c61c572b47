package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/comigor/taskpilot/internal/outbox"
)

func (rt *runtime) outboxCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "outbox",
		Short: "Inspect and replay chat message saves that failed",
	}
	cmd.AddCommand(&cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List queued saves, oldest first",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			box, done, err := rt.openOutbox(cmd)
			if err != nil {
				return err
			}
			defer done()

			entries, err := box.Pending(cmd.Context())
			if err != nil {
				return fmt.Errorf("read outbox: %w", err)
			}
			w := cmd.OutOrStdout()
			if len(entries) == 0 {
				fmt.Fprintln(w, "Outbox is empty.")
				return nil
			}
			for _, e := range entries {
				conv := "-"
				if e.Request.ConversationID != nil {
					conv = fmt.Sprintf("#%d", *e.Request.ConversationID)
				}
				fmt.Fprintf(w, "%s  %-9s %-5s %s  %s\n",
					cyan.Sprint(e.ID[:8]), e.Request.Role, conv,
					gray.Sprintf("attempts=%d", e.Attempts), truncate(e.Request.Content, 60))
				if e.LastError != "" {
					red.Fprintf(w, "          %s\n", e.LastError)
				}
			}
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "flush",
		Short: "Send queued saves to the backend",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			box, done, err := rt.openOutbox(cmd)
			if err != nil {
				return err
			}
			defer done()

			sent, err := box.Flush(cmd.Context())
			fmt.Fprintf(cmd.OutOrStdout(), "Sent %d queued messages\n", sent)
			return err
		},
	})
	return cmd
}

// openOutbox opens the configured queue even when outbox.enabled is off, so
// saves queued by an earlier run can still be drained.
func (rt *runtime) openOutbox(cmd *cobra.Command) (*outbox.Outbox, func(), error) {
	a, err := rt.open(cmd)
	if err != nil {
		return nil, nil, err
	}
	if a.Outbox != nil {
		return a.Outbox, func() { a.Close() }, nil
	}
	box := outbox.Open(a.Config.Outbox.Path, a.API)
	return box, func() {
		box.Close()
		a.Close()
	}, nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
