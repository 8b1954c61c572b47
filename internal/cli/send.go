package cli

import (
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/comigor/taskpilot/internal/backend"
)

func (rt *runtime) sendCmd() *cobra.Command {
	var conversation int64

	cmd := &cobra.Command{
		Use:   "send <message>...",
		Short: "Send one message to the assistant and print the reply",
		Long: `Send one message to the assistant and print the reply.

Without --conversation a new conversation is created and titled from the
message, the same way the chat panel does it.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := rt.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := cmd.Context()
			p := a.Panel
			if conversation > 0 {
				p.SelectConversation(ctx, conversation)
			}
			if !p.Send(ctx, strings.Join(args, " ")) {
				return fmt.Errorf("nothing to send")
			}
			p.Wait()

			state := p.State()
			reply := state.Messages[len(state.Messages)-1]
			w := cmd.OutOrStdout()
			if state.ActiveID != nil {
				color.New(color.FgHiBlack).Fprintf(w, "conversation #%d\n", *state.ActiveID)
			}
			if reply.Role != backend.RoleAssistant {
				return fmt.Errorf("no reply received")
			}
			fmt.Fprintln(w, reply.Content)
			return nil
		},
	}
	cmd.Flags().Int64Var(&conversation, "conversation", 0, "continue the conversation with this id")
	return cmd
}
