package cli

import (
	"github.com/spf13/cobra"

	"github.com/comigor/taskpilot/internal/mcpserver"
)

func (rt *runtime) mcpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the task tools to an MCP client over stdio",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := rt.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			s := mcpserver.New(a.Tools, rt.version)
			return mcpserver.Serve(cmd.Context(), s, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
}
