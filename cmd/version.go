package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ZanzyTHEbar/cyoa-agents/cyoa"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), cyoa.Version)
			return err
		},
	}
}
