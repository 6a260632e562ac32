package cmd

import "github.com/spf13/cobra"

type rootOptions struct {
	configPath string
	debug      bool
}

func Execute() error {
	return newRootCmd(wireApp).Execute()
}

func newRootCmd(wire wireFunc) *cobra.Command {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:           "cyoa",
		Short:         "Multi-agent choose-your-own-adventure engine",
		Long:          "cyoa runs an interactive story driven by a storyteller, a director and on-demand character agents, each backed by a local OpenAI-compatible inference server.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "config file (default: ./config.yaml or ~/.config/cyoa/config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&opts.debug, "debug", false, "mirror debug logs to the console")

	rootCmd.AddCommand(
		newVersionCmd(),
		newPlayCmd(opts, wire),
	)

	return rootCmd
}
