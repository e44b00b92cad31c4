package main

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	flagConfig   string
	flagLogLevel string
	flagVerbose  bool
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "sl",
		Short:         "sandlink: talk to a remote coding agent and its sandbox",
		Long:          "Connects to an agent over a websocket, keeps your local sessions bound to their remote sandboxes, and streams replies and workspace updates.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVar(&flagConfig, "config", "", "config file (default ~/.sandlink/config.yaml)")
	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "override logging.level")
	root.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "log to stderr as well as the log file")

	root.AddCommand(
		loginCmd(),
		logoutCmd(),
		whoamiCmd(),
		chatCmd(),
		sessionsCmd(),
		historyCmd(),
		pullCmd(),
	)
	return root
}
