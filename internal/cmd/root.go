// Package cmd implements the parley command line.
package cmd

import (
	"github.com/spf13/cobra"
)

var version = "dev"

// NewRootCmd creates the root cobra command for parley.
// When invoked without a subcommand, it delegates to "run".
func NewRootCmd(v string) *cobra.Command {
	version = v

	root := &cobra.Command{
		Use:   "parley",
		Short: "Parley direct-messaging server",
		Long:  "Parley stores direct messages between users and pushes them live to recipients connected over WebSocket.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRun(cmd, args)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(newRunCmd())
	root.AddCommand(newInitCmd())
	root.AddCommand(newVersionCmd())
	root.AddCommand(newListenCmd())

	root.PersistentFlags().StringP("config", "c", "", "path to config file")

	return root
}
