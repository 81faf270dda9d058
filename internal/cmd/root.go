// Package cmd wires the directory-hub command line.
package cmd

import (
	"github.com/spf13/cobra"
)

var version = "dev"

// NewRootCmd creates the root cobra command for directory-hub.
// When invoked without a subcommand, it delegates to "run".
func NewRootCmd(v string) *cobra.Command {
	version = v

	root := &cobra.Command{
		Use:   "directory-hub",
		Short: "Directory hub: featured-listing billing service",
		Long:  "directory-hub opens Stripe checkout sessions for listing owners and reconciles Stripe webhooks into subscription and featured-listing state.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRun(cmd, args)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(newRunCmd())
	root.AddCommand(newMigrateCmd())
	root.AddCommand(newInitCmd())
	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringP("config", "c", "", "path to config file (optional, env-only when empty)")

	return root
}

// resolveConfigPath returns the config file path from (in priority order):
// 1. Positional argument
// 2. --config / -c flag
// 3. Default value
func resolveConfigPath(cmd *cobra.Command, args []string, defaultPath string) string {
	if len(args) > 0 {
		return args[0]
	}
	if f := cmd.Flag("config"); f != nil && f.Changed {
		return f.Value.String()
	}
	if f := cmd.Root().PersistentFlags().Lookup("config"); f != nil && f.Changed {
		return f.Value.String()
	}
	return defaultPath
}
