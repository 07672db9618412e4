package main

import (
	"github.com/spf13/cobra"
)

// Global flags available to all subcommands.
var configFile string

// NewRootCmd creates the root command for the unithost CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "unithost",
		Short: "UnitHost - a supervised runtime for worker units",
		Long: `UnitHost runs worker units: small parameterized jobs with a managed
lifecycle, persisted configuration, and a shared event stream.`,
	}

	// Global flag for config file path
	cmd.PersistentFlags().StringVar(&configFile, "config", "", "config file path")

	// Add subcommands
	cmd.AddCommand(NewRunCmd())
	cmd.AddCommand(NewUnitsCmd())

	return cmd
}
