package commands

import (
	"github.com/spf13/cobra"
)

var (
	// Global flags
	settingsPath string
	format       string
	quiet        bool
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "fgctl",
	Short: "CLI tool for inspecting feature flag decisions",
	Long: `fgctl evaluates feature flags against a local settings snapshot,
the same way the featuregrid server does in production.

It is intended for debugging targeting rules and traffic splits before a
snapshot is rolled out.

Examples:
  fgctl features --settings settings.json
  fgctl evaluate checkout --settings settings.json --user u123
  fgctl evaluate checkout --user u123 --var plan=pro --var country=US`,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&settingsPath, "settings", "settings.json", "Path to the settings snapshot JSON")
	rootCmd.PersistentFlags().StringVar(&format, "format", "table", "Output format (table, json, yaml)")
	rootCmd.PersistentFlags().BoolVar(&quiet, "quiet", false, "Suppress output")
}
