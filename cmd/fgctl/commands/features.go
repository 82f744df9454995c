package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/featuregrid/featuregrid/internal/cli"
	"github.com/featuregrid/featuregrid/internal/settings"
)

var featuresCmd = &cobra.Command{
	Use:   "features",
	Short: "List features in a settings snapshot",
	Long: `List all features defined in the settings snapshot.

Examples:
  fgctl features --settings settings.json
  fgctl features --settings settings.json --format json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		snap, err := settings.LoadFile(settingsPath)
		if err != nil {
			return fmt.Errorf("failed to load settings: %w", err)
		}

		if !quiet {
			if len(snap.Features) == 0 {
				fmt.Println("No features found")
				return nil
			}
			return cli.PrintFeatures(snap.Features, cli.OutputFormat(format))
		}

		return nil
	},
}

func init() {
	rootCmd.AddCommand(featuresCmd)
}
