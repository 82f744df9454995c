package commands

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/featuregrid/featuregrid/internal/cli"
	"github.com/featuregrid/featuregrid/internal/evaluation"
	"github.com/featuregrid/featuregrid/internal/models"
	"github.com/featuregrid/featuregrid/internal/settings"
)

var (
	evalUserID    string
	evalUserAgent string
	evalIP        string
	evalVars      []string
)

var evaluateCmd = &cobra.Command{
	Use:   "evaluate <feature-key>",
	Short: "Evaluate a feature flag for a user",
	Long: `Evaluate a feature flag against the settings snapshot and print the
decision. Custom variables are passed as repeated key=value pairs.

Examples:
  fgctl evaluate checkout --user u123
  fgctl evaluate checkout --user u123 --var plan=pro --var beta=true
  fgctl evaluate checkout --user u123 --format json`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		featureKey := args[0]
		if evalUserID == "" {
			return fmt.Errorf("--user is required")
		}

		snap, err := settings.LoadFile(settingsPath)
		if err != nil {
			return fmt.Errorf("failed to load settings: %w", err)
		}

		vars, err := parseVars(evalVars)
		if err != nil {
			return err
		}

		user := &models.UserContext{
			ID:              evalUserID,
			UserAgent:       evalUserAgent,
			IPAddress:       evalIP,
			CustomVariables: vars,
		}

		engine := evaluation.NewEngine(snap)
		flag, err := engine.GetFlag(context.Background(), featureKey, user)
		if err != nil {
			return fmt.Errorf("evaluation failed: %w", err)
		}

		if quiet {
			return nil
		}

		decision := &cli.Decision{
			FeatureKey: featureKey,
			UserID:     evalUserID,
			IsEnabled:  flag.IsEnabled,
		}
		if len(flag.Variables) > 0 {
			decision.Variables = make(map[string]any, len(flag.Variables))
			for _, v := range flag.Variables {
				decision.Variables[v.Key] = v.Value
			}
		}
		return cli.PrintDecision(decision, cli.OutputFormat(format))
	},
}

func parseVars(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	vars := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --var %q, expected key=value", pair)
		}
		vars[key] = value
	}
	return vars, nil
}

func init() {
	rootCmd.AddCommand(evaluateCmd)

	evaluateCmd.Flags().StringVar(&evalUserID, "user", "", "User ID to evaluate for")
	evaluateCmd.Flags().StringVar(&evalUserAgent, "user-agent", "", "User agent string for targeting")
	evaluateCmd.Flags().StringVar(&evalIP, "ip", "", "IP address for targeting")
	evaluateCmd.Flags().StringArrayVar(&evalVars, "var", nil, "Custom variable as key=value (repeatable)")
}
