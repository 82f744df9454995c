package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"gopkg.in/yaml.v3"

	"github.com/featuregrid/featuregrid/internal/models"
)

// OutputFormat specifies the output format for CLI commands
type OutputFormat string

const (
	FormatTable OutputFormat = "table"
	FormatJSON  OutputFormat = "json"
	FormatYAML  OutputFormat = "yaml"
)

// Decision is the CLI-facing result of one flag evaluation.
type Decision struct {
	FeatureKey string         `json:"featureKey" yaml:"featureKey"`
	UserID     string         `json:"userId" yaml:"userId"`
	IsEnabled  bool           `json:"isEnabled" yaml:"isEnabled"`
	Variables  map[string]any `json:"variables,omitempty" yaml:"variables,omitempty"`
}

// PrintFeatures outputs the features of a settings snapshot.
func PrintFeatures(features []*models.Feature, format OutputFormat) error {
	switch format {
	case FormatJSON:
		return printJSON(map[string][]*models.Feature{"features": features})
	case FormatYAML:
		return printYAML(features)
	case FormatTable:
		return printFeatureTable(features)
	default:
		return fmt.Errorf("unsupported format: %s", format)
	}
}

// PrintDecision outputs a single evaluation result.
func PrintDecision(d *Decision, format OutputFormat) error {
	switch format {
	case FormatJSON:
		return printJSON(d)
	case FormatYAML:
		return printYAML(d)
	case FormatTable:
		return printDecisionTable(d)
	default:
		return fmt.Errorf("unsupported format: %s", format)
	}
}

func printJSON(data interface{}) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(data)
}

func printYAML(data interface{}) error {
	encoder := yaml.NewEncoder(os.Stdout)
	defer encoder.Close()
	encoder.SetIndent(2)
	return encoder.Encode(data)
}

func printFeatureTable(features []*models.Feature) error {
	table := tablewriter.NewWriter(os.Stdout)
	table.Header("ID", "Key", "Rules", "Metrics")

	for _, f := range features {
		table.Append(
			strconv.Itoa(f.ID),
			f.Key,
			strconv.Itoa(len(f.Rules)),
			strconv.Itoa(len(f.Metrics)),
		)
	}

	return table.Render()
}

func printDecisionTable(d *Decision) error {
	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Feature", "User", "Enabled", "Variables")

	vars := ""
	if len(d.Variables) > 0 {
		b, err := json.Marshal(d.Variables)
		if err != nil {
			return err
		}
		vars = string(b)
	}

	table.Append(d.FeatureKey, d.UserID, strconv.FormatBool(d.IsEnabled), vars)
	return table.Render()
}
