package main

import (
	"errors"
	"fmt"
	"io"

	"mercator-hq/relay/pkg/cli"
	"mercator-hq/relay/pkg/config"

	"github.com/spf13/cobra"
)

var validateFlags struct {
	noEnv  bool
	format string
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a configuration file",
	Long: `Load a configuration file, apply defaults and environment overrides,
and report every invalid field.

The command exits with status 2 when the configuration is invalid.

Examples:
  # Validate the default config file
  relay validate

  # Validate a specific file, ignoring RELAY_* environment variables
  relay validate --config staging.yaml --no-env

  # Machine-readable result
  relay validate --format json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := cli.ParseFormat(validateFlags.format)
		if err != nil {
			return err
		}
		return validateConfigFile(cmd.OutOrStdout(), cfgFile, !validateFlags.noEnv, format)
	},
}

func init() {
	rootCmd.AddCommand(validateCmd)

	validateCmd.Flags().BoolVar(&validateFlags.noEnv, "no-env", false, "ignore RELAY_* environment overrides")
	validateCmd.Flags().StringVar(&validateFlags.format, "format", "text", "output format: text, json")
}

// validationResult is the outcome of validate.
type validationResult struct {
	Path      string              `json:"path"`
	Valid     bool                `json:"valid"`
	Providers []string            `json:"providers,omitempty"`
	Strategy  string              `json:"strategy,omitempty"`
	Errors    []config.FieldError `json:"errors,omitempty"`
	Error     string              `json:"error,omitempty"`
}

// validateConfigFile loads path and writes the result to w. It returns a
// *cli.ConfigError when the file is invalid.
func validateConfigFile(w io.Writer, path string, useEnv bool, format cli.OutputFormat) error {
	load := config.LoadConfig
	if useEnv {
		load = config.LoadConfigWithEnvOverrides
	}

	result := validationResult{Path: path}
	cfg, loadErr := load(path)
	if loadErr == nil {
		result.Valid = true
		result.Strategy = cfg.Balancer.Strategy
		for _, p := range cfg.Providers {
			result.Providers = append(result.Providers, p.ID)
		}
	} else {
		var verr config.ValidationError
		if errors.As(loadErr, &verr) {
			result.Errors = verr.Errors
		} else {
			result.Error = loadErr.Error()
		}
	}

	if format == cli.FormatJSON {
		if err := (&cli.JSONFormatter{Indent: true}).FormatTo(w, result); err != nil {
			return err
		}
	} else {
		printValidation(w, result)
	}

	if loadErr != nil {
		return cli.NewConfigError(path, loadErr)
	}
	return nil
}

func printValidation(w io.Writer, r validationResult) {
	if r.Valid {
		fmt.Fprintf(w, "✓ %s is valid\n", r.Path)
		fmt.Fprintf(w, "  Providers: %d %v\n", len(r.Providers), r.Providers)
		fmt.Fprintf(w, "  Strategy:  %s\n", r.Strategy)
		return
	}

	fmt.Fprintf(w, "✗ %s is invalid\n", r.Path)
	if r.Error != "" {
		fmt.Fprintf(w, "  %s\n", r.Error)
	}
	for _, fe := range r.Errors {
		fmt.Fprintf(w, "  - %s: %s\n", fe.Field, fe.Message)
	}
}
