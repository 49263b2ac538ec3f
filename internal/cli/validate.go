package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/busprobe/internal/harness"
)

// ValidationError is one invalid scenario document.
type ValidationError struct {
	File    string `json:"file"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid     bool              `json:"valid"`
	Scenarios []string          `json:"scenarios,omitempty"`
	Errors    []ValidationError `json:"errors,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <scenarios-dir>",
		Short: "Validate scenario documents without running them",
		Long: `Validate YAML scenario documents without connecting to a bus.

Every document is checked against the scenario schema, decoded in strict
mode and checked for consistency (one verb per step, known peers,
unique names).`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true, // Don't print usage on errors
		SilenceErrors: true, // Don't print errors - we handle our own error output
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args[0], cmd)
		},
	}

	return cmd
}

func runValidate(opts *RootOptions, scenariosDir string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	if info, err := os.Stat(scenariosDir); err != nil || !info.IsDir() {
		return outputValidateError(formatter, ErrCodeNotFound, fmt.Sprintf("scenarios directory not found: %s", scenariosDir))
	}

	files, err := findScenarioFiles(scenariosDir, "")
	if err != nil {
		return outputValidateError(formatter, ErrCodeGeneric, err.Error())
	}
	if len(files) == 0 {
		return outputValidateError(formatter, ErrCodeNoScenarios, fmt.Sprintf("no scenario files in %s", scenariosDir))
	}
	formatter.VerboseLog("Found %d scenario file(s) in %s", len(files), scenariosDir)

	result := ValidationResult{Valid: true}
	seen := make(map[string]string)
	for _, file := range files {
		formatter.VerboseLog("Validating %s", file)

		s, err := harness.LoadScenario(file)
		if err != nil {
			result.Errors = append(result.Errors, ValidationError{File: file, Code: ErrCodeInvalid, Message: err.Error()})
			continue
		}
		if prev, ok := seen[s.Name]; ok {
			result.Errors = append(result.Errors, ValidationError{
				File:    file,
				Code:    ErrCodeInvalid,
				Message: fmt.Sprintf("duplicate scenario name %q (also in %s)", s.Name, prev),
			})
			continue
		}
		seen[s.Name] = file
		result.Scenarios = append(result.Scenarios, s.Name)
	}

	if len(result.Errors) > 0 {
		result.Valid = false
		return outputValidationErrors(formatter, result)
	}
	return outputValidateSuccess(formatter, result)
}

// outputValidateSuccess outputs successful validation results.
func outputValidateSuccess(formatter *OutputFormatter, result ValidationResult) error {
	if formatter.JSON() {
		return formatter.Success(result)
	}

	fmt.Fprintf(formatter.Writer, "✓ All %d scenario(s) valid\n", len(result.Scenarios))
	return nil
}

// outputValidateError outputs a single command-level error.
func outputValidateError(formatter *OutputFormatter, code, message string) error {
	_ = formatter.Error(code, message, nil)
	return NewExitError(ExitCommandError, fmt.Sprintf("%s: %s", code, message))
}

// outputValidationErrors outputs every invalid document.
func outputValidationErrors(formatter *OutputFormatter, result ValidationResult) error {
	failure := NewExitError(ExitFailure, fmt.Sprintf("validation failed with %d error(s)", len(result.Errors)))

	if formatter.JSON() {
		err := formatter.Response(CLIResponse{
			Status: "error",
			Data:   result,
			Error: &CLIError{
				Code:    result.Errors[0].Code,
				Message: result.Errors[0].Message,
			},
		})
		if err != nil {
			return err
		}
		return failure
	}

	fmt.Fprintln(formatter.Writer, "✗ Validation failed")
	fmt.Fprintln(formatter.Writer)
	for _, e := range result.Errors {
		fmt.Fprintf(formatter.Writer, "%s\n  %s: %s\n\n", e.File, e.Code, e.Message)
	}
	return failure
}
