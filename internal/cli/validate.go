package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/hallway/satchel/internal/config"
	"github.com/hallway/satchel/internal/policy"
)

// ValidationResult holds manifest validation results.
type ValidationResult struct {
	Valid   bool            `json:"valid"`
	Version string          `json:"version,omitempty"`
	Errors  []ManifestIssue `json:"errors,omitempty"`
}

// ManifestIssue is one manifest compilation problem.
type ManifestIssue struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Line    int    `json:"line,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate [manifest.cue]",
		Short: "Validate a policy manifest without starting the engine",
		Long: `Compile a CUE policy manifest and report problems.

With no argument the manifest from --manifest or $SATCHEL_MANIFEST is
checked, falling back to the built-in manifest. Catches syntax errors,
missing required fields, and out-of-range policy values before they
take down a running engine.`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := ""
			if len(args) == 1 {
				path = args[0]
			}
			return runValidate(rootOpts, path, cmd)
		},
	}

	cmd.Flags().String("manifest", "", "policy manifest to validate (default $SATCHEL_MANIFEST)")

	return cmd
}

func runValidate(opts *RootOptions, path string, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd)

	if path == "" {
		if flagPath, _ := cmd.Flags().GetString("manifest"); flagPath != "" {
			path = flagPath
		} else {
			cfg, err := config.Parse()
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to load config", err)
			}
			path = cfg.ManifestPath
		}
	}

	source := "built-in manifest"
	var (
		manifest *policy.Manifest
		err      error
	)
	if path == "" {
		manifest, err = policy.Default()
	} else {
		source = path
		if _, statErr := os.Stat(path); statErr != nil {
			_ = formatter.Error(ErrCodeManifestRead, statErr.Error(), nil)
			return NewExitError(ExitCommandError, fmt.Sprintf("%s: %s", ErrCodeManifestRead, statErr))
		}
		manifest, err = policy.LoadManifest(path)
	}

	formatter.VerboseLog("Validating %s", source)

	if err != nil {
		return outputManifestErrors(formatter, compileIssues(err))
	}
	return outputManifestValid(formatter, manifest, source)
}

// compileIssues flattens a manifest compile error into reportable
// issues.
func compileIssues(err error) []ManifestIssue {
	var cErr *policy.CompileError
	if errors.As(err, &cErr) {
		issue := ManifestIssue{Field: cErr.Field, Message: cErr.Message}
		if cErr.Pos.IsValid() {
			issue.Line = cErr.Pos.Line()
		}
		return []ManifestIssue{issue}
	}
	return []ManifestIssue{{Field: "manifest", Message: err.Error()}}
}

// outputManifestValid outputs successful validation results.
func outputManifestValid(formatter *OutputFormatter, m *policy.Manifest, source string) error {
	if formatter.Format == "json" {
		return formatter.Success(ValidationResult{Valid: true, Version: m.Version})
	}

	w := formatter.Writer
	fmt.Fprintf(w, "✓ Manifest valid (%s)\n", source)
	fmt.Fprintf(w, "  version         %s\n", m.Version)
	fmt.Fprintf(w, "  precache        %d asset(s)\n", len(m.Precache))
	fmt.Fprintf(w, "  network timeout %s\n", m.NetworkTimeout)
	fmt.Fprintf(w, "  update check    %s\n", m.UpdateCheck)
	fmt.Fprintf(w, "  retry           %d attempts, %s base, %s ceiling\n",
		m.Retry.MaxAttempts, m.Retry.BaseDelay, m.Retry.MaxDelay)
	return nil
}

// outputManifestErrors outputs validation failures.
func outputManifestErrors(formatter *OutputFormatter, issues []ManifestIssue) error {
	if formatter.Format == "json" {
		response := CLIResponse{
			Status: "error",
			Data:   ValidationResult{Valid: false, Errors: issues},
			Error: &CLIError{
				Code:    ErrCodeManifestInvalid,
				Message: issues[0].Message,
			},
		}

		encoder := json.NewEncoder(formatter.Writer)
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(response); err != nil {
			return err
		}

		return NewExitError(ExitFailure, fmt.Sprintf("validation failed with %d error(s)", len(issues)))
	}

	w := formatter.Writer
	fmt.Fprintln(w, "✗ Manifest invalid")
	fmt.Fprintln(w)
	for _, issue := range issues {
		if issue.Line > 0 {
			fmt.Fprintf(w, "line %d\n", issue.Line)
		}
		fmt.Fprintf(w, "  %s: %s\n\n", issue.Field, issue.Message)
	}

	return NewExitError(ExitFailure, fmt.Sprintf("validation failed with %d error(s)", len(issues)))
}
