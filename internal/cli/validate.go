package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/quill/internal/event"
)

// ValidateOptions holds flags for the validate command.
type ValidateOptions struct {
	*RootOptions
	File string
}

// ValidateEventResult holds the validation result for a single event.
type ValidateEventResult struct {
	Index int    `json:"index"`
	Name  string `json:"name"`
	Valid bool   `json:"valid"`
	Error string `json:"error,omitempty"`
}

// ValidateResult holds the overall validation result.
type ValidateResult struct {
	Events   []ValidateEventResult `json:"events"`
	Total    int                   `json:"total"`
	Invalid  int                   `json:"invalid"`
	AllValid bool                  `json:"all_valid"`
}

// validateDocument is one event as it appears in the input file.
type validateDocument struct {
	Name    string          `json:"name"`
	Payload json.RawMessage `json:"payload"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ValidateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "validate <events.json>",
		Short: "Validate event documents against the schema",
		Long: `Validate a JSON file of events against the event schema without
appending anything. The file holds either a single event object or an
array of them, each with "name" and "payload" fields.

Deprecated event names are reported as invalid: they are replay-only
and can never be submitted.

Exit codes:
  0 - All events are valid
  1 - One or more events failed validation
  2 - Command error (unreadable file, malformed JSON, etc.)

Examples:
  quill validate events.json
  quill validate events.json --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.File = args[0]
			return runValidate(opts, cmd)
		},
	}

	return cmd
}

func runValidate(opts *ValidateOptions, cmd *cobra.Command) error {
	data, err := os.ReadFile(opts.File)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read events file", err)
	}

	var docs []validateDocument
	if err := json.Unmarshal(data, &docs); err != nil {
		var single validateDocument
		if err := json.Unmarshal(data, &single); err != nil {
			return WrapExitError(ExitCommandError, "events file is not valid JSON", err)
		}
		docs = []validateDocument{single}
	}

	validator, err := event.NewValidator()
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to build schema validator", err)
	}

	result := ValidateResult{AllValid: true, Total: len(docs)}
	for i, doc := range docs {
		res := ValidateEventResult{Index: i, Name: doc.Name, Valid: true}
		switch {
		case doc.Name == "":
			res.Valid = false
			res.Error = "name is required"
		case event.Deprecated(doc.Name):
			res.Valid = false
			res.Error = "deprecated event names are replay-only"
		case !event.Known(doc.Name):
			res.Valid = false
			res.Error = "unknown event name"
		default:
			if err := validator.Validate(doc.Name, doc.Payload); err != nil {
				res.Valid = false
				res.Error = err.Error()
			}
		}
		if !res.Valid {
			result.Invalid++
			result.AllValid = false
		}
		result.Events = append(result.Events, res)
	}

	formatter := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout(), Verbose: opts.Verbose}
	if opts.Format == "json" {
		if err := formatter.Success(result); err != nil {
			return err
		}
	} else {
		for _, res := range result.Events {
			if res.Valid {
				fmt.Fprintf(cmd.OutOrStdout(), "ok    %d %s\n", res.Index, res.Name)
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "FAIL  %d %s: %s\n", res.Index, res.Name, res.Error)
			}
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%d events, %d invalid\n", result.Total, result.Invalid)
	}

	if !result.AllValid {
		return NewExitError(ExitFailure, fmt.Sprintf("%d of %d events failed validation", result.Invalid, result.Total))
	}
	return nil
}
