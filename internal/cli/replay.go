package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/quill/internal/engine"
	"github.com/roach88/quill/internal/materializer"
	"github.com/roach88/quill/internal/store"
)

// ReplayOptions holds flags for the replay command.
type ReplayOptions struct {
	*RootOptions
	Database   string
	NotebookID string // optional - specific notebook only
	Rebuild    bool   // rebuild the projection instead of verifying it
}

// ReplayNotebookResult holds the replay result for a single notebook.
type ReplayNotebookResult struct {
	NotebookID    string `json:"notebook_id"`
	Events        int    `json:"events"`
	Deterministic bool   `json:"deterministic"`
}

// ReplayResult holds the overall replay result.
type ReplayResult struct {
	Notebooks        []ReplayNotebookResult `json:"notebooks"`
	TotalNotebooks   int                    `json:"total_notebooks"`
	AllDeterministic bool                   `json:"all_deterministic"`
	Rebuilt          bool                   `json:"rebuilt"`
}

// NewReplayCommand creates the replay command.
func NewReplayCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReplayOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Replay the event log and verify projection determinism",
		Long: `Replay every notebook's event log against a cleared projection and
compare the result with the stored projection byte for byte.

With --rebuild the projection is replaced by the replayed state instead
of compared, which repairs a projection that drifted or was built by an
older binary.

Exit codes:
  0 - All notebooks replay deterministically
  1 - Verification failed (projection differs from replay)
  2 - Command error (database not found, etc.)

Examples:
  quill replay --db ./quill.db
  quill replay --db ./quill.db --notebook nb1
  quill replay --db ./quill.db --rebuild --format json`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (required)")
	_ = cmd.MarkFlagRequired("db")
	cmd.Flags().StringVar(&opts.NotebookID, "notebook", "", "replay a specific notebook only")
	cmd.Flags().BoolVar(&opts.Rebuild, "rebuild", false, "rebuild the projection from the log")

	return cmd
}

func runReplay(opts *ReplayOptions, cmd *cobra.Command) error {
	ctx := context.Background()

	st, err := store.Open(opts.Database)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer st.Close()

	notebooks := []string{opts.NotebookID}
	if opts.NotebookID == "" {
		notebooks, err = st.NotebookIDs(ctx)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to list notebooks", err)
		}
	}

	formatter := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout(), Verbose: opts.Verbose}
	if len(notebooks) == 0 {
		return formatter.Success("No notebooks found")
	}

	mat := materializer.New(st, nil)
	result := ReplayResult{AllDeterministic: true, Rebuilt: opts.Rebuild}
	for _, notebookID := range notebooks {
		records, err := st.ReadEvents(ctx, notebookID)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to read events", err)
		}

		nb := ReplayNotebookResult{NotebookID: notebookID, Events: len(records), Deterministic: true}
		if opts.Rebuild {
			if err := engine.Replay(ctx, st, mat, notebookID); err != nil {
				return WrapExitError(ExitCommandError,
					fmt.Sprintf("replay of notebook %s failed", notebookID), err)
			}
		} else {
			identical, _, _, err := engine.VerifyReplay(ctx, st, mat, notebookID)
			if err != nil {
				return WrapExitError(ExitCommandError,
					fmt.Sprintf("verification of notebook %s failed", notebookID), err)
			}
			nb.Deterministic = identical
			if !identical {
				result.AllDeterministic = false
			}
		}
		result.Notebooks = append(result.Notebooks, nb)
	}
	result.TotalNotebooks = len(result.Notebooks)

	if opts.Format == "json" {
		if err := formatter.Success(result); err != nil {
			return err
		}
	} else {
		for _, nb := range result.Notebooks {
			status := "deterministic"
			if opts.Rebuild {
				status = "rebuilt"
			} else if !nb.Deterministic {
				status = "DIVERGED"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d events, %s\n", nb.NotebookID, nb.Events, status)
		}
	}

	if !result.AllDeterministic {
		return NewExitError(ExitFailure, "projection differs from replay")
	}
	return nil
}
