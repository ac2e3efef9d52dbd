// Package cli implements the loqa-notes command line.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/loqalabs/loqa-notes/internal/config"
	"github.com/loqalabs/loqa-notes/internal/runtime"
)

// rootFlags holds the flags shared by every command
type rootFlags struct {
	configPath string
	verbose    bool
	jsonOut    bool
}

// NewRoot creates the loqa-notes root command.
func NewRoot(version string) *cobra.Command {
	flags := &rootFlags{}

	root := &cobra.Command{
		Use:   "loqa-notes",
		Short: "Voice notes that file themselves",
		Long: `loqa-notes manages the note collection of a loqa-notes installation.

Recordings passed to "record" run through transcription and classification
and are either added as a new note or appended to an existing one.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "Path to configuration file")
	root.PersistentFlags().BoolVarP(&flags.verbose, "verbose", "v", false, "Log pipeline activity to stderr")
	root.PersistentFlags().BoolVar(&flags.jsonOut, "json", false, "Output in JSON format")

	root.AddCommand(
		newListCommand(flags),
		newShowCommand(flags),
		newDeleteCommand(flags),
		newLanguageCommand(flags),
		newRecordCommand(flags),
		newRunsCommand(flags),
		&cobra.Command{
			Use:   "version",
			Short: "Print the version",
			Args:  cobra.NoArgs,
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintln(cmd.OutOrStdout(), version)
			},
		},
	)
	return root
}

// openCore loads configuration and opens the core for one command. The CLI
// never embeds a bus server; a kv store connects to the configured servers.
func openCore(ctx context.Context, cmd *cobra.Command, flags *rootFlags) (*runtime.Core, error) {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return nil, err
	}
	if cfg.Store.Backend == "kv" {
		cfg.Bus.Embedded = false
	} else {
		cfg.Bus.Enabled = false
	}

	level := slog.LevelWarn
	if flags.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))

	core, err := runtime.OpenCore(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open notes: %w", err)
	}
	return core, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
