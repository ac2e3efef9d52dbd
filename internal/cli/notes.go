package cli

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/loqalabs/loqa-notes/internal/language"
	"github.com/loqalabs/loqa-notes/internal/notes"
)

func newListCommand(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List notes, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			core, err := openCore(cmd.Context(), cmd, flags)
			if err != nil {
				return err
			}
			defer core.Close()

			items := core.Notes.List()
			if flags.jsonOut {
				if items == nil {
					items = []notes.Note{}
				}
				return writeJSON(cmd.OutOrStdout(), items)
			}
			if len(items) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No notes yet.")
				return nil
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tCREATED\tTITLE")
			for _, n := range items {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", n.ID, n.CreatedAt.Local().Format(time.DateTime), n.Title)
			}
			return tw.Flush()
		},
	}
}

func newShowCommand(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a note",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			core, err := openCore(cmd.Context(), cmd, flags)
			if err != nil {
				return err
			}
			defer core.Close()

			note, err := core.Notes.Get(args[0])
			if err != nil {
				return fmt.Errorf("note %s: %w", args[0], err)
			}
			if flags.jsonOut {
				return writeJSON(cmd.OutOrStdout(), note)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s\n%s\n\n%s\n", note.Title, note.CreatedAt.Local().Format(time.DateTime), note.Content)
			return nil
		},
	}
}

func newDeleteCommand(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a note",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			core, err := openCore(cmd.Context(), cmd, flags)
			if err != nil {
				return err
			}
			defer core.Close()

			if err := core.Notes.Delete(cmd.Context(), args[0]); err != nil {
				return fmt.Errorf("note %s: %w", args[0], err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", args[0])
			return nil
		},
	}
}

func newLanguageCommand(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "language [code]",
		Short: "Show or select the transcription language",
		Long: `Without an argument, print the selected transcription language and the
available choices. With a code such as "fr", "pt-BR" or "auto", select it.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			core, err := openCore(cmd.Context(), cmd, flags)
			if err != nil {
				return err
			}
			defer core.Close()

			out := cmd.OutOrStdout()
			if len(args) == 1 {
				code, err := core.Notes.SetLanguage(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "Language set to %s\n", code)
				return nil
			}

			current := core.Notes.Language()
			if flags.jsonOut {
				return writeJSON(out, map[string]any{
					"language":  current,
					"languages": language.Supported(),
				})
			}
			fmt.Fprintf(out, "Selected: %s\n", current)
			codes := []string{language.Auto}
			for _, l := range language.Supported() {
				codes = append(codes, fmt.Sprintf("%s (%s)", l.Code, l.Name))
			}
			fmt.Fprintf(out, "Available: %s\n", strings.Join(codes, ", "))
			return nil
		},
	}
}
