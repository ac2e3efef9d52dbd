package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/loqalabs/loqa-notes/internal/capture"
	"github.com/loqalabs/loqa-notes/internal/protocol"
)

// recordFlags holds the flags for the record command
type recordFlags struct {
	duration time.Duration
	mime     string
}

func newRecordCommand(flags *rootFlags) *cobra.Command {
	rf := &recordFlags{}

	cmd := &cobra.Command{
		Use:   "record <file>",
		Short: "File a recording as a note",
		Long: `Run an audio file through transcription and classification. The file is
left in place.

WAV durations are read from the file. Other formats need --duration.

Examples:
  loqa-notes record memo.wav
  loqa-notes record memo.m4a --duration 12s`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			core, err := openCore(cmd.Context(), cmd, flags)
			if err != nil {
				return err
			}
			defer core.Close()

			src := capture.NewFileSource(args[0], rf.mime, rf.duration, false)
			outcome, runErr := core.Pipeline.Process(cmd.Context(), src, "cli")
			if flags.jsonOut {
				if err := writeJSON(cmd.OutOrStdout(), outcome); err != nil {
					return err
				}
			} else {
				fmt.Fprintln(cmd.OutOrStdout(), describeOutcome(outcome))
			}
			return runErr
		},
	}
	cmd.Flags().DurationVarP(&rf.duration, "duration", "d", 0, "Recording length, required for non-WAV files")
	cmd.Flags().StringVar(&rf.mime, "mime", "", "Audio MIME type (default: from the file extension)")
	return cmd
}

func describeOutcome(o protocol.Outcome) string {
	switch o.Kind {
	case protocol.OutcomeCreated:
		msg := fmt.Sprintf("Created note %q (%s)", o.Title, o.NoteID)
		if o.StaleReference {
			msg += ", the note it belonged to was deleted"
		}
		return msg
	case protocol.OutcomeUpdated:
		return fmt.Sprintf("Added to note %q (%s)", o.Title, o.NoteID)
	case protocol.OutcomeDiscarded:
		return "Recording too short, nothing saved"
	case protocol.OutcomeNoSpeech:
		return "No speech detected, nothing saved"
	default:
		return fmt.Sprintf("Failed (%s): %s", o.Error, o.Detail)
	}
}
