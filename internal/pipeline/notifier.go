package pipeline

import (
	"context"
	"log/slog"

	"github.com/loqalabs/loqa-notes/internal/protocol"
)

// Notifier receives every outcome the pipeline produces.
type Notifier interface {
	Notify(ctx context.Context, outcome protocol.Outcome)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, outcome protocol.Outcome)

func (f NotifierFunc) Notify(ctx context.Context, outcome protocol.Outcome) { f(ctx, outcome) }

// Fanout delivers outcomes to each notifier in order.
type Fanout []Notifier

func (f Fanout) Notify(ctx context.Context, outcome protocol.Outcome) {
	for _, n := range f {
		if n != nil {
			n.Notify(ctx, outcome)
		}
	}
}

// LogNotifier writes outcomes to a structured logger.
type LogNotifier struct {
	Logger *slog.Logger
}

func (l LogNotifier) Notify(_ context.Context, o protocol.Outcome) {
	attrs := []any{
		slog.String("run_id", o.RunID),
		slog.String("kind", string(o.Kind)),
	}
	if o.NoteID != "" {
		attrs = append(attrs, slog.String("note_id", o.NoteID))
	}
	if o.Fallback {
		attrs = append(attrs, slog.Bool("fallback", true))
	}
	if o.StaleReference {
		attrs = append(attrs, slog.Bool("stale_reference", true))
	}
	if o.Kind == protocol.OutcomeFailed {
		attrs = append(attrs, slog.String("error", o.Error), slog.String("detail", o.Detail))
		l.Logger.Warn("pipeline run failed", attrs...)
		return
	}
	l.Logger.Info("pipeline run finished", attrs...)
}
