package bus

import (
	"context"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-notes/internal/notes"
	"github.com/loqalabs/loqa-notes/internal/protocol"
)

// Publisher mirrors pipeline outcomes and repository changes onto the bus.
// Publish failures are logged and never surface to the caller.
type Publisher struct {
	client *Client
	clock  func() time.Time
}

func NewPublisher(client *Client) *Publisher {
	return &Publisher{client: client, clock: time.Now}
}

// Notify publishes a pipeline outcome on notes.outcome.
func (p *Publisher) Notify(_ context.Context, o protocol.Outcome) {
	if p == nil || p.client == nil {
		return
	}
	if err := p.client.PublishJSON(protocol.SubjectOutcome, o); err != nil {
		p.client.log.Warn("failed to publish outcome", slog.String("run_id", o.RunID), slog.String("error", err.Error()))
	}
}

// NoteChanged publishes a repository change on notes.changed. It has the
// signature of a notes change listener.
func (p *Publisher) NoteChanged(c notes.Change) {
	if p == nil || p.client == nil {
		return
	}
	msg := protocol.NoteChanged{
		Kind:      string(c.Kind),
		NoteID:    c.NoteID,
		Language:  c.Language,
		Timestamp: p.clock().UTC(),
	}
	if err := p.client.PublishJSON(protocol.SubjectNoteChanged, msg); err != nil {
		p.client.log.Warn("failed to publish note change", slog.String("kind", msg.Kind), slog.String("error", err.Error()))
	}
}
