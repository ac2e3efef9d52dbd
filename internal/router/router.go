// Package router applies classification decisions to the note repository.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/loqalabs/loqa-notes/internal/classify"
	"github.com/loqalabs/loqa-notes/internal/config"
	"github.com/loqalabs/loqa-notes/internal/notes"
	"github.com/loqalabs/loqa-notes/internal/protocol"
)

// DefaultGenericTitle names notes created from an UPDATE whose target is gone.
const DefaultGenericTitle = "Voice Note"

// Repository is the part of notes.Repository the router needs.
type Repository interface {
	Create(ctx context.Context, title, content string) notes.Note
	Append(ctx context.Context, id, text string) (notes.Note, error)
}

// Result describes which note a decision touched.
type Result struct {
	Kind           protocol.OutcomeKind
	Note           notes.Note
	Fallback       bool
	StaleReference bool
	EmptyContent   bool
}

type Router struct {
	repo         Repository
	genericTitle string
	logger       *slog.Logger
}

func New(repo Repository, cfg config.RouterConfig, logger *slog.Logger) *Router {
	title := cfg.GenericTitle
	if title == "" {
		title = DefaultGenericTitle
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{repo: repo, genericTitle: title, logger: logger.With(slog.String("component", "router"))}
}

// Apply commits d. An UPDATE naming a note that no longer exists creates a
// new note instead, so the utterance is never dropped. Blank content is
// stored as is and flagged on the result.
func (r *Router) Apply(ctx context.Context, d classify.Decision) (Result, error) {
	res := Result{
		Fallback:     d.Fallback,
		EmptyContent: strings.TrimSpace(d.Content) == "",
	}

	switch d.Action {
	case classify.ActionUpdate:
		note, err := r.repo.Append(ctx, d.NoteID, d.Content)
		switch {
		case err == nil:
			res.Kind = protocol.OutcomeUpdated
			res.Note = note
		case errors.Is(err, notes.ErrNotFound):
			r.logger.Info("update target no longer exists, creating note", slog.String("note_id", d.NoteID))
			res.Kind = protocol.OutcomeCreated
			res.StaleReference = true
			res.Note = r.repo.Create(ctx, r.genericTitle, d.Content)
		default:
			return Result{}, fmt.Errorf("append to note %s: %w", d.NoteID, err)
		}
	case classify.ActionCreate:
		res.Kind = protocol.OutcomeCreated
		res.Note = r.repo.Create(ctx, d.Title, d.Content)
	default:
		return Result{}, fmt.Errorf("unknown decision action %q", d.Action)
	}

	if res.EmptyContent {
		r.logger.Warn("stored note with empty content", slog.String("note_id", res.Note.ID))
	}
	return res, nil
}
