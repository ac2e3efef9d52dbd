// Package notes owns the note collection and its persisted state.
package notes

import (
	"errors"
	"time"
)

// ErrNotFound is returned when no live note matches an id.
var ErrNotFound = errors.New("note not found")

// Note is a single voice note.
type Note struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

// Summary is the projection of a note handed to the classifier. Content is
// left out on purpose.
type Summary struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// State is the persisted blob layout.
type State struct {
	Notes            []Note `json:"notes"`
	SelectedLanguage string `json:"selectedLanguage"`
}

// ChangeKind names the mutation reported to a change listener.
type ChangeKind string

const (
	ChangeCreated  ChangeKind = "created"
	ChangeUpdated  ChangeKind = "updated"
	ChangeDeleted  ChangeKind = "deleted"
	ChangeLanguage ChangeKind = "language"
)

// Change describes one repository mutation.
type Change struct {
	Kind     ChangeKind
	NoteID   string
	Language string
}
