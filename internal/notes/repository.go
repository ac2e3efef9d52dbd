package notes

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/loqalabs/loqa-notes/internal/blobstore"
	"github.com/loqalabs/loqa-notes/internal/language"
)

// DefaultSeparator joins appended text to existing content.
const DefaultSeparator = "\n"

const persistTimeout = 10 * time.Second

// Repository is the only owner of the note collection. Every mutation
// updates memory first and then writes the full state to the blob store.
type Repository struct {
	store     blobstore.Store
	key       string
	log       *slog.Logger
	clock     func() time.Time
	newID     func() string
	separator string
	tries     uint
	listener  func(Change)
	unlock    func() error

	mu       sync.Mutex
	notes    []Note
	language string

	persistFailures metric.Int64Counter
}

// Option configures a Repository.
type Option func(*Repository)

func WithLogger(log *slog.Logger) Option {
	return func(r *Repository) { r.log = log }
}

func WithClock(clock func() time.Time) Option {
	return func(r *Repository) { r.clock = clock }
}

func WithIDGenerator(gen func() string) Option {
	return func(r *Repository) { r.newID = gen }
}

func WithSeparator(sep string) Option {
	return func(r *Repository) { r.separator = sep }
}

// WithPersistTries bounds the write attempts made for a single mutation.
func WithPersistTries(n uint) Option {
	return func(r *Repository) {
		if n > 0 {
			r.tries = n
		}
	}
}

// WithDefaultLanguage is used when the persisted state carries no language.
func WithDefaultLanguage(code string) Option {
	return func(r *Repository) { r.language = code }
}

// WithChangeListener registers a callback invoked after every mutation.
func WithChangeListener(fn func(Change)) Option {
	return func(r *Repository) { r.listener = fn }
}

// Open loads the state stored under key and returns a repository bound to it.
// A missing blob yields an empty collection. The repository holds the key's
// lock until Close; a second Open on the same key fails with
// blobstore.ErrLocked.
func Open(ctx context.Context, store blobstore.Store, key string, opts ...Option) (_ *Repository, err error) {
	r := &Repository{
		store:     store,
		key:       key,
		log:       slog.Default(),
		clock:     time.Now,
		newID:     uuid.NewString,
		separator: DefaultSeparator,
		tries:     3,
		language:  language.Fallback,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.log = r.log.With(slog.String("component", "notes"))

	counter, err := otel.Meter("github.com/loqalabs/loqa-notes/notes").Int64Counter(
		"notes.persist.failures",
		metric.WithDescription("Mutations whose state could not be written to the blob store"),
	)
	if err != nil {
		r.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	r.persistFailures = counter

	r.unlock, err = store.Lock(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("lock note state %q: %w", key, err)
	}
	defer func() {
		if err != nil {
			_ = r.unlock()
		}
	}()

	data, err := store.Get(ctx, key)
	switch {
	case errors.Is(err, blobstore.ErrNotFound):
		return r, nil
	case err != nil:
		return nil, fmt.Errorf("load note state: %w", err)
	}

	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("decode note state: %w", err)
	}
	r.notes = state.Notes
	if state.SelectedLanguage != "" {
		r.language = state.SelectedLanguage
	}
	r.log.Info("note state loaded", slog.Int("notes", len(r.notes)), slog.String("language", r.language))
	return r, nil
}

// Close releases the lock on the note state. The repository must not be
// mutated afterwards.
func (r *Repository) Close() error {
	if r == nil || r.unlock == nil {
		return nil
	}
	return r.unlock()
}

// List returns the notes, most recently created first.
func (r *Repository) List() []Note {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Note(nil), r.notes...)
}

func (r *Repository) Get(id string) (Note, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if i := r.indexOf(id); i >= 0 {
		return r.notes[i], nil
	}
	return Note{}, ErrNotFound
}

// Summaries projects the live collection to id and title, in list order.
func (r *Repository) Summaries() []Summary {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Summary, 0, len(r.notes))
	for _, n := range r.notes {
		out = append(out, Summary{ID: n.ID, Title: n.Title})
	}
	return out
}

func (r *Repository) Create(ctx context.Context, title, content string) Note {
	r.mu.Lock()
	note := Note{
		ID:        r.newID(),
		Title:     title,
		Content:   content,
		CreatedAt: r.clock().UTC().Round(0),
	}
	r.notes = append([]Note{note}, r.notes...)
	r.persistLocked(ctx)
	r.mu.Unlock()

	r.notify(Change{Kind: ChangeCreated, NoteID: note.ID})
	return note
}

// Update replaces title and content in place. CreatedAt is left untouched.
func (r *Repository) Update(ctx context.Context, id, title, content string) (Note, error) {
	r.mu.Lock()
	i := r.indexOf(id)
	if i < 0 {
		r.mu.Unlock()
		return Note{}, ErrNotFound
	}
	r.notes[i].Title = title
	r.notes[i].Content = content
	note := r.notes[i]
	r.persistLocked(ctx)
	r.mu.Unlock()

	r.notify(Change{Kind: ChangeUpdated, NoteID: id})
	return note, nil
}

// Append adds text to the end of a note's content, joined by the separator.
func (r *Repository) Append(ctx context.Context, id, text string) (Note, error) {
	r.mu.Lock()
	i := r.indexOf(id)
	if i < 0 {
		r.mu.Unlock()
		return Note{}, ErrNotFound
	}
	r.notes[i].Content = r.notes[i].Content + r.separator + text
	note := r.notes[i]
	r.persistLocked(ctx)
	r.mu.Unlock()

	r.notify(Change{Kind: ChangeUpdated, NoteID: id})
	return note, nil
}

func (r *Repository) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	i := r.indexOf(id)
	if i < 0 {
		r.mu.Unlock()
		return ErrNotFound
	}
	r.notes = append(r.notes[:i:i], r.notes[i+1:]...)
	r.persistLocked(ctx)
	r.mu.Unlock()

	r.notify(Change{Kind: ChangeDeleted, NoteID: id})
	return nil
}

// Language returns the selected transcription language.
func (r *Repository) Language() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.language
}

// SetLanguage validates and persists the selected transcription language.
func (r *Repository) SetLanguage(ctx context.Context, code string) (string, error) {
	normalized, err := language.Normalize(code)
	if err != nil {
		return "", err
	}
	r.mu.Lock()
	r.language = normalized
	r.persistLocked(ctx)
	r.mu.Unlock()

	r.notify(Change{Kind: ChangeLanguage, Language: normalized})
	return normalized, nil
}

func (r *Repository) indexOf(id string) int {
	for i, n := range r.notes {
		if n.ID == id {
			return i
		}
	}
	return -1
}

// persistLocked writes the whole state. Failures are retried with backoff and
// then logged; they never reach the caller. Must hold r.mu.
func (r *Repository) persistLocked(ctx context.Context) {
	data, err := json.Marshal(State{Notes: r.notes, SelectedLanguage: r.language})
	if err != nil {
		r.log.Error("failed to encode note state", slog.String("error", err.Error()))
		return
	}

	// the write outlives a cancelled caller
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	bo.MaxInterval = time.Second

	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, r.store.Put(ctx, r.key, data)
	},
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(r.tries),
		backoff.WithNotify(func(err error, next time.Duration) {
			r.log.Warn("note state write failed, retrying", slog.String("error", err.Error()), slog.Duration("next", next))
		}),
	)
	if err != nil {
		r.log.Error("failed to persist note state", slog.String("error", err.Error()), slog.Int("notes", len(r.notes)))
		if r.persistFailures != nil {
			r.persistFailures.Add(ctx, 1)
		}
	}
}

func (r *Repository) notify(change Change) {
	if r.listener != nil {
		r.listener(change)
	}
}
