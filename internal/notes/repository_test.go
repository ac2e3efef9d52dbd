package notes

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"pgregory.net/rapid"

	"github.com/loqalabs/loqa-notes/internal/blobstore"
	"github.com/loqalabs/loqa-notes/internal/language"
)

const testKey = "echonote-storage"

func quietLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func fixedClock() func() time.Time {
	var mu sync.Mutex
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(time.Second)
		return now
	}
}

func sequentialIDs() func() string {
	var n int
	return func() string {
		n++
		return fmt.Sprintf("note-%d", n)
	}
}

func openTestRepo(t *testing.T, store blobstore.Store, opts ...Option) *Repository {
	t.Helper()
	opts = append([]Option{WithLogger(quietLogger()), WithClock(fixedClock())}, opts...)
	repo, err := Open(context.Background(), store, testKey, opts...)
	if err != nil {
		t.Fatalf("open repository: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func TestCreatePrependsAndPersists(t *testing.T) {
	store := blobstore.NewMemory()
	repo := openTestRepo(t, store, WithIDGenerator(sequentialIDs()))
	ctx := context.Background()

	first := repo.Create(ctx, "Groceries", "milk")
	second := repo.Create(ctx, "Ideas", "a bike shed")

	list := repo.List()
	if len(list) != 2 || list[0].ID != second.ID || list[1].ID != first.ID {
		t.Fatalf("expected newest first, got %+v", list)
	}
	if !second.CreatedAt.After(first.CreatedAt) {
		t.Fatalf("expected increasing createdAt, got %v then %v", first.CreatedAt, second.CreatedAt)
	}

	raw, err := store.Get(ctx, testKey)
	if err != nil {
		t.Fatalf("expected persisted state: %v", err)
	}
	var state State
	if err := json.Unmarshal(raw, &state); err != nil {
		t.Fatalf("decode persisted state: %v", err)
	}
	if len(state.Notes) != 2 || state.Notes[0].Title != "Ideas" {
		t.Fatalf("unexpected persisted notes %+v", state.Notes)
	}
	if state.SelectedLanguage != language.Fallback {
		t.Fatalf("expected default language persisted, got %q", state.SelectedLanguage)
	}
}

func TestCreateAcceptsEmptyFields(t *testing.T) {
	repo := openTestRepo(t, blobstore.NewMemory())
	note := repo.Create(context.Background(), "", "")
	if note.ID == "" {
		t.Fatal("expected generated id")
	}
	got, err := repo.Get(note.ID)
	if err != nil || got.Title != "" || got.Content != "" {
		t.Fatalf("unexpected stored note %+v err=%v", got, err)
	}
}

func TestUpdateKeepsPositionAndCreatedAt(t *testing.T) {
	repo := openTestRepo(t, blobstore.NewMemory())
	ctx := context.Background()
	older := repo.Create(ctx, "Old", "one")
	repo.Create(ctx, "New", "two")

	updated, err := repo.Update(ctx, older.ID, "Renamed", "changed")
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if !updated.CreatedAt.Equal(older.CreatedAt) {
		t.Fatalf("createdAt changed from %v to %v", older.CreatedAt, updated.CreatedAt)
	}
	list := repo.List()
	if list[1].ID != older.ID || list[1].Title != "Renamed" || list[1].Content != "changed" {
		t.Fatalf("expected note updated in place, got %+v", list)
	}
}

func TestUpdateUnknownLeavesCollectionUnchanged(t *testing.T) {
	store := blobstore.NewMemory()
	repo := openTestRepo(t, store)
	ctx := context.Background()
	repo.Create(ctx, "Keep", "me")
	before, _ := store.Get(ctx, testKey)

	if _, err := repo.Update(ctx, "missing", "x", "y"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := repo.Append(ctx, "missing", "x"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound from append, got %v", err)
	}
	if err := repo.Delete(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound from delete, got %v", err)
	}
	after, _ := store.Get(ctx, testKey)
	if string(before) != string(after) {
		t.Fatalf("persisted state changed:\n%s\n%s", before, after)
	}
}

func TestAppendJoinsWithSeparator(t *testing.T) {
	repo := openTestRepo(t, blobstore.NewMemory())
	ctx := context.Background()
	note := repo.Create(ctx, "List", "milk")

	got, err := repo.Append(ctx, note.ID, "eggs")
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if got.Content != "milk\neggs" || got.Title != "List" {
		t.Fatalf("unexpected note after append %+v", got)
	}

	spaced := openTestRepo(t, blobstore.NewMemory(), WithSeparator(" "))
	n := spaced.Create(ctx, "T", "a")
	got, _ = spaced.Append(ctx, n.ID, "b")
	if got.Content != "a b" {
		t.Fatalf("expected custom separator, got %q", got.Content)
	}
}

func TestDeleteRemovesNote(t *testing.T) {
	repo := openTestRepo(t, blobstore.NewMemory())
	ctx := context.Background()
	a := repo.Create(ctx, "A", "")
	b := repo.Create(ctx, "B", "")
	c := repo.Create(ctx, "C", "")

	if err := repo.Delete(ctx, b.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	list := repo.List()
	if len(list) != 2 || list[0].ID != c.ID || list[1].ID != a.ID {
		t.Fatalf("unexpected list after delete %+v", list)
	}
	if _, err := repo.Get(b.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected deleted note to be gone, got %v", err)
	}
}

func TestSummariesOmitContent(t *testing.T) {
	repo := openTestRepo(t, blobstore.NewMemory(), WithIDGenerator(sequentialIDs()))
	ctx := context.Background()
	repo.Create(ctx, "First", "secret body")
	repo.Create(ctx, "Second", "more")

	summaries := repo.Summaries()
	want := []Summary{{ID: "note-2", Title: "Second"}, {ID: "note-1", Title: "First"}}
	if len(summaries) != len(want) {
		t.Fatalf("expected %d summaries, got %d", len(want), len(summaries))
	}
	for i := range want {
		if summaries[i] != want[i] {
			t.Fatalf("summary %d: expected %+v, got %+v", i, want[i], summaries[i])
		}
	}
	raw, _ := json.Marshal(summaries)
	if string(raw) != `[{"id":"note-2","title":"Second"},{"id":"note-1","title":"First"}]` {
		t.Fatalf("unexpected summary encoding %s", raw)
	}
}

func TestSetLanguage(t *testing.T) {
	store := blobstore.NewMemory()
	repo := openTestRepo(t, store)
	ctx := context.Background()

	got, err := repo.SetLanguage(ctx, "es")
	if err != nil || got != "es" {
		t.Fatalf("set language: %q %v", got, err)
	}
	if _, err := repo.SetLanguage(ctx, "xx-not-a-language"); !errors.Is(err, language.ErrUnsupported) {
		t.Fatalf("expected ErrUnsupported, got %v", err)
	}
	if repo.Language() != "es" {
		t.Fatalf("rejected language must not change selection, got %q", repo.Language())
	}

	if err := repo.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	reopened := openTestRepo(t, store)
	if reopened.Language() != "es" {
		t.Fatalf("expected persisted language, got %q", reopened.Language())
	}
}

func TestOpenUsesDefaultLanguageWhenMissing(t *testing.T) {
	store := blobstore.NewMemory()
	if err := store.Put(context.Background(), testKey, []byte(`{"notes":[]}`)); err != nil {
		t.Fatal(err)
	}
	repo := openTestRepo(t, store, WithDefaultLanguage("fr"))
	if repo.Language() != "fr" {
		t.Fatalf("expected default language fr, got %q", repo.Language())
	}
}

func TestOpenRejectsCorruptState(t *testing.T) {
	store := blobstore.NewMemory()
	if err := store.Put(context.Background(), testKey, []byte(`{not json`)); err != nil {
		t.Fatal(err)
	}
	if _, err := Open(context.Background(), store, testKey, WithLogger(quietLogger())); err == nil {
		t.Fatal("expected decode error")
	}
	// a failed open releases its claim on the key
	unlock, err := store.Lock(context.Background(), testKey)
	if err != nil {
		t.Fatalf("expected key to be free after failed open: %v", err)
	}
	_ = unlock()
}

func TestSecondRepositoryOnSameStateIsRejected(t *testing.T) {
	store := blobstore.NewMemory()
	ctx := context.Background()
	first := openTestRepo(t, store)
	first.Create(ctx, "Kept", "")

	if _, err := Open(ctx, store, testKey, WithLogger(quietLogger())); !errors.Is(err, blobstore.ErrLocked) {
		t.Fatalf("expected ErrLocked for a second repository, got %v", err)
	}
	other, err := Open(ctx, store, "other-state", WithLogger(quietLogger()))
	if err != nil {
		t.Fatalf("a different key must stay available: %v", err)
	}
	_ = other.Close()

	first.Create(ctx, "Also kept", "")
	if err := first.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	second := openTestRepo(t, store)
	if got := second.List(); len(got) != 2 || got[0].Title != "Also kept" || got[1].Title != "Kept" {
		t.Fatalf("expected both writes of the first owner, got %+v", got)
	}
}

type failingStore struct {
	*blobstore.Memory
	mu    sync.Mutex
	puts  int
	fails int
}

func (f *failingStore) Put(ctx context.Context, key string, value []byte) error {
	f.mu.Lock()
	f.puts++
	fail := f.puts <= f.fails
	f.mu.Unlock()
	if fail {
		return errors.New("disk full")
	}
	return f.Memory.Put(ctx, key, value)
}

func TestPersistFailureKeepsMemoryState(t *testing.T) {
	store := &failingStore{Memory: blobstore.NewMemory(), fails: 100}
	repo := openTestRepo(t, store, WithPersistTries(2))

	note := repo.Create(context.Background(), "Still here", "body")
	if _, err := repo.Get(note.ID); err != nil {
		t.Fatalf("in-memory note lost after persist failure: %v", err)
	}
	if store.puts != 2 {
		t.Fatalf("expected 2 write attempts, got %d", store.puts)
	}
}

func TestPersistRetriesTransientFailure(t *testing.T) {
	store := &failingStore{Memory: blobstore.NewMemory(), fails: 1}
	repo := openTestRepo(t, store, WithPersistTries(3))
	repo.Create(context.Background(), "Retried", "")

	if _, err := store.Memory.Get(context.Background(), testKey); err != nil {
		t.Fatalf("expected retry to land the write: %v", err)
	}
}

func TestPersistSurvivesCancelledContext(t *testing.T) {
	store := blobstore.NewMemory()
	repo := openTestRepo(t, store)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	repo.Create(ctx, "Late", "")
	if _, err := store.Get(context.Background(), testKey); err != nil {
		t.Fatalf("expected write despite cancelled caller: %v", err)
	}
}

func TestChangeListener(t *testing.T) {
	var changes []Change
	repo := openTestRepo(t, blobstore.NewMemory(), WithChangeListener(func(c Change) {
		changes = append(changes, c)
	}))
	ctx := context.Background()
	n := repo.Create(ctx, "A", "")
	_, _ = repo.Append(ctx, n.ID, "more")
	_ = repo.Delete(ctx, n.ID)
	_, _ = repo.SetLanguage(ctx, "de")
	_ = repo.Delete(ctx, "missing")

	want := []ChangeKind{ChangeCreated, ChangeUpdated, ChangeDeleted, ChangeLanguage}
	if len(changes) != len(want) {
		t.Fatalf("expected %d changes, got %+v", len(want), changes)
	}
	for i, kind := range want {
		if changes[i].Kind != kind {
			t.Fatalf("change %d: expected %s, got %s", i, kind, changes[i].Kind)
		}
	}
	if changes[3].Language != "de" {
		t.Fatalf("expected language change to carry code, got %+v", changes[3])
	}
}

func TestReloadReproducesCollection(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		store := blobstore.NewMemory()
		repo, err := Open(context.Background(), store, testKey, WithLogger(quietLogger()))
		if err != nil {
			rt.Fatalf("open: %v", err)
		}
		ctx := context.Background()

		ops := rapid.IntRange(1, 30).Draw(rt, "ops")
		for i := 0; i < ops; i++ {
			live := repo.List()
			switch op := rapid.IntRange(0, 3).Draw(rt, "op"); {
			case op == 0 || len(live) == 0:
				repo.Create(ctx, rapid.String().Draw(rt, "title"), rapid.String().Draw(rt, "content"))
			case op == 1:
				target := rapid.SampledFrom(live).Draw(rt, "target")
				if _, err := repo.Update(ctx, target.ID, rapid.String().Draw(rt, "title"), rapid.String().Draw(rt, "content")); err != nil {
					rt.Fatalf("update: %v", err)
				}
			case op == 2:
				target := rapid.SampledFrom(live).Draw(rt, "target")
				if _, err := repo.Append(ctx, target.ID, rapid.String().Draw(rt, "text")); err != nil {
					rt.Fatalf("append: %v", err)
				}
			default:
				target := rapid.SampledFrom(live).Draw(rt, "target")
				if err := repo.Delete(ctx, target.ID); err != nil {
					rt.Fatalf("delete: %v", err)
				}
			}
		}

		want := repo.List()
		if err := repo.Close(); err != nil {
			rt.Fatalf("close: %v", err)
		}
		reloaded, err := Open(ctx, store, testKey, WithLogger(quietLogger()))
		if err != nil {
			rt.Fatalf("reopen: %v", err)
		}
		defer reloaded.Close()
		got := reloaded.List()
		if len(got) != len(want) {
			rt.Fatalf("expected %d notes after reload, got %d", len(want), len(got))
		}
		seen := make(map[string]bool, len(got))
		for i := range want {
			if got[i].ID != want[i].ID || got[i].Title != want[i].Title || got[i].Content != want[i].Content || !got[i].CreatedAt.Equal(want[i].CreatedAt) {
				rt.Fatalf("note %d differs after reload:\nwant %+v\ngot  %+v", i, want[i], got[i])
			}
			if seen[got[i].ID] {
				rt.Fatalf("duplicate id %s", got[i].ID)
			}
			seen[got[i].ID] = true
		}
	})
}
