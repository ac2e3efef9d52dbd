package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-notes/internal/blobstore"
	"github.com/loqalabs/loqa-notes/internal/capture"
	"github.com/loqalabs/loqa-notes/internal/classify"
	"github.com/loqalabs/loqa-notes/internal/config"
	"github.com/loqalabs/loqa-notes/internal/llm"
	"github.com/loqalabs/loqa-notes/internal/notes"
	"github.com/loqalabs/loqa-notes/internal/protocol"
	"github.com/loqalabs/loqa-notes/internal/router"
	"github.com/loqalabs/loqa-notes/internal/stt"
)

type fakeRecognizer struct {
	mu     sync.Mutex
	text   string
	err    error
	calls  int
	langs  []string
	during func()
}

func (f *fakeRecognizer) Transcribe(_ context.Context, clip *capture.Clip, lang string) (stt.TranscriptResult, error) {
	f.mu.Lock()
	f.calls++
	f.langs = append(f.langs, lang)
	during := f.during
	f.mu.Unlock()
	if during != nil {
		during()
	}
	if _, err := os.Stat(clip.Path); err != nil {
		return stt.TranscriptResult{}, fmt.Errorf("clip missing during transcription: %w", err)
	}
	if f.err != nil {
		return stt.TranscriptResult{}, &stt.TranscriptionError{Backend: "fake", Err: f.err}
	}
	return stt.TranscriptResult{Text: f.text}, nil
}

type scriptedGenerator struct {
	out string
	err error
}

func (g *scriptedGenerator) Generate(_ context.Context, _ llm.Request, consumer func(llm.Chunk) error) error {
	if g.err != nil {
		return g.err
	}
	return consumer(llm.Chunk{Content: g.out})
}

type recordingNotifier struct {
	mu       sync.Mutex
	outcomes []protocol.Outcome
}

func (r *recordingNotifier) Notify(_ context.Context, o protocol.Outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, o)
}

func (r *recordingNotifier) all() []protocol.Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]protocol.Outcome(nil), r.outcomes...)
}

type harness struct {
	pipeline   *Pipeline
	repo       *notes.Repository
	recognizer *fakeRecognizer
	generator  *scriptedGenerator
	notifier   *recordingNotifier
	dir        string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	repo, err := notes.Open(context.Background(), blobstore.NewMemory(), "echonote-storage", notes.WithLogger(logger))
	if err != nil {
		t.Fatalf("open repository: %v", err)
	}
	h := &harness{
		repo:       repo,
		recognizer: &fakeRecognizer{},
		generator:  &scriptedGenerator{},
		notifier:   &recordingNotifier{},
		dir:        t.TempDir(),
	}
	h.pipeline = New(Deps{
		Recorder:   capture.NewRecorder(capture.DefaultMinDuration, logger),
		Recognizer: h.recognizer,
		Classifier: classify.New(h.generator, config.ClassifierConfig{}, llm.Request{}, logger),
		Router:     router.New(repo, config.RouterConfig{}, logger),
		Notes:      repo,
		Notifier:   h.notifier,
		Logger:     logger,
	})
	return h
}

func (h *harness) source(d time.Duration) *capture.BufferSource {
	src := capture.NewBufferSource(h.dir, 16000, 1)
	samples := int(d * 16000 / time.Second)
	_, _ = src.Write(make([]byte, samples*2))
	return src
}

func (h *harness) assertNoTempFiles(t *testing.T) {
	t.Helper()
	entries, err := os.ReadDir(h.dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected temporary audio to be released, found %d files", len(entries))
	}
}

func TestProcessCreatesNote(t *testing.T) {
	h := newHarness(t)
	h.recognizer.text = "buy milk"
	h.generator.out = `{"action":"CREATE","title":"Shopping List","content":"Milk"}`

	outcome, err := h.pipeline.Process(context.Background(), h.source(2*time.Second), "s1")
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	list := h.repo.List()
	if len(list) != 1 || list[0].Title != "Shopping List" || list[0].Content != "Milk" {
		t.Fatalf("unexpected notes %+v", list)
	}
	if outcome.Kind != protocol.OutcomeCreated || outcome.NoteID != list[0].ID || outcome.Title != "Shopping List" {
		t.Fatalf("unexpected outcome %+v", outcome)
	}
	if outcome.RunID == "" || outcome.SessionID != "s1" {
		t.Fatalf("expected run and session ids, got %+v", outcome)
	}
	if h.pipeline.State() != Idle {
		t.Fatalf("expected idle after run, got %s", h.pipeline.State())
	}
	if got := h.notifier.all(); len(got) != 1 || got[0] != outcome {
		t.Fatalf("expected outcome notified once, got %+v", got)
	}
	h.assertNoTempFiles(t)
}

func TestProcessUpdatesExistingNote(t *testing.T) {
	h := newHarness(t)
	existing := h.repo.Create(context.Background(), "Shopping List", "Milk")
	h.recognizer.text = "need eggs"
	h.generator.out = fmt.Sprintf(`{"action":"UPDATE","noteId":%q,"content":"Eggs"}`, existing.ID)

	outcome, err := h.pipeline.Process(context.Background(), h.source(2*time.Second), "")
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	got, _ := h.repo.Get(existing.ID)
	if got.Content != "Milk\nEggs" {
		t.Fatalf("unexpected content %q", got.Content)
	}
	if outcome.Kind != protocol.OutcomeUpdated || outcome.NoteID != existing.ID {
		t.Fatalf("unexpected outcome %+v", outcome)
	}
}

func TestProcessPassesSelectedLanguage(t *testing.T) {
	h := newHarness(t)
	if _, err := h.repo.SetLanguage(context.Background(), "ko"); err != nil {
		t.Fatal(err)
	}
	h.recognizer.text = "hello"
	h.generator.out = `{"action":"CREATE","title":"t","content":"c"}`

	if _, err := h.pipeline.Process(context.Background(), h.source(time.Second), ""); err != nil {
		t.Fatal(err)
	}
	if len(h.recognizer.langs) != 1 || h.recognizer.langs[0] != "ko" {
		t.Fatalf("expected language hint ko, got %v", h.recognizer.langs)
	}
}

func TestShortRecordingIsDiscarded(t *testing.T) {
	h := newHarness(t)
	h.recognizer.text = "never used"

	outcome, err := h.pipeline.Process(context.Background(), h.source(400*time.Millisecond), "")
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if outcome.Kind != protocol.OutcomeDiscarded {
		t.Fatalf("expected discarded, got %+v", outcome)
	}
	if h.recognizer.calls != 0 {
		t.Fatal("short recording must not be transcribed")
	}
	if len(h.repo.List()) != 0 {
		t.Fatal("short recording must not create notes")
	}
	h.assertNoTempFiles(t)
}

func TestTranscriptionFailureReleasesClip(t *testing.T) {
	h := newHarness(t)
	h.recognizer.err = errors.New("503 from upstream")

	outcome, err := h.pipeline.Process(context.Background(), h.source(2*time.Second), "")
	var terr *stt.TranscriptionError
	if !errors.As(err, &terr) {
		t.Fatalf("expected TranscriptionError, got %v", err)
	}
	if outcome.Kind != protocol.OutcomeFailed || outcome.Error != protocol.ErrorTranscription {
		t.Fatalf("unexpected outcome %+v", outcome)
	}
	if h.pipeline.State() != Idle {
		t.Fatalf("expected idle, got %s", h.pipeline.State())
	}
	h.assertNoTempFiles(t)
}

func TestBlankTranscriptIsNoSpeech(t *testing.T) {
	h := newHarness(t)
	h.recognizer.text = "  \n "

	outcome, err := h.pipeline.Process(context.Background(), h.source(2*time.Second), "")
	if err != nil {
		t.Fatalf("no speech is not an error, got %v", err)
	}
	if outcome.Kind != protocol.OutcomeNoSpeech {
		t.Fatalf("expected no_speech, got %+v", outcome)
	}
	if len(h.repo.List()) != 0 {
		t.Fatal("no speech must not create notes")
	}
	h.assertNoTempFiles(t)
}

func TestClassificationTransportFailure(t *testing.T) {
	h := newHarness(t)
	h.recognizer.text = "buy milk"
	h.generator.err = errors.New("dial tcp: connection refused")

	outcome, err := h.pipeline.Process(context.Background(), h.source(2*time.Second), "")
	var cerr *classify.ClassificationError
	if !errors.As(err, &cerr) {
		t.Fatalf("expected ClassificationError, got %v", err)
	}
	if outcome.Error != protocol.ErrorClassification {
		t.Fatalf("unexpected outcome %+v", outcome)
	}
	if len(h.repo.List()) != 0 {
		t.Fatal("classification failure must not create notes")
	}
	h.assertNoTempFiles(t)
}

func TestMalformedClassificationUsesFallback(t *testing.T) {
	h := newHarness(t)
	h.recognizer.text = "Pick up the dry cleaning before the shop closes at six"
	h.generator.out = "I could not decide, sorry."

	outcome, err := h.pipeline.Process(context.Background(), h.source(2*time.Second), "")
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if !outcome.Fallback || outcome.Kind != protocol.OutcomeCreated {
		t.Fatalf("expected fallback create, got %+v", outcome)
	}
	list := h.repo.List()
	if len(list) != 1 || list[0].Title != "Pick up the dry cleaning befor" || list[0].Content != h.recognizer.text {
		t.Fatalf("unexpected fallback note %+v", list)
	}
}

func TestNoteDeletedDuringRunBecomesStaleReference(t *testing.T) {
	h := newHarness(t)
	existing := h.repo.Create(context.Background(), "Shopping List", "Milk")
	h.recognizer.text = "need eggs"
	h.generator.out = fmt.Sprintf(`{"action":"UPDATE","noteId":%q,"content":"Eggs"}`, existing.ID)
	// the model still sees the note, but it is gone before the router runs
	gen := h.generator
	h.pipeline.deps.Classifier = classifierFunc(func(ctx context.Context, transcript string, s []notes.Summary) (classify.Decision, error) {
		if len(s) != 1 || s[0].ID != existing.ID {
			return classify.Decision{}, fmt.Errorf("unexpected summaries %+v", s)
		}
		d, err := classify.ParseDecision(gen.out)
		if err != nil {
			return classify.Decision{}, err
		}
		_ = h.repo.Delete(ctx, existing.ID)
		return d, nil
	})

	outcome, err := h.pipeline.Process(context.Background(), h.source(2*time.Second), "")
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if outcome.Kind != protocol.OutcomeCreated || !outcome.StaleReference {
		t.Fatalf("expected stale reference create, got %+v", outcome)
	}
	list := h.repo.List()
	if len(list) != 1 || list[0].Content != "Eggs" || list[0].Title != router.DefaultGenericTitle {
		t.Fatalf("expected recovered note, got %+v", list)
	}
}

type classifierFunc func(ctx context.Context, transcript string, s []notes.Summary) (classify.Decision, error)

func (f classifierFunc) Classify(ctx context.Context, transcript string, s []notes.Summary) (classify.Decision, error) {
	return f(ctx, transcript, s)
}

func TestStatesAdvanceThroughStages(t *testing.T) {
	h := newHarness(t)
	var seen []State
	h.recognizer.text = "hello"
	h.recognizer.during = func() { seen = append(seen, h.pipeline.State()) }
	h.pipeline.deps.Classifier = classifierFunc(func(context.Context, string, []notes.Summary) (classify.Decision, error) {
		seen = append(seen, h.pipeline.State())
		return classify.Decision{Action: classify.ActionCreate, Title: "t", Content: "c"}, nil
	})

	ctx := context.Background()
	if err := h.pipeline.StartRecording(ctx, h.source(2*time.Second), ""); err != nil {
		t.Fatal(err)
	}
	seen = append(seen, h.pipeline.State())
	if _, err := h.pipeline.StopRecording(ctx); err != nil {
		t.Fatal(err)
	}
	seen = append(seen, h.pipeline.State())

	want := []State{Recording, Transcribing, Classifying, Idle}
	if fmt.Sprint(seen) != fmt.Sprint(want) {
		t.Fatalf("expected states %v, got %v", want, seen)
	}
}

func TestBusyRejectsSecondRecording(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if err := h.pipeline.StartRecording(ctx, h.source(2*time.Second), "first"); err != nil {
		t.Fatal(err)
	}

	outcome, err := h.pipeline.Process(ctx, h.source(2*time.Second), "second")
	if !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
	if outcome.Kind != protocol.OutcomeFailed || outcome.Error != protocol.ErrorBusy || outcome.SessionID != "second" {
		t.Fatalf("unexpected busy outcome %+v", outcome)
	}
	if h.pipeline.State() != Recording {
		t.Fatalf("busy rejection must not disturb the active run, state %s", h.pipeline.State())
	}

	h.recognizer.text = " "
	if _, err := h.pipeline.StopRecording(ctx); err != nil {
		t.Fatal(err)
	}
	outcomes := h.notifier.all()
	if len(outcomes) != 2 || outcomes[0].RunID == outcomes[1].RunID {
		t.Fatalf("expected two outcomes with distinct run ids, got %+v", outcomes)
	}
}

func TestPermissionDenied(t *testing.T) {
	h := newHarness(t)
	src := h.source(2 * time.Second)
	src.Deny()

	outcome, err := h.pipeline.Process(context.Background(), src, "")
	if !errors.Is(err, capture.ErrPermissionDenied) {
		t.Fatalf("expected ErrPermissionDenied, got %v", err)
	}
	if outcome.Error != protocol.ErrorPermissionDenied {
		t.Fatalf("unexpected outcome %+v", outcome)
	}
	if h.pipeline.State() != Idle {
		t.Fatalf("expected idle, got %s", h.pipeline.State())
	}
	if len(h.notifier.all()) != 1 {
		t.Fatal("expected permission failure to be notified")
	}
}

func TestStopWithoutRecording(t *testing.T) {
	h := newHarness(t)
	if _, err := h.pipeline.StopRecording(context.Background()); !errors.Is(err, ErrNotRecording) {
		t.Fatalf("expected ErrNotRecording, got %v", err)
	}
}

func TestRunIDsAreUnique(t *testing.T) {
	h := newHarness(t)
	h.recognizer.text = " "
	seen := make(map[string]bool)
	for i := 0; i < 20; i++ {
		outcome, err := h.pipeline.Process(context.Background(), h.source(time.Second), "")
		if err != nil {
			t.Fatal(err)
		}
		if seen[outcome.RunID] {
			t.Fatalf("duplicate run id %s", outcome.RunID)
		}
		seen[outcome.RunID] = true
	}
}

func TestErrorCode(t *testing.T) {
	cases := map[string]error{
		"":                             nil,
		protocol.ErrorBusy:             ErrBusy,
		protocol.ErrorPermissionDenied: fmt.Errorf("start: %w", capture.ErrPermissionDenied),
		protocol.ErrorTranscription:    &stt.TranscriptionError{Backend: "x", Err: errors.New("e")},
		protocol.ErrorClassification:   &classify.ClassificationError{Err: errors.New("e")},
		protocol.ErrorInternal:         errors.New("disk"),
	}
	for want, err := range cases {
		if got := ErrorCode(err); got != want {
			t.Fatalf("ErrorCode(%v) = %q, want %q", err, got, want)
		}
	}
}

func TestFanoutAndStateText(t *testing.T) {
	var a, b int
	f := Fanout{
		NotifierFunc(func(context.Context, protocol.Outcome) { a++ }),
		nil,
		NotifierFunc(func(context.Context, protocol.Outcome) { b++ }),
	}
	f.Notify(context.Background(), protocol.Outcome{})
	if a != 1 || b != 1 {
		t.Fatalf("expected both notifiers called, got %d %d", a, b)
	}
	text, _ := Classifying.MarshalText()
	if string(text) != "classifying" {
		t.Fatalf("unexpected state text %s", text)
	}
}
