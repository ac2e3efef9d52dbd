package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/loqalabs/loqa-notes/internal/blobstore"
	"github.com/loqalabs/loqa-notes/internal/capture"
	"github.com/loqalabs/loqa-notes/internal/classify"
	"github.com/loqalabs/loqa-notes/internal/config"
	"github.com/loqalabs/loqa-notes/internal/journal"
	"github.com/loqalabs/loqa-notes/internal/llm"
	"github.com/loqalabs/loqa-notes/internal/notes"
	"github.com/loqalabs/loqa-notes/internal/pipeline"
	"github.com/loqalabs/loqa-notes/internal/protocol"
	"github.com/loqalabs/loqa-notes/internal/router"
	"github.com/loqalabs/loqa-notes/internal/stt"
)

type testEnv struct {
	repo    *notes.Repository
	journal *journal.Store
	handler http.Handler
	tempDir string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx := context.Background()

	repo, err := notes.Open(ctx, blobstore.NewMemory(), "state", notes.WithLogger(logger))
	if err != nil {
		t.Fatalf("open notes: %v", err)
	}
	js, err := journal.Open(ctx, config.JournalConfig{
		Path:          filepath.Join(t.TempDir(), "journal.db"),
		RetentionMode: journal.RetentionSession,
	}, logger)
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	t.Cleanup(func() { _ = js.Close() })

	p := pipeline.New(pipeline.Deps{
		Recorder:   capture.NewRecorder(capture.DefaultMinDuration, logger),
		Recognizer: stt.NewMockRecognizer("Buy oat milk and bread on the way home"),
		Classifier: classify.New(llm.NewMockGenerator(), config.ClassifierConfig{}, llm.Request{}, logger),
		Router:     router.New(repo, config.RouterConfig{}, logger),
		Notes:      repo,
		Notifier:   js,
		Logger:     logger,
	})

	tempDir := t.TempDir()
	h := NewRouter(Deps{
		Notes:          repo,
		Pipeline:       p,
		Journal:        js,
		TempDir:        tempDir,
		MaxUploadBytes: 1 << 20,
	})
	return &testEnv{repo: repo, journal: js, handler: h, tempDir: tempDir}
}

func (e *testEnv) do(t *testing.T, method, target string, body io.Reader, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, body)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)
	return w
}

func jsonBody(t *testing.T, v any) io.Reader {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return bytes.NewReader(data)
}

// wavBytes encodes d of 16 kHz mono silence.
func wavBytes(t *testing.T, d time.Duration) []byte {
	t.Helper()
	src := capture.NewBufferSource(t.TempDir(), 16000, 1)
	if err := src.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := src.Write(make([]byte, int(d.Seconds()*16000)*2)); err != nil {
		t.Fatal(err)
	}
	clip, err := src.Stop(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	defer clip.Release()
	data, err := os.ReadFile(clip.Path)
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func (e *testEnv) assertTempDirEmpty(t *testing.T) {
	t.Helper()
	entries, err := os.ReadDir(e.tempDir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected uploads to be cleaned up, found %d files", len(entries))
	}
}

func TestNoteCRUD(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/notes", jsonBody(t, map[string]string{"title": "Groceries", "content": "milk"}), nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body = %s", w.Code, w.Body.String())
	}
	var created notes.Note
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatal(err)
	}

	w = env.do(t, http.MethodPost, "/notes/"+created.ID+"/append", jsonBody(t, map[string]string{"text": "eggs"}), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("append status = %d", w.Code)
	}

	w = env.do(t, http.MethodGet, "/notes/"+created.ID, nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get status = %d", w.Code)
	}
	var got notes.Note
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got.Content != "milk\neggs" {
		t.Fatalf("unexpected content %q", got.Content)
	}

	w = env.do(t, http.MethodPut, "/notes/"+created.ID, jsonBody(t, map[string]string{"title": "Shopping", "content": "all"}), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("update status = %d", w.Code)
	}

	w = env.do(t, http.MethodGet, "/notes", nil, nil)
	var list struct {
		Notes []notes.Note `json:"notes"`
		Total int          `json:"total"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &list); err != nil {
		t.Fatal(err)
	}
	if list.Total != 1 || list.Notes[0].Title != "Shopping" {
		t.Fatalf("unexpected list %+v", list)
	}

	w = env.do(t, http.MethodDelete, "/notes/"+created.ID, nil, nil)
	if w.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d", w.Code)
	}
	w = env.do(t, http.MethodGet, "/notes/"+created.ID, nil, nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", w.Code)
	}
}

func TestCreateNoteValidation(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/notes", jsonBody(t, map[string]string{"title": strings.Repeat("x", maxTitleRunes+1)}), nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for oversized title, got %d", w.Code)
	}
	w = env.do(t, http.MethodPost, "/notes", bytes.NewReader([]byte("{")), nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed body, got %d", w.Code)
	}
	if len(env.repo.List()) != 0 {
		t.Fatal("rejected requests must not create notes")
	}
}

func TestNoteTitlesMayBeEmptyOrLong(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/notes", jsonBody(t, map[string]string{"content": "no title"}), nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected empty title to be accepted, got %d body=%s", w.Code, w.Body.String())
	}

	// a classifier-written title longer than a typical form field
	long := strings.Repeat("Quarterly planning notes ", 20)
	note := env.repo.Create(context.Background(), long, "body")
	w = env.do(t, http.MethodPut, "/notes/"+note.ID, jsonBody(t, map[string]string{"title": long, "content": "edited"}), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected long title to round-trip, got %d body=%s", w.Code, w.Body.String())
	}
	got, err := env.repo.Get(note.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Title != long || got.Content != "edited" {
		t.Fatalf("unexpected note %+v", got)
	}
}

func TestMissingNoteOperations(t *testing.T) {
	env := newTestEnv(t)
	for _, tc := range []struct {
		method, target string
		body           any
	}{
		{http.MethodGet, "/notes/missing", nil},
		{http.MethodPut, "/notes/missing", map[string]string{"title": "x"}},
		{http.MethodPost, "/notes/missing/append", map[string]string{"text": "x"}},
		{http.MethodDelete, "/notes/missing", nil},
	} {
		var body io.Reader
		if tc.body != nil {
			body = jsonBody(t, tc.body)
		}
		if w := env.do(t, tc.method, tc.target, body, nil); w.Code != http.StatusNotFound {
			t.Fatalf("%s %s: expected 404, got %d", tc.method, tc.target, w.Code)
		}
	}
}

func TestLanguageSelection(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPut, "/language", jsonBody(t, map[string]string{"language": "fr-FR"}), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("set language status = %d, body = %s", w.Code, w.Body.String())
	}
	w = env.do(t, http.MethodGet, "/language", nil, nil)
	var body struct {
		Language string `json:"language"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Language != "fr" {
		t.Fatalf("expected fr, got %q", body.Language)
	}

	w = env.do(t, http.MethodPut, "/language", jsonBody(t, map[string]string{"language": "tlh"}), nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unsupported language, got %d", w.Code)
	}
	if env.repo.Language() != "fr" {
		t.Fatalf("rejected language must not change selection, got %q", env.repo.Language())
	}

	w = env.do(t, http.MethodGet, "/languages", nil, nil)
	if w.Code != http.StatusOK || !bytes.Contains(w.Body.Bytes(), []byte(`"auto"`)) {
		t.Fatalf("unexpected languages response %d %s", w.Code, w.Body.String())
	}
}

func TestUploadRecordingCreatesNote(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/recordings", bytes.NewReader(wavBytes(t, 2*time.Second)), map[string]string{
		"Content-Type": "audio/wav",
		"X-Session-Id": "phone",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("upload status = %d, body = %s", w.Code, w.Body.String())
	}
	var outcome protocol.Outcome
	if err := json.Unmarshal(w.Body.Bytes(), &outcome); err != nil {
		t.Fatal(err)
	}
	if outcome.Kind != protocol.OutcomeCreated || !outcome.Fallback {
		t.Fatalf("expected fallback create, got %+v", outcome)
	}
	if outcome.Title != "Buy oat milk and bread on the " {
		t.Fatalf("unexpected fallback title %q", outcome.Title)
	}
	if outcome.SessionID != "phone" {
		t.Fatalf("expected session id to be carried, got %q", outcome.SessionID)
	}
	env.assertTempDirEmpty(t)

	w = env.do(t, http.MethodGet, "/runs", nil, nil)
	var runs struct {
		Runs []struct {
			RunID  string `json:"run_id"`
			Kind   string `json:"kind"`
			NoteID string `json:"note_id"`
		} `json:"runs"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &runs); err != nil {
		t.Fatal(err)
	}
	if len(runs.Runs) != 1 || runs.Runs[0].RunID != outcome.RunID || runs.Runs[0].NoteID != outcome.NoteID {
		t.Fatalf("expected run to be journaled, got %+v", runs.Runs)
	}

	w = env.do(t, http.MethodGet, "/runs/"+outcome.RunID+"/events", nil, nil)
	if w.Code != http.StatusOK || !bytes.Contains(w.Body.Bytes(), []byte(outcome.NoteID)) {
		t.Fatalf("unexpected events response %d %s", w.Code, w.Body.String())
	}
}

func TestUploadMultipartShortRecordingIsDiscarded(t *testing.T) {
	env := newTestEnv(t)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreatePart(map[string][]string{
		"Content-Disposition": {`form-data; name="file"; filename="clip.wav"`},
		"Content-Type":        {"audio/wav"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := part.Write(wavBytes(t, 500*time.Millisecond)); err != nil {
		t.Fatal(err)
	}
	if err := mw.Close(); err != nil {
		t.Fatal(err)
	}

	w := env.do(t, http.MethodPost, "/recordings", &buf, map[string]string{"Content-Type": mw.FormDataContentType()})
	if w.Code != http.StatusOK {
		t.Fatalf("upload status = %d, body = %s", w.Code, w.Body.String())
	}
	var outcome protocol.Outcome
	if err := json.Unmarshal(w.Body.Bytes(), &outcome); err != nil {
		t.Fatal(err)
	}
	if outcome.Kind != protocol.OutcomeDiscarded {
		t.Fatalf("expected discarded outcome, got %+v", outcome)
	}
	if len(env.repo.List()) != 0 {
		t.Fatal("discarded recording must not create a note")
	}
	env.assertTempDirEmpty(t)
}

func TestUploadRejectsBadInput(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/recordings", bytes.NewReader([]byte("text")), map[string]string{"Content-Type": "text/plain"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for non-audio upload, got %d", w.Code)
	}

	w = env.do(t, http.MethodPost, "/recordings?duration_ms=abc", bytes.NewReader([]byte("x")), map[string]string{"Content-Type": "audio/m4a"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad duration, got %d", w.Code)
	}

	w = env.do(t, http.MethodPost, "/recordings", bytes.NewReader([]byte("aac")), map[string]string{"Content-Type": "audio/m4a"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for m4a without duration, got %d body=%s", w.Code, w.Body.String())
	}

	w = env.do(t, http.MethodPost, "/recordings", bytes.NewReader(make([]byte, 2<<20)), map[string]string{"Content-Type": "audio/wav"})
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413 for oversized upload, got %d", w.Code)
	}
	env.assertTempDirEmpty(t)
}

func TestUploadM4AWithDuration(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/recordings", bytes.NewReader([]byte("aac payload")), map[string]string{
		"Content-Type":            "audio/m4a",
		"X-Recording-Duration-Ms": "1500",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("upload status = %d, body = %s", w.Code, w.Body.String())
	}
	if len(env.repo.List()) != 1 {
		t.Fatal("expected a note from the m4a upload")
	}
	env.assertTempDirEmpty(t)
}

func TestPipelineState(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodGet, "/pipeline", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var body struct {
		State string `json:"state"`
		Busy  bool   `json:"busy"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.State != "idle" || body.Busy {
		t.Fatalf("unexpected pipeline state %+v", body)
	}
}

func TestNodesWithoutBusIsEmpty(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodGet, "/nodes?role=recorder", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if got := strings.TrimSpace(w.Body.String()); got != `{"nodes":[]}` {
		t.Fatalf("unexpected body %s", got)
	}
}
