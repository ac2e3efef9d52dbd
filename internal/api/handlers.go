package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/loqalabs/loqa-notes/internal/journal"
	"github.com/loqalabs/loqa-notes/internal/language"
	"github.com/loqalabs/loqa-notes/internal/notes"
	"github.com/loqalabs/loqa-notes/internal/presence"
)

const (
	maxJSONBytes = 1 << 20
	// maxTitleRunes bounds edited titles. Empty titles are allowed.
	maxTitleRunes = 10000
)

// Handler holds API route handlers.
type Handler struct {
	deps Deps
}

type noteRequest struct {
	Title   string `json:"title"`
	Content string `json:"content"`
}

func (r noteRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Title, validation.RuneLength(0, maxTitleRunes)),
	)
}

type appendRequest struct {
	Text string `json:"text"`
}

type languageRequest struct {
	Language string `json:"language"`
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON body"))
		return false
	}
	if val, ok := v.(validation.Validatable); ok {
		if err := val.Validate(); err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
			return false
		}
	}
	return true
}

// ListNotes handles GET /api/notes.
func (h *Handler) ListNotes(w http.ResponseWriter, _ *http.Request) {
	items := h.deps.Notes.List()
	if items == nil {
		items = []notes.Note{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"notes": items,
		"total": len(items),
	})
}

// GetNote handles GET /api/notes/{id}.
func (h *Handler) GetNote(w http.ResponseWriter, r *http.Request) {
	note, err := h.deps.Notes.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeNoteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, note)
}

// CreateNote handles POST /api/notes.
func (h *Handler) CreateNote(w http.ResponseWriter, r *http.Request) {
	var req noteRequest
	if !h.decode(w, r, &req) {
		return
	}
	note := h.deps.Notes.Create(r.Context(), req.Title, req.Content)
	writeJSON(w, http.StatusCreated, note)
}

// UpdateNote handles PUT /api/notes/{id}.
func (h *Handler) UpdateNote(w http.ResponseWriter, r *http.Request) {
	var req noteRequest
	if !h.decode(w, r, &req) {
		return
	}
	note, err := h.deps.Notes.Update(r.Context(), chi.URLParam(r, "id"), req.Title, req.Content)
	if err != nil {
		writeNoteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, note)
}

// AppendNote handles POST /api/notes/{id}/append.
func (h *Handler) AppendNote(w http.ResponseWriter, r *http.Request) {
	var req appendRequest
	if !h.decode(w, r, &req) {
		return
	}
	note, err := h.deps.Notes.Append(r.Context(), chi.URLParam(r, "id"), req.Text)
	if err != nil {
		writeNoteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, note)
}

// DeleteNote handles DELETE /api/notes/{id}.
func (h *Handler) DeleteNote(w http.ResponseWriter, r *http.Request) {
	if err := h.deps.Notes.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeNoteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeNoteError(w http.ResponseWriter, err error) {
	if errors.Is(err, notes.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, errorBody("not found"))
		return
	}
	slog.Error("note request failed", slog.String("error", err.Error()))
	writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
}

// GetLanguage handles GET /api/language.
func (h *Handler) GetLanguage(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, languageRequest{Language: h.deps.Notes.Language()})
}

// SetLanguage handles PUT /api/language.
func (h *Handler) SetLanguage(w http.ResponseWriter, r *http.Request) {
	var req languageRequest
	if !h.decode(w, r, &req) {
		return
	}
	code, err := h.deps.Notes.SetLanguage(r.Context(), req.Language)
	if err != nil {
		if errors.Is(err, language.ErrUnsupported) {
			writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
			return
		}
		slog.Error("set language failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
		return
	}
	writeJSON(w, http.StatusOK, languageRequest{Language: code})
}

// ListLanguages handles GET /api/languages.
func (h *Handler) ListLanguages(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"auto":      language.Auto,
		"languages": language.Supported(),
	})
}

// PipelineState handles GET /api/pipeline.
func (h *Handler) PipelineState(w http.ResponseWriter, _ *http.Request) {
	state := h.deps.Pipeline.State()
	writeJSON(w, http.StatusOK, map[string]any{
		"state": state,
		"busy":  state.Busy(),
	})
}

// ListNodes reports the nodes heard on the bus, optionally filtered by role
// or capability. Without a bus the list is empty.
func (h *Handler) ListNodes(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := func(n presence.NodeInfo) bool {
		if role := q.Get("role"); role != "" && !presence.WithRole(role)(n) {
			return false
		}
		if name := q.Get("capability"); name != "" && !presence.WithCapability(name)(n) {
			return false
		}
		return true
	}
	nodes := h.deps.Presence.Nodes(filter)
	if nodes == nil {
		nodes = []presence.NodeInfo{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"nodes": nodes})
}

type runResponse struct {
	RunID     string `json:"run_id"`
	SessionID string `json:"session_id,omitempty"`
	Kind      string `json:"kind"`
	Error     string `json:"error,omitempty"`
	NoteID    string `json:"note_id,omitempty"`
	CreatedAt string `json:"created_at"`
}

// ListRuns handles GET /api/runs.
func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	runs, err := h.deps.Journal.ListRuns(r.Context(), limit)
	if err != nil {
		slog.Error("list runs failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
		return
	}
	out := make([]runResponse, 0, len(runs))
	for _, run := range runs {
		out = append(out, runResponse{
			RunID:     run.RunID,
			SessionID: run.SessionID,
			Kind:      run.Kind,
			Error:     run.Error,
			NoteID:    run.NoteID,
			CreatedAt: run.CreatedAt.Format(timeLayout),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": out})
}

type eventResponse struct {
	ID        int64           `json:"id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt string          `json:"created_at"`
}

// ListRunEvents handles GET /api/runs/{id}/events.
func (h *Handler) ListRunEvents(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	events, err := h.deps.Journal.ListRunEvents(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		slog.Error("list run events failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
		return
	}
	out := make([]eventResponse, 0, len(events))
	for _, e := range events {
		item := eventResponse{ID: e.ID, Type: e.Type, CreatedAt: e.CreatedAt.Format(timeLayout)}
		if e.Type == journal.EventOutcome && json.Valid(e.Payload) {
			item.Payload = e.Payload
		}
		out = append(out, item)
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": out})
}
