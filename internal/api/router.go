// Package api exposes notes, language selection and recording uploads over
// HTTP.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/loqalabs/loqa-notes/internal/journal"
	"github.com/loqalabs/loqa-notes/internal/notes"
	"github.com/loqalabs/loqa-notes/internal/pipeline"
	"github.com/loqalabs/loqa-notes/internal/presence"
)

// Deps are the components served by the API.
type Deps struct {
	Notes          *notes.Repository
	Pipeline       *pipeline.Pipeline
	Journal        *journal.Store
	Presence       *presence.Registry // nil without a bus
	TempDir        string
	MaxUploadBytes int64
}

// NewRouter creates a chi router with all API routes mounted. Mount it under
// /api.
func NewRouter(deps Deps) chi.Router {
	h := &Handler{deps: deps}

	r := chi.NewRouter()

	r.Get("/notes", h.ListNotes)
	r.Post("/notes", h.CreateNote)
	r.Get("/notes/{id}", h.GetNote)
	r.Put("/notes/{id}", h.UpdateNote)
	r.Delete("/notes/{id}", h.DeleteNote)
	r.Post("/notes/{id}/append", h.AppendNote)

	r.Get("/language", h.GetLanguage)
	r.Put("/language", h.SetLanguage)
	r.Get("/languages", h.ListLanguages)

	r.Get("/pipeline", h.PipelineState)
	r.Post("/recordings", h.UploadRecording)

	r.Get("/runs", h.ListRuns)
	r.Get("/runs/{id}/events", h.ListRunEvents)

	r.Get("/nodes", h.ListNodes)

	return r
}

type errResponse struct {
	Error string `json:"error"`
}

func errorBody(msg string) errResponse {
	return errResponse{Error: msg}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
