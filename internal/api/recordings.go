package api

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/loqalabs/loqa-notes/internal/capture"
	"github.com/loqalabs/loqa-notes/internal/pipeline"
	"github.com/loqalabs/loqa-notes/internal/protocol"
)

const (
	timeLayout     = time.RFC3339Nano
	headerDuration = "X-Recording-Duration-Ms"
	headerSession  = "X-Session-Id"
)

// UploadRecording handles POST /api/recordings. The body is the audio itself
// (audio/wav or audio/m4a) or a multipart form with a "file" field. The
// recording duration is read from the X-Recording-Duration-Ms header or the
// duration_ms query parameter, and from the file for WAV input. The response
// carries the run outcome.
func (h *Handler) UploadRecording(w http.ResponseWriter, r *http.Request) {
	if h.deps.Pipeline.State().Busy() {
		writeJSON(w, http.StatusConflict, errorBody(pipeline.ErrBusy.Error()))
		return
	}

	duration, err := recordingDuration(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
		return
	}

	maxBytes := h.deps.MaxUploadBytes
	if maxBytes <= 0 {
		maxBytes = 25 << 20
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)

	path, mimeType, err := h.saveUpload(r, maxBytes)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorBody("recording too large"))
			return
		}
		writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
		return
	}

	// released clips remove the upload themselves; runs that never produced a
	// clip leave it behind
	defer os.Remove(path)

	src := capture.NewFileSource(path, mimeType, duration, true)
	outcome, err := h.deps.Pipeline.Process(r.Context(), src, r.Header.Get(headerSession))
	status := outcomeStatus(outcome)
	if err != nil {
		slog.Warn("recording upload failed",
			slog.String("run_id", outcome.RunID),
			slog.String("error", err.Error()))
		if errors.Is(err, capture.ErrUnknownDuration) {
			status = http.StatusBadRequest
		}
	}
	writeJSON(w, status, outcome)
}

func (h *Handler) saveUpload(r *http.Request, maxBytes int64) (string, string, error) {
	body := io.Reader(r.Body)
	mimeType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mimeType == "multipart/form-data" {
		if err := r.ParseMultipartForm(maxBytes); err != nil {
			return "", "", fmt.Errorf("invalid multipart upload: %w", err)
		}
		defer r.MultipartForm.RemoveAll()
		file, header, err := r.FormFile("file")
		if err != nil {
			return "", "", errors.New("missing 'file' field in multipart form")
		}
		defer file.Close()
		body = file
		mimeType, _, _ = mime.ParseMediaType(header.Header.Get("Content-Type"))
	}

	ext, err := audioExt(mimeType)
	if err != nil {
		return "", "", err
	}
	out, err := os.CreateTemp(h.deps.TempDir, "loqa_notes_upload_*"+ext)
	if err != nil {
		return "", "", fmt.Errorf("temp file: %w", err)
	}
	if _, err := io.Copy(out, body); err != nil {
		out.Close()
		os.Remove(out.Name())
		return "", "", err
	}
	if err := out.Close(); err != nil {
		os.Remove(out.Name())
		return "", "", err
	}
	return out.Name(), canonicalMIME(ext), nil
}

func audioExt(mimeType string) (string, error) {
	switch strings.ToLower(mimeType) {
	case capture.MIMEWAV, "audio/wave", "audio/x-wav", "audio/vnd.wave":
		return ".wav", nil
	case capture.MIMEM4A, "audio/mp4", "audio/x-m4a":
		return ".m4a", nil
	default:
		return "", fmt.Errorf("unsupported audio type %q", mimeType)
	}
}

func canonicalMIME(ext string) string {
	if ext == ".m4a" {
		return capture.MIMEM4A
	}
	return capture.MIMEWAV
}

func recordingDuration(r *http.Request) (time.Duration, error) {
	raw := r.Header.Get(headerDuration)
	if raw == "" {
		raw = r.URL.Query().Get("duration_ms")
	}
	if raw == "" {
		return 0, nil
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || ms < 0 {
		return 0, fmt.Errorf("invalid recording duration %q", raw)
	}
	return time.Duration(ms) * time.Millisecond, nil
}

func outcomeStatus(o protocol.Outcome) int {
	if o.Kind != protocol.OutcomeFailed {
		return http.StatusOK
	}
	switch o.Error {
	case protocol.ErrorBusy:
		return http.StatusConflict
	case protocol.ErrorTranscription, protocol.ErrorClassification:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
