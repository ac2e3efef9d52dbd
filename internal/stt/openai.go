package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"os"
	"strings"

	"github.com/loqalabs/loqa-notes/internal/capture"
	"github.com/loqalabs/loqa-notes/internal/config"
)

const defaultWhisperModel = "whisper-1"

// openAIRecognizer posts clips to an OpenAI compatible
// /v1/audio/transcriptions endpoint.
type openAIRecognizer struct {
	endpoint string
	apiKey   string
	model    string
	client   *http.Client
}

type openAITranscription struct {
	Text string `json:"text"`
}

type openAIError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// NewOpenAIRecognizer builds the Whisper backend. A nil client uses
// http.DefaultClient.
func NewOpenAIRecognizer(cfg config.STTConfig, client *http.Client) Recognizer {
	if client == nil {
		client = http.DefaultClient
	}
	model := cfg.Model
	if model == "" {
		model = defaultWhisperModel
	}
	return &openAIRecognizer{
		endpoint: strings.TrimRight(cfg.Endpoint, "/"),
		apiKey:   cfg.APIKey,
		model:    model,
		client:   client,
	}
}

func (r *openAIRecognizer) Transcribe(ctx context.Context, clip *capture.Clip, lang string) (TranscriptResult, error) {
	if clip == nil {
		return TranscriptResult{}, &TranscriptionError{Backend: "openai", Err: errNoClip}
	}

	body, contentType, err := r.encode(clip, languageHint(lang))
	if err != nil {
		return TranscriptResult{}, &TranscriptionError{Backend: "openai", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint+"/v1/audio/transcriptions", body)
	if err != nil {
		return TranscriptResult{}, &TranscriptionError{Backend: "openai", Err: err}
	}
	req.Header.Set("Content-Type", contentType)
	if r.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.apiKey)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return TranscriptResult{}, &TranscriptionError{Backend: "openai", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return TranscriptResult{}, &TranscriptionError{
			Backend: "openai",
			Status:  resp.StatusCode,
			Err:     errors.New(apiErrorMessage(resp)),
		}
	}

	var out openAITranscription
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return TranscriptResult{}, &TranscriptionError{Backend: "openai", Err: fmt.Errorf("decode transcription: %w", err)}
	}
	return TranscriptResult{Text: out.Text}, nil
}

func (r *openAIRecognizer) encode(clip *capture.Clip, lang string) (io.Reader, string, error) {
	file, err := os.Open(clip.Path)
	if err != nil {
		return nil, "", fmt.Errorf("open clip: %w", err)
	}
	defer file.Close()

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, clip.Filename()))
	header.Set("Content-Type", clip.MIME)
	part, err := writer.CreatePart(header)
	if err != nil {
		return nil, "", fmt.Errorf("create file part: %w", err)
	}
	if _, err := io.Copy(part, file); err != nil {
		return nil, "", fmt.Errorf("copy clip: %w", err)
	}
	if err := writer.WriteField("model", r.model); err != nil {
		return nil, "", err
	}
	if lang != "" {
		if err := writer.WriteField("language", lang); err != nil {
			return nil, "", err
		}
	}
	if err := writer.Close(); err != nil {
		return nil, "", fmt.Errorf("close multipart: %w", err)
	}
	return &buf, writer.FormDataContentType(), nil
}

func apiErrorMessage(resp *http.Response) string {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var apiErr openAIError
	if err := json.Unmarshal(raw, &apiErr); err == nil && apiErr.Error.Message != "" {
		return apiErr.Error.Message
	}
	if text := strings.TrimSpace(string(raw)); text != "" {
		return text
	}
	return resp.Status
}
