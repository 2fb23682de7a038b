package transcribe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/sjawhar/visit-scribe/internal/audio"
)

const (
	DefaultBackendURL = "https://beam-health-backend.onrender.com"

	uploadFileField = "file"
	uploadFileName  = "chunk.wav"
	unknownDetail   = "Unknown error"
)

// BackendUploader posts finalized recordings to the clinic backend's
// /transcribe endpoint as multipart form data.
type BackendUploader struct {
	client *resty.Client
	logger *slog.Logger
}

func NewBackendUploader(baseURL string, timeout time.Duration, logger *slog.Logger) *BackendUploader {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = DefaultBackendURL
	}
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}

	client := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(timeout)

	return &BackendUploader{client: client, logger: logger}
}

func (u *BackendUploader) Submit(ctx context.Context, blob audio.Blob, meta Metadata) (Transcription, error) {
	if len(blob.Data) == 0 {
		return Transcription{}, ErrEmptyAudio
	}

	wav, err := audio.EncodeWAV(blob.Data, blob.SampleRate)
	if err != nil {
		return Transcription{}, fmt.Errorf("encode wav: %w", err)
	}

	req := u.client.R().
		SetContext(ctx).
		SetFileReader(uploadFileField, uploadFileName, bytes.NewReader(wav))
	if meta.PatientID != "" {
		req.SetQueryParam("patient_id", meta.PatientID)
	}
	if meta.AppointmentID != "" {
		req.SetQueryParam("appointment_id", meta.AppointmentID)
	}

	u.logger.Info("uploading recording", "bytes", len(wav), "duration", blob.Duration(), "patient_id", meta.PatientID)
	resp, err := req.Post("/transcribe")
	if err != nil {
		return Transcription{}, &NetworkError{Err: err}
	}
	if !resp.IsSuccess() {
		return Transcription{}, &ServerError{Status: resp.StatusCode(), Detail: errorDetail(resp.StatusCode(), resp.Body())}
	}

	var raw map[string]any
	if err := json.Unmarshal(resp.Body(), &raw); err != nil {
		return Transcription{}, fmt.Errorf("decode transcription response: %w", err)
	}

	return Transcription{
		Text:    textFromResponse(raw),
		Raw:     raw,
		Backend: "backend",
	}, nil
}

// errorDetail extracts the "detail" field of an error body. Bodies that are
// not JSON yield "Unknown error"; JSON without a detail names the status.
func errorDetail(status int, body []byte) string {
	var payload map[string]json.RawMessage
	if err := json.Unmarshal(body, &payload); err != nil {
		return unknownDetail
	}

	raw, ok := payload["detail"]
	if !ok || len(raw) == 0 || string(raw) == "null" {
		return fmt.Sprintf("HTTP error! status: %d", status)
	}

	var detail string
	if err := json.Unmarshal(raw, &detail); err == nil {
		if detail == "" {
			return fmt.Sprintf("HTTP error! status: %d", status)
		}
		return detail
	}
	return string(raw)
}

func textFromResponse(raw map[string]any) string {
	for _, key := range []string{"text", "transcription", "transcript"} {
		if s, ok := raw[key].(string); ok {
			return strings.TrimSpace(s)
		}
	}

	items, ok := raw["segments"].([]any)
	if !ok {
		return ""
	}
	parts := make([]string, 0, len(items))
	for _, item := range items {
		seg, ok := item.(map[string]any)
		if !ok {
			continue
		}
		if s, ok := seg["text"].(string); ok && strings.TrimSpace(s) != "" {
			parts = append(parts, strings.TrimSpace(s))
		}
	}
	return strings.Join(parts, " ")
}
