package transcribe

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	openai "github.com/sashabaranov/go-openai"

	"github.com/sjawhar/visit-scribe/internal/audio"
)

type whisperAPI interface {
	CreateTranscription(ctx context.Context, request openai.AudioRequest) (openai.AudioResponse, error)
}

type WhisperConfig struct {
	APIKey   string
	BaseURL  string
	Model    string
	Language string
	Prompt   string
}

// WhisperUploader transcribes recordings with the OpenAI audio API.
type WhisperUploader struct {
	api      whisperAPI
	model    string
	language string
	prompt   string
}

func NewWhisperUploader(cfg WhisperConfig) *WhisperUploader {
	config := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		config.BaseURL = cfg.BaseURL
	}
	model := cfg.Model
	if model == "" {
		model = openai.Whisper1
	}
	return &WhisperUploader{
		api:      openai.NewClientWithConfig(config),
		model:    model,
		language: cfg.Language,
		prompt:   cfg.Prompt,
	}
}

func (w *WhisperUploader) Submit(ctx context.Context, blob audio.Blob, _ Metadata) (Transcription, error) {
	if len(blob.Data) == 0 {
		return Transcription{}, ErrEmptyAudio
	}

	wav, err := audio.EncodeWAV(blob.Data, blob.SampleRate)
	if err != nil {
		return Transcription{}, fmt.Errorf("encode wav: %w", err)
	}

	resp, err := w.api.CreateTranscription(ctx, openai.AudioRequest{
		Model:    w.model,
		FilePath: uploadFileName,
		Reader:   bytes.NewReader(wav),
		Prompt:   w.prompt,
		Language: w.language,
		Format:   openai.AudioResponseFormatVerboseJSON,
	})
	if err != nil {
		return Transcription{}, classifyOpenAIError(err)
	}

	segments := make([]Segment, 0, len(resp.Segments))
	for _, s := range resp.Segments {
		segments = append(segments, Segment{
			Speaker:   -1,
			Text:      s.Text,
			StartTime: s.Start,
			EndTime:   s.End,
		})
	}

	text := resp.Text
	if text == "" {
		text = joinSegments(segments)
	}

	return Transcription{Text: text, Segments: segments, Backend: "whisper"}, nil
}

func classifyOpenAIError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return &ServerError{Status: apiErr.HTTPStatusCode, Detail: apiErr.Message}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		detail := unknownDetail
		if reqErr.Err != nil {
			detail = reqErr.Err.Error()
		}
		return &ServerError{Status: reqErr.HTTPStatusCode, Detail: detail}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &NetworkError{Err: err}
}
