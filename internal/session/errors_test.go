package session

import (
	"errors"
	"fmt"
	"testing"

	"github.com/sjawhar/visit-scribe/internal/audio"
	"github.com/sjawhar/visit-scribe/internal/transcribe"
)

func TestErrorKindAndUserMessage(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		kind    string
		message string
	}{
		{name: "nil", err: nil, kind: "", message: ""},
		{
			name:    "permission",
			err:     fmt.Errorf("request stream: %w", audio.ErrPermissionDenied),
			kind:    "permission_denied",
			message: "Microphone permission denied. Please allow microphone access and try again.",
		},
		{
			name:    "no device",
			err:     audio.ErrDeviceNotFound,
			kind:    "device_not_found",
			message: "No microphone found. Please connect a microphone and try again.",
		},
		{
			name:    "interrupted stream",
			err:     fmt.Errorf("%w: device unplugged", audio.ErrStreamInterrupted),
			kind:    "stream_interrupted",
			message: "The microphone stopped delivering audio, so the recording was ended early.",
		},
		{
			name:    "server error",
			err:     fmt.Errorf("%w: %w", ErrUploadFailed, &transcribe.ServerError{Status: 500, Detail: "Unknown error"}),
			kind:    "upload_failed",
			message: "Upload failed: Unknown error",
		},
		{
			name:    "network error",
			err:     fmt.Errorf("%w: %w", ErrUploadFailed, &transcribe.NetworkError{Err: errors.New("connection refused")}),
			kind:    "upload_failed",
			message: "Upload failed: connection refused",
		},
		{
			name:    "generation",
			err:     fmt.Errorf("%w: timeout", ErrGenerationFailed),
			kind:    "generation_failed",
			message: "Failed to generate encounter summary. Please try again.",
		},
		{
			name:    "other",
			err:     errors.New("device busy"),
			kind:    "unknown",
			message: "Error accessing microphone: device busy",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ErrorKind(tt.err); got != tt.kind {
				t.Fatalf("ErrorKind = %q, want %q", got, tt.kind)
			}
			if got := UserMessage(tt.err); got != tt.message {
				t.Fatalf("UserMessage = %q, want %q", got, tt.message)
			}
		})
	}
}
