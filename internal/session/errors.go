package session

import (
	"errors"
	"fmt"

	"github.com/sjawhar/visit-scribe/internal/audio"
	"github.com/sjawhar/visit-scribe/internal/transcribe"
)

var (
	// ErrNoActiveSession is returned by Stop when nothing has been started.
	ErrNoActiveSession = errors.New("no active session")
	// ErrSessionActive is returned by Start while another capture holds the microphone.
	ErrSessionActive = errors.New("capture session already active")
	// ErrSuperseded is returned by Start when a stop arrived before the stream did.
	ErrSuperseded = errors.New("capture start superseded")
	// ErrUploadFailed wraps transcription upload failures.
	ErrUploadFailed = errors.New("upload failed")
	// ErrGenerationFailed wraps encounter summary failures.
	ErrGenerationFailed = errors.New("summary generation failed")
	// ErrNoTranscript is returned when re-summarizing a visit that was never transcribed.
	ErrNoTranscript = errors.New("visit has no transcript")
	// ErrPresetsUnsupported is returned when the summary backend has no note templates.
	ErrPresetsUnsupported = errors.New("summary backend does not support presets")
)

// ErrorKind maps an error to a stable identifier for events and metrics.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, audio.ErrPermissionDenied):
		return "permission_denied"
	case errors.Is(err, audio.ErrDeviceNotFound):
		return "device_not_found"
	case errors.Is(err, audio.ErrUnsupportedMedia):
		return "unsupported_media"
	case errors.Is(err, audio.ErrCaptureUnavailable):
		return "capture_unavailable"
	case errors.Is(err, audio.ErrStreamInterrupted):
		return "stream_interrupted"
	case errors.Is(err, ErrSessionActive):
		return "session_active"
	case errors.Is(err, ErrNoActiveSession):
		return "no_active_session"
	case errors.Is(err, ErrSuperseded):
		return "superseded"
	case errors.Is(err, ErrUploadFailed):
		return "upload_failed"
	case errors.Is(err, ErrGenerationFailed):
		return "generation_failed"
	case errors.Is(err, ErrNoTranscript):
		return "no_transcript"
	default:
		return "unknown"
	}
}

// UserMessage renders err as text suitable for the clinician-facing UI.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}

	var serverErr *transcribe.ServerError
	var netErr *transcribe.NetworkError

	switch {
	case errors.Is(err, audio.ErrPermissionDenied):
		return "Microphone permission denied. Please allow microphone access and try again."
	case errors.Is(err, audio.ErrDeviceNotFound):
		return "No microphone found. Please connect a microphone and try again."
	case errors.Is(err, audio.ErrUnsupportedMedia):
		return "The microphone stream could not be analyzed."
	case errors.Is(err, audio.ErrCaptureUnavailable):
		return "Microphone access is not available on this system."
	case errors.Is(err, audio.ErrStreamInterrupted):
		return "The microphone stopped delivering audio, so the recording was ended early."
	case errors.Is(err, ErrSessionActive):
		return "A recording is already in progress."
	case errors.Is(err, ErrNoActiveSession):
		return "No recording is in progress."
	case errors.Is(err, ErrSuperseded):
		return "Recording was stopped before the microphone was ready."
	case errors.As(err, &serverErr):
		return "Upload failed: " + serverErr.Detail
	case errors.As(err, &netErr):
		return "Upload failed: " + netErr.Error()
	case errors.Is(err, ErrUploadFailed):
		return "Upload failed: " + err.Error()
	case errors.Is(err, ErrGenerationFailed):
		return "Failed to generate encounter summary. Please try again."
	case errors.Is(err, ErrNoTranscript):
		return "This visit has no transcript to summarize."
	default:
		return fmt.Sprintf("Error accessing microphone: %v", err)
	}
}
