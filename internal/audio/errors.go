package audio

import "errors"

var (
	// ErrPermissionDenied means the platform refused access to the input device.
	ErrPermissionDenied = errors.New("microphone permission denied")
	// ErrDeviceNotFound means no usable input device exists.
	ErrDeviceNotFound = errors.New("no microphone found")
	// ErrCaptureUnavailable covers every other reason a stream could not be opened.
	ErrCaptureUnavailable = errors.New("audio capture unavailable")
	// ErrUnsupportedMedia is returned when a stream cannot be analyzed.
	ErrUnsupportedMedia = errors.New("unsupported media stream")
	// ErrStreamInterrupted is reported by Stream.Err when the device stops
	// delivering frames mid-capture.
	ErrStreamInterrupted = errors.New("input stream interrupted")
)
