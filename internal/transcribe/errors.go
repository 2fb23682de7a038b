package transcribe

import (
	"errors"
	"fmt"
)

// ErrEmptyAudio is returned when a blob with no samples is submitted.
var ErrEmptyAudio = errors.New("empty audio")

// ServerError is a non-success response from a transcription service.
type ServerError struct {
	Status int
	Detail string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server error %d: %s", e.Status, e.Detail)
}

// NetworkError is a transport failure before any response was received.
type NetworkError struct {
	Err error
}

func (e *NetworkError) Error() string {
	return e.Err.Error()
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}
