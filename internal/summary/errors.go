package summary

import (
	"errors"
	"fmt"
)

var (
	// ErrDuplicateRequest is returned when the same transcript was already
	// submitted for summarization for the visit.
	ErrDuplicateRequest = errors.New("summary already requested for this transcript")
	ErrEmptyTranscript  = errors.New("transcript is empty")
	ErrMalformedSummary = errors.New("malformed encounter summary")
)

// BackendError is a non-2xx answer from the encounter-summary endpoint.
type BackendError struct {
	Status int
	Detail string
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("encounter summary request failed (status %d): %s", e.Status, e.Detail)
}
