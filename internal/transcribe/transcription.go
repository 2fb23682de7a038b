package transcribe

import "strings"

// Metadata identifies the visit a recording belongs to.
type Metadata struct {
	PatientID     string
	AppointmentID string
}

// Transcription is the text recovered from one finalized recording.
type Transcription struct {
	Text     string         `json:"text"`
	Segments []Segment      `json:"segments,omitempty"`
	Raw      map[string]any `json:"raw,omitempty"`
	Backend  string         `json:"backend"`
}

func joinSegments(segments []Segment) string {
	parts := make([]string, 0, len(segments))
	for _, s := range segments {
		if text := strings.TrimSpace(s.Text); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, " ")
}
