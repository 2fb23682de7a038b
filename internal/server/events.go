package server

import (
	"time"

	"github.com/sjawhar/visit-scribe/internal/summary"
	"github.com/sjawhar/visit-scribe/internal/transcribe"
)

const EventVersion = 1

type Event struct {
	Type      string `json:"type"`
	Version   int    `json:"version"`
	Timestamp string `json:"timestamp"`
}

type CaptureStartedEvent struct {
	Event
	VisitID       string `json:"visit_id"`
	PatientID     string `json:"patient_id"`
	AppointmentID string `json:"appointment_id,omitempty"`
}

type CaptureStoppedEvent struct {
	Event
	VisitID    string  `json:"visit_id"`
	Reason     string  `json:"reason"`
	Duration   float64 `json:"duration"`
	AudioBytes int     `json:"audio_bytes"`
}

type SilenceDetectedEvent struct {
	Event
	VisitID string `json:"visit_id"`
}

type TranscriptionReadyEvent struct {
	Event
	VisitID  string               `json:"visit_id"`
	Text     string               `json:"text"`
	Segments []transcribe.Segment `json:"segments"`
	Backend  string               `json:"backend"`
}

type SummaryReadyEvent struct {
	Event
	VisitID string                   `json:"visit_id"`
	Summary summary.EncounterSummary `json:"summary"`
}

type ErrorEvent struct {
	Event
	VisitID string `json:"visit_id,omitempty"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

type ConnectionEvent struct {
	Event
	Connected bool `json:"connected"`
}

func newEvent(eventType string, now time.Time) Event {
	if now.IsZero() {
		now = time.Now().UTC()
	}
	return Event{
		Type:      eventType,
		Version:   EventVersion,
		Timestamp: now.UTC().Format(time.RFC3339Nano),
	}
}
