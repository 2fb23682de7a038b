package session

import (
	"context"
	"time"

	"github.com/sjawhar/visit-scribe/internal/audio"
	"github.com/sjawhar/visit-scribe/internal/storage"
	"github.com/sjawhar/visit-scribe/internal/summary"
	"github.com/sjawhar/visit-scribe/internal/transcribe"
)

// VisitContext identifies the encounter a capture belongs to.
type VisitContext struct {
	VisitID       string `json:"visit_id"`
	PatientID     string `json:"patient_id"`
	AppointmentID string `json:"appointment_id,omitempty"`
}

// Finalized describes a capture that reached Stopped.
type Finalized struct {
	Token     uint64
	Visit     VisitContext
	Reason    StopReason
	StartedAt time.Time
	EndedAt   time.Time
	Blob      audio.Blob
}

type LevelSampler interface {
	SampleLevel() uint8
	Detach()
}

type ChunkRecorder interface {
	Start() error
	RequestData()
	Stop()
}

type Store interface {
	CreateVisit(v storage.Visit) error
	DeleteVisit(id string) error
	FailVisit(id string, endedAt time.Time, errMsg string) error
	EndVisit(id string, endedAt time.Time, reason string, audioBytes int) error
	SetAudioPath(id, path string) error
	UpdateTranscript(id, transcript, status, errMsg string) error
	UpdateSummary(id, summaryJSON, status, errMsg string) error
	GetVisit(id string) (storage.Visit, error)
}

type Archiver interface {
	Save(visitID string, pcm []byte, sampleRate int) (string, error)
}

type Uploader interface {
	Submit(ctx context.Context, blob audio.Blob, meta transcribe.Metadata) (transcribe.Transcription, error)
}

type SummaryGenerator interface {
	Generate(ctx context.Context, t transcribe.Transcription, patientID, appointmentID string) (summary.EncounterSummary, error)
}

// PresetGenerator is a SummaryGenerator that can be told which note
// template to use.
type PresetGenerator interface {
	SummaryGenerator
	GenerateWithPreset(ctx context.Context, t transcribe.Transcription, patientID, appointmentID, preset string) (summary.EncounterSummary, error)
	PresetNames() []string
}

type NotesWriter interface {
	Append(note storage.Note) error
}

type EventBroadcaster interface {
	BroadcastCaptureStarted(visitID, patientID, appointmentID string)
	BroadcastCaptureStopped(visitID, reason string, duration time.Duration, audioBytes int)
	BroadcastSilenceDetected(visitID string)
	BroadcastTranscriptionReady(visitID string, t transcribe.Transcription)
	BroadcastSummaryReady(visitID string, s summary.EncounterSummary)
	BroadcastError(visitID, kind, message string)
}

type Metrics interface {
	CaptureStarted()
	CaptureStartFailed(kind string)
	CaptureStopped(reason string, audioBytes int)
	SilenceFired()
	UploadObserved(d time.Duration, err error)
	SummaryObserved(d time.Duration, err error)
}
