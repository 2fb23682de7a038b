package summary

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/sjawhar/visit-scribe/internal/transcribe"
)

// BackendGenerator asks the clinic backend to write the encounter summary.
type BackendGenerator struct {
	client *resty.Client
	logger *slog.Logger
	now    func() time.Time
}

func NewBackendGenerator(baseURL string, timeout time.Duration, logger *slog.Logger) *BackendGenerator {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = transcribe.DefaultBackendURL
	}
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}

	client := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json")

	return &BackendGenerator{client: client, logger: logger, now: time.Now}
}

type encounterRequest struct {
	Transcription any    `json:"transcription"`
	PatientID     string `json:"patient_id"`
	AppointmentID any    `json:"appointment_id"`
}

func (b *BackendGenerator) Generate(ctx context.Context, t transcribe.Transcription, patientID, appointmentID string) (EncounterSummary, error) {
	if strings.TrimSpace(t.Text) == "" {
		return EncounterSummary{}, ErrEmptyTranscript
	}

	// The endpoint expects the transcription exactly as /transcribe returned it.
	var payload any = t.Raw
	if t.Raw == nil {
		payload = map[string]any{"text": t.Text}
	}
	req := encounterRequest{Transcription: payload, PatientID: patientID}
	if appointmentID != "" {
		req.AppointmentID = appointmentID
	}

	resp, err := b.client.R().
		SetContext(ctx).
		SetBody(req).
		Post("/api/encounter-summary")
	if err != nil {
		return EncounterSummary{}, fmt.Errorf("post encounter summary: %w", err)
	}
	if !resp.IsSuccess() {
		return EncounterSummary{}, &BackendError{Status: resp.StatusCode(), Detail: strings.TrimSpace(resp.Status())}
	}

	encounter, err := parseEncounter(string(resp.Body()))
	if err != nil {
		return EncounterSummary{}, err
	}
	encounter.PatientID = patientID
	encounter.AppointmentID = appointmentID
	encounter.normalize(patientID, appointmentID, b.now())

	b.logger.Info("encounter summary received", "patient_id", patientID, "bytes", len(resp.Body()))
	return encounter, nil
}
