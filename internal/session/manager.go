package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sjawhar/visit-scribe/internal/audio"
	"github.com/sjawhar/visit-scribe/internal/storage"
	"github.com/sjawhar/visit-scribe/internal/summary"
	"github.com/sjawhar/visit-scribe/internal/transcribe"
)

// Deps are the collaborators a Manager hands work to. Only Store is required.
type Deps struct {
	Store     Store
	Archiver  Archiver
	Uploader  Uploader
	Generator SummaryGenerator
	Notes     NotesWriter
	Hub       EventBroadcaster
	Metrics   Metrics
	Logger    *slog.Logger
}

// Manager coordinates visits: control requests start and stop the capture,
// silence stops it automatically, and each finalized segment is archived,
// transcribed and summarized in the background.
type Manager struct {
	capture   *Capture
	store     Store
	archiver  Archiver
	uploader  Uploader
	generator SummaryGenerator
	notes     NotesWriter
	hub       EventBroadcaster
	metrics   Metrics
	logger    *slog.Logger

	newID func() string
	now   func() time.Time

	// work bounds background uploads and summaries; Shutdown cancels it
	// when its deadline passes.
	work     context.Context
	cancel   context.CancelFunc
	inflight sync.WaitGroup
}

func NewManager(source audio.Source, cfg CaptureConfig, deps Deps) *Manager {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	m := &Manager{
		store:     deps.Store,
		archiver:  deps.Archiver,
		uploader:  deps.Uploader,
		generator: deps.Generator,
		notes:     deps.Notes,
		hub:       deps.Hub,
		metrics:   deps.Metrics,
		logger:    logger,
		newID:     uuid.NewString,
		now:       time.Now,
	}
	m.work, m.cancel = context.WithCancel(context.Background())
	if m.metrics == nil {
		m.metrics = nopMetrics{}
	}

	m.capture = NewCapture(source, cfg, CaptureHooks{
		OnSilence:      m.onSilence,
		OnStreamFailed: m.onStreamFailed,
		OnStopped:      m.onStopped,
		Handoff:        m.handoff,
	}, logger.With("component", "capture"))

	return m
}

// Start opens a new visit and begins capturing audio for it.
func (m *Manager) Start(ctx context.Context, visit VisitContext) (VisitContext, error) {
	if m.capture.State().Active() {
		return VisitContext{}, ErrSessionActive
	}

	visit.VisitID = m.newID()
	startedAt := m.now().UTC()
	if err := m.store.CreateVisit(storage.Visit{
		ID:            visit.VisitID,
		PatientID:     visit.PatientID,
		AppointmentID: visit.AppointmentID,
		StartedAt:     startedAt,
		Status:        storage.VisitRecording,
	}); err != nil {
		return VisitContext{}, fmt.Errorf("create visit: %w", err)
	}

	if _, err := m.capture.Start(ctx, visit); err != nil {
		if abandoned(err) {
			_ = m.store.DeleteVisit(visit.VisitID)
			m.logger.Info("capture start abandoned", "visit_id", visit.VisitID, "err", err)
			return VisitContext{}, err
		}
		_ = m.store.FailVisit(visit.VisitID, m.now().UTC(), UserMessage(err))
		m.metrics.CaptureStartFailed(ErrorKind(err))
		m.broadcastError(visit.VisitID, err)
		m.logger.Warn("capture start failed", "visit_id", visit.VisitID, "err", err)
		return VisitContext{}, err
	}

	m.metrics.CaptureStarted()
	if m.hub != nil {
		m.hub.BroadcastCaptureStarted(visit.VisitID, visit.PatientID, visit.AppointmentID)
	}
	return visit, nil
}

// abandoned reports start errors that leave no trace: a busy microphone, a
// stop that overtook the start, or a caller that went away.
func abandoned(err error) bool {
	return errors.Is(err, ErrSessionActive) ||
		errors.Is(err, ErrSuperseded) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// Stop ends the live capture and waits for it to finalize. Stopping a
// capture that is already stopping or stopped is not an error.
func (m *Manager) Stop(ctx context.Context) error {
	if !m.capture.Stop(StopManual) && m.capture.State() == StateIdle {
		return ErrNoActiveSession
	}
	return m.capture.Wait(ctx)
}

// Shutdown stops any live capture and waits for in-flight uploads.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.capture.Stop(StopShutdown)
	if err := m.capture.Wait(ctx); err != nil {
		return fmt.Errorf("wait for capture: %w", err)
	}

	done := make(chan struct{})
	go func() {
		m.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		m.cancel()
		return fmt.Errorf("wait for uploads: %w", ctx.Err())
	}
}

func (m *Manager) Status() CaptureStatus {
	return m.capture.Status()
}

func (m *Manager) onSilence(visit VisitContext) {
	m.metrics.SilenceFired()
	if m.hub != nil {
		m.hub.BroadcastSilenceDetected(visit.VisitID)
	}
}

func (m *Manager) onStreamFailed(visit VisitContext, err error) {
	m.broadcastError(visit.VisitID, err)
}

func (m *Manager) onStopped(res Finalized) {
	id := res.Visit.VisitID
	if err := m.store.EndVisit(id, res.EndedAt.UTC(), string(res.Reason), len(res.Blob.Data)); err != nil {
		m.logger.Error("end visit failed", "visit_id", id, "err", err)
	}
	if len(res.Blob.Data) == 0 {
		_ = m.store.UpdateTranscript(id, "", storage.StatusSkipped, "")
		_ = m.store.UpdateSummary(id, "", storage.StatusSkipped, "")
	}

	m.metrics.CaptureStopped(string(res.Reason), len(res.Blob.Data))
	if m.hub != nil {
		m.hub.BroadcastCaptureStopped(id, string(res.Reason), res.EndedAt.Sub(res.StartedAt), len(res.Blob.Data))
	}
}

func (m *Manager) handoff(res Finalized) {
	m.inflight.Add(1)
	go func() {
		defer m.inflight.Done()
		m.process(m.work, res)
	}()
}

func (m *Manager) process(ctx context.Context, res Finalized) {
	id := res.Visit.VisitID

	if m.archiver != nil {
		path, err := m.archiver.Save(id, res.Blob.Data, res.Blob.SampleRate)
		if err != nil {
			m.logger.Warn("archive visit audio failed", "visit_id", id, "err", err)
		} else if path != "" {
			if err := m.store.SetAudioPath(id, path); err != nil {
				m.logger.Warn("record audio path failed", "visit_id", id, "err", err)
			}
		}
	}

	if m.uploader == nil {
		_ = m.store.UpdateTranscript(id, "", storage.StatusSkipped, "")
		_ = m.store.UpdateSummary(id, "", storage.StatusSkipped, "")
		return
	}

	_ = m.store.UpdateTranscript(id, "", storage.StatusRunning, "")
	started := m.now()
	transcription, err := m.uploader.Submit(ctx, res.Blob, transcribe.Metadata{
		PatientID:     res.Visit.PatientID,
		AppointmentID: res.Visit.AppointmentID,
	})
	m.metrics.UploadObserved(m.now().Sub(started), err)
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrUploadFailed, err)
		_ = m.store.UpdateTranscript(id, "", storage.StatusFailed, err.Error())
		_ = m.store.UpdateSummary(id, "", storage.StatusSkipped, "")
		m.broadcastError(id, err)
		m.logger.Error("transcription upload failed", "visit_id", id, "err", err)
		return
	}

	if err := m.store.UpdateTranscript(id, transcription.Text, storage.StatusCompleted, ""); err != nil {
		m.logger.Error("store transcript failed", "visit_id", id, "err", err)
	}
	m.appendNote(storage.Note{
		VisitID:   id,
		PatientID: res.Visit.PatientID,
		Timestamp: res.EndedAt,
		Title:     "Transcript",
		Body:      transcription.Markdown(),
	})
	if m.hub != nil {
		m.hub.BroadcastTranscriptionReady(id, transcription)
	}

	m.generateSummary(ctx, res.Visit, transcription, "")
}

// Resummarize regenerates the encounter summary of a finished visit with the
// named note template. Generation runs in the background like a handoff.
func (m *Manager) Resummarize(ctx context.Context, visitID, preset string) error {
	gen, ok := m.generator.(PresetGenerator)
	if !ok {
		return ErrPresetsUnsupported
	}
	v, err := m.store.GetVisit(visitID)
	if err != nil {
		return fmt.Errorf("get visit: %w", err)
	}
	if strings.TrimSpace(v.Transcript) == "" {
		return ErrNoTranscript
	}
	if preset != "" && !slices.Contains(gen.PresetNames(), preset) {
		return fmt.Errorf("unknown preset %q", preset)
	}

	visit := VisitContext{VisitID: v.ID, PatientID: v.PatientID, AppointmentID: v.AppointmentID}
	m.inflight.Add(1)
	go func() {
		defer m.inflight.Done()
		m.generateSummary(m.work, visit, transcribe.Transcription{Text: v.Transcript}, preset)
	}()
	return nil
}

func (m *Manager) generateSummary(ctx context.Context, visit VisitContext, transcription transcribe.Transcription, preset string) {
	id := visit.VisitID
	if m.generator == nil || strings.TrimSpace(transcription.Text) == "" {
		_ = m.store.UpdateSummary(id, "", storage.StatusSkipped, "")
		return
	}

	_ = m.store.UpdateSummary(id, "", storage.StatusRunning, "")
	started := m.now()
	ctx = summary.WithVisitID(ctx, id)
	var encounter summary.EncounterSummary
	var err error
	if gen, ok := m.generator.(PresetGenerator); ok && preset != "" {
		encounter, err = gen.GenerateWithPreset(ctx, transcription, visit.PatientID, visit.AppointmentID, preset)
	} else {
		encounter, err = m.generator.Generate(ctx, transcription, visit.PatientID, visit.AppointmentID)
	}
	if errors.Is(err, summary.ErrDuplicateRequest) {
		m.logger.Info("summary already requested", "visit_id", id)
		_ = m.store.UpdateSummary(id, "", storage.StatusSkipped, "")
		return
	}
	m.metrics.SummaryObserved(m.now().Sub(started), err)
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrGenerationFailed, err)
		_ = m.store.UpdateSummary(id, "", storage.StatusFailed, err.Error())
		m.broadcastError(id, err)
		m.logger.Error("summary generation failed", "visit_id", id, "err", err)
		return
	}

	payload, err := json.Marshal(encounter)
	if err != nil {
		_ = m.store.UpdateSummary(id, "", storage.StatusFailed, err.Error())
		return
	}
	if err := m.store.UpdateSummary(id, string(payload), storage.StatusCompleted, ""); err != nil {
		m.logger.Error("store summary failed", "visit_id", id, "err", err)
	}
	m.appendNote(storage.Note{
		VisitID:   id,
		PatientID: visit.PatientID,
		Timestamp: encounter.GeneratedAt,
		Title:     "Encounter summary",
		Body:      encounter.Markdown(),
	})
	if m.hub != nil {
		m.hub.BroadcastSummaryReady(id, encounter)
	}
}

func (m *Manager) appendNote(note storage.Note) {
	if m.notes == nil {
		return
	}
	if err := m.notes.Append(note); err != nil {
		m.logger.Warn("append daily note failed", "visit_id", note.VisitID, "err", err)
	}
}

func (m *Manager) broadcastError(visitID string, err error) {
	if m.hub != nil {
		m.hub.BroadcastError(visitID, ErrorKind(err), UserMessage(err))
	}
}

type nopMetrics struct{}

func (nopMetrics) CaptureStarted()                      {}
func (nopMetrics) CaptureStartFailed(string)            {}
func (nopMetrics) CaptureStopped(string, int)           {}
func (nopMetrics) SilenceFired()                        {}
func (nopMetrics) UploadObserved(time.Duration, error)  {}
func (nopMetrics) SummaryObserved(time.Duration, error) {}
