package server

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/sjawhar/visit-scribe/internal/summary"
	"github.com/sjawhar/visit-scribe/internal/transcribe"
)

// Hub fans visit events out to every connected WebSocket client. Slow
// clients drop messages rather than block the sender.
type Hub struct {
	mu      sync.RWMutex
	clients map[chan []byte]struct{}
	logger  *slog.Logger
	now     func() time.Time
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		clients: make(map[chan []byte]struct{}),
		logger:  logger,
		now:     time.Now,
	}
}

func (h *Hub) Subscribe() chan []byte {
	ch := make(chan []byte, 64)
	h.mu.Lock()
	h.clients[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *Hub) Unsubscribe(ch chan []byte) {
	h.mu.Lock()
	delete(h.clients, ch)
	h.mu.Unlock()
	close(ch)
}

func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) Broadcast(msg []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for ch := range h.clients {
		select {
		case ch <- msg:
		default:
		}
	}
}

func (h *Hub) BroadcastCaptureStarted(visitID, patientID, appointmentID string) {
	h.broadcastEvent(CaptureStartedEvent{
		Event:         newEvent("capture_started", h.now()),
		VisitID:       visitID,
		PatientID:     patientID,
		AppointmentID: appointmentID,
	})
}

func (h *Hub) BroadcastCaptureStopped(visitID, reason string, duration time.Duration, audioBytes int) {
	h.broadcastEvent(CaptureStoppedEvent{
		Event:      newEvent("capture_stopped", h.now()),
		VisitID:    visitID,
		Reason:     reason,
		Duration:   duration.Seconds(),
		AudioBytes: audioBytes,
	})
}

func (h *Hub) BroadcastSilenceDetected(visitID string) {
	h.broadcastEvent(SilenceDetectedEvent{
		Event:   newEvent("silence_detected", h.now()),
		VisitID: visitID,
	})
}

func (h *Hub) BroadcastTranscriptionReady(visitID string, t transcribe.Transcription) {
	segments := t.Segments
	if segments == nil {
		segments = []transcribe.Segment{}
	}
	h.broadcastEvent(TranscriptionReadyEvent{
		Event:    newEvent("transcription_ready", h.now()),
		VisitID:  visitID,
		Text:     t.Text,
		Segments: segments,
		Backend:  t.Backend,
	})
}

func (h *Hub) BroadcastSummaryReady(visitID string, s summary.EncounterSummary) {
	h.broadcastEvent(SummaryReadyEvent{
		Event:   newEvent("summary_ready", h.now()),
		VisitID: visitID,
		Summary: s,
	})
}

func (h *Hub) BroadcastError(visitID, kind, message string) {
	h.broadcastEvent(ErrorEvent{
		Event:   newEvent("error", h.now()),
		VisitID: visitID,
		Kind:    kind,
		Message: message,
	})
}

func (h *Hub) broadcastEvent(event any) {
	payload, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("event marshal failed", "err", err)
		return
	}
	h.Broadcast(payload)
}
