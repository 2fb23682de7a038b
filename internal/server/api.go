package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"reflect"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/sjawhar/visit-scribe/internal/session"
	"github.com/sjawhar/visit-scribe/internal/storage"
)

var idPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

type VisitStore interface {
	GetVisitsByDate(date string) ([]storage.Visit, error)
	GetVisit(id string) (storage.Visit, error)
	GetVisitsByPatient(patientID string) ([]storage.Visit, error)
	GetDates() ([]string, error)
}

type startRequest struct {
	PatientID     string `json:"patient_id" validate:"required,max=64,printascii"`
	AppointmentID string `json:"appointment_id" validate:"omitempty,max=64,printascii"`
}

type resummarizeRequest struct {
	Preset string `json:"preset" validate:"omitempty,max=64"`
}

var requestValidator = newRequestValidator()

func newRequestValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "" || name == "-" {
			return fld.Name
		}
		return name
	})
	return v
}

func registerAPIRoutes(mux *http.ServeMux, store VisitStore, controls ControlHooks, audioDir string) {
	mux.HandleFunc("POST /api/capture/start", func(w http.ResponseWriter, r *http.Request) {
		if controls.Start == nil {
			writeJSONError(w, http.StatusServiceUnavailable, "capture not configured")
			return
		}

		var req startRequest
		if !decodeAndValidate(w, r, &req) {
			return
		}

		visit, err := controls.Start(r.Context(), session.VisitContext{
			PatientID:     strings.TrimSpace(req.PatientID),
			AppointmentID: strings.TrimSpace(req.AppointmentID),
		})
		if err != nil {
			status := http.StatusServiceUnavailable
			if errors.Is(err, session.ErrSessionActive) {
				status = http.StatusConflict
			}
			writeSessionError(w, status, err)
			return
		}
		writeJSON(w, http.StatusCreated, visit)
	})

	mux.HandleFunc("POST /api/capture/stop", func(w http.ResponseWriter, r *http.Request) {
		if controls.Stop == nil {
			writeJSONError(w, http.StatusServiceUnavailable, "capture not configured")
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
		defer cancel()
		if err := controls.Stop(ctx); err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, session.ErrNoActiveSession) {
				status = http.StatusConflict
			}
			writeSessionError(w, status, err)
			return
		}
		if controls.Status != nil {
			writeJSON(w, http.StatusOK, controls.Status())
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("GET /api/status", func(w http.ResponseWriter, r *http.Request) {
		var status session.CaptureStatus
		if controls.Status != nil {
			status = controls.Status()
		} else {
			status.State = session.StateIdle
		}
		var warnings []string
		if controls.Warnings != nil {
			warnings = controls.Warnings()
		}
		if warnings == nil {
			warnings = []string{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"capture": status, "warnings": warnings})
	})

	mux.HandleFunc("GET /api/visits", func(w http.ResponseWriter, r *http.Request) {
		date := r.URL.Query().Get("date")
		if date == "" {
			date = time.Now().UTC().Format("2006-01-02")
		}
		if _, err := time.Parse("2006-01-02", date); err != nil {
			writeJSONError(w, http.StatusBadRequest, "date must be YYYY-MM-DD")
			return
		}

		visits, err := store.GetVisitsByDate(date)
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("list visits: %v", err))
			return
		}
		writeJSON(w, http.StatusOK, visits)
	})

	mux.HandleFunc("GET /api/visits/{id}", func(w http.ResponseWriter, r *http.Request) {
		visitID := r.PathValue("id")
		if !validID(visitID) {
			writeJSONError(w, http.StatusForbidden, "invalid visit id")
			return
		}

		visit, err := store.GetVisit(visitID)
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, os.ErrNotExist) || errors.Is(err, sql.ErrNoRows) {
				status = http.StatusNotFound
			}
			writeJSONError(w, status, fmt.Sprintf("get visit: %v", err))
			return
		}

		var encounter any
		if visit.Summary != "" {
			encounter = json.RawMessage(visit.Summary)
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"visit":   visit,
			"summary": encounter,
		})
	})

	mux.HandleFunc("GET /api/visits/{id}/audio", func(w http.ResponseWriter, r *http.Request) {
		visitID := r.PathValue("id")
		if !validID(visitID) {
			writeJSONError(w, http.StatusForbidden, "invalid visit id")
			return
		}

		visit, err := store.GetVisit(visitID)
		if err != nil {
			writeJSONError(w, http.StatusNotFound, "visit not found")
			return
		}

		if visit.AudioPath == "" {
			writeJSONError(w, http.StatusNotFound, "audio not available")
			return
		}

		cleanPath, ok := allowedAudioPath(visit.AudioPath, audioDir)
		if !ok {
			writeJSONError(w, http.StatusForbidden, "invalid audio path")
			return
		}

		f, err := os.Open(cleanPath)
		if err != nil {
			writeJSONError(w, http.StatusNotFound, "audio file not found")
			return
		}
		defer func() { _ = f.Close() }()

		info, err := f.Stat()
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("stat audio: %v", err))
			return
		}

		w.Header().Set("Accept-Ranges", "bytes")
		w.Header().Set("Cache-Control", "private, max-age=31536000, immutable")
		w.Header().Set("Content-Type", contentTypeForAudio(cleanPath))
		http.ServeContent(w, r, filepath.Base(cleanPath), info.ModTime(), f)
	})

	mux.HandleFunc("POST /api/visits/{id}/resummarize", func(w http.ResponseWriter, r *http.Request) {
		if controls.Resummarize == nil {
			writeJSONError(w, http.StatusServiceUnavailable, "resummarize not configured")
			return
		}

		visitID := r.PathValue("id")
		if !validID(visitID) {
			writeJSONError(w, http.StatusForbidden, "invalid visit id")
			return
		}

		var req resummarizeRequest
		if r.ContentLength != 0 && !decodeAndValidate(w, r, &req) {
			return
		}

		if err := controls.Resummarize(r.Context(), visitID, req.Preset); err != nil {
			switch {
			case errors.Is(err, sql.ErrNoRows) || errors.Is(err, os.ErrNotExist):
				writeJSONError(w, http.StatusNotFound, "visit not found")
			case errors.Is(err, session.ErrNoTranscript):
				writeSessionError(w, http.StatusConflict, err)
			case errors.Is(err, session.ErrPresetsUnsupported):
				writeJSONError(w, http.StatusServiceUnavailable, err.Error())
			default:
				writeJSONError(w, http.StatusBadRequest, err.Error())
			}
			return
		}
		w.WriteHeader(http.StatusAccepted)
	})

	mux.HandleFunc("GET /api/patients/{id}/visits", func(w http.ResponseWriter, r *http.Request) {
		patientID := r.PathValue("id")
		if !validID(patientID) {
			writeJSONError(w, http.StatusForbidden, "invalid patient id")
			return
		}

		visits, err := store.GetVisitsByPatient(patientID)
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("list patient visits: %v", err))
			return
		}
		writeJSON(w, http.StatusOK, visits)
	})

	mux.HandleFunc("GET /api/dates", func(w http.ResponseWriter, r *http.Request) {
		dates, err := store.GetDates()
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("get dates: %v", err))
			return
		}
		if dates == nil {
			dates = []string{}
		}
		writeJSON(w, http.StatusOK, dates)
	})

	mux.HandleFunc("GET /api/presets", func(w http.ResponseWriter, r *http.Request) {
		presets := []string{}
		if controls.Presets != nil {
			presets = append(presets, controls.Presets()...)
		}
		writeJSON(w, http.StatusOK, presets)
	})
}

func decodeAndValidate(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(dst); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}

	err := requestValidator.Struct(dst)
	if err == nil {
		return true
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return false
	}

	msgs := make([]string, 0, len(verrs))
	for _, e := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s %s", e.Field(), validationMessage(e)))
	}
	writeJSONError(w, http.StatusBadRequest, strings.Join(msgs, "; "))
	return false
}

func validationMessage(e validator.FieldError) string {
	switch e.Tag() {
	case "required":
		return "is required"
	case "max":
		return fmt.Sprintf("must be at most %s characters", e.Param())
	case "printascii":
		return "must contain printable ASCII only"
	default:
		return fmt.Sprintf("failed validation '%s'", e.Tag())
	}
}

func validID(id string) bool {
	return idPattern.MatchString(id)
}

// allowedAudioPath accepts relative paths without parent references, and
// absolute paths only when they sit inside audioDir.
func allowedAudioPath(p, audioDir string) (string, bool) {
	cleanPath := filepath.Clean(p)
	if cleanPath == "" || cleanPath == "." || strings.Contains(cleanPath, "..") {
		return "", false
	}
	if !filepath.IsAbs(cleanPath) {
		return cleanPath, true
	}
	if audioDir == "" {
		return "", false
	}

	root, err := filepath.Abs(audioDir)
	if err != nil {
		return "", false
	}
	rel, err := filepath.Rel(root, cleanPath)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", false
	}
	return cleanPath, true
}

func contentTypeForAudio(path string) string {
	switch filepath.Ext(path) {
	case ".mp3":
		return "audio/mpeg"
	case ".wav":
		return "audio/wav"
	default:
		return "application/octet-stream"
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeSessionError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": session.UserMessage(err), "kind": session.ErrorKind(err)})
}
