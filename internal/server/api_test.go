package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sjawhar/visit-scribe/internal/audio"
	"github.com/sjawhar/visit-scribe/internal/session"
	"github.com/sjawhar/visit-scribe/internal/storage"
)

type apiStoreStub struct {
	visitsByDate map[string][]storage.Visit
	visits       map[string]storage.Visit
	byPatient    map[string][]storage.Visit
	dates        []string
}

func (s apiStoreStub) GetVisitsByDate(date string) ([]storage.Visit, error) {
	return s.visitsByDate[date], nil
}

func (s apiStoreStub) GetVisit(id string) (storage.Visit, error) {
	if v, ok := s.visits[id]; ok {
		return v, nil
	}
	return storage.Visit{}, os.ErrNotExist
}

func (s apiStoreStub) GetVisitsByPatient(patientID string) ([]storage.Visit, error) {
	return s.byPatient[patientID], nil
}

func (s apiStoreStub) GetDates() ([]string, error) {
	return s.dates, nil
}

func testStaticFS(t *testing.T) fs.FS {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "index.html"), []byte("<html>ok</html>"), 0o644); err != nil {
		t.Fatalf("write index.html failed: %v", err)
	}
	return os.DirFS(dir)
}

func newTestHandler(t *testing.T, store VisitStore, controls ControlHooks, opts Options) http.Handler {
	t.Helper()
	h, err := Handler(testStaticFS(t), NewHub(nil), store, controls, opts)
	if err != nil {
		t.Fatalf("Handler failed: %v", err)
	}
	return h
}

func serve(h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestAPIVisitsList(t *testing.T) {
	started := time.Date(2026, 2, 26, 10, 0, 0, 0, time.UTC)
	store := apiStoreStub{
		visitsByDate: map[string][]storage.Visit{
			"2026-02-26": {{ID: "v1", PatientID: "p-1", StartedAt: started, SummaryStatus: storage.StatusCompleted}},
		},
	}

	rr := serve(newTestHandler(t, store, ControlHooks{}, Options{}), http.MethodGet, "/api/visits?date=2026-02-26", "")

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if got := rr.Header().Get("Content-Type"); !strings.Contains(got, "application/json") {
		t.Fatalf("expected application/json content-type, got %q", got)
	}
	if !strings.Contains(rr.Body.String(), `"id":"v1"`) {
		t.Fatalf("expected body to contain visit id, got %s", rr.Body.String())
	}
}

func TestAPIVisitsListRejectsBadDate(t *testing.T) {
	rr := serve(newTestHandler(t, apiStoreStub{}, ControlHooks{}, Options{}), http.MethodGet, "/api/visits?date=yesterday", "")

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
}

func TestAPIVisitDetail(t *testing.T) {
	store := apiStoreStub{
		visits: map[string]storage.Visit{
			"v1": {ID: "v1", PatientID: "p-1", Transcript: "hello", Summary: `{"visit_summary":"checkup"}`, SummaryStatus: storage.StatusCompleted},
		},
	}
	h := newTestHandler(t, store, ControlHooks{}, Options{})

	rr := serve(h, http.MethodGet, "/api/visits/v1", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}

	var body struct {
		Visit   storage.Visit  `json:"visit"`
		Summary map[string]any `json:"summary"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if body.Visit.Transcript != "hello" || body.Summary["visit_summary"] != "checkup" {
		t.Fatalf("unexpected detail body: %+v", body)
	}

	if rr := serve(h, http.MethodGet, "/api/visits/missing", ""); rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for missing visit, got %d", rr.Code)
	}
}

func TestAPIPatientVisits(t *testing.T) {
	store := apiStoreStub{
		byPatient: map[string][]storage.Visit{
			"p-1": {{ID: "v2", PatientID: "p-1"}, {ID: "v1", PatientID: "p-1"}},
		},
	}

	rr := serve(newTestHandler(t, store, ControlHooks{}, Options{}), http.MethodGet, "/api/patients/p-1/visits", "")

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	var visits []storage.Visit
	if err := json.NewDecoder(rr.Body).Decode(&visits); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if len(visits) != 2 || visits[0].ID != "v2" {
		t.Fatalf("unexpected visits: %+v", visits)
	}
}

func TestAPIAudioRange(t *testing.T) {
	root := t.TempDir()
	audioFile := "audio.mp3"
	if err := os.WriteFile(filepath.Join(root, audioFile), []byte(strings.Repeat("a", 4096)), 0o644); err != nil {
		t.Fatalf("write audio file failed: %v", err)
	}
	t.Chdir(root)

	store := apiStoreStub{
		visits: map[string]storage.Visit{
			"v1": {ID: "v1", AudioPath: audioFile},
		},
	}

	req := httptest.NewRequest(http.MethodGet, "/api/visits/v1/audio", nil)
	req.Header.Set("Range", "bytes=0-1023")
	rr := httptest.NewRecorder()
	newTestHandler(t, store, ControlHooks{}, Options{}).ServeHTTP(rr, req)

	if rr.Code != http.StatusPartialContent {
		t.Fatalf("expected status 206, got %d", rr.Code)
	}
	if rr.Header().Get("Accept-Ranges") != "bytes" {
		t.Fatalf("expected Accept-Ranges bytes, got %q", rr.Header().Get("Accept-Ranges"))
	}
	if rr.Header().Get("Content-Type") != "audio/mpeg" {
		t.Fatalf("expected audio/mpeg, got %q", rr.Header().Get("Content-Type"))
	}
	if rr.Header().Get("Content-Range") == "" {
		t.Fatalf("expected Content-Range header")
	}
}

func TestAPIAudioAbsolutePathInsideAudioDir(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "v1.wav")
	if err := os.WriteFile(path, []byte("RIFF"), 0o644); err != nil {
		t.Fatalf("write audio file failed: %v", err)
	}
	store := apiStoreStub{visits: map[string]storage.Visit{"v1": {ID: "v1", AudioPath: path}}}

	rr := serve(newTestHandler(t, store, ControlHooks{}, Options{AudioDir: dir}), http.MethodGet, "/api/visits/v1/audio", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d body=%s", rr.Code, rr.Body.String())
	}

	rr = serve(newTestHandler(t, store, ControlHooks{}, Options{}), http.MethodGet, "/api/visits/v1/audio", "")
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected status 403 without audio dir, got %d", rr.Code)
	}
}

func TestAPIAudioRejectsAbsolutePath(t *testing.T) {
	store := apiStoreStub{
		visits: map[string]storage.Visit{
			"v1": {ID: "v1", AudioPath: "/etc/passwd"},
		},
	}

	rr := serve(newTestHandler(t, store, ControlHooks{}, Options{AudioDir: t.TempDir()}), http.MethodGet, "/api/visits/v1/audio", "")

	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected status 403 for absolute path, got %d body=%s", rr.Code, rr.Body.String())
	}
}

func TestAPIAudioPathTraversalBlocked(t *testing.T) {
	rr := serve(newTestHandler(t, apiStoreStub{}, ControlHooks{}, Options{}), http.MethodGet, "/api/visits/%2e%2e%2f%2e%2e%2fetc%2fpasswd/audio", "")

	if rr.Code != http.StatusForbidden && rr.Code != http.StatusNotFound {
		body, _ := io.ReadAll(rr.Body)
		t.Fatalf("expected forbidden/notfound for traversal, got %d body=%s", rr.Code, string(body))
	}
}

func TestAPIDates(t *testing.T) {
	store := apiStoreStub{dates: []string{"2026-02-26", "2026-02-25"}}

	rr := serve(newTestHandler(t, store, ControlHooks{}, Options{}), http.MethodGet, "/api/dates", "")

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "2026-02-26") {
		t.Fatalf("expected date in response, got %s", rr.Body.String())
	}
}

func TestAPIDatesEmpty(t *testing.T) {
	rr := serve(newTestHandler(t, apiStoreStub{}, ControlHooks{}, Options{}), http.MethodGet, "/api/dates", "")

	if strings.TrimSpace(rr.Body.String()) != "[]" {
		t.Fatalf("expected empty array, got %s", rr.Body.String())
	}
}

func TestAPICaptureStart(t *testing.T) {
	var got session.VisitContext
	h := newTestHandler(t, apiStoreStub{}, ControlHooks{
		Start: func(_ context.Context, visit session.VisitContext) (session.VisitContext, error) {
			got = visit
			visit.VisitID = "v-123"
			return visit, nil
		},
	}, Options{})

	rr := serve(h, http.MethodPost, "/api/capture/start", `{"patient_id":" 42 ","appointment_id":"7"}`)

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d body=%s", rr.Code, rr.Body.String())
	}
	if got.PatientID != "42" || got.AppointmentID != "7" {
		t.Fatalf("unexpected visit context: %+v", got)
	}
	if !strings.Contains(rr.Body.String(), `"visit_id":"v-123"`) {
		t.Fatalf("expected visit id in response, got %s", rr.Body.String())
	}
}

func TestAPICaptureStartValidation(t *testing.T) {
	called := false
	h := newTestHandler(t, apiStoreStub{}, ControlHooks{
		Start: func(context.Context, session.VisitContext) (session.VisitContext, error) {
			called = true
			return session.VisitContext{}, nil
		},
	}, Options{})

	tests := []struct {
		name string
		body string
		want string
	}{
		{name: "missing patient", body: `{"appointment_id":"7"}`, want: "patient_id is required"},
		{name: "too long", body: fmt.Sprintf(`{"patient_id":%q}`, strings.Repeat("x", 65)), want: "patient_id must be at most 64 characters"},
		{name: "invalid json", body: `{invalid`, want: "invalid JSON body"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := serve(h, http.MethodPost, "/api/capture/start", tt.body)
			if rr.Code != http.StatusBadRequest {
				t.Fatalf("expected status 400, got %d", rr.Code)
			}
			if !strings.Contains(rr.Body.String(), tt.want) {
				t.Fatalf("expected %q in body, got %s", tt.want, rr.Body.String())
			}
		})
	}
	if called {
		t.Fatal("Start should not be called for invalid requests")
	}
}

func TestAPICaptureStartErrors(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		status   int
		wantKind string
		wantMsg  string
	}{
		{name: "active", err: session.ErrSessionActive, status: http.StatusConflict, wantKind: "session_active", wantMsg: "A recording is already in progress."},
		{name: "no device", err: fmt.Errorf("request stream: %w", audio.ErrDeviceNotFound), status: http.StatusServiceUnavailable, wantKind: "device_not_found", wantMsg: "No microphone found."},
		{name: "permission", err: audio.ErrPermissionDenied, status: http.StatusServiceUnavailable, wantKind: "permission_denied", wantMsg: "Microphone permission denied."},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestHandler(t, apiStoreStub{}, ControlHooks{
				Start: func(context.Context, session.VisitContext) (session.VisitContext, error) {
					return session.VisitContext{}, tt.err
				},
			}, Options{})

			rr := serve(h, http.MethodPost, "/api/capture/start", `{"patient_id":"42"}`)
			if rr.Code != tt.status {
				t.Fatalf("expected status %d, got %d", tt.status, rr.Code)
			}
			var body map[string]string
			if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
				t.Fatalf("decode failed: %v", err)
			}
			if body["kind"] != tt.wantKind || !strings.HasPrefix(body["error"], tt.wantMsg) {
				t.Fatalf("unexpected error body: %v", body)
			}
		})
	}
}

func TestAPICaptureStop(t *testing.T) {
	stops := 0
	h := newTestHandler(t, apiStoreStub{}, ControlHooks{
		Stop: func(context.Context) error {
			stops++
			if stops > 1 {
				return session.ErrNoActiveSession
			}
			return nil
		},
		Status: func() session.CaptureStatus { return session.CaptureStatus{State: session.StateStopped} },
	}, Options{})

	rr := serve(h, http.MethodPost, "/api/capture/stop", "")
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), `"state":"stopped"`) {
		t.Fatalf("expected 200 with stopped status, got %d body=%s", rr.Code, rr.Body.String())
	}

	rr = serve(h, http.MethodPost, "/api/capture/stop", "")
	if rr.Code != http.StatusConflict || !strings.Contains(rr.Body.String(), "no_active_session") {
		t.Fatalf("expected 409 no_active_session, got %d body=%s", rr.Code, rr.Body.String())
	}
}

func TestAPICaptureNotConfigured(t *testing.T) {
	h := newTestHandler(t, apiStoreStub{}, ControlHooks{}, Options{})

	for _, target := range []string{"/api/capture/start", "/api/capture/stop"} {
		if rr := serve(h, http.MethodPost, target, `{"patient_id":"1"}`); rr.Code != http.StatusServiceUnavailable {
			t.Fatalf("%s: expected 503, got %d", target, rr.Code)
		}
	}
}

func TestAPIStatusWithWarnings(t *testing.T) {
	h := newTestHandler(t, apiStoreStub{}, ControlHooks{
		Status: func() session.CaptureStatus {
			return session.CaptureStatus{State: session.StateRecording, Level: 42, Visit: session.VisitContext{VisitID: "v1", PatientID: "p-1"}}
		},
		Warnings: func() []string {
			return []string{"Deepgram API key not configured"}
		},
	}, Options{})

	rr := serve(h, http.MethodGet, "/api/status", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}

	body := rr.Body.String()
	for _, want := range []string{`"state":"recording"`, `"level":42`, `"patient_id":"p-1"`, "Deepgram API key not configured"} {
		if !strings.Contains(body, want) {
			t.Fatalf("expected %s in response, got %s", want, body)
		}
	}
}

func TestAPIStatusNoWarnings(t *testing.T) {
	rr := serve(newTestHandler(t, apiStoreStub{}, ControlHooks{}, Options{}), http.MethodGet, "/api/status", "")

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	body := rr.Body.String()
	if !strings.Contains(body, `"warnings":[]`) || !strings.Contains(body, `"state":"idle"`) {
		t.Fatalf("expected idle status with empty warnings, got %s", body)
	}
}

func TestGetPresets(t *testing.T) {
	h := newTestHandler(t, apiStoreStub{}, ControlHooks{
		Presets: func() []string { return []string{"default", "procedure"} },
	}, Options{})

	rr := serve(h, http.MethodGet, "/api/presets", "")
	var got []string
	if err := json.NewDecoder(rr.Body).Decode(&got); err != nil {
		t.Fatalf("decode response failed: %v", err)
	}
	if len(got) != 2 || got[1] != "procedure" {
		t.Fatalf("unexpected presets %v", got)
	}

	rr = serve(newTestHandler(t, apiStoreStub{}, ControlHooks{}, Options{}), http.MethodGet, "/api/presets", "")
	if strings.TrimSpace(rr.Body.String()) != "[]" {
		t.Fatalf("expected empty presets array, got %s", rr.Body.String())
	}
}

func TestResummarize(t *testing.T) {
	type call struct {
		visitID string
		preset  string
	}
	called := make(chan call, 1)
	h := newTestHandler(t, apiStoreStub{}, ControlHooks{
		Resummarize: func(_ context.Context, visitID, preset string) error {
			called <- call{visitID: visitID, preset: preset}
			return nil
		},
	}, Options{})

	rr := serve(h, http.MethodPost, "/api/visits/v123/resummarize", `{"preset":"procedure"}`)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected status 202, got %d body=%s", rr.Code, rr.Body.String())
	}

	select {
	case got := <-called:
		if got.visitID != "v123" || got.preset != "procedure" {
			t.Fatalf("unexpected call %+v", got)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected resummarize to be called")
	}
}

func TestResummarizeWithoutBody(t *testing.T) {
	var gotPreset = "unset"
	h := newTestHandler(t, apiStoreStub{}, ControlHooks{
		Resummarize: func(_ context.Context, _, preset string) error {
			gotPreset = preset
			return nil
		},
	}, Options{})

	rr := serve(h, http.MethodPost, "/api/visits/v123/resummarize", "")
	if rr.Code != http.StatusAccepted || gotPreset != "" {
		t.Fatalf("expected 202 with router-chosen preset, got %d preset=%q", rr.Code, gotPreset)
	}
}

func TestResummarizeErrors(t *testing.T) {
	tests := []struct {
		name   string
		target string
		body   string
		hooks  ControlHooks
		status int
	}{
		{name: "not configured", target: "/api/visits/v1/resummarize", status: http.StatusServiceUnavailable},
		{
			name:   "invalid id",
			target: "/api/visits/v1.bad/resummarize",
			hooks:  ControlHooks{Resummarize: func(context.Context, string, string) error { return nil }},
			status: http.StatusForbidden,
		},
		{
			name:   "invalid json",
			target: "/api/visits/v1/resummarize",
			body:   `{invalid json`,
			hooks:  ControlHooks{Resummarize: func(context.Context, string, string) error { t.Error("should not be called"); return nil }},
			status: http.StatusBadRequest,
		},
		{
			name:   "missing visit",
			target: "/api/visits/v404/resummarize",
			hooks:  ControlHooks{Resummarize: func(context.Context, string, string) error { return fmt.Errorf("get visit: %w", sql.ErrNoRows) }},
			status: http.StatusNotFound,
		},
		{
			name:   "no transcript",
			target: "/api/visits/v1/resummarize",
			hooks:  ControlHooks{Resummarize: func(context.Context, string, string) error { return session.ErrNoTranscript }},
			status: http.StatusConflict,
		},
		{
			name:   "unknown preset",
			target: "/api/visits/v1/resummarize",
			body:   `{"preset":"nope"}`,
			hooks:  ControlHooks{Resummarize: func(context.Context, string, string) error { return errors.New(`unknown preset "nope"`) }},
			status: http.StatusBadRequest,
		},
		{
			name:   "unsupported",
			target: "/api/visits/v1/resummarize",
			hooks:  ControlHooks{Resummarize: func(context.Context, string, string) error { return session.ErrPresetsUnsupported }},
			status: http.StatusServiceUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := serve(newTestHandler(t, apiStoreStub{}, tt.hooks, Options{}), http.MethodPost, tt.target, tt.body)
			if rr.Code != tt.status {
				t.Fatalf("expected status %d, got %d body=%s", tt.status, rr.Code, rr.Body.String())
			}
		})
	}
}

func TestMetricsMounted(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("visit_scribe_up 1\n"))
	})

	rr := serve(newTestHandler(t, apiStoreStub{}, ControlHooks{}, Options{Metrics: metrics}), http.MethodGet, "/metrics", "")
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), "visit_scribe_up") {
		t.Fatalf("expected metrics output, got %d %s", rr.Code, rr.Body.String())
	}

	rr = serve(newTestHandler(t, apiStoreStub{}, ControlHooks{}, Options{}), http.MethodGet, "/metrics", "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 without metrics handler, got %d", rr.Code)
	}
}

func TestSPAFallback(t *testing.T) {
	rr := serve(newTestHandler(t, apiStoreStub{}, ControlHooks{}, Options{}), http.MethodGet, "/", "")

	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), "<html>ok</html>") {
		t.Fatalf("expected index page, got %d %s", rr.Code, rr.Body.String())
	}
}
