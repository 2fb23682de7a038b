package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Transcript and summary progress.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusSkipped   = "skipped"
)

// Visit lifecycle.
const (
	VisitRecording = "recording"
	VisitEnded     = "ended"
	VisitFailed    = "failed"
)

type Visit struct {
	ID               string     `json:"id"`
	PatientID        string     `json:"patient_id"`
	AppointmentID    string     `json:"appointment_id,omitempty"`
	StartedAt        time.Time  `json:"started_at"`
	EndedAt          *time.Time `json:"ended_at,omitempty"`
	Status           string     `json:"status"`
	StopReason       string     `json:"stop_reason,omitempty"`
	AudioBytes       int        `json:"audio_bytes"`
	AudioPath        string     `json:"audio_path,omitempty"`
	Transcript       string     `json:"transcript"`
	TranscriptStatus string     `json:"transcript_status"`
	Summary          string     `json:"summary,omitempty"`
	SummaryStatus    string     `json:"summary_status"`
	Error            string     `json:"error,omitempty"`
}

type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if strings.TrimSpace(dbPath) == "" {
		dbPath = filepath.Join("data", "visit-scribe.db")
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

func (s *SQLiteStore) init() error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("apply pragma %q: %w", p, err)
		}
	}

	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS visits (
			id TEXT PRIMARY KEY,
			patient_id TEXT NOT NULL,
			appointment_id TEXT NOT NULL DEFAULT '',
			started_at TEXT NOT NULL,
			ended_at TEXT,
			status TEXT NOT NULL,
			stop_reason TEXT NOT NULL DEFAULT '',
			audio_bytes INTEGER NOT NULL DEFAULT 0,
			audio_path TEXT NOT NULL DEFAULT '',
			transcript TEXT NOT NULL DEFAULT '',
			transcript_status TEXT NOT NULL DEFAULT 'pending',
			summary TEXT NOT NULL DEFAULT '',
			summary_status TEXT NOT NULL DEFAULT 'pending',
			error TEXT NOT NULL DEFAULT ''
		);
	`); err != nil {
		return fmt.Errorf("create visits table: %w", err)
	}

	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS summary_requests (
			visit_id TEXT NOT NULL,
			prompt_hash TEXT NOT NULL,
			created_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(visit_id, prompt_hash)
		);
	`); err != nil {
		return fmt.Errorf("create summary_requests table: %w", err)
	}

	if _, err := s.db.Exec("CREATE INDEX IF NOT EXISTS idx_visits_started_at ON visits(started_at)"); err != nil {
		return fmt.Errorf("create visits index: %w", err)
	}
	if _, err := s.db.Exec("CREATE INDEX IF NOT EXISTS idx_visits_patient ON visits(patient_id, started_at)"); err != nil {
		return fmt.Errorf("create patient index: %w", err)
	}

	return nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

func (s *SQLiteStore) CreateVisit(v Visit) error {
	if strings.TrimSpace(v.ID) == "" {
		return errors.New("visit id is required")
	}
	if strings.TrimSpace(v.PatientID) == "" {
		return errors.New("patient id is required")
	}
	if v.Status == "" {
		v.Status = VisitRecording
	}

	_, err := s.db.Exec(
		`INSERT INTO visits(id, patient_id, appointment_id, started_at, status, transcript_status, summary_status)
		 VALUES(?, ?, ?, ?, ?, ?, ?)`,
		v.ID,
		v.PatientID,
		v.AppointmentID,
		v.StartedAt.UTC().Format(time.RFC3339Nano),
		v.Status,
		StatusPending,
		StatusPending,
	)
	if err != nil {
		return fmt.Errorf("create visit %s: %w", v.ID, err)
	}
	return nil
}

func (s *SQLiteStore) DeleteVisit(id string) error {
	if _, err := s.db.Exec(`DELETE FROM visits WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete visit %s: %w", id, err)
	}
	return nil
}

func (s *SQLiteStore) EndVisit(id string, endedAt time.Time, reason string, audioBytes int) error {
	return s.execOne(
		fmt.Sprintf("end visit %s", id),
		`UPDATE visits SET ended_at = ?, status = ?, stop_reason = ?, audio_bytes = ? WHERE id = ?`,
		endedAt.UTC().Format(time.RFC3339Nano),
		VisitEnded,
		reason,
		audioBytes,
		id,
	)
}

func (s *SQLiteStore) FailVisit(id string, endedAt time.Time, errMsg string) error {
	return s.execOne(
		fmt.Sprintf("fail visit %s", id),
		`UPDATE visits SET ended_at = ?, status = ?, error = ?, transcript_status = ?, summary_status = ? WHERE id = ?`,
		endedAt.UTC().Format(time.RFC3339Nano),
		VisitFailed,
		errMsg,
		StatusSkipped,
		StatusSkipped,
		id,
	)
}

func (s *SQLiteStore) SetAudioPath(id, path string) error {
	return s.execOne(
		fmt.Sprintf("set audio path for visit %s", id),
		`UPDATE visits SET audio_path = ? WHERE id = ?`,
		path,
		id,
	)
}

func (s *SQLiteStore) UpdateTranscript(id, transcript, status, errMsg string) error {
	return s.execOne(
		fmt.Sprintf("update transcript for visit %s", id),
		`UPDATE visits SET transcript = ?, transcript_status = ?, error = CASE WHEN ? = '' THEN error ELSE ? END WHERE id = ?`,
		strings.TrimSpace(transcript),
		status,
		errMsg,
		errMsg,
		id,
	)
}

func (s *SQLiteStore) UpdateSummary(id, summaryJSON, status, errMsg string) error {
	return s.execOne(
		fmt.Sprintf("update summary for visit %s", id),
		`UPDATE visits SET summary = ?, summary_status = ?, error = CASE WHEN ? = '' THEN error ELSE ? END WHERE id = ?`,
		summaryJSON,
		status,
		errMsg,
		errMsg,
		id,
	)
}

func (s *SQLiteStore) execOne(op, query string, args ...any) error {
	res, err := s.db.Exec(query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s rows affected: %w", op, err)
	}
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

const visitColumns = `id, patient_id, appointment_id, started_at, ended_at, status, stop_reason, audio_bytes,
	audio_path, transcript, transcript_status, summary, summary_status, error`

func (s *SQLiteStore) GetVisit(id string) (Visit, error) {
	row := s.db.QueryRow(`SELECT `+visitColumns+` FROM visits WHERE id = ?`, id)
	v, err := scanVisit(row)
	if err != nil {
		return Visit{}, fmt.Errorf("query visit %s: %w", id, err)
	}
	return v, nil
}

func (s *SQLiteStore) GetVisitsByDate(date string) ([]Visit, error) {
	rows, err := s.db.Query(
		`SELECT `+visitColumns+`
		 FROM visits
		 WHERE substr(started_at, 1, 10) = ?
		 ORDER BY started_at DESC`,
		date,
	)
	if err != nil {
		return nil, fmt.Errorf("query visits by date %s: %w", date, err)
	}
	defer func() { _ = rows.Close() }()

	return scanVisits(rows)
}

func (s *SQLiteStore) GetVisitsByPatient(patientID string) ([]Visit, error) {
	rows, err := s.db.Query(
		`SELECT `+visitColumns+`
		 FROM visits
		 WHERE patient_id = ?
		 ORDER BY started_at DESC`,
		patientID,
	)
	if err != nil {
		return nil, fmt.Errorf("query visits for patient %s: %w", patientID, err)
	}
	defer func() { _ = rows.Close() }()

	return scanVisits(rows)
}

func (s *SQLiteStore) GetDates() ([]string, error) {
	rows, err := s.db.Query(
		`SELECT DISTINCT substr(started_at, 1, 10) AS date FROM visits ORDER BY date DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("query dates: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var dates []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, fmt.Errorf("scan date: %w", err)
		}
		dates = append(dates, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate dates rows: %w", err)
	}

	return dates, nil
}

// ClaimSummaryRequest records that a summary for this visit and prompt is
// being generated. It returns false when an identical request was already claimed.
func (s *SQLiteStore) ClaimSummaryRequest(visitID, promptHash string) (bool, error) {
	res, err := s.db.Exec(
		`INSERT OR IGNORE INTO summary_requests(visit_id, prompt_hash) VALUES(?, ?)`,
		visitID,
		promptHash,
	)
	if err != nil {
		return false, fmt.Errorf("claim summary request for visit %s: %w", visitID, err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim summary rows affected: %w", err)
	}

	return rows > 0, nil
}

// ReleaseSummaryRequest forgets a claim so the same transcript can be
// summarized again after a failed attempt.
func (s *SQLiteStore) ReleaseSummaryRequest(visitID, promptHash string) error {
	if _, err := s.db.Exec(
		`DELETE FROM summary_requests WHERE visit_id = ? AND prompt_hash = ?`,
		visitID,
		promptHash,
	); err != nil {
		return fmt.Errorf("release summary request for visit %s: %w", visitID, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanVisit(row rowScanner) (Visit, error) {
	var v Visit
	var startedAt string
	var endedAt sql.NullString
	if err := row.Scan(
		&v.ID, &v.PatientID, &v.AppointmentID, &startedAt, &endedAt, &v.Status, &v.StopReason, &v.AudioBytes,
		&v.AudioPath, &v.Transcript, &v.TranscriptStatus, &v.Summary, &v.SummaryStatus, &v.Error,
	); err != nil {
		return Visit{}, err
	}

	parsedStart, err := time.Parse(time.RFC3339Nano, startedAt)
	if err != nil {
		return Visit{}, fmt.Errorf("parse started_at: %w", err)
	}
	v.StartedAt = parsedStart

	if endedAt.Valid {
		parsedEnd, err := time.Parse(time.RFC3339Nano, endedAt.String)
		if err != nil {
			return Visit{}, fmt.Errorf("parse ended_at: %w", err)
		}
		v.EndedAt = &parsedEnd
	}

	return v, nil
}

func scanVisits(rows *sql.Rows) ([]Visit, error) {
	visits := make([]Visit, 0, 16)
	for rows.Next() {
		v, err := scanVisit(rows)
		if err != nil {
			return nil, fmt.Errorf("scan visit: %w", err)
		}
		visits = append(visits, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate visit rows: %w", err)
	}

	return visits, nil
}
