package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Note is one entry in the daily visit notes file.
type Note struct {
	VisitID   string
	PatientID string
	Timestamp time.Time
	Title     string
	Body      string
}

// FormatMarkdown renders the note as a markdown section.
func (n Note) FormatMarkdown() string {
	ts := n.Timestamp.Format("15:04:05")
	var b strings.Builder
	fmt.Fprintf(&b, "### [%s] %s: patient %s (visit %s)\n\n", ts, n.Title, n.PatientID, n.VisitID)
	b.WriteString(strings.TrimSpace(n.Body))
	b.WriteString("\n")
	return b.String()
}

// Writer appends notes to one markdown file per day.
type Writer struct {
	dir string
	mu  sync.Mutex
}

func NewWriter(dir string) *Writer {
	return &Writer{dir: dir}
}

func (w *Writer) Append(note Note) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", w.dir, err)
	}

	if note.Timestamp.IsZero() {
		note.Timestamp = time.Now()
	}
	path := w.PathFor(note.Timestamp)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	if _, err := fmt.Fprintln(f, note.FormatMarkdown()); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}

	return nil
}

func (w *Writer) PathFor(t time.Time) string {
	return filepath.Join(w.dir, t.Format("2006-01-02")+".md")
}

func (w *Writer) CurrentPath() string {
	return w.PathFor(time.Now())
}
