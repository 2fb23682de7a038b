package gdrive

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"
)

type fakeFiles struct {
	created map[string]string
	updated map[string]string
	nextID  int
	fail    error
}

func newFakeFiles() *fakeFiles {
	return &fakeFiles{created: map[string]string{}, updated: map[string]string{}}
}

func (f *fakeFiles) create(_ context.Context, name, _ string, media io.Reader) (string, error) {
	if f.fail != nil {
		return "", f.fail
	}
	data, _ := io.ReadAll(media)
	f.nextID++
	f.created[name] = string(data)
	return name + "-id", nil
}

func (f *fakeFiles) update(_ context.Context, fileID string, media io.Reader) error {
	if f.fail != nil {
		return f.fail
	}
	data, _ := io.ReadAll(media)
	f.updated[fileID] = string(data)
	return nil
}

func writeNote(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestSyncCreatesThenUpdates(t *testing.T) {
	dir := t.TempDir()
	path := writeNote(t, dir, "2026-03-01.md", "first")
	files := newFakeFiles()
	s := newSyncer(files, "folder", nil)

	if err := s.Sync(context.Background(), path, "2026-03-01"); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if files.created["visit-scribe-2026-03-01"] != "first" {
		t.Fatalf("expected doc created with content, got %v", files.created)
	}

	writeNote(t, dir, "2026-03-01.md", "second")
	if err := s.Sync(context.Background(), path, "2026-03-01"); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if files.nextID != 1 {
		t.Fatalf("expected a single create, got %d", files.nextID)
	}
	if files.updated["visit-scribe-2026-03-01-id"] != "second" {
		t.Fatalf("expected update with new content, got %v", files.updated)
	}
}

func TestSyncDirSkipsUnchangedAndForeignFiles(t *testing.T) {
	dir := t.TempDir()
	writeNote(t, dir, "2026-03-01.md", "visit notes")
	writeNote(t, dir, "readme.md", "ignored")
	writeNote(t, dir, "2026-03-02.txt", "ignored")
	files := newFakeFiles()
	s := newSyncer(files, "folder", nil)

	n, err := s.SyncDir(context.Background(), dir)
	if err != nil || n != 1 {
		t.Fatalf("expected one upload, got %d err=%v", n, err)
	}

	n, err = s.SyncDir(context.Background(), dir)
	if err != nil || n != 0 {
		t.Fatalf("expected no upload for unchanged file, got %d err=%v", n, err)
	}

	later := time.Now().Add(time.Minute)
	path := writeNote(t, dir, "2026-03-01.md", "more notes")
	if err := os.Chtimes(path, later, later); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
	n, err = s.SyncDir(context.Background(), dir)
	if err != nil || n != 1 {
		t.Fatalf("expected changed file to upload, got %d err=%v", n, err)
	}
	if files.updated["visit-scribe-2026-03-01-id"] != "more notes" {
		t.Fatalf("expected updated content, got %v", files.updated)
	}
}

func TestSyncDirMissingDir(t *testing.T) {
	s := newSyncer(newFakeFiles(), "folder", nil)

	n, err := s.SyncDir(context.Background(), filepath.Join(t.TempDir(), "missing"))
	if err != nil || n != 0 {
		t.Fatalf("expected no-op for missing dir, got %d err=%v", n, err)
	}
}

func TestSyncDirRetriesAfterFailure(t *testing.T) {
	dir := t.TempDir()
	writeNote(t, dir, "2026-03-01.md", "notes")
	files := newFakeFiles()
	files.fail = errors.New("quota exceeded")
	s := newSyncer(files, "folder", nil)

	if _, err := s.SyncDir(context.Background(), dir); err == nil {
		t.Fatal("expected drive error")
	}

	files.fail = nil
	n, err := s.SyncDir(context.Background(), dir)
	if err != nil || n != 1 {
		t.Fatalf("expected retry to upload, got %d err=%v", n, err)
	}
}
