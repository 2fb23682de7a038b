// Package gdrive mirrors the daily visit notes into a Google Drive folder.
package gdrive

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2/google"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/option"
)

const docPrefix = "visit-scribe-"

// files is the slice of the Drive API the syncer needs.
type files interface {
	create(ctx context.Context, name, folderID string, media io.Reader) (string, error)
	update(ctx context.Context, fileID string, media io.Reader) error
}

type Syncer struct {
	files    files
	folderID string
	logger   *slog.Logger

	mu      sync.Mutex
	fileIDs map[string]string
	synced  map[string]time.Time
}

func NewSyncer(ctx context.Context, credPath, folderID string, logger *slog.Logger) (*Syncer, error) {
	creds, err := os.ReadFile(credPath)
	if err != nil {
		return nil, fmt.Errorf("read credentials: %w", err)
	}

	config, err := google.CredentialsFromJSONWithTypeAndParams(ctx, creds, google.ServiceAccount, google.CredentialsParams{Scopes: []string{drive.DriveFileScope}})
	if err != nil {
		return nil, fmt.Errorf("parse credentials: %w", err)
	}

	svc, err := drive.NewService(ctx, option.WithCredentials(config))
	if err != nil {
		return nil, fmt.Errorf("create drive service: %w", err)
	}

	return newSyncer(driveFiles{svc: svc}, folderID, logger), nil
}

func newSyncer(f files, folderID string, logger *slog.Logger) *Syncer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Syncer{
		files:    f,
		folderID: folderID,
		logger:   logger,
		fileIDs:  make(map[string]string),
		synced:   make(map[string]time.Time),
	}
}

// Sync uploads one daily notes file as the Google Doc for date, creating the
// doc on first sync and replacing its content afterwards.
func (s *Syncer) Sync(ctx context.Context, localPath, date string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.syncLocked(ctx, localPath, date)
}

func (s *Syncer) syncLocked(ctx context.Context, localPath, date string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open %s: %w", localPath, err)
	}
	defer func() { _ = f.Close() }()

	if fileID, ok := s.fileIDs[date]; ok {
		if err := s.files.update(ctx, fileID, f); err != nil {
			return fmt.Errorf("drive update: %w", err)
		}
		return nil
	}

	fileID, err := s.files.create(ctx, docPrefix+date, s.folderID, f)
	if err != nil {
		return fmt.Errorf("drive create: %w", err)
	}
	s.fileIDs[date] = fileID
	return nil
}

// SyncDir uploads every YYYY-MM-DD.md file in dir that changed since it was
// last synced. It returns how many files were uploaded.
func (s *Syncer) SyncDir(ctx context.Context, dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("read notes dir: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	uploaded := 0
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || filepath.Ext(name) != ".md" {
			continue
		}
		date := strings.TrimSuffix(name, ".md")
		if _, err := time.Parse("2006-01-02", date); err != nil {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			return uploaded, fmt.Errorf("stat %s: %w", name, err)
		}
		if last, ok := s.synced[date]; ok && !info.ModTime().After(last) {
			continue
		}

		if err := s.syncLocked(ctx, filepath.Join(dir, name), date); err != nil {
			return uploaded, err
		}
		s.synced[date] = info.ModTime()
		uploaded++
	}
	return uploaded, nil
}

// Run syncs dir every interval until ctx is done. Failures are logged and
// retried on the next tick.
func (s *Syncer) Run(ctx context.Context, dir string, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := s.SyncDir(ctx, dir)
			if err != nil {
				s.logger.Warn("drive sync failed", "err", err)
				continue
			}
			if n > 0 {
				s.logger.Info("notes synced to drive", "files", n)
			}
		}
	}
}

type driveFiles struct {
	svc *drive.Service
}

func (d driveFiles) create(ctx context.Context, name, folderID string, media io.Reader) (string, error) {
	doc, err := d.svc.Files.Create(&drive.File{
		Name:     name,
		MimeType: "application/vnd.google-apps.document",
		Parents:  []string{folderID},
	}).Media(media).Context(ctx).Do()
	if err != nil {
		return "", err
	}
	return doc.Id, nil
}

func (d driveFiles) update(ctx context.Context, fileID string, media io.Reader) error {
	_, err := d.svc.Files.Update(fileID, &drive.File{}).Media(media).Context(ctx).Do()
	return err
}
