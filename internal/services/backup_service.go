package services

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/sitevault/sitevault-be/internal/backup"
	"github.com/sitevault/sitevault-be/internal/models"
)

var (
	// ErrInvalidArtifactPath is returned when an artifact name resolves
	// outside the backup directory.
	ErrInvalidArtifactPath = errors.New("invalid artifact path")

	// ErrArtifactNotFound is returned when no artifact with the given name exists.
	ErrArtifactNotFound = errors.New("artifact not found")
)

const (
	artifactPrefix = "full-backup-"
	artifactExt    = ".zip"
	exportPrefix   = "db-export-"
	timestampFmt   = "20060102-150405"
)

// BackupServiceProvider defines the interface for backup services.
type BackupServiceProvider interface {
	RunOnce(ctx context.Context) models.BackupResult
	ListArtifacts() ([]models.Artifact, error)
	ArtifactPath(filename string) (string, error)
	DeleteArtifact(filename string) error
}

// DatabaseExporter produces the SQL dump step of a job.
type DatabaseExporter interface {
	Export(ctx context.Context, outputPath string) error
}

// FilesystemArchiver produces the archive step of a job.
type FilesystemArchiver interface {
	Archive(archivePath, extraFile, rootDir string, exclusions []string) error
}

// Notifier pushes job lifecycle messages to connected clients.
type Notifier interface {
	Notify(action string, payload any)
}

// Seam for the disk preflight, swapped out in tests.
var diskFree = func(path string) (uint64, error) {
	usage, err := disk.Usage(path)
	if err != nil {
		return 0, err
	}
	return usage.Free, nil
}

// BackupService runs backup jobs and manages finished artifacts.
type BackupService struct {
	exporter     DatabaseExporter
	archiver     FilesystemArchiver
	events       EventServiceProvider
	notifier     Notifier
	siteRoot     string
	backupDir    string
	minFreeBytes uint64
}

// NewBackupService creates a new BackupService.
func NewBackupService(exporter DatabaseExporter, archiver FilesystemArchiver, events EventServiceProvider, notifier Notifier, siteRoot, backupDir string, minFreeBytes uint64) *BackupService {
	return &BackupService{
		exporter:     exporter,
		archiver:     archiver,
		events:       events,
		notifier:     notifier,
		siteRoot:     siteRoot,
		backupDir:    backupDir,
		minFreeBytes: minFreeBytes,
	}
}

// RunOnce executes one full backup job: export the database, fold the dump
// and the site tree into one archive, clean up the intermediate dump. Each
// invocation is a fresh, independently timestamped job; the caller holds the
// at-most-one-running invariant and persists the returned result.
func (s *BackupService) RunOnce(ctx context.Context) models.BackupResult {
	stamp := time.Now().UTC().Format(timestampFmt)
	log.Info().Str("job", stamp).Msg("Starting full-site backup")
	s.events.CreateEvent("backup.start", "info", "Full-site backup "+stamp+" started.")
	s.notify("backup.started", map[string]string{"job": stamp})

	if err := os.MkdirAll(s.backupDir, 0755); err != nil {
		return s.fail(stamp, fmt.Errorf("%w: %v", backup.ErrDirCreation, err))
	}

	if s.minFreeBytes > 0 {
		if free, err := diskFree(s.backupDir); err == nil && free < s.minFreeBytes {
			return s.fail(stamp, fmt.Errorf("not enough free space on backup volume: %d bytes left", free))
		}
	}

	if s.archiver == nil {
		return s.fail(stamp, backup.ErrArchiverUnavailable)
	}

	sqlPath := filepath.Join(s.backupDir, exportPrefix+stamp+".sql")
	archiveName := artifactPrefix + stamp + artifactExt
	archivePath := filepath.Join(s.backupDir, archiveName)

	s.notify("backup.step", map[string]string{"job": stamp, "step": "export"})
	if err := s.exporter.Export(ctx, sqlPath); err != nil {
		// The export failed before producing anything worth archiving.
		return s.fail(stamp, fmt.Errorf("database export: %w", err))
	}

	s.notify("backup.step", map[string]string{"job": stamp, "step": "archive"})
	archiveErr := s.archiver.Archive(archivePath, sqlPath, s.siteRoot, s.exclusionsFor(archiveName))

	// The intermediate dump never outlives its job, even when archiving
	// failed. Its removal is best-effort so it cannot mask the primary error.
	if err := os.Remove(sqlPath); err != nil && !os.IsNotExist(err) {
		log.Warn().Err(err).Str("path", sqlPath).Msg("Could not remove intermediate database export")
	}

	if archiveErr != nil {
		return s.fail(stamp, fmt.Errorf("site archive: %w", archiveErr))
	}

	info, err := os.Stat(archivePath)
	if err != nil {
		return s.fail(stamp, fmt.Errorf("stat archive: %w", err))
	}

	result := models.BackupResult{
		ID:        uuid.New().String(),
		Status:    models.StatusSuccess,
		Timestamp: time.Now().UTC(),
		FilePath:  archivePath,
		Filename:  archiveName,
		Size:      info.Size(),
	}
	log.Info().Str("job", stamp).Int64("size", info.Size()).Msg("Backup finished")
	s.events.CreateEvent("backup.success", "info", fmt.Sprintf("Backup %s finished (%d bytes).", archiveName, info.Size()))
	s.notify("backup.finished", result)
	return result
}

func (s *BackupService) fail(stamp string, err error) models.BackupResult {
	log.Error().Err(err).Str("job", stamp).Msg("Backup failed")
	s.events.CreateEvent("backup.fail", "error", fmt.Sprintf("Backup %s failed: %v", stamp, err))
	result := models.BackupResult{
		ID:        uuid.New().String(),
		Status:    models.StatusFailure,
		Timestamp: time.Now().UTC(),
		Error:     err.Error(),
	}
	s.notify("backup.failed", result)
	return result
}

func (s *BackupService) notify(action string, payload any) {
	if s.notifier != nil {
		s.notifier.Notify(action, payload)
	}
}

// exclusionsFor builds the default exclusion set: the tool's own directories,
// known cache directories, the backup directory when it lives inside the site
// root, and the archive's own filename.
func (s *BackupService) exclusionsFor(archiveName string) []string {
	exclusions := []string{
		"admin",
		"cache",
		"tmp/cache",
		archiveName,
	}
	if rel, err := filepath.Rel(s.siteRoot, s.backupDir); err == nil && rel != "." && !strings.HasPrefix(rel, "..") {
		exclusions = append(exclusions, filepath.ToSlash(rel))
	}
	return exclusions
}

// ListArtifacts returns the finished archives in the backup directory, newest
// first by modification time.
func (s *BackupService) ListArtifacts() ([]models.Artifact, error) {
	entries, err := os.ReadDir(s.backupDir)
	if err != nil {
		if os.IsNotExist(err) {
			return []models.Artifact{}, nil
		}
		return nil, err
	}

	artifacts := make([]models.Artifact, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, artifactPrefix) || !strings.HasSuffix(name, artifactExt) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			return nil, err
		}
		artifacts = append(artifacts, models.Artifact{
			Filename:   name,
			Size:       info.Size(),
			ModifiedAt: info.ModTime().UTC(),
		})
	}

	sort.Slice(artifacts, func(i, j int) bool {
		return artifacts[i].ModifiedAt.After(artifacts[j].ModifiedAt)
	})
	return artifacts, nil
}

// ArtifactPath resolves an artifact name to its path, rejecting any name that
// escapes the backup directory.
func (s *BackupService) ArtifactPath(filename string) (string, error) {
	if filename == "" || filename != filepath.Base(filename) {
		return "", ErrInvalidArtifactPath
	}

	base, err := filepath.Abs(s.backupDir)
	if err != nil {
		return "", err
	}
	resolved := filepath.Join(base, filename)
	if !strings.HasPrefix(resolved, base+string(os.PathSeparator)) {
		return "", ErrInvalidArtifactPath
	}

	if _, err := os.Stat(resolved); err != nil {
		if os.IsNotExist(err) {
			return "", ErrArtifactNotFound
		}
		return "", err
	}
	return resolved, nil
}

// DeleteArtifact removes a finished archive by name.
func (s *BackupService) DeleteArtifact(filename string) error {
	path, err := s.ArtifactPath(filename)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		return err
	}
	s.events.CreateEvent("artifact.delete", "warn", fmt.Sprintf("Backup artifact %s was deleted.", filename))
	return nil
}
