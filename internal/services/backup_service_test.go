package services

import (
	"context"
	"crypto/rand"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sitevault/sitevault-be/internal/backup"
	"github.com/sitevault/sitevault-be/internal/models"
)

type fakeExporter struct {
	err   error
	calls int
}

func (f *fakeExporter) Export(ctx context.Context, outputPath string) error {
	f.calls++
	if f.err != nil {
		return f.err
	}
	return os.WriteFile(outputPath, []byte("-- dump\n"), 0644)
}

type fakeArchiver struct {
	err        error
	calls      int
	extraFile  string
	exclusions []string
}

func (f *fakeArchiver) Archive(archivePath, extraFile, rootDir string, exclusions []string) error {
	f.calls++
	f.extraFile = extraFile
	f.exclusions = exclusions
	if f.err != nil {
		return f.err
	}
	data := make([]byte, 4096)
	rand.Read(data)
	return os.WriteFile(archivePath, data, 0644)
}

type fakeEvents struct {
	types []string
}

func (f *fakeEvents) CreateEvent(eventType, level, message string) error {
	f.types = append(f.types, eventType)
	return nil
}

func (f *fakeEvents) GetRecentEvents(limit int) ([]models.Event, error) {
	return nil, nil
}

func newTestBackupService(t *testing.T, exporter *fakeExporter, archiver *fakeArchiver, events *fakeEvents) (*BackupService, string) {
	t.Helper()
	tmp := t.TempDir()
	siteRoot := filepath.Join(tmp, "site")
	backupDir := filepath.Join(siteRoot, "backups")
	if err := os.MkdirAll(siteRoot, 0755); err != nil {
		t.Fatal(err)
	}
	var fsArchiver FilesystemArchiver
	if archiver != nil {
		fsArchiver = archiver
	}
	return NewBackupService(exporter, fsArchiver, events, nil, siteRoot, backupDir, 0), backupDir
}

func TestRunOnceSuccess(t *testing.T) {
	exporter := &fakeExporter{}
	archiver := &fakeArchiver{}
	events := &fakeEvents{}
	svc, backupDir := newTestBackupService(t, exporter, archiver, events)

	result := svc.RunOnce(context.Background())

	if !result.Succeeded() {
		t.Fatalf("expected success, got %+v", result)
	}
	if !strings.HasPrefix(result.Filename, "full-backup-") || !strings.HasSuffix(result.Filename, ".zip") {
		t.Errorf("unexpected artifact name: %s", result.Filename)
	}

	info, err := os.Stat(result.FilePath)
	if err != nil {
		t.Fatalf("artifact missing: %v", err)
	}
	if result.Size != info.Size() {
		t.Errorf("result size %d does not match file size %d", result.Size, info.Size())
	}

	// The intermediate export never outlives its job.
	entries, _ := os.ReadDir(backupDir)
	for _, entry := range entries {
		if strings.HasSuffix(entry.Name(), ".sql") {
			t.Errorf("intermediate export left behind: %s", entry.Name())
		}
	}

	if archiver.extraFile == "" || !strings.HasPrefix(filepath.Base(archiver.extraFile), "db-export-") {
		t.Errorf("archiver did not receive the database export: %q", archiver.extraFile)
	}

	// The backup directory lives inside the site root, so it must be excluded
	// along with the archive's own filename.
	wantExclusions := []string{"backups", result.Filename}
	for _, want := range wantExclusions {
		found := false
		for _, got := range archiver.exclusions {
			if got == want {
				found = true
			}
		}
		if !found {
			t.Errorf("exclusion %q missing from %v", want, archiver.exclusions)
		}
	}

	if len(events.types) == 0 || events.types[len(events.types)-1] != "backup.success" {
		t.Errorf("missing backup.success event: %v", events.types)
	}
}

func TestRunOnceExportFailureSkipsArchive(t *testing.T) {
	exporter := &fakeExporter{err: backup.ErrNoTables}
	archiver := &fakeArchiver{}
	events := &fakeEvents{}
	svc, _ := newTestBackupService(t, exporter, archiver, events)

	result := svc.RunOnce(context.Background())

	if result.Succeeded() {
		t.Fatal("expected failure")
	}
	if !strings.Contains(result.Error, "no database tables") {
		t.Errorf("failure message lost: %q", result.Error)
	}
	if archiver.calls != 0 {
		t.Error("archiver ran after a failed export")
	}
}

func TestRunOnceArchiveFailureStillCleansUp(t *testing.T) {
	exporter := &fakeExporter{}
	archiver := &fakeArchiver{err: backup.ErrArchiveEmpty}
	events := &fakeEvents{}
	svc, backupDir := newTestBackupService(t, exporter, archiver, events)

	result := svc.RunOnce(context.Background())

	if result.Succeeded() {
		t.Fatal("expected failure")
	}
	if !errorMentions(result.Error, "archive") {
		t.Errorf("unexpected failure message: %q", result.Error)
	}

	entries, _ := os.ReadDir(backupDir)
	for _, entry := range entries {
		if strings.HasSuffix(entry.Name(), ".sql") {
			t.Errorf("intermediate export left behind after archive failure: %s", entry.Name())
		}
	}
}

func errorMentions(msg, substr string) bool {
	return strings.Contains(strings.ToLower(msg), substr)
}

func TestRunOnceWithoutArchiver(t *testing.T) {
	exporter := &fakeExporter{}
	events := &fakeEvents{}
	svc, _ := newTestBackupService(t, exporter, nil, events)

	result := svc.RunOnce(context.Background())

	if result.Succeeded() {
		t.Fatal("expected failure")
	}
	if !strings.Contains(result.Error, backup.ErrArchiverUnavailable.Error()) {
		t.Errorf("unexpected failure message: %q", result.Error)
	}
	if exporter.calls != 0 {
		t.Error("export ran without an archiver to consume it")
	}
}

func TestListArtifactsNewestFirst(t *testing.T) {
	svc, backupDir := newTestBackupService(t, &fakeExporter{}, &fakeArchiver{}, &fakeEvents{})
	if err := os.MkdirAll(backupDir, 0755); err != nil {
		t.Fatal(err)
	}

	now := time.Now()
	names := []string{
		"full-backup-20260101-000000.zip",
		"full-backup-20260301-000000.zip",
		"full-backup-20260201-000000.zip",
	}
	ages := []time.Duration{72 * time.Hour, 0, 24 * time.Hour}
	for i, name := range names {
		path := filepath.Join(backupDir, name)
		if err := os.WriteFile(path, []byte("zip"), 0644); err != nil {
			t.Fatal(err)
		}
		mtime := now.Add(-ages[i])
		if err := os.Chtimes(path, mtime, mtime); err != nil {
			t.Fatal(err)
		}
	}
	// Files with the wrong shape are not artifacts.
	os.WriteFile(filepath.Join(backupDir, "notes.txt"), []byte("x"), 0644)
	os.WriteFile(filepath.Join(backupDir, "db-export-20260301-000000.sql"), []byte("x"), 0644)

	artifacts, err := svc.ListArtifacts()
	if err != nil {
		t.Fatal(err)
	}

	want := []string{
		"full-backup-20260301-000000.zip",
		"full-backup-20260201-000000.zip",
		"full-backup-20260101-000000.zip",
	}
	if len(artifacts) != len(want) {
		t.Fatalf("expected %d artifacts, got %d", len(want), len(artifacts))
	}
	for i := range want {
		if artifacts[i].Filename != want[i] {
			t.Errorf("position %d: expected %s, got %s", i, want[i], artifacts[i].Filename)
		}
	}
}

func TestDeleteArtifactRejectsTraversal(t *testing.T) {
	svc, backupDir := newTestBackupService(t, &fakeExporter{}, &fakeArchiver{}, &fakeEvents{})
	if err := os.MkdirAll(backupDir, 0755); err != nil {
		t.Fatal(err)
	}

	// A file outside the backup directory that a crafted name tries to reach.
	victim := filepath.Join(filepath.Dir(backupDir), "wp-config.php")
	if err := os.WriteFile(victim, []byte("secrets"), 0644); err != nil {
		t.Fatal(err)
	}

	cases := []string{
		"../wp-config.php",
		"../../etc/passwd",
		"nested/file.zip",
		"",
		".",
	}
	for _, name := range cases {
		if err := svc.DeleteArtifact(name); !errors.Is(err, ErrInvalidArtifactPath) {
			t.Errorf("name %q: expected ErrInvalidArtifactPath, got %v", name, err)
		}
	}

	if _, err := os.Stat(victim); err != nil {
		t.Error("file outside the backup directory was touched")
	}
}

func TestDeleteArtifactRemovesFile(t *testing.T) {
	events := &fakeEvents{}
	svc, backupDir := newTestBackupService(t, &fakeExporter{}, &fakeArchiver{}, events)
	if err := os.MkdirAll(backupDir, 0755); err != nil {
		t.Fatal(err)
	}

	name := "full-backup-20260301-000000.zip"
	if err := os.WriteFile(filepath.Join(backupDir, name), []byte("zip"), 0644); err != nil {
		t.Fatal(err)
	}

	if err := svc.DeleteArtifact(name); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(backupDir, name)); !os.IsNotExist(err) {
		t.Error("artifact still exists after delete")
	}
	if err := svc.DeleteArtifact(name); !errors.Is(err, ErrArtifactNotFound) {
		t.Errorf("expected ErrArtifactNotFound on second delete, got %v", err)
	}

	found := false
	for _, typ := range events.types {
		if typ == "artifact.delete" {
			found = true
		}
	}
	if !found {
		t.Error("artifact.delete event was not recorded")
	}
}
