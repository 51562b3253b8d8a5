package backup

import (
	"archive/zip"
	"crypto/rand"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"testing"
)

func writeFile(t *testing.T, path string, data []byte) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}
}

// randomBytes returns incompressible content so small trees still clear the
// minimum archive size.
func randomBytes(t *testing.T, n int) []byte {
	t.Helper()
	data := make([]byte, n)
	if _, err := rand.Read(data); err != nil {
		t.Fatal(err)
	}
	return data
}

func archiveNames(t *testing.T, path string) []string {
	t.Helper()
	zr, err := zip.OpenReader(path)
	if err != nil {
		t.Fatalf("could not open archive: %v", err)
	}
	defer zr.Close()

	var names []string
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	return names
}

func TestArchiveRoundTrip(t *testing.T) {
	tmp := t.TempDir()
	root := filepath.Join(tmp, "site")
	writeFile(t, filepath.Join(root, "a.txt"), randomBytes(t, 4096))
	writeFile(t, filepath.Join(root, "b", "c.txt"), []byte("hello"))

	extra := filepath.Join(tmp, "dump.sql")
	writeFile(t, extra, []byte("-- dump\n"))

	archivePath := filepath.Join(tmp, "out.zip")
	if err := NewArchiver().Archive(archivePath, extra, root, nil); err != nil {
		t.Fatalf("archive failed: %v", err)
	}

	names := archiveNames(t, archivePath)
	if len(names) == 0 || names[0] != "dump.sql" {
		t.Errorf("extra file is not the first entry: %v", names)
	}

	sort.Strings(names)
	want := []string{"a.txt", "b/", "b/c.txt", "dump.sql"}
	if len(names) != len(want) {
		t.Fatalf("expected entries %v, got %v", want, names)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("expected entries %v, got %v", want, names)
		}
	}

	if _, err := os.Stat(archivePath + ".tmp"); !os.IsNotExist(err) {
		t.Error("temporary archive file was left behind")
	}
}

func TestArchiveExclusionIsPrefixMatch(t *testing.T) {
	tmp := t.TempDir()
	root := filepath.Join(tmp, "site")
	writeFile(t, filepath.Join(root, "cache", "x.txt"), []byte("cached"))
	writeFile(t, filepath.Join(root, "cached-stuff", "x.txt"), []byte("also excluded"))
	writeFile(t, filepath.Join(root, "keep.txt"), randomBytes(t, 4096))

	archivePath := filepath.Join(tmp, "out.zip")
	if err := NewArchiver().Archive(archivePath, "", root, []string{"cache"}); err != nil {
		t.Fatalf("archive failed: %v", err)
	}

	names := archiveNames(t, archivePath)
	for _, name := range names {
		if name == "cache/x.txt" {
			t.Error("excluded prefix cache/ was archived")
		}
		// Prefix semantics, not globs: "cache" also matches "cached-stuff".
		if name == "cached-stuff/x.txt" || name == "cached-stuff/" {
			t.Error("prefix match should also exclude cached-stuff")
		}
	}
	found := false
	for _, name := range names {
		if name == "keep.txt" {
			found = true
		}
	}
	if !found {
		t.Error("non-excluded file missing from archive")
	}
}

func TestArchiveSelfExclusion(t *testing.T) {
	tmp := t.TempDir()
	root := filepath.Join(tmp, "site")
	writeFile(t, filepath.Join(root, "keep.txt"), randomBytes(t, 4096))
	// A stale artifact from an earlier job sits inside the tree being archived.
	writeFile(t, filepath.Join(root, "out.zip"), []byte("old archive"))

	archivePath := filepath.Join(root, "out.zip")
	if err := NewArchiver().Archive(archivePath, "", root, []string{"out.zip"}); err != nil {
		t.Fatalf("archive failed: %v", err)
	}

	count := 0
	for _, name := range archiveNames(t, archivePath) {
		if name == "out.zip" {
			count++
		}
	}
	if count != 0 {
		t.Error("archive contains its own output file")
	}
}

func TestArchiveTooSmallIsEmpty(t *testing.T) {
	tmp := t.TempDir()
	root := filepath.Join(tmp, "site")
	writeFile(t, filepath.Join(root, "tiny.txt"), []byte("x"))

	archivePath := filepath.Join(tmp, "out.zip")
	err := NewArchiver().Archive(archivePath, "", root, nil)
	if !errors.Is(err, ErrArchiveEmpty) {
		t.Fatalf("expected ErrArchiveEmpty, got %v", err)
	}

	if _, statErr := os.Stat(archivePath); !os.IsNotExist(statErr) {
		t.Error("undersized archive was finalized into place")
	}
	if _, statErr := os.Stat(archivePath + ".tmp"); !os.IsNotExist(statErr) {
		t.Error("temporary archive file was left behind")
	}
}

func TestArchiveMissingExtraFileTolerated(t *testing.T) {
	tmp := t.TempDir()
	root := filepath.Join(tmp, "site")
	writeFile(t, filepath.Join(root, "keep.txt"), randomBytes(t, 4096))

	archivePath := filepath.Join(tmp, "out.zip")
	if err := NewArchiver().Archive(archivePath, filepath.Join(tmp, "does-not-exist.sql"), root, nil); err != nil {
		t.Fatalf("archive failed: %v", err)
	}

	for _, name := range archiveNames(t, archivePath) {
		if name == "does-not-exist.sql" {
			t.Error("missing extra file appeared in archive")
		}
	}
}

func TestArchiveEmptyDirectoriesKept(t *testing.T) {
	tmp := t.TempDir()
	root := filepath.Join(tmp, "site")
	writeFile(t, filepath.Join(root, "keep.txt"), randomBytes(t, 4096))
	if err := os.MkdirAll(filepath.Join(root, "uploads", "empty"), 0755); err != nil {
		t.Fatal(err)
	}

	archivePath := filepath.Join(tmp, "out.zip")
	if err := NewArchiver().Archive(archivePath, "", root, nil); err != nil {
		t.Fatalf("archive failed: %v", err)
	}

	found := false
	for _, name := range archiveNames(t, archivePath) {
		if name == "uploads/empty/" {
			found = true
		}
	}
	if !found {
		t.Error("empty directory entry missing from archive")
	}
}
