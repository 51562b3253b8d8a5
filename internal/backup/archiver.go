package backup

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// minArchiveBytes is the smallest plausible size for a real site archive.
// Anything at or below it is treated as a truncated or empty backup.
const minArchiveBytes = 1024

// Archiver builds a zip archive of the site tree plus the database export.
type Archiver struct {
	minSize int64
}

// NewArchiver creates a zip Archiver with the default minimum-size check.
func NewArchiver() *Archiver {
	return &Archiver{minSize: minArchiveBytes}
}

// Archive writes the archive to a temporary file and renames it into place
// only once it passed the minimum-size check, so a half-written archive never
// shows up as a finished artifact.
//
// extraFile, when present, is stored at the archive's top level under its base
// name. rootDir is walked pre-order; an entry whose root-relative path starts
// with any of the exclusion prefixes is skipped, directories wholesale.
func (a *Archiver) Archive(archivePath, extraFile, rootDir string, exclusions []string) error {
	if a == nil {
		return ErrArchiverUnavailable
	}

	tmpPath := archivePath + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrArchiveOpen, err)
	}
	zw := zip.NewWriter(f)

	if err := a.writeEntries(zw, extraFile, rootDir, exclusions); err != nil {
		zw.Close()
		f.Close()
		os.Remove(tmpPath)
		return err
	}

	if err := zw.Close(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("finalize archive: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("finalize archive: %w", err)
	}

	info, err := os.Stat(tmpPath)
	if err != nil || info.Size() <= a.minSize {
		os.Remove(tmpPath)
		return ErrArchiveEmpty
	}

	if err := os.Rename(tmpPath, archivePath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("finalize archive: %w", err)
	}
	return nil
}

func (a *Archiver) writeEntries(zw *zip.Writer, extraFile, rootDir string, exclusions []string) error {
	if extraFile != "" {
		if info, err := os.Stat(extraFile); err == nil && !info.IsDir() {
			if err := addFile(zw, filepath.Base(extraFile), extraFile); err != nil {
				return err
			}
		}
	}

	return filepath.Walk(rootDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		relPath, err := filepath.Rel(rootDir, path)
		if err != nil {
			return err
		}
		if relPath == "." {
			return nil
		}
		relPath = filepath.ToSlash(relPath)

		if excluded(relPath, exclusions) {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		if info.IsDir() {
			_, err = zw.Create(relPath + "/")
			return err
		}
		return addFile(zw, relPath, path)
	})
}

func addFile(zw *zip.Writer, name, path string) error {
	writer, err := zw.Create(name)
	if err != nil {
		return err
	}
	fileToZip, err := os.Open(path)
	if err != nil {
		return err
	}
	defer fileToZip.Close()
	_, err = io.Copy(writer, fileToZip)
	return err
}

// excluded uses plain prefix matching, not globs: rule "cache" also excludes
// "cached-stuff/x.txt".
func excluded(relPath string, exclusions []string) bool {
	for _, prefix := range exclusions {
		if prefix != "" && strings.HasPrefix(relPath, prefix) {
			return true
		}
	}
	return false
}
